package domain

import (
	"time"
)

// OrderStatus tracks an order through fulfillment.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderFulfilled OrderStatus = "fulfilled"
	OrderPartial   OrderStatus = "partial"
	OrderCancelled OrderStatus = "cancelled"
)

// Order is a request for batches of leads, keyed by lead type.
type Order struct {
	ID        string      `json:"id"`
	Requester string      `json:"requester"`
	Status    OrderStatus `json:"status"`

	Requests  map[LeadType]int `json:"requests"`
	Fulfilled map[LeadType]int `json:"fulfilled"`

	// Leads holds assigned lead ids in selection order
	Leads []string `json:"leads"`

	Filters  OrderFilters `json:"filters"`
	Messages []string     `json:"messages,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
}

// OrderFilters restrict the candidate pool for every lead type in an order.
type OrderFilters struct {
	Country         string   `json:"country,omitempty"`
	Gender          string   `json:"gender,omitempty"`
	ExcludeClients  []string `json:"excludeClients,omitempty"`
	ExcludeBrokers  []string `json:"excludeBrokers,omitempty"`
	ExcludeNetworks []string `json:"excludeNetworks,omitempty"`
}

// TotalRequested sums requested counts across lead types.
func (o *Order) TotalRequested() int {
	total := 0
	for _, n := range o.Requests {
		total += n
	}
	return total
}

// ResolveStatus derives the terminal status from requested and fulfilled counts.
func (o *Order) ResolveStatus() OrderStatus {
	for leadType, n := range o.Requests {
		if o.Fulfilled[leadType] < n {
			return OrderPartial
		}
	}
	return OrderFulfilled
}

// OrderQuery narrows an order listing.
type OrderQuery struct {
	Requester string
	Status    OrderStatus
	Limit     int
	Offset    int
}

// TypeResult reports how one lead type of an order was fulfilled.
type TypeResult struct {
	LeadType        LeadType `json:"leadType"`
	SelectedLeadIDs []string `json:"selectedLeadIds"`
	Requested       int      `json:"requested"`
	Fulfilled       int      `json:"fulfilled"`
	Message         string   `json:"message"`
	Tier            int      `json:"tier,omitempty"`
}
