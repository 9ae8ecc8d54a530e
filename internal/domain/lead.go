package domain

import (
	"time"
)

// LeadType classifies a lead. Only some types carry a selection policy.
type LeadType string

const (
	LeadTypeFTD    LeadType = "ftd"
	LeadTypeFiller LeadType = "filler"
	LeadTypeCold   LeadType = "cold"
	LeadTypeLive   LeadType = "live"
)

// LeadTypes lists the known lead types in fulfillment order.
var LeadTypes = []LeadType{LeadTypeFTD, LeadTypeFiller, LeadTypeCold, LeadTypeLive}

// Valid reports whether t is one of the known lead types.
func (t LeadType) Valid() bool {
	for _, known := range LeadTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Lead represents a sales prospect that can be assigned to an order.
type Lead struct {
	// Core identifiers
	ID       string   `json:"id"`
	LeadType LeadType `json:"leadType"`

	// Contact details
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	NewEmail  string `json:"newEmail"`
	OldEmail  string `json:"oldEmail,omitempty"`
	NewPhone  string `json:"newPhone"`
	OldPhone  string `json:"oldPhone,omitempty"`
	Country   string `json:"country"`
	Gender    string `json:"gender,omitempty"` // male, female, not_defined
	DOB       string `json:"dob,omitempty"`

	// Ownership, used by exclusion filters
	Client        string `json:"client,omitempty"`
	ClientBroker  string `json:"clientBroker,omitempty"`
	ClientNetwork string `json:"clientNetwork,omitempty"`

	// Classification
	Source   string `json:"source,omitempty"`
	Priority string `json:"priority,omitempty"` // low, medium, high
	Status   string `json:"status,omitempty"`   // active, contacted, converted, inactive

	// Assignment
	IsAssigned bool       `json:"isAssigned"`
	OrderID    string     `json:"orderId,omitempty"`
	AssignedAt *time.Time `json:"assignedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`

	// Address, social media, documents and comments travel as opaque payload
	Extra map[string]any `json:"extra,omitempty"`
}

// PhoneNumber returns the number used for repetition checks.
func (l *Lead) PhoneNumber() string {
	return l.NewPhone
}

// LeadQuery narrows a lead listing.
type LeadQuery struct {
	LeadType   LeadType
	IsAssigned *bool
	Country    string
	Gender     string
	OrderID    string
	Limit      int
	Offset     int
}
