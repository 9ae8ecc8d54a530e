// Package fulfillment turns order requests into claimed leads.
//
// For every requested lead type the service sizes a candidate pool, fetches
// it from the repository, drops ineligible candidates, runs the phone
// repetition selection and claims the winners. Claims are conditional in the
// repository, so two orders racing for the same lead never both get it: the
// loser releases what it holds for that type and selects again from a fresh
// pool.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/leaddesk/internal/bus"
	"github.com/opensource-finance/leaddesk/internal/domain"
	"github.com/opensource-finance/leaddesk/internal/repository"
	"github.com/opensource-finance/leaddesk/internal/rules"
	"github.com/opensource-finance/leaddesk/internal/selection"
)

var (
	ErrNothingRequested = errors.New("order requests no leads")
	ErrInvalidOrder     = errors.New("invalid order")
	ErrOrderClosed      = errors.New("order is no longer open")
)

const (
	defaultClaimAttempts = 3
	defaultMaxScan       = 10000
)

// Store is the persistence the service needs.
type Store interface {
	domain.LeadRepository
	domain.OrderStore
}

// Service runs order fulfillment.
type Service struct {
	store    Store
	engine   *rules.Engine
	registry *selection.Registry
	bus      domain.EventBus
	cfg      domain.FulfillmentConfig
	tracer   trace.Tracer
}

// Outcome is the result of fulfilling one order.
type Outcome struct {
	Order   *domain.Order       `json:"order"`
	Results []domain.TypeResult `json:"results"`
	Message string              `json:"message"`
}

// NewService creates a fulfillment service. engine and eventBus may be nil.
func NewService(store Store, engine *rules.Engine, registry *selection.Registry, eventBus domain.EventBus, cfg domain.FulfillmentConfig) *Service {
	if registry == nil {
		registry = selection.DefaultRegistry()
	}
	if cfg.ClaimAttempts <= 0 {
		cfg.ClaimAttempts = defaultClaimAttempts
	}
	if cfg.MaxScan <= 0 {
		cfg.MaxScan = defaultMaxScan
	}
	return &Service{
		store:    store,
		engine:   engine,
		registry: registry,
		bus:      eventBus,
		cfg:      cfg,
		tracer:   otel.Tracer("leaddesk/fulfillment"),
	}
}

// Registry returns the active selection policies.
func (s *Service) Registry() *selection.Registry {
	return s.registry
}

// Prepare validates an incoming order and fills in id, status and timestamps.
func (s *Service) Prepare(order *domain.Order) error {
	if order == nil {
		return fmt.Errorf("%w: order is nil", ErrInvalidOrder)
	}
	if order.Requester == "" {
		return fmt.Errorf("%w: requester is required", ErrInvalidOrder)
	}

	total := 0
	for leadType, n := range order.Requests {
		if !leadType.Valid() {
			return fmt.Errorf("%w: unknown lead type %q", ErrInvalidOrder, leadType)
		}
		if n < 0 {
			return fmt.Errorf("%w: negative count for %s", ErrInvalidOrder, leadType)
		}
		total += n
	}
	if total == 0 {
		return ErrNothingRequested
	}

	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.Status == "" {
		order.Status = domain.OrderPending
	}
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	return nil
}

// Submit stores a pending order and announces it for async fulfillment.
func (s *Service) Submit(ctx context.Context, order *domain.Order) error {
	if err := s.Prepare(order); err != nil {
		return err
	}
	order.Status = domain.OrderPending

	if err := s.store.SaveOrder(ctx, order); err != nil {
		return fmt.Errorf("failed to save pending order: %w", err)
	}

	if s.bus == nil {
		return fmt.Errorf("no event bus configured for async orders")
	}
	return bus.PublishOrderEvent(ctx, s.bus, domain.TopicOrderRequested, s.event(ctx, order))
}

// Fulfill selects, claims and records leads for every requested type.
// Shortfalls are not errors: the order ends partial and the per-type
// messages say how many leads were found.
func (s *Service) Fulfill(ctx context.Context, order *domain.Order) (*Outcome, error) {
	if err := s.Prepare(order); err != nil {
		return nil, err
	}
	if order.Status != domain.OrderPending {
		return nil, fmt.Errorf("%w: status %s", ErrOrderClosed, order.Status)
	}

	ctx, span := s.tracer.Start(ctx, "fulfillment.Fulfill",
		trace.WithAttributes(
			attribute.String("order.id", order.ID),
			attribute.String("order.requester", order.Requester),
			attribute.Int("order.requested", order.TotalRequested()),
		),
	)
	defer span.End()

	start := time.Now()
	types := requestedTypes(order.Requests)

	// Fetch every pool up front; they are independent per type.
	pools := make([][]*domain.Lead, len(types))
	g, gctx := errgroup.WithContext(ctx)
	for i, leadType := range types {
		n := order.Requests[leadType]
		g.Go(func() error {
			pool, err := s.gatherPool(gctx, leadType, order.Filters, s.registry.FetchCount(leadType, n))
			if err != nil {
				return err
			}
			pools[i] = pool
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var claimed []string
	results := make([]domain.TypeResult, 0, len(types))
	fulfilled := make(map[domain.LeadType]int, len(types))

	for i, leadType := range types {
		res, err := s.claimType(ctx, order, leadType, pools[i])
		if err != nil {
			s.release(ctx, order.ID, claimed)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		ids := res.IDs()
		claimed = append(claimed, ids...)
		fulfilled[leadType] = res.Fulfilled
		results = append(results, res.TypeResult())

		span.SetAttributes(
			attribute.Int("requested."+string(leadType), res.Requested),
			attribute.Int("fulfilled."+string(leadType), res.Fulfilled),
		)
	}

	messages := make([]string, len(results))
	for i, r := range results {
		messages[i] = r.Message
	}

	order.Fulfilled = fulfilled
	order.Leads = claimed
	order.Messages = messages
	order.Status = order.ResolveStatus()

	// A cancel that landed while leads were being claimed wins: the order
	// keeps its cancelled status and nothing stays assigned to it.
	if err := s.store.SaveOrderIf(ctx, order, domain.OrderPending); err != nil {
		s.release(ctx, order.ID, claimed)
		if errors.Is(err, repository.ErrConflict) {
			err = fmt.Errorf("%w: changed during fulfillment: %v", ErrOrderClosed, err)
		} else {
			err = fmt.Errorf("failed to save order: %w", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.String("order.status", string(order.Status)))

	s.publish(ctx, domain.TopicOrderFulfilled, order)

	slog.Info("order fulfilled",
		"order_id", order.ID,
		"requester", order.Requester,
		"status", order.Status,
		"requested", order.TotalRequested(),
		"assigned", len(claimed),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &Outcome{
		Order:   order,
		Results: results,
		Message: strings.Join(messages, "; "),
	}, nil
}

// FulfillByID loads a pending order and fulfills it.
func (s *Service) FulfillByID(ctx context.Context, orderID string) (*Outcome, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", orderID, err)
	}
	return s.Fulfill(ctx, order)
}

// Cancel marks an order cancelled and returns every lead it holds to the
// pool. The status change only applies to the status just read, so a
// fulfillment finishing at the same time either lands first and is then
// cancelled, or finds the order closed and releases its own claims.
func (s *Service) Cancel(ctx context.Context, orderID string) (*domain.Order, error) {
	var order *domain.Order
	for attempt := 1; ; attempt++ {
		current, err := s.store.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if current.Status == domain.OrderCancelled {
			return nil, fmt.Errorf("%w: already cancelled", ErrOrderClosed)
		}

		from := current.Status
		now := time.Now().UTC()
		current.Status = domain.OrderCancelled
		current.CancelledAt = &now

		err = s.store.SaveOrderIf(ctx, current, from)
		if err == nil {
			order = current
			break
		}
		if !errors.Is(err, repository.ErrConflict) || attempt >= s.cfg.ClaimAttempts {
			return nil, fmt.Errorf("failed to cancel order: %w", err)
		}
	}

	released, err := s.store.ReleaseOrderLeads(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to release leads: %w", err)
	}

	s.publish(ctx, domain.TopicOrderCancelled, order)

	slog.Info("order cancelled",
		"order_id", order.ID,
		"released", released,
	)
	return order, nil
}

// gatherPool pages through unassigned leads until want eligible candidates
// are collected, the pool runs dry, or MaxScan rows have been read.
func (s *Service) gatherPool(ctx context.Context, leadType domain.LeadType, filters domain.OrderFilters, want int) ([]*domain.Lead, error) {
	if want <= 0 {
		return nil, nil
	}

	pool := make([]*domain.Lead, 0, want)
	offset := 0
	for len(pool) < want && offset < s.cfg.MaxScan {
		page := want
		if offset+page > s.cfg.MaxScan {
			page = s.cfg.MaxScan - offset
		}

		batch, err := s.store.FetchCandidates(ctx, leadType, filters, page, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s candidates: %w", leadType, err)
		}
		offset += len(batch)

		eligible := batch
		if s.engine != nil {
			var rejected int
			eligible, rejected, err = s.engine.Filter(ctx, leadType, filters, batch)
			if err != nil {
				return nil, fmt.Errorf("failed to check %s candidates: %w", leadType, err)
			}
			if rejected > 0 {
				slog.Debug("candidates rejected by eligibility rules",
					"lead_type", leadType,
					"rejected", rejected,
				)
			}
		}
		pool = append(pool, eligible...)

		if len(batch) < page {
			break
		}
	}

	if len(pool) > want {
		pool = pool[:want]
	}
	return pool, nil
}

// claimType selects from pool and claims the selection, retrying with a
// fresh pool when leads were taken by a concurrent order. The final attempt
// keeps whatever it managed to claim.
func (s *Service) claimType(ctx context.Context, order *domain.Order, leadType domain.LeadType, pool []*domain.Lead) (*selection.Result, error) {
	n := order.Requests[leadType]

	for attempt := 1; ; attempt++ {
		res := s.registry.Select(leadType, pool, n)
		ids := res.IDs()

		got, err := s.store.ClaimLeads(ctx, order.ID, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to claim %s leads: %w", leadType, err)
		}
		if len(got) == len(ids) {
			return res, nil
		}

		if attempt >= s.cfg.ClaimAttempts {
			slog.Warn("keeping partial claim after retries",
				"order_id", order.ID,
				"lead_type", leadType,
				"selected", len(ids),
				"claimed", len(got),
			)
			return keepClaimed(res, got), nil
		}

		slog.Warn("leads taken by concurrent order, retrying",
			"order_id", order.ID,
			"lead_type", leadType,
			"attempt", attempt,
			"lost", len(ids)-len(got),
		)

		if err := s.store.ReleaseLeads(ctx, order.ID, got); err != nil {
			return nil, fmt.Errorf("failed to release %s leads: %w", leadType, err)
		}
		pool, err = s.gatherPool(ctx, leadType, order.Filters, s.registry.FetchCount(leadType, n))
		if err != nil {
			return nil, err
		}
	}
}

// keepClaimed narrows a result to the leads actually claimed.
func keepClaimed(res *selection.Result, claimed []string) *selection.Result {
	held := make(map[string]struct{}, len(claimed))
	for _, id := range claimed {
		held[id] = struct{}{}
	}

	kept := make([]*domain.Lead, 0, len(claimed))
	for _, lead := range res.Selected {
		if _, ok := held[lead.ID]; ok {
			kept = append(kept, lead)
		}
	}

	out := *res
	out.Selected = kept
	out.Fulfilled = len(kept)
	return &out
}

// release is best effort; failures are logged and the leads stay assigned
// to the order id until an operator cancels it.
func (s *Service) release(ctx context.Context, orderID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := s.store.ReleaseLeads(context.WithoutCancel(ctx), orderID, ids); err != nil {
		slog.Error("failed to release leads",
			"order_id", orderID,
			"count", len(ids),
			"error", err,
		)
	}
}

func (s *Service) publish(ctx context.Context, topic string, order *domain.Order) {
	if s.bus == nil {
		return
	}
	if err := bus.PublishOrderEvent(ctx, s.bus, topic, s.event(ctx, order)); err != nil {
		slog.Error("failed to publish order event",
			"order_id", order.ID,
			"topic", topic,
			"error", err,
		)
	}
}

func (s *Service) event(ctx context.Context, order *domain.Order) *domain.OrderEvent {
	event := &domain.OrderEvent{
		OrderID:   order.ID,
		Requester: order.Requester,
		Status:    order.Status,
		Requests:  order.Requests,
		Fulfilled: order.Fulfilled,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		event.TraceID = sc.TraceID().String()
	}
	return event
}

// requestedTypes lists every type named in requests, known types first in
// their canonical order and anything else alphabetically. Types requested
// with a count of 0 stay in the list so the order reports them as
// "0 requested, 0 fulfilled".
func requestedTypes(requests map[domain.LeadType]int) []domain.LeadType {
	rank := make(map[domain.LeadType]int, len(domain.LeadTypes))
	for i, t := range domain.LeadTypes {
		rank[t] = i
	}

	types := make([]domain.LeadType, 0, len(requests))
	for t, n := range requests {
		if n >= 0 {
			types = append(types, t)
		}
	}

	sort.Slice(types, func(i, j int) bool {
		ri, iok := rank[types[i]]
		rj, jok := rank[types[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return types[i] < types[j]
		}
	})
	return types
}
