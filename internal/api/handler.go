package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/leaddesk/internal/cache"
	"github.com/opensource-finance/leaddesk/internal/domain"
	"github.com/opensource-finance/leaddesk/internal/fulfillment"
	"github.com/opensource-finance/leaddesk/internal/quota"
	"github.com/opensource-finance/leaddesk/internal/repository"
	"github.com/opensource-finance/leaddesk/internal/rules"
)

// Dependencies are the services the HTTP handlers call into.
type Dependencies struct {
	Repo        domain.Repository
	Cache       domain.Cache
	Engine      *rules.Engine
	Fulfillment *fulfillment.Service
	Quota       *quota.Limiter

	// OrderTTL is how long terminal orders stay cached for GET /orders/{id}
	OrderTTL time.Duration

	// IdempotencyTTL is how long an Idempotency-Key maps to its order
	IdempotencyTTL time.Duration
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo           domain.Repository
	cache          domain.Cache
	engine         *rules.Engine
	svc            *fulfillment.Service
	quota          *quota.Limiter
	orderTTL       time.Duration
	idempotencyTTL time.Duration
	version        string
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies, version string) *Handler {
	h := &Handler{
		repo:           deps.Repo,
		cache:          deps.Cache,
		engine:         deps.Engine,
		svc:            deps.Fulfillment,
		quota:          deps.Quota,
		orderTTL:       deps.OrderTTL,
		idempotencyTTL: deps.IdempotencyTTL,
		version:        version,
	}
	if h.orderTTL <= 0 {
		h.orderTTL = time.Minute
	}
	if h.idempotencyTTL <= 0 {
		h.idempotencyTTL = 24 * time.Hour
	}
	return h
}

// Health returns the health status of the service.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ============================================================================
// LEAD HANDLERS
// ============================================================================

// CreateLeads stores one lead or an array of leads.
func (h *Handler) CreateLeads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	var leads []*domain.Lead
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &leads); err != nil {
			writeError(w, http.StatusBadRequest, "invalid lead array")
			return
		}
	} else {
		var lead domain.Lead
		if err := json.Unmarshal(trimmed, &lead); err != nil {
			writeError(w, http.StatusBadRequest, "invalid lead object")
			return
		}
		leads = append(leads, &lead)
	}

	if len(leads) == 0 {
		writeError(w, http.StatusBadRequest, "no leads in request body")
		return
	}

	now := time.Now().UTC()
	ids := make([]string, 0, len(leads))
	for i, lead := range leads {
		if lead == nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("lead %d is null", i))
			return
		}
		if lead.ID == "" {
			lead.ID = uuid.New().String()
		}
		if lead.CreatedAt.IsZero() {
			lead.CreatedAt = now
		}
		// Assignment is owned by fulfillment
		lead.IsAssigned = false
		lead.OrderID = ""
		lead.AssignedAt = nil
		ids = append(ids, lead.ID)
	}

	if err := h.repo.SaveLeads(ctx, leads); err != nil {
		writeServiceError(w, "failed to save leads", err)
		return
	}

	slog.Info("leads created", "count", len(leads), "requester", GetRequester(ctx))
	writeJSON(w, http.StatusCreated, map[string]any{
		"ids":   ids,
		"count": len(ids),
	})
}

// ListLeads returns leads filtered by query parameters.
func (h *Handler) ListLeads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := domain.LeadQuery{
		LeadType: domain.LeadType(q.Get("leadType")),
		Country:  q.Get("country"),
		Gender:   q.Get("gender"),
		OrderID:  q.Get("orderId"),
	}

	if v := q.Get("assigned"); v != "" {
		assigned, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "assigned must be true or false")
			return
		}
		query.IsAssigned = &assigned
	}

	var err error
	if query.Limit, query.Offset, err = pageParams(r); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	leads, err := h.repo.ListLeads(r.Context(), query)
	if err != nil {
		writeServiceError(w, "failed to list leads", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"leads": leads,
		"count": len(leads),
	})
}

// GetLead retrieves a lead by ID.
func (h *Handler) GetLead(w http.ResponseWriter, r *http.Request) {
	lead, err := h.repo.GetLead(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, "failed to get lead", err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

// ============================================================================
// ORDER HANDLERS
// ============================================================================

// CreateOrderRequest is the request body for POST /orders. Counts may be
// given per type at the top level, in requests, or both; they are summed.
type CreateOrderRequest struct {
	FTD    int `json:"ftd"`
	Filler int `json:"filler"`
	Cold   int `json:"cold"`
	Live   int `json:"live"`

	Requests map[domain.LeadType]int `json:"requests,omitempty"`
	Filters  domain.OrderFilters     `json:"filters"`

	// Async stores the order as pending and fulfills it in the background
	Async bool `json:"async"`
}

func (req *CreateOrderRequest) counts() map[domain.LeadType]int {
	out := make(map[domain.LeadType]int, len(req.Requests)+4)
	for t, n := range req.Requests {
		out[t] += n
	}
	for t, n := range map[domain.LeadType]int{
		domain.LeadTypeFTD:    req.FTD,
		domain.LeadTypeFiller: req.Filler,
		domain.LeadTypeCold:   req.Cold,
		domain.LeadTypeLive:   req.Live,
	} {
		if n != 0 {
			out[t] += n
		}
	}
	return out
}

// CreateOrderResponse is the response for POST /orders.
type CreateOrderResponse struct {
	Success  bool                `json:"success"`
	Order    *domain.Order       `json:"order"`
	Message  string              `json:"message"`
	Results  []domain.TypeResult `json:"results,omitempty"`
	Replayed bool                `json:"replayed,omitempty"`
}

// CreateOrder selects and assigns leads for a new order.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requester := GetRequester(ctx)

	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	order := &domain.Order{
		Requester: requester,
		Requests:  req.counts(),
		Filters:   req.Filters,
	}
	if err := h.svc.Prepare(order); err != nil {
		writeServiceError(w, "invalid order", err)
		return
	}

	idemKey := ""
	if key := r.Header.Get(IdempotencyHeader); key != "" && h.cache != nil {
		idemKey = cache.IdempotencyKey(requester, key)
		stored, err := h.cache.SetNX(ctx, idemKey, []byte(order.ID), h.idempotencyTTL)
		if err != nil {
			slog.Error("idempotency check failed", "requester", requester, "error", err)
			writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
			return
		}
		if !stored {
			h.replayOrder(w, r, idemKey)
			return
		}
	}

	// Drop the key when no order was created so the client can retry
	forget := func() {
		if idemKey == "" {
			return
		}
		if err := h.cache.Delete(context.WithoutCancel(ctx), idemKey); err != nil {
			slog.Warn("failed to drop idempotency key", "idempotency_key", idemKey, "error", err)
		}
	}

	allowed, err := h.quota.Allow(ctx, requester)
	if err != nil {
		slog.Error("quota check failed", "requester", requester, "error", err)
		forget()
		writeError(w, http.StatusServiceUnavailable, "quota store unavailable")
		return
	}
	if !allowed {
		forget()
		w.Header().Set("Retry-After", strconv.Itoa(int(h.quota.Window().Seconds())))
		writeError(w, http.StatusTooManyRequests, "order quota exceeded")
		return
	}

	if req.Async {
		if err := h.svc.Submit(ctx, order); err != nil {
			forget()
			writeServiceError(w, "failed to submit order", err)
			return
		}
		writeJSON(w, http.StatusAccepted, CreateOrderResponse{
			Success: true,
			Order:   order,
			Message: "order accepted for fulfillment",
		})
		return
	}

	outcome, err := h.svc.Fulfill(ctx, order)
	if err != nil {
		forget()
		writeServiceError(w, "failed to fulfill order", err)
		return
	}
	h.cacheOrder(ctx, outcome.Order)

	writeJSON(w, http.StatusCreated, CreateOrderResponse{
		Success: true,
		Order:   outcome.Order,
		Message: outcome.Message,
		Results: outcome.Results,
	})
}

// replayOrder answers a retried POST /orders with the order created first.
func (h *Handler) replayOrder(w http.ResponseWriter, r *http.Request, idemKey string) {
	ctx := r.Context()

	id, err := h.cache.Get(ctx, idemKey)
	if err != nil || id == nil {
		writeError(w, http.StatusConflict, "request with this Idempotency-Key is in progress")
		return
	}

	order, err := h.loadOrder(ctx, string(id))
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusConflict, "request with this Idempotency-Key is in progress")
		return
	}
	if err != nil {
		writeServiceError(w, "failed to load order", err)
		return
	}

	writeJSON(w, http.StatusOK, CreateOrderResponse{
		Success:  true,
		Order:    order,
		Message:  "duplicate request, returning existing order",
		Replayed: true,
	})
}

// ListOrders returns orders filtered by requester and status.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := domain.OrderQuery{
		Requester: q.Get("requester"),
		Status:    domain.OrderStatus(q.Get("status")),
	}

	var err error
	if query.Limit, query.Offset, err = pageParams(r); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	orders, err := h.repo.ListOrders(r.Context(), query)
	if err != nil {
		writeServiceError(w, "failed to list orders", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"orders": orders,
		"count":  len(orders),
	})
}

// GetOrder retrieves an order by ID, served from cache when possible.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.loadOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, "failed to get order", err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// CancelOrder releases an order's leads back to the pool.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := chi.URLParam(r, "id")

	order, err := h.svc.Cancel(ctx, orderID)
	if err != nil {
		writeServiceError(w, "failed to cancel order", err)
		return
	}

	if h.cache != nil {
		if err := h.cache.Delete(ctx, cache.OrderKey(orderID)); err != nil {
			slog.Warn("failed to invalidate cached order", "order_id", orderID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) loadOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	if h.cache != nil {
		var cached domain.Order
		found, err := cache.GetJSON(ctx, h.cache, cache.OrderKey(orderID), &cached)
		if err != nil {
			slog.Warn("order cache read failed", "order_id", orderID, "error", err)
		}
		if found {
			return &cached, nil
		}
	}

	order, err := h.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	h.cacheOrder(ctx, order)
	return order, nil
}

// cacheOrder stores terminal orders only; pending ones still change.
func (h *Handler) cacheOrder(ctx context.Context, order *domain.Order) {
	if h.cache == nil || order == nil || order.Status == domain.OrderPending {
		return
	}
	if err := cache.SetJSON(ctx, h.cache, cache.OrderKey(order.ID), order, h.orderTTL); err != nil {
		slog.Warn("failed to cache order", "order_id", order.ID, "error", err)
	}
}

// ============================================================================
// RULE HANDLERS
// ============================================================================

// ListRules returns all loaded rules from the engine.
// Rules are loaded from the database at startup and can be reloaded via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loadedRules := h.engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loadedRules,
		"count": len(loadedRules),
	})
}

// CreateRuleRequest is the request body for creating an eligibility rule.
type CreateRuleRequest struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	LeadTypes   []domain.LeadType `json:"leadTypes,omitempty"`
	Expression  string            `json:"expression"`
	Enabled     *bool             `json:"enabled,omitempty"`
}

// CreateRule validates, saves and loads an eligibility rule.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if req.Name == "" || req.Expression == "" {
		writeError(w, http.StatusBadRequest, "name and expression are required")
		return
	}
	for _, t := range req.LeadTypes {
		if !t.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown lead type %q", t))
			return
		}
	}

	rule := &domain.EligibilityRule{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		LeadTypes:   req.LeadTypes,
		Expression:  req.Expression,
		Enabled:     req.Enabled == nil || *req.Enabled,
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}

	if err := h.engine.ValidateRule(rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid CEL expression: "+err.Error())
		return
	}

	if err := h.repo.SaveRule(ctx, rule); err != nil {
		writeServiceError(w, "failed to save rule", err)
		return
	}

	if rule.Enabled {
		if err := h.engine.LoadRule(rule); err != nil {
			slog.Error("failed to load saved rule", "rule_id", rule.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "rule saved but not loaded")
			return
		}
	} else {
		h.engine.RemoveRule(rule.ID)
	}

	slog.Info("rule created", "rule_id", rule.ID, "name", rule.Name, "requester", GetRequester(ctx))
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "rule saved and applied",
	})
}

// DeleteRule disables a rule in the database and unloads it.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ruleID := chi.URLParam(r, "id")

	if ruleID == rules.ExclusionRuleID {
		writeError(w, http.StatusBadRequest, "built-in rule cannot be deleted")
		return
	}

	if err := h.repo.DeleteRule(ctx, ruleID); err != nil {
		writeServiceError(w, "failed to delete rule", err)
		return
	}
	h.engine.RemoveRule(ruleID)

	slog.Info("rule deleted", "rule_id", ruleID, "requester", GetRequester(ctx))
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule deleted",
		"id":      ruleID,
	})
}

// ReloadRules reloads all rules from the database into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbRules, err := h.repo.ListRules(ctx)
	if err != nil {
		writeServiceError(w, "failed to load rules from database", err)
		return
	}

	if err := h.engine.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload rules: "+err.Error())
		return
	}

	slog.Info("rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

// ListPolicies returns the active selection tier tables.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies := h.svc.Registry().Policies()
	writeJSON(w, http.StatusOK, map[string]any{
		"policies": policies,
		"count":    len(policies),
	})
}

// ============================================================================
// HELPERS
// ============================================================================

func pageParams(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, errors.New("limit must be a non-negative integer")
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrInvalidInput),
		errors.Is(err, fulfillment.ErrInvalidOrder),
		errors.Is(err, fulfillment.ErrNothingRequested):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrConflict),
		errors.Is(err, fulfillment.ErrOrderClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with its mapped status. Internal errors are
// logged and replaced with msg.
func writeServiceError(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error(msg, "error", err)
		writeError(w, status, msg)
		return
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
