package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/leaddesk/internal/domain"
)

const orderColumns = `id, requester, status, requests, fulfilled, leads, filters, messages,
	created_at, updated_at, cancelled_at`

// SaveOrder inserts or updates an order.
func (r *SQLRepository) SaveOrder(ctx context.Context, order *domain.Order) error {
	if order == nil || order.ID == "" {
		return fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	if order.Requester == "" {
		return fmt.Errorf("%w: requester is required", ErrInvalidInput)
	}

	requests, _ := json.Marshal(order.Requests)
	fulfilled, _ := json.Marshal(order.Fulfilled)
	leads, _ := json.Marshal(order.Leads)
	filters, _ := json.Marshal(order.Filters)
	messages, _ := json.Marshal(order.Messages)

	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	var cancelledAt any
	if order.CancelledAt != nil {
		cancelledAt = order.CancelledAt.UTC()
	}

	query := `
		INSERT INTO orders (
			id, requester, status, requests, fulfilled, leads, filters, messages,
			created_at, updated_at, cancelled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			requests = excluded.requests,
			fulfilled = excluded.fulfilled,
			leads = excluded.leads,
			filters = excluded.filters,
			messages = excluded.messages,
			updated_at = excluded.updated_at,
			cancelled_at = excluded.cancelled_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		order.ID, order.Requester, string(order.Status),
		string(requests), string(fulfilled), string(leads), string(filters), string(messages),
		order.CreatedAt.UTC(), now, cancelledAt,
	)
	return err
}

// SaveOrderIf inserts order, or updates the stored row only while its status
// is still from. A stored order in any other status is left untouched and
// ErrConflict is returned, so a status change can never overwrite a
// concurrent one.
func (r *SQLRepository) SaveOrderIf(ctx context.Context, order *domain.Order, from domain.OrderStatus) error {
	if order == nil || order.ID == "" {
		return fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	if order.Requester == "" {
		return fmt.Errorf("%w: requester is required", ErrInvalidInput)
	}

	requests, _ := json.Marshal(order.Requests)
	fulfilled, _ := json.Marshal(order.Fulfilled)
	leads, _ := json.Marshal(order.Leads)
	filters, _ := json.Marshal(order.Filters)
	messages, _ := json.Marshal(order.Messages)

	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}

	var cancelledAt any
	if order.CancelledAt != nil {
		cancelledAt = order.CancelledAt.UTC()
	}

	query := `
		INSERT INTO orders (
			id, requester, status, requests, fulfilled, leads, filters, messages,
			created_at, updated_at, cancelled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			requests = excluded.requests,
			fulfilled = excluded.fulfilled,
			leads = excluded.leads,
			filters = excluded.filters,
			messages = excluded.messages,
			updated_at = excluded.updated_at,
			cancelled_at = excluded.cancelled_at
		WHERE orders.status = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		order.ID, order.Requester, string(order.Status),
		string(requests), string(fulfilled), string(leads), string(filters), string(messages),
		order.CreatedAt.UTC(), now, cancelledAt,
		string(from),
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: order %s is no longer %s", ErrConflict, order.ID, from)
	}
	order.UpdatedAt = now
	return nil
}

// GetOrder retrieves an order by ID.
func (r *SQLRepository) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}

	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = ?`

	order, err := scanOrder(r.db.QueryRowContext(ctx, r.rebind(query), orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

// ListOrders returns orders matching q, newest first.
func (r *SQLRepository) ListOrders(ctx context.Context, q domain.OrderQuery) ([]*domain.Order, error) {
	var c conditions
	if q.Requester != "" {
		c.add("requester = ?", q.Requester)
	}
	if q.Status != "" {
		c.add("status = ?", string(q.Status))
	}

	query := `SELECT ` + orderColumns + ` FROM orders` + c.where() +
		` ORDER BY created_at DESC, id ASC` + c.page(q.Limit, q.Offset, 50)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), c.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	return orders, rows.Err()
}

func scanOrder(s scanner) (*domain.Order, error) {
	var order domain.Order
	var status, requests, fulfilled, leads, filters string
	var messages sql.NullString
	var cancelledAt sql.NullTime

	if err := s.Scan(
		&order.ID, &order.Requester, &status,
		&requests, &fulfilled, &leads, &filters, &messages,
		&order.CreatedAt, &order.UpdatedAt, &cancelledAt,
	); err != nil {
		return nil, err
	}

	order.Status = domain.OrderStatus(status)
	json.Unmarshal([]byte(requests), &order.Requests)
	json.Unmarshal([]byte(fulfilled), &order.Fulfilled)
	json.Unmarshal([]byte(leads), &order.Leads)
	json.Unmarshal([]byte(filters), &order.Filters)
	if messages.Valid {
		json.Unmarshal([]byte(messages.String), &order.Messages)
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time
		order.CancelledAt = &t
	}

	return &order, nil
}

// SaveRule stores an eligibility rule.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.EligibilityRule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}
	if rule.Expression == "" {
		return fmt.Errorf("%w: rule expression is required", ErrInvalidInput)
	}

	leadTypes, _ := json.Marshal(rule.LeadTypes)
	now := time.Now().UTC()

	query := `
		INSERT INTO eligibility_rules (
			id, name, description, lead_types, expression, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			lead_types = excluded.lead_types,
			expression = excluded.expression,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, string(leadTypes),
		rule.Expression, boolToInt(rule.Enabled), now, now,
	)
	return err
}

// ListRules retrieves all enabled eligibility rules.
func (r *SQLRepository) ListRules(ctx context.Context) ([]*domain.EligibilityRule, error) {
	query := `
		SELECT id, name, description, lead_types, expression, enabled
		FROM eligibility_rules
		WHERE enabled = 1
		ORDER BY name, id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.EligibilityRule
	for rows.Next() {
		var rule domain.EligibilityRule
		var description sql.NullString
		var leadTypes string
		var enabled int

		if err := rows.Scan(
			&rule.ID, &rule.Name, &description, &leadTypes, &rule.Expression, &enabled,
		); err != nil {
			return nil, err
		}

		rule.Description = description.String
		rule.Enabled = enabled == 1
		json.Unmarshal([]byte(leadTypes), &rule.LeadTypes)
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// DeleteRule soft-deletes a rule by setting enabled = 0.
func (r *SQLRepository) DeleteRule(ctx context.Context, ruleID string) error {
	if ruleID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	query := `
		UPDATE eligibility_rules
		SET enabled = 0, updated_at = ?
		WHERE id = ? AND enabled = 1
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}
