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

var _ domain.Repository = (*SQLRepository)(nil)

const leadColumns = `id, lead_type, first_name, last_name, new_email, old_email,
	new_phone, old_phone, country, gender, dob, client, client_broker, client_network,
	source, priority, status, is_assigned, order_id, assigned_at, created_at, extra`

const upsertLead = `
	INSERT INTO leads (
		id, lead_type, first_name, last_name, new_email, old_email,
		new_phone, old_phone, country, gender, dob, client, client_broker, client_network,
		source, priority, status, created_at, extra
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		lead_type = excluded.lead_type,
		first_name = excluded.first_name,
		last_name = excluded.last_name,
		new_email = excluded.new_email,
		old_email = excluded.old_email,
		new_phone = excluded.new_phone,
		old_phone = excluded.old_phone,
		country = excluded.country,
		gender = excluded.gender,
		dob = excluded.dob,
		client = excluded.client,
		client_broker = excluded.client_broker,
		client_network = excluded.client_network,
		source = excluded.source,
		priority = excluded.priority,
		status = excluded.status,
		extra = excluded.extra
`

func validateLead(lead *domain.Lead) error {
	if lead == nil {
		return fmt.Errorf("%w: lead is nil", ErrInvalidInput)
	}
	if lead.ID == "" {
		return fmt.Errorf("%w: lead id is required", ErrInvalidInput)
	}
	if !lead.LeadType.Valid() {
		return fmt.Errorf("%w: unknown lead type %q", ErrInvalidInput, lead.LeadType)
	}
	return nil
}

func leadArgs(lead *domain.Lead) []any {
	var extra []byte
	if len(lead.Extra) > 0 {
		extra, _ = json.Marshal(lead.Extra)
	}
	created := lead.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return []any{
		lead.ID, string(lead.LeadType), lead.FirstName, lead.LastName,
		lead.NewEmail, lead.OldEmail, lead.NewPhone, lead.OldPhone,
		lead.Country, lead.Gender, lead.DOB,
		lead.Client, lead.ClientBroker, lead.ClientNetwork,
		lead.Source, lead.Priority, lead.Status,
		created.UTC(), string(extra),
	}
}

// SaveLead inserts or updates a lead. Assignment state is never overwritten.
func (r *SQLRepository) SaveLead(ctx context.Context, lead *domain.Lead) error {
	if err := validateLead(lead); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, r.rebind(upsertLead), leadArgs(lead)...)
	return err
}

// SaveLeads stores a batch of leads in one transaction.
func (r *SQLRepository) SaveLeads(ctx context.Context, leads []*domain.Lead) error {
	for _, lead := range leads {
		if err := validateLead(lead); err != nil {
			return err
		}
	}
	if len(leads) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, r.rebind(upsertLead))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, lead := range leads {
		if _, err := stmt.ExecContext(ctx, leadArgs(lead)...); err != nil {
			return fmt.Errorf("save lead %s: %w", lead.ID, err)
		}
	}

	return tx.Commit()
}

// GetLead retrieves a lead by ID.
func (r *SQLRepository) GetLead(ctx context.Context, leadID string) (*domain.Lead, error) {
	if leadID == "" {
		return nil, fmt.Errorf("%w: lead id is required", ErrInvalidInput)
	}

	query := `SELECT ` + leadColumns + ` FROM leads WHERE id = ?`

	lead, err := scanLead(r.db.QueryRowContext(ctx, r.rebind(query), leadID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return lead, nil
}

// ListLeads returns leads matching q, newest first.
func (r *SQLRepository) ListLeads(ctx context.Context, q domain.LeadQuery) ([]*domain.Lead, error) {
	var c conditions
	if q.LeadType != "" {
		c.add("lead_type = ?", string(q.LeadType))
	}
	if q.IsAssigned != nil {
		c.add("is_assigned = ?", boolToInt(*q.IsAssigned))
	}
	if q.Country != "" {
		c.add("country = ?", q.Country)
	}
	if q.Gender != "" {
		c.add("gender = ?", q.Gender)
	}
	if q.OrderID != "" {
		c.add("order_id = ?", q.OrderID)
	}

	query := `SELECT ` + leadColumns + ` FROM leads` + c.where() +
		` ORDER BY created_at DESC, id ASC` + c.page(q.Limit, q.Offset, 100)

	return r.queryLeads(ctx, query, c.args...)
}

// FetchCandidates returns unassigned leads of one type, newest first.
// Exclusion lists are not applied here; they belong to the rules engine.
func (r *SQLRepository) FetchCandidates(ctx context.Context, leadType domain.LeadType, filters domain.OrderFilters, limit, offset int) ([]*domain.Lead, error) {
	if !leadType.Valid() {
		return nil, fmt.Errorf("%w: unknown lead type %q", ErrInvalidInput, leadType)
	}
	if limit <= 0 {
		return nil, nil
	}

	var c conditions
	c.add("lead_type = ?", string(leadType))
	c.add("is_assigned = 0")
	if filters.Country != "" {
		c.add("country = ?", filters.Country)
	}
	if filters.Gender != "" {
		c.add("gender = ?", filters.Gender)
	}

	query := `SELECT ` + leadColumns + ` FROM leads` + c.where() +
		` ORDER BY created_at DESC, id ASC` + c.page(limit, offset, limit)

	return r.queryLeads(ctx, query, c.args...)
}

// ClaimLeads assigns leads to orderID inside one transaction. A lead counts
// as claimed only if it was still unassigned when the update ran, so two
// orders can never hold the same lead.
func (r *SQLRepository) ClaimLeads(ctx context.Context, orderID string, leadIDs []string) ([]string, error) {
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	if len(leadIDs) == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `
		UPDATE leads
		SET is_assigned = 1, order_id = ?, assigned_at = ?
		WHERE id = ? AND is_assigned = 0
	`
	stmt, err := tx.PrepareContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	claimed := make([]string, 0, len(leadIDs))
	for _, id := range leadIDs {
		result, err := stmt.ExecContext(ctx, orderID, now, id)
		if err != nil {
			return nil, fmt.Errorf("claim lead %s: %w", id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			claimed = append(claimed, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReleaseLeads returns leads held by orderID to the unassigned pool.
// Leads held by another order are left alone.
func (r *SQLRepository) ReleaseLeads(ctx context.Context, orderID string, leadIDs []string) error {
	if orderID == "" {
		return fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	if len(leadIDs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		UPDATE leads
		SET is_assigned = 0, order_id = '', assigned_at = NULL
		WHERE id = ? AND order_id = ?
	`
	stmt, err := tx.PrepareContext(ctx, r.rebind(query))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range leadIDs {
		if _, err := stmt.ExecContext(ctx, id, orderID); err != nil {
			return fmt.Errorf("release lead %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// ReleaseOrderLeads returns every lead held by orderID to the unassigned
// pool and reports how many were released.
func (r *SQLRepository) ReleaseOrderLeads(ctx context.Context, orderID string) (int, error) {
	if orderID == "" {
		return 0, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}

	query := `
		UPDATE leads
		SET is_assigned = 0, order_id = '', assigned_at = NULL
		WHERE order_id = ? AND is_assigned = 1
	`
	result, err := r.db.ExecContext(ctx, r.rebind(query), orderID)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (r *SQLRepository) queryLeads(ctx context.Context, query string, args ...any) ([]*domain.Lead, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var leads []*domain.Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, lead)
	}

	return leads, rows.Err()
}

func scanLead(s scanner) (*domain.Lead, error) {
	var lead domain.Lead
	var leadType string
	var assigned int
	var assignedAt sql.NullTime
	var extra sql.NullString

	if err := s.Scan(
		&lead.ID, &leadType, &lead.FirstName, &lead.LastName,
		&lead.NewEmail, &lead.OldEmail, &lead.NewPhone, &lead.OldPhone,
		&lead.Country, &lead.Gender, &lead.DOB,
		&lead.Client, &lead.ClientBroker, &lead.ClientNetwork,
		&lead.Source, &lead.Priority, &lead.Status,
		&assigned, &lead.OrderID, &assignedAt, &lead.CreatedAt, &extra,
	); err != nil {
		return nil, err
	}

	lead.LeadType = domain.LeadType(leadType)
	lead.IsAssigned = assigned == 1
	if assignedAt.Valid {
		t := assignedAt.Time
		lead.AssignedAt = &t
	}
	if extra.Valid && extra.String != "" {
		json.Unmarshal([]byte(extra.String), &lead.Extra)
	}

	return &lead, nil
}
