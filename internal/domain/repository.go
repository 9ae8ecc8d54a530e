// Package domain defines the core interfaces and types for leaddesk.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for lead, order and rule persistence.
type Repository interface {
	LeadRepository
	OrderStore

	// Eligibility rule operations
	SaveRule(ctx context.Context, rule *EligibilityRule) error
	ListRules(ctx context.Context) ([]*EligibilityRule, error)
	DeleteRule(ctx context.Context, ruleID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// LeadRepository stores leads and hands out unassigned candidates.
type LeadRepository interface {
	SaveLead(ctx context.Context, lead *Lead) error
	SaveLeads(ctx context.Context, leads []*Lead) error
	GetLead(ctx context.Context, leadID string) (*Lead, error)
	ListLeads(ctx context.Context, q LeadQuery) ([]*Lead, error)

	// FetchCandidates returns up to limit unassigned leads of leadType that
	// match the country and gender filters, newest first.
	FetchCandidates(ctx context.Context, leadType LeadType, filters OrderFilters, limit, offset int) ([]*Lead, error)

	// ClaimLeads assigns the given leads to orderID, skipping any already
	// assigned. Returns the ids actually claimed.
	ClaimLeads(ctx context.Context, orderID string, leadIDs []string) ([]string, error)

	// ReleaseLeads unassigns leads currently held by orderID.
	ReleaseLeads(ctx context.Context, orderID string, leadIDs []string) error

	// ReleaseOrderLeads unassigns every lead held by orderID.
	ReleaseOrderLeads(ctx context.Context, orderID string) (int, error)
}

// OrderStore persists orders.
type OrderStore interface {
	SaveOrder(ctx context.Context, order *Order) error

	// SaveOrderIf inserts order or updates it only while the stored status
	// is still from.
	SaveOrderIf(ctx context.Context, order *Order, from OrderStatus) error

	GetOrder(ctx context.Context, orderID string) (*Order, error)
	ListOrders(ctx context.Context, q OrderQuery) ([]*Order, error)
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}
