package domain

import "time"

// Config holds the complete leaddesk configuration.
type Config struct {
	// Server settings
	Server ServerConfig `mapstructure:"server"`

	// Deployment selects the backing stack defaults
	Deployment Deployment `mapstructure:"deployment"`

	// Component configurations
	Repository RepositoryConfig `mapstructure:"repository"`
	Cache      CacheConfig      `mapstructure:"cache"`
	EventBus   EventBusConfig   `mapstructure:"eventbus"`

	// Order fulfillment
	Selection   SelectionConfig   `mapstructure:"selection"`
	Fulfillment FulfillmentConfig `mapstructure:"fulfillment"`
	Quota       QuotaConfig       `mapstructure:"quota"`

	// Observability
	Log     LoggingConfig `mapstructure:"log"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// SelectionConfig points at an optional tier table file.
type SelectionConfig struct {
	// PolicyFile is a YAML file of per-lead-type tier tables.
	// Empty uses the built-in filler table.
	PolicyFile string `mapstructure:"policy_file"`
}

// FulfillmentConfig tunes the order-creation flow.
type FulfillmentConfig struct {
	// ClaimAttempts is how often a lead type is re-selected after losing
	// leads to a concurrent order.
	ClaimAttempts int `mapstructure:"claim_attempts"`

	// MaxScan caps how many candidates are read per lead type while
	// filling the eligible pool.
	MaxScan int `mapstructure:"max_scan"`

	// AsyncWorkers enables the background fulfillment worker.
	AsyncWorkers bool `mapstructure:"async_workers"`
}

// QuotaConfig limits how many orders one requester may create per window.
type QuotaConfig struct {
	MaxOrders int           `mapstructure:"max_orders"` // 0 disables
	Window    time.Duration `mapstructure:"window"`
}

// Deployment names a stack profile.
type Deployment string

const (
	// DeploymentStandalone runs on SQLite, in-memory cache and channels
	DeploymentStandalone Deployment = "standalone"

	// DeploymentCluster runs on PostgreSQL, Redis and NATS
	DeploymentCluster Deployment = "cluster"
)

// DefaultConfig returns a default configuration for a standalone node.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Deployment: DeploymentStandalone,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./leaddesk.db",
		},
		Cache: CacheConfig{
			Type:           "memory",
			LocalMaxSize:   10000,
			LocalTTL:       5 * time.Minute,
			OrderTTL:       time.Minute,
			IdempotencyTTL: 24 * time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Fulfillment: FulfillmentConfig{
			ClaimAttempts: 3,
			MaxScan:       10000,
		},
		Quota: QuotaConfig{
			MaxOrders: 0,
			Window:    time.Hour,
		},
		Log: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "leaddesk",
		},
	}
}

// ClusterConfig returns a configuration for a multi-node deployment.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Deployment = DeploymentCluster
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "leaddesk",
	}
	cfg.Cache.Type = "redis"
	cfg.Cache.RedisAddr = "localhost:6379"
	cfg.Cache.EnableTwoPhase = true
	cfg.Cache.LocalMaxSize = 1000
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Fulfillment.AsyncWorkers = true
	cfg.Tracing.Enabled = true
	return cfg
}
