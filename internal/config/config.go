// Package config loads leaddesk configuration from file and environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/opensource-finance/leaddesk/internal/domain"
)

// EnvPrefix is prepended to every environment override, e.g.
// LEADDESK_SERVER_PORT or LEADDESK_CACHE_REDIS_ADDR.
const EnvPrefix = "LEADDESK"

// Load reads configuration. path may be empty, in which case ./leaddesk.yaml
// is used when present. The deployment key picks the base defaults
// (standalone or cluster); everything else overrides them.
func Load(path string) (*domain.Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("leaddesk")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	v.SetDefault("deployment", string(domain.DeploymentStandalone))
	base := domain.DefaultConfig()
	switch d := domain.Deployment(v.GetString("deployment")); d {
	case domain.DeploymentStandalone:
	case domain.DeploymentCluster:
		base = domain.ClusterConfig()
	default:
		return nil, fmt.Errorf("config: unknown deployment %q", d)
	}
	setDefaults(v, base)

	var cfg domain.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no component can run with.
func Validate(cfg *domain.Config) error {
	switch {
	case cfg.Server.Port <= 0 || cfg.Server.Port > 65535:
		return fmt.Errorf("config: server.port %d out of range", cfg.Server.Port)
	case cfg.Repository.Driver != "sqlite" && cfg.Repository.Driver != "postgres":
		return fmt.Errorf("config: unsupported repository.driver %q", cfg.Repository.Driver)
	case cfg.Cache.Type != "memory" && cfg.Cache.Type != "redis":
		return fmt.Errorf("config: unsupported cache.type %q", cfg.Cache.Type)
	case cfg.EventBus.Type != "channel" && cfg.EventBus.Type != "nats":
		return fmt.Errorf("config: unsupported eventbus.type %q", cfg.EventBus.Type)
	case cfg.Fulfillment.ClaimAttempts < 0 || cfg.Fulfillment.MaxScan < 0:
		return fmt.Errorf("config: fulfillment limits must not be negative")
	case cfg.Quota.MaxOrders < 0:
		return fmt.Errorf("config: quota.max_orders must not be negative")
	}
	return nil
}

// setDefaults registers every key so that AutomaticEnv can override it.
func setDefaults(v *viper.Viper, c *domain.Config) {
	v.SetDefault("server.host", c.Server.Host)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.read_timeout", c.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", c.Server.WriteTimeout)

	v.SetDefault("repository.driver", c.Repository.Driver)
	v.SetDefault("repository.sqlite_path", c.Repository.SQLitePath)
	v.SetDefault("repository.postgres_host", c.Repository.PostgresHost)
	v.SetDefault("repository.postgres_port", c.Repository.PostgresPort)
	v.SetDefault("repository.postgres_user", c.Repository.PostgresUser)
	v.SetDefault("repository.postgres_password", c.Repository.PostgresPassword)
	v.SetDefault("repository.postgres_db", c.Repository.PostgresDB)
	v.SetDefault("repository.postgres_sslmode", c.Repository.PostgresSSLMode)
	v.SetDefault("repository.max_open_conns", c.Repository.MaxOpenConns)
	v.SetDefault("repository.max_idle_conns", c.Repository.MaxIdleConns)
	v.SetDefault("repository.conn_max_lifetime", c.Repository.ConnMaxLifetime)

	v.SetDefault("cache.type", c.Cache.Type)
	v.SetDefault("cache.local_max_size", c.Cache.LocalMaxSize)
	v.SetDefault("cache.local_ttl", c.Cache.LocalTTL)
	v.SetDefault("cache.redis_addr", c.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", c.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", c.Cache.RedisDB)
	v.SetDefault("cache.enable_two_phase", c.Cache.EnableTwoPhase)
	v.SetDefault("cache.order_ttl", c.Cache.OrderTTL)
	v.SetDefault("cache.idempotency_ttl", c.Cache.IdempotencyTTL)

	v.SetDefault("eventbus.type", c.EventBus.Type)
	v.SetDefault("eventbus.channel_buffer_size", c.EventBus.ChannelBufferSize)
	v.SetDefault("eventbus.nats_url", c.EventBus.NATSUrl)
	v.SetDefault("eventbus.nats_token", c.EventBus.NATSToken)
	v.SetDefault("eventbus.nats_max_reconnects", c.EventBus.NATSMaxReconnects)
	v.SetDefault("eventbus.nats_reconnect_wait", c.EventBus.NATSReconnectWait)

	v.SetDefault("selection.policy_file", c.Selection.PolicyFile)

	v.SetDefault("fulfillment.claim_attempts", c.Fulfillment.ClaimAttempts)
	v.SetDefault("fulfillment.max_scan", c.Fulfillment.MaxScan)
	v.SetDefault("fulfillment.async_workers", c.Fulfillment.AsyncWorkers)

	v.SetDefault("quota.max_orders", c.Quota.MaxOrders)
	v.SetDefault("quota.window", c.Quota.Window)

	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.format", c.Log.Format)

	v.SetDefault("tracing.enabled", c.Tracing.Enabled)
	v.SetDefault("tracing.service_name", c.Tracing.ServiceName)
}

// NewLogger builds the process logger: JSON by default, text when
// log.format is "text".
func NewLogger(cfg domain.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	if w == nil {
		w = os.Stdout
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("config: parse log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch cfg.Format {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("config: unsupported log format %q", cfg.Format)
	}
}

// InitLogger installs the configured logger as the slog default.
func InitLogger(cfg domain.LoggingConfig) error {
	logger, err := NewLogger(cfg, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}
