// Package quota limits how many orders a requester may create per window.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/leaddesk/internal/domain"
)

// Limiter counts order creations per requester in the shared cache.
type Limiter struct {
	cache     domain.Cache
	maxOrders int
	window    time.Duration
}

// NewLimiter creates a limiter. A non-positive maxOrders disables limiting.
func NewLimiter(cache domain.Cache, cfg domain.QuotaConfig) *Limiter {
	window := cfg.Window
	if window <= 0 {
		window = time.Hour
	}
	return &Limiter{
		cache:     cache,
		maxOrders: cfg.MaxOrders,
		window:    window,
	}
}

// Enabled reports whether the limiter enforces anything.
func (l *Limiter) Enabled() bool {
	return l != nil && l.maxOrders > 0 && l.cache != nil
}

// Allow records one order attempt for requester and reports whether it fits
// in the current window. The count is recorded even when denied.
func (l *Limiter) Allow(ctx context.Context, requester string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	if requester == "" {
		return false, fmt.Errorf("requester is required")
	}

	count, err := l.cache.IncrementCounter(ctx, counterKey(requester), l.window)
	if err != nil {
		return false, fmt.Errorf("failed to increment order counter: %w", err)
	}

	return count <= int64(l.maxOrders), nil
}

// Window returns the counting window.
func (l *Limiter) Window() time.Duration {
	if l == nil {
		return 0
	}
	return l.window
}

func counterKey(requester string) string {
	return "orders:" + requester
}
