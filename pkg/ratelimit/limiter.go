// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Config is one agent's full rate-limit configuration, decoded from
// hostconfig.RateLimitConfig via NewFromRules.
type Config struct {
	Enabled bool
	Limits  []LimitRule
}

// LimitRule is one quota: at most Limit units of Type per Window.
type LimitRule struct {
	Type   LimitType
	Window TimeWindow
	Limit  int64
}

// Option configures a DefaultRateLimiter at construction time.
type Option func(*DefaultRateLimiter)

// WithLogger attaches a logger the limiter uses to report denied checks,
// mirroring every other component's slog.Logger wiring in pkg/host.
func WithLogger(logger *slog.Logger) Option {
	return func(rl *DefaultRateLimiter) { rl.logger = logger }
}

// DefaultRateLimiter is the in-process RateLimiter the dispatcher's rate
// limit middleware (pkg/pipeline.RateLimit) calls on every inbound
// UserMessage.
type DefaultRateLimiter struct {
	config *Config
	store  Store
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewRateLimiter builds a limiter against cfg and store. Every configured
// rule must name a type, a window, and a positive limit; a malformed rule
// fails fast here rather than silently never triggering at runtime.
func NewRateLimiter(cfg *Config, store Store, opts ...Option) (*DefaultRateLimiter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("ratelimit: config is required")
	}
	if store == nil {
		return nil, fmt.Errorf("ratelimit: store is required")
	}

	for i, limit := range cfg.Limits {
		if limit.Type == "" {
			return nil, fmt.Errorf("ratelimit: limit[%d]: type is required", i)
		}
		if limit.Window == "" {
			return nil, fmt.Errorf("ratelimit: limit[%d]: window is required", i)
		}
		if limit.Limit <= 0 {
			return nil, fmt.Errorf("ratelimit: limit[%d]: limit must be positive", i)
		}
	}

	rl := &DefaultRateLimiter{config: cfg, store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(rl)
	}
	return rl, nil
}

// Check verifies every configured limit for identifier without recording
// usage.
func (rl *DefaultRateLimiter) Check(ctx context.Context, scope Scope, identifier string) (*CheckResult, error) {
	if !rl.config.Enabled {
		return &CheckResult{Allowed: true}, nil
	}
	if identifier == "" {
		return nil, fmt.Errorf("ratelimit: %w", ErrInvalidIdentifier)
	}

	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.evaluateUnlocked(ctx, scope, identifier)
}

// Record records tokenCount/requestCount usage against every configured
// limit, without checking whether the result would exceed them.
func (rl *DefaultRateLimiter) Record(ctx context.Context, scope Scope, identifier string, tokenCount, requestCount int64) error {
	if !rl.config.Enabled {
		return nil
	}
	if identifier == "" {
		return fmt.Errorf("ratelimit: %w", ErrInvalidIdentifier)
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.recordUnlocked(ctx, scope, identifier, tokenCount, requestCount)
}

// CheckAndRecord is the check-then-record sequence under one lock, the
// method the dispatcher's rate limit middleware actually calls: if any
// limit is already exhausted, usage is left untouched and the caller
// observes the same denial it would from a bare Check.
func (rl *DefaultRateLimiter) CheckAndRecord(ctx context.Context, scope Scope, identifier string, tokenCount, requestCount int64) (*CheckResult, error) {
	if !rl.config.Enabled {
		return &CheckResult{Allowed: true}, nil
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	result, err := rl.evaluateUnlocked(ctx, scope, identifier)
	if err != nil {
		return nil, err
	}
	if !result.Allowed {
		return result, nil
	}

	if err := rl.recordUnlocked(ctx, scope, identifier, tokenCount, requestCount); err != nil {
		return nil, fmt.Errorf("ratelimit: record usage: %w", err)
	}

	return rl.evaluateUnlocked(ctx, scope, identifier)
}

// GetUsage reports current standing against every configured limit without
// evaluating whether any is exceeded.
func (rl *DefaultRateLimiter) GetUsage(ctx context.Context, scope Scope, identifier string) ([]Usage, error) {
	if !rl.config.Enabled {
		return []Usage{}, nil
	}
	if identifier == "" {
		return nil, fmt.Errorf("ratelimit: %w", ErrInvalidIdentifier)
	}

	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := time.Now()
	usages := make([]Usage, 0, len(rl.config.Limits))
	for _, limit := range rl.config.Limits {
		usage, err := rl.usageFor(ctx, scope, identifier, limit, now)
		if err != nil {
			return nil, err
		}
		usages = append(usages, usage)
	}
	return usages, nil
}

// Reset clears every limit's usage for identifier, e.g. an operator manually
// lifting a throttled session's quota.
func (rl *DefaultRateLimiter) Reset(ctx context.Context, scope Scope, identifier string) error {
	if identifier == "" {
		return fmt.Errorf("ratelimit: %w", ErrInvalidIdentifier)
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.store.DeleteUsage(ctx, scope, identifier)
}

// ResetExpired sweeps usage records whose window closed before cutoff. The
// host has no background caller for this yet; MemoryStore's windows
// self-expire on read, so it exists for a Store backed by something that
// doesn't (e.g. a future persistent store) to call periodically.
func (rl *DefaultRateLimiter) ResetExpired(ctx context.Context, before time.Time) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.store.DeleteExpired(ctx, before)
}

// IsEnabled reports whether this limiter actually enforces anything.
func (rl *DefaultRateLimiter) IsEnabled() bool {
	return rl.config.Enabled
}

// usageFor resolves one limit rule's current standing, rolling the window
// over to a fresh, empty one if it has already closed.
func (rl *DefaultRateLimiter) usageFor(ctx context.Context, scope Scope, identifier string, limit LimitRule, now time.Time) (Usage, error) {
	current, windowEnd, err := rl.store.GetUsage(ctx, scope, identifier, limit.Type, limit.Window)
	if err != nil {
		return Usage{}, fmt.Errorf("ratelimit: get usage for %s/%s: %w", limit.Type, limit.Window, err)
	}

	if windowEnd.Before(now) {
		current = 0
		windowEnd = now.Add(limit.Window.Duration())
	}

	remaining := limit.Limit - current
	if remaining < 0 {
		remaining = 0
	}

	return Usage{
		LimitType:  limit.Type,
		Window:     limit.Window,
		Current:    current,
		Limit:      limit.Limit,
		WindowEnd:  windowEnd,
		Remaining:  remaining,
		Percentage: float64(current) / float64(limit.Limit) * 100,
	}, nil
}

// evaluateUnlocked computes a CheckResult across every configured limit.
// Callers must hold rl.mu (read or write). Shared by Check and
// CheckAndRecord so the "is any limit exceeded" decision is made exactly one
// way.
func (rl *DefaultRateLimiter) evaluateUnlocked(ctx context.Context, scope Scope, identifier string) (*CheckResult, error) {
	result := &CheckResult{Allowed: true, Usages: make([]Usage, 0, len(rl.config.Limits))}
	now := time.Now()
	var earliestRetry *time.Time

	for _, limit := range rl.config.Limits {
		usage, err := rl.usageFor(ctx, scope, identifier, limit, now)
		if err != nil {
			return nil, err
		}
		result.Usages = append(result.Usages, usage)

		if usage.Current > limit.Limit {
			result.Allowed = false
			if result.Reason == "" {
				result.Reason = fmt.Sprintf("%s limit exceeded for %s window (%d/%d)",
					limit.Type, limit.Window, usage.Current, limit.Limit)
			}
			if earliestRetry == nil || usage.WindowEnd.Before(*earliestRetry) {
				earliestRetry = &usage.WindowEnd
			}
		}
	}

	if !result.Allowed {
		if earliestRetry != nil {
			if d := time.Until(*earliestRetry); d > 0 {
				result.RetryAfter = &d
			}
		}
		rl.logger.Warn("ratelimit: check denied", "scope", scope, "identifier", identifier, "reason", result.Reason)
	}

	return result, nil
}

// recordUnlocked applies tokenCount/requestCount to every limit whose Type
// matches. Callers must hold rl.mu for writing.
func (rl *DefaultRateLimiter) recordUnlocked(ctx context.Context, scope Scope, identifier string, tokenCount, requestCount int64) error {
	now := time.Now()

	for _, limit := range rl.config.Limits {
		var amount int64
		switch limit.Type {
		case LimitTypeToken:
			amount = tokenCount
		case LimitTypeCount:
			amount = requestCount
		default:
			continue
		}
		if amount <= 0 {
			continue
		}

		_, windowEnd, err := rl.store.GetUsage(ctx, scope, identifier, limit.Type, limit.Window)
		if err != nil {
			return fmt.Errorf("ratelimit: get usage for %s/%s: %w", limit.Type, limit.Window, err)
		}

		if windowEnd.Before(now) {
			windowEnd = now.Add(limit.Window.Duration())
			if err := rl.store.SetUsage(ctx, scope, identifier, limit.Type, limit.Window, amount, windowEnd); err != nil {
				return fmt.Errorf("ratelimit: reset usage for %s/%s: %w", limit.Type, limit.Window, err)
			}
			continue
		}

		if _, _, err := rl.store.IncrementUsage(ctx, scope, identifier, limit.Type, limit.Window, amount); err != nil {
			return fmt.Errorf("ratelimit: increment usage for %s/%s: %w", limit.Type, limit.Window, err)
		}
	}

	return nil
}
