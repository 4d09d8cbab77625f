package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has an
// open circuit breaker.
var ErrAllFailed = errors.New("all endpoints failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for each entry's breaker; Name is
	// replaced by the entry name.
	CircuitBreaker CircuitBreakerConfig

	// Logger receives failover decisions. Default: [slog.Default].
	Logger *slog.Logger
}

// Entry is one named endpoint of a [FallbackGroup], e.g. a relay URL.
type Entry[T any] struct {
	Name  string
	Value T
}

type fallbackEntry[T any] struct {
	Entry[T]
	breaker *CircuitBreaker
}

// FallbackGroup holds endpoints of the same kind in preference order, each
// behind its own circuit breaker. The kiosk keeps one for its relay URLs.
// A group is immutable after construction and safe for concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	logger  *slog.Logger
}

// NewFallbackGroup builds a group trying entries in the given order.
func NewFallbackGroup[T any](cfg FallbackConfig, entries ...Entry[T]) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{logger: cfg.Logger}
	if fg.logger == nil {
		fg.logger = slog.Default()
	}
	for _, e := range entries {
		cb := cfg.CircuitBreaker
		cb.Name = e.Name
		fg.entries = append(fg.entries, fallbackEntry[T]{Entry: e, breaker: NewCircuitBreaker(cb)})
	}
	return fg
}

// Len returns the number of entries.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Execute is [ExecuteWithResult] for calls without a result.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(context.Context, T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return err
}

// Check reports whether any entry would currently be tried. It fails with
// [ErrAllFailed] listing the entries when every breaker is open, which is
// what a readiness probe wants to know.
func (fg *FallbackGroup[T]) Check(context.Context) error {
	if len(fg.entries) == 0 {
		return fmt.Errorf("%w: no endpoints configured", ErrAllFailed)
	}
	open := make([]string, 0, len(fg.entries))
	for i := range fg.entries {
		if fg.entries[i].breaker.State() != StateOpen {
			return nil
		}
		open = append(open, fg.entries[i].Name)
	}
	return fmt.Errorf("%w: circuit open for %s", ErrAllFailed, strings.Join(open, ", "))
}

// ExecuteWithResult walks the group in order until fn succeeds. Entries with
// an open breaker are skipped, and a cancelled ctx stops the walk with
// ctx.Err(). When nothing succeeds the last error is wrapped in
// [ErrAllFailed].
func ExecuteWithResult[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, error) {
	var zero R
	lastErr := errors.New("no endpoints configured")
	for i := range fg.entries {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		e := &fg.entries[i]
		var result R
		err := e.breaker.Execute(func() error {
			var err error
			result, err = fn(ctx, e.Value)
			return err
		})
		switch {
		case err == nil:
			if i > 0 {
				fg.logger.Info("using fallback endpoint", "endpoint", e.Name, "skipped", i)
			}
			return result, nil
		case errors.Is(err, ErrCircuitOpen):
			fg.logger.Debug("skipping endpoint, circuit open", "endpoint", e.Name)
		case ctx.Err() != nil:
			return zero, ctx.Err()
		default:
			fg.logger.Warn("endpoint failed", "endpoint", e.Name, "remaining", len(fg.entries)-i-1, "err", err)
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
