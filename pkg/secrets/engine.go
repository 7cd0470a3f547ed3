package secrets

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/awnumar/memguard"
)

// Result is the caller-facing outcome of a validation.
type Result string

const (
	ResultSuccess       Result = "success"
	ResultFailedInvalid Result = "failed_invalid"
	// Reserved for policies; the engine itself never returns these.
	ResultFailedAttemptsExceeded Result = "failed_attempts_exceeded"
	ResultFailedRateExceeded     Result = "failed_rate_exceeded"
)

// OK reports whether r is a success.
func (r Result) OK() bool {
	return r == ResultSuccess
}

// Policy hooks run around every comparison. Before may deny a check without
// touching the registry by returning a result and true. After observes the
// final result.
type Policy interface {
	Before(ctx context.Context, name string) (Result, bool)
	After(ctx context.Context, name string, result Result)
}

// Engine answers checks against the registry currently published in a Store.
// Lookup misses and internal faults are folded into ResultFailedInvalid.
type Engine struct {
	store    *Store
	logger   *slog.Logger
	metrics  *Metrics
	policies []Policy
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the diagnostics logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records check results.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithPolicy appends a policy hook.
func WithPolicy(p Policy) EngineOption {
	return func(e *Engine) { e.policies = append(e.policies, p) }
}

// NewEngine returns an Engine reading from store.
func NewEngine(store *Store, opts ...EngineOption) *Engine {
	e := &Engine{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Check reports whether value matches the secret or group called name.
func (e *Engine) Check(ctx context.Context, name, value string) bool {
	return e.Validate(ctx, name, value).OK()
}

// Validate is Check with the result code.
func (e *Engine) Validate(ctx context.Context, name, value string) (result Result) {
	for _, p := range e.policies {
		if r, deny := p.Before(ctx, name); deny {
			result = r
			e.finish(ctx, name, result)
			return result
		}
	}

	outcome, err := e.compare(name, value)
	switch {
	case err != nil:
		e.metrics.observeFault()
		e.logger.ErrorContext(ctx, "Secret check could not complete, denying", "name", name, "error", err)
		result = ResultFailedInvalid
	case outcome == Match:
		result = ResultSuccess
	case outcome == Miss:
		e.logger.DebugContext(ctx, "Name does not match any secret or group", "name", name)
		result = ResultFailedInvalid
	default:
		result = ResultFailedInvalid
	}

	e.finish(ctx, name, result)
	return result
}

func (e *Engine) finish(ctx context.Context, name string, result Result) {
	e.metrics.observeCheck(result)
	e.logger.DebugContext(ctx, "Validation result", "name", name, "result", result)
	for _, p := range e.policies {
		p.After(ctx, name, result)
	}
}

// compare runs the registry check, turning panics into errors.
func (e *Engine) compare(name, value string) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = Miss, fmt.Errorf("panic during check: %v", r)
		}
	}()

	reg := e.store.Load()
	if reg == nil {
		return Miss, ErrNotPublished
	}

	candidate := []byte(value)
	defer memguard.WipeBytes(candidate)
	return reg.Check(name, candidate)
}
