package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/trustmycode/moex-agent/internal/domain"
)

const (
	defaultPerToolLimit = 4
	defaultGlobalLimit  = 16
	defaultCallTimeout  = 25 * time.Second
)

// DispatcherConfig tunes the dispatching core.
type DispatcherConfig struct {
	PerToolLimit int           // Concurrent calls per tool (default 4)
	GlobalLimit  int64         // Concurrent calls per process (default 16)
	CallTimeout  time.Duration // Per-call deadline (default 25s)
}

// Dispatcher resolves, validates and executes tool calls, producing the
// uniform envelope regardless of outcome.
type Dispatcher struct {
	registry  *Registry
	validate  *validator.Validate
	global    *semaphore.Weighted
	perTool   map[string]*semaphore.Weighted
	perToolMu sync.Mutex
	limit     int
	timeout   time.Duration
	metrics   *Metrics
	log       zerolog.Logger
}

// NewDispatcher creates a dispatcher over a registry.
func NewDispatcher(registry *Registry, cfg DispatcherConfig, metrics *Metrics, log zerolog.Logger) *Dispatcher {
	if cfg.PerToolLimit <= 0 {
		cfg.PerToolLimit = defaultPerToolLimit
	}
	if cfg.GlobalLimit <= 0 {
		cfg.GlobalLimit = defaultGlobalLimit
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}

	return &Dispatcher{
		registry: registry,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		global:   semaphore.NewWeighted(cfg.GlobalLimit),
		perTool:  make(map[string]*semaphore.Weighted),
		limit:    cfg.PerToolLimit,
		timeout:  cfg.CallTimeout,
		metrics:  metrics,
		log:      log.With().Str("component", "mcp-dispatcher").Logger(),
	}
}

// Call executes a named tool with raw JSON arguments.
//
// The returned envelope always carries metadata; failures populate its Error
// field instead of returning a Go error, so transports can serialise the
// result uniformly.
func (d *Dispatcher) Call(ctx context.Context, name string, rawArgs json.RawMessage) *Envelope {
	started := time.Now()

	tool, ok := d.registry.Get(name)
	if !ok {
		d.metrics.ObserveError(name, domain.CategoryUnknownTool)
		return errorEnvelope(name, started, domain.NewError(domain.CategoryUnknownTool,
			fmt.Sprintf("unknown tool %q", name), nil))
	}

	args := tool.NewArgs()
	if len(rawArgs) > 0 {
		decoder := json.NewDecoder(strings.NewReader(string(rawArgs)))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(args); err != nil {
			d.metrics.ObserveError(name, domain.CategoryValidation)
			return errorEnvelope(name, started, domain.NewValidationError("arguments", err.Error()))
		}
	}

	if err := d.validate.Struct(args); err != nil {
		d.metrics.ObserveError(name, domain.CategoryValidation)
		return errorEnvelope(name, started, validationError(err))
	}

	if err := d.global.Acquire(ctx, 1); err != nil {
		d.metrics.ObserveError(name, domain.CategoryISSTimeout)
		return errorEnvelope(name, started, domain.NewError(domain.CategoryISSTimeout, "cancelled waiting for capacity", err))
	}
	defer d.global.Release(1)

	sem := d.toolSemaphore(name)
	if err := sem.Acquire(ctx, 1); err != nil {
		d.metrics.ObserveError(name, domain.CategoryISSTimeout)
		return errorEnvelope(name, started, domain.NewError(domain.CategoryISSTimeout, "cancelled waiting for tool slot", err))
	}
	defer sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	data, toolMetrics, err := d.invoke(callCtx, tool, args)
	duration := time.Since(started)
	d.metrics.ObserveCall(name, duration)

	if err != nil {
		category := domain.CategoryOf(err)
		d.metrics.ObserveError(name, category)
		d.log.Warn().
			Err(err).
			Str("tool", name).
			Str("category", string(category)).
			Dur("duration", duration).
			Msg("Tool call failed")
		return errorEnvelope(name, started, err)
	}

	return &Envelope{
		Metadata: Metadata{
			AsOf:       started.UTC(),
			Tool:       name,
			DurationMS: duration.Milliseconds(),
		},
		Data:    data,
		Metrics: toolMetrics,
	}
}

// invoke runs the handler with panic containment. A panicking tool must not
// take the server down, and its details must not reach the wire.
func (d *Dispatcher) invoke(ctx context.Context, tool *Tool, args any) (data any, metrics map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Str("tool", tool.Name).
				Interface("panic", r).
				Msg("Tool handler panicked")
			err = domain.NewError(domain.CategoryUnknown, "tool execution failed", fmt.Errorf("panic: %v", r))
		}
	}()
	return tool.Handler(ctx, args)
}

// toolSemaphore returns (lazily creating) the per-tool semaphore.
func (d *Dispatcher) toolSemaphore(name string) *semaphore.Weighted {
	d.perToolMu.Lock()
	defer d.perToolMu.Unlock()
	sem, ok := d.perTool[name]
	if !ok {
		sem = semaphore.NewWeighted(int64(d.limit))
		d.perTool[name] = sem
	}
	return sem
}

// validationError converts validator.v10 output into a single field-scoped
// domain error.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		first := verrs[0]
		return domain.NewValidationError(
			strings.ToLower(first.Field()),
			fmt.Sprintf("failed %q constraint", first.Tag()),
		)
	}
	return domain.NewValidationError("arguments", err.Error())
}

// asDomainError is a small helper shared with envelope.go.
func asDomainError(err error, target **domain.Error) bool {
	return errors.As(err, target)
}
