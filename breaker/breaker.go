// Package breaker wraps a dependency liveness probe in a circuit breaker.
//
// A CircuitBreaker starts CLOSED and invokes its probe on every call.
// Consecutive failures reaching the configured threshold open it; while OPEN
// calls are rejected without touching the dependency. Once the recovery
// timeout elapses the breaker turns HALF_OPEN and admits exactly one trial
// call: success closes it, failure reopens it and restarts the timer.
//
// A background monitor invokes the probe at a fixed cadence so the reported
// state stays fresh without caller traffic:
//
//	cb := breaker.New("redis", pingRedis, breaker.DefaultConfig())
//	cb.Start(ctx)
//	defer cb.Shutdown()
//	status := cb.Status()
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tailored-agentic-units/relay/observability"
)

// State is the circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

var (
	// ErrOpen is returned when a call is rejected because the breaker is OPEN.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTrialInFlight is returned when a HALF_OPEN breaker already admitted its trial call.
	ErrTrialInFlight = errors.New("circuit breaker trial call in flight")
)

// Probe is a cheap liveness check against one dependency.
type Probe func(ctx context.Context) error

// Status is a point-in-time view of a breaker.
type Status struct {
	State     State   `json:"state"`
	ErrorRate float64 `json:"error_rate"`
	Requests  int     `json:"requests"`
	Failures  int     `json:"failures"`
}

// Option configures a CircuitBreaker after config-driven initialization.
type Option func(*CircuitBreaker)

// WithLogger overrides slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *CircuitBreaker) { b.logger = logger }
}

// WithObserver sets the observer receiving state change events.
func WithObserver(o observability.Observer) Option {
	return func(b *CircuitBreaker) { b.observer = o }
}

// WithClock overrides time.Now for the error rate window.
func WithClock(now func() time.Time) Option {
	return func(b *CircuitBreaker) { b.now = now }
}

// CircuitBreaker protects calls to one dependency probe.
type CircuitBreaker struct {
	name     string
	probe    Probe
	cfg      Config
	cb       *gobreaker.CircuitBreaker
	window   *window
	logger   *slog.Logger
	observer observability.Observer
	now      func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a CLOSED breaker around probe. Zero config fields fall back to
// DefaultConfig values.
func New(name string, probe Probe, cfg Config, opts ...Option) *CircuitBreaker {
	merged := DefaultConfig()
	merged.Merge(&cfg)

	b := &CircuitBreaker{
		name:     name,
		probe:    probe,
		cfg:      merged,
		window:   newWindow(merged.ObservationWindow),
		logger:   slog.Default(),
		observer: observability.NoOpObserver{},
		now:      time.Now,
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(b)
	}

	threshold := uint32(merged.FailureThreshold)
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     merged.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.handleStateChange(convertState(from), convertState(to))
		},
	})

	return b
}

// Name returns the protected dependency name.
func (b *CircuitBreaker) Name() string {
	return b.name
}

// Call runs the probe through the breaker. Rejected calls return ErrOpen or
// ErrTrialInFlight without invoking the probe.
func (b *CircuitBreaker) Call(ctx context.Context) error {
	_, err := b.cb.Execute(func() (any, error) {
		probeErr := b.invoke(ctx)
		b.window.record(b.now(), probeErr != nil)
		return nil, probeErr
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return fmt.Errorf("%s: %w", b.name, ErrOpen)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%s: %w", b.name, ErrTrialInFlight)
	}
	return err
}

func (b *CircuitBreaker) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panic: %v", r)
		}
	}()

	if b.probe == nil {
		return fmt.Errorf("no probe registered for %s", b.name)
	}

	probeCtx, cancel := context.WithTimeout(ctx, b.cfg.ProbeTimeout)
	defer cancel()
	return b.probe(probeCtx)
}

// State returns the current state. An OPEN breaker whose recovery timeout
// has elapsed reports HALF_OPEN.
func (b *CircuitBreaker) State() State {
	return convertState(b.cb.State())
}

// Status returns the state and the error rate over the observation window.
func (b *CircuitBreaker) Status() Status {
	total, failures := b.window.counts(b.now())
	status := Status{
		State:    b.State(),
		Requests: total,
		Failures: failures,
	}
	if total > 0 {
		status.ErrorRate = float64(failures) / float64(total)
	}
	return status
}

// Start launches the background monitor. Calling Start more than once has no effect.
func (b *CircuitBreaker) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		monitorCtx, cancel := context.WithCancel(ctx)
		b.cancel = cancel
		go b.monitorLoop(monitorCtx)
	})
}

// Shutdown stops the background monitor and waits for it to exit.
func (b *CircuitBreaker) Shutdown() {
	b.stopOnce.Do(func() {
		// An unstarted breaker has no loop to wait for.
		b.startOnce.Do(func() { close(b.done) })
		if b.cancel != nil {
			b.cancel()
		}
		<-b.done
	})
}

func (b *CircuitBreaker) monitorLoop(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Call(ctx); err != nil && !errors.Is(err, ErrOpen) {
				b.logger.DebugContext(
					ctx,
					"monitor probe failed",
					slog.String("breaker", b.name),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (b *CircuitBreaker) handleStateChange(from, to State) {
	level := observability.LevelInfo
	if to == StateOpen {
		level = observability.LevelWarning
	}

	b.logger.Log(
		context.Background(),
		level.SlogLevel(),
		"circuit breaker state changed",
		slog.String("breaker", b.name),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)

	b.observer.OnEvent(context.Background(), observability.Event{
		Type:      EventStateChange,
		Level:     level,
		Timestamp: b.now(),
		Source:    "breaker.CircuitBreaker",
		Data: map[string]any{
			"breaker": b.name,
			"from":    string(from),
			"to":      string(to),
		},
	})
}

func convertState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
