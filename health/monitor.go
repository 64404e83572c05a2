// Package health samples the relay's dependencies through one circuit
// breaker per protocol and turns the results into a SystemHealth snapshot
// and advisory routing recommendations.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tailored-agentic-units/relay/breaker"
	"github.com/tailored-agentic-units/relay/observability"
)

// EventSummary is emitted on every periodic health summary.
const EventSummary observability.EventType = "health.summary"

// Option configures a Monitor after config-driven initialization.
type Option func(*Monitor)

// WithLogger overrides slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// WithObserver sets the observer for breaker transitions and summaries.
func WithObserver(o observability.Observer) Option {
	return func(m *Monitor) { m.observer = o }
}

// WithClock overrides time.Now for caching and the startup grace period.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithHeapUsage overrides the heap reader used by IsOverloaded.
func WithHeapUsage(fn func() uint64) Option {
	return func(m *Monitor) { m.heapUsage = fn }
}

// Monitor owns one breaker per protocol.
type Monitor struct {
	cfg       Config
	breakers  map[Protocol]*breaker.CircuitBreaker
	logger    *slog.Logger
	observer  observability.Observer
	now       func() time.Time
	heapUsage func() uint64
	started   time.Time

	mu       sync.Mutex
	cached   *SystemHealth
	cachedAt time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a monitor with one breaker per probe. The startup grace
// period is measured from this call.
func New(cfg Config, probes map[Protocol]breaker.Probe, opts ...Option) *Monitor {
	merged := DefaultConfig()
	merged.Merge(&cfg)

	m := &Monitor{
		cfg:       merged,
		breakers:  make(map[Protocol]*breaker.CircuitBreaker, len(probes)),
		logger:    slog.Default(),
		observer:  observability.NoOpObserver{},
		now:       time.Now,
		heapUsage: readHeap,
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	for protocol, probe := range probes {
		m.breakers[protocol] = breaker.New(
			string(protocol),
			probe,
			merged.Breaker,
			breaker.WithLogger(m.logger),
			breaker.WithObserver(m.observer),
			breaker.WithClock(m.now),
		)
	}

	m.started = m.now()
	return m
}

// Breaker returns the breaker registered for p.
func (m *Monitor) Breaker(p Protocol) (*breaker.CircuitBreaker, error) {
	cb, ok := m.breakers[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, p)
	}
	return cb, nil
}

// SystemHealth returns the cached snapshot when it is younger than CacheTTL.
// Inside the startup grace period every protocol is reported healthy without
// probing. Otherwise all protocols are probed in parallel; a failing probe
// only marks its own protocol unhealthy.
func (m *Monitor) SystemHealth(ctx context.Context) SystemHealth {
	now := m.now()

	m.mu.Lock()
	if m.cached != nil && now.Sub(m.cachedAt) < m.cfg.CacheTTL {
		snapshot := *m.cached
		m.mu.Unlock()
		return snapshot
	}
	m.mu.Unlock()

	if now.Sub(m.started) < m.cfg.StartupGracePeriod {
		return m.graceSnapshot(now)
	}

	snapshot := m.probeAll(ctx)

	m.mu.Lock()
	m.cached = &snapshot
	m.cachedAt = now
	m.mu.Unlock()

	return snapshot
}

func (m *Monitor) graceSnapshot(now time.Time) SystemHealth {
	statuses := make(map[Protocol]ProtocolHealthStatus, len(Protocols))
	for _, p := range Protocols {
		status := ProtocolHealthStatus{
			Protocol:            p,
			Healthy:             true,
			LastCheck:           now,
			CircuitBreakerState: breaker.StateClosed,
		}
		if cb, ok := m.breakers[p]; ok {
			status.CircuitBreakerState = cb.State()
		}
		statuses[p] = status
	}
	return m.assemble(statuses, now)
}

func (m *Monitor) probeAll(ctx context.Context) SystemHealth {
	results := make([]ProtocolHealthStatus, len(Protocols))

	var g errgroup.Group
	for i, p := range Protocols {
		g.Go(func() error {
			results[i] = m.probe(ctx, p)
			return nil
		})
	}
	g.Wait()

	statuses := make(map[Protocol]ProtocolHealthStatus, len(results))
	for _, status := range results {
		statuses[status.Protocol] = status
	}
	return m.assemble(statuses, m.now())
}

func (m *Monitor) probe(ctx context.Context, p Protocol) ProtocolHealthStatus {
	cb, ok := m.breakers[p]
	if !ok {
		return ProtocolHealthStatus{
			Protocol:            p,
			LastCheck:           m.now(),
			CircuitBreakerState: breaker.StateClosed,
			Error:               ErrUnknownProtocol.Error(),
		}
	}

	start := time.Now()
	err := cb.Call(ctx)
	latency := time.Since(start)

	status := cb.Status()
	result := ProtocolHealthStatus{
		Protocol:            p,
		Healthy:             err == nil,
		Latency:             latency,
		LastCheck:           m.now(),
		ErrorRate:           status.ErrorRate,
		CircuitBreakerState: status.State,
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

func (m *Monitor) assemble(statuses map[Protocol]ProtocolHealthStatus, now time.Time) SystemHealth {
	h := SystemHealth{
		Protocols: statuses,
		Redis:     statuses[ProtocolRedis].Healthy,
		Discord:   statuses[ProtocolDiscord].Healthy,
		Websocket: statuses[ProtocolWebsocket].Healthy,
		Queue:     statuses[ProtocolQueue].Healthy,
		Timestamp: now,
	}
	h.Overall = h.Redis && h.Discord && h.Websocket && h.Queue
	h.Overloaded = m.IsOverloaded()
	return h
}

// ProtocolPath recommends a primary and fallback route from SystemHealth,
// so it shares the snapshot cache and the startup grace period.
func (m *Monitor) ProtocolPath(ctx context.Context, req PathRequest) ProtocolPath {
	h := m.SystemHealth(ctx)
	websocket := h.Websocket
	redis := h.Redis

	switch {
	case req.RequiresRealTime:
		if websocket {
			return ProtocolPath{Primary: RouteRealtime, Fallback: RouteDirect, Reason: "real-time required and websocket channel healthy"}
		}
		return ProtocolPath{Primary: RouteDirect, Fallback: RouteQueue, Reason: "real-time required but websocket channel unhealthy"}
	case req.RequiresReliability:
		if redis {
			return ProtocolPath{Primary: RouteQueue, Fallback: RouteDirect, Reason: "reliability required and queue backend healthy"}
		}
		return ProtocolPath{Primary: RouteDirect, Fallback: RouteRealtime, Reason: "reliability required but queue backend unhealthy"}
	case redis:
		return ProtocolPath{Primary: RouteQueue, Fallback: RouteRealtime, Reason: "queue backend healthy"}
	case websocket:
		return ProtocolPath{Primary: RouteRealtime, Fallback: RouteDirect, Reason: "queue backend unhealthy, websocket channel healthy"}
	default:
		return ProtocolPath{Primary: RouteDirect, Fallback: RouteDirect, Reason: "queue backend and websocket channel unhealthy"}
	}
}

// IsOverloaded reports whether heap usage exceeds MemoryLimitBytes or at
// least OpenBreakerLimit breakers are OPEN.
func (m *Monitor) IsOverloaded() bool {
	if m.heapUsage() > m.cfg.MemoryLimitBytes {
		return true
	}
	return m.openBreakers() >= m.cfg.OpenBreakerLimit
}

func (m *Monitor) openBreakers() int {
	open := 0
	for _, cb := range m.breakers {
		if cb.State() == breaker.StateOpen {
			open++
		}
	}
	return open
}

// Start launches every breaker monitor and the summary loop. Calling Start
// more than once has no effect.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		m.cancel = cancel
		for _, cb := range m.breakers {
			cb.Start(loopCtx)
		}
		go m.summaryLoop(loopCtx)
	})
}

// Shutdown stops the summary loop and every breaker monitor.
func (m *Monitor) Shutdown() {
	m.stopOnce.Do(func() {
		m.startOnce.Do(func() { close(m.done) })
		if m.cancel != nil {
			m.cancel()
		}
		<-m.done
		for _, cb := range m.breakers {
			cb.Shutdown()
		}
	})
}

func (m *Monitor) summaryLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.SummaryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.logSummary(ctx, m.SystemHealth(ctx))
		}
	}
}

func (m *Monitor) logSummary(ctx context.Context, h SystemHealth) {
	level := observability.LevelInfo
	if !h.Overall || h.Overloaded {
		level = observability.LevelWarning
	}

	m.logger.Log(
		ctx,
		level.SlogLevel(),
		"system health summary",
		slog.Bool("overall", h.Overall),
		slog.Bool("redis", h.Redis),
		slog.Bool("discord", h.Discord),
		slog.Bool("websocket", h.Websocket),
		slog.Bool("queue", h.Queue),
		slog.Bool("overloaded", h.Overloaded),
	)

	m.observer.OnEvent(ctx, observability.Event{
		Type:      EventSummary,
		Level:     level,
		Timestamp: h.Timestamp,
		Source:    "health.Monitor",
		Data: map[string]any{
			"overall":    h.Overall,
			"redis":      h.Redis,
			"discord":    h.Discord,
			"websocket":  h.Websocket,
			"queue":      h.Queue,
			"overloaded": h.Overloaded,
		},
	})
}

func readHeap() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc
}
