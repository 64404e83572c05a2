package health_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tailored-agentic-units/relay/breaker"
	"github.com/tailored-agentic-units/relay/health"
)

var errDown = errors.New("connection refused")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type probeSet struct {
	calls  map[health.Protocol]*atomic.Int32
	failed map[health.Protocol]*atomic.Bool
}

func newProbeSet() *probeSet {
	s := &probeSet{
		calls:  make(map[health.Protocol]*atomic.Int32),
		failed: make(map[health.Protocol]*atomic.Bool),
	}
	for _, p := range health.Protocols {
		s.calls[p] = &atomic.Int32{}
		s.failed[p] = &atomic.Bool{}
	}
	return s
}

func (s *probeSet) probes() map[health.Protocol]breaker.Probe {
	probes := make(map[health.Protocol]breaker.Probe)
	for _, p := range health.Protocols {
		probes[p] = func(ctx context.Context) error {
			s.calls[p].Add(1)
			if s.failed[p].Load() {
				return errDown
			}
			return nil
		}
	}
	return probes
}

func (s *probeSet) total() int32 {
	var n int32
	for _, c := range s.calls {
		n += c.Load()
	}
	return n
}

func testConfig() health.Config {
	return health.Config{
		CacheTTL:           5 * time.Second,
		StartupGracePeriod: 15 * time.Second,
		SummaryInterval:    time.Hour,
		Breaker: breaker.Config{
			FailureThreshold: 5,
			MonitorInterval:  time.Hour,
		},
	}
}

func lowHeap() uint64 { return 1024 }

func TestMonitor_StartupGraceReportsHealthyWithoutProbing(t *testing.T) {
	clock := newFakeClock()
	probes := newProbeSet()
	for _, p := range health.Protocols {
		probes.failed[p].Store(true)
	}

	m := health.New(testConfig(), probes.probes(), health.WithClock(clock.Now), health.WithHeapUsage(lowHeap))

	clock.Advance(10 * time.Second)
	h := m.SystemHealth(context.Background())

	if !h.Overall {
		t.Error("Overall = false during startup grace, want true")
	}
	for _, p := range health.Protocols {
		if !h.Protocols[p].Healthy {
			t.Errorf("protocol %s unhealthy during startup grace", p)
		}
	}
	if got := probes.total(); got != 0 {
		t.Errorf("probes invoked %d times during grace, want 0", got)
	}
}

func TestMonitor_ProbesAfterGraceAndIsolatesFailures(t *testing.T) {
	clock := newFakeClock()
	probes := newProbeSet()
	probes.failed[health.ProtocolDiscord].Store(true)

	m := health.New(testConfig(), probes.probes(), health.WithClock(clock.Now), health.WithHeapUsage(lowHeap))
	clock.Advance(16 * time.Second)

	h := m.SystemHealth(context.Background())

	if h.Overall {
		t.Error("Overall = true with discord failing, want false")
	}
	if h.Discord {
		t.Error("Discord = true, want false")
	}
	if !h.Redis || !h.Websocket || !h.Queue {
		t.Errorf("healthy protocols reported unhealthy: %+v", h)
	}
	if h.Protocols[health.ProtocolDiscord].Error == "" {
		t.Error("expected discord status to carry the probe error")
	}
	for _, p := range health.Protocols {
		if got := probes.calls[p].Load(); got != 1 {
			t.Errorf("protocol %s probed %d times, want 1", p, got)
		}
	}
}

func TestMonitor_CachesSnapshot(t *testing.T) {
	clock := newFakeClock()
	probes := newProbeSet()
	m := health.New(testConfig(), probes.probes(), health.WithClock(clock.Now), health.WithHeapUsage(lowHeap))
	clock.Advance(20 * time.Second)
	ctx := context.Background()

	m.SystemHealth(ctx)
	clock.Advance(4 * time.Second)
	m.SystemHealth(ctx)

	if got := probes.total(); got != 4 {
		t.Fatalf("probes invoked %d times within cache TTL, want 4", got)
	}

	clock.Advance(2 * time.Second)
	m.SystemHealth(ctx)

	if got := probes.total(); got != 8 {
		t.Errorf("probes invoked %d times after cache expiry, want 8", got)
	}
}

func TestMonitor_ProtocolPath(t *testing.T) {
	tests := []struct {
		name     string
		failing  []health.Protocol
		req      health.PathRequest
		primary  health.Route
		fallback health.Route
	}{
		{
			name:     "realtime healthy",
			req:      health.PathRequest{RequiresRealTime: true},
			primary:  health.RouteRealtime,
			fallback: health.RouteDirect,
		},
		{
			name:     "realtime unhealthy",
			failing:  []health.Protocol{health.ProtocolWebsocket},
			req:      health.PathRequest{RequiresRealTime: true},
			primary:  health.RouteDirect,
			fallback: health.RouteQueue,
		},
		{
			name:     "reliability healthy",
			req:      health.PathRequest{RequiresReliability: true},
			primary:  health.RouteQueue,
			fallback: health.RouteDirect,
		},
		{
			name:     "reliability with queue backend down",
			failing:  []health.Protocol{health.ProtocolRedis},
			req:      health.PathRequest{RequiresReliability: true},
			primary:  health.RouteDirect,
			fallback: health.RouteRealtime,
		},
		{
			name:     "default prefers queue",
			primary:  health.RouteQueue,
			fallback: health.RouteRealtime,
		},
		{
			name:     "default falls back to realtime",
			failing:  []health.Protocol{health.ProtocolRedis},
			primary:  health.RouteRealtime,
			fallback: health.RouteDirect,
		},
		{
			name:     "default last resort",
			failing:  []health.Protocol{health.ProtocolRedis, health.ProtocolWebsocket},
			primary:  health.RouteDirect,
			fallback: health.RouteDirect,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			probes := newProbeSet()
			for _, p := range tt.failing {
				probes.failed[p].Store(true)
			}

			cfg := testConfig()
			cfg.StartupGracePeriod = time.Nanosecond
			m := health.New(cfg, probes.probes(), health.WithClock(clock.Now), health.WithHeapUsage(lowHeap))
			clock.Advance(time.Second)

			path := m.ProtocolPath(context.Background(), tt.req)
			if path.Primary != tt.primary || path.Fallback != tt.fallback {
				t.Errorf("ProtocolPath() = {%s, %s}, want {%s, %s}", path.Primary, path.Fallback, tt.primary, tt.fallback)
			}
			if path.Reason == "" {
				t.Error("ProtocolPath() reason is empty")
			}
		})
	}
}

func TestMonitor_ProtocolPathRefreshesAfterGrace(t *testing.T) {
	clock := newFakeClock()
	probes := newProbeSet()
	probes.failed[health.ProtocolWebsocket].Store(true)

	m := health.New(testConfig(), probes.probes(), health.WithClock(clock.Now), health.WithHeapUsage(lowHeap))
	ctx := context.Background()
	req := health.PathRequest{RequiresRealTime: true}

	if path := m.ProtocolPath(ctx, req); path.Primary != health.RouteRealtime {
		t.Fatalf("ProtocolPath() during grace primary = %s, want %s", path.Primary, health.RouteRealtime)
	}

	clock.Advance(10 * time.Minute)

	path := m.ProtocolPath(ctx, req)
	if path.Primary != health.RouteDirect || path.Fallback != health.RouteQueue {
		t.Errorf("ProtocolPath() after grace = {%s, %s}, want {%s, %s}", path.Primary, path.Fallback, health.RouteDirect, health.RouteQueue)
	}
	if got := probes.calls[health.ProtocolWebsocket].Load(); got != 1 {
		t.Errorf("websocket checked %d times, want 1", got)
	}

	clock.Advance(time.Second)
	m.ProtocolPath(ctx, req)
	if got := probes.calls[health.ProtocolWebsocket].Load(); got != 1 {
		t.Errorf("websocket checked %d times within CacheTTL, want 1", got)
	}
}

func TestMonitor_NegativeGraceProbesImmediately(t *testing.T) {
	probes := newProbeSet()
	probes.failed[health.ProtocolRedis].Store(true)

	cfg := health.DefaultConfig()
	cfg.Merge(&health.Config{StartupGracePeriod: -1})
	if cfg.StartupGracePeriod >= 0 {
		t.Fatalf("StartupGracePeriod = %v after merge, want negative", cfg.StartupGracePeriod)
	}

	m := health.New(cfg, probes.probes(), health.WithClock(newFakeClock().Now), health.WithHeapUsage(lowHeap))
	h := m.SystemHealth(context.Background())

	if h.Redis {
		t.Error("Redis = true with grace disabled, want false")
	}
	if got := probes.total(); got != 4 {
		t.Errorf("probes invoked %d times, want 4", got)
	}
}

func TestMonitor_IsOverloaded(t *testing.T) {
	t.Run("heap above limit", func(t *testing.T) {
		m := health.New(testConfig(), newProbeSet().probes(), health.WithHeapUsage(func() uint64 {
			return 600 * 1024 * 1024
		}))
		if !m.IsOverloaded() {
			t.Error("IsOverloaded() = false with 600MB heap, want true")
		}
	})

	t.Run("two open breakers", func(t *testing.T) {
		probes := newProbeSet()
		probes.failed[health.ProtocolRedis].Store(true)
		probes.failed[health.ProtocolDiscord].Store(true)

		cfg := testConfig()
		cfg.Breaker.FailureThreshold = 1
		cfg.Breaker.RecoveryTimeout = time.Hour
		m := health.New(cfg, probes.probes(), health.WithHeapUsage(lowHeap))

		if m.IsOverloaded() {
			t.Fatal("IsOverloaded() = true before any failure")
		}

		ctx := context.Background()
		for _, p := range []health.Protocol{health.ProtocolRedis, health.ProtocolDiscord} {
			cb, err := m.Breaker(p)
			if err != nil {
				t.Fatalf("Breaker(%s) error = %v", p, err)
			}
			cb.Call(ctx)
		}

		if !m.IsOverloaded() {
			t.Error("IsOverloaded() = false with two open breakers, want true")
		}
	})
}

func TestMonitor_BreakerUnknownProtocol(t *testing.T) {
	m := health.New(testConfig(), newProbeSet().probes())

	_, err := m.Breaker("smtp")
	if !errors.Is(err, health.ErrUnknownProtocol) {
		t.Errorf("Breaker(smtp) error = %v, want ErrUnknownProtocol", err)
	}
}

func TestMonitor_StartShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.StartupGracePeriod = time.Nanosecond
	cfg.SummaryInterval = 10 * time.Millisecond
	cfg.CacheTTL = time.Nanosecond

	probes := newProbeSet()
	m := health.New(cfg, probes.probes(), health.WithHeapUsage(lowHeap))

	m.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for probes.total() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m.Shutdown()
	m.Shutdown()

	if probes.total() == 0 {
		t.Fatal("summary loop never probed")
	}
}

func TestConfig_Merge(t *testing.T) {
	cfg := health.DefaultConfig()
	cfg.Merge(&health.Config{StartupGracePeriod: time.Second, Breaker: breaker.Config{FailureThreshold: 9}})

	if cfg.StartupGracePeriod != time.Second {
		t.Errorf("StartupGracePeriod = %v, want 1s", cfg.StartupGracePeriod)
	}
	if cfg.CacheTTL != 5*time.Second {
		t.Errorf("CacheTTL = %v, want 5s", cfg.CacheTTL)
	}
	if cfg.MemoryLimitBytes != 500*1024*1024 {
		t.Errorf("MemoryLimitBytes = %d, want 500MB", cfg.MemoryLimitBytes)
	}
	if cfg.Breaker.FailureThreshold != 9 {
		t.Errorf("Breaker.FailureThreshold = %d, want 9", cfg.Breaker.FailureThreshold)
	}
}
