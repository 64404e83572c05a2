// Package dispatch routes bot operations to the realtime lane, the durable
// lane, or both.
//
// A Service classifies every operation through a static Taxonomy and the
// caller's Options, then either broadcasts a command envelope to connected
// workers or enqueues a durable job. Every entry point reports failures as a
// Result instead of returning an error.
//
//	svc := dispatch.New(dispatch.DefaultConfig(), redisQueue, hub, dispatch.WithMonitor(monitor))
//	result := svc.Execute(ctx, "BAN_USER", payload, dispatch.Options{Scope: guildID})
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tailored-agentic-units/relay/health"
	"github.com/tailored-agentic-units/relay/observability"
	"github.com/tailored-agentic-units/relay/queue"
	"github.com/tailored-agentic-units/relay/realtime"
)

const tracerName = "github.com/tailored-agentic-units/relay/dispatch"

// Option configures a Service after config-driven initialization.
type Option func(*Service)

// WithTaxonomy replaces DefaultTaxonomy.
func WithTaxonomy(t Taxonomy) Option {
	return func(s *Service) { s.taxonomy = t }
}

// WithMonitor attaches the protocol health monitor used by SystemHealth and
// ProtocolPath.
func WithMonitor(m *health.Monitor) Option {
	return func(s *Service) { s.monitor = m }
}

// WithObserver sets the notification sink for progress events.
func WithObserver(o observability.Observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithLogger overrides slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithSleep overrides the wait between bulk batches.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) { s.sleep = sleep }
}

// Service is the routing facade over both lanes.
type Service struct {
	cfg         Config
	durable     Durable
	broadcaster Broadcaster
	taxonomy    Taxonomy
	monitor     *health.Monitor
	observer    observability.Observer
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// New creates a Service over the given lanes.
func New(cfg Config, durable Durable, broadcaster Broadcaster, opts ...Option) *Service {
	merged := DefaultConfig()
	merged.Merge(&cfg)

	s := &Service{
		cfg:         merged,
		durable:     durable,
		broadcaster: broadcaster,
		taxonomy:    DefaultTaxonomy(),
		observer:    observability.NoOpObserver{},
		logger:      slog.Default(),
		sleep:       sleepContext,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Taxonomy returns the operation table in use.
func (s *Service) Taxonomy() Taxonomy {
	return s.taxonomy
}

// Execute dispatches one operation on the lane chosen by SelectLane.
func (s *Service) Execute(ctx context.Context, operation string, payload map[string]any, opts Options) Result {
	lane := s.taxonomy.SelectLane(operation, opts)
	return s.execute(ctx, operation, payload, opts, lane, 0)
}

// Schedule enqueues operation on the durable lane to run after delay.
func (s *Service) Schedule(ctx context.Context, operation string, payload map[string]any, delay time.Duration, opts Options) Result {
	return s.execute(ctx, operation, payload, opts, LaneDurable, delay)
}

func (s *Service) execute(ctx context.Context, operation string, payload map[string]any, opts Options, lane Lane, delay time.Duration) (result Result) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "dispatch.execute",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("dispatch.operation", operation),
			attribute.String("dispatch.lane", string(lane)),
			attribute.String("dispatch.scope", opts.Scope),
		),
	)
	defer span.End()

	start := time.Now()
	result.Method = laneMethod(lane)

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.JobID = ""
			result.Error = fmt.Sprintf("dispatch panic: %v", r)
		}
		result.ExecutionTime = time.Since(start)

		if !result.Success {
			span.SetStatus(codes.Error, result.Error)
			s.logger.WarnContext(
				ctx,
				"operation failed",
				slog.String("operation", operation),
				slog.String("lane", string(lane)),
				slog.String("scope", opts.Scope),
				slog.String("error", result.Error),
			)
		}
	}()

	var err error
	switch lane {
	case LaneRealtime:
		err = s.broadcast(ctx, operation, payload, opts)
	default:
		result.JobID, err = s.enqueue(ctx, operation, payload, opts, delay)
		span.SetAttributes(attribute.String("dispatch.job_id", result.JobID))
	}

	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}

func (s *Service) broadcast(ctx context.Context, operation string, payload map[string]any, opts Options) error {
	if s.broadcaster == nil {
		return fmt.Errorf("realtime lane not configured")
	}

	builder := realtime.NewCommand(s.cfg.Source, operation, payload).Scope(opts.Scope)
	if opts.Timeout > 0 {
		builder.Header("timeout_ms", strconv.FormatInt(opts.Timeout.Milliseconds(), 10))
	}

	if _, err := s.broadcaster.BroadcastToScope(ctx, opts.Scope, builder.Build()); err != nil {
		return fmt.Errorf("broadcast %s: %w", operation, err)
	}
	return nil
}

func (s *Service) enqueue(ctx context.Context, operation string, payload map[string]any, opts Options, delay time.Duration) (string, error) {
	if s.durable == nil {
		return "", fmt.Errorf("durable lane not configured")
	}

	id, err := s.durable.Enqueue(ctx, s.cfg.CommandQueue, operation, payload, queue.Options{
		Priority: s.cfg.Priority,
		Attempts: s.cfg.Attempts,
		Delay:    delay,
		Scope:    opts.Scope,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", operation, err)
	}
	return id, nil
}

func laneMethod(lane Lane) Method {
	switch lane {
	case LaneRealtime:
		return MethodWebsocket
	case LaneDurable:
		return MethodQueue
	default:
		return MethodHybrid
	}
}

// SystemHealth reports lane availability. The durable lane is available when
// both monitored queues have fewer than FailedJobLimit recent failures and
// the realtime layer reports its backing store reachable. The realtime lane
// is available when at least one worker connection is active.
func (s *Service) SystemHealth(ctx context.Context) SystemHealth {
	h := SystemHealth{
		Queues:    make(map[string]queue.Metrics, 2),
		Timestamp: time.Now(),
	}

	if s.broadcaster != nil {
		h.Connections = s.broadcaster.Stats(ctx)
	} else {
		h.Errors = append(h.Errors, "realtime lane not configured")
	}
	h.RealtimeAvailable = h.Connections.ActiveWorkerConnections > 0

	queuesHealthy := s.durable != nil
	if s.durable == nil {
		h.Errors = append(h.Errors, "durable lane not configured")
	} else {
		for _, name := range []string{s.cfg.CriticalQueue, s.cfg.CommandQueue} {
			m, err := s.durable.Metrics(ctx, name)
			if err != nil {
				queuesHealthy = false
				h.Errors = append(h.Errors, fmt.Sprintf("%s: %v", name, err))
				continue
			}
			h.Queues[name] = m
			if m.Failed >= s.cfg.FailedJobLimit {
				queuesHealthy = false
			}
		}
	}
	h.DurableAvailable = queuesHealthy && h.Connections.BackingStoreReachable

	switch {
	case h.RealtimeAvailable && h.DurableAvailable:
		h.Status = StatusHealthy
	case h.RealtimeAvailable || h.DurableAvailable:
		h.Status = StatusDegraded
	default:
		h.Status = StatusUnhealthy
	}

	if s.monitor != nil {
		snapshot := s.monitor.SystemHealth(ctx)
		h.Monitor = &snapshot
	}

	return h
}

// ProtocolPath returns the monitor's advisory routing recommendation.
func (s *Service) ProtocolPath(ctx context.Context, req health.PathRequest) health.ProtocolPath {
	if s.monitor == nil {
		return health.ProtocolPath{
			Primary:  health.RouteQueue,
			Fallback: health.RouteRealtime,
			Reason:   "no health monitor configured",
		}
	}
	return s.monitor.ProtocolPath(ctx, req)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
