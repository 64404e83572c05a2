// Package relay composes the routing and reliability subsystems into one
// process: the Redis-backed durable queue and its workers, the realtime hub,
// the protocol health monitor, the dead-letter queue, the dispatch service
// and the Connect RPC surface.
//
// The runtime initializes from configuration via New. Functional options
// allow test overrides of external dependencies.
//
//	rt, err := relay.New(cfg, relay.WithLogger(logger))
//	err = rt.Run(ctx)
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/tailored-agentic-units/relay/breaker"
	"github.com/tailored-agentic-units/relay/deadletter"
	"github.com/tailored-agentic-units/relay/deadletter/sqlite"
	"github.com/tailored-agentic-units/relay/dispatch"
	"github.com/tailored-agentic-units/relay/health"
	"github.com/tailored-agentic-units/relay/observability"
	"github.com/tailored-agentic-units/relay/platform"
	"github.com/tailored-agentic-units/relay/queue"
	"github.com/tailored-agentic-units/relay/realtime"
	"github.com/tailored-agentic-units/relay/rpc"
)

// ErrNoWorker is returned by the durable job handler when no connected
// worker serves the job's scope.
var ErrNoWorker = errors.New("no connected worker")

const notificationBuffer = 256

// Option configures a Runtime after config-driven initialization.
type Option func(*Runtime)

// WithLogger overrides slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// WithRedisClient overrides the config-created Redis client. The runtime
// does not close a client it did not create.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(r *Runtime) { r.redis = client }
}

// WithPlatformClient overrides the config-created platform API client.
func WithPlatformClient(c *platform.Client) Option {
	return func(r *Runtime) { r.platform = c }
}

// WithObserver overrides the observers resolved from Config.Observers.
func WithObserver(o observability.Observer) Option {
	return func(r *Runtime) { r.observer = o }
}

// Runtime owns every relay subsystem.
type Runtime struct {
	cfg    Config
	logger *slog.Logger

	redis     redis.UniversalClient
	ownsRedis bool
	platform  *platform.Client
	observer  observability.Observer
	notices   *observability.ChannelObserver

	queue       *queue.RedisQueue
	worker      *queue.Worker
	hub         *realtime.Hub
	monitor     *health.Monitor
	deadLetters *deadletter.Queue
	db          *sqlite.DB
	service     *dispatch.Service
	handler     http.Handler

	closeOnce sync.Once
}

// New creates a Runtime from configuration. Background loops do not start
// until Run.
func New(cfg Config, opts ...Option) (*Runtime, error) {
	merged := DefaultConfig()
	merged.Merge(&cfg)

	r := &Runtime{
		cfg:     merged,
		logger:  slog.Default(),
		notices: observability.NewChannelObserver(notificationBuffer),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.observer == nil {
		obs, err := observability.Resolve(merged.Observers...)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve observers: %w", err)
		}
		r.observer = obs
	}
	events := observability.NewMultiObserver(r.observer, r.notices)

	if r.redis == nil {
		r.redis = redis.NewClient(&redis.Options{
			Addr:     merged.Redis.Addr,
			Password: merged.Redis.Password,
			DB:       merged.Redis.DB,
		})
		r.ownsRedis = true
	}
	if r.platform == nil {
		r.platform = platform.New(merged.Platform)
	}

	r.queue = queue.NewRedisQueue(r.redis, merged.Queue, queue.WithQueueLogger(r.logger))

	r.hub = realtime.New(
		context.Background(),
		merged.Realtime,
		realtime.WithLogger(r.logger),
		realtime.WithBackingStore(r.queue.Ping),
	)

	dlqOpts := []deadletter.Option{
		deadletter.WithLogger(r.logger),
		deadletter.WithObserver(events),
	}
	if merged.Storage.SQLitePath != "" {
		db, err := sqlite.Open(merged.Storage.SQLitePath)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to open dead-letter store: %w", err)
		}
		r.db = db
		dlqOpts = append(dlqOpts,
			deadletter.WithStore(db.Store(sqlite.BucketEntries)),
			deadletter.WithQuarantineStore(db.Store(sqlite.BucketQuarantine)),
		)
	}
	r.deadLetters = deadletter.New(merged.DeadLetter, dlqOpts...)

	queues := []string{merged.Dispatch.CriticalQueue, merged.Dispatch.CommandQueue}
	r.worker = queue.NewWorker(
		r.queue,
		queues,
		r.relayJob,
		queue.WithWorkerLogger(r.logger),
		queue.WithFailedHook(r.deadLetter),
	)

	r.monitor = health.New(
		merged.Health,
		map[health.Protocol]breaker.Probe{
			health.ProtocolRedis:     r.queue.Ping,
			health.ProtocolDiscord:   r.platform.Probe,
			health.ProtocolWebsocket: r.hub.Probe,
			health.ProtocolQueue:     r.worker.Probe,
		},
		health.WithLogger(r.logger),
		health.WithObserver(r.observer),
	)

	serviceOpts := []dispatch.Option{
		dispatch.WithMonitor(r.monitor),
		dispatch.WithObserver(events),
		dispatch.WithLogger(r.logger),
	}
	if !merged.Routing.empty() {
		serviceOpts = append(serviceOpts, dispatch.WithTaxonomy(merged.Routing.Taxonomy()))
	}
	r.service = dispatch.New(merged.Dispatch, r.queue, r.hub, serviceOpts...)

	server := rpc.NewServer(merged.RPC, r.deadLetters, r.service, r.hub, rpc.WithLogger(r.logger))
	mux := http.NewServeMux()
	mux.Handle("/", server.Handler())
	mux.HandleFunc("GET /healthz", r.healthz)
	r.handler = mux

	return r, nil
}

// Service returns the dispatch service.
func (r *Runtime) Service() *dispatch.Service {
	return r.service
}

func (r *Runtime) Hub() *realtime.Hub {
	return r.hub
}

func (r *Runtime) Monitor() *health.Monitor {
	return r.monitor
}

func (r *Runtime) DeadLetters() *deadletter.Queue {
	return r.deadLetters
}

func (r *Runtime) Worker() *queue.Worker {
	return r.worker
}

// Handler returns the HTTP surface: every RPC procedure plus /healthz.
func (r *Runtime) Handler() http.Handler {
	return r.handler
}

// Run serves HTTP on Config.ListenAddr and runs every background loop until
// ctx ends, then shuts everything down.
func (r *Runtime) Run(ctx context.Context) error {
	defer r.Close()

	ln, err := net.Listen("tcp", r.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", r.cfg.ListenAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	var protocols http.Protocols
	protocols.SetHTTP1(true)
	protocols.SetUnencryptedHTTP2(true)
	server := &http.Server{
		Handler:           r.handler,
		Protocols:         &protocols,
		ReadHeaderTimeout: 10 * time.Second,
		// worker streams end with the run context
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	r.monitor.Start(ctx)
	defer r.monitor.Shutdown()
	r.deadLetters.Start(ctx)
	defer r.deadLetters.Shutdown()

	r.logger.InfoContext(ctx, "relay started", slog.String("addr", ln.Addr().String()))

	g.Go(func() error {
		return r.worker.Run(gctx)
	})
	g.Go(func() error {
		r.forwardNotifications(gctx)
		return nil
	})
	g.Go(func() error {
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	r.logger.InfoContext(context.WithoutCancel(ctx), "relay stopped")
	return err
}

// Close releases the hub, the dead-letter database and an owned Redis
// client. Run calls Close on exit.
func (r *Runtime) Close() error {
	var errs []error
	r.closeOnce.Do(func() {
		if r.hub != nil {
			if err := r.hub.Shutdown(r.cfg.ShutdownTimeout); err != nil {
				errs = append(errs, err)
			}
		}
		if err := r.db.Close(); err != nil {
			errs = append(errs, err)
		}
		if r.ownsRedis && r.redis != nil {
			if err := r.redis.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// relayJob executes a durable job by delivering it as a command envelope to
// the workers serving its scope.
func (r *Runtime) relayJob(ctx context.Context, job queue.Job) error {
	env := realtime.NewCommand(r.cfg.Dispatch.Source, job.Name, job.Payload).
		Scope(job.Scope).
		Header("job_id", job.ID).
		Header("queue", job.Queue).
		Build()

	delivered, err := r.hub.BroadcastToScope(ctx, job.Scope, env)
	if err != nil {
		return err
	}
	if delivered == 0 {
		return fmt.Errorf("%w for scope %q", ErrNoWorker, job.Scope)
	}
	return nil
}

func (r *Runtime) deadLetter(ctx context.Context, job queue.Job, jobErr error) {
	_, err := r.deadLetters.HandleFailedJob(ctx, deadletter.Job{
		ID:           job.ID,
		Name:         job.Name,
		Queue:        job.Queue,
		Scope:        job.Scope,
		Payload:      job.Payload,
		AttemptsMade: job.AttemptsMade,
	}, jobErr)
	if err != nil {
		r.logger.ErrorContext(
			ctx,
			"dead-letter intake failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

// forwardNotifications relays dead-letter and bulk progress events to the
// connected workers of the event's scope.
func (r *Runtime) forwardNotifications(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-r.notices.Events():
			env := realtime.NewNotification(r.cfg.Dispatch.Source, string(event.Type), event.Data).
				Scope(event.Scope).
				Build()
			if _, err := r.hub.BroadcastToScope(ctx, event.Scope, env); err != nil && ctx.Err() == nil {
				r.logger.DebugContext(ctx, "notification not forwarded", slog.String("type", string(event.Type)), slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) healthz(w http.ResponseWriter, req *http.Request) {
	h := r.monitor.SystemHealth(req.Context())

	w.Header().Set("Content-Type", "application/json")
	if !h.Overall {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(h); err != nil {
		r.logger.DebugContext(req.Context(), "healthz write failed", slog.String("error", err.Error()))
	}
}
