// Package realtime is the low-latency lane: a hub of persistent worker
// connections that receive command envelopes by scope.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

var (
	ErrAlreadyRegistered  = errors.New("connection already registered")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrHubClosed          = errors.New("hub is shut down")
)

// Role distinguishes command-executing workers from observers.
type Role string

const (
	RoleWorker   Role = "worker"
	RoleObserver Role = "observer"
)

// ConnectionInfo describes one connection. A worker with no Scopes serves
// every scope.
type ConnectionInfo struct {
	ID            string    `json:"id"`
	Role          Role      `json:"role"`
	Scopes        []string  `json:"scopes,omitempty"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastSeen      time.Time `json:"last_seen"`
}

// Serves reports whether the connection accepts envelopes for scope.
func (i ConnectionInfo) Serves(scope string) bool {
	return scope == "" || len(i.Scopes) == 0 || slices.Contains(i.Scopes, scope)
}

// Connection is a registered endpoint and its delivery queue.
type Connection struct {
	hub     *Hub
	id      string
	channel *MessageChannel[*Envelope]
}

func (c *Connection) ID() string {
	return c.id
}

// Info returns a snapshot of the connection's registration.
func (c *Connection) Info() (ConnectionInfo, bool) {
	return c.hub.info(c.id)
}

// Receive waits for the next envelope addressed to this connection.
func (c *Connection) Receive(ctx context.Context) (*Envelope, error) {
	env, err := c.channel.Receive(ctx)
	if err == nil {
		c.hub.touch(c.id)
	}
	return env, err
}

type registration struct {
	info    ConnectionInfo
	channel *MessageChannel[*Envelope]
}

// ConnectionStats is the hub's view of its connections and backing store.
type ConnectionStats struct {
	TotalConnections        int  `json:"total_connections"`
	ActiveWorkerConnections int  `json:"active_worker_connections"`
	BackingStoreReachable   bool `json:"backing_store_reachable"`
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger overrides slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

// WithBackingStore sets the probe that reports whether the hub's backing
// store is reachable.
func WithBackingStore(ping func(ctx context.Context) error) Option {
	return func(h *Hub) { h.backingStore = ping }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// Hub tracks connections and fans envelopes out to them.
type Hub struct {
	name string

	connections      map[string]*registration
	connectionsMutex sync.RWMutex

	cfg          Config
	backingStore func(ctx context.Context) error
	logger       *slog.Logger
	metrics      *Metrics
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a hub and starts its sweep loop.
func New(ctx context.Context, cfg Config, opts ...Option) *Hub {
	merged := DefaultConfig()
	merged.Merge(&cfg)

	hubCtx, cancel := context.WithCancel(ctx)

	h := &Hub{
		name:        merged.Name,
		connections: make(map[string]*registration),
		cfg:         merged,
		logger:      slog.Default(),
		metrics:     NewMetrics(),
		now:         time.Now,
		ctx:         hubCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(h)
	}

	go h.sweepLoop()

	return h
}

// Register adds a connection. It starts unauthenticated.
func (h *Hub) Register(info ConnectionInfo) (*Connection, error) {
	if h.ctx.Err() != nil {
		return nil, ErrHubClosed
	}
	if info.ID == "" {
		return nil, fmt.Errorf("connection id is required")
	}
	if info.Role == "" {
		info.Role = RoleWorker
	}

	h.connectionsMutex.Lock()
	defer h.connectionsMutex.Unlock()

	if _, exists := h.connections[info.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, info.ID)
	}

	now := h.now()
	info.Authenticated = false
	info.ConnectedAt = now
	info.LastSeen = now
	info.Scopes = slices.Clone(info.Scopes)

	reg := &registration{
		info:    info,
		channel: NewMessageChannel[*Envelope](h.ctx, h.cfg.ChannelBufferSize),
	}
	h.connections[info.ID] = reg
	h.metrics.RecordConnection(1)

	h.logger.DebugContext(
		h.ctx,
		"connection registered",
		slog.String("hub_name", h.name),
		slog.String("connection_id", info.ID),
		slog.String("role", string(info.Role)),
	)

	return &Connection{hub: h, id: info.ID, channel: reg.channel}, nil
}

// Unregister removes a connection and closes its delivery queue.
func (h *Hub) Unregister(id string) error {
	h.connectionsMutex.Lock()
	reg, exists := h.connections[id]
	if exists {
		delete(h.connections, id)
		reg.channel.Close()
	}
	h.connectionsMutex.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}

	h.metrics.RecordConnection(-1)
	h.logger.DebugContext(
		h.ctx,
		"connection unregistered",
		slog.String("hub_name", h.name),
		slog.String("connection_id", id),
	)

	return nil
}

// Authenticate marks a connection as eligible for command delivery.
func (h *Hub) Authenticate(id string) error {
	h.connectionsMutex.Lock()
	defer h.connectionsMutex.Unlock()

	reg, exists := h.connections[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	reg.info.Authenticated = true
	reg.info.LastSeen = h.now()
	return nil
}

// BroadcastToScope delivers env to every authenticated worker serving scope,
// or to every authenticated worker when scope is empty. It never waits on a
// slow connection: a full buffer drops the envelope for that connection. The
// returned count is the number of connections the envelope reached.
func (h *Hub) BroadcastToScope(ctx context.Context, scope string, env *Envelope) (int, error) {
	return h.broadcast(ctx, env, func(info ConnectionInfo) bool {
		return info.Role == RoleWorker && info.Authenticated && info.Serves(scope)
	})
}

// BroadcastAll delivers env to every connection accepted by predicate.
func (h *Hub) BroadcastAll(ctx context.Context, env *Envelope, predicate func(ConnectionInfo) bool) (int, error) {
	if predicate == nil {
		predicate = func(ConnectionInfo) bool { return true }
	}
	return h.broadcast(ctx, env, predicate)
}

func (h *Hub) broadcast(ctx context.Context, env *Envelope, predicate func(ConnectionInfo) bool) (int, error) {
	if h.ctx.Err() != nil {
		return 0, ErrHubClosed
	}
	if env == nil {
		return 0, fmt.Errorf("envelope is required")
	}

	h.connectionsMutex.RLock()
	recipients := make([]*registration, 0, len(h.connections))
	for _, reg := range h.connections {
		if predicate(reg.info) {
			recipients = append(recipients, reg)
		}
	}
	h.connectionsMutex.RUnlock()

	delivered := 0
	for _, reg := range recipients {
		message := env.Clone()
		message.To = reg.info.ID

		if reg.channel.TrySend(message) {
			delivered++
			continue
		}

		h.metrics.RecordDropped(1)
		h.logger.WarnContext(
			ctx,
			"failed to deliver envelope",
			slog.String("hub_name", h.name),
			slog.String("to", reg.info.ID),
			slog.String("operation", env.Operation),
		)
	}

	h.metrics.RecordSent(delivered)
	h.logger.DebugContext(
		ctx,
		"broadcast sent",
		slog.String("hub_name", h.name),
		slog.String("operation", env.Operation),
		slog.String("scope", env.Scope),
		slog.Int("recipients", len(recipients)),
		slog.Int("delivered", delivered),
	)

	return delivered, nil
}

// Connections returns a snapshot of every registration.
func (h *Hub) Connections() []ConnectionInfo {
	h.connectionsMutex.RLock()
	defer h.connectionsMutex.RUnlock()

	out := make([]ConnectionInfo, 0, len(h.connections))
	for _, reg := range h.connections {
		info := reg.info
		info.Scopes = slices.Clone(info.Scopes)
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b ConnectionInfo) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// Stats counts connections and checks the backing store. A hub without a
// backing store probe reports it reachable.
func (h *Hub) Stats(ctx context.Context) ConnectionStats {
	h.connectionsMutex.RLock()
	stats := ConnectionStats{TotalConnections: len(h.connections)}
	for _, reg := range h.connections {
		if reg.info.Role == RoleWorker && reg.info.Authenticated {
			stats.ActiveWorkerConnections++
		}
	}
	h.connectionsMutex.RUnlock()

	stats.BackingStoreReachable = h.pingBackingStore(ctx) == nil
	return stats
}

// Probe fails when the hub is shut down or its backing store is unreachable.
func (h *Hub) Probe(ctx context.Context) error {
	if h.ctx.Err() != nil {
		return ErrHubClosed
	}
	if err := h.pingBackingStore(ctx); err != nil {
		return fmt.Errorf("backing store: %w", err)
	}
	return nil
}

func (h *Hub) pingBackingStore(ctx context.Context) error {
	if h.backingStore == nil {
		return nil
	}
	return h.backingStore(ctx)
}

func (h *Hub) Metrics() MetricsSnapshot {
	return h.metrics.Snapshot()
}

// Shutdown stops the sweep loop and closes every connection.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.DebugContext(
		h.ctx,
		"shutting down hub",
		slog.String("hub_name", h.name),
	)
	h.cancel()

	select {
	case <-h.done:
	case <-time.After(timeout):
		return fmt.Errorf("hub shutdown timeout after %v", timeout)
	}

	h.connectionsMutex.Lock()
	for id, reg := range h.connections {
		reg.channel.Close()
		delete(h.connections, id)
		h.metrics.RecordConnection(-1)
	}
	h.connectionsMutex.Unlock()

	return nil
}

func (h *Hub) sweepLoop() {
	defer close(h.done)

	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.sweepUnauthenticated()
		}
	}
}

func (h *Hub) sweepUnauthenticated() {
	cutoff := h.now().Add(-h.cfg.AuthTimeout)

	h.connectionsMutex.RLock()
	var expired []string
	for id, reg := range h.connections {
		if !reg.info.Authenticated && reg.info.ConnectedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	h.connectionsMutex.RUnlock()

	for _, id := range expired {
		if err := h.Unregister(id); err == nil {
			h.logger.InfoContext(
				h.ctx,
				"dropped unauthenticated connection",
				slog.String("hub_name", h.name),
				slog.String("connection_id", id),
			)
		}
	}
}

func (h *Hub) info(id string) (ConnectionInfo, bool) {
	h.connectionsMutex.RLock()
	defer h.connectionsMutex.RUnlock()

	reg, exists := h.connections[id]
	if !exists {
		return ConnectionInfo{}, false
	}
	info := reg.info
	info.Scopes = slices.Clone(info.Scopes)
	return info, true
}

func (h *Hub) touch(id string) {
	h.connectionsMutex.Lock()
	if reg, exists := h.connections[id]; exists {
		reg.info.LastSeen = h.now()
	}
	h.connectionsMutex.Unlock()
}
