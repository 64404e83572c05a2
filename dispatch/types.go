package dispatch

import (
	"context"
	"time"

	"github.com/tailored-agentic-units/relay/health"
	"github.com/tailored-agentic-units/relay/queue"
	"github.com/tailored-agentic-units/relay/realtime"
)

// Method reports the lane SelectLane chose for an operation. MethodHybrid
// and MethodQueue are both durable enqueues.
type Method string

const (
	MethodWebsocket Method = "websocket"
	MethodQueue     Method = "queue"
	MethodHybrid    Method = "hybrid"
)

// Options tunes a single Execute call.
type Options struct {
	RequireReliability bool          `json:"require_reliability,omitempty"`
	PreferRealTime     bool          `json:"prefer_real_time,omitempty"`
	Scope              string        `json:"scope,omitempty"`
	Timeout            time.Duration `json:"timeout,omitempty"`
}

// Operation is one entry of a bulk request.
type Operation struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
	Options Options        `json:"options"`
}

// Result is the outcome of one operation. Failures are reported here, never
// as a returned error.
type Result struct {
	Success       bool          `json:"success"`
	Method        Method        `json:"method"`
	JobID         string        `json:"job_id,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// Status is the composite service status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// SystemHealth composes realtime connection statistics with durable queue
// metrics.
type SystemHealth struct {
	Status            Status                   `json:"status"`
	RealtimeAvailable bool                     `json:"realtime_available"`
	DurableAvailable  bool                     `json:"durable_available"`
	Connections       realtime.ConnectionStats `json:"connections"`
	Queues            map[string]queue.Metrics `json:"queues"`
	Errors            []string                 `json:"errors,omitempty"`
	Monitor           *health.SystemHealth     `json:"monitor,omitempty"`
	Timestamp         time.Time                `json:"timestamp"`
}

// Durable is the queue runtime behind the durable lane.
type Durable interface {
	Enqueue(ctx context.Context, queueName, name string, payload map[string]any, opts queue.Options) (string, error)
	Metrics(ctx context.Context, queueName string) (queue.Metrics, error)
}

// Broadcaster is the realtime channel behind the realtime lane.
type Broadcaster interface {
	BroadcastToScope(ctx context.Context, scope string, env *realtime.Envelope) (int, error)
	Stats(ctx context.Context) realtime.ConnectionStats
}
