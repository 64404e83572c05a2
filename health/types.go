package health

import (
	"errors"
	"time"

	"github.com/tailored-agentic-units/relay/breaker"
)

// Protocol names one monitored subsystem.
type Protocol string

const (
	ProtocolRedis     Protocol = "redis"     // durable-queue backend
	ProtocolDiscord   Protocol = "discord"   // external platform API
	ProtocolWebsocket Protocol = "websocket" // realtime channel
	ProtocolQueue     Protocol = "queue"     // queue-worker pool
)

// Protocols lists the monitored subsystems in reporting order.
var Protocols = []Protocol{ProtocolRedis, ProtocolDiscord, ProtocolWebsocket, ProtocolQueue}

// ErrUnknownProtocol indicates a protocol with no registered breaker.
var ErrUnknownProtocol = errors.New("unknown protocol")

// Route is a transport recommendation.
type Route string

const (
	RouteRealtime Route = "websocket"
	RouteQueue    Route = "queue"
	RouteDirect   Route = "direct"
)

// ProtocolHealthStatus is the last observed health of one protocol.
type ProtocolHealthStatus struct {
	Protocol            Protocol      `json:"protocol"`
	Healthy             bool          `json:"healthy"`
	Latency             time.Duration `json:"latency,omitempty"`
	LastCheck           time.Time     `json:"last_check"`
	ErrorRate           float64       `json:"error_rate"`
	CircuitBreakerState breaker.State `json:"circuit_breaker_state"`
	Error               string        `json:"error,omitempty"`
}

// SystemHealth aggregates every protocol. Overall is true only when all
// four subsystems are healthy.
type SystemHealth struct {
	Overall    bool                              `json:"overall"`
	Protocols  map[Protocol]ProtocolHealthStatus `json:"protocols"`
	Redis      bool                              `json:"redis"`
	Discord    bool                              `json:"discord"`
	Websocket  bool                              `json:"websocket"`
	Queue      bool                              `json:"queue"`
	Overloaded bool                              `json:"overloaded"`
	Timestamp  time.Time                         `json:"timestamp"`
}

// PathRequest describes the caller's delivery requirements.
type PathRequest struct {
	RequiresRealTime    bool `json:"requires_real_time"`
	RequiresReliability bool `json:"requires_reliability"`
}

// ProtocolPath is an advisory routing recommendation.
type ProtocolPath struct {
	Primary  Route  `json:"primary"`
	Fallback Route  `json:"fallback"`
	Reason   string `json:"reason"`
}
