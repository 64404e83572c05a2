package breaker

import "github.com/tailored-agentic-units/relay/observability"

// EventStateChange is emitted on every breaker state transition.
const EventStateChange observability.EventType = "breaker.state_change"
