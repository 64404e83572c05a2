package deadletter

import "github.com/tailored-agentic-units/relay/observability"

const (
	EventRecorded   observability.EventType = "deadletter.recorded"
	EventPoisonPill observability.EventType = "deadletter.poison_pill"
	EventReleased   observability.EventType = "deadletter.released"
	EventPruned     observability.EventType = "deadletter.pruned"
)
