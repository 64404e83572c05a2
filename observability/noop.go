package observability

import "context"

// NoOpObserver discards all events. Used when no sink is configured.
type NoOpObserver struct{}

func (NoOpObserver) OnEvent(ctx context.Context, event Event) {}
