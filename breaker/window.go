package breaker

import (
	"sync"
	"time"
)

type outcome struct {
	at     time.Time
	failed bool
}

// window keeps probe outcomes younger than span.
type window struct {
	span     time.Duration
	outcomes []outcome
	mu       sync.Mutex
}

func newWindow(span time.Duration) *window {
	return &window{span: span}
}

func (w *window) record(now time.Time, failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.outcomes = append(w.outcomes, outcome{at: now, failed: failed})
	w.evict(now)
}

// counts returns the total and failed outcomes inside the window.
func (w *window) counts(now time.Time) (total, failures int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(now)
	for _, o := range w.outcomes {
		if o.failed {
			failures++
		}
	}
	return len(w.outcomes), failures
}

func (w *window) evict(now time.Time) {
	cutoff := now.Add(-w.span)
	keep := 0
	for keep < len(w.outcomes) && !w.outcomes[keep].at.After(cutoff) {
		keep++
	}
	if keep > 0 {
		w.outcomes = append(w.outcomes[:0], w.outcomes[keep:]...)
	}
}
