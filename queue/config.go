package queue

import "time"

// Config holds queue and worker parameters.
type Config struct {
	// Prefix namespaces every Redis key.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	// Backoff is the base retry delay, doubled per attempt.
	Backoff time.Duration `json:"backoff,omitempty" yaml:"backoff,omitempty"`

	// FailedWindow bounds how long terminal failures count toward Metrics.Failed.
	FailedWindow time.Duration `json:"failed_window,omitempty" yaml:"failed_window,omitempty"`

	// PollInterval is how long an idle worker waits before claiming again.
	PollInterval time.Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`

	// Concurrency is the number of jobs a worker processes at once.
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`

	// StaleAfter is how long a worker may go without a heartbeat before its
	// probe fails.
	StaleAfter time.Duration `json:"stale_after,omitempty" yaml:"stale_after,omitempty"`
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:       "relay",
		Backoff:      time.Second,
		FailedWindow: time.Hour,
		PollInterval: 250 * time.Millisecond,
		Concurrency:  4,
		StaleAfter:   30 * time.Second,
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.Prefix != "" {
		c.Prefix = source.Prefix
	}
	if source.Backoff > 0 {
		c.Backoff = source.Backoff
	}
	if source.FailedWindow > 0 {
		c.FailedWindow = source.FailedWindow
	}
	if source.PollInterval > 0 {
		c.PollInterval = source.PollInterval
	}
	if source.Concurrency > 0 {
		c.Concurrency = source.Concurrency
	}
	if source.StaleAfter > 0 {
		c.StaleAfter = source.StaleAfter
	}
}
