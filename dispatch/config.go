package dispatch

import "time"

// Config holds service initialization parameters.
type Config struct {
	// CommandQueue receives durable and hybrid operations.
	CommandQueue string `json:"command_queue,omitempty" yaml:"command_queue,omitempty"`

	// CriticalQueue is monitored alongside CommandQueue for lane health.
	CriticalQueue string `json:"critical_queue,omitempty" yaml:"critical_queue,omitempty"`

	// Priority and Attempts apply to every enqueued job.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`
	Attempts int `json:"attempts,omitempty" yaml:"attempts,omitempty"`

	// FailedJobLimit is the per-queue count of recent failures at which the
	// durable lane is reported unavailable.
	FailedJobLimit int64 `json:"failed_job_limit,omitempty" yaml:"failed_job_limit,omitempty"`

	// Source identifies this service on outgoing envelopes.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`

	// Bulk holds ExecuteBulk defaults.
	Bulk BulkOptions `json:"bulk" yaml:"bulk"`
}

// DefaultConfig returns the service defaults.
func DefaultConfig() Config {
	return Config{
		CommandQueue:   "discord-commands",
		CriticalQueue:  "critical-operations",
		Priority:       1,
		Attempts:       3,
		FailedJobLimit: 10,
		Source:         "relay",
		Bulk:           DefaultBulkOptions(),
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.CommandQueue != "" {
		c.CommandQueue = source.CommandQueue
	}
	if source.CriticalQueue != "" {
		c.CriticalQueue = source.CriticalQueue
	}
	if source.Priority > 0 {
		c.Priority = source.Priority
	}
	if source.Attempts > 0 {
		c.Attempts = source.Attempts
	}
	if source.FailedJobLimit > 0 {
		c.FailedJobLimit = source.FailedJobLimit
	}
	if source.Source != "" {
		c.Source = source.Source
	}
	c.Bulk.Merge(&source.Bulk)
}

// BulkPriority selects how bulk operations are dispatched.
type BulkPriority string

const (
	BulkPriorityNormal BulkPriority = "normal"
	// BulkPriorityHigh forces every operation onto the durable lane.
	BulkPriorityHigh BulkPriority = "high"
)

// BulkOptions controls ExecuteBulk.
type BulkOptions struct {
	BatchSize int `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`

	// DelayBetweenBatches pauses between batches. A negative value runs
	// batches back to back.
	DelayBetweenBatches time.Duration `json:"delay_between_batches,omitempty" yaml:"delay_between_batches,omitempty"`

	Priority BulkPriority `json:"priority,omitempty" yaml:"priority,omitempty"`

	// NotifyProgressNil controls progress events. Use NotifyProgress() to
	// access. When nil, defaults to true.
	NotifyProgressNil *bool `json:"notify_progress,omitempty" yaml:"notify_progress,omitempty"`

	// Scope tags progress events.
	Scope string `json:"scope,omitempty" yaml:"scope,omitempty"`
}

func (o *BulkOptions) NotifyProgress() bool {
	if o.NotifyProgressNil == nil {
		return true
	}
	return *o.NotifyProgressNil
}

// DefaultBulkOptions returns batches of 10, one second apart, with progress
// notifications.
func DefaultBulkOptions() BulkOptions {
	notify := true
	return BulkOptions{
		BatchSize:           10,
		DelayBetweenBatches: time.Second,
		Priority:            BulkPriorityNormal,
		NotifyProgressNil:   &notify,
	}
}

func (o *BulkOptions) Merge(source *BulkOptions) {
	if source.BatchSize > 0 {
		o.BatchSize = source.BatchSize
	}
	if source.DelayBetweenBatches != 0 {
		o.DelayBetweenBatches = source.DelayBetweenBatches
	}
	if source.Priority != "" {
		o.Priority = source.Priority
	}
	if source.NotifyProgressNil != nil {
		o.NotifyProgressNil = source.NotifyProgressNil
	}
	if source.Scope != "" {
		o.Scope = source.Scope
	}
}
