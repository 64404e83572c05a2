package deadletter

import "time"

// Classification labels how a failure should be treated.
type Classification string

const (
	ClassRetryable    Classification = "retryable"
	ClassNonRetryable Classification = "non-retryable"
	ClassPoison       Classification = "poison"
	ClassUnknown      Classification = "unknown"
)

// Job is a terminally failed durable job as reported by the queue runtime.
type Job struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Queue        string         `json:"queue,omitempty"`
	Scope        string         `json:"scope,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	AttemptsMade int            `json:"attempts_made,omitempty"`
}

// ErrorRecord is one failure in an entry's history.
type ErrorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Attempt   int       `json:"attempt"`
}

// Entry groups every failure sharing one job signature.
type Entry struct {
	ID             string         `json:"id"`
	OriginalJobID  string         `json:"original_job_id"`
	JobData        Job            `json:"job_data"`
	FailureReason  string         `json:"failure_reason"`
	FailureCount   int            `json:"failure_count"`
	FirstFailure   time.Time      `json:"first_failure"`
	LastFailure    time.Time      `json:"last_failure"`
	ErrorHistory   []ErrorRecord  `json:"error_history"`
	IsPoisonPill   bool           `json:"is_poison_pill"`
	Quarantined    bool           `json:"quarantined"`
	Classification Classification `json:"classification"`
}

// ReasonCount is one row of the top failure reasons.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// Stats summarizes the dead-letter population.
type Stats struct {
	Total            int                    `json:"total"`
	ByClassification map[Classification]int `json:"by_classification"`
	Quarantined      int                    `json:"quarantined"`
	PoisonPills      int                    `json:"poison_pills"`
	RecentFailures   int                    `json:"recent_failures"`
	TopReasons       []ReasonCount          `json:"top_reasons"`
}
