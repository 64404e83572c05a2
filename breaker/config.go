package breaker

import "time"

// Config holds circuit breaker initialization parameters.
type Config struct {
	// FailureThreshold is the number of consecutive probe failures that
	// opens the breaker.
	FailureThreshold int `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`

	// RecoveryTimeout is how long the breaker stays OPEN before admitting a trial call.
	RecoveryTimeout time.Duration `json:"recovery_timeout,omitempty" yaml:"recovery_timeout,omitempty"`

	// MonitorInterval is the cadence of the background self-check.
	MonitorInterval time.Duration `json:"monitor_interval,omitempty" yaml:"monitor_interval,omitempty"`

	// ObservationWindow bounds the outcomes used for the error rate.
	ObservationWindow time.Duration `json:"observation_window,omitempty" yaml:"observation_window,omitempty"`

	// ProbeTimeout caps a single probe invocation.
	ProbeTimeout time.Duration `json:"probe_timeout,omitempty" yaml:"probe_timeout,omitempty"`
}

// DefaultConfig returns the breaker defaults used for every monitored protocol.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		RecoveryTimeout:   30 * time.Second,
		MonitorInterval:   30 * time.Second,
		ObservationWindow: time.Minute,
		ProbeTimeout:      5 * time.Second,
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.FailureThreshold > 0 {
		c.FailureThreshold = source.FailureThreshold
	}
	if source.RecoveryTimeout > 0 {
		c.RecoveryTimeout = source.RecoveryTimeout
	}
	if source.MonitorInterval > 0 {
		c.MonitorInterval = source.MonitorInterval
	}
	if source.ObservationWindow > 0 {
		c.ObservationWindow = source.ObservationWindow
	}
	if source.ProbeTimeout > 0 {
		c.ProbeTimeout = source.ProbeTimeout
	}
}
