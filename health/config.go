package health

import (
	"time"

	"github.com/tailored-agentic-units/relay/breaker"
)

// Config holds monitor initialization parameters.
type Config struct {
	// CacheTTL is how long a computed SystemHealth snapshot is reused.
	CacheTTL time.Duration `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`

	// StartupGracePeriod reports every protocol healthy without probing
	// while dependencies are still connecting. A negative value disables it.
	StartupGracePeriod time.Duration `json:"startup_grace_period,omitempty" yaml:"startup_grace_period,omitempty"`

	// SummaryInterval is the cadence of the health summary log line.
	SummaryInterval time.Duration `json:"summary_interval,omitempty" yaml:"summary_interval,omitempty"`

	// MemoryLimitBytes is the heap size above which the process counts as overloaded.
	MemoryLimitBytes uint64 `json:"memory_limit_bytes,omitempty" yaml:"memory_limit_bytes,omitempty"`

	// OpenBreakerLimit is the number of simultaneously open breakers that
	// counts as overloaded.
	OpenBreakerLimit int `json:"open_breaker_limit,omitempty" yaml:"open_breaker_limit,omitempty"`

	// Breaker configures every per-protocol breaker.
	Breaker breaker.Config `json:"breaker" yaml:"breaker"`
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		CacheTTL:           5 * time.Second,
		StartupGracePeriod: 15 * time.Second,
		SummaryInterval:    time.Minute,
		MemoryLimitBytes:   500 * 1024 * 1024,
		OpenBreakerLimit:   2,
		Breaker:            breaker.DefaultConfig(),
	}
}

// Merge applies non-zero values from source into c. A negative
// StartupGracePeriod is applied as-is.
func (c *Config) Merge(source *Config) {
	if source.CacheTTL > 0 {
		c.CacheTTL = source.CacheTTL
	}
	if source.StartupGracePeriod != 0 {
		c.StartupGracePeriod = source.StartupGracePeriod
	}
	if source.SummaryInterval > 0 {
		c.SummaryInterval = source.SummaryInterval
	}
	if source.MemoryLimitBytes > 0 {
		c.MemoryLimitBytes = source.MemoryLimitBytes
	}
	if source.OpenBreakerLimit > 0 {
		c.OpenBreakerLimit = source.OpenBreakerLimit
	}
	c.Breaker.Merge(&source.Breaker)
}
