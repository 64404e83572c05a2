package deadletter

import "time"

// Config holds dead-letter queue initialization parameters.
type Config struct {
	// MaxSize is the population bound enforced after every intake.
	MaxSize int `json:"max_size,omitempty" yaml:"max_size,omitempty"`

	// MaxRetention is the inactivity period after which a non-quarantined
	// entry is pruned.
	MaxRetention time.Duration `json:"max_retention,omitempty" yaml:"max_retention,omitempty"`

	// PruneInterval is the cadence of background pruning.
	PruneInterval time.Duration `json:"prune_interval,omitempty" yaml:"prune_interval,omitempty"`

	// HistoryLimit caps each entry's error history.
	HistoryLimit int `json:"history_limit,omitempty" yaml:"history_limit,omitempty"`

	// SignaturePrefix is how many characters of the payload JSON take part
	// in the job signature.
	SignaturePrefix int `json:"signature_prefix,omitempty" yaml:"signature_prefix,omitempty"`
}

// DefaultConfig returns the dead-letter defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:         10000,
		MaxRetention:    7 * 24 * time.Hour,
		PruneInterval:   time.Hour,
		HistoryLimit:    10,
		SignaturePrefix: 100,
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.MaxSize > 0 {
		c.MaxSize = source.MaxSize
	}
	if source.MaxRetention > 0 {
		c.MaxRetention = source.MaxRetention
	}
	if source.PruneInterval > 0 {
		c.PruneInterval = source.PruneInterval
	}
	if source.HistoryLimit > 0 {
		c.HistoryLimit = source.HistoryLimit
	}
	if source.SignaturePrefix > 0 {
		c.SignaturePrefix = source.SignaturePrefix
	}
}
