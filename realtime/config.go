package realtime

import "time"

// Config defines configuration for a Hub instance.
type Config struct {
	// Hub identity
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Per-connection delivery buffer
	ChannelBufferSize int `json:"channel_buffer_size,omitempty" yaml:"channel_buffer_size,omitempty"`

	// Connections that have not authenticated within AuthTimeout are dropped.
	AuthTimeout time.Duration `json:"auth_timeout,omitempty" yaml:"auth_timeout,omitempty"`

	// Cadence of the unauthenticated-connection sweep.
	SweepInterval time.Duration `json:"sweep_interval,omitempty" yaml:"sweep_interval,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:              "relay",
		ChannelBufferSize: 100,
		AuthTimeout:       10 * time.Second,
		SweepInterval:     5 * time.Second,
	}
}

func (c *Config) Merge(source *Config) {
	if source.Name != "" {
		c.Name = source.Name
	}

	if source.ChannelBufferSize > 0 {
		c.ChannelBufferSize = source.ChannelBufferSize
	}

	if source.AuthTimeout > 0 {
		c.AuthTimeout = source.AuthTimeout
	}

	if source.SweepInterval > 0 {
		c.SweepInterval = source.SweepInterval
	}
}
