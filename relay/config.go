package relay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tailored-agentic-units/relay/deadletter"
	"github.com/tailored-agentic-units/relay/dispatch"
	"github.com/tailored-agentic-units/relay/health"
	"github.com/tailored-agentic-units/relay/platform"
	"github.com/tailored-agentic-units/relay/queue"
	"github.com/tailored-agentic-units/relay/realtime"
	"github.com/tailored-agentic-units/relay/rpc"
	"github.com/tailored-agentic-units/relay/telemetry"
)

// RedisConfig locates the Redis server backing the durable queue.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Password string `json:"-" yaml:"-"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
}

func (c *RedisConfig) Merge(source *RedisConfig) {
	if source.Addr != "" {
		c.Addr = source.Addr
	}
	if source.Password != "" {
		c.Password = source.Password
	}
	if source.DB > 0 {
		c.DB = source.DB
	}
}

// StorageConfig selects dead-letter persistence. An empty SQLitePath keeps
// entries in memory.
type StorageConfig struct {
	SQLitePath string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty"`
}

// RoutingConfig adds operations to the built-in taxonomy.
type RoutingConfig struct {
	Realtime []string `json:"realtime,omitempty" yaml:"realtime,omitempty"`
	Durable  []string `json:"durable,omitempty" yaml:"durable,omitempty"`
	Hybrid   []string `json:"hybrid,omitempty" yaml:"hybrid,omitempty"`
}

func (c RoutingConfig) empty() bool {
	return len(c.Realtime) == 0 && len(c.Durable) == 0 && len(c.Hybrid) == 0
}

// Taxonomy returns the built-in table with c applied on top.
func (c RoutingConfig) Taxonomy() dispatch.Taxonomy {
	t := dispatch.DefaultTaxonomy()
	for op, lane := range dispatch.NewTaxonomy(c.Realtime, c.Durable, c.Hybrid) {
		t[op] = lane
	}
	return t
}

// Config holds initialization parameters for every relay subsystem.
type Config struct {
	ListenAddr      string        `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty"`

	// Observers names registered observability observers receiving events.
	Observers []string `json:"observers,omitempty" yaml:"observers,omitempty"`

	Redis      RedisConfig       `json:"redis" yaml:"redis"`
	Queue      queue.Config      `json:"queue" yaml:"queue"`
	Realtime   realtime.Config   `json:"realtime" yaml:"realtime"`
	Platform   platform.Config   `json:"platform" yaml:"platform"`
	Health     health.Config     `json:"health" yaml:"health"`
	DeadLetter deadletter.Config `json:"dead_letter" yaml:"dead_letter"`
	Storage    StorageConfig     `json:"storage" yaml:"storage"`
	Dispatch   dispatch.Config   `json:"dispatch" yaml:"dispatch"`
	Routing    RoutingConfig     `json:"routing" yaml:"routing"`
	RPC        rpc.Config        `json:"-" yaml:"-"`
	Telemetry  telemetry.Config  `json:"telemetry" yaml:"telemetry"`
}

// DefaultConfig returns a Config with sensible defaults for all subsystems.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		ShutdownTimeout: 10 * time.Second,
		Observers:       []string{"slog"},
		Redis:           RedisConfig{Addr: "localhost:6379"},
		Queue:           queue.DefaultConfig(),
		Realtime:        realtime.DefaultConfig(),
		Platform:        platform.DefaultConfig(),
		Health:          health.DefaultConfig(),
		DeadLetter:      deadletter.DefaultConfig(),
		Dispatch:        dispatch.DefaultConfig(),
		Telemetry:       telemetry.DefaultConfig(),
	}
}

// Merge applies non-zero values from source into c, delegating to each
// subsystem's Merge method.
func (c *Config) Merge(source *Config) {
	if source.ListenAddr != "" {
		c.ListenAddr = source.ListenAddr
	}
	if source.ShutdownTimeout > 0 {
		c.ShutdownTimeout = source.ShutdownTimeout
	}
	if len(source.Observers) > 0 {
		c.Observers = source.Observers
	}

	c.Redis.Merge(&source.Redis)
	c.Queue.Merge(&source.Queue)
	c.Realtime.Merge(&source.Realtime)
	c.Platform.Merge(&source.Platform)
	c.Health.Merge(&source.Health)
	c.DeadLetter.Merge(&source.DeadLetter)
	c.Dispatch.Merge(&source.Dispatch)
	c.RPC.Merge(&source.RPC)
	c.Telemetry.Merge(&source.Telemetry)

	if source.Storage.SQLitePath != "" {
		c.Storage.SQLitePath = source.Storage.SQLitePath
	}
	if !source.Routing.empty() {
		c.Routing = source.Routing
	}
}

// LoadConfig reads a JSON or YAML config file, merges it with defaults, and
// returns the resulting Config. Files ending in .yaml or .yml are YAML.
func LoadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var loaded Config
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &loaded)
	default:
		err = json.Unmarshal(data, &loaded)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Merge(&loaded)
	return &cfg, nil
}
