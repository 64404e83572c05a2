package relay

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const envPrefix = "RELAY_"

// envConfig lists the settings that may come from the environment. Secrets
// only ever arrive this way or through flags.
type envConfig struct {
	ListenAddr         string        `env:"LISTEN_ADDR"`
	RedisAddr          string        `env:"REDIS_ADDR"`
	RedisPassword      string        `env:"REDIS_PASSWORD"`
	RedisDB            int           `env:"REDIS_DB"`
	PlatformBaseURL    string        `env:"PLATFORM_BASE_URL"`
	PlatformToken      string        `env:"PLATFORM_TOKEN"`
	AdminToken         string        `env:"ADMIN_TOKEN"`
	WorkerToken        string        `env:"WORKER_TOKEN"`
	SQLitePath         string        `env:"SQLITE_PATH"`
	OTelEndpoint       string        `env:"OTEL_ENDPOINT"`
	StartupGracePeriod time.Duration `env:"STARTUP_GRACE_PERIOD"`
}

// ApplyEnv overlays RELAY_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var e envConfig
	if err := env.ParseWithOptions(&e, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	var overlay Config
	overlay.ListenAddr = e.ListenAddr
	overlay.Redis = RedisConfig{Addr: e.RedisAddr, Password: e.RedisPassword, DB: e.RedisDB}
	overlay.Platform.BaseURL = e.PlatformBaseURL
	overlay.Platform.Token = e.PlatformToken
	overlay.RPC.AdminToken = e.AdminToken
	overlay.RPC.WorkerToken = e.WorkerToken
	overlay.Storage.SQLitePath = e.SQLitePath
	overlay.Telemetry.Endpoint = e.OTelEndpoint
	overlay.Health.StartupGracePeriod = e.StartupGracePeriod

	cfg.Merge(&overlay)
	return nil
}
