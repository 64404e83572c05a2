package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tailored-agentic-units/relay/observability"
	"github.com/tailored-agentic-units/relay/relay"
	"github.com/tailored-agentic-units/relay/telemetry"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to relay config file (JSON or YAML)")
		listenAddr = flag.String("listen", "", "HTTP listen address (overrides config and env)")
		redisAddr  = flag.String("redis", "", "Redis address (overrides config and env)")
		sqlitePath = flag.String("sqlite", "", "Dead-letter SQLite database path (overrides config and env)")
		logFormat  = flag.String("log-format", "text", "Log format: text or json")
		verbose    = flag.Bool("verbose", false, "Enable verbose logging to stderr")
	)
	flag.Parse()

	cfg := relay.DefaultConfig()
	if *configFile != "" {
		loaded, err := relay.LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = *loaded
	}

	if err := relay.ApplyEnv(&cfg); err != nil {
		log.Fatalf("Failed to read environment: %v", err)
	}

	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *redisAddr != "" {
		cfg.Redis.Addr = *redisAddr
	}
	if *sqlitePath != "" {
		cfg.Storage.SQLitePath = *sqlitePath
	}

	logger, err := newLogger(*logFormat, *verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.PrintDefaults()
		os.Exit(1)
	}
	slog.SetDefault(logger)
	observability.RegisterObserver("slog", observability.NewSlogObserver(logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		log.Fatalf("Failed to set up tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("tracing shutdown failed", slog.String("error", err.Error()))
		}
	}()

	runtime, err := relay.New(cfg, relay.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to create relay runtime: %v", err)
	}

	if err := runtime.Run(ctx); err != nil {
		logger.Error("relay run failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(format string, verbose bool) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		opts.Level = slog.LevelDebug
	}

	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
