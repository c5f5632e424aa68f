package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacobxo0/AIforsikring-sub000/internal/broker"
	"github.com/jacobxo0/AIforsikring-sub000/internal/config"
	"github.com/jacobxo0/AIforsikring-sub000/internal/mock"
	"github.com/jacobxo0/AIforsikring-sub000/internal/stream"
)

func main() {
	mockMode := flag.Bool("mock", false, "Publish synthetic events instead of waiting for producers")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	logger := newLogger(cfg.Log)

	b := broker.New(broker.Options{
		HeartbeatInterval: cfg.Broker.HeartbeatInterval.Std(),
		SweepInterval:     cfg.Broker.SweepInterval.Std(),
		StaleAfter:        cfg.Broker.StaleAfter.Std(),
		BufferLimit:       cfg.Broker.BufferLimit,
		BufferRetention:   cfg.Broker.BufferRetention.Std(),
		MaxConnections:    cfg.Broker.MaxConnections,
	}, logger.With().Str("component", "broker").Logger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	if *mockMode {
		logger.Info().Msg("starting in mock mode")
		gen := mock.NewGenerator(b, logger.With().Str("component", "mock").Logger())
		gen.Start(ctx)
	}

	server := stream.NewServer(b, cfg.Server.AllowedOrigins, logger.With().Str("component", "stream").Logger())
	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutting down")
		cancel()
		b.Stop()
		os.Exit(0)
	}()

	if err := stream.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux, logger); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

// loadConfig falls back to built-in defaults when the default config file is
// absent; an explicitly named but unreadable file is still an error.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr)
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
