// Gateway entry point: loads space configuration, wires the registry,
// matcher, audit trail and routing core, starts the HTTP/WebSocket
// listener, spawns configured stdio participants, and handles graceful
// shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mew-protocol/mew/internal/audit"
	"github.com/mew-protocol/mew/internal/capability"
	"github.com/mew-protocol/mew/internal/config"
	"github.com/mew-protocol/mew/internal/gateway"
	"github.com/mew-protocol/mew/internal/registry"
	"github.com/mew-protocol/mew/internal/transport"
)

const defaultConfigPath = "config/space.yaml"

// shutdownGrace bounds how long shutdown waits for goroutines to drain.
const shutdownGrace = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := newLogger(cfg.Gateway.Debug)
	log.Info().Str("space", cfg.Space).Str("listen", cfg.Gateway.Listen).Msg("starting gateway")

	auditLog, err := audit.New(cfg.Gateway.LogsDir, cfg.Gateway.AuditMaxSizeMB)
	if err != nil {
		return fmt.Errorf("failed to open audit streams: %w", err)
	}
	defer auditLog.Close()

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	matcher := capability.NewMatcher(0)
	gw := gateway.New(cfg, reg, matcher, auditLog, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.Start(ctx)

	listener, err := net.Listen("tcp", cfg.Gateway.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Gateway.Listen, err)
	}

	server := transport.NewServer(gw, cfg.Space, cfg.Gateway.MaxEnvelopeBytes, log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Serve(ctx, listener); err != nil {
			log.Error().Err(err).Msg("http server failed")
			cancel()
		}
	}()

	// Participants with a spawn command are started by the gateway itself
	// and attached over stdio. They still join like any other peer.
	for _, pc := range cfg.Participants {
		if len(pc.Spawn) == 0 {
			continue
		}
		ch, err := transport.Spawn(ctx, pc.Spawn, log)
		if err != nil {
			log.Error().Err(err).Str("participant", pc.ID).Msg("failed to spawn participant")
			continue
		}
		log.Info().Str("participant", pc.ID).Str("channel", ch.Description()).Msg("spawned participant")
		wg.Add(1)
		go func(ch transport.Channel) {
			defer wg.Done()
			gw.ServeChannel(ctx, ch)
		}(ch)
	}

	// Block until a termination signal or a fatal server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	cancel()
	gw.Shutdown()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("gateway stopped")
	case <-time.After(shutdownGrace):
		log.Warn().Msg("shutdown grace period expired")
	}
	return nil
}

// loadConfig resolves the configuration source: explicit argument, the
// conventional path, or built-in defaults.
func loadConfig() (*config.Config, error) {
	if len(os.Args) > 1 {
		return config.Load(os.Args[1])
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return config.Load(defaultConfigPath)
	}
	return config.Default(), nil
}

// buildRegistry seeds the participant table from configuration,
// including tokens from the optional stored token file.
func buildRegistry(cfg *config.Config) (*registry.Registry, error) {
	tokens, err := cfg.LoadTokens()
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	for _, pc := range cfg.Participants {
		if err := reg.Register(registry.Seed{
			ID:           pc.ID,
			DisplayName:  pc.DisplayName,
			Tokens:       tokens[pc.ID],
			Capabilities: pc.Capabilities,
		}); err != nil {
			return nil, fmt.Errorf("failed to register %q: %w", pc.ID, err)
		}
	}
	return reg, nil
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()
}
