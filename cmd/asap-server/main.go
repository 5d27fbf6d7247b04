// SPDX-License-Identifier: LGPL-3.0-or-later

// Command asap-server runs the reference ASAP transport server: the
// JSON-RPC-over-HTTP/WebSocket request pipeline, a task.request/
// task.response echo handler for local testing, and (when metering is
// enabled in the config file) the usage REST surface. Modeled on the
// teacher's cmd/sage-did main: stdlib flag for the entrypoint, config.Load
// for layered YAML/env configuration, and a signal-driven graceful
// shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/asap-project/asap-go/config"
	"github.com/asap-project/asap-go/envelope"
	"github.com/asap-project/asap-go/handler"
	"github.com/asap-project/asap-go/internal/authutil"
	"github.com/asap-project/asap-go/internal/logger"
	"github.com/asap-project/asap-go/manifest"
	"github.com/asap-project/asap-go/metering"
	"github.com/asap-project/asap-go/transport/httpserver"
	"github.com/asap-project/asap-go/validation"
)

func main() {
	configPath := flag.String("config", "", "path to an ASAP server config YAML file")
	agentURN := flag.String("agent", "urn:asap:agent:reference-server", "this agent's URN, used as the manifest identity")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "asap-server: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewDefaultLogger().WithFields(logger.String("component", "asap-server"))

	store, err := openMeteringStore(cfg.Metering)
	if err != nil {
		log.Error("metering store unavailable", logger.Error(err))
		os.Exit(1)
	}
	if store != nil {
		defer store.Close()
	}

	registry := handler.NewRegistry()
	registerEchoHandler(registry)
	pool := handler.NewPool(registry, cfg.Server.MaxHandlerThreads)

	var auth httpserver.Authenticator
	if secret := os.Getenv("ASAP_BEARER_SECRET"); secret != "" {
		auth = authutil.NewHS256Validator([]byte(secret), 0)
	}

	serverCfg := httpserver.Config{
		AgentURN:             *agentURN,
		Manifest:             referenceManifest(*agentURN, cfg),
		MaxBodyBytes:         cfg.Server.MaxBodyBytes,
		MaxDecompressedBytes: cfg.Compression.MaxDecompressedBytes,
		CompressionThreshold: cfg.Compression.ThresholdBytes,
		RateLimitRPS:         rate.Limit(cfg.Server.RateLimitRPS),
		RateLimitBurst:       cfg.Server.RateLimitBurst,
		DebugMode:            cfg.Server.DebugMode,
	}
	validationCfg := validation.Config{
		MaxEnvelopeAge:       cfg.Validation.MaxEnvelopeAge,
		MaxFutureTolerance:   cfg.Validation.MaxFutureTolerance,
		RequireNonce:         cfg.Validation.RequireNonce,
		NonceTTL:             cfg.Validation.NonceTTL,
		NonceCleanupInterval: cfg.Validation.NonceCleanupInterval,
	}
	pipeline := validation.New(validationCfg)
	defer pipeline.Close()

	srv := httpserver.New(serverCfg, pipeline, pool, auth, store)

	httpSrv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: srv,
	}

	go func() {
		log.Info("asap-server listening", logger.String("addr", cfg.Server.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server exited", logger.Error(err))
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	srv.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", logger.Error(err))
	}
}

// registerEchoHandler wires the "echo" skill referenced by the spec's
// happy-path scenario (§8.1): it answers task.request with a completed
// task.response whose result echoes the request's input.
func registerEchoHandler(registry *handler.Registry) {
	echo := func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
		body, err := env.Payload()
		if err != nil {
			return nil, err
		}
		input, _ := body["input"].(map[string]any)
		return envelope.Reply(env, env.Recipient(), "task.response", map[string]any{
			"task_id": env.ID(),
			"status":  "completed",
			"result":  map[string]any{"echoed": input},
		})
	}
	registry.Register("task.request", echo)
	registry.Register("TaskRequest", echo)
}

func openMeteringStore(cfg config.MeteringConfig) (metering.Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Backend {
	case "memory":
		return metering.NewMemoryStore(cfg.RetentionTTL), nil
	case "sqlite":
		return metering.OpenSQLiteStore(context.Background(), cfg.SQLitePath, cfg.RetentionTTL)
	case "postgres":
		ctx := context.Background()
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("asap-server: connect postgres: %w", err)
		}
		store := metering.NewPostgresStore(pool, cfg.RetentionTTL)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("asap-server: migrate postgres: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("asap-server: unsupported metering backend %q", cfg.Backend)
	}
}

func referenceManifest(agentURN string, cfg *config.Config) *manifest.Manifest {
	return &manifest.Manifest{
		AgentURN:        agentURN,
		DisplayName:     "ASAP reference server",
		Skills:          []string{"echo"},
		ProtocolVersion: envelope.ProtocolVersion,
		Endpoint:        "http://" + cfg.Server.ListenAddr + "/asap",
		WebSocketEndpoint: "ws://" + cfg.Server.ListenAddr + "/asap/ws",
		RequiresAuth:    os.Getenv("ASAP_BEARER_SECRET") != "",
	}
}
