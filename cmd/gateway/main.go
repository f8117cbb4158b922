// UniAssist gateway server: terminates user and channel traffic, routes
// turns to providers, and streams the resulting timeline to subscribers.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/uniassist/gateway/pkg/api"
	"github.com/uniassist/gateway/pkg/broker"
	"github.com/uniassist/gateway/pkg/config"
	"github.com/uniassist/gateway/pkg/database"
	"github.com/uniassist/gateway/pkg/ingest"
	"github.com/uniassist/gateway/pkg/metrics"
	"github.com/uniassist/gateway/pkg/models"
	"github.com/uniassist/gateway/pkg/outbox"
	"github.com/uniassist/gateway/pkg/provider"
	"github.com/uniassist/gateway/pkg/routing"
	"github.com/uniassist/gateway/pkg/store"
	"github.com/uniassist/gateway/pkg/stream"
)

// resolveInstanceID determines this process's identifier for outbox claims
// and broker consumer names. Priority: POD_ID env > HOSTNAME env > "local".
func resolveInstanceID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	instanceID := resolveInstanceID()
	logger := slog.Default()
	slog.Info("Starting UniAssist gateway",
		"http_port", cfg.HTTPPort,
		"instance_id", instanceID,
		"durable", cfg.DatabaseURL != "",
		"broker", brokerName(cfg))

	ctx := context.Background()

	// 1. Store: Postgres with a hot buffer when configured, memory otherwise.
	var (
		st       store.Store
		dbClient *database.Client
	)
	if cfg.DatabaseURL != "" {
		dbClient, err = database.NewClient(ctx, cfg.DatabaseURL, database.DefaultConfig())
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()
		st = store.NewHybrid(store.NewPostgres(dbClient.DB()))
		slog.Info("Connected to PostgreSQL database")
	} else {
		st = store.NewMemory()
		slog.Warn("No DATABASE_URL set, running in non-durable memory mode")
	}

	// 2. Broker: Redis Streams when configured, in-process otherwise.
	var b broker.Broker
	if cfg.RedisURL != "" {
		b, err = broker.NewRedis(ctx, cfg.RedisURL, cfg.StreamGlobalKey, instanceID, logger)
		if err != nil {
			slog.Error("Failed to connect to redis broker", "error", err)
			os.Exit(1)
		}
	} else {
		b = broker.NewMemory()
	}
	defer func() {
		if err := b.Close(); err != nil {
			slog.Error("Error closing broker", "error", err)
		}
	}()

	m := metrics.New(prometheus.DefaultRegisterer)

	// 3. Write path: routing engine, outbox writer, ingest pipeline,
	// provider dispatcher.
	engine := routing.NewEngine(st, routing.DefaultRules(), cfg.SessionIdleThreshold, logger)
	writer := outbox.NewWriter(st, b, cfg.StreamPrefix, cfg.StreamGlobalKey, cfg.OutboxInlineDispatch, m, logger)
	pipeline := ingest.New(st, engine, writer, m, logger)

	invoker := provider.NewInvoker(cfg.ProviderURLs, cfg.ProviderTimeout, logger)
	dispatcher := provider.NewDispatcher(invoker, pipeline, m, logger)
	pipeline.SetDispatcher(dispatcher)

	// 4. Read path: stream manager fed by the broker consumer loop, which
	// also advances delivered outbox rows to consumed.
	streamMgr := stream.NewManager(st, m, logger)

	consumerCtx, consumerCancel := context.WithCancel(ctx)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		err := b.Run(consumerCtx, func(ctx context.Context, env *models.StreamEnvelope) error {
			if env.Type != models.EnvelopeTypeTimelineEvent || env.Event == nil {
				return nil
			}
			streamMgr.Broadcast(env.Event)
			if err := st.MarkOutboxConsumed(ctx, env.Event.EventID, instanceID, time.Now()); err != nil {
				return err
			}
			m.OutboxConsumed.Inc()
			return nil
		})
		if err != nil {
			slog.Error("Broker consumer stopped", "error", err)
		}
	}()

	// 5. Outbox worker pool.
	pool := outbox.NewPool(st, b, cfg.Outbox, instanceID, m, logger)
	pool.Start()

	// 6. HTTP server.
	server := api.NewServer(cfg, pipeline, streamMgr, st, dbClient, m, logger)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("UniAssist gateway started",
		"instance_id", instanceID,
		"workers", cfg.Outbox.WorkerCount)

	// 7. Wait for shutdown signal or server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown: stop intake, drain dispatches, release outbox
	// claims, then stop the consumer.
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	dispatcherDone := make(chan struct{})
	go func() {
		dispatcher.Close()
		close(dispatcherDone)
	}()
	select {
	case <-dispatcherDone:
		slog.Info("Provider dispatcher drained")
	case <-time.After(30 * time.Second):
		slog.Warn("Provider dispatcher drain timeout exceeded")
	}

	pool.Stop()

	consumerCancel()
	select {
	case <-consumerDone:
	case <-time.After(10 * time.Second):
		slog.Warn("Broker consumer stop timeout exceeded")
	}

	slog.Info("Shutdown complete")
}

func brokerName(cfg *config.Config) string {
	if cfg.RedisURL != "" {
		return "redis"
	}
	return "memory"
}
