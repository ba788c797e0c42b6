package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"

	"example.com/conversion-relay/internal/collector"
	"example.com/conversion-relay/internal/commerce"
	"example.com/conversion-relay/internal/config"
	"example.com/conversion-relay/internal/customevent"
	"example.com/conversion-relay/internal/guard"
	"example.com/conversion-relay/internal/httpapi"
	"example.com/conversion-relay/internal/identity"
	"example.com/conversion-relay/internal/kvstore"
	"example.com/conversion-relay/internal/logging"
	"example.com/conversion-relay/internal/metrics"
	"example.com/conversion-relay/internal/payload"
	"example.com/conversion-relay/internal/pending"
	"example.com/conversion-relay/internal/sqliteutil"
	"example.com/conversion-relay/internal/tracking"
)

func main() {
	cfg := config.Parse()
	var (
		dbPath  = flag.String("db", cfg.DBPath, "path to the shop sqlite database file")
		addr    = flag.String("addr", cfg.Addr, "HTTP listen address for the relay API")
		backend = flag.String("store", cfg.Store, "tracking state backend: sqlite, postgres, redis or memory")
	)
	flag.Parse()

	ctx := context.Background()
	logger := logging.New()
	settings := cfg.Settings

	db, err := sqliteutil.Open(*dbPath)
	if err != nil {
		logger.Error("open shop db failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	shop := commerce.NewStore(db)
	if err := shop.Init(ctx); err != nil {
		logger.Error("init shop schema failed", "error", err)
		os.Exit(1)
	}

	kv, err := openStore(ctx, *backend, db, cfg)
	if err != nil {
		logger.Error("open tracking store failed", "store", *backend, "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	m := metrics.New()
	resolver := identity.NewResolver(settings.MeasurementID, logger.With("component", "identity"))
	client := collector.NewClient(collector.Config{
		MeasurementID: settings.MeasurementID,
		APISecret:     settings.Secret(),
		BaseURL:       settings.CollectorURL,
		Timeout:       settings.CollectorTimeout,
	}, resolver, m, logger.With("component", "collector"))

	g := guard.New(kv, m)
	queue := pending.NewQueue(kv, m, logger.With("component", "pending"))
	builder := payload.NewBuilder(shop, settings.ShopName, logger.With("component", "payload"))

	trackerLogger := logger.With("component", "tracking")
	pipeline := tracking.NewPipeline(
		tracking.NewServerSide(settings, g, shop, builder, client, trackerLogger),
		tracking.NewConversion(settings, g, shop, builder, queue, kv, trackerLogger),
		tracking.NewPageTracker(settings, g, builder, trackerLogger),
		queue,
		trackerLogger,
	)
	events := customevent.NewRouter(settings.ServerSideTracking, client, m, logger.With("component", "customevent"))
	shopAPI := commerce.NewServer(shop, pipeline, logger.With("component", "shop.http")).Router()

	secret := cfg.NonceSecret
	if secret == "" {
		secret = uuid.NewString()
		logger.Warn("NONCE_SECRET not set, nonces will not survive a restart")
	}

	serverLogger := logger.With("component", "relay.http")
	server := &http.Server{
		Addr: *addr,
		Handler: httpapi.NewServer(pipeline, events, queue, shopAPI, httpapi.NewNonces(secret), m, httpapi.Options{
			HookKeys:      cfg.HookKeys,
			MaxBodyBytes:  cfg.MaxBodyBytes,
			PendingMaxAge: cfg.PendingMaxAge,
		}, serverLogger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		serverLogger.Info("relay API listening",
			"addr", *addr,
			"db", *dbPath,
			"store", *backend,
			"server_side", settings.ServerSideTracking,
			"collector_configured", client.Configured(),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverLogger.Error("relay server error", "error", err)
		}
	}()

	waitForShutdown(serverLogger, server)
}

// openStore picks the tracking state backend. The sqlite backend shares the
// shop database file.
func openStore(ctx context.Context, backend string, db *sql.DB, cfg config.Config) (kvstore.Store, error) {
	switch backend {
	case "sqlite":
		s := kvstore.NewSQLiteStore(db)
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		return kvstore.ConnectPostgres(ctx, cfg.PostgresDSN)
	case "redis":
		s := kvstore.NewRedisStore(kvstore.RedisOpts{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := s.Ping(pingCtx); err != nil {
			s.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return s, nil
	case "memory":
		return kvstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func waitForShutdown(logger *slog.Logger, server *http.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return
	}
	logger.Info("relay server stopped")
}
