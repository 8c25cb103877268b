// Package main runs the fundpulse server: the websocket event gateway, the
// simulation engine and the REST control surface in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/fundpulse/database/connect"
	"github.com/nmxmxh/fundpulse/internal/config"
	"github.com/nmxmxh/fundpulse/internal/repository"
	"github.com/nmxmxh/fundpulse/internal/repository/memory"
	"github.com/nmxmxh/fundpulse/internal/repository/postgres"
	"github.com/nmxmxh/fundpulse/internal/server/rest"
	"github.com/nmxmxh/fundpulse/internal/server/ws"
	"github.com/nmxmxh/fundpulse/internal/service/donation"
	"github.com/nmxmxh/fundpulse/internal/service/simulation"
	"github.com/nmxmxh/fundpulse/internal/service/stats"
	"github.com/nmxmxh/fundpulse/pkg/feature"
	"github.com/nmxmxh/fundpulse/pkg/health"
	"github.com/nmxmxh/fundpulse/pkg/lifecycle"
	"github.com/nmxmxh/fundpulse/pkg/logger"
	"github.com/nmxmxh/fundpulse/pkg/redis"
	"github.com/nmxmxh/fundpulse/pkg/tracing"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	log, err := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: cfg.AppName,
		InstanceID:  cfg.InstanceID,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("server stopped gracefully")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    cfg.AppName,
		ServiceVersion: "1.0.0",
		Environment:    cfg.AppEnv,
		Endpoint:       cfg.OTELEndpoint,
		Disabled:       cfg.OTELDisabled,
	})
	if err != nil {
		log.Warn("Failed to initialize tracing, continuing without it", zap.Error(err))
	} else {
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				log.Warn("Failed to shutdown tracing", zap.Error(err))
			}
		}()
	}

	hc := health.NewHealthChecker(2 * time.Second)

	base, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()
	store := repository.NewGuarded(base, repository.DefaultBreakerSettings(), log)
	hc.Register(store)

	flags := feature.NewManager()
	flags.Register(feature.Simulation, cfg.SimulationEnabled)
	flags.Register(feature.Relay, cfg.RedisEnabled())

	var (
		rdb       *redis.Client
		statsOpts []stats.Option
	)
	if cfg.RedisEnabled() {
		rdb, err = redis.NewClient(ctx, redis.Config{
			Host:         cfg.RedisHost,
			Port:         cfg.RedisPort,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     cfg.RedisPoolSize,
			MinIdleConns: cfg.RedisMinIdleConns,
			MaxRetries:   cfg.RedisMaxRetries,
		}, log)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()
		hc.Register(health.NewPingCheck("redis", rdb))
		statsOpts = append(statsOpts, stats.WithCache(redis.NewCache(rdb, redis.NamespaceCache, redis.ContextStats)))
	} else {
		log.Info("REDIS_HOST not set, running single-instance without relay")
	}

	agg := stats.NewAggregator(store, log, statsOpts...)
	if !agg.Warm(ctx) {
		if _, err := agg.Reconcile(ctx); err != nil {
			log.Warn("initial stats reconciliation failed", zap.Error(err))
		}
	}
	if err := agg.Start(cfg.StatsReconcileSpec); err != nil {
		return fmt.Errorf("invalid STATS_RECONCILE_SPEC: %w", err)
	}
	defer agg.Stop()

	registry := ws.NewRegistry(log)
	bc := ws.NewBroadcaster(registry, log)

	g, gctx := errgroup.WithContext(ctx)
	var relayWorker *lifecycle.Worker
	if rdb != nil {
		relay := ws.NewRelay(rdb, cfg.InstanceID, bc, flags, log)
		bc.UseRelay(relay)
		relayWorker = lifecycle.NewWorker("relay", relay.Run, log)
		if err := relayWorker.Start(gctx); err != nil {
			return err
		}
		hc.Register(relayWorker)
	}

	proc := donation.NewProcessor(store, agg, bc, log)
	engine := simulation.NewEngine(simulation.Config{
		Donation:       simulation.Interval{Min: cfg.SimDonationMin, Max: cfg.SimDonationMax},
		Progress:       simulation.Interval{Min: cfg.SimProgressMin, Max: cfg.SimProgressMax},
		Campaign:       simulation.Interval{Min: cfg.SimCampaignMin, Max: cfg.SimCampaignMax},
		Seed:           cfg.SimSeed,
		MaxRestarts:    cfg.SimMaxRestarts,
		RestartBackoff: simulation.DefaultConfig().RestartBackoff,
		TickTimeout:    simulation.DefaultConfig().TickTimeout,
	}, store, proc, agg, bc, flags, log)

	clientCfg := ws.DefaultClientConfig()
	clientCfg.PingInterval = cfg.WSPingInterval
	clientCfg.PongWait = cfg.WSPongWait
	clientCfg.WriteWait = cfg.WSWriteWait
	clientCfg.SendBuffer = cfg.WSSendBuffer

	gateway := ws.NewGateway(registry, bc, agg, engine, proc, log)
	srv := &http.Server{
		Addr: ":" + cfg.AppPort,
		Handler: rest.NewRouter(rest.Deps{
			Simulation: engine,
			Stats:      agg,
			Health:     hc,
			WebSocket:  ws.NewHandler(gctx, registry, gateway, cfg.JWTSecret, cfg.WSAllowedOrigins, clientCfg, log),
			JWTSecret:  cfg.JWTSecret,
			Log:        log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info("Starting HTTP server for REST/WebSocket",
			zap.String("address", srv.Addr),
			zap.String("store", cfg.Store),
			zap.String("instance_id", cfg.InstanceID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Received shutdown signal")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(sctx); err != nil {
			log.Warn("HTTP shutdown incomplete", zap.Error(err))
		}
		// Hijacked websocket connections are not covered by Shutdown.
		registry.CloseAll()
		if _, err := engine.Stop(sctx); err != nil {
			log.Warn("simulation did not stop in time", zap.Error(err))
		}
		proc.Wait()
		if relayWorker != nil {
			if err := relayWorker.Stop(sctx); err != nil {
				log.Warn("relay did not stop in time", zap.Error(err))
			}
		}
		return nil
	})

	return g.Wait()
}

// openStore selects the persistence backend. The returned func releases it.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (repository.Gateway, func(), error) {
	if cfg.Store != config.StorePostgres {
		log.Info("using in-memory store")
		return memory.New(), func() {}, nil
	}
	db, err := connect.ConnectPostgres(ctx, log, cfg)
	if err != nil {
		return nil, nil, err
	}
	gw := postgres.New(db, log)
	if err := gw.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return gw, func() {
		if err := db.Close(); err != nil {
			log.Warn("failed to close database", zap.Error(err))
		}
	}, nil
}
