package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mypostal/fairqueue/config"
	"github.com/mypostal/fairqueue/coordination"
	"github.com/mypostal/fairqueue/dispatch"
	"github.com/mypostal/fairqueue/poller"
	"github.com/mypostal/fairqueue/registry"
	"github.com/mypostal/fairqueue/store"
	"github.com/mypostal/fairqueue/streaming"
	"github.com/mypostal/fairqueue/timeline"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Info().Str("node_id", cfg.NodeID).Msg("starting fairqueue")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts, closeStore := newTaskStore(ctx, cfg)
	defer closeStore()

	coord, closeCoord := newCoordinator(cfg)
	defer closeCoord()

	publisher := streaming.NewLogPublisher()
	defer publisher.Close()

	reg := registry.New()
	for _, sp := range cfg.Services {
		handler := demoHandler(sp.ServiceName)
		if err := reg.Register(registry.Policy{
			ServiceName:    sp.ServiceName,
			PerSKULimit:    sp.PerSKULimit,
			MaxConcurrency: sp.MaxConcurrency,
		}, handler); err != nil {
			log.Fatal().Err(err).Str("service", sp.ServiceName).Msg("failed to register service policy")
		}
	}

	limiter := dispatch.NewTokenBucketLimiter(50, 100)
	breakers := make(map[string]*dispatch.CircuitBreaker, len(cfg.Services))
	for _, sp := range cfg.Services {
		breakers[sp.ServiceName] = dispatch.NewCircuitBreaker(sp.MaxConcurrency * 10)
	}

	admission := poller.NewMapAdmissionGate()
	tl := timeline.NewStore(50000)

	p := poller.New(ts, reg, limiter, breakers, admission, tl, publisher, poller.Config{
		TickInterval: cfg.TickInterval,
		MaxRetries:   cfg.MaxRetries,
	})

	serviceNames := make([]string, 0, len(cfg.Services))
	for _, sp := range cfg.Services {
		serviceNames = append(serviceNames, sp.ServiceName)
	}

	epochs, ok := ts.(store.DurableEpochStore)
	if !ok {
		log.Fatal().Msg("task store does not implement DurableEpochStore")
	}

	var elector *coordination.LeaderElector
	if coord != nil {
		elector = coordination.NewLeaderElector(coord, epochs, cfg.NodeID, 30*time.Second)
		janitor := coordination.NewLockJanitor(coord, epochs, cfg.JanitorInterval)
		janitor.Start(ctx)

		elector.SetCallbacks(
			func(electedCtx context.Context) {
				log.Info().Msg("elected leader, starting poller")
				go p.Run(electedCtx, serviceNames)
			},
			func() {
				log.Warn().Msg("lost leadership, poller's context will be canceled")
			},
		)
		elector.Start(ctx)
	} else {
		log.Warn().Msg("no coordination backend configured, running poller in standalone mode (unsafe for multi-replica deployment)")
		go p.Run(ctx, serviceNames)
	}

	sweeper := coordination.NewStuckRowSweeper(ts, serviceNames, cfg.StuckRowStaleAfter, cfg.MaxRetries, cfg.JanitorInterval)
	sweeper.Start(ctx)

	srv := newHTTPServer(cfg, ts, admission, tl)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutdown signal received, draining")
	cancel()
	if elector != nil {
		elector.Stop()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

// newTaskStore wires the store.TaskStore backend. A DATABASE_URL configures
// Postgres; anything else falls back to the in-memory store for local/demo
// use, matching the teacher's "degrade to memory if Postgres is absent"
// posture in its own dev-mode wiring.
func newTaskStore(ctx context.Context, cfg config.Config) (store.TaskStore, func()) {
	pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Warn().Err(err).Msg("postgres unavailable, falling back to in-memory task store")
		return store.NewMemoryStore(), func() {}
	}
	return pg, pg.Close
}

// newCoordinator wires the Redis-backed coordinator used for leader
// election and lock fencing. Returns nil if Redis cannot be reached, which
// drops the process to standalone mode.
func newCoordinator(cfg config.Config) (store.Coordinator, func()) {
	c, err := store.NewRedisCoordinator(cfg.RedisAddr, cfg.RedisPass, 0)
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, leader election disabled")
		return nil, func() {}
	}
	return c, func() { _ = c.Close() }
}

// demoHandler is the default handler wired for every service until a real
// downstream integration is registered. It logs the operation it would
// perform and always succeeds; swap in a real registry.Handler per service
// to do actual work.
func demoHandler(service string) registry.Handler {
	return registry.HandlerFunc(func(ctx context.Context, row store.QueueRow) error {
		log.Info().
			Str("service", service).
			Str("row_id", row.ID).
			Str("tenant_id", row.TenantID).
			Str("sku", row.ProductSKU).
			Str("operation", string(row.Operation)).
			Msg("dispatching row to demo handler")
		return nil
	})
}
