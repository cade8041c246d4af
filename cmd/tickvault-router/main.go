// Entry point for the tickvault router: the load-balancing front door that
// owns the partition table, health monitor, and connection pool, and serves
// the caller and admin APIs.
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

	"github.com/tickvault/tickvault/internal/balancer"
	"github.com/tickvault/tickvault/internal/cache"
	"github.com/tickvault/tickvault/internal/config"
	"github.com/tickvault/tickvault/internal/health"
	"github.com/tickvault/tickvault/internal/partition"
	"github.com/tickvault/tickvault/internal/pool"
	"github.com/tickvault/tickvault/internal/transport"
)

func main() {
	var (
		configPath = flag.String("config", "tickvault.yaml", "path to YAML config file")
		listen     = flag.String("listen", "", "listen address, overrides config")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("loading config")
	}
	if *listen != "" {
		cfg.RouterListen = *listen
	}
	log := newLogger(cfg.LogLevel).With().Str("service", "tickvault-router").Logger()

	shards, err := partition.NewManager(cfg.SeedShards, log)
	if err != nil {
		log.Fatal().Err(err).Msg("building partition table")
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	dialer := transport.HTTPDialer(httpClient)

	connPool := pool.New(pool.Options{
		Dialer:         dialer,
		PerNodeCap:     cfg.Pool.PerNodeCap,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		PingTimeout:    cfg.Pool.PingTimeout,
		Logger:         log,
	})
	monitor := health.NewMonitor(health.Options{
		Probe:            probeVia(dialer),
		Interval:         cfg.Health.Interval,
		ProbeTimeout:     cfg.Health.ProbeTimeout,
		FailThreshold:    cfg.Health.FailThreshold,
		RecoverThreshold: cfg.Health.RecoverThreshold,
		Logger:           log,
	})

	strategy, err := balancer.NewStrategy(cfg.Balancer.Strategy)
	if err != nil {
		log.Fatal().Err(err).Msg("configuring strategy")
	}
	readCache, err := cache.New(cfg.Cache, log)
	if err != nil {
		log.Fatal().Err(err).Msg("configuring cache")
	}

	router := balancer.New(balancer.Options{
		Shards:          shards,
		Health:          monitor,
		Pool:            connPool,
		Strategy:        strategy,
		Cache:           readCache,
		CacheTTL:        cfg.Cache.TTL,
		DefaultDeadline: cfg.Balancer.DefaultDeadline,
		Logger:          log,
	})
	for _, n := range cfg.Nodes {
		router.AddNode(n.ID, n.Addr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	monitor.Start(ctx)

	srv := &http.Server{
		Addr:    cfg.RouterListen,
		Handler: balancer.NewAPI(router, log).Handler(),
	}
	go func() {
		log.Info().
			Str("addr", cfg.RouterListen).
			Int("nodes", len(cfg.Nodes)).
			Int("shards", len(cfg.SeedShards)).
			Msg("router listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	monitor.Stop()
	connPool.Close()
	if readCache != nil {
		readCache.Close()
	}
}

// probeVia builds the health probe from the transport dialer: dial and ping,
// one shot per probe.
func probeVia(dialer transport.Dialer) health.ProbeFunc {
	return func(ctx context.Context, nodeID, addr string) error {
		conn, err := dialer(ctx, nodeID, addr)
		if err != nil {
			return err
		}
		defer conn.Close()
		return conn.Ping(ctx)
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}
