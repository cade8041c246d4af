// Entry point for a tickvault storage node. It opens the shard host over
// the data directory, serves the shard-level HTTP API the router dials,
// and runs retention compaction in the background.
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

	"github.com/tickvault/tickvault/internal/config"
	"github.com/tickvault/tickvault/internal/server"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		listen     = flag.String("listen", "", "listen address, overrides config")
		dataDir    = flag.String("data-dir", "", "data directory, overrides config")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fallback := zerolog.New(os.Stderr)
			fallback.Fatal().Err(err).Msg("loading config")
		}
	}
	if *listen != "" {
		cfg.NodeListen = *listen
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	log := newLogger(cfg.LogLevel).With().Str("service", "tickvault-node").Logger()

	host, err := server.NewHost(server.HostOptions{
		DataDir:   cfg.DataDir,
		RecordCap: cfg.Store.RecordCap,
		Sync:      cfg.Store.Sync,
		Logger:    log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("opening shard host")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Store.Retention > 0 {
		go runRetention(ctx, log, host, cfg.Store.Retention, cfg.Store.CompactInterval)
	}

	srv := &http.Server{
		Addr:    cfg.NodeListen,
		Handler: server.NewHTTP(host, log).Handler(),
	}
	go func() {
		log.Info().Str("addr", cfg.NodeListen).Str("data_dir", cfg.DataDir).Msg("node listening")
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
	if err := host.Close(); err != nil {
		log.Warn().Err(err).Msg("closing shard host")
	}
}

// runRetention periodically drops superseded versions older than the
// retention window. The newest version of every key is always kept.
func runRetention(ctx context.Context, log zerolog.Logger, host *server.Host, retention, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention).UnixMilli()
			n, err := host.CompactRetention(cutoff)
			if err != nil {
				log.Warn().Err(err).Msg("retention compaction failed")
				continue
			}
			if n > 0 {
				log.Info().Int("removed", n).Int64("cutoff", cutoff).Msg("retention compaction")
			}
		}
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}
