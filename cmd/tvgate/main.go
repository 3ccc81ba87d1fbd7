// Command tvgate runs the IPTV gateway: catalog sync, background health
// probing, EPG mapping, and the HLS streaming proxy behind one HTTP server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tvgate/tvgate/internal/api"
	"github.com/tvgate/tvgate/internal/catalogsync"
	"github.com/tvgate/tvgate/internal/config"
	"github.com/tvgate/tvgate/internal/epgmap"
	"github.com/tvgate/tvgate/internal/geobypass"
	"github.com/tvgate/tvgate/internal/healthworker"
	"github.com/tvgate/tvgate/internal/log"
	"github.com/tvgate/tvgate/internal/proxy"
	"github.com/tvgate/tvgate/internal/store"
	"github.com/tvgate/tvgate/internal/transcoder"
)

func main() {
	if err := config.LoadEnvFile(".env"); err != nil {
		log.Base().Warn().Err(err).Msg(".env unreadable")
	}
	cfg := config.Load()
	log.Configure(log.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger := log.WithComponent("main")

	if err := run(cfg); err != nil {
		logger.Fatal().Err(err).Msg("exiting")
	}
}

func run(cfg *config.Config) error {
	logger := log.WithComponent("main")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info().Str("db", cfg.DatabasePath).Msg("store ready")

	sync := catalogsync.New(st, cfg.IPTVAPIBase, cfg.CacheTTL(), cfg.M3UDir)
	mapper := epgmap.New(st)
	geo := geobypass.New(cfg.GeoProxies)
	px := proxy.New(st, geo)
	tc := transcoder.New(cfg.FFmpegPath, cfg.TranscodeDir())
	worker := healthworker.New(healthworker.Config{
		DataDir:      cfg.DataDir(),
		ProbeTimeout: cfg.ProbeTimeout,
	}, st)

	// Sync on startup when the catalog is empty, without delaying listen.
	if cfg.SyncOnStart {
		go func() {
			_, total, err := st.GetChannels(ctx, store.ChannelFilter{PlayableOnly: false, Page: 1, PerPage: 1})
			if err != nil {
				logger.Error().Err(err).Msg("startup catalog check failed")
				return
			}
			if total > 0 {
				logger.Info().Int("channels", total).Msg("catalog populated; skipping initial sync")
				return
			}
			logger.Info().Msg("catalog empty; syncing from upstream")
			if _, err := sync.SyncAll(ctx); err != nil {
				logger.Error().Err(err).Msg("initial sync failed")
			}
		}()
	}

	// Periodic re-sync.
	if cfg.SyncIntervalHours > 0 {
		go func() {
			ticker := time.NewTicker(time.Duration(cfg.SyncIntervalHours) * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := sync.SyncAll(ctx); err != nil {
						logger.Error().Err(err).Msg("periodic sync failed")
					}
				}
			}
		}()
	}

	worker.Start(ctx)
	go tc.RunJanitor(ctx, time.Duration(cfg.TranscodeMaxAgeMinutes)*time.Minute)

	server := api.New(cfg, st, sync, mapper, worker, tc, px)
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr()).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}

	// Teardown in reverse order of startup: worker (snapshot), remuxers,
	// store (deferred).
	worker.Stop()
	tc.StopAll()
	return nil
}
