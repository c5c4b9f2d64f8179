package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/eventually/internal/config"
	"github.com/alfredjeanlab/eventually/internal/events"
	"github.com/alfredjeanlab/eventually/internal/poller"
	"github.com/alfredjeanlab/eventually/internal/server"
	archive "github.com/alfredjeanlab/eventually/internal/sync"
)

var runCmd = &cobra.Command{
	Use:     "run",
	Short:   "Poll the upstream feeds until interrupted",
	GroupID: "pipeline",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cursor, _ := cmd.Flags().GetString("cursor")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		p, err := newPipeline(cfg, logger)
		if err != nil {
			return err
		}
		defer closeStore(p.store, logger)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// Publishers fed by the notification relay.
		var publishers []events.Publisher
		if cfg.NATSURL != "" {
			pub, err := events.NewNATSPublisher(cfg.NATSURL)
			if err != nil {
				return err
			}
			defer pub.Close()
			publishers = append(publishers, pub)
			logger.Info("NATS relay enabled", "nats_url", cfg.NATSURL)
		}

		var httpServer *http.Server
		if cfg.StatusAddr != "" {
			status := server.NewStatusServer(p.health, logger)
			publishers = append(publishers, status)
			httpServer = &http.Server{
				Addr:              cfg.StatusAddr,
				Handler:           status.NewHTTPHandler(cfg.AuthToken),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				logger.Info("status server listening", "addr", cfg.StatusAddr)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("status server error", "err", err)
				}
			}()
		}

		relayDone := make(chan struct{})
		if len(publishers) > 0 {
			sub := events.NewPGSubscriber(events.NewPQListener(cfg.DatabaseURL, logger), logger)
			relay := events.NewRelay(sub, logger, publishers...)
			go func() {
				defer close(relayDone)
				if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("notification relay stopped", "err", err)
				}
				sub.Close()
			}()
		} else {
			close(relayDone)
			logger.Info("notification relay disabled (EVENTUALLY_NATS_URL and EVENTUALLY_STATUS_ADDR not set)")
		}

		var scheduler *archive.Scheduler
		if cfg.SyncInterval > 0 {
			if dests := syncDestinations(ctx, cfg, logger); len(dests) > 0 {
				scheduler = archive.NewScheduler(p.store, dests, cfg.SyncInterval, logger)
				scheduler.Start()
				logger.Info("sync scheduler started", "interval", cfg.SyncInterval)
			}
		}

		logger.Info("eventually started",
			"poll_delay", cfg.PollDelay,
			"library_poll_delay", cfg.LibraryPollDelay,
			"cursor", cursor,
		)

		err = p.poller.Run(ctx, poller.State{Cursor: cursor})
		logger.Info("shutting down", "cursor", p.health.Cursor())

		if scheduler != nil {
			scheduler.Stop()
			logger.Info("sync scheduler stopped")
		}
		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("status server shutdown error", "err", err)
			}
		}
		<-relayDone

		if errors.Is(err, context.Canceled) {
			logger.Info("shutdown complete")
			return nil
		}
		return err
	},
}

func init() {
	runCmd.Flags().String("cursor", os.Getenv("EVENTUALLY_CURSOR"), "resume the primary feed from this cursor (epoch seconds)")
}
