package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alfredjeanlab/eventually/internal/config"
	"github.com/alfredjeanlab/eventually/internal/feed"
	"github.com/alfredjeanlab/eventually/internal/health"
	"github.com/alfredjeanlab/eventually/internal/ingest"
	"github.com/alfredjeanlab/eventually/internal/poller"
	"github.com/alfredjeanlab/eventually/internal/store"
	"github.com/alfredjeanlab/eventually/internal/store/postgres"
	archive "github.com/alfredjeanlab/eventually/internal/sync"
)

// pipeline is the set of components shared by run and rescan.
type pipeline struct {
	store  store.Store
	engine *ingest.Engine
	feed   *feed.Client
	health *health.Tracker
	poller *poller.Poller
}

// newPipeline connects to PostgreSQL and wires the engine, feed client and
// poller from cfg. The caller closes p.store.
func newPipeline(cfg *config.Config, logger *slog.Logger) (*pipeline, error) {
	endpoints, err := feed.LoadEndpoints(cfg.SourcesFile)
	if err != nil {
		return nil, err
	}
	volatile, err := cfg.Volatile()
	if err != nil {
		return nil, err
	}

	s, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	p := &pipeline{
		store:  s,
		engine: ingest.NewEngine(s, logger, ingest.WithVolatile(volatile)),
		feed:   feed.New(endpoints, feed.WithUserAgent(cfg.UserAgent), feed.WithPageSize(cfg.PageSize)),
		health: health.New(nil),
	}
	p.poller = poller.New(p.feed, p.engine, s, poller.Config{
		PollDelay:        cfg.PollDelay,
		LibraryPollDelay: cfg.LibraryPollDelay,
		Logger:           logger,
		Health:           p.health,
	})
	return p, nil
}

// syncDestinations builds the configured export destinations. A destination
// that cannot be created is logged and left out.
func syncDestinations(ctx context.Context, cfg *config.Config, logger *slog.Logger) []archive.Destination {
	var dests []archive.Destination
	if cfg.SyncS3Bucket != "" {
		d, err := archive.NewS3Destination(ctx, archive.S3Config{
			Bucket:   cfg.SyncS3Bucket,
			Key:      cfg.SyncS3Key,
			Region:   cfg.SyncS3Region,
			Endpoint: cfg.SyncS3Endpoint,
		})
		if err != nil {
			logger.Error("failed to create S3 sync destination", "err", err)
		} else {
			dests = append(dests, d)
			logger.Info("sync S3 destination enabled", "bucket", cfg.SyncS3Bucket, "key", cfg.SyncS3Key)
		}
	}
	if cfg.SyncGitRepo != "" {
		dests = append(dests, archive.NewGitDestination(cfg.SyncGitRepo, cfg.SyncGitFile, cfg.SyncGitBranch))
		logger.Info("sync git destination enabled", "repo", cfg.SyncGitRepo, "file", cfg.SyncGitFile)
	}
	return dests
}

func closeStore(s store.Store, logger *slog.Logger) {
	if err := s.Close(); err != nil {
		logger.Error("error closing store", "err", err)
	}
}

func errNoDestinations() error {
	return fmt.Errorf("no sync destinations configured (set EVENTUALLY_SYNC_S3_BUCKET or EVENTUALLY_SYNC_GIT_REPO)")
}
