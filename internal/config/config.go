// Package config loads the pipeline's settings from EVENTUALLY_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/alfredjeanlab/eventually/internal/change"
)

// Prefix is prepended to every variable name below.
const Prefix = "EVENTUALLY_"

type Config struct {
	DatabaseURL string `env:"DATABASE_URL"` // required for Load

	PollDelay        time.Duration `env:"POLL_DELAY" envDefault:"5s"`
	LibraryPollDelay time.Duration `env:"LIBRARY_POLL_DELAY" envDefault:"2m"`
	PageSize         int           `env:"PAGE_SIZE" envDefault:"100"`
	UserAgent        string        `env:"USER_AGENT"`   // empty = feed.DefaultUserAgent
	SourcesFile      string        `env:"SOURCES_FILE"` // TOML endpoint overrides
	VolatilePaths    []string      `env:"VOLATILE_PATHS" envSeparator:","`

	NATSURL    string `env:"NATS_URL"`    // optional, empty = no relay
	StatusAddr string `env:"STATUS_ADDR"` // optional, empty = no status server
	AuthToken  string `env:"AUTH_TOKEN"`  // optional, empty = auth disabled
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	// Archive export settings.
	SyncInterval   time.Duration `env:"SYNC_INTERVAL" envDefault:"0s"` // 0 = disabled
	SyncS3Bucket   string        `env:"SYNC_S3_BUCKET"`                // enables S3 when set
	SyncS3Endpoint string        `env:"SYNC_S3_ENDPOINT"`              // custom endpoint for MinIO
	SyncS3Region   string        `env:"SYNC_S3_REGION" envDefault:"us-east-1"`
	SyncS3Key      string        `env:"SYNC_S3_KEY" envDefault:"eventually/archive.jsonl"`
	SyncGitRepo    string        `env:"SYNC_GIT_REPO"` // enables git when set; path to clone
	SyncGitFile    string        `env:"SYNC_GIT_FILE" envDefault:"archive.jsonl"`
	SyncGitBranch  string        `env:"SYNC_GIT_BRANCH" envDefault:"main"`
}

// Parse reads the environment without requiring a database, for commands
// that run against the in-memory store.
func Parse() (*Config, error) {
	c := &Config{}
	if err := env.ParseWithOptions(c, env.Options{Prefix: Prefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if c.PollDelay <= 0 {
		return nil, fmt.Errorf("%sPOLL_DELAY must be positive", Prefix)
	}
	if c.LibraryPollDelay <= 0 {
		return nil, fmt.Errorf("%sLIBRARY_POLL_DELAY must be positive", Prefix)
	}
	if c.PageSize <= 0 {
		return nil, fmt.Errorf("%sPAGE_SIZE must be positive", Prefix)
	}
	if c.SyncInterval < 0 {
		return nil, fmt.Errorf("%sSYNC_INTERVAL must not be negative", Prefix)
	}
	if _, err := c.Volatile(); err != nil {
		return nil, fmt.Errorf("%sVOLATILE_PATHS: %w", Prefix, err)
	}
	return c, nil
}

// Load is Parse plus the settings the pipeline service needs.
func Load() (*Config, error) {
	c, err := Parse()
	if err != nil {
		return nil, err
	}
	if c.DatabaseURL == "" {
		return nil, errors.New(Prefix + "DATABASE_URL is required")
	}
	return c, nil
}

// Volatile returns the configured volatile paths, or the defaults when none
// are set.
func (c *Config) Volatile() ([]change.Path, error) {
	if len(c.VolatilePaths) == 0 {
		return change.DefaultVolatile, nil
	}
	return change.ParsePaths(c.VolatilePaths)
}

// SyncEnabled reports whether the export scheduler should run.
func (c *Config) SyncEnabled() bool {
	return c.SyncInterval > 0 && (c.SyncS3Bucket != "" || c.SyncGitRepo != "")
}
