package store

import (
	"context"
	"errors"
	"time"

	"github.com/alfredjeanlab/eventually/internal/model"
)

// Notification channels.
const (
	ChannelNewEvents     = "new_events"
	ChannelChangedEvents = "changed_events"
)

// ErrNotFound is returned when a requested document or version does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface for documents and their versions.
type Store interface {
	// Documents
	UpsertDocument(ctx context.Context, id string, object model.Record) (inserted bool, err error)
	GetDocument(ctx context.Context, id string) (model.Record, error)
	ListDocuments(ctx context.Context) ([]*model.Document, error)
	ScanRedacted(ctx context.Context) ([]*model.Document, error)

	// Versions
	InsertVersion(ctx context.Context, docID string, object model.Record, observed time.Time) (hash string, err error)
	GetVersion(ctx context.Context, hash string) (*model.Version, error)
	ListVersions(ctx context.Context, docID string) ([]*model.Version, error)

	// Notify publishes payload on channel. Inside a transaction delivery
	// happens on commit.
	Notify(ctx context.Context, channel, payload string) error

	// Transaction support
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	// Lifecycle
	Close() error
}
