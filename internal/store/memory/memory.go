// Package memory implements store.Store in process memory. Transactions
// work on a copy of the state and notifications are delivered on commit,
// mirroring PostgreSQL's LISTEN/NOTIFY semantics.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alfredjeanlab/eventually/internal/model"
	"github.com/alfredjeanlab/eventually/internal/store"
)

// Notification is a delivered (committed) notification.
type Notification struct {
	Channel string
	Payload string
}

// Op names a store operation for failure injection.
type Op string

const (
	OpUpsert        Op = "upsert"
	OpGetDocument   Op = "get_document"
	OpInsertVersion Op = "insert_version"
	OpNotify        Op = "notify"
	OpScanRedacted  Op = "scan_redacted"
	OpListDocuments Op = "list_documents"
	OpListVersions  Op = "list_versions"
	OpCommit        Op = "commit"
)

type state struct {
	docs     map[string]model.Record
	versions []*model.Version
	nextID   int64
}

func (s *state) clone() *state {
	cp := &state{
		docs:     make(map[string]model.Record, len(s.docs)),
		versions: make([]*model.Version, len(s.versions)),
		nextID:   s.nextID,
	}
	for k, v := range s.docs {
		cp.docs[k] = v
	}
	copy(cp.versions, s.versions)
	return cp
}

// Store is an in-memory store.Store.
type Store struct {
	mu       sync.Mutex
	state    *state
	notified []Notification
	failures map[Op]error
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		state:    &state{docs: make(map[string]model.Record)},
		failures: make(map[Op]error),
	}
}

// FailOn makes every subsequent op return err. A nil err clears the failure.
func (s *Store) FailOn(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// Notifications returns the notifications delivered so far.
func (s *Store) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.notified))
	copy(out, s.notified)
	return out
}

// VersionCount returns the number of archived versions across all documents.
func (s *Store) VersionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.versions)
}

// DocumentCount returns the number of stored documents.
func (s *Store) DocumentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.docs)
}

func (s *Store) failure(op Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[op]
}

func (s *Store) UpsertDocument(ctx context.Context, id string, object model.Record) (bool, error) {
	if err := s.failure(OpUpsert); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return upsert(s.state, id, object), nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (model.Record, error) {
	if err := s.failure(OpGetDocument); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return getDocument(s.state, id)
}

func (s *Store) ListDocuments(ctx context.Context) ([]*model.Document, error) {
	if err := s.failure(OpListDocuments); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return listDocuments(s.state, nil), nil
}

func (s *Store) ScanRedacted(ctx context.Context) ([]*model.Document, error) {
	if err := s.failure(OpScanRedacted); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return listDocuments(s.state, isUnresolvedRedaction), nil
}

func (s *Store) InsertVersion(ctx context.Context, docID string, object model.Record, observed time.Time) (string, error) {
	if err := s.failure(OpInsertVersion); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertVersion(s.state, docID, object, observed)
}

func (s *Store) GetVersion(ctx context.Context, hash string) (*model.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getVersion(s.state, hash)
}

func (s *Store) ListVersions(ctx context.Context, docID string) ([]*model.Version, error) {
	if err := s.failure(OpListVersions); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return listVersions(s.state, docID), nil
}

func (s *Store) Notify(ctx context.Context, channel, payload string) error {
	if err := s.failure(OpNotify); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified = append(s.notified, Notification{Channel: channel, Payload: payload})
	return nil
}

// RunInTransaction runs fn against a snapshot of the store. The snapshot and
// any queued notifications replace the live state only when fn succeeds and
// the commit is not failed by injection.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	s.mu.Lock()
	tx := &txStore{parent: s, state: s.state.clone()}
	s.mu.Unlock()

	if err := fn(tx); err != nil {
		return err
	}
	if err := s.failure(OpCommit); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = tx.state
	s.notified = append(s.notified, tx.pending...)
	return nil
}

func (s *Store) Close() error { return nil }

// txStore is a transactional view over a copied state.
type txStore struct {
	parent  *Store
	state   *state
	pending []Notification
}

var _ store.Store = (*txStore)(nil)

func (t *txStore) UpsertDocument(ctx context.Context, id string, object model.Record) (bool, error) {
	if err := t.parent.failure(OpUpsert); err != nil {
		return false, err
	}
	return upsert(t.state, id, object), nil
}

func (t *txStore) GetDocument(ctx context.Context, id string) (model.Record, error) {
	if err := t.parent.failure(OpGetDocument); err != nil {
		return nil, err
	}
	return getDocument(t.state, id)
}

func (t *txStore) ListDocuments(ctx context.Context) ([]*model.Document, error) {
	if err := t.parent.failure(OpListDocuments); err != nil {
		return nil, err
	}
	return listDocuments(t.state, nil), nil
}

func (t *txStore) ScanRedacted(ctx context.Context) ([]*model.Document, error) {
	if err := t.parent.failure(OpScanRedacted); err != nil {
		return nil, err
	}
	return listDocuments(t.state, isUnresolvedRedaction), nil
}

func (t *txStore) InsertVersion(ctx context.Context, docID string, object model.Record, observed time.Time) (string, error) {
	if err := t.parent.failure(OpInsertVersion); err != nil {
		return "", err
	}
	return insertVersion(t.state, docID, object, observed)
}

func (t *txStore) GetVersion(ctx context.Context, hash string) (*model.Version, error) {
	return getVersion(t.state, hash)
}

func (t *txStore) ListVersions(ctx context.Context, docID string) ([]*model.Version, error) {
	if err := t.parent.failure(OpListVersions); err != nil {
		return nil, err
	}
	return listVersions(t.state, docID), nil
}

func (t *txStore) Notify(ctx context.Context, channel, payload string) error {
	if err := t.parent.failure(OpNotify); err != nil {
		return err
	}
	t.pending = append(t.pending, Notification{Channel: channel, Payload: payload})
	return nil
}

func (t *txStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(t)
}

func (t *txStore) Close() error { return nil }

func upsert(st *state, id string, object model.Record) bool {
	_, existed := st.docs[id]
	st.docs[id] = object.Clone()
	return !existed
}

func getDocument(st *state, id string) (model.Record, error) {
	obj, ok := st.docs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return obj.Clone(), nil
}

func listDocuments(st *state, keep func(model.Record) bool) []*model.Document {
	var docs []*model.Document
	for id, obj := range st.docs {
		if keep != nil && !keep(obj) {
			continue
		}
		docs = append(docs, &model.Document{ID: id, Object: obj.Clone()})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs
}

func isUnresolvedRedaction(obj model.Record) bool {
	redacted, _ := obj.Lookup("metadata", model.MetaRedacted)
	if redacted != true {
		return false
	}
	_, fromLibrary := obj.Lookup("metadata", model.MetaBookTitle)
	return !fromLibrary
}

func insertVersion(st *state, docID string, object model.Record, observed time.Time) (string, error) {
	hash, err := model.Hash(object)
	if err != nil {
		return "", fmt.Errorf("hash version: %w", err)
	}
	st.nextID++
	st.versions = append(st.versions, &model.Version{
		ID:       st.nextID,
		DocID:    docID,
		Object:   object.Clone(),
		Observed: observed.UTC().Truncate(time.Millisecond),
		Hash:     hash,
	})
	return hash, nil
}

func getVersion(st *state, hash string) (*model.Version, error) {
	for i := len(st.versions) - 1; i >= 0; i-- {
		if st.versions[i].Hash == hash {
			v := *st.versions[i]
			v.Object = v.Object.Clone()
			return &v, nil
		}
	}
	return nil, store.ErrNotFound
}

func listVersions(st *state, docID string) []*model.Version {
	var out []*model.Version
	for _, v := range st.versions {
		if v.DocID == docID {
			cp := *v
			cp.Object = cp.Object.Clone()
			out = append(out, &cp)
		}
	}
	return out
}

// ErrInjected is a convenience error for failure injection in tests.
var ErrInjected = errors.New("injected failure")
