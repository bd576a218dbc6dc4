package syncstore

import (
	"bytes"
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrPermission         = errors.New("permission denied")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrRemoteUnavailable  = errors.New("remote unavailable")
	ErrRemoteRejected     = errors.New("remote rejected write")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// InvalidTransitionError reports a lifecycle action that is not legal
// from the document's current status. The message always names the
// current status so the caller can surface it directly.
type InvalidTransitionError struct {
	Action string
	Status DocStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s a document in status %q", e.Action, e.Status)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// RemoteError wraps a failure from the remote store, classified as a
// rejection (the backend answered and refused the write) or an
// availability problem (it never answered usefully).
type RemoteError struct {
	Op       string
	Rejected bool
	Err      error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

func (e *RemoteError) Is(target error) bool {
	if e.Rejected {
		return target == ErrRemoteRejected
	}
	return target == ErrRemoteUnavailable
}

// Record is anything the store can persist and index by id.
type Record interface {
	RecordID() string
}

// Filter selects a slice of a collection. Date is the partition key for
// the daily collections; the document and user collections ignore it
// and always operate on the whole set.
type Filter struct {
	Date string
}

// RemoteCollection is the contract the remote authoritative store must
// offer per table: filtered read, upsert, delete-by-id. Any backend
// providing these plus a change feed satisfies the system.
type RemoteCollection[T Record] interface {
	Query(ctx context.Context, f Filter) ([]T, error)
	Upsert(ctx context.Context, recs []T) error
	Delete(ctx context.Context, id string) error
}

// CacheBackend is the durable local cache: one opaque JSON blob per
// namespaced key. A missing key loads as (nil, nil).
type CacheBackend interface {
	Load(key string) ([]byte, error)
	Save(key string, data []byte) error
	Keys() ([]string, error)
}

const (
	DefaultLoadTimeout  = 1500 * time.Millisecond
	DefaultWriteTimeout = 5 * time.Second
)

type StoreOptions struct {
	// Name identifies the collection in logs and cache keys.
	Name string
	// CacheKey derives the cache namespace for a filter. Defaults to
	// Name for every filter.
	CacheKey func(Filter) string
	// LoadTimeout bounds how long Load waits for the remote before
	// falling back to the cached snapshot.
	LoadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Store keeps a local durable cache and a remote authoritative
// collection loosely consistent. Reads race the remote against a
// timeout and degrade to the cached snapshot; writes land locally
// first and then attempt the remote, never rolling back.
type Store[T Record] struct {
	mu           sync.Mutex
	name         string
	remote       RemoteCollection[T]
	cache        CacheBackend
	cacheKey     func(Filter) string
	loadTimeout  time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger

	snapshots   map[string][]T
	lastWritten map[string][]byte
}

func NewStore[T Record](remote RemoteCollection[T], cache CacheBackend, opts StoreOptions) *Store[T] {
	name := opts.Name
	if name == "" {
		name = "records"
	}
	cacheKey := opts.CacheKey
	if cacheKey == nil {
		cacheKey = func(Filter) string { return name }
	}
	loadTimeout := opts.LoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = DefaultLoadTimeout
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store[T]{
		name:         name,
		remote:       remote,
		cache:        cache,
		cacheKey:     cacheKey,
		loadTimeout:  loadTimeout,
		writeTimeout: writeTimeout,
		logger:       logger,
		snapshots:    make(map[string][]T),
		lastWritten:  make(map[string][]byte),
	}
}

// Load returns the collection slice selected by f. The remote query
// races a timeout; on timeout or error the last cached snapshot is
// returned instead and the failure is only logged. The losing remote
// query is not cancelled: if it completes later it still refreshes the
// cache, so a subsequent read converges.
func (s *Store[T]) Load(ctx context.Context, f Filter) ([]T, error) {
	if s.remote == nil {
		return s.Snapshot(f), nil
	}

	type outcome struct {
		recs []T
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		// Deliberately detached from the caller's deadline: the fetch
		// outlives the race and adopts its result whenever it lands.
		recs, err := s.remote.Query(context.WithoutCancel(ctx), f)
		if err == nil {
			s.adopt(f, recs)
		}
		done <- outcome{recs: recs, err: err}
	}()

	timer := time.NewTimer(s.loadTimeout)
	defer timer.Stop()
	select {
	case out := <-done:
		if out.err != nil {
			s.logger.Warn("remote load failed, serving cached snapshot",
				"collection", s.name, "error", out.err)
			return s.Snapshot(f), nil
		}
		// The fetched slice doubles as the installed snapshot; hand the
		// caller a copy so later commits cannot mutate it underneath.
		return cloneSlice(out.recs), nil
	case <-timer.C:
		s.logger.Warn("remote load timed out, serving cached snapshot",
			"collection", s.name, "timeout", s.loadTimeout)
		return s.Snapshot(f), nil
	case <-ctx.Done():
		return s.Snapshot(f), nil
	}
}

// Reload refetches from the remote and overwrites the cache. Used by
// the change notifier; the error is for logging, the cache keeps its
// previous contents on failure.
func (s *Store[T]) Reload(ctx context.Context, f Filter) error {
	if s.remote == nil {
		return nil
	}
	qctx, cancel := context.WithTimeout(ctx, s.loadTimeout)
	defer cancel()
	recs, err := s.remote.Query(qctx, f)
	if err != nil {
		return fmt.Errorf("reload %s: %w", s.name, err)
	}
	s.adopt(f, recs)
	return nil
}

// Snapshot returns the cached view without touching the network. The
// first call for a key reads the durable cache; a corrupt or missing
// blob degrades to empty.
func (s *Store[T]) Snapshot(f Filter) []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSlice(s.snapshotLocked(f))
}

// Save inserts or replaces rec locally, then attempts the remote
// upsert. A remote rejection fails the call; unreachability is a soft
// failure and the call reports the local outcome. The local mutation
// is never rolled back.
func (s *Store[T]) Save(ctx context.Context, f Filter, rec T) error {
	if rec.RecordID() == "" {
		return fmt.Errorf("%w: record id is empty", ErrInvalidInput)
	}
	s.mu.Lock()
	recs := s.snapshotLocked(f)
	replaced := false
	for i := range recs {
		if recs[i].RecordID() == rec.RecordID() {
			recs[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		recs = append(recs, rec)
	}
	s.commitLocked(f, recs)
	s.mu.Unlock()

	return s.pushUpsert(ctx, rec)
}

// Update applies mutate to the record with the given id. The mutation
// is applied under the store lock; returning an error from mutate
// aborts without touching cache or remote.
func (s *Store[T]) Update(ctx context.Context, f Filter, id string, mutate func(*T) error) (T, error) {
	var zero T
	s.mu.Lock()
	recs := s.snapshotLocked(f)
	idx := -1
	for i := range recs {
		if recs[i].RecordID() == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return zero, fmt.Errorf("%w: %s %q", ErrNotFound, s.name, id)
	}
	updated := recs[idx]
	if err := mutate(&updated); err != nil {
		s.mu.Unlock()
		return zero, err
	}
	recs[idx] = updated
	s.commitLocked(f, recs)
	s.mu.Unlock()

	if err := s.pushUpsert(ctx, updated); err != nil {
		return updated, err
	}
	return updated, nil
}

// Delete removes the record locally, then attempts the remote delete.
// guard, when non-nil, runs under the lock against the current local
// copy and may veto the removal.
func (s *Store[T]) Delete(ctx context.Context, f Filter, id string, guard func(T) error) error {
	s.mu.Lock()
	recs := s.snapshotLocked(f)
	idx := -1
	for i := range recs {
		if recs[i].RecordID() == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s %q", ErrNotFound, s.name, id)
	}
	if guard != nil {
		if err := guard(recs[idx]); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	recs = append(recs[:idx], recs[idx+1:]...)
	s.commitLocked(f, recs)
	s.mu.Unlock()

	if s.remote == nil {
		return nil
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()
	if err := s.remote.Delete(wctx, id); err != nil {
		return s.reportRemote("delete", err)
	}
	return nil
}

func (s *Store[T]) pushUpsert(ctx context.Context, rec T) error {
	if s.remote == nil {
		return nil
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()
	if err := s.remote.Upsert(wctx, []T{rec}); err != nil {
		return s.reportRemote("upsert", err)
	}
	return nil
}

// reportRemote absorbs availability failures (logged, nil returned) and
// surfaces rejections.
func (s *Store[T]) reportRemote(op string, err error) error {
	if remoteUnavailable(err) {
		s.logger.Warn("remote write skipped, local copy kept",
			"collection", s.name, "op", op, "error", err)
		return nil
	}
	return &RemoteError{Op: op, Rejected: true, Err: err}
}

// snapshotLocked returns the working slice for f, hydrating it from the
// durable cache on first use. Callers hold s.mu.
func (s *Store[T]) snapshotLocked(f Filter) []T {
	key := s.cacheKey(f)
	if recs, ok := s.snapshots[key]; ok {
		return recs
	}
	recs := make([]T, 0)
	if s.cache != nil {
		data, err := s.cache.Load(key)
		if err != nil {
			s.logger.Warn("cache read failed", "collection", s.name, "key", key, "error", err)
		} else if len(data) > 0 {
			if err := json.Unmarshal(data, &recs); err != nil {
				s.logger.Warn("cache blob corrupt, starting empty",
					"collection", s.name, "key", key, "error", err)
				recs = recs[:0]
			}
			s.lastWritten[key] = data
		}
	}
	s.snapshots[key] = recs
	return recs
}

// commitLocked replaces the in-memory snapshot and persists it. Cache
// write failures are soft. Callers hold s.mu.
func (s *Store[T]) commitLocked(f Filter, recs []T) {
	key := s.cacheKey(f)
	s.snapshots[key] = recs
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(recs)
	if err != nil {
		s.logger.Warn("cache encode failed", "collection", s.name, "key", key, "error", err)
		return
	}
	// Skipping identical writes keeps the cache-file watcher from
	// feeding our own refresh back to us.
	if bytes.Equal(s.lastWritten[key], data) {
		return
	}
	if err := s.cache.Save(key, data); err != nil {
		s.logger.Warn("cache write failed", "collection", s.name, "key", key, "error", err)
		return
	}
	s.lastWritten[key] = data
}

// adopt installs a fresh remote result as the authoritative snapshot.
func (s *Store[T]) adopt(f Filter, recs []T) {
	if recs == nil {
		recs = make([]T, 0)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitLocked(f, recs)
}

// Invalidate drops the in-memory snapshot for f so the next Snapshot
// re-reads the durable cache. Used when another process rewrote the
// cache file underneath us.
func (s *Store[T]) Invalidate(f Filter) {
	key := s.cacheKey(f)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, key)
	delete(s.lastWritten, key)
}

func cloneSlice[T any](in []T) []T {
	out := make([]T, len(in))
	copy(out, in)
	return out
}

// remoteUnavailable classifies an error as "the remote never usefully
// answered": timeouts, cancellation, connection loss. Everything else
// is treated as the backend rejecting the operation.
func remoteUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, ErrRemoteUnavailable) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
