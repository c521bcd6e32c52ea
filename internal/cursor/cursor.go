// Package cursor tracks how far each (entity type, account) pair has been
// synchronized.
//
// The cursor is derived from the audit trail: the completed sync run whose
// window ends last. Reads subtract a fixed overlap from that end so each
// run re-fetches a trailing interval the gateway may have answered
// incompletely. Access is serialized per key, never globally.
package cursor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/rickgao/ibkr-data/internal/model"
)

// Key identifies one cursor. AccountID is empty for account discovery.
type Key struct {
	Entity    model.EntityType
	AccountID string
}

func (k Key) String() string {
	if k.AccountID == "" {
		return string(k.Entity)
	}
	return string(k.Entity) + "/" + k.AccountID
}

// Window is a fetch interval [From, To].
type Window struct {
	From time.Time
	To   time.Time
}

// Valid reports whether the window is non-empty or a point (snapshots).
func (w Window) Valid() bool {
	return !w.From.IsZero() && !w.To.IsZero() && !w.To.Before(w.From)
}

// DaysBack returns the whole number of days from the window start back
// from now, rounded up and at least 1. Gateway history endpoints take a
// day count ending at the time of the request, not a range.
func (w Window) DaysBack(now time.Time) int {
	d := now.Sub(w.From)
	days := int((d + 24*time.Hour - 1) / (24 * time.Hour))
	if days < 1 {
		days = 1
	}
	return days
}

// Contains reports whether t lies in [From, To].
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

// ContainsDate reports whether the civil date (model.DateLayout) falls on
// a day the window touches, in UTC.
func (w Window) ContainsDate(date string) bool {
	return date >= w.From.UTC().Format(model.DateLayout) && date <= w.To.UTC().Format(model.DateLayout)
}

// Cursor is the result of a cursor read.
type Cursor struct {
	Window
	Found   bool          // A prior completed run exists
	Overlap time.Duration // Overlap applied to From
	Last    *model.SyncRun
}

// RunLog reads the audit trail.
type RunLog interface {
	LastCompletedRun(ctx context.Context, entity model.EntityType, accountID string) (*model.SyncRun, error)
}

// RunWriter persists a run record. A storage transaction qualifies, which
// lets the cursor advance commit together with the batch.
type RunWriter interface {
	InsertSyncRun(ctx context.Context, run model.SyncRun) error
}

// Store computes cursors and records runs.
type Store struct {
	runs    RunLog
	overlap time.Duration
	now     func() time.Time

	mu    sync.Mutex
	locks map[Key]*semaphore.Weighted
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a Store.
func New(runs RunLog, overlap time.Duration, opts ...Option) *Store {
	if overlap < 0 {
		overlap = 0
	}
	s := &Store{
		runs:    runs,
		overlap: overlap,
		now:     time.Now,
		locks:   make(map[Key]*semaphore.Weighted),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Overlap returns the configured overlap.
func (s *Store) Overlap() time.Duration {
	return s.overlap
}

// Now returns the store's clock reading in UTC.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

func (s *Store) sem(k Key) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.locks[k]
	if !ok {
		w = semaphore.NewWeighted(1)
		s.locks[k] = w
	}
	return w
}

// Lock blocks until the key is free or ctx is done. The returned release
// must be called exactly once.
func (s *Store) Lock(ctx context.Context, k Key) (func(), error) {
	w := s.sem(k)
	if err := w.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("lock cursor %s: %w", k, err)
	}
	var once sync.Once
	return func() { once.Do(func() { w.Release(1) }) }, nil
}

// TryLock acquires the key without waiting.
func (s *Store) TryLock(k Key) (func(), bool) {
	w := s.sem(k)
	if !w.TryAcquire(1) {
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(func() { w.Release(1) }) }, true
}

// GetCursor returns the next fetch window for k: from the last completed
// run's end minus the overlap, up to now. Without a prior run it returns
// fallback unchanged. Callers hold the key's lock.
func (s *Store) GetCursor(ctx context.Context, k Key, fallback Window) (Cursor, error) {
	last, err := s.runs.LastCompletedRun(ctx, k.Entity, k.AccountID)
	if err != nil {
		return Cursor{}, fmt.Errorf("read cursor %s: %w", k, err)
	}
	if last == nil {
		return Cursor{Window: fallback}, nil
	}

	now := s.Now()
	from := last.To.Add(-s.overlap)
	if from.After(now) {
		from = now
	}
	return Cursor{
		Window:  Window{From: from, To: now},
		Found:   true,
		Overlap: s.overlap,
		Last:    last,
	}, nil
}

// RecordRun assigns the run an id and writes it once. run.OverlapSeconds
// is the overlap actually applied (Cursor.Overlap). Success and partial
// runs become the new cursor; failed runs only extend the audit trail.
func (s *Store) RecordRun(ctx context.Context, w RunWriter, run model.SyncRun) (uuid.UUID, error) {
	if run.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
		run.ID = id
	}
	if run.CompletedAt.IsZero() {
		run.CompletedAt = s.Now()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = run.CompletedAt
	}
	if err := w.InsertSyncRun(ctx, run); err != nil {
		return uuid.Nil, fmt.Errorf("record run: %w", err)
	}
	return run.ID, nil
}

// Lookbacks are the first-run windows per entity type.
type Lookbacks struct {
	Executions       time.Duration
	CashTransactions time.Duration
}

// DefaultLookbacks matches how far back the gateway serves history.
func DefaultLookbacks() Lookbacks {
	return Lookbacks{
		Executions:       7 * 24 * time.Hour,
		CashTransactions: 90 * 24 * time.Hour,
	}
}

// For returns the history the gateway serves for an entity type. ok is
// false for snapshot types, which have no history.
func (lb Lookbacks) For(entity model.EntityType) (d time.Duration, ok bool) {
	switch entity {
	case model.EntityExecutions:
		return lb.Executions, true
	case model.EntityCashTransactions:
		return lb.CashTransactions, true
	}
	return 0, false
}

// DefaultWindow is the first-run window for an entity type. Snapshot
// types only ever observe "now".
func DefaultWindow(entity model.EntityType, now time.Time, lb Lookbacks) Window {
	now = now.UTC()
	switch entity {
	case model.EntityExecutions:
		return Window{From: now.Add(-lb.Executions), To: now}
	case model.EntityCashTransactions:
		return Window{From: now.Add(-lb.CashTransactions), To: now}
	}
	return Window{From: now, To: now}
}
