package cursor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/ibkr-data/internal/model"
	"github.com/rickgao/ibkr-data/internal/storage/sqlstore"
)

// memLog keeps runs in memory.
type memLog struct {
	mu   sync.Mutex
	runs []model.SyncRun
	err  error
}

func (m *memLog) LastCompletedRun(_ context.Context, entity model.EntityType, accountID string) (*model.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var best *model.SyncRun
	for i := range m.runs {
		r := m.runs[i]
		if r.Entity != entity || r.AccountID != accountID || !r.Status.AdvancesCursor() {
			continue
		}
		if best == nil || r.To.After(best.To) {
			best = &r
		}
	}
	return best, nil
}

func (m *memLog) InsertSyncRun(_ context.Context, run model.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

var (
	t1  = time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)
	t2  = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	now = time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC)
)

func fixedClock() time.Time { return now }

func TestGetCursorFirstRunUsesFallback(t *testing.T) {
	s := New(&memLog{}, 300*time.Second, WithClock(fixedClock))
	fallback := Window{From: now.Add(-7 * 24 * time.Hour), To: now}

	c, err := s.GetCursor(context.Background(), Key{Entity: model.EntityExecutions, AccountID: "U1"}, fallback)
	require.NoError(t, err)
	assert.False(t, c.Found)
	assert.Equal(t, fallback, c.Window)
	assert.Zero(t, c.Overlap)
}

func TestGetCursorAppliesOverlap(t *testing.T) {
	log := &memLog{}
	s := New(log, 300*time.Second, WithClock(fixedClock))
	k := Key{Entity: model.EntityExecutions, AccountID: "U1"}

	_, err := s.RecordRun(context.Background(), log, model.SyncRun{
		Entity: k.Entity, AccountID: k.AccountID, From: t1, To: t2, Status: model.RunSuccess,
	})
	require.NoError(t, err)

	c, err := s.GetCursor(context.Background(), k, Window{})
	require.NoError(t, err)
	assert.True(t, c.Found)
	assert.Equal(t, t2.Add(-300*time.Second), c.From)
	assert.Equal(t, now, c.To)
	assert.Equal(t, 300*time.Second, c.Overlap)
}

func TestGetCursorIgnoresFailedRuns(t *testing.T) {
	log := &memLog{}
	s := New(log, time.Minute, WithClock(fixedClock))
	k := Key{Entity: model.EntityCashTransactions, AccountID: "U1"}
	ctx := context.Background()

	_, err := s.RecordRun(ctx, log, model.SyncRun{Entity: k.Entity, AccountID: "U1", From: t1, To: t1.Add(time.Hour), Status: model.RunPartial})
	require.NoError(t, err)
	_, err = s.RecordRun(ctx, log, model.SyncRun{Entity: k.Entity, AccountID: "U1", From: t1, To: t2, Status: model.RunFailed})
	require.NoError(t, err)

	c, err := s.GetCursor(ctx, k, Window{})
	require.NoError(t, err)
	assert.Equal(t, t1.Add(time.Hour-time.Minute), c.From)
}

func TestGetCursorKeysAreDisjoint(t *testing.T) {
	log := &memLog{}
	s := New(log, 0, WithClock(fixedClock))
	ctx := context.Background()

	_, err := s.RecordRun(ctx, log, model.SyncRun{Entity: model.EntityExecutions, AccountID: "U1", From: t1, To: t2, Status: model.RunSuccess})
	require.NoError(t, err)

	c, err := s.GetCursor(ctx, Key{Entity: model.EntityExecutions, AccountID: "U2"}, Window{From: t1, To: now})
	require.NoError(t, err)
	assert.False(t, c.Found)

	c, err = s.GetCursor(ctx, Key{Entity: model.EntityCashTransactions, AccountID: "U1"}, Window{From: t1, To: now})
	require.NoError(t, err)
	assert.False(t, c.Found)
}

func TestGetCursorError(t *testing.T) {
	s := New(&memLog{err: errors.New("disk gone")}, 0)
	_, err := s.GetCursor(context.Background(), Key{Entity: model.EntityAccounts}, Window{})
	assert.ErrorContains(t, err, "disk gone")
}

func TestRecordRunAssignsID(t *testing.T) {
	log := &memLog{}
	s := New(log, 300*time.Second, WithClock(fixedClock))

	id, err := s.RecordRun(context.Background(), log, model.SyncRun{
		Entity: model.EntityAccounts, From: now, To: now, Status: model.RunSuccess, OverlapSeconds: 300,
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
	require.Len(t, log.runs, 1)
	assert.Equal(t, id, log.runs[0].ID)
	assert.Equal(t, 300, log.runs[0].OverlapSeconds)
	assert.Equal(t, now, log.runs[0].CompletedAt)
	assert.Equal(t, now, log.runs[0].StartedAt)
}

func TestLockSerializesPerKey(t *testing.T) {
	s := New(&memLog{}, 0)
	k := Key{Entity: model.EntityPositions, AccountID: "U1"}
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := s.Lock(ctx, k)
			if err != nil {
				t.Error(err)
				return
			}
			defer release()
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxInside)
}

func TestLockOtherKeysIndependent(t *testing.T) {
	s := New(&memLog{}, 0)

	release, ok := s.TryLock(Key{Entity: model.EntityPositions, AccountID: "U1"})
	require.True(t, ok)
	defer release()

	_, ok = s.TryLock(Key{Entity: model.EntityPositions, AccountID: "U1"})
	assert.False(t, ok, "same key must be held")

	other, ok := s.TryLock(Key{Entity: model.EntityPositions, AccountID: "U2"})
	assert.True(t, ok, "different account must not block")
	other()

	other, ok = s.TryLock(Key{Entity: model.EntityExecutions, AccountID: "U1"})
	assert.True(t, ok, "different entity must not block")
	other()
}

func TestLockHonoursContext(t *testing.T) {
	s := New(&memLog{}, 0)
	k := Key{Entity: model.EntityAccounts}

	release, err := s.Lock(context.Background(), k)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = s.Lock(ctx, k)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release() // second call is a no-op
	again, err := s.Lock(context.Background(), k)
	require.NoError(t, err)
	again()
}

func TestCursorWithSQLStore(t *testing.T) {
	ctx := context.Background()
	st, err := sqlstore.OpenSQLite(ctx, filepath.Join(t.TempDir(), "c.db"))
	require.NoError(t, err)
	defer st.Close()

	s := New(st, 300*time.Second, WithClock(fixedClock))
	k := Key{Entity: model.EntityAccounts}
	_, err = s.RecordRun(ctx, st, model.SyncRun{Entity: k.Entity, From: t1, To: t2, Status: model.RunSuccess, OverlapSeconds: 300})
	require.NoError(t, err)

	c, err := s.GetCursor(ctx, k, Window{})
	require.NoError(t, err)
	assert.True(t, c.Found)
	assert.True(t, c.From.Equal(t2.Add(-300*time.Second)))
}

func TestDefaultWindow(t *testing.T) {
	lb := DefaultLookbacks()

	w := DefaultWindow(model.EntityExecutions, now, lb)
	assert.Equal(t, now.Add(-7*24*time.Hour), w.From)
	assert.Equal(t, 7, w.DaysBack(now))

	w = DefaultWindow(model.EntityCashTransactions, now, lb)
	assert.Equal(t, 90, w.DaysBack(now))

	w = DefaultWindow(model.EntityPositions, now, lb)
	assert.Equal(t, now, w.From)
	assert.Equal(t, now, w.To)
	assert.True(t, w.Valid())
	assert.Equal(t, 1, w.DaysBack(now))

	assert.False(t, Window{From: now, To: t1}.Valid())
}

func TestWindowDaysBack(t *testing.T) {
	// A ten day window that ended twenty days ago still needs thirty days
	// of history from the gateway.
	past := Window{From: now.Add(-30 * 24 * time.Hour), To: now.Add(-20 * 24 * time.Hour)}
	assert.Equal(t, 30, past.DaysBack(now))
	assert.Equal(t, 2, Window{From: now.Add(-25 * time.Hour), To: now}.DaysBack(now))
	assert.Equal(t, 1, Window{From: now.Add(time.Hour), To: now.Add(2 * time.Hour)}.DaysBack(now))
}

func TestWindowContains(t *testing.T) {
	w := Window{From: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), To: time.Date(2024, 3, 3, 6, 0, 0, 0, time.UTC)}

	assert.True(t, w.Contains(w.From))
	assert.True(t, w.Contains(w.To))
	assert.False(t, w.Contains(w.From.Add(-time.Second)))
	assert.False(t, w.Contains(w.To.Add(time.Second)))

	assert.True(t, w.ContainsDate("2024-03-01"))
	assert.True(t, w.ContainsDate("2024-03-03"))
	assert.False(t, w.ContainsDate("2024-02-29"))
	assert.False(t, w.ContainsDate("2024-03-04"))
}

func TestLookbacksFor(t *testing.T) {
	lb := DefaultLookbacks()

	d, ok := lb.For(model.EntityExecutions)
	assert.True(t, ok)
	assert.Equal(t, 7*24*time.Hour, d)

	d, ok = lb.For(model.EntityCashTransactions)
	assert.True(t, ok)
	assert.Equal(t, 90*24*time.Hour, d)

	_, ok = lb.For(model.EntityPositions)
	assert.False(t, ok)
}
