package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/inboxmeet/internal/interval"
)

var day = time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

func iv(sh, sm, eh, em int) interval.TimeInterval {
	return interval.TimeInterval{Start: at(sh, sm), End: at(eh, em)}
}

type failingStore struct {
	*MemoryStore
	fail bool
}

func (s *failingStore) Put(ctx context.Context, m Meeting) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.Put(ctx, m)
}

func newTracker(t *testing.T, store Store) *Tracker {
	t.Helper()
	tr, err := New(context.Background(), store, WithClock(func() time.Time { return day }))
	require.NoError(t, err)
	return tr
}

func TestUpsert_AssignsIDAndTimestamps(t *testing.T) {
	tr := newTracker(t, nil)
	m, err := tr.Upsert(context.Background(), Meeting{Interval: iv(14, 0, 15, 0), State: StateConfirmed})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, day, m.CreatedAt)
	assert.Equal(t, day, m.UpdatedAt)

	got, err := tr.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestUpsert_RejectsOverlap(t *testing.T) {
	tests := []struct {
		name    string
		second  Meeting
		wantErr bool
	}{
		{name: "overlapping confirmed", second: Meeting{Interval: iv(14, 30, 15, 30), State: StateConfirmed}, wantErr: true},
		{name: "overlapping pending", second: Meeting{Interval: iv(14, 0, 15, 0), State: StatePendingConfirm}, wantErr: true},
		{name: "back to back", second: Meeting{Interval: iv(15, 0, 16, 0), State: StateConfirmed}},
		{name: "overlapping but inactive", second: Meeting{Interval: iv(14, 0, 15, 0), State: StateDeclined}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTracker(t, nil)
			first, err := tr.Upsert(context.Background(), Meeting{Interval: iv(14, 0, 15, 0), State: StateConfirmed})
			require.NoError(t, err)

			_, err = tr.Upsert(context.Background(), tt.second)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var overlapErr *OverlapError
			require.True(t, errors.As(err, &overlapErr))
			assert.Equal(t, first.ID, overlapErr.Existing.ID)
			assert.Len(t, tr.ListActive(), 1)
		})
	}
}

func TestUpsert_UpdateSameMeetingDoesNotConflictWithItself(t *testing.T) {
	tr := newTracker(t, nil)
	m, err := tr.Upsert(context.Background(), Meeting{Interval: iv(14, 0, 15, 0), State: StatePendingConfirm})
	require.NoError(t, err)

	m.State = StateConfirmed
	m.EventID = "evt-1"
	updated, err := tr.Upsert(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, updated.State)
	assert.Equal(t, m.CreatedAt, updated.CreatedAt)
}

func TestUpsert_StoreFailureLeavesStateUnchanged(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	tr := newTracker(t, store)

	m, err := tr.Upsert(context.Background(), Meeting{Interval: iv(14, 0, 15, 0), State: StateConfirmed, EventID: "evt"})
	require.NoError(t, err)

	store.fail = true
	cancelled := m
	cancelled.State = StateCancelled
	_, err = tr.Upsert(context.Background(), cancelled)
	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))

	got, err := tr.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, got.State)
	assert.Empty(t, tr.ReleasedSince(time.Time{}))
}

func TestUpsert_ConcurrentOverlappingInsertsAdmitOne(t *testing.T) {
	tr := newTracker(t, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, overlapped := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := at(14, i%4*15)
			_, err := tr.Upsert(context.Background(), Meeting{
				Interval: interval.TimeInterval{Start: start, End: start.Add(time.Hour)},
				State:    StatePendingConfirm,
			})
			mu.Lock()
			defer mu.Unlock()
			var overlapErr *OverlapError
			switch {
			case err == nil:
				succeeded++
			case errors.As(err, &overlapErr):
				overlapped++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 19, overlapped)
	assertNoActiveOverlap(t, tr)
}

func TestUpsert_Validation(t *testing.T) {
	tr := newTracker(t, nil)
	_, err := tr.Upsert(context.Background(), Meeting{Interval: iv(15, 0, 14, 0), State: StateConfirmed})
	assert.ErrorIs(t, err, interval.ErrInvalidInterval)

	_, err = tr.Upsert(context.Background(), Meeting{Interval: iv(14, 0, 15, 0), State: "BOGUS"})
	assert.Error(t, err)
}

func TestReleasedSince(t *testing.T) {
	now := day
	tr, err := New(context.Background(), nil, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	m, err := tr.Upsert(context.Background(), Meeting{Interval: iv(14, 0, 15, 0), State: StateConfirmed, EventID: "evt"})
	require.NoError(t, err)

	now = day.Add(time.Hour)
	m.State = StateCancelled
	_, err = tr.Upsert(context.Background(), m)
	require.NoError(t, err)

	assert.Equal(t, []interval.TimeInterval{iv(14, 0, 15, 0)}, tr.ReleasedSince(day))
	assert.Empty(t, tr.ReleasedSince(now))
	assert.Empty(t, tr.ActiveIntervals())
}

func TestReconcile(t *testing.T) {
	tr := newTracker(t, nil)
	ctx := context.Background()
	confirmed, err := tr.Upsert(ctx, Meeting{Interval: iv(10, 0, 11, 0), State: StateConfirmed})
	require.NoError(t, err)
	pending, err := tr.Upsert(ctx, Meeting{Interval: iv(12, 0, 13, 0), State: StatePendingConfirm})
	require.NoError(t, err)
	window := iv(0, 0, 23, 0)

	changed, err := tr.Reconcile(ctx, window, []interval.TimeInterval{iv(16, 0, 17, 0)})
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, confirmed.ID, changed[0].ID)
	assert.True(t, changed[0].Stale)

	// Still tracked and still active: reconciliation never discards.
	got, err := tr.Get(confirmed.ID)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, got.State)
	assert.Len(t, tr.ListActive(), 2)
	assert.Len(t, tr.ListStale(), 1)

	p, err := tr.Get(pending.ID)
	require.NoError(t, err)
	assert.False(t, p.Stale)

	// The event reappears, split across two adjacent busy blocks.
	changed, err = tr.Reconcile(ctx, window, []interval.TimeInterval{iv(10, 0, 10, 30), iv(10, 30, 11, 0)})
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.False(t, changed[0].Stale)
	assert.Empty(t, tr.ListStale())
}

func TestReconcile_IgnoresMeetingsOutsideWindow(t *testing.T) {
	tr := newTracker(t, nil)
	_, err := tr.Upsert(context.Background(), Meeting{Interval: iv(10, 0, 11, 0), State: StateConfirmed})
	require.NoError(t, err)

	changed, err := tr.Reconcile(context.Background(), iv(12, 0, 23, 0), nil)
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestNew_LoadRejectsOverlappingRecords(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, Meeting{ID: "a", Interval: iv(10, 0, 11, 0), State: StateConfirmed}))
	require.NoError(t, store.Put(ctx, Meeting{ID: "b", Interval: iv(10, 30, 11, 30), State: StatePendingConfirm}))

	_, err := New(ctx, store)
	var overlapErr *OverlapError
	assert.True(t, errors.As(err, &overlapErr))
}

func TestNew_LoadAcceptsInactiveOverlap(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, Meeting{ID: "a", Interval: iv(10, 0, 11, 0), State: StateConfirmed}))
	require.NoError(t, store.Put(ctx, Meeting{ID: "b", Interval: iv(10, 30, 11, 30), State: StateExpired, UpdatedAt: time.Now()}))

	tr, err := New(ctx, store)
	require.NoError(t, err)
	assert.Len(t, tr.List(), 2)
	assert.Len(t, tr.ListActive(), 1)
}

func TestCancel(t *testing.T) {
	tr := newTracker(t, nil)
	ctx := context.Background()
	m, err := tr.Upsert(ctx, Meeting{Interval: iv(14, 0, 15, 0), State: StateConfirmed, EventID: "evt"})
	require.NoError(t, err)

	got, err := tr.Cancel(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
	assert.Empty(t, got.EventID)
	assert.Empty(t, tr.ActiveIntervals())
	assert.Equal(t, []interval.TimeInterval{iv(14, 0, 15, 0)}, tr.ReleasedSince(day.Add(-time.Minute)))

	// The interval can be booked again.
	_, err = tr.Upsert(ctx, Meeting{Interval: iv(14, 0, 15, 0), State: StatePendingConfirm})
	require.NoError(t, err)

	_, err = tr.Cancel(ctx, m.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)
	_, err = tr.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancel_RejectsPending(t *testing.T) {
	tr := newTracker(t, nil)
	m, err := tr.Upsert(context.Background(), Meeting{Interval: iv(14, 0, 15, 0), State: StatePendingConfirm})
	require.NoError(t, err)

	_, err = tr.Cancel(context.Background(), m.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)
	assert.Len(t, tr.ListActive(), 1)
}

func TestNew_PendingSweep(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, Meeting{ID: "a", Interval: iv(10, 0, 11, 0), State: StateConfirmed, UpdatedAt: day}))
	require.NoError(t, store.Put(ctx, Meeting{ID: "b", Interval: iv(12, 0, 13, 0), State: StatePendingConfirm, UpdatedAt: day}))

	plain, err := New(ctx, store, WithClock(func() time.Time { return day }))
	require.NoError(t, err)
	assert.Len(t, plain.ListActive(), 2, "reads leave reservations alone")

	tr, err := New(ctx, store, WithClock(func() time.Time { return day }), WithPendingSweep())
	require.NoError(t, err)
	active := tr.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].ID)

	b, err := tr.Get("b")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, b.State)

	stored, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, stored[1].State)
}

func TestPrune(t *testing.T) {
	now := day
	tr, err := New(context.Background(), nil, WithClock(func() time.Time { return now }), WithRetention(48*time.Hour))
	require.NoError(t, err)
	ctx := context.Background()

	declined, err := tr.Upsert(ctx, Meeting{Interval: iv(9, 0, 10, 0), State: StateDeclined})
	require.NoError(t, err)
	confirmed, err := tr.Upsert(ctx, Meeting{Interval: iv(10, 0, 11, 0), State: StateConfirmed})
	require.NoError(t, err)

	now = day.Add(24 * time.Hour)
	recent, err := tr.Upsert(ctx, Meeting{Interval: iv(11, 0, 12, 0), State: StateExpired})
	require.NoError(t, err)

	n, err := tr.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	now = day.Add(60 * time.Hour)
	n, err = tr.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = tr.Get(declined.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	for _, id := range []string{confirmed.ID, recent.ID} {
		_, err := tr.Get(id)
		assert.NoError(t, err)
	}
}

func TestPrune_Disabled(t *testing.T) {
	tr, err := New(context.Background(), nil, WithClock(func() time.Time { return day }), WithRetention(0))
	require.NoError(t, err)
	_, err = tr.Upsert(context.Background(), Meeting{Interval: iv(9, 0, 10, 0), State: StateDeclined, UpdatedAt: day})
	require.NoError(t, err)

	n, err := tr.Prune(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, tr.List(), 1)
}

func TestGet_NotFound(t *testing.T) {
	_, err := newTracker(t, nil).Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func assertNoActiveOverlap(t *testing.T, tr *Tracker) {
	t.Helper()
	active := tr.ListActive()
	for i := range active {
		for j := i + 1; j < len(active); j++ {
			assert.False(t, active[i].Interval.Overlaps(active[j].Interval),
				fmt.Sprintf("%s overlaps %s", active[i].ID, active[j].ID))
		}
	}
}
