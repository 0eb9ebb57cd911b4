package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teemow/inboxmeet/internal/interval"
	"github.com/teemow/inboxmeet/internal/logging"
)

// releaseRetention bounds how long released intervals are remembered.
const releaseRetention = 7 * 24 * time.Hour

// DefaultRetention is how long declined, expired and cancelled meetings are
// kept after their last update.
const DefaultRetention = 30 * 24 * time.Hour

// Store persists meeting records.
type Store interface {
	Load(ctx context.Context) ([]Meeting, error)
	Put(ctx context.Context, m Meeting) error
	Delete(ctx context.Context, id string) error
}

type release struct {
	interval interval.TimeInterval
	at       time.Time
}

// Tracker owns all meeting records for one user. Mutations are serialized;
// a mutation is committed to memory only after the store accepted it.
type Tracker struct {
	mu        sync.RWMutex
	meetings  map[string]Meeting
	releases  []release
	store     Store
	now       func() time.Time
	logger    *slog.Logger
	retention time.Duration
	sweep     bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithRetention sets how long inactive meetings are kept. Zero keeps them
// forever.
func WithRetention(d time.Duration) Option {
	return func(t *Tracker) { t.retention = d }
}

// WithPendingSweep cancels PENDING_CONFIRM records found on load. Only the
// process that runs verifications may set it: a reservation that outlived
// its process has nothing left to confirm or release it.
func WithPendingSweep() Option {
	return func(t *Tracker) { t.sweep = true }
}

// New loads the tracker from store. Loading fails with *OverlapError if the
// persisted records violate the no-overlap invariant. Inactive meetings past
// the retention are pruned.
func New(ctx context.Context, store Store, opts ...Option) (*Tracker, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	t := &Tracker{
		meetings:  make(map[string]Meeting),
		store:     store,
		now:       time.Now,
		logger:    slog.Default(),
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logging.WithService(t.logger, "tracker")

	records, err := store.Load(ctx)
	if err != nil {
		return nil, &StoreError{Op: "load", Err: err}
	}
	for _, m := range records {
		if !m.Interval.Valid() {
			return nil, fmt.Errorf("meeting %s has invalid interval %s", m.ID, m.Interval)
		}
		if m.State.Active() {
			if existing, ok := t.overlapping(m); ok {
				return nil, &OverlapError{Meeting: m, Existing: existing}
			}
		}
		t.meetings[m.ID] = m.clone()
	}
	if t.sweep {
		if err := t.sweepPending(ctx); err != nil {
			return nil, err
		}
	}
	if _, err := t.Prune(ctx); err != nil {
		return nil, err
	}
	t.logger.Debug("tracker loaded", slog.Int("meetings", len(t.meetings)))
	return t, nil
}

func (t *Tracker) sweepPending(ctx context.Context) error {
	for _, m := range t.filter(func(m Meeting) bool { return m.State == StatePendingConfirm }) {
		m.State = StateCancelled
		if _, err := t.upsertLocked(ctx, m); err != nil {
			return err
		}
		t.logger.Warn("released interrupted reservation",
			slog.String("meeting_id", m.ID), slog.String("interval", m.Interval.String()))
	}
	return nil
}

// Prune deletes inactive meetings not updated within the retention and
// returns how many were removed.
func (t *Tracker) Prune(ctx context.Context) (int, error) {
	if t.retention <= 0 {
		return 0, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.retention)
	ids := make([]string, 0, len(t.meetings))
	for id, m := range t.meetings {
		if !m.State.Active() && m.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for i, id := range ids {
		if err := t.store.Delete(ctx, id); err != nil {
			return i, &StoreError{Op: "delete", Err: err}
		}
		delete(t.meetings, id)
	}
	if len(ids) > 0 {
		t.logger.Info("pruned inactive meetings", slog.Int("meetings", len(ids)))
	}
	return len(ids), nil
}

// Upsert inserts or replaces a meeting and returns the stored record. An
// empty ID is assigned. Active meetings must not overlap other active ones.
func (t *Tracker) Upsert(ctx context.Context, m Meeting) (Meeting, error) {
	if !m.Interval.Valid() {
		return Meeting{}, fmt.Errorf("invalid meeting interval: %w", interval.ErrInvalidInterval)
	}
	if !m.State.Valid() {
		return Meeting{}, fmt.Errorf("invalid meeting state %q", m.State)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.upsertLocked(ctx, m)
}

func (t *Tracker) upsertLocked(ctx context.Context, m Meeting) (Meeting, error) {
	now := t.now()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	prev, exists := t.meetings[m.ID]
	if exists {
		m.CreatedAt = prev.CreatedAt
	} else if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.State != StateConfirmed {
		m.Stale = false
	}

	if m.State.Active() {
		if existing, ok := t.overlapping(m); ok {
			return Meeting{}, &OverlapError{Meeting: m, Existing: existing}
		}
	}

	m = m.clone()
	if err := t.store.Put(ctx, m); err != nil {
		return Meeting{}, &StoreError{Op: "put", Err: err}
	}

	t.meetings[m.ID] = m
	if exists && prev.State.Active() && prev.EventID != "" && (!m.State.Active() || m.EventID == "") {
		t.addRelease(prev.Interval, now)
	}
	return m.clone(), nil
}

// Cancel releases a confirmed meeting: it becomes CANCELLED and its event
// reference is cleared. Other states fail with ErrNotCancellable.
func (t *Tracker) Cancel(ctx context.Context, id string) (Meeting, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.meetings[id]
	if !ok {
		return Meeting{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if m.State != StateConfirmed {
		return Meeting{}, fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, m.State)
	}
	m = m.clone()
	m.State = StateCancelled
	m.EventID = ""
	return t.upsertLocked(ctx, m)
}

// Get returns a meeting by id.
func (t *Tracker) Get(id string) (Meeting, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.meetings[id]
	if !ok {
		return Meeting{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m.clone(), nil
}

// List returns every meeting ordered by interval.
func (t *Tracker) List() []Meeting {
	return t.filter(func(Meeting) bool { return true })
}

// ListActive returns PENDING_CONFIRM and CONFIRMED meetings ordered by interval.
func (t *Tracker) ListActive() []Meeting {
	return t.filter(func(m Meeting) bool { return m.State.Active() })
}

// ListStale returns confirmed meetings flagged by reconciliation.
func (t *Tracker) ListStale() []Meeting {
	return t.filter(func(m Meeting) bool { return m.Stale })
}

// ActiveIntervals returns the intervals of active meetings.
func (t *Tracker) ActiveIntervals() []interval.TimeInterval {
	active := t.ListActive()
	out := make([]interval.TimeInterval, len(active))
	for i, m := range active {
		out[i] = m.Interval
	}
	return out
}

// ReleasedSince returns intervals of booked meetings released after since.
func (t *Tracker) ReleasedSince(since time.Time) []interval.TimeInterval {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []interval.TimeInterval
	for _, r := range t.releases {
		if r.at.After(since) {
			out = append(out, r.interval)
		}
	}
	return out
}

// Reconcile compares confirmed meetings inside window with the external busy
// intervals. Meetings no longer covered are flagged stale; meetings that
// reappear are unflagged. Nothing is deleted. It returns the meetings whose
// flag changed.
func (t *Tracker) Reconcile(ctx context.Context, window interval.TimeInterval, busy []interval.TimeInterval) ([]Meeting, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	merged := interval.Merge(busy)
	ids := make([]string, 0, len(t.meetings))
	for id := range t.meetings {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var changed []Meeting
	for _, id := range ids {
		m := t.meetings[id]
		if m.State != StateConfirmed || !window.Contains(m.Interval) {
			continue
		}
		stale := !interval.Covered(m.Interval, merged)
		if stale == m.Stale {
			continue
		}
		m = m.clone()
		m.Stale = stale
		m.UpdatedAt = t.now()
		if err := t.store.Put(ctx, m); err != nil {
			return changed, &StoreError{Op: "put", Err: err}
		}
		t.meetings[id] = m
		changed = append(changed, m.clone())

		if stale {
			t.logger.Warn("confirmed meeting missing from calendar",
				slog.String("meeting_id", m.ID), slog.String("interval", m.Interval.String()))
		}
	}
	return changed, nil
}

// overlapping returns an active meeting other than m that overlaps m.
// Callers must hold the lock or be in construction.
func (t *Tracker) overlapping(m Meeting) (Meeting, bool) {
	for id, other := range t.meetings {
		if id == m.ID || !other.State.Active() {
			continue
		}
		if other.Interval.Overlaps(m.Interval) {
			return other, true
		}
	}
	return Meeting{}, false
}

func (t *Tracker) addRelease(iv interval.TimeInterval, at time.Time) {
	kept := t.releases[:0]
	for _, r := range t.releases {
		if at.Sub(r.at) < releaseRetention {
			kept = append(kept, r)
		}
	}
	t.releases = append(kept, release{interval: iv, at: at})
}

func (t *Tracker) filter(keep func(Meeting) bool) []Meeting {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Meeting
	for _, m := range t.meetings {
		if keep(m) {
			out = append(out, m.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Interval.Equal(out[j].Interval) {
			return out[i].Interval.Less(out[j].Interval)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
