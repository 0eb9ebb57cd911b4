// Package availability decides whether a proposed meeting time is free and,
// when it is not, proposes ranked alternative slots.
package availability

import (
	"sort"
	"time"

	"github.com/teemow/inboxmeet/internal/intent"
	"github.com/teemow/inboxmeet/internal/interval"
)

// Kind is the outcome of a resolution.
type Kind string

const (
	KindAvailable     Kind = "AVAILABLE"
	KindConflict      Kind = "CONFLICT"
	KindIndeterminate Kind = "INDETERMINATE"
)

// Defaults for Config.
const (
	DefaultHorizon         = 7 * 24 * time.Hour
	DefaultMaxAlternatives = 3
	DefaultGranularity     = 30 * time.Minute
	DefaultWorkdayStart    = 9 * time.Hour
	DefaultWorkdayEnd      = 18 * time.Hour
)

// Snapshot is a point-in-time copy of the external calendar's busy blocks.
type Snapshot struct {
	FetchedAt time.Time
	Busy      []interval.TimeInterval
}

// NewSnapshot copies busy so later changes by the caller are not observed.
func NewSnapshot(fetchedAt time.Time, busy []interval.TimeInterval) Snapshot {
	return Snapshot{FetchedAt: fetchedAt, Busy: append([]interval.TimeInterval(nil), busy...)}
}

// TrackerView is the resolver's read-only view of locally tracked meetings.
type TrackerView interface {
	// ActiveIntervals returns intervals of PENDING_CONFIRM and CONFIRMED meetings.
	ActiveIntervals() []interval.TimeInterval
	// ReleasedSince returns intervals of calendar events the tracker released
	// after t. A fetch taken before t may still report them as busy.
	ReleasedSince(t time.Time) []interval.TimeInterval
}

// Resolution is the result of Resolve. Interval holds the requested candidate
// for AVAILABLE and CONFLICT; Alternatives is only set for CONFLICT.
type Resolution struct {
	Kind         Kind                    `json:"kind"`
	Interval     interval.TimeInterval   `json:"interval"`
	Alternatives []interval.TimeInterval `json:"alternatives,omitempty"`
}

// Config controls alternative search.
type Config struct {
	// Horizon is how many days after the requested day are searched.
	Horizon         time.Duration
	MaxAlternatives int
	// Granularity aligns alternative start times to a grid from local midnight.
	Granularity time.Duration
	// WorkdayStart and WorkdayEnd are offsets from local midnight. When both
	// are zero the whole day is searched.
	WorkdayStart time.Duration
	WorkdayEnd   time.Duration
	Location     *time.Location
}

// DefaultConfig returns the default search settings in loc.
func DefaultConfig(loc *time.Location) Config {
	return Config{
		Horizon:         DefaultHorizon,
		MaxAlternatives: DefaultMaxAlternatives,
		Granularity:     DefaultGranularity,
		WorkdayStart:    DefaultWorkdayStart,
		WorkdayEnd:      DefaultWorkdayEnd,
		Location:        loc,
	}
}

// Resolver is stateless; Resolve is safe for concurrent use.
type Resolver struct {
	cfg Config
}

// NewResolver creates a resolver. Zero fields take defaults.
func NewResolver(cfg Config) *Resolver {
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultHorizon
	}
	if cfg.MaxAlternatives <= 0 {
		cfg.MaxAlternatives = DefaultMaxAlternatives
	}
	if cfg.Granularity <= 0 {
		cfg.Granularity = DefaultGranularity
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.WorkdayEnd < cfg.WorkdayStart {
		cfg.WorkdayStart, cfg.WorkdayEnd = 0, 0
	}
	return &Resolver{cfg: cfg}
}

// Config returns the effective configuration.
func (r *Resolver) Config() Config {
	return r.cfg
}

// Resolve checks the proposal's primary candidate against the snapshot merged
// with the tracker view. The result depends only on its inputs.
func (r *Resolver) Resolve(p *intent.MeetingProposal, snap Snapshot, view TrackerView) Resolution {
	var primary interval.TimeInterval
	ok := false
	if p != nil {
		primary, ok = p.Primary()
	}
	if !ok || !primary.Valid() {
		return Resolution{Kind: KindIndeterminate}
	}
	return r.ResolveInterval(primary, snap, view)
}

// ResolveInterval is Resolve for an explicit candidate.
func (r *Resolver) ResolveInterval(requested interval.TimeInterval, snap Snapshot, view TrackerView) Resolution {
	if !requested.Valid() {
		return Resolution{Kind: KindIndeterminate}
	}
	busy := EffectiveBusy(snap, view)

	// A slot that has already started cannot be booked.
	inPast := !snap.FetchedAt.IsZero() && requested.Start.Before(snap.FetchedAt)
	if !inPast && !interval.OverlapsAny(requested, busy) {
		return Resolution{Kind: KindAvailable, Interval: requested}
	}
	return Resolution{
		Kind:         KindConflict,
		Interval:     requested,
		Alternatives: r.alternatives(requested, busy, snap.FetchedAt),
	}
}

// EffectiveBusy merges the snapshot with the tracker view. Busy blocks that
// exactly match an event the tracker released after the fetch are dropped,
// and every active tracked meeting is added.
func EffectiveBusy(snap Snapshot, view TrackerView) []interval.TimeInterval {
	var released, active []interval.TimeInterval
	if view != nil {
		released = view.ReleasedSince(snap.FetchedAt)
		active = view.ActiveIntervals()
	}

	all := make([]interval.TimeInterval, 0, len(snap.Busy)+len(active))
	for _, b := range snap.Busy {
		if !containsEqual(released, b) {
			all = append(all, b)
		}
	}
	all = append(all, active...)
	return interval.Merge(all)
}

func (r *Resolver) alternatives(requested interval.TimeInterval, busy []interval.TimeInterval, notBefore time.Time) []interval.TimeInterval {
	loc := r.cfg.Location
	d := requested.Duration()
	reqStart := requested.Start.In(loc)
	firstDay := midnight(reqStart)
	days := int(r.cfg.Horizon / (24 * time.Hour))

	var candidates []interval.TimeInterval
	for i := 0; i <= days; i++ {
		day := firstDay.AddDate(0, 0, i)
		window, ok := r.workday(day, notBefore)
		if !ok {
			continue
		}
		for _, gap := range interval.Gaps(busy, window, d) {
			candidates = append(candidates, r.slots(day, gap, d)...)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		aSame, bSame := sameDay(a.Start.In(loc), reqStart), sameDay(b.Start.In(loc), reqStart)
		if aSame != bSame {
			return aSame
		}
		da, db := absDuration(a.Start.Sub(reqStart)), absDuration(b.Start.Sub(reqStart))
		if da != db {
			return da < db
		}
		return a.Start.Before(b.Start)
	})

	var picked []interval.TimeInterval
	for _, c := range candidates {
		if len(picked) == r.cfg.MaxAlternatives {
			break
		}
		if c.Equal(requested) || interval.OverlapsAny(c, picked) {
			continue
		}
		picked = append(picked, c)
	}
	return picked
}

// workday returns the searchable part of day, starting no earlier than the
// first grid point at or after notBefore.
func (r *Resolver) workday(day, notBefore time.Time) (interval.TimeInterval, bool) {
	start, end := day, day.AddDate(0, 0, 1)
	if r.cfg.WorkdayStart != 0 || r.cfg.WorkdayEnd != 0 {
		start, end = atOffset(day, r.cfg.WorkdayStart), atOffset(day, r.cfg.WorkdayEnd)
	}
	if start.Before(notBefore) {
		g := r.cfg.Granularity
		steps := (notBefore.Sub(day) + g - 1) / g
		start = day.Add(steps * g)
	}
	if !start.Before(end) {
		return interval.TimeInterval{}, false
	}
	return interval.TimeInterval{Start: start, End: end}, true
}

// slots lists candidate starts in gap: the gap start itself and every grid
// point after it that still fits d.
func (r *Resolver) slots(day time.Time, gap interval.TimeInterval, d time.Duration) []interval.TimeInterval {
	latest := gap.End.Add(-d)
	out := []interval.TimeInterval{{Start: gap.Start, End: gap.Start.Add(d)}}

	g := r.cfg.Granularity
	offset := gap.Start.Sub(day)
	next := day.Add((offset/g + 1) * g)
	for ; !next.After(latest); next = next.Add(g) {
		out = append(out, interval.TimeInterval{Start: next, End: next.Add(d)})
	}
	return out
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func atOffset(day time.Time, off time.Duration) time.Time {
	h, m := int(off/time.Hour), int(off%time.Hour/time.Minute)
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, day.Location())
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func containsEqual(set []interval.TimeInterval, iv interval.TimeInterval) bool {
	for _, s := range set {
		if s.Equal(iv) {
			return true
		}
	}
	return false
}
