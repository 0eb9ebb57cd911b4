// Package interval provides half-open time ranges and the busy/free geometry
// used to reason about calendar availability.
package interval

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidInterval is returned when an interval does not satisfy Start < End.
var ErrInvalidInterval = errors.New("interval start must be before end")

// TimeInterval is a half-open range [Start, End).
type TimeInterval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// New returns the interval [start, end) or ErrInvalidInterval.
func New(start, end time.Time) (TimeInterval, error) {
	if !start.Before(end) {
		return TimeInterval{}, fmt.Errorf("%w: %s >= %s", ErrInvalidInterval,
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return TimeInterval{Start: start, End: end}, nil
}

// OfDuration returns [start, start+d).
func OfDuration(start time.Time, d time.Duration) (TimeInterval, error) {
	return New(start, start.Add(d))
}

// Valid reports whether Start < End.
func (t TimeInterval) Valid() bool {
	return t.Start.Before(t.End)
}

// Duration returns End - Start.
func (t TimeInterval) Duration() time.Duration {
	return t.End.Sub(t.Start)
}

// Overlaps reports whether the two intervals share any instant.
// Back-to-back intervals do not overlap.
func (t TimeInterval) Overlaps(o TimeInterval) bool {
	return t.Start.Before(o.End) && o.Start.Before(t.End)
}

// Contains reports whether o lies entirely within t.
func (t TimeInterval) Contains(o TimeInterval) bool {
	return !o.Start.Before(t.Start) && !o.End.After(t.End)
}

// Equal compares instants, ignoring location.
func (t TimeInterval) Equal(o TimeInterval) bool {
	return t.Start.Equal(o.Start) && t.End.Equal(o.End)
}

// Less orders by start time, then end time.
func (t TimeInterval) Less(o TimeInterval) bool {
	if !t.Start.Equal(o.Start) {
		return t.Start.Before(o.Start)
	}
	return t.End.Before(o.End)
}

// In returns the interval with both bounds converted to loc.
func (t TimeInterval) In(loc *time.Location) TimeInterval {
	return TimeInterval{Start: t.Start.In(loc), End: t.End.In(loc)}
}

func (t TimeInterval) String() string {
	return t.Start.Format(time.RFC3339) + "/" + t.End.Format(time.RFC3339)
}

// Overlaps is the free-function form of TimeInterval.Overlaps.
func Overlaps(a, b TimeInterval) bool {
	return a.Overlaps(b)
}

// Sort orders intervals in place by start, then end.
func Sort(ivs []TimeInterval) {
	sort.SliceStable(ivs, func(i, j int) bool { return ivs[i].Less(ivs[j]) })
}

// Merge coalesces overlapping and adjacent intervals into a minimal, disjoint,
// ordered set. Invalid intervals are skipped. The input is not modified.
func Merge(ivs []TimeInterval) []TimeInterval {
	sorted := make([]TimeInterval, 0, len(ivs))
	for _, iv := range ivs {
		if iv.Valid() {
			sorted = append(sorted, iv)
		}
	}
	if len(sorted) == 0 {
		return nil
	}
	Sort(sorted)

	merged := []TimeInterval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &merged[len(merged)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// Gaps returns the free slots inside within that are not covered by busy and
// are at least minDuration long. busy should be the output of Merge; unmerged
// input is merged first.
func Gaps(busy []TimeInterval, within TimeInterval, minDuration time.Duration) []TimeInterval {
	if !within.Valid() {
		return nil
	}
	if minDuration <= 0 {
		minDuration = time.Nanosecond
	}

	var gaps []TimeInterval
	cursor := within.Start
	for _, b := range Merge(busy) {
		if !b.End.After(within.Start) {
			continue
		}
		if !b.Start.Before(within.End) {
			break
		}
		if b.Start.After(cursor) && b.Start.Sub(cursor) >= minDuration {
			gaps = append(gaps, TimeInterval{Start: cursor, End: b.Start})
		}
		if b.End.After(cursor) {
			cursor = b.End
		}
	}
	if within.End.After(cursor) && within.End.Sub(cursor) >= minDuration {
		gaps = append(gaps, TimeInterval{Start: cursor, End: within.End})
	}
	return gaps
}

// OverlapsAny reports whether iv overlaps any interval in set.
func OverlapsAny(iv TimeInterval, set []TimeInterval) bool {
	for _, s := range set {
		if iv.Overlaps(s) {
			return true
		}
	}
	return false
}

// Covered reports whether iv is fully contained in the union of set.
func Covered(iv TimeInterval, set []TimeInterval) bool {
	for _, m := range Merge(set) {
		if m.Contains(iv) {
			return true
		}
	}
	return false
}
