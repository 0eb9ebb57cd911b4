package intent

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const monthPattern = `(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)`

var (
	isoDateTimeRe = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})[t ](\d{2}):(\d{2})(?::(\d{2}))?(z|[+-]\d{2}:?\d{2})?`)
	isoDateRe     = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	relativeDayRe = regexp.MustCompile(`\b(today|tonight|tomorrow|tmrw)\b`)
	weekdayRe     = regexp.MustCompile(`\b(?:(next|this|coming)\s+)?(mon(?:day)?|tue(?:s|sday)?|wed(?:nesday)?|thu(?:rs|rsday)?|fri(?:day)?|sat(?:urday)?|sun(?:day)?)\b`)
	monthDayRe    = regexp.MustCompile(`\b` + monthPattern + `\.?\s+(\d{1,2})(?:st|nd|rd|th)?\b(?:,?\s+(\d{4})\b)?`)
	dayMonthRe    = regexp.MustCompile(`\b(\d{1,2})(?:st|nd|rd|th)?\s+(?:of\s+)?` + monthPattern + `\b(?:,?\s+(\d{4})\b)?`)

	timeRangeRe  = regexp.MustCompile(`\b(?:from\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm)?\s*(?:-|–|to|until|till)\s*(\d{1,2})(?::(\d{2}))?\s*(am|pm)?\b`)
	clockTimeRe  = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\s*(am|pm)?\b`)
	hourMerRe    = regexp.MustCompile(`\b(\d{1,2})\s*(am|pm)\b`)
	namedTimeRe  = regexp.MustCompile(`\b(noon|midday)\b`)
	textReplacer = strings.NewReplacer("a.m.", "am", "p.m.", "pm", "\u2019", "'")
)

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

type dateKind int

const (
	dateToday dateKind = iota
	dateTomorrow
	dateWeekday
	dateCalendar
)

// clock is a wall-clock time of day.
type clock struct {
	hour, min int
}

type dateRef struct {
	kind     dateKind
	weekday  time.Weekday
	next     bool
	year     int // zero when the year was not written
	month    time.Month
	day      int
	at       *clock
	zone     *time.Location
	pos      [2]int
	explicit bool
}

type timeRef struct {
	start clock
	end   *clock
	pos   [2]int
}

func prepare(s string) string {
	return textReplacer.Replace(strings.ToLower(s))
}

// findDates returns every non-overlapping date reference in s, ordered by
// position. s must already be prepared.
func findDates(s string) []dateRef {
	var found []dateRef

	for _, m := range isoDateTimeRe.FindAllStringSubmatchIndex(s, -1) {
		g := groups(s, m)
		y, mo, d := atoi(g[1]), atoi(g[2]), atoi(g[3])
		h, mi := atoi(g[4]), atoi(g[5])
		if h > 23 || mi > 59 {
			continue
		}
		ref := dateRef{kind: dateCalendar, year: y, month: time.Month(mo), day: d, explicit: true,
			at: &clock{hour: h, min: mi}, pos: [2]int{m[0], m[1]}}
		if g[7] != "" {
			ref.zone = parseZone(g[7])
		}
		found = append(found, ref)
	}
	for _, m := range isoDateRe.FindAllStringSubmatchIndex(s, -1) {
		g := groups(s, m)
		found = append(found, dateRef{kind: dateCalendar, year: atoi(g[1]), month: time.Month(atoi(g[2])),
			day: atoi(g[3]), explicit: true, pos: [2]int{m[0], m[1]}})
	}
	for _, m := range relativeDayRe.FindAllStringSubmatchIndex(s, -1) {
		kind := dateToday
		if g := groups(s, m); g[1] == "tomorrow" || g[1] == "tmrw" {
			kind = dateTomorrow
		}
		found = append(found, dateRef{kind: kind, pos: [2]int{m[0], m[1]}})
	}
	for _, m := range weekdayRe.FindAllStringSubmatchIndex(s, -1) {
		g := groups(s, m)
		found = append(found, dateRef{kind: dateWeekday, weekday: weekdays[g[2][:3]], next: g[1] == "next",
			pos: [2]int{m[0], m[1]}})
	}
	for _, m := range monthDayRe.FindAllStringSubmatchIndex(s, -1) {
		g := groups(s, m)
		found = append(found, calendarRef(g[1], g[2], g[3], m))
	}
	for _, m := range dayMonthRe.FindAllStringSubmatchIndex(s, -1) {
		g := groups(s, m)
		found = append(found, calendarRef(g[2], g[1], g[3], m))
	}

	return nonOverlapping(found, func(d dateRef) [2]int { return d.pos })
}

func calendarRef(month, day, year string, m []int) dateRef {
	ref := dateRef{kind: dateCalendar, month: monthNumber(month), day: atoi(day), pos: [2]int{m[0], m[1]}}
	if year != "" {
		ref.year = atoi(year)
		ref.explicit = true
	}
	return ref
}

// findTimes returns every non-overlapping time-of-day reference in s. Date
// spans are blanked first so day numbers are never read as hours.
func findTimes(s string, dates []dateRef) []timeRef {
	b := []byte(s)
	for _, d := range dates {
		for i := d.pos[0]; i < d.pos[1]; i++ {
			b[i] = ' '
		}
	}
	s = string(b)

	var found []timeRef
	for _, m := range timeRangeRe.FindAllStringSubmatchIndex(s, -1) {
		g := groups(s, m)
		// A bare "5-7" is more often a date range or a count than a time.
		if g[2] == "" && g[3] == "" && g[5] == "" && g[6] == "" {
			continue
		}
		endMer := g[6]
		startMer := g[3]
		end, ok := toClock(g[4], g[5], endMer)
		if !ok {
			continue
		}
		inherited := startMer == "" && endMer != ""
		if inherited {
			startMer = endMer
		}
		start, ok := toClock(g[1], g[2], startMer)
		if !ok {
			continue
		}
		if inherited && minutes(start) > minutes(end) {
			// "11-1pm" means 11am to 1pm.
			start, _ = toClock(g[1], g[2], "am")
		}
		found = append(found, timeRef{start: start, end: &end, pos: [2]int{m[0], m[1]}})
	}
	for _, m := range clockTimeRe.FindAllStringSubmatchIndex(s, -1) {
		g := groups(s, m)
		if c, ok := toClock(g[1], g[2], g[3]); ok {
			found = append(found, timeRef{start: c, pos: [2]int{m[0], m[1]}})
		}
	}
	for _, m := range hourMerRe.FindAllStringSubmatchIndex(s, -1) {
		g := groups(s, m)
		if c, ok := toClock(g[1], "", g[2]); ok {
			found = append(found, timeRef{start: c, pos: [2]int{m[0], m[1]}})
		}
	}
	for _, m := range namedTimeRe.FindAllStringIndex(s, -1) {
		found = append(found, timeRef{start: clock{hour: 12}, pos: [2]int{m[0], m[1]}})
	}

	return nonOverlapping(found, func(t timeRef) [2]int { return t.pos })
}

// normalizeText resolves free text to a start and optional end in loc,
// relative to ref. ok is false when no future instant can be derived.
func normalizeText(text string, ref time.Time, loc *time.Location) (start, end time.Time, ok bool) {
	s := prepare(text)
	dates := findDates(s)
	times := findTimes(s, dates)

	var d *dateRef
	if len(dates) > 0 {
		d = &dates[0]
	}
	var t *timeRef
	if len(times) > 0 {
		t = &times[0]
	}
	return resolve(d, t, ref.In(loc), loc)
}

func resolve(d *dateRef, t *timeRef, ref time.Time, loc *time.Location) (start, end time.Time, ok bool) {
	var at clock
	switch {
	case d != nil && d.at != nil:
		at = *d.at
	case t != nil:
		at = t.start
	default:
		return time.Time{}, time.Time{}, false
	}

	zone := loc
	if d != nil && d.zone != nil {
		zone = d.zone
	}
	on := func(y int, mo time.Month, day int) time.Time {
		return time.Date(y, mo, day, at.hour, at.min, 0, 0, zone)
	}
	today := func(offset int) time.Time {
		return on(ref.Year(), ref.Month(), ref.Day()+offset)
	}

	switch {
	case d == nil:
		start = today(0)
		if !start.After(ref) {
			start = today(1)
		}
	case d.kind == dateToday:
		start = today(0)
	case d.kind == dateTomorrow:
		start = today(1)
	case d.kind == dateWeekday:
		delta := (int(d.weekday) - int(ref.Weekday()) + 7) % 7
		if delta == 0 && (d.next || !today(0).After(ref)) {
			delta = 7
		}
		start = today(delta)
	case d.kind == dateCalendar:
		y := d.year
		if y == 0 {
			y = ref.Year()
		}
		start = on(y, d.month, d.day)
		if !sameDate(start, y, d.month, d.day) {
			return time.Time{}, time.Time{}, false
		}
		if !start.After(ref) && !d.explicit {
			start = on(y+1, d.month, d.day)
			if !sameDate(start, y+1, d.month, d.day) {
				return time.Time{}, time.Time{}, false
			}
		}
	}

	if !start.After(ref) {
		return time.Time{}, time.Time{}, false
	}
	if t != nil && t.end != nil && (d == nil || d.at == nil) {
		end = time.Date(start.Year(), start.Month(), start.Day(), t.end.hour, t.end.min, 0, 0, start.Location())
		if !end.After(start) {
			end = end.AddDate(0, 0, 1)
		}
	}
	return start, end, true
}

var isoLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// parseISO parses a model-provided timestamp. Values without an offset are
// interpreted in loc.
func parseISO(v string, loc *time.Location) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range isoLayouts {
		if ts, err := time.ParseInLocation(layout, v, loc); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func toClock(h, m, mer string) (clock, bool) {
	hour := atoi(h)
	minute := 0
	if m != "" {
		minute = atoi(m)
	}
	if minute > 59 {
		return clock{}, false
	}
	switch mer {
	case "am", "pm":
		if hour < 1 || hour > 12 {
			return clock{}, false
		}
		hour %= 12
		if mer == "pm" {
			hour += 12
		}
	default:
		if hour > 23 {
			return clock{}, false
		}
		// "at 3:30" in a business email means the afternoon.
		if len(h) == 1 && hour >= 1 && hour <= 7 {
			hour += 12
		}
	}
	return clock{hour: hour, min: minute}, true
}

func minutes(c clock) int { return c.hour*60 + c.min }

func sameDate(t time.Time, y int, mo time.Month, d int) bool {
	return t.Year() == y && t.Month() == mo && t.Day() == d
}

func monthNumber(s string) time.Month {
	months := []string{"jan", "feb", "mar", "apr", "may", "jun", "jul", "aug", "sep", "oct", "nov", "dec"}
	for i, p := range months {
		if strings.HasPrefix(s, p) {
			return time.Month(i + 1)
		}
	}
	return 0
}

func parseZone(z string) *time.Location {
	if z == "z" {
		return time.UTC
	}
	sign := 1
	if z[0] == '-' {
		sign = -1
	}
	digits := strings.ReplaceAll(z[1:], ":", "")
	if len(digits) != 4 {
		return nil
	}
	offset := sign * (atoi(digits[:2])*3600 + atoi(digits[2:])*60)
	return time.FixedZone("", offset)
}

func groups(s string, m []int) []string {
	out := make([]string, len(m)/2)
	for i := range out {
		if m[2*i] >= 0 {
			out[i] = s[m[2*i]:m[2*i+1]]
		}
	}
	return out
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// nonOverlapping keeps the earliest, then longest, match at each position.
func nonOverlapping[T any](items []T, pos func(T) [2]int) []T {
	sort.SliceStable(items, func(i, j int) bool {
		pi, pj := pos(items[i]), pos(items[j])
		if pi[0] != pj[0] {
			return pi[0] < pj[0]
		}
		return pi[1] > pj[1]
	})
	var out []T
	last := -1
	for _, it := range items {
		p := pos(it)
		if p[0] < last {
			continue
		}
		out = append(out, it)
		last = p[1]
	}
	return out
}
