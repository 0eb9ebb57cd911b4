package intent

import (
	"context"
	"math"
	"net/mail"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	meetingWordRe = regexp.MustCompile(`\b(meet|meeting|meetup|appointment|schedule|call|hangout|sync|catch up|get together|grab coffee|coffee chat|set up a call|book a time|chat)\b`)
	durationRe    = regexp.MustCompile(`\b(\d+(?:\.\d+)?)\s*(minutes?|mins?|hours?|hrs?|h)\b`)
	halfHourRe    = regexp.MustCompile(`\b(half an hour|half-hour|30-minute)\b`)
	emailRe       = regexp.MustCompile(`[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
)

// maxPairGap bounds how far apart a date and a time may be written and still
// be read as one mention.
const maxPairGap = 40

// HasMeetingLanguage reports whether text uses meeting vocabulary.
func HasMeetingLanguage(text string) bool {
	return meetingWordRe.MatchString(prepare(text))
}

// KeywordUnderstander is a deterministic Understander based on keyword and
// pattern matching. It backs up a hosted model and runs alone when none is
// configured.
type KeywordUnderstander struct{}

// Understand implements Understander.
func (KeywordUnderstander) Understand(_ context.Context, text string) (Understanding, error) {
	s := prepare(text)
	out := Understanding{
		Mentions:     keywordMentions(s),
		Duration:     parseDuration(s),
		Participants: parseParticipants(s),
	}

	score := 0.3
	if meetingWordRe.MatchString(s) {
		score += 0.4
	}
	for _, m := range out.Mentions {
		if hasDateAndTime(m.Text) {
			score += 0.2
			break
		}
	}
	out.Confidence = math.Min(score, 0.9)
	return out, nil
}

// keywordMentions pairs each date with the nearest following (or preceding)
// time within the same sentence. Unpaired times and dates become mentions on
// their own so the confidence policy can account for them.
func keywordMentions(s string) []TimeMention {
	type placed struct {
		at   int
		text string
	}
	var mentions []TimeMention
	for _, r := range sentenceRanges(s) {
		sentence := s[r[0]:r[1]]
		dates := findDates(sentence)
		times := findTimes(sentence, dates)
		usedTime := make([]bool, len(times))

		var found []placed
		for _, d := range dates {
			lo, hi := d.pos[0], d.pos[1]
			if d.at == nil {
				if i := nearestTime(d, times, usedTime); i >= 0 {
					usedTime[i] = true
					lo = min(lo, times[i].pos[0])
					hi = max(hi, times[i].pos[1])
				}
			}
			found = append(found, placed{at: lo, text: sentence[lo:hi]})
		}
		for i, t := range times {
			if !usedTime[i] {
				found = append(found, placed{at: t.pos[0], text: sentence[t.pos[0]:t.pos[1]]})
			}
		}
		sort.SliceStable(found, func(i, j int) bool { return found[i].at < found[j].at })
		for _, f := range found {
			mentions = append(mentions, TimeMention{Text: strings.TrimSpace(f.text)})
		}
	}
	return mentions
}

func nearestTime(d dateRef, times []timeRef, used []bool) int {
	best, bestGap := -1, maxPairGap+1
	for i, t := range times {
		if used[i] {
			continue
		}
		gap := t.pos[0] - d.pos[1]
		if t.pos[1] <= d.pos[0] {
			// Preceding times ("2pm on Tuesday") weigh slightly less.
			gap = d.pos[0] - t.pos[1] + 1
		}
		if gap >= 0 && gap < bestGap {
			best, bestGap = i, gap
		}
	}
	return best
}

func sentenceRanges(s string) [][2]int {
	var out [][2]int
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		end := c == '\n' || c == '!' || c == '?' || c == ';'
		// Periods end sentences except inside numbers like 2.30.
		if c == '.' && (i+1 >= len(s) || s[i+1] == ' ' || s[i+1] == '\n') {
			end = true
		}
		if end {
			if i > start {
				out = append(out, [2]int{start, i})
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, [2]int{start, len(s)})
	}
	return out
}

func hasDateAndTime(text string) bool {
	s := prepare(text)
	dates := findDates(s)
	if len(dates) == 0 {
		return false
	}
	return dates[0].at != nil || len(findTimes(s, dates)) > 0
}

func parseDuration(s string) time.Duration {
	if halfHourRe.MatchString(s) {
		return 30 * time.Minute
	}
	m := durationRe.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || v <= 0 {
		return 0
	}
	unit := time.Minute
	if strings.HasPrefix(m[2], "h") {
		unit = time.Hour
	}
	d := time.Duration(v * float64(unit))
	if d > 12*time.Hour {
		return 0
	}
	return d.Round(time.Minute)
}

func parseParticipants(s string) []string {
	var out []string
	for _, addr := range emailRe.FindAllString(s, -1) {
		if a, err := mail.ParseAddress(addr); err == nil {
			out = append(out, a.Address)
		}
	}
	return out
}
