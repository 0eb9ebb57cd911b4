package intent

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	cancelRe  = regexp.MustCompile(`\b(cancel(?:led|ed|ling)?|call(?:ing)? (?:it|this) off|no longer (?:need|able|available)|meeting is off|can't make it|cannot make it|won't be able to make|never ?mind|scratch that)\b`)
	declineRe = regexp.MustCompile(`\b(decline|no thanks|not interested|reject|don't book|do not book|doesn't work|does not work|won't work|skip it)\b`)
	acceptRe  = regexp.MustCompile(`\b(yes|yep|confirm(?:ed)?|sounds good|works for me|that works|go ahead|book it|approve|accept(?:ed)?|ok|okay|sure|perfect)\b`)
	optionRe  = regexp.MustCompile(`\b(?:option|slot|choice)\s*#?\s*(\d)\b|#(\d)\b`)
	ordinalRe = regexp.MustCompile(`\b(first|second|third|fourth|fifth|1st|2nd|3rd|4th|5th)\s+(?:one|option|slot|time)\b`)
	bareNoRe  = regexp.MustCompile(`^\s*(n|no|nope|nah)\b`)
	bareYesRe = regexp.MustCompile(`^\s*(y|yes)\b`)
)

var ordinals = map[string]int{
	"first": 1, "1st": 1, "second": 2, "2nd": 2, "third": 3, "3rd": 3,
	"fourth": 4, "4th": 4, "fifth": 5, "5th": 5,
}

// IsCancellation reports whether a follow-up says the meeting is off.
func IsCancellation(text string) bool {
	return cancelRe.MatchString(replyBody(text))
}

// IsDecline reports whether a reply rejects the proposed time.
func IsDecline(text string) bool {
	s := replyBody(text)
	return declineRe.MatchString(s) || bareNoRe.MatchString(s)
}

// IsAcceptance reports whether a reply approves the proposed time. A reply
// that also declines is not an acceptance.
func IsAcceptance(text string) bool {
	s := replyBody(text)
	return (acceptRe.MatchString(s) || bareYesRe.MatchString(s)) && !IsDecline(s) && !IsCancellation(s)
}

// OptionChoice returns the 1-based alternative a reply picks, if any.
func OptionChoice(text string) (int, bool) {
	s := replyBody(text)
	if m := optionRe.FindStringSubmatch(s); m != nil {
		v := m[1]
		if v == "" {
			v = m[2]
		}
		n, err := strconv.Atoi(v)
		if err == nil && n > 0 {
			return n, true
		}
	}
	if m := ordinalRe.FindStringSubmatch(s); m != nil {
		return ordinals[m[1]], true
	}
	return 0, false
}

// replyBody lowercases text and drops quoted history so a reply is not
// classified by what it quotes.
func replyBody(text string) string {
	var b strings.Builder
	for _, line := range strings.Split(prepare(text), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		if strings.HasPrefix(trimmed, "on ") && strings.HasSuffix(trimmed, "wrote:") {
			break
		}
		if strings.HasPrefix(trimmed, "-----original message") {
			break
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
