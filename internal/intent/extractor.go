package intent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/teemow/inboxmeet/internal/interval"
	"github.com/teemow/inboxmeet/internal/logging"
)

const (
	// DefaultThreshold is the minimum confidence for a proposal to be returned.
	DefaultThreshold = 0.6
	// DefaultDuration applies when neither the message nor a time range states one.
	DefaultDuration  = 60 * time.Minute
	// DefaultTimezone is used when no timezone is configured.
	DefaultTimezone  = "Asia/Dubai"

	noMeetingLanguagePenalty = 0.8
)

// ExtractionError reports malformed input. Low confidence is never an error.
type ExtractionError struct {
	MessageID string
	Reason    string
}

func (e *ExtractionError) Error() string {
	if e.MessageID == "" {
		return "extraction failed: " + e.Reason
	}
	return fmt.Sprintf("extraction failed for message %s: %s", e.MessageID, e.Reason)
}

// ErrUnderstanding wraps failures of the language-understanding collaborator.
var ErrUnderstanding = errors.New("language understanding failed")

// Config holds extraction settings.
type Config struct {
	Threshold       float64
	Location        *time.Location
	DefaultDuration time.Duration
}

// Extractor turns raw email text into meeting proposals.
type Extractor struct {
	understander Understander
	cfg          Config
	logger       *slog.Logger
}

// NewExtractor creates an extractor. Zero config fields take the package defaults.
func NewExtractor(u Understander, cfg Config, logger *slog.Logger) *Extractor {
	if u == nil {
		u = KeywordUnderstander{}
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = DefaultDuration
	}
	if cfg.Location == nil {
		loc, err := time.LoadLocation(DefaultTimezone)
		if err != nil {
			loc = time.UTC
		}
		cfg.Location = loc
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{understander: u, cfg: cfg, logger: logging.WithOperation(logger, "intent.extract")}
}

// Location returns the timezone used for normalization.
func (e *Extractor) Location() *time.Location {
	return e.cfg.Location
}

// Extract returns a proposal for text received at receivedAt, or nil when the
// message is not confidently a meeting proposal.
func (e *Extractor) Extract(ctx context.Context, messageID, text string, receivedAt time.Time) (*MeetingProposal, error) {
	if err := validateInput(messageID, text, receivedAt); err != nil {
		return nil, err
	}

	u, err := e.understander.Understand(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnderstanding, err)
	}

	intervals, normalized := e.normalize(u, receivedAt)
	confidence := e.score(u, text, normalized)

	if confidence < e.cfg.Threshold {
		e.logger.Debug("below confidence threshold",
			slog.String("message_id", messageID),
			slog.Float64("confidence", confidence),
			slog.Float64("threshold", e.cfg.Threshold))
		return nil, nil
	}

	duration := u.Duration
	if duration <= 0 && len(intervals) > 0 {
		duration = intervals[0].Duration()
	}

	e.logger.Debug("proposal extracted",
		slog.String("message_id", messageID),
		slog.Int("candidates", len(intervals)),
		slog.Float64("confidence", confidence))

	return NewProposal(ProposalParams{
		SourceMessageID: messageID,
		Intervals:       intervals,
		Duration:        duration,
		Participants:    u.Participants,
		Confidence:      confidence,
		RawText:         text,
		ReceivedAt:      receivedAt,
	}), nil
}

// Normalize resolves a single free-text time reference in a reply into an
// interval of duration d. Quoted history is ignored.
func (e *Extractor) Normalize(text string, receivedAt time.Time, d time.Duration) (interval.TimeInterval, bool) {
	if d <= 0 {
		d = e.cfg.DefaultDuration
	}
	start, end, ok := normalizeText(replyBody(text), receivedAt, e.cfg.Location)
	if !ok {
		return interval.TimeInterval{}, false
	}
	if end.IsZero() {
		end = start.Add(d)
	}
	return interval.TimeInterval{Start: start, End: end}, true
}

func (e *Extractor) normalize(u Understanding, receivedAt time.Time) ([]interval.TimeInterval, int) {
	var out []interval.TimeInterval
	normalized := 0
	for _, m := range u.Mentions {
		iv, ok := e.normalizeMention(m, u.Duration, receivedAt)
		if !ok {
			continue
		}
		normalized++
		dup := false
		for _, seen := range out {
			if seen.Equal(iv) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, iv)
		}
	}
	return out, normalized
}

func (e *Extractor) normalizeMention(m TimeMention, d time.Duration, receivedAt time.Time) (interval.TimeInterval, bool) {
	if d <= 0 {
		d = e.cfg.DefaultDuration
	}
	loc := e.cfg.Location

	start, end, ok := normalizeText(m.Text, receivedAt, loc)
	if !ok {
		// Fall back to a model-resolved timestamp, still subject to our checks.
		s, parsed := parseISO(m.Start, loc)
		if !parsed || !s.After(receivedAt) {
			return interval.TimeInterval{}, false
		}
		start = s.In(loc)
		if en, ok := parseISO(m.End, loc); ok && en.After(s) {
			end = en.In(loc)
		}
	}
	if end.IsZero() {
		end = start.Add(d)
	}
	return interval.TimeInterval{Start: start, End: end}, true
}

func (e *Extractor) score(u Understanding, text string, normalized int) float64 {
	c := clamp01(u.Confidence)
	if n := len(u.Mentions); n > 0 {
		if normalized == 0 {
			c *= 0.5
		} else {
			c *= 0.5 + 0.5*float64(normalized)/float64(n)
		}
	}
	if !HasMeetingLanguage(text) {
		c *= noMeetingLanguagePenalty
	}
	return c
}

func validateInput(messageID, text string, receivedAt time.Time) error {
	switch {
	case !utf8.ValidString(text):
		return &ExtractionError{MessageID: messageID, Reason: "text is not valid UTF-8"}
	case strings.TrimSpace(text) == "":
		return &ExtractionError{MessageID: messageID, Reason: "text is empty"}
	case receivedAt.IsZero():
		return &ExtractionError{MessageID: messageID, Reason: "received time is missing"}
	}
	return nil
}
