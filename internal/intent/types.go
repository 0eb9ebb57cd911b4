package intent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/teemow/inboxmeet/internal/interval"
)

// TimeMention is one candidate time reference reported by an Understander.
// Text is the fragment as written in the email. Start and End are optional
// ISO-8601 values a model may have resolved on its own; the extractor
// re-normalizes them and never takes them on faith.
type TimeMention struct {
	Text  string `json:"text"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Understanding is the fixed-shape result of the language-understanding step.
type Understanding struct {
	Mentions     []TimeMention `json:"mentions"`
	Duration     time.Duration `json:"duration"`
	Participants []string      `json:"participants"`
	Confidence   float64       `json:"confidence"`
}

// Understander turns free text into an Understanding. Implementations are
// treated as unreliable.
type Understander interface {
	Understand(ctx context.Context, text string) (Understanding, error)
}

// UnderstanderFunc adapts a function to the Understander interface.
type UnderstanderFunc func(ctx context.Context, text string) (Understanding, error)

// Understand implements Understander.
func (f UnderstanderFunc) Understand(ctx context.Context, text string) (Understanding, error) {
	return f(ctx, text)
}

// MeetingProposal is a candidate meeting extracted from one inbound message.
// It is immutable; accessors return copies.
type MeetingProposal struct {
	sourceMessageID string
	intervals       []interval.TimeInterval
	duration        time.Duration
	hasDuration     bool
	participants    []string
	confidence      float64
	rawText         string
	receivedAt      time.Time
}

// ProposalParams carries the fields for NewProposal.
type ProposalParams struct {
	SourceMessageID string
	Intervals       []interval.TimeInterval
	// Duration is zero when the message did not state one.
	Duration     time.Duration
	Participants []string
	Confidence   float64
	RawText      string
	ReceivedAt   time.Time
}

// NewProposal builds a proposal, copying every slice it is given.
func NewProposal(p ProposalParams) *MeetingProposal {
	return &MeetingProposal{
		sourceMessageID: p.SourceMessageID,
		intervals:       append([]interval.TimeInterval(nil), p.Intervals...),
		duration:        p.Duration,
		hasDuration:     p.Duration > 0,
		participants:    dedupe(p.Participants),
		confidence:      clamp01(p.Confidence),
		rawText:         p.RawText,
		receivedAt:      p.ReceivedAt,
	}
}

func (p *MeetingProposal) SourceMessageID() string { return p.sourceMessageID }
func (p *MeetingProposal) Confidence() float64     { return p.confidence }
func (p *MeetingProposal) RawText() string         { return p.rawText }
func (p *MeetingProposal) ReceivedAt() time.Time   { return p.receivedAt }

// Intervals returns the candidate intervals in the order they were mentioned.
func (p *MeetingProposal) Intervals() []interval.TimeInterval {
	return append([]interval.TimeInterval(nil), p.intervals...)
}

// Duration returns the requested duration and whether one was stated.
func (p *MeetingProposal) Duration() (time.Duration, bool) {
	return p.duration, p.hasDuration
}

// Participants returns the participant identifiers, deduplicated.
func (p *MeetingProposal) Participants() []string {
	return append([]string(nil), p.participants...)
}

// Primary returns the first candidate interval.
func (p *MeetingProposal) Primary() (interval.TimeInterval, bool) {
	if len(p.intervals) == 0 {
		return interval.TimeInterval{}, false
	}
	return p.intervals[0], true
}

// WithPrimary returns a copy whose only candidate is iv, the slot that was
// finally booked.
func (p *MeetingProposal) WithPrimary(iv interval.TimeInterval) *MeetingProposal {
	cp := *p
	cp.intervals = []interval.TimeInterval{iv}
	cp.participants = append([]string(nil), p.participants...)
	return &cp
}

// MarshalJSON renders the proposal for tool output.
func (p *MeetingProposal) MarshalJSON() ([]byte, error) {
	out := struct {
		SourceMessageID string                  `json:"source_message_id"`
		Intervals       []interval.TimeInterval `json:"intervals"`
		DurationMinutes int                     `json:"duration_minutes,omitempty"`
		Participants    []string                `json:"participants,omitempty"`
		Confidence      float64                 `json:"confidence"`
	}{
		SourceMessageID: p.sourceMessageID,
		Intervals:       p.intervals,
		Participants:    p.participants,
		Confidence:      p.confidence,
	}
	if p.hasDuration {
		out.DurationMinutes = int(p.duration / time.Minute)
	}
	return json.Marshal(out)
}

func clamp01(v float64) float64 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
