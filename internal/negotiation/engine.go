package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/teemow/inboxmeet/internal/availability"
	"github.com/teemow/inboxmeet/internal/instrumentation"
	"github.com/teemow/inboxmeet/internal/intent"
	"github.com/teemow/inboxmeet/internal/interval"
	"github.com/teemow/inboxmeet/internal/logging"
	"github.com/teemow/inboxmeet/internal/tracker"
)

// Defaults for Config.
const (
	DefaultTimeout       = 24 * time.Hour
	DefaultFetchAttempts = 3
	DefaultFetchBackoff  = 500 * time.Millisecond

	// maxReserveAttempts bounds re-resolution after losing a reservation race.
	maxReserveAttempts = 3
	descriptionLimit   = 500
)

// Config holds engine settings.
type Config struct {
	// UserEmail receives confirmation requests and identifies the user's own replies.
	UserEmail string
	// Account labels logs and metrics.
	Account string
	// Timeout is how long PENDING_CONFIRM and NEGOTIATING wait for an answer.
	Timeout time.Duration
	// FetchAttempts bounds calendar calls including the first one.
	FetchAttempts uint
	// FetchBackoff is the initial retry interval.
	FetchBackoff time.Duration
}

// Negotiation is a snapshot of one negotiation.
type Negotiation struct {
	ID           string                  `json:"id"`
	MessageID    string                  `json:"message_id"`
	RFC822ID     string                  `json:"rfc822_id,omitempty"`
	ThreadID     string                  `json:"thread_id,omitempty"`
	Counterparty string                  `json:"counterparty"`
	Subject      string                  `json:"subject"`
	State        State                   `json:"state"`
	ResumeState  State                   `json:"resume_state,omitempty"`
	Proposal     *intent.MeetingProposal `json:"proposal,omitempty"`
	Requested    interval.TimeInterval   `json:"requested"`
	Alternatives []interval.TimeInterval `json:"alternatives,omitempty"`
	Confirmed    interval.TimeInterval   `json:"confirmed"`
	MeetingID    string                  `json:"meeting_id,omitempty"`
	Reason       string                  `json:"reason,omitempty"`
	LastError    string                  `json:"last_error,omitempty"`
	Undelivered  bool                    `json:"undelivered,omitempty"`
	Deadline     time.Time               `json:"deadline"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

func (n Negotiation) clone() Negotiation {
	n.Alternatives = append([]interval.TimeInterval(nil), n.Alternatives...)
	return n
}

// Action describes what HandleEmail did with a message.
type Action string

const (
	// ActionIgnored means the message carried no confident proposal.
	ActionIgnored Action = "ignored"
	// ActionDuplicate means the message was already processed.
	ActionDuplicate Action = "duplicate"
	// ActionCreated means a new negotiation was started.
	ActionCreated Action = "created"
	// ActionFollowUp means the message advanced an existing negotiation.
	ActionFollowUp Action = "follow_up"
	// ActionOwn means the message was sent by the engine itself.
	ActionOwn Action = "own"
)

// Outcome is the result of HandleEmail.
type Outcome struct {
	Action      Action       `json:"action"`
	Negotiation *Negotiation `json:"negotiation,omitempty"`
}

type record struct {
	n Negotiation
	// busy marks an operation running outside the engine lock. Only one
	// operation runs per negotiation at a time.
	busy bool
	// cancelled is set when a cancellation arrived while busy.
	cancelled bool

	timer    Timer
	timerGen uint64

	pending     *Outbound
	pendingNext State
}

// Deps are the engine's collaborators.
type Deps struct {
	Extractor *intent.Extractor
	Resolver  *availability.Resolver
	Tracker   *tracker.Tracker
	Calendar  Calendar
	Mailer    Mailer
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source and timer scheduling.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithDrafter overrides outbound email rendering.
func WithDrafter(d Drafter) Option {
	return func(e *Engine) { e.drafter = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records engine metrics.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAuditLogger writes an audit record for every state change.
func WithAuditLogger(a *instrumentation.AuditLogger) Option {
	return func(e *Engine) { e.audit = a }
}

// Engine runs negotiations for one user. It is safe for concurrent use.
type Engine struct {
	mu        sync.Mutex
	records   map[string]*record
	byMessage map[string]string
	byThread  map[string]string
	// own maps the ids of delivered messages to their negotiation.
	own       map[string]string
	closed    bool

	extractor *intent.Extractor
	resolver  *availability.Resolver
	tracker   *tracker.Tracker
	calendar  Calendar
	mailer    Mailer
	drafter   Drafter
	clock     Clock
	metrics   *instrumentation.Metrics
	audit     *instrumentation.AuditLogger
	cfg       Config
	logger    *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(deps Deps, cfg Config, opts ...Option) (*Engine, error) {
	switch {
	case deps.Extractor == nil:
		return nil, fmt.Errorf("extractor is required")
	case deps.Resolver == nil:
		return nil, fmt.Errorf("resolver is required")
	case deps.Tracker == nil:
		return nil, fmt.Errorf("tracker is required")
	case deps.Calendar == nil:
		return nil, fmt.Errorf("calendar is required")
	case deps.Mailer == nil:
		return nil, fmt.Errorf("mailer is required")
	case strings.TrimSpace(cfg.UserEmail) == "":
		return nil, fmt.Errorf("user email is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.FetchAttempts == 0 {
		cfg.FetchAttempts = DefaultFetchAttempts
	}
	if cfg.FetchBackoff <= 0 {
		cfg.FetchBackoff = DefaultFetchBackoff
	}

	e := &Engine{
		records:   make(map[string]*record),
		byMessage: make(map[string]string),
		byThread:  make(map[string]string),
		own:       make(map[string]string),
		extractor: deps.Extractor,
		resolver:  deps.Resolver,
		tracker:   deps.Tracker,
		calendar:  deps.Calendar,
		mailer:    deps.Mailer,
		clock:     SystemClock(),
		cfg:       cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.drafter == nil {
		e.drafter = NewTemplateDrafter(Templates{}, deps.Extractor.Location())
	}
	e.logger = logging.WithService(e.logger, "negotiation")
	if cfg.Account != "" {
		e.logger = logging.WithAccount(e.logger, cfg.Account)
	}
	return e, nil
}

// Tracker returns the meeting tracker the engine writes to.
func (e *Engine) Tracker() *tracker.Tracker {
	return e.tracker
}

// HandleEmail processes one inbound email. Messages already seen are
// reported as duplicates. Follow-ups on a thread with a live negotiation
// advance that negotiation; anything else goes through extraction.
//
// The Outcome is valid alongside a *CalendarFetchError or *DeliveryError.
func (e *Engine) HandleEmail(ctx context.Context, em Email) (out Outcome, err error) {
	ctx, span := instrumentation.StartSpan(ctx, "negotiation.handle_email",
		instrumentation.NewSpanAttributeBuilder().WithMessage(em.MessageID, em.ThreadID).Build()...)
	defer func() {
		if out.Negotiation != nil {
			instrumentation.SetSpanState(span, string(out.Negotiation.State))
		}
		span.End()
	}()

	if strings.TrimSpace(em.MessageID) == "" {
		return Outcome{}, &intent.ExtractionError{Reason: "missing message id"}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Outcome{}, ErrClosed
	}
	if id, sent := e.own[em.MessageID]; sent || em.Generated {
		e.byMessage[em.MessageID] = id
		e.mu.Unlock()
		e.logger.Debug("skipping own message", logging.MessageID(em.MessageID))
		return Outcome{Action: ActionOwn}, nil
	}
	if id, seen := e.byMessage[em.MessageID]; seen {
		dup := Outcome{Action: ActionDuplicate, Negotiation: e.snapshotLocked(id)}
		e.mu.Unlock()
		return dup, nil
	}
	threadNeg := ""
	if em.ThreadID != "" {
		if id, ok := e.byThread[em.ThreadID]; ok && !e.records[id].n.State.Terminal() {
			threadNeg = id
		}
	}
	e.byMessage[em.MessageID] = threadNeg
	e.mu.Unlock()

	if threadNeg != "" {
		n, err := e.followUp(ctx, threadNeg, em)
		if err != nil {
			instrumentation.SetSpanError(span, err)
		}
		return Outcome{Action: ActionFollowUp, Negotiation: n}, err
	}

	out, err = e.propose(ctx, em)
	if err != nil {
		instrumentation.SetSpanError(span, err)
	}
	return out, err
}

func (e *Engine) propose(ctx context.Context, em Email) (Outcome, error) {
	p, err := e.extractor.Extract(ctx, em.MessageID, em.Body, em.ReceivedAt)
	if err != nil {
		e.metrics.RecordExtraction(ctx, instrumentation.ExtractionError)
		if errors.Is(err, intent.ErrUnderstanding) {
			// Transient: allow the message to be processed again.
			e.mu.Lock()
			delete(e.byMessage, em.MessageID)
			e.mu.Unlock()
		}
		e.logger.Warn("extraction failed", logging.MessageID(em.MessageID), logging.Err(err))
		return Outcome{Action: ActionIgnored}, err
	}
	if p == nil {
		e.metrics.RecordExtraction(ctx, instrumentation.ExtractionNone)
		return Outcome{Action: ActionIgnored}, nil
	}
	e.metrics.RecordExtraction(ctx, instrumentation.ExtractionProposal)

	now := e.clock.Now()
	rec := &record{
		n: Negotiation{
			ID:           uuid.NewString(),
			MessageID:    em.MessageID,
			RFC822ID:     em.RFC822ID,
			ThreadID:     em.ThreadID,
			Counterparty: address(em.From),
			Subject:      em.Subject,
			State:        StateProposed,
			Proposal:     p,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		busy: true,
	}
	if iv, ok := p.Primary(); ok {
		rec.n.Requested = iv
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Outcome{}, ErrClosed
	}
	e.records[rec.n.ID] = rec
	e.byMessage[em.MessageID] = rec.n.ID
	if em.ThreadID != "" {
		e.byThread[em.ThreadID] = rec.n.ID
	}
	e.mu.Unlock()

	e.metrics.RecordNegotiationTransition(ctx, "", string(StateProposed), false)
	e.logger.Info("negotiation created",
		logging.Negotiation(rec.n.ID),
		logging.MessageID(em.MessageID),
		slog.Float64("confidence", p.Confidence()),
		slog.Int("candidates", len(p.Intervals())))

	n, err := e.evaluate(ctx, rec)
	return Outcome{Action: ActionCreated, Negotiation: n}, err
}

// followUp dispatches a reply on a negotiation's thread.
func (e *Engine) followUp(ctx context.Context, id string, em Email) (*Negotiation, error) {
	e.mu.Lock()
	rec := e.records[id]
	state := rec.n.State
	d := rec.n.Requested.Duration()
	if d <= 0 && rec.n.Proposal != nil {
		d, _ = rec.n.Proposal.Duration()
	}
	e.mu.Unlock()

	fromUser := sameAddress(em.From, e.cfg.UserEmail)
	body := em.Body
	logger := e.logger.With(logging.Negotiation(id), logging.MessageID(em.MessageID))

	switch {
	case intent.IsCancellation(body):
		logger.Info("follow-up cancels negotiation")
		return e.Cancel(ctx, id)
	case fromUser && state == StatePendingConfirm && intent.IsAcceptance(body):
		logger.Info("user accepted")
		return e.Confirm(ctx, id)
	case fromUser && intent.IsDecline(body):
		logger.Info("user declined")
		return e.Decline(ctx, id, ReasonDeclined)
	}

	if state == StateNegotiating {
		if option, ok := intent.OptionChoice(body); ok {
			logger.Info("alternative selected", slog.Int("option", option))
			return e.SelectAlternative(ctx, id, option)
		}
		receivedAt := em.ReceivedAt
		if receivedAt.IsZero() {
			receivedAt = e.clock.Now()
		}
		if iv, ok := e.extractor.Normalize(body, receivedAt, d); ok {
			logger.Info("new time proposed", slog.String("interval", iv.String()))
			return e.SelectInterval(ctx, id, iv)
		}
	}
	if !fromUser && intent.IsDecline(body) {
		logger.Info("counterparty declined")
		return e.Decline(ctx, id, ReasonCounterpartyDeclined)
	}

	logger.Debug("follow-up carried no actionable signal")
	return e.Get(id)
}

// evaluate resolves a PROPOSED negotiation. The record must be busy.
func (e *Engine) evaluate(ctx context.Context, rec *record) (*Negotiation, error) {
	var snap availability.Snapshot
	if rec.n.Requested.Valid() {
		s, err := e.fetchSnapshot(ctx, rec.n.Requested)
		if err != nil {
			return e.hold(ctx, rec, StateProposed, err)
		}
		snap = s
	}

	res := e.resolver.Resolve(rec.n.Proposal, snap, e.tracker)
	e.metrics.RecordResolution(ctx, string(res.Kind))

	switch res.Kind {
	case availability.KindAvailable:
		return e.requestConfirmation(ctx, rec)
	case availability.KindConflict:
		return e.offerAlternatives(ctx, rec, res.Alternatives)
	default:
		return e.requestClarification(ctx, rec)
	}
}

// requestConfirmation asks the user to approve the requested slot. The
// negotiation enters PENDING_CONFIRM only once the request is delivered.
func (e *Engine) requestConfirmation(ctx context.Context, rec *record) (*Negotiation, error) {
	e.mu.Lock()
	if rec.cancelled {
		return e.releaseLocked(rec), nil
	}
	msg := e.drafter.ConfirmationRequest(rec.n.clone(), e.cfg.UserEmail)
	e.mu.Unlock()

	return e.deliver(ctx, rec, msg, StatePendingConfirm)
}

// offerAlternatives enters NEGOTIATING with alts, or DECLINED when none exist,
// and tells the counterparty.
func (e *Engine) offerAlternatives(ctx context.Context, rec *record, alts []interval.TimeInterval) (*Negotiation, error) {
	e.mu.Lock()
	if rec.cancelled {
		return e.releaseLocked(rec), nil
	}
	var msg Outbound
	if len(alts) == 0 {
		rec.n.Reason = ReasonNoAvailability
		rec.n.Alternatives = nil
		e.transitionLocked(ctx, rec, StateDeclined)
		msg = e.drafter.NoAvailability(rec.n.clone())
	} else {
		rec.n.Alternatives = append([]interval.TimeInterval(nil), alts...)
		e.transitionLocked(ctx, rec, StateNegotiating)
		msg = e.drafter.Alternatives(rec.n.clone())
	}
	e.mu.Unlock()

	return e.deliver(ctx, rec, msg, "")
}

// requestClarification enters NEGOTIATING without alternatives and asks the
// counterparty for a concrete time.
func (e *Engine) requestClarification(ctx context.Context, rec *record) (*Negotiation, error) {
	e.mu.Lock()
	if rec.cancelled {
		return e.releaseLocked(rec), nil
	}
	rec.n.Alternatives = nil
	e.transitionLocked(ctx, rec, StateNegotiating)
	msg := e.drafter.Clarification(rec.n.clone())
	e.mu.Unlock()

	return e.deliver(ctx, rec, msg, "")
}

// hold parks a busy negotiation in HELD after calendar fetch exhaustion.
func (e *Engine) hold(ctx context.Context, rec *record, resume State, cause error) (*Negotiation, error) {
	e.mu.Lock()
	if rec.cancelled {
		return e.releaseLocked(rec), nil
	}
	rec.n.ResumeState = resume
	rec.n.Reason = ReasonCalendarUnavailable
	rec.n.LastError = cause.Error()
	e.transitionLocked(ctx, rec, StateHeld)
	e.logger.Warn("negotiation held", logging.Negotiation(rec.n.ID), logging.Err(cause))
	msg := e.drafter.Held(rec.n.clone(), e.cfg.UserEmail)
	e.mu.Unlock()

	e.notify(ctx, rec, msg)

	e.mu.Lock()
	return e.releaseLocked(rec), cause
}

// notify sends an informational email for a busy record. Failures are
// logged only: the message is not kept for Retry.
func (e *Engine) notify(ctx context.Context, rec *record, msg Outbound) {
	msg.Negotiation = rec.n.ID
	sent, err := e.send(ctx, msg)
	if err != nil {
		e.logger.Warn("notice not delivered", logging.Negotiation(rec.n.ID), logging.Err(err))
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remember(rec, sent)
}

// deliver sends msg for a busy record and clears busy. On success the
// negotiation enters next when next is set and it was not cancelled meanwhile.
// On failure the message is kept for Retry and the state is unchanged.
func (e *Engine) deliver(ctx context.Context, rec *record, msg Outbound, next State) (*Negotiation, error) {
	msg.Negotiation = rec.n.ID
	sent, err := e.send(ctx, msg)

	e.mu.Lock()
	if err != nil {
		if !rec.cancelled {
			rec.pending = &msg
			rec.pendingNext = next
			rec.n.Undelivered = true
			rec.n.LastError = err.Error()
			rec.n.UpdatedAt = e.clock.Now()
		}
		e.logger.Warn("delivery failed", logging.Negotiation(rec.n.ID), logging.Err(err))
		return e.releaseLocked(rec), &DeliveryError{To: msg.To, Err: err}
	}

	rec.pending = nil
	rec.pendingNext = ""
	rec.n.Undelivered = false
	e.remember(rec, sent)
	if next != "" && !rec.cancelled && rec.n.State.CanTransition(next) {
		e.transitionLocked(ctx, rec, next)
	}
	return e.releaseLocked(rec), nil
}

// remember indexes a sent message so its echo is skipped and replies on its
// thread reach rec. Callers must hold e.mu.
func (e *Engine) remember(rec *record, sent Sent) {
	if sent.MessageID != "" {
		e.own[sent.MessageID] = rec.n.ID
	}
	if sent.ThreadID != "" && !rec.n.State.Terminal() {
		e.byThread[sent.ThreadID] = rec.n.ID
	}
}

func (e *Engine) send(ctx context.Context, msg Outbound) (Sent, error) {
	ctx, span := instrumentation.StartSpan(ctx, "negotiation.send")
	defer span.End()
	sent, err := e.mailer.Send(ctx, msg)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return Sent{}, err
	}
	e.logger.Info("email sent", logging.UserHash(msg.To), slog.String("subject", msg.Subject))
	return sent, nil
}

// releaseLocked clears busy, applies an expiry that fell due while busy and
// returns a snapshot. It unlocks e.mu.
func (e *Engine) releaseLocked(rec *record) *Negotiation {
	rec.busy = false
	if rec.n.State.Waiting() && !rec.n.Deadline.IsZero() && !e.clock.Now().Before(rec.n.Deadline) {
		e.transitionLocked(context.Background(), rec, StateExpired)
	}
	n := rec.n.clone()
	e.mu.Unlock()
	return &n
}

// Confirm approves the requested slot of a PENDING_CONFIRM negotiation. The
// slot is re-verified against a fresh calendar snapshot; if it was taken in
// the meantime the negotiation moves to NEGOTIATING with fresh alternatives.
func (e *Engine) Confirm(ctx context.Context, id string) (*Negotiation, error) {
	return e.verify(ctx, id, "confirm", func(rec *record) (interval.TimeInterval, State, error) {
		if rec.n.State != StatePendingConfirm {
			return interval.TimeInterval{}, "", &TransitionError{ID: id, State: rec.n.State, Op: "confirm"}
		}
		return rec.n.Requested, StatePendingConfirm, nil
	})
}

// SelectAlternative picks the 1-based option of a NEGOTIATING negotiation
// and verifies it.
func (e *Engine) SelectAlternative(ctx context.Context, id string, option int) (*Negotiation, error) {
	return e.verify(ctx, id, "select", func(rec *record) (interval.TimeInterval, State, error) {
		if rec.n.State != StateNegotiating {
			return interval.TimeInterval{}, "", &TransitionError{ID: id, State: rec.n.State, Op: "select"}
		}
		if option < 1 || option > len(rec.n.Alternatives) {
			return interval.TimeInterval{}, "", fmt.Errorf("option %d out of range: %d alternatives offered", option, len(rec.n.Alternatives))
		}
		return rec.n.Alternatives[option-1], StateNegotiating, nil
	})
}

// SelectInterval verifies an explicit interval for a NEGOTIATING negotiation.
func (e *Engine) SelectInterval(ctx context.Context, id string, iv interval.TimeInterval) (*Negotiation, error) {
	if !iv.Valid() {
		return nil, fmt.Errorf("select %s: %w", iv, interval.ErrInvalidInterval)
	}
	return e.verify(ctx, id, "select", func(rec *record) (interval.TimeInterval, State, error) {
		if rec.n.State != StateNegotiating {
			return interval.TimeInterval{}, "", &TransitionError{ID: id, State: rec.n.State, Op: "select"}
		}
		return iv, StateNegotiating, nil
	})
}

type pickFunc func(rec *record) (candidate interval.TimeInterval, origin State, err error)

// verify runs the verification step shared by Confirm, the Select
// operations and Retry of a held verification:
//
//  1. fetch a fresh snapshot (HELD on exhaustion)
//  2. resolve the candidate (NEGOTIATING or DECLINED on conflict)
//  3. reserve a PENDING_CONFIRM tracker record
//  4. create the calendar event
//  5. mark the tracker record CONFIRMED
//
// A cancellation observed after step 3 rolls back the reservation and the event.
func (e *Engine) verify(ctx context.Context, id, op string, pick pickFunc) (*Negotiation, error) {
	ctx, span := instrumentation.StartSpan(ctx, "negotiation."+op,
		instrumentation.NewSpanAttributeBuilder().WithNegotiation(id, "").Build()...)
	defer span.End()

	e.mu.Lock()
	rec, ok := e.records[id]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.busy {
		state := rec.n.State
		e.mu.Unlock()
		return nil, &TransitionError{ID: id, State: state, Op: op + " (operation in progress)"}
	}
	candidate, origin, err := pick(rec)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	rec.busy = true
	rec.n.Requested = candidate
	rec.n.LastError = ""
	participants := e.participants(rec.n)
	meta := rec.n.clone()
	e.mu.Unlock()

	logger := e.logger.With(logging.Negotiation(id), logging.Operation(op))
	logger.Info("verifying slot", slog.String("interval", candidate.String()))

	snap, err := e.fetchSnapshot(ctx, candidate)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return e.hold(ctx, rec, origin, err)
	}

	var reservation tracker.Meeting
	for attempt := 0; ; attempt++ {
		res := e.resolver.ResolveInterval(candidate, snap, e.tracker)
		e.metrics.RecordResolution(ctx, string(res.Kind))
		if res.Kind != availability.KindAvailable {
			logger.Info("slot no longer free", slog.Int("alternatives", len(res.Alternatives)))
			return e.offerAlternatives(ctx, rec, res.Alternatives)
		}

		reservation, err = e.tracker.Upsert(ctx, tracker.Meeting{
			Interval:     candidate,
			Participants: participants,
			State:        tracker.StatePendingConfirm,
			ProposalRef:  meta.MessageID,
			Subject:      meta.Subject,
		})
		var overlapErr *tracker.OverlapError
		if errors.As(err, &overlapErr) && attempt+1 < maxReserveAttempts {
			// Another negotiation reserved an overlapping slot after our fetch.
			logger.Info("lost reservation race", logging.Meeting(overlapErr.Existing.ID))
			continue
		}
		if err != nil {
			instrumentation.SetSpanError(span, err)
			return e.abort(ctx, rec, origin, err)
		}
		break
	}

	if e.isCancelled(rec) {
		e.release(ctx, reservation, "")
		return e.finishCancelled(rec), nil
	}

	eventID, err := e.createEvent(ctx, reservation.ID, meta, candidate, participants)
	if err != nil {
		e.release(ctx, reservation, "")
		werr := &CalendarWriteError{Op: "creation", Err: err}
		instrumentation.SetSpanError(span, werr)
		return e.abort(ctx, rec, origin, werr)
	}

	e.mu.Lock()
	if rec.cancelled {
		e.mu.Unlock()
		e.release(ctx, reservation, eventID)
		return e.finishCancelled(rec), nil
	}
	booked := reservation
	booked.State = tracker.StateConfirmed
	booked.EventID = eventID
	// Held under the engine lock so a concurrent cancellation cannot
	// interleave with the commit.
	confirmed, err := e.tracker.Upsert(ctx, booked)
	if err != nil {
		e.mu.Unlock()
		e.release(ctx, reservation, eventID)
		instrumentation.SetSpanError(span, err)
		return e.abort(ctx, rec, origin, err)
	}
	rec.n.MeetingID = confirmed.ID
	rec.n.Confirmed = candidate
	if rec.n.Proposal != nil {
		rec.n.Proposal = rec.n.Proposal.WithPrimary(candidate)
	}
	rec.n.Alternatives = nil
	rec.n.Reason = ""
	e.transitionLocked(ctx, rec, StateConfirmed)
	msg := e.drafter.Confirmed(rec.n.clone())
	e.mu.Unlock()

	logger.Info("meeting confirmed", logging.Meeting(confirmed.ID))
	instrumentation.SetSpanSuccess(span)
	return e.deliver(ctx, rec, msg, "")
}

// abort ends a failed verification. A negotiation that was HELD resumes its
// waiting state; otherwise the state is left as it was.
func (e *Engine) abort(ctx context.Context, rec *record, origin State, cause error) (*Negotiation, error) {
	e.mu.Lock()
	if rec.cancelled {
		return e.releaseLocked(rec), nil
	}
	rec.n.LastError = cause.Error()
	rec.n.UpdatedAt = e.clock.Now()
	if rec.n.State == StateHeld && rec.n.State.CanTransition(origin) {
		e.transitionLocked(ctx, rec, origin)
	}
	e.logger.Warn("verification failed", logging.Negotiation(rec.n.ID), logging.Err(cause))
	return e.releaseLocked(rec), cause
}

func (e *Engine) isCancelled(rec *record) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return rec.cancelled
}

func (e *Engine) finishCancelled(rec *record) *Negotiation {
	e.mu.Lock()
	e.logger.Info("verification rolled back after cancellation", logging.Negotiation(rec.n.ID))
	return e.releaseLocked(rec)
}

// release rolls back a reservation and deletes eventID when set.
func (e *Engine) release(ctx context.Context, reservation tracker.Meeting, eventID string) {
	if eventID != "" {
		if err := e.callCalendar(ctx, func() error { return e.calendar.DeleteEvent(ctx, eventID) }); err != nil {
			e.logger.Error("failed to delete calendar event during rollback",
				slog.String("event_id", eventID), logging.Err(err))
		}
	}
	reservation.State = tracker.StateCancelled
	reservation.EventID = ""
	if _, err := e.tracker.Upsert(ctx, reservation); err != nil {
		e.logger.Error("failed to release reservation", logging.Meeting(reservation.ID), logging.Err(err))
	}
}

// createEvent books the reservation meetingID. Retries reuse meetingID, so
// an insert that timed out after succeeding is not duplicated.
func (e *Engine) createEvent(ctx context.Context, meetingID string, n Negotiation, iv interval.TimeInterval, participants []string) (string, error) {
	desc := "Automatically scheduled from email"
	if n.Proposal != nil {
		desc += ":\n\n" + truncate(n.Proposal.RawText(), descriptionLimit)
	}
	req := EventRequest{
		ID:           meetingID,
		Interval:     iv,
		Participants: participants,
		Summary:      "Meeting: " + subjectOrDefault(n.Subject),
		Description:  desc,
	}
	var eventID string
	err := e.callCalendar(ctx, func() error {
		id, err := e.calendar.CreateEvent(ctx, req)
		eventID = id
		return err
	})
	return eventID, err
}

// Cancel ends a non-terminal negotiation immediately with DECLINED. A
// verification in flight is rolled back.
func (e *Engine) Cancel(ctx context.Context, id string) (*Negotiation, error) {
	return e.terminate(ctx, id, "cancel", ReasonCancelled)
}

// Decline ends a non-terminal negotiation with DECLINED and reason.
func (e *Engine) Decline(ctx context.Context, id, reason string) (*Negotiation, error) {
	if reason == "" {
		reason = ReasonDeclined
	}
	return e.terminate(ctx, id, "decline", reason)
}

func (e *Engine) terminate(ctx context.Context, id, op, reason string) (*Negotiation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.n.State.Terminal() {
		return nil, &TransitionError{ID: id, State: rec.n.State, Op: op}
	}
	if rec.busy {
		rec.cancelled = true
	}
	rec.pending = nil
	rec.pendingNext = ""
	rec.n.Undelivered = false
	rec.n.Reason = reason
	e.transitionLocked(ctx, rec, StateDeclined)
	n := rec.n.clone()
	return &n, nil
}

// Retry resends an undelivered email or resumes a HELD negotiation.
func (e *Engine) Retry(ctx context.Context, id string) (*Negotiation, error) {
	e.mu.Lock()
	rec, ok := e.records[id]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.busy {
		state := rec.n.State
		e.mu.Unlock()
		return nil, &TransitionError{ID: id, State: state, Op: "retry (operation in progress)"}
	}

	if rec.pending != nil {
		msg, next := *rec.pending, rec.pendingNext
		rec.busy = true
		e.mu.Unlock()
		return e.deliver(ctx, rec, msg, next)
	}

	if rec.n.State != StateHeld {
		state := rec.n.State
		e.mu.Unlock()
		return nil, &TransitionError{ID: id, State: state, Op: "retry"}
	}

	resume := rec.n.ResumeState
	if resume == StateProposed || resume == "" {
		rec.busy = true
		rec.n.LastError = ""
		e.transitionLocked(ctx, rec, StateProposed)
		e.mu.Unlock()
		return e.evaluate(ctx, rec)
	}
	e.mu.Unlock()

	return e.verify(ctx, id, "retry", func(rec *record) (interval.TimeInterval, State, error) {
		if rec.n.State != StateHeld {
			return interval.TimeInterval{}, "", &TransitionError{ID: id, State: rec.n.State, Op: "retry"}
		}
		return rec.n.Requested, rec.n.ResumeState, nil
	})
}

// Get returns a negotiation snapshot.
func (e *Engine) Get(id string) (*Negotiation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.snapshotLocked(id)
	if n == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return n, nil
}

// List returns negotiations ordered by creation time. When states are given
// only negotiations in one of them are returned.
func (e *Engine) List(states ...State) []Negotiation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Negotiation, 0, len(e.records))
	for _, rec := range e.records {
		if len(states) > 0 && !containsState(states, rec.n.State) {
			continue
		}
		out = append(out, rec.n.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Reconcile compares tracked confirmed meetings with the calendar over the
// search horizon and returns meetings whose stale flag changed.
func (e *Engine) Reconcile(ctx context.Context) ([]tracker.Meeting, error) {
	ctx, span := instrumentation.StartSpan(ctx, "negotiation.reconcile")
	defer span.End()

	now := e.clock.Now()
	window := interval.TimeInterval{Start: now, End: now.Add(e.resolver.Config().Horizon)}
	busy, err := e.fetchBusy(ctx, window)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return nil, err
	}
	changed, err := e.tracker.Reconcile(ctx, window, busy)
	flagged := 0
	for _, m := range changed {
		if m.Stale {
			flagged++
		}
	}
	e.metrics.RecordStaleFlagChanges(ctx, flagged, len(changed)-flagged)
	if err != nil {
		instrumentation.SetSpanError(span, err)
	}
	return changed, err
}

// CancelMeeting releases a confirmed tracked meeting. The calendar event is
// deleted first; the meeting stays CONFIRMED if that fails, so the call can
// be repeated. Afterwards the interval is free again.
func (e *Engine) CancelMeeting(ctx context.Context, meetingID string) (tracker.Meeting, error) {
	ctx, span := instrumentation.StartSpan(ctx, "negotiation.cancel_meeting")
	defer span.End()

	m, err := e.tracker.Get(meetingID)
	if err != nil {
		return tracker.Meeting{}, err
	}
	if m.State != tracker.StateConfirmed {
		return tracker.Meeting{}, fmt.Errorf("%w: %s is %s", tracker.ErrNotCancellable, meetingID, m.State)
	}
	if m.EventID != "" {
		err := e.callCalendar(ctx, func() error { return e.calendar.DeleteEvent(ctx, m.EventID) })
		if err != nil {
			werr := &CalendarWriteError{Op: "deletion", Err: err}
			instrumentation.SetSpanError(span, werr)
			return tracker.Meeting{}, werr
		}
	}
	cancelled, err := e.tracker.Cancel(ctx, meetingID)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return tracker.Meeting{}, err
	}
	e.logger.Info("tracked meeting cancelled", logging.Meeting(meetingID), slog.String("event_id", m.EventID))
	instrumentation.SetSpanSuccess(span)
	return cancelled, nil
}

// Close stops all deadline timers. HandleEmail fails afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for _, rec := range e.records {
		if rec.timer != nil {
			rec.timer.Stop()
			rec.timer = nil
		}
	}
}

// transitionLocked moves rec to next and manages its deadline timer.
func (e *Engine) transitionLocked(ctx context.Context, rec *record, next State) {
	from := rec.n.State
	if from != next && !from.CanTransition(next) {
		e.logger.Error("illegal transition ignored",
			logging.Negotiation(rec.n.ID), slog.String("from", string(from)), slog.String("to", string(next)))
		return
	}
	now := e.clock.Now()
	rec.n.State = next
	rec.n.UpdatedAt = now

	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	rec.timerGen++
	rec.n.Deadline = time.Time{}
	if next.Waiting() && !e.closed {
		rec.n.Deadline = now.Add(e.cfg.Timeout)
		id, gen := rec.n.ID, rec.timerGen
		rec.timer = e.clock.AfterFunc(e.cfg.Timeout, func() { e.expire(id, gen) })
	}
	if next != StateHeld {
		rec.n.ResumeState = ""
	}

	e.metrics.RecordNegotiationTransition(ctx, string(from), string(next), next.Terminal())
	e.auditTransition(ctx, rec, from)
	e.logger.Info("negotiation transition",
		logging.Negotiation(rec.n.ID),
		slog.String("from", string(from)),
		logging.State(string(next)),
		slog.String("reason", rec.n.Reason))
}

func (e *Engine) auditTransition(ctx context.Context, rec *record, from State) {
	e.audit.LogNegotiation(ctx, instrumentation.NegotiationEvent{
		Account:       e.cfg.Account,
		NegotiationID: rec.n.ID,
		Counterparty:  rec.n.Counterparty,
		From:          string(from),
		To:            string(rec.n.State),
		Reason:        rec.n.Reason,
		MeetingID:     rec.n.MeetingID,
	})
}

// expire fires when a deadline passes. Stale timers and busy records are
// ignored; a busy record is checked again when its operation finishes.
func (e *Engine) expire(id string, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[id]
	if !ok || rec.timerGen != gen || !rec.n.State.Waiting() || rec.busy {
		return
	}
	e.transitionLocked(context.Background(), rec, StateExpired)
}

func (e *Engine) snapshotLocked(id string) *Negotiation {
	rec, ok := e.records[id]
	if !ok {
		return nil
	}
	n := rec.n.clone()
	return &n
}

// fetchSnapshot reads the calendar over the window the resolver may search
// for candidate.
func (e *Engine) fetchSnapshot(ctx context.Context, candidate interval.TimeInterval) (availability.Snapshot, error) {
	now := e.clock.Now()
	end := candidate.End
	if end.Before(now) {
		end = now
	}
	window := interval.TimeInterval{Start: now, End: end.Add(e.resolver.Config().Horizon + 24*time.Hour)}
	busy, err := e.fetchBusy(ctx, window)
	if err != nil {
		return availability.Snapshot{}, err
	}
	return availability.NewSnapshot(now, busy), nil
}

func (e *Engine) fetchBusy(ctx context.Context, window interval.TimeInterval) ([]interval.TimeInterval, error) {
	var busy []interval.TimeInterval
	attempts, err := e.retry(ctx, "fetch_busy", func() error {
		b, err := e.calendar.FetchBusy(ctx, window)
		busy = b
		return err
	})
	if err != nil {
		return nil, &CalendarFetchError{Attempts: attempts, Err: err}
	}
	return busy, nil
}

func (e *Engine) callCalendar(ctx context.Context, fn func() error) error {
	_, err := e.retry(ctx, "calendar_write", fn)
	return err
}

// retry runs fn with exponential backoff up to FetchAttempts times and
// reports how many attempts were made.
func (e *Engine) retry(ctx context.Context, op string, fn func() error) (uint, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.FetchBackoff
	var attempts uint
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, fn()
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(e.cfg.FetchAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.Warn("calendar call failed, retrying",
				logging.Operation(op), logging.Err(err), slog.Duration("backoff", next))
		}),
	)
	return attempts, err
}

// participants returns the counterparty and proposal participants without
// the user.
func (e *Engine) participants(n Negotiation) []string {
	var out []string
	seen := map[string]bool{}
	add := func(addr string) {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" || seen[addr] || sameAddress(addr, e.cfg.UserEmail) {
			return
		}
		seen[addr] = true
		out = append(out, addr)
	}
	add(n.Counterparty)
	if n.Proposal != nil {
		for _, p := range n.Proposal.Participants() {
			add(p)
		}
	}
	return out
}

func containsState(states []State, s State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

// address extracts the bare address from a From header value.
func address(from string) string {
	if a, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(a.Address)
	}
	return strings.ToLower(strings.TrimSpace(from))
}

func sameAddress(a, b string) bool {
	return a != "" && b != "" && address(a) == address(b)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
