package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teemow/inboxmeet/internal/intent"
	"github.com/teemow/inboxmeet/internal/logging"
	"github.com/teemow/inboxmeet/internal/negotiation"
)

// PollOptions controls one inbox scan.
type PollOptions struct {
	Query string
	Max   int64
	// Concurrency bounds the threads handled at once. Messages of one
	// thread are always handled in order.
	Concurrency   int
	MarkProcessed bool
}

// MessageResult is the outcome of one scanned message.
type MessageResult struct {
	MessageID string
	ThreadID  string
	Outcome   negotiation.Outcome
	Err       error
}

// PollSummary aggregates a scan.
type PollSummary struct {
	Listed  int
	Handled int
	Failed  int
	Actions map[negotiation.Action]int
	Results []MessageResult
}

// Poller feeds inbox messages of one account to its engine.
type Poller struct {
	acct   *Account
	opts   PollOptions
	logger *slog.Logger
	health *HealthChecker
	notify func(MessageResult)
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollLogger sets the poller logger.
func WithPollLogger(l *slog.Logger) PollerOption {
	return func(p *Poller) { p.logger = l }
}

// WithHealthChecker reports every scan to h.
func WithHealthChecker(h *HealthChecker) PollerOption {
	return func(p *Poller) { p.health = h }
}

// WithResultHandler calls fn for each message once it has been handled.
// fn may be called from several goroutines.
func WithResultHandler(fn func(MessageResult)) PollerOption {
	return func(p *Poller) { p.notify = fn }
}

// NewPoller creates a poller for acct.
func NewPoller(acct *Account, opts PollOptions, options ...PollerOption) *Poller {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	p := &Poller{acct: acct, opts: opts, logger: slog.Default()}
	for _, o := range options {
		o(p)
	}
	p.logger = logging.WithAccount(p.logger, acct.Name)
	return p
}

// Poll lists matching messages and hands them to the engine. Threads are
// processed concurrently, the messages of a thread oldest first. Per-message
// failures are counted in the summary; only a failed listing is returned as
// an error.
func (p *Poller) Poll(ctx context.Context) (PollSummary, error) {
	summary, err := p.poll(ctx)
	if p.health != nil {
		p.health.RecordPoll(summary.Handled, err)
	}
	return summary, err
}

func (p *Poller) poll(ctx context.Context) (PollSummary, error) {
	summary := PollSummary{Actions: make(map[negotiation.Action]int)}

	ids, err := p.acct.Inbox.ListMessageIDs(ctx, p.opts.Query, p.opts.Max)
	if err != nil {
		return summary, fmt.Errorf("failed to list messages: %w", err)
	}
	summary.Listed = len(ids)
	if len(ids) == 0 {
		return summary, nil
	}

	threads, order, fetchFailures := p.fetch(ctx, ids)

	var mu sync.Mutex
	record := func(r MessageResult) {
		mu.Lock()
		summary.Results = append(summary.Results, r)
		if r.Err != nil {
			summary.Failed++
		}
		if r.Outcome.Action != "" {
			summary.Handled++
			summary.Actions[r.Outcome.Action]++
		}
		mu.Unlock()
		if p.notify != nil {
			p.notify(r)
		}
	}
	for _, r := range fetchFailures {
		record(r)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for _, threadID := range order {
		emails := threads[threadID]
		g.Go(func() error {
			for _, em := range emails {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				record(p.handle(gctx, em))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return summary, err
	}

	sort.SliceStable(summary.Results, func(i, j int) bool {
		return indexOf(ids, summary.Results[i].MessageID) < indexOf(ids, summary.Results[j].MessageID)
	})
	return summary, ctx.Err()
}

// fetch loads the listed messages and groups them by thread, each thread
// sorted by receipt time.
func (p *Poller) fetch(ctx context.Context, ids []string) (map[string][]negotiation.Email, []string, []MessageResult) {
	emails := make([]negotiation.Email, len(ids))
	errs := make([]error, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			emails[i], errs[i] = p.acct.Inbox.GetEmail(gctx, id)
			return nil
		})
	}
	_ = g.Wait()

	threads := make(map[string][]negotiation.Email)
	var order []string
	var failures []MessageResult
	for i, id := range ids {
		if errs[i] != nil {
			p.logger.Warn("failed to get message", logging.MessageID(id), logging.Err(errs[i]))
			failures = append(failures, MessageResult{MessageID: id, Err: errs[i]})
			continue
		}
		key := emails[i].ThreadID
		if key == "" {
			key = id
		}
		if _, ok := threads[key]; !ok {
			order = append(order, key)
		}
		threads[key] = append(threads[key], emails[i])
	}
	for _, key := range order {
		msgs := threads[key]
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].ReceivedAt.Before(msgs[j].ReceivedAt) })
	}
	return threads, order, failures
}

func (p *Poller) handle(ctx context.Context, em negotiation.Email) MessageResult {
	r := MessageResult{MessageID: em.MessageID, ThreadID: em.ThreadID}
	r.Outcome, r.Err = p.acct.Engine.HandleEmail(ctx, em)

	logger := p.logger.With(logging.MessageID(em.MessageID))
	if r.Err != nil {
		logger.Warn("message handled with error",
			slog.String("action", string(r.Outcome.Action)), logging.Err(r.Err))
	} else {
		logger.Debug("message handled", slog.String("action", string(r.Outcome.Action)))
	}

	if p.opts.MarkProcessed && recorded(r) {
		if err := p.acct.Inbox.MarkProcessed(ctx, em.MessageID); err != nil {
			logger.Warn("failed to label message", logging.Err(err))
		}
	}
	return r
}

// recorded reports whether the engine kept the effect of a message, so a
// later scan must skip it. A negotiation left HELD or undelivered is resumed
// with Retry, not by handling the message again.
func recorded(r MessageResult) bool {
	switch {
	case r.Err == nil:
		return true
	case errors.Is(r.Err, intent.ErrUnderstanding),
		errors.Is(r.Err, negotiation.ErrClosed),
		errors.Is(r.Err, context.Canceled),
		errors.Is(r.Err, context.DeadlineExceeded):
		return false
	}
	return r.Outcome.Negotiation != nil
}

// Run polls every interval until ctx is done.
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if s, err := p.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("inbox poll failed", logging.Err(err))
		} else if s.Listed > 0 {
			p.logger.Info("inbox polled",
				slog.Int("listed", s.Listed), slog.Int("handled", s.Handled), slog.Int("failed", s.Failed))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return len(ids)
}
