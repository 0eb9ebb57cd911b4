package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/teemow/inboxmeet/internal/google"
	"github.com/teemow/inboxmeet/internal/instrumentation"
	"github.com/teemow/inboxmeet/internal/interval"
	"github.com/teemow/inboxmeet/internal/logging"
	"github.com/teemow/inboxmeet/internal/negotiation"
)

// DefaultCalendarID is the user's primary calendar.
const DefaultCalendarID = "primary"

// Client adapts the Google Calendar API to the negotiation engine.
type Client struct {
	svc        *calendar.Service
	account    string
	calendarID string
	timeZone   string
	metrics    *instrumentation.Metrics
	logger     *slog.Logger
}

var _ negotiation.Calendar = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithCalendarID selects the calendar to read and write.
func WithCalendarID(id string) Option {
	return func(c *Client) {
		if id != "" {
			c.calendarID = id
		}
	}
}

// WithTimeZone sets the IANA zone written on created events.
func WithTimeZone(tz string) Option {
	return func(c *Client) {
		if tz != "" {
			c.timeZone = tz
		}
	}
}

// WithMetrics records Google API metrics.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Account returns the account name this client is associated with
func (c *Client) Account() string {
	return c.account
}

// CalendarID returns the calendar this client operates on.
func (c *Client) CalendarID() string {
	return c.calendarID
}

// HasTokenForAccount checks if a valid OAuth token exists for the specified account
func HasTokenForAccount(account string) bool {
	return google.HasTokenForAccount(account)
}

// NewClientForAccountWithProvider creates a Calendar client for account
// using a token from provider.
func NewClientForAccountWithProvider(ctx context.Context, account string, provider google.TokenProvider, opts ...Option) (*Client, error) {
	httpClient, err := google.HTTPClientFromProvider(ctx, provider, account)
	if err != nil {
		return nil, err
	}
	return NewClientWithHTTPClient(ctx, account, httpClient, opts...)
}

// NewClientForAccount creates a Calendar client from the stored token file.
func NewClientForAccount(ctx context.Context, account string, opts ...Option) (*Client, error) {
	return NewClientForAccountWithProvider(ctx, account, google.NewFileTokenProvider(), opts...)
}

// NewClientWithHTTPClient creates a Calendar client on an existing HTTP client.
func NewClientWithHTTPClient(ctx context.Context, account string, httpClient *http.Client, opts ...Option) (*Client, error) {
	return newClient(ctx, account, []option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
}

func newClient(ctx context.Context, account string, apiOpts []option.ClientOption, opts ...Option) (*Client, error) {
	svc, err := calendar.NewService(ctx, apiOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}
	c := &Client{
		svc:        svc,
		account:    account,
		calendarID: DefaultCalendarID,
		timeZone:   "UTC",
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.WithService(c.logger, instrumentation.ServiceCalendar)
	return c, nil
}

// FetchBusy returns the busy blocks of the configured calendar within window.
func (c *Client) FetchBusy(ctx context.Context, window interval.TimeInterval) ([]interval.TimeInterval, error) {
	if !window.Valid() {
		return nil, backoff.Permanent(fmt.Errorf("free/busy window %s: %w", window, interval.ErrInvalidInterval))
	}

	var busy []interval.TimeInterval
	err := c.observe(ctx, instrumentation.OperationFreeBusy, func(ctx context.Context) error {
		res, err := c.svc.Freebusy.Query(&calendar.FreeBusyRequest{
			TimeMin: window.Start.Format(time.RFC3339),
			TimeMax: window.End.Format(time.RFC3339),
			Items:   []*calendar.FreeBusyRequestItem{{Id: c.calendarID}},
		}).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to query freebusy: %w", err)
		}
		fb, ok := res.Calendars[c.calendarID]
		if !ok {
			return fmt.Errorf("freebusy response has no entry for calendar %s", c.calendarID)
		}
		busy, err = busyIntervals(c.calendarID, fb)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("fetched busy blocks",
		slog.String("window", window.String()), slog.Int("busy", len(busy)))
	return busy, nil
}

// CreateEvent books req on the configured calendar and returns the event id.
// Participants are invited as attendees. With req.ID set the event id is
// derived from it, and an insert that conflicts with an existing event of
// that id reports the existing event.
func (c *Client) CreateEvent(ctx context.Context, req negotiation.EventRequest) (string, error) {
	if !req.Interval.Valid() {
		return "", backoff.Permanent(fmt.Errorf("event interval %s: %w", req.Interval, interval.ErrInvalidInterval))
	}

	var id string
	err := c.observe(ctx, instrumentation.OperationCreate, func(ctx context.Context) error {
		created, err := c.svc.Events.Insert(c.calendarID, eventFromRequest(req, c.timeZone)).
			SendUpdates("all").
			Context(ctx).
			Do()
		if req.ID != "" && isConflict(err) {
			id = EventID(req.ID)
			c.logger.Info("calendar event already exists", slog.String("event_id", id))
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to create event: %w", err)
		}
		id = created.Id
		return nil
	})
	if err != nil {
		return "", err
	}
	c.logger.Info("calendar event created", slog.String("event_id", id), slog.String("interval", req.Interval.String()))
	return id, nil
}

// DeleteEvent removes an event. Events that are already gone are not an error.
func (c *Client) DeleteEvent(ctx context.Context, eventID string) error {
	if eventID == "" {
		return backoff.Permanent(errors.New("event id is required"))
	}
	return c.observe(ctx, instrumentation.OperationDelete, func(ctx context.Context) error {
		err := c.svc.Events.Delete(c.calendarID, eventID).SendUpdates("all").Context(ctx).Do()
		if isGone(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to delete event: %w", err)
		}
		return nil
	})
}

// observe runs fn in a span and records its outcome. Client errors other
// than rate limiting are marked permanent.
func (c *Client) observe(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := instrumentation.StartGoogleAPISpan(ctx, instrumentation.ServiceCalendar, op,
		instrumentation.NewSpanAttributeBuilder().WithAccount(c.account).Build()...)
	defer span.End()

	started := time.Now()
	err := fn(ctx)
	status := instrumentation.StatusSuccess
	if err != nil {
		status = instrumentation.StatusError
		instrumentation.SetSpanError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	c.metrics.RecordGoogleAPIOperation(ctx, instrumentation.ServiceCalendar, op, status, time.Since(started))

	if err != nil && isPermanent(err) {
		return backoff.Permanent(err)
	}
	return err
}

func isPermanent(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	return gerr.Code >= 400 && gerr.Code < 500 && gerr.Code != http.StatusTooManyRequests && gerr.Code != http.StatusRequestTimeout
}

func isConflict(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusConflict
}

func isGone(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone)
}
