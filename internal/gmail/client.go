package gmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/teemow/inboxmeet/internal/google"
	"github.com/teemow/inboxmeet/internal/instrumentation"
	"github.com/teemow/inboxmeet/internal/logging"
	"github.com/teemow/inboxmeet/internal/negotiation"
)

const (
	// ProcessedLabel marks messages the engine has already handled.
	ProcessedLabel = "inboxmeet/processed"

	// DefaultQuery selects unprocessed inbox messages.
	DefaultQuery = "in:inbox -label:" + ProcessedLabel

	pageSize = 100
)

// Client wraps the Gmail Users service for one account.
type Client struct {
	svc     *gmail.UsersService
	account string
	metrics *instrumentation.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	signature *string
	labelIDs  map[string]string
}

var _ negotiation.Mailer = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithMetrics records Google API metrics.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithSignature fixes the signature instead of reading it from Gmail
// settings. An empty string disables the signature.
func WithSignature(sig string) Option {
	return func(c *Client) { c.signature = &sig }
}

// Account returns the account name this client is associated with
func (c *Client) Account() string {
	return c.account
}

// HasTokenForAccount checks if a valid OAuth token exists for the specified account
func HasTokenForAccount(account string) bool {
	return google.HasTokenForAccount(account)
}

// NewClientForAccountWithProvider creates a Gmail client for account using
// a token from provider.
func NewClientForAccountWithProvider(ctx context.Context, account string, provider google.TokenProvider, opts ...Option) (*Client, error) {
	httpClient, err := google.HTTPClientFromProvider(ctx, provider, account)
	if err != nil {
		return nil, err
	}
	return NewClientWithHTTPClient(ctx, account, httpClient, opts...)
}

// NewClientForAccount creates a Gmail client from the stored token file.
func NewClientForAccount(ctx context.Context, account string, opts ...Option) (*Client, error) {
	return NewClientForAccountWithProvider(ctx, account, google.NewFileTokenProvider(), opts...)
}

// NewClientWithHTTPClient creates a Gmail client on an existing HTTP client.
func NewClientWithHTTPClient(ctx context.Context, account string, httpClient *http.Client, opts ...Option) (*Client, error) {
	return newClient(ctx, account, []option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
}

func newClient(ctx context.Context, account string, apiOpts []option.ClientOption, opts ...Option) (*Client, error) {
	svc, err := gmail.NewService(ctx, apiOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	c := &Client{
		svc:      svc.Users,
		account:  account,
		logger:   slog.Default(),
		labelIDs: map[string]string{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.WithService(c.logger, instrumentation.ServiceGmail)
	return c, nil
}

// Profile returns the email address of the authenticated user.
func (c *Client) Profile(ctx context.Context) (string, error) {
	var address string
	err := c.observe(ctx, instrumentation.OperationGet, func(ctx context.Context) error {
		p, err := c.svc.GetProfile("me").Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to get profile: %w", err)
		}
		address = p.EmailAddress
		return nil
	})
	return address, err
}

// ListMessageIDs returns up to max message ids matching query, newest first.
// A max of zero or less lists every match.
func (c *Client) ListMessageIDs(ctx context.Context, query string, max int64) ([]string, error) {
	var ids []string
	err := c.observe(ctx, instrumentation.OperationList, func(ctx context.Context) error {
		pageToken := ""
		for {
			req := c.svc.Messages.List("me").Q(query).MaxResults(pageSize).Context(ctx)
			if pageToken != "" {
				req.PageToken(pageToken)
			}
			res, err := req.Do()
			if err != nil {
				return fmt.Errorf("failed to list messages: %w", err)
			}
			for _, m := range res.Messages {
				ids = append(ids, m.Id)
				if max > 0 && int64(len(ids)) >= max {
					return nil
				}
			}
			if res.NextPageToken == "" {
				return nil
			}
			pageToken = res.NextPageToken
		}
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GetEmail fetches a message and converts it for the engine.
func (c *Client) GetEmail(ctx context.Context, messageID string) (negotiation.Email, error) {
	if messageID == "" {
		return negotiation.Email{}, backoff.Permanent(errors.New("messageID is required"))
	}
	var msg *gmail.Message
	err := c.observe(ctx, instrumentation.OperationGet, func(ctx context.Context) error {
		var err error
		msg, err = c.svc.Messages.Get("me", messageID).Format("full").Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to get message %s: %w", messageID, err)
		}
		return nil
	})
	if err != nil {
		return negotiation.Email{}, err
	}
	return toEmail(msg)
}

// Send delivers msg and returns the Gmail message and thread it landed on.
// Messages with a ThreadID are sent into that thread.
func (c *Client) Send(ctx context.Context, msg negotiation.Outbound) (negotiation.Sent, error) {
	references := ""
	if msg.ThreadID != "" && msg.InReplyTo != "" {
		references = c.threadReferences(ctx, msg.ThreadID, msg.InReplyTo)
	}

	raw, err := buildRaw(msg, references, c.Signature(ctx))
	if err != nil {
		return negotiation.Sent{}, backoff.Permanent(err)
	}

	var out negotiation.Sent
	err = c.observe(ctx, instrumentation.OperationSend, func(ctx context.Context) error {
		sent, err := c.svc.Messages.Send("me", &gmail.Message{Raw: raw, ThreadId: msg.ThreadID}).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to send email: %w", err)
		}
		out = negotiation.Sent{MessageID: sent.Id, ThreadID: sent.ThreadId}
		return nil
	})
	if err != nil {
		return negotiation.Sent{}, err
	}
	c.logger.Info("email sent", slog.String("thread_id", out.ThreadID), logging.UserHash(msg.To))
	return out, nil
}

// threadReferences returns the References header of the message in thread
// whose Message-ID is inReplyTo. Lookup failures yield no references.
func (c *Client) threadReferences(ctx context.Context, threadID, inReplyTo string) string {
	var refs string
	_ = c.observe(ctx, instrumentation.OperationGet, func(ctx context.Context) error {
		t, err := c.svc.Threads.Get("me", threadID).Format("metadata").
			MetadataHeaders("Message-ID", "References").Context(ctx).Do()
		if err != nil {
			return err
		}
		for _, m := range t.Messages {
			if HeaderValue(m, "Message-ID") == inReplyTo {
				refs = HeaderValue(m, "References")
			}
		}
		return nil
	})
	return refs
}

// Signature returns the primary send-as signature. It is fetched once; a
// failed fetch means no signature.
func (c *Client) Signature(ctx context.Context) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signature != nil {
		return *c.signature
	}
	sig := ""
	sendAs, err := c.svc.Settings.SendAs.Get("me", "me").Context(ctx).Do()
	if err == nil {
		sig = sendAs.Signature
	} else {
		c.logger.Debug("signature unavailable", logging.Err(err))
	}
	c.signature = &sig
	return sig
}

// EnsureLabel returns the id of the user label name, creating it when absent.
func (c *Client) EnsureLabel(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	id, ok := c.labelIDs[name]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	err := c.observe(ctx, instrumentation.OperationList, func(ctx context.Context) error {
		res, err := c.svc.Labels.List("me").Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to list labels: %w", err)
		}
		for _, l := range res.Labels {
			if l.Name == name {
				id = l.Id
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if id == "" {
		err = c.observe(ctx, instrumentation.OperationCreate, func(ctx context.Context) error {
			l, err := c.svc.Labels.Create("me", &gmail.Label{
				Name:                  name,
				LabelListVisibility:   "labelShow",
				MessageListVisibility: "show",
			}).Context(ctx).Do()
			if err != nil {
				return fmt.Errorf("failed to create label %s: %w", name, err)
			}
			id = l.Id
			return nil
		})
		if err != nil {
			return "", err
		}
		c.logger.Info("created label", slog.String("label", name))
	}

	c.mu.Lock()
	c.labelIDs[name] = id
	c.mu.Unlock()
	return id, nil
}

// MarkProcessed labels a message so DefaultQuery skips it.
func (c *Client) MarkProcessed(ctx context.Context, messageID string) error {
	labelID, err := c.EnsureLabel(ctx, ProcessedLabel)
	if err != nil {
		return err
	}
	return c.observe(ctx, instrumentation.OperationModify, func(ctx context.Context) error {
		_, err := c.svc.Messages.Modify("me", messageID, &gmail.ModifyMessageRequest{
			AddLabelIds: []string{labelID},
		}).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to label message %s: %w", messageID, err)
		}
		return nil
	})
}

func (c *Client) observe(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := instrumentation.StartGoogleAPISpan(ctx, instrumentation.ServiceGmail, op,
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
	c.metrics.RecordGoogleAPIOperation(ctx, instrumentation.ServiceGmail, op, status, time.Since(started))

	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code >= 400 && gerr.Code < 500 &&
		gerr.Code != http.StatusTooManyRequests && gerr.Code != http.StatusRequestTimeout {
		return backoff.Permanent(err)
	}
	return err
}
