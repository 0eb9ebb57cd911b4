package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/teemow/inboxmeet/internal/availability"
	"github.com/teemow/inboxmeet/internal/calendar"
	"github.com/teemow/inboxmeet/internal/config"
	"github.com/teemow/inboxmeet/internal/gmail"
	"github.com/teemow/inboxmeet/internal/google"
	"github.com/teemow/inboxmeet/internal/instrumentation"
	"github.com/teemow/inboxmeet/internal/intent"
	"github.com/teemow/inboxmeet/internal/logging"
	"github.com/teemow/inboxmeet/internal/negotiation"
	"github.com/teemow/inboxmeet/internal/nlu"
	"github.com/teemow/inboxmeet/internal/tracker"
)

var (
	// ErrShutdown is returned once the context has been shut down.
	ErrShutdown = errors.New("server is shutting down")
	// ErrNotAuthenticated is returned for accounts without a stored Google token.
	ErrNotAuthenticated = errors.New("account is not authenticated")
)

// Inbox is the mailbox surface used by tools and the inbox poller.
type Inbox interface {
	negotiation.Mailer
	ListMessageIDs(ctx context.Context, query string, max int64) ([]string, error)
	GetEmail(ctx context.Context, messageID string) (negotiation.Email, error)
	MarkProcessed(ctx context.Context, messageID string) error
}

// Account bundles the services of one Google account.
type Account struct {
	Name      string
	UserEmail string
	Inbox     Inbox
	Engine    *negotiation.Engine

	release func()
}

// NewAccount assembles an account from already built parts. release may be
// nil and is called once on Close.
func NewAccount(name, userEmail string, inbox Inbox, engine *negotiation.Engine, release func()) *Account {
	return &Account{Name: name, UserEmail: userEmail, Inbox: inbox, Engine: engine, release: release}
}

// Tracker returns the account's meeting tracker.
func (a *Account) Tracker() *tracker.Tracker {
	return a.Engine.Tracker()
}

// Close stops the engine and releases the tracker store.
func (a *Account) Close() {
	a.Engine.Close()
	if a.release != nil {
		a.release()
		a.release = nil
	}
}

// AccountFactory builds the services for the named account.
type AccountFactory func(ctx context.Context, name string) (*Account, error)

// Option configures a ServerContext.
type Option func(*ServerContext)

// WithAccountFactory replaces the Google backed account builder.
func WithAccountFactory(f AccountFactory) Option {
	return func(sc *ServerContext) { sc.factory = f }
}

// WithLogger sets the logger handed to account services.
func WithLogger(l *slog.Logger) Option {
	return func(sc *ServerContext) { sc.logger = l }
}

// ServerContext holds the configuration and the lazily created per-account
// services shared by the MCP tools, the inbox poller and the CLI.
type ServerContext struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    config.Config
	logger *slog.Logger

	factory      AccountFactory
	understander intent.Understander
	accounts     map[string]*Account

	metrics     *instrumentation.Metrics
	auditLogger *instrumentation.AuditLogger

	mu       sync.RWMutex
	shutdown bool
}

// NewServerContext creates a server context. No Google calls are made until
// an account is first requested.
func NewServerContext(ctx context.Context, cfg config.Config, opts ...Option) (*ServerContext, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	shutdownCtx, cancel := context.WithCancel(ctx)

	sc := &ServerContext{
		ctx:      shutdownCtx,
		cancel:   cancel,
		cfg:      cfg,
		logger:   slog.Default(),
		accounts: make(map[string]*Account),
	}
	for _, opt := range opts {
		opt(sc)
	}
	if sc.factory == nil {
		sc.factory = sc.googleAccount
	}
	return sc, nil
}

// Context returns the server context
func (sc *ServerContext) Context() context.Context {
	return sc.ctx
}

// Config returns the configuration the context was built with.
func (sc *ServerContext) Config() config.Config {
	return sc.cfg
}

// DefaultAccount returns the configured account name.
func (sc *ServerContext) DefaultAccount() string {
	return sc.cfg.Account
}

// Logger returns the context logger.
func (sc *ServerContext) Logger() *slog.Logger {
	return sc.logger
}

// SetMetrics sets the metrics recorder used by services created afterwards.
func (sc *ServerContext) SetMetrics(m *instrumentation.Metrics) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.metrics = m
}

// Metrics returns the metrics recorder, or nil when instrumentation is off.
func (sc *ServerContext) Metrics() *instrumentation.Metrics {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.metrics
}

// SetAuditLogger sets the audit logger for tool calls and for the
// negotiation engines of accounts loaded afterwards.
func (sc *ServerContext) SetAuditLogger(a *instrumentation.AuditLogger) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.auditLogger = a
}

// AuditLogger returns the audit logger, or nil.
func (sc *ServerContext) AuditLogger() *instrumentation.AuditLogger {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.auditLogger
}

// AccountFor returns the services for account, creating and caching them
// on first use. An empty name selects the configured account.
func (sc *ServerContext) AccountFor(name string) (*Account, error) {
	if name == "" {
		name = sc.cfg.Account
	}

	sc.mu.RLock()
	if sc.shutdown {
		sc.mu.RUnlock()
		return nil, ErrShutdown
	}
	acct, ok := sc.accounts[name]
	sc.mu.RUnlock()
	if ok {
		return acct, nil
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.shutdown {
		return nil, ErrShutdown
	}
	if acct, ok := sc.accounts[name]; ok {
		return acct, nil
	}
	acct, err := sc.factory(sc.ctx, name)
	if err != nil {
		return nil, err
	}
	sc.accounts[name] = acct
	return acct, nil
}

// Accounts returns the names of the accounts loaded so far.
func (sc *ServerContext) Accounts() []string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	names := make([]string, 0, len(sc.accounts))
	for name := range sc.accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UserEmailFor returns the mailbox address of a loaded account, falling
// back to the configured address. It never creates the account.
func (sc *ServerContext) UserEmailFor(name string) string {
	if acct, ok := sc.loaded(name); ok && acct.UserEmail != "" {
		return acct.UserEmail
	}
	return sc.cfg.UserEmail
}

// loaded returns the account if it has been created, without creating it.
func (sc *ServerContext) loaded(name string) (*Account, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	acct, ok := sc.accounts[name]
	return acct, ok
}

// googleAccount builds an account from Gmail, Calendar and the configured
// tracker store. Called with sc.mu held.
func (sc *ServerContext) googleAccount(ctx context.Context, name string) (*Account, error) {
	if !google.HasTokenForAccount(name) {
		return nil, fmt.Errorf("%w: %s", ErrNotAuthenticated, google.GetAuthenticationErrorMessage(name))
	}
	logger := logging.WithAccount(sc.logger, name)

	loc, err := sc.cfg.Location()
	if err != nil {
		return nil, err
	}

	mail, err := gmail.NewClientForAccount(ctx, name,
		gmail.WithMetrics(sc.metrics), gmail.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail client: %w", err)
	}
	cal, err := calendar.NewClientForAccount(ctx, name,
		calendar.WithCalendarID(sc.cfg.CalendarID),
		calendar.WithTimeZone(loc.String()),
		calendar.WithMetrics(sc.metrics),
		calendar.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar client: %w", err)
	}

	userEmail := sc.cfg.UserEmail
	if userEmail == "" {
		profileCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		userEmail, err = mail.Profile(profileCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve user email: %w", err)
		}
	}

	if sc.understander == nil {
		u, err := nlu.New(sc.cfg.NLUClientConfig(sc.metrics), sc.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create language understanding client: %w", err)
		}
		sc.understander = u
	}

	store, release, err := tracker.OpenStore(sc.cfg.TrackerStoreConfig(), name)
	if err != nil {
		return nil, fmt.Errorf("failed to open meeting store: %w", err)
	}
	tr, err := tracker.New(ctx, store,
		tracker.WithLogger(logger),
		tracker.WithRetention(sc.cfg.Store.Retention),
		tracker.WithPendingSweep())
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to load meetings: %w", err)
	}

	engine, err := negotiation.NewEngine(negotiation.Deps{
		Extractor: intent.NewExtractor(sc.understander, sc.cfg.ExtractorConfig(loc), logger),
		Resolver:  availability.NewResolver(sc.cfg.ResolverConfig(loc)),
		Tracker:   tr,
		Calendar:  cal,
		Mailer:    mail,
	}, sc.cfg.EngineConfig(name, userEmail),
		negotiation.WithLogger(logger),
		negotiation.WithMetrics(sc.metrics),
		negotiation.WithAuditLogger(sc.auditLogger))
	if err != nil {
		release()
		return nil, err
	}

	logger.Info("account ready", logging.Status("ok"))
	return NewAccount(name, userEmail, mail, engine, release), nil
}

// IsShutdown returns whether the server is shutting down
func (sc *ServerContext) IsShutdown() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.shutdown
}

// Shutdown stops all engines, releases stores and cancels the context.
func (sc *ServerContext) Shutdown() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.shutdown {
		return nil
	}
	sc.shutdown = true
	sc.cancel()

	for name, acct := range sc.accounts {
		acct.Close()
		delete(sc.accounts, name)
	}
	return nil
}
