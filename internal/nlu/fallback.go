package nlu

import (
	"context"
	"log/slog"

	"github.com/teemow/inboxmeet/internal/intent"
	"github.com/teemow/inboxmeet/internal/logging"
)

// Fallback tries Primary and, if it fails, Secondary.
type Fallback struct {
	Primary   intent.Understander
	Secondary intent.Understander
	Logger    *slog.Logger
}

// NewFallback returns an understander that degrades to keyword matching when
// the primary backend fails.
func NewFallback(primary intent.Understander, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{Primary: primary, Secondary: intent.KeywordUnderstander{}, Logger: logger}
}

// Understand implements intent.Understander.
func (f *Fallback) Understand(ctx context.Context, text string) (intent.Understanding, error) {
	if f.Primary == nil {
		return f.Secondary.Understand(ctx, text)
	}
	u, err := f.Primary.Understand(ctx, text)
	if err == nil {
		return u, nil
	}
	if ctx.Err() != nil {
		return intent.Understanding{}, err
	}
	f.Logger.Warn("primary understander failed, using keyword fallback", logging.Err(err))
	return f.Secondary.Understand(ctx, text)
}

// New builds the understander for cfg: the model client behind a keyword
// fallback when an API key is configured, otherwise keyword matching alone.
func New(cfg Config, logger *slog.Logger) (intent.Understander, error) {
	if cfg.APIKey == "" {
		return intent.KeywordUnderstander{}, nil
	}
	client, err := NewClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewFallback(client, logger), nil
}
