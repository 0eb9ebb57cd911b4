// Package nlu provides language-understanding backends for meeting intent
// extraction: a client for OpenAI-compatible chat completion APIs and a
// fallback chain in front of the keyword understander.
package nlu

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kaptinlin/jsonrepair"
	"golang.org/x/time/rate"

	"github.com/teemow/inboxmeet/internal/instrumentation"
	"github.com/teemow/inboxmeet/internal/intent"
	"github.com/teemow/inboxmeet/internal/logging"
)

// Defaults for the chat completion client.
const (
	DefaultBaseURL   = "https://api.deepseek.com/v1"
	DefaultModel     = "deepseek-chat"
	DefaultTimeout   = 30 * time.Second
	DefaultCacheSize = 512
	DefaultRateLimit = 2.0
	DefaultMaxTries  = 3

	// maxPromptText bounds the email text sent to the model.
	maxPromptText = 2000
)

// Config configures the chat completion client.
type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	Timeout   time.Duration
	CacheSize int
	// RequestsPerSecond limits outbound calls. Zero disables limiting.
	RequestsPerSecond float64
	MaxTries          uint
	InitialBackoff    time.Duration
	Timezone          string
	// Metrics records model request outcomes. Nil disables recording.
	Metrics *instrumentation.Metrics
}

// APIError is a non-2xx response from the model API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("model API returned %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the request may succeed when retried.
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client implements intent.Understander over a chat completion API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      *lru.Cache[string, intent.Understanding]
	logger     *slog.Logger
	now        func() time.Time
}

// NewClient creates a client. An API key is required.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("model API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = DefaultMaxTries
	}
	if cfg.Timezone == "" {
		cfg.Timezone = intent.DefaultTimezone
	}
	if logger == nil {
		logger = slog.Default()
	}

	cache, err := lru.New[string, intent.Understanding](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		cache:      cache,
		logger:     logging.WithService(logger, "nlu"),
		now:        time.Now,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// modelAnswer is the JSON shape the prompt asks the model to produce.
type modelAnswer struct {
	IsMeeting       bool                 `json:"is_meeting"`
	Confidence      float64              `json:"confidence"`
	Mentions        []intent.TimeMention `json:"mentions"`
	DurationMinutes float64              `json:"duration_minutes"`
	Participants    []string             `json:"participants"`
}

// Understand implements intent.Understander. Results are cached by text.
func (c *Client) Understand(ctx context.Context, text string) (intent.Understanding, error) {
	key := cacheKey(text)
	if cached, ok := c.cache.Get(key); ok {
		return cached, nil
	}

	started := time.Now()
	b := backoff.NewExponentialBackOff()
	if c.cfg.InitialBackoff > 0 {
		b.InitialInterval = c.cfg.InitialBackoff
	}
	content, err := backoff.Retry(ctx, func() (string, error) {
		return c.complete(ctx, text)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.cfg.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("model request failed, retrying",
				logging.Err(err), slog.Duration("backoff", next))
		}),
	)
	if err != nil {
		c.cfg.Metrics.RecordNLURequest(ctx, instrumentation.StatusError, time.Since(started))
		return intent.Understanding{}, err
	}

	u, err := parseAnswer(content)
	if err != nil {
		c.cfg.Metrics.RecordNLURequest(ctx, instrumentation.StatusError, time.Since(started))
		return intent.Understanding{}, err
	}
	c.cfg.Metrics.RecordNLURequest(ctx, instrumentation.StatusSuccess, time.Since(started))
	c.cache.Add(key, u)
	return u, nil
}

func (c *Client) complete(ctx context.Context, text string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", backoff.Permanent(err)
		}
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: c.prompt(text)}},
		Temperature: 0,
	})
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("failed to encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", backoff.Permanent(err)
		}
		return "", fmt.Errorf("model request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 200)}
		if apiErr.Transient() {
			return "", apiErr
		}
		return "", backoff.Permanent(apiErr)
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return "", backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	if len(cr.Choices) == 0 {
		return "", backoff.Permanent(fmt.Errorf("model returned no choices"))
	}
	return cr.Choices[0].Message.Content, nil
}

func (c *Client) prompt(text string) string {
	return fmt.Sprintf(`Decide whether this email proposes a meeting and extract every time it mentions.
Today is %s. Times are in the %s timezone unless the email says otherwise.
Respond ONLY with JSON of the form:
{"is_meeting": true, "confidence": 0.0-1.0, "mentions": [{"text": "time exactly as written", "start": "YYYY-MM-DDTHH:MM:SS", "end": "YYYY-MM-DDTHH:MM:SS or empty"}], "duration_minutes": 0, "participants": ["email addresses"]}

Email: %s`, c.now().Format("Monday, 2006-01-02"), c.cfg.Timezone, truncate(text, maxPromptText))
}

// parseAnswer decodes model output, repairing malformed JSON and stripping
// markdown fences first.
func parseAnswer(content string) (intent.Understanding, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var a modelAnswer
	if err := json.Unmarshal([]byte(content), &a); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(content)
		if repairErr != nil {
			return intent.Understanding{}, fmt.Errorf("model output is not JSON: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &a); err != nil {
			return intent.Understanding{}, fmt.Errorf("model output is not JSON after repair: %w", err)
		}
	}

	u := intent.Understanding{
		Mentions:     a.Mentions,
		Duration:     time.Duration(a.DurationMinutes * float64(time.Minute)),
		Participants: a.Participants,
		Confidence:   a.Confidence,
	}
	if !a.IsMeeting {
		u.Confidence = 0
	}
	return u, nil
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Avoid cutting a multi-byte rune in half.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
