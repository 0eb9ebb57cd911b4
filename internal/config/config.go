// Package config loads inboxmeet settings from defaults, an optional YAML
// file and INBOXMEET_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teemow/inboxmeet/internal/availability"
	"github.com/teemow/inboxmeet/internal/gmail"
	"github.com/teemow/inboxmeet/internal/instrumentation"
	"github.com/teemow/inboxmeet/internal/intent"
	"github.com/teemow/inboxmeet/internal/negotiation"
	"github.com/teemow/inboxmeet/internal/nlu"
	"github.com/teemow/inboxmeet/internal/tracker"
)

// Config is the complete runtime configuration.
type Config struct {
	// Account is the token cache entry used when none is given on the command line.
	Account string `yaml:"account"`
	// UserEmail is the mailbox owner. When empty it is read from the Gmail profile.
	UserEmail  string `yaml:"user_email"`
	CalendarID string `yaml:"calendar_id"`
	Timezone   string `yaml:"timezone"`

	Google      GoogleConfig      `yaml:"google"`
	Extraction  ExtractionConfig  `yaml:"extraction"`
	Resolver    ResolverConfig    `yaml:"resolver"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
	Store       StoreConfig       `yaml:"store"`
	NLU         NLUConfig         `yaml:"nlu"`
	Inbox       InboxConfig       `yaml:"inbox"`
	Server      ServerConfig      `yaml:"server"`
}

// GoogleConfig holds the OAuth client used for all accounts.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// ExtractionConfig tunes the intent extractor.
type ExtractionConfig struct {
	Threshold       float64       `yaml:"threshold"`
	DefaultDuration time.Duration `yaml:"default_duration"`
}

// ResolverConfig tunes the availability search.
type ResolverConfig struct {
	Horizon         time.Duration `yaml:"horizon"`
	MaxAlternatives int           `yaml:"max_alternatives"`
	Granularity     time.Duration `yaml:"granularity"`
	WorkdayStart    time.Duration `yaml:"workday_start"`
	WorkdayEnd      time.Duration `yaml:"workday_end"`
}

// NegotiationConfig tunes the confirmation state machine.
type NegotiationConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	FetchAttempts uint          `yaml:"fetch_attempts"`
	FetchBackoff  time.Duration `yaml:"fetch_backoff"`
}

// StoreConfig selects the meeting tracker backend.
type StoreConfig struct {
	Type   string       `yaml:"type"`
	Dir    string       `yaml:"dir"`
	Valkey ValkeyConfig `yaml:"valkey"`
	// Retention is how long inactive meetings are kept. Zero keeps them forever.
	Retention time.Duration `yaml:"retention"`
}

// ValkeyConfig holds configuration for the Valkey store backend.
type ValkeyConfig struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	TLSEnabled bool   `yaml:"tls"`
	KeyPrefix  string `yaml:"key_prefix"`
}

// NLUConfig configures the language model backend. Without an API key the
// keyword understander is used alone.
type NLUConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	CacheSize         int           `yaml:"cache_size"`
}

// InboxConfig controls how the inbox is scanned.
type InboxConfig struct {
	Query        string        `yaml:"query"`
	MaxMessages  int64         `yaml:"max_messages"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// Concurrency bounds the threads processed at once.
	Concurrency int `yaml:"concurrency"`
	// MarkProcessed labels handled messages in Gmail.
	MarkProcessed bool `yaml:"mark_processed"`
}

// ServerConfig configures the MCP server.
type ServerConfig struct {
	Transport      string `yaml:"transport"`
	HTTPAddr       string `yaml:"http_addr"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsAddr    string `yaml:"metrics_addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Account:    "default",
		CalendarID: "primary",
		Timezone:   intent.DefaultTimezone,
		Extraction: ExtractionConfig{
			Threshold:       intent.DefaultThreshold,
			DefaultDuration: intent.DefaultDuration,
		},
		Resolver: ResolverConfig{
			Horizon:         availability.DefaultHorizon,
			MaxAlternatives: availability.DefaultMaxAlternatives,
			Granularity:     availability.DefaultGranularity,
			WorkdayStart:    availability.DefaultWorkdayStart,
			WorkdayEnd:      availability.DefaultWorkdayEnd,
		},
		Negotiation: NegotiationConfig{
			Timeout:       negotiation.DefaultTimeout,
			FetchAttempts: negotiation.DefaultFetchAttempts,
			FetchBackoff:  negotiation.DefaultFetchBackoff,
		},
		Store: StoreConfig{
			Type: tracker.StoreTypeFile,
			Dir:  defaultDataDir(),
			Valkey: ValkeyConfig{
				KeyPrefix: "inboxmeet:",
			},
			Retention: tracker.DefaultRetention,
		},
		NLU: NLUConfig{
			BaseURL:           nlu.DefaultBaseURL,
			Model:             nlu.DefaultModel,
			Timeout:           nlu.DefaultTimeout,
			RequestsPerSecond: nlu.DefaultRateLimit,
			CacheSize:         nlu.DefaultCacheSize,
		},
		Inbox: InboxConfig{
			Query:         gmail.DefaultQuery,
			MaxMessages:   50,
			PollInterval:  5 * time.Minute,
			Concurrency:   4,
			MarkProcessed: true,
		},
		Server: ServerConfig{
			Transport:      "stdio",
			HTTPAddr:       ":8080",
			MetricsEnabled: true,
			MetricsAddr:    ":9090",
		},
	}
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "inboxmeet")
}

// DefaultPath is the config file read when no path is given.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

// Load builds the configuration: defaults, then the YAML file at path, then
// the environment. An empty path reads DefaultPath if it exists.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = os.Getenv("INBOXMEET_CONFIG")
		explicit = path != ""
	}
	if !explicit {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv() error {
	c.Account = getEnvOrDefault("INBOXMEET_ACCOUNT", c.Account)
	c.UserEmail = getEnvOrDefault("INBOXMEET_USER_EMAIL", c.UserEmail)
	c.CalendarID = getEnvOrDefault("INBOXMEET_CALENDAR_ID", c.CalendarID)
	c.Timezone = getEnvOrDefault("INBOXMEET_TIMEZONE", c.Timezone)

	c.Google.ClientID = getEnvOrDefault("GOOGLE_CLIENT_ID", c.Google.ClientID)
	c.Google.ClientSecret = getEnvOrDefault("GOOGLE_CLIENT_SECRET", c.Google.ClientSecret)

	c.Store.Type = getEnvOrDefault("INBOXMEET_STORE_TYPE", c.Store.Type)
	c.Store.Dir = getEnvOrDefault("INBOXMEET_STORE_DIR", c.Store.Dir)
	c.Store.Valkey.Addr = getEnvOrDefault("VALKEY_URL", c.Store.Valkey.Addr)
	c.Store.Valkey.Password = getEnvOrDefault("VALKEY_PASSWORD", c.Store.Valkey.Password)
	c.Store.Valkey.KeyPrefix = getEnvOrDefault("VALKEY_KEY_PREFIX", c.Store.Valkey.KeyPrefix)

	c.NLU.BaseURL = getEnvOrDefault("INBOXMEET_NLU_BASE_URL", c.NLU.BaseURL)
	c.NLU.Model = getEnvOrDefault("INBOXMEET_NLU_MODEL", c.NLU.Model)
	c.NLU.APIKey = getEnvOrDefault("INBOXMEET_NLU_API_KEY", getEnvOrDefault("DEEPSEEK_API_KEY", c.NLU.APIKey))

	c.Inbox.Query = getEnvOrDefault("INBOXMEET_QUERY", c.Inbox.Query)
	c.Server.MetricsAddr = getEnvOrDefault("METRICS_ADDR", c.Server.MetricsAddr)

	var errs []error
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
				return
			}
			*dst = f
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
				return
			}
			*dst = d
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
				return
			}
			*dst = n
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
				return
			}
			*dst = b
		}
	}

	setFloat("INBOXMEET_CONFIDENCE_THRESHOLD", &c.Extraction.Threshold)
	setDuration("INBOXMEET_DEFAULT_DURATION", &c.Extraction.DefaultDuration)
	setDuration("INBOXMEET_HORIZON", &c.Resolver.Horizon)
	setInt("INBOXMEET_MAX_ALTERNATIVES", &c.Resolver.MaxAlternatives)
	setDuration("INBOXMEET_NEGOTIATION_TIMEOUT", &c.Negotiation.Timeout)
	setDuration("INBOXMEET_POLL_INTERVAL", &c.Inbox.PollInterval)
	setDuration("INBOXMEET_STORE_RETENTION", &c.Store.Retention)
	setInt("INBOXMEET_CONCURRENCY", &c.Inbox.Concurrency)
	setInt("VALKEY_DB", &c.Store.Valkey.DB)
	setBool("VALKEY_TLS_ENABLED", &c.Store.Valkey.TLSEnabled)
	setBool("METRICS_ENABLED", &c.Server.MetricsEnabled)
	setFloat("INBOXMEET_NLU_RATE_LIMIT", &c.NLU.RequestsPerSecond)

	return errors.Join(errs...)
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Extraction.Threshold <= 0 || c.Extraction.Threshold > 1 {
		return fmt.Errorf("confidence threshold must be in (0, 1], got %v", c.Extraction.Threshold)
	}
	if c.Extraction.DefaultDuration <= 0 {
		return fmt.Errorf("default duration must be positive, got %s", c.Extraction.DefaultDuration)
	}
	if c.Resolver.Horizon <= 0 {
		return fmt.Errorf("search horizon must be positive, got %s", c.Resolver.Horizon)
	}
	if c.Resolver.MaxAlternatives <= 0 {
		return fmt.Errorf("max alternatives must be positive, got %d", c.Resolver.MaxAlternatives)
	}
	if c.Resolver.Granularity <= 0 {
		return fmt.Errorf("granularity must be positive, got %s", c.Resolver.Granularity)
	}
	if c.Resolver.WorkdayStart < 0 || c.Resolver.WorkdayEnd > 24*time.Hour ||
		(c.Resolver.WorkdayEnd != 0 && c.Resolver.WorkdayStart >= c.Resolver.WorkdayEnd) {
		return fmt.Errorf("invalid workday %s-%s", c.Resolver.WorkdayStart, c.Resolver.WorkdayEnd)
	}
	if c.Negotiation.Timeout <= 0 {
		return fmt.Errorf("negotiation timeout must be positive, got %s", c.Negotiation.Timeout)
	}
	if c.Negotiation.FetchAttempts == 0 {
		return fmt.Errorf("fetch attempts must be at least 1")
	}

	if c.Store.Retention < 0 {
		return fmt.Errorf("store retention must not be negative, got %s", c.Store.Retention)
	}
	switch c.Store.Type {
	case tracker.StoreTypeFile:
		if c.Store.Dir == "" {
			return fmt.Errorf("store dir is required for the file store")
		}
	case tracker.StoreTypeMemory:
	case tracker.StoreTypeValkey:
		if c.Store.Valkey.Addr == "" {
			return fmt.Errorf("valkey address is required for the valkey store")
		}
	default:
		return fmt.Errorf("invalid store type %q, must be one of: file, memory, valkey", c.Store.Type)
	}

	switch c.Server.Transport {
	case "stdio", "streamable-http":
	default:
		return fmt.Errorf("unsupported transport type: %s (supported: stdio, streamable-http)", c.Server.Transport)
	}
	if c.Inbox.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Inbox.Concurrency)
	}
	if c.Inbox.PollInterval < 0 {
		return fmt.Errorf("poll interval must not be negative, got %s", c.Inbox.PollInterval)
	}
	return nil
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// ExtractorConfig returns the extractor settings in loc.
func (c *Config) ExtractorConfig(loc *time.Location) intent.Config {
	return intent.Config{
		Threshold:       c.Extraction.Threshold,
		Location:        loc,
		DefaultDuration: c.Extraction.DefaultDuration,
	}
}

// ResolverConfig returns the availability settings in loc.
func (c *Config) ResolverConfig(loc *time.Location) availability.Config {
	return availability.Config{
		Horizon:         c.Resolver.Horizon,
		MaxAlternatives: c.Resolver.MaxAlternatives,
		Granularity:     c.Resolver.Granularity,
		WorkdayStart:    c.Resolver.WorkdayStart,
		WorkdayEnd:      c.Resolver.WorkdayEnd,
		Location:        loc,
	}
}

// EngineConfig returns the negotiation settings for one account.
func (c *Config) EngineConfig(account, userEmail string) negotiation.Config {
	return negotiation.Config{
		UserEmail:     userEmail,
		Account:       account,
		Timeout:       c.Negotiation.Timeout,
		FetchAttempts: c.Negotiation.FetchAttempts,
		FetchBackoff:  c.Negotiation.FetchBackoff,
	}
}

// TrackerStoreConfig returns the tracker store settings.
func (c *Config) TrackerStoreConfig() tracker.StoreConfig {
	return tracker.StoreConfig{
		Type: c.Store.Type,
		Dir:  c.Store.Dir,
		Valkey: tracker.ValkeyConfig{
			Addr:       c.Store.Valkey.Addr,
			Password:   c.Store.Valkey.Password,
			DB:         c.Store.Valkey.DB,
			TLSEnabled: c.Store.Valkey.TLSEnabled,
			KeyPrefix:  c.Store.Valkey.KeyPrefix,
		},
	}
}

// NLUClientConfig returns the model client settings.
func (c *Config) NLUClientConfig(metrics *instrumentation.Metrics) nlu.Config {
	return nlu.Config{
		BaseURL:           c.NLU.BaseURL,
		APIKey:            c.NLU.APIKey,
		Model:             c.NLU.Model,
		Timeout:           c.NLU.Timeout,
		CacheSize:         c.NLU.CacheSize,
		RequestsPerSecond: c.NLU.RequestsPerSecond,
		Timezone:          c.Timezone,
		Metrics:           metrics,
	}
}

// getEnvOrDefault returns the value of an environment variable or a default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
