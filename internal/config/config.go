// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"
)

// ErrMissingConfiguration is returned when a required setting is absent.
var ErrMissingConfiguration = errors.New("missing configuration")

// Store backends selected by the STORE_URL scheme.
const (
	DriverPostgREST = "postgrest"
	DriverPostgres  = "postgres"
	DriverSQLite    = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	LogLevel       slog.Level
	AllowedOrigins []string

	Store StoreConfig
	CRM   CRMConfig

	// RequestTimeout bounds every outbound store or CRM call.
	RequestTimeout time.Duration
	// SynthesizeConversationID derives a conversation id from identity and
	// time when a post-call payload carries none.
	SynthesizeConversationID bool
}

// StoreConfig locates the relational backend.
type StoreConfig struct {
	URL string
	// Key is the PostgREST API key. The service-role tier bypasses row-level
	// security and must stay server side.
	Key string
}

// CRMConfig enables the optional HubSpot contact sync.
type CRMConfig struct {
	Token           string
	BaseURL         string
	SummaryProperty string
	// LastCallProperty receives the call time as epoch milliseconds.
	LastCallProperty string
}

// Enabled reports whether CRM credentials are configured.
func (c CRMConfig) Enabled() bool {
	return c.Token != ""
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		LogLevel:       parseLevel(getEnv("LOG_LEVEL", "info")),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "*")),
		Store: StoreConfig{
			URL: firstEnv("STORE_URL", "SUPABASE_URL"),
			Key: firstEnv("STORE_KEY", "SUPABASE_SERVICE_ROLE_KEY", "SUPABASE_ANON_KEY"),
		},
		CRM: CRMConfig{
			Token:            firstEnv("HUBSPOT_TOKEN", "CRM_TOKEN"),
			BaseURL:          getEnv("CRM_BASE_URL", "https://api.hubapi.com"),
			SummaryProperty:  getEnv("CRM_SUMMARY_PROPERTY", ""),
			LastCallProperty: getEnv("CRM_LAST_CALL_PROPERTY", ""),
		},
		RequestTimeout:           getEnvDuration("REQUEST_TIMEOUT", 10*time.Second),
		SynthesizeConversationID: getEnvBool("SYNTHESIZE_CONVERSATION_ID", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("%w: PORT cannot be empty", ErrMissingConfiguration)
	}
	if c.Store.URL == "" {
		return fmt.Errorf("%w: STORE_URL (or SUPABASE_URL) is required", ErrMissingConfiguration)
	}
	driver, err := c.StoreDriver()
	if err != nil {
		return err
	}
	if driver == DriverPostgREST && c.Store.Key == "" {
		return fmt.Errorf("%w: STORE_KEY (or SUPABASE_*_KEY) is required for a REST store", ErrMissingConfiguration)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be > 0")
	}
	if c.CRM.Enabled() && c.CRM.BaseURL == "" {
		return fmt.Errorf("%w: CRM_BASE_URL cannot be empty when a CRM token is set", ErrMissingConfiguration)
	}
	return nil
}

// StoreDriver derives the backend from the store URL scheme.
func (c *Config) StoreDriver() (string, error) {
	raw := c.Store.URL
	if strings.HasPrefix(raw, "file:") {
		return DriverSQLite, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse STORE_URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return DriverPostgREST, nil
	case "postgres", "postgresql":
		return DriverPostgres, nil
	case "sqlite":
		return DriverSQLite, nil
	default:
		return "", fmt.Errorf("unsupported STORE_URL scheme %q", u.Scheme)
	}
}

// SQLitePath returns the database file for a sqlite:// or file: store URL.
func (c *Config) SQLitePath() string {
	raw := c.Store.URL
	raw = strings.TrimPrefix(raw, "sqlite://")
	raw = strings.TrimPrefix(raw, "file:")
	return raw
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
	}
	return ""
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func parseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
