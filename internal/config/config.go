package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Duration is a time.Duration that reads from JSON as a Go duration string
// ("5m", "30s") or as a number of seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string or number of seconds")
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// Config holds application configuration.
type Config struct {
	// APIURL is the collector base URL; batches are posted to APIURL + "/logActivity".
	APIURL string `json:"api_url"`

	// AuthToken is sent as a bearer token when set. Token issuance happens elsewhere.
	AuthToken string `json:"auth_token,omitempty"`

	// SyncInterval is the period of the background sync trigger. The first
	// trigger fires one interval after startup.
	SyncInterval Duration `json:"sync_interval"`

	// MaxRetries is the consecutive failure count past which no automatic
	// retry is scheduled.
	MaxRetries int `json:"max_retries"`

	// RetryBaseDelay is multiplied by the failure count to get the retry delay.
	RetryBaseDelay Duration `json:"retry_base_delay"`

	// RequestTimeout bounds a single collector request; no answer within it
	// counts as a network error.
	RequestTimeout Duration `json:"request_timeout"`

	// IdleDetectionSeconds is reported to the extension, which owns idle detection.
	IdleDetectionSeconds int `json:"idle_detection_seconds"`

	// HTTPBind and HTTPPort select the local listener used by the extension.
	HTTPBind string `json:"http_bind"`
	HTTPPort int    `json:"http_port"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// 0 means use sql.DB default (unlimited).
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	// Unknown tool names are logged as warnings.
	DisabledTools []string `json:"disabled_tools,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		APIURL:               "http://localhost:3001/api",
		SyncInterval:         Duration(5 * time.Minute),
		MaxRetries:           3,
		RetryBaseDelay:       Duration(30 * time.Second),
		RequestTimeout:       Duration(30 * time.Second),
		IdleDetectionSeconds: 30,
		HTTPBind:             "127.0.0.1",
		HTTPPort:             7419,
	}
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.rewindly.
func Load(baseDir string) (*Config, error) {
	return loadFile(filepath.Join(baseDir, "config.json"))
}

// LoadWithOverlay loads baseDir/config.json and then applies overlayPath on top.
// An empty overlayPath behaves like Load.
func LoadWithOverlay(baseDir, overlayPath string) (*Config, error) {
	base, err := Load(baseDir)
	if err != nil {
		return nil, err
	}
	if overlayPath == "" {
		return base, nil
	}

	overlay, err := loadFileRaw(overlayPath)
	if err != nil {
		return nil, err
	}
	return Merge(base, overlay), nil
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configPath, err)
	}

	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{
		APIURL:               pick(overlay.APIURL, base.APIURL),
		AuthToken:            pick(overlay.AuthToken, base.AuthToken),
		SyncInterval:         pick(overlay.SyncInterval, base.SyncInterval),
		MaxRetries:           pick(overlay.MaxRetries, base.MaxRetries),
		RetryBaseDelay:       pick(overlay.RetryBaseDelay, base.RetryBaseDelay),
		RequestTimeout:       pick(overlay.RequestTimeout, base.RequestTimeout),
		IdleDetectionSeconds: pick(overlay.IdleDetectionSeconds, base.IdleDetectionSeconds),
		HTTPBind:             pick(overlay.HTTPBind, base.HTTPBind),
		HTTPPort:             pick(overlay.HTTPPort, base.HTTPPort),
		DBMaxOpenConns:       pick(overlay.DBMaxOpenConns, base.DBMaxOpenConns),
		DBMaxIdleConns:       pick(overlay.DBMaxIdleConns, base.DBMaxIdleConns),
	}

	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)

	return result
}

// Validate checks values that would otherwise make the agent misbehave at runtime.
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api_url must be an absolute http(s) URL, got %q", c.APIURL)
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync_interval must be positive, got %v", c.SyncInterval.Std())
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("retry_base_delay must be positive, got %v", c.RetryBaseDelay.Std())
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", c.RequestTimeout.Std())
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port out of range: %d", c.HTTPPort)
	}
	return nil
}

// pick returns overlay unless it is the zero value.
func pick[T comparable](overlay, base T) T {
	var zero T
	if overlay != zero {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range append(append([]string{}, a...), b...) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
