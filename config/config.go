// CLAUDE:SUMMARY capdesk configuration: YAML file with defaults and environment overrides.
// Package config loads the capdesk configuration from a YAML file, fills in
// defaults, then applies environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/capdesk/browser"
	"github.com/hazyhaar/capdesk/connectivity"
	"github.com/hazyhaar/capdesk/push"
)

// Config is the top-level capdesk configuration.
type Config struct {
	ClientID string        `yaml:"client_id"`
	LogLevel string        `yaml:"log_level"`
	Backend  BackendConfig `yaml:"backend"`
	Push     PushConfig    `yaml:"push"`
	Browser  BrowserConfig `yaml:"browser"`
	Capture  CaptureConfig `yaml:"capture"`
	Journal  JournalConfig `yaml:"journal"`
	Hub      HubConfig     `yaml:"hub"`
}

// BackendConfig points at the REST backend.
type BackendConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"` // negative disables retry
	Backoff time.Duration `yaml:"backoff"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker in front of the backend.
type BreakerConfig struct {
	Threshold int           `yaml:"threshold"` // consecutive failures that open it
	Reset     time.Duration `yaml:"reset"`     // time open before a trial call
	HalfOpen  int           `yaml:"half_open"` // trial successes needed to close
}

// PushConfig holds the WebSocket base URL and both channels.
type PushConfig struct {
	// URL is the ws:// or wss:// base. Empty derives it from Backend.URL.
	URL          string        `yaml:"url"`
	Notification ChannelConfig `yaml:"notification"`
	Form         ChannelConfig `yaml:"form"`
}

// ChannelConfig is one push channel.
type ChannelConfig struct {
	Path      string        `yaml:"path"`
	Reconnect string        `yaml:"reconnect"` // none | fixed-delay
	Delay     time.Duration `yaml:"delay"`
}

// BrowserConfig controls the Chrome the capture runs in.
type BrowserConfig struct {
	Remote           string           `yaml:"remote"`
	Mode             string           `yaml:"mode"` // headless | headful | visible
	Stealth          bool             `yaml:"stealth"`
	ResourceBlocking []string         `yaml:"resource_blocking"`
	XvfbDisplay      string           `yaml:"xvfb_display"`
	Viewport         browser.Viewport `yaml:"viewport"`
	// StartURL is the page opened for captures.
	StartURL string `yaml:"start_url"`
}

// CaptureConfig lists the chrome hidden or excluded during a capture.
type CaptureConfig struct {
	Hide    []string `yaml:"hide"`
	Exclude []string `yaml:"exclude"`
}

// JournalConfig locates the SQLite journal. An empty Path disables it.
type JournalConfig struct {
	Path       string `yaml:"path"`
	KeepImages bool   `yaml:"keep_images"`
}

// HubConfig configures the development push server.
type HubConfig struct {
	Listen       string `yaml:"listen"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
	History      int    `yaml:"history"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

// LoadFile reads a YAML configuration file, applies defaults and env.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data, os.Getenv)
}

// Load is LoadFile, or defaults plus env when path is empty.
func Load(path string) (*Config, error) {
	if path == "" {
		c := Default()
		c.applyEnv(os.Getenv)
		return c, c.Validate()
	}
	return LoadFile(path)
}

// Parse decodes YAML, applies defaults, then overrides from getenv.
func Parse(data []byte, getenv func(string) string) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	c.applyDefaults()
	if getenv != nil {
		c.applyEnv(getenv)
	}
	return &c, c.Validate()
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Backend.URL == "" {
		c.Backend.URL = "http://127.0.0.1:8000"
	}
	if c.Backend.Timeout <= 0 {
		c.Backend.Timeout = 15 * time.Second
	}
	if c.Backend.Retries == 0 {
		c.Backend.Retries = 2
	}
	if c.Backend.Backoff <= 0 {
		c.Backend.Backoff = 200 * time.Millisecond
	}
	if c.Backend.Breaker.Threshold <= 0 {
		c.Backend.Breaker.Threshold = 5
	}
	if c.Backend.Breaker.Reset <= 0 {
		c.Backend.Breaker.Reset = 30 * time.Second
	}
	if c.Backend.Breaker.HalfOpen <= 0 {
		c.Backend.Breaker.HalfOpen = 2
	}
	if c.Push.Notification.Path == "" {
		c.Push.Notification.Path = "/ws/popup"
	}
	if c.Push.Notification.Reconnect == "" {
		c.Push.Notification.Reconnect = "none"
	}
	if c.Push.Form.Path == "" {
		c.Push.Form.Path = "/ws/form"
	}
	if c.Push.Form.Reconnect == "" {
		c.Push.Form.Reconnect = "fixed-delay"
	}
	if c.Push.Form.Delay <= 0 {
		c.Push.Form.Delay = 3 * time.Second
	}
	if c.Browser.Mode == "" {
		c.Browser.Mode = "headless"
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Browser.Viewport.Width <= 0 {
		c.Browser.Viewport.Width = 1366
	}
	if c.Browser.Viewport.Height <= 0 {
		c.Browser.Viewport.Height = 768
	}
	if c.Browser.Viewport.Scale <= 0 {
		c.Browser.Viewport.Scale = 1
	}
	if c.Hub.Listen == "" {
		c.Hub.Listen = "127.0.0.1:8000"
	}
	if c.Hub.MaxBodyBytes <= 0 {
		c.Hub.MaxBodyBytes = 1 << 20
	}
	if c.Hub.History <= 0 {
		c.Hub.History = 200
	}
}

// applyEnv overrides file values from the environment.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("CAPDESK_BACKEND_URL"); v != "" {
		c.Backend.URL = v
	}
	if v := getenv("CAPDESK_PUSH_URL"); v != "" {
		c.Push.URL = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("CAPDESK_JOURNAL"); v != "" {
		c.Journal.Path = v
	}
	if v := getenv("CAPDESK_CLIENT_ID"); v != "" {
		c.ClientID = v
	}
	if v := getenv("CAPDESK_CHROME_URL"); v != "" {
		c.Browser.Remote = v
	}
	if v := getenv("CAPDESK_KEEP_IMAGES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Journal.KeepImages = b
		}
	}
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Backend.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: backend.url %q must be an http(s) URL", c.Backend.URL)
	}
	if c.Push.URL != "" {
		p, err := url.Parse(c.Push.URL)
		if err != nil || (p.Scheme != "ws" && p.Scheme != "wss") || p.Host == "" {
			return fmt.Errorf("config: push.url %q must be a ws(s) URL", c.Push.URL)
		}
	}
	if _, err := c.NotificationPolicy(); err != nil {
		return fmt.Errorf("config: push.notification: %w", err)
	}
	if _, err := c.FormPolicy(); err != nil {
		return fmt.Errorf("config: push.form: %w", err)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// BackendBreaker builds the circuit breaker shared by backend calls.
func (c *Config) BackendBreaker() *connectivity.CircuitBreaker {
	return connectivity.NewCircuitBreaker(
		connectivity.WithBreakerThreshold(c.Backend.Breaker.Threshold),
		connectivity.WithBreakerResetTimeout(c.Backend.Breaker.Reset),
		connectivity.WithBreakerHalfOpenMax(c.Backend.Breaker.HalfOpen),
	)
}

// PushBase returns the WebSocket base URL: Push.URL, or Backend.URL with
// http(s) swapped for ws(s).
func (c *Config) PushBase() string {
	if c.Push.URL != "" {
		return strings.TrimRight(c.Push.URL, "/")
	}
	base := strings.TrimRight(c.Backend.URL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

// NotificationURL is the full URL of the notification channel.
func (c *Config) NotificationURL() string {
	return c.PushBase() + ensureSlash(c.Push.Notification.Path)
}

// FormURL is the full URL of the form channel.
func (c *Config) FormURL() string {
	return c.PushBase() + ensureSlash(c.Push.Form.Path)
}

func (c *Config) NotificationPolicy() (push.ReconnectPolicy, error) {
	return push.ParsePolicy(c.Push.Notification.Reconnect, c.Push.Notification.Delay)
}

func (c *Config) FormPolicy() (push.ReconnectPolicy, error) {
	return push.ParsePolicy(c.Push.Form.Reconnect, c.Push.Form.Delay)
}

// BrowserManagerConfig converts the browser section for browser.NewManager.
func (c *Config) BrowserManagerConfig(logger *slog.Logger) browser.Config {
	return browser.Config{
		RemoteURL:        c.Browser.Remote,
		Mode:             browser.ParseMode(c.Browser.Mode),
		Stealth:          c.Browser.Stealth,
		ResourceBlocking: c.Browser.ResourceBlocking,
		Viewport:         c.Browser.Viewport,
		XvfbDisplay:      c.Browser.XvfbDisplay,
		Logger:           logger,
	}
}

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: log level %q: %w", s, err)
	}
	return l, nil
}

func ensureSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}
