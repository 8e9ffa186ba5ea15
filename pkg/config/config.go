// Package config loads sparkbridge settings from defaults, YAML files, dotenv
// files and SPARKAI_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/odvcencio/sparkbridge/pkg/errors"
	"github.com/odvcencio/sparkbridge/pkg/paths"
)

const (
	DefaultBaseURL         = "https://spark.unimelb.edu.au/securechat"
	DefaultBrowserID       = "spark-ai-chat"
	DefaultDebuggerAddress = "localhost:9222"
	DefaultServicePort     = 5000
	DefaultServiceHost     = "0.0.0.0"
)

// Browser drivers.
const (
	DriverRod        = "rod"
	DriverChromedp   = "chromedp"
	DriverPlaywright = "playwright"
)

// Config is the complete sparkbridge configuration.
type Config struct {
	Chat      ChatConfig      `yaml:"chat"`
	Browser   BrowserConfig   `yaml:"browser"`
	Auth      AuthConfig      `yaml:"auth"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Cookies   CookiesConfig   `yaml:"cookies"`
	IO        IOConfig        `yaml:"io"`
	Service   ServiceConfig   `yaml:"service"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ChatConfig selects the chat site and thread.
type ChatConfig struct {
	BaseURL   string `yaml:"base_url"`
	ThreadID  string `yaml:"thread_id"`
	NewThread bool   `yaml:"new_thread"`
}

// BrowserConfig controls how sessions get a browser.
type BrowserConfig struct {
	Driver            string `yaml:"driver"`
	ID                string `yaml:"id"`
	Headless          bool   `yaml:"headless"`
	ProfileDir        string `yaml:"profile_dir"`
	PersistentProfile bool   `yaml:"persistent_profile"`
	ExecPath          string `yaml:"exec_path"`
	DebuggerAddress   string `yaml:"debugger_address"`
	// DebugPort is the remote debugging port for `browser launch`.
	DebugPort  int  `yaml:"debug_port"`
	AttachOnly bool `yaml:"attach_only"`
	KeepOpen   bool `yaml:"keep_open"`
	// CloseAfterCall destroys the session after each call that did not ask
	// to keep it open.
	CloseAfterCall bool          `yaml:"close_after_call"`
	Stealth        bool          `yaml:"stealth"`
	LaunchRetries  int           `yaml:"launch_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
}

// AuthConfig holds SSO credentials and login timings. The password is only
// ever held in memory.
type AuthConfig struct {
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	NoAutoLogin      bool          `yaml:"no_auto_login"`
	FormTimeout      time.Duration `yaml:"form_timeout"`
	ChallengeTimeout time.Duration `yaml:"challenge_timeout"`
	ManualTimeout    time.Duration `yaml:"manual_timeout"`
	// ScreenshotDir receives a page capture when automatic login fails.
	ScreenshotDir string `yaml:"screenshot_dir"`
}

func (a AuthConfig) String() string {
	return fmt.Sprintf("AuthConfig{Username: %q, HasPassword: %t}", a.Username, a.Password != "")
}

// ExchangeConfig holds the message exchange timings.
type ExchangeConfig struct {
	// Timeout bounds element waits on page entry.
	Timeout              time.Duration `yaml:"timeout"`
	ResponseTimeout      time.Duration `yaml:"response_timeout"`
	CompletionSubtimeout time.Duration `yaml:"completion_subtimeout"`
	SettleDelay          time.Duration `yaml:"settle_delay"`
	PollInterval         time.Duration `yaml:"poll_interval"`
}

type CookiesConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// IOConfig redirects CLI input and output through files.
type IOConfig struct {
	InputFile  string `yaml:"input_file"`
	OutputFile string `yaml:"output_file"`
}

type ServiceConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Dir    string `yaml:"dir"`
}

type TelemetryConfig struct {
	Tracing bool `yaml:"tracing"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Chat: ChatConfig{
			BaseURL: DefaultBaseURL,
		},
		Browser: BrowserConfig{
			Driver:            DriverRod,
			ID:                DefaultBrowserID,
			PersistentProfile: true,
			DebuggerAddress:   DefaultDebuggerAddress,
			DebugPort:         9222,
			LaunchRetries:     3,
			RetryBackoff:      2 * time.Second,
		},
		Auth: AuthConfig{
			FormTimeout:      30 * time.Second,
			ChallengeTimeout: 30 * time.Second,
			ManualTimeout:    120 * time.Second,
		},
		Exchange: ExchangeConfig{
			Timeout:              5 * time.Second,
			ResponseTimeout:      120 * time.Second,
			CompletionSubtimeout: 60 * time.Second,
			SettleDelay:          2 * time.Second,
			PollInterval:         500 * time.Millisecond,
		},
		Service: ServiceConfig{
			Host:           DefaultServiceHost,
			Port:           DefaultServicePort,
			RateLimit:      2,
			RateBurst:      4,
			RequestTimeout: 10 * time.Minute,
			MaxBodyBytes:   1 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from default locations with proper precedence.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configEnv := loadConfigEnvVars()

	if dir := userConfigDir(); dir != "" {
		if err := loadAndMerge(cfg, filepath.Join(dir, "config.yaml")); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := loadAndMerge(cfg, filepath.Join(".", ".sparkbridge", "config.yaml")); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	applyEnvOverrides(cfg, configEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path.
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	configEnv := loadConfigEnvVars()

	if err := loadAndMerge(cfg, path); err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigLoad, "config file not found").
				WithContext("path", path)
		}
		return nil, err
	}

	applyEnvOverrides(cfg, configEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverridesForTest exposes env override logic for tests without file I/O.
func ApplyEnvOverridesForTest(cfg *Config) {
	applyEnvOverrides(cfg, nil)
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, fmt.Sprintf(format, args...)).
			WithUserMessage(fmt.Sprintf(format, args...))
	}

	switch c.Browser.Driver {
	case DriverRod, DriverChromedp, DriverPlaywright:
	default:
		return invalid("invalid browser driver: %s (valid: rod, chromedp, playwright)", c.Browser.Driver)
	}
	if strings.TrimSpace(c.Browser.ID) == "" {
		return invalid("browser id must not be empty")
	}
	if c.Browser.LaunchRetries <= 0 {
		return invalid("browser.launch_retries must be positive, got %d", c.Browser.LaunchRetries)
	}
	if c.Browser.RetryBackoff < 0 {
		return invalid("browser.retry_backoff must not be negative")
	}

	timeouts := []struct {
		name  string
		value time.Duration
	}{
		{"exchange.timeout", c.Exchange.Timeout},
		{"exchange.response_timeout", c.Exchange.ResponseTimeout},
		{"exchange.completion_subtimeout", c.Exchange.CompletionSubtimeout},
		{"exchange.poll_interval", c.Exchange.PollInterval},
		{"auth.form_timeout", c.Auth.FormTimeout},
		{"auth.challenge_timeout", c.Auth.ChallengeTimeout},
		{"auth.manual_timeout", c.Auth.ManualTimeout},
		{"service.request_timeout", c.Service.RequestTimeout},
	}
	for _, t := range timeouts {
		if t.value <= 0 {
			return invalid("%s must be positive, got %s", t.name, t.value)
		}
	}
	if c.Exchange.SettleDelay < 0 {
		return invalid("exchange.settle_delay must not be negative")
	}

	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		return invalid("invalid service port: %d", c.Service.Port)
	}
	if c.Browser.DebugPort < 0 || c.Browser.DebugPort > 65535 {
		return invalid("invalid debug port: %d", c.Browser.DebugPort)
	}
	if c.Service.RateLimit < 0 {
		return invalid("service.rate_limit must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return invalid("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return invalid("invalid log format: %s (valid: text, json)", c.Logging.Format)
	}
	return nil
}

// Credentials returns the configured SSO username and password.
func (c *Config) Credentials() (username, password string) {
	return c.Auth.Username, c.Auth.Password
}

// ProfileDir returns the Chrome profile directory, derived from the browser
// id when not set explicitly.
func (c *Config) ProfileDir() string {
	if dir := strings.TrimSpace(c.Browser.ProfileDir); dir != "" {
		return paths.ExpandHome(dir)
	}
	return paths.ProfileDir(c.Browser.ID)
}

// StoragePath returns the ledger database path.
func (c *Config) StoragePath() string {
	if p := strings.TrimSpace(c.Storage.Path); p != "" {
		return paths.ExpandHome(p)
	}
	return filepath.Join(paths.DataDir(), "sparkbridge.db")
}

// LogDir returns the journal directory.
func (c *Config) LogDir() string {
	if dir := strings.TrimSpace(c.Logging.Dir); dir != "" {
		return paths.ExpandHome(dir)
	}
	return paths.LogsDir()
}

// CookieFile returns the cookie file path, or "" when cookies are not persisted.
func (c *Config) CookieFile() string {
	return paths.ExpandHome(c.Cookies.File)
}

// ServiceAddr is the host:port the HTTP service binds.
func (c *Config) ServiceAddr() string {
	return fmt.Sprintf("%s:%d", c.Service.Host, c.Service.Port)
}

// NormalizeThreadID maps the placeholders callers use for "no thread" to "".
func NormalizeThreadID(id string) string {
	id = strings.TrimSpace(id)
	switch strings.ToLower(id) {
	case "", "none", "null", "nil":
		return ""
	}
	return id
}

func userConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home == "" {
		return ""
	}
	return filepath.Join(home, ".sparkbridge")
}
