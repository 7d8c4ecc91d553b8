// Package config loads and validates browseract configuration files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/entrhq/browseract/pkg/browser"
	"github.com/entrhq/browseract/pkg/logging"
)

// Config represents a browseract configuration file
type Config struct {
	// Driver selects the automation backend: playwright or cdp
	Driver DriverKind `yaml:"driver" json:"driver"`

	Browser    BrowserConfig    `yaml:"browser" json:"browser"`
	Timeouts   TimeoutConfig    `yaml:"timeouts" json:"timeouts"`
	Scripts    ScriptConfig     `yaml:"scripts" json:"scripts"`
	Navigation NavigationConfig `yaml:"navigation" json:"navigation"`
	Server     ServerConfig     `yaml:"server" json:"server"`
	Output     OutputConfig     `yaml:"output" json:"output"`
	Logging    logging.Config   `yaml:"logging" json:"logging"`
}

// DriverKind names a browser.Driver implementation
type DriverKind string

const (
	// DriverPlaywright drives chromium, firefox and webkit through Playwright
	DriverPlaywright DriverKind = "playwright"
	// DriverCDP drives chromium over the DevTools protocol in-process
	DriverCDP DriverKind = "cdp"
)

// BrowserConfig defines how sessions are launched
type BrowserConfig struct {
	Engine      string        `yaml:"engine" json:"engine"`
	Headless    bool          `yaml:"headless" json:"headless"`
	SlowMotion  time.Duration `yaml:"slow_motion" json:"slow_motion"`
	Viewport    *ViewportSize `yaml:"viewport" json:"viewport"`
	MaxSessions int           `yaml:"max_sessions" json:"max_sessions"`
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// Driver-specific settings
	ExecPath    string `yaml:"exec_path" json:"exec_path"`
	NoSandbox   bool   `yaml:"no_sandbox" json:"no_sandbox"`
	SkipInstall bool   `yaml:"skip_install" json:"skip_install"`
}

// ViewportSize is the initial page size in CSS pixels
type ViewportSize struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// TimeoutConfig bounds actions that carry no timeout of their own
type TimeoutConfig struct {
	Action time.Duration `yaml:"action" json:"action"`
}

// ScriptConfig controls caller-supplied script execution
type ScriptConfig struct {
	// AllowEvaluate enables the evaluate action (default: false)
	AllowEvaluate bool `yaml:"allow_evaluate" json:"allow_evaluate"`
}

// NavigationConfig restricts which hosts may be navigated to
type NavigationConfig struct {
	AllowedHosts []string `yaml:"allowed_hosts" json:"allowed_hosts"`
	DeniedHosts  []string `yaml:"denied_hosts" json:"denied_hosts"`
}

// ServerConfig defines the HTTP front-end
type ServerConfig struct {
	Addr           string        `yaml:"addr" json:"addr"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	// RateLimit is the sustained request rate per second; zero disables limiting
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`
	Burst     int     `yaml:"burst" json:"burst"`
}

// OutputConfig defines where and how captures are written
type OutputConfig struct {
	Dir string `yaml:"dir" json:"dir"`

	// Concurrency bounds parallel sessions in batch runs
	Concurrency int `yaml:"concurrency" json:"concurrency"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverPlaywright, DriverCDP:
	default:
		return fmt.Errorf("invalid driver: %s (must be 'playwright' or 'cdp')", c.Driver)
	}

	engine, err := browser.ParseEngine(c.Browser.Engine)
	if err != nil {
		return err
	}
	if c.Driver == DriverCDP && engine != browser.EngineChromium {
		return fmt.Errorf("the cdp driver only supports chromium, got %s", engine)
	}

	if c.Browser.SlowMotion < 0 {
		return fmt.Errorf("slow_motion cannot be negative")
	}
	if c.Browser.MaxSessions < 0 {
		return fmt.Errorf("max_sessions cannot be negative")
	}
	if c.Browser.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative")
	}
	if vp := c.Browser.Viewport; vp != nil && (vp.Width <= 0 || vp.Height <= 0) {
		return fmt.Errorf("viewport dimensions must be positive, got %dx%d", vp.Width, vp.Height)
	}

	if c.Timeouts.Action < 0 {
		return fmt.Errorf("timeouts.action cannot be negative")
	}

	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes cannot be negative")
	}
	if c.Server.RequestTimeout < 0 {
		return fmt.Errorf("server.request_timeout cannot be negative")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit cannot be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.Burst < 1 {
		return fmt.Errorf("server.burst must be at least 1 when rate limiting is enabled")
	}

	if c.Output.Concurrency < 0 {
		return fmt.Errorf("output.concurrency cannot be negative")
	}

	if _, err := NewHostMatcher(c.Navigation.AllowedHosts, c.Navigation.DeniedHosts); err != nil {
		return err
	}

	return c.Logging.Validate()
}

// LaunchConfig returns the session launch settings.
func (c *Config) LaunchConfig() browser.LaunchConfig {
	engine, err := browser.ParseEngine(c.Browser.Engine)
	if err != nil {
		engine = browser.EngineChromium
	}
	lc := browser.LaunchConfig{
		Engine:         engine,
		Headless:       c.Browser.Headless,
		SlowMotion:     c.Browser.SlowMotion,
		DefaultTimeout: c.Timeouts.Action,
	}
	if vp := c.Browser.Viewport; vp != nil {
		lc.Viewport = &browser.Viewport{Width: vp.Width, Height: vp.Height}
	}
	return lc
}

// ScriptPolicy returns the executor policy for EvaluateScript.
func (c *Config) ScriptPolicy() browser.ScriptPolicy {
	if c.Scripts.AllowEvaluate {
		return browser.ScriptsAllowed
	}
	return browser.ScriptsDisabled
}

// HostMatcher compiles the navigation allow and deny lists.
func (c *Config) HostMatcher() (*HostMatcher, error) {
	return NewHostMatcher(c.Navigation.AllowedHosts, c.Navigation.DeniedHosts)
}

// DefaultConfig returns a default configuration suitable for most use cases
func DefaultConfig() *Config {
	return &Config{
		Driver: DriverPlaywright,
		Browser: BrowserConfig{
			Engine:      string(browser.EngineChromium),
			Headless:    true,
			Viewport:    &ViewportSize{Width: browser.DefaultViewportWidth, Height: browser.DefaultViewportHeight},
			MaxSessions: browser.DefaultMaxSessions,
			IdleTimeout: browser.DefaultIdleTimeout,
		},
		Timeouts: TimeoutConfig{
			Action: browser.DefaultTimeout,
		},
		Server: ServerConfig{
			Addr:           "127.0.0.1:8080",
			MaxBodyBytes:   1 << 20,
			RequestTimeout: 2 * time.Minute,
			RateLimit:      5,
			Burst:          10,
		},
		Output: OutputConfig{
			Dir:         ".",
			Concurrency: 4,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg. Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
