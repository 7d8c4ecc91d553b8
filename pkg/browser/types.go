package browser

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Engine selects which browser implementation a session launches.
type Engine string

const (
	// EngineChromium launches Chromium (or Chrome, depending on the driver)
	EngineChromium Engine = "chromium"

	// EngineFirefox launches Firefox
	EngineFirefox Engine = "firefox"

	// EngineWebKit launches WebKit
	EngineWebKit Engine = "webkit"
)

// ParseEngine converts a configuration string into an Engine.
// Matching is case-insensitive; an empty string yields chromium.
func ParseEngine(s string) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "chromium", "chrome":
		return EngineChromium, nil
	case "firefox":
		return EngineFirefox, nil
	case "webkit":
		return EngineWebKit, nil
	default:
		return "", fmt.Errorf("unknown browser engine %q (must be 'chromium', 'firefox', or 'webkit')", s)
	}
}

// Valid reports whether e is one of the known engines.
func (e Engine) Valid() bool {
	switch e {
	case EngineChromium, EngineFirefox, EngineWebKit:
		return true
	}
	return false
}

// Viewport represents the browser viewport dimensions.
type Viewport struct {
	Width  int
	Height int
}

// LaunchConfig configures a new browser session. It is copied into the
// session on launch and never mutated afterwards.
type LaunchConfig struct {
	// Engine selects the browser implementation
	Engine Engine

	// Headless controls whether the browser runs without a visible window
	Headless bool

	// SlowMotion delays every page interaction by the given duration
	SlowMotion time.Duration

	// Viewport sets the initial viewport size (nil means driver default)
	Viewport *Viewport

	// DefaultTimeout is applied to the page for operations without their own bound
	DefaultTimeout time.Duration
}

// Validate checks the launch configuration.
func (c LaunchConfig) Validate() error {
	if !c.Engine.Valid() {
		return fmt.Errorf("invalid engine: %q", c.Engine)
	}
	if c.SlowMotion < 0 {
		return fmt.Errorf("slow motion cannot be negative")
	}
	if c.DefaultTimeout < 0 {
		return fmt.Errorf("default timeout cannot be negative")
	}
	if c.Viewport != nil && (c.Viewport.Width <= 0 || c.Viewport.Height <= 0) {
		return fmt.Errorf("viewport dimensions must be positive, got %dx%d", c.Viewport.Width, c.Viewport.Height)
	}
	return nil
}

// WaitUntil specifies when a navigation is considered complete.
type WaitUntil string

const (
	// WaitLoad waits for the load event
	WaitLoad WaitUntil = "load"

	// WaitDOMContentLoaded waits for the DOMContentLoaded event
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"

	// WaitNetworkIdle waits until there are no network connections for a short period
	WaitNetworkIdle WaitUntil = "networkidle"
)

// ParseWaitUntil normalizes a wait policy name. An empty string yields load.
func ParseWaitUntil(s string) (WaitUntil, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "load":
		return WaitLoad, nil
	case "domcontentloaded", "dom-content-loaded":
		return WaitDOMContentLoaded, nil
	case "networkidle", "network-idle":
		return WaitNetworkIdle, nil
	default:
		return "", fmt.Errorf("invalid wait_until value: %s (must be 'load', 'domcontentloaded', or 'networkidle')", s)
	}
}

// ImageFormat is the encoding of a screenshot.
type ImageFormat string

const (
	// FormatPNG encodes screenshots as PNG (default)
	FormatPNG ImageFormat = "png"

	// FormatJPEG encodes screenshots as JPEG
	FormatJPEG ImageFormat = "jpeg"
)

// MIMEType returns the content type for the image format.
func (f ImageFormat) MIMEType() string {
	if f == FormatJPEG {
		return "image/jpeg"
	}
	return "image/png"
}

// Margin holds CSS length strings for PDF page margins, e.g. "1cm" or "20px".
// Empty sides are left to the driver.
type Margin struct {
	Top    string `json:"top,omitempty" yaml:"top,omitempty"`
	Right  string `json:"right,omitempty" yaml:"right,omitempty"`
	Bottom string `json:"bottom,omitempty" yaml:"bottom,omitempty"`
	Left   string `json:"left,omitempty" yaml:"left,omitempty"`
}

// IsZero reports whether no side is set.
func (m Margin) IsZero() bool {
	return m.Top == "" && m.Right == "" && m.Bottom == "" && m.Left == ""
}

// Validate checks that every set side is a length LengthInches accepts.
func (m Margin) Validate() error {
	sides := []struct{ name, value string }{
		{"top", m.Top}, {"right", m.Right}, {"bottom", m.Bottom}, {"left", m.Left},
	}
	for _, side := range sides {
		if side.value == "" {
			continue
		}
		if _, err := LengthInches(side.value); err != nil {
			return fmt.Errorf("margin %s: %w", side.name, err)
		}
	}
	return nil
}

// cssUnits are the units accepted in margins, per inch.
var cssUnits = []struct {
	suffix string
	perIn  float64
}{
	{"px", 96},
	{"in", 1},
	{"cm", 2.54},
	{"mm", 25.4},
}

// LengthInches parses a non-negative CSS length in px, in, cm or mm and
// returns it in inches. Bare numbers are pixels.
func LengthInches(length string) (float64, error) {
	s := strings.TrimSpace(strings.ToLower(length))
	divisor := 96.0
	for _, u := range cssUnits {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			divisor = u.perIn
			break
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid length %q (use px, in, cm or mm)", length)
	}
	return v / divisor, nil
}

// Default values for sessions and actions
const (
	DefaultTimeout        = 30 * time.Second
	DefaultPDFFormat      = "A4"
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720
	DefaultMaxSessions    = 5
	DefaultIdleTimeout    = 5 * time.Minute
	PDFMIMEType           = "application/pdf"
)
