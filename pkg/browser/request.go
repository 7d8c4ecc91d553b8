package browser

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ActionKind names one of the six action types.
type ActionKind string

const (
	ActionNavigate   ActionKind = "navigate"
	ActionClick      ActionKind = "click"
	ActionFill       ActionKind = "fill"
	ActionScreenshot ActionKind = "screenshot"
	ActionCapturePDF ActionKind = "pdf"
	ActionEvaluate   ActionKind = "evaluate"
)

// ActionRequest is one action to perform on a session. The set of
// implementations is closed: Navigate, Click, Fill, Screenshot, CapturePDF
// and EvaluateScript.
type ActionRequest interface {
	// Kind returns the action type.
	Kind() ActionKind

	// Validate checks the request without touching any browser.
	Validate() error

	// timeout returns the per-request bound, or zero for the executor default.
	timeout() time.Duration
}

// Navigate loads a URL in the session's page.
type Navigate struct {
	// URL must be absolute, e.g. https://example.com
	URL string

	// WaitUntil defaults to load
	WaitUntil WaitUntil

	// Timeout overrides the default navigation bound of 30s
	Timeout time.Duration
}

// Click clicks the element matching Selector.
type Click struct {
	Selector string

	// WaitSelector, if set, must appear in the DOM within Timeout before the click
	WaitSelector string

	Timeout time.Duration
}

// Fill sets the value of the input matching Selector.
type Fill struct {
	Selector     string
	Value        string
	WaitSelector string
	Timeout      time.Duration
}

// Screenshot captures the current page.
type Screenshot struct {
	FullPage bool

	// Format defaults to png
	Format ImageFormat

	// Quality is only accepted with jpeg
	Quality *int

	Timeout time.Duration
}

// CapturePDF prints the current page to PDF. Nil fields are left to the
// driver's defaults; Format defaults to A4 and PrintBackground to true.
type CapturePDF struct {
	Format              string
	Margin              *Margin
	PrintBackground     *bool
	DisplayHeaderFooter *bool
	HeaderTemplate      *string
	FooterTemplate      *string
	PreferCSSPageSize   *bool
	Landscape           *bool
	Timeout             time.Duration
}

// EvaluateScript runs caller-supplied script text in the page.
type EvaluateScript struct {
	Source  string
	Timeout time.Duration
}

func (Navigate) Kind() ActionKind       { return ActionNavigate }
func (Click) Kind() ActionKind          { return ActionClick }
func (Fill) Kind() ActionKind           { return ActionFill }
func (Screenshot) Kind() ActionKind     { return ActionScreenshot }
func (CapturePDF) Kind() ActionKind     { return ActionCapturePDF }
func (EvaluateScript) Kind() ActionKind { return ActionEvaluate }

func (r Navigate) timeout() time.Duration       { return r.Timeout }
func (r Click) timeout() time.Duration          { return r.Timeout }
func (r Fill) timeout() time.Duration           { return r.Timeout }
func (r Screenshot) timeout() time.Duration     { return r.Timeout }
func (r CapturePDF) timeout() time.Duration     { return r.Timeout }
func (r EvaluateScript) timeout() time.Duration { return r.Timeout }

// Validate checks the URL and wait policy.
func (r Navigate) Validate() error {
	if err := ValidateURL(r.URL); err != nil {
		return err
	}
	if r.WaitUntil != "" {
		if _, err := ParseWaitUntil(string(r.WaitUntil)); err != nil {
			return err
		}
	}
	return validateTimeout(r.Timeout)
}

// Validate checks the selector.
func (r Click) Validate() error {
	if strings.TrimSpace(r.Selector) == "" {
		return fmt.Errorf("selector is required")
	}
	return validateTimeout(r.Timeout)
}

// Validate checks the selector. An empty Value is allowed and clears the input.
func (r Fill) Validate() error {
	if strings.TrimSpace(r.Selector) == "" {
		return fmt.Errorf("selector is required")
	}
	return validateTimeout(r.Timeout)
}

// Validate checks format and quality.
func (r Screenshot) Validate() error {
	switch r.Format {
	case "", FormatPNG:
		if r.Quality != nil {
			return fmt.Errorf("quality is only supported for jpeg screenshots")
		}
	case FormatJPEG:
		if r.Quality != nil && (*r.Quality < 0 || *r.Quality > 100) {
			return fmt.Errorf("quality must be between 0 and 100, got %d", *r.Quality)
		}
	default:
		return fmt.Errorf("invalid screenshot format: %s (must be 'png' or 'jpeg')", r.Format)
	}
	return validateTimeout(r.Timeout)
}

// Validate checks margins, templates and the timeout. Page formats are
// interpreted by the driver.
func (r CapturePDF) Validate() error {
	if r.Margin != nil {
		if err := r.Margin.Validate(); err != nil {
			return err
		}
	}
	if r.HeaderTemplate != nil || r.FooterTemplate != nil {
		if r.DisplayHeaderFooter != nil && !*r.DisplayHeaderFooter {
			return fmt.Errorf("header/footer templates require display_header_footer")
		}
	}
	return validateTimeout(r.Timeout)
}

// Validate checks that there is script text to run.
func (r EvaluateScript) Validate() error {
	if strings.TrimSpace(r.Source) == "" {
		return fmt.Errorf("script source is required")
	}
	return validateTimeout(r.Timeout)
}

// ValidateURL reports whether raw is a well-formed absolute URL. Values are
// never coerced (no scheme is prepended).
func ValidateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("invalid URL %q: must be absolute (include protocol, e.g. https://example.com)", raw)
	}
	if u.Host == "" && u.Opaque == "" && !(u.Scheme == "file" && u.Path != "") {
		return fmt.Errorf("invalid URL %q: missing host", raw)
	}
	return nil
}

func validateTimeout(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	return nil
}

// BoolPtr returns a pointer to b, for optional request fields.
func BoolPtr(b bool) *bool { return &b }

// IntPtr returns a pointer to i.
func IntPtr(i int) *int { return &i }

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }
