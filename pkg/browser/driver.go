package browser

import (
	"context"
	"time"
)

// Handle is an opaque reference to a driver-owned browser, context, or page.
// Only the driver that produced a handle may interpret it.
type Handle interface{}

// LaunchOptions is what the session manager hands to Driver.LaunchEngine.
type LaunchOptions struct {
	Headless   bool
	SlowMotion time.Duration
}

// ContextOptions configures a new browsing context.
type ContextOptions struct {
	Viewport *Viewport
}

// PageOptions configures a new page.
type PageOptions struct {
	DefaultTimeout time.Duration
}

// ScreenshotOptions is the driver-level screenshot request.
// Quality is nil unless the caller asked for a specific JPEG quality.
type ScreenshotOptions struct {
	FullPage bool
	Format   ImageFormat
	Quality  *int
}

// PDFOptions is the driver-level PDF request. Format and PrintBackground are
// always present; every pointer field is nil unless the caller set it, and
// drivers must leave their own defaults alone for nil fields.
type PDFOptions struct {
	Format              string
	PrintBackground     bool
	Margin              *Margin
	DisplayHeaderFooter *bool
	HeaderTemplate      *string
	FooterTemplate      *string
	PreferCSSPageSize   *bool
	Landscape           *bool
}

// Driver is the capability the core drives a real browser through.
//
// Every method receives a context whose deadline is the bound of the current
// action. Implementations must return once the context is done, and must
// serialize calls against the same page so that an abandoned call finishes
// before the next one is issued. Errors should wrap the ErrDriver* sentinels
// where they apply.
type Driver interface {
	// LaunchEngine starts a browser instance.
	LaunchEngine(ctx context.Context, engine Engine, opts LaunchOptions) (Handle, error)

	// NewContext creates an isolated browsing context inside a browser.
	NewContext(ctx context.Context, browser Handle, opts ContextOptions) (Handle, error)

	// NewPage opens a page inside a browsing context.
	NewPage(ctx context.Context, browserContext Handle, opts PageOptions) (Handle, error)

	// Navigate loads url and waits according to the policy.
	Navigate(ctx context.Context, page Handle, url string, wait WaitUntil) error

	// WaitForSelector blocks until selector is attached to the DOM.
	WaitForSelector(ctx context.Context, page Handle, selector string) error

	// Click clicks the element matching selector. It must not wait for the
	// element to appear; ErrDriverNotFound is returned if it is absent.
	Click(ctx context.Context, page Handle, selector string) error

	// Fill sets the value of the input matching selector, with the same
	// lookup rule as Click.
	Fill(ctx context.Context, page Handle, selector, value string) error

	// Screenshot captures the page.
	Screenshot(ctx context.Context, page Handle, opts ScreenshotOptions) ([]byte, error)

	// RenderPDF prints the page to a PDF document.
	RenderPDF(ctx context.Context, page Handle, opts PDFOptions) ([]byte, error)

	// Evaluate runs script text in the page and returns its JSON-compatible result.
	Evaluate(ctx context.Context, page Handle, source string) (interface{}, error)

	// CloseHandle releases a browser, context, or page handle.
	CloseHandle(ctx context.Context, h Handle) error
}

// Stopper is implemented by drivers that own a runtime outliving individual
// sessions. SessionManager.Shutdown calls Stop after closing all sessions.
type Stopper interface {
	Stop() error
}

// URLReporter is implemented by drivers that can report a page's current URL.
type URLReporter interface {
	PageURL(page Handle) string
}
