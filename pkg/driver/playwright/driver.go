// Package playwright implements browser.Driver on top of playwright-go.
//
// playwright-go runs the Playwright node driver as a child process. The
// driver is installed and started lazily on the first launch, and stopped by
// Stop (called from SessionManager.Shutdown).
//
// Playwright calls take no context. Each call is given the remaining time of
// the caller's deadline as its native timeout, and calls on one page are
// serialized so an abandoned call finishes before the next one begins.
// Evaluate has no native timeout, so scripts are raced against a page timer.
// Waiting for the page is itself bounded by the caller's context.
package playwright

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	pw "github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/entrhq/browseract/pkg/browser"
)

// Options configures the Playwright runtime.
type Options struct {
	// SkipInstall assumes the driver and browsers are already installed
	SkipInstall bool

	// Browsers lists the engines to install (default: chromium)
	Browsers []string

	// DriverDirectory overrides where the node driver is installed
	DriverDirectory string

	// Verbose streams installer output to stderr
	Verbose bool
}

// Driver is a browser.Driver backed by Playwright.
type Driver struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	runtime *pw.Playwright
}

var (
	_ browser.Driver      = (*Driver)(nil)
	_ browser.Stopper     = (*Driver)(nil)
	_ browser.URLReporter = (*Driver)(nil)
)

// New creates a Playwright driver. The runtime is not started until the
// first LaunchEngine call.
func New(opts Options, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(opts.Browsers) == 0 {
		opts.Browsers = []string{string(browser.EngineChromium)}
	}
	return &Driver{opts: opts, logger: logger.Named("playwright")}
}

type browserHandle struct {
	engine  browser.Engine
	browser pw.Browser
}

type contextHandle struct {
	engine  browser.Engine
	context pw.BrowserContext
}

type pageHandle struct {
	engine browser.Engine
	page   pw.Page

	// op is a one-slot semaphore serializing calls on the page
	op chan struct{}
}

func newPageHandle(engine browser.Engine, page pw.Page) *pageHandle {
	return &pageHandle{engine: engine, page: page, op: make(chan struct{}, 1)}
}

// Initialize installs (unless skipped) and starts the Playwright runtime.
// It is safe to call more than once.
func (d *Driver) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.runtime != nil {
		return nil
	}

	// Discard installer output unless verbose so it does not interleave with CLI output
	runOpts := &pw.RunOptions{
		Verbose:         d.opts.Verbose,
		Browsers:        d.opts.Browsers,
		DriverDirectory: d.opts.DriverDirectory,
		Stdout:          io.Discard,
		Stderr:          io.Discard,
	}
	if d.opts.Verbose {
		runOpts.Stdout = nil
		runOpts.Stderr = nil
	}

	if !d.opts.SkipInstall {
		d.logger.Debug("Installing playwright driver", zap.Strings("browsers", d.opts.Browsers))
		if err := pw.Install(runOpts); err != nil {
			return fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	runtime, err := pw.Run(runOpts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}
	d.runtime = runtime
	return nil
}

// Stop shuts the Playwright runtime down.
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.runtime == nil {
		return nil
	}
	err := d.runtime.Stop()
	d.runtime = nil
	if err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

func (d *Driver) browserType(engine browser.Engine) (pw.BrowserType, error) {
	if err := d.Initialize(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	switch engine {
	case browser.EngineChromium:
		return d.runtime.Chromium, nil
	case browser.EngineFirefox:
		return d.runtime.Firefox, nil
	case browser.EngineWebKit:
		return d.runtime.WebKit, nil
	default:
		return nil, fmt.Errorf("%w: unknown engine %q", browser.ErrDriverUnsupported, engine)
	}
}

// LaunchEngine implements browser.Driver.
func (d *Driver) LaunchEngine(ctx context.Context, engine browser.Engine, opts browser.LaunchOptions) (browser.Handle, error) {
	bt, err := d.browserType(engine)
	if err != nil {
		return nil, err
	}

	launchOpts := pw.BrowserTypeLaunchOptions{
		Headless: pw.Bool(opts.Headless),
		Timeout:  timeoutFrom(ctx),
	}
	if opts.SlowMotion > 0 {
		launchOpts.SlowMo = pw.Float(millis(opts.SlowMotion))
	}

	b, err := bt.Launch(launchOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", mapError(err))
	}
	return &browserHandle{engine: engine, browser: b}, nil
}

// NewContext implements browser.Driver.
func (d *Driver) NewContext(ctx context.Context, h browser.Handle, opts browser.ContextOptions) (browser.Handle, error) {
	bh, ok := h.(*browserHandle)
	if !ok {
		return nil, fmt.Errorf("expected playwright browser handle, got %T", h)
	}

	vp := opts.Viewport
	if vp == nil {
		vp = &browser.Viewport{Width: browser.DefaultViewportWidth, Height: browser.DefaultViewportHeight}
	}
	c, err := bh.browser.NewContext(pw.BrowserNewContextOptions{
		Viewport: &pw.Size{Width: vp.Width, Height: vp.Height},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create context: %w", mapError(err))
	}
	return &contextHandle{engine: bh.engine, context: c}, nil
}

// NewPage implements browser.Driver.
func (d *Driver) NewPage(ctx context.Context, h browser.Handle, opts browser.PageOptions) (browser.Handle, error) {
	ch, ok := h.(*contextHandle)
	if !ok {
		return nil, fmt.Errorf("expected playwright context handle, got %T", h)
	}

	page, err := ch.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", mapError(err))
	}
	if opts.DefaultTimeout > 0 {
		page.SetDefaultTimeout(millis(opts.DefaultTimeout))
	}
	return newPageHandle(ch.engine, page), nil
}

// lockPage waits for the page to be free. A call abandoned by its caller
// keeps the page until playwright returns, so waiters give up when ctx ends.
func (d *Driver) lockPage(ctx context.Context, h browser.Handle) (*pageHandle, func(), error) {
	ph, ok := h.(*pageHandle)
	if !ok {
		return nil, nil, fmt.Errorf("expected playwright page handle, got %T", h)
	}
	select {
	case ph.op <- struct{}{}:
		return ph, func() { <-ph.op }, nil
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("%w: page is still running an earlier call: %v", browser.ErrDriverTimeout, ctx.Err())
	}
}

// Navigate implements browser.Driver.
func (d *Driver) Navigate(ctx context.Context, h browser.Handle, url string, wait browser.WaitUntil) error {
	ph, unlock, err := d.lockPage(ctx, h)
	if err != nil {
		return err
	}
	defer unlock()

	_, err = ph.page.Goto(url, pw.PageGotoOptions{
		WaitUntil: waitState(wait),
		Timeout:   timeoutFrom(ctx),
	})
	if err != nil {
		if errors.Is(err, pw.ErrTimeout) {
			return fmt.Errorf("navigation failed: %w", mapError(err))
		}
		return fmt.Errorf("%w: %v", browser.ErrDriverNavigation, err)
	}
	return nil
}

// PageURL implements browser.URLReporter.
func (d *Driver) PageURL(h browser.Handle) string {
	ph, ok := h.(*pageHandle)
	if !ok {
		return ""
	}
	return ph.page.URL()
}

// WaitForSelector implements browser.Driver.
func (d *Driver) WaitForSelector(ctx context.Context, h browser.Handle, selector string) error {
	ph, unlock, err := d.lockPage(ctx, h)
	if err != nil {
		return err
	}
	defer unlock()

	_, err = ph.page.WaitForSelector(selector, pw.PageWaitForSelectorOptions{
		State:   pw.WaitForSelectorStateAttached,
		Timeout: timeoutFrom(ctx),
	})
	if err != nil {
		return fmt.Errorf("wait failed: %w", mapError(err))
	}
	return nil
}

// requirePresent reports ErrDriverNotFound when nothing matches selector.
// Playwright's own actions would otherwise wait for the element until the
// timeout.
func requirePresent(page pw.Page, selector string) error {
	el, err := page.QuerySelector(selector)
	if err != nil {
		return mapError(err)
	}
	if el == nil {
		return fmt.Errorf("%w: %s", browser.ErrDriverNotFound, selector)
	}
	return nil
}

// Click implements browser.Driver.
func (d *Driver) Click(ctx context.Context, h browser.Handle, selector string) error {
	ph, unlock, err := d.lockPage(ctx, h)
	if err != nil {
		return err
	}
	defer unlock()

	if err := requirePresent(ph.page, selector); err != nil {
		return err
	}
	if err := ph.page.Click(selector, pw.PageClickOptions{Timeout: timeoutFrom(ctx)}); err != nil {
		return fmt.Errorf("click failed: %w", mapError(err))
	}
	return nil
}

// Fill implements browser.Driver.
func (d *Driver) Fill(ctx context.Context, h browser.Handle, selector, value string) error {
	ph, unlock, err := d.lockPage(ctx, h)
	if err != nil {
		return err
	}
	defer unlock()

	if err := requirePresent(ph.page, selector); err != nil {
		return err
	}
	if err := ph.page.Fill(selector, value, pw.PageFillOptions{Timeout: timeoutFrom(ctx)}); err != nil {
		return fmt.Errorf("fill failed: %w", mapError(err))
	}
	return nil
}

// Screenshot implements browser.Driver.
func (d *Driver) Screenshot(ctx context.Context, h browser.Handle, opts browser.ScreenshotOptions) ([]byte, error) {
	ph, unlock, err := d.lockPage(ctx, h)
	if err != nil {
		return nil, err
	}
	defer unlock()

	data, err := ph.page.Screenshot(screenshotOptions(opts, timeoutFrom(ctx)))
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", mapError(err))
	}
	return data, nil
}

// RenderPDF implements browser.Driver. Only Chromium can print to PDF.
func (d *Driver) RenderPDF(ctx context.Context, h browser.Handle, opts browser.PDFOptions) ([]byte, error) {
	ph, unlock, err := d.lockPage(ctx, h)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if ph.engine != browser.EngineChromium {
		return nil, fmt.Errorf("%w: PDF requires chromium, session runs %s", browser.ErrDriverUnsupported, ph.engine)
	}
	data, err := ph.page.PDF(pdfOptions(opts))
	if err != nil {
		return nil, fmt.Errorf("pdf generation failed: %w", mapError(err))
	}
	return data, nil
}

// Evaluate implements browser.Driver.
func (d *Driver) Evaluate(ctx context.Context, h browser.Handle, source string) (interface{}, error) {
	ph, unlock, err := d.lockPage(ctx, h)
	if err != nil {
		return nil, err
	}
	defer unlock()

	expr := source
	if ms := timeoutFrom(ctx); ms != nil {
		expr = boundedScript(source, *ms)
	}
	value, err := ph.page.Evaluate(expr)
	if err != nil {
		if errors.Is(err, pw.ErrTimeout) || strings.Contains(err.Error(), scriptTimeoutMarker) {
			return nil, fmt.Errorf("%w: %v", browser.ErrDriverTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", browser.ErrDriverScript, err)
	}
	return value, nil
}

// scriptTimeoutMarker is the rejection message of a timed out script.
const scriptTimeoutMarker = "browseract: script timed out"

// boundedScript wraps an expression (or a function, which Playwright would
// call) so that it settles within ms milliseconds. A script that never
// settles would otherwise hold the page forever.
func boundedScript(source string, ms float64) string {
	body := strings.TrimRight(strings.TrimSpace(source), "; \t\r\n")
	marker, _ := json.Marshal(scriptTimeoutMarker)
	return fmt.Sprintf(`(() => {
	const value = (
%s
	);
	const result = typeof value === "function" ? value() : value;
	return Promise.race([
		Promise.resolve(result),
		new Promise((_, reject) => setTimeout(() => reject(new Error(%s)), %d)),
	]);
})()`, body, marker, int64(math.Ceil(ms)))
}

// CloseHandle implements browser.Driver. It does not wait for in-flight
// page calls; closing the page makes them fail promptly.
func (d *Driver) CloseHandle(ctx context.Context, h browser.Handle) error {
	switch v := h.(type) {
	case *pageHandle:
		return v.page.Close()
	case *contextHandle:
		return v.context.Close()
	case *browserHandle:
		return v.browser.Close()
	default:
		return fmt.Errorf("unknown playwright handle %T", h)
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// timeoutFrom converts the remaining time before ctx's deadline into a
// Playwright timeout in milliseconds. It returns nil when ctx has no
// deadline, leaving the page default in effect.
func timeoutFrom(ctx context.Context) *float64 {
	deadline, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	ms := math.Max(1, millis(time.Until(deadline)))
	return &ms
}

func waitState(w browser.WaitUntil) *pw.WaitUntilState {
	switch w {
	case browser.WaitDOMContentLoaded:
		return pw.WaitUntilStateDomcontentloaded
	case browser.WaitNetworkIdle:
		return pw.WaitUntilStateNetworkidle
	default:
		return pw.WaitUntilStateLoad
	}
}

func screenshotOptions(opts browser.ScreenshotOptions, timeout *float64) pw.PageScreenshotOptions {
	out := pw.PageScreenshotOptions{
		FullPage: pw.Bool(opts.FullPage),
		Type:     pw.ScreenshotTypePng,
		Timeout:  timeout,
	}
	if opts.Format == browser.FormatJPEG {
		out.Type = pw.ScreenshotTypeJpeg
		if opts.Quality != nil {
			out.Quality = pw.Int(*opts.Quality)
		}
	}
	return out
}

func pdfOptions(opts browser.PDFOptions) pw.PagePdfOptions {
	out := pw.PagePdfOptions{
		Format:              pw.String(opts.Format),
		PrintBackground:     pw.Bool(opts.PrintBackground),
		DisplayHeaderFooter: opts.DisplayHeaderFooter,
		HeaderTemplate:      opts.HeaderTemplate,
		FooterTemplate:      opts.FooterTemplate,
		PreferCSSPageSize:   opts.PreferCSSPageSize,
		Landscape:           opts.Landscape,
	}
	if m := opts.Margin; m != nil {
		out.Margin = &pw.Margin{
			Top:    optional(m.Top),
			Right:  optional(m.Right),
			Bottom: optional(m.Bottom),
			Left:   optional(m.Left),
		}
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// mapError tags Playwright timeouts with browser.ErrDriverTimeout.
func mapError(err error) error {
	if errors.Is(err, pw.ErrTimeout) {
		return fmt.Errorf("%w: %v", browser.ErrDriverTimeout, err)
	}
	return err
}
