// Package cdp implements browser.Driver over the Chrome DevTools Protocol
// using chromedp. Only the chromium engine is supported.
//
// A CDP browser context is created together with its first tab, so each
// session page owns its browser context: closing the page disposes it, and
// closing the context handle afterwards only releases bookkeeping.
package cdp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/entrhq/browseract/pkg/browser"
)

// Options configures the Chrome process.
type Options struct {
	// ExecPath overrides the Chrome binary lookup
	ExecPath string

	// NoSandbox disables the Chrome sandbox (needed in most containers)
	NoSandbox bool
}

// Driver is a browser.Driver backed by chromedp.
type Driver struct {
	opts   Options
	logger *zap.Logger
}

var (
	_ browser.Driver      = (*Driver)(nil)
	_ browser.URLReporter = (*Driver)(nil)
)

// New creates a CDP driver.
func New(opts Options, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{opts: opts, logger: logger.Named("cdp")}
}

type browserHandle struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	slowMotion  time.Duration
}

type contextHandle struct {
	browser  *browserHandle
	viewport *browser.Viewport
}

type pageHandle struct {
	ctx            context.Context
	cancel         context.CancelFunc
	slowMotion     time.Duration
	defaultTimeout time.Duration

	// op serializes calls on the page
	op sync.Mutex

	mu  sync.Mutex
	url string
}

// LaunchEngine implements browser.Driver.
func (d *Driver) LaunchEngine(ctx context.Context, engine browser.Engine, opts browser.LaunchOptions) (browser.Handle, error) {
	if engine != browser.EngineChromium {
		return nil, fmt.Errorf("%w: the cdp driver only supports chromium, got %s", browser.ErrDriverUnsupported, engine)
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if d.opts.NoSandbox {
		allocOpts = append(allocOpts, chromedp.NoSandbox)
	}
	if d.opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(d.opts.ExecPath))
	}

	// The browser outlives the launch call, so it hangs off Background.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(d.logger.Sugar().Debugf))

	stop := context.AfterFunc(ctx, cancel)
	err := chromedp.Run(browserCtx)
	stop()
	if err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start chrome: %w", err)
	}

	return &browserHandle{
		ctx:         browserCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		slowMotion:  opts.SlowMotion,
	}, nil
}

// NewContext implements browser.Driver. The CDP browser context itself is
// created with the page.
func (d *Driver) NewContext(ctx context.Context, h browser.Handle, opts browser.ContextOptions) (browser.Handle, error) {
	bh, ok := h.(*browserHandle)
	if !ok {
		return nil, fmt.Errorf("expected cdp browser handle, got %T", h)
	}
	if bh.ctx.Err() != nil {
		return nil, fmt.Errorf("browser is closed")
	}
	return &contextHandle{browser: bh, viewport: opts.Viewport}, nil
}

// NewPage implements browser.Driver.
func (d *Driver) NewPage(ctx context.Context, h browser.Handle, opts browser.PageOptions) (browser.Handle, error) {
	ch, ok := h.(*contextHandle)
	if !ok {
		return nil, fmt.Errorf("expected cdp context handle, got %T", h)
	}

	vp := ch.viewport
	if vp == nil {
		vp = &browser.Viewport{Width: browser.DefaultViewportWidth, Height: browser.DefaultViewportHeight}
	}

	tabCtx, cancel := chromedp.NewContext(ch.browser.ctx, chromedp.WithNewBrowserContext())
	stop := context.AfterFunc(ctx, cancel)
	err := chromedp.Run(tabCtx, chromedp.EmulateViewport(int64(vp.Width), int64(vp.Height)))
	stop()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	return &pageHandle{
		ctx:            tabCtx,
		cancel:         cancel,
		slowMotion:     ch.browser.slowMotion,
		defaultTimeout: opts.DefaultTimeout,
		url:            "about:blank",
	}, nil
}

// run executes actions on the page bounded by ctx. Calls on one page are
// serialized.
func (d *Driver) run(ctx context.Context, h browser.Handle, actions ...chromedp.Action) error {
	ph, ok := h.(*pageHandle)
	if !ok {
		return fmt.Errorf("expected cdp page handle, got %T", h)
	}
	ph.op.Lock()
	defer ph.op.Unlock()

	rctx, cancel := context.WithCancel(ph.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		rctx, cancelDeadline = context.WithDeadline(rctx, deadline)
		defer cancelDeadline()
	} else if ph.defaultTimeout > 0 {
		var cancelTimeout context.CancelFunc
		rctx, cancelTimeout = context.WithTimeout(rctx, ph.defaultTimeout)
		defer cancelTimeout()
	}

	if ph.slowMotion > 0 {
		actions = append([]chromedp.Action{chromedp.Sleep(ph.slowMotion)}, actions...)
	}

	err := chromedp.Run(rctx, actions...)
	if err == nil {
		return nil
	}
	if errors.Is(rctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", browser.ErrDriverTimeout, err)
	}
	return err
}

// Navigate implements browser.Driver.
func (d *Driver) Navigate(ctx context.Context, h browser.Handle, url string, wait browser.WaitUntil) error {
	var location string
	err := d.run(ctx, h,
		navigateAndWait(url, lifecycleName(wait)),
		chromedp.Location(&location),
	)
	if err != nil {
		return err
	}
	if ph, ok := h.(*pageHandle); ok {
		ph.mu.Lock()
		ph.url = location
		ph.mu.Unlock()
	}
	return nil
}

// PageURL implements browser.URLReporter.
func (d *Driver) PageURL(h browser.Handle) string {
	ph, ok := h.(*pageHandle)
	if !ok {
		return ""
	}
	ph.mu.Lock()
	defer ph.mu.Unlock()
	return ph.url
}

func lifecycleName(w browser.WaitUntil) string {
	switch w {
	case browser.WaitDOMContentLoaded:
		return "DOMContentLoaded"
	case browser.WaitNetworkIdle:
		return "networkIdle"
	default:
		return "load"
	}
}

// navigateAndWait issues Page.navigate and waits for the named lifecycle
// event of the new document.
func navigateAndWait(url, event string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		if err := page.SetLifecycleEventsEnabled(true).Do(ctx); err != nil {
			return err
		}

		watch := newLifecycleWatch()
		lctx, cancel := context.WithCancel(ctx)
		defer cancel()
		chromedp.ListenTarget(lctx, func(ev interface{}) {
			if e, ok := ev.(*page.EventLifecycleEvent); ok {
				watch.record(e.LoaderID, e.Name)
			}
		})

		var res page.NavigateReturns
		if err := cdp.Execute(ctx, page.CommandNavigate, page.Navigate(url), &res); err != nil {
			return fmt.Errorf("%w: %v", browser.ErrDriverNavigation, err)
		}
		if res.ErrorText != "" {
			return fmt.Errorf("%w: %s", browser.ErrDriverNavigation, res.ErrorText)
		}
		// Same-document navigations have no new loader.
		if res.LoaderID == "" {
			return nil
		}
		return watch.wait(ctx, res.LoaderID, event)
	}
}

type lifecycleWatch struct {
	mu     sync.Mutex
	seen   map[cdp.LoaderID]map[string]bool
	notify chan struct{}
}

func newLifecycleWatch() *lifecycleWatch {
	return &lifecycleWatch{
		seen:   make(map[cdp.LoaderID]map[string]bool),
		notify: make(chan struct{}, 1),
	}
}

func (w *lifecycleWatch) record(loader cdp.LoaderID, name string) {
	w.mu.Lock()
	if w.seen[loader] == nil {
		w.seen[loader] = make(map[string]bool)
	}
	w.seen[loader][name] = true
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *lifecycleWatch) has(loader cdp.LoaderID, name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seen[loader][name]
}

func (w *lifecycleWatch) wait(ctx context.Context, loader cdp.LoaderID, name string) error {
	for {
		if w.has(loader, name) {
			return nil
		}
		select {
		case <-w.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitForSelector implements browser.Driver.
func (d *Driver) WaitForSelector(ctx context.Context, h browser.Handle, selector string) error {
	return d.run(ctx, h, chromedp.WaitReady(selector, chromedp.ByQuery))
}

// requirePresent fails with ErrDriverNotFound when nothing matches selector.
// chromedp's own actions would otherwise poll until the deadline.
func requirePresent(selector string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		var nodes []*cdp.Node
		if err := chromedp.Nodes(selector, &nodes, chromedp.ByQuery, chromedp.AtLeast(0)).Do(ctx); err != nil {
			return err
		}
		if len(nodes) == 0 {
			return fmt.Errorf("%w: %s", browser.ErrDriverNotFound, selector)
		}
		return nil
	}
}

// Click implements browser.Driver.
func (d *Driver) Click(ctx context.Context, h browser.Handle, selector string) error {
	return d.run(ctx, h,
		requirePresent(selector),
		chromedp.Click(selector, chromedp.ByQuery),
	)
}

// Fill implements browser.Driver. The value is assigned and input and change
// events are dispatched, matching what a user edit produces.
func (d *Driver) Fill(ctx context.Context, h browser.Handle, selector, value string) error {
	return d.run(ctx, h,
		requirePresent(selector),
		chromedp.Focus(selector, chromedp.ByQuery),
		chromedp.Evaluate(fillScript(selector, value), nil),
	)
}

func fillScript(selector, value string) string {
	sel, _ := json.Marshal(selector)
	val, _ := json.Marshal(value)
	return fmt.Sprintf(`(function(s, v) {
	const el = document.querySelector(s);
	el.value = v;
	el.dispatchEvent(new Event('input', {bubbles: true}));
	el.dispatchEvent(new Event('change', {bubbles: true}));
})(%s, %s)`, sel, val)
}

// Screenshot implements browser.Driver.
func (d *Driver) Screenshot(ctx context.Context, h browser.Handle, opts browser.ScreenshotOptions) ([]byte, error) {
	var data []byte
	err := d.run(ctx, h, chromedp.ActionFunc(func(ctx context.Context) error {
		params := page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng)
		if opts.Format == browser.FormatJPEG {
			params = params.WithFormat(page.CaptureScreenshotFormatJpeg)
			if opts.Quality != nil {
				params = params.WithQuality(int64(*opts.Quality))
			}
		}

		if opts.FullPage {
			_, _, _, _, _, cssContent, err := page.GetLayoutMetrics().Do(ctx)
			if err != nil {
				return err
			}
			if cssContent == nil {
				return errors.New("css content metrics unavailable")
			}
			params = params.WithCaptureBeyondViewport(true).WithClip(&page.Viewport{
				Width:  cssContent.Width,
				Height: cssContent.Height,
				Scale:  1,
			})
		}

		buf, err := params.Do(ctx)
		if err != nil {
			return err
		}
		data = buf
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return data, nil
}

// RenderPDF implements browser.Driver.
func (d *Driver) RenderPDF(ctx context.Context, h browser.Handle, opts browser.PDFOptions) ([]byte, error) {
	params, err := printParams(opts)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = d.run(ctx, h, chromedp.ActionFunc(func(ctx context.Context) error {
		buf, _, err := params.Do(ctx)
		if err != nil {
			return err
		}
		data = buf
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("pdf generation failed: %w", err)
	}
	return data, nil
}

// Evaluate implements browser.Driver. Promises are awaited and the result is
// returned by value.
func (d *Driver) Evaluate(ctx context.Context, h browser.Handle, source string) (interface{}, error) {
	var value interface{}
	err := d.run(ctx, h, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, exc, err := cdpruntime.Evaluate(source).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("%w: %s", browser.ErrDriverScript, exceptionText(exc))
		}
		v, err := decodeRemoteObject(obj)
		if err != nil {
			return err
		}
		value = v
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return value, nil
}

func exceptionText(exc *cdpruntime.ExceptionDetails) string {
	if exc.Exception != nil && exc.Exception.Description != "" {
		return exc.Exception.Description
	}
	return exc.Text
}

func decodeRemoteObject(obj *cdpruntime.RemoteObject) (interface{}, error) {
	if obj == nil || obj.Type == cdpruntime.TypeUndefined {
		return nil, nil
	}
	if obj.Subtype == cdpruntime.SubtypeNull {
		return nil, nil
	}
	raw := []byte(obj.Value)
	if len(bytes.TrimSpace(raw)) == 0 {
		if obj.Description != "" {
			return obj.Description, nil
		}
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to decode script result: %w", err)
	}
	return v, nil
}

// CloseHandle implements browser.Driver.
func (d *Driver) CloseHandle(ctx context.Context, h browser.Handle) error {
	switch v := h.(type) {
	case *pageHandle:
		err := cancelWithin(ctx, v.ctx)
		v.cancel()
		return err
	case *contextHandle:
		return nil
	case *browserHandle:
		err := cancelWithin(ctx, v.ctx)
		v.cancel()
		v.allocCancel()
		return err
	default:
		return fmt.Errorf("unknown cdp handle %T", h)
	}
}

// cancelWithin closes the chromedp target of target, giving up when ctx is done.
func cancelWithin(ctx context.Context, target context.Context) error {
	if target.Err() != nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(target) }()
	select {
	case err := <-done:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("timed out closing chrome target: %w", ctx.Err())
	}
}
