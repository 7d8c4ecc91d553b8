// Package browsertest provides an in-memory browser.Driver for tests.
//
// The fake keeps track of every handle it hands out so tests can assert that
// sessions release exactly what they acquired. Individual operations can be
// made to fail, panic or block until released.
package browsertest

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/entrhq/browseract/pkg/browser"
)

// Op names a driver operation.
type Op string

const (
	OpLaunch     Op = "launch"
	OpNewContext Op = "new_context"
	OpNewPage    Op = "new_page"
	OpNavigate   Op = "navigate"
	OpWait       Op = "wait_for_selector"
	OpClick      Op = "click"
	OpFill       Op = "fill"
	OpScreenshot Op = "screenshot"
	OpPDF        Op = "pdf"
	OpEvaluate   Op = "evaluate"
	OpClose      Op = "close"
)

// Handle is the opaque handle type returned by the fake.
type Handle struct {
	Kind string
	ID   int
}

func (h *Handle) String() string { return fmt.Sprintf("%s#%d", h.Kind, h.ID) }

// Call records one driver invocation.
type Call struct {
	Op     Op
	Handle *Handle
	Arg    string
}

type block struct {
	started     chan struct{}
	startedOnce sync.Once
	release     chan struct{}
	releaseOnce sync.Once
}

// Driver is a scripted fake of browser.Driver. The zero value is not usable;
// create one with New.
type Driver struct {
	mu       sync.Mutex
	nextID   int
	live     map[*Handle]bool
	acquired int
	released int
	closed   []*Handle
	calls    []Call
	failures map[Op]error
	panics   map[Op]interface{}
	blocks   map[Op]*block
	stops    int

	// present limits which selectors exist. Nil means every selector exists.
	present map[string]bool
	values  map[string]string
	urls    map[*Handle]string
	results map[string]interface{}

	lastScreenshot *browser.ScreenshotOptions
	lastPDF        *browser.PDFOptions
	pdfPages       int
}

var (
	_ browser.Driver      = (*Driver)(nil)
	_ browser.Stopper     = (*Driver)(nil)
	_ browser.URLReporter = (*Driver)(nil)
)

// New creates a fake driver where every operation succeeds.
func New() *Driver {
	return &Driver{
		live:     make(map[*Handle]bool),
		failures: make(map[Op]error),
		panics:   make(map[Op]interface{}),
		blocks:   make(map[Op]*block),
		values:   make(map[string]string),
		urls:     make(map[*Handle]string),
		results:  make(map[string]interface{}),
		pdfPages: 1,
	}
}

// Fail makes every later call of op return err. A nil err clears the failure.
func (d *Driver) Fail(op Op, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failures, op)
		return
	}
	d.failures[op] = err
}

// Panic makes every later call of op panic with v.
func (d *Driver) Panic(op Op, v interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.panics[op] = v
}

// Block makes calls of op wait until release is called or their context is
// done. started is closed when the first blocked call begins waiting.
func (d *Driver) Block(op Op) (started <-chan struct{}, release func()) {
	b := &block{started: make(chan struct{}), release: make(chan struct{})}
	d.mu.Lock()
	d.blocks[op] = b
	d.mu.Unlock()
	return b.started, func() {
		b.releaseOnce.Do(func() { close(b.release) })
	}
}

// SetElements restricts the selectors that exist on every page. Selectors
// not listed are reported as not found; waits for them never complete.
func (d *Driver) SetElements(selectors ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.present = make(map[string]bool, len(selectors))
	for _, s := range selectors {
		d.present[s] = true
	}
}

// SetResult sets the value returned when source is evaluated.
func (d *Driver) SetResult(source string, value interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results[source] = value
}

// SetPDFPages sets the number of pages in rendered documents.
func (d *Driver) SetPDFPages(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pdfPages = n
}

// Live returns the number of handles acquired and not yet released.
func (d *Driver) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// Acquired returns the total number of handles handed out.
func (d *Driver) Acquired() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquired
}

// Released returns the total number of handles released.
func (d *Driver) Released() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

// ClosedKinds returns the kinds of released handles in release order.
func (d *Driver) ClosedKinds() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.closed))
	for i, h := range d.closed {
		out[i] = h.Kind
	}
	return out
}

// Calls returns every recorded invocation.
func (d *Driver) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// CallCount returns how many times op was invoked.
func (d *Driver) CallCount(op Op) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// LastPDFOptions returns the options of the most recent RenderPDF call.
func (d *Driver) LastPDFOptions() *browser.PDFOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastPDF
}

// LastScreenshotOptions returns the options of the most recent Screenshot call.
func (d *Driver) LastScreenshotOptions() *browser.ScreenshotOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastScreenshot
}

// Stops returns how many times Stop was called.
func (d *Driver) Stops() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}

// enter records the call and applies any configured panic, block or failure.
func (d *Driver) enter(ctx context.Context, op Op, h *Handle, arg string) error {
	d.mu.Lock()
	d.calls = append(d.calls, Call{Op: op, Handle: h, Arg: arg})
	p, shouldPanic := d.panics[op]
	b := d.blocks[op]
	d.mu.Unlock()

	if shouldPanic {
		panic(p)
	}
	if b != nil {
		b.startedOnce.Do(func() { close(b.started) })
		select {
		case <-b.release:
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", browser.ErrDriverTimeout, ctx.Err())
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failures[op]
}

func (d *Driver) acquire(kind string) *Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	h := &Handle{Kind: kind, ID: d.nextID}
	d.live[h] = true
	d.acquired++
	return h
}

func (d *Driver) handle(h browser.Handle, kind string) (*Handle, error) {
	fh, ok := h.(*Handle)
	if !ok || fh == nil {
		return nil, fmt.Errorf("expected %s handle, got %T", kind, h)
	}
	if fh.Kind != kind {
		return nil, fmt.Errorf("expected %s handle, got %s", kind, fh.Kind)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.live[fh] {
		return nil, fmt.Errorf("%s is closed", fh)
	}
	return fh, nil
}

func (d *Driver) exists(selector string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.present == nil || d.present[selector]
}

// LaunchEngine implements browser.Driver.
func (d *Driver) LaunchEngine(ctx context.Context, engine browser.Engine, opts browser.LaunchOptions) (browser.Handle, error) {
	if err := d.enter(ctx, OpLaunch, nil, string(engine)); err != nil {
		return nil, err
	}
	return d.acquire("browser"), nil
}

// NewContext implements browser.Driver.
func (d *Driver) NewContext(ctx context.Context, b browser.Handle, opts browser.ContextOptions) (browser.Handle, error) {
	bh, err := d.handle(b, "browser")
	if err != nil {
		return nil, err
	}
	if err := d.enter(ctx, OpNewContext, bh, ""); err != nil {
		return nil, err
	}
	return d.acquire("context"), nil
}

// NewPage implements browser.Driver.
func (d *Driver) NewPage(ctx context.Context, c browser.Handle, opts browser.PageOptions) (browser.Handle, error) {
	ch, err := d.handle(c, "context")
	if err != nil {
		return nil, err
	}
	if err := d.enter(ctx, OpNewPage, ch, ""); err != nil {
		return nil, err
	}
	h := d.acquire("page")
	d.mu.Lock()
	d.urls[h] = "about:blank"
	d.mu.Unlock()
	return h, nil
}

// Navigate implements browser.Driver.
func (d *Driver) Navigate(ctx context.Context, page browser.Handle, url string, wait browser.WaitUntil) error {
	ph, err := d.handle(page, "page")
	if err != nil {
		return err
	}
	if err := d.enter(ctx, OpNavigate, ph, url); err != nil {
		return err
	}
	d.mu.Lock()
	d.urls[ph] = url
	d.mu.Unlock()
	return nil
}

// PageURL implements browser.URLReporter.
func (d *Driver) PageURL(page browser.Handle) string {
	ph, ok := page.(*Handle)
	if !ok {
		return ""
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.urls[ph]
}

// WaitForSelector implements browser.Driver. Missing selectors wait until
// the context is done.
func (d *Driver) WaitForSelector(ctx context.Context, page browser.Handle, selector string) error {
	ph, err := d.handle(page, "page")
	if err != nil {
		return err
	}
	if err := d.enter(ctx, OpWait, ph, selector); err != nil {
		return err
	}
	if d.exists(selector) {
		return nil
	}
	<-ctx.Done()
	return fmt.Errorf("%w: waiting for selector %q", browser.ErrDriverTimeout, selector)
}

// Click implements browser.Driver.
func (d *Driver) Click(ctx context.Context, page browser.Handle, selector string) error {
	ph, err := d.handle(page, "page")
	if err != nil {
		return err
	}
	if err := d.enter(ctx, OpClick, ph, selector); err != nil {
		return err
	}
	if !d.exists(selector) {
		return fmt.Errorf("%w: %s", browser.ErrDriverNotFound, selector)
	}
	return nil
}

// Fill implements browser.Driver. The value can be read back by evaluating
// document.querySelector('<selector>').value.
func (d *Driver) Fill(ctx context.Context, page browser.Handle, selector, value string) error {
	ph, err := d.handle(page, "page")
	if err != nil {
		return err
	}
	if err := d.enter(ctx, OpFill, ph, selector); err != nil {
		return err
	}
	if !d.exists(selector) {
		return fmt.Errorf("%w: %s", browser.ErrDriverNotFound, selector)
	}
	d.mu.Lock()
	d.values[selector] = value
	d.mu.Unlock()
	return nil
}

// Screenshot implements browser.Driver. The returned bytes start with the
// signature of the requested format.
func (d *Driver) Screenshot(ctx context.Context, page browser.Handle, opts browser.ScreenshotOptions) ([]byte, error) {
	ph, err := d.handle(page, "page")
	if err != nil {
		return nil, err
	}
	if err := d.enter(ctx, OpScreenshot, ph, string(opts.Format)); err != nil {
		return nil, err
	}
	d.mu.Lock()
	o := opts
	d.lastScreenshot = &o
	d.mu.Unlock()
	if opts.Format == browser.FormatJPEG {
		return append([]byte{}, JPEGSignature...), nil
	}
	return append([]byte{}, PNGSignature...), nil
}

// RenderPDF implements browser.Driver. The document is a valid PDF with the
// number of blank pages set by SetPDFPages.
func (d *Driver) RenderPDF(ctx context.Context, page browser.Handle, opts browser.PDFOptions) ([]byte, error) {
	ph, err := d.handle(page, "page")
	if err != nil {
		return nil, err
	}
	if err := d.enter(ctx, OpPDF, ph, opts.Format); err != nil {
		return nil, err
	}
	d.mu.Lock()
	o := opts
	d.lastPDF = &o
	pages := d.pdfPages
	d.mu.Unlock()
	return BlankPDF(pages, opts.Landscape != nil && *opts.Landscape), nil
}

var valueExpr = regexp.MustCompile(`^document\.querySelector\((['"])(.+)['"]\)\.value$`)

// Evaluate implements browser.Driver. Sources registered with SetResult
// return their value; reads of a filled input return its value; anything
// else is a script exception.
func (d *Driver) Evaluate(ctx context.Context, page browser.Handle, source string) (interface{}, error) {
	ph, err := d.handle(page, "page")
	if err != nil {
		return nil, err
	}
	if err := d.enter(ctx, OpEvaluate, ph, source); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := d.results[source]; ok {
		return v, nil
	}
	if m := valueExpr.FindStringSubmatch(source); m != nil {
		if v, ok := d.values[m[2]]; ok {
			return v, nil
		}
		return "", nil
	}
	return nil, fmt.Errorf("%w: ReferenceError: cannot evaluate %q", browser.ErrDriverScript, source)
}

// CloseHandle implements browser.Driver. The handle is released even when a
// close failure is configured.
func (d *Driver) CloseHandle(ctx context.Context, h browser.Handle) error {
	fh, ok := h.(*Handle)
	if !ok || fh == nil {
		return fmt.Errorf("unknown handle %T", h)
	}
	d.mu.Lock()
	d.calls = append(d.calls, Call{Op: OpClose, Handle: fh})
	wasLive := d.live[fh]
	if wasLive {
		delete(d.live, fh)
		delete(d.urls, fh)
		d.released++
		d.closed = append(d.closed, fh)
	}
	err := d.failures[OpClose]
	d.mu.Unlock()

	if !wasLive {
		return fmt.Errorf("%s already closed", fh)
	}
	return err
}

// Stop implements browser.Stopper.
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	return nil
}

// Image signatures returned by Screenshot.
var (
	PNGSignature  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	JPEGSignature = []byte{0xff, 0xd8, 0xff, 0xe0}
)

// BlankPDF builds a minimal well-formed PDF with the given number of empty
// A4 pages.
func BlankPDF(pages int, landscape bool) []byte {
	if pages < 1 {
		pages = 1
	}
	width, height := 595, 842
	if landscape {
		width, height = height, width
	}

	var buf bytes.Buffer
	offsets := make([]int, 0, pages+2)
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	obj("<< /Type /Catalog /Pages 2 0 R >>")

	kids := ""
	for i := 0; i < pages; i++ {
		kids += fmt.Sprintf("%d 0 R ", i+3)
	}
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, pages))
	for i := 0; i < pages; i++ {
		obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %d %d] /Resources << >> >>", width, height))
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}
