package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/entrhq/browseract/pkg/browser"
)

// Screenshot defaults match what most page-capture callers expect: the
// whole page as a reasonably compressed JPEG.
const (
	DefaultScreenshotQuality = 80
	DefaultScreenshotFormat  = browser.FormatJPEG
)

// ScreenshotJob loads URL, waits Delay, then captures the page.
type ScreenshotJob struct {
	URL       string
	WaitUntil browser.WaitUntil
	Delay     time.Duration
	FullPage  bool
	Format    browser.ImageFormat
	Quality   *int
	Timeout   time.Duration
}

// NewScreenshotJob returns a full-page JPEG job at quality 80.
func NewScreenshotJob(url string) ScreenshotJob {
	return ScreenshotJob{
		URL:      url,
		FullPage: true,
		Format:   DefaultScreenshotFormat,
		Quality:  browser.IntPtr(DefaultScreenshotQuality),
	}
}

// Target implements Job.
func (j ScreenshotJob) Target() string { return j.URL }

// Run implements Job.
func (j ScreenshotJob) Run(ctx context.Context, e *browser.Executor, s *browser.Session) (*Artifact, error) {
	if err := navigate(ctx, e, s, j.URL, j.WaitUntil, j.Timeout); err != nil {
		return nil, err
	}
	if err := sleep(ctx, j.Delay); err != nil {
		return nil, err
	}

	res := e.Execute(ctx, s, browser.Screenshot{
		FullPage: j.FullPage,
		Format:   j.Format,
		Quality:  j.Quality,
		Timeout:  j.Timeout,
	})
	if !res.OK() {
		return nil, res.Err()
	}
	if len(res.Bytes()) == 0 {
		return nil, ErrEmptyArtifact
	}
	return &Artifact{
		URL:      s.CurrentURL(),
		MIMEType: res.Payload().MIMEType,
		Data:     res.Bytes(),
	}, nil
}

// PDFJob loads URL and prints it. The document is checked with pdfcpu and
// its page count recorded.
type PDFJob struct {
	URL       string
	WaitUntil browser.WaitUntil
	Options   browser.CapturePDF
	Timeout   time.Duration
}

// Target implements Job.
func (j PDFJob) Target() string { return j.URL }

// Run implements Job.
func (j PDFJob) Run(ctx context.Context, e *browser.Executor, s *browser.Session) (*Artifact, error) {
	if err := navigate(ctx, e, s, j.URL, j.WaitUntil, j.Timeout); err != nil {
		return nil, err
	}

	req := j.Options
	if req.Timeout == 0 {
		req.Timeout = j.Timeout
	}
	res := e.Execute(ctx, s, req)
	if !res.OK() {
		return nil, res.Err()
	}
	if len(res.Bytes()) == 0 {
		return nil, ErrEmptyArtifact
	}

	pages, err := PageCount(res.Bytes())
	if err != nil {
		return nil, err
	}
	return &Artifact{
		URL:      s.CurrentURL(),
		MIMEType: browser.PDFMIMEType,
		Data:     res.Bytes(),
		Pages:    pages,
	}, nil
}

// ScriptJob runs a sequence of actions, stopping at the first failure. The
// artifact carries the last binary payload and the last script value.
type ScriptJob struct {
	Name     string
	Requests []browser.ActionRequest
}

// Target implements Job.
func (j ScriptJob) Target() string {
	if j.Name != "" {
		return j.Name
	}
	for _, r := range j.Requests {
		if nav, ok := r.(browser.Navigate); ok {
			return nav.URL
		}
	}
	return "script"
}

// Run implements Job. A failed step is returned as the error alongside the
// artifact holding the results so far.
func (j ScriptJob) Run(ctx context.Context, e *browser.Executor, s *browser.Session) (*Artifact, error) {
	if len(j.Requests) == 0 {
		return nil, &browser.Failure{Kind: browser.KindValidation, Message: "script has no steps"}
	}

	results := e.Run(ctx, s, j.Requests...)
	a := &Artifact{URL: s.CurrentURL(), Results: results}
	for i, r := range results {
		if !r.OK() {
			return a, fmt.Errorf("step %d (%s): %w", i+1, r.Action(), r.Err())
		}
		p := r.Payload()
		switch p.Kind {
		case browser.PayloadImage, browser.PayloadDocument:
			a.Data = p.Data
			a.MIMEType = p.MIMEType
		case browser.PayloadScalar:
			a.Value = p.Value
		}
	}
	if a.MIMEType == browser.PDFMIMEType {
		pages, err := PageCount(a.Data)
		if err != nil {
			return a, err
		}
		a.Pages = pages
	}
	return a, nil
}
