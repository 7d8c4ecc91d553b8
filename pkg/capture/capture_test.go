package capture

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/entrhq/browseract/pkg/browser"
	"github.com/entrhq/browseract/pkg/browser/browsertest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newRunner(d *browsertest.Driver, opts ...browser.ExecutorOption) *Runner {
	m := browser.NewSessionManager(d)
	return NewRunner(m, browser.NewExecutor(opts...), browser.LaunchConfig{Engine: browser.EngineChromium, Headless: true})
}

func TestScreenshotJob_Defaults(t *testing.T) {
	d := browsertest.New()
	r := newRunner(d)

	job := NewScreenshotJob("https://example.com")
	a, err := r.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, "image/jpeg", a.MIMEType)
	assert.Equal(t, browsertest.JPEGSignature, a.Data)
	assert.Equal(t, "https://example.com", a.URL)
	assert.Positive(t, a.Duration)

	opts := d.LastScreenshotOptions()
	require.NotNil(t, opts)
	assert.True(t, opts.FullPage)
	require.NotNil(t, opts.Quality)
	assert.Equal(t, 80, *opts.Quality)

	assert.Zero(t, d.Live(), "session must be closed after the job")
}

func TestScreenshotJob_DelayCanceled(t *testing.T) {
	d := browsertest.New()
	r := newRunner(d)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	job := NewScreenshotJob("https://example.com")
	job.Delay = time.Minute
	_, err := r.Run(ctx, job)
	assert.ErrorIs(t, err, browser.ErrCanceled)
	assert.Zero(t, d.CallCount(browsertest.OpScreenshot))
	assert.Zero(t, d.Live())
}

func TestScreenshotJob_NavigationFailure(t *testing.T) {
	d := browsertest.New()
	d.Fail(browsertest.OpNavigate, fmt.Errorf("%w: net::ERR_NAME_NOT_RESOLVED", browser.ErrDriverNavigation))
	r := newRunner(d)

	_, err := r.Run(context.Background(), NewScreenshotJob("https://nope.invalid"))
	assert.ErrorIs(t, err, browser.ErrNavigationFailure)
	assert.Zero(t, d.Live())
}

func TestPDFJob(t *testing.T) {
	d := browsertest.New()
	d.SetPDFPages(3)
	r := newRunner(d)

	job := PDFJob{
		URL:     "https://example.com/report",
		Options: browser.CapturePDF{Landscape: browser.BoolPtr(true)},
	}
	a, err := r.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, "application/pdf", a.MIMEType)
	assert.Equal(t, 3, a.Pages)

	opts := d.LastPDFOptions()
	require.NotNil(t, opts)
	assert.Equal(t, "A4", opts.Format)
	assert.True(t, opts.PrintBackground)
}

func TestPDFJob_HeadedUnsupported(t *testing.T) {
	d := browsertest.New()
	m := browser.NewSessionManager(d)
	r := NewRunner(m, browser.NewExecutor(), browser.LaunchConfig{Engine: browser.EngineChromium, Headless: false})

	_, err := r.Run(context.Background(), PDFJob{URL: "https://example.com"})
	assert.ErrorIs(t, err, browser.ErrUnsupportedInEngine)
	assert.Zero(t, d.CallCount(browsertest.OpPDF))
}

func TestPageCount(t *testing.T) {
	n, err := PageCount(browsertest.BlankPDF(2, false))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = PageCount([]byte("not a pdf"))
	assert.Error(t, err)
}

func TestScriptJob(t *testing.T) {
	d := browsertest.New()
	d.SetResult("document.title", "Example Domain")
	r := newRunner(d, browser.WithScriptPolicy(browser.ScriptsAllowed))

	job := ScriptJob{Requests: []browser.ActionRequest{
		browser.Navigate{URL: "https://example.com"},
		browser.EvaluateScript{Source: "document.title"},
		browser.CapturePDF{},
	}}
	assert.Equal(t, "https://example.com", job.Target())

	a, err := r.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Len(t, a.Results, 3)
	assert.Equal(t, "Example Domain", a.Value)
	assert.Equal(t, 1, a.Pages)
}

func TestScriptJob_StopsAtFailure(t *testing.T) {
	d := browsertest.New()
	d.SetElements()
	r := newRunner(d)

	job := ScriptJob{Name: "login", Requests: []browser.ActionRequest{
		browser.Navigate{URL: "https://example.com"},
		browser.Click{Selector: "#missing"},
		browser.Screenshot{},
	}}
	a, err := r.Run(context.Background(), job)
	require.Error(t, err)
	assert.ErrorIs(t, err, browser.ErrElementNotFound)
	require.NotNil(t, a)
	assert.Len(t, a.Results, 2)
	assert.Zero(t, d.CallCount(browsertest.OpScreenshot))

	_, err = r.Run(context.Background(), ScriptJob{})
	assert.ErrorIs(t, err, browser.ErrValidation)
}

func TestBatch_ConcurrencyLimit(t *testing.T) {
	d := browsertest.New()
	started, release := d.Block(browsertest.OpNavigate)
	r := newRunner(d)

	jobs := make([]Job, 5)
	for i := range jobs {
		jobs[i] = NewScreenshotJob(fmt.Sprintf("https://example.com/%d", i))
	}

	done := make(chan []BatchResult, 1)
	go func() {
		results, _ := r.Batch(context.Background(), jobs, 2)
		done <- results
	}()

	<-started
	// two sessions (three handles each) are blocked in navigate
	require.Eventually(t, func() bool { return d.Live() == 6 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 6, d.Live())
	release()

	var results []BatchResult
	select {
	case results = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not finish")
	}

	require.Len(t, results, 5)
	for i, res := range results {
		require.NoError(t, res.Err)
		assert.Equal(t, fmt.Sprintf("https://example.com/%d", i), res.Job.Target())
		assert.NotEmpty(t, res.Artifact.Data)
	}
	assert.Zero(t, d.Live())
	assert.Equal(t, d.Acquired(), d.Released())
}

func TestBatch_PerJobFailures(t *testing.T) {
	d := browsertest.New()
	r := newRunner(d)

	jobs := []Job{
		NewScreenshotJob("https://example.com"),
		NewScreenshotJob("not a url"),
	}
	results, err := r.Batch(context.Background(), jobs, 0)
	require.NoError(t, err)
	assert.NoError(t, results[0].Err)
	assert.True(t, errors.Is(results[1].Err, browser.ErrValidation))
}

func TestBatch_CanceledContext(t *testing.T) {
	d := browsertest.New()
	r := newRunner(d)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := r.Batch(ctx, []Job{NewScreenshotJob("https://example.com")}, 1)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
	assert.Zero(t, d.Live())
}
