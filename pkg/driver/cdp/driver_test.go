package cdp

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/browseract/pkg/browser"
)

func TestPrintParams(t *testing.T) {
	params, err := printParams(browser.PDFOptions{Format: "A4", PrintBackground: true})
	require.NoError(t, err)
	assert.Equal(t, 8.27, params.PaperWidth)
	assert.Equal(t, 11.7, params.PaperHeight)
	assert.True(t, params.PrintBackground)
	assert.False(t, params.Landscape)
	assert.Zero(t, params.MarginTop)

	params, err = printParams(browser.PDFOptions{
		Format:              "letter",
		Margin:              &browser.Margin{Top: "1in", Bottom: "2.54cm", Left: "48px"},
		Landscape:           browser.BoolPtr(true),
		DisplayHeaderFooter: browser.BoolPtr(true),
		FooterTemplate:      browser.StringPtr("<span class='pageNumber'></span>"),
	})
	require.NoError(t, err)
	assert.Equal(t, 8.5, params.PaperWidth)
	assert.InDelta(t, 1, params.MarginTop, 1e-9)
	assert.InDelta(t, 1, params.MarginBottom, 1e-9)
	assert.InDelta(t, 0.5, params.MarginLeft, 1e-9)
	assert.Zero(t, params.MarginRight)
	assert.True(t, params.Landscape)
	assert.True(t, params.DisplayHeaderFooter)
	assert.Equal(t, "<span class='pageNumber'></span>", params.FooterTemplate)
	assert.False(t, params.PrintBackground)

	_, err = printParams(browser.PDFOptions{Format: "B5"})
	assert.ErrorIs(t, err, browser.ErrDriverUnsupported)

	_, err = printParams(browser.PDFOptions{Format: "A4", Margin: &browser.Margin{Top: "auto"}})
	assert.Error(t, err)
}

func TestLifecycleName(t *testing.T) {
	assert.Equal(t, "load", lifecycleName(""))
	assert.Equal(t, "load", lifecycleName(browser.WaitLoad))
	assert.Equal(t, "DOMContentLoaded", lifecycleName(browser.WaitDOMContentLoaded))
	assert.Equal(t, "networkIdle", lifecycleName(browser.WaitNetworkIdle))
}

func TestLifecycleWatch(t *testing.T) {
	w := newLifecycleWatch()
	loader := cdp.LoaderID("L1")

	// events for other loaders do not satisfy the wait
	w.record("L0", "load")

	done := make(chan error, 1)
	go func() { done <- w.wait(context.Background(), loader, "load") }()

	w.record(loader, "DOMContentLoaded")
	w.record(loader, "load")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not observe the load event")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.wait(ctx, loader, "networkIdle"), context.DeadlineExceeded)
}

func TestFillScriptQuotesInput(t *testing.T) {
	script := fillScript(`input[name="q"]`, "it's \"quoted\"\n")
	assert.Contains(t, script, `"input[name=\"q\"]"`)
	assert.Contains(t, script, `"it's \"quoted\"\n"`)
	assert.Contains(t, script, "dispatchEvent(new Event('input'")
}

func TestDecodeRemoteObject(t *testing.T) {
	v, err := decodeRemoteObject(nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = decodeRemoteObject(&cdpruntime.RemoteObject{Type: cdpruntime.TypeUndefined})
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = decodeRemoteObject(&cdpruntime.RemoteObject{Type: cdpruntime.TypeString, Value: []byte(`"Example Domain"`)})
	require.NoError(t, err)
	assert.Equal(t, "Example Domain", v)

	v, err = decodeRemoteObject(&cdpruntime.RemoteObject{Type: cdpruntime.TypeNumber, Value: []byte(`42`)})
	require.NoError(t, err)
	assert.Equal(t, float64(42), v)
}

func TestLaunchRejectsOtherEngines(t *testing.T) {
	d := New(Options{}, nil)
	_, err := d.LaunchEngine(context.Background(), browser.EngineFirefox, browser.LaunchOptions{Headless: true})
	assert.ErrorIs(t, err, browser.ErrDriverUnsupported)
}

// Integration test against a local Chrome; run with BROWSERACT_INTEGRATION=1.
func TestDriver_Integration(t *testing.T) {
	if testing.Short() || os.Getenv("BROWSERACT_INTEGRATION") == "" {
		t.Skip("skipping chrome integration test")
	}

	d := New(Options{NoSandbox: true}, nil)
	m := browser.NewSessionManager(d)
	defer m.Shutdown(context.Background())

	s, err := m.Launch(context.Background(), browser.LaunchConfig{Engine: browser.EngineChromium, Headless: true})
	require.NoError(t, err)

	e := browser.NewExecutor(browser.WithScriptPolicy(browser.ScriptsAllowed))
	results := e.Run(context.Background(), s,
		browser.Navigate{URL: "data:text/html,<input id='q'><button id='go'>go</button>", WaitUntil: browser.WaitDOMContentLoaded},
		browser.Fill{Selector: "#q", Value: "hello"},
		browser.EvaluateScript{Source: "document.querySelector('#q').value"},
		browser.Click{Selector: "#go"},
		browser.Screenshot{FullPage: true},
		browser.CapturePDF{Margin: &browser.Margin{Top: "1cm"}},
	)
	require.Len(t, results, 6)
	for _, r := range results {
		require.True(t, r.OK(), "%s: %v", r.Action(), r.Err())
	}
	assert.Equal(t, "hello", results[2].Payload().Value)

	require.NoError(t, m.Close(context.Background(), s))
}
