package flow

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/entrhq/browseract/pkg/browser"
	"github.com/entrhq/browseract/pkg/browser/browsertest"
	"github.com/entrhq/browseract/pkg/capture"
	"github.com/entrhq/browseract/pkg/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newConfigNode(t *testing.T, d *browsertest.Driver, settings ConfigSettings) *ConfigNode {
	t.Helper()
	n := NewConfigNode(browser.NewSessionManager(d), settings, nil)
	t.Cleanup(func() { _ = n.Close(context.Background()) })
	return n
}

func TestConfigNode_LazyLaunch(t *testing.T) {
	d := browsertest.New()
	n := newConfigNode(t, d, ConfigSettings{Name: "browser", BrowserType: "Firefox", SlowMo: 50})

	assert.True(t, n.Status().IsZero())
	assert.Zero(t, d.Acquired())

	s, err := n.Session(context.Background())
	require.NoError(t, err)
	assert.Equal(t, browser.EngineFirefox, s.Engine())
	assert.True(t, s.Config().Headless)
	assert.Equal(t, 50*time.Millisecond, s.Config().SlowMotion)
	assert.Equal(t, Indicator{Fill: "green", Shape: "dot", Text: "connected"}, n.Status())

	again, err := n.Session(context.Background())
	require.NoError(t, err)
	assert.Same(t, s, again)

	require.NoError(t, n.Close(context.Background()))
	assert.True(t, n.Status().IsZero())
	assert.Zero(t, d.Live())

	// a closed node relaunches on demand
	relaunched, err := n.Session(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, relaunched.ID)
}

func TestConfigNode_LaunchFailure(t *testing.T) {
	d := browsertest.New()
	d.Fail(browsertest.OpLaunch, errors.New("executable not found"))
	n := newConfigNode(t, d, ConfigSettings{})

	_, err := n.Session(context.Background())
	assert.ErrorIs(t, err, browser.ErrLaunchFailure)
	assert.Equal(t, Indicator{Fill: "red", Shape: "ring", Text: "error"}, n.Status())
}

func TestPhaseIndicator(t *testing.T) {
	tests := []struct {
		phase browser.Phase
		want  Indicator
	}{
		{browser.PhaseReady, Indicator{"green", "dot", "connected"}},
		{browser.PhaseBusy, Indicator{"green", "ring", "busy"}},
		{browser.PhaseLaunching, Indicator{"yellow", "ring", "launching"}},
		{browser.PhaseError, Indicator{"red", "ring", "error"}},
		{browser.PhaseClosed, Indicator{}},
		{browser.PhaseDisconnected, Indicator{}},
	}
	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			assert.Equal(t, tt.want, PhaseIndicator(tt.phase))
		})
	}
}

func TestActionNode_NoConfig(t *testing.T) {
	n := NewActionNode(nil, browser.NewExecutor(), ActionSettings{}, nil)
	_, err := n.Handle(context.Background(), Message{})
	assert.ErrorIs(t, err, ErrNoConfig)
	assert.Equal(t, "error: no config", n.Status().Text)
}

func TestActionNode_NavigateFallbacks(t *testing.T) {
	tests := []struct {
		name     string
		settings ActionSettings
		msg      Message
		wantURL  string
		wantWait browser.WaitUntil
	}{
		{"node value wins", ActionSettings{Value: "https://a.test"}, Message{"url": "https://b.test", "payload": "https://c.test"}, "https://a.test", browser.WaitNetworkIdle},
		{"msg url", ActionSettings{}, Message{"url": "https://b.test", "payload": "https://c.test"}, "https://b.test", browser.WaitNetworkIdle},
		{"payload", ActionSettings{}, Message{"payload": "https://c.test"}, "https://c.test", browser.WaitNetworkIdle},
		{"no wait for navigation", ActionSettings{WaitForNavigation: browser.BoolPtr(false)}, Message{"payload": "https://c.test"}, "https://c.test", browser.WaitDOMContentLoaded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewActionNode(nil, browser.NewExecutor(), tt.settings, nil)
			req, _, err := n.request(tt.msg)
			require.NoError(t, err)
			nav, ok := req.(browser.Navigate)
			require.True(t, ok)
			assert.Equal(t, tt.wantURL, nav.URL)
			assert.Equal(t, tt.wantWait, nav.WaitUntil)
		})
	}
}

func TestActionNode_RequestResolution(t *testing.T) {
	click := NewActionNode(nil, nil, ActionSettings{Action: "click", WaitForSelector: "#form", WaitForTimeout: 500}, nil)
	req, _, err := click.request(Message{"selector": "#go"})
	require.NoError(t, err)
	assert.Equal(t, browser.Click{Selector: "#go", WaitSelector: "#form", Timeout: 500 * time.Millisecond}, req)

	fill := NewActionNode(nil, nil, ActionSettings{Action: "fill", Selector: "#q"}, nil)
	req, _, err = fill.request(Message{"payload": "hello"})
	require.NoError(t, err)
	assert.Equal(t, browser.Fill{Selector: "#q", Value: "hello", Timeout: DefaultWaitForTimeout}, req)

	shot := NewActionNode(nil, nil, ActionSettings{Action: "screenshot", Value: "full"}, nil)
	req, path, err := shot.request(Message{})
	require.NoError(t, err)
	assert.Equal(t, browser.Screenshot{FullPage: true}, req)
	assert.Empty(t, path)

	shot = NewActionNode(nil, nil, ActionSettings{Action: "screenshot", Value: "/tmp/page.png"}, nil)
	req, path, err = shot.request(Message{})
	require.NoError(t, err)
	assert.Equal(t, browser.Screenshot{}, req)
	assert.Equal(t, "/tmp/page.png", path)

	eval := NewActionNode(nil, nil, ActionSettings{Action: "evaluate"}, nil)
	req, _, err = eval.request(Message{"payload": "document.title"})
	require.NoError(t, err)
	assert.Equal(t, browser.EvaluateScript{Source: "document.title"}, req)

	bad := NewActionNode(nil, nil, ActionSettings{Action: "hover"}, nil)
	_, _, err = bad.request(Message{})
	assert.ErrorIs(t, err, browser.ErrValidation)
}

func TestActionNode_Handle(t *testing.T) {
	d := browsertest.New()
	d.SetResult("document.title", "Example Domain")
	cfg := newConfigNode(t, d, ConfigSettings{})
	e := browser.NewExecutor(browser.WithScriptPolicy(browser.ScriptsAllowed))

	nav := NewActionNode(cfg, e, ActionSettings{Action: "navigate"}, nil)
	out, err := nav.Handle(context.Background(), Message{"payload": "https://example.com", "topic": "t"})
	require.NoError(t, err)
	assert.Equal(t, "t", out["topic"])
	assert.Equal(t, successIndicator, nav.Status())

	path := filepath.Join(t.TempDir(), "shot.png")
	shot := NewActionNode(cfg, e, ActionSettings{Action: "screenshot", Value: path}, nil)
	out, err = shot.Handle(context.Background(), Message{})
	require.NoError(t, err)
	assert.Equal(t, browsertest.PNGSignature, out.Payload())
	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, browsertest.PNGSignature, written)

	eval := NewActionNode(cfg, e, ActionSettings{Action: "evaluate", Value: "document.title"}, nil)
	in := Message{"payload": "ignored"}
	out, err = eval.Handle(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "Example Domain", out.Payload())
	assert.Equal(t, "ignored", in.Payload(), "input message must not be modified")

	// one session shared by every node of the config
	assert.Equal(t, 3, d.Acquired())
}

func TestActionNode_FailureStatus(t *testing.T) {
	d := browsertest.New()
	d.SetElements()
	cfg := newConfigNode(t, d, ConfigSettings{})

	n := NewActionNode(cfg, browser.NewExecutor(), ActionSettings{Action: "click", Selector: "#missing"}, nil)
	_, err := n.Handle(context.Background(), Message{})
	assert.ErrorIs(t, err, browser.ErrElementNotFound)
	assert.Equal(t, errorIndicator, n.Status())
}

func TestActionNode_StatusClears(t *testing.T) {
	n := NewActionNode(nil, nil, ActionSettings{}, nil)
	n.setStatus(successIndicator, true)
	n.mu.Lock()
	n.statusAt = time.Now().Add(-statusClearAfter)
	n.mu.Unlock()
	assert.True(t, n.Status().IsZero())

	n.setStatus(errorIndicator, false)
	n.mu.Lock()
	n.statusAt = time.Now().Add(-time.Hour)
	n.mu.Unlock()
	assert.Equal(t, errorIndicator, n.Status())
}

func newRunner(d *browsertest.Driver, opts ...browser.ExecutorOption) *capture.Runner {
	return capture.NewRunner(browser.NewSessionManager(d), browser.NewExecutor(opts...),
		browser.LaunchConfig{Engine: browser.EngineChromium, Headless: true})
}

func TestScreenshotNode(t *testing.T) {
	d := browsertest.New()
	d.SetResult("document.title", "Example Domain")
	n := NewScreenshotNode(newRunner(d, browser.WithScriptPolicy(browser.ScriptsAllowed)),
		ScreenshotSettings{URL: "https://example.com", ScreenshotDelay: 1}, nil, nil)

	ok, failed := n.Handle(context.Background(), Message{})
	require.Nil(t, failed)
	require.NotNil(t, ok)

	payload := ok.Payload().(map[string]interface{})
	assert.Equal(t, true, payload["success"])
	assert.Equal(t, "https://example.com", payload["url"])
	assert.Equal(t, "Example Domain", payload["title"])
	data, err := base64.StdEncoding.DecodeString(payload["screenshot"].(string))
	require.NoError(t, err)
	assert.Equal(t, browsertest.JPEGSignature, data)
	assert.Zero(t, d.Live())
}

func TestScreenshotNode_TitleWithoutScripts(t *testing.T) {
	d := browsertest.New()
	n := NewScreenshotNode(newRunner(d), ScreenshotSettings{ScreenshotDelay: 1}, nil, nil)

	ok, failed := n.Handle(context.Background(), Message{"url": "https://example.com"})
	require.Nil(t, failed)
	assert.Equal(t, "", ok.Payload().(map[string]interface{})["title"])
	assert.Zero(t, d.CallCount(browsertest.OpEvaluate))
}

func TestScreenshotNode_Errors(t *testing.T) {
	d := browsertest.New()
	n := NewScreenshotNode(newRunner(d), ScreenshotSettings{}, nil, nil)

	ok, failed := n.Handle(context.Background(), Message{})
	assert.Nil(t, ok)
	require.NotNil(t, failed)
	assert.Equal(t, map[string]interface{}{"error": "URL is required"}, failed.Payload())

	_, failed = n.Handle(context.Background(), Message{"url": "example.com"})
	assert.Contains(t, failed.Payload().(map[string]interface{})["error"], "invalid URL format")
	assert.Zero(t, d.Acquired(), "invalid input must not launch a browser")
}

func TestPDFNode(t *testing.T) {
	d := browsertest.New()
	d.SetPDFPages(2)
	n := NewPDFNode(newRunner(d), PDFSettings{
		URL:    "https://example.com",
		Margin: `{"top":"1cm","bottom":"2cm"}`,
	}, nil, nil)

	ok, failed := n.Handle(context.Background(), Message{"landscape": true})
	require.Nil(t, failed)
	require.NotNil(t, ok)
	assert.Equal(t, 2, ok["pages"])
	doc, err := base64.StdEncoding.DecodeString(ok.Payload().(string))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-", string(doc[:5]))

	opts := d.LastPDFOptions()
	require.NotNil(t, opts)
	assert.Equal(t, "A4", opts.Format)
	assert.True(t, opts.PrintBackground)
	require.NotNil(t, opts.Margin)
	assert.Equal(t, browser.Margin{Top: "1cm", Bottom: "2cm"}, *opts.Margin)
	require.NotNil(t, opts.Landscape)
	assert.True(t, *opts.Landscape)
	assert.Nil(t, opts.HeaderTemplate)
}

func TestPDFNode_MessageOverrides(t *testing.T) {
	n := NewPDFNode(nil, PDFSettings{Format: "Letter", Margin: "{not json", HeaderTemplate: "<b>h</b>"}, nil, nil)
	assert.True(t, n.margin.IsZero(), "invalid margin setting falls back to empty")

	opts, wait, err := n.options(Message{
		"format":              "A3",
		"margin":              map[string]interface{}{"left": "10px"},
		"printBackground":     false,
		"displayHeaderFooter": true,
		"waitUntil":           "networkidle",
	})
	require.NoError(t, err)
	assert.Equal(t, browser.WaitNetworkIdle, wait)
	assert.Equal(t, "A3", opts.Format)
	assert.Equal(t, &browser.Margin{Left: "10px"}, opts.Margin)
	assert.False(t, *opts.PrintBackground)
	require.NotNil(t, opts.HeaderTemplate)
	assert.Equal(t, "<b>h</b>", *opts.HeaderTemplate)
	assert.Nil(t, opts.FooterTemplate)

	opts, _, err = n.options(Message{"margin": "{broken"})
	require.NoError(t, err)
	assert.Nil(t, opts.Margin)
	assert.Equal(t, "Letter", opts.Format)
	assert.Nil(t, opts.HeaderTemplate, "templates need displayHeaderFooter")

	_, _, err = n.options(Message{"waitUntil": "forever"})
	assert.Error(t, err)
}

func TestPDFNode_ErrorOutput(t *testing.T) {
	d := browsertest.New()
	d.Fail(browsertest.OpNavigate, errors.New("net::ERR_CONNECTION_REFUSED"))
	n := NewPDFNode(newRunner(d), PDFSettings{}, nil, nil)

	ok, failed := n.Handle(context.Background(), Message{"url": "https://down.test"})
	assert.Nil(t, ok)
	require.NotNil(t, failed)
	payload := failed.Payload().(map[string]interface{})
	assert.Equal(t, false, payload["success"])
	assert.Equal(t, "https://down.test", payload["url"])
	assert.Contains(t, payload["error"], "ERR_CONNECTION_REFUSED")
	assert.Zero(t, d.Live())
}

func TestPDFNode_HostNotAllowed(t *testing.T) {
	d := browsertest.New()
	hm, err := config.NewHostMatcher([]string{"example.com"}, nil)
	require.NoError(t, err)
	n := NewPDFNode(newRunner(d), PDFSettings{}, hm, nil)

	_, failed := n.Handle(context.Background(), Message{"url": "https://evil.test"})
	require.NotNil(t, failed)
	assert.Contains(t, failed.Payload().(map[string]interface{})["error"], "host not allowed")
	assert.Zero(t, d.Acquired())
}

func TestMessageAccessors(t *testing.T) {
	m := Message{"s": "x", "f": 1.5, "b": true, "bs": "false", "n": float64(42), "ns": "7", "raw": []byte("hi")}
	assert.Equal(t, "x", m.String("s"))
	assert.Equal(t, "1.5", m.String("f"))
	assert.Equal(t, "true", m.String("b"))
	assert.Equal(t, "hi", m.String("raw"))
	assert.Equal(t, "", m.String("missing"))

	v, ok := m.Bool("bs")
	assert.True(t, ok)
	assert.False(t, v)
	_, ok = m.Bool("n")
	assert.False(t, ok)

	i, ok := m.Int("n")
	assert.True(t, ok)
	assert.Equal(t, 42, i)
	i, ok = m.Int("ns")
	assert.True(t, ok)
	assert.Equal(t, 7, i)
}
