package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/browseract/pkg/browser"
	"github.com/entrhq/browseract/pkg/browser/browsertest"
)

func headless() browser.LaunchConfig {
	return browser.LaunchConfig{Engine: browser.EngineChromium, Headless: true}
}

func TestCollector_SessionPhases(t *testing.T) {
	c := NewWithRegistry(prometheus.NewRegistry())
	m := browser.NewSessionManager(browsertest.New(), browser.WithStatusObservers(c))

	s, err := m.Launch(context.Background(), headless())
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.sessions.WithLabelValues("ready")))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.sessions.WithLabelValues("launching")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.transitions.WithLabelValues("launching", "ready")))

	require.NoError(t, m.Close(context.Background(), s))

	assert.Equal(t, float64(0), testutil.ToFloat64(c.sessions.WithLabelValues("ready")))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.sessions.WithLabelValues("closed")))
	assert.Empty(t, c.phases)
}

func TestCollector_LaunchFailure(t *testing.T) {
	c := NewWithRegistry(prometheus.NewRegistry())
	d := browsertest.New()
	d.Fail(browsertest.OpNewPage, errors.New("page crashed"))
	m := browser.NewSessionManager(d, browser.WithStatusObservers(c))

	_, err := m.Launch(context.Background(), headless())
	require.Error(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.launchFailures))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.sessions.WithLabelValues("error")))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.sessions.WithLabelValues("launching")))
	assert.Empty(t, c.phases)
}

func TestCollector_RepeatedLaunchFailures(t *testing.T) {
	c := NewWithRegistry(prometheus.NewRegistry())
	d := browsertest.New()
	d.Fail(browsertest.OpLaunch, errors.New("chrome not found"))
	m := browser.NewSessionManager(d, browser.WithStatusObservers(c))

	for i := 0; i < 50; i++ {
		_, err := m.Launch(context.Background(), headless())
		require.Error(t, err)
	}

	assert.Empty(t, m.List())
	assert.Equal(t, float64(50), testutil.ToFloat64(c.launchFailures))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.sessions.WithLabelValues("error")))
	assert.Empty(t, c.phases)
}

func TestCollector_Actions(t *testing.T) {
	c := NewWithRegistry(prometheus.NewRegistry())
	d := browsertest.New()
	d.SetElements("#present")
	m := browser.NewSessionManager(d)
	e := browser.NewExecutor(browser.WithActionObservers(c))

	s, err := m.Launch(context.Background(), headless())
	require.NoError(t, err)
	defer m.Close(context.Background(), s)

	ctx := context.Background()
	require.True(t, e.Execute(ctx, s, browser.Navigate{URL: "https://example.com"}).OK())
	require.True(t, e.Execute(ctx, s, browser.Screenshot{}).OK())
	require.False(t, e.Execute(ctx, s, browser.Click{Selector: "#missing"}).OK())

	assert.Equal(t, float64(1), testutil.ToFloat64(c.actions.WithLabelValues("navigate", ResultOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.actions.WithLabelValues("screenshot", ResultOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.actions.WithLabelValues("click", string(browser.KindElementNotFound))))
	assert.Equal(t, 3, testutil.CollectAndCount(c.latency))
	assert.Equal(t, 1, testutil.CollectAndCount(c.payloadBytes))
}

func TestCollector_Handler(t *testing.T) {
	c := New()
	c.ObserveAction("s1", browser.OkNone(browser.ActionNavigate))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.Contains(text, `browseract_action_executed_total{action="navigate",result="ok"} 1`), text)
	assert.Contains(t, text, "go_goroutines")
}
