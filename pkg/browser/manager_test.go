package browser_test

import (
	"context"
	"errors"
	"sync"
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

func headless() browser.LaunchConfig {
	return browser.LaunchConfig{Engine: browser.EngineChromium, Headless: true}
}

func launch(t *testing.T, m *browser.SessionManager, cfg browser.LaunchConfig) *browser.Session {
	t.Helper()
	s, err := m.Launch(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background(), s) })
	return s
}

func TestLaunch_Ready(t *testing.T) {
	d := browsertest.New()
	m := browser.NewSessionManager(d)

	s := launch(t, m, headless())

	assert.Equal(t, browser.PhaseReady, s.Phase())
	assert.Equal(t, browser.EngineChromium, s.Engine())
	assert.Equal(t, "about:blank", s.CurrentURL())
	assert.Equal(t, browser.DefaultTimeout, s.Config().DefaultTimeout)
	assert.Equal(t, 3, d.Live())
	assert.True(t, m.HasSessions())

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)
}

func TestLaunch_DefaultsEngine(t *testing.T) {
	d := browsertest.New()
	m := browser.NewSessionManager(d)

	s := launch(t, m, browser.LaunchConfig{Headless: true})
	assert.Equal(t, browser.EngineChromium, s.Engine())
}

func TestLaunch_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  browser.LaunchConfig
	}{
		{"unknown engine", browser.LaunchConfig{Engine: "netscape"}},
		{"negative slow motion", browser.LaunchConfig{SlowMotion: -time.Second}},
		{"negative timeout", browser.LaunchConfig{DefaultTimeout: -time.Second}},
		{"zero viewport", browser.LaunchConfig{Viewport: &browser.Viewport{Width: 0, Height: 600}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := browsertest.New()
			m := browser.NewSessionManager(d)

			s, err := m.Launch(context.Background(), tt.cfg)
			assert.Nil(t, s)
			assert.ErrorIs(t, err, browser.ErrValidation)
			assert.Equal(t, 0, d.Acquired())
		})
	}
}

func TestLaunch_RollbackOnFailure(t *testing.T) {
	tests := []struct {
		name         string
		failAt       browsertest.Op
		wantClosed   []string
		wantAcquired int
	}{
		{"browser", browsertest.OpLaunch, []string{}, 0},
		{"context", browsertest.OpNewContext, []string{"browser"}, 1},
		{"page", browsertest.OpNewPage, []string{"context", "browser"}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := browsertest.New()
			d.Fail(tt.failAt, errors.New("boom"))
			m := browser.NewSessionManager(d)

			s, err := m.Launch(context.Background(), headless())
			assert.Nil(t, s)
			require.Error(t, err)
			assert.ErrorIs(t, err, browser.ErrLaunchFailure)
			assert.Contains(t, err.Error(), "boom")

			assert.Equal(t, tt.wantAcquired, d.Acquired())
			assert.Equal(t, 0, d.Live())
			assert.Equal(t, tt.wantClosed, d.ClosedKinds())
			assert.False(t, m.HasSessions())
		})
	}
}

func TestLaunch_FailureReportsErrorPhase(t *testing.T) {
	d := browsertest.New()
	d.Fail(browsertest.OpLaunch, errors.New("no executable"))
	obs := &recordingObserver{}
	m := browser.NewSessionManager(d, browser.WithStatusObservers(obs))

	_, err := m.Launch(context.Background(), headless())
	require.Error(t, err)

	phases := obs.phases()
	assert.Equal(t, []browser.Phase{browser.PhaseLaunching, browser.PhaseError}, phases)
	assert.ErrorIs(t, obs.last().Err, browser.ErrLaunchFailure)
}

func TestLaunch_MaxSessions(t *testing.T) {
	d := browsertest.New()
	m := browser.NewSessionManager(d, browser.WithMaxSessions(1))

	launch(t, m, headless())

	_, err := m.Launch(context.Background(), headless())
	assert.ErrorIs(t, err, browser.ErrLaunchFailure)
	assert.Contains(t, err.Error(), "maximum number of sessions")
	assert.Equal(t, 3, d.Live())
}

func TestClose_ReleasesInOrder(t *testing.T) {
	d := browsertest.New()
	m := browser.NewSessionManager(d)

	s, err := m.Launch(context.Background(), headless())
	require.NoError(t, err)

	require.NoError(t, m.Close(context.Background(), s))

	assert.Equal(t, []string{"page", "context", "browser"}, d.ClosedKinds())
	assert.Equal(t, 0, d.Live())
	assert.Equal(t, browser.PhaseClosed, s.Phase())
	assert.False(t, m.HasSessions())

	_, err = m.Get(s.ID)
	assert.Error(t, err)
}

func TestClose_Idempotent(t *testing.T) {
	d := browsertest.New()
	m := browser.NewSessionManager(d)

	s, err := m.Launch(context.Background(), headless())
	require.NoError(t, err)

	require.NoError(t, m.Close(context.Background(), s))
	require.NoError(t, m.Close(context.Background(), s))
	require.NoError(t, m.Close(context.Background(), nil))

	assert.Equal(t, 3, d.Released())
	assert.Equal(t, browser.PhaseClosed, s.Phase())
}

func TestClose_ReleaseErrorsStillReleaseAll(t *testing.T) {
	d := browsertest.New()
	m := browser.NewSessionManager(d)

	s, err := m.Launch(context.Background(), headless())
	require.NoError(t, err)

	d.Fail(browsertest.OpClose, errors.New("socket gone"))
	err = m.Close(context.Background(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "socket gone")

	assert.Equal(t, 0, d.Live())
	assert.Equal(t, browser.PhaseClosed, s.Phase())
	assert.Error(t, s.Status().LastError())
}

func TestClose_WithCanceledContext(t *testing.T) {
	d := browsertest.New()
	m := browser.NewSessionManager(d)

	s, err := m.Launch(context.Background(), headless())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.Close(ctx, s))
	assert.Equal(t, 0, d.Live())
}

func TestLaunchClose_ConcurrentBalanced(t *testing.T) {
	d := browsertest.New()
	m := browser.NewSessionManager(d, browser.WithMaxSessions(0))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Launch(context.Background(), headless())
			if err != nil {
				return
			}
			_ = m.Close(context.Background(), s)
		}()
	}
	wg.Wait()

	assert.Equal(t, 60, d.Acquired())
	assert.Equal(t, d.Acquired(), d.Released())
	assert.Equal(t, 0, d.Live())
}

func TestList_OldestFirst(t *testing.T) {
	d := browsertest.New()
	m := browser.NewSessionManager(d)

	first := launch(t, m, headless())
	time.Sleep(2 * time.Millisecond)
	second := launch(t, m, browser.LaunchConfig{Engine: browser.EngineFirefox})

	infos := m.List()
	require.Len(t, infos, 2)
	assert.Equal(t, first.ID, infos[0].ID)
	assert.Equal(t, second.ID, infos[1].ID)
	assert.Equal(t, browser.EngineFirefox, infos[1].Engine)
	assert.Equal(t, browser.PhaseReady, infos[0].Phase)
}

func TestCleanupIdle(t *testing.T) {
	d := browsertest.New()
	m := browser.NewSessionManager(d)

	s, err := m.Launch(context.Background(), headless())
	require.NoError(t, err)

	n, err := m.CleanupIdle(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	time.Sleep(5 * time.Millisecond)
	n, err = m.CleanupIdle(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, browser.PhaseClosed, s.Phase())
}

func TestCleanupIdle_SkipsBusySession(t *testing.T) {
	d := browsertest.New()
	m := browser.NewSessionManager(d)
	e := browser.NewExecutor()
	s := launch(t, m, headless())

	started, release := d.Block(browsertest.OpNavigate)
	done := make(chan browser.ActionResult, 1)
	go func() {
		done <- e.Execute(context.Background(), s, browser.Navigate{URL: "https://example.com"})
	}()
	<-started
	time.Sleep(5 * time.Millisecond)

	n, err := m.CleanupIdle(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, browser.PhaseBusy, s.Phase())

	release()
	r := <-done
	assert.True(t, r.OK(), "navigate: %v", r.Err())
	assert.Equal(t, browser.PhaseReady, s.Phase())
}

func TestCleanupIdle_ClosedSessionRefusesActions(t *testing.T) {
	m := browser.NewSessionManager(browsertest.New())
	e := browser.NewExecutor()

	s, err := m.Launch(context.Background(), headless())
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	n, err := m.CleanupIdle(context.Background(), time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	r := e.Execute(context.Background(), s, browser.Navigate{URL: "https://example.com"})
	assert.Equal(t, browser.KindSessionNotReady, r.Failure().Kind)
}

func TestSubscribe_AfterClose(t *testing.T) {
	m := browser.NewSessionManager(browsertest.New())
	s, err := m.Launch(context.Background(), headless())
	require.NoError(t, err)

	live, stop := s.Status().Subscribe()
	defer stop()
	require.NoError(t, m.Close(context.Background(), s))

	var last browser.Transition
	for tr := range live {
		last = tr
	}
	assert.Equal(t, browser.PhaseClosed, last.To)

	late, stopLate := s.Status().Subscribe()
	stopLate()
	select {
	case _, ok := <-late:
		assert.False(t, ok, "no transitions follow close")
	case <-time.After(time.Second):
		t.Fatal("subscription on a closed session was never closed")
	}
}

func TestShutdown(t *testing.T) {
	d := browsertest.New()
	m := browser.NewSessionManager(d)

	_, err := m.Launch(context.Background(), headless())
	require.NoError(t, err)
	_, err = m.Launch(context.Background(), headless())
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, 0, d.Live())
	assert.Equal(t, 1, d.Stops())

	_, err = m.Launch(context.Background(), headless())
	assert.ErrorIs(t, err, browser.ErrLaunchFailure)
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []browser.Transition
}

func (o *recordingObserver) ObserveTransition(t browser.Transition) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, t)
}

func (o *recordingObserver) phases() []browser.Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]browser.Phase, len(o.transitions))
	for i, t := range o.transitions {
		out[i] = t.To
	}
	return out
}

func (o *recordingObserver) last() browser.Transition {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transitions[len(o.transitions)-1]
}
