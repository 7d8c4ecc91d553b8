package browser

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// releaseTimeout bounds each handle release during close and rollback.
const releaseTimeout = 10 * time.Second

// SessionManager owns the lifecycle of browser sessions: it launches them
// through a Driver, keeps a registry of live sessions and tears them down.
type SessionManager struct {
	driver Driver
	logger *zap.Logger

	mu          sync.RWMutex
	sessions    map[string]*Session
	maxSessions int
	observers   []StatusObserver
	shutdown    bool
}

// ManagerOption configures a SessionManager.
type ManagerOption func(*SessionManager)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *SessionManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMaxSessions sets the maximum number of concurrently open sessions.
// Zero or less removes the limit.
func WithMaxSessions(n int) ManagerOption {
	return func(m *SessionManager) {
		m.maxSessions = n
	}
}

// WithStatusObservers attaches observers to every session launched by the manager.
func WithStatusObservers(observers ...StatusObserver) ManagerOption {
	return func(m *SessionManager) {
		m.observers = append(m.observers, observers...)
	}
}

// NewSessionManager creates a session manager on top of driver.
func NewSessionManager(driver Driver, opts ...ManagerOption) *SessionManager {
	m := &SessionManager{
		driver:      driver,
		logger:      zap.NewNop(),
		sessions:    make(map[string]*Session),
		maxSessions: DefaultMaxSessions,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("sessions")
	return m
}

// Launch starts a browser, opens a context and a page, and returns the ready
// session. If any step fails, the handles acquired so far are released in
// reverse order before the LaunchFailure is returned.
func (m *SessionManager) Launch(ctx context.Context, cfg LaunchConfig) (*Session, error) {
	if cfg.Engine == "" {
		cfg.Engine = EngineChromium
	}
	if err := cfg.Validate(); err != nil {
		return nil, validationFailure(err)
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}

	m.mu.RLock()
	if m.shutdown {
		m.mu.RUnlock()
		return nil, newFailure(KindLaunchFailure, nil, "session manager is shut down")
	}
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		m.mu.RUnlock()
		return nil, newFailure(KindLaunchFailure, nil, "maximum number of sessions (%d) reached", m.maxSessions)
	}
	m.mu.RUnlock()

	s := newSession(uuid.New().String(), cfg, m.observers...)
	s.driver = m.driver
	log := m.logger.With(zap.String("session", s.ID), zap.String("engine", string(cfg.Engine)))
	s.reporter.transition(PhaseLaunching, nil)
	log.Debug("Launching browser", zap.Bool("headless", cfg.Headless), zap.Duration("slow_motion", cfg.SlowMotion))

	browserHandle, err := m.driver.LaunchEngine(ctx, cfg.Engine, LaunchOptions{
		Headless:   cfg.Headless,
		SlowMotion: cfg.SlowMotion,
	})
	if err != nil {
		return nil, m.launchFailed(s, log, err, "failed to launch %s", cfg.Engine)
	}

	contextHandle, err := m.driver.NewContext(ctx, browserHandle, ContextOptions{Viewport: cfg.Viewport})
	if err != nil {
		m.releaseAll(ctx, log, browserHandle)
		return nil, m.launchFailed(s, log, err, "failed to create browser context")
	}

	pageHandle, err := m.driver.NewPage(ctx, contextHandle, PageOptions{DefaultTimeout: cfg.DefaultTimeout})
	if err != nil {
		m.releaseAll(ctx, log, contextHandle, browserHandle)
		return nil, m.launchFailed(s, log, err, "failed to create page")
	}

	s.mu.Lock()
	s.browser = browserHandle
	s.context = contextHandle
	s.page = pageHandle
	s.mu.Unlock()

	m.mu.Lock()
	if m.shutdown || (m.maxSessions > 0 && len(m.sessions) >= m.maxSessions) {
		m.mu.Unlock()
		m.releaseAll(ctx, log, pageHandle, contextHandle, browserHandle)
		return nil, m.launchFailed(s, log, nil, "session limit reached while launching")
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	s.reporter.transition(PhaseReady, nil)
	log.Info("Browser session ready")
	return s, nil
}

func (m *SessionManager) launchFailed(s *Session, log *zap.Logger, cause error, format string, args ...interface{}) *Failure {
	f := newFailure(KindLaunchFailure, cause, format, args...)
	if cause != nil {
		f.Message = fmt.Sprintf("%s: %v", f.Message, cause)
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.reporter.transition(PhaseError, f)
	s.reporter.closeSubscribers()
	log.Error("Browser launch failed", zap.Error(f))
	return f
}

// releaseAll closes handles in the given order with a context that survives
// cancellation of the caller's context. Errors are joined.
func (m *SessionManager) releaseAll(ctx context.Context, log *zap.Logger, handles ...Handle) error {
	var errs []error
	for _, h := range handles {
		if h == nil {
			continue
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		if err := m.driver.CloseHandle(rctx, h); err != nil {
			log.Warn("Failed to release browser handle", zap.Error(err))
			errs = append(errs, err)
		}
		cancel()
	}
	return errors.Join(errs...)
}

// Close tears a session down: any in-flight action is canceled, then page,
// context and browser are released in that order. Closing an already-closed
// session is a no-op. Release errors are returned joined, but every handle is
// still released.
func (m *SessionManager) Close(ctx context.Context, s *Session) error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	page, bctx, browser := s.page, s.context, s.browser
	s.page, s.context, s.browser = nil, nil, nil
	s.mu.Unlock()

	s.cancel()

	log := m.logger.With(zap.String("session", s.ID))
	err := m.releaseAll(ctx, log, page, bctx, browser)

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	s.reporter.transition(PhaseClosed, err)
	s.reporter.closeSubscribers()
	log.Info("Browser session closed")

	if err != nil {
		return fmt.Errorf("errors closing session %s: %w", s.ID, err)
	}
	return nil
}

// Get retrieves an open session by ID.
func (m *SessionManager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q not found", id)
	}
	return s, nil
}

// List returns information about all open sessions, oldest first.
func (m *SessionManager) List() []SessionInfo {
	m.mu.RLock()
	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// HasSessions returns true if there are any open sessions.
func (m *SessionManager) HasSessions() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions) > 0
}

func (m *SessionManager) snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// CloseAll closes every open session.
func (m *SessionManager) CloseAll(ctx context.Context) error {
	var errs []error
	for _, s := range m.snapshot() {
		if err := m.Close(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CleanupIdle closes sessions with no action for longer than maxIdle.
// Sessions with an action in flight are skipped. It returns the number of
// sessions closed.
func (m *SessionManager) CleanupIdle(ctx context.Context, maxIdle time.Duration) (int, error) {
	now := time.Now()
	var errs []error
	closed := 0
	for _, s := range m.snapshot() {
		if now.Sub(s.idleSince()) <= maxIdle {
			continue
		}
		// holding the claim keeps an action from starting during Close
		if !s.claim() {
			continue
		}
		m.logger.Debug("Closing idle session", zap.String("session", s.ID))
		err := m.Close(ctx, s)
		s.busy.Store(false)
		if err != nil {
			errs = append(errs, err)
		}
		closed++
	}
	return closed, errors.Join(errs...)
}

// Shutdown closes all sessions, refuses further launches and stops the
// driver if it owns a runtime.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()

	err := m.CloseAll(ctx)
	if stopper, ok := m.driver.(Stopper); ok {
		if stopErr := stopper.Stop(); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to stop driver: %w", stopErr))
		}
	}
	return err
}
