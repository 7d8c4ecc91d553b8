package browser

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Session represents one live browser, browsing context and page triple.
// The handles are owned exclusively by the session; callers interact with
// them only through the Executor.
type Session struct {
	// ID is the unique identifier for this session
	ID string

	config   LaunchConfig
	reporter *Reporter
	driver   Driver

	mu          sync.Mutex
	browser     Handle
	context     Handle
	page        Handle
	closed      bool
	createdAt   time.Time
	lastUsedAt  time.Time
	currentURL  string
	actionCount int

	// busy is claimed by the executor for the duration of one action
	busy atomic.Bool

	// lifetime is canceled when the session is closed, aborting any in-flight action
	lifetime context.Context
	cancel   context.CancelFunc
}

// SessionInfo contains metadata about a browser session.
type SessionInfo struct {
	ID          string    `json:"id"`
	Engine      Engine    `json:"engine"`
	Headless    bool      `json:"headless"`
	Phase       Phase     `json:"phase"`
	CurrentURL  string    `json:"current_url"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
	ActionCount int       `json:"action_count"`
}

func newSession(id string, cfg LaunchConfig, observers ...StatusObserver) *Session {
	lifetime, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Session{
		ID:         id,
		config:     cfg,
		reporter:   newReporter(id, observers...),
		createdAt:  now,
		lastUsedAt: now,
		currentURL: "about:blank",
		lifetime:   lifetime,
		cancel:     cancel,
	}
}

// Engine returns the engine the session was launched with.
func (s *Session) Engine() Engine { return s.config.Engine }

// Config returns a copy of the launch configuration.
func (s *Session) Config() LaunchConfig { return s.config }

// Status returns the read-only lifecycle view of the session.
func (s *Session) Status() Status { return s.reporter }

// Phase is shorthand for Status().Phase().
func (s *Session) Phase() Phase { return s.reporter.Phase() }

// CurrentURL returns the URL of the last successful navigation.
func (s *Session) CurrentURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentURL
}

// Info returns a snapshot of session metadata.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:          s.ID,
		Engine:      s.config.Engine,
		Headless:    s.config.Headless,
		Phase:       s.reporter.Phase(),
		CurrentURL:  s.currentURL,
		CreatedAt:   s.createdAt,
		LastUsedAt:  s.lastUsedAt,
		ActionCount: s.actionCount,
	}
}

// pageHandle returns the page handle, or nil once closed.
func (s *Session) pageHandle() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.page
}

// beginAction moves the session to busy and returns the page and driver to
// act on. It fails once the session is closed.
func (s *Session) beginAction() (Handle, Driver, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.page == nil {
		return nil, nil, false
	}
	s.reporter.transition(PhaseBusy, nil)
	return s.page, s.driver, true
}

// endAction returns the session to ready unless it was closed meanwhile.
func (s *Session) endAction() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.reporter.transition(PhaseReady, nil)
	}
}

// claim marks the session busy. It fails if another action is outstanding.
func (s *Session) claim() bool {
	return s.busy.CompareAndSwap(false, true)
}

// release clears busy and records usage.
func (s *Session) release() {
	s.mu.Lock()
	s.lastUsedAt = time.Now()
	s.actionCount++
	s.mu.Unlock()
	s.busy.Store(false)
}

func (s *Session) setCurrentURL(u string) {
	s.mu.Lock()
	s.currentURL = u
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsedAt
}
