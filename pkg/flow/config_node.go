package flow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/entrhq/browseract/pkg/browser"
)

// ConfigSettings are the user-facing settings of a config node.
type ConfigSettings struct {
	Name        string `json:"name" yaml:"name"`
	BrowserType string `json:"browserType" yaml:"browser_type"`

	// Headless defaults to true
	Headless *bool `json:"headless,omitempty" yaml:"headless,omitempty"`

	// SlowMo is the delay before each interaction in milliseconds
	SlowMo int `json:"slowMo" yaml:"slow_mo"`
}

// LaunchConfig converts the settings. Unknown browser types are reported
// when the session is launched.
func (s ConfigSettings) LaunchConfig() browser.LaunchConfig {
	headless := true
	if s.Headless != nil {
		headless = *s.Headless
	}
	slow := s.SlowMo
	if slow < 0 {
		slow = 0
	}
	engine, err := browser.ParseEngine(s.BrowserType)
	if err != nil {
		engine = browser.Engine(s.BrowserType)
	}
	return browser.LaunchConfig{
		Engine:     engine,
		Headless:   headless,
		SlowMotion: time.Duration(slow) * time.Millisecond,
	}
}

// ConfigNode owns one browser session shared by the action nodes that
// reference it. The session is launched on first use and relaunched after
// it was closed or failed.
type ConfigNode struct {
	manager  *browser.SessionManager
	settings ConfigSettings
	logger   *zap.Logger

	mu      sync.Mutex
	session *browser.Session
	lastErr error
}

// NewConfigNode creates a config node. No browser is started until Session
// is called.
func NewConfigNode(m *browser.SessionManager, settings ConfigSettings, logger *zap.Logger) *ConfigNode {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigNode{
		manager:  m,
		settings: settings,
		logger:   logger.With(zap.String("node", settings.Name)),
	}
}

// Session returns the node's session, launching it if needed.
func (n *ConfigNode) Session(ctx context.Context) (*browser.Session, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if s := n.session; s != nil {
		switch s.Phase() {
		case browser.PhaseReady, browser.PhaseBusy:
			return s, nil
		}
		// closed or failed sessions are replaced
		n.session = nil
	}

	s, err := n.manager.Launch(ctx, n.settings.LaunchConfig())
	if err != nil {
		n.lastErr = err
		n.logger.Error("Failed to launch browser", zap.Error(err))
		return nil, err
	}
	n.session = s
	n.lastErr = nil
	return s, nil
}

// Close releases the node's session. Safe to call when nothing was launched.
func (n *ConfigNode) Close(ctx context.Context) error {
	n.mu.Lock()
	s := n.session
	n.session = nil
	n.mu.Unlock()

	if s == nil {
		return nil
	}
	return n.manager.Close(ctx, s)
}

// Status renders the node's indicator from the session phase. A node with
// no session shows an empty indicator, or red after a failed launch.
func (n *ConfigNode) Status() Indicator {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.session == nil {
		if n.lastErr != nil {
			return errorIndicator
		}
		return Indicator{}
	}
	return PhaseIndicator(n.session.Phase())
}
