package flow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/entrhq/browseract/pkg/browser"
)

// DefaultWaitForTimeout bounds wait-for-selector and the action itself.
const DefaultWaitForTimeout = 30 * time.Second

// statusClearAfter is how long the success indicator stays visible.
const statusClearAfter = 2 * time.Second

// ErrNoConfig is returned by action nodes without a config node.
var ErrNoConfig = errors.New("no browser configuration")

// ActionSettings are the user-facing settings of an action node.
type ActionSettings struct {
	// Action is one of navigate, click, fill, screenshot, evaluate (default navigate)
	Action   string `json:"action" yaml:"action"`
	Selector string `json:"selector" yaml:"selector"`
	Value    string `json:"value" yaml:"value"`

	// WaitForNavigation waits for network idle instead of DOMContentLoaded (default true)
	WaitForNavigation *bool `json:"waitForNavigation,omitempty" yaml:"wait_for_navigation,omitempty"`

	WaitForSelector string `json:"waitForSelector" yaml:"wait_for_selector"`

	// WaitForTimeout is in milliseconds (default 30000)
	WaitForTimeout int `json:"waitForTimeout" yaml:"wait_for_timeout"`
}

// ActionNode runs one action per message on its config node's session.
type ActionNode struct {
	config   *ConfigNode
	executor *browser.Executor
	settings ActionSettings
	logger   *zap.Logger

	mu        sync.Mutex
	status    Indicator
	statusAt  time.Time
	clearable bool
}

// NewActionNode creates an action node. A nil config is accepted so that
// the node can report the missing configuration on every message.
func NewActionNode(config *ConfigNode, e *browser.Executor, settings ActionSettings, logger *zap.Logger) *ActionNode {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.Action == "" {
		settings.Action = string(browser.ActionNavigate)
	}
	return &ActionNode{
		config:   config,
		executor: e,
		settings: settings,
		logger:   logger.With(zap.String("action", settings.Action)),
	}
}

// Handle runs the node's action for msg. On success the returned message is
// a copy of msg with screenshot bytes or the evaluated value as payload.
func (n *ActionNode) Handle(ctx context.Context, msg Message) (Message, error) {
	if n.config == nil {
		n.setStatus(noConfigIndicator, false)
		return nil, ErrNoConfig
	}

	s, err := n.config.Session(ctx)
	if err != nil {
		n.setStatus(errorIndicator, false)
		return nil, err
	}

	req, path, err := n.request(msg)
	if err != nil {
		n.setStatus(errorIndicator, false)
		return nil, err
	}

	res := n.executor.Execute(ctx, s, req)
	if !res.OK() {
		n.setStatus(errorIndicator, false)
		n.logger.Error("Browser action failed", zap.String("session", s.ID), zap.Error(res.Err()))
		return nil, res.Err()
	}

	out := msg.Clone()
	switch p := res.Payload(); p.Kind {
	case browser.PayloadImage:
		if path != "" {
			if err := os.WriteFile(path, p.Data, 0600); err != nil {
				n.setStatus(errorIndicator, false)
				return nil, fmt.Errorf("failed to write screenshot: %w", err)
			}
		}
		out[KeyPayload] = p.Data
	case browser.PayloadScalar:
		out[KeyPayload] = p.Value
	}

	n.setStatus(successIndicator, true)
	return out, nil
}

// request resolves node settings and message properties into a request.
// For screenshots the second return is the file to write, if any.
func (n *ActionNode) request(msg Message) (browser.ActionRequest, string, error) {
	cfg := n.settings
	timeout := DefaultWaitForTimeout
	if cfg.WaitForTimeout > 0 {
		timeout = time.Duration(cfg.WaitForTimeout) * time.Millisecond
	}

	switch browser.ActionKind(strings.ToLower(cfg.Action)) {
	case browser.ActionNavigate:
		wait := browser.WaitNetworkIdle
		if cfg.WaitForNavigation != nil && !*cfg.WaitForNavigation {
			wait = browser.WaitDOMContentLoaded
		}
		url := firstNonEmpty(cfg.Value, msg.String(KeyURL), msg.String(KeyPayload))
		return browser.Navigate{URL: url, WaitUntil: wait}, "", nil

	case browser.ActionClick:
		return browser.Click{
			Selector:     firstNonEmpty(cfg.Selector, msg.String(KeySelector), msg.String(KeyPayload)),
			WaitSelector: cfg.WaitForSelector,
			Timeout:      timeout,
		}, "", nil

	case browser.ActionFill:
		return browser.Fill{
			Selector:     firstNonEmpty(cfg.Selector, msg.String(KeySelector)),
			Value:        firstNonEmpty(cfg.Value, msg.String(KeyValue), msg.String(KeyPayload)),
			WaitSelector: cfg.WaitForSelector,
			Timeout:      timeout,
		}, "", nil

	case browser.ActionScreenshot:
		// value "full" captures the whole page; any other value is a file path
		full := cfg.Value == "full"
		path := ""
		if cfg.Value != "" && !full {
			path = cfg.Value
		}
		return browser.Screenshot{FullPage: full}, path, nil

	case browser.ActionEvaluate:
		return browser.EvaluateScript{Source: firstNonEmpty(cfg.Value, msg.String(KeyPayload))}, "", nil

	default:
		return nil, "", &browser.Failure{
			Kind:    browser.KindValidation,
			Message: fmt.Sprintf("unknown action: %s (must be 'navigate', 'click', 'fill', 'screenshot', or 'evaluate')", cfg.Action),
		}
	}
}

func (n *ActionNode) setStatus(i Indicator, clearable bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status = i
	n.statusAt = time.Now()
	n.clearable = clearable
}

// Status returns the node's indicator. The success indicator clears itself
// two seconds after the action.
func (n *ActionNode) Status() Indicator {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.clearable && time.Since(n.statusAt) >= statusClearAfter {
		return Indicator{}
	}
	return n.status
}
