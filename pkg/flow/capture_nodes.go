package flow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/entrhq/browseract/pkg/browser"
	"github.com/entrhq/browseract/pkg/capture"
)

// URLChecker vets navigation targets before a session is launched.
type URLChecker interface {
	CheckURL(raw string) error
}

// DefaultScreenshotDelay is the pause between load and capture.
const DefaultScreenshotDelay = time.Second

// ScreenshotSettings configure a screenshot node.
type ScreenshotSettings struct {
	URL string `json:"url" yaml:"url"`

	// ScreenshotDelay is in milliseconds (default 1000)
	ScreenshotDelay int `json:"screenshotDelay" yaml:"screenshot_delay"`
}

// ScreenshotNode captures a full-page JPEG of msg.url or the configured
// URL in a fresh session.
type ScreenshotNode struct {
	runner   *capture.Runner
	settings ScreenshotSettings
	checker  URLChecker
	logger   *zap.Logger
}

// NewScreenshotNode creates a screenshot node. checker may be nil.
func NewScreenshotNode(r *capture.Runner, settings ScreenshotSettings, checker URLChecker, logger *zap.Logger) *ScreenshotNode {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScreenshotNode{runner: r, settings: settings, checker: checker, logger: logger}
}

// Handle captures the page. Exactly one of the returned messages is
// non-nil: success carries {success, url, title, screenshot(base64)},
// failure carries {error}.
func (n *ScreenshotNode) Handle(ctx context.Context, msg Message) (success, failure Message) {
	url := firstNonEmpty(msg.String(KeyURL), n.settings.URL)
	delay := time.Duration(n.settings.ScreenshotDelay) * time.Millisecond
	if ms, ok := msg.Int("screenshotDelay"); ok && ms > 0 {
		delay = time.Duration(ms) * time.Millisecond
	}
	if delay <= 0 {
		delay = DefaultScreenshotDelay
	}

	if err := checkURL(url, n.checker); err != nil {
		return nil, n.fail(msg, err)
	}

	job := titledScreenshot{ScreenshotJob: capture.NewScreenshotJob(url)}
	job.Delay = delay

	a, err := n.runner.Run(ctx, &job)
	if err != nil {
		return nil, n.fail(msg, err)
	}

	out := msg.Clone()
	out[KeyPayload] = map[string]interface{}{
		"success":    true,
		"url":        url,
		"title":      job.title,
		"screenshot": base64.StdEncoding.EncodeToString(a.Data),
	}
	return out, nil
}

func (n *ScreenshotNode) fail(msg Message, err error) Message {
	n.logger.Error("Screenshot failed", zap.Error(err))
	out := msg.Clone()
	out[KeyPayload] = map[string]interface{}{"error": err.Error()}
	return out
}

// titledScreenshot also reads the page title. The title is left empty when
// script evaluation is disabled.
type titledScreenshot struct {
	capture.ScreenshotJob
	title string
}

func (j *titledScreenshot) Run(ctx context.Context, e *browser.Executor, s *browser.Session) (*capture.Artifact, error) {
	a, err := j.ScreenshotJob.Run(ctx, e, s)
	if err != nil {
		return nil, err
	}
	if res := e.Execute(ctx, s, browser.EvaluateScript{Source: "document.title"}); res.OK() {
		j.title, _ = res.Payload().Value.(string)
	}
	return a, nil
}

// PDFSettings configure a PDF node. Margin is a JSON object of CSS lengths,
// e.g. {"top":"1cm"}.
type PDFSettings struct {
	URL                 string `json:"url" yaml:"url"`
	WaitUntil           string `json:"waitUntil" yaml:"wait_until"`
	Format              string `json:"format" yaml:"format"`
	Margin              string `json:"margin" yaml:"margin"`
	PrintBackground     *bool  `json:"printBackground,omitempty" yaml:"print_background,omitempty"`
	DisplayHeaderFooter *bool  `json:"displayHeaderFooter,omitempty" yaml:"display_header_footer,omitempty"`
	HeaderTemplate      string `json:"headerTemplate" yaml:"header_template"`
	FooterTemplate      string `json:"footerTemplate" yaml:"footer_template"`
	PreferCSSPageSize   *bool  `json:"preferCSSPageSize,omitempty" yaml:"prefer_css_page_size,omitempty"`
	Landscape           *bool  `json:"landscape,omitempty" yaml:"landscape,omitempty"`
}

// PDFNode prints msg.url or the configured URL to PDF in a fresh session.
type PDFNode struct {
	runner   *capture.Runner
	settings PDFSettings
	margin   browser.Margin
	checker  URLChecker
	logger   *zap.Logger
}

// NewPDFNode creates a PDF node. An invalid margin setting is replaced by
// an empty margin with a warning.
func NewPDFNode(r *capture.Runner, settings PDFSettings, checker URLChecker, logger *zap.Logger) *PDFNode {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &PDFNode{runner: r, settings: settings, checker: checker, logger: logger}
	if settings.Margin != "" {
		m, err := parseMargin(settings.Margin)
		if err != nil {
			logger.Warn("Invalid margin JSON, using default", zap.String("margin", settings.Margin), zap.Error(err))
		} else {
			n.margin = m
		}
	}
	return n
}

// Handle renders the page. Exactly one of the returned messages is
// non-nil: success carries the base64 document as payload, failure carries
// {success:false, error, url}.
func (n *PDFNode) Handle(ctx context.Context, msg Message) (success, failure Message) {
	url := firstNonEmpty(msg.String(KeyURL), n.settings.URL)
	if err := checkURL(url, n.checker); err != nil {
		return nil, n.fail(msg, url, err)
	}

	opts, wait, err := n.options(msg)
	if err != nil {
		return nil, n.fail(msg, url, err)
	}

	a, err := n.runner.Run(ctx, capture.PDFJob{URL: url, WaitUntil: wait, Options: opts})
	if err != nil {
		return nil, n.fail(msg, url, err)
	}

	out := msg.Clone()
	out[KeyPayload] = base64.StdEncoding.EncodeToString(a.Data)
	out["pages"] = a.Pages
	return out, nil
}

// options resolves message properties over node settings over defaults.
func (n *PDFNode) options(msg Message) (browser.CapturePDF, browser.WaitUntil, error) {
	cfg := n.settings

	wait, err := browser.ParseWaitUntil(firstNonEmpty(msg.String("waitUntil"), cfg.WaitUntil))
	if err != nil {
		return browser.CapturePDF{}, "", err
	}

	opts := browser.CapturePDF{
		Format:              firstNonEmpty(msg.String("format"), cfg.Format, browser.DefaultPDFFormat),
		PrintBackground:     pickBool(msg, "printBackground", cfg.PrintBackground, true),
		DisplayHeaderFooter: pickBool(msg, "displayHeaderFooter", cfg.DisplayHeaderFooter, false),
		PreferCSSPageSize:   pickBool(msg, "preferCSSPageSize", cfg.PreferCSSPageSize, false),
		Landscape:           pickBool(msg, "landscape", cfg.Landscape, false),
	}

	margin := n.margin
	if v, ok := msg["margin"]; ok {
		// unparseable message margins fall back to no margin
		margin, _ = marginFrom(v)
	}
	if !margin.IsZero() {
		opts.Margin = &margin
	}

	// templates only matter when header and footer are displayed
	if *opts.DisplayHeaderFooter {
		if h := firstNonEmpty(msg.String("headerTemplate"), cfg.HeaderTemplate); h != "" {
			opts.HeaderTemplate = &h
		}
		if f := firstNonEmpty(msg.String("footerTemplate"), cfg.FooterTemplate); f != "" {
			opts.FooterTemplate = &f
		}
	}
	return opts, wait, nil
}

func (n *PDFNode) fail(msg Message, url string, err error) Message {
	n.logger.Error("PDF generation failed", zap.String("url", url), zap.Error(err))
	out := msg.Clone()
	out[KeyPayload] = map[string]interface{}{
		"success": false,
		"error":   err.Error(),
		"url":     url,
	}
	return out
}

// checkURL requires a well-formed absolute URL permitted by checker.
func checkURL(url string, checker URLChecker) error {
	if url == "" {
		return errors.New("URL is required")
	}
	if err := browser.ValidateURL(url); err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if checker != nil {
		return checker.CheckURL(url)
	}
	return nil
}

// pickBool returns the message property, else the setting, else def.
func pickBool(msg Message, key string, setting *bool, def bool) *bool {
	if v, ok := msg.Bool(key); ok {
		return &v
	}
	if setting != nil {
		v := *setting
		return &v
	}
	return &def
}

func parseMargin(s string) (browser.Margin, error) {
	var m browser.Margin
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return browser.Margin{}, err
	}
	return m, nil
}

// marginFrom accepts a JSON string or an object of CSS lengths.
func marginFrom(v interface{}) (browser.Margin, error) {
	switch m := v.(type) {
	case string:
		return parseMargin(m)
	case browser.Margin:
		return m, nil
	case *browser.Margin:
		if m == nil {
			return browser.Margin{}, nil
		}
		return *m, nil
	case map[string]interface{}:
		raw, err := json.Marshal(m)
		if err != nil {
			return browser.Margin{}, err
		}
		return parseMargin(string(raw))
	case nil:
		return browser.Margin{}, nil
	default:
		return browser.Margin{}, fmt.Errorf("unsupported margin type %T", v)
	}
}
