// Package script is the wire form of action sequences. Steps are read from
// YAML or JSON documents and turned into browser.ActionRequest values;
// results are encoded back with binary payloads as base64 text.
package script

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/entrhq/browseract/pkg/browser"
)

// Step is one action in a script document.
type Step struct {
	Action string `yaml:"action" json:"action"`

	// navigate
	URL       string `yaml:"url,omitempty" json:"url,omitempty"`
	WaitUntil string `yaml:"wait_until,omitempty" json:"wait_until,omitempty"`

	// click, fill
	Selector     string `yaml:"selector,omitempty" json:"selector,omitempty"`
	Value        string `yaml:"value,omitempty" json:"value,omitempty"`
	WaitSelector string `yaml:"wait_selector,omitempty" json:"wait_selector,omitempty"`

	// screenshot: format is png or jpeg. pdf: format is the paper size
	FullPage bool   `yaml:"full_page,omitempty" json:"full_page,omitempty"`
	Format   string `yaml:"format,omitempty" json:"format,omitempty"`
	Quality  *int   `yaml:"quality,omitempty" json:"quality,omitempty"`

	// pdf
	Margin              *browser.Margin `yaml:"margin,omitempty" json:"margin,omitempty"`
	PrintBackground     *bool           `yaml:"print_background,omitempty" json:"print_background,omitempty"`
	DisplayHeaderFooter *bool           `yaml:"display_header_footer,omitempty" json:"display_header_footer,omitempty"`
	HeaderTemplate      *string         `yaml:"header_template,omitempty" json:"header_template,omitempty"`
	FooterTemplate      *string         `yaml:"footer_template,omitempty" json:"footer_template,omitempty"`
	PreferCSSPageSize   *bool           `yaml:"prefer_css_page_size,omitempty" json:"prefer_css_page_size,omitempty"`
	Landscape           *bool           `yaml:"landscape,omitempty" json:"landscape,omitempty"`

	// evaluate
	Script string `yaml:"script,omitempty" json:"script,omitempty"`

	TimeoutMS int `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// Request builds the typed action request for the step. The request is not
// validated here; the executor does that before touching the browser.
func (s Step) Request() (browser.ActionRequest, error) {
	timeout := time.Duration(s.TimeoutMS) * time.Millisecond

	switch browser.ActionKind(strings.ToLower(strings.TrimSpace(s.Action))) {
	case browser.ActionNavigate:
		return browser.Navigate{URL: s.URL, WaitUntil: browser.WaitUntil(strings.ToLower(s.WaitUntil)), Timeout: timeout}, nil
	case browser.ActionClick:
		return browser.Click{Selector: s.Selector, WaitSelector: s.WaitSelector, Timeout: timeout}, nil
	case browser.ActionFill:
		return browser.Fill{Selector: s.Selector, Value: s.Value, WaitSelector: s.WaitSelector, Timeout: timeout}, nil
	case browser.ActionScreenshot:
		return browser.Screenshot{
			FullPage: s.FullPage,
			Format:   browser.ImageFormat(strings.ToLower(s.Format)),
			Quality:  s.Quality,
			Timeout:  timeout,
		}, nil
	case browser.ActionCapturePDF:
		return browser.CapturePDF{
			Format:              s.Format,
			Margin:              s.Margin,
			PrintBackground:     s.PrintBackground,
			DisplayHeaderFooter: s.DisplayHeaderFooter,
			HeaderTemplate:      s.HeaderTemplate,
			FooterTemplate:      s.FooterTemplate,
			PreferCSSPageSize:   s.PreferCSSPageSize,
			Landscape:           s.Landscape,
			Timeout:             timeout,
		}, nil
	case browser.ActionEvaluate:
		return browser.EvaluateScript{Source: s.Script, Timeout: timeout}, nil
	case "":
		return nil, fmt.Errorf("action is required")
	default:
		return nil, fmt.Errorf("unknown action: %s (must be 'navigate', 'click', 'fill', 'screenshot', 'pdf', or 'evaluate')", s.Action)
	}
}

// Script is a named sequence of steps.
type Script struct {
	Name  string `yaml:"name,omitempty" json:"name,omitempty"`
	Steps []Step `yaml:"steps" json:"steps"`
}

// Requests converts every step, reporting the first invalid one by index.
func (s Script) Requests() ([]browser.ActionRequest, error) {
	if len(s.Steps) == 0 {
		return nil, errors.New("script has no steps")
	}
	reqs := make([]browser.ActionRequest, 0, len(s.Steps))
	for i, step := range s.Steps {
		req, err := step.Request()
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// Parse decodes a script document. The document is either a mapping with a
// steps key or a bare sequence of steps. JSON input is accepted as YAML.
func Parse(data []byte) (*Script, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, errors.New("script is empty")
	}

	root := doc.Content[0]
	var s Script
	switch root.Kind {
	case yaml.SequenceNode:
		if err := decodeStrict(root, &s.Steps); err != nil {
			return nil, err
		}
	case yaml.MappingNode:
		if err := decodeStrict(root, &s); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("script must be a mapping or a sequence, got line %d", root.Line)
	}
	return &s, nil
}

// decodeStrict re-encodes n so that unknown keys can be rejected; yaml.Node
// decoding has no KnownFields switch.
func decodeStrict(n *yaml.Node, out interface{}) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	if err := enc.Encode(n); err != nil {
		return fmt.Errorf("failed to parse script: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to parse script: %w", err)
	}
	dec := yaml.NewDecoder(&buf)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse script: %w", err)
	}
	return nil
}

// LoadFile reads and parses the script at path.
func LoadFile(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}
