package script

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/browseract/pkg/browser"
)

func TestStepRequest(t *testing.T) {
	tests := []struct {
		name string
		step Step
		want browser.ActionRequest
	}{
		{
			name: "navigate",
			step: Step{Action: "navigate", URL: "https://example.com", WaitUntil: "NetworkIdle", TimeoutMS: 5000},
			want: browser.Navigate{URL: "https://example.com", WaitUntil: browser.WaitNetworkIdle, Timeout: 5 * time.Second},
		},
		{
			name: "click",
			step: Step{Action: "Click", Selector: "#go", WaitSelector: "#form"},
			want: browser.Click{Selector: "#go", WaitSelector: "#form"},
		},
		{
			name: "fill",
			step: Step{Action: "fill", Selector: "#q", Value: "hello"},
			want: browser.Fill{Selector: "#q", Value: "hello"},
		},
		{
			name: "screenshot",
			step: Step{Action: "screenshot", FullPage: true, Format: "JPEG", Quality: browser.IntPtr(80)},
			want: browser.Screenshot{FullPage: true, Format: browser.FormatJPEG, Quality: browser.IntPtr(80)},
		},
		{
			name: "pdf",
			step: Step{Action: "pdf", Format: "Letter", Landscape: browser.BoolPtr(true), Margin: &browser.Margin{Top: "1cm"}},
			want: browser.CapturePDF{Format: "Letter", Landscape: browser.BoolPtr(true), Margin: &browser.Margin{Top: "1cm"}},
		},
		{
			name: "evaluate",
			step: Step{Action: "evaluate", Script: "document.title"},
			want: browser.EvaluateScript{Source: "document.title"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.step.Request()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStepRequest_UnknownAction(t *testing.T) {
	_, err := Step{Action: "hover"}.Request()
	assert.ErrorContains(t, err, "unknown action")

	_, err = Step{}.Request()
	assert.ErrorContains(t, err, "action is required")
}

func TestParse(t *testing.T) {
	mapping := []byte(`
name: search
steps:
  - action: navigate
    url: https://example.com
  - action: fill
    selector: "#q"
    value: browseract
  - action: pdf
    margin:
      top: 1cm
      bottom: 1cm
`)
	s, err := Parse(mapping)
	require.NoError(t, err)
	assert.Equal(t, "search", s.Name)
	require.Len(t, s.Steps, 3)
	assert.Equal(t, "1cm", s.Steps[2].Margin.Bottom)

	sequence := []byte(`
- action: navigate
  url: https://example.com
- action: screenshot
`)
	s, err = Parse(sequence)
	require.NoError(t, err)
	assert.Len(t, s.Steps, 2)

	asJSON := []byte(`{"steps": [{"action": "evaluate", "script": "1 + 1", "timeout_ms": 100}]}`)
	s, err = Parse(asJSON)
	require.NoError(t, err)
	require.Len(t, s.Steps, 1)
	assert.Equal(t, 100, s.Steps[0].TimeoutMS)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"scalar", "navigate"},
		{"unknown key", "- action: click\n  selektor: '#x'\n"},
		{"malformed", "steps: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestScriptRequests(t *testing.T) {
	s := Script{Steps: []Step{
		{Action: "navigate", URL: "https://example.com"},
		{Action: "drag"},
	}}
	_, err := s.Requests()
	assert.ErrorContains(t, err, "step 2")

	_, err = Script{}.Requests()
	assert.Error(t, err)

	reqs, err := Script{Steps: s.Steps[:1]}.Requests()
	require.NoError(t, err)
	assert.Equal(t, browser.ActionNavigate, reqs[0].Kind())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steps.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- action: navigate\n  url: https://example.com\n"), 0600))

	s, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, s.Steps, 1)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEncode(t *testing.T) {
	img := Encode(browser.OkImage([]byte{0x89, 'P', 'N', 'G'}, browser.FormatPNG))
	assert.True(t, img.OK)
	assert.Equal(t, "screenshot", img.Action)
	assert.Equal(t, "image/png", img.MIMEType)
	assert.Equal(t, "iVBORw==", img.Data)
	data, err := img.Decode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, data)

	scalar := Encode(browser.OkScalar("Example Domain"))
	assert.Equal(t, "Example Domain", scalar.Value)
	assert.Empty(t, scalar.Data)

	failed := Encode(browser.Failed(browser.ActionClick, &browser.Failure{Kind: browser.KindElementNotFound, Message: "no element matches #x"}))
	assert.False(t, failed.OK)
	assert.Equal(t, "ElementNotFound", failed.Kind)
	assert.Contains(t, failed.Error, "no element matches #x")

	raw, err := json.Marshal(failed)
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"click","ok":false,"kind":"ElementNotFound","error":"ElementNotFound: no element matches #x","duration_ms":0}`, string(raw))

	all := EncodeAll([]browser.ActionResult{browser.OkNone(browser.ActionNavigate), browser.OkDocument([]byte("%PDF"))})
	require.Len(t, all, 2)
	assert.Equal(t, "application/pdf", all[1].MIMEType)
}
