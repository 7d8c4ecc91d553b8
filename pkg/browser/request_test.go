package browser_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/browseract/pkg/browser"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://example.com", false},
		{"http://localhost:8080/path?q=1", false},
		{"file:///tmp/report.html", false},
		{"about:blank", false},
		{"data:text/html,hello", false},
		{"", true},
		{"   ", true},
		{"example.com", true},
		{"/relative/path", true},
		{"https://", true},
		{"://missing-scheme", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := browser.ValidateURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseEngine(t *testing.T) {
	tests := []struct {
		in      string
		want    browser.Engine
		wantErr bool
	}{
		{"", browser.EngineChromium, false},
		{"Chromium", browser.EngineChromium, false},
		{"chrome", browser.EngineChromium, false},
		{"firefox", browser.EngineFirefox, false},
		{" WebKit ", browser.EngineWebKit, false},
		{"safari", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := browser.ParseEngine(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseWaitUntil(t *testing.T) {
	got, err := browser.ParseWaitUntil("")
	require.NoError(t, err)
	assert.Equal(t, browser.WaitLoad, got)

	got, err = browser.ParseWaitUntil("networkidle")
	require.NoError(t, err)
	assert.Equal(t, browser.WaitNetworkIdle, got)

	got, err = browser.ParseWaitUntil("DOMContentLoaded")
	require.NoError(t, err)
	assert.Equal(t, browser.WaitDOMContentLoaded, got)

	_, err = browser.ParseWaitUntil("commit")
	assert.Error(t, err)
}

func TestFailure_MatchesByKind(t *testing.T) {
	cause := errors.New("timeout 30000ms exceeded")
	f := &browser.Failure{Kind: browser.KindActionTimeout, Message: "click did not complete", Cause: cause}
	wrapped := fmt.Errorf("step 2: %w", f)

	assert.ErrorIs(t, wrapped, browser.ErrActionTimeout)
	assert.NotErrorIs(t, wrapped, browser.ErrElementWaitTimeout)
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, browser.KindActionTimeout, browser.KindOf(wrapped))
	assert.Equal(t, browser.FailureKind(""), browser.KindOf(cause))
	assert.Equal(t, "ActionTimeout: click did not complete", f.Error())
}

func TestResult_OkAndFailedAreExclusive(t *testing.T) {
	ok := browser.OkDocument([]byte("%PDF-1.4"))
	assert.True(t, ok.OK())
	assert.Nil(t, ok.Failure())
	assert.NoError(t, ok.Err())
	assert.Equal(t, browser.ActionCapturePDF, ok.Action())

	failed := browser.Failed(browser.ActionClick, nil)
	assert.False(t, failed.OK())
	assert.Nil(t, failed.Payload())
	assert.Nil(t, failed.Bytes())
	assert.Equal(t, browser.KindDriverFailure, failed.Failure().Kind)
}

func TestImageFormat_MIMEType(t *testing.T) {
	assert.Equal(t, "image/png", browser.FormatPNG.MIMEType())
	assert.Equal(t, "image/jpeg", browser.FormatJPEG.MIMEType())
}

func TestLengthInches(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"96px", 1, false},
		{"1in", 1, false},
		{"2.54cm", 1, false},
		{"25.4mm", 1, false},
		{"48", 0.5, false},
		{" 1 IN ", 1, false},
		{"1em", 0, true},
		{"-1cm", 0, true},
		{"wide", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := browser.LengthInches(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestCapturePDF_ValidateMargin(t *testing.T) {
	ok := browser.CapturePDF{Margin: &browser.Margin{Top: "1cm", Left: "20px"}}
	assert.NoError(t, ok.Validate())

	bad := browser.CapturePDF{Margin: &browser.Margin{Top: "1cm", Right: "abc"}}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "margin right")
}
