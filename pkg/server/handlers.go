package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/entrhq/browseract/pkg/browser"
	"github.com/entrhq/browseract/pkg/capture"
	"github.com/entrhq/browseract/pkg/script"
)

// ScreenshotRequest is the body of POST /v1/screenshot.
type ScreenshotRequest struct {
	URL       string `json:"url"`
	WaitUntil string `json:"wait_until,omitempty"`
	DelayMS   int    `json:"delay_ms,omitempty"`

	// FullPage defaults to true
	FullPage *bool `json:"full_page,omitempty"`

	// Format defaults to jpeg; Quality defaults to 80 for jpeg
	Format  string `json:"format,omitempty"`
	Quality *int   `json:"quality,omitempty"`

	TimeoutMS int `json:"timeout_ms,omitempty"`
}

// PDFRequest is the body of POST /v1/pdf.
type PDFRequest struct {
	URL                 string          `json:"url"`
	WaitUntil           string          `json:"wait_until,omitempty"`
	Format              string          `json:"format,omitempty"`
	Margin              *browser.Margin `json:"margin,omitempty"`
	PrintBackground     *bool           `json:"print_background,omitempty"`
	DisplayHeaderFooter *bool           `json:"display_header_footer,omitempty"`
	HeaderTemplate      *string         `json:"header_template,omitempty"`
	FooterTemplate      *string         `json:"footer_template,omitempty"`
	PreferCSSPageSize   *bool           `json:"prefer_css_page_size,omitempty"`
	Landscape           *bool           `json:"landscape,omitempty"`
	TimeoutMS           int             `json:"timeout_ms,omitempty"`
}

// ArtifactResponse is returned for ?encoding=base64.
type ArtifactResponse struct {
	URL        string `json:"url"`
	MIMEType   string `json:"mime_type"`
	Data       string `json:"data"`
	Pages      int    `json:"pages,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// RunResponse is the body returned by POST /v1/run.
type RunResponse struct {
	OK      bool             `json:"ok"`
	URL     string           `json:"url,omitempty"`
	Results []script.Outcome `json:"results"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"sessions": len(s.manager.List()),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.manager.List(),
	})
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	var req ScreenshotRequest
	if !decode(w, r, &req) {
		return
	}

	job := capture.NewScreenshotJob(req.URL)
	job.WaitUntil = browser.WaitUntil(req.WaitUntil)
	job.Delay = time.Duration(req.DelayMS) * time.Millisecond
	job.Timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	if req.FullPage != nil {
		job.FullPage = *req.FullPage
	}
	if req.Format != "" {
		job.Format = browser.ImageFormat(strings.ToLower(req.Format))
		if job.Format != browser.FormatJPEG {
			job.Quality = nil
		}
	}
	if req.Quality != nil {
		job.Quality = req.Quality
	}

	s.runCapture(w, r, job)
}

func (s *Server) handlePDF(w http.ResponseWriter, r *http.Request) {
	var req PDFRequest
	if !decode(w, r, &req) {
		return
	}

	job := capture.PDFJob{
		URL:       req.URL,
		WaitUntil: browser.WaitUntil(req.WaitUntil),
		Timeout:   time.Duration(req.TimeoutMS) * time.Millisecond,
		Options: browser.CapturePDF{
			Format:              req.Format,
			Margin:              req.Margin,
			PrintBackground:     req.PrintBackground,
			DisplayHeaderFooter: req.DisplayHeaderFooter,
			HeaderTemplate:      req.HeaderTemplate,
			FooterTemplate:      req.FooterTemplate,
			PreferCSSPageSize:   req.PreferCSSPageSize,
			Landscape:           req.Landscape,
		},
	}
	s.runCapture(w, r, job)
}

func (s *Server) runCapture(w http.ResponseWriter, r *http.Request, job capture.Job) {
	if err := s.checkTarget(job.Target()); err != nil {
		respondError(w, statusFor(err), err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()

	a, err := s.runner.Run(ctx, job)
	if err != nil {
		s.logger.Warn("Capture failed", zap.String("target", job.Target()), zap.Error(err))
		respondError(w, statusFor(err), err)
		return
	}

	if r.URL.Query().Get("encoding") == "base64" {
		respondJSON(w, http.StatusOK, ArtifactResponse{
			URL:        a.URL,
			MIMEType:   a.MIMEType,
			Data:       base64.StdEncoding.EncodeToString(a.Data),
			Pages:      a.Pages,
			DurationMS: a.Duration.Milliseconds(),
		})
		return
	}

	w.Header().Set("Content-Type", a.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(a.Data)))
	w.Header().Set("X-Final-URL", a.URL)
	if a.Pages > 0 {
		w.Header().Set("X-Page-Count", strconv.Itoa(a.Pages))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(a.Data)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var doc script.Script
	if !decode(w, r, &doc) {
		return
	}
	reqs, err := doc.Requests()
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	for _, req := range reqs {
		if nav, ok := req.(browser.Navigate); ok {
			if err := s.checkTarget(nav.URL); err != nil {
				respondError(w, statusFor(err), err)
				return
			}
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()

	a, err := s.runner.Run(ctx, capture.ScriptJob{Name: doc.Name, Requests: reqs})
	if a == nil {
		// the session never started
		respondError(w, statusFor(err), err)
		return
	}

	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
	}
	respondJSON(w, status, RunResponse{
		OK:      err == nil,
		URL:     a.URL,
		Results: script.EncodeAll(a.Results),
	})
}

// checkTarget applies the URL checker, if any. Malformed URLs are left to
// request validation.
func (s *Server) checkTarget(url string) error {
	if s.opts.Checker == nil || browser.ValidateURL(url) != nil {
		return nil
	}
	if err := s.opts.Checker.CheckURL(url); err != nil {
		return &forbiddenError{err: err}
	}
	return nil
}

type forbiddenError struct{ err error }

func (e *forbiddenError) Error() string { return e.err.Error() }
func (e *forbiddenError) Unwrap() error { return e.err }

// decode reads a JSON body, responding with 400 or 413 on failure.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}
