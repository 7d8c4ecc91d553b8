// Package capture packages common browser recipes as jobs: screenshot a URL,
// print a URL to PDF, or run a step script. Each job gets its own session,
// which is closed when the job finishes whatever the outcome.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/entrhq/browseract/pkg/browser"
)

// closeTimeout bounds session teardown after a job, including after the
// job's context was canceled.
const closeTimeout = 10 * time.Second

// Artifact is what a job produced.
type Artifact struct {
	URL      string
	MIMEType string
	Data     []byte

	// Pages is the page count of PDF artifacts
	Pages int

	// Value is the last evaluated script value of script jobs
	Value interface{}

	// Results holds every action result of script jobs
	Results []browser.ActionResult

	Duration time.Duration
}

// Job is a unit of work run against a fresh session.
type Job interface {
	// Target names the job in logs and batch results, usually its URL
	Target() string

	// Run performs the job's actions on s.
	Run(ctx context.Context, e *browser.Executor, s *browser.Session) (*Artifact, error)
}

// Runner launches a session per job.
type Runner struct {
	manager  *browser.SessionManager
	executor *browser.Executor
	launch   browser.LaunchConfig
	logger   *zap.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(logger *zap.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner creates a runner launching sessions with cfg.
func NewRunner(m *browser.SessionManager, e *browser.Executor, cfg browser.LaunchConfig, opts ...RunnerOption) *Runner {
	r := &Runner{
		manager:  m,
		executor: e,
		launch:   cfg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run launches a session, runs job on it and closes the session. Jobs that
// fail part way may still return the partial artifact with the error.
func (r *Runner) Run(ctx context.Context, job Job) (artifact *Artifact, err error) {
	start := time.Now()
	log := r.logger.With(zap.String("target", job.Target()))

	s, err := r.manager.Launch(ctx, r.launch)
	if err != nil {
		return nil, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if cerr := r.manager.Close(closeCtx, s); cerr != nil {
			log.Warn("Failed to close session", zap.String("session", s.ID), zap.Error(cerr))
			if err == nil {
				err = fmt.Errorf("failed to close session: %w", cerr)
			}
		}
	}()

	artifact, err = job.Run(ctx, r.executor, s)
	if err != nil {
		log.Debug("Job failed", zap.String("session", s.ID), zap.Error(err))
		return artifact, err
	}
	artifact.Duration = time.Since(start)
	log.Debug("Job finished",
		zap.String("session", s.ID),
		zap.Int("bytes", len(artifact.Data)),
		zap.Duration("duration", artifact.Duration))
	return artifact, nil
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return &browser.Failure{Kind: browser.KindCanceled, Message: "canceled during delay", Cause: ctx.Err()}
	}
}

// navigate opens url and reports the failure, if any, as an error.
func navigate(ctx context.Context, e *browser.Executor, s *browser.Session, url string, wait browser.WaitUntil, timeout time.Duration) error {
	return e.Execute(ctx, s, browser.Navigate{URL: url, WaitUntil: wait, Timeout: timeout}).Err()
}

// ErrEmptyArtifact is returned when a capture produced no bytes.
var ErrEmptyArtifact = errors.New("capture produced no data")
