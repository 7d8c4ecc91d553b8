package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/entrhq/browseract/pkg/browser"

// ScriptPolicy controls whether EvaluateScript requests are accepted.
type ScriptPolicy int

const (
	// ScriptsDisabled rejects EvaluateScript with a ValidationError (default)
	ScriptsDisabled ScriptPolicy = iota

	// ScriptsAllowed runs caller-supplied script text in the page's main world
	ScriptsAllowed
)

// ActionObserver receives the result of every executed action.
// Implementations must not block.
type ActionObserver interface {
	ObserveAction(sessionID string, result ActionResult)
}

// Executor performs actions against sessions with per-action timeouts and
// typed failures. It holds no session state of its own and is safe for
// concurrent use across sessions.
type Executor struct {
	logger         *zap.Logger
	tracer         trace.Tracer
	scripts        ScriptPolicy
	defaultTimeout time.Duration
	observers      []ActionObserver
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the executor's logger.
func WithExecutorLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithScriptPolicy sets whether caller-supplied scripts may run.
func WithScriptPolicy(p ScriptPolicy) ExecutorOption {
	return func(e *Executor) {
		e.scripts = p
	}
}

// WithDefaultTimeout sets the bound for requests that carry no timeout.
func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithTracerProvider sets the OpenTelemetry provider for action spans.
func WithTracerProvider(tp trace.TracerProvider) ExecutorOption {
	return func(e *Executor) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithActionObservers attaches observers notified after every action.
func WithActionObservers(observers ...ActionObserver) ExecutorOption {
	return func(e *Executor) {
		e.observers = append(e.observers, observers...)
	}
}

// NewExecutor creates an action executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		logger:         zap.NewNop(),
		tracer:         otel.Tracer(tracerName),
		scripts:        ScriptsDisabled,
		defaultTimeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("executor")
	return e
}

// Run executes requests in order and stops after the first failure. The
// returned slice holds one result per attempted request.
func (e *Executor) Run(ctx context.Context, s *Session, reqs ...ActionRequest) []ActionResult {
	results := make([]ActionResult, 0, len(reqs))
	for _, req := range reqs {
		r := e.Execute(ctx, s, req)
		results = append(results, r)
		if !r.OK() {
			break
		}
	}
	return results
}

// Execute performs one action on the session. It never panics and never
// returns both a payload and a failure.
func (e *Executor) Execute(ctx context.Context, s *Session, req ActionRequest) ActionResult {
	if req == nil {
		return Failed("", newFailure(KindValidation, nil, "action request is required"))
	}
	kind := req.Kind()
	sessionID := ""
	if s != nil {
		sessionID = s.ID
	}

	ctx, span := e.tracer.Start(ctx, "browser."+string(kind), trace.WithAttributes(
		attribute.String("browser.session", sessionID),
		attribute.String("browser.action", string(kind)),
	))
	defer span.End()

	start := time.Now()
	result := e.execute(ctx, s, req).withDuration(time.Since(start))

	log := e.logger.With(
		zap.String("session", sessionID),
		zap.String("action", string(kind)),
		zap.Duration("duration", result.Duration()),
	)
	if f := result.Failure(); f != nil {
		span.SetAttributes(attribute.String("browser.failure", string(f.Kind)))
		span.SetStatus(codes.Error, f.Error())
		log.Warn("Action failed", zap.String("kind", string(f.Kind)), zap.String("error", f.Message))
	} else {
		log.Debug("Action completed")
	}

	for _, o := range e.observers {
		o.ObserveAction(sessionID, result)
	}
	return result
}

// phase distinguishes the selector-wait step from the action itself when
// classifying a timeout.
type phase int

const (
	phaseAction phase = iota
	phaseWait
)

func (e *Executor) execute(ctx context.Context, s *Session, req ActionRequest) ActionResult {
	kind := req.Kind()

	if err := req.Validate(); err != nil {
		return Failed(kind, validationFailure(err))
	}
	if _, ok := req.(EvaluateScript); ok && e.scripts != ScriptsAllowed {
		return Failed(kind, newFailure(KindValidation, nil, "script evaluation is disabled"))
	}
	if s == nil {
		return Failed(kind, newFailure(KindSessionNotReady, nil, "no session"))
	}
	if _, ok := req.(CapturePDF); ok {
		if f := checkPDFSupport(s.config); f != nil {
			return Failed(kind, f)
		}
	}

	if p := s.Phase(); p != PhaseReady && p != PhaseBusy {
		return Failed(kind, newFailure(KindSessionNotReady, nil, "session %s is %s", s.ID, p))
	}
	if !s.claim() {
		return Failed(kind, newFailure(KindSessionBusy, nil, "session %s already has an action in flight", s.ID))
	}
	defer s.release()

	page, driver, ok := s.beginAction()
	if !ok {
		return Failed(kind, newFailure(KindSessionNotReady, nil, "session %s is %s", s.ID, s.Phase()))
	}
	defer s.endAction()

	timeout := req.timeout()
	if timeout == 0 {
		timeout = e.defaultTimeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(s.lifetime, cancel)
	defer stop()

	a := &attempt{
		exec:    e,
		session: s,
		driver:  driver,
		page:    page,
		caller:  ctx,
		ctx:     actx,
		kind:    kind,
		timeout: timeout,
	}
	return a.dispatch(req)
}

// attempt carries the state of one in-flight action.
type attempt struct {
	exec    *Executor
	session *Session
	driver  Driver
	page    Handle
	caller  context.Context
	ctx     context.Context
	kind    ActionKind
	timeout time.Duration
}

func (a *attempt) dispatch(req ActionRequest) ActionResult {
	switch r := req.(type) {
	case Navigate:
		wait := r.WaitUntil
		if wait == "" {
			wait = WaitLoad
		}
		if err := a.call(func(ctx context.Context) error {
			return a.driver.Navigate(ctx, a.page, r.URL, wait)
		}); err != nil {
			return a.fail(phaseAction, err)
		}
		current := r.URL
		if ur, ok := a.driver.(URLReporter); ok {
			if u := ur.PageURL(a.page); u != "" {
				current = u
			}
		}
		a.session.setCurrentURL(current)
		return OkNone(ActionNavigate)

	case Click:
		if err := a.waitFor(r.WaitSelector); err != nil {
			return a.fail(phaseWait, err)
		}
		if err := a.call(func(ctx context.Context) error {
			return a.driver.Click(ctx, a.page, r.Selector)
		}); err != nil {
			return a.fail(phaseAction, err)
		}
		return OkNone(ActionClick)

	case Fill:
		if err := a.waitFor(r.WaitSelector); err != nil {
			return a.fail(phaseWait, err)
		}
		if err := a.call(func(ctx context.Context) error {
			return a.driver.Fill(ctx, a.page, r.Selector, r.Value)
		}); err != nil {
			return a.fail(phaseAction, err)
		}
		return OkNone(ActionFill)

	case Screenshot:
		format := r.Format
		if format == "" {
			format = FormatPNG
		}
		opts := ScreenshotOptions{FullPage: r.FullPage, Format: format, Quality: r.Quality}
		var data []byte
		if err := a.call(func(ctx context.Context) error {
			var err error
			data, err = a.driver.Screenshot(ctx, a.page, opts)
			return err
		}); err != nil {
			return a.fail(phaseAction, err)
		}
		if len(data) == 0 {
			return Failed(a.kind, newFailure(KindDriverFailure, nil, "driver returned an empty screenshot"))
		}
		return OkImage(data, format)

	case CapturePDF:
		opts := buildPDFOptions(r)
		var data []byte
		if err := a.call(func(ctx context.Context) error {
			var err error
			data, err = a.driver.RenderPDF(ctx, a.page, opts)
			return err
		}); err != nil {
			return a.fail(phaseAction, err)
		}
		if len(data) == 0 {
			return Failed(a.kind, newFailure(KindDriverFailure, nil, "driver returned an empty document"))
		}
		return OkDocument(data)

	case EvaluateScript:
		var value interface{}
		if err := a.call(func(ctx context.Context) error {
			var err error
			value, err = a.driver.Evaluate(ctx, a.page, r.Source)
			return err
		}); err != nil {
			return a.fail(phaseAction, err)
		}
		return OkScalar(value)

	default:
		return Failed(a.kind, newFailure(KindValidation, nil, "unsupported action %T", req))
	}
}

func (a *attempt) waitFor(selector string) error {
	if selector == "" {
		return nil
	}
	return a.call(func(ctx context.Context) error {
		return a.driver.WaitForSelector(ctx, a.page, selector)
	})
}

// call runs fn against the driver and returns when it finishes or the action
// context is done, whichever comes first. A panic in fn becomes an error.
func (a *attempt) call(fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("driver panic: %v", r)
			}
		}()
		done <- fn(a.ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-a.ctx.Done():
		select {
		case err := <-done:
			return err
		default:
			return a.ctx.Err()
		}
	}
}

// fail classifies a driver error into a Failure.
func (a *attempt) fail(p phase, err error) ActionResult {
	return Failed(a.kind, a.classify(p, err))
}

func (a *attempt) classify(p phase, err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}

	timedOut := errors.Is(a.ctx.Err(), context.DeadlineExceeded) ||
		errors.Is(err, ErrDriverTimeout) ||
		errors.Is(err, context.DeadlineExceeded)

	switch {
	case a.session.lifetime.Err() != nil:
		return newFailure(KindCanceled, err, "session closed while %s was in flight", a.kind)
	case errors.Is(a.caller.Err(), context.Canceled):
		return newFailure(KindCanceled, err, "%s canceled by caller", a.kind)
	case timedOut && p == phaseWait:
		return newFailure(KindElementWaitTimeout, err, "wait selector did not appear within %s", a.timeout)
	case timedOut:
		return newFailure(KindActionTimeout, err, "%s did not complete within %s", a.kind, a.timeout)
	case errors.Is(err, ErrDriverNotFound):
		return newFailure(KindElementNotFound, err, "%v", err)
	case errors.Is(err, ErrDriverUnsupported):
		return newFailure(KindUnsupportedInEngine, err, "%v", err)
	case errors.Is(err, ErrDriverScript), a.kind == ActionEvaluate:
		return newFailure(KindScriptExecutionFailure, err, "%v", err)
	case errors.Is(err, ErrDriverNavigation), a.kind == ActionNavigate:
		return newFailure(KindNavigationFailure, err, "%v", err)
	default:
		return newFailure(KindDriverFailure, err, "%v", err)
	}
}
