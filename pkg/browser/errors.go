package browser

import (
	"errors"
	"fmt"
)

// FailureKind identifies a machine-distinguishable class of failure.
type FailureKind string

const (
	KindLaunchFailure          FailureKind = "LaunchFailure"
	KindSessionBusy            FailureKind = "SessionBusy"
	KindSessionNotReady        FailureKind = "SessionNotReady"
	KindNavigationFailure      FailureKind = "NavigationFailure"
	KindElementNotFound        FailureKind = "ElementNotFound"
	KindElementWaitTimeout     FailureKind = "ElementWaitTimeout"
	KindActionTimeout          FailureKind = "ActionTimeout"
	KindScriptExecutionFailure FailureKind = "ScriptExecutionFailure"
	KindUnsupportedInEngine    FailureKind = "UnsupportedInEngine"
	KindValidation             FailureKind = "ValidationError"
	KindCanceled               FailureKind = "Canceled"
	KindDriverFailure          FailureKind = "DriverFailure"
)

// Failure is the typed error produced by the session manager and the executor.
// Two failures match under errors.Is when their kinds are equal, so callers
// can test against the Err* sentinels below.
type Failure struct {
	Kind    FailureKind
	Message string
	Cause   error
}

// Error implements error.
func (f *Failure) Error() string {
	if f.Message == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap returns the underlying driver error, if any.
func (f *Failure) Unwrap() error {
	return f.Cause
}

// Is matches failures by kind.
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	if !ok {
		return false
	}
	return t.Kind == f.Kind
}

// Sentinels for errors.Is checks against failure kinds.
var (
	ErrLaunchFailure          = &Failure{Kind: KindLaunchFailure}
	ErrSessionBusy            = &Failure{Kind: KindSessionBusy}
	ErrSessionNotReady        = &Failure{Kind: KindSessionNotReady}
	ErrNavigationFailure      = &Failure{Kind: KindNavigationFailure}
	ErrElementNotFound        = &Failure{Kind: KindElementNotFound}
	ErrElementWaitTimeout     = &Failure{Kind: KindElementWaitTimeout}
	ErrActionTimeout          = &Failure{Kind: KindActionTimeout}
	ErrScriptExecutionFailure = &Failure{Kind: KindScriptExecutionFailure}
	ErrUnsupportedInEngine    = &Failure{Kind: KindUnsupportedInEngine}
	ErrValidation             = &Failure{Kind: KindValidation}
	ErrCanceled               = &Failure{Kind: KindCanceled}
	ErrDriverFailure          = &Failure{Kind: KindDriverFailure}
)

func newFailure(kind FailureKind, cause error, format string, args ...interface{}) *Failure {
	return &Failure{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// validationFailure wraps a request or config validation error.
func validationFailure(err error) *Failure {
	return &Failure{Kind: KindValidation, Message: err.Error(), Cause: err}
}

// KindOf returns the failure kind carried by err, or "" if err is not a Failure.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// Driver-level errors. Adapters wrap these so the executor can classify
// driver failures without inspecting error strings.
var (
	// ErrDriverTimeout reports that the driver's own wait bound elapsed
	ErrDriverTimeout = errors.New("driver timeout")

	// ErrDriverNotFound reports that a selector matched no element
	ErrDriverNotFound = errors.New("element not found")

	// ErrDriverUnsupported reports an operation the engine cannot perform
	ErrDriverUnsupported = errors.New("operation not supported by engine")

	// ErrDriverScript reports an exception thrown by evaluated script text
	ErrDriverScript = errors.New("script exception")

	// ErrDriverNavigation reports a network or protocol error while navigating
	ErrDriverNavigation = errors.New("navigation error")
)
