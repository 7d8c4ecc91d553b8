// Package browser provides the engine-neutral core of browseract: browser
// sessions, the six page actions and their typed results.
//
// # Architecture
//
// The package is built around three core concepts:
//
// 1. Session: one browser, browsing context and page owned together
// 2. SessionManager: launches sessions through a Driver and tears them down
// 3. Executor: runs ActionRequests against a session and returns ActionResults
//
// Automation engines plug in through the Driver interface. The playwright and
// cdp packages under pkg/driver provide real adapters; browsertest provides a
// scripted fake for tests.
//
// # Session Lifecycle
//
// Every session carries a Status that moves through these phases:
//
//	disconnected -> launching -> ready <-> busy
//	launching -> error
//	ready|busy -> closed
//
// Launch acquires the browser, context and page in that order. If any step
// fails the handles already acquired are released in reverse order and a
// LaunchFailure is returned. Close releases page, context and browser in that
// order and is idempotent.
//
// # Actions
//
// A session runs at most one action at a time. A second concurrent request is
// rejected with SessionBusy instead of being queued. Every action is bounded
// by its own timeout (30s when unset); closing the session cancels whatever
// is in flight.
//
// EvaluateScript runs caller-supplied code in the page and is rejected unless
// the executor is built with WithScriptPolicy(ScriptsAllowed).
//
// # Failures
//
// Failed results carry a *Failure whose Kind is one of the Kind* constants.
// Failures compare equal under errors.Is by kind:
//
//	if errors.Is(result.Err(), browser.ErrElementWaitTimeout) {
//		// ...
//	}
package browser
