package browser

import (
	"sync"
	"time"
)

// Phase is a session lifecycle phase.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseLaunching    Phase = "launching"
	PhaseReady        Phase = "ready"
	PhaseBusy         Phase = "busy"
	PhaseError        Phase = "error"
	PhaseClosed       Phase = "closed"
)

// Transition records one phase change.
type Transition struct {
	SessionID string
	From      Phase
	To        Phase
	Err       error
	At        time.Time
}

// StatusSnapshot is a point-in-time copy of a reporter's state.
type StatusSnapshot struct {
	Phase     Phase
	LastError error
	Since     time.Time
}

// Status is the read-only view of a session's lifecycle given to callers.
type Status interface {
	Phase() Phase
	LastError() error
	Snapshot() StatusSnapshot
	Subscribe() (<-chan Transition, func())
}

// StatusObserver receives every transition of every session it is attached to.
// Implementations must not block.
type StatusObserver interface {
	ObserveTransition(t Transition)
}

const subscriberBuffer = 16

// Reporter tracks a session's current phase and most recent error. Only the
// session manager and executor in this package move it between phases;
// everyone else reads it through Status.
type Reporter struct {
	mu          sync.RWMutex
	sessionID   string
	phase       Phase
	lastErr     error
	since       time.Time
	observers   []StatusObserver
	subscribers map[int]chan Transition
	nextSub     int

	// done is set once the final transition was delivered
	done bool
}

var _ Status = (*Reporter)(nil)

func newReporter(sessionID string, observers ...StatusObserver) *Reporter {
	return &Reporter{
		sessionID:   sessionID,
		phase:       PhaseDisconnected,
		since:       time.Now(),
		observers:   observers,
		subscribers: make(map[int]chan Transition),
	}
}

// Phase returns the current phase.
func (r *Reporter) Phase() Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.phase
}

// LastError returns the most recent error recorded by a transition, if any.
// It is kept across later successful transitions.
func (r *Reporter) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// Snapshot returns the phase, last error and time of the last transition.
func (r *Reporter) Snapshot() StatusSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return StatusSnapshot{Phase: r.phase, LastError: r.lastErr, Since: r.since}
}

// Subscribe returns a channel of future transitions and a function that
// stops the subscription. Transitions are dropped for subscribers that fall
// behind. The channel is closed after the final transition; subscribing to
// a closed or failed session returns a closed channel.
func (r *Reporter) Subscribe() (<-chan Transition, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		ch := make(chan Transition)
		close(ch)
		return ch, func() {}
	}

	id := r.nextSub
	r.nextSub++
	ch := make(chan Transition, subscriberBuffer)
	r.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if sub, ok := r.subscribers[id]; ok {
				delete(r.subscribers, id)
				close(sub)
			}
		})
	}
}

// transition moves the reporter to phase to. A non-nil err becomes LastError.
func (r *Reporter) transition(to Phase, err error) Transition {
	r.mu.Lock()
	t := Transition{
		SessionID: r.sessionID,
		From:      r.phase,
		To:        to,
		Err:       err,
		At:        time.Now(),
	}
	r.phase = to
	r.since = t.At
	if err != nil {
		r.lastErr = err
	}
	for _, ch := range r.subscribers {
		select {
		case ch <- t:
		default:
		}
	}
	observers := r.observers
	r.mu.Unlock()

	for _, o := range observers {
		o.ObserveTransition(t)
	}
	return t
}

// closeSubscribers ends all subscriptions after the final transition.
func (r *Reporter) closeSubscribers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
	for id, ch := range r.subscribers {
		delete(r.subscribers, id)
		close(ch)
	}
}
