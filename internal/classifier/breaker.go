package classifier

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned without invoking the delegate while the breaker
// is rejecting calls.
var ErrCircuitOpen = errors.New("classifier: circuit open")

// State names a breaker mode for logs and metrics.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// breakerState is one immutable snapshot of the breaker. Transitions swap
// the whole snapshot by compare-and-set, so concurrent callers either agree
// on a state or retry against the replacement.
type breakerState struct {
	mode     State
	failures int       // consecutive failures while closed
	probes   int       // admitted probes while half-open
	openedAt time.Time // dwell start while open
}

// Breaker guards the classifier endpoint. Closed passes calls through and
// counts consecutive failures; the threshold failure opens the circuit. Open
// fails fast until the dwell elapses, then the next caller is admitted as a
// half-open probe. A successful probe closes the circuit, a failed one
// reopens it with a fresh dwell.
type Breaker struct {
	state atomic.Pointer[breakerState]

	failureThreshold    int
	openDuration        time.Duration
	halfOpenMaxAttempts int

	onTransition func(from, to State)
	now          func() time.Time
}

// NewBreaker configures a breaker. onTransition may be nil; when set it is
// called once per state change, outside any lock.
func NewBreaker(failureThreshold int, openDuration time.Duration, halfOpenMaxAttempts int, onTransition func(from, to State)) *Breaker {
	b := &Breaker{
		failureThreshold:    failureThreshold,
		openDuration:        openDuration,
		halfOpenMaxAttempts: halfOpenMaxAttempts,
		onTransition:        onTransition,
		now:                 time.Now,
	}
	b.state.Store(&breakerState{mode: StateClosed})
	return b
}

// State reports the mode a caller would currently observe, accounting for an
// elapsed open dwell.
func (b *Breaker) State() State {
	s := b.state.Load()
	if s.mode == StateOpen && b.now().Sub(s.openedAt) >= b.openDuration {
		return StateHalfOpen
	}
	return s.mode
}

// Do runs fn under the breaker's admission policy and records its outcome.
// Rejected callers get ErrCircuitOpen and fn is never invoked.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

// admit decides whether a call may proceed, moving an expired open circuit
// to half-open in the process.
func (b *Breaker) admit() error {
	for {
		cur := b.state.Load()
		switch cur.mode {
		case StateClosed:
			return nil
		case StateOpen:
			if b.now().Sub(cur.openedAt) < b.openDuration {
				return ErrCircuitOpen
			}
			// Dwell elapsed: this caller becomes the first probe.
			if b.swap(cur, &breakerState{mode: StateHalfOpen, probes: 1}) {
				return nil
			}
		case StateHalfOpen:
			if cur.probes >= b.halfOpenMaxAttempts {
				return ErrCircuitOpen
			}
			if b.swap(cur, &breakerState{mode: StateHalfOpen, probes: cur.probes + 1}) {
				return nil
			}
		}
	}
}

// record folds a call outcome into the state machine.
func (b *Breaker) record(err error) {
	for {
		cur := b.state.Load()
		var next *breakerState
		if err == nil {
			switch cur.mode {
			case StateClosed:
				if cur.failures == 0 {
					return
				}
				next = &breakerState{mode: StateClosed}
			case StateHalfOpen:
				next = &breakerState{mode: StateClosed}
			case StateOpen:
				// A probe admitted before a concurrent reopen finished late.
				// The fresh dwell stands.
				return
			}
		} else {
			switch cur.mode {
			case StateClosed:
				failures := cur.failures + 1
				if failures >= b.failureThreshold {
					next = &breakerState{mode: StateOpen, openedAt: b.now()}
				} else {
					next = &breakerState{mode: StateClosed, failures: failures}
				}
			case StateHalfOpen:
				next = &breakerState{mode: StateOpen, openedAt: b.now()}
			case StateOpen:
				return
			}
		}
		if b.swap(cur, next) {
			return
		}
	}
}

func (b *Breaker) swap(cur, next *breakerState) bool {
	if !b.state.CompareAndSwap(cur, next) {
		return false
	}
	if b.onTransition != nil && cur.mode != next.mode {
		b.onTransition(cur.mode, next.mode)
	}
	return true
}
