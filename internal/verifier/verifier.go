// Package verifier checks that pushed state changes form an unbroken chain.
//
// A Verifier is seeded with the state the entity is known to be in before
// listening begins. Every event in scope must report that state as its previous
// state; anything else means an event was missed, duplicated or reordered.
package verifier

import (
	"eventbvt/internal/apperrors"
	"eventbvt/internal/hpc"
	"fmt"
	"strings"
	"sync"
)

// Initial and terminal states of the verified lifecycles.
const (
	InitialJobState  = hpc.StateConfiguring
	InitialTaskState = hpc.StateSubmitted
	TerminalState    = hpc.StateFinished
)

// Scope selects the events a verifier watches. A TaskID of zero or less matches
// every task of the job; otherwise TaskID and InstanceID must both match.
type Scope struct {
	JobID      int
	TaskID     int
	InstanceID int
}

// Matches reports whether ev belongs to the scope.
func (s Scope) Matches(ev hpc.StateChange) bool {
	if ev.JobID != s.JobID {
		return false
	}
	if s.TaskID <= 0 {
		return true
	}
	return ev.TaskID == s.TaskID && ev.InstanceID == s.InstanceID
}

// Verifier tracks the last observed state of one job or task.
type Verifier struct {
	name  string
	scope Scope

	mu       sync.Mutex
	state    string
	observed int
	ignored  int
	failed   error
	done     chan struct{}
	doneOnce sync.Once
}

// New returns a verifier seeded with initial. name labels assertion messages.
func New(name, initial string, scope Scope) *Verifier {
	return &Verifier{
		name:  name,
		scope: scope,
		state: initial,
		done:  make(chan struct{}),
	}
}

// Name returns the verifier label.
func (v *Verifier) Name() string {
	return v.name
}

// Scope returns the events the verifier watches.
func (v *Verifier) Scope() Scope {
	return v.scope
}

// Apply checks ev against the last observed state and records it.
// It returns false for events outside the scope. Once a transition is rejected
// every later call fails with the same error.
func (v *Verifier) Apply(ev hpc.StateChange) (bool, error) {
	if !v.scope.Matches(ev) {
		v.mu.Lock()
		v.ignored++
		v.mu.Unlock()
		return false, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.failed != nil {
		return true, v.failed
	}
	if !strings.EqualFold(ev.PreviousState, v.state) {
		v.failed = apperrors.Assertion(fmt.Sprintf(
			"%s state transition out of order: expected previous state %q, received %q (%s)",
			v.name, v.state, ev.PreviousState, ev))
		return true, v.failed
	}

	v.state = ev.State
	v.observed++
	if isEndState(ev.State) {
		v.doneOnce.Do(func() { close(v.done) })
	}
	return true, nil
}

// State returns the last observed state.
func (v *Verifier) State() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Observed returns the number of accepted events.
func (v *Verifier) Observed() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.observed
}

// Ignored returns the number of events filtered out by scope.
func (v *Verifier) Ignored() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ignored
}

// Done is closed once the entity reaches an end state. Only Finished passes
// CheckTerminal; Failed and Canceled end the wait early.
func (v *Verifier) Done() <-chan struct{} {
	return v.done
}

// CheckTerminal fails unless the last observed state is Finished.
func (v *Verifier) CheckTerminal() error {
	state := v.State()
	if strings.EqualFold(state, TerminalState) {
		return nil
	}
	return apperrors.Assertion(fmt.Sprintf("%s did not finish: expected state %q, observed %q",
		v.name, TerminalState, state))
}

func isEndState(state string) bool {
	switch {
	case strings.EqualFold(state, hpc.StateFinished),
		strings.EqualFold(state, hpc.StateFailed),
		strings.EqualFold(state, hpc.StateCanceled):
		return true
	}
	return false
}
