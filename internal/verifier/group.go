package verifier

import (
	"eventbvt/internal/apperrors"
	"eventbvt/internal/hpc"
	"fmt"
	"strings"
	"sync"
)

type instanceKey struct {
	taskID     int
	instanceID int
}

// Group verifies the tasks of one job, keeping a separate chain per task
// instance. Members are created on their first event and seeded with the
// group's initial state.
type Group struct {
	name     string
	initial  string
	scope    Scope
	expected int

	mu       sync.Mutex
	members  map[instanceKey]*Verifier
	order    []instanceKey
	ended    map[instanceKey]bool
	ignored  int
	done     chan struct{}
	doneOnce sync.Once
}

// NewGroup returns a group for the task instances selected by scope. Done
// closes once at least expected members have reached an end state and no
// member is still in progress. An expected count below one is treated as one.
func NewGroup(name, initial string, scope Scope, expected int) *Group {
	if expected < 1 {
		expected = 1
	}
	return &Group{
		name:     name,
		initial:  initial,
		scope:    scope,
		expected: expected,
		members:  make(map[instanceKey]*Verifier),
		ended:    make(map[instanceKey]bool),
		done:     make(chan struct{}),
	}
}

// Name returns the group label.
func (g *Group) Name() string {
	return g.name
}

// Apply routes ev to the verifier of its task instance.
func (g *Group) Apply(ev hpc.StateChange) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.scope.Matches(ev) {
		g.ignored++
		return false, nil
	}

	key := instanceKey{taskID: ev.TaskID, instanceID: ev.InstanceID}
	member, ok := g.members[key]
	if !ok {
		member = New(memberName(g.name, key), g.initial,
			Scope{JobID: ev.JobID, TaskID: ev.TaskID, InstanceID: ev.InstanceID})
		g.members[key] = member
		g.order = append(g.order, key)
	}

	accepted, err := member.Apply(ev)
	if err != nil {
		return accepted, err
	}
	if isEndState(member.State()) && !g.ended[key] {
		g.ended[key] = true
		if len(g.ended) >= g.expected && len(g.ended) == len(g.members) {
			g.doneOnce.Do(func() { close(g.done) })
		}
	}
	return accepted, nil
}

// State returns the state of the first member that has not finished, or
// Finished when all have. Before any event it returns the initial state.
func (g *Group) State() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.order) == 0 {
		return g.initial
	}
	for _, key := range g.order {
		if state := g.members[key].State(); !strings.EqualFold(state, TerminalState) {
			return state
		}
	}
	return TerminalState
}

// Observed returns the number of accepted events across all members.
func (g *Group) Observed() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	total := 0
	for _, member := range g.members {
		total += member.Observed()
	}
	return total
}

// Ignored returns the number of events filtered out by scope.
func (g *Group) Ignored() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ignored
}

// Members returns the number of task instances seen so far.
func (g *Group) Members() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// Done is closed once every expected member reached an end state.
func (g *Group) Done() <-chan struct{} {
	return g.done
}

// CheckTerminal fails unless every member finished and at least the expected
// number of task instances reported events.
func (g *Group) CheckTerminal() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, key := range g.order {
		if err := g.members[key].CheckTerminal(); err != nil {
			return err
		}
	}
	if missing := g.expected - len(g.members); missing > 0 {
		return apperrors.Assertion(fmt.Sprintf(
			"%s did not finish: expected %d instances in state %q, %d observed %q",
			g.name, g.expected, TerminalState, missing, g.initial))
	}
	return nil
}

func memberName(name string, key instanceKey) string {
	if key.instanceID == 0 {
		return fmt.Sprintf("%s %d", name, key.taskID)
	}
	return fmt.Sprintf("%s %d instance %d", name, key.taskID, key.instanceID)
}
