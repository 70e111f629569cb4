package hpc

import (
	"encoding/json"
	"eventbvt/internal/apperrors"
	"fmt"
)

// Push hubs and their members.
const (
	JobEventHub     = "JobEventHub"
	TaskEventHub    = "TaskEventHub"
	JobStateChange  = "JobStateChange"
	TaskStateChange = "TaskStateChange"
	BeginListen     = "BeginListen"
)

// Job and task states. The service compares them case-insensitively.
const (
	StateConfiguring = "Configuring"
	StateSubmitted   = "Submitted"
	StateValidating  = "Validating"
	StateQueued      = "Queued"
	StateDispatching = "Dispatching"
	StateRunning     = "Running"
	StateFinishing   = "Finishing"
	StateFinished    = "Finished"
	StateFailed      = "Failed"
	StateCanceled    = "Canceled"
)

// StateChange is one lifecycle transition pushed by the service.
// TaskID is zero for job-level events.
type StateChange struct {
	JobID         int
	TaskID        int
	InstanceID    int
	State         string
	PreviousState string
}

func (s StateChange) String() string {
	if s.TaskID == 0 {
		return fmt.Sprintf("Job: %d, State: %s, Previous State: %s", s.JobID, s.State, s.PreviousState)
	}
	return fmt.Sprintf("Job: %d, Task: %d, Instance: %d, State: %s, Previous State: %s",
		s.JobID, s.TaskID, s.InstanceID, s.State, s.PreviousState)
}

// DecodeJobStateChange decodes JobStateChange(id, state, previousState) arguments.
func DecodeJobStateChange(args []json.RawMessage) (StateChange, error) {
	var ev StateChange
	if err := decodeArgs("hpc.decodeJobStateChange", args, &ev.JobID, &ev.State, &ev.PreviousState); err != nil {
		return StateChange{}, err
	}
	return ev, nil
}

// DecodeTaskStateChange decodes TaskStateChange(id, taskId, instanceId, state, previousState) arguments.
func DecodeTaskStateChange(args []json.RawMessage) (StateChange, error) {
	var ev StateChange
	if err := decodeArgs("hpc.decodeTaskStateChange", args, &ev.JobID, &ev.TaskID, &ev.InstanceID, &ev.State, &ev.PreviousState); err != nil {
		return StateChange{}, err
	}
	return ev, nil
}

func decodeArgs(op string, args []json.RawMessage, targets ...any) error {
	if len(args) != len(targets) {
		return apperrors.Transport(op, fmt.Errorf("expected %d arguments, got %d", len(targets), len(args)))
	}
	for i, target := range targets {
		if err := json.Unmarshal(args[i], target); err != nil {
			return apperrors.Transport(op, fmt.Errorf("argument %d: %w", i, err))
		}
	}
	return nil
}
