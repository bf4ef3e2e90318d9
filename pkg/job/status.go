package job

import "fmt"

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending     Status = "pending"
	StatusQueued      Status = "queued"
	StatusRunning     Status = "running"
	StatusRecovery    Status = "recovery"
	StatusPaused      Status = "paused"
	StatusSuccess     Status = "success"
	StatusFailed      Status = "failed"
	StatusError       Status = "error"
	StatusCanceled    Status = "canceled"
	StatusInterrupted Status = "interrupted"
)

// allowed holds the edges of the lifecycle state machine. Terminal states
// have no outgoing edges.
var allowed = map[Status][]Status{
	StatusPending:     {StatusQueued, StatusCanceled},
	StatusQueued:      {StatusRunning, StatusCanceled, StatusError},
	StatusRunning:     {StatusSuccess, StatusRecovery, StatusInterrupted, StatusCanceled, StatusError, StatusFailed},
	StatusRecovery:    {StatusRunning, StatusFailed, StatusInterrupted, StatusCanceled, StatusError},
	StatusInterrupted: {StatusPaused, StatusCanceled},
	StatusPaused:      {StatusRunning, StatusSuccess, StatusCanceled},
	StatusSuccess:     {},
	StatusFailed:      {},
	StatusError:       {},
	StatusCanceled:    {},
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusError, StatusCanceled:
		return true
	}
	return false
}

// IsActive reports whether the session must be held busy in s.
func (s Status) IsActive() bool {
	return s == StatusRunning || s == StatusRecovery
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError reports a forbidden state-machine edge.
type TransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: transition %s -> %s not permitted", e.JobID, e.From, e.To)
}
