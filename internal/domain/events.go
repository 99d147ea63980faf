package domain

import "time"

// EventChannelPrefix namespaces the pub/sub channels, one per status:
// evaluation:queued, evaluation:provisioning, evaluation:running,
// evaluation:completed, evaluation:failed, evaluation:cancelled,
// evaluation:timeout.
const EventChannelPrefix = "evaluation:"

// EvaluationEvent is the typed payload published on every status transition.
// Terminal events supersede non-terminal ones for consumers that order by
// the state machine.
type EvaluationEvent struct {
	EvalID      string           `json:"eval_id"`
	Status      EvaluationStatus `json:"status"`
	Timestamp   time.Time        `json:"timestamp"`
	Queue       string           `json:"queue,omitempty"`
	Attempt     int              `json:"attempt,omitempty"`
	TimeoutSecs int              `json:"timeout,omitempty"`
	ExecutorID  string           `json:"executor_id,omitempty"`
	ContainerID string           `json:"container_id,omitempty"`
	ExitCode    *int             `json:"exit_code,omitempty"`
	Error       string           `json:"error,omitempty"`
	RuntimeMS   int64            `json:"runtime_ms,omitempty"`
}

// Channel returns the pub/sub channel this event belongs on.
func (e EvaluationEvent) Channel() string { return EventChannelFor(e.Status) }

func EventChannelFor(status EvaluationStatus) string {
	return EventChannelPrefix + string(status)
}

// AllEventChannels lists every lifecycle channel, for subscribers that want
// the full stream.
func AllEventChannels() []string {
	statuses := []EvaluationStatus{
		StatusQueued, StatusProvisioning, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout,
	}
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, EventChannelFor(s))
	}
	return out
}

// NewEvent builds an event for ev's current state.
func NewEvent(ev Evaluation, at time.Time) EvaluationEvent {
	e := EvaluationEvent{
		EvalID:      ev.ID,
		Status:      ev.Status,
		Timestamp:   at.UTC(),
		Queue:       ev.Queue,
		Attempt:     ev.Attempt,
		TimeoutSecs: ev.TimeoutSecs,
		ExecutorID:  ev.ExecutorID,
	}
	if ev.Status.IsTerminal() {
		e.ExitCode = ev.ExitCode
		e.Error = ev.Error
		e.RuntimeMS = ev.RuntimeMS
		e.ContainerID = ev.ContainerID
	}
	return e
}
