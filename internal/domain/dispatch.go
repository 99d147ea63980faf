package domain

import (
	"fmt"
	"time"
)

// UpstreamStatusError carries a non-2xx executor response through the
// classification path.
type UpstreamStatusError struct {
	Code int
	Body string
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

// DispatchOutcomeKind tags what the dispatcher loop should do with a
// consumed task after its handler returns.
type DispatchOutcomeKind int

const (
	// DispatchSuccess: the evaluation reached a terminal state (including
	// failed-by-user-code); the message is consumed.
	DispatchSuccess DispatchOutcomeKind = iota
	// DispatchRequeue: transient failure; re-enqueue after Delay with the
	// attempt counter bumped.
	DispatchRequeue
	// DispatchTerminal: the task is finished without a successful run
	// (exhausted retries, client error); the handler already dead-lettered
	// or failed it.
	DispatchTerminal
)

func (k DispatchOutcomeKind) String() string {
	switch k {
	case DispatchSuccess:
		return "success"
	case DispatchRequeue:
		return "requeue"
	case DispatchTerminal:
		return "terminal"
	}
	return "unknown"
}

// DispatchOutcome is the explicit return value of one dispatch attempt.
// It replaces exception-driven retry control flow: the loop interprets the
// tag, the handler never reaches into the queue.
type DispatchOutcome struct {
	Kind  DispatchOutcomeKind
	Delay time.Duration
	Class FailureClass
	Err   error
}

func SuccessOutcome() DispatchOutcome {
	return DispatchOutcome{Kind: DispatchSuccess}
}

func RequeueOutcome(delay time.Duration, class FailureClass, err error) DispatchOutcome {
	return DispatchOutcome{Kind: DispatchRequeue, Delay: delay, Class: class, Err: err}
}

func TerminalOutcome(class FailureClass, err error) DispatchOutcome {
	return DispatchOutcome{Kind: DispatchTerminal, Class: class, Err: err}
}

// DispatchHandler drives the per-evaluation state machine for one task.
type DispatchHandler interface {
	HandleTask(ctx Context, task EvalTask, queue string) DispatchOutcome
}

// Defaults applied by LeaseFor and ExecuteDeadline when the configured
// slack or margin is unset.
const (
	DefaultLeaseSlack    = 30 * time.Second
	DefaultExecuteMargin = 5 * time.Second
)

// LeaseFor is the executor lease for one evaluation: twice the evaluation
// timeout plus slack, so a crashed dispatcher frees the executor well after
// any legitimate run would have ended.
func LeaseFor(timeoutSecs int, slack time.Duration) time.Duration {
	if slack <= 0 {
		slack = DefaultLeaseSlack
	}
	return 2*time.Duration(timeoutSecs)*time.Second + slack
}

// ExecuteDeadline is the per-call deadline for handing an evaluation to an
// executor: the run's own timeout plus margin for transport and container
// provisioning.
func ExecuteDeadline(timeoutSecs int, margin time.Duration) time.Duration {
	if margin <= 0 {
		margin = DefaultExecuteMargin
	}
	return time.Duration(timeoutSecs)*time.Second + margin
}
