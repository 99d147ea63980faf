package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrNoCapacity        = errors.New("no capacity")
	ErrNoHealthyExecutor = errors.New("no healthy executor")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUnavailable       = errors.New("unavailable")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInternal          = errors.New("internal error")
)

// DefaultPreviewCap bounds how much output/error text is kept inline on the
// evaluation record; anything beyond it is spilled to the blob store.
const DefaultPreviewCap = 1 << 20 // 1 MiB

// Evaluation is a single user-submitted code run.
// Invariants: status moves only along the edges in status.go; once terminal,
// outputs are frozen; ExecutorID is set only in {provisioning, running} and
// cleared on the terminal transition. ContainerID arrives with the terminal
// result and stays on the record.
type Evaluation struct {
	ID          string
	Code        string
	Language    string
	Engine      string
	TimeoutSecs int
	Priority    int
	Queue       string
	Status      EvaluationStatus
	Attempt     int

	Output          string
	OutputTruncated bool
	OutputSize      int64
	OutputLocation  string
	Error           string
	ErrorTruncated  bool
	ErrorSize       int64
	ErrorLocation   string
	ExitCode        *int

	ExecutorID  string
	ContainerID string
	RuntimeMS   int64

	SubmittedAt time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// OutputBlob is one captured output channel after preview-cap enforcement.
type OutputBlob struct {
	Preview   string
	Truncated bool
	Size      int64
	Location  string
}

// TerminalResult carries everything a terminal transition writes at once.
// ContainerID survives on the record as the trace of which container ran;
// the executor pin itself is cleared.
type TerminalResult struct {
	Status      EvaluationStatus
	Output      OutputBlob
	Error       OutputBlob
	ExitCode    *int
	ContainerID string
	RuntimeMS   int64
}

// EvalTask is the message placed on a priority queue. One task per dispatch
// attempt cycle; Attempt counts dispatch retries so far.
type EvalTask struct {
	EvalID      string `json:"eval_id"`
	Code        string `json:"code"`
	Language    string `json:"language"`
	Engine      string `json:"engine,omitempty"`
	TimeoutSecs int    `json:"timeout"`
	Priority    int    `json:"priority"`
	Attempt     int    `json:"attempt"`
}

// TaskName identifies the one task kind this pipeline dispatches.
const TaskName = "evaluation.execute"

// TaskID returns the stable id used by the DLQ and for idempotent executor work.
func (t EvalTask) TaskID() string { return "eval-" + t.EvalID }

// ExecRequest is the dispatcher → executor call body. PriorityClass rides
// along so the sandbox can label the workload for the reaper and the
// runtime scheduler.
type ExecRequest struct {
	EvalID        string `json:"eval_id"`
	Code          string `json:"code"`
	Language      string `json:"language"`
	TimeoutSecs   int    `json:"timeout"`
	PriorityClass string `json:"priority_class,omitempty"`
}

// ExecResult is the executor's terminal answer for one evaluation.
// RuntimeMS is the sandbox-measured run duration; a cached answer keeps the
// original run's value.
type ExecResult struct {
	EvalID      string           `json:"eval_id"`
	Status      EvaluationStatus `json:"status"` // completed | failed | timeout
	Output      string           `json:"output"`
	Error       string           `json:"error"`
	ExitCode    int              `json:"exit_code"`
	ExecutorID  string           `json:"executor_id"`
	ContainerID string           `json:"container_id,omitempty"`
	RuntimeMS   int64            `json:"runtime_ms,omitempty"`
}

// RunningEntry mirrors one non-terminal evaluation in the running index.
type RunningEntry struct {
	EvalID      string    `json:"eval_id"`
	ExecutorID  string    `json:"executor_id"`
	ContainerID string    `json:"container_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	TimeoutSecs int       `json:"timeout"`
}

// PoolStatus is a point-in-time snapshot of executor allocation.
type PoolStatus struct {
	Available []string
	Busy      []BusyExecutor
}

type BusyExecutor struct {
	URL       string
	EvalID    string
	LeaseLeft time.Duration
}

// ReleaseStatus reports what a pool release actually did.
type ReleaseStatus string

const (
	ReleaseReleased      ReleaseStatus = "released"
	ReleaseAlreadyInPool ReleaseStatus = "already_in_pool"
	ReleaseNotBusy       ReleaseStatus = "not_busy"
)

// EvaluationStats aggregates durable counters for the statistics endpoint.
type EvaluationStats struct {
	ByStatus     map[EvaluationStatus]int64
	Total        int64
	AvgRuntimeMS float64
	DLQSize      int64
}

// ListFilter narrows and pages a durable listing.
type ListFilter struct {
	Status    EvaluationStatus
	Limit     int
	Offset    int
	SortBy    string // submitted_at | updated_at | priority
	SortOrder string // asc | desc
}

// CancelOutcome is the structured answer to a cancel call; idempotent on
// terminal states (Cancelled=false with an informational message).
type CancelOutcome struct {
	EvalID         string           `json:"eval_id"`
	PreviousStatus EvaluationStatus `json:"previous_status"`
	Cancelled      bool             `json:"cancelled"`
	Message        string           `json:"message"`
}

// Repositories (ports)

type EvaluationRepository interface {
	Create(ctx Context, ev Evaluation) error
	Get(ctx Context, id string) (Evaluation, error)
	// MarkProvisioning moves queued → provisioning and pins the executor.
	// Returns false when the row is no longer in a state that allows it.
	MarkProvisioning(ctx Context, id, executorID string, attempt int) (bool, error)
	// MarkRunning moves provisioning → running. The executor guard rejects
	// a stale dispatcher whose claim was reassigned.
	MarkRunning(ctx Context, id, executorID string, startedAt time.Time) (bool, error)
	// MarkQueued returns a non-terminal evaluation to queued for a later
	// attempt; clears the executor pin.
	MarkQueued(ctx Context, id string, attempt int) (bool, error)
	// Finish applies a terminal result; returns false if already terminal.
	Finish(ctx Context, id string, res TerminalResult) (bool, error)
	// Reopen returns a failed evaluation to queued with a cleared attempt
	// counter and wiped outputs. This is the operator path for dead-letter
	// retries and the only way out of a terminal status; the runtime state
	// machine never calls it.
	Reopen(ctx Context, id string, attempt int) (bool, error)
	List(ctx Context, f ListFilter) ([]Evaluation, int64, error)
	// FindStale returns non-terminal evaluations untouched since before.
	FindStale(ctx Context, before time.Time, limit int) ([]Evaluation, error)
	Statistics(ctx Context) (EvaluationStats, error)
	PurgeTerminalBefore(ctx Context, cutoff time.Time) (int64, error)
}

// EvaluationEventRecord is one row of the durable event log.
type EvaluationEventRecord struct {
	Seq       int64
	EvalID    string
	Status    EvaluationStatus
	Payload   []byte
	CreatedAt time.Time
}

type EventRepository interface {
	Append(ctx Context, evalID string, ev EvaluationEvent) error
	ListByEvaluation(ctx Context, evalID string, limit int) ([]EvaluationEventRecord, error)
}

// Ports toward the broker, pool, index and executors

// TaskQueue is the producer side of the priority queues. Consumption is a
// worker concern and stays inside the queue adapter.
type TaskQueue interface {
	// Enqueue appends the task to the queue mapped from its priority and
	// returns the resulting queue depth (the task's 1-based position).
	Enqueue(ctx Context, task EvalTask) (int64, error)
	// ScheduleRetry re-enqueues the task after delay, preserving its queue.
	ScheduleRetry(ctx Context, task EvalTask, delay time.Duration) error
	// Drop removes a not-yet-dispatched task from its queue (soft cancel).
	Drop(ctx Context, evalID string, priority int) (bool, error)
	Depth(ctx Context, queue string) (int64, error)
}

type ExecutorPool interface {
	Initialize(ctx Context, urls []string) error
	// Claim atomically pops an available URL and leases it to evalID.
	// Returns ErrNoCapacity when the available list is empty.
	Claim(ctx Context, evalID string, lease time.Duration) (string, error)
	// Release is idempotent; see ReleaseStatus for what actually happened.
	Release(ctx Context, url string) (ReleaseStatus, error)
	Status(ctx Context) (PoolStatus, error)
	// RecoverStale pushes back executors whose lease expired; returns how
	// many were recovered.
	RecoverStale(ctx Context) (int, error)
}

// PoolObserver receives pool mutations; injected so tests and metrics hook
// the same seam.
type PoolObserver interface {
	ExecutorClaimed(url, evalID string)
	ExecutorReleased(url string, status ReleaseStatus)
}

type RunningIndex interface {
	Upsert(ctx Context, entry RunningEntry) error
	Remove(ctx Context, evalID string) error
	Get(ctx Context, evalID string) (RunningEntry, error)
	// List returns the ids currently believed to be running; callers must
	// cross-check durable status before trusting membership.
	List(ctx Context) ([]string, error)
}

type EventPublisher interface {
	Publish(ctx Context, ev EvaluationEvent) error
}

// ExecutorClient is the dispatcher's view of one remote executor.
type ExecutorClient interface {
	Execute(ctx Context, url string, req ExecRequest) (ExecResult, error)
	// Stop asks the executor to kill the workload; bounded, best-effort.
	Stop(ctx Context, url, evalID string) error
	Healthy(ctx Context, url string) error
}

// BlobStore absorbs output beyond the preview cap.
type BlobStore interface {
	Put(ctx Context, key string, data []byte) (string, error)
	Get(ctx Context, location string) ([]byte, error)
}

// Sandbox runs code inside the isolation runtime (executor side).
type Sandbox interface {
	Run(ctx Context, spec RunSpec) (RunResult, error)
	Stop(ctx Context, evalID string) error
	Ping(ctx Context) error
}

// RunSpec describes one sandboxed run.
type RunSpec struct {
	EvalID        string
	Code          string
	Language      string
	TimeoutSecs   int
	PriorityClass string
}

// RunResult is the sandbox-level outcome before transport framing.
type RunResult struct {
	Status      EvaluationStatus // completed | failed | timeout
	Output      string
	ExitCode    int
	ContainerID string
	RuntimeMS   int64
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.
type Context = context.Context
