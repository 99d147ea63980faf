package usecase_test

import (
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
)

// Hand-rolled fakes for the domain ports. Every fake records its calls and
// exposes an optional function field per method; a nil field answers with a
// benign default so tests only script what they assert on.

type finishCall struct {
	ID  string
	Res domain.TerminalResult
}

type fakeRepo struct {
	mu sync.Mutex

	CreateFn      func(ev domain.Evaluation) error
	GetFn         func(id string) (domain.Evaluation, error)
	MarkProvFn    func(id, executorID string, attempt int) (bool, error)
	MarkRunningFn func(id, executorID string, startedAt time.Time) (bool, error)
	MarkQueuedFn  func(id string, attempt int) (bool, error)
	FinishFn      func(id string, res domain.TerminalResult) (bool, error)
	ReopenFn      func(id string, attempt int) (bool, error)
	ListFn        func(f domain.ListFilter) ([]domain.Evaluation, int64, error)
	FindStaleFn   func(before time.Time, limit int) ([]domain.Evaluation, error)
	StatisticsFn  func() (domain.EvaluationStats, error)
	PurgeFn       func(cutoff time.Time) (int64, error)

	created    []domain.Evaluation
	finishes   []finishCall
	provisions []int
	queuedAtt  []int
	reopens    []int
}

func (f *fakeRepo) Create(_ domain.Context, ev domain.Evaluation) error {
	f.mu.Lock()
	f.created = append(f.created, ev)
	f.mu.Unlock()
	if f.CreateFn != nil {
		return f.CreateFn(ev)
	}
	return nil
}

func (f *fakeRepo) Get(_ domain.Context, id string) (domain.Evaluation, error) {
	if f.GetFn != nil {
		return f.GetFn(id)
	}
	return domain.Evaluation{}, fmt.Errorf("%w: evaluation %s", domain.ErrNotFound, id)
}

func (f *fakeRepo) MarkProvisioning(_ domain.Context, id, executorID string, attempt int) (bool, error) {
	f.mu.Lock()
	f.provisions = append(f.provisions, attempt)
	f.mu.Unlock()
	if f.MarkProvFn != nil {
		return f.MarkProvFn(id, executorID, attempt)
	}
	return true, nil
}

func (f *fakeRepo) MarkRunning(_ domain.Context, id, executorID string, startedAt time.Time) (bool, error) {
	if f.MarkRunningFn != nil {
		return f.MarkRunningFn(id, executorID, startedAt)
	}
	return true, nil
}

func (f *fakeRepo) MarkQueued(_ domain.Context, id string, attempt int) (bool, error) {
	f.mu.Lock()
	f.queuedAtt = append(f.queuedAtt, attempt)
	f.mu.Unlock()
	if f.MarkQueuedFn != nil {
		return f.MarkQueuedFn(id, attempt)
	}
	return true, nil
}

func (f *fakeRepo) Finish(_ domain.Context, id string, res domain.TerminalResult) (bool, error) {
	f.mu.Lock()
	f.finishes = append(f.finishes, finishCall{ID: id, Res: res})
	f.mu.Unlock()
	if f.FinishFn != nil {
		return f.FinishFn(id, res)
	}
	return true, nil
}

func (f *fakeRepo) Reopen(_ domain.Context, id string, attempt int) (bool, error) {
	f.mu.Lock()
	f.reopens = append(f.reopens, attempt)
	f.mu.Unlock()
	if f.ReopenFn != nil {
		return f.ReopenFn(id, attempt)
	}
	return true, nil
}

func (f *fakeRepo) List(_ domain.Context, fl domain.ListFilter) ([]domain.Evaluation, int64, error) {
	if f.ListFn != nil {
		return f.ListFn(fl)
	}
	return nil, 0, nil
}

func (f *fakeRepo) FindStale(_ domain.Context, before time.Time, limit int) ([]domain.Evaluation, error) {
	if f.FindStaleFn != nil {
		return f.FindStaleFn(before, limit)
	}
	return nil, nil
}

func (f *fakeRepo) Statistics(_ domain.Context) (domain.EvaluationStats, error) {
	if f.StatisticsFn != nil {
		return f.StatisticsFn()
	}
	return domain.EvaluationStats{}, nil
}

func (f *fakeRepo) PurgeTerminalBefore(_ domain.Context, cutoff time.Time) (int64, error) {
	if f.PurgeFn != nil {
		return f.PurgeFn(cutoff)
	}
	return 0, nil
}

func (f *fakeRepo) finishCalls() []finishCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]finishCall, len(f.finishes))
	copy(out, f.finishes)
	return out
}

func (f *fakeRepo) createdEvals() []domain.Evaluation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Evaluation, len(f.created))
	copy(out, f.created)
	return out
}

func (f *fakeRepo) markQueuedAttempts() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.queuedAtt))
	copy(out, f.queuedAtt)
	return out
}

type fakeQueue struct {
	mu sync.Mutex

	EnqueueFn  func(task domain.EvalTask) (int64, error)
	ScheduleFn func(task domain.EvalTask, delay time.Duration) error
	DropFn     func(evalID string, priority int) (bool, error)
	DepthFn    func(queue string) (int64, error)

	enqueued []domain.EvalTask
	dropped  []string
}

func (f *fakeQueue) Enqueue(_ domain.Context, task domain.EvalTask) (int64, error) {
	f.mu.Lock()
	f.enqueued = append(f.enqueued, task)
	f.mu.Unlock()
	if f.EnqueueFn != nil {
		return f.EnqueueFn(task)
	}
	return 1, nil
}

func (f *fakeQueue) ScheduleRetry(_ domain.Context, task domain.EvalTask, delay time.Duration) error {
	if f.ScheduleFn != nil {
		return f.ScheduleFn(task, delay)
	}
	return nil
}

func (f *fakeQueue) Drop(_ domain.Context, evalID string, priority int) (bool, error) {
	f.mu.Lock()
	f.dropped = append(f.dropped, evalID)
	f.mu.Unlock()
	if f.DropFn != nil {
		return f.DropFn(evalID, priority)
	}
	return true, nil
}

func (f *fakeQueue) Depth(_ domain.Context, queue string) (int64, error) {
	if f.DepthFn != nil {
		return f.DepthFn(queue)
	}
	return 0, nil
}

func (f *fakeQueue) enqueuedTasks() []domain.EvalTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.EvalTask, len(f.enqueued))
	copy(out, f.enqueued)
	return out
}

type claimCall struct {
	EvalID string
	Lease  time.Duration
}

type fakePool struct {
	mu sync.Mutex

	ClaimFn   func(evalID string, lease time.Duration) (string, error)
	ReleaseFn func(url string) (domain.ReleaseStatus, error)
	RecoverFn func() (int, error)

	claims   []claimCall
	releases []string
}

func (f *fakePool) Initialize(_ domain.Context, _ []string) error { return nil }

func (f *fakePool) Claim(_ domain.Context, evalID string, lease time.Duration) (string, error) {
	f.mu.Lock()
	f.claims = append(f.claims, claimCall{EvalID: evalID, Lease: lease})
	f.mu.Unlock()
	if f.ClaimFn != nil {
		return f.ClaimFn(evalID, lease)
	}
	return "http://exec-1:8080", nil
}

func (f *fakePool) Release(_ domain.Context, url string) (domain.ReleaseStatus, error) {
	f.mu.Lock()
	f.releases = append(f.releases, url)
	f.mu.Unlock()
	if f.ReleaseFn != nil {
		return f.ReleaseFn(url)
	}
	return domain.ReleaseReleased, nil
}

func (f *fakePool) Status(_ domain.Context) (domain.PoolStatus, error) {
	return domain.PoolStatus{}, nil
}

func (f *fakePool) RecoverStale(_ domain.Context) (int, error) {
	if f.RecoverFn != nil {
		return f.RecoverFn()
	}
	return 0, nil
}

func (f *fakePool) releasedURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.releases))
	copy(out, f.releases)
	return out
}

type fakeIndex struct {
	mu sync.Mutex

	UpsertFn func(entry domain.RunningEntry) error
	RemoveFn func(evalID string) error
	GetFn    func(evalID string) (domain.RunningEntry, error)
	ListFn   func() ([]string, error)

	upserts []domain.RunningEntry
	removed []string
}

func (f *fakeIndex) Upsert(_ domain.Context, entry domain.RunningEntry) error {
	f.mu.Lock()
	f.upserts = append(f.upserts, entry)
	f.mu.Unlock()
	if f.UpsertFn != nil {
		return f.UpsertFn(entry)
	}
	return nil
}

func (f *fakeIndex) Remove(_ domain.Context, evalID string) error {
	f.mu.Lock()
	f.removed = append(f.removed, evalID)
	f.mu.Unlock()
	if f.RemoveFn != nil {
		return f.RemoveFn(evalID)
	}
	return nil
}

func (f *fakeIndex) Get(_ domain.Context, evalID string) (domain.RunningEntry, error) {
	if f.GetFn != nil {
		return f.GetFn(evalID)
	}
	return domain.RunningEntry{}, fmt.Errorf("%w: running entry %s", domain.ErrNotFound, evalID)
}

func (f *fakeIndex) List(_ domain.Context) ([]string, error) {
	if f.ListFn != nil {
		return f.ListFn()
	}
	return nil, nil
}

func (f *fakeIndex) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.removed))
	copy(out, f.removed)
	return out
}

type fakePublisher struct {
	mu sync.Mutex

	PublishFn func(ev domain.EvaluationEvent) error

	events []domain.EvaluationEvent
}

func (f *fakePublisher) Publish(_ domain.Context, ev domain.EvaluationEvent) error {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	if f.PublishFn != nil {
		return f.PublishFn(ev)
	}
	return nil
}

func (f *fakePublisher) published() []domain.EvaluationEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.EvaluationEvent, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakePublisher) statuses() []domain.EvaluationStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.EvaluationStatus, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Status)
	}
	return out
}

type fakeEventLog struct {
	mu sync.Mutex

	AppendFn func(evalID string, ev domain.EvaluationEvent) error
	ListFn   func(evalID string, limit int) ([]domain.EvaluationEventRecord, error)

	appended []domain.EvaluationEvent
}

func (f *fakeEventLog) Append(_ domain.Context, evalID string, ev domain.EvaluationEvent) error {
	f.mu.Lock()
	f.appended = append(f.appended, ev)
	f.mu.Unlock()
	if f.AppendFn != nil {
		return f.AppendFn(evalID, ev)
	}
	return nil
}

func (f *fakeEventLog) ListByEvaluation(_ domain.Context, evalID string, limit int) ([]domain.EvaluationEventRecord, error) {
	if f.ListFn != nil {
		return f.ListFn(evalID, limit)
	}
	return nil, nil
}

type executeCall struct {
	URL string
	Req domain.ExecRequest
}

type stopCall struct {
	URL    string
	EvalID string
}

type fakeClient struct {
	mu sync.Mutex

	ExecuteFn func(url string, req domain.ExecRequest) (domain.ExecResult, error)
	StopFn    func(url, evalID string) error
	HealthyFn func(url string) error

	executes []executeCall
	stops    []stopCall
}

func (f *fakeClient) Execute(_ domain.Context, url string, req domain.ExecRequest) (domain.ExecResult, error) {
	f.mu.Lock()
	f.executes = append(f.executes, executeCall{URL: url, Req: req})
	f.mu.Unlock()
	if f.ExecuteFn != nil {
		return f.ExecuteFn(url, req)
	}
	return domain.ExecResult{EvalID: req.EvalID, Status: domain.StatusCompleted}, nil
}

func (f *fakeClient) Stop(_ domain.Context, url, evalID string) error {
	f.mu.Lock()
	f.stops = append(f.stops, stopCall{URL: url, EvalID: evalID})
	f.mu.Unlock()
	if f.StopFn != nil {
		return f.StopFn(url, evalID)
	}
	return nil
}

func (f *fakeClient) Healthy(_ domain.Context, url string) error {
	if f.HealthyFn != nil {
		return f.HealthyFn(url)
	}
	return nil
}

func (f *fakeClient) executeCalls() []executeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]executeCall, len(f.executes))
	copy(out, f.executes)
	return out
}

func (f *fakeClient) stopCalls() []stopCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]stopCall, len(f.stops))
	copy(out, f.stops)
	return out
}

type fakeDLQ struct {
	mu sync.Mutex

	AddFn        func(t domain.DeadLetterTask) error
	GetFn        func(taskID string) (domain.DeadLetterTask, error)
	ListFn       func(limit, offset int, evalID string) ([]domain.DeadLetterTask, int64, error)
	TakeFn       func(taskID string) (domain.DeadLetterTask, error)
	RemoveFn     func(taskID string) error
	StatisticsFn func() (domain.DLQStats, error)
	SizeFn       func() (int64, error)

	added []domain.DeadLetterTask
	taken []string
}

func (f *fakeDLQ) Add(_ domain.Context, t domain.DeadLetterTask) error {
	f.mu.Lock()
	f.added = append(f.added, t)
	f.mu.Unlock()
	if f.AddFn != nil {
		return f.AddFn(t)
	}
	return nil
}

func (f *fakeDLQ) Get(_ domain.Context, taskID string) (domain.DeadLetterTask, error) {
	if f.GetFn != nil {
		return f.GetFn(taskID)
	}
	return domain.DeadLetterTask{}, fmt.Errorf("%w: dead-letter task %s", domain.ErrNotFound, taskID)
}

func (f *fakeDLQ) List(_ domain.Context, limit, offset int, evalID string) ([]domain.DeadLetterTask, int64, error) {
	if f.ListFn != nil {
		return f.ListFn(limit, offset, evalID)
	}
	return nil, 0, nil
}

func (f *fakeDLQ) Take(_ domain.Context, taskID string) (domain.DeadLetterTask, error) {
	f.mu.Lock()
	f.taken = append(f.taken, taskID)
	f.mu.Unlock()
	if f.TakeFn != nil {
		return f.TakeFn(taskID)
	}
	return domain.DeadLetterTask{}, fmt.Errorf("%w: dead-letter task %s", domain.ErrNotFound, taskID)
}

func (f *fakeDLQ) Remove(_ domain.Context, taskID string) error {
	if f.RemoveFn != nil {
		return f.RemoveFn(taskID)
	}
	return nil
}

func (f *fakeDLQ) Statistics(_ domain.Context) (domain.DLQStats, error) {
	if f.StatisticsFn != nil {
		return f.StatisticsFn()
	}
	return domain.DLQStats{}, nil
}

func (f *fakeDLQ) Size(_ domain.Context) (int64, error) {
	if f.SizeFn != nil {
		return f.SizeFn()
	}
	return 0, nil
}

func (f *fakeDLQ) addedTasks() []domain.DeadLetterTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.DeadLetterTask, len(f.added))
	copy(out, f.added)
	return out
}

type putCall struct {
	Key  string
	Size int
}

type fakeBlobs struct {
	mu sync.Mutex

	PutFn func(key string, data []byte) (string, error)

	puts []putCall
}

func (f *fakeBlobs) Put(_ domain.Context, key string, data []byte) (string, error) {
	f.mu.Lock()
	f.puts = append(f.puts, putCall{Key: key, Size: len(data)})
	f.mu.Unlock()
	if f.PutFn != nil {
		return f.PutFn(key, data)
	}
	return "blob://" + key, nil
}

func (f *fakeBlobs) Get(_ domain.Context, location string) ([]byte, error) {
	return nil, fmt.Errorf("%w: blob %s", domain.ErrNotFound, location)
}

func (f *fakeBlobs) putCalls() []putCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]putCall, len(f.puts))
	copy(out, f.puts)
	return out
}
