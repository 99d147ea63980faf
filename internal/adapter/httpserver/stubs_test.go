package httpserver_test

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/adapter/httpserver"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/config"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/usecase"
)

// Handler tests run real usecase services over these stubs, so a request
// exercises the same path main wires up minus the adapters. Unset callbacks
// fall back to benign defaults.

type stubRepo struct {
	mu sync.Mutex

	CreateFn     func(ctx domain.Context, ev domain.Evaluation) error
	GetFn        func(ctx domain.Context, id string) (domain.Evaluation, error)
	FinishFn     func(ctx domain.Context, id string, res domain.TerminalResult) (bool, error)
	ReopenFn     func(ctx domain.Context, id string, attempt int) (bool, error)
	ListFn       func(ctx domain.Context, f domain.ListFilter) ([]domain.Evaluation, int64, error)
	StatisticsFn func(ctx domain.Context) (domain.EvaluationStats, error)
	PurgeFn      func(ctx domain.Context, cutoff time.Time) (int64, error)

	created []domain.Evaluation
}

func (r *stubRepo) Create(ctx domain.Context, ev domain.Evaluation) error {
	r.mu.Lock()
	r.created = append(r.created, ev)
	r.mu.Unlock()
	if r.CreateFn != nil {
		return r.CreateFn(ctx, ev)
	}
	return nil
}

func (r *stubRepo) createdEvals() []domain.Evaluation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Evaluation(nil), r.created...)
}

func (r *stubRepo) Get(ctx domain.Context, id string) (domain.Evaluation, error) {
	if r.GetFn != nil {
		return r.GetFn(ctx, id)
	}
	return domain.Evaluation{}, domain.ErrNotFound
}

func (r *stubRepo) MarkProvisioning(domain.Context, string, string, int) (bool, error) {
	return true, nil
}

func (r *stubRepo) MarkRunning(domain.Context, string, string, time.Time) (bool, error) {
	return true, nil
}

func (r *stubRepo) MarkQueued(domain.Context, string, int) (bool, error) { return true, nil }

func (r *stubRepo) Finish(ctx domain.Context, id string, res domain.TerminalResult) (bool, error) {
	if r.FinishFn != nil {
		return r.FinishFn(ctx, id, res)
	}
	return true, nil
}

func (r *stubRepo) Reopen(ctx domain.Context, id string, attempt int) (bool, error) {
	if r.ReopenFn != nil {
		return r.ReopenFn(ctx, id, attempt)
	}
	return true, nil
}

func (r *stubRepo) List(ctx domain.Context, f domain.ListFilter) ([]domain.Evaluation, int64, error) {
	if r.ListFn != nil {
		return r.ListFn(ctx, f)
	}
	return nil, 0, nil
}

func (r *stubRepo) FindStale(domain.Context, time.Time, int) ([]domain.Evaluation, error) {
	return nil, nil
}

func (r *stubRepo) Statistics(ctx domain.Context) (domain.EvaluationStats, error) {
	if r.StatisticsFn != nil {
		return r.StatisticsFn(ctx)
	}
	return domain.EvaluationStats{}, nil
}

func (r *stubRepo) PurgeTerminalBefore(ctx domain.Context, cutoff time.Time) (int64, error) {
	if r.PurgeFn != nil {
		return r.PurgeFn(ctx, cutoff)
	}
	return 0, nil
}

type stubQueue struct {
	mu sync.Mutex

	EnqueueFn func(ctx domain.Context, task domain.EvalTask) (int64, error)
	DropFn    func(ctx domain.Context, evalID string, priority int) (bool, error)
	DepthFn   func(ctx domain.Context, queue string) (int64, error)

	enqueued []domain.EvalTask
	dropped  []string
}

func (q *stubQueue) Enqueue(ctx domain.Context, task domain.EvalTask) (int64, error) {
	q.mu.Lock()
	q.enqueued = append(q.enqueued, task)
	q.mu.Unlock()
	if q.EnqueueFn != nil {
		return q.EnqueueFn(ctx, task)
	}
	return int64(len(q.enqueuedTasks())), nil
}

func (q *stubQueue) enqueuedTasks() []domain.EvalTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.EvalTask(nil), q.enqueued...)
}

func (q *stubQueue) ScheduleRetry(domain.Context, domain.EvalTask, time.Duration) error {
	return nil
}

func (q *stubQueue) Drop(ctx domain.Context, evalID string, priority int) (bool, error) {
	q.mu.Lock()
	q.dropped = append(q.dropped, evalID)
	q.mu.Unlock()
	if q.DropFn != nil {
		return q.DropFn(ctx, evalID, priority)
	}
	return true, nil
}

func (q *stubQueue) droppedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.dropped...)
}

func (q *stubQueue) Depth(ctx domain.Context, queue string) (int64, error) {
	if q.DepthFn != nil {
		return q.DepthFn(ctx, queue)
	}
	return 0, nil
}

type stubIndex struct {
	GetFn func(ctx domain.Context, evalID string) (domain.RunningEntry, error)
}

func (i *stubIndex) Upsert(domain.Context, domain.RunningEntry) error { return nil }
func (i *stubIndex) Remove(domain.Context, string) error              { return nil }

func (i *stubIndex) Get(ctx domain.Context, evalID string) (domain.RunningEntry, error) {
	if i.GetFn != nil {
		return i.GetFn(ctx, evalID)
	}
	return domain.RunningEntry{}, domain.ErrNotFound
}

func (i *stubIndex) List(domain.Context) ([]string, error) { return nil, nil }

type stubPublisher struct {
	mu     sync.Mutex
	events []domain.EvaluationEvent
}

func (p *stubPublisher) Publish(_ domain.Context, ev domain.EvaluationEvent) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *stubPublisher) published() []domain.EvaluationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.EvaluationEvent(nil), p.events...)
}

type stubEventLog struct {
	ListFn func(ctx domain.Context, evalID string, limit int) ([]domain.EvaluationEventRecord, error)
}

func (l *stubEventLog) Append(domain.Context, string, domain.EvaluationEvent) error { return nil }

func (l *stubEventLog) ListByEvaluation(ctx domain.Context, evalID string, limit int) ([]domain.EvaluationEventRecord, error) {
	if l.ListFn != nil {
		return l.ListFn(ctx, evalID, limit)
	}
	return nil, nil
}

type stubClient struct {
	mu    sync.Mutex
	stops []string

	StopFn func(ctx domain.Context, url, evalID string) error
}

func (c *stubClient) Execute(_ domain.Context, _ string, req domain.ExecRequest) (domain.ExecResult, error) {
	return domain.ExecResult{EvalID: req.EvalID, Status: domain.StatusCompleted}, nil
}

func (c *stubClient) Stop(ctx domain.Context, url, evalID string) error {
	c.mu.Lock()
	c.stops = append(c.stops, url+"/"+evalID)
	c.mu.Unlock()
	if c.StopFn != nil {
		return c.StopFn(ctx, url, evalID)
	}
	return nil
}

func (c *stubClient) Healthy(domain.Context, string) error { return nil }

func (c *stubClient) stopCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.stops...)
}

type stubDLQ struct {
	mu sync.Mutex

	GetFn        func(ctx domain.Context, taskID string) (domain.DeadLetterTask, error)
	ListFn       func(ctx domain.Context, limit, offset int, evalID string) ([]domain.DeadLetterTask, int64, error)
	TakeFn       func(ctx domain.Context, taskID string) (domain.DeadLetterTask, error)
	RemoveFn     func(ctx domain.Context, taskID string) error
	StatisticsFn func(ctx domain.Context) (domain.DLQStats, error)
	SizeFn       func(ctx domain.Context) (int64, error)

	added []domain.DeadLetterTask
}

func (d *stubDLQ) Add(_ domain.Context, task domain.DeadLetterTask) error {
	d.mu.Lock()
	d.added = append(d.added, task)
	d.mu.Unlock()
	return nil
}

func (d *stubDLQ) Get(ctx domain.Context, taskID string) (domain.DeadLetterTask, error) {
	if d.GetFn != nil {
		return d.GetFn(ctx, taskID)
	}
	return domain.DeadLetterTask{}, domain.ErrNotFound
}

func (d *stubDLQ) List(ctx domain.Context, limit, offset int, evalID string) ([]domain.DeadLetterTask, int64, error) {
	if d.ListFn != nil {
		return d.ListFn(ctx, limit, offset, evalID)
	}
	return nil, 0, nil
}

func (d *stubDLQ) Take(ctx domain.Context, taskID string) (domain.DeadLetterTask, error) {
	if d.TakeFn != nil {
		return d.TakeFn(ctx, taskID)
	}
	return domain.DeadLetterTask{}, domain.ErrNotFound
}

func (d *stubDLQ) Remove(ctx domain.Context, taskID string) error {
	if d.RemoveFn != nil {
		return d.RemoveFn(ctx, taskID)
	}
	return nil
}

func (d *stubDLQ) Statistics(ctx domain.Context) (domain.DLQStats, error) {
	if d.StatisticsFn != nil {
		return d.StatisticsFn(ctx)
	}
	return domain.DLQStats{}, nil
}

func (d *stubDLQ) Size(ctx domain.Context) (int64, error) {
	if d.SizeFn != nil {
		return d.SizeFn(ctx)
	}
	return 0, nil
}

type serverFixture struct {
	repo   *stubRepo
	queue  *stubQueue
	index  *stubIndex
	events *stubPublisher
	elog   *stubEventLog
	client *stubClient
	dlq    *stubDLQ

	cfg config.Config
	srv *httpserver.Server
}

func newTestServer() *serverFixture {
	f := &serverFixture{
		repo:   &stubRepo{},
		queue:  &stubQueue{},
		index:  &stubIndex{},
		events: &stubPublisher{},
		elog:   &stubEventLog{},
		client: &stubClient{},
		dlq:    &stubDLQ{},
	}
	f.cfg = config.Config{
		MaxCodeBytes:   64 << 10,
		MaxTimeoutSecs: 900,
		MaxQueueDepth:  100,
	}
	lifecycle := usecase.LifecycleService{
		Repo:           f.repo,
		EventLog:       f.elog,
		Queue:          f.queue,
		Running:        f.index,
		Events:         f.events,
		Client:         f.client,
		DLQ:            f.dlq,
		MaxCodeBytes:   f.cfg.MaxCodeBytes,
		MaxTimeoutSecs: f.cfg.MaxTimeoutSecs,
		MaxQueueDepth:  f.cfg.MaxQueueDepth,
	}
	admin := usecase.DLQAdminService{
		DLQ:      f.dlq,
		Repo:     f.repo,
		Queue:    f.queue,
		EventLog: f.elog,
		Events:   f.events,
	}
	f.srv = httpserver.NewServer(f.cfg, lifecycle, admin, nil, nil, nil)
	return f
}

// router mounts the handlers on the same paths BuildRouter uses so
// chi.URLParam resolves.
func (f *serverFixture) router() http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/evaluations", f.srv.SubmitHandler())
	r.Get("/v1/evaluations", f.srv.ListHandler())
	r.Get("/v1/evaluations/{id}", f.srv.GetHandler())
	r.Delete("/v1/evaluations/{id}", f.srv.CancelHandler())
	r.Get("/v1/evaluations/{id}/events", f.srv.EventsHandler())
	r.Get("/v1/statistics", f.srv.StatisticsHandler())
	r.Post("/v1/cleanup", f.srv.CleanupHandler())
	r.Get("/readyz", f.srv.ReadyzHandler())
	r.Get("/v1/dlq/tasks", f.srv.DLQListHandler())
	r.Get("/v1/dlq/tasks/{taskID}", f.srv.DLQGetHandler())
	r.Get("/v1/dlq/statistics", f.srv.DLQStatisticsHandler())
	r.Post("/v1/dlq/tasks/{taskID}/retry", f.srv.DLQRetryHandler())
	r.Delete("/v1/dlq/tasks/{taskID}", f.srv.DLQRemoveHandler())
	r.Post("/v1/dlq/tasks/retry-batch", f.srv.DLQRetryBatchHandler())
	return r
}
