package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/config"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg       config.Config
	Lifecycle usecase.LifecycleService
	DLQ       usecase.DLQAdminService

	DBCheck       func(ctx context.Context) error
	RedisCheck    func(ctx context.Context) error
	ExecutorCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, lifecycle usecase.LifecycleService, dlq usecase.DLQAdminService, dbCheck, redisCheck, executorCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:           cfg,
		Lifecycle:     lifecycle,
		DLQ:           dlq,
		DBCheck:       dbCheck,
		RedisCheck:    redisCheck,
		ExecutorCheck: executorCheck,
	}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// requireJSON rejects requests whose Accept header excludes JSON; this API
// only speaks JSON.
func requireJSON(w http.ResponseWriter, r *http.Request) bool {
	if a := r.Header.Get("Accept"); a != "" && a != "*/*" && !strings.Contains(a, "application/json") {
		writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{
			Code: "INVALID_ARGUMENT", Message: "not acceptable", Details: map[string]any{"accept": a},
		}})
		return false
	}
	return true
}

// SubmitHandler accepts a code submission and enqueues it.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireJSON(w, r) {
			return
		}
		maxCode := s.Cfg.MaxCodeBytes
		if maxCode <= 0 {
			maxCode = usecase.DefaultMaxCodeBytes
		}
		// Code plus JSON framing; the usecase enforces the exact code limit.
		r.Body = http.MaxBytesReader(w, r.Body, maxCode+(64<<10))

		var req struct {
			Code        string `json:"code" validate:"required"`
			Language    string `json:"language" validate:"required,max=64"`
			Engine      string `json:"engine" validate:"omitempty,max=64"`
			TimeoutSecs int    `json:"timeout_secs" validate:"required,min=1"`
			Priority    int    `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
					Code: "INVALID_ARGUMENT", Message: "payload too large",
					Details: map[string]any{"max_bytes": mbe.Limit},
				}})
				return
			}
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			verrs := map[string]string{}
			var ve validator.ValidationErrors
			if errors.As(err, &ve) {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}
		if res := ValidateCodePayload(req.Code); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: code payload rejected", domain.ErrInvalidArgument), res.Errors)
			return
		}

		rcpt, err := s.Lifecycle.Submit(r.Context(), usecase.SubmitRequest{
			Code:        req.Code,
			Language:    SanitizeString(req.Language),
			Engine:      SanitizeString(req.Engine),
			TimeoutSecs: req.TimeoutSecs,
			Priority:    req.Priority,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, rcpt)
	}
}

type runningInfo struct {
	ExecutorID  string    `json:"executor_id"`
	ContainerID string    `json:"container_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	TimeoutSecs int       `json:"timeout_secs"`
}

type evalResponse struct {
	EvalID      string `json:"eval_id"`
	Code        string `json:"code,omitempty"`
	Language    string `json:"language"`
	Engine      string `json:"engine,omitempty"`
	TimeoutSecs int    `json:"timeout_secs"`
	Priority    int    `json:"priority"`
	Queue       string `json:"queue"`
	Status      string `json:"status"`
	Attempt     int    `json:"attempt"`

	Output          string `json:"output"`
	OutputTruncated bool   `json:"output_truncated,omitempty"`
	OutputSize      int64  `json:"output_size,omitempty"`
	OutputLocation  string `json:"output_location,omitempty"`
	Error           string `json:"error,omitempty"`
	ErrorTruncated  bool   `json:"error_truncated,omitempty"`
	ErrorSize       int64  `json:"error_size,omitempty"`
	ErrorLocation   string `json:"error_location,omitempty"`
	ExitCode        *int   `json:"exit_code,omitempty"`

	ExecutorID  string `json:"executor_id,omitempty"`
	ContainerID string `json:"container_id,omitempty"`
	RuntimeMS   int64  `json:"runtime_ms,omitempty"`

	SubmittedAt time.Time  `json:"submitted_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Running *runningInfo `json:"running,omitempty"`
}

func toEvalResponse(ev domain.Evaluation, includeCode bool) evalResponse {
	resp := evalResponse{
		EvalID:          ev.ID,
		Language:        ev.Language,
		Engine:          ev.Engine,
		TimeoutSecs:     ev.TimeoutSecs,
		Priority:        ev.Priority,
		Queue:           ev.Queue,
		Status:          string(ev.Status),
		Attempt:         ev.Attempt,
		Output:          ev.Output,
		OutputTruncated: ev.OutputTruncated,
		OutputSize:      ev.OutputSize,
		OutputLocation:  ev.OutputLocation,
		Error:           ev.Error,
		ErrorTruncated:  ev.ErrorTruncated,
		ErrorSize:       ev.ErrorSize,
		ErrorLocation:   ev.ErrorLocation,
		ExitCode:        ev.ExitCode,
		ExecutorID:      ev.ExecutorID,
		ContainerID:     ev.ContainerID,
		RuntimeMS:       ev.RuntimeMS,
		SubmittedAt:     ev.SubmittedAt,
		UpdatedAt:       ev.UpdatedAt,
		StartedAt:       ev.StartedAt,
		CompletedAt:     ev.CompletedAt,
	}
	if includeCode {
		resp.Code = ev.Code
	}
	return resp
}

// GetHandler returns one evaluation with its advisory running info.
func (s *Server) GetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if res := ValidateEvalID(id); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid id", domain.ErrInvalidArgument), res.Errors)
			return
		}
		view, err := s.Lifecycle.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		resp := toEvalResponse(view.Evaluation, true)
		if view.Running != nil {
			resp.Running = &runningInfo{
				ExecutorID:  view.Running.ExecutorID,
				ContainerID: view.Running.ContainerID,
				StartedAt:   view.Running.StartedAt,
				TimeoutSecs: view.Running.TimeoutSecs,
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// CancelHandler cancels an evaluation; ?force=true also stops a running one.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if res := ValidateEvalID(id); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid id", domain.ErrInvalidArgument), res.Errors)
			return
		}
		force := false
		if v := r.URL.Query().Get("force"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: force must be a boolean", domain.ErrInvalidArgument), nil)
				return
			}
			force = b
		}
		out, err := s.Lifecycle.Cancel(r.Context(), id, force)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// ListHandler pages evaluations with optional status filter and sorting.
func (s *Server) ListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if res := ValidatePagination(q.Get("limit"), q.Get("offset")); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid pagination", domain.ErrInvalidArgument), res.Errors)
			return
		}
		limit := 20
		if v := q.Get("limit"); v != "" {
			limit, _ = strconv.Atoi(v)
		}
		offset := 0
		if v := q.Get("offset"); v != "" {
			offset, _ = strconv.Atoi(v)
		}

		f := domain.ListFilter{
			Status:    domain.EvaluationStatus(q.Get("status")),
			Limit:     limit,
			Offset:    offset,
			SortBy:    q.Get("sort_by"),
			SortOrder: q.Get("sort_order"),
		}
		evals, total, err := s.Lifecycle.List(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]evalResponse, 0, len(evals))
		for _, ev := range evals {
			items = append(items, toEvalResponse(ev, false))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"evaluations": items,
			"total":       total,
			"limit":       limit,
			"offset":      offset,
		})
	}
}

type eventResponse struct {
	Seq       int64           `json:"seq"`
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// EventsHandler returns the durable lifecycle event log, oldest first.
func (s *Server) EventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if res := ValidateEvalID(id); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid id", domain.ErrInvalidArgument), res.Errors)
			return
		}
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 1000 {
				writeError(w, r, fmt.Errorf("%w: limit must be 1..1000", domain.ErrInvalidArgument), nil)
				return
			}
			limit = n
		}
		recs, err := s.Lifecycle.ListEvents(r.Context(), id, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]eventResponse, 0, len(recs))
		for _, rec := range recs {
			items = append(items, eventResponse{
				Seq:       rec.Seq,
				Status:    string(rec.Status),
				Timestamp: rec.CreatedAt,
				Payload:   json.RawMessage(rec.Payload),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"eval_id": id, "events": items})
	}
}

// StatisticsHandler reports durable counters plus the DLQ size.
func (s *Server) StatisticsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Lifecycle.Statistics(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		byStatus := make(map[string]int64, len(stats.ByStatus))
		for st, n := range stats.ByStatus {
			byStatus[string(st)] = n
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"total":          stats.Total,
			"by_status":      byStatus,
			"avg_runtime_ms": stats.AvgRuntimeMS,
			"dlq_size":       stats.DLQSize,
		})
	}
}

// CleanupHandler deletes terminal evaluations older than the given age.
func (s *Server) CleanupHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := 0
		if v := r.URL.Query().Get("older_than_days"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: older_than_days must be an integer", domain.ErrInvalidArgument), nil)
				return
			}
			days = n
		}
		purged, err := s.Lifecycle.PurgeOlderThan(r.Context(), days)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"purged": purged, "older_than_days": days})
	}
}

// ReadyzHandler probes the dependencies this process needs to serve traffic.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 3)
		run := func(name string, fn func(context.Context) error) {
			if fn == nil {
				return
			}
			if err := fn(ctx); err != nil {
				checks = append(checks, check{Name: name, OK: false, Details: err.Error()})
				return
			}
			checks = append(checks, check{Name: name, OK: true})
		}
		run("db", s.DBCheck)
		run("redis", s.RedisCheck)
		run("executors", s.ExecutorCheck)

		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

// OpenAPIServe serves api/openapi.yaml if present.
func (s *Server) OpenAPIServe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := os.ReadFile("api/openapi.yaml")
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
	}
}
