package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
)

// DLQListHandler pages dead-letter tasks, optionally filtered by eval_id.
func (s *Server) DLQListHandler() http.HandlerFunc {
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
		tasks, total, err := s.DLQ.List(r.Context(), limit, offset, q.Get("eval_id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tasks":  tasks,
			"total":  total,
			"limit":  limit,
			"offset": offset,
		})
	}
}

// DLQGetHandler returns one dead-letter task by its task id.
func (s *Server) DLQGetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := s.DLQ.Get(r.Context(), chi.URLParam(r, "taskID"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

// DLQStatisticsHandler summarizes the dead-letter queue.
func (s *Server) DLQStatisticsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.DLQ.Statistics(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// DLQRetryHandler resubmits one dead-letter task onto its original queue.
func (s *Server) DLQRetryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskID")
		task, err := s.DLQ.Retry(r.Context(), taskID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"task_id": taskID,
			"eval_id": task.EvalID,
			"status":  string(domain.StatusQueued),
		})
	}
}

// DLQRemoveHandler deletes a dead-letter task for good.
func (s *Server) DLQRemoveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskID")
		if err := s.DLQ.Remove(r.Context(), taskID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "removed": true})
	}
}

// DLQRetryBatchHandler resubmits up to RetryBatchLimit tasks in one call and
// reports the outcome per task.
func (s *Server) DLQRetryBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TaskIDs []string `json:"task_ids"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		results, err := s.DLQ.RetryBatch(r.Context(), req.TaskIDs)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		retried := 0
		for _, res := range results {
			if res.OK {
				retried++
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"results": results,
			"retried": retried,
			"failed":  len(results) - retried,
		})
	}
}
