package postgres_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
)

// scanEval scripts a row scan that populates dest in evalColumns order.
func scanEval(ev domain.Evaluation) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = ev.ID
		*(dest[1].(*string)) = ev.Code
		*(dest[2].(*string)) = ev.Language
		*(dest[3].(*string)) = ev.Engine
		*(dest[4].(*int)) = ev.TimeoutSecs
		*(dest[5].(*int)) = ev.Priority
		*(dest[6].(*string)) = ev.Queue
		*(dest[7].(*domain.EvaluationStatus)) = ev.Status
		*(dest[8].(*int)) = ev.Attempt
		*(dest[9].(*string)) = ev.Output
		*(dest[10].(*bool)) = ev.OutputTruncated
		*(dest[11].(*int64)) = ev.OutputSize
		*(dest[12].(*string)) = ev.OutputLocation
		*(dest[13].(*string)) = ev.Error
		*(dest[14].(*bool)) = ev.ErrorTruncated
		*(dest[15].(*int64)) = ev.ErrorSize
		*(dest[16].(*string)) = ev.ErrorLocation
		*(dest[17].(**int)) = ev.ExitCode
		*(dest[18].(*string)) = ev.ExecutorID
		*(dest[19].(*string)) = ev.ContainerID
		*(dest[20].(*int64)) = ev.RuntimeMS
		*(dest[21].(*time.Time)) = ev.SubmittedAt
		*(dest[22].(*time.Time)) = ev.UpdatedAt
		*(dest[23].(**time.Time)) = ev.StartedAt
		*(dest[24].(**time.Time)) = ev.CompletedAt
		return nil
	}
}

func TestEvaluationRepo_Create(t *testing.T) {
	var gotSQL string
	var gotArgs []any
	pool := &poolStub{exec: func(sql string, args []any) (pgconn.CommandTag, error) {
		gotSQL, gotArgs = sql, args
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}}
	repo := postgres.NewEvaluationRepo(pool)

	ev := domain.Evaluation{
		ID:          "01J5ZXEXAMPLE",
		Code:        "print('hi')",
		Language:    "python",
		TimeoutSecs: 30,
		Priority:    5,
		Queue:       "eval:normal",
		Status:      domain.StatusQueued,
	}
	require.NoError(t, repo.Create(context.Background(), ev))
	assert.Contains(t, gotSQL, "INSERT INTO evaluations")
	assert.Equal(t, "01J5ZXEXAMPLE", gotArgs[0])
	assert.Equal(t, domain.StatusQueued, gotArgs[7])

	// Duplicate id maps to ErrConflict.
	pool.exec = func(string, []any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
	}
	err := repo.Create(context.Background(), ev)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConflict)

	// Other errors are wrapped, not conflated with conflict.
	pool.exec = func(string, []any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, assert.AnError
	}
	err = repo.Create(context.Background(), ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=eval.create")
	assert.NotErrorIs(t, err, domain.ErrConflict)
}

func TestEvaluationRepo_Get(t *testing.T) {
	started := time.Now().UTC().Add(-time.Minute)
	exit := 0
	want := domain.Evaluation{
		ID: "eval-1", Code: "echo hi", Language: "bash",
		TimeoutSecs: 10, Priority: 8, Queue: "eval:high",
		Status: domain.StatusRunning, Attempt: 1,
		ExecutorID: "exec-2", ContainerID: "c0ffee", ExitCode: &exit,
		SubmittedAt: started.Add(-time.Second), UpdatedAt: started, StartedAt: &started,
	}
	pool := &poolStub{queryRow: func(_ string, args []any) pgx.Row {
		if args[0] != "eval-1" {
			return rowStub{scan: func(...any) error { return pgx.ErrNoRows }}
		}
		return rowStub{scan: scanEval(want)}
	}}
	repo := postgres.NewEvaluationRepo(pool)

	got, err := repo.Get(context.Background(), "eval-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = repo.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEvaluationRepo_MarkProvisioning(t *testing.T) {
	var gotArgs []any
	pool := &poolStub{exec: func(_ string, args []any) (pgconn.CommandTag, error) {
		gotArgs = args
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}}
	repo := postgres.NewEvaluationRepo(pool)

	ok, err := repo.MarkProvisioning(context.Background(), "eval-1", "exec-3", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	// Guard set only admits the queued state.
	assert.Equal(t, []string{"queued"}, gotArgs[5])

	// A lost claim race shows as zero rows, not an error.
	pool.exec = func(string, []any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}
	ok, err = repo.MarkProvisioning(context.Background(), "eval-1", "exec-3", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluationRepo_MarkRunning(t *testing.T) {
	var gotArgs []any
	pool := &poolStub{exec: func(_ string, args []any) (pgconn.CommandTag, error) {
		gotArgs = args
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}}
	repo := postgres.NewEvaluationRepo(pool)

	startedAt := time.Now().UTC()
	ok, err := repo.MarkRunning(context.Background(), "eval-1", "exec-3", startedAt)
	require.NoError(t, err)
	assert.True(t, ok)
	// The update is fenced on the executor that claimed the evaluation.
	assert.Equal(t, "exec-3", gotArgs[5])
	assert.Equal(t, []string{"provisioning"}, gotArgs[4])
}

func TestEvaluationRepo_MarkQueued(t *testing.T) {
	var gotArgs []any
	pool := &poolStub{exec: func(_ string, args []any) (pgconn.CommandTag, error) {
		gotArgs = args
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}}
	repo := postgres.NewEvaluationRepo(pool)

	ok, err := repo.MarkQueued(context.Background(), "eval-1", 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, gotArgs[2])
	// Requeue is legal from the in-flight states only.
	assert.ElementsMatch(t, []string{"provisioning", "running"}, gotArgs[4])
}

func TestEvaluationRepo_Finish(t *testing.T) {
	var gotSQL string
	var gotArgs []any
	pool := &poolStub{exec: func(sql string, args []any) (pgconn.CommandTag, error) {
		gotSQL, gotArgs = sql, args
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}}
	repo := postgres.NewEvaluationRepo(pool)

	exit := 1
	res := domain.TerminalResult{
		Status:      domain.StatusFailed,
		Output:      domain.OutputBlob{Preview: "partial", Size: 7},
		Error:       domain.OutputBlob{Preview: "boom", Truncated: true, Size: 4096, Location: "abc"},
		ExitCode:    &exit,
		ContainerID: "c0ffee",
		RuntimeMS:   1500,
	}
	ok, err := repo.Finish(context.Background(), "eval-1", res)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, gotSQL, "completed_at")
	assert.Contains(t, gotSQL, "executor_id=''", "the executor pin is cleared in the same statement")
	assert.Equal(t, domain.StatusFailed, gotArgs[1])
	assert.Equal(t, "boom", gotArgs[6])
	assert.Equal(t, &exit, gotArgs[10])
	assert.Equal(t, "c0ffee", gotArgs[11])
	assert.Equal(t, int64(1500), gotArgs[12])

	// Terminal rows stay frozen: the guarded update touches nothing.
	pool.exec = func(string, []any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}
	ok, err = repo.Finish(context.Background(), "eval-1", res)
	require.NoError(t, err)
	assert.False(t, ok)

	// Non-terminal statuses are rejected before reaching the database.
	pool.exec = func(string, []any) (pgconn.CommandTag, error) {
		t.Fatal("exec should not be called")
		return pgconn.CommandTag{}, nil
	}
	_, err = repo.Finish(context.Background(), "eval-1", domain.TerminalResult{Status: domain.StatusRunning})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestEvaluationRepo_Reopen(t *testing.T) {
	var gotSQL string
	var gotArgs []any
	pool := &poolStub{exec: func(sql string, args []any) (pgconn.CommandTag, error) {
		gotSQL, gotArgs = sql, args
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}}
	repo := postgres.NewEvaluationRepo(pool)

	ok, err := repo.Reopen(context.Background(), "eval-1", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	// Only failed rows may be resurrected, and the retry starts clean.
	assert.Equal(t, domain.StatusFailed, gotArgs[4])
	assert.Equal(t, 0, gotArgs[2])
	assert.Contains(t, gotSQL, "started_at=NULL")
	assert.Contains(t, gotSQL, "exit_code=NULL")

	// A row no longer failed (already resubmitted, purged, cancelled)
	// reports false so the caller can surface it.
	pool.exec = func(string, []any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}
	ok, err = repo.Reopen(context.Background(), "eval-1", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluationRepo_List(t *testing.T) {
	ev1 := domain.Evaluation{ID: "eval-1", Status: domain.StatusCompleted, SubmittedAt: time.Now().UTC()}
	ev2 := domain.Evaluation{ID: "eval-2", Status: domain.StatusCompleted, SubmittedAt: time.Now().UTC().Add(-time.Hour)}

	var gotListSQL string
	pool := &poolStub{
		queryRow: func(sql string, _ []any) pgx.Row {
			return rowStub{scan: func(dest ...any) error {
				*(dest[0].(*int64)) = 7
				return nil
			}}
		},
		query: func(sql string, args []any) (pgx.Rows, error) {
			gotListSQL = sql
			return &rowsStub{scans: []func(dest ...any) error{scanEval(ev1), scanEval(ev2)}}, nil
		},
	}
	repo := postgres.NewEvaluationRepo(pool)

	out, total, err := repo.List(context.Background(), domain.ListFilter{
		Status: domain.StatusCompleted, Limit: 2, SortBy: "submitted_at", SortOrder: "desc",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)
	require.Len(t, out, 2)
	assert.Equal(t, "eval-1", out[0].ID)
	assert.Equal(t, "eval-2", out[1].ID)
	assert.Contains(t, gotListSQL, "ORDER BY submitted_at DESC")
	assert.Contains(t, gotListSQL, "WHERE status=$1")
}

func TestEvaluationRepo_List_SortWhitelist(t *testing.T) {
	var gotListSQL string
	pool := &poolStub{
		queryRow: func(string, []any) pgx.Row {
			return rowStub{scan: func(dest ...any) error { *(dest[0].(*int64)) = 0; return nil }}
		},
		query: func(sql string, _ []any) (pgx.Rows, error) {
			gotListSQL = sql
			return &rowsStub{}, nil
		},
	}
	repo := postgres.NewEvaluationRepo(pool)

	// Hostile sort input falls back to the default column.
	_, _, err := repo.List(context.Background(), domain.ListFilter{SortBy: "id; DROP TABLE evaluations"})
	require.NoError(t, err)
	assert.Contains(t, gotListSQL, "ORDER BY submitted_at DESC")
	assert.False(t, strings.Contains(gotListSQL, "DROP"))

	_, _, err = repo.List(context.Background(), domain.ListFilter{SortBy: "priority", SortOrder: "asc"})
	require.NoError(t, err)
	assert.Contains(t, gotListSQL, "ORDER BY priority ASC")
}

func TestEvaluationRepo_List_QueryError(t *testing.T) {
	pool := &poolStub{
		queryRow: func(string, []any) pgx.Row {
			return rowStub{scan: func(dest ...any) error { *(dest[0].(*int64)) = 1; return nil }}
		},
		query: func(string, []any) (pgx.Rows, error) { return nil, assert.AnError },
	}
	repo := postgres.NewEvaluationRepo(pool)
	_, _, err := repo.List(context.Background(), domain.ListFilter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=eval.list")
}

func TestEvaluationRepo_FindStale(t *testing.T) {
	stale := domain.Evaluation{ID: "eval-zombie", Status: domain.StatusRunning}
	var gotArgs []any
	pool := &poolStub{query: func(_ string, args []any) (pgx.Rows, error) {
		gotArgs = args
		return &rowsStub{scans: []func(dest ...any) error{scanEval(stale)}}, nil
	}}
	repo := postgres.NewEvaluationRepo(pool)

	before := time.Now().Add(-10 * time.Minute)
	out, err := repo.FindStale(context.Background(), before, 50)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "eval-zombie", out[0].ID)
	assert.Equal(t, before, gotArgs[1])
	// Only live states qualify as stale candidates.
	assert.ElementsMatch(t, []string{"queued", "provisioning", "running"}, gotArgs[0])
}

func TestEvaluationRepo_Statistics(t *testing.T) {
	pool := &poolStub{
		query: func(string, []any) (pgx.Rows, error) {
			return &rowsStub{scans: []func(dest ...any) error{
				func(dest ...any) error {
					*(dest[0].(*domain.EvaluationStatus)) = domain.StatusCompleted
					*(dest[1].(*int64)) = 12
					return nil
				},
				func(dest ...any) error {
					*(dest[0].(*domain.EvaluationStatus)) = domain.StatusQueued
					*(dest[1].(*int64)) = 3
					return nil
				},
			}}, nil
		},
		queryRow: func(string, []any) pgx.Row {
			return rowStub{scan: func(dest ...any) error {
				*(dest[0].(*float64)) = 421.5
				return nil
			}}
		},
	}
	repo := postgres.NewEvaluationRepo(pool)

	stats, err := repo.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(15), stats.Total)
	assert.Equal(t, int64(12), stats.ByStatus[domain.StatusCompleted])
	assert.Equal(t, int64(3), stats.ByStatus[domain.StatusQueued])
	assert.InDelta(t, 421.5, stats.AvgRuntimeMS, 0.01)
}

func TestEvaluationRepo_PurgeTerminalBefore(t *testing.T) {
	var execs []string
	tx := &txStub{exec: func(sql string, _ []any) (pgconn.CommandTag, error) {
		execs = append(execs, sql)
		if strings.Contains(sql, "DELETE FROM evaluations ") {
			return pgconn.NewCommandTag("DELETE 4"), nil
		}
		return pgconn.NewCommandTag("DELETE 9"), nil
	}}
	pool := &poolStub{beginTx: func() (pgx.Tx, error) { return tx, nil }}
	repo := postgres.NewEvaluationRepo(pool)

	n, err := repo.PurgeTerminalBefore(context.Background(), time.Now().Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.True(t, tx.committed)
	require.Len(t, execs, 2)
	// Events go first so the log never outlives its evaluation.
	assert.Contains(t, execs[0], "evaluation_events")
}

func TestEvaluationRepo_PurgeTerminalBefore_ExecError(t *testing.T) {
	tx := &txStub{exec: func(string, []any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("disk full")
	}}
	pool := &poolStub{beginTx: func() (pgx.Tx, error) { return tx, nil }}
	repo := postgres.NewEvaluationRepo(pool)

	_, err := repo.PurgeTerminalBefore(context.Background(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=eval.purge")
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
}
