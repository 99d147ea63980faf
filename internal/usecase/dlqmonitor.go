package usecase

import (
	"time"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/observability"
)

// DLQMonitor periodically samples the dead-letter queue and logs when it
// grows past the alert thresholds. Paging belongs to whatever tails the
// logs; the monitor only makes the condition visible.
type DLQMonitor struct {
	DLQ domain.DeadLetterQueue

	Interval       time.Duration
	AlertSize      int64
	AlertClassSize int
}

// Run blocks until ctx is done, checking once per interval with an
// immediate first pass.
func (m *DLQMonitor) Run(ctx domain.Context) {
	if m == nil || m.DLQ == nil {
		return
	}
	ticker := time.NewTicker(m.interval())
	defer ticker.Stop()

	m.checkOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			observability.LoggerFromContext(ctx).Info("dlq monitor stopping")
			return
		case <-ticker.C:
			m.checkOnce(ctx)
		}
	}
}

func (m *DLQMonitor) checkOnce(ctx domain.Context) {
	lg := observability.LoggerFromContext(ctx)
	stats, err := m.DLQ.Statistics(ctx)
	if err != nil {
		lg.Error("dlq statistics failed", "error", err)
		return
	}
	if stats.Size >= m.alertSize() {
		lg.Warn("dead-letter queue above alert threshold",
			"size", stats.Size, "threshold", m.alertSize())
	}
	classLimit := m.alertClassSize()
	for class, n := range stats.ByErrorClass {
		if n >= classLimit {
			lg.Warn("dead-letter error class above alert threshold",
				"class", string(class), "count", n, "threshold", classLimit)
		}
	}
}

func (m *DLQMonitor) interval() time.Duration {
	if m.Interval > 0 {
		return m.Interval
	}
	return 5 * time.Minute
}

func (m *DLQMonitor) alertSize() int64 {
	if m.AlertSize > 0 {
		return m.AlertSize
	}
	return 100
}

func (m *DLQMonitor) alertClassSize() int {
	if m.AlertClassSize > 0 {
		return m.AlertClassSize
	}
	return 25
}
