package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService handles data retention for terminal evaluations.
type CleanupService struct {
	Repo          *EvaluationRepo
	RetentionDays int
}

// NewCleanupService creates a new cleanup service
func NewCleanupService(repo *EvaluationRepo, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90 // default 90 days
	}
	return &CleanupService{Repo: repo, RetentionDays: retentionDays}
}

// CleanupOldData removes terminal evaluations older than the retention
// period. Non-terminal rows are never purged; the stale sweeper owns those.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	deleted, err := s.Repo.PurgeTerminalBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_evaluations", deleted),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic starts a periodic cleanup job
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour // daily by default
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run initial cleanup
	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
