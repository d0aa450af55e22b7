package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Archiver moves aged decisions and terminal positions from the database to
// S3 cold storage on a fixed schedule.
type Archiver struct {
	blobArchiver  domain.Archiver
	retentionDays int
	logger        *slog.Logger
}

// NewArchiver creates a new Archiver.
func NewArchiver(blobArchiver domain.Archiver, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver:  blobArchiver,
		retentionDays: retentionDays,
		logger:        logger.With("component", "archiver"),
	}
}

// Run executes a single archive pass. Rows older than the retention cutoff
// are written to cold storage and removed from the database. Only terminal
// positions are eligible; open exposure is never archived.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	a.logger.Info("starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	positionsArchived, err := a.blobArchiver.ArchivePositions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving positions before %v: %w", cutoff, err)
	}

	decisionsArchived, err := a.blobArchiver.ArchiveDecisions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving decisions before %v: %w", cutoff, err)
	}

	a.logger.Info("archive run complete",
		slog.Int64("positions_archived", positionsArchived),
		slog.Int64("decisions_archived", decisionsArchived),
	)
	return nil
}

// RunEvery runs archive passes on the given interval until the context is
// cancelled. A failed pass is logged and retried on the next tick.
func (a *Archiver) RunEvery(ctx context.Context, interval time.Duration) error {
	a.logger.Info("archiver started", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("archiver stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := a.Run(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
