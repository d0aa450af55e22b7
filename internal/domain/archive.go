package domain

import (
	"context"
	"time"
)

// Archiver moves aged rows to cold storage and deletes them from the
// database. Each method returns the number of rows archived.
type Archiver interface {
	ArchivePositions(ctx context.Context, cutoff time.Time) (int64, error)
	ArchiveDecisions(ctx context.Context, cutoff time.Time) (int64, error)
}
