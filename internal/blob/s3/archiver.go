package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// archiveBatchSize bounds how many rows one archive pass loads into memory.
const archiveBatchSize = 1000

// Archive implements domain.Archiver by paging aged rows out of the domain
// stores, serializing them to JSONL, uploading to S3, and deleting the
// archived rows. Deletion happens only after a successful upload, so a failed
// pass leaves the database intact and the next pass retries.
type Archive struct {
	writer    domain.BlobWriter
	positions domain.PositionStore
	decisions domain.DecisionStore
	audit     domain.AuditStore
}

// NewArchiver creates a new Archive.
func NewArchiver(writer domain.BlobWriter, positions domain.PositionStore, decisions domain.DecisionStore, audit domain.AuditStore) *Archive {
	return &Archive{
		writer:    writer,
		positions: positions,
		decisions: decisions,
		audit:     audit,
	}
}

// ArchivePositions uploads terminal positions opened before the cutoff to
// archive/positions/YYYY-MM.jsonl and deletes them from the database. Only
// closed and failed positions are eligible.
func (a *Archive) ArchivePositions(ctx context.Context, cutoff time.Time) (int64, error) {
	rows, err := a.positions.ListTerminalBefore(ctx, cutoff, archiveBatchSize)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path := archivePath("positions", cutoff)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	deleted, err := a.positions.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions delete: %w", err)
	}

	if err := a.audit.Log(ctx, "archive.positions", map[string]any{
		"path":    path,
		"count":   deleted,
		"cutoff":  cutoff.Format(time.RFC3339),
		"deleted": deleted,
	}); err != nil {
		return deleted, fmt.Errorf("s3blob: archive positions audit log: %w", err)
	}

	return deleted, nil
}

// ArchiveDecisions uploads decisions created before the cutoff to
// archive/decisions/YYYY-MM.jsonl and deletes the rows no surviving position
// references.
func (a *Archive) ArchiveDecisions(ctx context.Context, cutoff time.Time) (int64, error) {
	rows, err := a.decisions.ListBefore(ctx, cutoff, archiveBatchSize)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive decisions query: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive decisions marshal: %w", err)
	}

	path := archivePath("decisions", cutoff)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive decisions upload: %w", err)
	}

	deleted, err := a.decisions.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive decisions delete: %w", err)
	}

	if err := a.audit.Log(ctx, "archive.decisions", map[string]any{
		"path":   path,
		"count":  deleted,
		"cutoff": cutoff.Format(time.RFC3339),
	}); err != nil {
		return deleted, fmt.Errorf("s3blob: archive decisions audit log: %w", err)
	}

	return deleted, nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
func archivePath(kind string, cutoff time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, cutoff.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archive)(nil)
