package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// DecisionStore implements domain.DecisionStore using PostgreSQL.
type DecisionStore struct {
	pool *pgxpool.Pool
}

// NewDecisionStore creates a new DecisionStore backed by the given connection pool.
func NewDecisionStore(pool *pgxpool.Pool) *DecisionStore {
	return &DecisionStore{pool: pool}
}

const decisionSelectCols = `id, signal_id, symbol, action, rationale, confidence,
	max_leverage, position_size_fraction, stop_loss_fraction,
	take_profit_fraction, max_concurrent_positions, degraded, created_at`

func scanDecisionRow(row pgx.Row) (domain.Decision, error) {
	var d domain.Decision
	var action string

	err := row.Scan(
		&d.ID, &d.SignalID, &d.Symbol, &action, &d.Rationale, &d.Confidence,
		&d.Risk.MaxLeverage, &d.Risk.PositionSizeFraction, &d.Risk.StopLossFraction,
		&d.Risk.TakeProfitFraction, &d.Risk.MaxConcurrentPositions,
		&d.Degraded, &d.CreatedAt,
	)
	if err != nil {
		return domain.Decision{}, err
	}
	d.Action = domain.SignalAction(action)
	return d, nil
}

func scanDecisionRows(rows pgx.Rows) ([]domain.Decision, error) {
	var decisions []domain.Decision
	for rows.Next() {
		d, err := scanDecisionRow(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// Create inserts a new decision.
func (s *DecisionStore) Create(ctx context.Context, d domain.Decision) error {
	const query = `
		INSERT INTO decisions (
			id, signal_id, symbol, action, rationale, confidence,
			max_leverage, position_size_fraction, stop_loss_fraction,
			take_profit_fraction, max_concurrent_positions, degraded, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12, $13
		)`

	_, err := s.pool.Exec(ctx, query,
		d.ID, d.SignalID, d.Symbol, string(d.Action), d.Rationale, d.Confidence,
		d.Risk.MaxLeverage, d.Risk.PositionSizeFraction, d.Risk.StopLossFraction,
		d.Risk.TakeProfitFraction, d.Risk.MaxConcurrentPositions,
		d.Degraded, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create decision %s: %w", d.ID, err)
	}
	return nil
}

// GetByID retrieves a single decision by its ID.
func (s *DecisionStore) GetByID(ctx context.Context, id string) (domain.Decision, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+decisionSelectCols+` FROM decisions WHERE id = $1`, id)

	d, err := scanDecisionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Decision{}, domain.ErrNotFound
		}
		return domain.Decision{}, fmt.Errorf("postgres: get decision %s: %w", id, err)
	}
	return d, nil
}

// ListRecent returns decisions ordered newest first with pagination and
// optional time filtering.
func (s *DecisionStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Decision, error) {
	query := `SELECT ` + decisionSelectCols + ` FROM decisions WHERE TRUE`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list decisions: %w", err)
	}
	defer rows.Close()

	decisions, err := scanDecisionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan decisions: %w", err)
	}
	return decisions, nil
}

// ListBefore returns up to limit decisions created before the cutoff, oldest
// first. The archiver uses it to page through rows bound for cold storage.
func (s *DecisionStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Decision, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+decisionSelectCols+` FROM decisions
		 WHERE created_at < $1
		 ORDER BY created_at ASC
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list decisions before %v: %w", cutoff, err)
	}
	defer rows.Close()

	decisions, err := scanDecisionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan decisions: %w", err)
	}
	return decisions, nil
}

// DeleteBefore removes decisions created before the cutoff that no surviving
// position references.
func (s *DecisionStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM decisions
		 WHERE created_at < $1
		   AND id NOT IN (SELECT decision_id FROM positions)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete decisions before %v: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.DecisionStore = (*DecisionStore)(nil)
