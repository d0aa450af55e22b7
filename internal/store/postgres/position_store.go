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

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, symbol, side, size, leverage, entry_price,
	stop_loss_price, take_profit, status, decision_id, fail_reason,
	opened_at, closed_at, exit_price`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, status string

	err := row.Scan(
		&p.ID, &p.Symbol, &side, &p.Size, &p.Leverage, &p.EntryPrice,
		&p.StopLossPrice, &p.TakeProfit, &status, &p.DecisionID, &p.FailReason,
		&p.OpenedAt, &p.ClosedAt, &p.ExitPrice,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.PositionSide(side)
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, symbol, side, size, leverage, entry_price,
			stop_loss_price, take_profit, status, decision_id, fail_reason,
			opened_at, closed_at, exit_price, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Symbol, string(p.Side), p.Size, p.Leverage, p.EntryPrice,
		p.StopLossPrice, p.TakeProfit, string(p.Status), p.DecisionID, p.FailReason,
		p.OpenedAt, p.ClosedAt, p.ExitPrice,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			size            = $2,
			leverage        = $3,
			entry_price     = $4,
			stop_loss_price = $5,
			take_profit     = $6,
			status          = $7,
			fail_reason     = $8,
			closed_at       = $9,
			exit_price      = $10,
			updated_at      = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.Size, p.Leverage, p.EntryPrice,
		p.StopLossPrice, p.TakeProfit, string(p.Status), p.FailReason,
		p.ClosedAt, p.ExitPrice,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetOpenBySymbol returns the single non-terminal position for the symbol.
func (s *PositionStore) GetOpenBySymbol(ctx context.Context, symbol string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE symbol = $1 AND status NOT IN ('closed', 'failed')`, symbol)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get open position %s: %w", symbol, err)
	}
	return p, nil
}

// ListOpen returns all non-terminal positions.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status NOT IN ('closed', 'failed')
		 ORDER BY opened_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// CountOpen returns the number of non-terminal positions.
func (s *PositionStore) CountOpen(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE status NOT IN ('closed', 'failed')`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count open positions: %w", err)
	}
	return n, nil
}

// ListHistory returns positions with pagination and optional time filtering,
// newest first.
func (s *PositionStore) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE TRUE`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND opened_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND opened_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY opened_at DESC"

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
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan position history: %w", err)
	}
	return positions, nil
}

// ListTerminalBefore returns up to limit closed or failed positions opened
// before the cutoff, oldest first.
func (s *PositionStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status IN ('closed', 'failed') AND opened_at < $1
		 ORDER BY opened_at ASC
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal positions before %v: %w", cutoff, err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan terminal positions: %w", err)
	}
	return positions, nil
}

// DeleteTerminalBefore removes closed or failed positions opened before the
// cutoff.
func (s *PositionStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM positions
		 WHERE status IN ('closed', 'failed') AND opened_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete terminal positions before %v: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
