package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// SignalStore implements domain.SignalStore using PostgreSQL.
type SignalStore struct {
	pool *pgxpool.Pool
}

// NewSignalStore creates a new SignalStore backed by the given connection pool.
func NewSignalStore(pool *pgxpool.Pool) *SignalStore {
	return &SignalStore{pool: pool}
}

// Create inserts an admitted signal.
func (s *SignalStore) Create(ctx context.Context, sig domain.Signal) error {
	const query = `
		INSERT INTO signals (id, source, symbol, timeframe, action, signal_type, received_at, raw)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.pool.Exec(ctx, query,
		sig.ID, sig.Source, sig.Symbol, sig.Timeframe,
		string(sig.Action), string(sig.Type), sig.ReceivedAt, sig.Raw,
	)
	if err != nil {
		return fmt.Errorf("postgres: create signal %s: %w", sig.ID, err)
	}
	return nil
}

// GetByID retrieves a single signal by its ID.
func (s *SignalStore) GetByID(ctx context.Context, id string) (domain.Signal, error) {
	const query = `
		SELECT id, source, symbol, timeframe, action, signal_type, received_at, raw
		FROM signals WHERE id = $1`

	var (
		sig            domain.Signal
		action, sigTyp string
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&sig.ID, &sig.Source, &sig.Symbol, &sig.Timeframe,
		&action, &sigTyp, &sig.ReceivedAt, &sig.Raw,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Signal{}, domain.ErrNotFound
		}
		return domain.Signal{}, fmt.Errorf("postgres: get signal %s: %w", id, err)
	}
	sig.Action = domain.SignalAction(action)
	sig.Type = domain.SignalType(sigTyp)
	return sig, nil
}

var _ domain.SignalStore = (*SignalStore)(nil)
