package drugref

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store is the PostgreSQL-backed drug reference lookup.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewStore creates a new store.
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// Get implements Lookup.
func (s *Store) Get(ctx context.Context, drugID string) (*Drug, error) {
	query := `
		SELECT drug_id, generic_name, category, pregnancy_category, contraindications
		FROM drug_reference
		WHERE drug_id = $1
	`

	d := &Drug{}
	err := s.pool.QueryRow(ctx, query, drugID).Scan(
		&d.DrugID, &d.GenericName, &d.Category, &d.PregnancyCategory, &d.Contraindications,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("drug reference query: %w", err)
	}
	return d, nil
}

// Upsert writes a drug reference record, used for bootstrap loading.
func (s *Store) Upsert(ctx context.Context, d *Drug) error {
	query := `
		INSERT INTO drug_reference (drug_id, generic_name, category, pregnancy_category, contraindications)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (drug_id) DO UPDATE SET
			generic_name = EXCLUDED.generic_name,
			category = EXCLUDED.category,
			pregnancy_category = EXCLUDED.pregnancy_category,
			contraindications = EXCLUDED.contraindications
	`
	_, err := s.pool.Exec(ctx, query,
		d.DrugID, d.GenericName, d.Category, d.PregnancyCategory, d.Contraindications)
	if err != nil {
		return fmt.Errorf("drug reference upsert: %w", err)
	}
	return nil
}
