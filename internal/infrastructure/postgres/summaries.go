package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pharmos/dispense-engine/internal/analytics"
)

// SummaryStore persists daily summaries keyed by (date, pharmacy). The
// summary body is stored as a JSON document: summaries are disposable cache
// entries read back whole, never queried field-by-field.
type SummaryStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewSummaryStore creates a new store.
func NewSummaryStore(pool *pgxpool.Pool, logger *zap.Logger) *SummaryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SummaryStore{pool: pool, logger: logger}
}

// Get implements analytics.SummaryStore.
func (s *SummaryStore) Get(ctx context.Context, date time.Time, pharmacyID string) (*analytics.DailySummary, error) {
	query := `
		SELECT body
		FROM daily_summaries
		WHERE summary_date = $1 AND pharmacy_id = $2
	`

	var body []byte
	err := s.pool.QueryRow(ctx, query, date, pharmacyID).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, analytics.ErrSummaryMissing
	}
	if err != nil {
		return nil, fmt.Errorf("summary query: %w", err)
	}

	summary := &analytics.DailySummary{}
	if err := json.Unmarshal(body, summary); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return summary, nil
}

// Upsert implements analytics.SummaryStore. Re-running a day overwrites the
// previous entry; last writer wins.
func (s *SummaryStore) Upsert(ctx context.Context, summary *analytics.DailySummary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	query := `
		INSERT INTO daily_summaries (summary_date, pharmacy_id, body, computed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (summary_date, pharmacy_id) DO UPDATE SET
			body = EXCLUDED.body,
			computed_at = EXCLUDED.computed_at
	`
	_, err = s.pool.Exec(ctx, query, summary.Date, summary.PharmacyID, body, summary.ComputedAt)
	if err != nil {
		return fmt.Errorf("summary upsert: %w", err)
	}

	s.logger.Debug("daily summary upserted",
		zap.Time("date", summary.Date),
		zap.String("pharmacy_id", summary.PharmacyID))
	return nil
}
