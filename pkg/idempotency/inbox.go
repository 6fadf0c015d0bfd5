// Package idempotency provides duplicate detection for dispense submissions.
// Uses deterministic keys: Hash(PharmacyID+UserID+DrugID+Timestamp) with the
// timestamp truncated to a minute for clock drift tolerance.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrDuplicateSubmission indicates the submission was already ingested.
var ErrDuplicateSubmission = errors.New("duplicate submission: already ingested")

// GenerateKey creates a deterministic idempotency key for a dispense
// submission. Two submissions for the same pharmacist, drug and minute
// collapse to one key.
func GenerateKey(pharmacyID, userID, drugID string, timestamp time.Time) string {
	truncated := timestamp.Truncate(time.Minute).UTC().Format(time.RFC3339)

	parts := []string{
		pharmacyID,
		userID,
		drugID,
		truncated,
	}

	data := strings.Join(parts, "|")
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// Registry records seen submission keys.
type Registry interface {
	// Register stores the key, returning ErrDuplicateSubmission if it was
	// already present.
	Register(ctx context.Context, key string) error
	// Release removes a registered key so the submission can be retried.
	// Releasing an absent key is a no-op.
	Release(ctx context.Context, key string) error
}

// InboxConfig holds configuration for the inbox.
type InboxConfig struct {
	// TTL is how long a key blocks duplicates.
	TTL time.Duration
	// CleanupInterval is how often expired keys are purged.
	CleanupInterval time.Duration
}

// DefaultInboxConfig returns sensible defaults.
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		TTL:             24 * time.Hour,
		CleanupInterval: 1 * time.Hour,
	}
}

// Inbox is the PostgreSQL-backed submission key registry.
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates a new inbox.
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultInboxConfig().TTL
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Register implements Registry.
func (i *Inbox) Register(ctx context.Context, key string) error {
	ctx, span := i.tracer.Start(ctx, "inbox_register",
		trace.WithAttributes(attribute.String("idempotency_key", key)))
	defer span.End()

	query := `
		INSERT INTO submission_inbox (idempotency_key, expires_at)
		VALUES ($1, NOW() + $2::interval)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING 1
	`

	var one int
	err := i.pool.QueryRow(ctx, query, key, i.config.TTL.String()).Scan(&one)
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		span.SetAttributes(attribute.Bool("duplicate", true))
		return ErrDuplicateSubmission
	}
	return fmt.Errorf("inbox register: %w", err)
}

// Release implements Registry. Used when ingestion fails after the key was
// reserved, so a retry of the same submission is not rejected as a duplicate.
func (i *Inbox) Release(ctx context.Context, key string) error {
	ctx, span := i.tracer.Start(ctx, "inbox_release",
		trace.WithAttributes(attribute.String("idempotency_key", key)))
	defer span.End()

	if _, err := i.pool.Exec(ctx, "DELETE FROM submission_inbox WHERE idempotency_key = $1", key); err != nil {
		return fmt.Errorf("inbox release: %w", err)
	}
	return nil
}

// StartCleanup launches the background purge loop for expired keys.
func (i *Inbox) StartCleanup() {
	go func() {
		defer close(i.done)

		interval := i.config.CleanupInterval
		if interval <= 0 {
			interval = DefaultInboxConfig().CleanupInterval
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-i.ctx.Done():
				return
			case <-ticker.C:
				if n, err := i.cleanup(i.ctx); err != nil {
					i.logger.Error("inbox cleanup failed", zap.Error(err))
				} else if n > 0 {
					i.logger.Debug("inbox cleaned", zap.Int64("removed", n))
				}
			}
		}
	}()
}

// Stop shuts down the cleanup loop.
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

func (i *Inbox) cleanup(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, "DELETE FROM submission_inbox WHERE expires_at < NOW()")
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// MemoryRegistry is an in-memory Registry for tests.
type MemoryRegistry struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{seen: make(map[string]struct{})}
}

// Register implements Registry.
func (m *MemoryRegistry) Register(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[key]; ok {
		return ErrDuplicateSubmission
	}
	m.seen[key] = struct{}{}
	return nil
}

// Release implements Registry.
func (m *MemoryRegistry) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, key)
	return nil
}
