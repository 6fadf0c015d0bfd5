package dispensing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pharmos/dispense-engine/internal/drugref"
	"github.com/pharmos/dispense-engine/internal/observability/metrics"
	"github.com/pharmos/dispense-engine/pkg/idempotency"
)

// EventStore is the persistence surface the service needs. *Repository
// satisfies it; tests substitute an in-memory store.
type EventStore interface {
	Insert(ctx context.Context, ev *Event) (*HighRiskAlert, error)
	GetByIDs(ctx context.Context, ids []string) ([]*Event, error)
	EventsInRange(ctx context.Context, start, end time.Time, pharmacyID string) ([]*Event, error)
	UpdateRiskResult(ctx context.Context, eventID string, result RiskResult) error
}

// ErrInvalidSubmission indicates a submission missing required fields.
var ErrInvalidSubmission = errors.New("invalid submission")

// Service is the ingestion entry point: enrich, score and persist a
// submission as one logical unit. Alert dispatch happens asynchronously via
// the outbox relay, never on the ingestion path.
type Service struct {
	store   EventStore
	lookup  drugref.Lookup
	scorer  *Scorer
	dedupe  idempotency.Registry
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewService creates the ingestion service. dedupe and m may be nil.
func NewService(store EventStore, lookup drugref.Lookup, scorer *Scorer, dedupe idempotency.Registry, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   store,
		lookup:  lookup,
		scorer:  scorer,
		dedupe:  dedupe,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("dispensing-service"),
	}
}

// EnrichAndScore ingests one submission. The event is scored exactly once,
// synchronously, and persisted with its high-risk flag already consistent
// with its category.
func (s *Service) EnrichAndScore(ctx context.Context, sub RawSubmission) (*Event, error) {
	ctx, span := s.tracer.Start(ctx, "enrich_and_score",
		trace.WithAttributes(
			attribute.String("pharmacy_id", sub.PharmacyID),
			attribute.String("drug_id", sub.DrugID),
		))
	defer span.End()

	start := time.Now()

	if err := validateSubmission(sub); err != nil {
		return nil, err
	}

	var dedupeKey string
	if s.dedupe != nil {
		dedupeKey = idempotency.GenerateKey(sub.PharmacyID, sub.UserID, sub.DrugID, sub.Timestamp)
		if err := s.dedupe.Register(ctx, dedupeKey); err != nil {
			if errors.Is(err, idempotency.ErrDuplicateSubmission) && s.metrics != nil {
				s.metrics.DuplicateRejections.Inc()
			}
			return nil, err
		}
	}

	enriched, err := Enrich(ctx, sub, s.lookup)
	if err != nil {
		s.releaseKey(ctx, dedupeKey)
		return nil, fmt.Errorf("enrich: %w", err)
	}
	if !enriched.MetadataComplete && s.metrics != nil {
		s.metrics.LookupMisses.Inc()
	}

	result := s.scorer.Score(enriched)

	ev := &Event{
		ID:            newID(),
		EnrichedEvent: enriched,
		RiskResult:    result,
		HighRiskFlag:  result.Category.IsHighRisk(),
		CreatedAt:     time.Now().UTC(),
	}

	alert, err := s.store.Insert(ctx, ev)
	if err != nil {
		s.releaseKey(ctx, dedupeKey)
		return nil, fmt.Errorf("persist event: %w", err)
	}

	if s.metrics != nil {
		s.metrics.EventsScored.WithLabelValues(string(result.Category)).Inc()
		if ev.HighRiskFlag {
			s.metrics.HighRiskEvents.WithLabelValues(string(result.Category)).Inc()
		}
		s.metrics.IngestDuration.Observe(time.Since(start).Seconds())
	}

	span.SetAttributes(
		attribute.Float64("risk_score", result.Score),
		attribute.String("risk_category", string(result.Category)),
	)

	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("pharmacy_id", ev.PharmacyID),
		zap.String("category", string(result.Category)),
		zap.Float64("score", result.Score),
	}
	if alert != nil {
		fields = append(fields, zap.String("alert_id", alert.ID))
	}
	s.logger.Info("dispense event scored", fields...)

	return ev, nil
}

// releaseKey undoes a dedupe reservation after a failed ingestion so the
// same submission can be retried instead of being rejected as a duplicate.
func (s *Service) releaseKey(ctx context.Context, key string) {
	if s.dedupe == nil || key == "" {
		return
	}
	if err := s.dedupe.Release(ctx, key); err != nil {
		s.logger.Warn("failed to release idempotency key",
			zap.String("idempotency_key", key),
			zap.Error(err))
	}
}

func validateSubmission(sub RawSubmission) error {
	switch {
	case sub.PharmacyID == "":
		return fmt.Errorf("%w: pharmacy_id is required", ErrInvalidSubmission)
	case sub.UserID == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidSubmission)
	case sub.DrugID == "" && sub.DrugName == "":
		return fmt.Errorf("%w: drug_id or drug_name is required", ErrInvalidSubmission)
	case sub.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrInvalidSubmission)
	}
	return nil
}

func newID() string {
	return uuid.New().String()
}

// ReprocessFilter selects persisted events for rescoring. IDs wins when
// set; otherwise the time range (with optional pharmacy) applies.
type ReprocessFilter struct {
	IDs        []string
	Start      time.Time
	End        time.Time
	PharmacyID string
}

// ReprocessReport summarizes a reprocessing batch.
type ReprocessReport struct {
	Matched   int `json:"matched"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}

// Reprocess recomputes score, category and flags for already-persisted
// events under the current policy. Submission fields are never touched.
// Individual failures are logged and counted; the batch always runs to
// completion. Running twice under an unchanged policy is a no-op the
// second time.
func (s *Service) Reprocess(ctx context.Context, filter ReprocessFilter) (ReprocessReport, error) {
	ctx, span := s.tracer.Start(ctx, "reprocess_events")
	defer span.End()

	var (
		events []*Event
		err    error
	)
	if len(filter.IDs) > 0 {
		events, err = s.store.GetByIDs(ctx, filter.IDs)
	} else {
		events, err = s.store.EventsInRange(ctx, filter.Start, filter.End, filter.PharmacyID)
	}
	if err != nil {
		return ReprocessReport{}, fmt.Errorf("load events: %w", err)
	}

	report := ReprocessReport{Matched: len(events)}
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		next := s.scorer.Score(ev.EnrichedEvent)
		if sameResult(ev.RiskResult, next) {
			report.Unchanged++
			continue
		}

		if err := s.store.UpdateRiskResult(ctx, ev.ID, next); err != nil {
			report.Failed++
			if s.metrics != nil {
				s.metrics.ReprocessedEvents.WithLabelValues("failed").Inc()
			}
			s.logger.Warn("reprocess failed for event",
				zap.String("event_id", ev.ID),
				zap.Error(err))
			continue
		}

		report.Updated++
		if s.metrics != nil {
			s.metrics.ReprocessedEvents.WithLabelValues("updated").Inc()
		}
	}

	span.SetAttributes(
		attribute.Int("matched", report.Matched),
		attribute.Int("updated", report.Updated),
		attribute.Int("failed", report.Failed),
	)
	return report, nil
}

func sameResult(a, b RiskResult) bool {
	if a.Score != b.Score || a.Category != b.Category || len(a.Flags) != len(b.Flags) {
		return false
	}
	for i := range a.Flags {
		if a.Flags[i] != b.Flags[i] {
			return false
		}
	}
	return true
}
