// Package dispensing provides the dispensing event store repository.
package dispensing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// AlertQueue enqueues an alert for asynchronous dispatch inside the same
// transaction as the event insert. The outbox relay drains the queue.
type AlertQueue interface {
	Queue(ctx context.Context, tx pgx.Tx, alert *HighRiskAlert) error
}

// Repository persists dispensing events and high-risk alerts in PostgreSQL.
type Repository struct {
	pool   *pgxpool.Pool
	alerts AlertQueue
	logger *zap.Logger
}

// NewRepository creates a new repository. alerts may be nil, in which case
// high-risk alerts are persisted but not queued for dispatch.
func NewRepository(pool *pgxpool.Pool, alerts AlertQueue, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, alerts: alerts, logger: logger}
}

const eventColumns = `
	id, pharmacy_id, user_id, drug_id, drug_name, drug_generic_name,
	drug_class, drug_is_controlled, drug_is_antibiotic, ts, is_prescription,
	stg_compliant, override_flag, override_reason, patient_age, patient_weight,
	patient_is_pregnant, patient_age_group, pregnancy_contraindicated,
	metadata_complete, risk_score, risk_category, risk_flags, high_risk_flag,
	created_at`

// Insert persists an event; when the event is high-risk it also writes the
// alert row and its outbox entry in the same transaction, so an event is
// never visible without its alert.
func (r *Repository) Insert(ctx context.Context, ev *Event) (*HighRiskAlert, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.insertEvent(ctx, tx, ev); err != nil {
		return nil, err
	}

	var alert *HighRiskAlert
	if ev.HighRiskFlag {
		alert = &HighRiskAlert{
			ID:         newID(),
			EventID:    ev.ID,
			PharmacyID: ev.PharmacyID,
			DrugName:   ev.DrugName,
			Severity:   ev.Category,
			Reason:     ReasonString(ev.Flags),
			CreatedAt:  time.Now().UTC(),
		}
		if err := r.insertAlert(ctx, tx, alert); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return alert, nil
}

func (r *Repository) insertEvent(ctx context.Context, tx pgx.Tx, ev *Event) error {
	flags, err := json.Marshal(ev.Flags)
	if err != nil {
		return fmt.Errorf("marshal flags: %w", err)
	}

	query := `
		INSERT INTO dispensing_events (` + eventColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
	`
	_, err = tx.Exec(ctx, query,
		ev.ID, ev.PharmacyID, ev.UserID, ev.DrugID, ev.DrugName, ev.DrugGenericName,
		ev.DrugClass, ev.DrugIsControlled, ev.DrugIsAntibiotic, ev.Timestamp, ev.IsPrescription,
		ev.Compliant, ev.OverrideFlag, ev.OverrideReason, ev.PatientAge, ev.PatientWeight,
		ev.Pregnant, ev.PatientAgeGroup, ev.PregnancyContraindicated,
		ev.MetadataComplete, ev.Score, ev.Category, flags, ev.HighRiskFlag,
		ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (r *Repository) insertAlert(ctx context.Context, tx pgx.Tx, alert *HighRiskAlert) error {
	query := `
		INSERT INTO high_risk_alerts (id, event_id, pharmacy_id, drug_name, severity, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := tx.Exec(ctx, query,
		alert.ID, alert.EventID, alert.PharmacyID, alert.DrugName,
		alert.Severity, alert.Reason, alert.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}

	if r.alerts != nil {
		if err := r.alerts.Queue(ctx, tx, alert); err != nil {
			return fmt.Errorf("queue alert dispatch: %w", err)
		}
	}
	return nil
}

// EventsInRange returns events with ts in the half-open window [start, end),
// oldest first. An empty pharmacyID matches all pharmacies.
func (r *Repository) EventsInRange(ctx context.Context, start, end time.Time, pharmacyID string) ([]*Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM dispensing_events
		WHERE ts >= $1 AND ts < $2
		  AND ($3 = '' OR pharmacy_id = $3)
		ORDER BY ts ASC
	`
	rows, err := r.pool.Query(ctx, query, start, end, pharmacyID)
	if err != nil {
		return nil, fmt.Errorf("range query: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetByIDs returns the events matching the given IDs.
func (r *Repository) GetByIDs(ctx context.Context, ids []string) ([]*Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM dispensing_events
		WHERE id = ANY($1)
		ORDER BY ts ASC
	`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("lookup by ids: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// UpdateRiskResult overwrites the stored risk result for one event. The
// high-risk flag is derived in the same statement, so the category/flag
// invariant cannot be observed broken.
func (r *Repository) UpdateRiskResult(ctx context.Context, eventID string, result RiskResult) error {
	flags, err := json.Marshal(result.Flags)
	if err != nil {
		return fmt.Errorf("marshal flags: %w", err)
	}
	query := `
		UPDATE dispensing_events
		SET risk_score = $1, risk_category = $2, risk_flags = $3,
		    high_risk_flag = ($2 IN ('high', 'critical'))
		WHERE id = $4
	`
	tag, err := r.pool.Exec(ctx, query, result.Score, result.Category, flags, eventID)
	if err != nil {
		return fmt.Errorf("update risk result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event not found: %s", eventID)
	}
	return nil
}

// AlertsInRange returns high-risk alerts in [start, end) matching the given
// severities, newest first.
func (r *Repository) AlertsInRange(ctx context.Context, start, end time.Time, pharmacyID string, severities []RiskCategory) ([]*HighRiskAlert, error) {
	sevs := make([]string, len(severities))
	for i, s := range severities {
		sevs[i] = string(s)
	}

	query := `
		SELECT id, event_id, pharmacy_id, drug_name, severity, reason, created_at
		FROM high_risk_alerts
		WHERE created_at >= $1 AND created_at < $2
		  AND ($3 = '' OR pharmacy_id = $3)
		  AND severity = ANY($4)
		ORDER BY created_at DESC
	`
	rows, err := r.pool.Query(ctx, query, start, end, pharmacyID, sevs)
	if err != nil {
		return nil, fmt.Errorf("alert query: %w", err)
	}
	defer rows.Close()

	var alerts []*HighRiskAlert
	for rows.Next() {
		a := &HighRiskAlert{}
		if err := rows.Scan(&a.ID, &a.EventID, &a.PharmacyID, &a.DrugName, &a.Severity, &a.Reason, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("alert scan: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func scanEvents(rows pgx.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		ev := &Event{}
		var flags []byte
		err := rows.Scan(
			&ev.ID, &ev.PharmacyID, &ev.UserID, &ev.DrugID, &ev.DrugName, &ev.DrugGenericName,
			&ev.DrugClass, &ev.DrugIsControlled, &ev.DrugIsAntibiotic, &ev.Timestamp, &ev.IsPrescription,
			&ev.Compliant, &ev.OverrideFlag, &ev.OverrideReason, &ev.PatientAge, &ev.PatientWeight,
			&ev.Pregnant, &ev.PatientAgeGroup, &ev.PregnancyContraindicated,
			&ev.MetadataComplete, &ev.Score, &ev.Category, &flags, &ev.HighRiskFlag,
			&ev.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("event scan: %w", err)
		}
		if len(flags) > 0 {
			if err := json.Unmarshal(flags, &ev.Flags); err != nil {
				return nil, fmt.Errorf("decode flags: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
