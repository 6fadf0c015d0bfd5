package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pharmos/dispense-engine/internal/domain/dispensing"
)

// Advanced builds the higher-level reports on top of the aggregation
// engine and raw event scans. Every report is read-only and returns
// empty/neutral results for zero-event windows.
type Advanced struct {
	engine *Engine
	source EventSource
	logger *zap.Logger
	tracer trace.Tracer
}

// NewAdvanced creates the advanced analytics facade.
func NewAdvanced(engine *Engine, source EventSource, logger *zap.Logger) *Advanced {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Advanced{
		engine: engine,
		source: source,
		logger: logger,
		tracer: otel.Tracer("advanced-analytics"),
	}
}

// TrendPoint is one day of the compliance trend series.
type TrendPoint struct {
	Date           time.Time `json:"date"`
	TotalCount     int       `json:"total_count"`
	ComplianceRate float64   `json:"compliance_rate"`
}

// ComplianceTrends returns the per-day compliance rate over the range.
func (a *Advanced) ComplianceTrends(ctx context.Context, r DateRange, pharmacyID string) ([]TrendPoint, error) {
	ctx, span := a.tracer.Start(ctx, "compliance_trends")
	defer span.End()

	summaries, err := a.engine.DailySummaries(ctx, r, pharmacyID)
	if err != nil {
		return nil, err
	}

	points := make([]TrendPoint, len(summaries))
	for i, s := range summaries {
		points[i] = TrendPoint{Date: s.Date, TotalCount: s.TotalCount}
		if total := s.CompliantCount + s.DeviationCount; total > 0 {
			points[i].ComplianceRate = float64(s.CompliantCount) / float64(total) * 100
		}
	}
	return points, nil
}

// InteractionRisk is one drug's risk profile for the interaction report.
type InteractionRisk struct {
	DrugID          string                  `json:"drug_id"`
	DrugName        string                  `json:"drug_name"`
	Count           int                     `json:"count"`
	ControlledShare float64                 `json:"controlled_share"`
	AntibioticShare float64                 `json:"antibiotic_share"`
	OverrideRate    float64                 `json:"override_rate"`
	RiskLevel       dispensing.RiskCategory `json:"risk_level"`
}

// DrugInteractionRisk profiles each drug in the trailing window by its
// controlled/antibiotic share and override rate, banding the combination
// into a risk level.
func (a *Advanced) DrugInteractionRisk(ctx context.Context, r DateRange, pharmacyID string) ([]InteractionRisk, error) {
	ctx, span := a.tracer.Start(ctx, "drug_interaction_risk")
	defer span.End()

	events, err := a.source.EventsInRange(ctx, r.Start, r.End, pharmacyID)
	if err != nil {
		return nil, fmt.Errorf("raw scan: %w", err)
	}

	type acc struct {
		id, name                          string
		count, controlled, abx, overrides int
	}
	byDrug := make(map[string]*acc)
	for _, ev := range events {
		key := drugKey(ev)
		d, ok := byDrug[key]
		if !ok {
			d = &acc{id: ev.DrugID, name: ev.DrugName}
			byDrug[key] = d
		}
		d.count++
		if ev.DrugIsControlled {
			d.controlled++
		}
		if ev.DrugIsAntibiotic {
			d.abx++
		}
		if ev.OverrideFlag {
			d.overrides++
		}
	}

	out := make([]InteractionRisk, 0, len(byDrug))
	for _, d := range byDrug {
		n := float64(d.count)
		risk := InteractionRisk{
			DrugID:          d.id,
			DrugName:        d.name,
			Count:           d.count,
			ControlledShare: float64(d.controlled) / n,
			AntibioticShare: float64(d.abx) / n,
			OverrideRate:    float64(d.overrides) / n,
		}
		risk.RiskLevel = interactionBand(risk.ControlledShare, risk.AntibioticShare, risk.OverrideRate)
		out = append(out, risk)
	}
	sortByCountThenID(out, func(r InteractionRisk) (int, string) { return r.Count, r.DrugID })
	return out, nil
}

// interactionBand maps the combined controlled/antibiotic proportion and
// override rate onto fixed risk bands.
func interactionBand(controlledShare, antibioticShare, overrideRate float64) dispensing.RiskCategory {
	composite := controlledShare + 0.5*antibioticShare + overrideRate
	switch {
	case composite >= 1.5:
		return dispensing.RiskCritical
	case composite >= 1.0:
		return dispensing.RiskHigh
	case composite >= 0.5:
		return dispensing.RiskMedium
	default:
		return dispensing.RiskLow
	}
}

// PerformanceRating classifies a pharmacist's compliance record.
type PerformanceRating string

const (
	RatingExcellent        PerformanceRating = "excellent"
	RatingGood             PerformanceRating = "good"
	RatingFair             PerformanceRating = "fair"
	RatingNeedsImprovement PerformanceRating = "needs-improvement"
)

// PharmacistScore is one pharmacist's performance summary.
type PharmacistScore struct {
	UserID           string            `json:"user_id"`
	EventCount       int               `json:"event_count"`
	ComplianceRate   float64           `json:"compliance_rate"`
	AverageRiskScore float64           `json:"average_risk_score"`
	OverrideCount    int               `json:"override_count"`
	Rating           PerformanceRating `json:"performance_rating"`
}

// PharmacistPerformance scores each pharmacist in the trailing window by
// compliance rate and average risk.
func (a *Advanced) PharmacistPerformance(ctx context.Context, r DateRange, pharmacyID string) ([]PharmacistScore, error) {
	ctx, span := a.tracer.Start(ctx, "pharmacist_performance")
	defer span.End()

	events, err := a.source.EventsInRange(ctx, r.Start, r.End, pharmacyID)
	if err != nil {
		return nil, fmt.Errorf("raw scan: %w", err)
	}

	type acc struct {
		count, compliant, overrides int
		riskSum                     float64
	}
	byUser := make(map[string]*acc)
	for _, ev := range events {
		u, ok := byUser[ev.UserID]
		if !ok {
			u = &acc{}
			byUser[ev.UserID] = u
		}
		u.count++
		u.riskSum += ev.Score
		if ev.Compliant {
			u.compliant++
		}
		if ev.OverrideFlag {
			u.overrides++
		}
	}

	out := make([]PharmacistScore, 0, len(byUser))
	for userID, u := range byUser {
		score := PharmacistScore{
			UserID:           userID,
			EventCount:       u.count,
			ComplianceRate:   float64(u.compliant) / float64(u.count) * 100,
			AverageRiskScore: u.riskSum / float64(u.count),
			OverrideCount:    u.overrides,
		}
		score.Rating = ratingFor(score.ComplianceRate)
		out = append(out, score)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ComplianceRate != out[j].ComplianceRate {
			return out[i].ComplianceRate > out[j].ComplianceRate
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func ratingFor(complianceRate float64) PerformanceRating {
	switch {
	case complianceRate >= 95:
		return RatingExcellent
	case complianceRate >= 85:
		return RatingGood
	case complianceRate >= 75:
		return RatingFair
	default:
		return RatingNeedsImprovement
	}
}

// FraudAlert is one suspicious pattern surfaced by fraud detection.
type FraudAlert struct {
	Pattern  string                  `json:"pattern"`
	UserID   string                  `json:"user_id,omitempty"`
	DrugID   string                  `json:"drug_id,omitempty"`
	DrugName string                  `json:"drug_name,omitempty"`
	Count    int                     `json:"count"`
	Flags    []dispensing.Flag       `json:"flags,omitempty"`
	Severity dispensing.RiskCategory `json:"severity"`
	Detail   string                  `json:"detail"`
}

// Pattern names emitted by FraudPatterns.
const (
	PatternHighVelocity     = "high_velocity_pharmacist_drug"
	PatternRepeatedOverride = "repeated_controlled_override"
	PatternAfterHours       = "after_hours_controlled"
)

// fraud detection knobs; trailing-window counts, not per-day.
const (
	velocityThreshold       = 20
	overrideRepeatThreshold = 3
	afterHoursThreshold     = 5
	afterHoursStart         = 22
	afterHoursEnd           = 6
)

// FraudPatterns runs the heuristic pattern rules over the trailing window:
// abnormal pharmacist-drug dispense velocity, repeated overrides on the
// same controlled drug, and after-hours controlled dispensing spikes.
func (a *Advanced) FraudPatterns(ctx context.Context, r DateRange, pharmacyID string) ([]FraudAlert, error) {
	ctx, span := a.tracer.Start(ctx, "fraud_patterns")
	defer span.End()

	events, err := a.source.EventsInRange(ctx, r.Start, r.End, pharmacyID)
	if err != nil {
		return nil, fmt.Errorf("raw scan: %w", err)
	}

	type pairKey struct{ user, drug string }
	type pairAcc struct {
		name                         string
		count, overrides, afterHours int
		controlled                   bool
	}
	pairs := make(map[pairKey]*pairAcc)
	for _, ev := range events {
		k := pairKey{user: ev.UserID, drug: drugKey(ev)}
		p, ok := pairs[k]
		if !ok {
			p = &pairAcc{name: ev.DrugName}
			pairs[k] = p
		}
		p.count++
		p.controlled = p.controlled || ev.DrugIsControlled
		if ev.OverrideFlag && ev.DrugIsControlled {
			p.overrides++
		}
		if h := ev.Timestamp.Hour(); ev.DrugIsControlled && (h >= afterHoursStart || h < afterHoursEnd) {
			p.afterHours++
		}
	}

	var alerts []FraudAlert
	keys := make([]pairKey, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].user != keys[j].user {
			return keys[i].user < keys[j].user
		}
		return keys[i].drug < keys[j].drug
	})

	for _, k := range keys {
		p := pairs[k]
		if p.count >= velocityThreshold {
			severity := dispensing.RiskHigh
			if p.controlled {
				severity = dispensing.RiskCritical
			}
			alerts = append(alerts, FraudAlert{
				Pattern:  PatternHighVelocity,
				UserID:   k.user,
				DrugID:   k.drug,
				DrugName: p.name,
				Count:    p.count,
				Flags:    []dispensing.Flag{dispensing.FlagHighVolumePattern},
				Severity: severity,
				Detail:   fmt.Sprintf("%d dispenses of one drug by one pharmacist in window", p.count),
			})
		}
		if p.overrides >= overrideRepeatThreshold {
			severity := dispensing.RiskHigh
			if p.overrides >= 2*overrideRepeatThreshold {
				severity = dispensing.RiskCritical
			}
			alerts = append(alerts, FraudAlert{
				Pattern:  PatternRepeatedOverride,
				UserID:   k.user,
				DrugID:   k.drug,
				DrugName: p.name,
				Count:    p.overrides,
				Flags:    []dispensing.Flag{dispensing.FlagOverrideUsed, dispensing.FlagControlledDrug},
				Severity: severity,
				Detail:   fmt.Sprintf("%d overrides on the same controlled drug", p.overrides),
			})
		}
		if p.afterHours >= afterHoursThreshold {
			alerts = append(alerts, FraudAlert{
				Pattern:  PatternAfterHours,
				UserID:   k.user,
				DrugID:   k.drug,
				DrugName: p.name,
				Count:    p.afterHours,
				Flags:    []dispensing.Flag{dispensing.FlagControlledDrug},
				Severity: dispensing.RiskMedium,
				Detail:   fmt.Sprintf("%d controlled dispenses between %02d:00 and %02d:00", p.afterHours, afterHoursStart, afterHoursEnd),
			})
		}
	}
	return alerts, nil
}

// AbuseFinding is one drug's prescription-abuse assessment.
type AbuseFinding struct {
	DrugID            string                  `json:"drug_id"`
	DrugName          string                  `json:"drug_name"`
	Count             int                     `json:"count"`
	NonPrescription   int                     `json:"non_prescription_count"`
	OverrideCount     int                     `json:"override_count"`
	SuspicionLevel    dispensing.RiskCategory `json:"suspicion_level"`
	RecommendedReview bool                    `json:"recommended_review"`
}

// PrescriptionAbuse flags controlled/antibiotic drugs with a suspicious
// concentration of non-prescription or override dispenses. Review is
// recommended when suspicion reaches high or critical.
func (a *Advanced) PrescriptionAbuse(ctx context.Context, r DateRange, pharmacyID string) ([]AbuseFinding, error) {
	ctx, span := a.tracer.Start(ctx, "prescription_abuse")
	defer span.End()

	events, err := a.source.EventsInRange(ctx, r.Start, r.End, pharmacyID)
	if err != nil {
		return nil, fmt.Errorf("raw scan: %w", err)
	}

	type acc struct {
		id, name              string
		count, noRx, override int
	}
	byDrug := make(map[string]*acc)
	for _, ev := range events {
		if !ev.DrugIsControlled && !ev.DrugIsAntibiotic {
			continue
		}
		key := drugKey(ev)
		d, ok := byDrug[key]
		if !ok {
			d = &acc{id: ev.DrugID, name: ev.DrugName}
			byDrug[key] = d
		}
		d.count++
		if !ev.IsPrescription {
			d.noRx++
		}
		if ev.OverrideFlag {
			d.override++
		}
	}

	out := make([]AbuseFinding, 0, len(byDrug))
	for _, d := range byDrug {
		n := float64(d.count)
		concentration := (float64(d.noRx) + float64(d.override)) / n
		finding := AbuseFinding{
			DrugID:          d.id,
			DrugName:        d.name,
			Count:           d.count,
			NonPrescription: d.noRx,
			OverrideCount:   d.override,
			SuspicionLevel:  abuseBand(concentration, d.count),
		}
		finding.RecommendedReview = finding.SuspicionLevel.IsHighRisk()
		out = append(out, finding)
	}
	sortByCountThenID(out, func(f AbuseFinding) (int, string) { return f.Count, f.DrugID })
	return out, nil
}

// abuseBand maps a non-prescription/override concentration onto a
// suspicion level. Tiny samples never reach critical.
func abuseBand(concentration float64, count int) dispensing.RiskCategory {
	switch {
	case concentration >= 0.8 && count >= 5:
		return dispensing.RiskCritical
	case concentration >= 0.5:
		return dispensing.RiskHigh
	case concentration >= 0.25:
		return dispensing.RiskMedium
	default:
		return dispensing.RiskLow
	}
}

func drugKey(ev *dispensing.Event) string {
	if ev.DrugID != "" {
		return ev.DrugID
	}
	return ev.DrugName
}

// sortByCountThenID orders report rows by count descending with a
// deterministic ID tie-break.
func sortByCountThenID[T any](items []T, key func(T) (int, string)) {
	sort.Slice(items, func(i, j int) bool {
		ci, idi := key(items[i])
		cj, idj := key(items[j])
		if ci != cj {
			return ci > cj
		}
		return idi < idj
	})
}
