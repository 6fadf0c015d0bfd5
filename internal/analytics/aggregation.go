package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pharmos/dispense-engine/internal/domain/dispensing"
)

// EventSource reads persisted dispensing events for a half-open window.
// An empty pharmacyID means all pharmacies.
type EventSource interface {
	EventsInRange(ctx context.Context, start, end time.Time, pharmacyID string) ([]*dispensing.Event, error)
}

// AlertSource reads persisted high-risk alerts for a half-open window,
// newest first.
type AlertSource interface {
	AlertsInRange(ctx context.Context, start, end time.Time, pharmacyID string, severities []dispensing.RiskCategory) ([]*dispensing.HighRiskAlert, error)
}

// ErrUnknownSeverity indicates an unsupported severity filter value.
var ErrUnknownSeverity = errors.New("unknown severity filter")

// HourBucket is one hour-of-day rollup. PeakHours always returns exactly
// 24 of these, hours 0..23 ascending, empty hours included.
type HourBucket struct {
	Hour              int     `json:"hour"`
	Count             int     `json:"count"`
	PrescriptionCount int     `json:"prescription_count"`
	AvgRiskScore      float64 `json:"avg_risk_score"`
}

// DrugRanking is one row of the top-medicines report.
type DrugRanking struct {
	DrugID            string                  `json:"drug_id"`
	DrugName          string                  `json:"drug_name"`
	Count             int                     `json:"count"`
	PrescriptionCount int                     `json:"prescription_count"`
	OTCCount          int                     `json:"otc_count"`
	RiskCategory      dispensing.RiskCategory `json:"risk_category"`
}

// FlagCount pairs a deviation reason flag with its frequency.
type FlagCount struct {
	Flag  dispensing.Flag `json:"flag"`
	Count int             `json:"count"`
}

// ComplianceStats summarizes STG compliance over a window.
type ComplianceStats struct {
	CompliantCount int         `json:"compliant_count"`
	DeviationCount int         `json:"deviation_count"`
	ComplianceRate float64     `json:"compliance_rate"`
	TopDeviations  []FlagCount `json:"top_deviations"`
}

// Engine answers windowed aggregation queries. Reads are served from the
// daily summary cache when every day in range has a fresh entry, otherwise
// from a raw event scan; both paths fold events through BuildDailySummary
// so the caller can never tell which one answered.
type Engine struct {
	source    EventSource
	alerts    AlertSource
	summaries SummaryStore
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewEngine creates an aggregation engine. alerts and summaries may be nil;
// a nil summaries store forces the raw-scan path.
func NewEngine(source EventSource, alerts AlertSource, summaries SummaryStore, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		source:    source,
		alerts:    alerts,
		summaries: summaries,
		logger:    logger,
		tracer:    otel.Tracer("aggregation-engine"),
	}
}

// PeakHours buckets the window's events by wall-clock hour of day.
func (e *Engine) PeakHours(ctx context.Context, r DateRange, pharmacyID string) ([]HourBucket, error) {
	ctx, span := e.tracer.Start(ctx, "peak_hours")
	defer span.End()

	summaries, err := e.summariesForRange(ctx, r, pharmacyID)
	if err != nil {
		return nil, err
	}

	buckets := make([]HourBucket, 24)
	for h := range buckets {
		buckets[h].Hour = h
	}
	for _, s := range summaries {
		for h, stat := range s.Hours {
			buckets[h].Count += stat.Count
			buckets[h].PrescriptionCount += stat.PrescriptionCount
		}
	}
	// Second pass for averages so multi-day windows weight by event count.
	riskSums := make([]float64, 24)
	for _, s := range summaries {
		for h, stat := range s.Hours {
			riskSums[h] += stat.RiskSum
		}
	}
	for h := range buckets {
		if buckets[h].Count > 0 {
			buckets[h].AvgRiskScore = riskSums[h] / float64(buckets[h].Count)
		}
	}

	span.SetAttributes(attribute.Int("days", len(summaries)))
	return buckets, nil
}

// TopMedicines ranks drugs by dispense count, descending, truncated to
// limit. The reported risk category is the drug's most frequent category in
// the window; ties resolve toward the more severe category.
func (e *Engine) TopMedicines(ctx context.Context, r DateRange, pharmacyID string, limit int) ([]DrugRanking, error) {
	ctx, span := e.tracer.Start(ctx, "top_medicines")
	defer span.End()

	summaries, err := e.summariesForRange(ctx, r, pharmacyID)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]*DrugStat)
	for _, s := range summaries {
		for i := range s.Drugs {
			d := &s.Drugs[i]
			key := d.DrugID
			if key == "" {
				key = d.DrugName
			}
			m, ok := merged[key]
			if !ok {
				m = &DrugStat{
					DrugID:         d.DrugID,
					DrugName:       d.DrugName,
					CategoryCounts: make(map[dispensing.RiskCategory]int),
				}
				merged[key] = m
			}
			m.Count += d.Count
			m.PrescriptionCount += d.PrescriptionCount
			for cat, n := range d.CategoryCounts {
				m.CategoryCounts[cat] += n
			}
		}
	}

	rankings := make([]DrugRanking, 0, len(merged))
	for _, m := range merged {
		rankings = append(rankings, DrugRanking{
			DrugID:            m.DrugID,
			DrugName:          m.DrugName,
			Count:             m.Count,
			PrescriptionCount: m.PrescriptionCount,
			OTCCount:          m.Count - m.PrescriptionCount,
			RiskCategory:      modalCategory(m.CategoryCounts),
		})
	}
	sort.Slice(rankings, func(i, j int) bool {
		if rankings[i].Count != rankings[j].Count {
			return rankings[i].Count > rankings[j].Count
		}
		return rankings[i].DrugID < rankings[j].DrugID
	})

	if limit > 0 && len(rankings) > limit {
		rankings = rankings[:limit]
	}
	return rankings, nil
}

// ComplianceStats computes STG compliance figures for the window. An empty
// window yields a zero rate, not an error.
func (e *Engine) ComplianceStats(ctx context.Context, r DateRange, pharmacyID string) (ComplianceStats, error) {
	ctx, span := e.tracer.Start(ctx, "compliance_stats")
	defer span.End()

	summaries, err := e.summariesForRange(ctx, r, pharmacyID)
	if err != nil {
		return ComplianceStats{}, err
	}

	stats := ComplianceStats{}
	flags := make(map[dispensing.Flag]int)
	for _, s := range summaries {
		stats.CompliantCount += s.CompliantCount
		stats.DeviationCount += s.DeviationCount
		for f, n := range s.DeviationFlags {
			flags[f] += n
		}
	}

	if total := stats.CompliantCount + stats.DeviationCount; total > 0 {
		stats.ComplianceRate = float64(stats.CompliantCount) / float64(total) * 100
	}

	stats.TopDeviations = make([]FlagCount, 0, len(flags))
	for f, n := range flags {
		stats.TopDeviations = append(stats.TopDeviations, FlagCount{Flag: f, Count: n})
	}
	sort.Slice(stats.TopDeviations, func(i, j int) bool {
		if stats.TopDeviations[i].Count != stats.TopDeviations[j].Count {
			return stats.TopDeviations[i].Count > stats.TopDeviations[j].Count
		}
		return stats.TopDeviations[i].Flag < stats.TopDeviations[j].Flag
	})

	return stats, nil
}

// ParseSeverities validates the severity filter for high-risk alert
// queries. Empty means both high and critical.
func ParseSeverities(severity string) ([]dispensing.RiskCategory, error) {
	switch severity {
	case "":
		return []dispensing.RiskCategory{dispensing.RiskHigh, dispensing.RiskCritical}, nil
	case string(dispensing.RiskHigh):
		return []dispensing.RiskCategory{dispensing.RiskHigh}, nil
	case string(dispensing.RiskCritical):
		return []dispensing.RiskCategory{dispensing.RiskCritical}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSeverity, severity)
	}
}

// HighRiskAlerts returns alerts in the window matching the severity filter,
// newest first. Alerts reference individual events, so this always reads
// the durable alert rows, never the summary cache.
func (e *Engine) HighRiskAlerts(ctx context.Context, r DateRange, pharmacyID string, severities []dispensing.RiskCategory) ([]*dispensing.HighRiskAlert, error) {
	ctx, span := e.tracer.Start(ctx, "high_risk_alerts")
	defer span.End()

	if e.alerts == nil {
		return nil, errors.New("alert source not configured")
	}
	alerts, err := e.alerts.AlertsInRange(ctx, r.Start, r.End, pharmacyID, severities)
	if err != nil {
		return nil, fmt.Errorf("alert scan: %w", err)
	}
	span.SetAttributes(attribute.Int("alerts", len(alerts)))
	return alerts, nil
}

// DailySummaries returns one summary per day in the range, serving each
// from the cache when fresh and rebuilding from raw events otherwise. The
// engine never mixes the two paths inside one response.
func (e *Engine) DailySummaries(ctx context.Context, r DateRange, pharmacyID string) ([]*DailySummary, error) {
	return e.summariesForRange(ctx, r, pharmacyID)
}

// BuildSummary computes one day's summary from a raw scan, bypassing the
// cache. This is the pre-aggregation worker's write path.
func (e *Engine) BuildSummary(ctx context.Context, day DateRange, pharmacyID string) (*DailySummary, error) {
	events, err := e.source.EventsInRange(ctx, day.Start, day.End, pharmacyID)
	if err != nil {
		return nil, fmt.Errorf("raw scan: %w", err)
	}
	return BuildDailySummary(day.Date(), pharmacyID, events), nil
}

func (e *Engine) summariesForRange(ctx context.Context, r DateRange, pharmacyID string) ([]*DailySummary, error) {
	days := r.Days()

	if e.summaries != nil {
		cached := make([]*DailySummary, 0, len(days))
		hit := true
		for _, day := range days {
			s, err := e.summaries.Get(ctx, day.Date(), summaryKeyFor(pharmacyID))
			if errors.Is(err, ErrSummaryMissing) {
				hit = false
				break
			}
			if err != nil {
				// Cache trouble is not fatal; fall through to the raw scan.
				e.logger.Warn("summary cache read failed", zap.Error(err))
				hit = false
				break
			}
			if !fresh(s) {
				hit = false
				break
			}
			cached = append(cached, s)
		}
		if hit {
			return cached, nil
		}
	}

	// Raw path: one scan for the whole range, folded per day.
	events, err := e.source.EventsInRange(ctx, r.Start, r.End, pharmacyID)
	if err != nil {
		return nil, fmt.Errorf("raw scan: %w", err)
	}

	byDay := make(map[time.Time][]*dispensing.Event)
	for _, ev := range events {
		ts := ev.Timestamp.In(r.Start.Location())
		day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, r.Start.Location())
		byDay[day] = append(byDay[day], ev)
	}

	summaries := make([]*DailySummary, 0, len(days))
	for _, day := range days {
		summaries = append(summaries, BuildDailySummary(day.Date(), pharmacyID, byDay[day.Date()]))
	}
	return summaries, nil
}

// modalCategory picks the most frequent category; ties resolve toward the
// more severe one.
func modalCategory(counts map[dispensing.RiskCategory]int) dispensing.RiskCategory {
	order := []dispensing.RiskCategory{
		dispensing.RiskCritical,
		dispensing.RiskHigh,
		dispensing.RiskMedium,
		dispensing.RiskLow,
	}
	best := dispensing.RiskLow
	bestN := -1
	for _, cat := range order {
		if n := counts[cat]; n > bestN {
			best = cat
			bestN = n
		}
	}
	return best
}
