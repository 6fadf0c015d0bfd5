package analytics

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/pharmos/dispense-engine/internal/observability/metrics"
)

// Metric names reported by the anomaly detector.
const (
	MetricEventCount = "event_count"
	MetricAvgRisk    = "avg_risk_score"
)

// Anomaly is one anomalous (date, metric) observation.
type Anomaly struct {
	Date           time.Time `json:"date"`
	Metric         string    `json:"metric"`
	Observed       float64   `json:"observed"`
	BaselineMean   float64   `json:"baseline_mean"`
	BaselineStdDev float64   `json:"baseline_std_dev"`
	ZScore         float64   `json:"z_score"`
}

// AnomalyConfig tunes the detector.
type AnomalyConfig struct {
	// BaselineDays is the trailing window each day is compared against,
	// excluding the day itself.
	BaselineDays int
	// ZThreshold is the |z-score| above which a day is anomalous.
	ZThreshold float64
	// MinSamples is the minimum baseline size; days with less history are
	// skipped rather than falsely flagged.
	MinSamples int
}

// DefaultAnomalyConfig returns the reference detector settings.
func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		BaselineDays: 14,
		ZThreshold:   2.0,
		MinSamples:   5,
	}
}

// AnomalyDetector flags days whose event volume or average risk deviates
// statistically from their trailing baseline.
type AnomalyDetector struct {
	engine  *Engine
	config  AnomalyConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewAnomalyDetector creates a detector; m may be nil.
func NewAnomalyDetector(engine *Engine, cfg AnomalyConfig, m *metrics.Metrics, logger *zap.Logger) *AnomalyDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaselineDays <= 0 {
		cfg.BaselineDays = DefaultAnomalyConfig().BaselineDays
	}
	if cfg.ZThreshold <= 0 {
		cfg.ZThreshold = DefaultAnomalyConfig().ZThreshold
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultAnomalyConfig().MinSamples
	}
	return &AnomalyDetector{engine: engine, config: cfg, metrics: m, logger: logger}
}

type dayStat struct {
	date    time.Time
	count   float64
	avgRisk float64
}

// Detect computes per-day statistics for the range plus its trailing
// baseline, then reports every (date, metric) pair whose z-score magnitude
// exceeds the threshold.
func (d *AnomalyDetector) Detect(ctx context.Context, r DateRange, pharmacyID string) ([]Anomaly, error) {
	// Extend the scan backwards so the first requested day has a baseline.
	extended := DateRange{
		Start: r.Start.AddDate(0, 0, -d.config.BaselineDays),
		End:   r.End,
	}

	summaries, err := d.engine.DailySummaries(ctx, extended, pharmacyID)
	if err != nil {
		return nil, err
	}

	stats := make([]dayStat, len(summaries))
	for i, s := range summaries {
		stats[i] = dayStat{date: s.Date, count: float64(s.TotalCount)}
		if s.TotalCount > 0 {
			stats[i].avgRisk = s.RiskSum / float64(s.TotalCount)
		}
	}

	var anomalies []Anomaly
	for i, stat := range stats {
		if stat.date.Before(r.Start) {
			continue // baseline-only day
		}

		lo := i - d.config.BaselineDays
		if lo < 0 {
			lo = 0
		}
		baseline := stats[lo:i]
		if len(baseline) < d.config.MinSamples {
			continue
		}

		// An all-zero baseline means the pharmacy has no history at all;
		// its first active day is a cold start, not a deviation. Quiet days
		// inside real history still count as observations.
		if !anyActivity(baseline) {
			continue
		}

		counts := make([]float64, len(baseline))
		risks := make([]float64, len(baseline))
		for j, b := range baseline {
			counts[j] = b.count
			risks[j] = b.avgRisk
		}

		if a, ok := d.check(stat.date, MetricEventCount, stat.count, counts); ok {
			anomalies = append(anomalies, a)
		}
		if a, ok := d.check(stat.date, MetricAvgRisk, stat.avgRisk, risks); ok {
			anomalies = append(anomalies, a)
		}
	}

	if d.metrics != nil {
		d.metrics.AnomaliesDetected.Add(float64(len(anomalies)))
	}
	if len(anomalies) > 0 {
		d.logger.Info("anomalies detected",
			zap.Int("count", len(anomalies)),
			zap.String("pharmacy_id", pharmacyID))
	}
	return anomalies, nil
}

func (d *AnomalyDetector) check(date time.Time, metric string, observed float64, baseline []float64) (Anomaly, bool) {
	mean, stddev := meanStdDev(baseline)

	// Flat baseline with any deviation: report with a saturated z-score
	// rather than dividing by zero. The value stays JSON-encodable.
	const saturatedZ = 99.0

	var z float64
	switch {
	case stddev > 0:
		z = (observed - mean) / stddev
	case observed != mean:
		z = saturatedZ * float64(sign(observed-mean))
	}

	if math.Abs(z) <= d.config.ZThreshold {
		return Anomaly{}, false
	}
	return Anomaly{
		Date:           date,
		Metric:         metric,
		Observed:       observed,
		BaselineMean:   mean,
		BaselineStdDev: stddev,
		ZScore:         z,
	}, true
}

func anyActivity(baseline []dayStat) bool {
	for _, b := range baseline {
		if b.count > 0 {
			return true
		}
	}
	return false
}

func meanStdDev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

func sign(v float64) int {
	if v < 0 {
		return -1
	}
	return 1
}
