package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/pharmos/dispense-engine/internal/domain/dispensing"
)

// seedDays ingests `perDay(i)` baseline events for each of n days ending
// the day before `target`.
func seedDays(source *memSource, target time.Time, n int, perDay func(day int) int) {
	for i := 0; i < n; i++ {
		day := target.AddDate(0, 0, -(n - i))
		for j := 0; j < perDay(i); j++ {
			source.add(newEvent("U-1", "D-A", day.Add(time.Duration(j%24)*time.Hour)))
		}
	}
}

func TestDetectFlagsVolumeSpike(t *testing.T) {
	target := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	source := &memSource{}

	// Stable baseline, alternating 10 and 12 events per day, then a 40-event
	// spike on the target day.
	seedDays(source, target, 14, func(day int) int {
		if day%2 == 0 {
			return 10
		}
		return 12
	})
	for j := 0; j < 40; j++ {
		source.add(newEvent("U-1", "D-A", target.Add(time.Duration(j%24)*time.Hour)))
	}

	engine := NewEngine(source, source, nil, nil)
	detector := NewAnomalyDetector(engine, DefaultAnomalyConfig(), nil, nil)

	anomalies, err := detector.Detect(context.Background(), mustRange(t, "2026-03-10", "2026-03-10"), "")
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}

	var found *Anomaly
	for i := range anomalies {
		if anomalies[i].Metric == MetricEventCount {
			found = &anomalies[i]
		}
	}
	if found == nil {
		t.Fatalf("expected an event_count anomaly, got %v", anomalies)
	}
	if found.Observed != 40 {
		t.Errorf("observed: expected 40, got %v", found.Observed)
	}
	if found.ZScore <= 2 {
		t.Errorf("spike z-score must exceed threshold, got %v", found.ZScore)
	}
	if !found.Date.Equal(target) {
		t.Errorf("anomaly date: expected %v, got %v", target, found.Date)
	}
}

func TestDetectQuietBaselineNoAnomalies(t *testing.T) {
	target := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	source := &memSource{}

	seedDays(source, target, 14, func(int) int { return 11 })
	for j := 0; j < 11; j++ {
		source.add(newEvent("U-1", "D-A", target.Add(time.Duration(j)*time.Hour)))
	}

	engine := NewEngine(source, source, nil, nil)
	detector := NewAnomalyDetector(engine, DefaultAnomalyConfig(), nil, nil)

	anomalies, err := detector.Detect(context.Background(), mustRange(t, "2026-03-10", "2026-03-10"), "")
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if len(anomalies) != 0 {
		t.Errorf("steady traffic must not be anomalous, got %v", anomalies)
	}
}

func TestDetectSkipsShortHistory(t *testing.T) {
	target := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	source := &memSource{}

	// Only 3 baseline days, below MinSamples: even a huge spike is skipped.
	seedDays(source, target, 3, func(int) int { return 10 })
	for j := 0; j < 100; j++ {
		source.add(newEvent("U-1", "D-A", target.Add(time.Duration(j%24)*time.Hour)))
	}

	engine := NewEngine(source, source, nil, nil)
	cfg := DefaultAnomalyConfig()
	cfg.BaselineDays = 3
	cfg.MinSamples = 5
	detector := NewAnomalyDetector(engine, cfg, nil, nil)

	anomalies, err := detector.Detect(context.Background(), mustRange(t, "2026-03-10", "2026-03-10"), "")
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if len(anomalies) != 0 {
		t.Errorf("short history must be skipped, got %v", anomalies)
	}
}

func TestDetectFirstActiveDayNotFlagged(t *testing.T) {
	target := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	source := &memSource{}

	// No history at all, then a first busy day: a cold start, not a spike.
	for j := 0; j < 30; j++ {
		source.add(newEvent("U-1", "D-A", target.Add(time.Duration(j%24)*time.Hour)))
	}

	engine := NewEngine(source, source, nil, nil)
	detector := NewAnomalyDetector(engine, DefaultAnomalyConfig(), nil, nil)

	anomalies, err := detector.Detect(context.Background(), mustRange(t, "2026-03-10", "2026-03-10"), "")
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if len(anomalies) != 0 {
		t.Errorf("first active day against an empty baseline must not be flagged, got %v", anomalies)
	}
}

func TestDetectFlatBaselineSaturatedZ(t *testing.T) {
	target := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	source := &memSource{}

	// Identical baseline days: stddev is zero; a deviating day reports a
	// saturated finite z-score.
	seedDays(source, target, 14, func(int) int { return 10 })
	for j := 0; j < 25; j++ {
		source.add(newEvent("U-1", "D-A", target.Add(time.Duration(j%24)*time.Hour)))
	}

	engine := NewEngine(source, source, nil, nil)
	detector := NewAnomalyDetector(engine, DefaultAnomalyConfig(), nil, nil)

	anomalies, err := detector.Detect(context.Background(), mustRange(t, "2026-03-10", "2026-03-10"), "")
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}

	var found *Anomaly
	for i := range anomalies {
		if anomalies[i].Metric == MetricEventCount {
			found = &anomalies[i]
		}
	}
	if found == nil {
		t.Fatalf("expected an event_count anomaly, got %v", anomalies)
	}
	if found.ZScore != 99 {
		t.Errorf("flat baseline deviation should saturate at 99, got %v", found.ZScore)
	}
}

func TestDetectAvgRiskShift(t *testing.T) {
	target := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	source := &memSource{}

	// Baseline days with avg risk alternating 10 and 12; target day at 60.
	for i := 0; i < 14; i++ {
		day := target.AddDate(0, 0, -(14 - i))
		score := 10.0
		if i%2 == 1 {
			score = 12
		}
		for j := 0; j < 10; j++ {
			ev := newEvent("U-1", "D-A", day.Add(time.Duration(j)*time.Hour))
			ev.RiskResult.Score = score
			source.add(ev)
		}
	}
	for j := 0; j < 10; j++ {
		ev := newEvent("U-1", "D-A", target.Add(time.Duration(j)*time.Hour))
		ev.RiskResult.Score = 60
		ev.RiskResult.Category = dispensing.RiskHigh
		source.add(ev)
	}

	engine := NewEngine(source, source, nil, nil)
	detector := NewAnomalyDetector(engine, DefaultAnomalyConfig(), nil, nil)

	anomalies, err := detector.Detect(context.Background(), mustRange(t, "2026-03-10", "2026-03-10"), "")
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}

	foundRisk := false
	for _, a := range anomalies {
		if a.Metric == MetricAvgRisk && a.ZScore > 2 {
			foundRisk = true
		}
	}
	if !foundRisk {
		t.Errorf("expected avg_risk_score anomaly, got %v", anomalies)
	}
}
