package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/pharmos/dispense-engine/internal/domain/dispensing"
)

func newAdvancedFixture(source *memSource) *Advanced {
	engine := NewEngine(source, source, nil, nil)
	return NewAdvanced(engine, source, nil)
}

func TestComplianceTrendsPerDay(t *testing.T) {
	day1 := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	source := &memSource{}

	// Day 1: 3 compliant, 1 deviation -> 75%. Day 2: empty.
	for i := 0; i < 3; i++ {
		source.add(newEvent("U-1", "D-A", day1.Add(time.Duration(i)*time.Hour)))
	}
	dev := newEvent("U-1", "D-A", day1.Add(5*time.Hour))
	dev.Compliant = false
	source.add(dev)

	adv := newAdvancedFixture(source)
	points, err := adv.ComplianceTrends(context.Background(), mustRange(t, "2026-03-10", "2026-03-11"), "")
	if err != nil {
		t.Fatalf("trends failed: %v", err)
	}

	if len(points) != 2 {
		t.Fatalf("expected one point per day, got %d", len(points))
	}
	if points[0].ComplianceRate != 75 {
		t.Errorf("day 1: expected 75, got %v", points[0].ComplianceRate)
	}
	if points[1].TotalCount != 0 || points[1].ComplianceRate != 0 {
		t.Errorf("empty day must be neutral, got %+v", points[1])
	}
	if !points[1].Date.Equal(day2) {
		t.Errorf("day 2 date: got %v", points[1].Date)
	}
}

func TestDrugInteractionRiskBands(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	source := &memSource{}

	// Controlled drug always dispensed with override: composite 2.0.
	for i := 0; i < 4; i++ {
		ev := newEvent("U-1", "D-CTL", day.Add(time.Duration(i)*time.Hour))
		ev.DrugIsControlled = true
		ev.OverrideFlag = true
		source.add(ev)
	}
	// Plain prescription drug: composite 0.
	for i := 0; i < 2; i++ {
		source.add(newEvent("U-1", "D-PLAIN", day.Add(time.Duration(i)*time.Hour)))
	}

	adv := newAdvancedFixture(source)
	risks, err := adv.DrugInteractionRisk(context.Background(), mustRange(t, "2026-03-10", "2026-03-10"), "")
	if err != nil {
		t.Fatalf("interaction risk failed: %v", err)
	}

	if len(risks) != 2 {
		t.Fatalf("expected 2 drugs, got %d", len(risks))
	}
	// Sorted by count descending.
	if risks[0].DrugID != "D-CTL" {
		t.Fatalf("expected D-CTL first, got %s", risks[0].DrugID)
	}
	if risks[0].RiskLevel != dispensing.RiskCritical {
		t.Errorf("fully controlled+override drug: expected critical, got %s", risks[0].RiskLevel)
	}
	if risks[0].ControlledShare != 1 || risks[0].OverrideRate != 1 {
		t.Errorf("shares: %+v", risks[0])
	}
	if risks[1].RiskLevel != dispensing.RiskLow {
		t.Errorf("plain drug: expected low, got %s", risks[1].RiskLevel)
	}
}

func TestPharmacistPerformanceRatings(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	source := &memSource{}

	// U-EXC: 20/20 compliant = 100 -> excellent.
	// U-GOOD: 18/20 = 90 -> good.
	// U-POOR: 10/20 = 50 -> needs-improvement.
	addFor := func(user string, compliant, deviant int) {
		i := 0
		for ; i < compliant; i++ {
			source.add(newEvent(user, "D-A", day.Add(time.Duration(i%24)*time.Hour)))
		}
		for j := 0; j < deviant; j++ {
			ev := newEvent(user, "D-A", day.Add(time.Duration((i+j)%24)*time.Hour))
			ev.Compliant = false
			ev.OverrideFlag = true
			source.add(ev)
		}
	}
	addFor("U-EXC", 20, 0)
	addFor("U-GOOD", 18, 2)
	addFor("U-POOR", 10, 10)

	adv := newAdvancedFixture(source)
	scores, err := adv.PharmacistPerformance(context.Background(), mustRange(t, "2026-03-10", "2026-03-10"), "")
	if err != nil {
		t.Fatalf("performance failed: %v", err)
	}
	if len(scores) != 3 {
		t.Fatalf("expected 3 pharmacists, got %d", len(scores))
	}

	// Sorted by compliance rate descending.
	if scores[0].UserID != "U-EXC" || scores[0].Rating != RatingExcellent {
		t.Errorf("rank 1: got %s/%s", scores[0].UserID, scores[0].Rating)
	}
	if scores[1].UserID != "U-GOOD" || scores[1].Rating != RatingGood {
		t.Errorf("rank 2: got %s/%s", scores[1].UserID, scores[1].Rating)
	}
	if scores[2].UserID != "U-POOR" || scores[2].Rating != RatingNeedsImprovement {
		t.Errorf("rank 3: got %s/%s", scores[2].UserID, scores[2].Rating)
	}
	if scores[2].OverrideCount != 10 {
		t.Errorf("U-POOR overrides: expected 10, got %d", scores[2].OverrideCount)
	}
}

func TestRatingBoundaries(t *testing.T) {
	cases := []struct {
		rate float64
		want PerformanceRating
	}{
		{100, RatingExcellent},
		{95, RatingExcellent},
		{94.9, RatingGood},
		{85, RatingGood},
		{84.9, RatingFair},
		{75, RatingFair},
		{74.9, RatingNeedsImprovement},
		{0, RatingNeedsImprovement},
	}
	for _, tc := range cases {
		if got := ratingFor(tc.rate); got != tc.want {
			t.Errorf("ratingFor(%v): expected %s, got %s", tc.rate, tc.want, got)
		}
	}
}

func TestFraudPatternsHighVelocity(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	source := &memSource{}

	// 20 dispenses of one controlled drug by one pharmacist.
	for i := 0; i < 20; i++ {
		ev := newEvent("U-FAST", "D-CTL", day.Add(time.Duration(i%12)*time.Hour))
		ev.DrugIsControlled = true
		source.add(ev)
	}
	// 19 dispenses stays under the threshold.
	for i := 0; i < 19; i++ {
		source.add(newEvent("U-OK", "D-PLAIN", day.Add(time.Duration(i%12)*time.Hour)))
	}

	adv := newAdvancedFixture(source)
	alerts, err := adv.FraudPatterns(context.Background(), mustRange(t, "2026-03-10", "2026-03-10"), "")
	if err != nil {
		t.Fatalf("fraud patterns failed: %v", err)
	}

	var velocity []FraudAlert
	for _, a := range alerts {
		if a.Pattern == PatternHighVelocity {
			velocity = append(velocity, a)
		}
	}
	if len(velocity) != 1 {
		t.Fatalf("expected one velocity alert, got %v", alerts)
	}
	if velocity[0].UserID != "U-FAST" || velocity[0].Count != 20 {
		t.Errorf("velocity alert: %+v", velocity[0])
	}
	if velocity[0].Severity != dispensing.RiskCritical {
		t.Errorf("controlled velocity should be critical, got %s", velocity[0].Severity)
	}
}

func TestFraudPatternsRepeatedOverride(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	source := &memSource{}

	for i := 0; i < 3; i++ {
		ev := newEvent("U-1", "D-CTL", day.Add(time.Duration(i)*time.Hour))
		ev.DrugIsControlled = true
		ev.OverrideFlag = true
		source.add(ev)
	}
	// Overrides on a non-controlled drug do not count.
	for i := 0; i < 5; i++ {
		ev := newEvent("U-2", "D-PLAIN", day.Add(time.Duration(i)*time.Hour))
		ev.OverrideFlag = true
		source.add(ev)
	}

	adv := newAdvancedFixture(source)
	alerts, err := adv.FraudPatterns(context.Background(), mustRange(t, "2026-03-10", "2026-03-10"), "")
	if err != nil {
		t.Fatalf("fraud patterns failed: %v", err)
	}

	var overrides []FraudAlert
	for _, a := range alerts {
		if a.Pattern == PatternRepeatedOverride {
			overrides = append(overrides, a)
		}
	}
	if len(overrides) != 1 {
		t.Fatalf("expected one override alert, got %v", alerts)
	}
	if overrides[0].UserID != "U-1" || overrides[0].Count != 3 {
		t.Errorf("override alert: %+v", overrides[0])
	}
}

func TestFraudPatternsAfterHours(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	source := &memSource{}

	// 3 dispenses at 23:00 and 2 at 05:00, all controlled: 5 after-hours.
	for i := 0; i < 3; i++ {
		ev := newEvent("U-N", "D-CTL", day.Add(23*time.Hour).Add(time.Duration(i)*time.Minute))
		ev.DrugIsControlled = true
		source.add(ev)
	}
	for i := 0; i < 2; i++ {
		ev := newEvent("U-N", "D-CTL", day.Add(5*time.Hour).Add(time.Duration(i)*time.Minute))
		ev.DrugIsControlled = true
		source.add(ev)
	}
	// Daytime controlled dispensing does not count.
	for i := 0; i < 6; i++ {
		ev := newEvent("U-D", "D-CTL", day.Add(10*time.Hour).Add(time.Duration(i)*time.Minute))
		ev.DrugIsControlled = true
		source.add(ev)
	}

	adv := newAdvancedFixture(source)
	alerts, err := adv.FraudPatterns(context.Background(), mustRange(t, "2026-03-10", "2026-03-10"), "")
	if err != nil {
		t.Fatalf("fraud patterns failed: %v", err)
	}

	var night []FraudAlert
	for _, a := range alerts {
		if a.Pattern == PatternAfterHours {
			night = append(night, a)
		}
	}
	if len(night) != 1 {
		t.Fatalf("expected one after-hours alert, got %v", alerts)
	}
	if night[0].UserID != "U-N" || night[0].Count != 5 {
		t.Errorf("after-hours alert: %+v", night[0])
	}
}

func TestPrescriptionAbuseBandsAndScope(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	source := &memSource{}

	// Controlled drug, 5 of 5 without prescription: critical, review.
	for i := 0; i < 5; i++ {
		ev := newEvent("U-1", "D-CTL", day.Add(time.Duration(i)*time.Hour))
		ev.DrugIsControlled = true
		ev.IsPrescription = false
		source.add(ev)
	}
	// Antibiotic, 1 of 4 without prescription: medium, no review.
	for i := 0; i < 4; i++ {
		ev := newEvent("U-1", "D-ABX", day.Add(time.Duration(i)*time.Hour))
		ev.DrugIsAntibiotic = true
		ev.IsPrescription = i != 0
		source.add(ev)
	}
	// Plain OTC drug never appears in the report.
	for i := 0; i < 10; i++ {
		ev := newEvent("U-1", "D-OTC", day.Add(time.Duration(i)*time.Hour))
		ev.IsPrescription = false
		source.add(ev)
	}

	adv := newAdvancedFixture(source)
	findings, err := adv.PrescriptionAbuse(context.Background(), mustRange(t, "2026-03-10", "2026-03-10"), "")
	if err != nil {
		t.Fatalf("abuse report failed: %v", err)
	}

	if len(findings) != 2 {
		t.Fatalf("expected 2 findings (no plain drugs), got %+v", findings)
	}
	byID := map[string]AbuseFinding{}
	for _, f := range findings {
		byID[f.DrugID] = f
	}

	ctl := byID["D-CTL"]
	if ctl.SuspicionLevel != dispensing.RiskCritical {
		t.Errorf("D-CTL: expected critical, got %s", ctl.SuspicionLevel)
	}
	if !ctl.RecommendedReview {
		t.Error("critical suspicion must recommend review")
	}

	abx := byID["D-ABX"]
	if abx.SuspicionLevel != dispensing.RiskMedium {
		t.Errorf("D-ABX: expected medium, got %s", abx.SuspicionLevel)
	}
	if abx.RecommendedReview {
		t.Error("medium suspicion must not recommend review")
	}
}

func TestAbuseBandSmallSampleNeverCritical(t *testing.T) {
	if got := abuseBand(1.0, 3); got == dispensing.RiskCritical {
		t.Errorf("3 events at full concentration must not be critical, got %s", got)
	}
	if got := abuseBand(1.0, 5); got != dispensing.RiskCritical {
		t.Errorf("5 events at full concentration should be critical, got %s", got)
	}
}
