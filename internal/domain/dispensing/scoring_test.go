package dispensing

import (
	"testing"
)

func boolPtr(b bool) *bool { return &b }

func floatPtr(f float64) *float64 { return &f }

func TestScoreCleanEvent(t *testing.T) {
	s := NewScorer(DefaultPolicy())

	ev := EnrichedEvent{
		RawSubmission: RawSubmission{
			IsPrescription: true,
		},
		Compliant:        true,
		PatientAgeGroup:  AgeAdult,
		MetadataComplete: true,
	}

	result := s.Score(ev)
	if result.Score != 0 {
		t.Errorf("expected score 0, got %v", result.Score)
	}
	if result.Category != RiskLow {
		t.Errorf("expected low, got %s", result.Category)
	}
	if len(result.Flags) != 0 {
		t.Errorf("expected no flags, got %v", result.Flags)
	}
}

func TestScoreControlledNonCompliantOverride(t *testing.T) {
	s := NewScorer(DefaultPolicy())

	// Controlled drug, non-compliant, override: 30 + 25 + 20 = 75.
	ev := EnrichedEvent{
		RawSubmission: RawSubmission{
			IsPrescription: true,
			OverrideFlag:   true,
		},
		DrugIsControlled: true,
		Compliant:        false,
		PatientAgeGroup:  AgeAdult,
	}

	result := s.Score(ev)
	if result.Score != 75 {
		t.Fatalf("expected score 75, got %v", result.Score)
	}
	if result.Category != RiskCritical {
		t.Errorf("expected critical, got %s", result.Category)
	}

	want := []Flag{FlagControlledDrug, FlagNonCompliant, FlagOverrideUsed}
	if len(result.Flags) != len(want) {
		t.Fatalf("expected %d flags, got %v", len(want), result.Flags)
	}
	for i, f := range want {
		if result.Flags[i] != f {
			t.Errorf("flag %d: expected %s, got %s", i, f, result.Flags[i])
		}
	}
}

func TestScoreAntibioticWithoutPrescription(t *testing.T) {
	s := NewScorer(DefaultPolicy())

	// Antibiotic over the counter, otherwise clean: 15 -> still low.
	ev := EnrichedEvent{
		RawSubmission:    RawSubmission{IsPrescription: false},
		DrugIsAntibiotic: true,
		Compliant:        true,
		PatientAgeGroup:  AgeAdult,
	}

	result := s.Score(ev)
	if result.Score != 15 {
		t.Fatalf("expected score 15, got %v", result.Score)
	}
	if result.Category != RiskLow {
		t.Errorf("expected low, got %s", result.Category)
	}

	// Same antibiotic with a prescription carries no weight.
	ev.IsPrescription = true
	result = s.Score(ev)
	if result.Score != 0 {
		t.Errorf("prescribed antibiotic should score 0, got %v", result.Score)
	}
}

func TestScoreVulnerableAgeRequiresControlled(t *testing.T) {
	s := NewScorer(DefaultPolicy())

	base := EnrichedEvent{
		RawSubmission:   RawSubmission{IsPrescription: true},
		Compliant:       true,
		PatientAgeGroup: AgeElderly,
	}

	// Elderly alone: no vulnerable-age weight without a controlled drug.
	if got := s.Score(base); got.Score != 0 {
		t.Errorf("elderly non-controlled should score 0, got %v", got.Score)
	}

	base.DrugIsControlled = true
	result := s.Score(base)
	if result.Score != 40 {
		t.Fatalf("expected 30+10=40, got %v", result.Score)
	}
	if result.Category != RiskMedium {
		t.Errorf("expected medium, got %s", result.Category)
	}

	// Infant gets the same treatment; child and adolescent do not.
	base.PatientAgeGroup = AgeInfant
	if got := s.Score(base); got.Score != 40 {
		t.Errorf("infant controlled: expected 40, got %v", got.Score)
	}
	base.PatientAgeGroup = AgeChild
	if got := s.Score(base); got.Score != 30 {
		t.Errorf("child controlled: expected 30, got %v", got.Score)
	}
}

func TestScorePregnancyContraindication(t *testing.T) {
	s := NewScorer(DefaultPolicy())

	ev := EnrichedEvent{
		RawSubmission:            RawSubmission{IsPrescription: true},
		Compliant:                true,
		PatientAgeGroup:          AgeAdult,
		PregnancyContraindicated: true,
	}

	result := s.Score(ev)
	if result.Score != 20 {
		t.Fatalf("expected 20, got %v", result.Score)
	}
	if result.Category != RiskMedium {
		t.Errorf("expected medium, got %s", result.Category)
	}
	if len(result.Flags) != 1 || result.Flags[0] != FlagPregnancyContra {
		t.Errorf("expected single pregnancy flag, got %v", result.Flags)
	}
}

func TestCategorizeThresholds(t *testing.T) {
	s := NewScorer(DefaultPolicy())

	cases := []struct {
		score float64
		want  RiskCategory
	}{
		{0, RiskLow},
		{19.9, RiskLow},
		{20, RiskMedium},
		{44.9, RiskMedium},
		{45, RiskHigh},
		{69.9, RiskHigh},
		{70, RiskCritical},
		{120, RiskCritical},
	}
	for _, tc := range cases {
		if got := s.categorize(tc.score); got != tc.want {
			t.Errorf("categorize(%v): expected %s, got %s", tc.score, tc.want, got)
		}
	}
}

func TestScoreMonotoneInRules(t *testing.T) {
	s := NewScorer(DefaultPolicy())

	base := EnrichedEvent{
		RawSubmission:   RawSubmission{IsPrescription: true},
		Compliant:       true,
		PatientAgeGroup: AgeAdult,
	}
	prev := s.Score(base).Score

	// Each additional triggered rule can only increase the score.
	base.DrugIsControlled = true
	if got := s.Score(base).Score; got < prev {
		t.Fatalf("score decreased after adding controlled rule: %v -> %v", prev, got)
	} else {
		prev = got
	}

	base.Compliant = false
	if got := s.Score(base).Score; got < prev {
		t.Fatalf("score decreased after adding compliance rule: %v -> %v", prev, got)
	} else {
		prev = got
	}

	base.OverrideFlag = true
	if got := s.Score(base).Score; got < prev {
		t.Fatalf("score decreased after adding override rule: %v -> %v", prev, got)
	}
}

func TestScoreDeterministic(t *testing.T) {
	s := NewScorer(DefaultPolicy())

	ev := EnrichedEvent{
		RawSubmission: RawSubmission{
			OverrideFlag: true,
		},
		DrugIsControlled:         true,
		DrugIsAntibiotic:         false,
		PregnancyContraindicated: true,
		PatientAgeGroup:          AgeElderly,
	}

	first := s.Score(ev)
	for i := 0; i < 10; i++ {
		again := s.Score(ev)
		if again.Score != first.Score || again.Category != first.Category {
			t.Fatalf("non-deterministic result: %+v vs %+v", first, again)
		}
		if len(again.Flags) != len(first.Flags) {
			t.Fatalf("flag count changed between runs")
		}
		for j := range again.Flags {
			if again.Flags[j] != first.Flags[j] {
				t.Fatalf("flag order changed between runs: %v vs %v", first.Flags, again.Flags)
			}
		}
	}
}

func TestCustomPolicyShiftsCategories(t *testing.T) {
	policy := DefaultPolicy()
	policy.WeightControlled = 50
	policy.ThresholdCritical = 50
	s := NewScorer(policy)

	ev := EnrichedEvent{
		RawSubmission:    RawSubmission{IsPrescription: true},
		DrugIsControlled: true,
		Compliant:        true,
		PatientAgeGroup:  AgeAdult,
	}

	result := s.Score(ev)
	if result.Score != 50 {
		t.Fatalf("expected 50, got %v", result.Score)
	}
	if result.Category != RiskCritical {
		t.Errorf("expected critical under tightened policy, got %s", result.Category)
	}
}
