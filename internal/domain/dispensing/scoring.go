package dispensing

// Policy holds the risk weights and category thresholds. The numbers are
// operational tuning knobs, injected rather than hard-coded, so a rule
// change can be rolled out and persisted events reprocessed under it.
type Policy struct {
	WeightControlled      float64
	WeightAntibioticNoRx  float64
	WeightNonCompliant    float64
	WeightOverride        float64
	WeightPregnancyContra float64
	WeightVulnerableAge   float64

	// Thresholds are lower bounds: score < Medium -> low,
	// < High -> medium, < Critical -> high, else critical.
	ThresholdMedium   float64
	ThresholdHigh     float64
	ThresholdCritical float64
}

// DefaultPolicy returns the reference scoring policy.
func DefaultPolicy() Policy {
	return Policy{
		WeightControlled:      30,
		WeightAntibioticNoRx:  15,
		WeightNonCompliant:    25,
		WeightOverride:        20,
		WeightPregnancyContra: 20,
		WeightVulnerableAge:   10,
		ThresholdMedium:       20,
		ThresholdHigh:         45,
		ThresholdCritical:     70,
	}
}

// Scorer computes risk results for enriched events under one policy.
// Scoring is pure and total: it never fails for a well-formed event and
// produces no side effects, so concurrent calls need no coordination.
type Scorer struct {
	policy Policy
}

// NewScorer creates a scorer with the given policy.
func NewScorer(policy Policy) *Scorer {
	return &Scorer{policy: policy}
}

// Policy returns the active policy.
func (s *Scorer) Policy() Policy { return s.policy }

// Score applies the additive weighted rules to one enriched event.
// Flags are appended in rule-evaluation order and never re-sorted, so the
// same event always yields byte-identical results. All weights are
// non-negative, which makes the score monotone in every rule input.
func (s *Scorer) Score(ev EnrichedEvent) RiskResult {
	var score float64
	var flags []Flag

	if ev.DrugIsControlled {
		score += s.policy.WeightControlled
		flags = append(flags, FlagControlledDrug)
	}
	if ev.DrugIsAntibiotic && !ev.IsPrescription {
		score += s.policy.WeightAntibioticNoRx
		flags = append(flags, FlagAntibioticNoRx)
	}
	if !ev.Compliant {
		score += s.policy.WeightNonCompliant
		flags = append(flags, FlagNonCompliant)
	}
	if ev.OverrideFlag {
		score += s.policy.WeightOverride
		flags = append(flags, FlagOverrideUsed)
	}
	if ev.PregnancyContraindicated {
		score += s.policy.WeightPregnancyContra
		flags = append(flags, FlagPregnancyContra)
	}
	if ev.DrugIsControlled && (ev.PatientAgeGroup == AgeInfant || ev.PatientAgeGroup == AgeElderly) {
		score += s.policy.WeightVulnerableAge
		flags = append(flags, FlagVulnerableAgControlled)
	}

	return RiskResult{
		Score:    score,
		Category: s.categorize(score),
		Flags:    flags,
	}
}

func (s *Scorer) categorize(score float64) RiskCategory {
	switch {
	case score < s.policy.ThresholdMedium:
		return RiskLow
	case score < s.policy.ThresholdHigh:
		return RiskMedium
	case score < s.policy.ThresholdCritical:
		return RiskHigh
	default:
		return RiskCritical
	}
}
