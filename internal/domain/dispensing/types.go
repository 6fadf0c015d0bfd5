// Package dispensing implements the dispensing event domain: enrichment of
// raw dispense submissions with drug reference metadata, deterministic risk
// scoring, and the persisted event model.
package dispensing

import (
	"time"
)

// AgeGroup classifies a patient into a fixed clinical age band.
type AgeGroup string

const (
	AgeInfant     AgeGroup = "infant"
	AgeChild      AgeGroup = "child"
	AgeAdolescent AgeGroup = "adolescent"
	AgeAdult      AgeGroup = "adult"
	AgeElderly    AgeGroup = "elderly"
)

// RiskCategory is the categorical risk classification of an event.
type RiskCategory string

const (
	RiskLow      RiskCategory = "low"
	RiskMedium   RiskCategory = "medium"
	RiskHigh     RiskCategory = "high"
	RiskCritical RiskCategory = "critical"
)

// IsHighRisk reports whether the category requires an alert.
func (c RiskCategory) IsHighRisk() bool {
	return c == RiskHigh || c == RiskCritical
}

// Flag is a machine-readable reason code attached by a scoring rule.
type Flag string

const (
	FlagControlledDrug         Flag = "CONTROLLED_DRUG"
	FlagAntibioticNoRx         Flag = "ANTIBIOTIC_NO_PRESCRIPTION"
	FlagNonCompliant           Flag = "NON_COMPLIANT"
	FlagOverrideUsed           Flag = "OVERRIDE_USED"
	FlagPregnancyContra        Flag = "PREGNANCY_CONTRAINDICATION"
	FlagVulnerableAgControlled Flag = "VULNERABLE_AGE_CONTROLLED"
	FlagHighVolumePattern      Flag = "HIGH_VOLUME_PATTERN"
)

// RawSubmission is a dispense submission as received from the dispensing
// workflow. Fields are immutable once submitted; optional clinical fields
// use pointers so absence is distinguishable from zero.
type RawSubmission struct {
	PharmacyID      string    `json:"pharmacy_id"`
	UserID          string    `json:"user_id"`
	DrugID          string    `json:"drug_id"`
	DrugName        string    `json:"drug_name"`
	Timestamp       time.Time `json:"timestamp"`
	IsPrescription  bool      `json:"is_prescription"`
	STGCompliant    *bool     `json:"stg_compliant,omitempty"`
	OverrideFlag    bool      `json:"override_flag"`
	OverrideReason  string    `json:"override_reason,omitempty"`
	PatientAge      *float64  `json:"patient_age,omitempty"`
	PatientWeight   *float64  `json:"patient_weight,omitempty"`
	PatientPregnant *bool     `json:"patient_is_pregnant,omitempty"`
}

// EnrichedEvent is a submission resolved against drug reference data.
// Derived, never persisted on its own; it is the scorer's entire input.
type EnrichedEvent struct {
	RawSubmission

	DrugGenericName  string   `json:"drug_generic_name"`
	DrugClass        string   `json:"drug_class"`
	DrugIsControlled bool     `json:"drug_is_controlled"`
	DrugIsAntibiotic bool     `json:"drug_is_antibiotic"`
	PatientAgeGroup  AgeGroup `json:"patient_age_group"`

	// Compliant is the resolved STG determination; an absent determination
	// on the submission resolves to false.
	Compliant bool `json:"stg_compliant"`

	// Pregnant is the resolved pregnancy state, defaulted false if unknown.
	Pregnant bool `json:"patient_is_pregnant"`

	// PregnancyContraindicated is true when the patient is pregnant and the
	// drug's pregnancy category or contraindication list rules the drug out.
	PregnancyContraindicated bool `json:"pregnancy_contraindicated"`

	// MetadataComplete is false when the drug lookup missed and the event was
	// scored with fallback metadata only.
	MetadataComplete bool `json:"metadata_complete"`
}

// RiskResult is the output of the risk scoring engine for one event.
type RiskResult struct {
	Score    float64      `json:"score"`
	Category RiskCategory `json:"category"`
	// Flags are appended in rule-evaluation order and never re-sorted.
	Flags []Flag `json:"flags"`
}

// Event is the persisted dispensing event: the enriched submission plus its
// risk result. HighRiskFlag is always kept consistent with Category; any
// update to Category must update the flag in the same write.
type Event struct {
	ID string `json:"id"`
	EnrichedEvent
	RiskResult
	HighRiskFlag bool      `json:"high_risk_flag"`
	CreatedAt    time.Time `json:"created_at"`
}

// HighRiskAlert is the durable record created for high/critical events.
// Dispatch to downstream notification systems happens asynchronously via
// the alert outbox relay.
type HighRiskAlert struct {
	ID         string       `json:"id"`
	EventID    string       `json:"event_id"`
	PharmacyID string       `json:"pharmacy_id"`
	DrugName   string       `json:"drug_name"`
	Severity   RiskCategory `json:"severity"`
	Reason     string       `json:"reason"`
	CreatedAt  time.Time    `json:"created_at"`
}

// ReasonString renders flags as the human-readable alert reason.
func ReasonString(flags []Flag) string {
	if len(flags) == 0 {
		return "elevated risk score"
	}
	out := ""
	for i, f := range flags {
		if i > 0 {
			out += ", "
		}
		out += flagText(f)
	}
	return out
}

func flagText(f Flag) string {
	switch f {
	case FlagControlledDrug:
		return "controlled drug dispensed"
	case FlagAntibioticNoRx:
		return "antibiotic dispensed without prescription"
	case FlagNonCompliant:
		return "deviation from standard treatment guideline"
	case FlagOverrideUsed:
		return "pharmacist override used"
	case FlagPregnancyContra:
		return "pregnancy contraindication"
	case FlagVulnerableAgControlled:
		return "controlled drug for vulnerable age group"
	case FlagHighVolumePattern:
		return "abnormally high dispensing volume"
	default:
		return string(f)
	}
}
