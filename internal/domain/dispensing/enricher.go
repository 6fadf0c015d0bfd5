package dispensing

import (
	"context"
	"errors"
	"math"

	"github.com/pharmos/dispense-engine/internal/drugref"
)

// AgeGroupFor maps an age in years onto the fixed clinical breakpoints.
// A missing age classifies as adult, the least-alarming default.
func AgeGroupFor(age *float64) AgeGroup {
	if age == nil {
		return AgeAdult
	}
	switch a := *age; {
	case a < 2:
		return AgeInfant
	case a < 12:
		return AgeChild
	case a < 18:
		return AgeAdolescent
	case a < 65:
		return AgeAdult
	default:
		return AgeElderly
	}
}

// Enrich resolves a raw submission against drug reference data into a
// fully-qualified enriched event. It performs no I/O beyond the supplied
// lookup; a lookup miss degrades to the caller-supplied drug name with
// class "unknown" and MetadataComplete=false rather than failing.
//
// Malformed numerics (NaN, infinities, negatives) are sanitized here so the
// scorer stays total over its input domain.
func Enrich(ctx context.Context, sub RawSubmission, lookup drugref.Lookup) (EnrichedEvent, error) {
	sub = sanitize(sub)

	ev := EnrichedEvent{
		RawSubmission:   sub,
		DrugGenericName: sub.DrugName,
		DrugClass:       string(drugref.CategoryUnknown),
		PatientAgeGroup: AgeGroupFor(sub.PatientAge),
	}

	// Absent determinations resolve conservatively: unknown compliance is
	// non-compliance, unknown pregnancy is not-pregnant.
	if sub.STGCompliant != nil {
		ev.Compliant = *sub.STGCompliant
	}
	if sub.PatientPregnant != nil {
		ev.Pregnant = *sub.PatientPregnant
	}

	drug, err := lookup.Get(ctx, sub.DrugID)
	switch {
	case errors.Is(err, drugref.ErrNotFound):
		return ev, nil
	case err != nil:
		return EnrichedEvent{}, err
	}

	ev.MetadataComplete = true
	ev.DrugClass = string(drug.Category)
	if drug.GenericName != "" {
		ev.DrugGenericName = drug.GenericName
	}
	ev.DrugIsControlled = drug.IsControlled()
	ev.DrugIsAntibiotic = drug.IsAntibiotic()
	ev.PregnancyContraindicated = ev.Pregnant && drug.ContraindicatedInPregnancy()

	return ev, nil
}

func sanitize(sub RawSubmission) RawSubmission {
	if sub.PatientAge != nil && !validMeasure(*sub.PatientAge) {
		sub.PatientAge = nil
	}
	if sub.PatientWeight != nil && !validMeasure(*sub.PatientWeight) {
		sub.PatientWeight = nil
	}
	return sub
}

func validMeasure(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}
