// Package drugref provides drug classification lookups for the enrichment
// pipeline. The engine treats reference data as read-only.
package drugref

import (
	"context"
	"errors"
	"strings"
)

// Category is the closed set of drug classifications.
type Category string

const (
	CategoryControlled   Category = "controlled"
	CategoryOpioid       Category = "opioid"
	CategoryAntibiotic   Category = "antibiotic"
	CategoryPrescription Category = "prescription"
	CategoryOTC          Category = "otc"
	CategoryUnknown      Category = "unknown"
)

// Drug is one drug reference record.
type Drug struct {
	DrugID            string   `json:"drug_id"`
	GenericName       string   `json:"generic_name"`
	Category          Category `json:"category"`
	PregnancyCategory string   `json:"pregnancy_category"`
	Contraindications []string `json:"contraindications"`
}

// IsControlled reports whether the drug is a controlled substance.
func (d *Drug) IsControlled() bool {
	return d.Category == CategoryControlled || d.Category == CategoryOpioid
}

// IsAntibiotic reports whether the drug is an antibiotic.
func (d *Drug) IsAntibiotic() bool {
	return d.Category == CategoryAntibiotic
}

// ContraindicatedInPregnancy reports whether dispensing to a pregnant
// patient is contraindicated (FDA category D/X or an explicit entry).
func (d *Drug) ContraindicatedInPregnancy() bool {
	switch strings.ToUpper(d.PregnancyCategory) {
	case "D", "X":
		return true
	}
	for _, c := range d.Contraindications {
		if strings.EqualFold(c, "pregnancy") {
			return true
		}
	}
	return false
}

// ErrNotFound indicates the drug is not in the reference data. Callers
// degrade to fallback metadata rather than failing the event.
var ErrNotFound = errors.New("drug not found in reference data")

// Lookup resolves drug reference records by identifier.
type Lookup interface {
	Get(ctx context.Context, drugID string) (*Drug, error)
}

// LookupFunc adapts a function to the Lookup interface.
type LookupFunc func(ctx context.Context, drugID string) (*Drug, error)

// Get implements Lookup.
func (f LookupFunc) Get(ctx context.Context, drugID string) (*Drug, error) {
	return f(ctx, drugID)
}

// StaticLookup is an in-memory Lookup, used in tests and as a bundled
// fallback reference set.
type StaticLookup struct {
	drugs map[string]*Drug
}

// NewStaticLookup builds a StaticLookup from a slice of drugs.
func NewStaticLookup(drugs []*Drug) *StaticLookup {
	m := make(map[string]*Drug, len(drugs))
	for _, d := range drugs {
		m[d.DrugID] = d
	}
	return &StaticLookup{drugs: m}
}

// Get implements Lookup.
func (s *StaticLookup) Get(_ context.Context, drugID string) (*Drug, error) {
	d, ok := s.drugs[drugID]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}
