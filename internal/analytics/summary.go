package analytics

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/pharmos/dispense-engine/internal/domain/dispensing"
)

// AllPharmacies is the summary key used when no pharmacy filter applies.
const AllPharmacies = "ALL"

// ErrSummaryMissing indicates no cached summary exists for a day.
var ErrSummaryMissing = errors.New("daily summary missing")

// HourStat accumulates one wall-clock hour of a day.
type HourStat struct {
	Count             int     `json:"count"`
	PrescriptionCount int     `json:"prescription_count"`
	RiskSum           float64 `json:"risk_sum"`
}

// DrugStat accumulates one drug's events for a day. CategoryCounts carries
// the full category histogram so the modal category survives merging across
// days.
type DrugStat struct {
	DrugID            string                          `json:"drug_id"`
	DrugName          string                          `json:"drug_name"`
	Count             int                             `json:"count"`
	PrescriptionCount int                             `json:"prescription_count"`
	CategoryCounts    map[dispensing.RiskCategory]int `json:"category_counts"`
}

// DailySummary is the precomputed rollup for one (date, pharmacy) pair.
// It is disposable: the aggregation engine reconstructs identical numbers
// from raw events whenever a summary is missing or stale.
type DailySummary struct {
	Date              time.Time               `json:"date"`
	PharmacyID        string                  `json:"pharmacy_id"`
	TotalCount        int                     `json:"total_count"`
	PrescriptionCount int                     `json:"prescription_count"`
	CompliantCount    int                     `json:"compliant_count"`
	DeviationCount    int                     `json:"deviation_count"`
	RiskSum           float64                 `json:"risk_sum"`
	Hours             [24]HourStat            `json:"hours"`
	Drugs             []DrugStat              `json:"drugs"`
	DeviationFlags    map[dispensing.Flag]int `json:"deviation_flags"`
	ComputedAt        time.Time               `json:"computed_at"`
}

// SummaryStore persists daily summaries. Upserts for the same key overwrite;
// recomputation is idempotent so last-writer-wins is safe.
type SummaryStore interface {
	Get(ctx context.Context, date time.Time, pharmacyID string) (*DailySummary, error)
	Upsert(ctx context.Context, s *DailySummary) error
}

// summaryKeyFor normalizes the pharmacy filter into a cache key.
func summaryKeyFor(pharmacyID string) string {
	if pharmacyID == "" {
		return AllPharmacies
	}
	return pharmacyID
}

// BuildDailySummary folds one day's events into a summary. It is a pure
// function: both the pre-aggregation worker and the engine's raw-scan path
// run through it, which is what makes cache and raw results identical.
func BuildDailySummary(date time.Time, pharmacyID string, events []*dispensing.Event) *DailySummary {
	s := &DailySummary{
		Date:           date,
		PharmacyID:     summaryKeyFor(pharmacyID),
		DeviationFlags: make(map[dispensing.Flag]int),
		ComputedAt:     time.Now().UTC(),
	}

	drugs := make(map[string]*DrugStat)
	for _, ev := range events {
		s.TotalCount++
		s.RiskSum += ev.Score
		if ev.IsPrescription {
			s.PrescriptionCount++
		}
		if ev.Compliant {
			s.CompliantCount++
		} else {
			s.DeviationCount++
			for _, f := range ev.Flags {
				s.DeviationFlags[f]++
			}
		}

		hour := ev.Timestamp.Hour()
		s.Hours[hour].Count++
		s.Hours[hour].RiskSum += ev.Score
		if ev.IsPrescription {
			s.Hours[hour].PrescriptionCount++
		}

		key := ev.DrugID
		if key == "" {
			key = ev.DrugName
		}
		d, ok := drugs[key]
		if !ok {
			d = &DrugStat{
				DrugID:         ev.DrugID,
				DrugName:       ev.DrugName,
				CategoryCounts: make(map[dispensing.RiskCategory]int),
			}
			drugs[key] = d
		}
		d.Count++
		d.CategoryCounts[ev.Category]++
		if ev.IsPrescription {
			d.PrescriptionCount++
		}
	}

	s.Drugs = make([]DrugStat, 0, len(drugs))
	for _, d := range drugs {
		s.Drugs = append(s.Drugs, *d)
	}
	sort.Slice(s.Drugs, func(i, j int) bool {
		if s.Drugs[i].Count != s.Drugs[j].Count {
			return s.Drugs[i].Count > s.Drugs[j].Count
		}
		return s.Drugs[i].DrugID < s.Drugs[j].DrugID
	})

	return s
}

// fresh reports whether a cached summary can serve reads with results
// identical to a raw scan. A summary computed after its day closed is
// final; one computed mid-day may be missing events that arrived since.
func fresh(s *DailySummary) bool {
	dayEnd := s.Date.AddDate(0, 0, 1)
	return !s.ComputedAt.Before(dayEnd)
}
