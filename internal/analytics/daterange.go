// Package analytics implements the aggregation engine: time-bucketed
// rollups over dispensing events, daily summary materialization, anomaly
// detection, and the advanced compliance and fraud reports.
package analytics

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRange indicates a malformed or inverted date range. It is an
// input error, distinct from storage failures, and handlers map it to a
// client error.
var ErrInvalidRange = errors.New("invalid date range")

// dateLayout is the calendar boundary format accepted by all range queries.
const dateLayout = "2006-01-02"

// DateRange is a half-open window [Start, End). All range-accepting
// operations use calendar boundaries: a date-only end is interpreted as
// exclusive-of-next-day, so the single-day query [d, d] covers all of d.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// ParseRange converts caller-supplied date strings into a half-open range.
// Both boundaries are inclusive calendar dates; the end date's following
// midnight becomes the exclusive bound.
func ParseRange(startStr, endStr string, loc *time.Location) (DateRange, error) {
	if loc == nil {
		loc = time.UTC
	}
	if startStr == "" || endStr == "" {
		return DateRange{}, fmt.Errorf("%w: start and end are required", ErrInvalidRange)
	}

	start, err := time.ParseInLocation(dateLayout, startStr, loc)
	if err != nil {
		return DateRange{}, fmt.Errorf("%w: start must be YYYY-MM-DD", ErrInvalidRange)
	}
	end, err := time.ParseInLocation(dateLayout, endStr, loc)
	if err != nil {
		return DateRange{}, fmt.Errorf("%w: end must be YYYY-MM-DD", ErrInvalidRange)
	}
	if end.Before(start) {
		return DateRange{}, fmt.Errorf("%w: end before start", ErrInvalidRange)
	}

	return DateRange{Start: start, End: end.AddDate(0, 0, 1)}, nil
}

// RangeForDays returns the trailing window covering the last `days` full
// days up to and including today in loc.
func RangeForDays(days int, now time.Time, loc *time.Location) (DateRange, error) {
	if days <= 0 {
		return DateRange{}, fmt.Errorf("%w: days must be positive", ErrInvalidRange)
	}
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	return DateRange{Start: end.AddDate(0, 0, -days), End: end}, nil
}

// Days splits the range into per-day sub-ranges, oldest first.
func (r DateRange) Days() []DateRange {
	var days []DateRange
	for d := r.Start; d.Before(r.End); d = d.AddDate(0, 0, 1) {
		next := d.AddDate(0, 0, 1)
		if next.After(r.End) {
			next = r.End
		}
		days = append(days, DateRange{Start: d, End: next})
	}
	return days
}

// NumDays returns the number of calendar days the range spans.
func (r DateRange) NumDays() int {
	return len(r.Days())
}

// Date returns the range's start day truncated to midnight, the canonical
// key for daily summaries.
func (r DateRange) Date() time.Time {
	return time.Date(r.Start.Year(), r.Start.Month(), r.Start.Day(), 0, 0, 0, 0, r.Start.Location())
}
