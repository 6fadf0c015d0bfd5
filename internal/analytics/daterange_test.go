package analytics

import (
	"errors"
	"testing"
	"time"
)

func TestParseRangeEndExclusiveOfNextDay(t *testing.T) {
	r, err := ParseRange("2026-03-10", "2026-03-12", time.UTC)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	wantStart := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC)
	if !r.Start.Equal(wantStart) {
		t.Errorf("start: expected %v, got %v", wantStart, r.Start)
	}
	if !r.End.Equal(wantEnd) {
		t.Errorf("end: expected midnight after end date %v, got %v", wantEnd, r.End)
	}
}

func TestParseRangeSingleDayCoversWholeDay(t *testing.T) {
	r, err := ParseRange("2026-03-10", "2026-03-10", time.UTC)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	lastMoment := time.Date(2026, 3, 10, 23, 59, 59, 0, time.UTC)
	if lastMoment.Before(r.Start) || !lastMoment.Before(r.End) {
		t.Errorf("23:59:59 of the day must fall inside [%v, %v)", r.Start, r.End)
	}
	nextMidnight := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	if nextMidnight.Before(r.End) {
		t.Errorf("next midnight must be excluded, end is %v", r.End)
	}
}

func TestParseRangeRejectsBadInput(t *testing.T) {
	cases := [][2]string{
		{"", "2026-03-10"},
		{"2026-03-10", ""},
		{"03/10/2026", "2026-03-12"},
		{"2026-03-10", "not-a-date"},
		{"2026-03-12", "2026-03-10"},
	}
	for _, tc := range cases {
		if _, err := ParseRange(tc[0], tc[1], time.UTC); !errors.Is(err, ErrInvalidRange) {
			t.Errorf("ParseRange(%q, %q): expected ErrInvalidRange, got %v", tc[0], tc[1], err)
		}
	}
}

func TestRangeForDays(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)
	r, err := RangeForDays(7, now, time.UTC)
	if err != nil {
		t.Fatalf("range failed: %v", err)
	}

	if got := r.NumDays(); got != 7 {
		t.Errorf("expected 7 days, got %d", got)
	}
	wantEnd := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	if !r.End.Equal(wantEnd) {
		t.Errorf("trailing window must include today: end %v, want %v", r.End, wantEnd)
	}

	if _, err := RangeForDays(0, now, time.UTC); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("zero days must be rejected, got %v", err)
	}
}

func TestDaysSplit(t *testing.T) {
	r, err := ParseRange("2026-03-10", "2026-03-12", time.UTC)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	days := r.Days()
	if len(days) != 3 {
		t.Fatalf("expected 3 days, got %d", len(days))
	}
	for i, d := range days {
		want := r.Start.AddDate(0, 0, i)
		if !d.Start.Equal(want) {
			t.Errorf("day %d starts at %v, want %v", i, d.Start, want)
		}
		if !d.End.Equal(want.AddDate(0, 0, 1)) {
			t.Errorf("day %d ends at %v", i, d.End)
		}
	}
}
