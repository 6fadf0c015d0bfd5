package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pharmos/dispense-engine/internal/analytics"
	"github.com/pharmos/dispense-engine/internal/domain/dispensing"
	"github.com/pharmos/dispense-engine/internal/observability/metrics"
)

// emptySource serves a window with no events or alerts.
type emptySource struct{}

func (emptySource) EventsInRange(context.Context, time.Time, time.Time, string) ([]*dispensing.Event, error) {
	return nil, nil
}

func (emptySource) AlertsInRange(context.Context, time.Time, time.Time, string, []dispensing.RiskCategory) ([]*dispensing.HighRiskAlert, error) {
	return nil, nil
}

// Metrics register against the default prometheus registry, which rejects
// duplicates, so the test binary holds a single shared instance.
var testMetrics = metrics.New()

func newTestAnalyticsHandler() *AnalyticsHandler {
	src := emptySource{}
	engine := analytics.NewEngine(src, src, nil, nil)
	advanced := analytics.NewAdvanced(engine, src, nil)
	detector := analytics.NewAnomalyDetector(engine, analytics.DefaultAnomalyConfig(), nil, nil)
	return NewAnalyticsHandler(engine, advanced, detector, testMetrics, nil)
}

func TestPeakHoursEmptyWindow(t *testing.T) {
	h := newTestAnalyticsHandler()

	req := httptest.NewRequest(http.MethodGet, "/peak-hours?start_date=2026-03-01&end_date=2026-03-07", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Hours []analytics.HourBucket `json:"hours"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(body.Hours) != 24 {
		t.Fatalf("expected 24 hour buckets, got %d", len(body.Hours))
	}
	for i, b := range body.Hours {
		if b.Hour != i || b.Count != 0 {
			t.Errorf("bucket %d: expected empty hour %d, got %+v", i, i, b)
		}
	}
}

func TestAnalyticsInvalidRangeRejected(t *testing.T) {
	h := newTestAnalyticsHandler()

	req := httptest.NewRequest(http.MethodGet, "/compliance?start_date=2026-03-07&end_date=2026-03-01", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("inverted range: expected 400, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body["error"] == "" {
		t.Error("error body must carry a message")
	}
}

func TestAnalyticsQueryLatencyObserved(t *testing.T) {
	h := newTestAnalyticsHandler()

	for _, path := range []string{
		"/peak-hours?start_date=2026-03-01&end_date=2026-03-07",
		"/fraud-patterns?start_date=2026-03-01&end_date=2026-03-07",
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.Routes().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}

	// One histogram child per queried endpoint label.
	if n := testutil.CollectAndCount(testMetrics.QueryDuration, "analytics_query_duration_seconds"); n < 2 {
		t.Errorf("expected latency observations for both endpoints, got %d series", n)
	}
}
