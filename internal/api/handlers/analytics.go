package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pharmos/dispense-engine/internal/analytics"
	"github.com/pharmos/dispense-engine/internal/api/middleware"
	"github.com/pharmos/dispense-engine/internal/observability/metrics"
)

// AnalyticsHandler exposes the aggregation engine's read-only reports.
type AnalyticsHandler struct {
	engine   *analytics.Engine
	advanced *analytics.Advanced
	detector *analytics.AnomalyDetector
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewAnalyticsHandler creates a new handler. m may be nil.
func NewAnalyticsHandler(engine *analytics.Engine, advanced *analytics.Advanced, detector *analytics.AnomalyDetector, m *metrics.Metrics, logger *zap.Logger) *AnalyticsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnalyticsHandler{
		engine:   engine,
		advanced: advanced,
		detector: detector,
		metrics:  m,
		logger:   logger,
	}
}

// Routes returns the handler routes
func (h *AnalyticsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/peak-hours", h.PeakHours)
	r.Get("/top-medicines", h.TopMedicines)
	r.Get("/compliance", h.Compliance)
	r.Get("/alerts", h.Alerts)
	r.Get("/anomalies", h.Anomalies)
	r.Get("/compliance-trends", h.ComplianceTrends)
	r.Get("/drug-interactions", h.DrugInteractions)
	r.Get("/pharmacist-performance", h.PharmacistPerformance)
	r.Get("/fraud-patterns", h.FraudPatterns)
	r.Get("/prescription-abuse", h.PrescriptionAbuse)
	return r
}

// defaultWindowDays is the trailing window used when no dates are supplied.
const defaultWindowDays = 7

// parseDateRange resolves the start_date/end_date query pair, falling back
// to the trailing default window when both are absent.
func parseDateRange(startStr, endStr string) (analytics.DateRange, error) {
	if startStr == "" && endStr == "" {
		return analytics.RangeForDays(defaultWindowDays, time.Now(), time.UTC)
	}
	return analytics.ParseRange(startStr, endStr, time.UTC)
}

// rangeQuery extracts the common range and pharmacy filter from a request.
func (h *AnalyticsHandler) rangeQuery(w http.ResponseWriter, r *http.Request) (analytics.DateRange, string, bool) {
	q := r.URL.Query()
	rng, err := parseDateRange(q.Get("start_date"), q.Get("end_date"))
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return analytics.DateRange{}, "", false
	}
	return rng, q.Get("pharmacy_id"), true
}

// PeakHours handles GET /analytics/peak-hours
func (h *AnalyticsHandler) PeakHours(w http.ResponseWriter, r *http.Request) {
	defer h.observe("peak_hours", time.Now())
	rng, pharmacyID, ok := h.rangeQuery(w, r)
	if !ok {
		return
	}

	buckets, err := h.engine.PeakHours(r.Context(), rng, pharmacyID)
	if err != nil {
		h.serverError(w, r, "peak hours query failed", err)
		return
	}
	h.respond(w, map[string]interface{}{"hours": buckets})
}

// TopMedicines handles GET /analytics/top-medicines
func (h *AnalyticsHandler) TopMedicines(w http.ResponseWriter, r *http.Request) {
	defer h.observe("top_medicines", time.Now())
	rng, pharmacyID, ok := h.rangeQuery(w, r)
	if !ok {
		return
	}

	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	ranked, err := h.engine.TopMedicines(r.Context(), rng, pharmacyID, limit)
	if err != nil {
		h.serverError(w, r, "top medicines query failed", err)
		return
	}
	h.respond(w, map[string]interface{}{"medicines": ranked})
}

// Compliance handles GET /analytics/compliance
func (h *AnalyticsHandler) Compliance(w http.ResponseWriter, r *http.Request) {
	defer h.observe("compliance", time.Now())
	rng, pharmacyID, ok := h.rangeQuery(w, r)
	if !ok {
		return
	}

	stats, err := h.engine.ComplianceStats(r.Context(), rng, pharmacyID)
	if err != nil {
		h.serverError(w, r, "compliance query failed", err)
		return
	}
	h.respond(w, stats)
}

// Alerts handles GET /analytics/alerts
func (h *AnalyticsHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	defer h.observe("alerts", time.Now())
	rng, pharmacyID, ok := h.rangeQuery(w, r)
	if !ok {
		return
	}

	severities, err := analytics.ParseSeverities(r.URL.Query().Get("severity"))
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	alerts, err := h.engine.HighRiskAlerts(r.Context(), rng, pharmacyID, severities)
	if err != nil {
		h.serverError(w, r, "alerts query failed", err)
		return
	}
	h.respond(w, map[string]interface{}{"alerts": alerts})
}

// Anomalies handles GET /analytics/anomalies
func (h *AnalyticsHandler) Anomalies(w http.ResponseWriter, r *http.Request) {
	defer h.observe("anomalies", time.Now())
	rng, pharmacyID, ok := h.rangeQuery(w, r)
	if !ok {
		return
	}

	anomalies, err := h.detector.Detect(r.Context(), rng, pharmacyID)
	if err != nil {
		h.serverError(w, r, "anomaly detection failed", err)
		return
	}
	h.respond(w, map[string]interface{}{"anomalies": anomalies})
}

// ComplianceTrends handles GET /analytics/compliance-trends
func (h *AnalyticsHandler) ComplianceTrends(w http.ResponseWriter, r *http.Request) {
	defer h.observe("compliance_trends", time.Now())
	rng, pharmacyID, ok := h.rangeQuery(w, r)
	if !ok {
		return
	}

	points, err := h.advanced.ComplianceTrends(r.Context(), rng, pharmacyID)
	if err != nil {
		h.serverError(w, r, "compliance trends query failed", err)
		return
	}
	h.respond(w, map[string]interface{}{"trends": points})
}

// DrugInteractions handles GET /analytics/drug-interactions
func (h *AnalyticsHandler) DrugInteractions(w http.ResponseWriter, r *http.Request) {
	defer h.observe("drug_interactions", time.Now())
	rng, pharmacyID, ok := h.rangeQuery(w, r)
	if !ok {
		return
	}

	risks, err := h.advanced.DrugInteractionRisk(r.Context(), rng, pharmacyID)
	if err != nil {
		h.serverError(w, r, "drug interaction query failed", err)
		return
	}
	h.respond(w, map[string]interface{}{"interactions": risks})
}

// PharmacistPerformance handles GET /analytics/pharmacist-performance
func (h *AnalyticsHandler) PharmacistPerformance(w http.ResponseWriter, r *http.Request) {
	defer h.observe("pharmacist_performance", time.Now())
	rng, pharmacyID, ok := h.rangeQuery(w, r)
	if !ok {
		return
	}

	scores, err := h.advanced.PharmacistPerformance(r.Context(), rng, pharmacyID)
	if err != nil {
		h.serverError(w, r, "pharmacist performance query failed", err)
		return
	}
	h.respond(w, map[string]interface{}{"pharmacists": scores})
}

// FraudPatterns handles GET /analytics/fraud-patterns
func (h *AnalyticsHandler) FraudPatterns(w http.ResponseWriter, r *http.Request) {
	defer h.observe("fraud_patterns", time.Now())
	rng, pharmacyID, ok := h.rangeQuery(w, r)
	if !ok {
		return
	}

	patterns, err := h.advanced.FraudPatterns(r.Context(), rng, pharmacyID)
	if err != nil {
		h.serverError(w, r, "fraud pattern query failed", err)
		return
	}
	h.respond(w, map[string]interface{}{"patterns": patterns})
}

// PrescriptionAbuse handles GET /analytics/prescription-abuse
func (h *AnalyticsHandler) PrescriptionAbuse(w http.ResponseWriter, r *http.Request) {
	defer h.observe("prescription_abuse", time.Now())
	rng, pharmacyID, ok := h.rangeQuery(w, r)
	if !ok {
		return
	}

	findings, err := h.advanced.PrescriptionAbuse(r.Context(), rng, pharmacyID)
	if err != nil {
		h.serverError(w, r, "prescription abuse query failed", err)
		return
	}
	h.respond(w, map[string]interface{}{"findings": findings})
}

// observe records query latency under the endpoint's label.
func (h *AnalyticsHandler) observe(query string, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.QueryDuration.WithLabelValues(query).Observe(time.Since(start).Seconds())
}

func (h *AnalyticsHandler) respond(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func (h *AnalyticsHandler) serverError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	if errors.Is(err, analytics.ErrInvalidRange) {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.logger.Error(msg,
		zap.String("request_id", middleware.GetRequestID(r.Context())),
		zap.Error(err))
	h.jsonError(w, msg, http.StatusInternalServerError)
}

func (h *AnalyticsHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
