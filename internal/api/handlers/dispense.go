// Package handlers provides HTTP handlers for the analytics API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pharmos/dispense-engine/internal/api/middleware"
	"github.com/pharmos/dispense-engine/internal/domain/dispensing"
	"github.com/pharmos/dispense-engine/pkg/idempotency"
)

// DispenseHandler handles dispense submission endpoints
type DispenseHandler struct {
	service *dispensing.Service
	logger  *zap.Logger
}

// NewDispenseHandler creates a new handler
func NewDispenseHandler(service *dispensing.Service, logger *zap.Logger) *DispenseHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DispenseHandler{service: service, logger: logger}
}

// Routes returns the handler routes
func (h *DispenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Submit)
	r.Post("/reprocess", h.Reprocess)
	return r
}

// SubmitResponse is the response for a scored submission
type SubmitResponse struct {
	ID           string            `json:"id"`
	RiskScore    float64           `json:"risk_score"`
	RiskCategory string            `json:"risk_category"`
	RiskFlags    []dispensing.Flag `json:"risk_flags"`
	HighRiskFlag bool              `json:"high_risk_flag"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Submit handles POST /dispenses
func (h *DispenseHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("dispense-handler")
	ctx, span := tracer.Start(ctx, "submit_dispense")
	defer span.End()

	var sub dispensing.RawSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ev, err := h.service.EnrichAndScore(ctx, sub)
	if err != nil {
		switch {
		case errors.Is(err, dispensing.ErrInvalidSubmission):
			h.jsonError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, idempotency.ErrDuplicateSubmission):
			h.jsonError(w, "duplicate submission", http.StatusConflict)
		default:
			h.logger.Error("submission failed",
				zap.String("request_id", middleware.GetRequestID(ctx)),
				zap.Error(err))
			h.jsonError(w, "failed to process submission", http.StatusInternalServerError)
		}
		return
	}

	span.SetAttributes(
		attribute.String("event_id", ev.ID),
		attribute.String("risk_category", string(ev.RiskResult.Category)),
	)

	resp := SubmitResponse{
		ID:           ev.ID,
		RiskScore:    ev.RiskResult.Score,
		RiskCategory: string(ev.RiskResult.Category),
		RiskFlags:    ev.RiskResult.Flags,
		HighRiskFlag: ev.HighRiskFlag,
		CreatedAt:    ev.CreatedAt,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

// ReprocessRequest selects events for rescoring. Either explicit IDs or a
// date range; IDs take precedence.
type ReprocessRequest struct {
	EventIDs   []string `json:"event_ids,omitempty"`
	StartDate  string   `json:"start_date,omitempty"`
	EndDate    string   `json:"end_date,omitempty"`
	PharmacyID string   `json:"pharmacy_id,omitempty"`
}

// Reprocess handles POST /dispenses/reprocess
func (h *DispenseHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("dispense-handler")
	ctx, span := tracer.Start(ctx, "reprocess_dispenses")
	defer span.End()

	var req ReprocessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	filter := dispensing.ReprocessFilter{
		IDs:        req.EventIDs,
		PharmacyID: req.PharmacyID,
	}
	if len(req.EventIDs) == 0 {
		if req.StartDate == "" || req.EndDate == "" {
			h.jsonError(w, "event_ids or start_date/end_date are required", http.StatusBadRequest)
			return
		}
		rng, err := parseDateRange(req.StartDate, req.EndDate)
		if err != nil {
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.Start = rng.Start
		filter.End = rng.End
	}

	report, err := h.service.Reprocess(ctx, filter)
	if err != nil {
		h.logger.Error("reprocess failed",
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		h.jsonError(w, "failed to reprocess events", http.StatusInternalServerError)
		return
	}

	span.SetAttributes(
		attribute.Int("matched", report.Matched),
		attribute.Int("updated", report.Updated),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

func (h *DispenseHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
