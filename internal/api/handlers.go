package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/keslleykledston/24-Monitoramento/internal/database"
	"github.com/keslleykledston/24-Monitoramento/internal/incident"
	"github.com/keslleykledston/24-Monitoramento/internal/protocol"
)

const (
	defaultLiveWindow   = 15
	maxLiveRows         = 1000
	defaultHistoryDays  = 7
	defaultIncidentRows = 100
	maxIncidentRows     = 1000
)

// Ingester accepts a probe record and returns its stored timestamp
type Ingester interface {
	Accept(ctx context.Context, rec *protocol.MeasurementRecord) (time.Time, error)
}

// IncidentManager performs operator transitions on incidents
type IncidentManager interface {
	Ack(ctx context.Context, id int64, by string) (*database.Incident, error)
	Resolve(ctx context.Context, id int64) (*database.Incident, error)
}

// QueryStore is the read side used by the presentation endpoints
type QueryStore interface {
	LiveWindow(ctx context.Context, targetID int64, since time.Time, kind database.MeasurementType, limit int) ([]database.RawMeasurement, error)
	History(ctx context.Context, targetID int64, since time.Time) ([]database.AggregateBucket, error)
	ListIncidents(ctx context.Context, filter database.IncidentFilter) ([]database.Incident, error)
}

// Pinger reports store health
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	Ingest    Ingester
	Incidents IncidentManager
	Store     QueryStore
	DB        Pinger
	// Queued is true when Ingest only enqueues records
	Queued  bool
	Timeout time.Duration
	// MaxLiveWindow and MaxHistory bound the lookbacks a client may ask for;
	// zero means 6h and 7 days.
	MaxLiveWindow time.Duration
	MaxHistory    time.Duration
	Now           func() time.Time
	Log           *logrus.Entry
}

type errorResponse struct {
	Ok      bool   `json:"ok"`
	Message string `json:"message"`
}

type ackRequest struct {
	AckedBy string `json:"acked_by"`
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/measurements", h.handleIngest)
		r.Get("/targets/{id}/live", h.handleLive)
		r.Get("/targets/{id}/history", h.handleHistory)
		r.Route("/incidents", func(r chi.Router) {
			r.Get("/", h.handleIncidentsList)
			r.Post("/{id}/ack", h.handleIncidentAck)
			r.Post("/{id}/resolve", h.handleIncidentResolve)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.DB != nil {
		ctx, cancel := h.context(r)
		defer cancel()
		if err := h.DB.PingContext(ctx); err != nil {
			h.Log.WithError(err).Warn("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "database": "down"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	var rec protocol.MeasurementRecord
	if err := decodeJSON(r, &rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	ts, err := h.Ingest.Accept(ctx, &rec)
	if err != nil {
		if errors.Is(err, protocol.ErrInvalidRecord) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.Log.WithError(err).WithField("probe_id", rec.ProbeID).Error("Failed to ingest measurement")
		writeError(w, http.StatusInternalServerError, "failed to store measurement")
		return
	}

	status := http.StatusCreated
	if h.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{"ok": true, "timestamp": protocol.FormatTimestamp(ts)})
}

type liveRow struct {
	Timestamp       string   `json:"ts"`
	ProbeID         int64    `json:"probe_id"`
	TargetID        int64    `json:"target_id"`
	MeasurementType string   `json:"measurement_type"`
	Up              bool     `json:"up"`
	RTTMs           *float64 `json:"rtt_ms"`
	JitterMs        *float64 `json:"jitter_ms"`
	LossPct         *float64 `json:"loss_pct"`
	HTTPCode        *int     `json:"http_code"`
	Error           *string  `json:"error"`
}

func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	targetID, ok := pathID(w, r)
	if !ok {
		return
	}
	window, ok := queryInt(w, r, "window", defaultLiveWindow, limitIn(h.MaxLiveWindow, 6*time.Hour, time.Minute))
	if !ok {
		return
	}
	kind := database.MeasurementType(r.URL.Query().Get("measurement_type"))
	if kind != "" && !kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown measurement_type")
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	since := h.now().Add(-time.Duration(window) * time.Minute)
	rows, err := h.Store.LiveWindow(ctx, targetID, since, kind, maxLiveRows)
	if err != nil {
		h.Log.WithError(err).WithField("target_id", targetID).Error("Failed to query live window")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	out := make([]liveRow, 0, len(rows))
	for _, m := range rows {
		out = append(out, liveRow{
			Timestamp:       protocol.FormatTimestamp(m.Timestamp),
			ProbeID:         m.ProbeID,
			TargetID:        m.TargetID,
			MeasurementType: string(m.MeasurementType),
			Up:              m.Up,
			RTTMs:           m.RTTMs,
			JitterMs:        m.JitterMs,
			LossPct:         m.LossPct,
			HTTPCode:        m.HTTPCode,
			Error:           m.Error,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type historyRow struct {
	Bucket      string   `json:"bucket"`
	ProbeID     int64    `json:"probe_id"`
	TargetID    int64    `json:"target_id"`
	Samples     int      `json:"samples"`
	UpRatio     float64  `json:"up_ratio"`
	RTTP50      *float64 `json:"rtt_p50"`
	RTTP95      *float64 `json:"rtt_p95"`
	RTTAvg      *float64 `json:"rtt_avg"`
	JitterAvg   *float64 `json:"jitter_avg"`
	LossAvg     *float64 `json:"loss_avg"`
	HTTP5xxRate *float64 `json:"http_5xx_rate"`
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	targetID, ok := pathID(w, r)
	if !ok {
		return
	}
	days, ok := queryInt(w, r, "range_days", defaultHistoryDays, limitIn(h.MaxHistory, 7*24*time.Hour, 24*time.Hour))
	if !ok {
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	since := h.now().Add(-time.Duration(days) * 24 * time.Hour)
	buckets, err := h.Store.History(ctx, targetID, since)
	if err != nil {
		h.Log.WithError(err).WithField("target_id", targetID).Error("Failed to query history")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	out := make([]historyRow, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, historyRow{
			Bucket:      b.Bucket.UTC().Format(time.RFC3339),
			ProbeID:     b.ProbeID,
			TargetID:    b.TargetID,
			Samples:     b.Samples,
			UpRatio:     b.UpRatio,
			RTTP50:      b.RTTP50,
			RTTP95:      b.RTTP95,
			RTTAvg:      b.RTTAvg,
			JitterAvg:   b.JitterAvg,
			LossAvg:     b.LossAvg,
			HTTP5xxRate: b.HTTP5xxRate,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type incidentResponse struct {
	ID          int64             `json:"id"`
	TargetID    int64             `json:"target_id"`
	ProbeID     int64             `json:"probe_id"`
	LocationID  int64             `json:"location_id"`
	AlertRuleID *int64            `json:"alert_rule_id"`
	Severity    string            `json:"severity"`
	Status      string            `json:"status"`
	Title       string            `json:"title"`
	Description *string           `json:"description"`
	Evidence    database.Evidence `json:"evidence"`
	StartedAt   time.Time         `json:"started_at"`
	AckedAt     *time.Time        `json:"acked_at"`
	AckedBy     *string           `json:"acked_by"`
	ResolvedAt  *time.Time        `json:"resolved_at"`
}

func toIncidentResponse(inc *database.Incident) incidentResponse {
	return incidentResponse{
		ID:          inc.ID,
		TargetID:    inc.TargetID,
		ProbeID:     inc.ProbeID,
		LocationID:  inc.LocationID,
		AlertRuleID: inc.AlertRuleID,
		Severity:    string(inc.Severity),
		Status:      string(inc.Status),
		Title:       inc.Title,
		Description: inc.Description,
		Evidence:    inc.Evidence,
		StartedAt:   inc.StartedAt,
		AckedAt:     inc.AckedAt,
		AckedBy:     inc.AckedBy,
		ResolvedAt:  inc.ResolvedAt,
	}
}

func (h *Handler) handleIncidentsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.IncidentFilter{
		Status:   database.IncidentStatus(q.Get("status")),
		Severity: database.Severity(q.Get("severity")),
	}
	switch filter.Status {
	case "", database.IncidentOpen, database.IncidentAcked, database.IncidentResolved:
	default:
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	if filter.Severity != "" && !filter.Severity.Valid() {
		writeError(w, http.StatusBadRequest, "unknown severity")
		return
	}
	limit, ok := queryInt(w, r, "limit", defaultIncidentRows, math.MaxInt)
	if !ok {
		return
	}
	filter.Limit = min(limit, maxIncidentRows)

	ctx, cancel := h.context(r)
	defer cancel()

	incidents, err := h.Store.ListIncidents(ctx, filter)
	if err != nil {
		h.Log.WithError(err).Error("Failed to list incidents")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	out := make([]incidentResponse, 0, len(incidents))
	for i := range incidents {
		out = append(out, toIncidentResponse(&incidents[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleIncidentAck(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.AckedBy == "" {
		writeError(w, http.StatusBadRequest, "acked_by is required")
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	inc, err := h.Incidents.Ack(ctx, id, req.AckedBy)
	h.writeTransition(w, id, inc, err)
}

func (h *Handler) handleIncidentResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	inc, err := h.Incidents.Resolve(ctx, id)
	h.writeTransition(w, id, inc, err)
}

func (h *Handler) writeTransition(w http.ResponseWriter, id int64, inc *database.Incident, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toIncidentResponse(inc))
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "incident not found")
	case errors.Is(err, incident.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.Log.WithError(err).WithField("incident_id", id).Error("Incident transition failed")
		writeError(w, http.StatusInternalServerError, "transition failed")
	}
}

func (h *Handler) context(r *http.Request) (context.Context, context.CancelFunc) {
	if h.Timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.Timeout)
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// queryInt parses a positive integer parameter no larger than max
func queryInt(w http.ResponseWriter, r *http.Request, name string, def, max int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	if v > max {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s must not exceed %d", name, max))
		return 0, false
	}
	return v, true
}

// limitIn expresses limit (or def when unset) as a count of unit, at least one
func limitIn(limit, def, unit time.Duration) int {
	if limit <= 0 {
		limit = def
	}
	if n := int(limit / unit); n > 0 {
		return n
	}
	return 1
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Ok: false, Message: message})
}
