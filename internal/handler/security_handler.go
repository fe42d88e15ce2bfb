package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"zerotrust-service/internal/apperrors"
	"zerotrust-service/internal/models"
	"zerotrust-service/internal/repository/clickhouse"
	"zerotrust-service/internal/repository/elastic"
	"zerotrust-service/internal/service"
	"zerotrust-service/internal/util"
)

// SecurityHandler exposes the operator security API: dashboard, event and
// device listings, device admin actions, analytics, and user profiles.
type SecurityHandler struct {
	registry  *service.RegistryService
	analytics *service.AnalyticsService
	gate      *service.GateService
	logger    *zap.Logger
}

func NewSecurityHandler(registry *service.RegistryService, analytics *service.AnalyticsService, gate *service.GateService, logger *zap.Logger) *SecurityHandler {
	return &SecurityHandler{
		registry:  registry,
		analytics: analytics,
		gate:      gate,
		logger:    logger,
	}
}

// Response is the standard API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// Meta carries pagination metadata.
type Meta struct {
	Page     int    `json:"page,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
	Total    uint64 `json:"total,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func errorResponse(err error, message string) Response {
	resp := Response{Success: false, Message: message}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		util.Error("Failed to encode response", zap.Error(err))
	}
}

func respondWithError(w http.ResponseWriter, err error, message string) {
	respondWithJSON(w, apperrors.StatusCode(err), errorResponse(err, message))
}

// RegisterRoutes mounts the security API. Everything here is operator-only.
func (h *SecurityHandler) RegisterRoutes(router chi.Router) {
	router.Route("/security", func(r chi.Router) {
		r.Use(RequireOperator)

		r.Get("/dashboard", h.Dashboard)
		r.Get("/events", h.ListEvents)
		r.Get("/devices", h.ListDevices)
		r.Get("/devices/{deviceID}", h.GetDevice)
		r.Put("/devices/{deviceID}/verify", h.VerifyDevice)
		r.Put("/devices/{deviceID}/block", h.BlockDevice)
		r.Get("/analytics/risk-trends", h.RiskTrends)
		r.Get("/analytics/threat-summary", h.ThreatSummary)
		r.Get("/user/{userID}/security-profile", h.UserSecurityProfile)

		r.Post("/hooks/login", h.LoginOutcome)
		r.Get("/gate/decision", h.GateDecision)
	})
}

// Dashboard returns the 24h operator dashboard.
func (h *SecurityHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	dashboard, err := h.analytics.Dashboard(r.Context())
	if err != nil {
		util.Error("Dashboard aggregation failed", zap.Error(err))
		respondWithError(w, err, "failed to build dashboard")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(dashboard, ""))
}

// ListEvents serves the filtered, paginated event listing.
func (h *SecurityHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseEventQuery(r)
	if err != nil {
		respondWithError(w, err, "invalid event filter")
		return
	}

	events, total, err := h.analytics.Events(r.Context(), filter, page)
	if err != nil {
		util.Error("Event query failed", zap.Error(err))
		respondWithError(w, err, "failed to query events")
		return
	}

	respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    events,
		Meta:    &Meta{Page: page.Page, PageSize: page.Limit, Total: total},
	})
}

// ListDevices serves the filtered, sortable device listing.
func (h *SecurityHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := elastic.DeviceFilter{SortBy: q.Get("sortBy")}
	if v := q.Get("riskThreshold"); v != "" {
		threshold, err := strconv.Atoi(v)
		if err != nil {
			respondWithError(w, apperrors.NewValidation("riskThreshold must be an integer"), "invalid device filter")
			return
		}
		filter.RiskThreshold = threshold
	}
	if v := q.Get("verified"); v != "" {
		verified := v == "true"
		filter.Verified = &verified
	}
	if v := q.Get("blocked"); v != "" {
		blocked := v == "true"
		filter.Blocked = &blocked
	}

	page := intQuery(q.Get("page"), 1)
	limit := intQuery(q.Get("limit"), 20)

	devices, total, err := h.analytics.Devices(r.Context(), filter, page, limit)
	if err != nil {
		util.Error("Device query failed", zap.Error(err))
		respondWithError(w, err, "failed to query devices")
		return
	}

	respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    devices,
		Meta:    &Meta{Page: page, PageSize: limit, Total: uint64(total)},
	})
}

// GetDevice returns one registry record.
func (h *SecurityHandler) GetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID, err := parseDeviceID(r)
	if err != nil {
		respondWithError(w, err, "invalid device id")
		return
	}

	device, err := h.registry.Get(r.Context(), deviceID)
	if err != nil {
		respondWithError(w, err, "failed to load device")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(device, ""))
}

// VerifyDevice marks a device verified. The verification method defaults
// to ADMIN_APPROVAL.
func (h *SecurityHandler) VerifyDevice(w http.ResponseWriter, r *http.Request) {
	deviceID, err := parseDeviceID(r)
	if err != nil {
		respondWithError(w, err, "invalid device id")
		return
	}

	var body struct {
		VerificationMethod string `json:"verificationMethod"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	identity, _ := IdentityFromContext(r.Context())
	device, err := h.registry.Verify(r.Context(), deviceID,
		models.VerificationMethod(body.VerificationMethod), identity)
	if err != nil {
		respondWithError(w, err, "failed to verify device")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(device, "device verified"))
}

// BlockDevice permanently blocks a device. There is no unblock.
func (h *SecurityHandler) BlockDevice(w http.ResponseWriter, r *http.Request) {
	deviceID, err := parseDeviceID(r)
	if err != nil {
		respondWithError(w, err, "invalid device id")
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondWithError(w, apperrors.NewValidation("request body with a reason is required"), "invalid block request")
		return
	}

	identity, _ := IdentityFromContext(r.Context())
	device, err := h.registry.Block(r.Context(), deviceID, util.SanitizeInput(body.Reason), identity)
	if err != nil {
		respondWithError(w, err, "failed to block device")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(device, "device blocked"))
}

// RiskTrends returns the per-day trend for the requested window.
func (h *SecurityHandler) RiskTrends(w http.ResponseWriter, r *http.Request) {
	days := intQuery(r.URL.Query().Get("days"), 7)
	trend, err := h.analytics.RiskTrend(r.Context(), days)
	if err != nil {
		util.Error("Risk trend query failed", zap.Error(err))
		respondWithError(w, err, "failed to load risk trend")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(trend, ""))
}

// ThreatSummary returns the 24h per-event-type aggregation.
func (h *SecurityHandler) ThreatSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.analytics.ThreatSummary(r.Context())
	if err != nil {
		util.Error("Threat summary query failed", zap.Error(err))
		respondWithError(w, err, "failed to load threat summary")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(summary, ""))
}

// UserSecurityProfile returns the 30-day view of one identity.
func (h *SecurityHandler) UserSecurityProfile(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		respondWithError(w, apperrors.NewValidation("user id is required"), "invalid user id")
		return
	}

	profile, err := h.analytics.UserSecurityProfile(r.Context(), userID)
	if err != nil {
		util.Error("User profile query failed", zap.String("user_id", userID), zap.Error(err))
		respondWithError(w, err, "failed to build security profile")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(profile, ""))
}

// LoginOutcome is the hook the authentication edge calls after each login
// attempt so failed-login windows and country history stay current.
func (h *SecurityHandler) LoginOutcome(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID   string `json:"user_id"`
		Success  bool   `json:"success"`
		IP       string `json:"ip_address"`
		Country  string `json:"country"`
		Region   string `json:"region"`
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
		respondWithError(w, apperrors.NewValidation("user_id is required"), "invalid login outcome")
		return
	}

	identity := models.Identity{UserID: body.UserID}
	var geo *models.GeoLocation
	if body.Country != "" {
		geo = &models.GeoLocation{Country: body.Country, Region: body.Region}
	}

	var err error
	if body.Success {
		err = h.gate.RecordLoginSuccess(r.Context(), identity, body.IP, geo, body.DeviceID)
	} else {
		err = h.gate.RecordLoginFailure(r.Context(), identity, body.IP, geo, body.DeviceID)
	}
	if err != nil {
		respondWithError(w, err, "failed to record login outcome")
		return
	}
	respondWithJSON(w, http.StatusAccepted, successResponse(nil, "login outcome recorded"))
}

// GateDecision echoes the gate decision made for the current request.
func (h *SecurityHandler) GateDecision(w http.ResponseWriter, r *http.Request) {
	decision, ok := DecisionFromContext(r.Context())
	if !ok {
		respondWithError(w, apperrors.NewNotFound("no gate decision recorded for this request"), "")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(decision, ""))
}

// HealthCheck is the liveness probe body used by the router.
func (h *SecurityHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, successResponse(map[string]string{
		"status":  "healthy",
		"service": "zerotrust-service",
	}, ""))
}

func parseDeviceID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "deviceID")
	deviceID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperrors.NewValidation("device id %q is not a valid UUID", raw)
	}
	return deviceID, nil
}

func parseEventQuery(r *http.Request) (clickhouse.EventFilter, clickhouse.Page, error) {
	q := r.URL.Query()

	filter := clickhouse.EventFilter{
		Severity:  q.Get("severity"),
		IPAddress: q.Get("ipAddress"),
		UserID:    q.Get("userId"),
		DeviceID:  q.Get("deviceId"),
	}

	if v := q.Get("eventType"); v != "" {
		eventType := models.EventType(v)
		if !eventType.IsValid() {
			return filter, clickhouse.Page{}, apperrors.NewValidation("unrecognized event type %q", v)
		}
		filter.EventType = eventType
	}
	if v := q.Get("riskScore"); v != "" {
		minScore, err := strconv.Atoi(v)
		if err != nil || minScore < 0 || minScore > 100 {
			return filter, clickhouse.Page{}, apperrors.NewValidation("riskScore must be an integer in [0,100]")
		}
		filter.MinRiskScore = minScore
	}
	if v := q.Get("startDate"); v != "" {
		start, err := parseDate(v)
		if err != nil {
			return filter, clickhouse.Page{}, err
		}
		filter.StartDate = start
	}
	if v := q.Get("endDate"); v != "" {
		end, err := parseDate(v)
		if err != nil {
			return filter, clickhouse.Page{}, err
		}
		filter.EndDate = end
	}

	page := clickhouse.Page{
		Page:  intQuery(q.Get("page"), 1),
		Limit: intQuery(q.Get("limit"), 20),
	}
	return filter, page, nil
}

func parseDate(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, apperrors.NewValidation("date %q must be RFC3339 or YYYY-MM-DD", value)
}

func intQuery(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
