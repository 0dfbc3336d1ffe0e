package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/argus-siem/argus/internal/store"
)

const (
	defaultQueryWindow = time.Hour
	maxQueryWindow     = 7 * 24 * time.Hour
	defaultPageSize    = 100
	maxPageSize        = 1000
)

// queryWindow reads ?minutes= into a [since, until] pair, clamped.
func queryWindow(r *http.Request) (time.Time, time.Time) {
	until := time.Now().UTC()
	window := defaultQueryWindow
	if v := r.URL.Query().Get("minutes"); v != "" {
		if m, err := strconv.Atoi(v); err == nil && m > 0 {
			window = time.Duration(m) * time.Minute
		}
	}
	if window > maxQueryWindow {
		window = maxQueryWindow
	}
	return until.Add(-window), until
}

func pageParams(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// ==================== Devices ====================

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "device listing failed")
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.store.GetDevice(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no such device")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "device lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, device)
}

type disableDeviceRequest struct {
	Disabled bool `json:"disabled"`
}

func (s *Server) handleDisableDevice(w http.ResponseWriter, r *http.Request) {
	var req disableDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	if err := s.store.SetDeviceDisabled(r.Context(), mux.Vars(r)["id"], req.Disabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no such device")
			return
		}
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"disabled": req.Disabled})
}

// ==================== Telemetry queries ====================

func (s *Server) handleDeviceLogs(w http.ResponseWriter, r *http.Request) {
	since, until := queryWindow(r)
	logs, err := s.store.RecentLogs(r.Context(), since, until, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "log query failed")
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// handleDeviceMetrics returns full samples, or a single numeric series when
// ?field= names one (cpu.cpu_percent, memory.memory_percent, ...): sparkline
// queries skip the cost of assembling whole samples.
func (s *Server) handleDeviceMetrics(w http.ResponseWriter, r *http.Request) {
	since, until := queryWindow(r)
	if field := r.URL.Query().Get("field"); field != "" {
		values, err := s.store.RecentMetricValues(r.Context(), since, until, mux.Vars(r)["id"], field)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown metric field")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"field": field, "values": values})
		return
	}
	samples, err := s.store.RecentMetrics(r.Context(), since, until, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "metric query failed")
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (s *Server) handleDeviceProcesses(w http.ResponseWriter, r *http.Request) {
	since, until := queryWindow(r)
	records, err := s.store.RecentProcesses(r.Context(), since, until, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "process query failed")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleDeviceCommands(w http.ResponseWriter, r *http.Request) {
	since, until := queryWindow(r)
	q := r.URL.Query()
	filter := store.CommandFilter{
		Prefix:    q.Get("prefix"),
		Substring: q.Get("contains"),
		Username:  q.Get("user"),
	}
	records, err := s.store.RecentCommands(r.Context(), since, until, mux.Vars(r)["id"], filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "command query failed")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// ==================== Alerts & incidents ====================

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := pageParams(r)
	filter := store.AlertFilter{
		Severity:         q.Get("severity"),
		AssignmentStatus: q.Get("status"),
		DeviceID:         q.Get("device_id"),
		RuleName:         q.Get("rule"),
		Limit:            limit,
		Offset:           offset,
	}
	alerts, err := s.store.ListAlerts(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "alert listing failed")
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid alert id")
		return
	}
	alert, err := s.store.GetAlert(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no such alert")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "alert lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

type assignAlertRequest struct {
	AssigneeID int64     `json:"assignee_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// handleAssignAlert takes the alert for an analyst. The caller echoes the
// updated_at it last read; a mismatch means someone else acted first.
func (s *Server) handleAssignAlert(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid alert id")
		return
	}
	var req assignAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	assignee := req.AssigneeID
	if assignee == 0 {
		assignee = claimsFrom(r).UserID
	}
	alert, err := s.store.AssignAlert(r.Context(), id, assignee, req.UpdatedAt)
	switch {
	case errors.Is(err, store.ErrStaleUpdate):
		writeError(w, http.StatusConflict, "alert changed since last read")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "no such alert")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "assignment failed")
	default:
		writeJSON(w, http.StatusOK, alert)
	}
}

type resolveAlertRequest struct {
	Notes     string    `json:"notes"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid alert id")
		return
	}
	var req resolveAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	alert, err := s.store.ResolveAlert(r.Context(), id, req.Notes, req.UpdatedAt)
	switch {
	case errors.Is(err, store.ErrStaleUpdate):
		writeError(w, http.StatusConflict, "alert changed since last read")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "no such alert")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "resolution failed")
	default:
		writeJSON(w, http.StatusOK, alert)
	}
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	incidents, err := s.store.ListIncidents(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "incident listing failed")
		return
	}
	writeJSON(w, http.StatusOK, incidents)
}

type incidentStatusRequest struct {
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) handleIncidentStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid incident id")
		return
	}
	var req incidentStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	switch req.Status {
	case store.IncidentOpen, store.IncidentAcknowledged, store.IncidentResolved:
	default:
		writeError(w, http.StatusBadRequest, "unknown incident status")
		return
	}
	err = s.store.SetIncidentStatus(r.Context(), id, req.Status, req.UpdatedAt)
	switch {
	case errors.Is(err, store.ErrStaleUpdate):
		writeError(w, http.StatusConflict, "incident changed since last read")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "no such incident")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "status change failed")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
	}
}

// ==================== ML ====================

func (s *Server) handleMLStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.detector.Status())
}

// handleMLDetect triggers one scoring pass outside the schedule, for
// operators validating a freshly deployed model.
func (s *Server) handleMLDetect(w http.ResponseWriter, r *http.Request) {
	if !s.detector.Enabled() {
		writeError(w, http.StatusConflict, "no model loaded")
		return
	}
	if err := s.detector.Tick(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "detection pass failed")
		return
	}
	writeJSON(w, http.StatusOK, s.detector.Status())
}
