package api

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/argus-siem/argus/internal/bus"
	"github.com/argus-siem/argus/internal/store"
)

type ingestRequest struct {
	DeviceID string            `json:"device_id"`
	DataType string            `json:"data_type"`
	Records  []json.RawMessage `json:"records"`
}

// handleIngest accepts one telemetry batch. The envelope names its own
// data_type. Validation runs before any insert: a batch either lands whole
// or is rejected with the index of the first bad record.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	claims := claimsFrom(r)
	if claims.Role != store.RoleDevice {
		writeError(w, http.StatusForbidden, "ingest requires a device token")
		return
	}
	deviceID := claims.Subject

	if !s.limiter.Allow(deviceID) {
		s.countBatch("batch", "rate_limited")
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "device ingest rate exceeded")
		return
	}

	body, err := readBody(r)
	if err != nil {
		s.countBatch("batch", "bad_body")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req ingestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.countBatch("batch", "bad_body")
		writeError(w, http.StatusBadRequest, "malformed batch envelope")
		return
	}
	kind := req.DataType
	switch kind {
	case store.KindLogs, store.KindMetrics, store.KindProcesses, store.KindCommands:
	default:
		s.countBatch("batch", "bad_body")
		writeError(w, http.StatusBadRequest, "unknown data_type")
		return
	}
	if req.DeviceID != deviceID {
		s.countBatch(kind, "device_mismatch")
		writeError(w, http.StatusForbidden, "batch device does not match token")
		return
	}
	if len(req.Records) == 0 {
		writeJSON(w, http.StatusOK, map[string]int{"ingested": 0})
		return
	}

	device, err := s.store.GetDevice(r.Context(), deviceID)
	if err != nil {
		s.countBatch(kind, "unknown_device")
		writeError(w, http.StatusForbidden, "unknown device")
		return
	}
	if device.Disabled {
		s.countBatch(kind, "disabled_device")
		writeError(w, http.StatusForbidden, "device is disabled")
		return
	}

	// A retried delivery of an already processed batch succeeds without
	// inserting twice.
	hash := batchHash(kind, body)
	if inserted, ok := s.idem.Check(hash); ok {
		s.countBatch(kind, "duplicate")
		writeJSON(w, http.StatusOK, map[string]int{"ingested": inserted})
		return
	}

	inserted, badIndex, status, err := s.insertBatch(r, kind, deviceID, req.Records)
	if err != nil {
		s.countBatch(kind, "invalid")
		if badIndex >= 0 {
			writeBatchError(w, status, err.Error(), badIndex)
		} else {
			writeError(w, status, err.Error())
		}
		return
	}

	s.idem.Record(hash, inserted)
	s.liveness.Touch(deviceID)
	s.countBatch(kind, "ok")
	if s.met != nil {
		s.met.IngestRecords.WithLabelValues(kind).Add(float64(inserted))
		s.met.IngestDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}

	_ = s.bus.Publish(r.Context(), bus.NewEvent(bus.TypeIngest, map[string]interface{}{
		"device_id": deviceID,
		"data_type": kind,
		"count":     inserted,
	}))

	writeJSON(w, http.StatusOK, map[string]int{"ingested": inserted})
}

func (s *Server) insertBatch(r *http.Request, kind, deviceID string, raw []json.RawMessage) (inserted, badIndex, status int, err error) {
	now := time.Now().UTC()
	ctx := r.Context()

	// Records older than the kind's retention horizon would land in
	// partitions the janitor may already have dropped.
	horizon := s.retention.Horizon(kind, now)

	switch kind {
	case store.KindLogs:
		records := make([]store.LogRecord, len(raw))
		for i, rm := range raw {
			if err := json.Unmarshal(rm, &records[i]); err != nil {
				return 0, i, http.StatusBadRequest, fmt.Errorf("record %d: malformed", i)
			}
			rec := &records[i]
			rec.DeviceID = deviceID
			if i, st, err := validateTimestamp(i, rec.Timestamp, horizon); err != nil {
				return 0, i, st, err
			}
			if rec.Severity < 0 || rec.Severity > 7 {
				return 0, i, http.StatusBadRequest, fmt.Errorf("record %d: severity out of range", i)
			}
			if rec.Facility < 0 || rec.Facility > 23 {
				return 0, i, http.StatusBadRequest, fmt.Errorf("record %d: facility out of range", i)
			}
			s.observeSkew(rec.Timestamp, now)
		}
		if err := s.store.InsertLogBatch(ctx, records); err != nil {
			return 0, -1, http.StatusInternalServerError, fmt.Errorf("persist failed")
		}
		return len(records), -1, 0, nil

	case store.KindMetrics:
		samples := make([]store.MetricSample, len(raw))
		for i, rm := range raw {
			if err := json.Unmarshal(rm, &samples[i]); err != nil {
				return 0, i, http.StatusBadRequest, fmt.Errorf("record %d: malformed", i)
			}
			sm := &samples[i]
			sm.DeviceID = deviceID
			if i, st, err := validateTimestamp(i, sm.Timestamp, horizon); err != nil {
				return 0, i, st, err
			}
			if sm.Memory.Percent < 0 || sm.Memory.Percent > 100 || sm.Disk.Percent < 0 || sm.Disk.Percent > 100 {
				return 0, i, http.StatusBadRequest, fmt.Errorf("record %d: percent out of range", i)
			}
			if sm.CPU.Percent < 0 {
				return 0, i, http.StatusBadRequest, fmt.Errorf("record %d: negative cpu percent", i)
			}
			s.observeSkew(sm.Timestamp, now)
		}
		if err := s.store.InsertMetricBatch(ctx, samples); err != nil {
			return 0, -1, http.StatusInternalServerError, fmt.Errorf("persist failed")
		}
		return len(samples), -1, 0, nil

	case store.KindProcesses:
		records := make([]store.ProcessRecord, len(raw))
		for i, rm := range raw {
			if err := json.Unmarshal(rm, &records[i]); err != nil {
				return 0, i, http.StatusBadRequest, fmt.Errorf("record %d: malformed", i)
			}
			rec := &records[i]
			rec.DeviceID = deviceID
			if i, st, err := validateTimestamp(i, rec.CollectedAt, horizon); err != nil {
				return 0, i, st, err
			}
			if rec.PID <= 0 {
				return 0, i, http.StatusBadRequest, fmt.Errorf("record %d: invalid pid", i)
			}
			if rec.Name == "" {
				return 0, i, http.StatusBadRequest, fmt.Errorf("record %d: missing process name", i)
			}
		}
		if err := s.store.InsertProcessBatch(ctx, records); err != nil {
			return 0, -1, http.StatusInternalServerError, fmt.Errorf("persist failed")
		}
		return len(records), -1, 0, nil

	case store.KindCommands:
		records := make([]store.CommandRecord, len(raw))
		for i, rm := range raw {
			if err := json.Unmarshal(rm, &records[i]); err != nil {
				return 0, i, http.StatusBadRequest, fmt.Errorf("record %d: malformed", i)
			}
			rec := &records[i]
			rec.DeviceID = deviceID
			if i, st, err := validateTimestamp(i, rec.Timestamp, horizon); err != nil {
				return 0, i, st, err
			}
			if rec.Command == "" {
				return 0, i, http.StatusBadRequest, fmt.Errorf("record %d: empty command", i)
			}
			s.observeSkew(rec.Timestamp, now)
		}
		if err := s.store.InsertCommandBatch(ctx, records); err != nil {
			return 0, -1, http.StatusInternalServerError, fmt.Errorf("persist failed")
		}
		return len(records), -1, 0, nil
	}
	return 0, -1, http.StatusNotFound, fmt.Errorf("unknown telemetry kind")
}

// validateTimestamp rejects zero timestamps and records older than the
// kind's retention horizon. Future timestamps pass: agent clock skew is
// observed as a metric, not an error.
func validateTimestamp(i int, ts, horizon time.Time) (int, int, error) {
	if ts.IsZero() {
		return i, http.StatusBadRequest, fmt.Errorf("record %d: missing timestamp", i)
	}
	if ts.Before(horizon) {
		return i, http.StatusUnprocessableEntity, fmt.Errorf("record %d: timestamp past retention horizon", i)
	}
	return -1, 0, nil
}

func (s *Server) observeSkew(ts, now time.Time) {
	if s.met != nil {
		s.met.ClockSkew.Observe(math.Abs(now.Sub(ts).Seconds()))
	}
}

func (s *Server) countBatch(kind, result string) {
	if s.met != nil {
		s.met.IngestBatches.WithLabelValues(kind, result).Inc()
	}
}

func readBody(r *http.Request) ([]byte, error) {
	var reader io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip body")
		}
		defer zr.Close()
		reader = zr
	}
	body, err := io.ReadAll(io.LimitReader(reader, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body failed")
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("batch exceeds size limit")
	}
	return body, nil
}

func batchHash(kind string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
