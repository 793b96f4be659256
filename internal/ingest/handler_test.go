package ingest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chainsight/internal/queue"
	"chainsight/internal/schema"
)

func newTestHandler() *Handler {
	normalizer := NewNormalizer("default")
	validator := schema.NewValidator()
	q := queue.NewRingBuffer(1000)
	return NewHandler(normalizer, validator, q)
}

func TestHandler_HandleEvents(t *testing.T) {
	now := time.Now().UTC().Format(time.RFC3339)

	t.Run("single valid event", func(t *testing.T) {
		handler := newTestHandler()
		body := `{
			"source": "crowdstrike_falcon",
			"event": {
				"timestamp": "` + now + `",
				"ComputerName": "WIN-SRV-01",
				"UserName": "jdoe",
				"event_simpleName": "ProcessRollup2",
				"CommandLine": "powershell -enc SQBFAFgA"
			}
		}`

		req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()

		handler.HandleEvents(rec, req)

		if rec.Code != http.StatusAccepted {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusAccepted)
		}

		var resp IngestResponse
		json.NewDecoder(rec.Body).Decode(&resp)

		if !resp.Success {
			t.Errorf("Success = false, want true")
		}
		if resp.Accepted != 1 {
			t.Errorf("Accepted = %d, want 1", resp.Accepted)
		}
		if resp.Rejected != 0 {
			t.Errorf("Rejected = %d, want 0", resp.Rejected)
		}
		if resp.RequestID == "" {
			t.Error("RequestID should not be empty")
		}
	})

	t.Run("batch events", func(t *testing.T) {
		handler := newTestHandler()
		body := `{
			"source": "paloalto_firewall",
			"events": [
				{"timestamp": "` + now + `", "user": "jdoe", "device": "fw-edge-01", "src_ip": "10.0.0.5", "dest_port": 443},
				{"timestamp": "` + now + `", "user": "asmith", "device": "fw-edge-01", "src_ip": "10.0.0.9", "dest_port": 8443},
				{"timestamp": "` + now + `", "user": "jdoe", "device": "fw-edge-02", "src_ip": "10.0.0.5", "dest_port": 22}
			]
		}`

		req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()

		handler.HandleEvents(rec, req)

		if rec.Code != http.StatusAccepted {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusAccepted)
		}

		var resp IngestResponse
		json.NewDecoder(rec.Body).Decode(&resp)

		if resp.Accepted != 3 {
			t.Errorf("Accepted = %d, want 3", resp.Accepted)
		}
	})

	t.Run("no events", func(t *testing.T) {
		handler := newTestHandler()
		body := `{"source": "siem", "events": []}`

		req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()

		handler.HandleEvents(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		handler := newTestHandler()
		body := `{"source": "siem", "events": [invalid json`

		req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()

		handler.HandleEvents(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("unknown source", func(t *testing.T) {
		handler := newTestHandler()
		body := `{"source": "netflow", "event": {"user": "jdoe", "timestamp": "` + now + `"}}`

		req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()

		handler.HandleEvents(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("event without entities rejected", func(t *testing.T) {
		handler := newTestHandler()
		body := `{"source": "generic", "event": {"timestamp": "` + now + `", "note": "nothing to correlate"}}`

		req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()

		handler.HandleEvents(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}

		var resp IngestResponse
		json.NewDecoder(rec.Body).Decode(&resp)

		if resp.Rejected != 1 {
			t.Errorf("Rejected = %d, want 1", resp.Rejected)
		}
		if len(resp.Errors) == 0 {
			t.Error("Errors should not be empty")
		}
	})

	t.Run("partial success", func(t *testing.T) {
		handler := newTestHandler()
		body := `{
			"source": "siem",
			"events": [
				{"timestamp": "` + now + `", "host": "db-01", "user": "svc_backup", "event_type": "authentication"},
				{"timestamp": "` + now + `", "note": "no entities here"}
			]
		}`

		req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()

		handler.HandleEvents(rec, req)

		if rec.Code != http.StatusAccepted {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusAccepted)
		}

		var resp IngestResponse
		json.NewDecoder(rec.Body).Decode(&resp)

		if resp.Success {
			t.Error("Success = true, want false")
		}
		if resp.Accepted != 1 {
			t.Errorf("Accepted = %d, want 1", resp.Accepted)
		}
		if resp.Rejected != 1 {
			t.Errorf("Rejected = %d, want 1", resp.Rejected)
		}
	})

	t.Run("stale event rejected", func(t *testing.T) {
		handler := newTestHandler()
		stale := time.Now().UTC().Add(-30 * 24 * time.Hour).Format(time.RFC3339)
		body := `{"source": "siem", "event": {"timestamp": "` + stale + `", "host": "db-01", "user": "jdoe"}}`

		req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()

		handler.HandleEvents(rec, req)

		var resp IngestResponse
		json.NewDecoder(rec.Body).Decode(&resp)

		if resp.Rejected != 1 {
			t.Errorf("Rejected = %d, want 1", resp.Rejected)
		}
	})

	t.Run("batch size exceeded", func(t *testing.T) {
		h := newTestHandler().WithMaxBatch(5)

		events := make([]map[string]any, 10)
		for i := range events {
			events[i] = map[string]any{
				"timestamp": now,
				"host":      "db-01",
				"user":      "jdoe",
			}
		}
		body, _ := json.Marshal(map[string]any{"source": "siem", "events": events})

		req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()

		h.HandleEvents(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("payload too large", func(t *testing.T) {
		normalizer := NewNormalizer("default")
		h := NewHandler(normalizer, schema.NewValidator(), queue.NewRingBuffer(16)).WithMaxPayload(64)

		body := `{"source": "siem", "event": {"timestamp": "` + now + `", "host": "db-01", "user": "jdoe", "padding": "` + strings.Repeat("x", 200) + `"}}`

		req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()

		h.HandleEvents(rec, req)

		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
		}
	})

	t.Run("queue full", func(t *testing.T) {
		normalizer := NewNormalizer("default")
		h := NewHandler(normalizer, schema.NewValidator(), queue.NewRingBuffer(2))

		body := `{
			"source": "siem",
			"events": [
				{"timestamp": "` + now + `", "host": "db-01", "user": "a"},
				{"timestamp": "` + now + `", "host": "db-02", "user": "b"},
				{"timestamp": "` + now + `", "host": "db-03", "user": "c"}
			]
		}`

		req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()

		h.HandleEvents(rec, req)

		if rec.Code != http.StatusTooManyRequests {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
		}

		var resp IngestResponse
		json.NewDecoder(rec.Body).Decode(&resp)

		if resp.Accepted != 2 {
			t.Errorf("Accepted = %d, want 2", resp.Accepted)
		}
		if resp.Rejected != 1 {
			t.Errorf("Rejected = %d, want 1", resp.Rejected)
		}
	})
}

func TestHandler_HealthCheck(t *testing.T) {
	handler := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.HealthCheck(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp map[string]any
	json.NewDecoder(rec.Body).Decode(&resp)

	if resp["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", resp["status"])
	}

	if _, ok := resp["queue_depth"]; !ok {
		t.Error("queue_depth should be present")
	}

	if _, ok := resp["uptime_seconds"]; !ok {
		t.Error("uptime_seconds should be present")
	}
}

func TestHandler_Stats(t *testing.T) {
	handler := newTestHandler()
	now := time.Now().UTC().Format(time.RFC3339)

	body := `{
		"source": "siem",
		"events": [
			{"timestamp": "` + now + `", "host": "db-01", "user": "jdoe"},
			{"timestamp": "` + now + `", "note": "no entities"}
		]
	}`

	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.HandleEvents(rec, req)

	stats := handler.Stats()

	if stats.EventsAccepted != 1 {
		t.Errorf("EventsAccepted = %d, want 1", stats.EventsAccepted)
	}
	if stats.EventsRejected != 1 {
		t.Errorf("EventsRejected = %d, want 1", stats.EventsRejected)
	}
	if stats.QueueDepth != 1 {
		t.Errorf("QueueDepth = %d, want 1", stats.QueueDepth)
	}
	if stats.QueueCapacity != 1000 {
		t.Errorf("QueueCapacity = %d, want 1000", stats.QueueCapacity)
	}
}
