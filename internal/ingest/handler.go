package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chainsight/internal/metrics"
	"chainsight/internal/queue"
	"chainsight/internal/schema"
)

// Handler handles HTTP event ingestion.
type Handler struct {
	normalizer *Normalizer
	validator  *schema.Validator
	queue      *queue.RingBuffer
	maxPayload int
	maxBatch   int
	startTime  time.Time
	accepted   atomic.Uint64
	rejected   atomic.Uint64
}

// NewHandler creates a new ingest Handler.
func NewHandler(normalizer *Normalizer, validator *schema.Validator, q *queue.RingBuffer) *Handler {
	return &Handler{
		normalizer: normalizer,
		validator:  validator,
		queue:      q,
		maxPayload: 10 * 1024 * 1024, // 10MB default
		maxBatch:   1000,
		startTime:  time.Now(),
	}
}

// WithMaxPayload sets the maximum payload size.
func (h *Handler) WithMaxPayload(size int) *Handler {
	h.maxPayload = size
	return h
}

// WithMaxBatch sets the maximum batch size.
func (h *Handler) WithMaxBatch(size int) *Handler {
	h.maxBatch = size
	return h
}

// IngestResponse is the response for event ingestion.
type IngestResponse struct {
	Success   bool     `json:"success"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

// HandleEvents handles POST /v1/events. The body is an Envelope with a
// source tag and one raw event or a batch. Accepted events are answered
// 202; a full queue answers 429 so senders back off and retry.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		if err.Error() == "http: request body too large" {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), requestID)
		return
	}

	rawEvents := env.All()
	if len(rawEvents) == 0 {
		respondError(w, http.StatusBadRequest, "no events provided", requestID)
		return
	}

	if len(rawEvents) > h.maxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), requestID)
		return
	}

	source, ok := ResolveSource(env.Source)
	if !ok {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown source %q", env.Source), requestID)
		return
	}

	var accepted, rejected int
	var errs []string

	for i, raw := range rawEvents {
		event, err := h.normalizer.Normalize(raw, source, env.TenantID)
		if err != nil {
			rejected++
			errs = append(errs, fmt.Sprintf("event[%d]: %s", i, err.Error()))
			metrics.EventsRejected.WithLabelValues("normalize").Inc()
			continue
		}

		if err := h.validator.Validate(event); err != nil {
			rejected++
			errs = append(errs, fmt.Sprintf("event[%d]: %s", i, err.Error()))
			metrics.EventsRejected.WithLabelValues("validation").Inc()
			continue
		}

		if err := h.queue.Push(event); err != nil {
			rejected++
			h.accepted.Add(uint64(accepted))
			h.rejected.Add(uint64(rejected))

			switch {
			case errors.Is(err, queue.ErrQueueFull):
				metrics.EventsRejected.WithLabelValues("queue_full").Inc()
				errs = append(errs, fmt.Sprintf("event[%d]: queue full", i))
				respondJSON(w, http.StatusTooManyRequests, IngestResponse{
					Accepted:  accepted,
					Rejected:  rejected,
					Errors:    errs,
					RequestID: requestID,
				})
			default:
				errs = append(errs, fmt.Sprintf("event[%d]: %s", i, err.Error()))
				respondJSON(w, http.StatusServiceUnavailable, IngestResponse{
					Accepted:  accepted,
					Rejected:  rejected,
					Errors:    errs,
					RequestID: requestID,
				})
			}
			return
		}

		accepted++
		metrics.EventsReceived.WithLabelValues(string(source)).Inc()
	}

	h.accepted.Add(uint64(accepted))
	h.rejected.Add(uint64(rejected))

	resp := IngestResponse{
		Success:   rejected == 0,
		Accepted:  accepted,
		Rejected:  rejected,
		RequestID: requestID,
	}
	if len(errs) > 0 {
		resp.Errors = errs
	}

	status := http.StatusAccepted
	if accepted == 0 && rejected > 0 {
		status = http.StatusBadRequest
	}

	respondJSON(w, status, resp)
}

// HealthCheck handles GET /healthz.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	qm := h.queue.Metrics()

	status := "healthy"
	if qm.Depth > int(float64(qm.Capacity)*0.9) {
		status = "degraded"
	}

	resp := map[string]any{
		"status":         status,
		"queue_depth":    qm.Depth,
		"queue_capacity": qm.Capacity,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	}

	respondJSON(w, http.StatusOK, resp)
}

// HandlerStats is a snapshot of intake counters for the stats endpoint.
type HandlerStats struct {
	EventsAccepted uint64 `json:"events_accepted"`
	EventsRejected uint64 `json:"events_rejected"`
	QueueDepth     int    `json:"queue_depth"`
	QueueCapacity  int    `json:"queue_capacity"`
	UptimeSeconds  int    `json:"uptime_seconds"`
}

// Stats returns current intake counters.
func (h *Handler) Stats() HandlerStats {
	qm := h.queue.Metrics()
	return HandlerStats{
		EventsAccepted: h.accepted.Load(),
		EventsRejected: h.rejected.Load(),
		QueueDepth:     qm.Depth,
		QueueCapacity:  qm.Capacity,
		UptimeSeconds:  int(time.Since(h.startTime).Seconds()),
	}
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string, requestID string) {
	resp := map[string]any{
		"success":    false,
		"error":      message,
		"request_id": requestID,
	}
	respondJSON(w, status, resp)
}
