// Package api provides the HTTP client the console uses to talk to a
// running Chainsight engine.
package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client handles API communication with the engine backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// HealthResponse mirrors the engine's GET /healthz payload.
type HealthResponse struct {
	Status        string `json:"status"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	UptimeSeconds int    `json:"uptime_seconds"`
}

// EngineStats mirrors the engine section of GET /v1/stats.
type EngineStats struct {
	EventsProcessed int64 `json:"events_processed"`
	PhaseMatches    int64 `json:"phase_matches"`
	MalformedEvents int64 `json:"malformed_events"`
	StaleEvents     int64 `json:"stale_events"`
	Triggers        int64 `json:"triggers"`
	TriggersRenewed int64 `json:"triggers_renewed"`
	StatesExpired   int64 `json:"states_expired"`
	HandlerErrors   int64 `json:"handler_errors"`
	ActiveStates    int   `json:"active_states"`
	ActiveModels    int   `json:"active_models"`
	TriggerBacklog  int   `json:"trigger_backlog"`
}

// IngestStats mirrors the ingest section of GET /v1/stats.
type IngestStats struct {
	EventsAccepted int64 `json:"events_accepted"`
	EventsRejected int64 `json:"events_rejected"`
}

// QueueStats mirrors the queue section of GET /v1/stats.
type QueueStats struct {
	Pushed   int64 `json:"pushed"`
	Popped   int64 `json:"popped"`
	Dropped  int64 `json:"dropped"`
	Depth    int   `json:"depth"`
	Capacity int   `json:"capacity"`
}

// IncidentStats mirrors the incidents section of GET /v1/stats.
type IncidentStats struct {
	Active  int   `json:"active"`
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// DispatchStats mirrors the dispatch section of GET /v1/stats.
type DispatchStats struct {
	Dispatched int64 `json:"dispatched"`
	Unmapped   int64 `json:"unmapped"`
	Skipped    int64 `json:"skipped"`
}

// StatsResponse is the full GET /v1/stats payload.
type StatsResponse struct {
	Engine    EngineStats   `json:"engine"`
	Ingest    IngestStats   `json:"ingest"`
	Queue     QueueStats    `json:"queue"`
	Incidents IncidentStats `json:"incidents"`
	Dispatch  DispatchStats `json:"dispatch"`
}

// Incident is the console view of an engine incident record.
type Incident struct {
	ID            string    `json:"id"`
	PatternID     string    `json:"pattern_id"`
	PatternName   string    `json:"pattern_name"`
	Title         string    `json:"title"`
	EntityKey     string    `json:"entity_key"`
	Severity      string    `json:"severity"`
	Confidence    string    `json:"confidence"`
	Status        string    `json:"status"`
	MatchedPhases []string  `json:"matched_phases"`
	EventCount    int       `json:"event_count"`
	UpdateCount   int       `json:"update_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	AcknowledgeBy time.Time `json:"acknowledge_by"`
	ResolveBy     time.Time `json:"resolve_by"`
	TenantID      string    `json:"tenant_id,omitempty"`
}

// IncidentsResponse mirrors GET /v1/incidents. Error is filled in by the
// client on transport or HTTP failures so scenes can render it directly.
type IncidentsResponse struct {
	Incidents []Incident `json:"incidents"`
	Count     int        `json:"count"`
	Error     string     `json:"-"`
}

// Overview aggregates everything the dashboard and system scenes render.
type Overview struct {
	Connected    bool
	HealthStatus string
	StatusReason string

	Uptime        string
	UptimeSeconds int

	QueueDepth    int
	QueueCapacity int
	QueueUsage    float64
	QueuePushed   int64
	QueuePopped   int64
	QueueDropped  int64

	EventsProcessed int64
	EventsPerSecond float64
	EventsAccepted  int64
	EventsRejected  int64

	PhaseMatches    int64
	ActiveStates    int
	ActiveModels    int
	TriggerBacklog  int
	Triggers        int64
	TriggersRenewed int64
	StatesExpired   int64
	StaleEvents     int64
	MalformedEvents int64
	HandlerErrors   int64

	IncidentsActive  int
	IncidentsCreated int64
	IncidentsUpdated int64

	Dispatched int64
	Unmapped   int64
	Skipped    int64

	// Per-label breakdowns parsed from the Prometheus endpoint. These
	// exist nowhere else: /v1/stats carries totals only.
	ReceivedBySource map[string]int64
	RejectedByReason map[string]int64
}

// NewClient creates a new API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// GetHealth fetches the engine health status.
func (c *Client) GetHealth() (*HealthResponse, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/healthz")
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &health, nil
}

// GetStats fetches the pipeline counters.
func (c *Client) GetStats() (*StatsResponse, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/v1/stats")
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stats endpoint returned HTTP %d", resp.StatusCode)
	}

	var stats StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &stats, nil
}

// GetIncidents fetches the most recently updated incidents. A limit of 0
// defaults to 50. Transport and HTTP errors land in the response Error
// field rather than the returned error so scenes can keep rendering.
func (c *Client) GetIncidents(limit int) (*IncidentsResponse, error) {
	if limit <= 0 {
		limit = 50
	}

	url := fmt.Sprintf("%s/v1/incidents?limit=%d", c.baseURL, limit)
	resp, err := c.httpClient.Get(url)
	if err != nil {
		return &IncidentsResponse{Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &IncidentsResponse{
			Error: fmt.Sprintf("incidents endpoint returned HTTP %d", resp.StatusCode),
		}, nil
	}

	var out IncidentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return &IncidentsResponse{Error: fmt.Sprintf("failed to decode response: %v", err)}, nil
	}

	return &out, nil
}

// GetOverview aggregates health, stats, and the labeled Prometheus
// counters into one snapshot. Connection failures never return an error;
// the overview comes back with Connected=false and the reason set.
func (c *Client) GetOverview() (*Overview, error) {
	ov := &Overview{
		Connected:    false,
		HealthStatus: "unknown",
		StatusReason: "Unable to connect to backend",
	}

	health, err := c.GetHealth()
	if err != nil {
		ov.StatusReason = err.Error()
		return ov, nil
	}

	ov.Connected = true
	ov.HealthStatus = health.Status
	ov.QueueDepth = health.QueueDepth
	ov.QueueCapacity = health.QueueCapacity
	ov.UptimeSeconds = health.UptimeSeconds
	ov.Uptime = formatUptime(float64(health.UptimeSeconds))

	if health.QueueCapacity > 0 {
		ov.QueueUsage = float64(health.QueueDepth) / float64(health.QueueCapacity) * 100
	}

	switch health.Status {
	case "degraded":
		ov.StatusReason = fmt.Sprintf("Queue at %.0f%% capacity", ov.QueueUsage)
	case "healthy":
		ov.StatusReason = "All systems operational"
	default:
		ov.StatusReason = "Backend reported status: " + health.Status
	}

	if stats, err := c.GetStats(); err == nil {
		ov.EventsProcessed = stats.Engine.EventsProcessed
		ov.PhaseMatches = stats.Engine.PhaseMatches
		ov.MalformedEvents = stats.Engine.MalformedEvents
		ov.StaleEvents = stats.Engine.StaleEvents
		ov.Triggers = stats.Engine.Triggers
		ov.TriggersRenewed = stats.Engine.TriggersRenewed
		ov.StatesExpired = stats.Engine.StatesExpired
		ov.HandlerErrors = stats.Engine.HandlerErrors
		ov.ActiveStates = stats.Engine.ActiveStates
		ov.ActiveModels = stats.Engine.ActiveModels
		ov.TriggerBacklog = stats.Engine.TriggerBacklog

		ov.EventsAccepted = stats.Ingest.EventsAccepted
		ov.EventsRejected = stats.Ingest.EventsRejected

		ov.QueuePushed = stats.Queue.Pushed
		ov.QueuePopped = stats.Queue.Popped
		ov.QueueDropped = stats.Queue.Dropped

		ov.IncidentsActive = stats.Incidents.Active
		ov.IncidentsCreated = stats.Incidents.Created
		ov.IncidentsUpdated = stats.Incidents.Updated

		ov.Dispatched = stats.Dispatch.Dispatched
		ov.Unmapped = stats.Dispatch.Unmapped
		ov.Skipped = stats.Dispatch.Skipped

		if ov.UptimeSeconds > 0 {
			ov.EventsPerSecond = float64(ov.EventsProcessed) / float64(ov.UptimeSeconds)
		}
	}

	// Best-effort: per-source and per-reason breakdowns only exist as
	// Prometheus label values.
	resp, err := c.httpClient.Get(c.baseURL + "/metrics")
	if err == nil {
		defer resp.Body.Close()
		buf := new(strings.Builder)
		buf.Grow(4096)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			buf.WriteString(scanner.Text())
			buf.WriteString("\n")
		}
		series := c.parsePrometheusMetrics(buf.String())

		for name, val := range series {
			switch {
			case strings.HasPrefix(name, "chainsight_events_received_total"):
				if src := labelValue(name, "source"); src != "" {
					if ov.ReceivedBySource == nil {
						ov.ReceivedBySource = make(map[string]int64)
					}
					ov.ReceivedBySource[src] += int64(val)
				}
			case strings.HasPrefix(name, "chainsight_events_rejected_total"):
				if reason := labelValue(name, "reason"); reason != "" {
					if ov.RejectedByReason == nil {
						ov.RejectedByReason = make(map[string]int64)
					}
					ov.RejectedByReason[reason] += int64(val)
				}
			}
		}
	}

	return ov, nil
}

// parsePrometheusMetrics parses Prometheus text exposition into a map
// keyed by the full series string, labels included.
func (c *Client) parsePrometheusMetrics(body string) map[string]float64 {
	metrics := make(map[string]float64)
	scanner := bufio.NewScanner(strings.NewReader(body))

	for scanner.Scan() {
		line := scanner.Text()
		// Skip comments and empty lines
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}
		// Parse metric line: series value
		parts := strings.Fields(line)
		if len(parts) >= 2 {
			if val, err := strconv.ParseFloat(parts[1], 64); err == nil {
				metrics[parts[0]] = val
			}
		}
	}
	return metrics
}

// labelValue extracts a label value from a series string like
// chainsight_events_received_total{source="siem"}.
func labelValue(series, label string) string {
	marker := label + `="`
	idx := strings.Index(series, marker)
	if idx < 0 {
		return ""
	}
	rest := series[idx+len(marker):]
	end := strings.Index(rest, `"`)
	if end < 0 {
		return ""
	}
	return rest[:end]
}

func formatUptime(seconds float64) string {
	d := time.Duration(seconds) * time.Second
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
	}
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}
