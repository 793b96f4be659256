package scenes

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"chainsight/internal/tui/api"
	"chainsight/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
)

// SystemScene displays engine configuration and pipeline health detail.
type SystemScene struct {
	client     *api.Client
	overview   *api.Overview
	err        error
	width      int
	height     int
	lastUpdate time.Time
	loading    bool
}

// NewSystemScene creates a new system info scene
func NewSystemScene(client *api.Client) *SystemScene {
	return &SystemScene{
		client:  client,
		loading: true,
		overview: &api.Overview{
			Connected: false,
		},
	}
}

// Init initializes the system scene
func (s *SystemScene) Init() tea.Cmd {
	return s.fetchOverview()
}

// fetchOverview fetches the overview from the API
func (s *SystemScene) fetchOverview() tea.Cmd {
	return func() tea.Msg {
		ov, err := s.client.GetOverview()
		return systemMsg{overview: ov, err: err}
	}
}

// systemMsg carries refreshed system stats
type systemMsg struct {
	overview *api.Overview
	err      error
}

// TickCmd returns a command that ticks every interval
func (s *SystemScene) TickCmd() tea.Cmd {
	return tea.Tick(10*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "system", Time: t}
	})
}

// Update handles messages for the system scene
func (s *SystemScene) Update(msg tea.Msg) (*SystemScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
		s.height = msg.Height
		return s, nil

	case systemMsg:
		s.loading = false
		s.overview = msg.overview
		s.err = msg.err
		s.lastUpdate = time.Now()
		return s, nil

	case TickMsg:
		if msg.Scene == "system" {
			return s, s.fetchOverview()
		}
		return s, nil
	}

	return s, nil
}

// View renders the system info scene
func (s *SystemScene) View() string {
	var b strings.Builder

	// Title
	title := styles.Title.Render("  System Information")
	b.WriteString(title)
	b.WriteString("\n\n")

	if s.loading {
		b.WriteString(styles.Muted.Render("Loading system information..."))
		return b.String()
	}

	if s.err != nil {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("Error: %v", s.err)))
		b.WriteString("\n\n")
	}

	ov := s.overview

	// Connection Status
	b.WriteString(styles.Subtitle.Render("  Backend Connection"))
	b.WriteString("\n")
	if ov.Connected {
		b.WriteString(fmt.Sprintf("  %s Connected to engine\n", styles.StatusOK.Render("●")))
		b.WriteString(fmt.Sprintf("  %s Status: %s\n", styles.Muted.Render("├"), ov.HealthStatus))
		b.WriteString(fmt.Sprintf("  %s Models: %d active\n", styles.Muted.Render("├"), ov.ActiveModels))
		b.WriteString(fmt.Sprintf("  %s Uptime: %s\n", styles.Muted.Render("└"), ov.Uptime))
	} else {
		b.WriteString(fmt.Sprintf("  %s Not connected\n", styles.StatusError.Render("●")))
		b.WriteString(fmt.Sprintf("  %s Reason: %s\n", styles.Muted.Render("└"), ov.StatusReason))
	}
	b.WriteString("\n")

	// Intake Endpoints
	b.WriteString(styles.Subtitle.Render("  Intake Endpoints"))
	b.WriteString("\n")
	endpoints := []struct {
		name    string
		port    string
		enabled bool
		note    string
	}{
		{"HTTP API", "8080", ov.Connected, "REST intake & health checks"},
		{"DTLS", "5516", false, "Encrypted datagram intake (configure certs)"},
		{"Kafka", "-", false, "Broker-driven intake (enable in config.yaml)"},
	}
	for _, ep := range endpoints {
		var status string
		if ep.enabled {
			status = styles.StatusOK.Render("●")
		} else {
			status = styles.Muted.Render("○")
		}
		note := ""
		if ep.note != "" {
			note = styles.Muted.Render(" - " + ep.note)
		}
		b.WriteString(fmt.Sprintf("  %s %-12s Port %-6s%s\n", status, ep.name, ep.port, note))
	}
	b.WriteString("\n")

	// Queue Configuration
	b.WriteString(styles.Subtitle.Render("  Event Buffer"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  Capacity:       %s\n", styles.MetricValue.Render(fmt.Sprintf("%d", ov.QueueCapacity))))
	b.WriteString(fmt.Sprintf("  Current Depth:  %s\n", styles.MetricValue.Render(fmt.Sprintf("%d", ov.QueueDepth))))
	usageColor := styles.StatusOK
	if ov.QueueUsage >= 90 {
		usageColor = styles.StatusError
	} else if ov.QueueUsage >= 70 {
		usageColor = styles.StatusWarning
	}
	b.WriteString(fmt.Sprintf("  Usage:          %s\n", usageColor.Render(fmt.Sprintf("%.1f%%", ov.QueueUsage))))
	b.WriteString(fmt.Sprintf("  Pushed Total:   %s\n", formatNumber(ov.QueuePushed)))
	b.WriteString(fmt.Sprintf("  Popped Total:   %s\n", formatNumber(ov.QueuePopped)))
	if ov.QueueDropped > 0 {
		b.WriteString(fmt.Sprintf("  Dropped:        %s\n", styles.StatusError.Render(formatNumber(ov.QueueDropped))))
	} else {
		b.WriteString(fmt.Sprintf("  Dropped:        %s\n", styles.StatusOK.Render("0")))
	}
	b.WriteString("\n")

	// Correlation Health
	b.WriteString(styles.Subtitle.Render("  Correlation"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  Active States:    %d\n", ov.ActiveStates))
	b.WriteString(fmt.Sprintf("  Trigger Backlog:  %d\n", ov.TriggerBacklog))
	b.WriteString(fmt.Sprintf("  States Expired:   %s\n", formatNumber(ov.StatesExpired)))
	b.WriteString(fmt.Sprintf("  Stale Events:     %s\n", formatNumber(ov.StaleEvents)))
	b.WriteString(fmt.Sprintf("  Malformed Events: %s\n", s.countWarn(ov.MalformedEvents)))
	b.WriteString(fmt.Sprintf("  Handler Errors:   %s\n", s.countErr(ov.HandlerErrors)))
	b.WriteString("\n")

	// Dispatch
	b.WriteString(styles.Subtitle.Render("  Dispatch"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  Dispatched:  %s\n", formatNumber(ov.Dispatched)))
	b.WriteString(fmt.Sprintf("  Skipped:     %s\n", formatNumber(ov.Skipped)))
	if ov.Unmapped > 0 {
		b.WriteString(fmt.Sprintf("  Unmapped:    %s %s\n",
			styles.StatusError.Render(formatNumber(ov.Unmapped)),
			styles.Muted.Render("- decision matrix has gaps, check model coverage")))
	} else {
		b.WriteString(fmt.Sprintf("  Unmapped:    %s\n", styles.StatusOK.Render("0")))
	}
	b.WriteString("\n")

	// Event sources, from the Prometheus label breakdown
	if len(ov.ReceivedBySource) > 0 {
		b.WriteString(styles.Subtitle.Render("  Event Sources"))
		b.WriteString("\n")
		for _, src := range sortedKeys(ov.ReceivedBySource) {
			b.WriteString(fmt.Sprintf("  %s %-22s %s\n",
				styles.StatusOK.Render("●"), src, formatNumber(ov.ReceivedBySource[src])))
		}
		for _, reason := range sortedKeys(ov.RejectedByReason) {
			b.WriteString(fmt.Sprintf("  %s %-22s %s\n",
				styles.StatusWarning.Render("○"), "rejected: "+reason,
				formatNumber(ov.RejectedByReason[reason])))
		}
		b.WriteString("\n")
	}

	// Last update
	if !s.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  Last updated: %s", s.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func (s *SystemScene) countWarn(n int64) string {
	if n > 0 {
		return styles.StatusWarning.Render(formatNumber(n))
	}
	return formatNumber(n)
}

func (s *SystemScene) countErr(n int64) string {
	if n > 0 {
		return styles.StatusError.Render(formatNumber(n))
	}
	return formatNumber(n)
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
