// Package scenes provides the console scenes for Chainsight.
package scenes

import (
	"fmt"
	"strings"
	"time"

	"chainsight/internal/tui/api"
	"chainsight/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// DashboardScene displays the pipeline overview and throughput metrics.
type DashboardScene struct {
	client     *api.Client
	overview   *api.Overview
	err        error
	width      int
	height     int
	lastUpdate time.Time
	loading    bool
}

// overviewMsg carries a refreshed overview snapshot
type overviewMsg struct {
	overview *api.Overview
	err      error
}

// NewDashboardScene creates a new dashboard scene
func NewDashboardScene(client *api.Client) *DashboardScene {
	return &DashboardScene{
		client:  client,
		loading: true,
		overview: &api.Overview{
			Connected: false,
		},
	}
}

// Init initializes the dashboard scene - fetches initial data
func (d *DashboardScene) Init() tea.Cmd {
	return d.fetchOverview()
}

// fetchOverview fetches the overview from the API
func (d *DashboardScene) fetchOverview() tea.Cmd {
	return func() tea.Msg {
		ov, err := d.client.GetOverview()
		return overviewMsg{overview: ov, err: err}
	}
}

// TickCmd returns a command that ticks every interval
// IMPORTANT: This is returned by the parent model only when this scene is active
func (d *DashboardScene) TickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "dashboard", Time: t}
	})
}

// TickMsg is sent on each tick - exported for use by parent model
type TickMsg struct {
	Scene string
	Time  time.Time
}

// Update handles messages for the dashboard
func (d *DashboardScene) Update(msg tea.Msg) (*DashboardScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		d.width = msg.Width
		d.height = msg.Height
		return d, nil

	case overviewMsg:
		d.loading = false
		d.overview = msg.overview
		d.err = msg.err
		d.lastUpdate = time.Now()
		return d, nil

	case TickMsg:
		// Only respond to our own ticks
		if msg.Scene == "dashboard" {
			return d, d.fetchOverview()
		}
		return d, nil
	}

	return d, nil
}

// View renders the dashboard
func (d *DashboardScene) View() string {
	var b strings.Builder

	// Title
	title := styles.Title.Render("  Chainsight Dashboard")
	b.WriteString(title)
	b.WriteString("\n\n")

	if d.loading {
		b.WriteString(styles.Muted.Render("Loading..."))
		return b.String()
	}

	if d.err != nil {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("Error: %v", d.err)))
		b.WriteString("\n")
	}

	// Status indicator
	ov := d.overview
	var statusText string
	switch {
	case !ov.Connected:
		statusText = styles.StatusError.Render("● DISCONNECTED")
	case ov.HealthStatus == "degraded":
		statusText = styles.StatusWarning.Render("● DEGRADED")
	case ov.HealthStatus == "healthy":
		statusText = styles.StatusOK.Render("● HEALTHY")
	default:
		statusText = styles.StatusWarning.Render("● " + strings.ToUpper(ov.HealthStatus))
	}
	b.WriteString(fmt.Sprintf("  Status: %s\n\n", statusText))

	// Throughput cards
	cards := []string{
		d.renderMetricCard("Events", formatNumber(ov.EventsProcessed)),
		d.renderMetricCard("Events/sec", fmt.Sprintf("%.1f", ov.EventsPerSecond)),
		d.renderMetricCard("Queue", fmt.Sprintf("%d/%d", ov.QueueDepth, ov.QueueCapacity)),
		d.renderMetricCard("Uptime", ov.Uptime),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cards...))
	b.WriteString("\n")

	// Correlation cards
	cards = []string{
		d.renderMetricCard("States", fmt.Sprintf("%d", ov.ActiveStates)),
		d.renderMetricCard("Triggers", formatNumber(ov.Triggers)),
		d.renderMetricCard("Incidents", fmt.Sprintf("%d", ov.IncidentsActive)),
		d.renderMetricCard("Decisions", formatNumber(ov.Dispatched)),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cards...))
	b.WriteString("\n\n")

	// Pipeline stage status
	b.WriteString(styles.Subtitle.Render("  Pipeline"))
	b.WriteString("\n")
	b.WriteString(d.renderPipeline())
	b.WriteString("\n")

	// Last update
	if !d.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  Last updated: %s", d.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func (d *DashboardScene) renderMetricCard(label, value string) string {
	card := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(styles.MutedColor).
		Padding(0, 2).
		Width(18).
		Align(lipgloss.Center)

	content := fmt.Sprintf("%s\n%s",
		styles.MetricValue.Render(value),
		styles.MetricLabel.Render(label),
	)

	return card.Render(content)
}

// renderPipeline draws one row per pipeline stage with its key counters.
// The dot goes red when a stage is losing or mishandling work.
func (d *DashboardScene) renderPipeline() string {
	ov := d.overview

	stages := []struct {
		name     string
		left     string
		right    string
		degraded bool
	}{
		{
			name:     "Intake",
			left:     fmt.Sprintf("accepted %s", formatNumber(ov.EventsAccepted)),
			right:    fmt.Sprintf("rejected %s", formatNumber(ov.EventsRejected)),
			degraded: false,
		},
		{
			name:     "Buffer",
			left:     fmt.Sprintf("depth %d/%d", ov.QueueDepth, ov.QueueCapacity),
			right:    fmt.Sprintf("dropped %s", formatNumber(ov.QueueDropped)),
			degraded: ov.QueueDropped > 0,
		},
		{
			name:     "Correlation",
			left:     fmt.Sprintf("states %d", ov.ActiveStates),
			right:    fmt.Sprintf("matches %s", formatNumber(ov.PhaseMatches)),
			degraded: ov.HandlerErrors > 0,
		},
		{
			name:     "Incidents",
			left:     fmt.Sprintf("active %d", ov.IncidentsActive),
			right:    fmt.Sprintf("created %s", formatNumber(ov.IncidentsCreated)),
			degraded: false,
		},
		{
			name:     "Dispatch",
			left:     fmt.Sprintf("dispatched %s", formatNumber(ov.Dispatched)),
			right:    fmt.Sprintf("unmapped %s", formatNumber(ov.Unmapped)),
			degraded: ov.Unmapped > 0,
		},
	}

	var rows []string
	for _, st := range stages {
		dot := styles.StatusOK.Render("●")
		if !ov.Connected {
			dot = styles.Muted.Render("○")
		} else if st.degraded {
			dot = styles.StatusError.Render("●")
		}
		row := fmt.Sprintf("  %s %-14s %-22s %s", dot, st.name, st.left, st.right)
		rows = append(rows, row)
	}

	return strings.Join(rows, "\n")
}

func formatNumber(n int64) string {
	if n >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	if n >= 1000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}
