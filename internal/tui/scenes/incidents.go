package scenes

import (
	"fmt"
	"strings"
	"time"

	"chainsight/internal/sanitize"
	"chainsight/internal/tui/api"
	"chainsight/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// IncidentsScene displays the incidents currently held by the engine.
type IncidentsScene struct {
	client     *api.Client
	incidents  []api.Incident
	totalCount int
	err        string
	width      int
	height     int
	cursor     int
	offset     int
	loading    bool
	maxRows    int
	lastUpdate time.Time
}

// incidentsMsg carries refreshed incidents
type incidentsMsg struct {
	incidents  []api.Incident
	totalCount int
	err        string
}

// NewIncidentsScene creates a new incidents scene
func NewIncidentsScene(client *api.Client) *IncidentsScene {
	return &IncidentsScene{
		client:  client,
		loading: true,
		maxRows: 10,
	}
}

// Init initializes the incidents scene
func (s *IncidentsScene) Init() tea.Cmd {
	return s.fetchIncidents()
}

// fetchIncidents fetches incidents from the API
func (s *IncidentsScene) fetchIncidents() tea.Cmd {
	return func() tea.Msg {
		resp, err := s.client.GetIncidents(100)
		if err != nil {
			return incidentsMsg{err: err.Error()}
		}
		if resp.Error != "" {
			return incidentsMsg{err: resp.Error}
		}
		return incidentsMsg{
			incidents:  resp.Incidents,
			totalCount: resp.Count,
		}
	}
}

// TickCmd returns a command that ticks every interval
func (s *IncidentsScene) TickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "incidents", Time: t}
	})
}

// Update handles messages for the incidents scene
func (s *IncidentsScene) Update(msg tea.Msg) (*IncidentsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
		s.height = msg.Height
		s.maxRows = max(5, s.height-12)
		return s, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if s.cursor > 0 {
				s.cursor--
				if s.cursor < s.offset {
					s.offset = s.cursor
				}
			}
		case "down", "j":
			if s.cursor < len(s.incidents)-1 {
				s.cursor++
				if s.cursor >= s.offset+s.maxRows {
					s.offset = s.cursor - s.maxRows + 1
				}
			}
		case "pgup":
			s.cursor = max(0, s.cursor-s.maxRows)
			s.offset = max(0, s.offset-s.maxRows)
		case "pgdown":
			s.cursor = min(len(s.incidents)-1, s.cursor+s.maxRows)
			s.offset = min(max(0, len(s.incidents)-s.maxRows), s.offset+s.maxRows)
		case "r":
			// Manual refresh
			s.loading = true
			return s, s.fetchIncidents()
		}
		return s, nil

	case incidentsMsg:
		s.loading = false
		s.incidents = msg.incidents
		s.totalCount = msg.totalCount
		s.err = msg.err
		s.lastUpdate = time.Now()
		// Reset cursor if out of bounds
		if s.cursor >= len(s.incidents) {
			s.cursor = max(0, len(s.incidents)-1)
		}
		return s, nil

	case TickMsg:
		if msg.Scene == "incidents" {
			// Auto-refresh incidents
			return s, s.fetchIncidents()
		}
		return s, nil
	}

	return s, nil
}

// View renders the incidents list
func (s *IncidentsScene) View() string {
	var b strings.Builder

	// Title
	title := styles.Title.Render("  Incidents")
	b.WriteString(title)
	b.WriteString("\n\n")

	if s.loading && len(s.incidents) == 0 {
		b.WriteString(styles.Muted.Render("  Loading incidents..."))
		return b.String()
	}

	// Error display
	if s.err != "" {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %s", s.err)))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Make sure the engine is running and reachable."))
		b.WriteString("\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry."))
		return b.String()
	}

	// No incidents
	if len(s.incidents) == 0 {
		b.WriteString(styles.Muted.Render("  No incidents."))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Incidents appear here when a correlation pattern completes its"))
		b.WriteString("\n")
		b.WriteString(styles.Muted.Render("  phase sequence for an entity. Send events via POST /v1/events."))
		return b.String()
	}

	// Incident count and status
	countText := fmt.Sprintf("  Showing %d of %d incidents", len(s.incidents), s.totalCount)
	b.WriteString(styles.Subtitle.Render(countText))
	if s.loading {
		b.WriteString(styles.Muted.Render("  (refreshing...)"))
	}
	b.WriteString("\n\n")

	// Table header
	header := fmt.Sprintf("  %-14s %-10s %-10s %-14s %-26s %s",
		"ID", "Severity", "Conf", "Status", "Pattern", "Entity")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	// Table rows
	endIdx := min(s.offset+s.maxRows, len(s.incidents))
	visible := s.incidents[s.offset:endIdx]
	for i, inc := range visible {
		idx := s.offset + i
		row := s.renderIncidentRow(inc, idx == s.cursor)
		b.WriteString(row)
		b.WriteString("\n")
	}

	// Scroll indicator
	if len(s.incidents) > s.maxRows {
		scrollInfo := fmt.Sprintf("\n  %d-%d of %d (↑↓ to scroll, [r] refresh)",
			s.offset+1, endIdx, len(s.incidents))
		b.WriteString(styles.Muted.Render(scrollInfo))
	} else {
		b.WriteString(styles.Muted.Render("\n  [r] Refresh"))
	}

	// Last update time
	if !s.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", s.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func (s *IncidentsScene) renderIncidentRow(inc api.Incident, selected bool) string {
	severity := formatSeverity(inc.Severity)
	status := s.formatStatus(inc)
	pattern := truncate(inc.PatternName, 26)
	// The entity key is built from event fields, so it is whatever the
	// original log source put there. Strip terminal control sequences
	// before it reaches the screen.
	entity := truncate(sanitize.Display(inc.EntityKey), 40)

	row := fmt.Sprintf("  %-14s %s %-10s %s %-26s %s",
		inc.ID, severity, inc.Confidence, status, pattern, entity)

	if selected {
		return lipgloss.NewStyle().
			Background(styles.Primary).
			Foreground(styles.White).
			Render(row)
	}

	return row
}

// formatSeverity renders a fixed-width colored severity label.
func formatSeverity(sev string) string {
	width := 10
	var style lipgloss.Style

	switch sev {
	case "critical", "high":
		style = styles.StatusError
	case "medium":
		style = styles.StatusWarning
	case "low":
		style = styles.Muted
	default:
		style = styles.Muted
	}

	padded := fmt.Sprintf("%-*s", width, strings.ToUpper(sev))
	return style.Render(padded)
}

// formatStatus renders the incident status, red when the acknowledge
// deadline has passed without anyone picking the incident up.
func (s *IncidentsScene) formatStatus(inc api.Incident) string {
	padded := fmt.Sprintf("%-14s", inc.Status)
	if inc.Status == "open" && time.Now().After(inc.AcknowledgeBy) {
		return styles.StatusError.Render(padded)
	}
	return padded
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
