package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chainsight/internal/incident"
)

// incidentsInsert matches migrations/001_create_incidents.sql.
const incidentsInsert = `
	INSERT INTO incidents (
		incident_id, pattern_id, pattern_name, title, entity_key,
		severity, confidence, status,
		matched_phases, phase_timeline, evidence,
		event_count, update_count,
		window_start, created_at, updated_at,
		acknowledge_by, resolve_by,
		escalation_path, runbook_reference, tenant_id
	)
`

// NewIncidentWriter returns a writer that persists incident snapshots.
// Every create and every suppressed update appends a fresh snapshot row;
// the ReplacingMergeTree engine collapses them to the latest version per
// incident on merge, so readers query with FINAL.
func NewIncidentWriter(client *ClickHouseClient, cfg BatchWriterConfig) *BatchWriter[*incident.Incident] {
	return newBatchWriter(client, cfg, "incidents", insertIncidents)
}

func insertIncidents(ctx context.Context, client *ClickHouseClient, rows []*incident.Incident) error {
	batch, err := client.PrepareBatch(ctx, incidentsInsert)
	if err != nil {
		return fmt.Errorf("failed to prepare incidents batch: %w", err)
	}

	for _, inc := range rows {
		timeline, _ := json.Marshal(inc.PhaseTimeline)
		evidence, _ := json.Marshal(inc.Evidence)

		tenantID := inc.TenantID
		if tenantID == "" {
			tenantID = "default"
		}

		err := batch.Append(
			inc.ID,
			inc.PatternID,
			inc.PatternName,
			inc.Title,
			inc.EntityKey,
			string(inc.Severity),
			string(inc.Confidence),
			string(inc.Status),
			inc.MatchedPhases,
			string(timeline),
			string(evidence),
			uint32(inc.EventCount),
			uint32(inc.UpdateCount),
			inc.WindowStart,
			inc.CreatedAt,
			inc.UpdatedAt,
			inc.AcknowledgeBy,
			inc.ResolveBy,
			inc.EscalationPath,
			inc.RunbookReference,
			tenantID,
		)
		if err != nil {
			return fmt.Errorf("failed to append incident %s: %w", inc.ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send incidents batch: %w", err)
	}

	slog.Debug("incidents batch inserted", "count", len(rows))
	return nil
}

// IncidentRow is the flattened incident record returned by history
// queries. Timeline and evidence stay in ClickHouse as JSON; the row
// carries what the console feed and the API list endpoint render.
type IncidentRow struct {
	IncidentID  string    `json:"incident_id"`
	PatternID   string    `json:"pattern_id"`
	PatternName string    `json:"pattern_name"`
	Title       string    `json:"title"`
	EntityKey   string    `json:"entity_key"`
	Severity    string    `json:"severity"`
	Confidence  string    `json:"confidence"`
	Status      string    `json:"status"`
	EventCount  uint32    `json:"event_count"`
	UpdateCount uint32    `json:"update_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const incidentColumns = `
	incident_id, pattern_id, pattern_name, title, entity_key,
	severity, confidence, status, event_count, update_count,
	created_at, updated_at
`

// RecentIncidents returns the newest snapshot of the most recently
// updated incidents, up to limit.
func (c *ClickHouseClient) RecentIncidents(ctx context.Context, limit int) ([]IncidentRow, error) {
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT " + incidentColumns + `
		FROM incidents FINAL
		ORDER BY updated_at DESC
		LIMIT ?
	`

	rows, err := c.sqlDB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, WrapQueryError("RecentIncidents", "incidents", err)
	}
	defer rows.Close()

	return scanIncidentRows(rows)
}

// GetIncident returns the latest snapshot for one incident ID.
func (c *ClickHouseClient) GetIncident(ctx context.Context, id string) (*IncidentRow, error) {
	query := "SELECT " + incidentColumns + `
		FROM incidents FINAL
		WHERE incident_id = ?
		LIMIT 1
	`

	rows, err := c.sqlDB.QueryContext(ctx, query, id)
	if err != nil {
		return nil, WrapQueryError("GetIncident", "incidents", err)
	}
	defer rows.Close()

	out, err := scanIncidentRows(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, WrapNotFoundError("GetIncident", "incidents", id)
	}
	return &out[0], nil
}

// IncidentsByEntity returns incident snapshots for one entity key, newest
// first.
func (c *ClickHouseClient) IncidentsByEntity(ctx context.Context, entityKey string, limit int) ([]IncidentRow, error) {
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT " + incidentColumns + `
		FROM incidents FINAL
		WHERE entity_key = ?
		ORDER BY updated_at DESC
		LIMIT ?
	`

	rows, err := c.sqlDB.QueryContext(ctx, query, entityKey, limit)
	if err != nil {
		return nil, WrapQueryError("IncidentsByEntity", "incidents", err)
	}
	defer rows.Close()

	return scanIncidentRows(rows)
}

func scanIncidentRows(rows *sql.Rows) ([]IncidentRow, error) {
	var out []IncidentRow
	for rows.Next() {
		var r IncidentRow
		err := rows.Scan(
			&r.IncidentID,
			&r.PatternID,
			&r.PatternName,
			&r.Title,
			&r.EntityKey,
			&r.Severity,
			&r.Confidence,
			&r.Status,
			&r.EventCount,
			&r.UpdateCount,
			&r.CreatedAt,
			&r.UpdatedAt,
		)
		if err != nil {
			return nil, WrapQueryError("Scan", "incidents", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, NewStorageError("Query", "incidents", ErrTimeout)
		}
		return nil, WrapQueryError("Rows", "incidents", err)
	}
	return out, nil
}
