package storage

import (
	"context"
	"fmt"
	"log/slog"

	"chainsight/internal/dispatch"
	"chainsight/internal/model"
)

// decisionsInsert matches migrations/002_create_dispatch_decisions.sql.
const decisionsInsert = `
	INSERT INTO dispatch_decisions (
		decision_id, incident_id, pattern_id, entity_key,
		severity, confidence, response_path,
		playbooks, approval_required, reason, created_at
	)
`

// NewDecisionWriter returns a writer that persists dispatched playbook
// decisions. The table is append-only: one row per emitted decision.
func NewDecisionWriter(client *ClickHouseClient, cfg BatchWriterConfig) *BatchWriter[*dispatch.Decision] {
	return newBatchWriter(client, cfg, "dispatch_decisions", insertDecisions)
}

func insertDecisions(ctx context.Context, client *ClickHouseClient, rows []*dispatch.Decision) error {
	batch, err := client.PrepareBatch(ctx, decisionsInsert)
	if err != nil {
		return fmt.Errorf("failed to prepare decisions batch: %w", err)
	}

	for _, d := range rows {
		err := batch.Append(
			d.DecisionID,
			d.IncidentID,
			d.PatternID,
			d.EntityKey,
			string(d.Severity),
			string(d.Confidence),
			string(d.ResponsePath),
			d.PlaybookIDs(),
			d.RequiresApproval(),
			d.Reason,
			d.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append decision %s: %w", d.DecisionID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send decisions batch: %w", err)
	}

	slog.Debug("decisions batch inserted", "count", len(rows))
	return nil
}

// DecisionsForIncident returns the decisions emitted for one incident,
// oldest first.
func (c *ClickHouseClient) DecisionsForIncident(ctx context.Context, incidentID string) ([]dispatch.Decision, error) {
	const query = `
		SELECT decision_id, incident_id, pattern_id, entity_key,
		       severity, confidence, response_path,
		       playbooks, approval_required, reason, created_at
		FROM dispatch_decisions
		WHERE incident_id = ?
		ORDER BY created_at ASC
	`

	rows, err := c.conn.Query(ctx, query, incidentID)
	if err != nil {
		return nil, WrapQueryError("DecisionsForIncident", "dispatch_decisions", err)
	}
	defer rows.Close()

	var out []dispatch.Decision
	for rows.Next() {
		var (
			d                              dispatch.Decision
			severity, confidence, respPath string
			playbooks                      []string
			approval                       bool
		)
		err := rows.Scan(
			&d.DecisionID,
			&d.IncidentID,
			&d.PatternID,
			&d.EntityKey,
			&severity,
			&confidence,
			&respPath,
			&playbooks,
			&approval,
			&d.Reason,
			&d.CreatedAt,
		)
		if err != nil {
			return nil, WrapQueryError("Scan", "dispatch_decisions", err)
		}
		d.Severity = model.Severity(severity)
		d.Confidence = model.Confidence(confidence)
		d.ResponsePath = model.ResponsePath(respPath)
		d.Playbooks = make([]dispatch.PlaybookRef, len(playbooks))
		for i, id := range playbooks {
			d.Playbooks[i] = dispatch.PlaybookRef{ID: id, ApprovalRequired: approval}
		}
		out = append(out, d)
	}

	return out, nil
}
