package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionConfig holds configurable TTLs for the storage tables. Zero
// values leave the migration defaults in place.
type RetentionConfig struct {
	IncidentsTTL time.Duration `yaml:"incidents_ttl"`
	DecisionsTTL time.Duration `yaml:"decisions_ttl"`
}

// DefaultRetentionConfig mirrors the TTLs baked into the migrations.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		IncidentsTTL: 90 * 24 * time.Hour,
		DecisionsTTL: 180 * 24 * time.Hour,
	}
}

// RetentionManager applies data retention policies.
type RetentionManager struct {
	client *ClickHouseClient
	config RetentionConfig
}

// NewRetentionManager creates a new retention manager.
func NewRetentionManager(client *ClickHouseClient, config RetentionConfig) *RetentionManager {
	return &RetentionManager{
		client: client,
		config: config,
	}
}

// ApplyTTLs updates TTL settings on the storage tables to match the
// configured retention periods. Called after migrations have run; a table
// that fails to alter is logged and skipped, never fatal at startup.
func (r *RetentionManager) ApplyTTLs(ctx context.Context) error {
	type tablePolicy struct {
		table  string
		column string
		ttl    time.Duration
	}

	policies := []tablePolicy{
		{"incidents", "created_at", r.config.IncidentsTTL},
		{"dispatch_decisions", "created_at", r.config.DecisionsTTL},
	}

	for _, p := range policies {
		if p.ttl <= 0 {
			continue
		}

		days := int(p.ttl.Hours() / 24)
		if days < 1 {
			days = 1
		}

		query := fmt.Sprintf(
			"ALTER TABLE %s MODIFY TTL toDateTime(%s) + INTERVAL %d DAY DELETE",
			sanitizeTableName(p.table), p.column, days,
		)

		if err := r.client.Exec(ctx, query); err != nil {
			slog.Warn("failed to apply TTL policy",
				"table", p.table,
				"ttl_days", days,
				"error", err,
			)
			continue
		}

		slog.Info("applied retention policy",
			"table", p.table,
			"ttl_days", days,
		)
	}

	return nil
}

// TableStats summarizes on-disk footprint for one table.
type TableStats struct {
	Table       string `json:"table"`
	Rows        uint64 `json:"rows"`
	BytesOnDisk uint64 `json:"bytes_on_disk"`
	Partitions  uint64 `json:"partitions"`
}

// Stats returns row counts and disk usage for the storage tables.
func (r *RetentionManager) Stats(ctx context.Context) ([]TableStats, error) {
	const query = `
		SELECT
			table,
			sum(rows),
			sum(bytes_on_disk),
			uniqExact(partition)
		FROM system.parts
		WHERE database = ? AND table IN ('incidents', 'dispatch_decisions') AND active = 1
		GROUP BY table
		ORDER BY table
	`

	rows, err := r.client.Query(ctx, query, r.client.Database())
	if err != nil {
		return nil, WrapQueryError("Stats", "system.parts", err)
	}
	defer rows.Close()

	var stats []TableStats
	for rows.Next() {
		var s TableStats
		if err := rows.Scan(&s.Table, &s.Rows, &s.BytesOnDisk, &s.Partitions); err != nil {
			return nil, WrapQueryError("Scan", "system.parts", err)
		}
		stats = append(stats, s)
	}

	return stats, nil
}

// sanitizeTableName keeps only identifier-safe characters.
func sanitizeTableName(name string) string {
	var result []byte
	for _, b := range []byte(name) {
		if (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') ||
			(b >= '0' && b <= '9') || b == '_' {
			result = append(result, b)
		}
	}
	return string(result)
}
