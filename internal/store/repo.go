package store

import (
	"database/sql"
	"fmt"

	"github.com/axismesh/axis/internal/model"
)

// Repo is the single SQLite-backed repository for the core's persisted data.
type Repo struct {
	db *sql.DB
}

// NewRepo opens (or creates) the core database at path and applies migrations.
func NewRepo(path string) (*Repo, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if err := MigrateCoreDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: %w", err)
	}
	return &Repo{db: db}, nil
}

// NewRepoFromDB wraps an already-open database. Used by tests with :memory:.
func NewRepoFromDB(db *sql.DB) (*Repo, error) {
	if err := MigrateCoreDB(db); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return &Repo{db: db}, nil
}

// Close closes the database.
func (r *Repo) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// --- Metrics ---

// WriteMetricBatch persists a batch of metric samples in one transaction.
func (r *Repo) WriteMetricBatch(records []model.MetricRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("store begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT INTO metric_samples (agent_id, timestamp_ns, payload_json)
		VALUES (?,?,?) ON CONFLICT(agent_id, timestamp_ns)
		DO UPDATE SET payload_json = excluded.payload_json`)
	if err != nil {
		return fmt.Errorf("store prepare metric: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.Exec(rec.AgentID, rec.TimestampNs, rec.PayloadJSON); err != nil {
			return fmt.Errorf("store upsert metric %s@%d: %w", rec.AgentID, rec.TimestampNs, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store commit metrics: %w", err)
	}
	return nil
}

// QueryMetrics returns an agent's samples in [fromNs, toNs], ascending.
func (r *Repo) QueryMetrics(agentID string, fromNs, toNs int64) ([]model.MetricRecord, error) {
	rows, err := r.db.Query(`SELECT agent_id, timestamp_ns, payload_json FROM metric_samples
		WHERE agent_id = ? AND timestamp_ns BETWEEN ? AND ? ORDER BY timestamp_ns`,
		agentID, fromNs, toNs)
	if err != nil {
		return nil, fmt.Errorf("store query metrics: %w", err)
	}
	defer rows.Close()

	var out []model.MetricRecord
	for rows.Next() {
		var rec model.MetricRecord
		if err := rows.Scan(&rec.AgentID, &rec.TimestampNs, &rec.PayloadJSON); err != nil {
			return nil, fmt.Errorf("store scan metric: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Alerts ---

// UpsertAlerts writes alert records in one transaction.
func (r *Repo) UpsertAlerts(records []model.AlertRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("store begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, rec := range records {
		_, err := tx.Exec(`INSERT INTO alerts (alert_id, agent_id, status, timestamp_ns, payload_json)
			VALUES (?,?,?,?,?) ON CONFLICT(alert_id)
			DO UPDATE SET status = excluded.status, timestamp_ns = excluded.timestamp_ns, payload_json = excluded.payload_json`,
			rec.AlertID, rec.AgentID, rec.Status, rec.TimestampNs, rec.PayloadJSON)
		if err != nil {
			return fmt.Errorf("store upsert alert %s: %w", rec.AlertID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store commit alerts: %w", err)
	}
	return nil
}

// QueryAlertsByStatus returns alerts in a status ordered by timestamp.
func (r *Repo) QueryAlertsByStatus(status string, limit int) ([]model.AlertRecord, error) {
	rows, err := r.db.Query(`SELECT alert_id, agent_id, status, timestamp_ns, payload_json FROM alerts
		WHERE status = ? ORDER BY timestamp_ns DESC LIMIT ?`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("store query alerts: %w", err)
	}
	defer rows.Close()

	var out []model.AlertRecord
	for rows.Next() {
		var rec model.AlertRecord
		if err := rows.Scan(&rec.AlertID, &rec.AgentID, &rec.Status, &rec.TimestampNs, &rec.PayloadJSON); err != nil {
			return nil, fmt.Errorf("store scan alert: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Recovery executions ---

// UpsertRecoveries writes recovery execution records in one transaction.
func (r *Repo) UpsertRecoveries(records []model.RecoveryRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("store begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, rec := range records {
		_, err := tx.Exec(`INSERT INTO recovery_executions (exec_id, agent_id, state, started_at_ns, ended_at_ns, payload_json)
			VALUES (?,?,?,?,?,?) ON CONFLICT(exec_id)
			DO UPDATE SET state = excluded.state, ended_at_ns = excluded.ended_at_ns, payload_json = excluded.payload_json`,
			rec.ExecID, rec.AgentID, rec.State, rec.StartedAtNs, rec.EndedAtNs, rec.PayloadJSON)
		if err != nil {
			return fmt.Errorf("store upsert recovery %s: %w", rec.ExecID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store commit recoveries: %w", err)
	}
	return nil
}

// --- Anomalies ---

// InsertAnomalies appends anomaly detections; duplicates on the composite key
// are overwritten (re-detection of the same sample).
func (r *Repo) InsertAnomalies(records []model.AnomalyRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("store begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, rec := range records {
		_, err := tx.Exec(`INSERT INTO anomaly_detections (agent_id, metric, timestamp_ns, score, observed, expected, explanation)
			VALUES (?,?,?,?,?,?,?) ON CONFLICT(agent_id, metric, timestamp_ns)
			DO UPDATE SET score = excluded.score, observed = excluded.observed, expected = excluded.expected, explanation = excluded.explanation`,
			rec.AgentID, rec.Metric, rec.TimestampNs, rec.Score, rec.Observed, rec.Expected, rec.Explanation)
		if err != nil {
			return fmt.Errorf("store insert anomaly: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store commit anomalies: %w", err)
	}
	return nil
}

// --- Pool configs ---

// UpsertPoolConfigs writes pool configuration records.
func (r *Repo) UpsertPoolConfigs(records []model.PoolConfigRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("store begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, rec := range records {
		_, err := tx.Exec(`INSERT INTO pool_configs (pool_id, protocol, endpoint, config_json, updated_at_ns)
			VALUES (?,?,?,?,?) ON CONFLICT(pool_id)
			DO UPDATE SET protocol = excluded.protocol, endpoint = excluded.endpoint,
				config_json = excluded.config_json, updated_at_ns = excluded.updated_at_ns`,
			rec.PoolID, rec.Protocol, rec.Endpoint, rec.ConfigJSON, rec.UpdatedAtNs)
		if err != nil {
			return fmt.Errorf("store upsert pool config %s: %w", rec.PoolID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store commit pool configs: %w", err)
	}
	return nil
}

// DeletePoolConfigs removes pool configurations by id.
func (r *Repo) DeletePoolConfigs(poolIDs []string) error {
	if len(poolIDs) == 0 {
		return nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("store begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, id := range poolIDs {
		if _, err := tx.Exec(`DELETE FROM pool_configs WHERE pool_id = ?`, id); err != nil {
			return fmt.Errorf("store delete pool config %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store commit pool config deletes: %w", err)
	}
	return nil
}

// LoadPoolConfigs returns all persisted pool configurations.
func (r *Repo) LoadPoolConfigs() ([]model.PoolConfigRecord, error) {
	rows, err := r.db.Query(`SELECT pool_id, protocol, endpoint, config_json, updated_at_ns FROM pool_configs`)
	if err != nil {
		return nil, fmt.Errorf("store load pool configs: %w", err)
	}
	defer rows.Close()

	var out []model.PoolConfigRecord
	for rows.Next() {
		var rec model.PoolConfigRecord
		if err := rows.Scan(&rec.PoolID, &rec.Protocol, &rec.Endpoint, &rec.ConfigJSON, &rec.UpdatedAtNs); err != nil {
			return nil, fmt.Errorf("store scan pool config: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Route snapshots ---

// ReplaceRouteSnapshots atomically replaces the persisted route cache.
func (r *Repo) ReplaceRouteSnapshots(records []model.RouteSnapshotRecord) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("store begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM route_snapshots`); err != nil {
		return fmt.Errorf("store clear route snapshots: %w", err)
	}
	for _, rec := range records {
		_, err := tx.Exec(`INSERT INTO route_snapshots (source, destination, route_json, cached_at_ns)
			VALUES (?,?,?,?)`,
			rec.Source, rec.Destination, rec.RouteJSON, rec.CachedAtNs)
		if err != nil {
			return fmt.Errorf("store insert route snapshot: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store commit route snapshots: %w", err)
	}
	return nil
}

// LoadRouteSnapshots returns all persisted route cache entries.
func (r *Repo) LoadRouteSnapshots() ([]model.RouteSnapshotRecord, error) {
	rows, err := r.db.Query(`SELECT source, destination, route_json, cached_at_ns FROM route_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("store load route snapshots: %w", err)
	}
	defer rows.Close()

	var out []model.RouteSnapshotRecord
	for rows.Next() {
		var rec model.RouteSnapshotRecord
		if err := rows.Scan(&rec.Source, &rec.Destination, &rec.RouteJSON, &rec.CachedAtNs); err != nil {
			return nil, fmt.Errorf("store scan route snapshot: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Retention ---

// RetentionResult reports rows deleted by one sweep.
type RetentionResult struct {
	Metrics    int64
	Alerts     int64
	Anomalies  int64
	Recoveries int64
}

// SweepRetention deletes records older than cutoffNs and terminal-state
// recovery executions older than recoveryCutoffNs.
func (r *Repo) SweepRetention(cutoffNs, recoveryCutoffNs int64) (RetentionResult, error) {
	var res RetentionResult

	del := func(query string, args ...any) (int64, error) {
		out, err := r.db.Exec(query, args...)
		if err != nil {
			return 0, err
		}
		n, _ := out.RowsAffected()
		return n, nil
	}

	var err error
	if res.Metrics, err = del(`DELETE FROM metric_samples WHERE timestamp_ns < ?`, cutoffNs); err != nil {
		return res, fmt.Errorf("store sweep metrics: %w", err)
	}
	if res.Alerts, err = del(`DELETE FROM alerts WHERE timestamp_ns < ? AND status IN ('resolved','suppressed')`, cutoffNs); err != nil {
		return res, fmt.Errorf("store sweep alerts: %w", err)
	}
	if res.Anomalies, err = del(`DELETE FROM anomaly_detections WHERE timestamp_ns < ?`, cutoffNs); err != nil {
		return res, fmt.Errorf("store sweep anomalies: %w", err)
	}
	if res.Recoveries, err = del(
		`DELETE FROM recovery_executions WHERE started_at_ns < ?
			AND state IN ('succeeded','failed','cancelled','rolledBack')`, recoveryCutoffNs); err != nil {
		return res, fmt.Errorf("store sweep recoveries: %w", err)
	}
	return res, nil
}
