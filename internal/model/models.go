// Package model defines domain structs shared across the persistence layer.
// Records are JSON-serializable opaque blobs; the store indexes only the key
// columns declared here.
package model

// MetricRecord is one batched metric sample for an agent.
type MetricRecord struct {
	AgentID     string `json:"agent_id"`
	TimestampNs int64  `json:"timestamp_ns"`
	PayloadJSON string `json:"payload_json"`
}

// AlertRecord is the persisted form of an alert.
type AlertRecord struct {
	AlertID     string `json:"alert_id"`
	AgentID     string `json:"agent_id"`
	Status      string `json:"status"`
	TimestampNs int64  `json:"timestamp_ns"`
	PayloadJSON string `json:"payload_json"`
}

// RecoveryRecord is the persisted form of a recovery execution.
type RecoveryRecord struct {
	ExecID      string `json:"exec_id"`
	AgentID     string `json:"agent_id"`
	State       string `json:"state"`
	StartedAtNs int64  `json:"started_at_ns"`
	EndedAtNs   int64  `json:"ended_at_ns"`
	PayloadJSON string `json:"payload_json"`
}

// AnomalyRecord is one persisted anomaly detection.
type AnomalyRecord struct {
	AgentID     string  `json:"agent_id"`
	Metric      string  `json:"metric"`
	TimestampNs int64   `json:"timestamp_ns"`
	Score       float64 `json:"score"`
	Observed    float64 `json:"observed"`
	Expected    float64 `json:"expected"`
	Explanation string  `json:"explanation"`
}

// PoolConfigRecord is the persisted configuration of one connection pool.
type PoolConfigRecord struct {
	PoolID      string `json:"pool_id"`
	Protocol    string `json:"protocol"`
	Endpoint    string `json:"endpoint"`
	ConfigJSON  string `json:"config_json"`
	UpdatedAtNs int64  `json:"updated_at_ns"`
}

// RouteSnapshotRecord is one cached route persisted at shutdown and restored
// at bootstrap (weak persistence: best effort, TTL still applies on restore).
type RouteSnapshotRecord struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	RouteJSON   string `json:"route_json"`
	CachedAtNs  int64  `json:"cached_at_ns"`
}

// RouteSnapshotKey is the composite primary key for route snapshots.
type RouteSnapshotKey struct {
	Source      string
	Destination string
}
