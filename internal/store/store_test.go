package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/axismesh/axis/internal/model"
)

func openTestRepo(t *testing.T) *Repo {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "core.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	repo, err := NewRepoFromDB(db)
	if err != nil {
		t.Fatalf("NewRepoFromDB: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestMigrateIdempotent(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "core.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	defer db.Close()
	if err := MigrateCoreDB(db); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := MigrateCoreDB(db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestMigrateNilDB(t *testing.T) {
	var db *sql.DB
	if err := MigrateCoreDB(db); err == nil {
		t.Fatal("expected error for nil db")
	}
}

func TestMetricBatchRoundTrip(t *testing.T) {
	repo := openTestRepo(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC).UnixNano()
	batch := []model.MetricRecord{
		{AgentID: "agent-a", TimestampNs: base, PayloadJSON: `{"cpu":0.5}`},
		{AgentID: "agent-a", TimestampNs: base + 1e9, PayloadJSON: `{"cpu":0.6}`},
		{AgentID: "agent-b", TimestampNs: base, PayloadJSON: `{"cpu":0.1}`},
	}
	if err := repo.WriteMetricBatch(batch); err != nil {
		t.Fatalf("WriteMetricBatch: %v", err)
	}

	// Same key again overwrites, not duplicates.
	if err := repo.WriteMetricBatch([]model.MetricRecord{
		{AgentID: "agent-a", TimestampNs: base, PayloadJSON: `{"cpu":0.9}`},
	}); err != nil {
		t.Fatalf("WriteMetricBatch overwrite: %v", err)
	}

	got, err := repo.QueryMetrics("agent-a", base, base+1e9)
	if err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d samples, want 2", len(got))
	}
	if got[0].PayloadJSON != `{"cpu":0.9}` {
		t.Errorf("overwrite not applied: %s", got[0].PayloadJSON)
	}
	if got[0].TimestampNs > got[1].TimestampNs {
		t.Error("samples not in ascending timestamp order")
	}
}

func TestAlertUpsertAndQuery(t *testing.T) {
	repo := openTestRepo(t)

	now := time.Now().UnixNano()
	if err := repo.UpsertAlerts([]model.AlertRecord{
		{AlertID: "al-1", AgentID: "agent-a", Status: "active", TimestampNs: now, PayloadJSON: `{}`},
		{AlertID: "al-2", AgentID: "agent-b", Status: "active", TimestampNs: now + 1, PayloadJSON: `{}`},
	}); err != nil {
		t.Fatalf("UpsertAlerts: %v", err)
	}

	// Status transition via upsert.
	if err := repo.UpsertAlerts([]model.AlertRecord{
		{AlertID: "al-1", AgentID: "agent-a", Status: "resolved", TimestampNs: now + 2, PayloadJSON: `{}`},
	}); err != nil {
		t.Fatalf("UpsertAlerts update: %v", err)
	}

	active, err := repo.QueryAlertsByStatus("active", 10)
	if err != nil {
		t.Fatalf("QueryAlertsByStatus: %v", err)
	}
	if len(active) != 1 || active[0].AlertID != "al-2" {
		t.Fatalf("active alerts = %+v, want only al-2", active)
	}
}

func TestPoolConfigUpsertDeleteLoad(t *testing.T) {
	repo := openTestRepo(t)

	recs := []model.PoolConfigRecord{
		{PoolID: "grpc|agent-a", Protocol: "grpc", Endpoint: "agent-a", ConfigJSON: `{"min":2}`, UpdatedAtNs: 1},
		{PoolID: "ws|agent-b", Protocol: "websocket", Endpoint: "agent-b", ConfigJSON: `{"min":2}`, UpdatedAtNs: 2},
	}
	if err := repo.UpsertPoolConfigs(recs); err != nil {
		t.Fatalf("UpsertPoolConfigs: %v", err)
	}
	if err := repo.DeletePoolConfigs([]string{"grpc|agent-a"}); err != nil {
		t.Fatalf("DeletePoolConfigs: %v", err)
	}
	got, err := repo.LoadPoolConfigs()
	if err != nil {
		t.Fatalf("LoadPoolConfigs: %v", err)
	}
	if len(got) != 1 || got[0].PoolID != "ws|agent-b" {
		t.Fatalf("remaining pools = %+v, want only ws|agent-b", got)
	}
}

func TestRouteSnapshotReplace(t *testing.T) {
	repo := openTestRepo(t)

	first := []model.RouteSnapshotRecord{
		{Source: "a", Destination: "b", RouteJSON: `{"path":["a","b"]}`, CachedAtNs: 1},
		{Source: "a", Destination: "c", RouteJSON: `{"path":["a","c"]}`, CachedAtNs: 1},
	}
	if err := repo.ReplaceRouteSnapshots(first); err != nil {
		t.Fatalf("ReplaceRouteSnapshots: %v", err)
	}
	second := []model.RouteSnapshotRecord{
		{Source: "a", Destination: "d", RouteJSON: `{"path":["a","d"]}`, CachedAtNs: 2},
	}
	if err := repo.ReplaceRouteSnapshots(second); err != nil {
		t.Fatalf("ReplaceRouteSnapshots second: %v", err)
	}
	got, err := repo.LoadRouteSnapshots()
	if err != nil {
		t.Fatalf("LoadRouteSnapshots: %v", err)
	}
	if len(got) != 1 || got[0].Destination != "d" {
		t.Fatalf("snapshots = %+v, want replace semantics", got)
	}
}

func TestDirtySetDrainMerge(t *testing.T) {
	ds := NewDirtySet[string]()
	ds.MarkUpsert("a")
	ds.MarkDelete("b")

	drained := ds.Drain()
	if len(drained) != 2 || ds.Len() != 0 {
		t.Fatalf("drain: got %d entries, set len %d", len(drained), ds.Len())
	}

	// Re-dirty one key after drain; merge must not clobber the newer mark.
	ds.MarkUpsert("b")
	ds.Merge(drained)
	if ds.Len() != 2 {
		t.Fatalf("after merge len = %d, want 2", ds.Len())
	}
	post := ds.Drain()
	if post["b"] != OpUpsert {
		t.Errorf("merge clobbered newer mark for b: %v", post["b"])
	}
	if post["a"] != OpUpsert {
		t.Errorf("merge dropped a: %v", post["a"])
	}
}

func TestEngineFlushDirty(t *testing.T) {
	repo := openTestRepo(t)
	eng := NewEngine(repo)

	now := time.Now().UnixNano()
	alerts := map[string]*model.AlertRecord{
		"al-1": {AlertID: "al-1", AgentID: "agent-a", Status: "active", TimestampNs: now, PayloadJSON: `{}`},
	}
	pools := map[string]*model.PoolConfigRecord{
		"grpc|agent-a": {PoolID: "grpc|agent-a", Protocol: "grpc", Endpoint: "agent-a", ConfigJSON: `{}`, UpdatedAtNs: now},
	}

	eng.MarkAlert("al-1")
	eng.MarkPoolConfig("grpc|agent-a")
	eng.MarkPoolConfigDelete("stale|agent-z")
	if eng.DirtyCount() != 3 {
		t.Fatalf("DirtyCount = %d, want 3", eng.DirtyCount())
	}

	readers := Readers{
		ReadAlert:      func(id string) *model.AlertRecord { return alerts[id] },
		ReadRecovery:   func(id string) *model.RecoveryRecord { return nil },
		ReadPoolConfig: func(id string) *model.PoolConfigRecord { return pools[id] },
	}
	if err := eng.FlushDirty(readers); err != nil {
		t.Fatalf("FlushDirty: %v", err)
	}
	if eng.DirtyCount() != 0 {
		t.Errorf("DirtyCount after flush = %d, want 0", eng.DirtyCount())
	}

	active, err := repo.QueryAlertsByStatus("active", 10)
	if err != nil {
		t.Fatalf("QueryAlertsByStatus: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("flushed alerts = %d, want 1", len(active))
	}
	got, err := repo.LoadPoolConfigs()
	if err != nil {
		t.Fatalf("LoadPoolConfigs: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("flushed pools = %d, want 1", len(got))
	}
}

func TestRetentionSweep(t *testing.T) {
	repo := openTestRepo(t)

	now := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	old := now.Add(-10 * 24 * time.Hour).UnixNano()
	fresh := now.Add(-time.Hour).UnixNano()

	if err := repo.WriteMetricBatch([]model.MetricRecord{
		{AgentID: "a", TimestampNs: old, PayloadJSON: `{}`},
		{AgentID: "a", TimestampNs: fresh, PayloadJSON: `{}`},
	}); err != nil {
		t.Fatalf("WriteMetricBatch: %v", err)
	}
	if err := repo.UpsertAlerts([]model.AlertRecord{
		{AlertID: "old-resolved", AgentID: "a", Status: "resolved", TimestampNs: old, PayloadJSON: `{}`},
		{AlertID: "old-active", AgentID: "a", Status: "active", TimestampNs: old, PayloadJSON: `{}`},
	}); err != nil {
		t.Fatalf("UpsertAlerts: %v", err)
	}
	if err := repo.UpsertRecoveries([]model.RecoveryRecord{
		{ExecID: "old-done", AgentID: "a", State: "succeeded", StartedAtNs: now.Add(-40 * 24 * time.Hour).UnixNano(), PayloadJSON: `{}`},
		{ExecID: "old-running", AgentID: "a", State: "running", StartedAtNs: now.Add(-40 * 24 * time.Hour).UnixNano(), PayloadJSON: `{}`},
	}); err != nil {
		t.Fatalf("UpsertRecoveries: %v", err)
	}

	sweeper := NewRetentionSweeper(repo, 7*24*time.Hour, 30*24*time.Hour)
	sweeper.now = func() time.Time { return now }
	sweeper.Sweep()

	metrics, err := repo.QueryMetrics("a", 0, now.UnixNano())
	if err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	if len(metrics) != 1 || metrics[0].TimestampNs != fresh {
		t.Fatalf("metrics after sweep = %+v, want only fresh", metrics)
	}

	// Active alerts survive even past the window; running recoveries too.
	active, err := repo.QueryAlertsByStatus("active", 10)
	if err != nil {
		t.Fatalf("QueryAlertsByStatus: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("active alerts after sweep = %d, want 1", len(active))
	}
	resolved, err := repo.QueryAlertsByStatus("resolved", 10)
	if err != nil {
		t.Fatalf("QueryAlertsByStatus resolved: %v", err)
	}
	if len(resolved) != 0 {
		t.Errorf("resolved alerts after sweep = %d, want 0", len(resolved))
	}
}
