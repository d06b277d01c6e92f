package store

import (
	"fmt"
	"log"

	"github.com/axismesh/axis/internal/model"
)

// Readers provides callbacks for reading current in-memory values at flush
// time. If a reader returns nil for a key marked OpUpsert, the key is treated
// as a delete (the object was removed between mark and flush).
type Readers struct {
	ReadAlert      func(alertID string) *model.AlertRecord
	ReadRecovery   func(execID string) *model.RecoveryRecord
	ReadPoolConfig func(poolID string) *model.PoolConfigRecord
}

// Engine is the write-behind entry point for alert, recovery, and pool
// configuration persistence. Callers mark records dirty on every in-memory
// mutation; a flush loop batch-writes the current values. Metric batches and
// anomalies bypass the engine and go straight through the Repo, they are
// append-only and already batched at the source.
type Engine struct {
	*Repo

	dirtyAlerts      *DirtySet[string]
	dirtyRecoveries  *DirtySet[string]
	dirtyPoolConfigs *DirtySet[string]
}

// NewEngine wraps a Repo with dirty tracking.
func NewEngine(repo *Repo) *Engine {
	return &Engine{
		Repo:             repo,
		dirtyAlerts:      NewDirtySet[string](),
		dirtyRecoveries:  NewDirtySet[string](),
		dirtyPoolConfigs: NewDirtySet[string](),
	}
}

func (e *Engine) MarkAlert(alertID string)           { e.dirtyAlerts.MarkUpsert(alertID) }
func (e *Engine) MarkRecovery(execID string)         { e.dirtyRecoveries.MarkUpsert(execID) }
func (e *Engine) MarkPoolConfig(poolID string)       { e.dirtyPoolConfigs.MarkUpsert(poolID) }
func (e *Engine) MarkPoolConfigDelete(poolID string) { e.dirtyPoolConfigs.MarkDelete(poolID) }

// DirtyCount returns the total number of dirty entries across all sets.
func (e *Engine) DirtyCount() int {
	return e.dirtyAlerts.Len() + e.dirtyRecoveries.Len() + e.dirtyPoolConfigs.Len()
}

// classifyDirtySet splits a drained dirty-set snapshot into upsert values and
// delete keys. For OpUpsert entries, the reader is called to fetch the current
// in-memory value; a nil return is treated as a delete.
func classifyDirtySet[K comparable, V any](
	drained map[K]DirtyOp,
	reader func(K) *V,
) (upserts []V, deletes []K) {
	for key, op := range drained {
		if op == OpDelete {
			deletes = append(deletes, key)
			continue
		}
		v := reader(key)
		if v == nil {
			deletes = append(deletes, key)
		} else {
			upserts = append(upserts, *v)
		}
	}
	return
}

// FlushDirty drains all dirty sets, reads current values via readers, and
// batch-writes them. On failure, drained entries are merged back so the next
// flush retries them.
func (e *Engine) FlushDirty(readers Readers) error {
	drainedAlerts := e.dirtyAlerts.Drain()
	drainedRecoveries := e.dirtyRecoveries.Drain()
	drainedPools := e.dirtyPoolConfigs.Drain()

	remerge := func() {
		e.dirtyAlerts.Merge(drainedAlerts)
		e.dirtyRecoveries.Merge(drainedRecoveries)
		e.dirtyPoolConfigs.Merge(drainedPools)
	}

	upsertAlerts, _ := classifyDirtySet(drainedAlerts, readers.ReadAlert)
	upsertRecoveries, _ := classifyDirtySet(drainedRecoveries, readers.ReadRecovery)
	upsertPools, deletePools := classifyDirtySet(drainedPools, readers.ReadPoolConfig)

	// Alerts and recoveries are never deleted here: retention sweeps them.
	if err := e.Repo.UpsertAlerts(upsertAlerts); err != nil {
		remerge()
		return fmt.Errorf("flush alerts: %w", err)
	}
	if err := e.Repo.UpsertRecoveries(upsertRecoveries); err != nil {
		remerge()
		return fmt.Errorf("flush recoveries: %w", err)
	}
	if err := e.Repo.UpsertPoolConfigs(upsertPools); err != nil {
		remerge()
		return fmt.Errorf("flush pool configs: %w", err)
	}
	if err := e.Repo.DeletePoolConfigs(deletePools); err != nil {
		remerge()
		return fmt.Errorf("flush pool config deletes: %w", err)
	}

	total := len(drainedAlerts) + len(drainedRecoveries) + len(drainedPools)
	if total > 0 {
		log.Printf("[store] flushed dirty sets: alerts=%d, recoveries=%d, pools=%d",
			len(drainedAlerts), len(drainedRecoveries), len(drainedPools))
	}
	return nil
}
