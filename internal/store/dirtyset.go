package store

import "sync"

// DirtyOp says what the flush should do with a marked key.
type DirtyOp int

const (
	// OpUpsert schedules the record for upsert. The engine reads the
	// current in-memory value through its Readers at flush time, so a key
	// marked many times between flushes is written once.
	OpUpsert DirtyOp = iota
	// OpDelete schedules the row for deletion, e.g. a pool whose
	// configuration was removed.
	OpDelete
)

// DirtySet is the write-behind tracker for one record family (alerts,
// recovery executions, pool configs). It holds only keys; the owning
// component keeps the authoritative value in memory until the engine
// flushes. Drain swaps the map wholesale so marks arriving mid-flush land
// in the next batch.
type DirtySet[K comparable] struct {
	mu sync.Mutex
	m  map[K]DirtyOp
}

// NewDirtySet creates an empty DirtySet.
func NewDirtySet[K comparable]() *DirtySet[K] {
	return &DirtySet[K]{m: make(map[K]DirtyOp)}
}

// MarkUpsert marks a key for upsert at the next flush.
func (d *DirtySet[K]) MarkUpsert(key K) {
	d.mu.Lock()
	d.m[key] = OpUpsert
	d.mu.Unlock()
}

// MarkDelete marks a key for deletion at the next flush.
func (d *DirtySet[K]) MarkDelete(key K) {
	d.mu.Lock()
	d.m[key] = OpDelete
	d.mu.Unlock()
}

// Drain swaps the internal map with a fresh one and returns the old map as
// a stable flush snapshot.
func (d *DirtySet[K]) Drain() map[K]DirtyOp {
	d.mu.Lock()
	old := d.m
	d.m = make(map[K]DirtyOp, len(old)/2)
	d.mu.Unlock()
	return old
}

// Merge puts a drained snapshot back after a failed flush so the marks are
// retried next round. Keys re-dirtied since the drain keep their newer op.
func (d *DirtySet[K]) Merge(old map[K]DirtyOp) {
	d.mu.Lock()
	for k, v := range old {
		if _, exists := d.m[k]; !exists {
			d.m[k] = v
		}
	}
	d.mu.Unlock()
}

// Len returns the current number of dirty entries.
func (d *DirtySet[K]) Len() int {
	d.mu.Lock()
	n := len(d.m)
	d.mu.Unlock()
	return n
}
