package route

import (
	"encoding/json"
	"log"
	"time"

	"github.com/maypok86/otter"

	"github.com/axismesh/axis/internal/model"
)

// Cache is the bounded TTL route cache keyed by (source, destination),
// backed by otter. Readers may see an entry up to TTL old; expiry triggers
// rediscovery at the router.
type Cache struct {
	cache otter.CacheWithVariableTTL[model.RouteSnapshotKey, Route]
	ttl   time.Duration
}

// NewCache creates a route cache bounded to maxEntries with the given TTL.
func NewCache(maxEntries int, ttl time.Duration) *Cache {
	cache, err := otter.MustBuilder[model.RouteSnapshotKey, Route](maxEntries).
		Cost(func(_ model.RouteSnapshotKey, _ Route) uint32 { return 1 }).
		WithVariableTTL().
		Build()
	if err != nil {
		panic("route: failed to create route cache: " + err.Error())
	}
	return &Cache{cache: cache, ttl: ttl}
}

// Get returns the cached route for (source, destination), if present and
// unexpired.
func (c *Cache) Get(source, destination string) (Route, bool) {
	return c.cache.Get(model.RouteSnapshotKey{Source: source, Destination: destination})
}

// Put caches a route with the default TTL.
func (c *Cache) Put(source, destination string, r Route) {
	c.cache.Set(model.RouteSnapshotKey{Source: source, Destination: destination}, r, c.ttl)
}

// Invalidate drops the entry for (source, destination).
func (c *Cache) Invalidate(source, destination string) {
	c.cache.Delete(model.RouteSnapshotKey{Source: source, Destination: destination})
}

// Size returns the number of cached entries.
func (c *Cache) Size() int {
	return c.cache.Size()
}

// Close releases the underlying cache.
func (c *Cache) Close() {
	c.cache.Close()
}

// Snapshot serializes the live cache entries for persistence.
func (c *Cache) Snapshot(now time.Time) []model.RouteSnapshotRecord {
	var records []model.RouteSnapshotRecord
	c.cache.Range(func(key model.RouteSnapshotKey, r Route) bool {
		blob, err := json.Marshal(r)
		if err != nil {
			log.Printf("[route] snapshot marshal %s->%s: %v", key.Source, key.Destination, err)
			return true
		}
		records = append(records, model.RouteSnapshotRecord{
			Source:      key.Source,
			Destination: key.Destination,
			RouteJSON:   string(blob),
			CachedAtNs:  now.UnixNano(),
		})
		return true
	})
	return records
}

// Restore loads persisted snapshot records, skipping entries older than the
// TTL at restore time. Returns the number of entries loaded.
func (c *Cache) Restore(records []model.RouteSnapshotRecord, now time.Time) int {
	loaded := 0
	for _, rec := range records {
		age := now.Sub(time.Unix(0, rec.CachedAtNs))
		if age >= c.ttl {
			continue
		}
		var r Route
		if err := json.Unmarshal([]byte(rec.RouteJSON), &r); err != nil {
			log.Printf("[route] restore unmarshal %s->%s: %v", rec.Source, rec.Destination, err)
			continue
		}
		c.cache.Set(model.RouteSnapshotKey{Source: rec.Source, Destination: rec.Destination}, r, c.ttl-age)
		loaded++
	}
	return loaded
}
