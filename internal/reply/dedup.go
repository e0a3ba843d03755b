package reply

import (
	"context"
	"sync"

	"github.com/elliotchance/orderedmap/v3"

	"github.com/nextlevelbuilder/difybridge/internal/store"
)

// DefaultDedupCapacity is the number of message ids remembered.
const DefaultDedupCapacity = 1000

// Dedup is a bounded recency cache of inbound message ids. Ids are kept in
// insertion order; when the capacity is exceeded the oldest half (at least
// one id) is evicted in one batch. Safe for concurrent use.
type Dedup struct {
	mu       sync.Mutex
	ids      *orderedmap.OrderedMap[string, struct{}]
	capacity int
}

// NewDedup creates a guard holding at most capacity ids.
func NewDedup(capacity int) *Dedup {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &Dedup{
		ids:      orderedmap.NewOrderedMap[string, struct{}](),
		capacity: capacity,
	}
}

// Seen reports whether id was recorded. Empty ids are never seen.
func (d *Dedup) Seen(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ids.Has(id)
}

// Record remembers id. Empty ids are ignored.
func (d *Dedup) Record(id string) {
	if id == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recordLocked(id)
}

// CheckAndRecord reports whether id was already seen and records it if not,
// under one lock acquisition.
func (d *Dedup) CheckAndRecord(_ context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ids.Has(id) {
		return true, nil
	}
	d.recordLocked(id)
	return false, nil
}

// Len returns the number of remembered ids.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ids.Len()
}

func (d *Dedup) recordLocked(id string) {
	if d.ids.Has(id) {
		return
	}
	d.ids.Set(id, struct{}{})
	if d.ids.Len() <= d.capacity {
		return
	}

	n := evictCount(d.capacity)
	evict := make([]string, 0, n)
	for el := d.ids.Front(); el != nil && len(evict) < n; el = el.Next() {
		evict = append(evict, el.Key)
	}
	for _, k := range evict {
		d.ids.Delete(k)
	}
}

// evictCount is the batch dropped on overflow: the oldest half, and at
// least one id so the set never exceeds capacity.
func evictCount(capacity int) int {
	return max(1, capacity/2)
}

var _ store.MessageDeduper = (*Dedup)(nil)
