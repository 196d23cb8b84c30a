// Package cache implements a bounded, TTL-evicting lookup cache. It fronts
// the Cloud Adapter's Get(id) enrichment call (§4.5, "On added(peer): ...
// enrich the Registry via get(id)") so repeated gossip sightings of the same
// newcomer — duplicate hellos arriving before the Registry update from the
// first one has propagated — don't re-fetch the provider.
//
// Adapted from the teacher's objects-cache package: same bounded-size,
// heap-ordered-by-expiry eviction strategy, generalized from any/any to the
// string-keyed cloud.Instance lookups this repo actually needs.
package cache

import (
	"container/heap"
	"sync"
	"time"

	"github.com/mcastellin/fleetwarden/internal/cloud"
)

type entry struct {
	Key        string
	Value      cloud.Instance
	ExpiryTime time.Time
}

// InstanceCache caches cloud.Instance lookups by id for a bounded time.
type InstanceCache struct {
	maxItems int
	ttl      time.Duration

	mu           sync.Mutex
	items        map[string]*entry
	evictionHeap entryHeap
}

// New creates an InstanceCache holding up to maxItems entries for ttl each.
func New(maxItems int, ttl time.Duration) *InstanceCache {
	h := make(entryHeap, 0)
	heap.Init(&h)
	return &InstanceCache{
		maxItems:     maxItems,
		ttl:          ttl,
		items:        map[string]*entry{},
		evictionHeap: h,
	}
}

// Put stores v under id, evicting the soonest-to-expire entry if the cache is full.
func (c *InstanceCache) Put(id string, v cloud.Instance) {
	c.delete(id)

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.items) >= c.maxItems {
		c.evict(1)
	}
	e := &entry{Key: id, Value: v, ExpiryTime: time.Now().Add(c.ttl)}
	c.items[id] = e
	heap.Push(&c.evictionHeap, e)
}

func (c *InstanceCache) evict(n int) {
	for i := 0; i < n && len(c.evictionHeap) > 0; i++ {
		evicted := heap.Pop(&c.evictionHeap)
		delete(c.items, evicted.(*entry).Key)
	}
}

func (c *InstanceCache) delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, id)
	for i := 0; i < len(c.evictionHeap); i++ {
		if c.evictionHeap[i].Key == id {
			heap.Remove(&c.evictionHeap, i)
			return
		}
	}
}

// Get returns the cached Instance for id, or ok=false if it is missing or expired.
func (c *InstanceCache) Get(id string) (cloud.Instance, bool) {
	c.mu.Lock()
	e, ok := c.items[id]
	c.mu.Unlock()
	if !ok {
		return cloud.Instance{}, false
	}
	if time.Now().After(e.ExpiryTime) {
		return cloud.Instance{}, false
	}
	return e.Value, true
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].ExpiryTime.Before(h[j].ExpiryTime) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(v any) {
	*h = append(*h, v.(*entry))
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
