package procguard

import (
	"container/list"
	"sync"
	"time"
)

// protectionVerdict is one cached classification result.
type protectionVerdict struct {
	pid        int32
	createdAt  time.Time
	protected  bool
	reason     ProtectionReason
	decidedAt  time.Time
}

func (v protectionVerdict) expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(v.decidedAt) > ttl
}

// protectionCache is a bounded LRU with a TTL, keyed by PID. An entry is
// evicted immediately (not just on next sweep) when a lookup finds it
// expired or finds its creation time changed, since that means the PID
// was reused by a different process (spec.md §4.1 Tier 2); callers that
// observe a process gone drop its entry through evict.
type protectionCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	ll      *list.List // front = most recently used
	index   map[int32]*list.Element
}

func newProtectionCache(ttl time.Duration, maxSize int) *protectionCache {
	return &protectionCache{
		ttl:     ttl,
		maxSize: maxSize,
		ll:      list.New(),
		index:   make(map[int32]*list.Element),
	}
}

// lookup returns the cached verdict for pid if present, not expired, and
// still matches createdAt. A stale or mismatched entry is evicted and the
// lookup reports a miss.
func (c *protectionCache) lookup(pid int32, createdAt time.Time, now time.Time) (protectionVerdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[pid]
	if !ok {
		return protectionVerdict{}, false
	}
	v := el.Value.(protectionVerdict)
	if v.expired(c.ttl, now) || !v.createdAt.Equal(createdAt) {
		c.ll.Remove(el)
		delete(c.index, pid)
		return protectionVerdict{}, false
	}
	c.ll.MoveToFront(el)
	return v, true
}

// store inserts or replaces the verdict for pid, evicting the least
// recently used entry if the cache is at capacity.
func (c *protectionCache) store(v protectionVerdict) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[v.pid]; ok {
		el.Value = v
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(v)
	c.index[v.pid] = el

	for c.ll.Len() > c.maxSize {
		back := c.ll.Back()
		if back == nil {
			break
		}
		bv := back.Value.(protectionVerdict)
		c.ll.Remove(back)
		delete(c.index, bv.pid)
	}
}

// evict removes pid unconditionally, used when the caller already knows
// the process is gone.
func (c *protectionCache) evict(pid int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[pid]; ok {
		c.ll.Remove(el)
		delete(c.index, pid)
	}
}

// sweep drops all expired entries; intended to run on a periodic ticker
// (spec.md §5: 5s) so the cache does not hold stale entries indefinitely
// for PIDs that are never looked up again.
func (c *protectionCache) sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	var next *list.Element
	for el := c.ll.Back(); el != nil; el = next {
		next = el.Prev()
		v := el.Value.(protectionVerdict)
		if v.expired(c.ttl, now) {
			c.ll.Remove(el)
			delete(c.index, v.pid)
			removed++
		}
	}
	return removed
}

func (c *protectionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
