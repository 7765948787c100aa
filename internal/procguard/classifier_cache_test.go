package procguard

import (
	"testing"
	"time"
)

func TestProtectionCacheHitAndMiss(t *testing.T) {
	c := newProtectionCache(10*time.Second, 8)
	now := time.Now()
	created := now.Add(-time.Hour)

	if _, ok := c.lookup(100, created, now); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.store(protectionVerdict{pid: 100, createdAt: created, protected: true, reason: PatternMatch, decidedAt: now})

	v, ok := c.lookup(100, created, now)
	if !ok {
		t.Fatal("expected hit after store")
	}
	if !v.protected || v.reason != PatternMatch {
		t.Errorf("unexpected cached verdict: %+v", v)
	}
}

func TestProtectionCacheExpiresByTTL(t *testing.T) {
	c := newProtectionCache(1*time.Second, 8)
	now := time.Now()
	created := now.Add(-time.Hour)
	c.store(protectionVerdict{pid: 1, createdAt: created, decidedAt: now})

	later := now.Add(2 * time.Second)
	if _, ok := c.lookup(1, created, later); ok {
		t.Fatal("expected expired entry to miss")
	}
	if c.len() != 0 {
		t.Errorf("expired entry should be evicted on lookup, cache len = %d", c.len())
	}
}

func TestProtectionCacheEvictsOnCreateTimeMismatch(t *testing.T) {
	c := newProtectionCache(10*time.Second, 8)
	now := time.Now()
	created := now.Add(-time.Hour)
	c.store(protectionVerdict{pid: 1, createdAt: created, decidedAt: now})

	differentCreated := now.Add(-time.Minute)
	if _, ok := c.lookup(1, differentCreated, now); ok {
		t.Fatal("a PID reused by a different process must not hit the stale verdict")
	}
}

func TestProtectionCacheLRUEviction(t *testing.T) {
	c := newProtectionCache(10*time.Second, 2)
	now := time.Now()
	c.store(protectionVerdict{pid: 1, createdAt: now, decidedAt: now})
	c.store(protectionVerdict{pid: 2, createdAt: now, decidedAt: now})
	// Touch pid 1 so pid 2 becomes the least recently used.
	c.lookup(1, now, now)
	c.store(protectionVerdict{pid: 3, createdAt: now, decidedAt: now})

	if _, ok := c.lookup(2, now, now); ok {
		t.Error("pid 2 should have been evicted as least recently used")
	}
	if _, ok := c.lookup(1, now, now); !ok {
		t.Error("pid 1 was recently used and should survive eviction")
	}
	if _, ok := c.lookup(3, now, now); !ok {
		t.Error("pid 3 was just inserted and should be present")
	}
}

func TestProtectionCacheSweep(t *testing.T) {
	c := newProtectionCache(1*time.Second, 8)
	now := time.Now()
	c.store(protectionVerdict{pid: 1, createdAt: now, decidedAt: now.Add(-5 * time.Second)})
	c.store(protectionVerdict{pid: 2, createdAt: now, decidedAt: now})

	removed := c.sweep(now)
	if removed != 1 {
		t.Errorf("sweep() removed = %d, want 1", removed)
	}
	if c.len() != 1 {
		t.Errorf("cache len after sweep = %d, want 1", c.len())
	}
}

func TestProtectionCacheEvict(t *testing.T) {
	c := newProtectionCache(10*time.Second, 8)
	now := time.Now()
	c.store(protectionVerdict{pid: 1, createdAt: now, decidedAt: now})
	c.evict(1)
	if _, ok := c.lookup(1, now, now); ok {
		t.Error("evicted entry should not be found")
	}
}
