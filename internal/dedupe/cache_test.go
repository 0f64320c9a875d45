package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestCache_DuplicateWithinTTL(t *testing.T) {
	c := New(10, time.Minute)

	if c.IsDuplicate("k1") {
		t.Fatal("unseen key should not be duplicate")
	}
	c.Record("k1")
	if !c.IsDuplicate("k1") {
		t.Fatal("recorded key should be duplicate within TTL")
	}
}

func TestCache_EmptyKeyNeverDuplicate(t *testing.T) {
	c := New(10, time.Minute)
	c.Record("")
	c.Record("   ")
	if c.IsDuplicate("") || c.IsDuplicate("   ") {
		t.Fatal("empty keys must never be duplicates")
	}
	if c.Len() != 0 {
		t.Fatalf("empty keys must not be stored, len=%d", c.Len())
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New(10, 50*time.Millisecond)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Record("k1")
	now = now.Add(49 * time.Millisecond)
	if !c.IsDuplicate("k1") {
		t.Fatal("key should still be duplicate just inside TTL")
	}
	now = now.Add(2 * time.Millisecond)
	if c.IsDuplicate("k1") {
		t.Fatal("expired key should not be duplicate")
	}
	// Lazy purge on probe removed the entry entirely.
	if c.Len() != 0 {
		t.Fatalf("expired key should be purged on probe, len=%d", c.Len())
	}
}

func TestCache_CapacityEvictsOldest(t *testing.T) {
	c := New(3, time.Minute)
	for i := 0; i < 3; i++ {
		c.Record(fmt.Sprintf("k%d", i))
	}
	c.Record("k3")
	if c.IsDuplicate("k0") {
		t.Fatal("oldest key should have been evicted at capacity")
	}
	for _, k := range []string{"k1", "k2", "k3"} {
		if !c.IsDuplicate(k) {
			t.Fatalf("key %s should survive eviction", k)
		}
	}
	if c.Len() != 3 {
		t.Fatalf("len = %d, want 3", c.Len())
	}
}

func TestCache_Sweep(t *testing.T) {
	c := New(10, 10*time.Millisecond)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Record("old1")
	c.Record("old2")
	now = now.Add(20 * time.Millisecond)
	c.Record("fresh")

	if removed := c.Sweep(); removed != 2 {
		t.Fatalf("sweep removed %d, want 2", removed)
	}
	if c.IsDuplicate("old1") || c.IsDuplicate("old2") {
		t.Fatal("swept keys should be gone")
	}
	if !c.IsDuplicate("fresh") {
		t.Fatal("fresh key should survive sweep")
	}
}

func TestCache_Concurrent(t *testing.T) {
	c := New(100, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", n%10)
			c.IsDuplicate(key)
			c.Record(key)
			c.IsDuplicate(key)
		}(i)
	}
	wg.Wait()
	if c.Len() != 10 {
		t.Fatalf("len = %d, want 10", c.Len())
	}
}
