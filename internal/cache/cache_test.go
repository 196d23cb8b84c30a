package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/mcastellin/fleetwarden/internal/cloud"
)

func key(n int) string {
	return fmt.Sprintf("inst-%d", n)
}

func TestCacheEvictsAtMaxItems(t *testing.T) {
	maxItems := 10
	c := New(maxItems, time.Second)

	for i := 0; i < 10000; i++ {
		c.Put(key(i), cloud.Instance{ID: key(i)})
	}

	if len(c.items) != maxItems {
		t.Fatalf("expected cache to hold exactly %d items, got %d", maxItems, len(c.items))
	}
}

func TestCacheExpiresEntries(t *testing.T) {
	c := New(10, time.Millisecond)
	c.Put("a", cloud.Instance{ID: "a"})

	time.Sleep(5 * time.Millisecond)

	if _, ok := c.Get("a"); ok {
		t.Fatal("expected entry to have expired")
	}
}

func TestCacheGetMiss(t *testing.T) {
	c := New(10, time.Second)
	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected miss for absent key")
	}
}
