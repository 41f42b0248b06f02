package health

import (
	"testing"
	"time"
)

func TestSampleCacheHonorsTTL(t *testing.T) {
	now := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	c := newSampleCache(func() time.Time { return now })

	c.setSize("p_202507", sizeSample{sizeMB: 10, rows: 100, at: now})
	if _, fresh := c.size("p_202507"); !fresh {
		t.Fatalf("expected a just-written sample to be fresh")
	}

	now = now.Add(cacheTTL + time.Second)
	if _, fresh := c.size("p_202507"); fresh {
		t.Fatalf("expected sample older than TTL to be stale")
	}
}

func TestSampleCacheExistsTTL(t *testing.T) {
	now := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	c := newSampleCache(func() time.Time { return now })

	c.setExists("p_202507", true)
	if exists, fresh := c.exists("p_202507"); !fresh || !exists {
		t.Fatalf("expected fresh cached existence of true")
	}

	now = now.Add(cacheTTL * 2)
	if _, fresh := c.exists("p_202507"); fresh {
		t.Fatalf("expected existence cache to expire after TTL")
	}
}

func TestSampleCacheSnapshotIsACopy(t *testing.T) {
	now := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	c := newSampleCache(func() time.Time { return now })
	c.setSize("p_202507", sizeSample{sizeMB: 5, rows: 1})

	snap := c.snapshot()
	snap["p_202507"] = sizeSample{sizeMB: 999}

	if got, _ := c.size("p_202507"); got.sizeMB != 5 {
		t.Fatalf("mutating the snapshot affected the cache: got %v", got.sizeMB)
	}
}
