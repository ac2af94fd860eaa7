package cache

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLRUCacheBlobs(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(100)

	t.Run("RoundTrip", func(t *testing.T) {
		if err := c.Set(ctx, "tenant-001", "key1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("Set: %v", err)
		}
		got, err := c.Get(ctx, "tenant-001", "key1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !bytes.Equal(got, []byte("value1")) {
			t.Errorf("Get = %q, want value1", got)
		}
	})

	t.Run("MissIsNilNil", func(t *testing.T) {
		got, err := c.Get(ctx, "tenant-001", "never-set")
		if err != nil || got != nil {
			t.Errorf("Get on miss = (%q, %v), want (nil, nil)", got, err)
		}
	})

	t.Run("DeleteThenMiss", func(t *testing.T) {
		c.Set(ctx, "tenant-001", "doomed", []byte("x"), time.Minute)
		if err := c.Delete(ctx, "tenant-001", "doomed"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if got, _ := c.Get(ctx, "tenant-001", "doomed"); got != nil {
			t.Errorf("Get after delete = %q, want nil", got)
		}
	})

	t.Run("EntryExpires", func(t *testing.T) {
		c.Set(ctx, "tenant-001", "shortlived", []byte("x"), 10*time.Millisecond)
		if got, _ := c.Get(ctx, "tenant-001", "shortlived"); got == nil {
			t.Error("entry should be live immediately after Set")
		}
		time.Sleep(25 * time.Millisecond)
		if got, _ := c.Get(ctx, "tenant-001", "shortlived"); got != nil {
			t.Errorf("expired entry still returned: %q", got)
		}
	})

	t.Run("EvictsLeastRecentlyUsed", func(t *testing.T) {
		tiny := NewLRUCache(3)
		for _, k := range []string{"a", "b", "c"} {
			tiny.Set(ctx, "tenant-001", k, []byte(k), time.Minute)
		}
		tiny.Get(ctx, "tenant-001", "a") // refresh "a"
		tiny.Set(ctx, "tenant-001", "d", []byte("d"), time.Minute)

		if got, _ := tiny.Get(ctx, "tenant-001", "b"); got != nil {
			t.Error("least recently used entry b should have been evicted")
		}
		if got, _ := tiny.Get(ctx, "tenant-001", "a"); got == nil {
			t.Error("recently touched entry a should have survived")
		}
	})

	t.Run("TenantKeysDoNotCollide", func(t *testing.T) {
		c.Set(ctx, "tenant-a", "shared", []byte("for-a"), time.Minute)
		c.Set(ctx, "tenant-b", "shared", []byte("for-b"), time.Minute)

		gotA, _ := c.Get(ctx, "tenant-a", "shared")
		gotB, _ := c.Get(ctx, "tenant-b", "shared")
		if string(gotA) != "for-a" || string(gotB) != "for-b" {
			t.Errorf("tenant values crossed: a=%q b=%q", gotA, gotB)
		}
	})

	t.Run("EmptyTenantRejected", func(t *testing.T) {
		if err := c.Set(ctx, "", "k", []byte("v"), time.Minute); err == nil {
			t.Error("Set with empty tenant should fail")
		}
		if _, err := c.Get(ctx, "", "k"); err == nil {
			t.Error("Get with empty tenant should fail")
		}
		if _, err := c.IncrementCounter(ctx, "", "k", time.Minute); err == nil {
			t.Error("IncrementCounter with empty tenant should fail")
		}
		if _, err := c.AddVolume(ctx, "", "k", 1, time.Minute); err == nil {
			t.Error("AddVolume with empty tenant should fail")
		}
	})

	t.Run("StatsAndPing", func(t *testing.T) {
		fresh := NewLRUCache(50)
		fresh.Set(ctx, "tenant-001", "k1", []byte("v"), time.Minute)
		fresh.Set(ctx, "tenant-001", "k2", []byte("v"), time.Minute)

		if size, capacity := fresh.Stats(); size != 2 || capacity != 50 {
			t.Errorf("Stats = (%d, %d), want (2, 50)", size, capacity)
		}
		if err := fresh.Ping(ctx); err != nil {
			t.Errorf("Ping: %v", err)
		}
	})

	t.Run("CloseClears", func(t *testing.T) {
		fresh := NewLRUCache(10)
		fresh.Set(ctx, "tenant-001", "k", []byte("v"), time.Minute)
		if err := fresh.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if got, _ := fresh.Get(ctx, "tenant-001", "k"); got != nil {
			t.Error("cache should be empty after Close")
		}
	})
}

func TestLRUCacheWindows(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(100)
	window := 100 * time.Millisecond

	t.Run("CounterAccumulatesThenResets", func(t *testing.T) {
		for want := int64(1); want <= 3; want++ {
			got, err := c.IncrementCounter(ctx, "tenant-001", "tx-rate", window)
			if err != nil {
				t.Fatalf("IncrementCounter: %v", err)
			}
			if got != want {
				t.Errorf("count = %d, want %d", got, want)
			}
		}

		time.Sleep(window + 50*time.Millisecond)

		if got, _ := c.IncrementCounter(ctx, "tenant-001", "tx-rate", window); got != 1 {
			t.Errorf("count after window rollover = %d, want 1", got)
		}
	})

	t.Run("VolumeAccumulatesThenResets", func(t *testing.T) {
		if total, err := c.AddVolume(ctx, "tenant-001", "tx-volume", 250.50, window); err != nil || total != 250.50 {
			t.Fatalf("first AddVolume = (%v, %v), want 250.50", total, err)
		}
		if total, _ := c.AddVolume(ctx, "tenant-001", "tx-volume", 100, window); total != 350.50 {
			t.Errorf("running total = %v, want 350.50", total)
		}

		time.Sleep(window + 50*time.Millisecond)

		if total, _ := c.AddVolume(ctx, "tenant-001", "tx-volume", 50, window); total != 50 {
			t.Errorf("total after window rollover = %v, want 50", total)
		}
	})

	t.Run("CounterAndVolumeKeysIndependent", func(t *testing.T) {
		c.IncrementCounter(ctx, "tenant-001", "same-key", time.Minute)
		total, _ := c.AddVolume(ctx, "tenant-001", "same-key", 7, time.Minute)
		if total != 7 {
			t.Errorf("volume under a shared key name = %v, want 7", total)
		}
	})
}

func TestLRUCacheProfiles(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(100)

	stored := &domain.BehavioralProfile{
		UserID:            "user-001",
		AvgAmount:         1000.50,
		StdDevAmount:      120,
		TotalTransactions: 42,
		Established:       true,
	}
	if err := c.SetProfile(ctx, "tenant-001", "user-001", stored, time.Minute); err != nil {
		t.Fatalf("SetProfile: %v", err)
	}

	got, err := c.GetProfile(ctx, "tenant-001", "user-001")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got.UserID != stored.UserID || got.AvgAmount != stored.AvgAmount || !got.Established {
		t.Errorf("profile did not round-trip: %+v", got)
	}

	if miss, err := c.GetProfile(ctx, "tenant-001", "never-seen"); err != nil || miss != nil {
		t.Errorf("GetProfile on miss = (%v, %v), want (nil, nil)", miss, err)
	}
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		got, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		defer got.Close()

		if _, ok := got.(*LRUCache); !ok {
			t.Errorf("New(memory) = %T, want *LRUCache", got)
		}
	})

	t.Run("UnknownType", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unknown cache type")
		}
	})
}
