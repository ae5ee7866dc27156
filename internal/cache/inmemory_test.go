package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryCacheRoundTrip(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "coverage:AGR-1", []byte(`["NLRTM"]`), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := c.Get(ctx, "coverage:AGR-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `["NLRTM"]` {
		t.Fatalf("Get = %q", got)
	}
	ok, err := c.Exists(ctx, "coverage:AGR-1")
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
}

func TestInMemoryCacheMissing(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()

	if _, err := c.Get(context.Background(), "coverage:AGR-9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestInMemoryCacheTTLExpiry(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after expiry = %v, want ErrNotFound", err)
	}
	if ok, _ := c.Exists(ctx, "k"); ok {
		t.Fatal("Exists reported expired entry")
	}
}

func TestInMemoryCacheZeroTTLPersists(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := c.Get(ctx, "k"); err != nil {
		t.Fatalf("zero-TTL entry expired: %v", err)
	}
}

func TestInMemoryCacheDelete(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete missing key: %v", err)
	}
}

func TestInMemoryCacheGetReturnsCopy(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("abc"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got[0] = 'z'
	again, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(again) != "abc" {
		t.Fatalf("stored value mutated: %q", again)
	}
}

func TestInMemoryCacheSetAfterClose(t *testing.T) {
	c := NewInMemoryCache()
	c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set after close: %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after close = %v, want ErrNotFound", err)
	}
}
