package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	for i := 0; i < 2; i++ {
		allowed, _, err := bucket.Allow(ctx, "tenant-a")
		if err != nil || !allowed {
			t.Fatalf("token %d: allowed=%v err=%v", i+1, allowed, err)
		}
	}

	allowed, retryAfter, err := bucket.Allow(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatal("expected third request to be rejected")
	}
	if retryAfter <= 0 {
		t.Errorf("retryAfter = %s, want a positive wait hint", retryAfter)
	}

	// Other keys have their own bucket.
	if allowed, _, _ := bucket.Allow(ctx, "tenant-b"); !allowed {
		t.Error("separate tenant must not share a bucket")
	}

	// Refill cannot be exercised with miniredis.FastForward because the
	// script takes its clock from Go, not Redis.
}
