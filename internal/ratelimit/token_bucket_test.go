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
	fixed := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bucket.now = func() time.Time { return fixed }

	for i, wantRemaining := range []float64{1, 0} {
		d, err := bucket.Take(ctx, AdvanceKey)
		if err != nil || !d.Allowed {
			t.Fatalf("take %d: expected allowed, got %+v err=%v", i, d, err)
		}
		if d.Remaining != wantRemaining {
			t.Fatalf("take %d: expected %.0f remaining, got %v", i, wantRemaining, d.Remaining)
		}
	}
	if d, _ := bucket.Take(ctx, AdvanceKey); d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
}

func TestTokenBucketRefillAndRetryHint(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clock := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bucket := NewTokenBucket(client, 1, 0.5, time.Minute)
	bucket.now = func() time.Time { return clock }

	if d, err := bucket.Take(ctx, "k"); err != nil || !d.Allowed {
		t.Fatalf("first take: %+v err=%v", d, err)
	}
	d, err := bucket.Take(ctx, "k")
	if err != nil || d.Allowed {
		t.Fatalf("second take should be limited: %+v err=%v", d, err)
	}
	if d.RetryAfter != 2*time.Second {
		t.Fatalf("expected 2s retry hint, got %s", d.RetryAfter)
	}

	// the clock is passed into the script, so advancing it refills the bucket
	clock = clock.Add(2 * time.Second)
	if d, err := bucket.Take(ctx, "k"); err != nil || !d.Allowed {
		t.Fatalf("take after refill: %+v err=%v", d, err)
	}
}
