package rotation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"content-pipeline/internal/models"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	q := New(client, "test:rotation")
	q.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return q
}

func refs(ids ...string) []models.CandidateRef {
	out := make([]models.CandidateRef, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.CandidateRef{ID: id, Kind: "article", Title: "title " + id})
	}
	return out
}

func TestCycleFairness(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	res, err := q.SyncPool(ctx, refs("A", "B", "C"))
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Added != 3 || res.Removed != 0 || res.Total != 3 {
		t.Fatalf("unexpected sync result %+v", res)
	}

	var last time.Time
	for i, want := range []string{"A", "B", "C"} {
		e, err := q.Next(ctx)
		if err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
		if e.Ref.ID != want {
			t.Fatalf("next %d: got %s want %s", i, e.Ref.ID, want)
		}
		if e.Ref.Title != "title "+want || e.TimesProcessed != 1 || e.CyclePosition != i+1 {
			t.Fatalf("unexpected entry %+v", e)
		}
		if e.LastProcessedAt.Before(last) {
			t.Fatalf("lastProcessedAt went backwards")
		}
		last = e.LastProcessedAt
	}
	if _, err := q.Next(ctx); !errors.Is(err, models.ErrEmpty) {
		t.Fatalf("expected empty after full cycle, got %v", err)
	}

	n, err := q.ResetCycle(ctx)
	if err != nil || n != 3 {
		t.Fatalf("reset: n=%d err=%v", n, err)
	}
	e, err := q.Next(ctx)
	if err != nil || e.Ref.ID != "A" || e.TimesProcessed != 2 {
		t.Fatalf("after reset expected A again, got %+v err=%v", e, err)
	}
}

func TestNextPrefersOldestThenInsertionOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	if _, err := q.SyncPool(ctx, refs("C", "A", "D", "B")); err != nil {
		t.Fatalf("sync: %v", err)
	}
	for id, ms := range map[string]int64{"C": 3000, "A": 2000, "D": 1000, "B": 1000} {
		if err := q.client.ZAdd(ctx, q.poolKey(), redis.Z{Score: float64(ms), Member: id}).Err(); err != nil {
			t.Fatalf("seed score: %v", err)
		}
		if err := q.client.HSet(ctx, q.metaPrefix()+id, "last_ms", ms).Err(); err != nil {
			t.Fatalf("seed meta: %v", err)
		}
	}

	want := []string{"D", "B", "A", "C"}
	list, err := q.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i, e := range list {
		if e.Ref.ID != want[i] {
			t.Fatalf("list position %d: got %s want %s", i, e.Ref.ID, want[i])
		}
	}
	for i, id := range want {
		e, err := q.Next(ctx)
		if err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
		if e.Ref.ID != id {
			t.Fatalf("next %d: got %s want %s", i, e.Ref.ID, id)
		}
	}
}

func TestReleaseReturnsCandidateToCycle(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	if _, err := q.SyncPool(ctx, refs("A", "B")); err != nil {
		t.Fatalf("sync: %v", err)
	}
	e, err := q.Next(ctx)
	if err != nil || e.Ref.ID != "A" {
		t.Fatalf("expected A, got %+v err=%v", e, err)
	}
	if err := q.Release(ctx, "A"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := q.Release(ctx, "B"); err != nil {
		t.Fatalf("release unclaimed: %v", err)
	}

	e, err = q.Next(ctx)
	if err != nil || e.Ref.ID != "A" {
		t.Fatalf("expected A again, got %+v err=%v", e, err)
	}
	if e.TimesProcessed != 1 || e.CyclePosition != 1 {
		t.Fatalf("release should undo the first claim, got %+v", e)
	}
	if e, err := q.Next(ctx); err != nil || e.Ref.ID != "B" {
		t.Fatalf("expected B, got %+v err=%v", e, err)
	}
	if _, err := q.Next(ctx); !errors.Is(err, models.ErrEmpty) {
		t.Fatalf("expected empty, got %v", err)
	}
}

func TestResetCycleRefusesWhileCandidatesRemain(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	if _, err := q.SyncPool(ctx, refs("A", "B")); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, err := q.Next(ctx); err != nil {
		t.Fatalf("next: %v", err)
	}
	n, err := q.ResetCycle(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected no reset mid-cycle, got n=%d err=%v", n, err)
	}
	e, err := q.Next(ctx)
	if err != nil || e.Ref.ID != "B" {
		t.Fatalf("expected B, got %+v err=%v", e, err)
	}
}

func TestResetCycleOnEmptyPool(t *testing.T) {
	q := newTestQueue(t)
	n, err := q.ResetCycle(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected 0 on empty pool, got n=%d err=%v", n, err)
	}
	if _, err := q.Next(context.Background()); !errors.Is(err, models.ErrEmpty) {
		t.Fatalf("expected empty, got %v", err)
	}
}

func TestRemovedCandidateIsSkipped(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	if _, err := q.SyncPool(ctx, refs("A", "B", "C")); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if e, _ := q.Next(ctx); e.Ref.ID != "A" {
		t.Fatalf("expected A, got %s", e.Ref.ID)
	}

	res, err := q.SyncPool(ctx, refs("A", "C"))
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if res.Added != 0 || res.Removed != 1 || res.Total != 2 {
		t.Fatalf("unexpected sync result %+v", res)
	}
	if e, err := q.Next(ctx); err != nil || e.Ref.ID != "C" {
		t.Fatalf("expected C, got %+v err=%v", e, err)
	}
	if _, err := q.Next(ctx); !errors.Is(err, models.ErrEmpty) {
		t.Fatalf("expected empty, got %v", err)
	}
	if n, _ := q.ResetCycle(ctx); n != 2 {
		t.Fatalf("expected 2 eligible after reset, got %d", n)
	}
}

func TestSyncPoolIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	if _, err := q.SyncPool(ctx, refs("A", "B")); err != nil {
		t.Fatalf("sync: %v", err)
	}
	res, err := q.SyncPool(ctx, refs("A", "B", "B"))
	if err != nil {
		t.Fatalf("sync again: %v", err)
	}
	if res.Added != 0 || res.Removed != 0 || res.Total != 2 {
		t.Fatalf("second sync changed the pool: %+v", res)
	}
	list, err := q.List(ctx)
	if err != nil || len(list) != 2 || list[0].Ref.ID != "A" {
		t.Fatalf("unexpected list %+v err=%v", list, err)
	}
}

func TestConcurrentNextSingleWinner(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	q.now = time.Now
	ids := []string{"c1", "c2", "c3", "c4", "c5", "c6", "c7", "c8"}
	if _, err := q.SyncPool(ctx, refs(ids...)); err != nil {
		t.Fatalf("sync: %v", err)
	}

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		got   = map[string]int{}
		empty int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := q.Next(ctx)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, models.ErrEmpty) {
				empty++
				return
			}
			if err != nil {
				t.Errorf("next: %v", err)
				return
			}
			got[e.Ref.ID]++
		}()
	}
	wg.Wait()

	if len(got) != len(ids) || empty != 20-len(ids) {
		t.Fatalf("expected each candidate once, got %v (empty=%d)", got, empty)
	}
	for id, n := range got {
		if n != 1 {
			t.Fatalf("candidate %s claimed %d times", id, n)
		}
	}
}
