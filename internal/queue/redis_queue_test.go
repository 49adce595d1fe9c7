package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"content-pipeline/internal/models"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, "test:tasks", time.Minute)
}

func TestEnqueueDedupesPendingTask(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	task := models.StartTask{WorkItemID: "item-1", Step: models.StepCaptioning, Attempt: 0}

	added, err := q.Enqueue(ctx, task, time.Time{})
	if err != nil || !added {
		t.Fatalf("first enqueue: added=%v err=%v", added, err)
	}
	added, err = q.Enqueue(ctx, task, time.Time{})
	if err != nil || added {
		t.Fatalf("second enqueue should be a no-op: added=%v err=%v", added, err)
	}
	ready, _, _, err := q.Depth(ctx)
	if err != nil || ready != 1 {
		t.Fatalf("expected one ready task, got %d err=%v", ready, err)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != task.ID() {
		t.Fatalf("dequeue: id=%q err=%v", id, err)
	}
	got, attempts, err := q.Get(ctx, id)
	if err != nil || got != task || attempts != 0 {
		t.Fatalf("get: %+v attempts=%d err=%v", got, attempts, err)
	}
	if err := q.Ack(ctx, id); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, _, err := q.Get(ctx, id); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected task gone after ack, got %v", err)
	}

	// a new attempt of the same step is a different task
	added, err = q.Enqueue(ctx, models.StartTask{WorkItemID: "item-1", Step: models.StepCaptioning, Attempt: 1}, time.Time{})
	if err != nil || !added {
		t.Fatalf("next attempt enqueue: added=%v err=%v", added, err)
	}
}

func TestEnqueueRequeuesOrphanedMarker(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	task := models.StartTask{WorkItemID: "item-1", Step: models.StepCaptioning}

	// a marker whose task id never reached any of the queue structures
	if err := q.client.HSet(ctx, q.metaKey(task.ID()), "task", "{}").Err(); err != nil {
		t.Fatalf("seed marker: %v", err)
	}
	added, err := q.Enqueue(ctx, task, time.Time{})
	if err != nil || !added {
		t.Fatalf("enqueue over orphaned marker: added=%v err=%v", added, err)
	}
	ready, scheduled, inflight, _ := q.Depth(ctx)
	if ready != 1 || scheduled != 0 || inflight != 0 {
		t.Fatalf("unexpected depth ready=%d scheduled=%d inflight=%d", ready, scheduled, inflight)
	}
	got, attempts, err := q.Get(ctx, task.ID())
	if err != nil || got != task || attempts != 0 {
		t.Fatalf("get: %+v attempts=%d err=%v", got, attempts, err)
	}

	// once queued again the id is deduped as usual, whether ready, leased or deferred
	if added, _ := q.Enqueue(ctx, task, time.Time{}); added {
		t.Fatal("ready task enqueued twice")
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if added, _ := q.Enqueue(ctx, task, time.Time{}); added {
		t.Fatal("leased task enqueued twice")
	}
	if err := q.Schedule(ctx, task.ID(), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if added, _ := q.Enqueue(ctx, task, time.Time{}); added {
		t.Fatal("deferred task enqueued twice")
	}
}

func TestScheduledTasksArePromoted(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	task := models.StartTask{WorkItemID: "item-2", Step: models.StepGeneration}
	runAt := time.Now().Add(time.Hour)

	if _, err := q.Enqueue(ctx, task, runAt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "" {
		t.Fatalf("deferred task must not be ready yet, got %s", id)
	}
	n, err := q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	if err != nil || n != 1 {
		t.Fatalf("promote: n=%d err=%v", n, err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != task.ID() {
		t.Fatalf("expected promoted task, got %q", id)
	}
}

func TestScheduleCountsAttemptsAndExpiredLeasesRequeue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	task := models.StartTask{WorkItemID: "item-3", Step: models.StepPublishing}
	if _, err := q.Enqueue(ctx, task, time.Time{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id, _ := q.DequeueWithLease(ctx)
	if err := q.Schedule(ctx, id, time.Now()); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, attempts, _ := q.Get(ctx, id); attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
	if _, err := q.PromoteScheduled(ctx, time.Now().Add(time.Second), 10); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if got, _ := q.DequeueWithLease(ctx); got != id {
		t.Fatalf("expected %s, got %s", id, got)
	}

	ids, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil || len(ids) != 1 || ids[0] != id {
		t.Fatalf("requeue expired: %v err=%v", ids, err)
	}
	ready, scheduled, inflight, _ := q.Depth(ctx)
	if ready != 1 || scheduled != 0 || inflight != 0 {
		t.Fatalf("unexpected depth ready=%d scheduled=%d inflight=%d", ready, scheduled, inflight)
	}

	if err := q.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ready, _, _, _ := q.Depth(ctx); ready != 0 {
		t.Fatalf("expected empty queue after cancel, got %d", ready)
	}
}
