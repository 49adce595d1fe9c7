package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"content-pipeline/internal/config"
	"content-pipeline/internal/models"
	"content-pipeline/internal/pipeline"
	"content-pipeline/internal/queue"
)

type recordingRunner struct {
	mu    sync.Mutex
	tasks []models.StartTask
	err   error
}

func (r *recordingRunner) RunStart(_ context.Context, task models.StartTask) (pipeline.StartResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	if r.err != nil {
		return "", r.err
	}
	return pipeline.StartDispatched, nil
}

func newTestProcessor(t *testing.T, runner StartRunner, maxAttempts int) (*Processor, *queue.RedisQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := queue.NewRedisQueue(client, "test:tasks", time.Minute)
	cfg := config.Config{
		MaxAttempts:        maxAttempts,
		BackoffInitial:     time.Second,
		BackoffMax:         time.Minute,
		ScheduledBatchSize: 10,
	}
	return NewProcessor(cfg, q, runner, nil, "test-worker"), q
}

func TestTickRunsAndAcksTask(t *testing.T) {
	ctx := context.Background()
	runner := &recordingRunner{}
	p, q := newTestProcessor(t, runner, 3)

	task := models.StartTask{WorkItemID: "item-1", Step: models.StepGeneration}
	if _, err := q.Enqueue(ctx, task, time.Time{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	worked, err := p.Tick(ctx)
	if err != nil || !worked {
		t.Fatalf("tick: worked=%v err=%v", worked, err)
	}
	if len(runner.tasks) != 1 || runner.tasks[0] != task {
		t.Fatalf("unexpected runs %+v", runner.tasks)
	}
	if _, _, err := q.Get(ctx, task.ID()); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("task should be acked, got %v", err)
	}
	worked, err = p.Tick(ctx)
	if err != nil || worked {
		t.Fatalf("empty queue: worked=%v err=%v", worked, err)
	}
}

func TestTickReschedulesFailedTask(t *testing.T) {
	ctx := context.Background()
	runner := &recordingRunner{err: errors.New("postgres down")}
	p, q := newTestProcessor(t, runner, 3)

	task := models.StartTask{WorkItemID: "item-1", Step: models.StepCaptioning, Attempt: 1}
	if _, err := q.Enqueue(ctx, task, time.Time{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := p.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	_, scheduled, inflight, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if scheduled != 1 || inflight != 0 {
		t.Fatalf("expected task rescheduled, scheduled=%d inflight=%d", scheduled, inflight)
	}
	if _, attempts, err := q.Get(ctx, task.ID()); err != nil || attempts != 1 {
		t.Fatalf("expected one recorded attempt, got %d (%v)", attempts, err)
	}
}

func TestTickAbandonsTaskAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	runner := &recordingRunner{err: errors.New("postgres down")}
	p, q := newTestProcessor(t, runner, 1)

	task := models.StartTask{WorkItemID: "item-1", Step: models.StepPublishing}
	if _, err := q.Enqueue(ctx, task, time.Time{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := p.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	ready, scheduled, inflight, _ := q.Depth(ctx)
	if ready+scheduled+inflight != 0 {
		t.Fatalf("task should be dropped, depth=%d/%d/%d", ready, scheduled, inflight)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	p, _ := newTestProcessor(t, &recordingRunner{}, 3)
	p.cfg.WorkerPollInterval = 10 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

type slowRunner struct {
	q        *queue.RedisQueue
	wait     time.Duration
	reclaimed []string
}

func (r *slowRunner) RunStart(ctx context.Context, _ models.StartTask) (pipeline.StartResult, error) {
	time.Sleep(r.wait)
	ids, err := r.q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil {
		return "", err
	}
	r.reclaimed = ids
	return pipeline.StartDispatched, nil
}

func TestTickKeepsLeaseDuringSlowStart(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	visibility := 400 * time.Millisecond
	q := queue.NewRedisQueue(client, "test:tasks", visibility)
	runner := &slowRunner{q: q, wait: time.Second}
	p := NewProcessor(config.Config{MaxAttempts: 3, VisibilityTimeout: visibility, ScheduledBatchSize: 10}, q, runner, nil, "test-worker")

	if _, err := q.Enqueue(ctx, models.StartTask{WorkItemID: "item-1", Step: models.StepGeneration}, time.Time{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if worked, err := p.Tick(ctx); err != nil || !worked {
		t.Fatalf("tick: worked=%v err=%v", worked, err)
	}
	if len(runner.reclaimed) != 0 {
		t.Fatalf("lease expired during the start: %v", runner.reclaimed)
	}
}
