package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"content-pipeline/internal/models"
)

// RedisQueue coordinates ready, in-flight, and scheduled start tasks in Redis.
// Task ids are deterministic, so a task that is already pending is never
// queued a second time.
type RedisQueue struct {
	client         *redis.Client
	readyKey       string
	inflightKey    string
	scheduledKey   string
	taskMetaPrefix string
	visibilityTTL  time.Duration
}

// NewRedisQueue builds a queue on an existing client.
func NewRedisQueue(client *redis.Client, prefix string, visibility time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = "pipeline:tasks"
	}
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:         client,
		readyKey:       prefix + ":ready",
		inflightKey:    prefix + ":inflight",
		scheduledKey:   prefix + ":scheduled",
		taskMetaPrefix: prefix + ":meta:",
		visibilityTTL:  visibility,
	}
}

func (q *RedisQueue) metaKey(taskID string) string {
	return q.taskMetaPrefix + taskID
}

// Enqueue adds a start task, ready now or deferred until runAt. It reports
// false when the same task is already pending. The dedupe marker and the push
// happen in one script; a marker left without a queued id is re-queued.
func (q *RedisQueue) Enqueue(ctx context.Context, task models.StartTask, runAt time.Time) (bool, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("marshal task: %w", err)
	}
	id := task.ID()
	var runAtMs int64
	if runAt.After(time.Now()) {
		runAtMs = runAt.UnixMilli()
	}
	added, err := enqueueScript.Run(ctx, q.client,
		[]string{q.metaKey(id), q.readyKey, q.scheduledKey, q.inflightKey},
		id, body, runAtMs,
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", id, err)
	}
	return added == 1, nil
}

// Schedule moves a leased task back into the scheduled set for a later run and
// counts the failed attempt.
func (q *RedisQueue) Schedule(ctx context.Context, taskID string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, taskID)
	pipe.HIncrBy(ctx, q.metaKey(taskID), "attempts", 1)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: taskID})
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns the task body and how many times it has been rescheduled.
func (q *RedisQueue) Get(ctx context.Context, taskID string) (models.StartTask, int, error) {
	vals, err := q.client.HMGet(ctx, q.metaKey(taskID), "task", "attempts").Result()
	if err != nil {
		return models.StartTask{}, 0, err
	}
	raw, ok := vals[0].(string)
	if !ok || raw == "" {
		return models.StartTask{}, 0, fmt.Errorf("task %s: %w", taskID, models.ErrNotFound)
	}
	var task models.StartTask
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return models.StartTask{}, 0, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	attempts := 0
	if s, ok := vals[1].(string); ok {
		attempts, _ = strconv.Atoi(s)
	}
	return task, attempts, nil
}

// PromoteScheduled moves due scheduled tasks into the ready list. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a task id and places it into in-flight with a visibility timeout.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	taskID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return taskID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *RedisQueue) ExtendLease(ctx context.Context, taskID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: taskID,
	}).Err()
}

// Ack removes a task from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, taskID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, taskID)
	pipe.Del(ctx, q.metaKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes a task from ready, scheduled, and in-flight sets.
func (q *RedisQueue) Cancel(ctx context.Context, taskID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, taskID)
	pipe.ZRem(ctx, q.inflightKey, taskID)
	pipe.ZRem(ctx, q.scheduledKey, taskID)
	pipe.Del(ctx, q.metaKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// Depth returns the ready, scheduled and in-flight counts.
func (q *RedisQueue) Depth(ctx context.Context) (ready, scheduled, inflight int64, err error) {
	pipe := q.client.Pipeline()
	r := pipe.LLen(ctx, q.readyKey)
	s := pipe.ZCard(ctx, q.scheduledKey)
	f := pipe.ZCard(ctx, q.inflightKey)
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, 0, err
	}
	return r.Val(), s.Val(), f.Val(), nil
}

var enqueueScript = redis.NewScript(`
local id = ARGV[1]
if redis.call('HSETNX', KEYS[1], 'task', ARGV[2]) == 0 then
  if redis.call('ZSCORE', KEYS[4], id) or redis.call('ZSCORE', KEYS[3], id) or redis.call('LPOS', KEYS[2], id) then
    return 0
  end
  redis.call('HSET', KEYS[1], 'task', ARGV[2])
end
redis.call('HSET', KEYS[1], 'attempts', 0)
local runAt = tonumber(ARGV[3])
if runAt > 0 then
  redis.call('ZADD', KEYS[3], runAt, id)
else
  redis.call('RPUSH', KEYS[2], id)
end
return 1
`)

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
