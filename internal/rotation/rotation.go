package rotation

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"content-pipeline/internal/models"
)

// Queue is the Redis-backed candidate rotation. The pool is a sorted set scored
// by last processed time (ms, 0 = never), a hash of insertion sequence numbers
// breaks ties, and a cycle hash records which candidates were already handed
// out in the current pass. Claims run inside a Lua script so concurrent
// schedulers never receive the same candidate.
type Queue struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// New builds a rotation queue under the given key prefix.
func New(client *redis.Client, prefix string) *Queue {
	if prefix == "" {
		prefix = "pipeline:rotation"
	}
	return &Queue{client: client, prefix: prefix, now: time.Now}
}

func (q *Queue) poolKey() string   { return q.prefix + ":pool" }
func (q *Queue) seqKey() string    { return q.prefix + ":seq" }
func (q *Queue) seqCtrKey() string { return q.prefix + ":seqctr" }
func (q *Queue) cycleKey() string  { return q.prefix + ":cycle" }
func (q *Queue) metaPrefix() string {
	return q.prefix + ":meta:"
}

// SyncPool reconciles the pool with the eligible candidate list: new ones are
// appended, missing ones are dropped along with their cycle marker. Running it
// twice with the same list changes nothing.
func (q *Queue) SyncPool(ctx context.Context, eligible []models.CandidateRef) (models.SyncResult, error) {
	args := make([]interface{}, 0, 2+len(eligible)*6)
	args = append(args, q.now().UnixMilli(), q.metaPrefix())
	seen := make(map[string]struct{}, len(eligible))
	for _, c := range eligible {
		if c.ID == "" {
			continue
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		args = append(args, c.ID, c.Kind, c.Title, c.Summary, c.ImageURL, c.SourceURL)
	}
	res, err := syncScript.Run(ctx, q.client, []string{q.poolKey(), q.seqKey(), q.cycleKey(), q.seqCtrKey()}, args...).Int64Slice()
	if err != nil {
		return models.SyncResult{}, fmt.Errorf("sync pool: %w", err)
	}
	if len(res) != 3 {
		return models.SyncResult{}, fmt.Errorf("sync pool: unexpected reply %v", res)
	}
	return models.SyncResult{Added: int(res[0]), Removed: int(res[1]), Total: int(res[2])}, nil
}

// Next claims the least recently processed candidate not yet used in the
// current cycle. It returns models.ErrEmpty when none is left.
func (q *Queue) Next(ctx context.Context) (models.CandidateEntry, error) {
	id, err := nextScript.Run(ctx, q.client, []string{q.poolKey(), q.seqKey(), q.cycleKey()}, q.now().UnixMilli(), q.metaPrefix()).Text()
	if err == redis.Nil {
		return models.CandidateEntry{}, models.ErrEmpty
	}
	if err != nil {
		return models.CandidateEntry{}, fmt.Errorf("claim next candidate: %w", err)
	}
	entries, err := q.load(ctx, []string{id})
	if err != nil {
		return models.CandidateEntry{}, err
	}
	return entries[0], nil
}

// Release hands a claimed candidate back to the current cycle and restores its
// previous last processed time. Releasing a candidate that is not claimed is a
// no-op.
func (q *Queue) Release(ctx context.Context, id string) error {
	if err := releaseScript.Run(ctx, q.client, []string{q.poolKey(), q.cycleKey()}, id, q.metaPrefix()).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release candidate %s: %w", id, err)
	}
	return nil
}

// ResetCycle starts a new pass once every pooled candidate has been used in the
// current one, returning how many candidates are eligible again. It returns 0
// and leaves the cycle alone while unused candidates remain.
func (q *Queue) ResetCycle(ctx context.Context) (int, error) {
	n, err := resetScript.Run(ctx, q.client, []string{q.poolKey(), q.cycleKey()}).Int()
	if err != nil {
		return 0, fmt.Errorf("reset cycle: %w", err)
	}
	return n, nil
}

// List returns every pooled candidate in selection order.
func (q *Queue) List(ctx context.Context) ([]models.CandidateEntry, error) {
	ids, err := q.client.ZRange(ctx, q.poolKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list pool: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return q.load(ctx, ids)
}

type ranked struct {
	entry models.CandidateEntry
	seq   int64
}

func (q *Queue) load(ctx context.Context, ids []string) ([]models.CandidateEntry, error) {
	pipe := q.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, len(ids))
	seqs := make([]*redis.StringCmd, len(ids))
	positions := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		metas[i] = pipe.HGetAll(ctx, q.metaPrefix()+id)
		seqs[i] = pipe.HGet(ctx, q.seqKey(), id)
		positions[i] = pipe.HGet(ctx, q.cycleKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}

	out := make([]ranked, 0, len(ids))
	for i, id := range ids {
		m := metas[i].Val()
		e := models.CandidateEntry{
			Ref: models.CandidateRef{
				ID:        id,
				Kind:      m["kind"],
				Title:     m["title"],
				Summary:   m["summary"],
				ImageURL:  m["image_url"],
				SourceURL: m["source_url"],
			},
			TimesProcessed:  atoi(m["times"]),
			LastProcessedAt: fromMillis(m["last_ms"]),
			AddedAt:         fromMillis(m["added_ms"]),
			CyclePosition:   atoi(positions[i].Val()),
		}
		seq, _ := strconv.ParseInt(seqs[i].Val(), 10, 64)
		out = append(out, ranked{entry: e, seq: seq})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.entry.LastProcessedAt.Equal(b.entry.LastProcessedAt) {
			return a.entry.LastProcessedAt.Before(b.entry.LastProcessedAt)
		}
		return a.seq < b.seq
	})
	entries := make([]models.CandidateEntry, len(out))
	for i, r := range out {
		entries[i] = r.entry
	}
	return entries, nil
}

func atoi(v string) int {
	n, _ := strconv.Atoi(v)
	return n
}

func fromMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// KEYS: pool, seq, cycle, seqctr. ARGV: now, meta prefix, then
// (id, kind, title, summary, image_url, source_url) per candidate.
var syncScript = redis.NewScript(`
local pool, seq, cycle, ctr = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local now = ARGV[1]
local prefix = ARGV[2]
local keep = {}
local added = 0
for i = 3, #ARGV, 6 do
  local id = ARGV[i]
  keep[id] = true
  local meta = prefix .. id
  if not redis.call('ZSCORE', pool, id) then
    redis.call('ZADD', pool, 0, id)
    redis.call('HSET', seq, id, redis.call('INCR', ctr))
    redis.call('HSET', meta, 'added_ms', now, 'times', 0, 'last_ms', 0)
    added = added + 1
  end
  redis.call('HSET', meta, 'kind', ARGV[i+1], 'title', ARGV[i+2], 'summary', ARGV[i+3], 'image_url', ARGV[i+4], 'source_url', ARGV[i+5])
end
local removed = 0
for _, id in ipairs(redis.call('ZRANGE', pool, 0, -1)) do
  if not keep[id] then
    redis.call('ZREM', pool, id)
    redis.call('HDEL', seq, id)
    redis.call('HDEL', cycle, id)
    redis.call('DEL', prefix .. id)
    removed = removed + 1
  end
end
return {added, removed, redis.call('ZCARD', pool)}
`)

// KEYS: pool, seq, cycle. ARGV: now, meta prefix.
var nextScript = redis.NewScript(`
local pool, seq, cycle = KEYS[1], KEYS[2], KEYS[3]
local members = redis.call('ZRANGE', pool, 0, -1, 'WITHSCORES')
local best, bestScore, bestSeq, bestRaw
for i = 1, #members, 2 do
  local id = members[i]
  if redis.call('HEXISTS', cycle, id) == 0 then
    local score = tonumber(members[i+1])
    local s = tonumber(redis.call('HGET', seq, id) or '0')
    if best == nil or score < bestScore or (score == bestScore and s < bestSeq) then
      best, bestScore, bestSeq, bestRaw = id, score, s, members[i+1]
    end
  end
end
if best == nil then
  return false
end
redis.call('HSET', cycle, best, redis.call('HLEN', cycle) + 1)
redis.call('ZADD', pool, ARGV[1], best)
local meta = ARGV[2] .. best
redis.call('HINCRBY', meta, 'times', 1)
redis.call('HSET', meta, 'last_ms', ARGV[1], 'prev_ms', bestRaw)
return best
`)

// KEYS: pool, cycle. ARGV: id, meta prefix.
var releaseScript = redis.NewScript(`
local pool, cycle = KEYS[1], KEYS[2]
local id = ARGV[1]
if not redis.call('ZSCORE', pool, id) or redis.call('HDEL', cycle, id) == 0 then
  return 0
end
local meta = ARGV[2] .. id
local prev = redis.call('HGET', meta, 'prev_ms') or '0'
redis.call('ZADD', pool, prev, id)
redis.call('HSET', meta, 'last_ms', prev)
redis.call('HDEL', meta, 'prev_ms')
if tonumber(redis.call('HGET', meta, 'times') or '0') > 0 then
  redis.call('HINCRBY', meta, 'times', -1)
end
return 1
`)

// KEYS: pool, cycle.
var resetScript = redis.NewScript(`
local pool, cycle = KEYS[1], KEYS[2]
local total = redis.call('ZCARD', pool)
if total == 0 then
  return 0
end
local used = 0
for _, id in ipairs(redis.call('HKEYS', cycle)) do
  if redis.call('ZSCORE', pool, id) then
    used = used + 1
  else
    redis.call('HDEL', cycle, id)
  end
end
if used < total then
  return 0
end
redis.call('DEL', cycle)
return total
`)
