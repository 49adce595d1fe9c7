package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"content-pipeline/internal/drivers"
	"content-pipeline/internal/models"
	"content-pipeline/internal/queue"
	"content-pipeline/internal/rotation"
)

// memStore mirrors the compare-and-set semantics of the Postgres store.
type memStore struct {
	mu          sync.Mutex
	now         func() time.Time
	seq         int
	items       map[string]models.WorkItem
	handles     map[string]models.JobHandle
	checkpoints map[string]models.Checkpoint
	dlq         map[string]models.DeadLetter
	audit       []string
	candidates  []models.CandidateRef
	createErr   error
	auditErr    error
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{
		now:         now,
		items:       map[string]models.WorkItem{},
		handles:     map[string]models.JobHandle{},
		checkpoints: map[string]models.Checkpoint{},
		dlq:         map[string]models.DeadLetter{},
	}
}

func (s *memStore) CreateItem(_ context.Context, ref models.CandidateRef, maxRetries int) (models.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.createErr; err != nil {
		s.createErr = nil
		return models.WorkItem{}, err
	}
	for _, it := range s.items {
		if it.CandidateID == ref.ID && !it.Stage.IsTerminal() {
			return models.WorkItem{}, models.ErrDuplicateActiveItem
		}
	}
	s.seq++
	now := s.now()
	item := models.WorkItem{
		ID:                 fmt.Sprintf("item-%d", s.seq),
		CandidateID:        ref.ID,
		Stage:              models.StageQueued,
		Payload:            models.Payload{Source: ref},
		ExternalJobHandles: map[string]string{},
		MaxRetries:         maxRetries,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	s.items[item.ID] = item
	s.audit = append(s.audit, item.ID+":created")
	return item, nil
}

func (s *memStore) GetItem(_ context.Context, id string) (models.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return models.WorkItem{}, fmt.Errorf("work item %s: %w", id, models.ErrNotFound)
	}
	return cloneItem(item), nil
}

func (s *memStore) ListItems(_ context.Context, stage models.Stage, limit int) ([]models.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.WorkItem
	for _, it := range s.items {
		if stage == "" || it.Stage == stage {
			out = append(out, cloneItem(it))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) Transition(_ context.Context, id string, from, to models.Stage, patch models.PayloadPatch) (models.WorkItem, error) {
	if err := models.CanTransition(from, to); err != nil {
		return models.WorkItem{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return models.WorkItem{}, models.ErrNotFound
	}
	if item.Stage != from {
		return models.WorkItem{}, fmt.Errorf("%s is %s: %w", id, item.Stage, models.ErrStaleTransition)
	}
	item.Stage = to
	item.Payload = item.Payload.Apply(patch)
	if to != models.StageFailed && !to.IsProcessing() {
		item.RetryCount = 0
	}
	if to != models.StageFailed {
		item.LastError = nil
	}
	item.StartClaimedAt = nil
	item.UpdatedAt = s.now()
	s.items[id] = item
	s.audit = append(s.audit, fmt.Sprintf("%s:transitioned:%s->%s", id, from, to))
	return cloneItem(item), nil
}

func (s *memStore) RetryStage(_ context.Context, id string, stage models.Stage, expectedRetries int, reason string) (models.WorkItem, error) {
	step, ok := models.StepForStage(stage)
	if !ok || !stage.IsProcessing() {
		return models.WorkItem{}, models.ErrInvalidTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return models.WorkItem{}, models.ErrNotFound
	}
	if item.Stage != stage || item.RetryCount != expectedRetries {
		return models.WorkItem{}, models.ErrStaleTransition
	}
	item.RetryCount++
	item.LastError = &reason
	handles := map[string]string{}
	for k, v := range item.ExternalJobHandles {
		if k != step.String() {
			handles[k] = v
		}
	}
	item.ExternalJobHandles = handles
	item.StartClaimedAt = nil
	item.UpdatedAt = s.now()
	s.items[id] = item
	return cloneItem(item), nil
}

func (s *memStore) MarkFailed(_ context.Context, id, reason string) (models.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return models.WorkItem{}, models.ErrNotFound
	}
	switch item.Stage {
	case models.StageFailed:
		return cloneItem(item), nil
	case models.StageCompleted:
		return models.WorkItem{}, models.ErrStaleTransition
	}
	item.Stage = models.StageFailed
	item.LastError = &reason
	item.StartClaimedAt = nil
	item.UpdatedAt = s.now()
	s.items[id] = item
	return cloneItem(item), nil
}

func (s *memStore) ForceFail(_ context.Context, id string, expected models.Stage, reason string) (models.WorkItem, error) {
	if err := models.CanTransition(expected, models.StageFailed); err != nil {
		return models.WorkItem{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return models.WorkItem{}, models.ErrNotFound
	}
	if item.Stage != expected {
		return models.WorkItem{}, models.ErrStaleTransition
	}
	item.Stage = models.StageFailed
	item.LastError = &reason
	item.UpdatedAt = s.now()
	s.items[id] = item
	return cloneItem(item), nil
}

func (s *memStore) ClaimStart(_ context.Context, id string, step models.Step, attempt int, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok || item.Stage != step.ProcessingStage() || item.RetryCount != attempt {
		return false, nil
	}
	if _, has := item.ExternalJobHandles[step.String()]; has {
		return false, nil
	}
	now := s.now()
	if item.StartClaimedAt != nil && item.StartClaimedAt.After(now.Add(-lease)) {
		return false, nil
	}
	item.StartClaimedAt = &now
	s.items[id] = item
	return true, nil
}

func (s *memStore) indexHandle(h models.JobHandle) {
	key := h.Vendor + "/" + h.Handle
	if _, ok := s.handles[key]; !ok {
		h.CreatedAt = s.now()
		s.handles[key] = h
	}
}

func (s *memStore) RecordHandle(_ context.Context, h models.JobHandle, patch models.PayloadPatch) (models.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexHandle(h)
	item, ok := s.items[h.WorkItemID]
	if !ok {
		return models.WorkItem{}, models.ErrNotFound
	}
	if item.Stage != h.Step.ProcessingStage() || item.RetryCount != h.Attempt {
		return models.WorkItem{}, models.ErrStaleTransition
	}
	handles := map[string]string{}
	for k, v := range item.ExternalJobHandles {
		handles[k] = v
	}
	handles[h.Step.String()] = h.Handle
	item.ExternalJobHandles = handles
	item.Payload = item.Payload.Apply(patch)
	item.StartClaimedAt = nil
	item.UpdatedAt = s.now()
	s.items[item.ID] = item
	return cloneItem(item), nil
}

func (s *memStore) ResolveHandle(_ context.Context, vendor, handle string) (models.JobHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[vendor+"/"+handle]
	if !ok {
		return models.JobHandle{}, fmt.Errorf("job handle %s/%s: %w", vendor, handle, models.ErrNotFound)
	}
	return h, nil
}

func (s *memStore) HandleForAttempt(_ context.Context, workItemID string, step models.Step, attempt int) (models.JobHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handles {
		if h.WorkItemID == workItemID && h.Step == step && h.Attempt == attempt {
			return h, nil
		}
	}
	return models.JobHandle{}, models.ErrNotFound
}

func (s *memStore) AppendAudit(_ context.Context, workItemID, event, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditErr != nil {
		return s.auditErr
	}
	s.audit = append(s.audit, workItemID+":"+event)
	return nil
}

func (s *memStore) SaveCheckpoint(_ context.Context, cp models.Checkpoint) (models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var prev *models.Checkpoint
	if existing, ok := s.checkpoints[cp.WorkItemID]; ok {
		prev = &existing
	}
	if err := models.ValidateCheckpointOrder(prev, cp.Step); err != nil {
		return models.Checkpoint{}, err
	}
	if cp.MaxRetries <= 0 {
		cp.MaxRetries = models.DefaultMaxRetries
	}
	cp.SavedAt = s.now()
	s.checkpoints[cp.WorkItemID] = cp
	return cp, nil
}

func (s *memStore) LoadCheckpoint(_ context.Context, workItemID string) (models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[workItemID]
	if !ok {
		return models.Checkpoint{}, models.ErrNotFound
	}
	return cp, nil
}

func (s *memStore) ListUnresolvedCheckpoints(_ context.Context, olderThan time.Time, limit int) ([]models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Checkpoint
	for _, cp := range s.checkpoints {
		if !cp.Resolved() && cp.SavedAt.Before(olderThan) {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SavedAt.Before(out[j].SavedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) RecordDeadLetter(_ context.Context, dl models.DeadLetter) (models.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.dlq[dl.DedupeKey]; ok && !existing.Resolved {
		existing.Occurrences++
		existing.LastSeenAt = now
		existing.Reason = dl.Reason
		existing.Raw = dl.Raw
		s.dlq[dl.DedupeKey] = existing
		return existing, nil
	}
	s.seq++
	dl.ID = fmt.Sprintf("dl-%d", s.seq)
	dl.Occurrences = 1
	dl.FirstSeenAt = now
	dl.LastSeenAt = now
	s.dlq[dl.DedupeKey] = dl
	return dl, nil
}

func (s *memStore) OpenDeadLetter(_ context.Context, dedupeKey string) (models.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.dlq[dedupeKey]
	if !ok || dl.Resolved {
		return models.DeadLetter{}, models.ErrNotFound
	}
	return dl, nil
}

func (s *memStore) EligibleCandidates(context.Context) ([]models.CandidateRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.CandidateRef(nil), s.candidates...), nil
}

func (s *memStore) item(t *testing.T, id string) models.WorkItem {
	t.Helper()
	item, err := s.GetItem(context.Background(), id)
	if err != nil {
		t.Fatalf("get item %s: %v", id, err)
	}
	return item
}

func (s *memStore) deadLetters() []models.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.DeadLetter, 0, len(s.dlq))
	for _, dl := range s.dlq {
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DedupeKey < out[j].DedupeKey })
	return out
}

func cloneItem(item models.WorkItem) models.WorkItem {
	handles := make(map[string]string, len(item.ExternalJobHandles))
	for k, v := range item.ExternalJobHandles {
		handles[k] = v
	}
	item.ExternalJobHandles = handles
	return item
}

// scriptedDriver starts jobs with sequential handles and reads callbacks of
// the form {"handle":..,"status":"done|failed|running","url":..,"reason":..}.
type scriptedDriver struct {
	mu       sync.Mutex
	vendor   string
	step     models.Step
	starts   int
	startErr []error
	statuses map[string]drivers.Interpretation
}

func newScriptedDriver(vendor string, step models.Step) *scriptedDriver {
	return &scriptedDriver{vendor: vendor, step: step, statuses: map[string]drivers.Interpretation{}}
}

func (d *scriptedDriver) Vendor() string    { return d.vendor }
func (d *scriptedDriver) Step() models.Step { return d.step }

func (d *scriptedDriver) Start(_ context.Context, item models.WorkItem) (drivers.StartResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.startErr) > 0 {
		err := d.startErr[0]
		d.startErr = d.startErr[1:]
		if err != nil {
			return drivers.StartResult{}, err
		}
	}
	d.starts++
	return drivers.StartResult{Handle: fmt.Sprintf("%s-%s-%d", d.vendor, item.ID, d.starts)}, nil
}

func (d *scriptedDriver) startCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts
}

type scriptedCallback struct {
	Handle string `json:"handle"`
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (d *scriptedDriver) Interpret(raw []byte) (drivers.Interpretation, error) {
	var cb scriptedCallback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return drivers.Interpretation{}, err
	}
	if cb.Handle == "" {
		return drivers.Interpretation{}, errors.New("missing handle")
	}
	return d.interpret(cb), nil
}

func (d *scriptedDriver) interpret(cb scriptedCallback) drivers.Interpretation {
	in := drivers.Interpretation{Handle: cb.Handle, Outcome: drivers.OutcomeStillProcessing}
	switch cb.Status {
	case "done":
		in.Outcome = drivers.OutcomeSuccess
		url := cb.URL
		switch d.step {
		case models.StepGeneration:
			in.Patch.MediaURL = &url
		case models.StepCaptioning:
			in.Patch.CaptionedURL = &url
		case models.StepPublishing:
			in.Patch.Posts = []models.PublishedPost{{Platform: "test", URL: url}}
		}
	case "failed":
		in.Outcome = drivers.OutcomeFailure
		in.Reason = cb.Reason
	}
	return in
}

func (d *scriptedDriver) Status(_ context.Context, handle string) (drivers.Interpretation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	in, ok := d.statuses[handle]
	if !ok {
		return drivers.Interpretation{Handle: handle, Outcome: drivers.OutcomeStillProcessing}, nil
	}
	return in, nil
}

func (d *scriptedDriver) setStatus(handle string, cb scriptedCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb.Handle = handle
	d.statuses[handle] = d.interpret(cb)
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	orch  *Orchestrator
	store *memStore
	queue *queue.RedisQueue
	rot   *rotation.Queue
	drv   map[models.Step]*scriptedDriver
	clock time.Time
}

func newHarness(t *testing.T, candidates ...string) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{t: t, ctx: context.Background(), clock: time.Now()}
	now := func() time.Time { return h.clock }
	h.store = newMemStore(now)
	for _, id := range candidates {
		h.store.candidates = append(h.store.candidates, models.CandidateRef{ID: id, Kind: "article", Title: "title " + id})
	}
	h.queue = queue.NewRedisQueue(client, "test:tasks", time.Minute)
	h.rot = rotation.New(client, "test:rotation")
	h.drv = map[models.Step]*scriptedDriver{
		models.StepGeneration: newScriptedDriver("avatar", models.StepGeneration),
		models.StepCaptioning: newScriptedDriver("captions", models.StepCaptioning),
		models.StepPublishing: newScriptedDriver("social", models.StepPublishing),
	}
	reg, err := drivers.NewRegistry(h.drv[models.StepGeneration], h.drv[models.StepCaptioning], h.drv[models.StepPublishing])
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	h.orch = New(h.store, h.rot, h.queue, reg, Options{
		MaxRetries:          3,
		StartLease:          time.Minute,
		ReconcileStaleAfter: 10 * time.Minute,
	}, nil)
	h.orch.now = now
	h.orch.backoff = func(time.Duration, time.Duration, int) time.Duration { return 0 }

	if len(candidates) > 0 {
		if _, err := h.orch.SyncPool(h.ctx); err != nil {
			t.Fatalf("sync pool: %v", err)
		}
	}
	return h
}

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

// drain runs every pending start task, including deferred ones.
func (h *harness) drain() int {
	h.t.Helper()
	ran := 0
	for i := 0; i < 100; i++ {
		if _, err := h.queue.PromoteScheduled(h.ctx, time.Now().Add(24*time.Hour), 100); err != nil {
			h.t.Fatalf("promote: %v", err)
		}
		id, err := h.queue.DequeueWithLease(h.ctx)
		if err != nil {
			h.t.Fatalf("dequeue: %v", err)
		}
		if id == "" {
			return ran
		}
		task, _, err := h.queue.Get(h.ctx, id)
		if err != nil {
			h.t.Fatalf("get task %s: %v", id, err)
		}
		if _, err := h.orch.RunStart(h.ctx, task); err != nil {
			h.t.Fatalf("run start %s: %v", id, err)
		}
		if err := h.queue.Ack(h.ctx, id); err != nil {
			h.t.Fatalf("ack: %v", err)
		}
		ran++
	}
	h.t.Fatalf("queue did not drain")
	return ran
}

func (h *harness) advanceItem() models.WorkItem {
	h.t.Helper()
	res, err := h.orch.Advance(h.ctx)
	if err != nil {
		h.t.Fatalf("advance: %v", err)
	}
	if !res.Advanced || res.Item == nil {
		h.t.Fatalf("expected an item, got %+v", res)
	}
	return *res.Item
}

func (h *harness) callback(step models.Step, cb scriptedCallback) CallbackResult {
	h.t.Helper()
	raw, err := json.Marshal(cb)
	if err != nil {
		h.t.Fatalf("marshal callback: %v", err)
	}
	res, err := h.orch.HandleCallback(h.ctx, h.drv[step].vendor, raw)
	if err != nil {
		h.t.Fatalf("callback: %v", err)
	}
	return res
}

func (h *harness) handle(id string, step models.Step) string {
	h.t.Helper()
	handle, ok := h.store.item(h.t, id).Handle(step)
	if !ok {
		h.t.Fatalf("item %s has no %s handle", id, step)
	}
	return handle
}

// complete drives the item's current step to success through a callback.
func (h *harness) complete(id string, step models.Step) CallbackResult {
	h.t.Helper()
	h.drain()
	return h.callback(step, scriptedCallback{Handle: h.handle(id, step), Status: "done", URL: "https://cdn.test/" + id + "/" + step.String()})
}
