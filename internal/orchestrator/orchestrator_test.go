package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/dalston/internal/bus"
	"github.com/yungbote/dalston/internal/dag"
	"github.com/yungbote/dalston/internal/data/repos"
	"github.com/yungbote/dalston/internal/domain"
	"github.com/yungbote/dalston/internal/pkg/dbctx"
	"github.com/yungbote/dalston/internal/platform/logger"
	"github.com/yungbote/dalston/internal/registry"
	"github.com/yungbote/dalston/internal/scheduler"
)

// --- in-memory JobRepo -------------------------------------------------

type memJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.Job
}

func newMemJobRepo() *memJobRepo { return &memJobRepo{jobs: map[uuid.UUID]*domain.Job{}} }

func (r *memJobRepo) Create(dbc dbctx.Context, job *domain.Job) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
	return job, nil
}
func (r *memJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *j
	return &cp, nil
}
func (r *memJobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return errNotFound
	}
	applyJobUpdates(j, updates)
	return nil
}
func (r *memJobRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowed []string, updates map[string]interface{}) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return false, errNotFound
	}
	for _, d := range disallowed {
		if j.Status == d {
			return false, nil
		}
	}
	applyJobUpdates(j, updates)
	return true, nil
}

func applyJobUpdates(j *domain.Job, updates map[string]interface{}) {
	if v, ok := updates["status"].(string); ok {
		j.Status = v
	}
	if v, ok := updates["error"].(string); ok {
		j.Error = v
	}
	if v, ok := updates["transcript_blob_ref"].(string); ok {
		j.TranscriptBlobRef = v
	}
}

// --- in-memory TaskRepo -------------------------------------------------

type memTaskRepo struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*domain.Task
}

func newMemTaskRepo() *memTaskRepo { return &memTaskRepo{tasks: map[uuid.UUID]*domain.Task{}} }

func (r *memTaskRepo) CreateMany(dbc dbctx.Context, tasks []*domain.Task) ([]*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tasks {
		r.tasks[t.ID] = t
	}
	return tasks, nil
}
func (r *memTaskRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *t
	return &cp, nil
}
func (r *memTaskRepo) ListByJobID(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Task
	for _, t := range r.tasks {
		if t.JobID == jobID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}
func (r *memTaskRepo) ListNonTerminalByJobID(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.Task, error) {
	all, _ := r.ListByJobID(dbc, jobID)
	var out []*domain.Task
	for _, t := range all {
		if !domain.TaskStatusTerminal(t.Status) {
			out = append(out, t)
		}
	}
	return out, nil
}
func (r *memTaskRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return errNotFound
	}
	applyTaskUpdates(t, updates)
	return nil
}
func (r *memTaskRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowed []string, updates map[string]interface{}) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return false, errNotFound
	}
	for _, d := range disallowed {
		if t.Status == d {
			return false, nil
		}
	}
	applyTaskUpdates(t, updates)
	return true, nil
}

func applyTaskUpdates(t *domain.Task, updates map[string]interface{}) {
	if v, ok := updates["status"].(string); ok {
		t.Status = v
	}
	if v, ok := updates["output_ref"].(string); ok {
		t.OutputRef = v
	}
}

// --- in-memory webhook repos (minimal; no endpoints registered in tests) --

type memEndpointRepo struct{}

func (memEndpointRepo) Create(dbctx.Context, *domain.WebhookEndpoint) (*domain.WebhookEndpoint, error) {
	return nil, nil
}
func (memEndpointRepo) GetByID(dbctx.Context, uuid.UUID) (*domain.WebhookEndpoint, error) {
	return nil, errNotFound
}
func (memEndpointRepo) ListActiveByTenantAndEvent(dbctx.Context, uuid.UUID, string) ([]*domain.WebhookEndpoint, error) {
	return nil, nil
}
func (memEndpointRepo) UpdateFields(dbctx.Context, uuid.UUID, map[string]interface{}) error { return nil }
func (memEndpointRepo) ListByTenant(dbctx.Context, uuid.UUID) ([]*domain.WebhookEndpoint, error) {
	return nil, nil
}

type memDeliveryRepo struct {
	mu      sync.Mutex
	created []*domain.WebhookDelivery
}

func (r *memDeliveryRepo) CreateMany(dbc dbctx.Context, d []*domain.WebhookDelivery) ([]*domain.WebhookDelivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, d...)
	return d, nil
}
func (r *memDeliveryRepo) GetByID(dbctx.Context, uuid.UUID) (*domain.WebhookDelivery, error) {
	return nil, errNotFound
}
func (r *memDeliveryRepo) ClaimPending(dbctx.Context, int) ([]*domain.WebhookDelivery, error) {
	return nil, nil
}
func (r *memDeliveryRepo) MarkDelivered(dbctx.Context, uuid.UUID, int) error { return nil }
func (r *memDeliveryRepo) MarkFailedAttempt(dbctx.Context, uuid.UUID, int, string, *time.Time) error {
	return nil
}
func (r *memDeliveryRepo) ListByEndpoint(dbctx.Context, uuid.UUID, int, int) ([]*domain.WebhookDelivery, error) {
	return nil, nil
}
func (r *memDeliveryRepo) ResetForManualRetry(dbctx.Context, uuid.UUID) error { return nil }

// --- in-memory bus --------------------------------------------------------

type memBus struct {
	mu       sync.Mutex
	queues   map[string][][]byte
	handler  func(bus.Event)
	events   []bus.Event
}

func newMemBus() *memBus { return &memBus{queues: map[string][][]byte{}} }

func (b *memBus) Publish(ctx context.Context, evt bus.Event) error {
	b.mu.Lock()
	b.events = append(b.events, evt)
	h := b.handler
	b.mu.Unlock()
	if h != nil {
		h(evt)
	}
	return nil
}
func (b *memBus) Subscribe(ctx context.Context, onEvent func(bus.Event)) error {
	b.mu.Lock()
	b.handler = onEvent
	b.mu.Unlock()
	return nil
}
func (b *memBus) Enqueue(ctx context.Context, engineID string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[engineID] = append(b.queues[engineID], payload)
	return nil
}
func (b *memBus) Dequeue(ctx context.Context, engineID string, timeout time.Duration) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[engineID]
	if len(q) == 0 {
		return nil, false, nil
	}
	b.queues[engineID] = q[1:]
	return q[0], true, nil
}
func (b *memBus) ScanAndRemove(ctx context.Context, engineID string, match func([]byte) bool) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[engineID]
	for i, entry := range q {
		if match(entry) {
			b.queues[engineID] = append(q[:i], q[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}
func (b *memBus) QueueLen(ctx context.Context, engineID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.queues[engineID])), nil
}
func (b *memBus) RegisterEngine(context.Context, string, map[string]string, time.Duration) error { return nil }
func (b *memBus) HeartbeatEngine(context.Context, string, map[string]string, time.Duration) (bool, error) {
	return true, nil
}
func (b *memBus) UnregisterEngine(context.Context, string) error { return nil }
func (b *memBus) GetEngine(context.Context, string) (map[string]string, bool, error) {
	return nil, false, nil
}
func (b *memBus) ListEngines(context.Context) ([]string, error) { return nil, nil }
func (b *memBus) SetHash(context.Context, string, map[string]string) error { return nil }
func (b *memBus) GetHash(context.Context, string) (map[string]string, bool, error) {
	return nil, false, nil
}
func (b *memBus) DeleteHash(context.Context, string) error { return nil }
func (b *memBus) Close() error                             { return nil }

// --- fake registry (always available, one engine per stage) --------------

type fakeRegistry struct{}

func (fakeRegistry) Register(context.Context, registry.Info) error { return nil }
func (fakeRegistry) Heartbeat(context.Context, string, string, string) (bool, error) {
	return true, nil
}
func (fakeRegistry) Unregister(context.Context, string) error { return nil }
func (fakeRegistry) IsAvailable(context.Context, string) (bool, error) { return true, nil }
func (fakeRegistry) EnginesForStage(ctx context.Context, stage string) ([]registry.Registration, error) {
	return []registry.Registration{{EngineID: stage + "-engine", Stage: stage, SupportedModels: map[string]string{"fast": "fast-rt"}}}, nil
}

var errNotFound = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "not found" }

// --- test harness ----------------------------------------------------------

func newHarness(t *testing.T) (*Orchestrator, *memJobRepo, *memTaskRepo, *memBus) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	jobRepo := newMemJobRepo()
	taskRepo := newMemTaskRepo()
	b := newMemBus()
	reg := fakeRegistry{}
	sched := scheduler.New(b, reg, log)
	builder := dag.New(reg)
	r := repos.Repos{
		Job:             jobRepo,
		Task:            taskRepo,
		WebhookEndpoint: memEndpointRepo{},
		WebhookDelivery: &memDeliveryRepo{},
	}
	return New(r, b, sched, builder, log), jobRepo, taskRepo, b
}

func newTestJob() *domain.Job {
	j := &domain.Job{
		ID:           uuid.New(),
		TenantID:     uuid.New(),
		Status:       domain.JobStatusPending,
		AudioBlobRef: "blob://audio/1",
	}
	j.Params = datatypes.NewJSONType(domain.JobParams{ModelID: "fast"})
	return j
}

func TestHandleJobCreated_QueuesFirstTask(t *testing.T) {
	o, jobRepo, taskRepo, b := newHarness(t)
	job := newTestJob()
	jobRepo.jobs[job.ID] = job

	if err := o.handleJobCreated(context.Background(), job.ID.String()); err != nil {
		t.Fatalf("handleJobCreated: %v", err)
	}

	got, _ := jobRepo.GetByID(dbctx.Context{}, job.ID)
	if got.Status != domain.JobStatusRunning {
		t.Fatalf("job status = %q, want running", got.Status)
	}

	tasks, _ := taskRepo.ListByJobID(dbctx.Context{}, job.ID)
	if len(tasks) != 3 {
		t.Fatalf("got %d tasks, want 3 (prepare, transcribe, merge)", len(tasks))
	}
	var prepare *domain.Task
	for _, tk := range tasks {
		if tk.Stage == domain.StagePrepare {
			prepare = tk
		}
	}
	if prepare == nil || prepare.Status != domain.TaskStatusReady {
		t.Fatalf("prepare task not queued: %+v", prepare)
	}
	n, _ := b.QueueLen(context.Background(), "prepare-engine")
	if n != 1 {
		t.Fatalf("prepare-engine queue len = %d, want 1", n)
	}
}

func TestHandleJobCreated_AlreadyCancelledPublishesCancelled(t *testing.T) {
	o, jobRepo, _, b := newHarness(t)
	job := newTestJob()
	job.Status = domain.JobStatusCancelled
	jobRepo.jobs[job.ID] = job

	if err := o.handleJobCreated(context.Background(), job.ID.String()); err != nil {
		t.Fatalf("handleJobCreated: %v", err)
	}
	if len(b.events) != 1 || b.events[0].Type != bus.EventJobCancelled {
		t.Fatalf("expected one job.cancelled event, got %+v", b.events)
	}
}

func TestTaskCompletionChain_DrivesJobToCompleted(t *testing.T) {
	o, jobRepo, taskRepo, b := newHarness(t)
	job := newTestJob()
	jobRepo.jobs[job.ID] = job

	if err := o.handleJobCreated(context.Background(), job.ID.String()); err != nil {
		t.Fatalf("handleJobCreated: %v", err)
	}
	tasks, _ := taskRepo.ListByJobID(dbctx.Context{}, job.ID)
	byStage := map[string]*domain.Task{}
	for _, tk := range tasks {
		byStage[tk.Stage] = tk
	}

	// Each stage's engine reports completion straight off the queued (ready)
	// task; there's no separate claim step.
	for _, stage := range []string{domain.StagePrepare, domain.StageTranscribe, domain.StageMerge} {
		tk := byStage[stage]
		if err := o.handleTaskCompleted(context.Background(), tk.ID.String(), map[string]any{"output_ref": "blob://out/" + stage}); err != nil {
			t.Fatalf("handleTaskCompleted(%s): %v", stage, err)
		}
	}

	got, _ := jobRepo.GetByID(dbctx.Context{}, job.ID)
	if got.Status != domain.JobStatusCompleted {
		t.Fatalf("job status = %q, want completed", got.Status)
	}
	if got.TranscriptBlobRef != "blob://out/merge" {
		t.Fatalf("transcript_blob_ref = %q, want blob://out/merge", got.TranscriptBlobRef)
	}
	var sawCompleted bool
	for _, evt := range b.events {
		if evt.Type == bus.EventJobCompleted {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Fatalf("expected job.completed event, got %+v", b.events)
	}
}

func TestHandleTaskCompleted_ReplayIsNoop(t *testing.T) {
	o, jobRepo, taskRepo, b := newHarness(t)
	job := newTestJob()
	jobRepo.jobs[job.ID] = job
	_ = o.handleJobCreated(context.Background(), job.ID.String())

	tasks, _ := taskRepo.ListByJobID(dbctx.Context{}, job.ID)
	var prepare *domain.Task
	for _, tk := range tasks {
		if tk.Stage == domain.StagePrepare {
			prepare = tk
		}
	}
	_ = o.handleTaskCompleted(context.Background(), prepare.ID.String(), map[string]any{"output_ref": "x"})
	eventsAfterFirst := len(b.events)

	// Replay: task is already completed, so this must be a no-op.
	if err := o.handleTaskCompleted(context.Background(), prepare.ID.String(), map[string]any{"output_ref": "x"}); err != nil {
		t.Fatalf("handleTaskCompleted replay: %v", err)
	}
	if len(b.events) != eventsAfterFirst {
		t.Fatalf("replay produced new events: %+v", b.events[eventsAfterFirst:])
	}
}

func TestHandleTaskFailed_FailsJobAndSkipsSiblings(t *testing.T) {
	o, jobRepo, taskRepo, b := newHarness(t)
	job := newTestJob()
	jobRepo.jobs[job.ID] = job
	_ = o.handleJobCreated(context.Background(), job.ID.String())

	tasks, _ := taskRepo.ListByJobID(dbctx.Context{}, job.ID)
	var prepare *domain.Task
	for _, tk := range tasks {
		if tk.Stage == domain.StagePrepare {
			prepare = tk
		}
	}
	taskRepo.tasks[prepare.ID].Status = domain.TaskStatusRunning

	if err := o.handleTaskFailed(context.Background(), prepare.ID.String(), "engine exploded"); err != nil {
		t.Fatalf("handleTaskFailed: %v", err)
	}

	got, _ := jobRepo.GetByID(dbctx.Context{}, job.ID)
	if got.Status != domain.JobStatusFailed || got.Error != "engine exploded" {
		t.Fatalf("job = %+v, want failed/engine exploded", got)
	}
	after, _ := taskRepo.ListByJobID(dbctx.Context{}, job.ID)
	for _, tk := range after {
		if tk.Stage != domain.StagePrepare && tk.Status != domain.TaskStatusSkipped {
			t.Errorf("sibling task %q status = %q, want skipped", tk.Stage, tk.Status)
		}
	}
	var sawFailed bool
	for _, evt := range b.events {
		if evt.Type == bus.EventJobFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Fatalf("expected job.failed event, got %+v", b.events)
	}
}

func TestHandleJobCancelRequested_CancelsPendingTasksLeavesRunning(t *testing.T) {
	o, jobRepo, taskRepo, b := newHarness(t)
	job := newTestJob()
	jobRepo.jobs[job.ID] = job
	_ = o.handleJobCreated(context.Background(), job.ID.String())

	tasks, _ := taskRepo.ListByJobID(dbctx.Context{}, job.ID)
	var prepare *domain.Task
	for _, tk := range tasks {
		if tk.Stage == domain.StagePrepare {
			prepare = tk
		}
	}
	// Simulate the prepare engine having already claimed its task.
	taskRepo.tasks[prepare.ID].Status = domain.TaskStatusRunning

	if err := o.handleJobCancelRequested(context.Background(), job.ID.String()); err != nil {
		t.Fatalf("handleJobCancelRequested: %v", err)
	}

	got, _ := jobRepo.GetByID(dbctx.Context{}, job.ID)
	if got.Status != domain.JobStatusCancelling {
		t.Fatalf("job status = %q, want cancelling (prepare task still running)", got.Status)
	}
	for _, evt := range b.events {
		if evt.Type == bus.EventJobCancelled {
			t.Fatalf("job.cancelled published while a task is still running: %+v", b.events)
		}
	}

	after, _ := taskRepo.ListByJobID(dbctx.Context{}, job.ID)
	for _, tk := range after {
		switch tk.Stage {
		case domain.StagePrepare:
			if tk.Status != domain.TaskStatusRunning {
				t.Errorf("prepare task status = %q, want running (left to finish naturally)", tk.Status)
			}
		default:
			if tk.Status != domain.TaskStatusCancelled {
				t.Errorf("%s task status = %q, want cancelled (was pending)", tk.Stage, tk.Status)
			}
		}
	}

	// The still-running prepare task now finishes; draining should complete
	// the cancellation.
	if err := o.handleTaskCompleted(context.Background(), prepare.ID.String(), map[string]any{"output_ref": "blob://out/prepare"}); err != nil {
		t.Fatalf("handleTaskCompleted: %v", err)
	}
	final, _ := jobRepo.GetByID(dbctx.Context{}, job.ID)
	if final.Status != domain.JobStatusCancelled {
		t.Fatalf("job status = %q, want cancelled after drain", final.Status)
	}
}

func TestHandleJobCancelRequested_NothingRunningTransitionsToCancelledImmediately(t *testing.T) {
	o, jobRepo, _, b := newHarness(t)
	job := newTestJob()
	jobRepo.jobs[job.ID] = job
	_ = o.handleJobCreated(context.Background(), job.ID.String())

	if err := o.handleJobCancelRequested(context.Background(), job.ID.String()); err != nil {
		t.Fatalf("handleJobCancelRequested: %v", err)
	}
	got, _ := jobRepo.GetByID(dbctx.Context{}, job.ID)
	if got.Status != domain.JobStatusCancelled {
		t.Fatalf("job status = %q, want cancelled (nothing was running)", got.Status)
	}
	var sawCancelled bool
	for _, evt := range b.events {
		if evt.Type == bus.EventJobCancelled {
			sawCancelled = true
		}
	}
	if !sawCancelled {
		t.Fatalf("expected job.cancelled event, got %+v", b.events)
	}
}
