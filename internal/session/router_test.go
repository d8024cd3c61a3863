package session

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/yungbote/dalston/internal/data/repos"
	"github.com/yungbote/dalston/internal/domain"
	"github.com/yungbote/dalston/internal/pkg/dbctx"
	"github.com/yungbote/dalston/internal/platform/apierr"
	"github.com/yungbote/dalston/internal/platform/logger"
)

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*domain.RealtimeSession
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: map[uuid.UUID]*domain.RealtimeSession{}}
}
func (r *memSessionRepo) Create(dbc dbctx.Context, s *domain.RealtimeSession) (*domain.RealtimeSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	return s, nil
}
func (r *memSessionRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.RealtimeSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fakeNotFound
	}
	cp := *s
	return &cp, nil
}
func (r *memSessionRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return fakeNotFound
	}
	if v, ok := updates["status"].(string); ok {
		s.Status = v
	}
	if v, ok := updates["error"].(string); ok {
		s.Error = v
	}
	return nil
}

type memWorkerRepo struct {
	mu   sync.Mutex
	rows map[string]*domain.RealtimeWorker
}

func newMemWorkerRepo() *memWorkerRepo { return &memWorkerRepo{rows: map[string]*domain.RealtimeWorker{}} }
func (r *memWorkerRepo) Upsert(dbc dbctx.Context, w *domain.RealtimeWorker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *w
	r.rows[w.ID] = &cp
	return nil
}
func (r *memWorkerRepo) ListAll(dbc dbctx.Context) ([]*domain.RealtimeWorker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.RealtimeWorker
	for _, w := range r.rows {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}
func (r *memWorkerRepo) UpdateFields(dbc dbctx.Context, id string, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.rows[id]
	if !ok {
		return fakeNotFound
	}
	if v, ok := updates["session_count"].(int); ok {
		w.SessionCount = v
	}
	if v, ok := updates["healthy"].(bool); ok {
		w.Healthy = v
	}
	return nil
}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "not found" }

var fakeNotFound = &notFoundErr{}

func newTestRouter(t *testing.T) (*Router, *memWorkerRepo) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	workerRepo := newMemWorkerRepo()
	r := repos.Repos{
		RealtimeSession: newMemSessionRepo(),
		RealtimeWorker:  workerRepo,
	}
	return New(r, log), workerRepo
}

func TestAllocate_PicksLowestSessionCount(t *testing.T) {
	router, _ := newTestRouter(t)
	ctx := context.Background()
	if err := router.RegisterWorker(ctx, "w1", "ws://w1", 2, []string{"fast"}); err != nil {
		t.Fatalf("register w1: %v", err)
	}
	if err := router.RegisterWorker(ctx, "w2", "ws://w2", 2, []string{"fast"}); err != nil {
		t.Fatalf("register w2: %v", err)
	}

	a1, err := router.Allocate(ctx, uuid.New(), "en", "fast")
	if err != nil {
		t.Fatalf("allocate 1: %v", err)
	}
	if a1.WorkerID != "w1" {
		t.Fatalf("first allocation went to %q, want w1 (tie-break by registration order)", a1.WorkerID)
	}

	a2, err := router.Allocate(ctx, uuid.New(), "en", "fast")
	if err != nil {
		t.Fatalf("allocate 2: %v", err)
	}
	if a2.WorkerID != "w2" {
		t.Fatalf("second allocation went to %q, want w2 (w1 now has higher count)", a2.WorkerID)
	}
}

func TestAllocate_CapacityExhausted(t *testing.T) {
	router, _ := newTestRouter(t)
	ctx := context.Background()
	_ = router.RegisterWorker(ctx, "w1", "ws://w1", 1, nil)

	if _, err := router.Allocate(ctx, uuid.New(), "en", "fast"); err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	_, err := router.Allocate(ctx, uuid.New(), "en", "fast")
	if !apierr.Is(err, apierr.CodeCapacityExhausted) {
		t.Fatalf("expected CapacityExhausted, got %v", err)
	}
}

func TestAllocate_ModelNotDeclaredIsCapacityExhausted(t *testing.T) {
	router, _ := newTestRouter(t)
	ctx := context.Background()
	_ = router.RegisterWorker(ctx, "w1", "ws://w1", 5, []string{"slow"})

	_, err := router.Allocate(ctx, uuid.New(), "en", "fast")
	if !apierr.Is(err, apierr.CodeCapacityExhausted) {
		t.Fatalf("expected CapacityExhausted for undeclared model, got %v", err)
	}
}

func TestRelease_FreesSlotForReallocation(t *testing.T) {
	router, workerRepo := newTestRouter(t)
	ctx := context.Background()
	_ = router.RegisterWorker(ctx, "w1", "ws://w1", 1, nil)

	a, err := router.Allocate(ctx, uuid.New(), "en", "fast")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := router.Allocate(ctx, uuid.New(), "en", "fast"); err == nil {
		t.Fatalf("expected capacity exhausted before release")
	}

	if err := router.Release(ctx, a.SessionID, domain.RealtimeSessionStatusCompleted, ""); err != nil {
		t.Fatalf("release: %v", err)
	}

	rows, _ := workerRepo.ListAll(dbctx.Context{})
	for _, row := range rows {
		if row.ID == "w1" && row.SessionCount != 0 {
			t.Fatalf("worker session_count = %d after release, want 0", row.SessionCount)
		}
	}

	if _, err := router.Allocate(ctx, uuid.New(), "en", "fast"); err != nil {
		t.Fatalf("allocate after release: %v", err)
	}
}

func TestHealthProbe_MarksStaleWorkerUnhealthy(t *testing.T) {
	router, _ := newTestRouter(t)
	ctx := context.Background()
	_ = router.RegisterWorker(ctx, "w1", "ws://w1", 1, nil)

	router.mu.Lock()
	router.workers["w1"].lastHeartbeat = router.workers["w1"].lastHeartbeat.Add(-2 * HealthStaleAfter)
	router.mu.Unlock()

	router.sweep(ctx)

	_, err := router.Allocate(ctx, uuid.New(), "en", "fast")
	if !apierr.Is(err, apierr.CodeCapacityExhausted) {
		t.Fatalf("expected allocation to fail against an unhealthy worker, got %v", err)
	}
}
