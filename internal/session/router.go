// Package session implements admission of WebSocket audio sessions into a
// bounded pool of streaming workers, linear allocation by lowest session
// count, and a background health probe.
//
// Allocation must be linearizable per-router instance, so it's serialized
// by a single mutex rather than an atomic compare-and-swap over the worker
// hash — shaped after jobs/runtime.Registry's in-process
// sync.RWMutex-guarded map, adapted here from a job registry to a worker
// pool.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/yungbote/dalston/internal/data/repos"
	"github.com/yungbote/dalston/internal/domain"
	"github.com/yungbote/dalston/internal/pkg/dbctx"
	"github.com/yungbote/dalston/internal/platform/apierr"
	"github.com/yungbote/dalston/internal/platform/logger"
)

// HealthStaleAfter is the heartbeat staleness window: a worker with no
// heartbeat for this long is marked unhealthy.
const HealthStaleAfter = 30 * time.Second

// HealthProbeInterval is the background sweep cadence.
const HealthProbeInterval = 10 * time.Second

// worker is the router's in-memory view of one pool member; the
// RealtimeWorker row is a checkpoint for restart, not the runtime source of
// truth.
type worker struct {
	id              string
	endpointURL     string
	capacity        int
	sessionCount    int
	healthy         bool
	supportedModels map[string]bool
	lastHeartbeat   time.Time
	registeredOrder int
}

// Allocation is the result of a successful allocate call.
type Allocation struct {
	SessionID      uuid.UUID
	WorkerID       string
	WorkerEndpoint string
}

// Router holds the worker pool and drives allocation/release/health-probe.
type Router struct {
	mu       sync.Mutex
	workers  map[string]*worker
	nextSeq  int
	repos    repos.Repos
	log      *logger.Logger
}

func New(r repos.Repos, log *logger.Logger) *Router {
	return &Router{
		workers: map[string]*worker{},
		repos:   r,
		log:     log.With("component", "SessionRouter"),
	}
}

// Rehydrate loads the last-known worker pool snapshot from the durable
// store on startup, so a router restart can recover capacity/health from
// the last-known RealtimeWorker rows. Session counts are reset to zero: sessions
// don't survive a router restart, so a stale in-flight count would only
// ever undercount capacity.
func (r *Router) Rehydrate(ctx context.Context) error {
	dbc := dbctx.Context{Ctx: ctx}
	rows, err := r.repos.RealtimeWorker.ListAll(dbc)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		r.workers[row.ID] = &worker{
			id:              row.ID,
			endpointURL:     row.EndpointURL,
			capacity:        row.Capacity,
			sessionCount:    0,
			healthy:         row.Healthy,
			supportedModels: splitCSV(row.SupportedModels),
			lastHeartbeat:   row.LastHeartbeatAt,
			registeredOrder: r.nextSeq,
		}
		r.nextSeq++
	}
	return nil
}

// RegisterWorker admits (or re-admits) a streaming worker into the pool.
func (r *Router) RegisterWorker(ctx context.Context, id, endpointURL string, capacity int, supportedModels []string) error {
	r.mu.Lock()
	w, exists := r.workers[id]
	if !exists {
		w = &worker{id: id, registeredOrder: r.nextSeq}
		r.nextSeq++
		r.workers[id] = w
	}
	w.endpointURL = endpointURL
	w.capacity = capacity
	w.supportedModels = toSet(supportedModels)
	w.healthy = true
	w.lastHeartbeat = time.Now()
	r.mu.Unlock()

	dbc := dbctx.Context{Ctx: ctx}
	row := &domain.RealtimeWorker{
		ID:              id,
		EndpointURL:     endpointURL,
		Capacity:        capacity,
		SessionCount:    0,
		Healthy:         true,
		SupportedModels: joinCSV(supportedModels),
		LastHeartbeatAt: time.Now(),
	}
	// A worker's first Register call is its only chance to join the pool
	// before it starts streaming heartbeats; retry a few times on a
	// transient store error rather than stranding it outside the pool.
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.repos.RealtimeWorker.Upsert(dbc, row)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	if err != nil {
		r.log.Error("worker registration persist failed after retries", "worker_id", id, "error", err)
	}
	return err
}

// Heartbeat refreshes a worker's liveness timestamp.
func (r *Router) Heartbeat(ctx context.Context, id string) error {
	r.mu.Lock()
	w, ok := r.workers[id]
	if ok {
		w.lastHeartbeat = time.Now()
		w.healthy = true
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown worker %q", id)
	}
	dbc := dbctx.Context{Ctx: ctx}
	return r.repos.RealtimeWorker.UpdateFields(dbc, id, map[string]interface{}{
		"healthy": true, "last_heartbeat_at": time.Now(),
	})
}

// Allocate picks the healthy worker declaring model (a worker that declares
// no models accepts any) with the lowest
// current session count (ties broken by registration order), atomically
// reserves a slot, and persists a RealtimeSession row.
func (r *Router) Allocate(ctx context.Context, tenantID uuid.UUID, language, model string) (*Allocation, error) {
	r.mu.Lock()
	candidates := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		if !w.healthy {
			continue
		}
		if len(w.supportedModels) > 0 && !w.supportedModels[model] {
			continue
		}
		if w.sessionCount >= w.capacity {
			continue
		}
		candidates = append(candidates, w)
	}
	if len(candidates) == 0 {
		r.mu.Unlock()
		return nil, apierr.CapacityExhausted(fmt.Errorf("no healthy worker with spare capacity for model %q", model))
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].sessionCount != candidates[j].sessionCount {
			return candidates[i].sessionCount < candidates[j].sessionCount
		}
		return candidates[i].registeredOrder < candidates[j].registeredOrder
	})
	picked := candidates[0]
	picked.sessionCount++
	endpoint := picked.endpointURL
	workerID := picked.id
	newCount := picked.sessionCount
	r.mu.Unlock()

	dbc := dbctx.Context{Ctx: ctx}
	sess := &domain.RealtimeSession{
		ID:               uuid.New(),
		TenantID:         tenantID,
		Status:           domain.RealtimeSessionStatusActive,
		AssignedWorkerID: workerID,
		Language:         language,
		Model:            model,
		StartedAt:        time.Now(),
	}
	if _, err := r.repos.RealtimeSession.Create(dbc, sess); err != nil {
		// Roll back the reservation; the slot was never actually handed out.
		r.mu.Lock()
		if w, ok := r.workers[workerID]; ok && w.sessionCount > 0 {
			w.sessionCount--
		}
		r.mu.Unlock()
		return nil, err
	}
	_ = r.repos.RealtimeWorker.UpdateFields(dbc, workerID, map[string]interface{}{"session_count": newCount})

	return &Allocation{SessionID: sess.ID, WorkerID: workerID, WorkerEndpoint: endpoint}, nil
}

// Release decrements the assigned worker's session count and marks the
// session terminal with the given status. status must be one of the
// terminal RealtimeSession statuses.
func (r *Router) Release(ctx context.Context, sessionID uuid.UUID, status, errMsg string) error {
	dbc := dbctx.Context{Ctx: ctx}
	sess, err := r.repos.RealtimeSession.GetByID(dbc, sessionID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if w, ok := r.workers[sess.AssignedWorkerID]; ok && w.sessionCount > 0 {
		w.sessionCount--
	}
	var newCount int
	if w, ok := r.workers[sess.AssignedWorkerID]; ok {
		newCount = w.sessionCount
	}
	r.mu.Unlock()

	now := time.Now()
	if err := r.repos.RealtimeSession.UpdateFields(dbc, sessionID, map[string]interface{}{
		"status": status, "error": errMsg, "ended_at": now,
	}); err != nil {
		return err
	}
	return r.repos.RealtimeWorker.UpdateFields(dbc, sess.AssignedWorkerID, map[string]interface{}{"session_count": newCount})
}

// HealthProbe runs in the background, marking workers unhealthy once their
// heartbeat is older than HealthStaleAfter.
func (r *Router) HealthProbe(ctx context.Context) {
	ticker := time.NewTicker(HealthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Router) sweep(ctx context.Context) {
	r.mu.Lock()
	var stale []string
	now := time.Now()
	for id, w := range r.workers {
		if w.healthy && now.Sub(w.lastHeartbeat) > HealthStaleAfter {
			w.healthy = false
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	dbc := dbctx.Context{Ctx: ctx}
	for _, id := range stale {
		r.log.Warn("worker marked unhealthy (stale heartbeat)", "worker_id", id)
		if err := r.repos.RealtimeWorker.UpdateFields(dbc, id, map[string]interface{}{"healthy": false}); err != nil {
			r.log.Error("persist unhealthy worker", "worker_id", id, "error", err)
		}
	}
}

func toSet(models []string) map[string]bool {
	out := make(map[string]bool, len(models))
	for _, m := range models {
		out[m] = true
	}
	return out
}

func joinCSV(models []string) string {
	out := ""
	for i, m := range models {
		if i > 0 {
			out += ","
		}
		out += m
	}
	return out
}

func splitCSV(csv string) map[string]bool {
	out := map[string]bool{}
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			if i > start {
				out[csv[start:i]] = true
			}
			start = i + 1
		}
	}
	return out
}
