package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/dalston/internal/data/repos"
	"github.com/yungbote/dalston/internal/domain"
	"github.com/yungbote/dalston/internal/pkg/dbctx"
	"github.com/yungbote/dalston/internal/platform/logger"
)

type memDeliveryRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*domain.WebhookDelivery
}

func newMemDeliveryRepo() *memDeliveryRepo {
	return &memDeliveryRepo{rows: map[uuid.UUID]*domain.WebhookDelivery{}}
}
func (r *memDeliveryRepo) CreateMany(dbc dbctx.Context, ds []*domain.WebhookDelivery) ([]*domain.WebhookDelivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range ds {
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		cp := *d
		r.rows[d.ID] = &cp
	}
	return ds, nil
}
func (r *memDeliveryRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.WebhookDelivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.rows[id]
	if !ok {
		return nil, fakeNotFound
	}
	cp := *d
	return &cp, nil
}
func (r *memDeliveryRepo) ClaimPending(dbc dbctx.Context, limit int) ([]*domain.WebhookDelivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var claimed []*domain.WebhookDelivery
	for _, d := range r.rows {
		if len(claimed) >= limit {
			break
		}
		if d.Status != domain.WebhookDeliveryStatusPending {
			continue
		}
		if d.NextRetryAt.After(now) {
			continue
		}
		d.Attempts++
		cp := *d
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}
func (r *memDeliveryRepo) MarkDelivered(dbc dbctx.Context, id uuid.UUID, statusCode int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.rows[id]
	if !ok {
		return fakeNotFound
	}
	d.Status = domain.WebhookDeliveryStatusDelivered
	d.LastStatusCode = statusCode
	d.LastError = ""
	return nil
}
func (r *memDeliveryRepo) MarkFailedAttempt(dbc dbctx.Context, id uuid.UUID, statusCode int, lastErr string, nextRetryAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.rows[id]
	if !ok {
		return fakeNotFound
	}
	d.LastStatusCode = statusCode
	d.LastError = lastErr
	if nextRetryAt != nil {
		d.NextRetryAt = *nextRetryAt
		d.Status = domain.WebhookDeliveryStatusPending
	} else {
		d.Status = domain.WebhookDeliveryStatusFailed
	}
	return nil
}
func (r *memDeliveryRepo) ListByEndpoint(dbc dbctx.Context, endpointID uuid.UUID, limit, offset int) ([]*domain.WebhookDelivery, error) {
	return nil, nil
}
func (r *memDeliveryRepo) ResetForManualRetry(dbc dbctx.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.rows[id]
	if !ok {
		return fakeNotFound
	}
	d.Status = domain.WebhookDeliveryStatusPending
	d.NextRetryAt = time.Now()
	return nil
}

func (r *memDeliveryRepo) get(id uuid.UUID) *domain.WebhookDelivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.rows[id]
	cp := *d
	return &cp
}

type memEndpointRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*domain.WebhookEndpoint
}

func newMemEndpointRepo() *memEndpointRepo {
	return &memEndpointRepo{rows: map[uuid.UUID]*domain.WebhookEndpoint{}}
}
func (r *memEndpointRepo) Create(dbc dbctx.Context, ep *domain.WebhookEndpoint) (*domain.WebhookEndpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[ep.ID] = ep
	return ep, nil
}
func (r *memEndpointRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.WebhookEndpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.rows[id]
	if !ok {
		return nil, fakeNotFound
	}
	cp := *ep
	return &cp, nil
}
func (r *memEndpointRepo) ListActiveByTenantAndEvent(dbc dbctx.Context, tenantID uuid.UUID, event string) ([]*domain.WebhookEndpoint, error) {
	return nil, nil
}
func (r *memEndpointRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	return nil
}
func (r *memEndpointRepo) ListByTenant(dbc dbctx.Context, tenantID uuid.UUID) ([]*domain.WebhookEndpoint, error) {
	return nil, nil
}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "not found" }

var fakeNotFound = &notFoundErr{}

func newTestWorker(t *testing.T) (*Worker, *memDeliveryRepo, *memEndpointRepo) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	deliveries := newMemDeliveryRepo()
	endpoints := newMemEndpointRepo()
	r := repos.Repos{
		WebhookDelivery: deliveries,
		WebhookEndpoint: endpoints,
	}
	w := New(r, http.DefaultClient, log)
	return w, deliveries, endpoints
}

func TestDeliver_SignedAndMarkedDelivered(t *testing.T) {
	var gotSig, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotSig = req.Header.Get("X-Dalston-Signature")
		buf := make([]byte, req.ContentLength)
		_, _ = req.Body.Read(buf)
		gotBody = string(buf)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	worker, deliveries, endpoints := newTestWorker(t)

	ep := &domain.WebhookEndpoint{ID: uuid.New(), URL: srv.URL, SigningSecret: "sekrit", Active: true}
	_, _ = endpoints.Create(dbctx.Context{}, ep)

	d := &domain.WebhookDelivery{
		ID:         uuid.New(),
		EndpointID: &ep.ID,
		JobID:      uuid.New(),
		EventType:  domain.WebhookEventTranscriptionCompleted,
		Payload:    []byte(`{"event":"transcription.completed"}`),
		Status:     domain.WebhookDeliveryStatusPending,
	}
	_, _ = deliveries.CreateMany(dbctx.Context{}, []*domain.WebhookDelivery{d})

	worker.tick(context.Background())

	if gotSig == "" {
		t.Fatalf("expected a signature header on the delivered request")
	}
	if gotBody != string(d.Payload) {
		t.Fatalf("body = %q, want %q", gotBody, d.Payload)
	}
	got := deliveries.get(d.ID)
	if got.Status != domain.WebhookDeliveryStatusDelivered {
		t.Fatalf("status = %q, want delivered", got.Status)
	}
}

func TestDeliver_FailureSchedulesFixedRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	worker, deliveries, _ := newTestWorker(t)

	d := &domain.WebhookDelivery{
		ID:          uuid.New(),
		URLOverride: srv.URL,
		JobID:       uuid.New(),
		EventType:   domain.WebhookEventTranscriptionFailed,
		Payload:     []byte(`{"event":"transcription.failed"}`),
		Status:      domain.WebhookDeliveryStatusPending,
	}
	_, _ = deliveries.CreateMany(dbctx.Context{}, []*domain.WebhookDelivery{d})

	worker.tick(context.Background())

	got := deliveries.get(d.ID)
	if got.Status != domain.WebhookDeliveryStatusPending {
		t.Fatalf("status = %q, want still pending after attempt 1 (retry scheduled)", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
	wantNotBefore := time.Now().Add(29 * time.Second)
	if got.NextRetryAt.Before(wantNotBefore) {
		t.Fatalf("next_retry_at = %v, want at least ~30s out", got.NextRetryAt)
	}
}

func TestDeliver_ExhaustedAfterFifthAttemptMarksFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	worker, deliveries, _ := newTestWorker(t)

	d := &domain.WebhookDelivery{
		ID:          uuid.New(),
		URLOverride: srv.URL,
		JobID:       uuid.New(),
		EventType:   domain.WebhookEventTranscriptionFailed,
		Payload:     []byte(`{"event":"transcription.failed"}`),
		Status:      domain.WebhookDeliveryStatusPending,
		Attempts:    4,
	}
	_, _ = deliveries.CreateMany(dbctx.Context{}, []*domain.WebhookDelivery{d})

	worker.tick(context.Background())

	got := deliveries.get(d.ID)
	if got.Status != domain.WebhookDeliveryStatusFailed {
		t.Fatalf("status = %q, want failed after attempt 5 exhausts the schedule", got.Status)
	}
}

func TestDeliver_MissingTargetRecordsFailureWithoutPanicking(t *testing.T) {
	worker, deliveries, _ := newTestWorker(t)

	d := &domain.WebhookDelivery{
		ID:        uuid.New(),
		JobID:     uuid.New(),
		EventType: domain.WebhookEventTranscriptionCompleted,
		Payload:   []byte(`{}`),
		Status:    domain.WebhookDeliveryStatusPending,
	}
	_, _ = deliveries.CreateMany(dbctx.Context{}, []*domain.WebhookDelivery{d})

	worker.tick(context.Background())

	got := deliveries.get(d.ID)
	if got.Status != domain.WebhookDeliveryStatusPending {
		t.Fatalf("status = %q, want pending with a scheduled retry", got.Status)
	}
}
