// Package webhook implements the webhook delivery worker: a claim-and-deliver
// loop over durably queued WebhookDelivery rows, signed with HMAC-SHA256 and
// retried on a fixed schedule rather than exponential backoff.
//
// Shaped after JobRunRepo's claim-and-process loop (row-level
// SELECT ... FOR UPDATE SKIP LOCKED via WebhookDeliveryRepo.ClaimPending),
// delivering over HTTP instead of running an in-process job function.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yungbote/dalston/internal/data/repos"
	"github.com/yungbote/dalston/internal/domain"
	"github.com/yungbote/dalston/internal/pkg/dbctx"
	"github.com/yungbote/dalston/internal/platform/logger"
)

// ClaimBatchSize bounds how many deliveries one worker tick claims, so one
// slow endpoint can't starve the rest of the queue within a tick.
const ClaimBatchSize = 50

// TickInterval is the claim-and-deliver cadence.
const TickInterval = 2 * time.Second

// retryDelays[n-1] is the delay before re-attempting after attempt n fails,
// attempts counted from 1. n=5 has no further retry — the row is marked
// failed.
var retryDelays = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	1 * time.Hour,
}

const maxAttempts = 5

type Worker struct {
	repos  repos.Repos
	client *http.Client
	log    *logger.Logger
}

func New(r repos.Repos, client *http.Client, log *logger.Logger) *Worker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Worker{repos: r, client: client, log: log.With("component", "WebhookWorker")}
}

// Run ticks every TickInterval, claiming and delivering pending rows, until
// ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	dbc := dbctx.Context{Ctx: ctx}
	claimed, err := w.repos.WebhookDelivery.ClaimPending(dbc, ClaimBatchSize)
	if err != nil {
		w.log.Error("claim pending deliveries", "error", err)
		return
	}
	for _, d := range claimed {
		// One bad endpoint must not block the rest of the claimed batch.
		w.deliver(ctx, d)
	}
}

func (w *Worker) deliver(ctx context.Context, d *domain.WebhookDelivery) {
	dbc := dbctx.Context{Ctx: ctx}

	url, secret, err := w.resolveTarget(dbc, d)
	if err != nil {
		w.log.Error("resolve delivery target", "delivery_id", d.ID, "error", err)
		w.recordFailure(dbc, d, 0, err.Error())
		return
	}

	ts := time.Now().Unix()
	var sigHeader string
	if len(secret) > 0 {
		sig, err := Sign(secret, ts, d.Payload)
		if err != nil {
			w.recordFailure(dbc, d, 0, fmt.Sprintf("sign payload: %v", err))
			return
		}
		sigHeader = sig
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(d.Payload))
	if err != nil {
		w.recordFailure(dbc, d, 0, fmt.Sprintf("build request: %v", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "dalston-webhook/1.0")
	req.Header.Set("X-Dalston-Timestamp", fmt.Sprintf("%d", ts))
	req.Header.Set("X-Dalston-Webhook-Id", d.ID.String())
	if sigHeader != "" {
		req.Header.Set("X-Dalston-Signature", sigHeader)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.recordFailure(dbc, d, 0, err.Error())
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 400 {
		if err := w.repos.WebhookDelivery.MarkDelivered(dbc, d.ID, resp.StatusCode); err != nil {
			w.log.Error("mark delivered", "delivery_id", d.ID, "error", err)
		}
		return
	}
	w.recordFailure(dbc, d, resp.StatusCode, fmt.Sprintf("endpoint responded %d", resp.StatusCode))
}

func (w *Worker) resolveTarget(dbc dbctx.Context, d *domain.WebhookDelivery) (string, []byte, error) {
	if d.EndpointID != nil {
		ep, err := w.repos.WebhookEndpoint.GetByID(dbc, *d.EndpointID)
		if err != nil {
			return "", nil, fmt.Errorf("load endpoint %s: %w", d.EndpointID, err)
		}
		return ep.URL, []byte(ep.SigningSecret), nil
	}
	if d.URLOverride != "" {
		// Legacy per-job URL overrides predate the endpoint/secret model and
		// carry no signing secret of their own; delivered unsigned.
		return d.URLOverride, nil, nil
	}
	return "", nil, fmt.Errorf("delivery %s has neither endpoint_id nor url_override", d.ID)
}

func (w *Worker) recordFailure(dbc dbctx.Context, d *domain.WebhookDelivery, statusCode int, errMsg string) {
	next := nextRetryAt(d.Attempts)
	if err := w.repos.WebhookDelivery.MarkFailedAttempt(dbc, d.ID, statusCode, errMsg, next); err != nil {
		w.log.Error("mark failed attempt", "delivery_id", d.ID, "error", err)
		return
	}
	if next == nil {
		w.log.Warn("webhook delivery exhausted retries", "delivery_id", d.ID, "job_id", d.JobID, "error", errMsg)
	}
}

// nextRetryAt returns when the next attempt should run after attempts has
// just failed, or nil if the schedule is exhausted.
func nextRetryAt(attempts int) *time.Time {
	if attempts < 1 || attempts > maxAttempts {
		return nil
	}
	if attempts == maxAttempts {
		return nil
	}
	t := time.Now().Add(retryDelays[attempts-1])
	return &t
}
