// Package orchestrator implements the event handlers that react to bus
// events and drive jobs and tasks to a terminal state. Shaped after
// DAGEngine's stage graph, retry-on-failure, and terminal-state bookkeeping,
// but rebuilt around durable Task rows and bus events instead of a single
// polled JSON state blob, since the engines here are separate OS processes
// consuming per-engine queues rather than inline stage callbacks.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/dalston/internal/bus"
	"github.com/yungbote/dalston/internal/dag"
	"github.com/yungbote/dalston/internal/data/repos"
	"github.com/yungbote/dalston/internal/domain"
	"github.com/yungbote/dalston/internal/pkg/dbctx"
	"github.com/yungbote/dalston/internal/platform/apierr"
	"github.com/yungbote/dalston/internal/platform/logger"
	"github.com/yungbote/dalston/internal/scheduler"
)

// Orchestrator subscribes to the bus's event channel and drives Job/Task
// state transitions. It never retries a task itself — retries are the
// engine's own choice via idempotent re-consumption — it only reacts to
// completion/failure/cancellation signals.
type Orchestrator struct {
	repos repos.Repos
	bus   bus.Bus
	sched scheduler.Scheduler
	build *dag.Builder
	log   *logger.Logger
}

func New(r repos.Repos, b bus.Bus, sched scheduler.Scheduler, builder *dag.Builder, log *logger.Logger) *Orchestrator {
	return &Orchestrator{repos: r, bus: b, sched: sched, build: builder, log: log.With("component", "Orchestrator")}
}

// Start subscribes to the bus and dispatches each event to its handler. A
// handler panic/error is caught, logged, and — where job state permits —
// turned into a failure of the job the event names (an event carrying no
// job ID is only logged); the subscriber loop itself never dies on a
// handler exception.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.bus.Subscribe(ctx, func(evt bus.Event) {
		o.dispatch(ctx, evt)
	})
}

func (o *Orchestrator) dispatch(ctx context.Context, evt bus.Event) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("handler panic", "event_type", evt.Type, "recover", fmt.Sprintf("%v", r))
			if jobID, perr := uuid.Parse(evt.JobID); perr == nil {
				_ = o.failJob(ctx, jobID, fmt.Sprintf("handler panic: %v", r))
			}
		}
	}()

	var err error
	switch evt.Type {
	case bus.EventJobCreated:
		err = o.handleJobCreated(ctx, evt.JobID)
	case bus.EventTaskCompleted:
		err = o.handleTaskCompleted(ctx, evt.TaskID, evt.Data)
	case bus.EventTaskFailed:
		err = o.handleTaskFailed(ctx, evt.TaskID, evt.Error)
	case bus.EventJobCancelRequested:
		err = o.handleJobCancelRequested(ctx, evt.JobID)
	case bus.EventJobCompleted:
		err = o.handleJobTerminalWebhooks(ctx, evt.JobID, domain.WebhookEventTranscriptionCompleted)
	case bus.EventJobFailed:
		err = o.handleJobTerminalWebhooks(ctx, evt.JobID, domain.WebhookEventTranscriptionFailed)
	case bus.EventJobCancelled:
		err = o.handleJobTerminalWebhooks(ctx, evt.JobID, domain.WebhookEventTranscriptionCancelled)
	default:
		o.log.Warn("unknown bus event type", "type", evt.Type)
		return
	}
	if err != nil {
		o.log.Error("handler failed", "event_type", evt.Type, "job_id", evt.JobID, "task_id", evt.TaskID, "error", err)
		if jobID, perr := uuid.Parse(evt.JobID); perr == nil {
			_ = o.failJob(ctx, jobID, err.Error())
		}
	}
}

// handleJobCreated builds the DAG, persists its tasks, and queues every
// task whose dependency set is empty.
func (o *Orchestrator) handleJobCreated(ctx context.Context, jobIDStr string) error {
	jobID, err := uuid.Parse(jobIDStr)
	if err != nil {
		return err
	}
	dbc := dbctx.Context{Ctx: ctx}

	job, err := o.repos.Job.GetByID(dbc, jobID)
	if err != nil {
		return err
	}

	// Guard: the job may already have been cancelled between submission and
	// this handler running.
	if job.Status == domain.JobStatusCancelling || job.Status == domain.JobStatusCancelled {
		return o.publish(ctx, bus.EventJobCancelled, job.ID, "", "")
	}

	tasks, buildErr := o.build.Build(ctx, job.ID, job.Params.Data)
	if buildErr != nil {
		return o.failJob(ctx, job.ID, buildErr.Error())
	}

	if _, err := o.repos.Task.CreateMany(dbc, tasks); err != nil {
		return err
	}

	if _, err := o.repos.Job.UpdateFieldsUnlessStatus(dbc, job.ID,
		[]string{domain.JobStatusCancelling, domain.JobStatusCancelled, domain.JobStatusCompleted, domain.JobStatusFailed}, map[string]interface{}{
			"status": domain.JobStatusRunning,
		}); err != nil {
		return err
	}

	for _, t := range tasks {
		if len(t.DependsOn) != 0 {
			continue
		}
		if err := o.queueTask(ctx, job, t, nil); err != nil {
			return err
		}
	}
	return nil
}

// handleTaskCompleted marks the task completed (idempotently — a replayed
// event is a no-op), advances every downstream task whose dependencies are
// now all satisfied, and transitions the job to completed once nothing
// non-terminal remains.
func (o *Orchestrator) handleTaskCompleted(ctx context.Context, taskIDStr string, data map[string]any) error {
	taskID, err := uuid.Parse(taskIDStr)
	if err != nil {
		return err
	}
	dbc := dbctx.Context{Ctx: ctx}

	task, err := o.repos.Task.GetByID(dbc, taskID)
	if err != nil {
		return err
	}
	job, err := o.repos.Job.GetByID(dbc, task.JobID)
	if err != nil {
		return err
	}

	outputRef, _ := data["output_ref"].(string)
	now := time.Now()

	taskTerminal := []string{
		domain.TaskStatusCompleted, domain.TaskStatusFailed, domain.TaskStatusCancelled, domain.TaskStatusSkipped,
	}

	if job.Status == domain.JobStatusCancelling {
		// Still record the terminal state for this task even while draining.
		_, err := o.repos.Task.UpdateFieldsUnlessStatus(dbc, task.ID, taskTerminal, map[string]interface{}{
			"status": domain.TaskStatusCompleted, "output_ref": outputRef, "finished_at": now,
		})
		if err != nil {
			return err
		}
		return o.completeCancellationIfDrained(ctx, job.ID)
	}

	changed, err := o.repos.Task.UpdateFieldsUnlessStatus(dbc, task.ID, taskTerminal, map[string]interface{}{
		"status": domain.TaskStatusCompleted, "output_ref": outputRef, "finished_at": now,
	})
	if err != nil {
		return err
	}
	if !changed {
		// Replayed delivery of an already-terminal task: no-op.
		return nil
	}

	siblings, err := o.repos.Task.ListByJobID(dbc, task.JobID)
	if err != nil {
		return err
	}
	for _, sib := range siblings {
		if sib.Status != domain.TaskStatusPending {
			continue
		}
		if !dependsSatisfied(sib, siblings) {
			continue
		}
		if err := o.queueTask(ctx, job, sib, upstreamOutputs(sib, siblings)); err != nil {
			return err
		}
	}

	remaining, err := o.repos.Task.ListNonTerminalByJobID(dbc, job.ID)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		if _, err := o.repos.Job.UpdateFieldsUnlessStatus(dbc, job.ID,
			[]string{domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled}, map[string]interface{}{
				"status": domain.JobStatusCompleted, "transcript_blob_ref": outputRef, "completed_at": now,
			}); err != nil {
			return err
		}
		return o.publish(ctx, bus.EventJobCompleted, job.ID, "", "")
	}
	return nil
}

// handleTaskFailed fails the task, fails the job, and skips every other
// not-yet-terminal sibling task — no per-task retry at this layer (spec
// §4.4; retries are the engine's own idempotent-reconsumption choice).
func (o *Orchestrator) handleTaskFailed(ctx context.Context, taskIDStr, errMsg string) error {
	taskID, err := uuid.Parse(taskIDStr)
	if err != nil {
		return err
	}
	dbc := dbctx.Context{Ctx: ctx}

	task, err := o.repos.Task.GetByID(dbc, taskID)
	if err != nil {
		return err
	}
	now := time.Now()
	if err := o.repos.Task.UpdateFields(dbc, task.ID, map[string]interface{}{
		"status": domain.TaskStatusFailed, "error": errMsg, "finished_at": now,
	}); err != nil {
		return err
	}

	siblings, err := o.repos.Task.ListNonTerminalByJobID(dbc, task.JobID)
	if err != nil {
		return err
	}
	for _, sib := range siblings {
		if err := o.repos.Task.UpdateFields(dbc, sib.ID, map[string]interface{}{
			"status": domain.TaskStatusSkipped,
		}); err != nil {
			return err
		}
	}

	if err := o.failJob(ctx, task.JobID, errMsg); err != nil {
		return err
	}
	return nil
}

// handleJobCancelRequested transitions a pending/running job to cancelling,
// scrubs not-yet-claimed tasks from their engine queues, and cancels them
// immediately; running tasks are left to finish naturally (a soft cancel).
func (o *Orchestrator) handleJobCancelRequested(ctx context.Context, jobIDStr string) error {
	jobID, err := uuid.Parse(jobIDStr)
	if err != nil {
		return err
	}
	dbc := dbctx.Context{Ctx: ctx}

	job, err := o.repos.Job.GetByID(dbc, jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusPending && job.Status != domain.JobStatusRunning {
		// Already cancelling/terminal: no-op (idempotent re-delivery, or the
		// gateway already rejected a second cancel with 409).
		return nil
	}
	if _, err := o.repos.Job.UpdateFieldsUnlessStatus(dbc, job.ID,
		[]string{domain.JobStatusCancelling, domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled},
		map[string]interface{}{"status": domain.JobStatusCancelling}); err != nil {
		return err
	}

	tasks, err := o.repos.Task.ListNonTerminalByJobID(dbc, job.ID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		switch t.Status {
		case domain.TaskStatusReady:
			if _, err := o.sched.RemoveFromQueue(ctx, t); err != nil {
				o.log.Warn("scrub failed", "task_id", t.ID, "error", err)
			}
			if err := o.repos.Task.UpdateFields(dbc, t.ID, map[string]interface{}{"status": domain.TaskStatusCancelled}); err != nil {
				return err
			}
		case domain.TaskStatusPending:
			if err := o.repos.Task.UpdateFields(dbc, t.ID, map[string]interface{}{"status": domain.TaskStatusCancelled}); err != nil {
				return err
			}
		case domain.TaskStatusRunning:
			// Left to finish naturally.
		}
	}

	return o.completeCancellationIfDrained(ctx, job.ID)
}

func (o *Orchestrator) completeCancellationIfDrained(ctx context.Context, jobID uuid.UUID) error {
	dbc := dbctx.Context{Ctx: ctx}
	remaining, err := o.repos.Task.ListNonTerminalByJobID(dbc, jobID)
	if err != nil {
		return err
	}
	if len(remaining) != 0 {
		return nil
	}
	changed, err := o.repos.Job.UpdateFieldsUnlessStatus(dbc, jobID,
		[]string{domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled}, map[string]interface{}{
			"status": domain.JobStatusCancelled,
		})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return o.publish(ctx, bus.EventJobCancelled, jobID, "", "")
}

// handleJobTerminalWebhooks enqueues one WebhookDelivery row per matching
// active endpoint, plus one more for a legacy per-job URL override, when a
// job reaches a terminal bus event.
func (o *Orchestrator) handleJobTerminalWebhooks(ctx context.Context, jobIDStr, eventType string) error {
	jobID, err := uuid.Parse(jobIDStr)
	if err != nil {
		return err
	}
	dbc := dbctx.Context{Ctx: ctx}

	job, err := o.repos.Job.GetByID(dbc, jobID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]any{
		"event":            eventType,
		"job_id":           job.ID.String(),
		"status":           job.Status,
		"error":            job.Error,
		"webhook_metadata": job.WebhookMetadata,
	})
	if err != nil {
		return err
	}

	endpoints, err := o.repos.WebhookEndpoint.ListActiveByTenantAndEvent(dbc, job.TenantID, eventType)
	if err != nil {
		return err
	}

	now := time.Now()
	deliveries := make([]*domain.WebhookDelivery, 0, len(endpoints)+1)
	for _, ep := range endpoints {
		id := ep.ID
		deliveries = append(deliveries, &domain.WebhookDelivery{
			EndpointID:  &id,
			JobID:       job.ID,
			EventType:   eventType,
			Payload:     payload,
			Status:      domain.WebhookDeliveryStatusPending,
			NextRetryAt: now,
		})
	}
	if job.Params.Data.WebhookURL != "" {
		deliveries = append(deliveries, &domain.WebhookDelivery{
			JobID:       job.ID,
			EventType:   eventType,
			Payload:     payload,
			URLOverride: job.Params.Data.WebhookURL,
			Status:      domain.WebhookDeliveryStatusPending,
			NextRetryAt: now,
		})
	}
	if len(deliveries) == 0 {
		return nil
	}
	_, err = o.repos.WebhookDelivery.CreateMany(dbc, deliveries)
	return err
}

// queueTask resolves the upstream outputs a task depends on, hands it to
// the scheduler, and marks it ready; an EngineUnavailable failure fails the
// whole job immediately rather than leaving it stuck pending.
func (o *Orchestrator) queueTask(ctx context.Context, job *domain.Job, task *domain.Task, upstream map[string]string) error {
	if _, err := o.sched.QueueTask(ctx, task, upstream, job.AudioBlobRef, task.TraceID); err != nil {
		if apierr.Is(err, apierr.CodeEngineUnavailable) {
			return o.failJob(ctx, job.ID, err.Error())
		}
		return err
	}
	dbc := dbctx.Context{Ctx: ctx}
	return o.repos.Task.UpdateFields(dbc, task.ID, map[string]interface{}{"status": domain.TaskStatusReady})
}

func (o *Orchestrator) failJob(ctx context.Context, jobID uuid.UUID, errMsg string) error {
	dbc := dbctx.Context{Ctx: ctx}
	changed, err := o.repos.Job.UpdateFieldsUnlessStatus(dbc, jobID,
		[]string{domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled}, map[string]interface{}{
			"status": domain.JobStatusFailed, "error": errMsg,
		})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	remaining, err := o.repos.Task.ListNonTerminalByJobID(dbc, jobID)
	if err != nil {
		return err
	}
	for _, t := range remaining {
		if err := o.repos.Task.UpdateFields(dbc, t.ID, map[string]interface{}{"status": domain.TaskStatusSkipped}); err != nil {
			return err
		}
	}
	return o.publish(ctx, bus.EventJobFailed, jobID, "", errMsg)
}

func (o *Orchestrator) publish(ctx context.Context, eventType string, jobID uuid.UUID, taskID, errMsg string) error {
	return o.bus.Publish(ctx, bus.Event{Type: eventType, JobID: jobID.String(), TaskID: taskID, Error: errMsg})
}

func dependsSatisfied(t *domain.Task, all []*domain.Task) bool {
	if len(t.DependsOn) == 0 {
		return true
	}
	byID := make(map[string]*domain.Task, len(all))
	for _, x := range all {
		byID[x.ID.String()] = x
	}
	for _, depID := range t.DependsOn {
		dep, ok := byID[depID]
		if !ok || dep.Status != domain.TaskStatusCompleted {
			return false
		}
	}
	return true
}

func upstreamOutputs(t *domain.Task, all []*domain.Task) map[string]string {
	byID := make(map[string]*domain.Task, len(all))
	for _, x := range all {
		byID[x.ID.String()] = x
	}
	out := make(map[string]string, len(t.DependsOn))
	for _, depID := range t.DependsOn {
		if dep, ok := byID[depID]; ok {
			out[depID] = dep.OutputRef
		}
	}
	return out
}
