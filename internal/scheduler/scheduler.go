// Package scheduler moves ready tasks onto per-engine queues, never
// queueing a task whose engine is unavailable.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/yungbote/dalston/internal/bus"
	"github.com/yungbote/dalston/internal/domain"
	"github.com/yungbote/dalston/internal/platform/apierr"
	"github.com/yungbote/dalston/internal/platform/logger"
	"github.com/yungbote/dalston/internal/registry"
)

// TaskPayload is what's serialized onto an engine's queue: the task record,
// the upstream outputs it depends on, and propagated trace context (spec
// §4.3 "queue_task").
type TaskPayload struct {
	Task             *domain.Task      `json:"task"`
	UpstreamOutputs  map[string]string `json:"upstream_outputs,omitempty"`
	AudioBlobRef     string            `json:"audio_blob_ref,omitempty"`
	TraceID          string            `json:"trace_id,omitempty"`
}

type Scheduler interface {
	// QueueTask validates engine availability, serializes the task payload,
	// appends it to the engine's FIFO queue, and returns the payload bytes
	// that were enqueued (callers mark the task ready after a successful
	// call). Fails with apierr.EngineUnavailable if the engine is down.
	QueueTask(ctx context.Context, task *domain.Task, upstreamOutputs map[string]string, audioBlobRef, traceID string) ([]byte, error)
	// RemoveFromQueue scrubs a not-yet-claimed task from its engine's queue
	// (used by cancellation for tasks still in `ready`), matching by the
	// task ID embedded in the queued payload rather than requiring the
	// caller to retain the exact bytes QueueTask returned.
	RemoveFromQueue(ctx context.Context, task *domain.Task) (bool, error)
}

type scheduler struct {
	bus  bus.Bus
	reg  registry.Registry
	log  *logger.Logger
}

func New(b bus.Bus, reg registry.Registry, log *logger.Logger) Scheduler {
	return &scheduler{bus: b, reg: reg, log: log.With("component", "TaskScheduler")}
}

func (s *scheduler) QueueTask(ctx context.Context, task *domain.Task, upstreamOutputs map[string]string, audioBlobRef, traceID string) ([]byte, error) {
	available, err := s.reg.IsAvailable(ctx, task.EngineID)
	if err != nil {
		return nil, err
	}
	if !available {
		return nil, apierr.EngineUnavailable(fmt.Errorf("engine %q is not available for stage %q", task.EngineID, task.Stage))
	}

	payload := TaskPayload{
		Task:            task,
		UpstreamOutputs: upstreamOutputs,
		AudioBlobRef:    audioBlobRef,
		TraceID:         traceID,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if err := s.bus.Enqueue(ctx, task.EngineID, raw); err != nil {
		return nil, err
	}
	s.log.Debug("task queued", "task_id", task.ID, "engine_id", task.EngineID, "stage", task.Stage)
	return raw, nil
}

func (s *scheduler) RemoveFromQueue(ctx context.Context, task *domain.Task) (bool, error) {
	removed, err := s.bus.ScanAndRemove(ctx, task.EngineID, func(raw []byte) bool {
		var p TaskPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return false
		}
		return p.Task != nil && p.Task.ID == task.ID
	})
	if err != nil {
		return false, err
	}
	if removed {
		s.log.Debug("task scrubbed from queue", "task_id", task.ID, "engine_id", task.EngineID)
	}
	return removed, nil
}
