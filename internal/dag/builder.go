// Package dag implements the pipeline builder: given a job and its
// parameters, produce a topologically valid list of tasks bound to concrete
// engines. Shaped after orchestrator.validateDAG's Kahn's-algorithm pass
// over a stage graph, adapted from a single polling state-blob engine to a
// list of durable Task rows wired to the bus/registry instead.
package dag

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/yungbote/dalston/internal/domain"
	"github.com/yungbote/dalston/internal/platform/apierr"
	"github.com/yungbote/dalston/internal/registry"
)

// stageTemplate describes one predeclared pipeline shape. Deps are linear
// in stage order, so a template is just an
// ordered stage list; align is elided separately when the engine natively
// emits word timestamps.
type stageTemplate []string

var (
	templateDefault = stageTemplate{domain.StagePrepare, domain.StageTranscribe, domain.StageMerge}
	templateAlign   = stageTemplate{domain.StagePrepare, domain.StageTranscribe, domain.StageAlign, domain.StageMerge}
	templateDiarize = stageTemplate{domain.StagePrepare, domain.StageTranscribe, domain.StageAlign, domain.StageDiarize, domain.StageMerge}
)

// Builder resolves a job's requested pipeline into ordered Task rows,
// consulting the engine registry as the model/engine catalog.
type Builder struct {
	reg registry.Registry
}

func New(reg registry.Registry) *Builder {
	return &Builder{reg: reg}
}

// Build returns the task list for job, in topological (here: linear) order,
// each with a freshly minted ID and DependsOn set to its immediate
// predecessor. Fails with apierr.InvalidPipelineConfig if the requested
// model id is unknown to every candidate engine for a stage, or
// apierr.EngineUnavailable if a required stage has no available engine at
// all.
func (b *Builder) Build(ctx context.Context, jobID uuid.UUID, params domain.JobParams) ([]*domain.Task, error) {
	stages := selectTemplate(params)

	tasks := make([]*domain.Task, 0, len(stages)+1)
	var prevID string

	for _, stage := range stages {
		if stage == domain.StageAlign {
			elide, err := b.transcribeEmitsWordTimestamps(ctx, params.ModelID)
			if err != nil {
				return nil, err
			}
			if elide {
				continue
			}
		}

		engineID, cfg, err := b.resolveStage(ctx, stage, params.ModelID)
		if err != nil {
			return nil, err
		}

		var deps []string
		if prevID != "" {
			deps = []string{prevID}
		}

		task := &domain.Task{
			ID:        uuid.New(),
			JobID:     jobID,
			Stage:     stage,
			EngineID:  engineID,
			DependsOn: deps,
			Status:    domain.TaskStatusPending,
		}
		task.Config.Data = cfg
		tasks = append(tasks, task)
		prevID = task.ID.String()
	}

	if params.LLMCleanup {
		engineID, cfg, err := b.resolveStage(ctx, domain.StageCleanup, params.ModelID)
		if err != nil {
			return nil, err
		}
		// cleanup slots in just before merge: merge now depends on cleanup,
		// cleanup depends on what merge used to depend on.
		mergeIdx := len(tasks) - 1
		merge := tasks[mergeIdx]
		cleanup := &domain.Task{
			ID:        uuid.New(),
			JobID:     jobID,
			Stage:     domain.StageCleanup,
			EngineID:  engineID,
			DependsOn: merge.DependsOn,
			Status:    domain.TaskStatusPending,
		}
		cleanup.Config.Data = cfg
		merge.DependsOn = []string{cleanup.ID.String()}
		tasks = append(tasks[:mergeIdx], cleanup, merge)
	}

	return tasks, nil
}

func selectTemplate(params domain.JobParams) stageTemplate {
	switch {
	case params.Diarize:
		return templateDiarize
	case params.WordTimestamps:
		return templateAlign
	default:
		return templateDefault
	}
}

// transcribeEmitsWordTimestamps reports whether the engine bound to the
// transcribe stage for this model declares native_word_timestamps, in which
// case the align stage is elided.
func (b *Builder) transcribeEmitsWordTimestamps(ctx context.Context, modelID string) (bool, error) {
	candidates, err := b.reg.EnginesForStage(ctx, domain.StageTranscribe)
	if err != nil {
		return false, err
	}
	for _, c := range candidates {
		if _, ok := c.RuntimeModelID(modelID); ok {
			return c.NativeWordTimestamps, nil
		}
	}
	return false, nil
}

// resolveStage picks the first available engine declaring the requested
// stage and model, returning task.engine_id = runtime and
// task.config.runtime_model_id = runtime_model_id.
func (b *Builder) resolveStage(ctx context.Context, stage, modelID string) (string, domain.TaskConfig, error) {
	candidates, err := b.reg.EnginesForStage(ctx, stage)
	if err != nil {
		return "", domain.TaskConfig{}, err
	}
	if len(candidates) == 0 {
		return "", domain.TaskConfig{}, apierr.EngineUnavailable(fmt.Errorf("no engine registered for stage %q", stage))
	}
	// Stages that don't key off the requested transcription model (prepare,
	// merge, diarize) bind to any available engine for that stage; stages
	// that do (transcribe, align, cleanup) must support the requested model.
	if !stageIsModelBound(stage) {
		c := candidates[0]
		return c.EngineID, domain.TaskConfig{}, nil
	}
	for _, c := range candidates {
		if runtimeModelID, ok := c.RuntimeModelID(modelID); ok {
			return c.EngineID, domain.TaskConfig{RuntimeModelID: runtimeModelID}, nil
		}
	}
	return "", domain.TaskConfig{}, apierr.InvalidPipelineConfig(fmt.Errorf("model %q is not supported by any engine for stage %q", modelID, stage))
}

func stageIsModelBound(stage string) bool {
	switch stage {
	case domain.StageTranscribe, domain.StageAlign, domain.StageCleanup:
		return true
	default:
		return false
	}
}
