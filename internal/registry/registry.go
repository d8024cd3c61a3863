// Package registry tracks live engine workers, answers availability
// queries, and gates task dispatch. Shaped after jobs/runtime.Registry's
// in-process sync.RWMutex-guarded map but backed by the bus instead of
// memory, since engine workers here live in separate OS processes with no
// shared memory across the boundary.
package registry

import (
	"context"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/yungbote/dalston/internal/bus"
	"github.com/yungbote/dalston/internal/platform/logger"
)

// HeartbeatTTL is the liveness window: an engine silent for this long is
// no longer available.
const HeartbeatTTL = 60 * time.Second

// HeartbeatInterval is the cadence workers are expected to heartbeat at:
// every 10s, tolerating up to five missed sends before HeartbeatTTL trips.
const HeartbeatInterval = 10 * time.Second

const (
	EngineStatusIdle       = "idle"
	EngineStatusProcessing = "processing"
	EngineStatusOffline    = "offline"
)

// Info is what a worker announces on registration.
//
// SupportedModels maps a client-facing model id to the engine's own
// runtime_model_id for that model: the requested model id maps to
// (runtime, runtime_model_id). NativeWordTimestamps declares whether the
// engine emits word-level timestamps itself, letting the DAG builder elide
// the align stage.
type Info struct {
	EngineID              string
	Stage                 string
	QueueName             string
	SupportedModels       map[string]string
	NativeWordTimestamps  bool
	Status                string
	CurrentTaskID         string
}

// Registration is the read-back shape of an engine record.
type Registration struct {
	EngineID             string
	Stage                string
	QueueName            string
	SupportedModels      map[string]string
	NativeWordTimestamps bool
	Status               string
	CurrentTaskID        string
	LastHeartbeat        time.Time
	RegisteredAt         time.Time
}

// RuntimeModelID looks up the runtime-native id for a client-facing model
// id, reporting whether this engine declares support for it at all.
func (r Registration) RuntimeModelID(modelID string) (string, bool) {
	v, ok := r.SupportedModels[modelID]
	return v, ok
}

func (r Registration) Available() bool {
	if r.Status == EngineStatusOffline {
		return false
	}
	return time.Since(r.LastHeartbeat) < HeartbeatTTL
}

// Registry is the engine registry's public operations surface.
type Registry interface {
	Register(ctx context.Context, info Info) error
	Heartbeat(ctx context.Context, engineID string, status string, currentTaskID string) (bool, error)
	Unregister(ctx context.Context, engineID string) error
	IsAvailable(ctx context.Context, engineID string) (bool, error)
	EnginesForStage(ctx context.Context, stage string) ([]Registration, error)
}

type registry struct {
	bus bus.Bus
	log *logger.Logger
	// catalog is a bounded read-through cache of per-engine registrations,
	// backed by the bus's engine set and wired to hashicorp/golang-lru so
	// repeated EnginesForStage calls during a DAG build burst don't hammer
	// Redis.
	catalog *lru.Cache[string, Registration]
}

func New(b bus.Bus, log *logger.Logger) Registry {
	cache, _ := lru.New[string, Registration](512)
	return &registry{bus: b, log: log.With("component", "EngineRegistry"), catalog: cache}
}

func (r *registry) Register(ctx context.Context, info Info) error {
	fields := infoToFields(info)
	if err := r.bus.RegisterEngine(ctx, info.EngineID, fields, HeartbeatTTL); err != nil {
		return err
	}
	r.catalog.Remove(info.EngineID)
	r.log.Info("engine registered", "engine_id", info.EngineID, "stage", info.Stage)
	return nil
}

func (r *registry) Heartbeat(ctx context.Context, engineID string, status string, currentTaskID string) (bool, error) {
	fields := map[string]string{
		"status":          status,
		"current_task_id": currentTaskID,
		"last_heartbeat":  strconv.FormatInt(time.Now().Unix(), 10),
	}
	ok, err := r.bus.HeartbeatEngine(ctx, engineID, fields, HeartbeatTTL)
	if err != nil {
		return false, err
	}
	r.catalog.Remove(engineID)
	if !ok {
		r.log.Warn("heartbeat against expired/missing registration", "engine_id", engineID)
	}
	return ok, nil
}

func (r *registry) Unregister(ctx context.Context, engineID string) error {
	r.catalog.Remove(engineID)
	return r.bus.UnregisterEngine(ctx, engineID)
}

func (r *registry) IsAvailable(ctx context.Context, engineID string) (bool, error) {
	reg, ok, err := r.get(ctx, engineID)
	if err != nil || !ok {
		return false, err
	}
	return reg.Available(), nil
}

func (r *registry) EnginesForStage(ctx context.Context, stage string) ([]Registration, error) {
	ids, err := r.bus.ListEngines(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Registration, 0, len(ids))
	for _, id := range ids {
		reg, ok, err := r.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok || !reg.Available() || reg.Stage != stage {
			continue
		}
		out = append(out, reg)
	}
	return out, nil
}

func (r *registry) get(ctx context.Context, engineID string) (Registration, bool, error) {
	if cached, ok := r.catalog.Get(engineID); ok {
		return cached, true, nil
	}
	fields, ok, err := r.bus.GetEngine(ctx, engineID)
	if err != nil || !ok {
		return Registration{}, false, err
	}
	reg := fieldsToRegistration(engineID, fields)
	r.catalog.Add(engineID, reg)
	return reg, true, nil
}

func infoToFields(info Info) map[string]string {
	return map[string]string{
		"stage":                  info.Stage,
		"queue_name":             info.QueueName,
		"supported_models":       joinModels(info.SupportedModels),
		"native_word_timestamps": strconv.FormatBool(info.NativeWordTimestamps),
		"status":                 info.Status,
		"current_task_id":        info.CurrentTaskID,
		"last_heartbeat":         strconv.FormatInt(time.Now().Unix(), 10),
		"registered_at":          strconv.FormatInt(time.Now().Unix(), 10),
	}
}

func fieldsToRegistration(engineID string, fields map[string]string) Registration {
	reg := Registration{
		EngineID:             engineID,
		Stage:                fields["stage"],
		QueueName:            fields["queue_name"],
		SupportedModels:      splitModels(fields["supported_models"]),
		NativeWordTimestamps: fields["native_word_timestamps"] == "true",
		Status:               fields["status"],
		CurrentTaskID:        fields["current_task_id"],
	}
	if v, err := strconv.ParseInt(fields["last_heartbeat"], 10, 64); err == nil {
		reg.LastHeartbeat = time.Unix(v, 0)
	}
	if v, err := strconv.ParseInt(fields["registered_at"], 10, 64); err == nil {
		reg.RegisteredAt = time.Unix(v, 0)
	}
	return reg
}

// joinModels/splitModels encode the model-id -> runtime-model-id map as a
// "k=v,k=v" string for the Redis hash field — a flat scalar value per hash
// field, matching how the rest of the registration is stored.
func joinModels(models map[string]string) string {
	out := ""
	first := true
	for k, v := range models {
		if !first {
			out += ","
		}
		first = false
		out += k + "=" + v
	}
	return out
}

func splitModels(csv string) map[string]string {
	if csv == "" {
		return nil
	}
	out := map[string]string{}
	for _, pair := range strings.Split(csv, ",") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			continue
		}
		out[kv[0]] = kv[1]
	}
	return out
}
