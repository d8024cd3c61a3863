package repos

import (
	"gorm.io/gorm"

	"github.com/yungbote/dalston/internal/data/repos/jobs"
	"github.com/yungbote/dalston/internal/data/repos/realtime"
	"github.com/yungbote/dalston/internal/data/repos/webhooks"
	"github.com/yungbote/dalston/internal/platform/logger"
)

type JobRepo = jobs.JobRepo
type TaskRepo = jobs.TaskRepo
type WebhookEndpointRepo = webhooks.EndpointRepo
type WebhookDeliveryRepo = webhooks.DeliveryRepo
type RealtimeSessionRepo = realtime.SessionRepo
type RealtimeWorkerRepo = realtime.WorkerRepo

// Repos bundles every durable-store repository the app wires together.
type Repos struct {
	Job             JobRepo
	Task            TaskRepo
	WebhookEndpoint WebhookEndpointRepo
	WebhookDelivery WebhookDeliveryRepo
	RealtimeSession RealtimeSessionRepo
	RealtimeWorker  RealtimeWorkerRepo
}

func Wire(gdb *gorm.DB, log *logger.Logger) Repos {
	return Repos{
		Job:             jobs.NewJobRepo(gdb, log),
		Task:            jobs.NewTaskRepo(gdb, log),
		WebhookEndpoint: webhooks.NewEndpointRepo(gdb, log),
		WebhookDelivery: webhooks.NewDeliveryRepo(gdb, log),
		RealtimeSession: realtime.NewSessionRepo(gdb, log),
		RealtimeWorker:  realtime.NewWorkerRepo(gdb, log),
	}
}
