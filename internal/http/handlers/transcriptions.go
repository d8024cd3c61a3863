package handlers

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/dalston/internal/blob"
	"github.com/yungbote/dalston/internal/bus"
	"github.com/yungbote/dalston/internal/data/repos"
	"github.com/yungbote/dalston/internal/domain"
	"github.com/yungbote/dalston/internal/http/response"
	"github.com/yungbote/dalston/internal/pkg/dbctx"
	"github.com/yungbote/dalston/internal/platform/apierr"
	"github.com/yungbote/dalston/internal/platform/ctxutil"
	"github.com/yungbote/dalston/internal/platform/logger"
	"github.com/yungbote/dalston/internal/transcript"
)

const maxUploadBytes = 1 << 30 // 1 GiB; generous cap against an unbounded body, not a product limit.

// TranscriptionHandler implements the batch job surface: create, get,
// cancel, export. Creation writes the Job row and publishes job.created;
// everything past that point belongs to the Orchestrator.
type TranscriptionHandler struct {
	repos repos.Repos
	bus   bus.Bus
	blobs blob.Store
	log   *logger.Logger
}

func NewTranscriptionHandler(r repos.Repos, b bus.Bus, blobs blob.Store, log *logger.Logger) *TranscriptionHandler {
	return &TranscriptionHandler{repos: r, bus: b, blobs: blobs, log: log.With("handler", "TranscriptionHandler")}
}

// POST /v1/audio/transcriptions
func (h *TranscriptionHandler) Create(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	if err := c.Request.ParseMultipartForm(maxUploadBytes); err != nil {
		response.RespondError(c, http.StatusBadRequest, apierr.CodeInvalidRequest, err)
		return
	}
	form := c.Request.MultipartForm

	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, apierr.CodeInvalidRequest, fmt.Errorf("missing form field \"file\": %w", err))
		return
	}
	model := formValue(form, "model")
	if model == "" {
		response.RespondError(c, http.StatusBadRequest, apierr.CodeInvalidRequest, fmt.Errorf("missing form field \"model\""))
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, apierr.CodeInvalidRequest, fmt.Errorf("open uploaded file: %w", err))
		return
	}
	defer file.Close()

	audioRef, err := h.blobs.Put("audio", file)
	if err != nil {
		response.RespondErr(c, fmt.Errorf("store uploaded audio: %w", err))
		return
	}

	params := domain.JobParams{
		ModelID:         model,
		Language:        formValue(form, "language"),
		Diarize:         formBool(form, "speaker_detection"),
		WordTimestamps:  formBool(form, "word_timestamps"),
		WebhookURL:      formValue(form, "webhook_url"),
		WebhookMetadata: formValue(form, "webhook_metadata"),
	}

	job := &domain.Job{
		ID:             uuid.New(),
		TenantID:       ctxutil.GetTenantID(c.Request.Context()),
		Status:         domain.JobStatusPending,
		AudioBlobRef:   audioRef,
		WebhookMetadata: params.WebhookMetadata,
	}
	job.Params.Data = params

	dbc := dbctx.Context{Ctx: c.Request.Context()}
	if _, err := h.repos.Job.Create(dbc, job); err != nil {
		response.RespondErr(c, err)
		return
	}
	if err := h.bus.Publish(c.Request.Context(), bus.Event{Type: bus.EventJobCreated, JobID: job.ID.String()}); err != nil {
		h.log.Error("publish job.created failed", "job_id", job.ID, "error", err)
	}

	c.JSON(http.StatusAccepted, jobView(job, nil))
}

// GET /v1/audio/transcriptions/:job_id
func (h *TranscriptionHandler) Get(c *gin.Context) {
	job, err := h.lookupJob(c)
	if err != nil {
		response.RespondErr(c, err)
		return
	}

	var t *transcript.Transcript
	if job.Status == domain.JobStatusCompleted && job.TranscriptBlobRef != "" {
		t, err = h.loadTranscript(job.TranscriptBlobRef)
		if err != nil {
			h.log.Warn("load transcript failed", "job_id", job.ID, "error", err)
		}
	}
	c.JSON(http.StatusOK, jobView(job, t))
}

// POST /v1/audio/transcriptions/:job_id/cancel
func (h *TranscriptionHandler) Cancel(c *gin.Context) {
	job, err := h.lookupJob(c)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	if domain.JobStatusTerminal(job.Status) {
		response.RespondErr(c, apierr.Conflict(fmt.Errorf("job %s is already %s", job.ID, job.Status)))
		return
	}

	dbc := dbctx.Context{Ctx: c.Request.Context()}
	changed, err := h.repos.Job.UpdateFieldsUnlessStatus(dbc, job.ID,
		[]string{domain.JobStatusCancelling, domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled},
		map[string]interface{}{"status": domain.JobStatusCancelling})
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	if changed {
		if err := h.bus.Publish(c.Request.Context(), bus.Event{Type: bus.EventJobCancelRequested, JobID: job.ID.String()}); err != nil {
			h.log.Error("publish job.cancel_requested failed", "job_id", job.ID, "error", err)
		}
		job.Status = domain.JobStatusCancelling
	}
	c.JSON(http.StatusOK, jobView(job, nil))
}

// GET /v1/audio/transcriptions/:job_id/export/:format
func (h *TranscriptionHandler) Export(c *gin.Context) {
	format := c.Param("format")
	if !transcript.ValidFormat(format) {
		response.RespondError(c, http.StatusBadRequest, apierr.CodeInvalidRequest, fmt.Errorf("unsupported export format %q", format))
		return
	}

	job, err := h.lookupJob(c)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	if job.Status != domain.JobStatusCompleted || job.TranscriptBlobRef == "" {
		response.RespondError(c, http.StatusBadRequest, apierr.CodeInvalidRequest, fmt.Errorf("job %s is not complete", job.ID))
		return
	}

	t, err := h.loadTranscript(job.TranscriptBlobRef)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	body, contentType, err := transcript.Render(t, format)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, apierr.CodeInvalidRequest, err)
		return
	}
	c.Data(http.StatusOK, contentType, body)
}

func (h *TranscriptionHandler) lookupJob(c *gin.Context) (*domain.Job, error) {
	jobID, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		return nil, apierr.InvalidRequest(fmt.Errorf("invalid job_id: %w", err))
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	job, err := h.repos.Job.GetByID(dbc, jobID)
	if err != nil {
		return nil, apierr.NotFound(fmt.Errorf("job %s not found", jobID))
	}
	return job, nil
}

func (h *TranscriptionHandler) loadTranscript(ref string) (*transcript.Transcript, error) {
	r, err := h.blobs.Open(ref)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return transcript.Parse(r)
}

func jobView(job *domain.Job, t *transcript.Transcript) gin.H {
	view := gin.H{
		"id":         job.ID,
		"status":     job.Status,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	}
	if job.Error != "" {
		view["error"] = job.Error
	}
	if job.CompletedAt != nil {
		view["completed_at"] = job.CompletedAt
	}
	if t != nil {
		view["text"] = t.Text
		view["segments"] = t.Segments
	}
	return view
}

func formValue(form *multipart.Form, key string) string {
	if form == nil {
		return ""
	}
	if v, ok := form.Value[key]; ok && len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

func formBool(form *multipart.Form, key string) bool {
	v := formValue(form, key)
	if v == "" {
		return false
	}
	b, _ := strconv.ParseBool(v)
	return b
}
