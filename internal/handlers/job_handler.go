package handlers

import (
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aviary/internal/interfaces"
	"github.com/ternarybob/aviary/internal/models"
)

// JobHandler exposes job lifecycle operations
type JobHandler struct {
	scheduler interfaces.SchedulerService
	validate  *validator.Validate
	logger    arbor.ILogger
}

// NewJobHandler creates a job handler
func NewJobHandler(scheduler interfaces.SchedulerService, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		scheduler: scheduler,
		validate:  validator.New(),
		logger:    logger,
	}
}

// Submit handles POST /api/jobs
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var spec models.JobSpec
	if !DecodeAndValidate(w, r, h.validate, &spec) {
		return
	}

	jobID, err := h.scheduler.Submit(r.Context(), spec)
	if err != nil {
		WriteTaggedError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, map[string]string{
		"job_id": jobID,
		"status": string(models.JobStatusPending),
	})
}

// List handles GET /api/jobs
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := PagingParams(r, 50, 500)
	opts := &interfaces.JobListOptions{
		Status: strings.TrimSpace(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	}

	jobs, err := h.scheduler.List(r.Context(), opts)
	if err != nil {
		WriteTaggedError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// Get handles GET /api/jobs/{id}
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.scheduler.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// Cancel handles POST /api/jobs/{id}/cancel
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := h.scheduler.Cancel(r.Context(), jobID); err != nil {
		WriteTaggedError(w, err)
		return
	}
	h.logger.Info().Str("job_id", jobID).Msg("Cancellation requested")
	WriteSuccess(w, "cancellation requested")
}

// Restart handles POST /api/jobs/{id}/restart
func (h *JobHandler) Restart(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := h.scheduler.Restart(r.Context(), jobID); err != nil {
		WriteTaggedError(w, err)
		return
	}
	WriteSuccess(w, "job requeued")
}
