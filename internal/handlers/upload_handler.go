package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aviary/internal/interfaces"
)

// UploadHandler triggers replication to the external tabular service
type UploadHandler struct {
	uploader interfaces.UploadService
	records  interfaces.RecordStorage
	logger   arbor.ILogger
}

// NewUploadHandler creates an upload handler
func NewUploadHandler(uploader interfaces.UploadService, records interfaces.RecordStorage, logger arbor.ILogger) *UploadHandler {
	return &UploadHandler{
		uploader: uploader,
		records:  records,
		logger:   logger,
	}
}

// Upload handles POST /api/upload and POST /api/jobs/{id}/upload. Without a
// job id every unsynced record is pushed.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	result, err := h.uploader.Upload(r.Context(), jobID)
	if err != nil {
		// Partial progress still matters to the caller
		WriteJSON(w, http.StatusBadGateway, map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
			"result": result,
		})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"result": result,
	})
}

// ResetSync handles POST /api/jobs/{id}/reset-sync, clearing sync flags so
// the next upload pushes the job's records again.
func (h *UploadHandler) ResetSync(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	reset, err := h.records.ResetSyncFlag(r.Context(), jobID)
	if err != nil {
		WriteTaggedError(w, err)
		return
	}

	h.logger.Info().Str("job_id", jobID).Int("records", reset).Msg("Sync flags reset")
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"reset":  reset,
	})
}
