package handlers

import (
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aviary/internal/interfaces"
	"github.com/ternarybob/aviary/internal/models"
)

// RecordHandler exposes record listing and category overrides
type RecordHandler struct {
	records  interfaces.RecordStorage
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewRecordHandler creates a record handler
func NewRecordHandler(records interfaces.RecordStorage, logger arbor.ILogger) *RecordHandler {
	return &RecordHandler{
		records:  records,
		validate: validator.New(),
		logger:   logger,
	}
}

// List handles GET /api/records
func (h *RecordHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := PagingParams(r, 100, 1000)
	filter := &models.RecordFilter{
		JobID:    r.URL.Query().Get("job_id"),
		Author:   r.URL.Query().Get("author"),
		Category: r.URL.Query().Get("category"),
		Limit:    limit,
		Offset:   offset,
	}
	if synced := strings.TrimSpace(r.URL.Query().Get("synced")); synced != "" {
		value := synced == "true" || synced == "1"
		filter.Synced = &value
	}

	records, err := h.records.ListRecords(r.Context(), filter)
	if err != nil {
		WriteTaggedError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

type setCategoryRequest struct {
	Category string `json:"category" validate:"required,max=64"`
}

// SetCategory handles PUT /api/records/{id}/category. The override is
// authoritative; the classifier never touches it again.
func (h *RecordHandler) SetCategory(w http.ResponseWriter, r *http.Request) {
	recordID := r.PathValue("id")

	var req setCategoryRequest
	if !DecodeAndValidate(w, r, h.validate, &req) {
		return
	}

	if err := h.records.SetCategory(r.Context(), recordID, req.Category); err != nil {
		WriteTaggedError(w, err)
		return
	}

	h.logger.Debug().
		Str("record_id", recordID).
		Str("category", req.Category).
		Msg("Category override applied")
	WriteSuccess(w, "category updated")
}
