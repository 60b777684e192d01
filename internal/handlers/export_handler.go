package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aviary/internal/models"
	"github.com/ternarybob/aviary/internal/services/export"
)

// ExportHandler streams record exports
type ExportHandler struct {
	exporter *export.Service
	logger   arbor.ILogger
}

// NewExportHandler creates an export handler
func NewExportHandler(exporter *export.Service, logger arbor.ILogger) *ExportHandler {
	return &ExportHandler{exporter: exporter, logger: logger}
}

// Export handles GET /api/records/export?format=json|csv|xlsx
func (h *ExportHandler) Export(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		WriteTaggedError(w, err)
		return
	}

	filter := &models.RecordFilter{
		JobID:    r.URL.Query().Get("job_id"),
		Category: r.URL.Query().Get("category"),
	}

	filename := fmt.Sprintf("records-%s.%s", time.Now().Format("20060102-150405"), format)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	if err := h.exporter.Export(r.Context(), filter, format, w); err != nil {
		// Headers are gone; all that remains is logging the failure
		h.logger.Warn().Err(err).Str("format", string(format)).Msg("Export failed mid-stream")
	}
}
