package server

import (
	"net/http"

	"github.com/ternarybob/aviary/internal/handlers"
)

// setupRoutes wires all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	jobHandler := handlers.NewJobHandler(s.app.Scheduler, s.app.Logger)
	recordHandler := handlers.NewRecordHandler(s.app.Storage.Records, s.app.Logger)
	uploadHandler := handlers.NewUploadHandler(s.app.Uploader, s.app.Storage.Records, s.app.Logger)
	exportHandler := handlers.NewExportHandler(s.app.Exporter, s.app.Logger)
	statusHandler := handlers.NewStatusHandler(s.app.Scheduler, s.app.Pool, s.app.Logger)
	wsHandler := handlers.NewWebSocketHandler(s.app.Events, s.app.Logger)

	// Jobs
	mux.HandleFunc("POST /api/jobs", jobHandler.Submit)
	mux.HandleFunc("GET /api/jobs", jobHandler.List)
	mux.HandleFunc("GET /api/jobs/{id}", jobHandler.Get)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", jobHandler.Cancel)
	mux.HandleFunc("POST /api/jobs/{id}/restart", jobHandler.Restart)

	// Records
	mux.HandleFunc("GET /api/records", recordHandler.List)
	mux.HandleFunc("PUT /api/records/{id}/category", recordHandler.SetCategory)
	mux.HandleFunc("GET /api/records/export", exportHandler.Export)

	// Uploads
	mux.HandleFunc("POST /api/upload", uploadHandler.Upload)
	mux.HandleFunc("POST /api/jobs/{id}/upload", uploadHandler.Upload)
	mux.HandleFunc("POST /api/jobs/{id}/reset-sync", uploadHandler.ResetSync)

	// Status
	mux.HandleFunc("GET /health", statusHandler.Health)
	mux.HandleFunc("GET /api/status", statusHandler.Status)

	// Progress stream
	mux.HandleFunc("GET /ws", wsHandler.Serve)

	return mux
}
