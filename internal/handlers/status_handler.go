package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aviary/internal/common"
	"github.com/ternarybob/aviary/internal/interfaces"
)

// StatusHandler reports service health and runtime stats
type StatusHandler struct {
	scheduler interfaces.SchedulerService
	pool      interfaces.ProfilePool
	startTime time.Time
	logger    arbor.ILogger
}

// NewStatusHandler creates a status handler
func NewStatusHandler(scheduler interfaces.SchedulerService, pool interfaces.ProfilePool, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		scheduler: scheduler,
		pool:      pool,
		startTime: time.Now(),
		logger:    logger,
	}
}

// Health handles GET /health
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status handles GET /api/status
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"version":   common.GetVersion(),
		"uptime":    time.Since(h.startTime).Round(time.Second).String(),
		"scheduler": h.scheduler.Stats(),
		"profiles":  h.pool.Leases(),
	})
}
