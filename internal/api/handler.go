package api

import (
	"gauge-tracking-backend/internal/logger"
	"gauge-tracking-backend/internal/service"
)

// Handler holds shared dependencies for API handlers. Handlers only bind
// requests and shape responses; every rule lives in the services.
type Handler struct {
	sets        *service.SetLifecycleService
	cascade     *service.CascadeEngine
	calibration *service.CalibrationWorkflowService
	log         *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(sets *service.SetLifecycleService, cascade *service.CascadeEngine, calibration *service.CalibrationWorkflowService, log *logger.Logger) *Handler {
	return &Handler{
		sets:        sets,
		cascade:     cascade,
		calibration: calibration,
		log:         log.With("component", "api"),
	}
}
