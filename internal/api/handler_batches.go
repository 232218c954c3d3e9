package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gauge-tracking-backend/internal/mw"
	"gauge-tracking-backend/internal/service"
)

// CreateBatch handles POST /api/batches.
func (h *Handler) CreateBatch(c *gin.Context) {
	var req service.CreateBatchInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	batch, err := h.calibration.CreateBatch(c.Request.Context(), req, mw.ActingUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, batch)
}

// GetBatch handles GET /api/batches/{batch_id}.
func (h *Handler) GetBatch(c *gin.Context) {
	batchID, ok := pathID(c, "batch_id")
	if !ok {
		return
	}
	batch, err := h.calibration.GetBatch(c.Request.Context(), batchID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

// GetBatchStatistics handles GET /api/batches/{batch_id}/statistics.
func (h *Handler) GetBatchStatistics(c *gin.Context) {
	batchID, ok := pathID(c, "batch_id")
	if !ok {
		return
	}
	stats, err := h.calibration.BatchStatistics(c.Request.Context(), batchID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type addGaugeRequest struct {
	GaugeID int64 `json:"gauge_id" binding:"required,gt=0"`
}

// AddGaugeToBatch handles POST /api/batches/{batch_id}/gauges.
func (h *Handler) AddGaugeToBatch(c *gin.Context) {
	batchID, ok := pathID(c, "batch_id")
	if !ok {
		return
	}
	var req addGaugeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	member, err := h.calibration.AddGaugeToBatch(c.Request.Context(), batchID, req.GaugeID, mw.ActingUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, member)
}

// RemoveGaugeFromBatch handles DELETE /api/batches/{batch_id}/gauges/{gauge_id}.
func (h *Handler) RemoveGaugeFromBatch(c *gin.Context) {
	batchID, ok := pathID(c, "batch_id")
	if !ok {
		return
	}
	gaugeID, ok := pathID(c, "gauge_id")
	if !ok {
		return
	}
	if err := h.calibration.RemoveGaugeFromBatch(c.Request.Context(), batchID, gaugeID, mw.ActingUser(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SendBatch handles POST /api/batches/{batch_id}/send.
func (h *Handler) SendBatch(c *gin.Context) {
	batchID, ok := pathID(c, "batch_id")
	if !ok {
		return
	}
	batch, err := h.calibration.SendBatch(c.Request.Context(), batchID, mw.ActingUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

// CancelBatch handles POST /api/batches/{batch_id}/cancel.
func (h *Handler) CancelBatch(c *gin.Context) {
	batchID, ok := pathID(c, "batch_id")
	if !ok {
		return
	}
	reason, ok := bindReason(c)
	if !ok {
		return
	}
	batch, err := h.calibration.CancelBatch(c.Request.Context(), batchID, mw.ActingUser(c), reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

// ReceiveGauge handles POST /api/batches/{batch_id}/gauges/{gauge_id}/receive.
func (h *Handler) ReceiveGauge(c *gin.Context) {
	batchID, gaugeID, ok := memberIDs(c)
	if !ok {
		return
	}
	res, err := h.calibration.ReceiveGauge(c.Request.Context(), batchID, gaugeID, mw.ActingUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type certificateRequest struct {
	CertificateNumber string `json:"certificate_number" binding:"required"`
	Passed            *bool  `json:"passed" binding:"required"`
}

// RecordCertificate handles POST /api/batches/{batch_id}/gauges/{gauge_id}/certificate.
func (h *Handler) RecordCertificate(c *gin.Context) {
	batchID, gaugeID, ok := memberIDs(c)
	if !ok {
		return
	}
	var req certificateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := h.calibration.RecordCertificate(c.Request.Context(), batchID, gaugeID, req.CertificateNumber, *req.Passed, mw.ActingUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ReleaseGauge handles POST /api/batches/{batch_id}/gauges/{gauge_id}/release.
func (h *Handler) ReleaseGauge(c *gin.Context) {
	batchID, gaugeID, ok := memberIDs(c)
	if !ok {
		return
	}
	res, err := h.calibration.ReleaseGauge(c.Request.Context(), batchID, gaugeID, mw.ActingUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func memberIDs(c *gin.Context) (int64, int64, bool) {
	batchID, ok := pathID(c, "batch_id")
	if !ok {
		return 0, 0, false
	}
	gaugeID, ok := pathID(c, "gauge_id")
	if !ok {
		return 0, 0, false
	}
	return batchID, gaugeID, true
}
