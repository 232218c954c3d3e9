package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gauge-tracking-backend/internal/model"
	"gauge-tracking-backend/internal/mw"
)

type statusChangeRequest struct {
	Status model.GaugeStatus `json:"status" binding:"required"`
	Reason string            `json:"reason" binding:"max=512"`
}

// ChangeStatus handles POST /api/gauges/{gauge_id}/status.
func (h *Handler) ChangeStatus(c *gin.Context) {
	gaugeID, ok := pathID(c, "gauge_id")
	if !ok {
		return
	}
	var req statusChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := h.cascade.CascadeStatusChange(c.Request.Context(), gaugeID, req.Status, mw.ActingUser(c), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type locationChangeRequest struct {
	Location string `json:"location" binding:"required"`
	Reason   string `json:"reason" binding:"max=512"`
}

// ChangeLocation handles POST /api/gauges/{gauge_id}/location.
func (h *Handler) ChangeLocation(c *gin.Context) {
	gaugeID, ok := pathID(c, "gauge_id")
	if !ok {
		return
	}
	var req locationChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := h.cascade.CascadeLocationChange(c.Request.Context(), gaugeID, req.Location, mw.ActingUser(c), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Checkout handles POST /api/gauges/{gauge_id}/checkout.
func (h *Handler) Checkout(c *gin.Context) {
	gaugeID, ok := pathID(c, "gauge_id")
	if !ok {
		return
	}
	reason, ok := bindReason(c)
	if !ok {
		return
	}
	res, err := h.cascade.CascadeCheckout(c.Request.Context(), gaugeID, mw.ActingUser(c), reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Checkin handles POST /api/gauges/{gauge_id}/checkin.
func (h *Handler) Checkin(c *gin.Context) {
	gaugeID, ok := pathID(c, "gauge_id")
	if !ok {
		return
	}
	reason, ok := bindReason(c)
	if !ok {
		return
	}
	res, err := h.cascade.CascadeCheckin(c.Request.Context(), gaugeID, mw.ActingUser(c), reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// DeleteGauge handles DELETE /api/gauges/{gauge_id}.
func (h *Handler) DeleteGauge(c *gin.Context) {
	gaugeID, ok := pathID(c, "gauge_id")
	if !ok {
		return
	}
	reason, ok := bindReason(c)
	if !ok {
		return
	}
	res, err := h.cascade.DeleteAndOrphanCompanion(c.Request.Context(), gaugeID, mw.ActingUser(c), reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CanCheckout handles GET /api/gauges/{gauge_id}/checkout-check.
func (h *Handler) CanCheckout(c *gin.Context) {
	gaugeID, ok := pathID(c, "gauge_id")
	if !ok {
		return
	}
	check, err := h.cascade.CanCheckoutSet(c.Request.Context(), gaugeID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, check)
}
