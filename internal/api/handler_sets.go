package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gauge-tracking-backend/internal/mw"
	"gauge-tracking-backend/internal/service"
)

type createSetRequest struct {
	Go   service.GaugeInput `json:"go"`
	NoGo service.GaugeInput `json:"no_go"`
}

// CreateSet handles POST /api/sets.
func (h *Handler) CreateSet(c *gin.Context) {
	var req createSetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := h.sets.CreateSet(c.Request.Context(), req.Go, req.NoGo, mw.ActingUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

type createSpareRequest struct {
	service.GaugeInput
	IsGoGauge *bool `json:"is_go_gauge" binding:"required"`
}

// CreateSpare handles POST /api/spares.
func (h *Handler) CreateSpare(c *gin.Context) {
	var req createSpareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	g, err := h.sets.CreateSpare(c.Request.Context(), req.GaugeInput, *req.IsGoGauge, mw.ActingUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, g)
}

type pairSparesRequest struct {
	GaugeA int64 `json:"gauge_a" binding:"required,gt=0"`
	GaugeB int64 `json:"gauge_b" binding:"required,gt=0"`
}

// PairSpares handles POST /api/sets/pair.
func (h *Handler) PairSpares(c *gin.Context) {
	var req pairSparesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := h.sets.PairSpares(c.Request.Context(), req.GaugeA, req.GaugeB, mw.ActingUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

type replaceMemberRequest struct {
	OutgoingGaugeID int64  `json:"outgoing_gauge_id" binding:"required,gt=0"`
	IncomingGaugeID int64  `json:"incoming_gauge_id" binding:"required,gt=0"`
	Reason          string `json:"reason" binding:"max=512"`
}

// ReplaceMember handles POST /api/sets/{set_id}/replace.
func (h *Handler) ReplaceMember(c *gin.Context) {
	var req replaceMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := h.sets.ReplaceMember(c.Request.Context(), c.Param("set_id"), req.OutgoingGaugeID, req.IncomingGaugeID, mw.ActingUser(c), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type reasonRequest struct {
	Reason string `json:"reason" binding:"max=512"`
}

// bindReason accepts an empty body as "no reason".
func bindReason(c *gin.Context) (string, bool) {
	var req reasonRequest
	if c.Request.ContentLength == 0 {
		return "", true
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return "", false
	}
	return req.Reason, true
}

// DissolveSet handles POST /api/sets/{set_id}/dissolve.
func (h *Handler) DissolveSet(c *gin.Context) {
	reason, ok := bindReason(c)
	if !ok {
		return
	}
	res, err := h.sets.DissolveSet(c.Request.Context(), c.Param("set_id"), mw.ActingUser(c), reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetSet handles GET /api/sets/{set_id}.
func (h *Handler) GetSet(c *gin.Context) {
	res, err := h.sets.GetSet(c.Request.Context(), c.Param("set_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetSetHistory handles GET /api/sets/{set_id}/history.
func (h *Handler) GetSetHistory(c *gin.Context) {
	entries, err := h.sets.SetHistory(c.Request.Context(), c.Param("set_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"set_id": c.Param("set_id"), "history": entries})
}
