package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"beamlinecore/pkg/domain"
)

type addressRequest struct {
	Address string `json:"address" binding:"required"`
}

type unloadRequest struct {
	Location string `json:"location"`
}

type commandRequest struct {
	Command string `json:"command" binding:"required"`
}

func (h *Handler) writeSampleChanger(c *gin.Context, status int) {
	sc := h.svc.SampleChanger()
	c.JSON(status, gin.H{
		"state":       sc.RobotState(),
		"contents":    sc.Contents(),
		"loaded":      sc.LoadedSample(),
		"in_flight":   sc.InFlight(),
		"last_result": sc.LastCommandResult(),
	})
}

func (h *Handler) sampleChanger(c *gin.Context) {
	h.writeSampleChanger(c, http.StatusOK)
}

func (h *Handler) refreshSampleChanger(c *gin.Context) {
	if err := h.svc.SampleChanger().Refresh(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	h.writeSampleChanger(c, http.StatusOK)
}

func (h *Handler) refreshRobotState(c *gin.Context) {
	if err := h.svc.SampleChanger().RefreshState(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	h.writeSampleChanger(c, http.StatusOK)
}

func (h *Handler) initializeSampleChanger(c *gin.Context) {
	if err := h.svc.SampleChanger().Initialize(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	h.writeSampleChanger(c, http.StatusOK)
}

func (h *Handler) selectAddress(c *gin.Context) {
	var req addressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.svc.SampleChanger().Select(c.Request.Context(), req.Address); err != nil {
		writeError(c, err)
		return
	}
	h.writeSampleChanger(c, http.StatusOK)
}

func (h *Handler) scanAddress(c *gin.Context) {
	var req addressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.svc.SampleChanger().Scan(c.Request.Context(), req.Address); err != nil {
		writeError(c, err)
		return
	}
	h.writeSampleChanger(c, http.StatusOK)
}

func (h *Handler) load(c *gin.Context) {
	var sample domain.SampleData
	if err := c.ShouldBindJSON(&sample); err != nil {
		badRequest(c, err)
		return
	}
	if sample.Location == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload", "details": "location is required"})
		return
	}
	if err := h.svc.SampleChanger().Load(c.Request.Context(), sample, nil); err != nil {
		writeError(c, err)
		return
	}
	h.writeSampleChanger(c, http.StatusOK)
}

func (h *Handler) unload(c *gin.Context) {
	var req unloadRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if err := h.svc.SampleChanger().Unload(c.Request.Context(), req.Location); err != nil {
		writeError(c, err)
		return
	}
	h.writeSampleChanger(c, http.StatusOK)
}

func (h *Handler) abortSampleChanger(c *gin.Context) {
	if err := h.svc.SampleChanger().Abort(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) sendCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	result, err := h.svc.SampleChanger().SendCommand(c.Request.Context(), req.Command)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}
