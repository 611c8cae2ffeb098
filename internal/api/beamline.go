package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

type setAttributeRequest struct {
	Value json.RawMessage `json:"value"`
}

type runActionRequest struct {
	Params []any `json:"params"`
}

func (h *Handler) listAttributes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"attributes": h.svc.Attributes().Attributes()})
}

func (h *Handler) getAttribute(c *gin.Context) {
	attr, ok := h.svc.Attributes().Attribute(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown attribute"})
		return
	}
	c.JSON(http.StatusOK, attr)
}

func (h *Handler) setAttribute(c *gin.Context) {
	var req setAttributeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	var value any
	if len(req.Value) == 0 {
		badRequest(c, errors.New("value is required"))
		return
	}
	if err := json.Unmarshal(req.Value, &value); err != nil {
		badRequest(c, err)
		return
	}
	name := c.Param("name")
	if err := h.svc.Attributes().SetAttribute(c.Request.Context(), name, value); err != nil {
		writeError(c, err)
		return
	}
	attr, _ := h.svc.Attributes().Attribute(name)
	c.JSON(http.StatusOK, attr)
}

func (h *Handler) abortAttribute(c *gin.Context) {
	if err := h.svc.Attributes().Abort(c.Request.Context(), c.Param("name")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) runAction(c *gin.Context) {
	var req runActionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if err := h.svc.Attributes().RunAction(c.Request.Context(), c.Param("name"), req.Params); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) prepareBeamline(c *gin.Context) {
	if err := h.svc.Attributes().PrepareForNewSample(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
