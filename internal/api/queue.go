package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"beamlinecore/pkg/domain"
)

type addTaskRequest struct {
	Kind       string         `json:"kind" binding:"required"`
	Label      string         `json:"label"`
	Parameters map[string]any `json:"parameters"`
	Index      *int           `json:"index"`
}

type moveRequest struct {
	From *int `json:"from" binding:"required"`
	To   *int `json:"to" binding:"required"`
}

type swapRequest struct {
	I *int `json:"i" binding:"required"`
	J *int `json:"j" binding:"required"`
}

type headerRequest struct {
	Modifier bool `json:"modifier"`
}

type updateTaskRequest struct {
	Parameters map[string]any `json:"parameters"`
}

type enabledRequest struct {
	QueueIDs []int64 `json:"queueIDs" binding:"required"`
	Enabled  *bool   `json:"enabled" binding:"required"`
}

type orderRequest struct {
	Order []string `json:"order" binding:"required"`
}

type exportRequest struct {
	Name string `json:"name" binding:"required"`
}

type importRequest struct {
	Key string `json:"key" binding:"required"`
}

func (h *Handler) queueSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Queue().Snapshot())
}

func (h *Handler) listTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.svc.Queue().Tasks(c.Param("sampleID"))})
}

func (h *Handler) addTask(c *gin.Context) {
	var req addTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	kind, err := domain.ParseTaskKind(req.Kind)
	if err != nil {
		writeError(c, err)
		return
	}
	index := -1
	if req.Index != nil {
		index = *req.Index
	}
	task, err := h.svc.Queue().AddTask(c.Param("sampleID"), kind, req.Label, req.Parameters, index)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *Handler) moveTask(c *gin.Context) {
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sampleID := c.Param("sampleID")
	if err := h.svc.Queue().MoveTask(sampleID, *req.From, *req.To); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": h.svc.Queue().Tasks(sampleID)})
}

func (h *Handler) swapTasks(c *gin.Context) {
	var req swapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sampleID := c.Param("sampleID")
	if err := h.svc.Queue().SwapTasks(sampleID, *req.I, *req.J); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": h.svc.Queue().Tasks(sampleID)})
}

func (h *Handler) duplicateTask(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		badRequest(c, err)
		return
	}
	task, ok := h.svc.Queue().DuplicateTask(c.Param("sampleID"), index)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *Handler) interleavedAvailable(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"available": h.svc.Queue().InterleavedAvailable(c.Param("sampleID"))})
}

func (h *Handler) createInterleaved(c *gin.Context) {
	if err := h.svc.Queue().CreateInterleavedGroup(c.Request.Context(), c.Param("sampleID")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) toggleSelect(c *gin.Context) {
	h.mutateTask(c, h.svc.Queue().ToggleSelect)
}

func (h *Handler) collapse(c *gin.Context) {
	h.mutateTask(c, h.svc.Queue().Collapse)
}

func (h *Handler) headerClick(c *gin.Context) {
	var req headerRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	h.mutateTask(c, func(id int64) error { return h.svc.Queue().HeaderClick(id, req.Modifier) })
}

func (h *Handler) toggleEnabled(c *gin.Context) {
	h.mutateTask(c, h.svc.Queue().ToggleEnabled)
}

func (h *Handler) updateTask(c *gin.Context) {
	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.mutateTask(c, func(id int64) error { return h.svc.Queue().UpdateTask(id, req.Parameters) })
}

func (h *Handler) setEnabled(c *gin.Context) {
	var req enabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.svc.Queue().SetEnabled(req.QueueIDs, *req.Enabled); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.svc.Queue().Snapshot())
}

func (h *Handler) mutateTask(c *gin.Context, fn func(int64) error) {
	id, ok := queueIDParam(c)
	if !ok {
		return
	}
	if err := fn(id); err != nil {
		writeError(c, err)
		return
	}
	task, _ := h.svc.Queue().Task(id)
	c.JSON(http.StatusOK, task)
}

func (h *Handler) deleteTask(c *gin.Context) {
	id, ok := queueIDParam(c)
	if !ok {
		return
	}
	if err := h.svc.Queue().DeleteTask(id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) setSampleOrder(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.svc.Queue().SetSampleOrder(req.Order); err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": h.svc.Queue().SampleOrder()})
}

func (h *Handler) clearQueue(c *gin.Context) {
	h.svc.Queue().Clear()
	c.Status(http.StatusNoContent)
}

func (h *Handler) exportQueue(c *gin.Context) {
	var req exportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	entry, err := h.svc.ExportQueue(c.Request.Context(), req.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *Handler) importQueue(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.svc.ImportQueue(c.Request.Context(), req.Key); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.svc.Queue().Snapshot())
}

func (h *Handler) listArchives(c *gin.Context) {
	entries, err := h.svc.ListQueueArchives(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archives": entries})
}
