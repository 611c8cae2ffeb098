package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"beamlinecore/internal/blob"
	"beamlinecore/internal/core"
	"beamlinecore/pkg/domain"
)

// Handler maps operator requests onto the core service.
type Handler struct {
	svc *core.Service
}

// NewHandler creates a handler bound to svc.
func NewHandler(svc *core.Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the /api/* routes on rg.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	attrs := rg.Group("/attributes")
	attrs.GET("", h.listAttributes)
	attrs.GET("/:name", h.getAttribute)
	attrs.PUT("/:name", h.setAttribute)
	attrs.POST("/:name/abort", h.abortAttribute)
	attrs.POST("/:name/run", h.runAction)
	rg.POST("/beamline/prepare", h.prepareBeamline)

	sc := rg.Group("/samplechanger")
	sc.GET("", h.sampleChanger)
	sc.POST("/refresh", h.refreshSampleChanger)
	sc.POST("/state", h.refreshRobotState)
	sc.POST("/initialize", h.initializeSampleChanger)
	sc.POST("/select", h.selectAddress)
	sc.POST("/scan", h.scanAddress)
	sc.POST("/load", h.load)
	sc.POST("/unload", h.unload)
	sc.POST("/abort", h.abortSampleChanger)
	sc.POST("/command", h.sendCommand)

	q := rg.Group("/queue")
	q.GET("", h.queueSnapshot)
	q.PUT("/order", h.setSampleOrder)
	q.POST("/clear", h.clearQueue)
	q.POST("/export", h.exportQueue)
	q.POST("/import", h.importQueue)
	q.GET("/archives", h.listArchives)
	q.POST("/enabled", h.setEnabled)
	q.PUT("/tasks/:queueID", h.updateTask)
	q.POST("/tasks/:queueID/toggle", h.toggleEnabled)
	q.POST("/tasks/:queueID/select", h.toggleSelect)
	q.POST("/tasks/:queueID/collapse", h.collapse)
	q.POST("/tasks/:queueID/header", h.headerClick)
	q.DELETE("/tasks/:queueID", h.deleteTask)
	q.GET("/:sampleID", h.listTasks)
	q.POST("/:sampleID/tasks", h.addTask)
	q.POST("/:sampleID/move", h.moveTask)
	q.POST("/:sampleID/swap", h.swapTasks)
	q.POST("/:sampleID/duplicate/:index", h.duplicateTask)
	q.GET("/:sampleID/interleaved", h.interleavedAvailable)
	q.POST("/:sampleID/interleaved", h.createInterleaved)

	rg.GET("/notifications", h.notifications)
}

// statusFor maps core errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrAttributeBusy), errors.Is(err, domain.ErrRobotBusy):
		return http.StatusLocked
	case errors.Is(err, domain.ErrCommandRejected):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnknownAttribute), errors.Is(err, domain.ErrTaskNotFound),
		errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrReadonlyAttribute), errors.Is(err, domain.ErrIndexOutOfRange),
		errors.Is(err, domain.ErrUnknownTaskKind), errors.Is(err, domain.ErrInterleavedUnavailable),
		errors.Is(err, blob.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrMalformedPayload):
		return http.StatusBadGateway
	case errors.Is(err, core.ErrArchiveDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	var rejected *domain.CommandRejectedError
	if errors.As(err, &rejected) {
		body["message"] = rejected.Message
		body["operation"] = rejected.Operation
	}
	c.JSON(statusFor(err), body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload", "details": err.Error()})
}

func queueIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("queueID"), 10, 64)
	if err != nil {
		badRequest(c, err)
		return 0, false
	}
	return id, true
}

func (h *Handler) notifications(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"notifications": h.svc.Notifications()})
}
