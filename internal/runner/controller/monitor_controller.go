package controller

import (
	"net/http"
	"strconv"

	"github.com/Frohrer/codux/internal/runner/service"
	"github.com/Frohrer/codux/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// MonitorController serves runtimes, execution history and metrics.
type MonitorController struct {
	engine *service.Engine
}

// NewMonitorController creates a new MonitorController.
func NewMonitorController(engine *service.Engine) *MonitorController {
	return &MonitorController{engine: engine}
}

// Runtimes lists configured runtimes.
func (h *MonitorController) Runtimes(c *gin.Context) {
	runtimes := h.engine.Runtimes()
	response.SuccessWithList(c, runtimes, len(runtimes))
}

// History lists recent executions. ?limit= defaults to 50.
func (h *MonitorController) History(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	entries := h.engine.History(limit)
	response.SuccessWithList(c, entries, len(entries))
}

// Execution returns one execution record.
func (h *MonitorController) Execution(c *gin.Context) {
	entry, err := h.engine.Execution(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, entry)
}

// Metrics returns the host and job snapshot.
func (h *MonitorController) Metrics(c *gin.Context) {
	response.Success(c, h.engine.Metrics(c.Request.Context()))
}

// Health reports liveness.
func (h *MonitorController) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
