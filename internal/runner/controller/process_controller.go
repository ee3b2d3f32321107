package controller

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/Frohrer/codux/internal/runner/service"
	"github.com/Frohrer/codux/pkg/utils/logger"
	"github.com/Frohrer/codux/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ProcessController exposes live and finished jobs.
type ProcessController struct {
	engine *service.Engine
}

// NewProcessController creates a new ProcessController.
func NewProcessController(engine *service.Engine) *ProcessController {
	return &ProcessController{engine: engine}
}

// List returns running jobs followed by the process history.
func (h *ProcessController) List(c *gin.Context) {
	response.Success(c, h.engine.Processes())
}

// Get returns one job.
func (h *ProcessController) Get(c *gin.Context) {
	p, err := h.engine.Process(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, p)
}

// Logs returns the buffered output of a job.
func (h *ProcessController) Logs(c *gin.Context) {
	snap, err := h.engine.ProcessLogs(c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, snap)
}

// Timing returns the timing report of a job.
func (h *ProcessController) Timing(c *gin.Context) {
	report, err := h.engine.ProcessTiming(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, report)
}

// Terminate stops a live job.
func (h *ProcessController) Terminate(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.Terminate(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMessage(c, fmt.Sprintf("Process %s terminated successfully", id), nil)
}

// Follow streams job output as server-sent events until the client leaves.
func (h *ProcessController) Follow(c *gin.Context) {
	id := c.Param("id")
	sub := h.engine.FollowLogs(id)
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case chunk, ok := <-sub.Chunks():
			if !ok {
				return false
			}
			payload, err := json.Marshal(chunk)
			if err != nil {
				logger.Warn(ctx, "encode log chunk failed", zap.String("job_id", id), zap.Error(err))
				return true
			}
			_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
			return err == nil
		case <-ctx.Done():
			return false
		}
	})
}
