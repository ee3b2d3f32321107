package controller

import (
	"net/http"

	"github.com/Frohrer/codux/internal/runner/service"
	"github.com/Frohrer/codux/pkg/utils/logger"
	"github.com/Frohrer/codux/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ExecuteController runs code in batch mode.
type ExecuteController struct {
	engine *service.Engine
}

// NewExecuteController creates a new ExecuteController.
func NewExecuteController(engine *service.Engine) *ExecuteController {
	return &ExecuteController{engine: engine}
}

// Execute validates the request, runs it and returns the result document.
func (h *ExecuteController) Execute(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	req, err := h.engine.ParseRequest(body)
	if err != nil {
		response.Error(c, err)
		return
	}

	resp, err := h.engine.Execute(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	logger.Info(c.Request.Context(), "execution finished",
		zap.String("execution_id", resp.ExecutionID),
		zap.String("language", resp.Language),
		zap.Bool("web_app", resp.WebAppURL != ""),
	)
	c.JSON(http.StatusOK, resp)
}
