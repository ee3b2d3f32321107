// Package controller holds the HTTP, WebSocket and SSE handlers of the runner API.
package controller

import (
	"net/http"
	"time"

	commonmw "github.com/Frohrer/codux/internal/common/http/middleware"
	"github.com/Frohrer/codux/internal/runner/service"

	"github.com/gin-gonic/gin"
)

// RouteConfig wires the handlers.
type RouteConfig struct {
	Engine *service.Engine
	// Prometheus serves /metrics/prometheus when set.
	Prometheus http.Handler
	// InitTimeout bounds the wait for a live session's init message.
	InitTimeout time.Duration
}

// Register mounts every runner route on group.
func Register(group *gin.RouterGroup, cfg RouteConfig) {
	group.Use(commonmw.RequireJSON())

	execute := NewExecuteController(cfg.Engine)
	sessions := NewSessionController(cfg.Engine, cfg.InitTimeout)
	processes := NewProcessController(cfg.Engine)
	monitor := NewMonitorController(cfg.Engine)

	group.POST("/execute", execute.Execute)
	group.GET("/connect", sessions.Connect)

	group.GET("/logs/:id", processes.Follow)
	group.GET("/process", processes.List)
	group.GET("/process/:id", processes.Get)
	group.DELETE("/process/:id", processes.Terminate)
	group.GET("/process/:id/logs", processes.Logs)
	group.GET("/process/:id/timing", processes.Timing)

	group.GET("/runtimes", monitor.Runtimes)
	group.GET("/history", monitor.History)
	group.GET("/history/:id", monitor.Execution)
	group.GET("/metrics", monitor.Metrics)
	if cfg.Prometheus != nil {
		group.GET("/metrics/prometheus", gin.WrapH(cfg.Prometheus))
	}
	group.GET("/health", monitor.Health)
}
