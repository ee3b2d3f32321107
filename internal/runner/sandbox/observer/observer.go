// Package observer defines metrics hooks for sandbox execution.
package observer

import "context"

// MetricsRecorder records sandbox metrics.
type MetricsRecorder interface {
	ObserveStage(ctx context.Context, language, stage, status string, exitCode int, wallMs, cpuMs float64, memoryBytes int64)
	ObserveBox(ctx context.Context, event string)
	ObserveCleanup(ctx context.Context, outcome string)
}

// Box lifecycle events.
const (
	BoxInit    = "init"
	BoxCleanup = "cleanup"
	BoxFailed  = "init_failed"
)

// Nop discards every observation.
type Nop struct{}

func (Nop) ObserveStage(context.Context, string, string, string, int, float64, float64, int64) {}
func (Nop) ObserveBox(context.Context, string)                                                  {}
func (Nop) ObserveCleanup(context.Context, string)                                              {}
