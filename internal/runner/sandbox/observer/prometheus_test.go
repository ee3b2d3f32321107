package observer_test

import (
	"context"
	"testing"

	"github.com/Frohrer/codux/internal/runner/sandbox/observer"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusRecorderCountsStages(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := observer.NewPrometheusRecorder(reg)
	if err != nil {
		t.Fatalf("new recorder failed: %v", err)
	}
	ctx := context.Background()
	rec.ObserveStage(ctx, "python", "execute", "", 0, 120, 80, 2048)
	rec.ObserveStage(ctx, "python", "execute", "", 0, 90, 60, 1024)
	rec.ObserveBox(ctx, observer.BoxInit)
	rec.ObserveCleanup(ctx, "succeeded")

	count, err := testutil.GatherAndCount(reg, "codux_sandbox_stage_runs_total")
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one series, got %d", count)
	}
	if _, err := observer.NewPrometheusRecorder(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}
