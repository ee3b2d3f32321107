package job_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Frohrer/codux/internal/runner/event"
	"github.com/Frohrer/codux/internal/runner/job"
	"github.com/Frohrer/codux/internal/runner/output"
	"github.com/Frohrer/codux/internal/runner/proxy"
	"github.com/Frohrer/codux/internal/runner/repository"
	"github.com/Frohrer/codux/internal/runner/sandbox"
	"github.com/Frohrer/codux/internal/runner/sandbox/profile"
	"github.com/Frohrer/codux/internal/runner/sandbox/result"
	"github.com/Frohrer/codux/internal/runner/sandbox/sandboxtest"
	"github.com/Frohrer/codux/internal/runner/scheduler"
	"github.com/Frohrer/codux/internal/runner/timing"
)

type harness struct {
	provider  *sandboxtest.Provider
	scheduler *scheduler.Scheduler
	proxies   *proxy.Manager
	outputs   *output.Store
	processes *repository.History
	manager   *job.Manager
}

func newHarness(t *testing.T, capacity int, cfg job.Config) *harness {
	t.Helper()
	h := &harness{
		provider:  sandboxtest.NewProvider(),
		scheduler: scheduler.New(capacity),
		proxies:   proxy.NewManager(proxy.Config{BaseURL: "http://apps.test"}),
		outputs:   output.NewStore(0, 0, 0),
		processes: repository.NewHistory("process", 0),
	}
	manager, err := job.NewManager(cfg, job.Deps{
		Provider:  h.provider,
		Scheduler: h.scheduler,
		Proxies:   h.proxies,
		Timer:     timing.NewTimer(),
		Outputs:   h.outputs,
		Processes: h.processes,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	h.manager = manager
	return h
}

func pythonRuntime() profile.Runtime {
	return profile.Runtime{
		Language:     "python",
		Version:      "3.12.0",
		Timeouts:     profile.StageLimits{Compile: 10000, Run: 3000},
		CPUTimes:     profile.StageLimits{Compile: 10000, Run: 3000},
		MemoryLimits: profile.StageLimits{Compile: -1, Run: -1},
	}
}

func streamlitRuntime() profile.Runtime {
	rt := pythonRuntime()
	rt.Language = "streamlit"
	rt.Version = "1.40.0"
	return rt
}

// serveUntilCancelled prints lines and then blocks like a long running server.
func serveUntilCancelled(lines ...string) sandboxtest.RunFunc {
	return func(ctx context.Context, req sandbox.RunRequest, bus *event.Bus) (result.StageResult, error) {
		for _, line := range lines {
			bus.Emit(event.Event{Kind: event.KindStdout, Stage: req.Stage, Data: []byte(line)})
		}
		<-ctx.Done()
		return result.StageResult{Status: result.StatusSignaled, Signal: "SIGKILL", Message: "execution cancelled"}, nil
	}
}

func collectEvents(sub *event.Subscription, until func(event.Event) bool, timeout time.Duration) ([]event.Event, error) {
	var events []event.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events, errors.New("subscription closed")
			}
			events = append(events, ev)
			if until(ev) {
				return events, nil
			}
		case <-deadline:
			return events, errors.New("timed out waiting for event")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
