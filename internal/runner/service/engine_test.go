package service_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Frohrer/codux/internal/runner/event"
	"github.com/Frohrer/codux/internal/runner/job"
	"github.com/Frohrer/codux/internal/runner/output"
	"github.com/Frohrer/codux/internal/runner/proxy"
	"github.com/Frohrer/codux/internal/runner/repository"
	"github.com/Frohrer/codux/internal/runner/sandbox"
	"github.com/Frohrer/codux/internal/runner/sandbox/config"
	"github.com/Frohrer/codux/internal/runner/sandbox/profile"
	"github.com/Frohrer/codux/internal/runner/sandbox/sandboxtest"
	"github.com/Frohrer/codux/internal/runner/scheduler"
	"github.com/Frohrer/codux/internal/runner/service"
	"github.com/Frohrer/codux/internal/runner/timing"
	appErr "github.com/Frohrer/codux/pkg/errors"
)

type fixture struct {
	provider  *sandboxtest.Provider
	scheduler *scheduler.Scheduler
	jobs      *job.Manager
	engine    *service.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	runtimes, err := config.NewLocalRepository([]profile.Runtime{
		{
			Language:     "python",
			Version:      "3.12.0",
			Aliases:      []string{"py"},
			PkgDir:       "/pkgs/python/3.12.0",
			Timeouts:     profile.StageLimits{Compile: 10000, Run: 3000},
			CPUTimes:     profile.StageLimits{Compile: 10000, Run: 3000},
			MemoryLimits: profile.StageLimits{Compile: -1, Run: -1},
		},
		{Language: "file", Version: "0.0.1", PkgDir: "/pkgs/file/0.0.1"},
	})
	if err != nil {
		t.Fatalf("runtimes: %v", err)
	}
	f := &fixture{provider: sandboxtest.NewProvider(), scheduler: scheduler.New(2)}
	f.jobs, err = job.NewManager(job.Config{}, job.Deps{
		Provider:  f.provider,
		Scheduler: f.scheduler,
		Proxies:   proxy.NewManager(proxy.Config{BaseURL: "http://apps.test"}),
		Timer:     timing.NewTimer(),
		Outputs:   output.NewStore(0, 0, 0),
		Processes: repository.NewHistory("process", 0),
	})
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	f.engine, err = service.NewEngine(service.Config{
		Runtimes:   runtimes,
		Jobs:       f.jobs,
		Executions: repository.NewHistory("execution", 0),
		Slots:      f.scheduler,
		ProcRoot:   t.TempDir(),
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return f
}

func pythonBody(extra map[string]any) map[string]any {
	body := map[string]any{
		"language": "python",
		"version":  "3.x",
		"files":    []any{map[string]any{"name": "main.py", "content": "print(input())"}},
	}
	for k, v := range extra {
		body[k] = v
	}
	return body
}

func TestParseRequestValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body map[string]any
		want string
	}{
		{"missing language", map[string]any{"version": "3"}, "language is required as a string"},
		{"numeric version", map[string]any{"language": "python", "version": 3.0}, "version is required as a string"},
		{"files not array", map[string]any{"language": "python", "version": "3", "files": "x"}, "files is required as an array"},
		{"file content", map[string]any{"language": "python", "version": "3", "files": []any{map[string]any{"name": "a"}}}, "files[0].content is required as a string"},
		{"unknown runtime", map[string]any{"language": "cobol", "version": "1", "files": []any{}}, "cobol-1 runtime is unknown"},
		{"no utf8 file", pythonBody(map[string]any{"files": []any{map[string]any{"content": "AA==", "encoding": "base64"}}}), "files must include at least one utf8 encoded file"},
		{"limit type", pythonBody(map[string]any{"run_timeout": "10"}), "If specified, run_timeout must be a number"},
		{"limit ceiling", pythonBody(map[string]any{"compile_cpu_time": 20000.0}), "compile_cpu_time cannot exceed the configured limit of 10000"},
		{"negative limit", pythonBody(map[string]any{"run_timeout": -1.0}), "run_timeout must be non-negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.ParseRequest(tt.body)
			if err == nil {
				t.Fatalf("expected error %q", tt.want)
			}
			if err.Error() != tt.want {
				t.Fatalf("error = %q, want %q", err.Error(), tt.want)
			}
			if status := appErr.GetCode(err).HTTPStatus(); status != 400 {
				t.Fatalf("expected a 400 error, got %d", status)
			}
		})
	}
}

func TestParseRequestBuildsJobRequest(t *testing.T) {
	f := newFixture(t)
	req, err := f.engine.ParseRequest(pythonBody(map[string]any{
		"args":            []any{"a", 1.0, "b"},
		"stdin":           "hi",
		"dependencies":    "requests",
		"run_timeout":     1500.0,
		"memory_limit":    "ignored",
		"long_running":    true,
		"compile_timeout": 0.0,
	}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.Runtime.Version != "3.12.0" || req.Stdin != "hi" || !req.LongRunning {
		t.Fatalf("unexpected request: %+v", req)
	}
	if len(req.Args) != 2 || req.Args[1] != "b" {
		t.Fatalf("non-string args should be skipped: %v", req.Args)
	}
	if len(req.Dependencies) != 1 || req.Dependencies[0] != "requests" {
		t.Fatalf("single dependency should become a list: %v", req.Dependencies)
	}
	if req.Timeouts.Run != 1500 || req.Timeouts.Compile != 0 {
		t.Fatalf("unexpected timeouts: %+v", req.Timeouts)
	}

	req, err = f.engine.ParseRequest(pythonBody(map[string]any{"dependencies": map[string]any{"x": 1.0}}))
	if err != nil || req.Dependencies != nil {
		t.Fatalf("non-list dependencies should be dropped, got %v %v", req.Dependencies, err)
	}

	req, err = f.engine.ParseRequest(map[string]any{
		"language": "file",
		"version":  "*",
		"files":    []any{map[string]any{"content": "AA==", "encoding": "base64"}},
	})
	if err != nil || req.Runtime.Language != "file" {
		t.Fatalf("file runtime accepts binary-only files, got %v", err)
	}
}

func TestExecuteReturnsStagesAndTiming(t *testing.T) {
	f := newFixture(t)
	f.provider.On(sandbox.ScriptPackageManager, sandboxtest.Print(0, "installed requests\n", ""))
	f.provider.On(sandbox.ScriptRun, sandboxtest.Print(0, "hello\n", "warn\n"))
	req, err := f.engine.ParseRequest(pythonBody(map[string]any{"dependencies": []any{"requests"}}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	resp, err := f.engine.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.ExecutionID == "" || resp.Run == nil || resp.Run.Stdout != "hello\n" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Stages.Install.Stdout != "installed requests\n" {
		t.Fatalf("install output missing: %+v", resp.Stages)
	}
	if resp.Stages.Execute.Stdout != "hello\n" || resp.Stages.Execute.Stderr != "warn\n" {
		t.Fatalf("execute output missing: %+v", resp.Stages)
	}
	if resp.Timing == nil || resp.Timing.EndTime == nil || len(resp.Timing.Stages) != 2 {
		t.Fatalf("unexpected timing: %+v", resp.Timing)
	}

	if _, ok := f.jobs.Get(resp.ExecutionID); ok {
		t.Fatalf("job should be cleaned up")
	}
	if got := f.provider.Cleaned(); len(got) != 1 {
		t.Fatalf("expected one cleaned box, got %v", got)
	}
	entry, err := f.engine.Execution(context.Background(), resp.ExecutionID)
	if err != nil || entry.Status != repository.StatusCompleted {
		t.Fatalf("unexpected execution record: %+v %v", entry, err)
	}
	if history := f.engine.History(0); len(history) != 1 {
		t.Fatalf("expected one history entry, got %d", len(history))
	}
	if _, err := f.engine.Execution(context.Background(), "missing"); appErr.GetCode(err) != appErr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestExecuteInstallFailure(t *testing.T) {
	f := newFixture(t)
	f.provider.On(sandbox.ScriptPackageManager, sandboxtest.Print(1, "", "no such package\n"))
	req, _ := f.engine.ParseRequest(pythonBody(map[string]any{"dependencies": "nope"}))

	resp, err := f.engine.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Stages.Install.Stderr != "no such package\n" || resp.Stages.Execute.Stderr != "" {
		t.Fatalf("install failure belongs to the install stage: %+v", resp.Stages)
	}
	entry, _ := f.engine.Execution(context.Background(), resp.ExecutionID)
	if entry.Status != repository.StatusSetupFailed {
		t.Fatalf("expected setup-failed, got %s", entry.Status)
	}
}

func TestExecuteLongRunningKeepsJob(t *testing.T) {
	f := newFixture(t)
	req, _ := f.engine.ParseRequest(pythonBody(map[string]any{"long_running": true}))
	resp, err := f.engine.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, ok := f.jobs.Get(resp.ExecutionID); !ok {
		t.Fatalf("long running job should stay registered")
	}
	list := f.engine.Processes()
	if list.Count != 2 || list.Processes[0].Status != "running" || list.Processes[1].Status != "completed" {
		t.Fatalf("unexpected process list: %+v", list)
	}

	if err := f.engine.Terminate(context.Background(), resp.ExecutionID); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	err = f.engine.Terminate(context.Background(), resp.ExecutionID)
	if err == nil || err.Error() != "Process "+resp.ExecutionID+" not found or already terminated" {
		t.Fatalf("unexpected second terminate error: %v", err)
	}
	p, err := f.engine.Process(context.Background(), resp.ExecutionID)
	if err != nil || p.Status != string(repository.StatusTerminated) {
		t.Fatalf("unexpected process: %+v %v", p, err)
	}
	if f.scheduler.Stats().InUse != 0 {
		t.Fatalf("slot not released")
	}
}

func TestProcessLookups(t *testing.T) {
	f := newFixture(t)
	f.provider.On(sandbox.ScriptRun, sandboxtest.Print(0, "line one\nline two\n", ""))
	req, _ := f.engine.ParseRequest(pythonBody(nil))
	resp, err := f.engine.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	logs, err := f.engine.ProcessLogs(resp.ExecutionID)
	if err != nil || len(logs.Stdout) != 2 {
		t.Fatalf("unexpected logs: %+v %v", logs, err)
	}
	report, err := f.engine.ProcessTiming(context.Background(), resp.ExecutionID)
	if err != nil || report.JobID != resp.ExecutionID {
		t.Fatalf("unexpected timing: %+v %v", report, err)
	}

	if _, err := f.engine.Process(context.Background(), "nope"); err == nil || err.Error() != "Process nope not found" {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.engine.ProcessLogs("nope"); err == nil || err.Error() != "Process nope not found or has no output" {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.engine.ProcessTiming(context.Background(), "nope"); err == nil || err.Error() != "Timing information for process nope not found" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSessionStreamsEvents(t *testing.T) {
	f := newFixture(t)
	f.provider.On(sandbox.ScriptRun, sandboxtest.Echo())
	req, _ := f.engine.ParseRequest(pythonBody(nil))

	session, err := f.engine.Open(context.Background(), req)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer session.Close(context.Background())
	if session.Runtime().Language != "python" {
		t.Fatalf("unexpected runtime: %+v", session.Runtime())
	}
	sub := session.Subscribe(0)

	done := make(chan *service.ExecuteResponse, 1)
	go func() {
		resp, err := session.Run(context.Background())
		if err != nil {
			t.Errorf("run: %v", err)
		}
		done <- resp
	}()
	if !session.WriteStdin("ping\n") {
		t.Fatalf("stdin should be accepted")
	}

	var stages []string
	var stdout string
	timeout := time.After(2 * time.Second)
	for stdout == "" || len(stages) < 2 {
		select {
		case ev := <-sub.Events():
			switch ev.Kind {
			case event.KindStage:
				stages = append(stages, ev.Stage)
			case event.KindStdout:
				stdout += string(ev.Data)
			}
		case <-timeout:
			t.Fatalf("events missing: stages=%v stdout=%q", stages, stdout)
		}
	}
	if stages[0] != event.StageInstall || stages[1] != event.StageExecute || stdout != "ping\n" {
		t.Fatalf("unexpected stream: stages=%v stdout=%q", stages, stdout)
	}
	resp := <-done
	if resp == nil || resp.Stages.Execute.Stdout != "ping\n" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if _, ok := f.jobs.Get(session.ID()); ok {
		t.Fatalf("session job should be cleaned up")
	}
	if !service.ValidSignal("SIGTERM") || service.ValidSignal("SIGNOPE") {
		t.Fatalf("signal validation is wrong")
	}
}

func TestMetricsReadsProcRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "meminfo"), []byte("MemTotal:       2048 kB\nMemFree:        1024 kB\nMemAvailable:   1536 kB\n"), 0o644); err != nil {
		t.Fatalf("write meminfo: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "loadavg"), []byte("0.50 0.25 0.10 1/100 1234\n"), 0o644); err != nil {
		t.Fatalf("write loadavg: %v", err)
	}
	f := newFixture(t)
	engine, err := service.NewEngine(service.Config{
		Runtimes: mustRepo(t),
		Jobs:     f.jobs,
		Slots:    f.scheduler,
		ProcRoot: root,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	m := engine.Metrics(context.Background())
	if m.System.TotalMemory != 2048*1024 || m.System.FreeMemory != 1024*1024 {
		t.Fatalf("unexpected memory: %+v", m.System)
	}
	if m.System.CPULoad[0] != 0.5 {
		t.Fatalf("unexpected load: %v", m.System.CPULoad)
	}
	if m.Scheduler == nil || m.Scheduler.Capacity != 2 {
		t.Fatalf("unexpected scheduler stats: %+v", m.Scheduler)
	}
}

func mustRepo(t *testing.T) *config.LocalRepository {
	t.Helper()
	repo, err := config.NewLocalRepository([]profile.Runtime{{Language: "python", Version: "3.12.0", PkgDir: "/pkgs/python"}})
	if err != nil {
		t.Fatalf("runtimes: %v", err)
	}
	return repo
}
