// Package service is the glue between the route layer and the job engine.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/Frohrer/codux/internal/runner/job"
	"github.com/Frohrer/codux/internal/runner/repository"
	"github.com/Frohrer/codux/internal/runner/sandbox/config"
	"github.com/Frohrer/codux/internal/runner/sandbox/profile"
	"github.com/Frohrer/codux/internal/runner/sandbox/result"
	"github.com/Frohrer/codux/internal/runner/scheduler"
	"github.com/Frohrer/codux/internal/runner/timing"
	appErr "github.com/Frohrer/codux/pkg/errors"
	"github.com/Frohrer/codux/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultProcRoot = "/proc"

// SlotStats reports scheduler usage.
type SlotStats interface {
	Stats() scheduler.Stats
}

// Config wires the engine.
type Config struct {
	Runtimes   config.RuntimeRepository
	Jobs       *job.Manager
	Executions *repository.History
	Slots      SlotStats
	// ProcRoot is where host metrics are read from.
	ProcRoot string
}

// Engine runs route requests through the job manager.
type Engine struct {
	runtimes   config.RuntimeRepository
	jobs       *job.Manager
	executions *repository.History
	slots      SlotStats
	procRoot   string
	started    time.Time
}

// NewEngine validates cfg.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Runtimes == nil {
		return nil, errors.New("runtime repository is required")
	}
	if cfg.Jobs == nil {
		return nil, errors.New("job manager is required")
	}
	if cfg.Executions == nil {
		cfg.Executions = repository.NewHistory("execution", 0)
	}
	if cfg.ProcRoot == "" {
		cfg.ProcRoot = defaultProcRoot
	}
	return &Engine{
		runtimes:   cfg.Runtimes,
		jobs:       cfg.Jobs,
		executions: cfg.Executions,
		slots:      cfg.Slots,
		procRoot:   cfg.ProcRoot,
		started:    time.Now(),
	}, nil
}

// StageOutput is the text one stage wrote.
type StageOutput struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// Stages splits output between dependency install and execution.
type Stages struct {
	Install StageOutput `json:"install"`
	Execute StageOutput `json:"execute"`
}

// ExecuteResponse is the document returned for a finished execution.
type ExecuteResponse struct {
	*result.ExecutionResult
	ExecutionID string         `json:"execution_id"`
	Stages      Stages         `json:"stages"`
	Timing      *timing.Report `json:"timing,omitempty"`
}

// Execute runs req in batch mode. The job is torn down afterwards unless it
// asked to be long running or left a web application serving.
func (e *Engine) Execute(ctx context.Context, req job.Request) (*ExecuteResponse, error) {
	j := e.jobs.NewJob(ctx, req)
	if err := j.Prime(ctx); err != nil {
		j.Cleanup(ctx)
		return nil, err
	}
	res, err := j.Execute(ctx, nil)
	return e.finish(ctx, j, res, err)
}

func (e *Engine) finish(ctx context.Context, j *job.Job, res *result.ExecutionResult, err error) (*ExecuteResponse, error) {
	var report *timing.Report
	if j.Running() {
		if r, ok := e.jobs.Timer().Report(j.ID); ok {
			report = &r
		}
	} else if r, ok := e.jobs.Timer().End(j.ID); ok {
		report = &r
	}
	if !keepAlive(j) {
		j.Cleanup(ctx)
	}

	entry := repository.Entry{
		Language:  j.Runtime().Language,
		Version:   j.Runtime().Version,
		Status:    statusOf(res, err),
		Timing:    report,
		Result:    res,
		WebAppURL: j.WebAppURL(),
	}
	if err != nil {
		entry.Error = appErr.GetError(err).Error()
		e.executions.Add(ctx, j.ID, entry)
		logger.Warn(ctx, "execution failed", zap.String("job_id", j.ID), zap.Error(err))
		return nil, err
	}
	e.executions.Add(ctx, j.ID, entry)
	return &ExecuteResponse{
		ExecutionResult: res,
		ExecutionID:     j.ID,
		Stages:          stagesOf(res),
		Timing:          report,
	}, nil
}

func keepAlive(j *job.Job) bool {
	return j.LongRunning() || (j.IsWebApp() && j.Running())
}

func statusOf(res *result.ExecutionResult, err error) repository.Status {
	switch {
	case err != nil:
		return repository.StatusFailed
	case res == nil:
		return repository.StatusFailed
	case res.InstallFailed:
		return repository.StatusSetupFailed
	case res.Compile != nil && !res.Compile.Succeeded():
		return repository.StatusFailed
	case res.Run != nil && res.Run.Succeeded():
		return repository.StatusCompleted
	default:
		return repository.StatusFailed
	}
}

func stagesOf(res *result.ExecutionResult) Stages {
	var s Stages
	if res == nil {
		return s
	}
	if res.Install != nil {
		s.Install = StageOutput{Stdout: res.Install.Stdout, Stderr: res.Install.Stderr}
	}
	if res.Run != nil && !res.InstallFailed {
		s.Execute = StageOutput{Stdout: res.Run.Stdout, Stderr: res.Run.Stderr}
	}
	return s
}

// RuntimeView is the public description of a runtime.
type RuntimeView struct {
	Language string   `json:"language"`
	Version  string   `json:"version"`
	Aliases  []string `json:"aliases"`
	Runtime  string   `json:"runtime,omitempty"`
}

// Runtimes lists configured runtimes.
func (e *Engine) Runtimes() []RuntimeView {
	runtimes := e.runtimes.List()
	out := make([]RuntimeView, 0, len(runtimes))
	for _, rt := range runtimes {
		out = append(out, viewOf(rt))
	}
	return out
}

func viewOf(rt profile.Runtime) RuntimeView {
	aliases := rt.Aliases
	if aliases == nil {
		aliases = []string{}
	}
	return RuntimeView{Language: rt.Language, Version: rt.Version, Aliases: aliases, Runtime: rt.Runtime}
}

// History returns the most recent executions.
func (e *Engine) History(limit int) []repository.Entry {
	return e.executions.List(limit)
}

// Execution returns one execution record.
func (e *Engine) Execution(ctx context.Context, id string) (repository.Entry, error) {
	entry, ok := e.executions.Get(ctx, id)
	if !ok {
		return repository.Entry{}, appErr.Newf(appErr.NotFound, "Execution not found")
	}
	return entry, nil
}
