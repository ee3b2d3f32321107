package service

import (
	"context"
	"time"

	"github.com/Frohrer/codux/internal/runner/job"
	"github.com/Frohrer/codux/internal/runner/output"
	"github.com/Frohrer/codux/internal/runner/repository"
	"github.com/Frohrer/codux/internal/runner/sandbox/result"
	"github.com/Frohrer/codux/internal/runner/timing"
	appErr "github.com/Frohrer/codux/pkg/errors"
)

const statusRunning = "running"

// Process is a live or finished job as shown to operators.
type Process struct {
	ID          string                  `json:"id"`
	Language    string                  `json:"language"`
	Version     string                  `json:"version"`
	Status      string                  `json:"status"`
	WebAppURL   string                  `json:"webAppUrl,omitempty"`
	StartTime   *time.Time              `json:"startTime,omitempty"`
	CompletedAt *time.Time              `json:"completedAt,omitempty"`
	Timing      *timing.Report          `json:"timing,omitempty"`
	Result      *result.ExecutionResult `json:"result,omitempty"`
	Error       string                  `json:"error,omitempty"`
}

// ProcessList is the running jobs followed by the process history.
type ProcessList struct {
	Count     int       `json:"count"`
	Processes []Process `json:"processes"`
}

// Processes lists running jobs and then finished ones, most recent first.
func (e *Engine) Processes() ProcessList {
	running := e.jobs.List()
	history := e.jobs.Processes().List(e.jobs.Processes().Len())
	out := make([]Process, 0, len(running)+len(history))
	for _, info := range running {
		out = append(out, e.runningProcess(info))
	}
	for _, entry := range history {
		out = append(out, finishedProcess(entry))
	}
	return ProcessList{Count: len(out), Processes: out}
}

// Process returns one job, live or from history.
func (e *Engine) Process(ctx context.Context, id string) (Process, error) {
	if j, ok := e.jobs.Get(id); ok {
		return e.runningProcess(j.Info()), nil
	}
	if entry, ok := e.jobs.Processes().Get(ctx, id); ok {
		return finishedProcess(entry), nil
	}
	return Process{}, appErr.Newf(appErr.JobNotFound, "Process %s not found", id)
}

// ProcessTiming returns the timing report of a live or finished job.
func (e *Engine) ProcessTiming(ctx context.Context, id string) (timing.Report, error) {
	if _, ok := e.jobs.Get(id); ok {
		if report, ok := e.jobs.Timer().Report(id); ok {
			return report, nil
		}
	}
	if entry, ok := e.jobs.Processes().Get(ctx, id); ok && entry.Timing != nil {
		return *entry.Timing, nil
	}
	return timing.Report{}, appErr.Newf(appErr.JobNotFound, "Timing information for process %s not found", id)
}

// ProcessLogs returns the buffered output of a job.
func (e *Engine) ProcessLogs(id string) (output.Snapshot, error) {
	snap, ok := e.jobs.Outputs().Snapshot(id)
	if !ok {
		return output.Snapshot{}, appErr.Newf(appErr.JobNotFound, "Process %s not found or has no output", id)
	}
	return snap, nil
}

// FollowLogs subscribes to the output of a job: backlog first, then live chunks.
func (e *Engine) FollowLogs(id string) *output.Subscription {
	return e.jobs.Outputs().Subscribe(id)
}

// Terminate stops a live job.
func (e *Engine) Terminate(ctx context.Context, id string) error {
	err := e.jobs.Terminate(ctx, id)
	if appErr.Is(err, appErr.JobNotFound) || appErr.Is(err, appErr.JobAlreadyTerminated) {
		return appErr.Newf(appErr.JobNotFound, "Process %s not found or already terminated", id)
	}
	return err
}

func (e *Engine) runningProcess(info job.Info) Process {
	started := info.CreatedAt
	p := Process{
		ID:        info.ID,
		Language:  info.Language,
		Version:   info.Version,
		Status:    statusRunning,
		WebAppURL: info.WebAppURL,
		StartTime: &started,
	}
	if report, ok := e.jobs.Timer().Report(info.ID); ok {
		p.Timing = &report
	}
	return p
}

func finishedProcess(entry repository.Entry) Process {
	completed := entry.CompletedAt
	p := Process{
		ID:          entry.ID,
		Language:    entry.Language,
		Version:     entry.Version,
		Status:      string(entry.Status),
		WebAppURL:   entry.WebAppURL,
		CompletedAt: &completed,
		Timing:      entry.Timing,
		Result:      entry.Result,
		Error:       entry.Error,
	}
	if entry.Timing != nil {
		started := entry.Timing.StartTime
		p.StartTime = &started
	}
	return p
}
