// Package job drives one code execution request through the sandbox:
// priming boxes, running the compile, install and execute stages, and
// tearing everything down exactly once.
package job

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Frohrer/codux/internal/runner/event"
	"github.com/Frohrer/codux/internal/runner/output"
	"github.com/Frohrer/codux/internal/runner/repository"
	"github.com/Frohrer/codux/internal/runner/sandbox"
	"github.com/Frohrer/codux/internal/runner/sandbox/profile"
	"github.com/Frohrer/codux/internal/runner/sandbox/result"
	appErr "github.com/Frohrer/codux/pkg/errors"
	"github.com/Frohrer/codux/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the lifecycle position of a job.
type State int32

const (
	StateReady State = iota
	StatePrimed
	StateExecuted
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StatePrimed:
		return "PRIMED"
	case StateExecuted:
		return "EXECUTED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// LanguageFile marks jobs whose files are all passed to the runtime regardless of encoding.
const LanguageFile = "file"

// Request is everything needed to build a job.
type Request struct {
	Runtime      profile.Runtime
	Files        []sandbox.File
	Args         []string
	Stdin        string
	Dependencies []string
	Timeouts     profile.StageLimits
	CPUTimes     profile.StageLimits
	MemoryLimits profile.StageLimits
	LongRunning  bool
}

// Info is the externally visible summary of a job.
type Info struct {
	ID          string    `json:"id"`
	Language    string    `json:"language"`
	Version     string    `json:"version"`
	State       string    `json:"state"`
	Stage       string    `json:"stage,omitempty"`
	LongRunning bool      `json:"longRunning"`
	WebApp      bool      `json:"webApp"`
	WebAppURL   string    `json:"webAppUrl,omitempty"`
	Running     bool      `json:"running"`
	Boxes       []int     `json:"boxes"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Job is one execution request. Build it with Manager.NewJob.
type Job struct {
	ID string

	m            *Manager
	ctx          context.Context
	runtime      profile.Runtime
	files        []sandbox.File
	args         []string
	stdin        string
	dependencies []string
	timeouts     profile.StageLimits
	cpuTimes     profile.StageLimits
	memory       profile.StageLimits
	longRunning  bool
	createdAt    time.Time
	web          *webCapability

	state       atomic.Int32
	priming     atomic.Bool
	executing   atomic.Bool
	running     atomic.Bool
	terminating atomic.Bool
	slotHeld    atomic.Bool

	mu        sync.Mutex
	boxes     []*sandbox.Box
	cleaned   bool
	webAppURL string
	runCancel context.CancelFunc

	runDone     chan struct{}
	releaseOnce sync.Once
	cleanupOnce sync.Once
}

func newJob(m *Manager, ctx context.Context, req Request) *Job {
	id := uuid.NewString()
	j := &Job{
		ID:           id,
		m:            m,
		ctx:          logger.WithJobID(context.WithoutCancel(ctx), id),
		runtime:      req.Runtime,
		args:         append([]string{}, req.Args...),
		stdin:        req.Stdin,
		dependencies: append([]string{}, req.Dependencies...),
		timeouts:     withDefaults(req.Timeouts, req.Runtime.Timeouts),
		cpuTimes:     withDefaults(req.CPUTimes, req.Runtime.CPUTimes),
		memory:       withDefaults(req.MemoryLimits, req.Runtime.MemoryLimits),
		longRunning:  req.LongRunning,
		createdAt:    time.Now(),
		web:          newWebCapability(req.Runtime, m.cfg.Web),
		runDone:      make(chan struct{}),
	}
	if !strings.HasSuffix(j.stdin, "\n") {
		j.stdin += "\n"
	}
	for i, f := range req.Files {
		if f.Name == "" {
			f.Name = fmt.Sprintf("file%d.code", i)
		}
		f.Encoding = sandbox.NormalizeEncoding(f.Encoding)
		j.files = append(j.files, f)
	}
	if j.web != nil {
		j.dependencies = j.web.filterDependencies(j.dependencies)
		j.files = j.web.normalizeFiles(j.files)
	}
	return j
}

func withDefaults(requested, defaults profile.StageLimits) profile.StageLimits {
	if requested.Compile == 0 {
		requested.Compile = defaults.Compile
	}
	if requested.Run == 0 {
		requested.Run = defaults.Run
	}
	return requested
}

// State returns the current lifecycle state.
func (j *Job) State() State {
	return State(j.state.Load())
}

// Runtime returns the runtime the job executes on.
func (j *Job) Runtime() profile.Runtime {
	return j.runtime
}

// LongRunning reports whether the caller asked to keep the job alive after execution.
func (j *Job) LongRunning() bool {
	return j.longRunning
}

// IsWebApp reports whether the job has the web capability.
func (j *Job) IsWebApp() bool {
	return j.web != nil
}

// Running reports whether a stage process is still alive.
func (j *Job) Running() bool {
	return j.running.Load()
}

// WebAppURL returns the proxied address once the application is ready.
func (j *Job) WebAppURL() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.webAppURL
}

// Info summarises the job.
func (j *Job) Info() Info {
	j.mu.Lock()
	boxes := make([]int, 0, len(j.boxes))
	for _, box := range j.boxes {
		boxes = append(boxes, box.ID)
	}
	url := j.webAppURL
	j.mu.Unlock()

	info := Info{
		ID:          j.ID,
		Language:    j.runtime.Language,
		Version:     j.runtime.Version,
		State:       j.State().String(),
		LongRunning: j.longRunning,
		WebApp:      j.web != nil,
		WebAppURL:   url,
		Running:     j.running.Load(),
		Boxes:       boxes,
		CreatedAt:   j.createdAt,
	}
	if report, ok := j.m.timer.Report(j.ID); ok {
		info.Stage = report.CurrentStage
	}
	return info
}

// Prime validates the files, waits for a scheduler slot and prepares the first box.
func (j *Job) Prime(ctx context.Context) error {
	if j.State() != StateReady {
		return appErr.Newf(appErr.InvalidJobState, "job must be ready to be primed, current state: %s", j.State())
	}
	if !j.priming.CompareAndSwap(false, true) {
		return appErr.Newf(appErr.InvalidJobState, "job is already being primed")
	}
	if err := sandbox.ValidateFiles(j.files); err != nil {
		return err
	}
	if len(j.dependencies) > 0 {
		if _, err := installArgs(j.m.cfg.InstallTemplates, j.runtime, j.dependencies); err != nil {
			return err
		}
	}

	logger.Info(j.ctx, "priming job", zap.String("runtime", j.runtime.ID()))
	if err := j.m.scheduler.Admit(ctx); err != nil {
		return appErr.Wrapf(err, appErr.TooManyRequests, "waiting for an execution slot")
	}
	j.mu.Lock()
	if j.cleaned {
		j.mu.Unlock()
		j.m.scheduler.Release()
		return appErr.New(appErr.JobAlreadyTerminated)
	}
	j.slotHeld.Store(true)
	j.mu.Unlock()

	j.m.timer.Start(j.ID)
	box, err := j.newBox(ctx)
	if err != nil {
		return err
	}
	if err := j.m.provider.Populate(ctx, box, j.files); err != nil {
		return err
	}
	j.state.Store(int32(StatePrimed))
	logger.Debug(j.ctx, "job primed", zap.Int("box_id", box.ID))
	return nil
}

// Execute runs the job's stages. With a nil bus the run is batched and the
// output lands in the result; otherwise every chunk is streamed on the bus.
func (j *Job) Execute(ctx context.Context, bus *event.Bus) (*result.ExecutionResult, error) {
	if j.State() != StatePrimed {
		return nil, appErr.Newf(appErr.InvalidJobState, "job must be primed to execute, current state: %s", j.State())
	}
	if !j.executing.CompareAndSwap(false, true) {
		return nil, appErr.Newf(appErr.InvalidJobState, "job is already executing")
	}

	ownsBus := false
	if bus == nil && j.web != nil {
		bus = event.NewBus()
		ownsBus = true
	}
	var detach func()
	if bus != nil {
		detach = bus.Handle(j.recordEvent)
	}

	parent := ctx
	if j.web != nil {
		parent = context.WithoutCancel(ctx)
	}
	runCtx, cancel := context.WithCancel(parent)
	j.mu.Lock()
	j.runCancel = cancel
	j.mu.Unlock()
	j.running.Store(true)

	release := func() {
		j.releaseOnce.Do(func() {
			if detach != nil {
				detach()
			}
			cancel()
			j.running.Store(false)
			close(j.runDone)
			if ownsBus {
				bus.Close()
			}
		})
	}

	logger.Info(j.ctx, "executing job", zap.String("runtime", j.runtime.ID()), zap.Bool("streaming", bus != nil && !ownsBus))
	res, background, err := j.execute(runCtx, bus, release)
	j.state.Store(int32(StateExecuted))
	if background {
		return res, nil
	}
	if !j.terminating.Load() {
		j.recordHistory(res, err)
	}
	release()
	return res, err
}

func (j *Job) execute(ctx context.Context, bus *event.Bus, release func()) (*result.ExecutionResult, bool, error) {
	out := &result.ExecutionResult{Language: j.runtime.Language, Version: j.runtime.Version}
	codeFiles := j.codeFiles()
	if len(codeFiles) == 0 {
		return out, false, appErr.InvalidInput("files must include at least one utf8 encoded file")
	}
	box := j.primaryBox()
	if box == nil {
		return out, false, appErr.Newf(appErr.InvalidJobState, "job has no sandbox box")
	}

	if j.runtime.Compiled {
		emitStage(bus, event.StageCompile)
		names := make([]string, 0, len(codeFiles))
		for _, f := range codeFiles {
			names = append(names, f.Name)
		}
		compiled, err := j.runStage(ctx, box, event.StageCompile, sandbox.ScriptCompile, names, j.limits(event.StageCompile), nil, bus)
		if err != nil {
			return out, false, err
		}
		out.Compile = &compiled
		emitExit(bus, event.StageCompile, compiled)
		if !compiled.Succeeded() {
			return out, false, nil
		}
		next, err := j.newBox(ctx)
		if err != nil {
			return out, false, err
		}
		if err := j.m.provider.Transfer(ctx, box, next); err != nil {
			return out, false, err
		}
		box = next
	}

	if len(j.dependencies) > 0 {
		args, err := installArgs(j.m.cfg.InstallTemplates, j.runtime, j.dependencies)
		if err != nil {
			return out, false, err
		}
		emitStage(bus, event.StageInstall)
		installed, err := j.runStage(ctx, box, event.StageInstall, sandbox.ScriptPackageManager, args, j.limits(event.StageExecute), nil, bus)
		if err != nil {
			return out, false, err
		}
		out.Install = &installed
		if !installed.Succeeded() {
			logger.Warn(j.ctx, "dependency install failed", zap.Int("code", installed.ExitCode()), zap.Strings("dependencies", j.dependencies))
			emitExit(bus, event.StageInstall, installed)
			emitStage(bus, event.StageExecute)
			out.Run = &installed
			out.InstallFailed = true
			return out, false, nil
		}
	}

	if j.web != nil {
		return j.launchWeb(ctx, box, codeFiles, bus, out, release)
	}

	emitStage(bus, event.StageExecute)
	args := append([]string{codeFiles[0].Name}, j.args...)
	run, err := j.runStage(ctx, box, event.StageExecute, sandbox.ScriptRun, args, j.limits(event.StageExecute), nil, bus)
	if err != nil {
		return out, false, err
	}
	out.Run = &run
	emitExit(bus, event.StageExecute, run)
	return out, false, nil
}

func (j *Job) runStage(ctx context.Context, box *sandbox.Box, stage, script string, args []string, limits sandbox.Limits, env map[string]string, bus *event.Bus) (result.StageResult, error) {
	j.m.timer.StartStage(j.ID, stage)
	res, err := j.m.provider.Run(ctx, box, sandbox.RunRequest{
		Runtime: j.runtime,
		Stage:   stage,
		Script:  script,
		Args:    args,
		Stdin:   j.stdin,
		Limits:  limits,
		Env:     env,
	}, bus)
	j.m.timer.UpdateMetrics(j.ID, res.CPUTime, res.WallTime, res.Memory)
	j.m.timer.EndStage(j.ID, stage)
	if err != nil {
		logger.Error(j.ctx, "stage failed in sandbox", zap.String("stage", stage), zap.Error(err))
		return res, err
	}
	if bus == nil {
		j.m.outputs.Record(j.ID, output.StreamStdout, res.Stdout)
		j.m.outputs.Record(j.ID, output.StreamStderr, res.Stderr)
	}
	return res, nil
}

func (j *Job) limits(stage string) sandbox.Limits {
	if stage == event.StageCompile {
		return sandbox.Limits{TimeoutMs: j.timeouts.Compile, CPUTimeMs: j.cpuTimes.Compile, MemoryBytes: j.memory.Compile}
	}
	return sandbox.Limits{TimeoutMs: j.timeouts.Run, CPUTimeMs: j.cpuTimes.Run, MemoryBytes: j.memory.Run}
}

func (j *Job) codeFiles() []sandbox.File {
	if strings.EqualFold(j.runtime.Language, LanguageFile) {
		return j.files
	}
	var out []sandbox.File
	for _, f := range j.files {
		if f.Encoding == sandbox.EncodingUTF8 {
			out = append(out, f)
		}
	}
	return out
}

func (j *Job) newBox(ctx context.Context) (*sandbox.Box, error) {
	box, err := j.m.provider.InitBox(ctx)
	if err != nil {
		return nil, err
	}
	j.mu.Lock()
	if j.cleaned {
		j.mu.Unlock()
		j.cleanBox(box)
		return nil, appErr.New(appErr.JobAlreadyTerminated)
	}
	j.boxes = append(j.boxes, box)
	j.mu.Unlock()
	return box, nil
}

func (j *Job) primaryBox() *sandbox.Box {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.boxes) == 0 {
		return nil
	}
	return j.boxes[len(j.boxes)-1]
}

func (j *Job) recordEvent(ev event.Event) {
	switch ev.Kind {
	case event.KindStdout:
		j.m.outputs.Record(j.ID, output.StreamStdout, string(ev.Data))
	case event.KindStderr:
		j.m.outputs.Record(j.ID, output.StreamStderr, string(ev.Data))
	case event.KindError:
		j.m.outputs.Record(j.ID, output.StreamError, ev.Message)
	}
}

func (j *Job) recordHistory(res *result.ExecutionResult, err error) {
	status := repository.StatusFailed
	switch {
	case err != nil:
	case res != nil && res.InstallFailed:
		status = repository.StatusSetupFailed
	case res != nil && res.Run != nil && res.Run.Succeeded():
		status = repository.StatusCompleted
	}
	j.addHistory(status, res, err)
}

func (j *Job) addHistory(status repository.Status, res *result.ExecutionResult, err error) {
	entry := repository.Entry{
		Language:  j.runtime.Language,
		Version:   j.runtime.Version,
		Status:    status,
		Result:    res,
		WebAppURL: j.WebAppURL(),
	}
	if report, ok := j.m.timer.Report(j.ID); ok {
		entry.Timing = &report
	}
	if err != nil {
		entry.Error = appErr.GetError(err).Error()
	}
	j.m.processes.Add(j.ctx, j.ID, entry)
}

// Cleanup tears the job down. It is safe to call from any state and more than
// once; only the first call has effects.
func (j *Job) Cleanup(ctx context.Context) {
	j.cleanupOnce.Do(func() {
		j.mu.Lock()
		j.cleaned = true
		boxes := j.boxes
		j.boxes = nil
		cancel := j.runCancel
		j.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		for _, box := range boxes {
			j.cleanBox(box)
		}
		if j.slotHeld.CompareAndSwap(true, false) {
			j.m.scheduler.Release()
		}
		j.m.timer.Forget(j.ID)
		j.m.forget(j.ID)
		logger.Info(j.ctx, "job cleaned up", zap.Int("boxes", len(boxes)))
	})
}

func (j *Job) cleanBox(box *sandbox.Box) {
	ctx, cancel := context.WithTimeout(j.ctx, j.m.cfg.CleanupTimeout)
	defer cancel()
	err := j.m.provider.Cleanup(ctx, box)
	if err == nil {
		return
	}
	logger.Warn(j.ctx, "box cleanup failed, forcing", zap.Int("box_id", box.ID), zap.Error(err))
	outcome, err := j.m.provider.ForceCleanup(ctx, box.ID)
	if err != nil {
		logger.Error(j.ctx, "forced box cleanup failed", zap.Int("box_id", box.ID), zap.String("outcome", string(outcome)), zap.Error(err))
	}
}

// Terminate kills the running process, removes the proxy and cleans up.
func (j *Job) Terminate(ctx context.Context) error {
	if !j.terminating.CompareAndSwap(false, true) {
		return appErr.New(appErr.JobAlreadyTerminated)
	}
	logger.Info(j.ctx, "terminating job")

	j.cancelRun()
	if j.m.proxies != nil {
		j.m.proxies.RemoveProxy(j.ID)
	}
	if j.executing.Load() {
		wait := time.NewTimer(j.m.cfg.Web.TerminateWait)
		select {
		case <-j.runDone:
		case <-wait.C:
			logger.Warn(j.ctx, "process did not exit before cleanup")
		case <-ctx.Done():
		}
		wait.Stop()
	}

	entry := repository.Entry{
		Language:  j.runtime.Language,
		Version:   j.runtime.Version,
		Status:    repository.StatusTerminated,
		WebAppURL: j.WebAppURL(),
	}
	if report, ok := j.m.timer.End(j.ID); ok {
		entry.Timing = &report
	}
	j.Cleanup(ctx)
	j.m.processes.Add(j.ctx, j.ID, entry)
	logger.Info(j.ctx, "job terminated")
	return nil
}

func emitStage(bus *event.Bus, stage string) {
	if bus != nil {
		bus.EmitStage(stage)
	}
}

func emitExit(bus *event.Bus, stage string, res result.StageResult) {
	if bus != nil {
		bus.EmitExit(stage, event.ExitInfo{Code: res.Code, Signal: res.Signal})
	}
}
