package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Frohrer/codux/internal/runner/event"
	"github.com/Frohrer/codux/internal/runner/sandbox/observer"
	"github.com/Frohrer/codux/internal/runner/sandbox/result"
	appErr "github.com/Frohrer/codux/pkg/errors"
	"github.com/Frohrer/codux/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	defaultIsolatePath     = "/usr/local/bin/isolate"
	defaultIsolateRoot     = "/var/local/lib/isolate"
	defaultMetaDir         = "/tmp"
	defaultProcRoot        = "/proc"
	defaultCleanupAttempts = 3
	defaultCleanupDelay    = time.Second
	defaultLanguageEnvVar  = "CODUX_LANGUAGE"

	boxInUseMarker = "box is currently in use"
	readChunkSize  = 32 * 1024
	sandboxWorkDir = "/box/submission"
)

// Config controls the isolate executor.
type Config struct {
	IsolatePath       string        `yaml:"isolate_path"`
	IsolateRoot       string        `yaml:"isolate_root"`
	MetaDir           string        `yaml:"meta_dir"`
	ProcRoot          string        `yaml:"proc_root"`
	MaxBoxID          int           `yaml:"max_box_id"`
	DisableNetworking bool          `yaml:"disable_networking"`
	CleanupAttempts   int           `yaml:"cleanup_attempts"`
	CleanupDelay      time.Duration `yaml:"cleanup_delay"`
	LanguageEnvVar    string        `yaml:"language_env_var"`
}

var _ Provider = (*IsolateProvider)(nil)

// IsolateProvider implements Provider on top of the isolate command line tool.
type IsolateProvider struct {
	cfg     Config
	pool    *BoxPool
	metrics observer.MetricsRecorder
	cleanup RetryPolicy
	kill    processKiller
}

// NewIsolateProvider creates a provider; zero config fields take defaults.
func NewIsolateProvider(cfg Config, metrics observer.MetricsRecorder) *IsolateProvider {
	if cfg.IsolatePath == "" {
		cfg.IsolatePath = defaultIsolatePath
	}
	if cfg.IsolateRoot == "" {
		cfg.IsolateRoot = defaultIsolateRoot
	}
	if cfg.MetaDir == "" {
		cfg.MetaDir = defaultMetaDir
	}
	if cfg.ProcRoot == "" {
		cfg.ProcRoot = defaultProcRoot
	}
	if cfg.MaxBoxID <= 1 {
		cfg.MaxBoxID = defaultMaxBoxID
	}
	if cfg.CleanupAttempts <= 0 {
		cfg.CleanupAttempts = defaultCleanupAttempts
	}
	if cfg.CleanupDelay <= 0 {
		cfg.CleanupDelay = defaultCleanupDelay
	}
	if cfg.LanguageEnvVar == "" {
		cfg.LanguageEnvVar = defaultLanguageEnvVar
	}
	if metrics == nil {
		metrics = observer.Nop{}
	}
	return &IsolateProvider{
		cfg:     cfg,
		pool:    NewBoxPool(cfg.MaxBoxID),
		metrics: metrics,
		cleanup: RetryPolicy{MaxAttempts: cfg.CleanupAttempts, Delay: cfg.CleanupDelay},
		kill: func(pid int) error {
			return unix.Kill(pid, unix.SIGKILL)
		},
	}
}

// Pool exposes the box id pool.
func (p *IsolateProvider) Pool() *BoxPool {
	return p.pool
}

func (p *IsolateProvider) InitBox(ctx context.Context) (*Box, error) {
	id, err := p.pool.Acquire()
	if err != nil {
		return nil, err
	}
	stdout, stderr, err := p.execIsolate(ctx, "--init", "--cg", boxIDArg(id))
	if err != nil {
		p.pool.Release(id)
		p.metrics.ObserveBox(ctx, observer.BoxFailed)
		return nil, appErr.Wrapf(err, appErr.SandboxFailure, "isolate init failed for box %d", id).
			WithDetail("stdout", stdout).
			WithDetail("stderr", stderr)
	}
	root := strings.TrimSpace(stdout)
	if root == "" {
		p.pool.Release(id)
		p.metrics.ObserveBox(ctx, observer.BoxFailed)
		return nil, appErr.Newf(appErr.SandboxFailure, "isolate init returned no box path for box %d", id).
			WithDetail("stderr", stderr)
	}
	box := &Box{
		ID:           id,
		Dir:          filepath.Join(root, "box"),
		MetadataPath: filepath.Join(p.cfg.MetaDir, fmt.Sprintf("%d-metadata.txt", id)),
	}
	p.metrics.ObserveBox(ctx, observer.BoxInit)
	logger.Debug(ctx, "sandbox box initialised", zap.Int("box_id", id), zap.String("dir", box.Dir))
	return box, nil
}

func (p *IsolateProvider) Populate(ctx context.Context, box *Box, files []File) error {
	if err := writeFiles(box.SubmissionDir(), files); err != nil {
		return err
	}
	logger.Debug(ctx, "sandbox box populated", zap.Int("box_id", box.ID), zap.Int("files", len(files)))
	return nil
}

func (p *IsolateProvider) Transfer(ctx context.Context, from, to *Box) error {
	if err := os.Rename(from.SubmissionDir(), to.SubmissionDir()); err != nil {
		return appErr.Wrapf(err, appErr.SandboxFailure, "move submission from box %d to box %d", from.ID, to.ID)
	}
	logger.Debug(ctx, "submission transferred", zap.Int("from_box", from.ID), zap.Int("to_box", to.ID))
	return nil
}

func (p *IsolateProvider) Run(ctx context.Context, box *Box, req RunRequest, bus *event.Bus) (result.StageResult, error) {
	if err := os.Remove(box.MetadataPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn(ctx, "remove stale metadata failed", zap.String("path", box.MetadataPath), zap.Error(err))
	}

	cmd := exec.Command(p.cfg.IsolatePath, p.runArgs(box, req)...)
	cmd.Env = p.runEnv(req)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return result.StageResult{}, appErr.Wrapf(err, appErr.SandboxFailure, "open stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return result.StageResult{}, appErr.Wrapf(err, appErr.SandboxFailure, "open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return result.StageResult{}, appErr.Wrapf(err, appErr.SandboxFailure, "open stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return result.StageResult{}, appErr.Wrapf(err, appErr.SandboxFailure, "start isolate run")
	}
	pid := cmd.Process.Pid

	capture := newOutputCapture(req.Runtime.OutputMaxSize)
	var aborted atomic.Bool
	abort := func() {
		if aborted.CompareAndSwap(false, true) {
			_ = unix.Kill(pid, unix.SIGABRT)
		}
	}

	exited := make(chan struct{})
	if bus == nil {
		go func() {
			_, _ = io.WriteString(stdin, req.Stdin)
			_ = stdin.Close()
		}()
	} else {
		go forwardControl(ctx, cmd.Process, stdin, req.Stdin, bus, exited)
	}

	var cancelled atomic.Bool
	go func() {
		select {
		case <-ctx.Done():
			cancelled.Store(true)
			killProcessGroup(pid)
		case <-exited:
		}
	}()

	var readers sync.WaitGroup
	readers.Add(2)
	go pump(&readers, stdout, streamStdout, req.Stage, capture, bus, abort)
	go pump(&readers, stderr, streamStderr, req.Stage, capture, bus, abort)
	readers.Wait()
	waitErr := cmd.Wait()
	close(exited)
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			logger.Warn(ctx, "isolate wait failed", zap.Int("box_id", box.ID), zap.Error(waitErr))
		}
	}

	out, errOut, combined, status, message := capture.snapshot()
	res := result.StageResult{
		Stdout:  out,
		Stderr:  errOut,
		Output:  combined,
		Status:  status,
		Message: message,
	}

	raw, readErr := os.ReadFile(box.MetadataPath)
	switch {
	case readErr != nil && aborted.Load():
		res.Signal = SignalName(int(unix.SIGKILL))
	case readErr != nil && cancelled.Load():
		res.Status = result.StatusSignaled
		res.Signal = SignalName(int(unix.SIGKILL))
		res.Message = "execution cancelled"
	case readErr != nil:
		return res, appErr.Wrapf(readErr, appErr.MetadataParseFailure, "read metadata for box %d", box.ID).
			WithDetail("stdout", out).
			WithDetail("stderr", errOut)
	default:
		meta, err := ParseMetadata(string(raw))
		if err != nil {
			return res, appErr.GetError(err).
				WithDetail("stdout", out).
				WithDetail("stderr", errOut)
		}
		res.Memory = meta.MemoryBytes
		res.Code = meta.ExitCode
		res.Signal = meta.Signal
		res.CPUTime = meta.CPUTimeMs
		res.WallTime = meta.WallTimeMs
		if res.Status == result.StatusNone {
			res.Status = meta.Status
		}
		if res.Message == "" {
			res.Message = meta.Message
		}
	}
	if res.Status.KillsProcess() {
		res.Signal = SignalName(int(unix.SIGKILL))
	}

	p.metrics.ObserveStage(ctx, req.Runtime.Language, req.Stage, string(res.Status), res.ExitCode(), res.WallTime, res.CPUTime, res.Memory)
	logger.Debug(ctx, "sandbox stage finished",
		zap.Int("box_id", box.ID),
		zap.String("stage", req.Stage),
		zap.Int("code", res.ExitCode()),
		zap.String("status", string(res.Status)),
		zap.Float64("wall_ms", res.WallTime),
	)
	return res, nil
}

func (p *IsolateProvider) Cleanup(ctx context.Context, box *Box) error {
	_, stderr, err := p.execIsolate(ctx, "--cleanup", "--cg", boxIDArg(box.ID))
	removeMetadata(ctx, box.MetadataPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.SandboxFailure, "isolate cleanup failed for box %d", box.ID).
			WithDetail("stderr", strings.TrimSpace(stderr))
	}
	p.pool.Release(box.ID)
	p.metrics.ObserveBox(ctx, observer.BoxCleanup)
	return nil
}

func (p *IsolateProvider) ForceCleanup(ctx context.Context, boxID int) (CleanupOutcome, error) {
	boxDir := filepath.Join(p.cfg.IsolateRoot, strconv.Itoa(boxID), "box")
	killed, err := killResidualProcesses(p.cfg.ProcRoot, boxDir, p.kill)
	if err != nil {
		logger.Warn(ctx, "scan residual processes failed", zap.Int("box_id", boxID), zap.Error(err))
	} else if len(killed) > 0 {
		logger.Info(ctx, "killed residual box processes", zap.Int("box_id", boxID), zap.Ints("pids", killed))
	}

	outcome, err := p.cleanup.Do(ctx, func(ctx context.Context, attempt int) (bool, error) {
		_, stderr, err := p.execIsolate(ctx, "--cleanup", "--cg", boxIDArg(boxID))
		if err == nil {
			return false, nil
		}
		if strings.Contains(stderr, boxInUseMarker) {
			logger.Debug(ctx, "box still in use, retrying cleanup", zap.Int("box_id", boxID), zap.Int("attempt", attempt))
			return true, fmt.Errorf("%s: %w", strings.TrimSpace(stderr), err)
		}
		return false, fmt.Errorf("%s: %w", strings.TrimSpace(stderr), err)
	})
	p.metrics.ObserveCleanup(ctx, string(outcome))

	switch outcome {
	case CleanupSucceeded:
		removeMetadata(ctx, filepath.Join(p.cfg.MetaDir, fmt.Sprintf("%d-metadata.txt", boxID)))
		p.pool.Release(boxID)
		return outcome, nil
	case CleanupAbandoned:
		logger.Warn(ctx, "forced cleanup gave up on non-retryable error", zap.Int("box_id", boxID), zap.Error(err))
		return outcome, appErr.Wrapf(err, appErr.SandboxFailure, "forced cleanup of box %d failed", boxID)
	default:
		return outcome, appErr.Wrapf(err, appErr.CleanupExhausted, "forced cleanup of box %d exhausted retries", boxID)
	}
}

func (p *IsolateProvider) runArgs(box *Box, req RunRequest) []string {
	rt := req.Runtime
	args := []string{
		"--run",
		boxIDArg(box.ID),
		"--meta=" + box.MetadataPath,
		"--cg",
		"-s",
		"-c", sandboxWorkDir,
		"-e",
		"--dir=" + rt.PkgDir,
		"--dir=/etc:noexec",
		fmt.Sprintf("--processes=%d", rt.MaxProcessCount),
		fmt.Sprintf("--open-files=%d", rt.MaxOpenFiles),
		fmt.Sprintf("--fsize=%d", rt.MaxFileSize/1000),
		"--wall-time=" + msToSeconds(req.Limits.TimeoutMs),
		"--time=" + msToSeconds(req.Limits.CPUTimeMs),
		"--extra-time=0",
	}
	if req.Limits.MemoryBytes > 0 {
		args = append(args, fmt.Sprintf("--cg-mem=%d", req.Limits.MemoryBytes/1000))
	}
	if !p.cfg.DisableNetworking {
		args = append(args, "--share-net")
	}
	args = append(args, "--", "/bin/bash", filepath.Join(rt.PkgDir, req.Script))
	return append(args, req.Args...)
}

func (p *IsolateProvider) runEnv(req RunRequest) []string {
	merged := make(map[string]string, len(req.Runtime.Env)+len(req.Env)+1)
	for k, v := range req.Runtime.Env {
		merged[k] = v
	}
	for k, v := range req.Env {
		merged[k] = v
	}
	merged[p.cfg.LanguageEnvVar] = req.Runtime.Language
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

func (p *IsolateProvider) execIsolate(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, p.cfg.IsolatePath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func pump(wg *sync.WaitGroup, r io.Reader, stream, stage string, capture *outputCapture, bus *event.Bus, abort func()) {
	defer wg.Done()
	kind := event.KindStdout
	if stream == streamStderr {
		kind = event.KindStderr
	}
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if bus != nil {
				bus.Emit(event.Event{Kind: kind, Stage: stage, Data: chunk})
			}
			if capture.write(stream, chunk) && bus == nil {
				abort()
			}
		}
		if err != nil {
			return
		}
	}
}

// forwardControl writes stdin events and delivers signals until the process exits.
func forwardControl(ctx context.Context, proc *os.Process, stdin io.WriteCloser, initial string, bus *event.Bus, exited <-chan struct{}) {
	defer stdin.Close()
	if initial != "" {
		if _, err := io.WriteString(stdin, initial); err != nil {
			logger.Debug(ctx, "write initial stdin failed", zap.Error(err))
		}
	}
	input := bus.Stdin()
	signals := bus.Signals()
	done := bus.Done()
	for {
		select {
		case <-exited:
			return
		case <-done:
			input, signals, done = nil, nil, nil
		case data := <-input:
			if _, err := stdin.Write(data); err != nil {
				logger.Debug(ctx, "write stdin failed", zap.Error(err))
			}
		case name := <-signals:
			sig, ok := LookupSignal(name)
			if !ok {
				logger.Warn(ctx, "ignoring unknown signal", zap.String("signal", name))
				continue
			}
			if err := proc.Signal(sig); err != nil {
				logger.Debug(ctx, "deliver signal failed", zap.String("signal", name), zap.Error(err))
			}
		}
	}
}

func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = unix.Kill(-pid, unix.SIGKILL)
	_ = unix.Kill(pid, unix.SIGKILL)
}

func removeMetadata(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn(ctx, "remove metadata failed", zap.String("path", path), zap.Error(err))
	}
}

func boxIDArg(id int) string {
	return "--box-id=" + strconv.Itoa(id)
}

func msToSeconds(ms int64) string {
	return strconv.FormatFloat(float64(ms)/1000, 'f', -1, 64)
}
