package job

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Frohrer/codux/internal/runner/event"
	"github.com/Frohrer/codux/internal/runner/proxy"
	"github.com/Frohrer/codux/internal/runner/repository"
	"github.com/Frohrer/codux/internal/runner/sandbox"
	"github.com/Frohrer/codux/internal/runner/sandbox/profile"
	"github.com/Frohrer/codux/internal/runner/sandbox/result"
	appErr "github.com/Frohrer/codux/pkg/errors"
	"github.com/Frohrer/codux/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	frameworkHome    = "/box/submission/home"
	frameworkHomeDir = "home"
	collectLimit     = 64 * 1024
)

var streamlitReadyMarkers = []string{
	"You can now view your Streamlit app in your browser",
	"Network URL: http",
	"Streamlit listening on",
}

// webCapability is attached to jobs whose runtime serves a web application.
// A known framework gets a startup handshake; anything else falls back to
// detecting the port it starts listening on.
type webCapability struct {
	framework string
	cfg       WebConfig
}

func newWebCapability(rt profile.Runtime, cfg WebConfig) *webCapability {
	if !rt.IsWeb() {
		return nil
	}
	return &webCapability{framework: rt.WebFramework(), cfg: cfg}
}

// filterDependencies drops the framework package itself, it ships with the runtime.
func (w *webCapability) filterDependencies(deps []string) []string {
	if w.framework == "" {
		return deps
	}
	self := regexp.MustCompile(`(?i)^` + regexp.QuoteMeta(w.framework) + `$`)
	out := make([]string, 0, len(deps))
	for _, dep := range deps {
		if !self.MatchString(strings.TrimSpace(dep)) {
			out = append(out, dep)
		}
	}
	return out
}

func (w *webCapability) normalizeFiles(files []sandbox.File) []sandbox.File {
	if w.framework != profile.FrameworkStreamlit {
		return files
	}
	out := make([]sandbox.File, 0, len(files))
	for _, f := range files {
		if path.Ext(f.Name) != ".py" {
			f.Name += ".py"
		}
		out = append(out, f)
	}
	return out
}

func (w *webCapability) readyMarkers() []string {
	if w.framework == profile.FrameworkStreamlit {
		return streamlitReadyMarkers
	}
	return nil
}

func (w *webCapability) displayName() string {
	if w.framework == profile.FrameworkStreamlit {
		return "Streamlit"
	}
	return "web application"
}

// readyWatcher collects early output and fires once a ready marker shows up.
type readyWatcher struct {
	markers []string
	ready   chan struct{}
	once    sync.Once

	mu     sync.Mutex
	stdout strings.Builder
	stderr strings.Builder
	tail   map[event.Kind]string
}

func newReadyWatcher(markers []string) *readyWatcher {
	return &readyWatcher{markers: markers, ready: make(chan struct{}), tail: make(map[event.Kind]string)}
}

func (r *readyWatcher) observe(ev event.Event) {
	var sink *strings.Builder
	switch ev.Kind {
	case event.KindStdout:
		sink = &r.stdout
	case event.KindStderr:
		sink = &r.stderr
	default:
		return
	}
	chunk := string(ev.Data)
	r.mu.Lock()
	if sink.Len() < collectLimit {
		sink.WriteString(chunk)
	}
	text := r.tail[ev.Kind] + chunk
	keep := 0
	for _, marker := range r.markers {
		keep = max(keep, len(marker))
	}
	if len(text) > keep {
		r.tail[ev.Kind] = text[len(text)-keep:]
	} else {
		r.tail[ev.Kind] = text
	}
	r.mu.Unlock()

	for _, marker := range r.markers {
		if strings.Contains(text, marker) {
			r.once.Do(func() { close(r.ready) })
			return
		}
	}
}

func (r *readyWatcher) collected() (string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stdout.String(), r.stderr.String()
}

type stageOutcome struct {
	res result.StageResult
	err error
}

// launchWeb starts the execute stage in the background and waits for the
// application to become reachable. The bool result reports whether the
// process keeps running after return.
func (j *Job) launchWeb(ctx context.Context, box *sandbox.Box, codeFiles []sandbox.File, bus *event.Bus, out *result.ExecutionResult, release func()) (*result.ExecutionResult, bool, error) {
	w := j.web
	if j.m.proxies == nil {
		return out, false, appErr.New(appErr.WebAppStartupFailed).WithMessage("no proxy registry configured for web applications")
	}
	args := append([]string{codeFiles[0].Name}, j.args...)
	limits := j.limits(event.StageExecute)
	var env map[string]string
	var reg proxy.Registration

	if w.framework != "" {
		var err error
		reg, err = j.m.proxies.CreateProxy(j.ID)
		if err != nil {
			return out, false, err
		}
		port := strconv.Itoa(reg.Port)
		args = append([]string{codeFiles[0].Name, "--server.baseUrlPath", reg.Path, "--server.port", port}, j.args...)
		env = map[string]string{"HOME": frameworkHome, "PORT": port}
		limits.TimeoutMs = w.cfg.FrameworkWallTimeMs
		limits.CPUTimeMs = w.cfg.FrameworkCPUTimeMs
		home := sandbox.File{Name: path.Join(frameworkHomeDir, ".keep"), Encoding: sandbox.EncodingUTF8}
		if err := j.m.provider.Populate(ctx, box, []sandbox.File{home}); err != nil {
			j.m.proxies.RemoveProxy(j.ID)
			return out, false, err
		}
	}

	watcher := newReadyWatcher(w.readyMarkers())
	detachWatcher := bus.Handle(watcher.observe)
	stopMonitor := func() {}
	if w.framework != "" {
		monitor := newErrorMonitor(bus)
		detachMonitor := bus.Handle(monitor.observe)
		stopMonitor = func() {
			detachMonitor()
			monitor.Close()
		}
	}

	var ports *portWatcher
	if w.framework == "" {
		ports = newPortWatcher(w.cfg)
		ports.snapshot(j.ctx)
	}

	emitStage(bus, event.StageExecute)
	done := make(chan stageOutcome, 1)
	go func() {
		res, err := j.runStage(ctx, box, event.StageExecute, sandbox.ScriptRun, args, limits, env, bus)
		done <- stageOutcome{res: res, err: err}
	}()
	logger.Info(j.ctx, "web application launched", zap.String("framework", w.framework), zap.Strings("args", args))

	var ready <-chan struct{}
	var timeout <-chan time.Time
	var portFound <-chan int
	stopPorts := func() {}
	if w.framework != "" {
		ready = watcher.ready
		timer := time.NewTimer(w.cfg.ReadyTimeout)
		defer timer.Stop()
		timeout = timer.C
	} else {
		watchCtx, cancel := context.WithCancel(j.ctx)
		stopPorts = cancel
		portFound = ports.watch(watchCtx)
	}
	defer stopPorts()

	for {
		select {
		case <-ready:
			detachWatcher()
			return j.webReady(watcher, j.m.proxies.URL(reg), done, bus, out, stopMonitor, release), true, nil

		case port, ok := <-portFound:
			if !ok {
				portFound = nil
				continue
			}
			sniffed, err := j.m.proxies.Register(j.ID, port)
			if err != nil {
				logger.Warn(j.ctx, "register sniffed port failed", zap.Int("port", port), zap.Error(err))
				portFound = nil
				continue
			}
			logger.Info(j.ctx, "web application port detected", zap.Int("port", port))
			detachWatcher()
			return j.webReady(watcher, j.m.proxies.URL(sniffed), done, bus, out, stopMonitor, release), true, nil

		case o := <-done:
			detachWatcher()
			stopMonitor()
			if o.err != nil {
				j.m.proxies.RemoveProxy(j.ID)
				return out, false, o.err
			}
			out.Run = &o.res
			emitExit(bus, event.StageExecute, o.res)
			if w.framework == "" {
				return out, false, nil
			}
			j.m.proxies.RemoveProxy(j.ID)
			return out, false, appErr.Newf(appErr.WebAppStartupFailed, "%s server exited with code %d before it was ready", w.displayName(), o.res.ExitCode()).
				WithDetail("stdout", o.res.Stdout).
				WithDetail("stderr", o.res.Stderr)

		case <-timeout:
			logger.Warn(j.ctx, "web application did not become ready", zap.Duration("timeout", w.cfg.ReadyTimeout))
			j.m.proxies.RemoveProxy(j.ID)
			j.cancelRun()
			o := <-done
			detachWatcher()
			stopMonitor()
			out.Run = &o.res
			emitExit(bus, event.StageExecute, o.res)
			return out, false, appErr.New(appErr.WebAppStartupFailed).WithMessage("Timeout waiting for Streamlit server")
		}
	}
}

func (j *Job) webReady(watcher *readyWatcher, url string, done <-chan stageOutcome, bus *event.Bus, out *result.ExecutionResult, stopMonitor, release func()) *result.ExecutionResult {
	stdout, stderr := watcher.collected()
	message := fmt.Sprintf("%s server started", j.web.displayName())
	if j.web.framework == "" {
		message = "Web application started"
	}
	run := result.StageResult{
		Code:      result.IntPtr(0),
		Stdout:    stdout,
		Stderr:    stderr,
		Output:    stdout + stderr,
		Status:    result.StatusSuccess,
		Message:   message,
		WebAppURL: url,
	}
	out.Run = &run
	out.WebAppURL = url
	j.mu.Lock()
	j.webAppURL = url
	j.mu.Unlock()
	bus.Emit(event.Event{Kind: event.KindWebApp, URL: url})
	logger.Info(j.ctx, "web application ready", zap.String("url", url))

	go j.awaitBackground(done, bus, stopMonitor, release)
	return out
}

// awaitBackground finishes a web job once its process exits on its own.
func (j *Job) awaitBackground(done <-chan stageOutcome, bus *event.Bus, stopMonitor, release func()) {
	o := <-done
	emitExit(bus, event.StageExecute, o.res)
	stopMonitor()
	if j.terminating.Load() {
		release()
		return
	}
	logger.Info(j.ctx, "web application exited", zap.Int("code", o.res.ExitCode()), zap.String("signal", o.res.Signal))
	j.m.proxies.RemoveProxy(j.ID)
	release()

	res := &result.ExecutionResult{
		Language:  j.runtime.Language,
		Version:   j.runtime.Version,
		Run:       &o.res,
		WebAppURL: j.WebAppURL(),
	}
	status := repository.StatusFailed
	if o.err == nil && o.res.Succeeded() {
		status = repository.StatusCompleted
	}
	j.m.timer.End(j.ID)
	j.addHistory(status, res, o.err)
	j.Cleanup(j.ctx)
}

func (j *Job) cancelRun() {
	j.mu.Lock()
	cancel := j.runCancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
