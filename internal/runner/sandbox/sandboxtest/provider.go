// Package sandboxtest provides an in-memory sandbox provider for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/Frohrer/codux/internal/runner/event"
	"github.com/Frohrer/codux/internal/runner/sandbox"
	"github.com/Frohrer/codux/internal/runner/sandbox/result"
)

// RunFunc scripts one stage run.
type RunFunc func(ctx context.Context, req sandbox.RunRequest, bus *event.Bus) (result.StageResult, error)

// Transfer records one submission move between boxes.
type Transfer struct{ From, To int }

// Calls is a snapshot of everything the provider was asked to do.
type Calls struct {
	Requests    []sandbox.RunRequest
	RunBoxes    []int
	Populated   map[int][]sandbox.File
	Transfers   []Transfer
	Cleaned     []int
	Forced      []int
	Initialised int
}

// Provider records calls and plays back scripted runs keyed by stage script.
// Unscripted runs exit 0 without output.
type Provider struct {
	mu          sync.Mutex
	nextID      int
	runs        map[string]RunFunc
	requests    []sandbox.RunRequest
	runBoxes    []int
	populated   map[int][]sandbox.File
	transfers   []Transfer
	cleaned     []int
	forced      []int
	cleanupErr  error
	initialised int
}

// NewProvider creates an empty provider.
func NewProvider() *Provider {
	return &Provider{runs: make(map[string]RunFunc), populated: make(map[int][]sandbox.File)}
}

// FailCleanup makes every Cleanup call return err, sending jobs down the
// forced cleanup path.
func (p *Provider) FailCleanup(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanupErr = err
}

// Calls returns a copy of the recorded calls.
func (p *Provider) Calls() Calls {
	p.mu.Lock()
	defer p.mu.Unlock()
	populated := make(map[int][]sandbox.File, len(p.populated))
	for id, files := range p.populated {
		populated[id] = append([]sandbox.File{}, files...)
	}
	return Calls{
		Requests:    append([]sandbox.RunRequest{}, p.requests...),
		RunBoxes:    append([]int{}, p.runBoxes...),
		Populated:   populated,
		Transfers:   append([]Transfer{}, p.transfers...),
		Cleaned:     append([]int{}, p.cleaned...),
		Forced:      append([]int{}, p.forced...),
		Initialised: p.initialised,
	}
}

// On scripts the runs of one stage script.
func (p *Provider) On(script string, fn RunFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs[script] = fn
}

// Requests returns every run request seen so far.
func (p *Provider) Requests() []sandbox.RunRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sandbox.RunRequest{}, p.requests...)
}

// Cleaned returns the ids of cleaned boxes.
func (p *Provider) Cleaned() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int{}, p.cleaned...)
}

func (p *Provider) InitBox(ctx context.Context) (*sandbox.Box, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.initialised++
	return &sandbox.Box{ID: p.nextID, Dir: fmt.Sprintf("/boxes/%d/box", p.nextID)}, nil
}

func (p *Provider) Populate(ctx context.Context, box *sandbox.Box, files []sandbox.File) error {
	if err := sandbox.ValidateFiles(files); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.populated[box.ID] = append(p.populated[box.ID], files...)
	return nil
}

func (p *Provider) Transfer(ctx context.Context, from, to *sandbox.Box) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transfers = append(p.transfers, Transfer{From: from.ID, To: to.ID})
	return nil
}

func (p *Provider) Run(ctx context.Context, box *sandbox.Box, req sandbox.RunRequest, bus *event.Bus) (result.StageResult, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.runBoxes = append(p.runBoxes, box.ID)
	fn := p.runs[req.Script]
	p.mu.Unlock()
	if fn == nil {
		return result.StageResult{Code: result.IntPtr(0)}, nil
	}
	return fn(ctx, req, bus)
}

func (p *Provider) Cleanup(ctx context.Context, box *sandbox.Box) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleaned = append(p.cleaned, box.ID)
	return p.cleanupErr
}

func (p *Provider) ForceCleanup(ctx context.Context, boxID int) (sandbox.CleanupOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forced = append(p.forced, boxID)
	return sandbox.CleanupSucceeded, nil
}

// Print writes stdout and stderr like a finished process, streaming them when
// a bus is attached.
func Print(code int, stdout, stderr string) RunFunc {
	return func(ctx context.Context, req sandbox.RunRequest, bus *event.Bus) (result.StageResult, error) {
		if bus != nil {
			if stdout != "" {
				bus.Emit(event.Event{Kind: event.KindStdout, Stage: req.Stage, Data: []byte(stdout)})
			}
			if stderr != "" {
				bus.Emit(event.Event{Kind: event.KindStderr, Stage: req.Stage, Data: []byte(stderr)})
			}
		}
		res := result.StageResult{Code: result.IntPtr(code), Stdout: stdout, Stderr: stderr, Output: stdout + stderr}
		if code != 0 {
			res.Status = result.StatusRuntimeError
		}
		return res, nil
	}
}

// Echo answers the first stdin write on stdout and exits. A signal or a
// cancelled ctx ends the run instead.
func Echo() RunFunc {
	return func(ctx context.Context, req sandbox.RunRequest, bus *event.Bus) (result.StageResult, error) {
		select {
		case data := <-bus.Stdin():
			bus.Emit(event.Event{Kind: event.KindStdout, Stage: req.Stage, Data: data})
			return result.StageResult{Code: result.IntPtr(0), Stdout: string(data), Output: string(data)}, nil
		case sig := <-bus.Signals():
			return result.StageResult{Status: result.StatusSignaled, Signal: sig}, nil
		case <-ctx.Done():
			return result.StageResult{Status: result.StatusSignaled, Signal: "SIGKILL"}, nil
		}
	}
}
