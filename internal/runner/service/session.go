package service

import (
	"context"
	"sync"

	"github.com/Frohrer/codux/internal/runner/event"
	"github.com/Frohrer/codux/internal/runner/job"
	"github.com/Frohrer/codux/internal/runner/sandbox"
	"github.com/Frohrer/codux/internal/runner/sandbox/profile"
)

// Session is a primed job driven live: output is streamed on its bus and
// stdin and signals flow back to the running process.
type Session struct {
	engine *Engine
	job    *job.Job
	bus    *event.Bus

	closeOnce sync.Once
}

// Open builds and primes a job for live use.
func (e *Engine) Open(ctx context.Context, req job.Request) (*Session, error) {
	j := e.jobs.NewJob(ctx, req)
	if err := j.Prime(ctx); err != nil {
		j.Cleanup(ctx)
		return nil, err
	}
	return &Session{engine: e, job: j, bus: event.NewBus()}, nil
}

// ID returns the job id.
func (s *Session) ID() string {
	return s.job.ID
}

// Runtime returns the resolved runtime.
func (s *Session) Runtime() profile.Runtime {
	return s.job.Runtime()
}

// Subscribe attaches a channel consumer. Subscribe before Run to see every event.
func (s *Session) Subscribe(buffer int) *event.Subscription {
	return s.bus.Subscribe(buffer)
}

// Run executes the job and returns once its stages finished, or once a web
// application is reachable.
func (s *Session) Run(ctx context.Context) (*ExecuteResponse, error) {
	s.bus.EmitStage(event.StageInstall)
	res, err := s.job.Execute(ctx, s.bus)
	return s.engine.finish(ctx, s.job, res, err)
}

// WriteStdin forwards data to the process.
func (s *Session) WriteStdin(data string) bool {
	return s.bus.WriteStdin([]byte(data))
}

// Signal delivers a named signal to the process.
func (s *Session) Signal(name string) bool {
	return s.bus.Signal(name)
}

// Close releases the job. A job that keeps running after the session ends
// keeps its bus too, so its output still reaches the output store.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		if keepAlive(s.job) {
			return
		}
		s.bus.Close()
		s.job.Cleanup(ctx)
	})
}

// ValidSignal reports whether name is a signal the sandbox can deliver.
func ValidSignal(name string) bool {
	_, ok := sandbox.LookupSignal(name)
	return ok
}
