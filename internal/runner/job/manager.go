package job

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Frohrer/codux/internal/runner/output"
	"github.com/Frohrer/codux/internal/runner/proxy"
	"github.com/Frohrer/codux/internal/runner/repository"
	"github.com/Frohrer/codux/internal/runner/sandbox"
	"github.com/Frohrer/codux/internal/runner/timing"
	appErr "github.com/Frohrer/codux/pkg/errors"
	"github.com/Frohrer/codux/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultReadyTimeout     = 30 * time.Second
	defaultPortPollInterval = time.Second
	defaultPortTimeout      = 30 * time.Second
	defaultTerminateWait    = 5 * time.Second
	defaultCleanupTimeout   = 30 * time.Second
	defaultFrameworkWallMs  = 22200000
	defaultFrameworkCPUMs   = 21600000
	defaultProcRoot         = "/proc"
	defaultPortProcess      = "python|node"
)

// Admitter bounds the number of jobs holding sandbox resources.
type Admitter interface {
	Admit(ctx context.Context) error
	Release()
}

// ProxyRegistry exposes web applications through the front door.
type ProxyRegistry interface {
	CreateProxy(jobID string) (proxy.Registration, error)
	Register(jobID string, port int) (proxy.Registration, error)
	RemoveProxy(jobID string) bool
	URL(reg proxy.Registration) string
}

// WebConfig tunes web application startup.
type WebConfig struct {
	ReadyTimeout        time.Duration `yaml:"ready_timeout"`
	PortPollInterval    time.Duration `yaml:"port_poll_interval"`
	PortTimeout         time.Duration `yaml:"port_timeout"`
	TerminateWait       time.Duration `yaml:"terminate_wait"`
	FrameworkWallTimeMs int64         `yaml:"framework_wall_time_ms"`
	FrameworkCPUTimeMs  int64         `yaml:"framework_cpu_time_ms"`
	ProcRoot            string        `yaml:"proc_root"`

	// PortProcessPattern filters sniffed ports by the name of the owning process.
	PortProcessPattern string `yaml:"port_process_pattern"`
}

// Config holds job settings.
type Config struct {
	// InstallTemplates maps a language or package manager to the argument
	// template of its packagemanager script. "{deps}" expands to the dependency list.
	InstallTemplates map[string]string `yaml:"install_templates"`
	CleanupTimeout   time.Duration     `yaml:"cleanup_timeout"`
	Web              WebConfig         `yaml:"web"`
}

// Deps are the collaborators shared by every job.
type Deps struct {
	Provider  sandbox.Provider
	Scheduler Admitter
	Proxies   ProxyRegistry
	Timer     *timing.Timer
	Outputs   *output.Store
	Processes *repository.History
}

// Manager builds jobs and tracks the ones still holding resources.
type Manager struct {
	cfg       Config
	provider  sandbox.Provider
	scheduler Admitter
	proxies   ProxyRegistry
	timer     *timing.Timer
	outputs   *output.Store
	processes *repository.History

	mu      sync.RWMutex
	running map[string]*Job
}

// NewManager validates deps and applies config defaults.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if deps.Provider == nil {
		return nil, appErr.New(appErr.InternalServerError).WithMessage("sandbox provider is required")
	}
	if deps.Scheduler == nil {
		return nil, appErr.New(appErr.InternalServerError).WithMessage("scheduler is required")
	}
	if deps.Timer == nil {
		deps.Timer = timing.NewTimer()
	}
	if deps.Outputs == nil {
		deps.Outputs = output.NewStore(0, 0, 0)
	}
	if deps.Processes == nil {
		deps.Processes = repository.NewHistory("process", 0)
	}
	if cfg.InstallTemplates == nil {
		cfg.InstallTemplates = DefaultInstallTemplates()
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = defaultCleanupTimeout
	}
	web := &cfg.Web
	if web.ReadyTimeout <= 0 {
		web.ReadyTimeout = defaultReadyTimeout
	}
	if web.PortPollInterval <= 0 {
		web.PortPollInterval = defaultPortPollInterval
	}
	if web.PortTimeout <= 0 {
		web.PortTimeout = defaultPortTimeout
	}
	if web.TerminateWait <= 0 {
		web.TerminateWait = defaultTerminateWait
	}
	if web.FrameworkWallTimeMs <= 0 {
		web.FrameworkWallTimeMs = defaultFrameworkWallMs
	}
	if web.FrameworkCPUTimeMs <= 0 {
		web.FrameworkCPUTimeMs = defaultFrameworkCPUMs
	}
	if web.ProcRoot == "" {
		web.ProcRoot = defaultProcRoot
	}
	if web.PortProcessPattern == "" {
		web.PortProcessPattern = defaultPortProcess
	}
	return &Manager{
		cfg:       cfg,
		provider:  deps.Provider,
		scheduler: deps.Scheduler,
		proxies:   deps.Proxies,
		timer:     deps.Timer,
		outputs:   deps.Outputs,
		processes: deps.Processes,
		running:   make(map[string]*Job),
	}, nil
}

// NewJob builds a READY job and registers it as running until cleanup.
func (m *Manager) NewJob(ctx context.Context, req Request) *Job {
	j := newJob(m, ctx, req)
	m.mu.Lock()
	m.running[j.ID] = j
	m.mu.Unlock()
	logger.Debug(j.ctx, "job created",
		zap.String("runtime", req.Runtime.ID()),
		zap.Int("files", len(j.files)),
		zap.Bool("web", j.web != nil),
	)
	return j
}

// Get returns a job that has not been cleaned up yet.
func (m *Manager) Get(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.running[id]
	return j, ok
}

// List summarises every live job, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	jobs := make([]*Job, 0, len(m.running))
	for _, j := range m.running {
		jobs = append(jobs, j)
	}
	m.mu.RUnlock()
	out := make([]Info, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Info())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

// Terminate stops a live job by id.
func (m *Manager) Terminate(ctx context.Context, id string) error {
	j, ok := m.Get(id)
	if !ok {
		return appErr.Newf(appErr.JobNotFound, "process %s not found", id)
	}
	return j.Terminate(ctx)
}

// Shutdown terminates every live job.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	jobs := make([]*Job, 0, len(m.running))
	for _, j := range m.running {
		jobs = append(jobs, j)
	}
	m.mu.RUnlock()
	if len(jobs) == 0 {
		return
	}
	logger.Info(ctx, "terminating live jobs", zap.Int("count", len(jobs)))
	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(j *Job) {
			defer wg.Done()
			if err := j.Terminate(ctx); err != nil && !appErr.Is(err, appErr.JobAlreadyTerminated) {
				logger.Warn(ctx, "terminate job failed", zap.String("job_id", j.ID), zap.Error(err))
			}
		}(j)
	}
	wg.Wait()
}

// Processes returns the process history.
func (m *Manager) Processes() *repository.History {
	return m.processes
}

// Outputs returns the output store.
func (m *Manager) Outputs() *output.Store {
	return m.outputs
}

// Timer returns the stage timer.
func (m *Manager) Timer() *timing.Timer {
	return m.timer
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.running, id)
	m.mu.Unlock()
}
