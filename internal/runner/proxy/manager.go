// Package proxy assigns ports to web application jobs and serves them through
// a single reverse proxy front door.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Frohrer/codux/internal/common/http/middleware"
	pkgerrors "github.com/Frohrer/codux/pkg/errors"
	"github.com/Frohrer/codux/pkg/utils/logger"
	"github.com/Frohrer/codux/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultAddr            = "0.0.0.0:2020"
	defaultFirstPort       = 10001
	defaultUpstreamHost    = "127.0.0.1"
	defaultDialTimeout     = 5 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
	defaultMaxIdleConns    = 100
	defaultLogInterval     = 10 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	pathPrefix             = "/proxy/"
)

// Config controls the proxy manager and its front door.
type Config struct {
	Addr                  string        `yaml:"addr"`
	BaseURL               string        `yaml:"base_url"`
	FirstPort             int           `yaml:"first_port"`
	UpstreamHost          string        `yaml:"upstream_host"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	LogInterval           time.Duration `yaml:"log_interval"`
}

// Registration maps a job to the local port of its web application.
type Registration struct {
	ID        string    `json:"id"`
	JobID     string    `json:"jobId"`
	Port      int       `json:"port"`
	Path      string    `json:"path"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

type route struct {
	reg   Registration
	proxy *httputil.ReverseProxy
}

// Manager owns proxy registrations.
type Manager struct {
	cfg       Config
	transport *http.Transport

	mu       sync.RWMutex
	nextPort int
	byJob    map[string]*route
	byID     map[string]*route
}

// NewManager creates a manager; zero config fields take defaults.
func NewManager(cfg Config) *Manager {
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.FirstPort <= 0 {
		cfg.FirstPort = defaultFirstPort
	}
	if cfg.UpstreamHost == "" {
		cfg.UpstreamHost = defaultUpstreamHost
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = defaultIdleConnTimeout
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaultMaxIdleConns
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = defaultLogInterval
	}
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConns,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
	}
	return &Manager{
		cfg:       cfg,
		transport: transport,
		nextPort:  cfg.FirstPort,
		byJob:     make(map[string]*route),
		byID:      make(map[string]*route),
	}
}

// CreateProxy reserves the next port for jobID and registers a path for it.
func (m *Manager) CreateProxy(jobID string) (Registration, error) {
	m.mu.Lock()
	port := m.nextPort
	m.nextPort++
	m.mu.Unlock()
	return m.Register(jobID, port)
}

// Register points a new path at an already known port. An existing
// registration of the job is replaced.
func (m *Manager) Register(jobID string, port int) (Registration, error) {
	if jobID == "" {
		return Registration{}, pkgerrors.ValidationError("job_id", "required")
	}
	if port <= 0 || port > 65535 {
		return Registration{}, pkgerrors.Newf(pkgerrors.InvalidValue, "invalid proxy port %d", port)
	}
	id := uuid.NewString()
	reg := Registration{
		ID:        id,
		JobID:     jobID,
		Port:      port,
		Path:      pathPrefix + id,
		Active:    true,
		CreatedAt: time.Now(),
	}
	r := &route{reg: reg, proxy: m.newReverseProxy(port)}

	m.mu.Lock()
	if old, ok := m.byJob[jobID]; ok {
		delete(m.byID, old.reg.ID)
	}
	m.byJob[jobID] = r
	m.byID[id] = r
	m.mu.Unlock()

	logger.Info(context.Background(), "proxy registered",
		zap.String("job_id", jobID),
		zap.Int("port", port),
		zap.String("path", reg.Path),
	)
	return reg, nil
}

// RemoveProxy deletes the job's registration. Unknown ids are ignored.
func (m *Manager) RemoveProxy(jobID string) bool {
	m.mu.Lock()
	r, ok := m.byJob[jobID]
	if ok {
		delete(m.byJob, jobID)
		delete(m.byID, r.reg.ID)
	}
	m.mu.Unlock()
	if ok {
		logger.Info(context.Background(), "proxy removed", zap.String("job_id", jobID), zap.String("path", r.reg.Path))
	}
	return ok
}

// Get returns the registration of a job.
func (m *Manager) Get(jobID string) (Registration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byJob[jobID]
	if !ok {
		return Registration{}, false
	}
	return r.reg, true
}

// List returns every registration, oldest first.
func (m *Manager) List() []Registration {
	m.mu.RLock()
	out := make([]Registration, 0, len(m.byJob))
	for _, r := range m.byJob {
		out = append(out, r.reg)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// URL builds the public address of a registration.
func (m *Manager) URL(reg Registration) string {
	return strings.TrimRight(m.cfg.BaseURL, "/") + reg.Path + "/"
}

// Handler returns the front door router.
func (m *Manager) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.TraceContextMiddleware())
	router.Any(pathPrefix+":id/*path", m.serve)
	router.NoRoute(func(c *gin.Context) {
		response.AbortWithErrorCode(c, pkgerrors.ProxyNotFound, "proxy not found")
	})
	return router
}

// Run serves the front door until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              m.cfg.Addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "proxy front door starting", zap.String("addr", m.cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ticker := time.NewTicker(m.cfg.LogInterval)
	defer ticker.Stop()
	for {
		select {
		case err, ok := <-errCh:
			if ok {
				return fmt.Errorf("proxy server failed: %w", err)
			}
			return nil
		case <-ticker.C:
			m.logActive(ctx)
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("proxy shutdown failed: %w", err)
			}
			m.transport.CloseIdleConnections()
			return nil
		}
	}
}

func (m *Manager) serve(c *gin.Context) {
	m.mu.RLock()
	r, ok := m.byID[c.Param("id")]
	m.mu.RUnlock()
	if !ok || !r.reg.Active {
		response.AbortWithErrorCode(c, pkgerrors.ProxyNotFound, "proxy not found")
		return
	}
	r.proxy.ServeHTTP(c.Writer, c.Request)
}

func (m *Manager) newReverseProxy(port int) *httputil.ReverseProxy {
	host := net.JoinHostPort(m.cfg.UpstreamHost, strconv.Itoa(port))
	return &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = host
			req.Host = host
		},
		Transport:     m.transport,
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn(r.Context(), "proxy upstream failed", zap.String("upstream", host), zap.Error(err))
			resp := response.Response{
				Code:    pkgerrors.ProxyUnavailable,
				Message: pkgerrors.ProxyUnavailable.Message(),
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(pkgerrors.ProxyUnavailable.HTTPStatus())
			_ = json.NewEncoder(w).Encode(resp)
		},
	}
}

func (m *Manager) logActive(ctx context.Context) {
	regs := m.List()
	if len(regs) == 0 {
		return
	}
	paths := make([]string, 0, len(regs))
	for _, reg := range regs {
		paths = append(paths, fmt.Sprintf("%s->%d", reg.Path, reg.Port))
	}
	logger.Debug(ctx, "active proxies", zap.Int("count", len(regs)), zap.Strings("routes", paths))
}
