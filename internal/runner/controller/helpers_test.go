package controller_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Frohrer/codux/internal/runner/controller"
	"github.com/Frohrer/codux/internal/runner/job"
	"github.com/Frohrer/codux/internal/runner/output"
	"github.com/Frohrer/codux/internal/runner/proxy"
	"github.com/Frohrer/codux/internal/runner/repository"
	"github.com/Frohrer/codux/internal/runner/sandbox/config"
	"github.com/Frohrer/codux/internal/runner/sandbox/profile"
	"github.com/Frohrer/codux/internal/runner/sandbox/sandboxtest"
	"github.com/Frohrer/codux/internal/runner/scheduler"
	"github.com/Frohrer/codux/internal/runner/service"
	"github.com/Frohrer/codux/internal/runner/timing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type server struct {
	provider *sandboxtest.Provider
	jobs     *job.Manager
	http     *httptest.Server
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	runtimes, err := config.NewLocalRepository([]profile.Runtime{{
		Language: "python",
		Version:  "3.12.0",
		Aliases:  []string{"py"},
		PkgDir:   "/pkgs/python/3.12.0",
		Timeouts: profile.StageLimits{Compile: 10000, Run: 3000},
	}})
	if err != nil {
		t.Fatalf("runtimes: %v", err)
	}
	slots := scheduler.New(4)
	s := &server{provider: sandboxtest.NewProvider()}
	s.jobs, err = job.NewManager(job.Config{}, job.Deps{
		Provider:  s.provider,
		Scheduler: slots,
		Proxies:   proxy.NewManager(proxy.Config{}),
		Timer:     timing.NewTimer(),
		Outputs:   output.NewStore(0, 0, 0),
		Processes: repository.NewHistory("process", 0),
	})
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	engine, err := service.NewEngine(service.Config{Runtimes: runtimes, Jobs: s.jobs, Slots: slots, ProcRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	reg := prometheus.NewRegistry()
	if err := slots.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}

	router := gin.New()
	controller.Register(router.Group("/api/v2"), controller.RouteConfig{
		Engine:      engine,
		Prometheus:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		InitTimeout: 200 * time.Millisecond,
	})
	s.http = httptest.NewServer(router)
	t.Cleanup(s.http.Close)
	return s
}

func (s *server) url(path string) string {
	return s.http.URL + "/api/v2" + path
}

func (s *server) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.url(path), reader)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var doc map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp, doc
}

func executeBody() map[string]any {
	return map[string]any{
		"language": "py",
		"version":  "3",
		"files":    []any{map[string]any{"name": "main.py", "content": "print('hi')"}},
	}
}
