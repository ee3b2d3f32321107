package main

import (
	"fmt"
	"os"
	"time"

	"github.com/Frohrer/codux/internal/common/cache"
	"github.com/Frohrer/codux/internal/common/mq"
	"github.com/Frohrer/codux/internal/runner/job"
	"github.com/Frohrer/codux/internal/runner/proxy"
	"github.com/Frohrer/codux/internal/runner/sandbox"
	"github.com/Frohrer/codux/internal/runner/sandbox/profile"
	"github.com/Frohrer/codux/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:2000"
	defaultReadTimeout     = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 15 * time.Second
	defaultMaxConcurrent   = 64
	defaultHistorySize     = 1000
	defaultOutputLines     = 1000
	defaultOutputJobs      = 1000
	defaultInitTimeout     = time.Second
	defaultMirrorTTL       = 24 * time.Hour
	defaultMirrorScope     = "codux"
	defaultFinalTopic      = "codux.jobs.final"
)

// ServerConfig holds HTTP server settings. WriteTimeout stays zero unless set
// because live sessions and log streams hold responses open.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// RunnerConfig holds engine-wide settings.
type RunnerConfig struct {
	MaxConcurrentJobs int           `yaml:"maxConcurrentJobs"`
	OutputMaxLines    int           `yaml:"outputMaxLines"`
	OutputMaxJobs     int           `yaml:"outputMaxJobs"`
	HistorySize       int           `yaml:"historySize"`
	InitTimeout       time.Duration `yaml:"initTimeout"`
	ProcRoot          string        `yaml:"procRoot"`
}

// MirrorConfig enables the redis history mirror when Redis.Addr is set.
type MirrorConfig struct {
	Scope      string        `yaml:"scope"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"maxEntries"`
}

// EventsConfig enables final job events when Kafka.Brokers is set.
type EventsConfig struct {
	FinalTopic string `yaml:"finalTopic"`
}

// AppConfig holds runner-api config.
type AppConfig struct {
	Server   ServerConfig      `yaml:"server"`
	Logger   logger.Config     `yaml:"logger"`
	Runner   RunnerConfig      `yaml:"runner"`
	Sandbox  sandbox.Config    `yaml:"sandbox"`
	Proxy    proxy.Config      `yaml:"proxy"`
	Job      job.Config        `yaml:"job"`
	Runtimes []profile.Runtime `yaml:"runtimes"`
	Redis    cache.RedisConfig `yaml:"redis"`
	Mirror   MirrorConfig      `yaml:"mirror"`
	Kafka    mq.KafkaConfig    `yaml:"kafka"`
	Events   EventsConfig      `yaml:"events"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Runtimes) == 0 {
		return nil, fmt.Errorf("at least one runtime is required")
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Runner.MaxConcurrentJobs <= 0 {
		cfg.Runner.MaxConcurrentJobs = defaultMaxConcurrent
	}
	if cfg.Runner.OutputMaxLines <= 0 {
		cfg.Runner.OutputMaxLines = defaultOutputLines
	}
	if cfg.Runner.OutputMaxJobs <= 0 {
		cfg.Runner.OutputMaxJobs = defaultOutputJobs
	}
	if cfg.Runner.HistorySize <= 0 {
		cfg.Runner.HistorySize = defaultHistorySize
	}
	if cfg.Runner.InitTimeout <= 0 {
		cfg.Runner.InitTimeout = defaultInitTimeout
	}
	if cfg.Runner.ProcRoot != "" {
		if cfg.Sandbox.ProcRoot == "" {
			cfg.Sandbox.ProcRoot = cfg.Runner.ProcRoot
		}
		if cfg.Job.Web.ProcRoot == "" {
			cfg.Job.Web.ProcRoot = cfg.Runner.ProcRoot
		}
	}
	if cfg.Redis.Addr != "" {
		applyRedisDefaults(&cfg.Redis)
	}
	if cfg.Mirror.Scope == "" {
		cfg.Mirror.Scope = defaultMirrorScope
	}
	if cfg.Mirror.TTL == 0 {
		cfg.Mirror.TTL = defaultMirrorTTL
	}
	if cfg.Mirror.MaxEntries <= 0 {
		cfg.Mirror.MaxEntries = cfg.Runner.HistorySize
	}
	if cfg.Events.FinalTopic == "" {
		cfg.Events.FinalTopic = defaultFinalTopic
	}
	return &cfg, nil
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	if cfg == nil {
		return
	}
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}
