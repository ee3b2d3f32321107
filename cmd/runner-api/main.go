package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Frohrer/codux/internal/common/cache"
	commonmw "github.com/Frohrer/codux/internal/common/http/middleware"
	"github.com/Frohrer/codux/internal/common/mq"
	"github.com/Frohrer/codux/internal/runner/controller"
	"github.com/Frohrer/codux/internal/runner/job"
	"github.com/Frohrer/codux/internal/runner/output"
	"github.com/Frohrer/codux/internal/runner/proxy"
	"github.com/Frohrer/codux/internal/runner/repository"
	"github.com/Frohrer/codux/internal/runner/sandbox"
	"github.com/Frohrer/codux/internal/runner/sandbox/config"
	"github.com/Frohrer/codux/internal/runner/sandbox/observer"
	"github.com/Frohrer/codux/internal/runner/scheduler"
	"github.com/Frohrer/codux/internal/runner/service"
	"github.com/Frohrer/codux/internal/runner/timing"
	"github.com/Frohrer/codux/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConfigPath = "configs/runner.yaml"

func main() {
	configPath := pflag.StringP("config", "c", defaultConfigPath, "Path to config file")
	pflag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "runner-api stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()

	runtimes, err := config.NewLocalRepository(appCfg.Runtimes)
	if err != nil {
		return fmt.Errorf("load runtimes failed: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := observer.NewPrometheusRecorder(registry)
	if err != nil {
		return fmt.Errorf("init sandbox metrics failed: %w", err)
	}
	provider := sandbox.NewIsolateProvider(appCfg.Sandbox, recorder)

	slots := scheduler.New(appCfg.Runner.MaxConcurrentJobs)
	if err := slots.Register(registry); err != nil {
		return fmt.Errorf("init scheduler metrics failed: %w", err)
	}

	var historyOpts []repository.Option
	if appCfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
		if err != nil {
			return fmt.Errorf("init redis failed: %w", err)
		}
		defer func() {
			_ = redisCache.Close()
		}()
		mirror, err := repository.NewRedisMirror(redisCache, appCfg.Mirror.Scope, appCfg.Mirror.TTL, appCfg.Mirror.MaxEntries)
		if err != nil {
			return fmt.Errorf("init history mirror failed: %w", err)
		}
		historyOpts = append(historyOpts, repository.WithMirror(mirror))
		logger.Info(ctx, "process history mirrored to redis", zap.String("addr", appCfg.Redis.Addr))
	}
	if len(appCfg.Kafka.Brokers) > 0 {
		producer, err := mq.NewKafkaProducer(appCfg.Kafka)
		if err != nil {
			return fmt.Errorf("init kafka failed: %w", err)
		}
		defer func() {
			_ = producer.Close()
		}()
		historyOpts = append(historyOpts, repository.WithPublisher(repository.NewMQEventPublisher(producer, appCfg.Events.FinalTopic)))
		logger.Info(ctx, "final job events published", zap.String("topic", appCfg.Events.FinalTopic))
	}

	proxies := proxy.NewManager(appCfg.Proxy)
	jobs, err := job.NewManager(appCfg.Job, job.Deps{
		Provider:  provider,
		Scheduler: slots,
		Proxies:   proxies,
		Timer:     timing.NewTimer(),
		Outputs:   output.NewStore(appCfg.Runner.OutputMaxLines, 0, appCfg.Runner.OutputMaxJobs),
		Processes: repository.NewHistory("process", appCfg.Runner.HistorySize, historyOpts...),
	})
	if err != nil {
		return fmt.Errorf("init job manager failed: %w", err)
	}
	engine, err := service.NewEngine(service.Config{
		Runtimes:   runtimes,
		Jobs:       jobs,
		Executions: repository.NewHistory("execution", appCfg.Runner.HistorySize),
		Slots:      slots,
		ProcRoot:   appCfg.Runner.ProcRoot,
	})
	if err != nil {
		return fmt.Errorf("init engine failed: %w", err)
	}

	httpServer := buildHTTPServer(appCfg, engine, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	group, groupCtx := errgroup.WithContext(signalCtx)

	group.Go(func() error {
		logger.Info(ctx, "runner api started", zap.String("addr", appCfg.Server.Addr), zap.Int("runtimes", len(runtimes.List())))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return proxies.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info(ctx, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		jobs.Shutdown(shutdownCtx)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		return nil
	})
	return group.Wait()
}

func buildHTTPServer(appCfg *AppConfig, engine *service.Engine, metrics http.Handler) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.RequestLogger())

	controller.Register(router.Group("/api/v2"), controller.RouteConfig{
		Engine:      engine,
		Prometheus:  metrics,
		InitTimeout: appCfg.Runner.InitTimeout,
	})

	return &http.Server{
		Addr:         appCfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  appCfg.Server.ReadTimeout,
		WriteTimeout: appCfg.Server.WriteTimeout,
		IdleTimeout:  appCfg.Server.IdleTimeout,
	}
}
