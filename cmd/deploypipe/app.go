package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/deploypipe/internal/actions"
	"github.com/animus-labs/deploypipe/internal/domain"
	"github.com/animus-labs/deploypipe/internal/execution/logsink"
	"github.com/animus-labs/deploypipe/internal/execution/orchestrator"
	"github.com/animus-labs/deploypipe/internal/execution/stage"
	"github.com/animus-labs/deploypipe/internal/pipeline"
	"github.com/animus-labs/deploypipe/internal/platform/auditlog"
	"github.com/animus-labs/deploypipe/internal/platform/env"
	"github.com/animus-labs/deploypipe/internal/platform/httpserver"
	"github.com/animus-labs/deploypipe/internal/platform/metrics"
	"github.com/animus-labs/deploypipe/internal/platform/objectstore"
	"github.com/animus-labs/deploypipe/internal/platform/postgres"
	"github.com/animus-labs/deploypipe/internal/queue"
	"github.com/animus-labs/deploypipe/internal/repo"
	"github.com/animus-labs/deploypipe/internal/repo/memory"
	pgrepo "github.com/animus-labs/deploypipe/internal/repo/postgres"
	"github.com/animus-labs/deploypipe/internal/service/pipelines"
	"github.com/animus-labs/deploypipe/internal/tools/sonarqube"
	"github.com/animus-labs/deploypipe/internal/tools/trivy"
	"github.com/animus-labs/deploypipe/internal/worker"
)

const serviceName = "deploypipe"

const (
	backendMemory   = "memory"
	backendPostgres = "postgres"
	backendNATS     = "nats"
	backendMinIO    = "minio"
	backendNone     = "none"
)

// app holds the wired components shared by the serve, worker and reap
// commands.
type app struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	workerCfg worker.Config

	configs *pipeline.Repository
	execs   repo.ExecutionRepository
	logs    *logsink.Recorder
	audit   auditlog.Recorder
	queue   queue.Queue
	machine *orchestrator.Machine

	// inProcess is set for the memory queue: only this process can drain it.
	inProcess bool
	checks    []httpserver.ReadinessCheck
	closers   []func() error
}

func newApp(ctx context.Context, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger, metrics: metrics.New(true)}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.workerCfg, err = worker.ConfigFromEnv(); err != nil {
		return nil, fmt.Errorf("worker config: %w", err)
	}
	if err = a.openStorage(ctx); err != nil {
		return nil, err
	}
	reports, err := a.openReports(ctx)
	if err != nil {
		return nil, err
	}
	notifier, err := a.openQueue(ctx)
	if err != nil {
		return nil, err
	}
	runner, err := newRunner(logger, a.logs, reports)
	if err != nil {
		return nil, err
	}

	opts := []orchestrator.Option{
		orchestrator.WithObserver(a.metrics),
		orchestrator.WithLogger(logger),
		orchestrator.WithWorkspaceRoot(a.workerCfg.WorkspaceRoot),
	}
	if notifier != nil {
		opts = append(opts, orchestrator.WithNotifier(notifier))
	}
	a.machine = orchestrator.New(a.execs, runner, a.logs, opts...)
	return a, nil
}

func backend(key, def string) string {
	v := strings.ToLower(strings.TrimSpace(env.String(key, def)))
	if v == "" {
		return def
	}
	return v
}

func (a *app) openStorage(ctx context.Context) error {
	switch kind := backend("storage", backendPostgres); kind {
	case backendMemory:
		a.configs = pipeline.NewRepository(memory.NewConfigStore())
		a.execs = memory.NewExecutionStore()
		a.logs = logsink.New(memory.NewLogStore(), a.logger, a.metrics)
		a.audit = auditlog.Logger{L: a.logger}
		a.logger.Warn("using in-memory storage; state is lost on exit")
	case backendPostgres:
		cfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return fmt.Errorf("invalid database config: %w", err)
		}
		db, err := postgres.Open(ctx, cfg)
		if err != nil {
			return fmt.Errorf("database unavailable: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		if err := pgrepo.Migrate(ctx, db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		a.configs = pipeline.NewRepository(pgrepo.NewConfigStore(db))
		a.execs = pgrepo.NewExecutionStore(db)
		a.logs = logsink.New(pgrepo.NewLogStore(db), a.logger, a.metrics)
		a.audit = auditlog.NewStore(db)
		a.checks = append(a.checks, httpserver.ReadinessCheck{Name: "database", Check: postgres.Ping(db, cfg.PingTimeout)})
	default:
		return fmt.Errorf("unsupported storage %q (want %s or %s)", kind, backendPostgres, backendMemory)
	}
	return nil
}

func (a *app) openReports(ctx context.Context) (stage.ReportStore, error) {
	switch kind := backend("reports", backendNone); kind {
	case backendNone:
		return nil, nil
	case backendMinIO:
		cfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			return nil, fmt.Errorf("invalid object store config: %w", err)
		}
		client, err := objectstore.NewMinIOClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("object store client init failed: %w", err)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := objectstore.EnsureBucket(startupCtx, client, cfg); err != nil {
			return nil, fmt.Errorf("object store unavailable: %w", err)
		}
		store, err := objectstore.NewReportStore(client, cfg.BucketReports)
		if err != nil {
			return nil, err
		}
		a.checks = append(a.checks, httpserver.ReadinessCheck{
			Name:  "object_store",
			Check: func(ctx context.Context) error { return objectstore.CheckBucket(ctx, client, cfg) },
		})
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported reports store %q (want %s or %s)", kind, backendMinIO, backendNone)
	}
}

func (a *app) openQueue(ctx context.Context) (orchestrator.Notifier, error) {
	switch kind := backend("queue", backendNATS); kind {
	case backendMemory:
		mem := queue.NewMemory(0)
		a.queue = mem
		a.inProcess = true
		a.closers = append(a.closers, mem.Close)
		return nil, nil
	case backendNATS:
		cfg, err := queue.NATSConfigFromEnv()
		if err != nil {
			return nil, fmt.Errorf("invalid nats config: %w", err)
		}
		nc, err := queue.Connect(cfg, serviceName)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, nc.Drain)
		js, err := queue.NewJetStream(ctx, nc, cfg)
		if err != nil {
			return nil, err
		}
		a.queue = js
		a.closers = append(a.closers, js.Close)
		a.checks = append(a.checks, httpserver.ReadinessCheck{
			Name: "queue",
			Check: func(context.Context) error {
				if !nc.IsConnected() {
					return errors.New("nats not connected: " + nc.Status().String())
				}
				return nil
			},
		})
		return queue.NewNotifier(nc, cfg.CompletedSubject()), nil
	default:
		return nil, fmt.Errorf("unsupported queue %q (want %s or %s)", kind, backendNATS, backendMemory)
	}
}

func (a *app) service() (*pipelines.Service, error) {
	cacheSize, err := env.Int("api.cache_size", 256)
	if err != nil {
		return nil, err
	}
	return pipelines.New(pipelines.Deps{
		Configs:    a.configs,
		Executions: a.execs,
		Logs:       a.logs,
		Machine:    a.machine,
		Queue:      a.queue,
		Audit:      a.audit,
		Logger:     a.logger,
		CacheSize:  cacheSize,
	})
}

func (a *app) pool() *worker.Pool {
	return worker.NewPool(a.queue, a.machine, a.workerCfg, a.logger)
}

func (a *app) reaper() (*worker.Reaper, error) {
	cfg, err := worker.ReaperConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("reaper config: %w", err)
	}
	return worker.NewReaper(a.execs, a.machine, a.queue, cfg, a.metrics, a.logger), nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func newRunner(logger *slog.Logger, rec *logsink.Recorder, reports stage.ReportStore) (*stage.Runner, error) {
	runner := stage.NewRunner(rec)
	runner.Register("source", actions.NewSource(), "git_clone")
	runner.Register("language-detection", actions.DetectLanguage{}, "language_detection", "detect")

	trivyCfg, err := trivy.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("trivy config: %w", err)
	}
	scanner := stage.NewAdapterHandler(trivy.New(trivyCfg), reports)
	runner.Register("vuln-scan", scanner, "trivy")
	runner.Register("image-scan", withDefaultParam(scanner, "mode", trivy.ModeImage))

	if strings.TrimSpace(env.String("sonarqube.url", "")) != "" {
		sonarCfg, err := sonarqube.ConfigFromEnv()
		if err != nil {
			return nil, fmt.Errorf("sonarqube config: %w", err)
		}
		runner.Register("static-analysis", stage.NewAdapterHandler(sonarqube.New(sonarCfg), reports), "sonarqube")
	} else {
		logger.Warn("sonarqube.url not set; static-analysis stages will fail as unknown stage types")
	}

	deployCfg, err := actions.DeployConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("deploy config: %w", err)
	}
	var deployer actions.Deployer = actions.LogDeployer{Logger: logger}
	if deployCfg.URL != "" {
		deployer = actions.NewHTTPDeployer(deployCfg)
	}
	runner.Register("deploy", actions.NewDeploy(deployer, deployCfg.PollInterval))
	return runner, nil
}

// withDefaultParam sets a stage parameter the declaration leaves unset.
func withDefaultParam(h stage.Handler, key string, value any) stage.Handler {
	return stage.HandlerFunc(func(ctx context.Context, call stage.Call) (stage.Outcome, error) {
		if _, ok := call.Stage.Parameters[key]; !ok {
			params := domain.Metadata{}
			for k, v := range call.Stage.Parameters {
				params[k] = v
			}
			params[key] = value
			call.Stage.Parameters = params
		}
		return h.Handle(ctx, call)
	})
}
