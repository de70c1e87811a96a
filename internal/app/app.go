// Package app wires the task agent together from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/taskagent/internal/adapter/llm"
	"github.com/xiaot623/taskagent/internal/agent"
	"github.com/xiaot623/taskagent/internal/config"
	"github.com/xiaot623/taskagent/internal/decision"
	"github.com/xiaot623/taskagent/internal/executor"
	"github.com/xiaot623/taskagent/internal/hub"
	"github.com/xiaot623/taskagent/internal/idempotency"
	"github.com/xiaot623/taskagent/internal/repository"
	"github.com/xiaot623/taskagent/internal/service"
	"github.com/xiaot623/taskagent/internal/taskstore"
	"github.com/xiaot623/taskagent/internal/telemetry"
	"github.com/xiaot623/taskagent/internal/tools"
	"github.com/xiaot623/taskagent/internal/trace"
	transport "github.com/xiaot623/taskagent/internal/transport/http"
	v1 "github.com/xiaot623/taskagent/internal/transport/http/v1"
	"github.com/xiaot623/taskagent/internal/transport/rpc"
	"github.com/xiaot623/taskagent/internal/undo"
	"github.com/xiaot623/taskagent/policy"
)

// ShutdownTimeout bounds graceful shutdown.
const ShutdownTimeout = 10 * time.Second

// App is the assembled service.
type App struct {
	Config  *config.Config
	Service *service.Service
	Hub     *hub.Hub
	Echo    *echo.Echo

	rpc       *rpc.Server
	repo      *repository.SQLiteStore
	tasks     *taskstore.SQLStore
	telemetry telemetry.Providers
	log       *zap.Logger
}

// Option customizes New.
type Option func(*options)

type options struct {
	completer llm.Completer
	version   string
}

// WithCompleter replaces the configured LLM provider.
func WithCompleter(c llm.Completer) Option {
	return func(o *options) { o.completer = c }
}

// WithVersion sets the version reported to telemetry.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// New builds every component. Close releases what it opened.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger, opts ...Option) (*App, error) {
	o := options{version: v1.Version}
	for _, opt := range opts {
		opt(&o)
	}
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Config: cfg, log: log}

	var err error
	a.telemetry, err = telemetry.Init(ctx, cfg.OTelEndpoint, cfg.ServiceName, o.version, cfg.OTelInsecure)
	if err != nil {
		return nil, err
	}

	a.repo, err = repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open run store: %w", err)
	}
	a.tasks, err = taskstore.Open(cfg.TasksDBDriver, cfg.TasksDBDSN)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open task store: %w", err)
	}

	pol, err := policy.NewEngineFromFile(ctx, cfg.PolicyFile)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load policy: %w", err)
	}

	completer := o.completer
	if completer == nil {
		completer, err = llm.NewCompleter(llm.Config{
			Provider:    cfg.LLMProvider,
			BaseURL:     cfg.LLMBaseURL,
			APIKey:      cfg.LLMAPIKey,
			Model:       cfg.LLMModel,
			Temperature: cfg.LLMTemperature,
			Timeout:     cfg.LLMTimeout,
		}, log)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	metrics, err := telemetry.NewMetrics(telemetry.Meter("taskagent"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	reg := tools.NewRegistry()
	tools.RegisterTaskTools(reg, a.tasks)

	tracker := idempotency.NewTracker(cfg.IdempotencyTTL, cfg.IdempotencyMaxPerSession)
	undoMgr := undo.NewManager(cfg.UndoTTL, undo.WithForgetter(tracker), undo.WithLogger(log))
	exec := executor.New(reg, tracker, pol, undoMgr, executor.Config{
		StoreTimeout: cfg.StoreTimeout,
		DeniedTools:  cfg.DeniedTools,
	}, log)
	undoMgr.SetRunner(exec)

	sinks := trace.MultiSink{trace.SinkFunc(a.repo.CreateTraceNodes)}
	if a.telemetry.Enabled() {
		sinks = append(sinks, trace.NewOTelSink(a.telemetry.TracerProvider()))
	}

	a.Hub = hub.New(log)
	a.Service = service.New(service.Deps{
		Store:       a.repo,
		Tools:       reg,
		Tasks:       a.tasks,
		Planner:     agent.NewPlanner(completer, reg, cfg.LLMTimeout, log),
		Validator:   decision.NewValidator(reg, cfg.MaxActions),
		Executor:    exec,
		Synthesizer: agent.NewSynthesizer(completer, cfg.LLMTimeout, log),
		Undo:        undoMgr,
		Tracer:      trace.NewTracer(sinks, trace.WithLogger(log)),
		Hub:         a.Hub,
		Metrics:     metrics,
		Sweepers:    map[string]service.Sweeper{"idempotency": tracker, "undo": undoMgr},
		Config:      service.Config{ContextTurns: cfg.ContextTurns},
		Logger:      log,
	})
	a.Echo = transport.NewServer(a.Service, a.Hub, v1.DefaultFeedConfig(), log)

	if cfg.RPCPort > 0 {
		a.rpc, err = rpc.NewServer(a.Service, log)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// Run serves until ctx is done, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.Service.RunJanitor(gctx, a.Config.JanitorInterval)
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", a.Config.HTTPPort)
		a.log.Info("http server listening", zap.String("addr", addr))
		if err := a.Echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if a.rpc != nil {
		g.Go(func() error {
			addr := fmt.Sprintf(":%d", a.Config.RPCPort)
			a.log.Info("rpc server listening", zap.String("addr", addr))
			if err := a.rpc.Start(addr); err != nil {
				return fmt.Errorf("rpc server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		var errs []error
		if err := a.Echo.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if a.rpc != nil {
			if err := a.rpc.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("rpc shutdown: %w", err))
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// Close flushes telemetry and closes the stores.
func (a *App) Close() error {
	var errs []error
	if a.telemetry.Shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.tasks != nil {
		if err := a.tasks.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
