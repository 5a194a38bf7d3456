package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/verity-labs/dossier/agent"
	"github.com/verity-labs/dossier/config"
	"github.com/verity-labs/dossier/consult"
	"github.com/verity-labs/dossier/dispatch"
	"github.com/verity-labs/dossier/engine"
	"github.com/verity-labs/dossier/progress"
	"github.com/verity-labs/dossier/recovery"
	"github.com/verity-labs/dossier/storage"
)

// App wires the pipeline components from configuration and owns their
// lifecycle. Without a NATS URL it runs standalone: in-memory checkpoints,
// timeout-default consultations, no event publication.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	nc          *nats.Conn
	sqliteAudit *storage.SQLiteAuditSink
	metricsSrv  *http.Server

	rules        *engine.RulesSource
	consults     *consult.Manager
	consultStore *consult.Store
	engine       *engine.Engine
}

// multiAuditSink fans audit records out to every configured sink. The first
// error wins; remaining sinks still receive the record.
type multiAuditSink []storage.AuditSink

func (m multiAuditSink) Append(ctx context.Context, rec *storage.AuditRecord) error {
	var firstErr error
	for _, sink := range m {
		if err := sink.Append(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}

	var checkpoints storage.CheckpointStore = storage.NewMemoryCheckpointStore()
	var consultStore *consult.Store
	var auditSinks multiAuditSink

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("dossier"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		app.nc = nc

		js, err := jetstream.New(nc)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("create JetStream context: %w", err)
		}
		kvStore, err := storage.NewKVCheckpointStore(ctx, js)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("create checkpoint store: %w", err)
		}
		checkpoints = kvStore

		consultStore, err = consult.NewStore(ctx, js)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("create consultation store: %w", err)
		}
		app.consultStore = consultStore

		auditSinks = append(auditSinks, storage.NewNATSAuditSink(nc))
		logger.Info("Connected to NATS", "url", cfg.NATS.URL)
	} else {
		logger.Info("No NATS URL configured, running standalone")
	}

	if cfg.Audit.SQLitePath != "" {
		sink, err := storage.NewSQLiteAuditSink(cfg.Audit.SQLitePath)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("open audit database: %w", err)
		}
		app.sqliteAudit = sink
		auditSinks = append(auditSinks, sink)
	}

	var audit storage.AuditSink = storage.NopAuditSink{}
	if len(auditSinks) > 0 {
		audit = auditSinks
	}

	client, err := agent.NewClient(agent.Endpoint{
		Provider:    cfg.Worker.Provider,
		URL:         cfg.Worker.Endpoint,
		Model:       cfg.Worker.Model,
		MaxTokens:   cfg.Worker.MaxTokens,
		Temperature: &cfg.Worker.Temperature,
	},
		agent.WithLogger(logger),
		agent.WithHTTPClient(&http.Client{Timeout: cfg.Worker.Timeout}))
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("create worker client: %w", err)
	}

	sem := dispatch.NewSemaphore(cfg.Dispatch.MaxConcurrentCalls)
	dispatcher := dispatch.NewDispatcher(agent.NewLLMInvoker(client, logger), sem, logger)

	app.consults = consult.NewManager(consult.ManagerConfig{
		DefaultDeadline: cfg.Consult.Deadline,
		SweepInterval:   cfg.Consult.SweepInterval,
	}, app.nc, consultStore, logger)

	recoveryMgr := recovery.NewManager(cfg.Recovery, checkpoints, audit, logger)

	rules := engine.DefaultRules()
	if cfg.Rules.Path != "" {
		rules, err = engine.LoadRules(cfg.Rules.Path)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("load rules: %w", err)
		}
	}
	rules.ConsultDeadline = cfg.Consult.Deadline
	rules.StageTimeout = cfg.Dispatch.CallTimeout
	app.rules = engine.NewRulesSource(rules, logger)

	var tracker *progress.Tracker
	if cfg.Metrics.Addr != "" {
		registry := prometheus.NewRegistry()
		tracker = progress.NewTracker(progress.NewMetrics(registry))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		app.metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
	} else {
		tracker = progress.NewTracker(nil)
	}

	app.engine, err = engine.New(engine.Deps{
		Rules:      app.rules,
		Dispatcher: dispatcher,
		Consults:   app.consults,
		Recovery:   recoveryMgr,
		Tracker:    tracker,
		Audit:      audit,
		Events:     app.nc,
		Logger:     logger,
	})
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("create engine: %w", err)
	}

	return app, nil
}

// Start launches the background services: rules hot-reload, the consultation
// sweeper, and the metrics endpoint. They all stop when ctx is cancelled.
func (a *App) Start(ctx context.Context) {
	if a.cfg.Rules.Path != "" && a.cfg.Rules.Watch {
		go func() {
			if err := a.rules.WatchFile(ctx, a.cfg.Rules.Path); err != nil {
				a.logger.Warn("Rules watcher stopped", "error", err)
			}
		}()
	}

	go a.consults.RunSweeper(ctx)

	if a.metricsSrv != nil {
		go func() {
			a.logger.Info("Metrics endpoint listening", "addr", a.metricsSrv.Addr)
			if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Warn("Metrics endpoint failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = a.metricsSrv.Shutdown(shutdownCtx)
		}()
	}
}

// listPendingConsultations reads pending requests from the consultation
// store for the status command.
func (a *App) listPendingConsultations(ctx context.Context, overdueOnly bool) ([]*consult.Request, error) {
	if a.consultStore == nil {
		return nil, fmt.Errorf("consultation store is not configured")
	}
	return a.consultStore.ListPending(ctx, overdueOnly, time.Now().UTC())
}

// Close releases connections and flushes stores.
func (a *App) Close() {
	if a.sqliteAudit != nil {
		if err := a.sqliteAudit.Close(); err != nil {
			a.logger.Warn("Failed to close audit database", "error", err)
		}
	}
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.nc.Close()
		}
	}
}
