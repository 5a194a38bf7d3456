// Package main provides the dossier binary entry point.
// Dossier drives compliance documents through a staged pipeline of LLM
// workers with checkpointed recovery and human consultation fallback.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/verity-labs/dossier/aggregate"
	"github.com/verity-labs/dossier/config"
	"github.com/verity-labs/dossier/pipeline"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "dossier"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "dossier",
		Short: "Compliance dossier pipeline engine",
		Long: `Dossier generates compliance dossiers by driving input documents
through a staged pipeline: classification, planning, parallel section
generation, and human consultation where automated confidence is
insufficient.

Progress is checkpointed after every stage attempt, so interrupted items
resume where they left off instead of restarting.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(runCmd(&configPath, &logLevel))
	cmd.AddCommand(resumeCmd(&configPath, &logLevel))
	cmd.AddCommand(statusCmd(&configPath, &logLevel))
	cmd.AddCommand(reportCmd(&configPath, &logLevel))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

// setup configures logging and loads the layered configuration.
func setup(configPath, logLevel string) (*config.Config, *slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
		if err == nil {
			err = cfg.Validate()
		}
	} else {
		cfg, err = config.NewLoader(logger).Load()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logger, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runCmd(configPath, logLevel *string) *cobra.Command {
	var (
		runID      string
		outputPath string
	)

	cmd := &cobra.Command{
		Use:   "run <glob>...",
		Short: "Run input documents through the pipeline",
		Long: `Run matches input documents with glob patterns (doublestar syntax,
e.g. "docs/**/*.json"), creates a work item per file, and processes the
batch under the configured concurrency cap. The aggregate report is
written to stdout or --output.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}

			items, err := collectItems(args)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				return fmt.Errorf("no input files matched %v", args)
			}

			ctx, cancel := signalContext()
			defer cancel()

			app, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()
			app.Start(ctx)

			if runID == "" {
				runID = pipeline.NewRunID()
			}
			logger.Info("Starting run", "run_id", runID, "items", len(items))

			results, runErr := app.engine.RunAll(ctx, runID, items)
			if runErr != nil {
				logger.Warn("Run finished with item errors", "run_id", runID, "error", runErr)
			}
			if len(results) == 0 {
				return fmt.Errorf("run %s produced no results", runID)
			}

			report, err := buildReport(runID, results)
			if err != nil {
				return fmt.Errorf("aggregate results: %w", err)
			}
			return writeJSON(outputPath, report)
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "Run identifier (generated if empty)")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Report output path (default stdout)")
	return cmd
}

func resumeCmd(configPath, logLevel *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <run-id> <item-id>",
		Short: "Resume a paused or interrupted item from its checkpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			app, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()
			app.Start(ctx)

			result, err := app.engine.Resume(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return writeJSON("", result)
		},
	}
	return cmd
}

func statusCmd(configPath, logLevel *string) *cobra.Command {
	var overdueOnly bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pending consultations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			if cfg.NATS.URL == "" {
				return fmt.Errorf("status requires a NATS connection (set nats.url)")
			}

			ctx, cancel := signalContext()
			defer cancel()

			app, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			pending, err := app.listPendingConsultations(ctx, overdueOnly)
			if err != nil {
				return err
			}
			return writeJSON("", pending)
		},
	}

	cmd.Flags().BoolVar(&overdueOnly, "overdue", false, "Show only consultations past their deadline")
	return cmd
}

func reportCmd(configPath, logLevel *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <run-id>",
		Short: "Summarize the audit trail for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			if cfg.Audit.SQLitePath == "" {
				return fmt.Errorf("report requires an audit database (set audit.sqlite_path)")
			}

			ctx, cancel := signalContext()
			defer cancel()

			app, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			counts, err := app.sqliteAudit.CountByKind(ctx, args[0])
			if err != nil {
				return fmt.Errorf("count audit records: %w", err)
			}
			return writeJSON("", map[string]any{
				"run_id":        args[0],
				"audit_records": counts,
			})
		},
	}
	return cmd
}

// collectItems matches the glob patterns and wraps each file as a work item.
func collectItems(patterns []string) ([]pipeline.WorkItem, error) {
	seen := make(map[string]bool)
	var items []pipeline.WorkItem

	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad glob %q: %w", pattern, err)
		}
		for _, path := range matches {
			if seen[path] {
				continue
			}
			seen[path] = true

			info, err := os.Stat(path)
			if err != nil || info.IsDir() {
				continue
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
			payload, err := json.Marshal(map[string]string{
				"path":    path,
				"content": string(content),
			})
			if err != nil {
				return nil, fmt.Errorf("encode %s: %w", path, err)
			}
			items = append(items, pipeline.NewWorkItem(payload))
		}
	}
	return items, nil
}

// buildReport aggregates the run results, grouping by classification.
func buildReport(runID string, results []pipeline.RunResult) (*aggregate.Report, error) {
	agg := aggregate.NewAggregator(aggregate.Config{
		GroupVariable: "classification",
		GroupBy:       classificationOf,
	})
	return agg.Aggregate(runID, results)
}

// classificationOf extracts the classification from an item's last successful
// classify result.
func classificationOf(r *pipeline.RunResult) string {
	var out struct {
		Classification string `json:"classification"`
	}
	for i := len(r.StageResults) - 1; i >= 0; i-- {
		sr := &r.StageResults[i]
		if sr.Stage != pipeline.StageClassify || sr.Failed() || len(sr.Payload) == 0 {
			continue
		}
		if err := json.Unmarshal(sr.Payload, &out); err == nil && out.Classification != "" {
			return out.Classification
		}
	}
	return ""
}

// writeJSON writes v as indented JSON to path, or stdout when path is empty.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	data = append(data, '\n')

	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
