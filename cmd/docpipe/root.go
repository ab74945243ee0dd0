package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/techdocs/docpipe/pkg/config"
	"github.com/techdocs/docpipe/pkg/logging"
	"github.com/techdocs/docpipe/pkg/pipeline"
	"github.com/techdocs/docpipe/pkg/server"
	"github.com/techdocs/docpipe/pkg/stages"
	"github.com/techdocs/docpipe/pkg/store"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "docpipe",
		Short:         "Document pipeline execution engine",
		Version:       fmt.Sprintf("%s (%s)", Version, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newRunCmd(&configPath),
		newResumeCmd(&configPath),
		newStatusCmd(&configPath),
	)
	return root
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg, err := config.Default()
		if err != nil {
			return nil, err
		}
		if dsn := os.Getenv("DOCPIPE_DATABASE_URL"); dsn != "" {
			cfg.DatabaseURL = dsn
		}
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("no config file given and DOCPIPE_DATABASE_URL is unset")
		}
		return cfg, nil
	}
	return config.Load(path)
}

// app is the fully wired engine. All dependency injection happens here,
// from one root, with no globals.
type app struct {
	cfg          *config.Config
	logger       zerolog.Logger
	logSink      io.Closer
	db           closerDB
	locks        *store.LockManager
	tracker      *store.Tracker
	errorLog     *store.ErrorLog
	policies     *store.PolicyStore
	documents    *store.Documents
	audit        *store.AuditLog
	registry     *pipeline.Registry
	orchestrator *pipeline.Orchestrator
	scheduler    *pipeline.Scheduler
	sweeper      *store.Sweeper
}

type closerDB interface {
	Close() error
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, logSink, err := logging.New(logging.Config{
		FilePath:    cfg.LogFilePath,
		MaxBytes:    cfg.LogMaxBytes,
		BackupCount: cfg.LogBackupCount,
		Level:       cfg.LogLevel,
		Console:     true,
	})
	if err != nil {
		return nil, err
	}

	db, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logSink.Close()
		return nil, err
	}

	locks := store.NewLockManager(db, logger)
	errorLog := store.NewErrorLog(db, logger)
	tracker := store.NewTracker(db, errorLog, logger, time.Duration(cfg.ProgressWriteIntervalMS)*time.Millisecond)
	policies := store.NewPolicyStore(db, logger, time.Duration(cfg.PolicyCacheTTLSeconds)*time.Second)
	documents := store.NewDocuments(db)
	audit := store.NewAuditLog(db, logger)

	registry := pipeline.NewRegistry()
	if err := registry.Register(stages.NewUpload(documents, audit, logger, cfg.ForceReprocessAllowed)); err != nil {
		logSink.Close()
		db.Close()
		return nil, err
	}
	if err := stages.RegisterExternals(registry, logger, nil); err != nil {
		logSink.Close()
		db.Close()
		return nil, err
	}

	orchestrator := pipeline.NewOrchestrator(logger, errorLog, tracker)
	scheduler := pipeline.NewScheduler(logger, locks, tracker, errorLog, policies, registry, orchestrator, pipeline.SchedulerConfig{
		DefaultStageTimeout:    time.Duration(cfg.DefaultStageTimeoutSeconds) * time.Second,
		ShutdownGrace:          time.Duration(cfg.ShutdownGraceSeconds) * time.Second,
		MaxConcurrentDocuments: int64(cfg.MaxConcurrentDocuments),
	})

	a := &app{
		cfg:          cfg,
		logger:       logger,
		logSink:      logSink,
		db:           db,
		locks:        locks,
		tracker:      tracker,
		errorLog:     errorLog,
		policies:     policies,
		documents:    documents,
		audit:        audit,
		registry:     registry,
		orchestrator: orchestrator,
		scheduler:    scheduler,
	}
	if cfg.StaleRecoveryEnabled {
		a.sweeper = store.NewSweeper(db, errorLog, logger,
			time.Duration(cfg.StaleProcessingTimeoutSeconds)*time.Second, 5*time.Minute)
	}
	return a, nil
}

func (a *app) close() {
	a.orchestrator.Stop()
	a.locks.Close()
	a.db.Close()
	a.logSink.Close()
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control surface",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if a.sweeper != nil {
				go a.sweeper.Run(ctx)
			}

			srv := server.New(a.scheduler, a.tracker, a.logger)
			return srv.ListenAndServe(ctx, cfg.ListenAddr)
		},
	}
}

func newRunCmd(configPath *string) *cobra.Command {
	var (
		filePath      string
		documentType  string
		stageList     string
		fireAndForget bool
	)

	cmd := &cobra.Command{
		Use:   "run <document-id>",
		Short: "Run pipeline stages for one document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			pctx := &pipeline.ProcessingContext{
				DocumentID:   args[0],
				FilePath:     filePath,
				DocumentType: documentType,
				RequestID:    uuid.NewString(),
			}

			var outcomes []pipeline.StageOutcome
			if stageList != "" {
				names := strings.Split(stageList, ",")
				for i := range names {
					names[i] = strings.TrimSpace(names[i])
				}
				outcomes, err = a.scheduler.RunStages(ctx, pctx, names, fireAndForget)
			} else {
				outcomes, err = a.scheduler.RunAll(ctx, pctx, fireAndForget)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, outcomes)
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to the source PDF")
	cmd.Flags().StringVar(&documentType, "type", "", "declared document type")
	cmd.Flags().StringVar(&stageList, "stages", "", "comma-separated stage list (default: all)")
	cmd.Flags().BoolVar(&fireAndForget, "fire-and-forget", false, "continue past stages that scheduled a retry")
	return cmd
}

func newResumeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <document-id>",
		Short: "Resume a document from its persisted stage statuses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			outcomes, err := a.scheduler.SmartResume(ctx, &pipeline.ProcessingContext{
				DocumentID: args[0],
				RequestID:  uuid.NewString(),
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, outcomes)
		},
	}
}

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <document-id>",
		Short: "Show persisted stage statuses for one document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			statuses, err := a.tracker.Statuses(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, statuses)
		},
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
