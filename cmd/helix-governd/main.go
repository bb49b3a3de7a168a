// Command helix-governd runs the action governance service: HTTP API,
// constraint evaluation, approval sweeper and the hash-chained audit
// ledger, wired from environment configuration.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/rodcoding123/helix-sub009/pkg/api"
	"github.com/rodcoding123/helix-sub009/pkg/approval"
	"github.com/rodcoding123/helix-sub009/pkg/config"
	"github.com/rodcoding123/helix-sub009/pkg/constraint"
	"github.com/rodcoding123/helix-sub009/pkg/contracts"
	"github.com/rodcoding123/helix-sub009/pkg/executor"
	"github.com/rodcoding123/helix-sub009/pkg/ledger"
	"github.com/rodcoding123/helix-sub009/pkg/limiter"
	"github.com/rodcoding123/helix-sub009/pkg/observability"
	"github.com/rodcoding123/helix-sub009/pkg/pipeline"
	"github.com/rodcoding123/helix-sub009/pkg/profile"
	"github.com/rodcoding123/helix-sub009/pkg/reversal"
	"github.com/rodcoding123/helix-sub009/pkg/store"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, auditStore, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	telemetry, err := setupTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	if telemetry != nil {
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := telemetry.Shutdown(shutCtx); err != nil {
				logger.Warn("telemetry shutdown", "error", err)
			}
		}()
	}

	records, err := store.NewActionStore(db)
	if err != nil {
		return err
	}
	profiles, err := profile.NewStore(db)
	if err != nil {
		return err
	}

	rules, err := constraint.NewBuiltinRegistry()
	if err != nil {
		return err
	}
	if cfg.RulesFile != "" {
		if err := rules.LoadFile(cfg.RulesFile); err != nil {
			return err
		}
		logger.Info("loaded additional constraint rules", "file", cfg.RulesFile)
	}

	sink, err := buildMirrorSink(ctx, cfg)
	if err != nil {
		return err
	}
	audit := ledger.New(auditStore, sink)

	var tokens *approval.TokenIssuer
	if cfg.ApprovalSecret != "" {
		tokens, err = approval.NewTokenIssuer([]byte(cfg.ApprovalSecret))
		if err != nil {
			return err
		}
	}
	var channel approval.Channel
	if cfg.ApprovalChannelURL != "" {
		channel = approval.NewWebhookChannel(cfg.ApprovalChannelURL)
	}
	approvals, err := approval.NewCoordinator(db, channel, tokens, cfg.ApprovalTTL)
	if err != nil {
		return err
	}

	var counter limiter.Counter
	if cfg.RedisAddr != "" {
		rc := limiter.NewRedisCounter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := rc.Ping(ctx); err != nil {
			return err
		}
		counter = rc
		logger.Info("daily counter backed by redis", "addr", cfg.RedisAddr)
	} else {
		counter = limiter.NewLocalCounter()
	}

	dispatcher := executor.NewDispatcher()
	dispatcher.Register(contracts.ActionCalendarModification, executor.NewLoopbackExecutor(true))
	dispatcher.Register(contracts.ActionMessageSend, executor.NewLoopbackExecutor(false))
	dispatcher.Register(contracts.ActionPayment, executor.NewLoopbackExecutor(false))
	dispatcher.Register(contracts.ActionDataDeletion, executor.NewLoopbackExecutor(false))

	undo := reversal.NewManager(records, profiles, rules, dispatcher, audit,
		cfg.ReversalWindow, cfg.UndoMinLevel)

	engine, err := pipeline.NewEngine(pipeline.Options{
		Policy: pipeline.Policy{
			ApprovalBypassThreshold: cfg.BypassThreshold,
			RetentionWindow:         cfg.RetentionWindow,
			ApprovalTTL:             cfg.ApprovalTTL,
		},
		Records:    records,
		Profiles:   profiles,
		Rules:      rules,
		Audit:      audit,
		Approvals:  approvals,
		Dispatcher: dispatcher,
		Counter:    counter,
		Undo:       undo,
		Telemetry:  telemetry,
	})
	if err != nil {
		return err
	}

	go approvals.RunSweeper(ctx, cfg.SweepInterval, engine.OnApprovalExpired)
	go records.RunPurger(ctx, cfg.SweepInterval, cfg.RetentionWindow)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewServer(engine).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutCtx); err != nil {
			return err
		}
	}
	return nil
}

// openDatabase opens Postgres when a URL is configured and SQLite
// otherwise, returning the matching audit ledger store.
func openDatabase(cfg *config.Config) (*sql.DB, ledger.Store, error) {
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		auditStore, err := ledger.NewPostgresStore(db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return db, auditStore, nil
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	// modernc sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY under concurrent transitions.
	db.SetMaxOpenConns(1)
	auditStore, err := ledger.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, auditStore, nil
}

func buildMirrorSink(ctx context.Context, cfg *config.Config) (ledger.MirrorSink, error) {
	switch cfg.Mirror {
	case "", "none":
		return nil, nil
	case "s3":
		return ledger.NewS3Sink(ctx, ledger.S3SinkConfig{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	case "gcs":
		return ledger.NewGCSSink(ctx, cfg.GCSBucket, cfg.GCSPrefix)
	case "webhook":
		return ledger.NewWebhookSink(cfg.MirrorWebhookURL, 10), nil
	default:
		return nil, errors.New("unknown mirror backend: " + cfg.Mirror)
	}
}

func setupTelemetry(ctx context.Context, cfg *config.Config) (*observability.Provider, error) {
	if !cfg.TelemetryEnabled {
		return nil, nil
	}
	otelCfg := observability.DefaultConfig()
	otelCfg.Enabled = true
	otelCfg.Environment = cfg.Environment
	otelCfg.OTLPEndpoint = cfg.OTLPEndpoint
	otelCfg.Insecure = cfg.OTLPInsecure
	return observability.New(ctx, otelCfg)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
