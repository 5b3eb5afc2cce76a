package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/exprisk/orchestrator/internal/agents"
	"github.com/exprisk/orchestrator/internal/clock"
	"github.com/exprisk/orchestrator/internal/config"
	"github.com/exprisk/orchestrator/internal/httpapi"
	"github.com/exprisk/orchestrator/internal/invoker"
	"github.com/exprisk/orchestrator/internal/orchestrator"
	"github.com/exprisk/orchestrator/internal/policy"
	"github.com/exprisk/orchestrator/internal/reports"
	"github.com/exprisk/orchestrator/internal/scheduledata"
	"github.com/exprisk/orchestrator/internal/schedules"
	"github.com/exprisk/orchestrator/internal/session"
	"github.com/exprisk/orchestrator/internal/streaming"
	"github.com/exprisk/orchestrator/internal/tracing"
	"github.com/exprisk/orchestrator/internal/websearch"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := tracing.Initialize(cfg.Tracing, logger); err != nil {
		logger.Fatal("initialize tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	clk := clock.Real{}

	sessions, err := session.NewManager(cfg.Session, clk, logger)
	if err != nil {
		logger.Fatal("initialize session manager", zap.Error(err))
	}
	defer sessions.Close()

	db, err := scheduledata.Open(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer db.Close()

	reportStore := reports.NewStore(db)
	if err := reportStore.EnsureSchema(ctx); err != nil {
		logger.Fatal("prepare report schema", zap.Error(err))
	}

	scheduleStore := schedules.NewDBStore(db)
	if err := scheduleStore.EnsureSchema(ctx); err != nil {
		logger.Fatal("prepare schedule schema", zap.Error(err))
	}
	scheduleMgr := schedules.NewManager(scheduleStore, cfg.Scheduler.Config, clk, logger)

	scheduleData := scheduledata.NewReader(db)
	searchClient := websearch.NewClient(cfg.Search, logger)

	registry := agents.NewRegistry(
		agents.NewAssistant(logger),
		agents.NewScheduler(scheduleData, logger),
		agents.NewPoliticalRisk(searchClient, logger),
		agents.NewReporting(reportStore, clk, logger),
	)

	var limiter invoker.Limiter = invoker.Unlimited{}
	if cfg.RateLimit.Enabled {
		limiter = invoker.NewTokenBucket(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}

	streams := streaming.NewManager(cfg.StreamBuffer)
	recorder := invoker.RecorderFunc(func(rec invoker.InvocationRecord) {
		streams.Publish(streaming.Event{
			SessionID: rec.SessionID,
			CycleID:   rec.CycleID,
			Type:      streaming.TypeInvocationDone,
			Agent:     string(rec.Agent),
			Attempt:   rec.Attempt,
			Status:    string(rec.Status),
			Message:   rec.Error,
			Timestamp: rec.StartedAt.Add(rec.Duration),
		})
	})
	inv := invoker.New(registry, limiter, cfg.Invoker, clk, recorder, logger)

	keywords, err := config.LoadIntents(cfg.IntentsPath)
	if err != nil {
		logger.Fatal("load intent keywords", zap.Error(err))
	}
	classifier := policy.NewClassifier(keywords, logger)
	if err := config.WatchIntents(ctx, cfg.IntentsPath, classifier, logger); err != nil {
		logger.Warn("intent hot-reload unavailable", zap.Error(err))
	}

	orch := orchestrator.New(sessions, classifier, inv, streams, clk, logger)

	runner := schedules.RunnerFunc(func(ctx context.Context, sessionID, query string) (string, error) {
		resp, err := orch.SubmitMessage(ctx, sessionID, query)
		if err != nil {
			return "", err
		}
		return string(resp.Status), nil
	})
	ticker := schedules.NewTicker(scheduleStore, runner, clk, cfg.Scheduler.TickInterval, logger)
	go ticker.Start(ctx)

	api := httpapi.NewServer(orch, scheduleMgr, ticker, scheduleData, reportStore, streams, logger)
	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     api.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
