package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dngun/escrow-backend/internal/api"
	"github.com/dngun/escrow-backend/internal/auth"
	"github.com/dngun/escrow-backend/internal/clock"
	"github.com/dngun/escrow-backend/internal/config"
	"github.com/dngun/escrow-backend/internal/db"
	"github.com/dngun/escrow-backend/internal/logger"
	"github.com/dngun/escrow-backend/internal/metrics"
	repo "github.com/dngun/escrow-backend/internal/repository"
	"github.com/dngun/escrow-backend/internal/repository/memory"
	"github.com/dngun/escrow-backend/internal/repository/postgres"
	"github.com/dngun/escrow-backend/internal/services"
	"github.com/dngun/escrow-backend/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		users  repo.Users
		txns   repo.Transactions
		audits repo.AuditLogs
	)
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("db connect", "err", err)
			os.Exit(1)
		}
		defer pool.Close()
		if os.Getenv("APP_MIGRATE") == "true" {
			if err := db.RunMigrations(ctx, pool); err != nil {
				log.Error("migrations", "err", err)
				os.Exit(1)
			}
		}
		repos := postgres.NewRepositories(pool)
		users, txns, audits = repos.Users, repos.Transactions, repos.AuditLogs
		log.Info("storage", "backend", "postgres")
	} else {
		repos := memory.NewRepositories()
		users, txns, audits = repos.Users, repos.Transactions, repos.AuditLogs
		log.Info("storage", "backend", "memory")
	}

	wp := worker.NewPool(4)
	defer wp.Stop()

	clk := clock.New()
	tm := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, 15*time.Minute, 7*24*time.Hour)

	userSvc := services.NewUserService(users, tm)
	engine := services.NewTransactionEngine(txns, audits, wp, clk, log, services.EngineConfig{
		EscrowFeeBps:      cfg.EscrowFeeBps,
		TransactionFeeBps: cfg.TransactionFeeBps,
		AutoAdvanceDelay:  cfg.AutoAdvanceDelay,
	})
	delays := services.DefaultScriptDelays()
	delays.Typing = cfg.BotTypingDelay
	negSvc := services.NewNegotiationService(engine, users, clk, log, delays)

	metrics.Init()
	r := api.NewRouter(cfg, tm, userSvc, engine, negSvc)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("server starting", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", "err", err)
	}
	log.Info("server stopped")
}
