package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/angelmondragon/shelfledger-backend/api/routes"
	"github.com/angelmondragon/shelfledger-backend/internal/borrowing"
	"github.com/angelmondragon/shelfledger-backend/internal/catalog"
	"github.com/angelmondragon/shelfledger-backend/internal/loans"
	"github.com/angelmondragon/shelfledger-backend/internal/users"
	"github.com/angelmondragon/shelfledger-backend/pkg/config"
	"github.com/angelmondragon/shelfledger-backend/pkg/db"
	"github.com/angelmondragon/shelfledger-backend/pkg/instance"
	"github.com/angelmondragon/shelfledger-backend/pkg/logger"
	"github.com/angelmondragon/shelfledger-backend/pkg/metrics"
	"github.com/angelmondragon/shelfledger-backend/pkg/migrate"
	"github.com/angelmondragon/shelfledger-backend/pkg/outbox"
	"github.com/angelmondragon/shelfledger-backend/pkg/redis"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRun(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	loanMetrics := metrics.NewLoanMetrics(registry)

	booksRepo := catalog.NewRepository(dbClient.DB())
	usersRepo := users.NewRepository(dbClient.DB())
	ledgerRepo := loans.NewRepository(dbClient.DB())
	outboxService := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)

	catalogService, err := catalog.NewService(booksRepo, dbClient, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create catalog service", err)
		os.Exit(1)
	}
	usersService, err := users.NewService(usersRepo, dbClient)
	if err != nil {
		logg.Error(context.Background(), "failed to create users service", err)
		os.Exit(1)
	}
	loansService, err := loans.NewService(ledgerRepo, usersRepo)
	if err != nil {
		logg.Error(context.Background(), "failed to create loans service", err)
		os.Exit(1)
	}
	borrowingService, err := borrowing.NewService(borrowing.Deps{
		Tx:          dbClient,
		Books:       booksRepo,
		Ledger:      ledgerRepo,
		Users:       usersRepo,
		Outbox:      outboxService,
		Metrics:     loanMetrics,
		Logger:      logg,
		Config:      cfg.Borrowing,
		LockTimeout: cfg.DB.LockTimeout,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create borrowing service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.GetID(),
	})

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(cfg, logg, dbClient, redisClient, registry,
			catalogService, usersService, loansService, borrowingService),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-sigCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "graceful shutdown failed", err)
		}
	}()

	logg.Info(ctx, "starting api server")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "api server shut down")
}
