package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketplace/internal/config"
	"marketplace/internal/db"
	"marketplace/internal/handlers"
	"marketplace/internal/ledger"
	"marketplace/internal/logging"
	"marketplace/internal/services"
	"marketplace/internal/stats"
	"marketplace/internal/store"
	"marketplace/internal/websocket"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(os.Stdout, cfg.AppEnv, cfg.LogLevel)
	slog.SetDefault(logger)

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.MigrateUp(database.DB); err != nil {
		return err
	}

	users := store.NewUserStore(database)
	accounts := store.NewAccountStore(database)
	transactions := store.NewTransactionStore(database)
	artifacts := store.NewArtifactStore(database)
	purchases := store.NewPurchaseStore(database)
	enrollments := store.NewEnrollmentStore(database)
	notifications := store.NewNotificationStore(database)
	referrals := store.NewReferralStore(database)
	keys := store.NewIdempotencyStore(database)
	admin := store.NewAdminStore(database)
	audit := store.NewAuditStore(database)
	counters := store.NewCounterStore(database)
	txRunner := db.NewTxRunner(database, logger)
	hub := websocket.NewHub(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	projector := stats.NewProjector(counters, cfg.Stats.QueueSize, logger)
	go projector.Run(ctx)

	ledgerService := ledger.NewService(txRunner, accounts, transactions, keys, hub, logger)
	accountSvc := services.NewAccountService(txRunner, ledgerService, users, accounts, admin, referrals, notifications, audit, services.AccountSettings{
		JWTSecret:       cfg.JWTSecret,
		TokenTTL:        cfg.TokenTTL,
		StartingBalance: cfg.Ledger.StartingBalance,
		ReferralBonus:   cfg.Ledger.ReferralBonus,
		BootstrapAdmins: cfg.BootstrapAdmins,
	}, logger)
	purchaseSvc := services.NewPurchaseService(txRunner, ledgerService, accounts, artifacts, purchases, enrollments, notifications, keys, projector, logger)
	verificationSvc := services.NewVerificationService(txRunner, ledgerService, accounts, notifications, cfg.Ledger.VerificationPrice, cfg.Ledger.VerificationPeriod, logger)
	catalogSvc := services.NewCatalogService(txRunner, artifacts, logger)
	referralSvc := services.NewReferralService(txRunner, users, accounts, referrals, cfg.AppURL)

	handler := handlers.New(cfg, handlers.Deps{
		Users:         users,
		Accounts:      accounts,
		Transactions:  transactions,
		Purchases:     purchases,
		Notifications: notifications,
		Admin:         admin,
		Audit:         audit,
		Files:         artifacts,
		AccountSvc:    accountSvc,
		PurchaseSvc:   purchaseSvc,
		Verification:  verificationSvc,
		Referrals:     referralSvc,
		Catalog:       catalogSvc,
		Stats:         projector,
	}, hub, logger)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("marketplace API listening", "addr", server.Addr, "env", cfg.AppEnv)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	// Shutdown does not touch hijacked connections.
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
