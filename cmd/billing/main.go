// Package main запускает HTTP-сервер биллинг-сервиса Settee.
package main

import (
	"context"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/settee-billing/internal/appstore"
	"github.com/mmeshcher/settee-billing/internal/certchain"
	"github.com/mmeshcher/settee-billing/internal/config"
	"github.com/mmeshcher/settee-billing/internal/handler"
	"github.com/mmeshcher/settee-billing/internal/middleware"
	"github.com/mmeshcher/settee-billing/internal/repository"
	"github.com/mmeshcher/settee-billing/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var roots []*x509.Certificate
	if cfg.RootCertsPath != "" {
		data, err := os.ReadFile(cfg.RootCertsPath)
		if err != nil {
			sugar.Fatalw("read root certificates error", "error", err.Error())
		}
		roots, err = certchain.LoadRootsPEM(data)
		if err != nil {
			sugar.Fatalw("parse root certificates error", "error", err.Error())
		}
	} else {
		sugar.Warnw("no root certificates configured, signed tokens will be rejected")
	}

	chainValidator := certchain.NewValidator(roots, logger)
	tokenVerifier := appstore.NewTokenVerifier(chainValidator, cfg.BundleID, cfg.SoftAccept, logger)
	receiptClient := appstore.NewClient(cfg.VerifyURL, cfg.SandboxVerifyURL, cfg.SharedSecret)
	verifier := appstore.NewVerifier(receiptClient, tokenVerifier)

	svc := service.NewService(repo, verifier)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting settee billing server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
