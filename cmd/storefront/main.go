// Package main запускает HTTP-сервер бэк-офиса магазина.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fahrezi93/thrifting-ecommerce-sub002/internal/config"
	"github.com/fahrezi93/thrifting-ecommerce-sub002/internal/gateway"
	"github.com/fahrezi93/thrifting-ecommerce-sub002/internal/handler"
	"github.com/fahrezi93/thrifting-ecommerce-sub002/internal/hub"
	"github.com/fahrezi93/thrifting-ecommerce-sub002/internal/middleware"
	"github.com/fahrezi93/thrifting-ecommerce-sub002/internal/push"
	"github.com/fahrezi93/thrifting-ecommerce-sub002/internal/repository"
	"github.com/fahrezi93/thrifting-ecommerce-sub002/internal/service"
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

	eventHub := hub.New(logger)
	dispatcher := push.NewDispatcher(repo, logger, cfg.PushRetryMax)
	verifier := gateway.NewVerifier(cfg.GatewaySecret, cfg.SignatureMaxSkew)

	svc := service.NewService(repo, eventHub, dispatcher, logger, cfg.AmountTolerance)
	defer svc.Close()

	tokens := middleware.NewTokenVerifier(cfg.AdminTokenSecret)
	h := handler.NewHandler(svc, verifier, eventHub, logger, tokens)

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
		sugar.Infow("starting storefront backoffice server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		// Закрываем реестр живых подключений, чтобы потоковые обработчики
		// завершились до остановки сервера.
		eventHub.Close()

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
