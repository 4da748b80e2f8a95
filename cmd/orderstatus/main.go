// Package main запускает HTTP-сервер сервиса статусов заказов.
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

	"github.com/mmeshcher/orderstatus-service/internal/config"
	"github.com/mmeshcher/orderstatus-service/internal/delivery"
	"github.com/mmeshcher/orderstatus-service/internal/events"
	"github.com/mmeshcher/orderstatus-service/internal/handler"
	"github.com/mmeshcher/orderstatus-service/internal/jobs"
	"github.com/mmeshcher/orderstatus-service/internal/notify"
	"github.com/mmeshcher/orderstatus-service/internal/otp"
	"github.com/mmeshcher/orderstatus-service/internal/repository"
	"github.com/mmeshcher/orderstatus-service/internal/service"
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

	// hub закрывается в горутине остановки, чтобы SSE-потоки завершились до server.Shutdown
	hub := events.NewHub(0)

	publishers := events.Multi{hub}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.DialAMQP(cfg.AMQPURL, logger)
		if err != nil {
			sugar.Fatalw("rabbitmq connection error", "error", err.Error())
		}
		defer amqpPublisher.Close()
		publishers = append(publishers, amqpPublisher)
	}

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.MailGatewayURL != "" {
		notifier = notify.NewClient(cfg.MailGatewayURL)
	}

	sim := delivery.NewSimulator(delivery.Config{
		TickInterval: cfg.ProgressTickInterval,
		Step:         cfg.ProgressStep,
		SampleEvery:  1,
		Ceiling:      cfg.ProgressCeiling,
		RestartDelay: cfg.ProgressRestartDelay,
	}, repo, repo, publishers, logger)

	// svc.Close останавливает симулятор и закрывает хранилище
	svc := service.NewService(repo, sim, publishers, logger)
	defer svc.Close()

	otpConfig := otp.DefaultConfig()
	otpConfig.TTL = cfg.OTPTTL
	issuer := otp.NewIssuer(otpConfig, repo, notifier, svc, logger)

	sweep := jobs.NewOTPSweepJob(repo, cfg.OTPRetention, logger)
	if err := sweep.Start(); err != nil {
		sugar.Fatalw("otp sweep job error", "error", err.Error())
	}

	h := handler.NewHandler(svc, issuer, hub, logger)

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
		sugar.Infow("starting order status server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		sweep.Stop()
		hub.Close()

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
