package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"exampilot/internal/util"
	"exampilot/pkg/llm"
	"exampilot/pkg/storage"
	"exampilot/services/worker/internal/app"
	"exampilot/services/worker/internal/config"
	"exampilot/services/worker/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	worker, err := app.New(app.Config{
		DatabaseURL: cfg.DatabaseURL,
		Storage: storage.Config{
			Backend:        cfg.StorageBackend,
			MinioEndpoint:  cfg.MinioEndpoint,
			MinioAccessKey: cfg.MinioAccessKey,
			MinioSecretKey: cfg.MinioSecretKey,
			MinioBucket:    cfg.MinioBucket,
			MinioUseSSL:    cfg.MinioUseSSL,
			S3: storage.S3Config{
				Region:    cfg.S3Region,
				Endpoint:  cfg.S3Endpoint,
				AccessKey: cfg.S3AccessKey,
				SecretKey: cfg.S3SecretKey,
				Bucket:    cfg.S3Bucket,
				PathStyle: cfg.S3PathStyle,
			},
		},
		LLM: llm.ProviderConfig{
			Provider:  cfg.LLMProvider,
			Model:     cfg.LLMModel,
			APIKey:    cfg.LLMAPIKey,
			BaseURL:   cfg.LLMBaseURL,
			MaxTokens: cfg.LLMMaxTokens,
			Timeout:   time.Duration(cfg.LLMTimeoutSeconds) * time.Second,
		},
		RetryBaseDelay:    time.Duration(cfg.RetryBaseDelayMs) * time.Millisecond,
		PromptConcurrency: cfg.PromptConcurrency,
		AnswerConcurrency: cfg.AnswerConcurrency,
		RedisAddr:         cfg.RedisAddr,
		RedisPassword:     cfg.RedisPassword,
		QueueName:         cfg.QueueName,
		QueueGroup:        cfg.QueueGroup,
		QueueConcurrency:  cfg.QueueConcurrency,
		QueueMaxRetries:   cfg.QueueMaxRetries,
		QueueRetryDelay:   time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
		QueueClaimIdle:    time.Duration(cfg.QueueClaimIdleSeconds) * time.Second,
		AMQPURL:           cfg.AMQPURL,
		AMQPExchange:      cfg.AMQPExchange,
		Logger:            logger,
	})
	if err != nil {
		log.Fatalf("failed to init worker: %v", err)
	}
	defer worker.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go worker.Run(ctx)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.New(worker).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("worker server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
