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

	"exampilot/internal/ratelimit"
	"exampilot/internal/usertoken"
	"exampilot/internal/util"
	"exampilot/pkg/llm"
	"exampilot/pkg/storage"
	"exampilot/services/api/internal/app"
	"exampilot/services/api/internal/config"
	"exampilot/services/api/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		Secret:     cfg.JWTSecret,
		JWKSURL:    cfg.JWTJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     time.Duration(cfg.JWTLeewaySeconds) * time.Second,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	appCore, err := app.New(app.Config{
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
		DisablePdftotext:  cfg.DisablePdftotext,
		MaxUploadBytes:    cfg.MaxUploadBytes,
		AsyncGeneration:   cfg.AsyncGeneration,
		RedisAddr:         cfg.RedisAddr,
		RedisPassword:     cfg.RedisPassword,
		QueueName:         cfg.QueueName,
		AMQPURL:           cfg.AMQPURL,
		AMQPExchange:      cfg.AMQPExchange,
		Logger:            logger,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer appCore.Close()

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	var uploadLimiter *ratelimit.FixedWindowLimiter
	if cfg.UploadRateLimitPerMinute > 0 {
		uploadLimiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "exampilot:ratelimit:upload", cfg.UploadRateLimitPerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init upload limiter: %v", err)
		}
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  tokenVerifier,
		UploadLimiter:  uploadLimiter,
		TrustedProxies: trustedProxies,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	// Inline generation runs inside the upload request, so writes get a
	// generous timeout.
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("api server listening", "addr", addr, "async_generation", cfg.AsyncGeneration)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
