package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"photoshare/internal/analyzer"
	"photoshare/internal/app"
	"photoshare/internal/config"
	"photoshare/internal/server"
	"photoshare/internal/usertoken"
	"photoshare/internal/util"
	"photoshare/pkg/queue"
	"photoshare/pkg/storage"
	"photoshare/pkg/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to init object storage: %v", err)
	}

	analysisQueue, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     cfg.QueueStream,
		Group:      cfg.QueueGroup,
		Consumer:   uuid.NewString(),
		MaxRetries: cfg.QueueMaxRetries,
		RetryDelay: time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to init analysis queue: %v", err)
	}
	worker := analyzer.New(dataStore, objects, cfg.QueueMaxRetries)
	analysisQueue.Start(context.Background(), cfg.QueueConcurrency, worker.Handle)

	appCore, err := app.New(app.Config{
		Store:    dataStore,
		Objects:  objects,
		Analysis: analysisQueue,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:  cfg.JWKSURL,
		Issuer:   cfg.TokenIssuer,
		Audience: cfg.TokenAudience,
		Leeway:   time.Duration(cfg.TokenLeewaySeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                       appCore,
		TokenVerifier:             verifier,
		WebOrigin:                 cfg.WebOrigin,
		TrustedProxies:            cfg.TrustedProxies,
		RedisAddr:                 cfg.RedisAddr,
		RedisPassword:             cfg.RedisPassword,
		CommentRateLimitPerMinute: cfg.CommentRateLimitPerMinute,
		UploadRateLimitPerMinute:  cfg.UploadRateLimitPerMinute,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("photoshare server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
