package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"docgenius/internal/ai"
	"docgenius/internal/config"
	"docgenius/internal/ratelimit"
	"docgenius/internal/server"
	"docgenius/internal/session"
	"docgenius/internal/storage"
	"docgenius/internal/store"
	"docgenius/internal/util"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
	}

	st, err := newStore(cfg, redisClient)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	aiClient, err := ai.NewClient(cfg.GoogleAPIKey, cfg.GeminiModel)
	if err != nil {
		log.Fatalf("failed to init ai client: %v", err)
	}

	sessions, err := session.NewManager(cfg.SecretKey, session.DefaultTTL, cfg.SecureCookies)
	if err != nil {
		log.Fatalf("failed to init session manager: %v", err)
	}

	var objects storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("failed to init object store: %v", err)
		}
	}

	proxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxy CIDRs: %v", err)
	}

	var chatLimiter *ratelimit.FixedWindowLimiter
	if redisClient != nil && cfg.ChatRateLimitPerHour > 0 {
		chatLimiter, err = ratelimit.NewFixedWindowLimiter(redisClient, "docgenius:ratelimit:chat", cfg.ChatRateLimitPerHour, time.Hour)
		if err != nil {
			log.Fatalf("failed to init rate limiter: %v", err)
		}
	}

	httpServer, err := server.New(server.Config{
		Store:          st,
		AI:             aiClient,
		Sessions:       sessions,
		Objects:        objects,
		ChatLimiter:    chatLimiter,
		TrustedProxies: proxies,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("server listening", "addr", addr, "store", cfg.StoreBackend)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}

func newStore(cfg config.FileConfig, redisClient *redis.Client) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreRedis:
		return store.NewRedisStore(redisClient), nil
	case config.StoreSQLite:
		return store.NewGormStore(cfg.SQLitePath)
	default:
		return store.NewMemoryStore(), nil
	}
}
