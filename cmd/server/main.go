package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/ai-chat/internal/ai"
	"github.com/suPer8Hu/ai-chat/internal/chat"
	"github.com/suPer8Hu/ai-chat/internal/config"
	"github.com/suPer8Hu/ai-chat/internal/db"
	"github.com/suPer8Hu/ai-chat/internal/httpapi"
	"github.com/suPer8Hu/ai-chat/internal/logger"
	"github.com/suPer8Hu/ai-chat/internal/observability"
	"github.com/suPer8Hu/ai-chat/internal/store/rabbitmq"
	"github.com/suPer8Hu/ai-chat/internal/store/redisstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.AppEnv)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOtel := observability.InitOTel(ctx, log, observability.FromConfig(cfg, "ai-chat-api"))
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOtel(sctx)
	}()

	gdb, err := db.Connect(cfg.DBDSN, log)
	if err != nil {
		log.Fatal("db connect failed", "error", err)
	}
	if err := gdb.AutoMigrate(chat.Models()...); err != nil {
		log.Fatal("automigrate failed", "error", err)
	}
	repo := chat.NewRepo(gdb)

	reg := ai.NewRegistryFromConfig(cfg, log)
	gateway := ai.NewGateway(reg, cfg.AIProvider, log)

	var publisher chat.Publisher
	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			// chats still work; naming jobs stay queued until a publisher is back
			log.Warn("rabbitmq unavailable, topic jobs will not be published", "error", err)
		} else {
			defer pub.Close()
			publisher = pub
		}
	}
	svc := chat.NewService(repo, gateway, publisher, log)

	opts := []chat.CoordinatorOption{chat.WithTopicScheduler(svc)}
	if cfg.RetrievalURL != "" {
		opts = append(opts, chat.WithGrounder(chat.NewAugmenter(chat.NewHTTPSearcher(cfg.RetrievalURL), cfg.RetrievalTopK, log)))
	}
	if cfg.RedisAddr != "" {
		lease := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := lease.Ping(ctx); err != nil {
			log.Warn("redis unavailable, chat guard is process-local", "error", err)
			_ = lease.Close()
		} else {
			defer lease.Close()
			opts = append(opts, chat.WithLease(lease))
		}
	}

	coord := chat.NewCoordinator(repo, gateway, chat.CoordinatorConfig{
		Timeout:               cfg.ExchangeTimeout,
		CheckpointInterval:    cfg.CheckpointInterval,
		CheckpointChars:       cfg.CheckpointChars,
		HeartbeatInterval:     cfg.HeartbeatInterval,
		ContextWindow:         cfg.ChatContextWindowSize,
		TerminalWriteAttempts: cfg.TerminalWriteAttempts,
	}, log, opts...)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(cfg, coord, svc, log),
		ReadHeaderTimeout: 10 * time.Second,
		// no WriteTimeout: exchanges stream for up to the exchange timeout
	}

	go func() {
		log.Info("http server listening", "addr", cfg.HTTPAddr, "env", cfg.AppEnv)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ExchangeTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error("http shutdown", "error", err)
	}
}
