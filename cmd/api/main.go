package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	api "tool-factory/internal/api"
	"tool-factory/internal/callback"
	"tool-factory/internal/config"
	"tool-factory/internal/idempotency"
	"tool-factory/internal/monitor"
	"tool-factory/internal/queue"
	"tool-factory/internal/ratelimit"
	"tool-factory/internal/store"
	"tool-factory/internal/transition"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	svc := transition.NewService(st)
	idem := idempotency.NewRedisStore(redisClient, cfg.IdempotencyTTL)
	ingestor := callback.NewIngestor(cfg.CallbackSecret, st, svc, idem)
	dispatch := queue.NewDispatch(cfg)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	mon := monitor.New(cfg, st, svc)
	mon.Start()
	defer mon.Stop()

	if cfg.CallbackSecret == "" {
		log.Printf("WARNING: no CALLBACK_SECRET configured; callbacks run in open mode")
	}

	server := api.New(cfg, st, svc, ingestor, dispatch, limiter, mon)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
