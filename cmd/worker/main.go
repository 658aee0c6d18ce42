package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"tool-factory/internal/config"
	"tool-factory/internal/gateway"
	"tool-factory/internal/publish"
	"tool-factory/internal/queue"
	"tool-factory/internal/store"
	"tool-factory/internal/telemetry"
	"tool-factory/internal/transition"
	workerproc "tool-factory/internal/worker"
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

	svc := transition.NewService(st)
	gw := gateway.New(cfg)
	dispatch := queue.NewDispatch(cfg)
	consumer := workerproc.NewConsumer(cfg, dispatch)

	if cfg.FactoryURL != "" {
		trigger := workerproc.NewFactoryTrigger(cfg, st, svc, gw)
		consumer.RegisterHandler(queue.TaskFactory, trigger.Handle)
	} else {
		log.Printf("WARNING: FACTORY_URL not set; factory dispatches will not be handled")
	}

	if cfg.PublishBucket != "" {
		pub, err := publish.New(ctx, cfg)
		if err != nil {
			log.Fatalf("init publisher: %v", err)
		}
		deployer := workerproc.NewDeployer(st, svc, gw, pub)
		consumer.RegisterHandler(queue.TaskDeploy, deployer.Handle)
	} else {
		log.Printf("WARNING: PUBLISH_S3_BUCKET not set; deploy dispatches will not be handled")
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker started queue=%s", cfg.DispatchQueue)
	if err := consumer.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
