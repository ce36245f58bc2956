package main

import (
	"context"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"skinscan-backend/cmd"
	"skinscan-backend/internal/core"
	"skinscan-backend/internal/messaging"
)

func main() {
	log.Println("Starting Worker Process...")

	cfg := cmd.LoadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db := cmd.CreateDatabase(cfg)
	store := cmd.CreateObjectStore(ctx, cfg)

	queue := cmd.CreateJobQueue(ctx, cfg)
	if closer, ok := queue.(interface{ Close() }); ok {
		defer closer.Close()
	}
	cmd.RequeueIfEmpty(ctx, db, queue)

	worker := core.NewPredictionWorker(db, queue, core.NewArtifactStore(db, store, cfg.ModelBucket), cmd.WorkerOptions(cfg))

	if cfg.RabbitMQURL != "" {
		reciever, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		defer reciever.Close()
		go worker.ListenForReloads(ctx, reciever)
	} else {
		slog.Warn("RABBITMQ_URL not set, model reloads will only happen on restart")
	}

	metrics := cmd.StartMetricsServer(cfg.MetricsPort)

	log.Println("Worker started. Waiting for jobs. Press Ctrl+C to exit.")
	worker.Run(ctx)

	log.Println("Shutdown signal received, stopping metrics server...")
	cmd.Shutdown(metrics)

	log.Println("Worker process stopped.")
}
