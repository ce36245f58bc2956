package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"skinscan-backend/cmd"
	"skinscan-backend/internal/api"
	"skinscan-backend/internal/config"
	"skinscan-backend/internal/core"
	"skinscan-backend/internal/messaging"

	"github.com/go-chi/chi/v5"
)

func main() {
	cfg := cmd.LoadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db := cmd.CreateDatabase(cfg)

	artifacts := core.NewArtifactStore(db, cmd.CreateObjectStore(ctx, cfg), cfg.ModelBucket)

	queue := cmd.CreateJobQueue(ctx, cfg)
	if cfg.QueueBackend == config.QueueBackendMemory {
		slog.Warn("api is using an in memory job queue, jobs will not reach a separate worker")
	}

	if cfg.RabbitMQURL == "" {
		log.Fatalf("RABBITMQ_URL must be set")
	}
	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	r := cmd.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		api.NewBackendService(db, queue, publisher, artifacts).AddRoutes(r)
	})

	server := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	go func() {
		<-ctx.Done()
		log.Println("Shutting down server...")
		cmd.Shutdown(server)
	}()

	log.Printf("API server started on port %s", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", cfg.Port, err)
	}

	log.Println("Server stopped")
}
