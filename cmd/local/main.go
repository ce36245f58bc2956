package main

import (
	"context"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"skinscan-backend/cmd"
	"skinscan-backend/internal/api"
	"skinscan-backend/internal/core"
	"skinscan-backend/internal/messaging"

	"github.com/go-chi/chi/v5"
)

// Runs the api and the prediction worker in one process, with an in memory job
// queue and in memory reload notifications.
func main() {
	cfg := cmd.LoadConfig()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if dir := filepath.Dir(cfg.DatabaseURL); dir != "." {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			log.Fatalf("error creating database directory: %v", err)
		}
	}

	f, err := os.OpenFile("backend.log", os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	slog.Info("starting backend", "port", cfg.Port, "database", cfg.DatabaseURL, "batch_size", cfg.BatchSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db := cmd.CreateDatabase(cfg)
	store := cmd.CreateObjectStore(ctx, cfg)

	queue := messaging.NewMemoryJobQueue()
	if n, err := core.RequeuePending(ctx, db, queue); err != nil {
		log.Fatalf("Failed to requeue pending requests: %v", err)
	} else {
		slog.Info("requeued pending requests", "count", n)
	}

	reloads := messaging.NewInMemoryQueue()
	defer reloads.Close()

	artifacts := core.NewArtifactStore(db, store, cfg.ModelBucket)
	worker := core.NewPredictionWorker(db, queue, artifacts, cmd.WorkerOptions(cfg))

	r := cmd.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		api.NewBackendService(db, queue, reloads, artifacts).AddRoutes(r)
	})

	server := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	slog.Info("starting worker")
	go worker.ListenForReloads(ctx, reloads)
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server")
		cmd.Shutdown(server)
	}()

	slog.Info("server started", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", cfg.Port, err)
	}

	<-done
	slog.Info("server stopped")
}
