package cmd

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"time"

	"skinscan-backend/internal/config"
	"skinscan-backend/internal/core"
	"skinscan-backend/internal/database"
	"skinscan-backend/internal/messaging"
	"skinscan-backend/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

// LoadConfig loads the optional env file given with -env and then parses the
// configuration, exiting on any error.
func LoadConfig() *config.Config {
	LoadEnvFile()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	return cfg
}

func CreateDatabase(cfg *config.Config) *gorm.DB {
	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	return db
}

// CreateObjectStore returns the store holding model weights that are not kept
// inline in the database. It returns nil if no storage is configured.
func CreateObjectStore(ctx context.Context, cfg *config.Config) storage.ObjectStore {
	var store storage.ObjectStore
	switch {
	case cfg.UsesS3():
		s3Store, err := storage.NewS3ObjectStore(storage.S3ClientConfig{
			Endpoint:        cfg.S3EndpointURL,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			log.Fatalf("Failed to create S3 object store: %v", err)
		}
		store = s3Store
	case cfg.StorageDir != "":
		localStore, err := storage.NewLocalObjectStore(cfg.StorageDir)
		if err != nil {
			log.Fatalf("Failed to create local object store: %v", err)
		}
		store = localStore
	default:
		slog.Info("no object store configured, model weights must be stored inline")
		return nil
	}

	if err := store.CreateBucket(ctx, cfg.ModelBucket); err != nil {
		log.Fatalf("Failed to create model bucket %s: %v", cfg.ModelBucket, err)
	}
	return store
}

func CreateJobQueue(ctx context.Context, cfg *config.Config) messaging.JobQueue {
	if cfg.QueueBackend == config.QueueBackendRedis {
		queue, err := messaging.NewRedisJobQueue(ctx, cfg.RedisURL, cfg.JobQueueKey)
		if err != nil {
			log.Fatalf("Failed to connect to redis job queue: %v", err)
		}
		return queue
	}
	return messaging.NewMemoryJobQueue()
}

func WorkerOptions(cfg *config.Config) core.WorkerOptions {
	return core.WorkerOptions{
		BatchSize:      cfg.BatchSize,
		PollInterval:   cfg.PollInterval,
		Expiry:         cfg.JobExpiry,
		ExplainWorkers: cfg.ExplainWorkers,
	}
}

// RequeueIfEmpty pushes pending requests back onto the queue when it holds no
// jobs. A non-empty queue is assumed to already contain them.
func RequeueIfEmpty(ctx context.Context, db *gorm.DB, queue messaging.JobQueue) {
	size, err := queue.Len(ctx)
	if err != nil {
		log.Fatalf("Failed to read job queue length: %v", err)
	}
	if size > 0 {
		slog.Info("job queue is not empty, skipping recovery", "queued", size)
		return
	}

	n, err := core.RequeuePending(ctx, db, queue)
	if err != nil {
		log.Fatalf("Failed to requeue pending requests: %v", err)
	}
	slog.Info("requeued pending requests", "count", n)
}

func NewRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// StartMetricsServer serves /metrics on port for processes without an api.
func StartMetricsServer(port string) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: ":" + port, Handler: r}
	go func() {
		slog.Info("metrics server listening", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	return server
}

// Shutdown stops server, waiting up to 30 seconds for open requests.
func Shutdown(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
}
