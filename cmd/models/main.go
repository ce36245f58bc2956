package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	"skinscan-backend/cmd"
	"skinscan-backend/internal/core"
	"skinscan-backend/internal/core/nn"
	"skinscan-backend/internal/messaging"

	"github.com/google/uuid"
)

// Imports a trained model into the models table. Without -weights the network
// is initialized randomly, which is only useful for smoke testing a deployment.
func main() {
	archPath := flag.String("arch", "", "path to the architecture json")
	weightsPath := flag.String("weights", "", "path to the encoded weight tensors")
	hpPath := flag.String("hyperparameters", "", "path to the hyperparameters json")
	external := flag.Bool("external", false, "store the weights in the object store")
	activate := flag.Bool("activate", false, "make the imported model active")
	seed := flag.Int64("seed", 0, "seed for random weights when -weights is not given")

	cfg := cmd.LoadConfig()

	if *archPath == "" || *hpPath == "" {
		log.Fatalf("-arch and -hyperparameters are required")
	}

	archData, err := os.ReadFile(*archPath)
	if err != nil {
		log.Fatalf("error reading architecture: %v", err)
	}
	arch, err := nn.ParseArchitecture(archData)
	if err != nil {
		log.Fatalf("invalid architecture: %v", err)
	}

	hpData, err := os.ReadFile(*hpPath)
	if err != nil {
		log.Fatalf("error reading hyperparameters: %v", err)
	}
	var hp core.Hyperparameters
	if err := json.Unmarshal(hpData, &hp); err != nil {
		log.Fatalf("invalid hyperparameters: %v", err)
	}
	if _, err := core.LoadScaler(hp); err != nil {
		log.Fatalf("invalid hyperparameters: %v", err)
	}
	if _, _, err := core.LoadEncoders(hp); err != nil {
		log.Fatalf("invalid hyperparameters: %v", err)
	}

	var tensors []nn.Tensor
	if *weightsPath != "" {
		data, err := os.ReadFile(*weightsPath)
		if err != nil {
			log.Fatalf("error reading weights: %v", err)
		}
		if tensors, err = nn.DecodeTensors(data); err != nil {
			log.Fatalf("invalid weights: %v", err)
		}
	} else {
		slog.Warn("no weights given, initializing random weights", "seed", *seed)
		if tensors, err = nn.RandomTensors(arch, *seed); err != nil {
			log.Fatalf("error initializing weights: %v", err)
		}
	}

	ctx := context.Background()

	db := cmd.CreateDatabase(cfg)
	artifacts := core.NewArtifactStore(db, cmd.CreateObjectStore(ctx, cfg), cfg.ModelBucket)

	version, err := artifacts.SaveArtifact(ctx, core.ArtifactInput{
		Architecture:    arch,
		Tensors:         tensors,
		Hyperparameters: hp,
		ExternalWeights: *external,
	})
	if err != nil {
		log.Fatalf("error saving model: %v", err)
	}
	log.Printf("imported model version %d", version)

	if !*activate {
		return
	}

	if err := artifacts.Activate(ctx, version); err != nil {
		log.Fatalf("error activating model: %v", err)
	}

	if cfg.RabbitMQURL == "" {
		log.Printf("model %d activated, RABBITMQ_URL not set so running workers pick it up on restart", version)
		return
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	if err := publisher.PublishModelReload(ctx, messaging.ModelReloadPayload{
		NotificationId: uuid.New(),
		ModelVersion:   version,
		ActivatedAt:    time.Now().UTC(),
	}); err != nil {
		log.Fatalf("error publishing reload notification: %v", err)
	}
	log.Printf("model %d activated and workers notified", version)
}
