package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"skinscan-backend/internal/core/types"
	"skinscan-backend/internal/messaging"

	"gorm.io/gorm"
)

type WorkerOptions struct {
	BatchSize      int
	PollInterval   time.Duration
	Expiry         time.Duration
	ExplainWorkers int
}

// PredictionWorker runs the batching loop. It owns the loaded model, which is
// only replaced between iterations.
type PredictionWorker struct {
	queue     messaging.JobQueue
	artifacts *ArtifactStore
	results   *ResultWriter
	reload    ReloadSignal
	opts      WorkerOptions
	now       func() time.Time

	model         *LoadedModel
	loadedVersion atomic.Int64
}

func NewPredictionWorker(db *gorm.DB, queue messaging.JobQueue, artifacts *ArtifactStore, opts WorkerOptions) *PredictionWorker {
	return &PredictionWorker{
		queue:     queue,
		artifacts: artifacts,
		results:   NewResultWriter(db),
		opts:      opts,
		now:       time.Now,
	}
}

// SignalReload requests a model reload before the next batch.
func (w *PredictionWorker) SignalReload() {
	w.reload.Signal()
}

// ListenForReloads forwards reload notifications to the worker until ctx is
// cancelled. It blocks and is meant to run in its own goroutine.
func (w *PredictionWorker) ListenForReloads(ctx context.Context, reciever messaging.Reciever) {
	ForwardReloads(ctx, reciever, &w.reload)
}

// ModelVersion returns the version of the loaded model, or 0 if none is
// loaded. It is safe to call while the worker is running.
func (w *PredictionWorker) ModelVersion() int64 {
	return w.loadedVersion.Load()
}

func (w *PredictionWorker) Run(ctx context.Context) {
	slog.Info("starting prediction worker", "batch_size", w.opts.BatchSize, "poll_interval", w.opts.PollInterval, "job_expiry", w.opts.Expiry)

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil {
			slog.Error("error processing batch", "error", err)
		}

		select {
		case <-ctx.Done():
			slog.Info("stopping prediction worker")
			return
		case <-ticker.C:
		}
	}
}

// ensureModel reloads the model if a reload was requested or nothing is loaded
// yet. A failed reload keeps the previous model, unless no model is active
// anymore.
func (w *PredictionWorker) ensureModel(ctx context.Context) bool {
	if !w.reload.consume() && w.model != nil {
		return true
	}

	loaded, err := w.artifacts.Load(ctx)
	if err != nil {
		modelReloadsTotal.WithLabelValues("false").Inc()
		switch {
		case w.model != nil && errors.Is(err, ErrNoActiveModel):
			slog.Warn("active model was removed, unloading model", "model_version", w.model.Version)
			w.model = nil
			w.loadedVersion.Store(0)
			loadedModelVersion.Set(0)
		case w.model != nil:
			slog.Error("model reload failed, keeping previous model", "model_version", w.model.Version, "error", err)
		case errors.Is(err, ErrNoActiveModel):
			slog.Warn("no active model available, skipping batch")
		default:
			slog.Error("error loading model, skipping batch", "error", err)
		}
		return w.model != nil
	}

	modelReloadsTotal.WithLabelValues("true").Inc()
	loadedModelVersion.Set(float64(loaded.Version))
	if w.model == nil || w.model.Version != loaded.Version {
		slog.Info("loaded model", "model_version", loaded.Version)
	}
	w.model = loaded
	w.loadedVersion.Store(loaded.Version)
	return true
}

type IterationStats struct {
	Skipped   bool
	Expired   int
	Completed int
	Failed    int
}

func failAll(jobs []types.Job, reason string) []FailedRequest {
	failures := make([]FailedRequest, len(jobs))
	for i, job := range jobs {
		failures[i] = FailedRequest{RequestId: job.Id, Reason: reason}
	}
	return failures
}

// RunOnce runs a single iteration of the loop: reload if needed, take a batch,
// drop expired jobs, predict and explain the rest and store the results.
func (w *PredictionWorker) RunOnce(ctx context.Context) (IterationStats, error) {
	var stats IterationStats
	if !w.ensureModel(ctx) {
		stats.Skipped = true
		return stats, nil
	}
	model := w.model

	batch, extractErr := ExtractBatch(ctx, w.queue, w.opts.BatchSize, w.opts.Expiry, w.now())
	if extractErr != nil {
		slog.Error("error extracting batch", "collected", len(batch.Fresh)+len(batch.Expired), "error", extractErr)
	}

	if len(batch.Expired) > 0 {
		stats.Expired = len(batch.Expired)
		jobsProcessedTotal.WithLabelValues("expired").Add(float64(len(batch.Expired)))
		if _, err := w.results.DeleteExpired(ctx, batch.Expired); err != nil {
			slog.Error("error deleting expired requests", "error", err)
		}
	}

	if len(batch.Fresh) == 0 {
		return stats, extractErr
	}

	start := time.Now()
	defer func() {
		batchDuration.Observe(time.Since(start).Seconds())
	}()
	batchSize.Observe(float64(len(batch.Fresh)))

	features, err := model.Pipeline.Transform(batch.Fresh)
	if err != nil {
		slog.Error("error building features for batch", "batch_size", len(batch.Fresh), "error", err)
		stats.Failed = len(batch.Fresh)
		jobsProcessedTotal.WithLabelValues("failed").Add(float64(stats.Failed))
		if err := w.results.Persist(ctx, nil, failAll(batch.Fresh, fmt.Sprintf("feature extraction failed: %v", err))); err != nil {
			return stats, err
		}
		return stats, extractErr
	}

	inference := RunInference(model.Network, features)

	classes := make([]int, len(inference.Predictions))
	for i, pred := range inference.Predictions {
		classes[i] = Argmax(pred)
	}

	originals := make([]types.Image, len(batch.Fresh))
	for i, job := range batch.Fresh {
		originals[i] = job.Params.Image
	}
	explanations, explainErrs := ExplainAll(model.Network, model.Pipeline.FeatureNames(), originals, features, inference.ValidIndices, classes, w.opts.ExplainWorkers)

	var results []PredictionResult
	var failures []FailedRequest
	for _, f := range inference.Failed {
		failures = append(failures, FailedRequest{RequestId: batch.Fresh[f.Index].Id, Reason: fmt.Sprintf("prediction failed: %v", f.Err)})
	}

	for pos, idx := range inference.ValidIndices {
		job := batch.Fresh[idx]
		if explainErrs[pos] != nil {
			slog.Error("error explaining prediction", "request_id", job.Id, "error", explainErrs[pos])
			failures = append(failures, FailedRequest{RequestId: job.Id, Reason: fmt.Sprintf("explanation failed: %v", explainErrs[pos])})
			continue
		}

		label, err := model.LesionTypes.InverseTransform(classes[pos])
		if err != nil {
			failures = append(failures, FailedRequest{RequestId: job.Id, Reason: err.Error()})
			continue
		}

		results = append(results, PredictionResult{
			RequestId:    job.Id,
			Probability:  inference.Predictions[pos][classes[pos]],
			LesionType:   label,
			ModelVersion: model.Version,
			Impact:       explanations[pos].Impact,
			Heatmap:      explanations[pos].Heatmap,
		})
	}

	stats.Completed, stats.Failed = len(results), len(failures)
	jobsProcessedTotal.WithLabelValues("completed").Add(float64(stats.Completed))
	jobsProcessedTotal.WithLabelValues("failed").Add(float64(stats.Failed))

	if err := w.results.Persist(ctx, results, failures); err != nil {
		return stats, err
	}

	slog.Info("processed batch", "batch_size", len(batch.Fresh), "completed", stats.Completed, "failed", stats.Failed, "expired", stats.Expired, "model_version", model.Version)
	return stats, extractErr
}
