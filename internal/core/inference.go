package core

import (
	"fmt"
	"log/slog"

	"skinscan-backend/internal/core/nn"
)

// Model is the part of the network runtime the worker depends on.
type Model interface {
	InputShape() (int, int, int)

	NumClasses() int

	Predict(image, tabular []float32) ([]float64, error)

	PredictBatch(images, tabular [][]float32) ([][]float64, error)

	ClassGradients(image, tabular []float32, class int) (*nn.Gradients, error)
}

var _ Model = (*nn.Network)(nil)

type ItemFailure struct {
	Index int
	Err   error
}

// InferenceOutput holds one prediction per entry of ValidIndices, which are
// ascending positions into the input batch.
type InferenceOutput struct {
	Predictions  [][]float64
	ValidIndices []int
	Failed       []ItemFailure
}

func safePredictBatch(model Model, images, tabular [][]float32) (preds [][]float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch prediction panicked: %v", r)
		}
	}()
	return model.PredictBatch(images, tabular)
}

func safePredict(model Model, image, tabular []float32) (pred []float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("prediction panicked: %v", r)
		}
	}()
	return model.Predict(image, tabular)
}

// RunInference scores the whole batch in one pass and, if that fails, retries
// each item on its own so that a single bad input does not fail the rest.
func RunInference(model Model, batch FeatureBatch) InferenceOutput {
	n := batch.Len()
	if n == 0 {
		return InferenceOutput{}
	}

	images := make([][]float32, n)
	for i := range images {
		images[i] = batch.Images.Item(i)
	}

	preds, err := safePredictBatch(model, images, batch.Tabular)
	if err == nil && len(preds) == n {
		out := InferenceOutput{Predictions: preds, ValidIndices: make([]int, n)}
		for i := range out.ValidIndices {
			out.ValidIndices[i] = i
		}
		return out
	}
	if err == nil {
		err = fmt.Errorf("model returned %d predictions for %d inputs", len(preds), n)
	}

	slog.Warn("batch prediction failed, falling back to per item prediction", "batch_size", n, "error", err)

	var out InferenceOutput
	for i := 0; i < n; i++ {
		var tabular []float32
		if i < len(batch.Tabular) {
			tabular = batch.Tabular[i]
		}
		pred, err := safePredict(model, images[i], tabular)
		if err != nil {
			slog.Error("prediction failed for item", "index", i, "error", err)
			out.Failed = append(out.Failed, ItemFailure{Index: i, Err: err})
			continue
		}
		out.Predictions = append(out.Predictions, pred)
		out.ValidIndices = append(out.ValidIndices, i)
	}
	return out
}

// Argmax returns the index of the largest score, preferring the first on ties.
func Argmax(scores []float64) int {
	best := 0
	for i, v := range scores {
		if v > scores[best] {
			best = i
		}
	}
	return best
}
