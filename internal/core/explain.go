package core

import (
	"fmt"
	"math"

	"skinscan-backend/internal/core/nn"
	"skinscan-backend/internal/core/types"
	"skinscan-backend/internal/core/utils"
)

const ImageFeature = "image"

type Explanation struct {
	Impact  map[string]float64
	Heatmap []byte
}

// SaliencyMap computes a Grad-CAM map of size Height x Width from the
// gradients of one class score. Values are in [0, 1]; a map with no positive
// evidence is all zero.
func SaliencyMap(g *nn.Gradients) []float64 {
	cells := g.Height * g.Width

	weights := make([]float64, g.Channels)
	for i := 0; i < cells; i++ {
		for c := 0; c < g.Channels; c++ {
			weights[c] += g.FeatureMapGrad[i*g.Channels+c]
		}
	}
	for c := range weights {
		weights[c] /= float64(cells)
	}

	cam := make([]float64, cells)
	peak := 0.0
	for i := range cam {
		sum := 0.0
		for c, w := range weights {
			sum += w * g.FeatureMap[i*g.Channels+c]
		}
		cam[i] = max(sum, 0)
		peak = max(peak, cam[i])
	}

	if peak > 0 {
		for i := range cam {
			cam[i] /= peak
		}
	}
	return cam
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// CombineImpacts converts the image saliency score and the tabular gradient
// magnitudes into percentages that sum to 100. When there is no usable signal
// every feature gets an equal share.
func CombineImpacts(imageScore float64, tabularGrads []float64, names []string) map[string]float64 {
	keys := append([]string{ImageFeature}, names...)
	scores := make([]float64, len(keys))
	scores[0] = math.Abs(imageScore)
	for i := range names {
		if i < len(tabularGrads) {
			scores[i+1] = math.Abs(tabularGrads[i])
		}
	}

	total := 0.0
	for i, s := range scores {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			scores[i] = 0
			continue
		}
		total += s
	}

	impact := make(map[string]float64, len(keys))
	for i, k := range keys {
		if total <= 0 {
			impact[k] = 100 / float64(len(keys))
		} else {
			impact[k] = 100 * scores[i] / total
		}
	}
	return impact
}

// Explain attributes the score of class for a single item to the image and to
// each tabular feature, and renders the saliency over the original image.
func Explain(model Model, featureNames []string, original types.Image, image, tabular []float32, class int) (Explanation, error) {
	grads, err := model.ClassGradients(image, tabular, class)
	if err != nil {
		return Explanation{}, fmt.Errorf("error computing gradients: %w", err)
	}

	cam := SaliencyMap(grads)

	heatmap, err := RenderHeatmap(original, cam, grads.Height, grads.Width)
	if err != nil {
		return Explanation{}, fmt.Errorf("error rendering heatmap: %w", err)
	}

	return Explanation{
		Impact:  CombineImpacts(mean(cam), grads.Tabular, featureNames),
		Heatmap: heatmap,
	}, nil
}

type explainTask struct {
	original types.Image
	image    []float32
	tabular  []float32
	class    int
}

// ExplainAll explains items concurrently. Entry i of the outputs corresponds
// to indices[i], which selects both the job in originals and the row in batch.
func ExplainAll(model Model, featureNames []string, originals []types.Image, batch FeatureBatch, indices []int, classes []int, maxWorkers int) ([]Explanation, []error) {
	tasks := make([]explainTask, len(indices))
	for pos, idx := range indices {
		tasks[pos] = explainTask{
			original: originals[idx],
			image:    batch.Images.Item(idx),
			tabular:  batch.Tabular[idx],
			class:    classes[pos],
		}
	}

	return utils.MapInPool(tasks, func(task explainTask) (Explanation, error) {
		return safeExplain(model, featureNames, task)
	}, maxWorkers)
}

func safeExplain(model Model, featureNames []string, task explainTask) (explanation Explanation, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("explanation panicked: %v", r)
		}
	}()
	return Explain(model, featureNames, task.original, task.image, task.tabular, task.class)
}
