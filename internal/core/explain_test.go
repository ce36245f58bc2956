package core

import (
	"bytes"
	"image/png"
	"math"
	"testing"
	"time"

	"skinscan-backend/internal/core/nn"
	"skinscan-backend/internal/core/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sumImpact(impact map[string]float64) float64 {
	total := 0.0
	for _, v := range impact {
		total += v
	}
	return total
}

func TestCombineImpacts(t *testing.T) {
	names := []string{"age", "localization", "sex"}

	impact := CombineImpacts(0.5, []float64{-0.25, 0.125, 0.125}, names)
	assert.InDelta(t, 100, sumImpact(impact), 1e-5)
	assert.InDelta(t, 50, impact["image"], 1e-9)
	assert.InDelta(t, 25, impact["age"], 1e-9)
	assert.InDelta(t, 12.5, impact["localization"], 1e-9)
	assert.InDelta(t, 12.5, impact["sex"], 1e-9)

	impact = CombineImpacts(0, []float64{0, 0, 0}, names)
	for _, key := range []string{"image", "age", "localization", "sex"} {
		assert.InDelta(t, 25, impact[key], 1e-9)
	}

	impact = CombineImpacts(math.NaN(), []float64{1, math.Inf(1), 1}, names)
	assert.InDelta(t, 100, sumImpact(impact), 1e-5)
	assert.Zero(t, impact["image"])
	assert.Zero(t, impact["localization"])
	assert.InDelta(t, 50, impact["age"], 1e-9)
}

func TestSaliencyMap(t *testing.T) {
	g := &nn.Gradients{
		Height: 1, Width: 3, Channels: 2,
		FeatureMap:     []float64{3, 0, 2, 1, 0, 4},
		FeatureMapGrad: []float64{0.3, -0.3, 0.3, -0.3, 0.3, -0.3},
	}
	// channel weights are 0.3 and -0.3
	cam := SaliencyMap(g)
	assert.InDeltaSlice(t, []float64{1, 1.0 / 3, 0}, cam, 1e-9)

	g.FeatureMapGrad = []float64{-1, 0, -1, 0, -1, 0}
	assert.Equal(t, []float64{0, 0, 0}, SaliencyMap(g))
}

func TestRenderHeatmap(t *testing.T) {
	original := testImage(12, 10, 4)
	data, err := RenderHeatmap(original, []float64{0, 0.5, 1, 0.25}, 2, 2)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 10, img.Bounds().Dx())
	assert.Equal(t, 12, img.Bounds().Dy())

	_, err = RenderHeatmap(original, []float64{0, 1}, 2, 2)
	assert.Error(t, err)
}

func TestJetColormap(t *testing.T) {
	low, high := jet(0), jet(1)
	assert.Greater(t, low.B, low.R)
	assert.Greater(t, high.R, high.B)
	mid := jet(0.5)
	assert.Equal(t, uint8(255), mid.G)
}

func buildTestNetwork(t *testing.T, seed int64) *nn.Network {
	arch := testArchitecture(8)
	tensors, err := nn.RandomTensors(arch, seed)
	require.NoError(t, err)
	network, err := nn.Build(arch, tensors)
	require.NoError(t, err)
	return network
}

func TestExplain(t *testing.T) {
	network := buildTestNetwork(t, 5)
	pipeline := testPipeline(t, 8)

	job := testJob(1, time.Now(), 2)
	batch, err := pipeline.Transform([]types.Job{job})
	require.NoError(t, err)

	pred, err := network.Predict(batch.Images.Item(0), batch.Tabular[0])
	require.NoError(t, err)

	explanation, err := Explain(network, pipeline.FeatureNames(), job.Params.Image, batch.Images.Item(0), batch.Tabular[0], Argmax(pred))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"image", "age", "localization", "sex"}, keys(explanation.Impact))
	assert.InDelta(t, 100, sumImpact(explanation.Impact), 1e-5)

	img, err := png.Decode(bytes.NewReader(explanation.Heatmap))
	require.NoError(t, err)
	assert.Equal(t, job.Params.Image.Width, img.Bounds().Dx())
	assert.Equal(t, job.Params.Image.Height, img.Bounds().Dy())
}

func keys(m map[string]float64) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestExplainAllPreservesOrder(t *testing.T) {
	network := buildTestNetwork(t, 6)
	pipeline := testPipeline(t, 8)

	now := time.Now()
	var jobs []types.Job
	var originals []types.Image
	for i := int64(0); i < 6; i++ {
		jobs = append(jobs, testJob(i, now, i))
		originals = append(originals, jobs[i].Params.Image)
	}
	batch, err := pipeline.Transform(jobs)
	require.NoError(t, err)

	indices := []int{0, 2, 3, 5}
	classes := []int{0, 1, 2, 3}

	explanations, errs := ExplainAll(network, pipeline.FeatureNames(), originals, batch, indices, classes, 3)
	require.Len(t, explanations, len(indices))

	for pos, idx := range indices {
		require.NoError(t, errs[pos])
		expected, err := Explain(network, pipeline.FeatureNames(), originals[idx], batch.Images.Item(idx), batch.Tabular[idx], classes[pos])
		require.NoError(t, err)
		assert.InDeltaMapValues(t, expected.Impact, explanations[pos].Impact, 1e-9)
		assert.Equal(t, expected.Heatmap, explanations[pos].Heatmap)
	}

	_, errs = ExplainAll(network, pipeline.FeatureNames(), originals, batch, []int{1}, []int{len(testLesionTypes)}, 2)
	assert.ErrorIs(t, errs[0], nn.ErrInvalidInput)

	explanations, errs = ExplainAll(network, pipeline.FeatureNames(), originals, batch, nil, nil, 2)
	assert.Empty(t, explanations)
	assert.Empty(t, errs)
}

// panickingGradients panics while computing gradients for one class.
type panickingGradients struct {
	Model
	class int
}

func (m *panickingGradients) ClassGradients(image, tabular []float32, class int) (*nn.Gradients, error) {
	if class == m.class {
		panic("index out of range")
	}
	return m.Model.ClassGradients(image, tabular, class)
}

func TestExplainAllRecoversPanics(t *testing.T) {
	network := buildTestNetwork(t, 6)
	pipeline := testPipeline(t, 8)

	now := time.Now()
	var jobs []types.Job
	var originals []types.Image
	for i := int64(0); i < 3; i++ {
		jobs = append(jobs, testJob(i, now, i))
		originals = append(originals, jobs[i].Params.Image)
	}
	batch, err := pipeline.Transform(jobs)
	require.NoError(t, err)

	model := &panickingGradients{Model: network, class: 4}
	explanations, errs := ExplainAll(model, pipeline.FeatureNames(), originals, batch, []int{0, 1, 2}, []int{0, 4, 1}, 2)

	require.Len(t, errs, 3)
	assert.NoError(t, errs[0])
	assert.ErrorContains(t, errs[1], "explanation panicked")
	assert.NoError(t, errs[2])
	assert.InDelta(t, 100, sumImpact(explanations[0].Impact), 1e-5)
	assert.InDelta(t, 100, sumImpact(explanations[2].Impact), 1e-5)
}
