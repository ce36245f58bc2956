package nn

import (
	"math"
	"math/rand"
)

// RandomTensors returns Glorot-uniform initialized weights for arch, with
// small uniform biases. The same seed always yields the same tensors.
func RandomTensors(arch Architecture, seed int64) ([]Tensor, error) {
	shapes, err := arch.WeightShapes()
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(seed))
	tensors := make([]Tensor, len(shapes))
	for i, shape := range shapes {
		t := Tensor{Shape: shape}
		t.Data = make([]float32, t.Size())

		limit := 0.1
		if len(shape) > 1 {
			receptive := 1
			for _, d := range shape[:len(shape)-2] {
				receptive *= d
			}
			fanIn, fanOut := shape[len(shape)-2]*receptive, shape[len(shape)-1]*receptive
			limit = math.Sqrt(6 / float64(fanIn+fanOut))
		}
		for j := range t.Data {
			t.Data[j] = float32((rng.Float64()*2 - 1) * limit)
		}
		tensors[i] = t
	}
	return tensors, nil
}
