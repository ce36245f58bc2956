package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Network is an immutable, fully weighted instance of an Architecture. It is
// safe for concurrent use.
type Network struct {
	arch Architecture

	height, width, channels int
	tabularSize             int

	imageBranch   []spatialLayer
	imageHead     []*dense
	tabularBranch []*dense
	combined      []*dense

	featureHeight, featureWidth, featureChannels int
	headSize                                     int
}

// Build constructs the network and applies every weight tensor. The tensors
// must match the architecture's weight shapes exactly.
func Build(arch Architecture, tensors []Tensor) (*Network, error) {
	shapes, err := arch.WeightShapes()
	if err != nil {
		return nil, err
	}
	if len(tensors) != len(shapes) {
		return nil, fmt.Errorf("%w: architecture needs %d tensors, got %d", ErrShapeMismatch, len(shapes), len(tensors))
	}
	for i, t := range tensors {
		if err := checkShape(t, shapes[i]); err != nil {
			return nil, fmt.Errorf("tensor %d: %w", i, err)
		}
		for _, v := range t.Data {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return nil, fmt.Errorf("tensor %d: %w: non-finite weight", i, ErrShapeMismatch)
			}
		}
	}

	n := &Network{
		arch:        arch,
		height:      arch.ImageInput[0],
		width:       arch.ImageInput[1],
		channels:    arch.ImageInput[2],
		tabularSize: arch.TabularInput,
	}

	next := 0
	take := func() ([]float64, []float64) {
		kernel, bias := toFloat64(tensors[next].Data), toFloat64(tensors[next+1].Data)
		next += 2
		return kernel, bias
	}

	h, w, c := n.height, n.width, n.channels
	for _, spec := range arch.ImageBranch {
		switch spec.Type {
		case LayerConv2D:
			act, _ := parseActivation(spec.Activation)
			kernel, bias := take()
			n.imageBranch = append(n.imageBranch, &conv2d{
				size: spec.KernelSize, in: c, out: spec.Filters, stride: spec.strides(),
				padding: spec.padding(), kernel: kernel, bias: bias, act: act,
			})
			h, _ = spatialOutput(h, spec.KernelSize, spec.strides(), spec.padding())
			w, _ = spatialOutput(w, spec.KernelSize, spec.strides(), spec.padding())
			c = spec.Filters
		case LayerMaxPool2D:
			n.imageBranch = append(n.imageBranch, &maxPool2d{size: spec.poolSize(), stride: spec.strides()})
			h, _ = spatialOutput(h, spec.poolSize(), spec.strides(), PaddingValid)
			w, _ = spatialOutput(w, spec.poolSize(), spec.strides(), PaddingValid)
		}
	}
	n.featureHeight, n.featureWidth, n.featureChannels = h, w, c

	buildDense := func(specs []LayerSpec, in int) ([]*dense, int) {
		var layers []*dense
		for _, spec := range specs {
			if spec.Type != LayerDense {
				continue
			}
			act, _ := parseActivation(spec.Activation)
			kernel, bias := take()
			layers = append(layers, &dense{
				in: in, out: spec.Units, kernel: mat.NewDense(in, spec.Units, kernel), bias: bias, act: act,
			})
			in = spec.Units
		}
		return layers, in
	}

	var tabSize int
	n.imageHead, n.headSize = buildDense(arch.ImageHead, c)
	n.tabularBranch, tabSize = buildDense(arch.TabularBranch, n.tabularSize)
	n.combined, _ = buildDense(arch.Combined, n.headSize+tabSize)

	return n, nil
}

func (n *Network) Architecture() Architecture {
	return n.arch
}

// InputShape returns the expected image height, width and channel count.
func (n *Network) InputShape() (int, int, int) {
	return n.height, n.width, n.channels
}

func (n *Network) TabularSize() int {
	return n.tabularSize
}

func (n *Network) NumClasses() int {
	return n.combined[len(n.combined)-1].out
}

func (n *Network) validate(image, tabular []float32) error {
	if len(image) != n.height*n.width*n.channels {
		return fmt.Errorf("%w: image has %d values, expected %dx%dx%d", ErrInvalidInput, len(image), n.height, n.width, n.channels)
	}
	if len(tabular) != n.tabularSize {
		return fmt.Errorf("%w: tabular row has %d values, expected %d", ErrInvalidInput, len(tabular), n.tabularSize)
	}
	for _, v := range image {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("%w: non-finite image value", ErrInvalidInput)
		}
	}
	for _, v := range tabular {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("%w: non-finite tabular value", ErrInvalidInput)
		}
	}
	return nil
}

func (n *Network) featureMap(image []float32) []float64 {
	x, h, w, c := toFloat64(image), n.height, n.width, n.channels
	for _, layer := range n.imageBranch {
		x, h, w, c = layer.forward(x, h, w, c)
	}
	return x
}

func (n *Network) globalAveragePool(fm []float64) []float64 {
	pooled := make([]float64, n.featureChannels)
	cells := n.featureHeight * n.featureWidth
	for i := 0; i < cells; i++ {
		for ch, v := range fm[i*n.featureChannels : (i+1)*n.featureChannels] {
			pooled[ch] += v
		}
	}
	for ch := range pooled {
		pooled[ch] /= float64(cells)
	}
	return pooled
}

// trace records every intermediate activation of one forward pass. Index 0 of
// each stack is the stack input.
type trace struct {
	featureMap []float64
	head       [][]float64
	tabular    [][]float64
	combined   [][]float64
}

func (n *Network) forward(image, tabular []float32) *trace {
	t := &trace{featureMap: n.featureMap(image)}

	t.head = [][]float64{n.globalAveragePool(t.featureMap)}
	for _, layer := range n.imageHead {
		t.head = append(t.head, layer.forward(t.head[len(t.head)-1]))
	}

	t.tabular = [][]float64{toFloat64(tabular)}
	for _, layer := range n.tabularBranch {
		t.tabular = append(t.tabular, layer.forward(t.tabular[len(t.tabular)-1]))
	}

	joined := append(append([]float64{}, t.head[len(t.head)-1]...), t.tabular[len(t.tabular)-1]...)
	t.combined = [][]float64{joined}
	for _, layer := range n.combined {
		t.combined = append(t.combined, layer.forward(t.combined[len(t.combined)-1]))
	}

	return t
}

// Predict returns the class probabilities for a single item.
func (n *Network) Predict(image, tabular []float32) ([]float64, error) {
	if err := n.validate(image, tabular); err != nil {
		return nil, err
	}
	t := n.forward(image, tabular)
	return t.combined[len(t.combined)-1], nil
}

// PredictBatch runs the dense stacks over the whole batch at once. Any invalid
// item fails the entire batch.
func (n *Network) PredictBatch(images, tabular [][]float32) ([][]float64, error) {
	if len(images) != len(tabular) {
		return nil, fmt.Errorf("%w: %d images but %d tabular rows", ErrInvalidInput, len(images), len(tabular))
	}
	if len(images) == 0 {
		return nil, nil
	}
	for i := range images {
		if err := n.validate(images[i], tabular[i]); err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
	}

	size := len(images)
	pooled := mat.NewDense(size, n.featureChannels, nil)
	tab := mat.NewDense(size, n.tabularSize, nil)
	for i := range images {
		pooled.SetRow(i, n.globalAveragePool(n.featureMap(images[i])))
		tab.SetRow(i, toFloat64(tabular[i]))
	}

	head := pooled
	for _, layer := range n.imageHead {
		head = layer.forwardBatch(head)
	}
	for _, layer := range n.tabularBranch {
		tab = layer.forwardBatch(tab)
	}

	_, headCols := head.Dims()
	_, tabCols := tab.Dims()
	joined := mat.NewDense(size, headCols+tabCols, nil)
	joined.Augment(head, tab)

	out := joined
	for _, layer := range n.combined {
		out = layer.forwardBatch(out)
	}

	probs := make([][]float64, size)
	for i := range probs {
		probs[i] = mat.Row(nil, i, out)
	}
	return probs, nil
}

// Gradients holds the back-propagated gradients of one class probability.
// FeatureMap and FeatureMapGrad are laid out [Height][Width][Channels].
type Gradients struct {
	Class         int
	Probabilities []float64

	Height, Width, Channels int
	FeatureMap              []float64
	FeatureMapGrad          []float64

	Tabular []float64
}

// ClassGradients differentiates the softmax probability of class w.r.t. the
// last convolutional feature map and the tabular input.
func (n *Network) ClassGradients(image, tabular []float32, class int) (*Gradients, error) {
	if err := n.validate(image, tabular); err != nil {
		return nil, err
	}
	if class < 0 || class >= n.NumClasses() {
		return nil, fmt.Errorf("%w: class %d out of range [0, %d)", ErrInvalidInput, class, n.NumClasses())
	}

	t := n.forward(image, tabular)
	probs := t.combined[len(t.combined)-1]

	d := make([]float64, len(probs))
	d[class] = 1
	for i := len(n.combined) - 1; i >= 0; i-- {
		d = n.combined[i].backward(t.combined[i+1], d)
	}

	dHead, dTab := d[:n.headSize], d[n.headSize:]
	for i := len(n.imageHead) - 1; i >= 0; i-- {
		dHead = n.imageHead[i].backward(t.head[i+1], dHead)
	}
	for i := len(n.tabularBranch) - 1; i >= 0; i-- {
		dTab = n.tabularBranch[i].backward(t.tabular[i+1], dTab)
	}

	cells := n.featureHeight * n.featureWidth
	fmGrad := make([]float64, len(t.featureMap))
	for i := 0; i < cells; i++ {
		for ch := 0; ch < n.featureChannels; ch++ {
			fmGrad[i*n.featureChannels+ch] = dHead[ch] / float64(cells)
		}
	}

	return &Gradients{
		Class:          class,
		Probabilities:  probs,
		Height:         n.featureHeight,
		Width:          n.featureWidth,
		Channels:       n.featureChannels,
		FeatureMap:     t.featureMap,
		FeatureMapGrad: fmGrad,
		Tabular:        dTab,
	}, nil
}
