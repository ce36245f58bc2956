package nn

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidArchitecture = errors.New("invalid architecture")
	ErrShapeMismatch       = errors.New("weight shape mismatch")
	ErrInvalidInput        = errors.New("invalid model input")
)

const (
	LayerConv2D    = "conv2d"
	LayerMaxPool2D = "max_pool2d"
	LayerDense     = "dense"
	LayerDropout   = "dropout"

	PaddingSame  = "same"
	PaddingValid = "valid"
)

type LayerSpec struct {
	Type       string  `json:"type"`
	Filters    int     `json:"filters,omitempty"`
	KernelSize int     `json:"kernel_size,omitempty"`
	Strides    int     `json:"strides,omitempty"`
	Padding    string  `json:"padding,omitempty"`
	PoolSize   int     `json:"pool_size,omitempty"`
	Units      int     `json:"units,omitempty"`
	Activation string  `json:"activation,omitempty"`
	Rate       float64 `json:"rate,omitempty"`
}

// Architecture describes the two input classifier. The image branch ends in a
// convolution whose output is globally average pooled and passed through the
// image head. The image head and tabular branch outputs are concatenated and
// fed to the combined stack, which ends in a softmax over the classes.
type Architecture struct {
	Name          string      `json:"name"`
	ImageInput    []int       `json:"image_input"`
	TabularInput  int         `json:"tabular_input"`
	ImageBranch   []LayerSpec `json:"image_branch"`
	ImageHead     []LayerSpec `json:"image_head"`
	TabularBranch []LayerSpec `json:"tabular_branch"`
	Combined      []LayerSpec `json:"combined"`
}

func ParseArchitecture(data []byte) (Architecture, error) {
	var arch Architecture
	if err := json.Unmarshal(data, &arch); err != nil {
		return Architecture{}, fmt.Errorf("%w: %v", ErrInvalidArchitecture, err)
	}
	if _, err := arch.WeightShapes(); err != nil {
		return Architecture{}, err
	}
	return arch, nil
}

func (s LayerSpec) strides() int {
	if s.Strides > 0 {
		return s.Strides
	}
	if s.Type == LayerMaxPool2D {
		return s.poolSize()
	}
	return 1
}

func (s LayerSpec) poolSize() int {
	if s.PoolSize > 0 {
		return s.PoolSize
	}
	return 2
}

func (s LayerSpec) padding() string {
	if s.Padding == "" {
		return PaddingValid
	}
	return s.Padding
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArchitecture, fmt.Sprintf(format, args...))
}

// spatialOutput returns the output size of a window op over one spatial dim,
// along with the padding inserted before the first element.
func spatialOutput(in, window, stride int, padding string) (int, int) {
	if padding == PaddingSame {
		out := (in + stride - 1) / stride
		total := max((out-1)*stride+window-in, 0)
		return out, total / 2
	}
	if in < window {
		return 0, 0
	}
	return (in-window)/stride + 1, 0
}

// WeightShapes validates the architecture and returns the expected shape of
// every weight tensor in storage order: image branch, image head, tabular
// branch, combined, with each trainable layer contributing kernel then bias.
func (a Architecture) WeightShapes() ([][]int, error) {
	if len(a.ImageInput) != 3 {
		return nil, invalidf("image_input must be [height, width, channels], got %v", a.ImageInput)
	}
	h, w, c := a.ImageInput[0], a.ImageInput[1], a.ImageInput[2]
	if h <= 0 || w <= 0 || c <= 0 {
		return nil, invalidf("image_input dimensions must be positive, got %v", a.ImageInput)
	}
	if a.TabularInput <= 0 {
		return nil, invalidf("tabular_input must be positive, got %d", a.TabularInput)
	}
	if len(a.ImageBranch) == 0 || a.ImageBranch[len(a.ImageBranch)-1].Type != LayerConv2D {
		return nil, invalidf("image_branch must end with a %s layer", LayerConv2D)
	}
	if len(a.Combined) == 0 {
		return nil, invalidf("combined stack is empty")
	}

	var shapes [][]int

	for i, layer := range a.ImageBranch {
		switch layer.Type {
		case LayerConv2D:
			if layer.Filters <= 0 || layer.KernelSize <= 0 {
				return nil, invalidf("image_branch[%d]: filters and kernel_size must be positive", i)
			}
			if p := layer.padding(); p != PaddingSame && p != PaddingValid {
				return nil, invalidf("image_branch[%d]: unknown padding %q", i, p)
			}
			if act, err := parseActivation(layer.Activation); err != nil {
				return nil, invalidf("image_branch[%d]: %v", i, err)
			} else if act == softmax {
				return nil, invalidf("image_branch[%d]: softmax is only supported on the output layer", i)
			}
			shapes = append(shapes, []int{layer.KernelSize, layer.KernelSize, c, layer.Filters}, []int{layer.Filters})
			h, _ = spatialOutput(h, layer.KernelSize, layer.strides(), layer.padding())
			w, _ = spatialOutput(w, layer.KernelSize, layer.strides(), layer.padding())
			c = layer.Filters
		case LayerMaxPool2D:
			h, _ = spatialOutput(h, layer.poolSize(), layer.strides(), PaddingValid)
			w, _ = spatialOutput(w, layer.poolSize(), layer.strides(), PaddingValid)
		case LayerDropout:
		default:
			return nil, invalidf("image_branch[%d]: unsupported layer type %q", i, layer.Type)
		}
		if h <= 0 || w <= 0 {
			return nil, invalidf("image_branch[%d]: spatial dimensions collapse to %dx%d", i, h, w)
		}
	}

	denseShapes := func(name string, layers []LayerSpec, in int, last bool) (int, error) {
		for i, layer := range layers {
			switch layer.Type {
			case LayerDense:
				if layer.Units <= 0 {
					return 0, invalidf("%s[%d]: units must be positive", name, i)
				}
				act, err := parseActivation(layer.Activation)
				if err != nil {
					return 0, invalidf("%s[%d]: %v", name, i, err)
				}
				isOutput := last && i == len(layers)-1
				if act == softmax && !isOutput {
					return 0, invalidf("%s[%d]: softmax is only supported on the output layer", name, i)
				}
				if isOutput && act != softmax {
					return 0, invalidf("%s[%d]: output layer must use softmax", name, i)
				}
				shapes = append(shapes, []int{in, layer.Units}, []int{layer.Units})
				in = layer.Units
			case LayerDropout:
				if isOutput := last && i == len(layers)-1; isOutput {
					return 0, invalidf("%s[%d]: output layer must be dense", name, i)
				}
			default:
				return 0, invalidf("%s[%d]: unsupported layer type %q", name, i, layer.Type)
			}
		}
		return in, nil
	}

	headOut, err := denseShapes("image_head", a.ImageHead, c, false)
	if err != nil {
		return nil, err
	}
	tabOut, err := denseShapes("tabular_branch", a.TabularBranch, a.TabularInput, false)
	if err != nil {
		return nil, err
	}
	if _, err := denseShapes("combined", a.Combined, headOut+tabOut, true); err != nil {
		return nil, err
	}

	return shapes, nil
}
