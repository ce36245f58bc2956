package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

type activation int

const (
	linear activation = iota
	relu
	sigmoid
	softmax
)

func parseActivation(name string) (activation, error) {
	switch name {
	case "", "linear":
		return linear, nil
	case "relu":
		return relu, nil
	case "sigmoid":
		return sigmoid, nil
	case "softmax":
		return softmax, nil
	default:
		return linear, fmt.Errorf("unsupported activation %q", name)
	}
}

func (a activation) apply(v []float64) {
	switch a {
	case relu:
		for i, x := range v {
			if x < 0 {
				v[i] = 0
			}
		}
	case sigmoid:
		for i, x := range v {
			v[i] = 1 / (1 + math.Exp(-x))
		}
	case softmax:
		m := math.Inf(-1)
		for _, x := range v {
			m = math.Max(m, x)
		}
		sum := 0.0
		for i, x := range v {
			v[i] = math.Exp(x - m)
			sum += v[i]
		}
		for i := range v {
			v[i] /= sum
		}
	}
}

// backward maps the gradient w.r.t. the activation output to the gradient
// w.r.t. its input, using only the output values.
func (a activation) backward(out, dOut []float64) []float64 {
	dIn := make([]float64, len(dOut))
	switch a {
	case linear:
		copy(dIn, dOut)
	case relu:
		for i, y := range out {
			if y > 0 {
				dIn[i] = dOut[i]
			}
		}
	case sigmoid:
		for i, y := range out {
			dIn[i] = dOut[i] * y * (1 - y)
		}
	case softmax:
		dot := 0.0
		for i, y := range out {
			dot += dOut[i] * y
		}
		for i, y := range out {
			dIn[i] = y * (dOut[i] - dot)
		}
	}
	return dIn
}

type spatialLayer interface {
	forward(x []float64, h, w, c int) ([]float64, int, int, int)
}

type conv2d struct {
	size, in, out, stride int
	padding               string
	kernel                []float64 // [size][size][in][out]
	bias                  []float64
	act                   activation
}

func (l *conv2d) forward(x []float64, h, w, c int) ([]float64, int, int, int) {
	oh, padT := spatialOutput(h, l.size, l.stride, l.padding)
	ow, padL := spatialOutput(w, l.size, l.stride, l.padding)

	y := make([]float64, oh*ow*l.out)
	for oy := 0; oy < oh; oy++ {
		for ox := 0; ox < ow; ox++ {
			o := y[(oy*ow+ox)*l.out : (oy*ow+ox+1)*l.out]
			copy(o, l.bias)
			for ky := 0; ky < l.size; ky++ {
				iy := oy*l.stride + ky - padT
				if iy < 0 || iy >= h {
					continue
				}
				for kx := 0; kx < l.size; kx++ {
					ix := ox*l.stride + kx - padL
					if ix < 0 || ix >= w {
						continue
					}
					pixel := x[(iy*w+ix)*c : (iy*w+ix+1)*c]
					base := (ky*l.size + kx) * c * l.out
					for ci, v := range pixel {
						if v == 0 {
							continue
						}
						k := l.kernel[base+ci*l.out : base+(ci+1)*l.out]
						for co := range o {
							o[co] += v * k[co]
						}
					}
				}
			}
			l.act.apply(o)
		}
	}
	return y, oh, ow, l.out
}

type maxPool2d struct {
	size, stride int
}

func (l *maxPool2d) forward(x []float64, h, w, c int) ([]float64, int, int, int) {
	oh, _ := spatialOutput(h, l.size, l.stride, PaddingValid)
	ow, _ := spatialOutput(w, l.size, l.stride, PaddingValid)

	y := make([]float64, oh*ow*c)
	for i := range y {
		y[i] = math.Inf(-1)
	}
	for oy := 0; oy < oh; oy++ {
		for ox := 0; ox < ow; ox++ {
			o := y[(oy*ow+ox)*c : (oy*ow+ox+1)*c]
			for ky := 0; ky < l.size; ky++ {
				for kx := 0; kx < l.size; kx++ {
					iy, ix := oy*l.stride+ky, ox*l.stride+kx
					pixel := x[(iy*w+ix)*c : (iy*w+ix+1)*c]
					for ci, v := range pixel {
						o[ci] = math.Max(o[ci], v)
					}
				}
			}
		}
	}
	return y, oh, ow, c
}

type dense struct {
	in, out int
	kernel  *mat.Dense // in x out
	bias    []float64
	act     activation
}

func (l *dense) forward(x []float64) []float64 {
	var y mat.VecDense
	y.MulVec(l.kernel.T(), mat.NewVecDense(l.in, x))

	out := make([]float64, l.out)
	for i := range out {
		out[i] = y.AtVec(i) + l.bias[i]
	}
	l.act.apply(out)
	return out
}

func (l *dense) forwardBatch(x *mat.Dense) *mat.Dense {
	n, _ := x.Dims()
	y := mat.NewDense(n, l.out, nil)
	y.Mul(x, l.kernel)
	for i := 0; i < n; i++ {
		row := y.RawRowView(i)
		for j := range row {
			row[j] += l.bias[j]
		}
		l.act.apply(row)
	}
	return y
}

// backward returns the gradient w.r.t. the layer input given the layer output
// and the gradient w.r.t. that output.
func (l *dense) backward(out, dOut []float64) []float64 {
	dPre := l.act.backward(out, dOut)

	var dx mat.VecDense
	dx.MulVec(l.kernel, mat.NewVecDense(l.out, dPre))

	dIn := make([]float64, l.in)
	for i := range dIn {
		dIn[i] = dx.AtVec(i)
	}
	return dIn
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
