package core

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"skinscan-backend/internal/core/types"

	"github.com/x448/float16"
)

var ErrSchemaMismatch = errors.New("feature schema mismatch")

const (
	EncodingNumeric    = "numeric"
	EncodingLabel      = "label"
	EncodingBinaryMale = "binary_male"
)

type FeatureSpec struct {
	Name     string `json:"name"`
	Encoding string `json:"encoding"`
}

// FeatureSchema records the order and encoding of the tabular columns a model
// was trained with.
type FeatureSchema struct {
	Version  int           `json:"version"`
	Features []FeatureSpec `json:"features"`
}

func DefaultFeatureSchema() FeatureSchema {
	return FeatureSchema{
		Version: 1,
		Features: []FeatureSpec{
			{Name: "age", Encoding: EncodingNumeric},
			{Name: "localization", Encoding: EncodingLabel},
			{Name: "sex", Encoding: EncodingBinaryMale},
		},
	}
}

func (s FeatureSchema) Names() []string {
	names := make([]string, len(s.Features))
	for i, f := range s.Features {
		names[i] = f.Name
	}
	return names
}

// ImageBatch is a stacked (N, H, W, 3) tensor of normalized pixels kept in
// half precision.
type ImageBatch struct {
	Count, Height, Width int
	Data                 []float16.Float16
}

func (b ImageBatch) Shape() []int {
	return []int{b.Count, b.Height, b.Width, 3}
}

func (b ImageBatch) Item(i int) []float32 {
	size := b.Height * b.Width * 3
	item := make([]float32, size)
	for j, v := range b.Data[i*size : (i+1)*size] {
		item[j] = v.Float32()
	}
	return item
}

type FeatureBatch struct {
	Images  ImageBatch
	Tabular [][]float32
}

func (b FeatureBatch) Len() int {
	return b.Images.Count
}

type areaWeight struct {
	index  int
	weight float64
}

// areaWeights computes, for every output position, the source positions it
// covers and their fractional overlap.
func areaWeights(in, out int) [][]areaWeight {
	scale := float64(in) / float64(out)
	weights := make([][]areaWeight, out)
	for o := range weights {
		start, end := float64(o)*scale, float64(o+1)*scale
		for i := int(start); i < in && float64(i) < end; i++ {
			w := math.Min(float64(i+1), end) - math.Max(float64(i), start)
			if w > 1e-12 {
				weights[o] = append(weights[o], areaWeight{index: i, weight: w / scale})
			}
		}
	}
	return weights
}

// ResizeArea resamples img to height x width by averaging every source pixel
// weighted by the area it shares with the destination pixel. The result is
// interleaved RGB in [0, 255].
func ResizeArea(img types.Image, height, width int) []float64 {
	ys, xs := areaWeights(img.Height, height), areaWeights(img.Width, width)

	out := make([]float64, height*width*3)
	for oy, wy := range ys {
		for ox, wx := range xs {
			var r, g, b float64
			for _, y := range wy {
				row := img.Pix[y.index*img.Width*3:]
				for _, x := range wx {
					w := y.weight * x.weight
					p := row[x.index*3 : x.index*3+3]
					r += w * float64(p[0])
					g += w * float64(p[1])
					b += w * float64(p[2])
				}
			}
			o := out[(oy*width+ox)*3:]
			o[0], o[1], o[2] = r, g, b
		}
	}
	return out
}

// NormalizePixel maps [0, 255] to [-1, 1].
func NormalizePixel(v float64) float16.Float16 {
	return float16.Fromfloat32(float32(v/127.5 - 1.0))
}

// FeaturePipeline turns raw jobs into model inputs using the preprocessing
// objects that were loaded with the active model.
type FeaturePipeline struct {
	height, width int
	scaler        *StandardScaler
	localization  *LabelEncoder
	schema        FeatureSchema
}

func NewFeaturePipeline(height, width int, scaler *StandardScaler, localization *LabelEncoder, schema FeatureSchema) (*FeaturePipeline, error) {
	p := &FeaturePipeline{height: height, width: width, scaler: scaler, localization: localization, schema: schema}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks that the model's feature schema is the one this pipeline
// produces and that the loaded encoders agree with it.
func (p *FeaturePipeline) Validate() error {
	expected := DefaultFeatureSchema()
	if len(p.schema.Features) != len(expected.Features) {
		return fmt.Errorf("%w: model expects features %v, pipeline produces %v", ErrSchemaMismatch, p.schema.Names(), expected.Names())
	}
	for i, f := range p.schema.Features {
		if f != expected.Features[i] {
			return fmt.Errorf("%w: feature %d is %s/%s, pipeline produces %s/%s", ErrSchemaMismatch, i, f.Name, f.Encoding, expected.Features[i].Name, expected.Features[i].Encoding)
		}
	}
	if p.scaler == nil || p.scaler.Width() != len(expected.Features) {
		return fmt.Errorf("%w: scaler does not cover %d features", ErrSchemaMismatch, len(expected.Features))
	}
	if p.localization == nil || len(p.localization.Classes) == 0 {
		return fmt.Errorf("%w: localization encoder has no classes", ErrSchemaMismatch)
	}
	if p.height <= 0 || p.width <= 0 {
		return fmt.Errorf("%w: invalid input size %dx%d", ErrSchemaMismatch, p.width, p.height)
	}
	return nil
}

func (p *FeaturePipeline) FeatureNames() []string {
	return p.schema.Names()
}

func (p *FeaturePipeline) InputSize() (int, int) {
	return p.height, p.width
}

func (p *FeaturePipeline) TransformImages(jobs []types.Job) (ImageBatch, error) {
	size := p.height * p.width * 3
	batch := ImageBatch{Count: len(jobs), Height: p.height, Width: p.width, Data: make([]float16.Float16, len(jobs)*size)}

	for i, job := range jobs {
		if err := job.Params.Image.Validate(); err != nil {
			return ImageBatch{}, fmt.Errorf("job %d: %w", job.Id, err)
		}
		resized := ResizeArea(job.Params.Image, p.height, p.width)
		dst := batch.Data[i*size : (i+1)*size]
		for j, v := range resized {
			dst[j] = NormalizePixel(v)
		}
	}
	return batch, nil
}

func (p *FeaturePipeline) TransformTabular(jobs []types.Job) ([][]float32, error) {
	rows := make([][]float32, len(jobs))
	for i, job := range jobs {
		code, err := p.localization.Transform(job.Params.Localization)
		if err != nil {
			return nil, fmt.Errorf("job %d: error encoding localization: %w", job.Id, err)
		}
		male := 0.0
		if strings.EqualFold(job.Params.Sex, "male") {
			male = 1.0
		}

		scaled, err := p.scaler.Transform([]float64{float64(job.Params.Age), float64(code), male})
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", job.Id, err)
		}

		row := make([]float32, len(scaled))
		for j, v := range scaled {
			row[j] = float32(v)
		}
		rows[i] = row
	}
	return rows, nil
}

// Transform builds the image and tabular inputs for jobs. Index i of every
// output refers to jobs[i]. Any failure fails the whole batch.
func (p *FeaturePipeline) Transform(jobs []types.Job) (FeatureBatch, error) {
	images, err := p.TransformImages(jobs)
	if err != nil {
		return FeatureBatch{}, fmt.Errorf("error transforming images: %w", err)
	}
	tabular, err := p.TransformTabular(jobs)
	if err != nil {
		return FeatureBatch{}, fmt.Errorf("error transforming tabular features: %w", err)
	}
	return FeatureBatch{Images: images, Tabular: tabular}, nil
}
