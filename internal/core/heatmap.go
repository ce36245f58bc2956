package core

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	"skinscan-backend/internal/core/types"

	"github.com/anthonynsimon/bild/blend"
	"github.com/anthonynsimon/bild/transform"
)

const heatmapOpacity = 0.4

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// jet maps v in [0, 1] from blue through green to red.
func jet(v float64) color.RGBA {
	r := clamp01(1.5 - math.Abs(4*v-3))
	g := clamp01(1.5 - math.Abs(4*v-2))
	b := clamp01(1.5 - math.Abs(4*v-1))
	return color.RGBA{R: uint8(math.Round(r * 255)), G: uint8(math.Round(g * 255)), B: uint8(math.Round(b * 255)), A: 255}
}

func toRGBA(img types.Image) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	for i := 0; i < img.Width*img.Height; i++ {
		copy(out.Pix[i*4:i*4+3], img.Pix[i*3:i*3+3])
		out.Pix[i*4+3] = 255
	}
	return out
}

// RenderHeatmap upsamples a height x width saliency map to the size of the
// original image, colorizes it and overlays it on the image as a PNG.
func RenderHeatmap(original types.Image, cam []float64, height, width int) ([]byte, error) {
	if err := original.Validate(); err != nil {
		return nil, err
	}
	if len(cam) != height*width {
		return nil, fmt.Errorf("saliency map has %d values, expected %dx%d", len(cam), height, width)
	}

	gray := image.NewGray(image.Rect(0, 0, width, height))
	for i, v := range cam {
		gray.Pix[i] = uint8(math.Round(clamp01(v) * 255))
	}

	resized := transform.Resize(gray, original.Width, original.Height, transform.Linear)

	colored := image.NewRGBA(resized.Bounds())
	for y := 0; y < original.Height; y++ {
		for x := 0; x < original.Width; x++ {
			colored.SetRGBA(x, y, jet(float64(resized.RGBAAt(x, y).R)/255))
		}
	}

	overlay := blend.Opacity(toRGBA(original), colored, heatmapOpacity)

	var buf bytes.Buffer
	if err := png.Encode(&buf, overlay); err != nil {
		return nil, fmt.Errorf("error encoding heatmap: %w", err)
	}
	return buf.Bytes(), nil
}
