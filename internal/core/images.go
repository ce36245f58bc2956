package core

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"skinscan-backend/internal/core/types"
)

var (
	ErrInvalidImage     = errors.New("invalid image")
	ErrUnsupportedImage = errors.New("unsupported image")
)

// DecodeImage decodes a PNG or JPEG upload into an RGB pixel buffer. Images
// with an alpha channel, a palette or fewer than three color channels are
// rejected.
func DecodeImage(data []byte) (types.Image, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return types.Image{}, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	if format != "png" && format != "jpeg" {
		return types.Image{}, fmt.Errorf("%w: format %s", ErrUnsupportedImage, format)
	}

	switch img.(type) {
	case *image.RGBA, *image.RGBA64, *image.YCbCr:
	default:
		return types.Image{}, fmt.Errorf("%w: image must have 3 color channels (RGB), got %T", ErrUnsupportedImage, img)
	}

	bounds := img.Bounds()
	out := types.Image{
		Height: bounds.Dy(),
		Width:  bounds.Dx(),
		Pix:    make([]uint8, bounds.Dx()*bounds.Dy()*3),
	}
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			out.Pix[i], out.Pix[i+1], out.Pix[i+2] = uint8(r>>8), uint8(g>>8), uint8(b>>8)
			i += 3
		}
	}
	return out, nil
}
