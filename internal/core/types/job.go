package types

import (
	"fmt"
	"time"
)

// Image is a decoded 8-bit RGB image with interleaved channels, stored row
// major.
type Image struct {
	Height int     `json:"height"`
	Width  int     `json:"width"`
	Pix    []uint8 `json:"pix"`
}

func (img Image) Validate() error {
	if img.Height <= 0 || img.Width <= 0 {
		return fmt.Errorf("invalid image dimensions %dx%d", img.Width, img.Height)
	}
	if len(img.Pix) != img.Height*img.Width*3 {
		return fmt.Errorf("image buffer has %d bytes, expected %d for %dx%d rgb", len(img.Pix), img.Height*img.Width*3, img.Width, img.Height)
	}
	return nil
}

type JobParams struct {
	Image        Image  `json:"image"`
	Age          int    `json:"age"`
	Sex          string `json:"sex"`
	Localization string `json:"localization"`
}

// Job is one queued prediction request. Id is the primary key of the request
// record the results are written back to.
type Job struct {
	Id         int64     `json:"id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Params     JobParams `json:"params"`
}
