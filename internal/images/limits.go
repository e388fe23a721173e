package images

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
)

const (
	// MaxSide bounds either side of an image the server decodes or produces
	MaxSide = 20000
	// MaxPixels bounds the area of an image; 50 megapixels is about 200 MB as NRGBA
	MaxPixels = 50_000_000
)

// ErrTooManyPixels is returned for images whose dimensions exceed MaxSide or MaxPixels
var ErrTooManyPixels = errors.New("image dimensions too large")

// CheckSize reports whether a width x height image fits the pixel limits
func CheckSize(width, height int) error {
	if width > MaxSide || height > MaxSide {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels per side", ErrTooManyPixels, width, height, MaxSide)
	}
	if int64(width)*int64(height) > MaxPixels {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooManyPixels, width, height, MaxPixels)
	}
	return nil
}

// Decode reads only the header of data to check its dimensions before decoding
// the pixels, so an oversized image is rejected without allocating it.
func Decode(data []byte) (image.Image, string, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", err
	}
	if err := CheckSize(cfg.Width, cfg.Height); err != nil {
		return nil, "", err
	}
	return image.Decode(bytes.NewReader(data))
}

// DecodeReader buffers r and decodes it with Decode
func DecodeReader(r io.Reader) (image.Image, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", err
	}
	return Decode(data)
}
