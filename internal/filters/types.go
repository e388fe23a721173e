package filters

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/gift"
	"github.com/slurp-tools/slurp/internal/images"
	"github.com/slurp-tools/slurp/internal/models"
)

const (
	// MaxKernelSize bounds the window of the local statistics filters
	MaxKernelSize = 101
	// MaxSigma bounds blur radii; gift allocates a kernel of about 6*sigma taps
	MaxSigma = 250
)

func inRange(name string, v, lo, hi float32) error {
	if v < lo || v > hi || math.IsNaN(float64(v)) {
		return fmt.Errorf("%s must be between %g and %g, got %g", name, lo, hi, v)
	}
	return nil
}

func positive(name string, v float32) error {
	if !(v > 0) {
		return fmt.Errorf("%s must be greater than 0, got %g", name, v)
	}
	return nil
}

func checkSigma(v float32) error {
	if !(v > 0) || v > MaxSigma {
		return fmt.Errorf("sigma must be greater than 0 and at most %d, got %g", MaxSigma, v)
	}
	return nil
}

// Resize scales the image. A zero side is derived from the other to keep the aspect ratio.
type Resize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (f Resize) Validate() error {
	if f.Width < 0 || f.Height < 0 {
		return fmt.Errorf("resize dimensions must not be negative, got %dx%d", f.Width, f.Height)
	}
	if f.Width == 0 && f.Height == 0 {
		return fmt.Errorf("resize needs a width or a height")
	}
	return images.CheckSize(f.Width, f.Height)
}

func (f Resize) Gift() gift.Filter {
	return gift.Resize(f.Width, f.Height, gift.LanczosResampling)
}

// Crop keeps the given rectangle of the source
type Crop struct {
	models.CropRect
}

func (f Crop) Validate() error {
	if f.X < 0 || f.Y < 0 {
		return fmt.Errorf("crop origin must not be negative, got (%d,%d)", f.X, f.Y)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("crop size must be positive, got %dx%d", f.Width, f.Height)
	}
	return nil
}

func (f Crop) rect() image.Rectangle {
	return image.Rect(f.X, f.Y, f.X+f.Width, f.Y+f.Height)
}

func (f Crop) CheckBounds(b image.Rectangle) error {
	if !f.rect().Overlaps(b) {
		return fmt.Errorf("crop %v lies outside the %dx%d image", f.rect(), b.Dx(), b.Dy())
	}
	return nil
}

func (f Crop) Gift() gift.Filter {
	return gift.Crop(f.rect())
}

// Rotate turns the image counter-clockwise by Angle degrees over a transparent background
type Rotate struct {
	Angle         float32 `json:"angle"`
	Interpolation string  `json:"interpolation"`
}

func (f Rotate) Validate() error {
	if math.IsNaN(float64(f.Angle)) || math.IsInf(float64(f.Angle), 0) {
		return fmt.Errorf("rotate angle must be finite")
	}
	switch f.Interpolation {
	case "", "nearest", "linear", "cubic":
		return nil
	}
	return fmt.Errorf("unknown interpolation %q, expected nearest, linear or cubic", f.Interpolation)
}

func (f Rotate) Gift() gift.Filter {
	interp := gift.CubicInterpolation
	switch f.Interpolation {
	case "nearest":
		interp = gift.NearestNeighborInterpolation
	case "linear":
		interp = gift.LinearInterpolation
	}
	return gift.Rotate(f.Angle, color.Transparent, interp)
}

type Brightness struct {
	Percentage float32 `json:"percentage"`
}

func (f Brightness) Validate() error   { return inRange("brightness", f.Percentage, -100, 100) }
func (f Brightness) Gift() gift.Filter { return gift.Brightness(f.Percentage) }

type Contrast struct {
	Percentage float32 `json:"percentage"`
}

func (f Contrast) Validate() error   { return inRange("contrast", f.Percentage, -100, 100) }
func (f Contrast) Gift() gift.Filter { return gift.Contrast(f.Percentage) }

type Saturation struct {
	Percentage float32 `json:"percentage"`
}

func (f Saturation) Validate() error   { return inRange("saturation", f.Percentage, -100, 500) }
func (f Saturation) Gift() gift.Filter { return gift.Saturation(f.Percentage) }

type Gamma struct {
	Gamma float32 `json:"gamma"`
}

func (f Gamma) Validate() error   { return positive("gamma", f.Gamma) }
func (f Gamma) Gift() gift.Filter { return gift.Gamma(f.Gamma) }

type GaussianBlur struct {
	Sigma float32 `json:"sigma"`
}

func (f GaussianBlur) Validate() error   { return checkSigma(f.Sigma) }
func (f GaussianBlur) Gift() gift.Filter { return gift.GaussianBlur(f.Sigma) }

type UnsharpMask struct {
	Sigma     float32 `json:"sigma"`
	Amount    float32 `json:"amount"`
	Threshold float32 `json:"threshold"`
}

func (f UnsharpMask) Validate() error {
	if err := checkSigma(f.Sigma); err != nil {
		return err
	}
	if f.Amount < 0 || f.Threshold < 0 {
		return fmt.Errorf("unsharpmask amount and threshold must not be negative")
	}
	return nil
}

func (f UnsharpMask) Gift() gift.Filter { return gift.UnsharpMask(f.Sigma, f.Amount, f.Threshold) }

// Sigmoid changes contrast along an S-curve centred on Midpoint
type Sigmoid struct {
	Midpoint float32 `json:"midpoint"`
	Factor   float32 `json:"factor"`
}

func (f Sigmoid) Validate() error {
	if err := inRange("midpoint", f.Midpoint, 0, 1); err != nil {
		return err
	}
	if f.Factor == 0 || math.IsNaN(float64(f.Factor)) {
		return fmt.Errorf("sigmoid factor must be non-zero")
	}
	return nil
}

func (f Sigmoid) Gift() gift.Filter { return gift.Sigmoid(f.Midpoint, f.Factor) }

type Pixelate struct {
	Size int `json:"size"`
}

func (f Pixelate) Validate() error {
	if f.Size <= 0 || f.Size > images.MaxSide {
		return fmt.Errorf("pixelate size must be between 1 and %d, got %d", images.MaxSide, f.Size)
	}
	return nil
}

func (f Pixelate) Gift() gift.Filter { return gift.Pixelate(f.Size) }

type Colorize struct {
	Hue        float32 `json:"hue"`
	Saturation float32 `json:"saturation"`
	Percentage float32 `json:"percentage"`
}

func (f Colorize) Validate() error {
	if err := inRange("hue", f.Hue, 0, 360); err != nil {
		return err
	}
	if err := inRange("saturation", f.Saturation, 0, 100); err != nil {
		return err
	}
	return inRange("percentage", f.Percentage, 0, 100)
}

func (f Colorize) Gift() gift.Filter { return gift.Colorize(f.Hue, f.Saturation, f.Percentage) }

type Sepia struct {
	Percentage float32 `json:"percentage"`
}

func (f Sepia) Validate() error   { return inRange("sepia", f.Percentage, 0, 100) }
func (f Sepia) Gift() gift.Filter { return gift.Sepia(f.Percentage) }

// Kernel holds the parameters shared by the local statistics filters.
// Even sizes are rounded down by gift.
type Kernel struct {
	Size int  `json:"size"`
	Disk bool `json:"disk"`
}

func (k Kernel) Validate() error {
	if k.Size <= 0 || k.Size > MaxKernelSize {
		return fmt.Errorf("kernel size must be between 1 and %d, got %d", MaxKernelSize, k.Size)
	}
	return nil
}

type Mean struct{ Kernel }

func (f Mean) Gift() gift.Filter { return gift.Mean(f.Size, f.Disk) }

type Median struct{ Kernel }

func (f Median) Gift() gift.Filter { return gift.Median(f.Size, f.Disk) }

type Minimum struct{ Kernel }

func (f Minimum) Gift() gift.Filter { return gift.Minimum(f.Size, f.Disk) }

type Maximum struct{ Kernel }

func (f Maximum) Gift() gift.Filter { return gift.Maximum(f.Size, f.Disk) }

type Hue struct {
	Shift float32 `json:"shift"`
}

func (f Hue) Validate() error   { return inRange("hue shift", f.Shift, -180, 180) }
func (f Hue) Gift() gift.Filter { return gift.Hue(f.Shift) }

type ColorBalance struct {
	Red   float32 `json:"red"`
	Green float32 `json:"green"`
	Blue  float32 `json:"blue"`
}

func (f ColorBalance) Validate() error {
	for _, c := range []struct {
		name string
		v    float32
	}{{"red", f.Red}, {"green", f.Green}, {"blue", f.Blue}} {
		if err := inRange(c.name, c.v, -100, 500); err != nil {
			return err
		}
	}
	return nil
}

func (f ColorBalance) Gift() gift.Filter { return gift.ColorBalance(f.Red, f.Green, f.Blue) }

type Grayscale struct{}

func (Grayscale) Gift() gift.Filter { return gift.Grayscale() }

type Invert struct{}

func (Invert) Gift() gift.Filter { return gift.Invert() }

type Rotate90 struct{}

func (Rotate90) Gift() gift.Filter { return gift.Rotate90() }

type Rotate180 struct{}

func (Rotate180) Gift() gift.Filter { return gift.Rotate180() }

type Rotate270 struct{}

func (Rotate270) Gift() gift.Filter { return gift.Rotate270() }

type FlipH struct{}

func (FlipH) Gift() gift.Filter { return gift.FlipHorizontal() }

type FlipV struct{}

func (FlipV) Gift() gift.Filter { return gift.FlipVertical() }

const (
	scanWhite = 200.0 / 255
	scanBlack = 80.0 / 255
)

// Scanify pushes light pixels to white and dark pixels to black, leaving mid tones
type Scanify struct{}

func (Scanify) Gift() gift.Filter {
	return gift.ColorFunc(func(r, g, b, a float32) (float32, float32, float32, float32) {
		y := 0.299*r + 0.587*g + 0.114*b
		switch {
		case y > scanWhite:
			return 1, 1, 1, a
		case y < scanBlack:
			return 0, 0, 0, a
		}
		return r, g, b, a
	})
}
