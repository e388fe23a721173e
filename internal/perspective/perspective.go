// Package perspective flattens a photographed quadrilateral into an upright rectangle.
package perspective

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"math"

	"github.com/slurp-tools/slurp/internal/images"
	"github.com/slurp-tools/slurp/internal/models"
)

// MaxSide bounds either side of a corrected image
const MaxSide = images.MaxSide

var (
	ErrInvalidPoints = errors.New("exactly 4 corner points are required")
	ErrDegenerate    = errors.New("corner points do not form a quadrilateral")
	ErrTooLarge      = errors.New("corrected image would be too large")
)

// OutputSize returns the width and height of the rectangle the quad p0..p3
// (top-left, top-right, bottom-right, bottom-left) is mapped onto.
func OutputSize(pts []models.Point) (int, int, error) {
	if len(pts) != 4 {
		return 0, 0, fmt.Errorf("%w, got %d", ErrInvalidPoints, len(pts))
	}
	w := math.Max(dist(pts[0], pts[1]), dist(pts[2], pts[3]))
	h := math.Max(dist(pts[0], pts[3]), dist(pts[1], pts[2]))
	width, height := int(w), int(h)
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("%w: output size %dx%d", ErrDegenerate, width, height)
	}
	if err := images.CheckSize(width, height); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrTooLarge, err)
	}
	return width, height, nil
}

// Correct warps the quad described by pts in src onto an upright rectangle.
// Points are absolute pixel coordinates in src, ordered top-left, top-right,
// bottom-right, bottom-left. Samples falling outside src are black.
func Correct(src image.Image, pts []models.Point) (*image.NRGBA, error) {
	width, height, err := OutputSize(pts)
	if err != nil {
		return nil, err
	}

	dstCorners := [4][2]float64{{0, 0}, {float64(width), 0}, {float64(width), float64(height)}, {0, float64(height)}}
	var srcCorners [4][2]float64
	for i, p := range pts {
		srcCorners[i] = [2]float64{float64(p[0]), float64(p[1])}
	}

	h, err := solveHomography(dstCorners, srcCorners)
	if err != nil {
		return nil, err
	}

	in := toNRGBA(src)
	out := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			px := out.Pix[out.PixOffset(x, y):]
			sx, sy, ok := h.apply(float64(x)+0.5, float64(y)+0.5)
			if !ok {
				px[3] = 0xff
				continue
			}
			sample(in, sx, sy, px)
		}
	}
	return out, nil
}

func dist(a, b models.Point) float64 {
	return math.Hypot(float64(a[0]-b[0]), float64(a[1]-b[1]))
}

// matrix is a row-major 3x3 projective transform with h[8] fixed at 1
type matrix [9]float64

func (m matrix) apply(x, y float64) (float64, float64, bool) {
	w := m[6]*x + m[7]*y + m[8]
	if math.Abs(w) < 1e-12 {
		return 0, 0, false
	}
	return (m[0]*x + m[1]*y + m[2]) / w, (m[3]*x + m[4]*y + m[5]) / w, true
}

// solveHomography finds the transform taking each from[i] to to[i]
func solveHomography(from, to [4][2]float64) (matrix, error) {
	var a [8][9]float64
	for i := 0; i < 4; i++ {
		x, y := from[i][0], from[i][1]
		u, v := to[i][0], to[i][1]
		a[2*i] = [9]float64{x, y, 1, 0, 0, 0, -u * x, -u * y, u}
		a[2*i+1] = [9]float64{0, 0, 0, x, y, 1, -v * x, -v * y, v}
	}

	for col := 0; col < 8; col++ {
		pivot := col
		for r := col + 1; r < 8; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-9 {
			return matrix{}, ErrDegenerate
		}
		a[col], a[pivot] = a[pivot], a[col]

		for r := 0; r < 8; r++ {
			if r == col {
				continue
			}
			f := a[r][col] / a[col][col]
			for c := col; c < 9; c++ {
				a[r][c] -= f * a[col][c]
			}
		}
	}

	var m matrix
	for i := 0; i < 8; i++ {
		m[i] = a[i][8] / a[i][i]
	}
	m[8] = 1
	return m, nil
}

func toNRGBA(src image.Image) *image.NRGBA {
	if img, ok := src.(*image.NRGBA); ok {
		return img
	}
	b := src.Bounds()
	dst := image.NewNRGBA(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)
	return dst
}

// sample writes the bilinear interpolation of img at (x, y) into px[0:4]
func sample(img *image.NRGBA, x, y float64, px []uint8) {
	b := img.Bounds()
	// pixel centres sit at +0.5
	x -= 0.5
	y -= 0.5
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	fx, fy := x-float64(x0), y-float64(y0)

	var acc [4]float64
	var weight float64
	for _, c := range [4]struct {
		dx, dy int
		w      float64
	}{
		{0, 0, (1 - fx) * (1 - fy)},
		{1, 0, fx * (1 - fy)},
		{0, 1, (1 - fx) * fy},
		{1, 1, fx * fy},
	} {
		if c.w == 0 {
			continue
		}
		p := image.Point{X: x0 + c.dx, Y: y0 + c.dy}
		weight += c.w
		if !p.In(b) {
			// opaque black
			acc[3] += 255 * c.w
			continue
		}
		off := img.PixOffset(p.X, p.Y)
		for i := 0; i < 4; i++ {
			acc[i] += float64(img.Pix[off+i]) * c.w
		}
	}
	if weight == 0 {
		return
	}
	for i := 0; i < 4; i++ {
		px[i] = uint8(math.Round(math.Min(255, acc[i]/weight)))
	}
}
