package filters

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"sort"

	"github.com/disintegration/gift"
	"github.com/slurp-tools/slurp/internal/images"
	"github.com/slurp-tools/slurp/internal/models"
)

var (
	// ErrUnknownFilter is returned for filter names missing from the registry
	ErrUnknownFilter = errors.New("unknown filter")

	// ErrInvalidParams is returned when filter parameters fail to decode or validate
	ErrInvalidParams = errors.New("invalid filter parameters")
)

// Filter is a validated image transformation backed by gift
type Filter interface {
	Gift() gift.Filter
}

// Validator is implemented by filters with parameter ranges
type Validator interface {
	Validate() error
}

// BoundsChecker is implemented by filters that depend on the size of their input
type BoundsChecker interface {
	CheckBounds(b image.Rectangle) error
}

type factory func(json.RawMessage) (Filter, error)

var registry = map[string]factory{
	"resize":       decode[Resize],
	"crop":         decode[Crop],
	"rotate":       decode[Rotate],
	"brightness":   decode[Brightness],
	"contrast":     decode[Contrast],
	"saturation":   decode[Saturation],
	"gamma":        decode[Gamma],
	"gaussianblur": decode[GaussianBlur],
	"unsharpmask":  decode[UnsharpMask],
	"sigmoid":      decode[Sigmoid],
	"pixelate":     decode[Pixelate],
	"colorize":     decode[Colorize],
	"sepia":        decode[Sepia],
	"mean":         decode[Mean],
	"median":       decode[Median],
	"minimum":      decode[Minimum],
	"maximum":      decode[Maximum],
	"hue":          decode[Hue],
	"colorbalance": decode[ColorBalance],
	"grayscale":    decode[Grayscale],
	"invert":       decode[Invert],
	"rotate90":     decode[Rotate90],
	"rotate180":    decode[Rotate180],
	"rotate270":    decode[Rotate270],
	"fliph":        decode[FlipH],
	"flipv":        decode[FlipV],
	"scanify":      decode[Scanify],
}

func decode[T Filter](params json.RawMessage) (Filter, error) {
	var v T
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Names returns the registered filter names in sorted order
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create builds and validates a single filter from its request form
func Create(fr models.FilterRequest) (Filter, error) {
	build, ok := registry[fr.Filter]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFilter, fr.Filter)
	}

	f, err := build(fr.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidParams, fr.Filter, err)
	}

	if v, ok := f.(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
	}

	return f, nil
}

// Pipeline is an ordered list of filters applied in a single gift pass
type Pipeline struct {
	names   []string
	filters []Filter
}

// Parse validates every request and returns the pipeline they describe
func Parse(requests []models.FilterRequest) (*Pipeline, error) {
	if len(requests) == 0 {
		return nil, fmt.Errorf("%w: no filters given", ErrInvalidParams)
	}

	p := &Pipeline{
		names:   make([]string, 0, len(requests)),
		filters: make([]Filter, 0, len(requests)),
	}
	for _, fr := range requests {
		f, err := Create(fr)
		if err != nil {
			return nil, err
		}
		p.names = append(p.names, fr.Filter)
		p.filters = append(p.filters, f)
	}
	return p, nil
}

// Names returns the filter names in pipeline order
func (p *Pipeline) Names() []string {
	return p.names
}

// Apply renders src through the pipeline into a new image anchored at the origin
func (p *Pipeline) Apply(src image.Image) (image.Image, error) {
	src = toOrigin(src)

	gifts := make([]gift.Filter, 0, len(p.filters))
	bounds := src.Bounds()
	for i, f := range p.filters {
		if c, ok := f.(BoundsChecker); ok {
			if err := c.CheckBounds(bounds); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
			}
		}
		gf := f.Gift()
		bounds = gf.Bounds(bounds)
		if bounds.Empty() {
			return nil, fmt.Errorf("%w: %s produces an empty image", ErrInvalidParams, p.names[i])
		}
		if err := images.CheckSize(bounds.Dx(), bounds.Dy()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidParams, p.names[i], err)
		}
		gifts = append(gifts, gf)
	}

	g := gift.New(gifts...)
	dst := image.NewNRGBA(g.Bounds(src.Bounds()))
	g.Draw(dst, src)
	return dst, nil
}

// ScanRequests is the cleanup applied after perspective correction of a document photo
var ScanRequests = []models.FilterRequest{
	{Filter: "grayscale"},
	{Filter: "scanify"},
	{Filter: "median", Params: json.RawMessage(`{"size": 3}`)},
	{Filter: "brightness", Params: json.RawMessage(`{"percentage": 15}`)},
	{Filter: "contrast", Params: json.RawMessage(`{"percentage": 60}`)},
	{Filter: "unsharpmask", Params: json.RawMessage(`{"sigma": 1.5, "amount": 1.0, "threshold": 0.5}`)},
}

// ScanPipeline returns the document cleanup pipeline
func ScanPipeline() *Pipeline {
	p, err := Parse(ScanRequests)
	if err != nil {
		panic(fmt.Sprintf("filters: scan pipeline: %v", err))
	}
	return p
}

func toOrigin(src image.Image) image.Image {
	b := src.Bounds()
	if b.Min == (image.Point{}) {
		return src
	}
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dst.Set(x, y, src.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}
