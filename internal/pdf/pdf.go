// Package pdf assembles uploaded images into a PDF with one image per page.
package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"sync"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"github.com/slurp-tools/slurp/internal/images"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"
)

// DefaultLayout scales each page to its image
const DefaultLayout = "pos:full"

var (
	// ErrNoImages is returned when Build is called without input
	ErrNoImages = errors.New("no images given")

	// ErrInvalidImage is returned when an input cannot be decoded or exceeds the pixel limits
	ErrInvalidImage = errors.New("invalid image")
)

// Options controls page layout
type Options struct {
	// Layout is a pdfcpu import description such as "f:A4, pos:c, sc:0.9"
	Layout string
	// Workers bounds concurrent decoding; 0 means one per input
	Workers int
}

var disableConfigDir sync.Once

// Build writes a PDF to w containing the images read from inputs, in order.
// Inputs may be in any format the server accepts; they are normalized to JPEG,
// or PNG when they carry transparency.
func Build(ctx context.Context, inputs []io.Reader, w io.Writer, opts Options) error {
	if len(inputs) == 0 {
		return ErrNoImages
	}
	disableConfigDir.Do(pdfapi.DisableConfigDir)

	layout := opts.Layout
	if layout == "" {
		layout = DefaultLayout
	}
	imp, err := pdfcpu.ParseImportDetails(layout, types.POINTS)
	if err != nil {
		return fmt.Errorf("invalid page layout %q: %w", layout, err)
	}

	pages := make([]io.Reader, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	}
	for i, r := range inputs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			page, err := normalize(r)
			if err != nil {
				return fmt.Errorf("image %d: %w", i+1, err)
			}
			pages[i] = page
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	conf := model.NewDefaultConfiguration()
	if err := pdfapi.ImportImages(nil, w, pages, imp, conf); err != nil {
		return fmt.Errorf("failed to build pdf: %w", err)
	}
	slog.Debug("Built pdf", "pages", len(pages), "layout", layout)
	return nil
}

func normalize(r io.Reader) (io.Reader, error) {
	img, _, err := images.DecodeReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}

	var buf bytes.Buffer
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95})
	} else {
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, fmt.Errorf("could not encode page: %w", err)
	}
	return &buf, nil
}
