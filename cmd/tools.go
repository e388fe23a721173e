package cmd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/slurp-tools/slurp/internal/models"
)

type tool struct {
	command string
	name    string
	summary string
}

var tools = []tool{
	{"resize", "Image Resize", "Change the width and height of an image"},
	{"crop", "Image Crop", "Cut a rectangle out of an image"},
	{"rotate", "Image Rotate", "Turn an image by any angle"},
	{"scan", "Scan Image", "Straighten a photographed document and clean it up"},
	{"pdf", "Images to PDF", "Put several images into one PDF, one page each"},
	{"undo", "Undo", "Step back to the previous version of an image"},
	{"redo", "Redo", "Step forward to the next version of an image"},
	{"history", "History", "Show the versions of an image"},
}

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the available image tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, t := range tools {
				fmt.Fprintf(w, "%s\t%s\t%s\n", t.command, t.name, t.summary)
			}
			return w.Flush()
		},
	}
}

func newFiltersCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "filters",
		Short: "List the filters the server can apply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := opts.client().Filters(cmd.Context())
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
}

func newResizeCmd(opts *clientOptions) *cobra.Command {
	var (
		flags         editFlags
		width, height int
	)

	cmd := &cobra.Command{
		Use:   "resize [image]",
		Short: "Resize an image",
		Long: `Uploads the image (or opens --id) and resizes it.

When only one of --width and --height is given the other follows the aspect
ratio of the current version.`,
		Example: `  slurp resize photo.jpg --width 800 -o small.png
  slurp resize --id 3f2a... --width 640 --height 480`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if width <= 0 && height <= 0 {
				return errors.New("--width or --height is required")
			}
			p := newPage(cmd, opts)
			defer p.close()
			ctx := cmd.Context()

			if err := p.open(ctx, flags.path(args), flags.id); err != nil {
				return err
			}
			w, h, err := scaleToFit(p.store.Snapshot().Dimensions, width, height)
			if err != nil {
				return err
			}
			err = p.apply(ctx, "Resize", func(ctx context.Context, id string) (models.ImageVersion, error) {
				return p.client.Resize(ctx, id, w, h)
			})
			if err != nil {
				return err
			}
			return p.finish(ctx, flags.output)
		},
	}

	flags.register(cmd)
	cmd.Flags().IntVarP(&width, "width", "W", 0, "Target width in pixels")
	cmd.Flags().IntVarP(&height, "height", "H", 0, "Target height in pixels")

	return cmd
}

// scaleToFit fills in a missing side from the aspect ratio of dims
func scaleToFit(dims *models.Dimensions, width, height int) (int, int, error) {
	if width > 0 && height > 0 {
		return width, height, nil
	}
	if dims == nil || dims.Width == 0 || dims.Height == 0 {
		return 0, 0, errors.New("image size unknown, give both --width and --height")
	}
	ratio := float64(dims.Width) / float64(dims.Height)
	if width <= 0 {
		width = max(1, int(math.Round(float64(height)*ratio)))
	} else {
		height = max(1, int(math.Round(float64(width)/ratio)))
	}
	return width, height, nil
}

func newCropCmd(opts *clientOptions) *cobra.Command {
	var (
		flags editFlags
		rect  models.CropRect
	)

	cmd := &cobra.Command{
		Use:     "crop [image]",
		Short:   "Crop an image",
		Example: `  slurp crop scan.png --x 10 --y 20 --width 400 --height 300 -o cropped.png`,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPage(cmd, opts)
			defer p.close()
			ctx := cmd.Context()

			if err := p.open(ctx, flags.path(args), flags.id); err != nil {
				return err
			}
			err := p.apply(ctx, "Crop", func(ctx context.Context, id string) (models.ImageVersion, error) {
				return p.client.Crop(ctx, id, rect)
			})
			if err != nil {
				return err
			}
			return p.finish(ctx, flags.output)
		},
	}

	flags.register(cmd)
	cmd.Flags().IntVar(&rect.X, "x", 0, "Left edge of the crop")
	cmd.Flags().IntVar(&rect.Y, "y", 0, "Top edge of the crop")
	cmd.Flags().IntVarP(&rect.Width, "width", "W", 0, "Crop width")
	cmd.Flags().IntVarP(&rect.Height, "height", "H", 0, "Crop height")
	_ = cmd.MarkFlagRequired("width")
	_ = cmd.MarkFlagRequired("height")

	return cmd
}

func newRotateCmd(opts *clientOptions) *cobra.Command {
	var (
		flags         editFlags
		angle         float64
		interpolation string
	)

	cmd := &cobra.Command{
		Use:   "rotate [image]",
		Short: "Rotate an image",
		Long: `Rotates counter-clockwise by --angle degrees. The canvas grows to fit the
rotated image and uncovered corners are transparent.`,
		Example: `  slurp rotate photo.png --angle 90 -o turned.png
  slurp rotate --id 3f2a... --angle -12.5 --interpolation cubic`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPage(cmd, opts)
			defer p.close()
			ctx := cmd.Context()

			if err := p.open(ctx, flags.path(args), flags.id); err != nil {
				return err
			}
			err := p.apply(ctx, "Rotate", func(ctx context.Context, id string) (models.ImageVersion, error) {
				return p.client.Rotate(ctx, id, angle, interpolation)
			})
			if err != nil {
				return err
			}
			return p.finish(ctx, flags.output)
		},
	}

	flags.register(cmd)
	cmd.Flags().Float64Var(&angle, "angle", 90, "Angle in degrees")
	cmd.Flags().StringVar(&interpolation, "interpolation", "linear", "Interpolation: nearest, linear or cubic")

	return cmd
}

func newUndoCmd(opts *clientOptions) *cobra.Command {
	return newStepCmd(opts, "undo", "Undo", "Step back to the previous version of an image")
}

func newRedoCmd(opts *clientOptions) *cobra.Command {
	return newStepCmd(opts, "redo", "Redo", "Step forward to the next version of an image")
}

func newStepCmd(opts *clientOptions, use, name, short string) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   use + " <image-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPage(cmd, opts)
			defer p.close()
			ctx := cmd.Context()

			if err := p.open(ctx, "", args[0]); err != nil {
				return err
			}
			step := p.store.Undo
			if use == "redo" {
				step = p.store.Redo
			}
			if err := step(ctx); err != nil {
				return fmt.Errorf("%s failed: %w", name, err)
			}
			if err := p.preview(ctx); err != nil {
				return err
			}
			return p.finish(ctx, output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Save the result as PNG")

	return cmd
}

func newHistoryCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <image-id>",
		Short: "Show the versions of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			history, err := opts.client().History(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, v := range history.Versions {
				marker := " "
				if v.Version == history.Current {
					marker = "*"
				}
				fmt.Fprintf(w, "%s\t%d\t%s\n", marker, v.Version, v.FilePath)
			}
			fmt.Fprintf(w, "\nundo: %t\tredo: %t\n", history.CanUndo(), history.CanRedo())
			return w.Flush()
		},
	}
}
