package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/slurp-tools/slurp/internal/models"
)

func newScanCmd(opts *clientOptions) *cobra.Command {
	var (
		points string
		output string
		direct bool
	)

	cmd := &cobra.Command{
		Use:   "scan <image>",
		Short: "Straighten a photographed document",
		Long: `Uploads a photo of a document together with its four corners, given
clockwise from the top-left as [[x,y],...] in image pixels. The server
straightens the page and cleans it up for printing; "slurp undo" returns to
the original photo.

With --direct the photo goes straight to the scanner service (--scanner-url)
and only the perspective is corrected.`,
		Example: `  slurp scan receipt.jpg --points '[[40,32],[980,60],[1010,1400],[22,1370]]' -o receipt.png
  slurp scan page.jpg --points '[[0,0],[800,0],[800,1100],[0,1100]]' --direct -o page.jpg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pts, err := parsePoints(points)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if direct {
				if output == "" {
					return errors.New("--output is required with --direct")
				}
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()

				c := opts.client()
				scannerURL, _ := cmd.Flags().GetString("scanner-url")
				if scannerURL == "" {
					scannerURL = os.Getenv("SLURP_SCANNER_URL")
				}
				if scannerURL != "" {
					c.ScannerURL = scannerURL
				}
				data, err := c.Perspective(ctx, filepath.Base(args[0]), f, pts)
				if err != nil {
					return err
				}
				if err := os.WriteFile(output, data, 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", output, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", output)
				return nil
			}

			p := newPage(cmd, opts)
			defer p.close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			version, err := p.client.Scan(ctx, filepath.Base(args[0]), f, pts)
			if err != nil {
				return fmt.Errorf("scan failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned %s into version %d\n", filepath.Base(args[0]), version.Version)
			if err := p.open(ctx, "", version.UUID); err != nil {
				return err
			}
			return p.finish(ctx, output)
		},
	}

	cmd.Flags().StringVar(&points, "points", "", "Document corners as JSON [[x,y],[x,y],[x,y],[x,y]]")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Save the result")
	cmd.Flags().BoolVar(&direct, "direct", false, "Send the photo straight to the scanner service")
	cmd.Flags().String("scanner-url", "", "Scanner service URL used with --direct (env SLURP_SCANNER_URL)")
	_ = cmd.MarkFlagRequired("points")

	return cmd
}

func parsePoints(raw string) ([]models.Point, error) {
	var pts []models.Point
	if err := json.Unmarshal([]byte(raw), &pts); err != nil {
		return nil, fmt.Errorf("invalid --points: %w", err)
	}
	if len(pts) != 4 {
		return nil, fmt.Errorf("--points needs exactly 4 corners, got %d", len(pts))
	}
	return pts, nil
}
