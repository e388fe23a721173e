package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/slurp-tools/slurp/internal/client"
	"github.com/slurp-tools/slurp/internal/utils"
)

func newPDFCmd(opts *clientOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "pdf <image>...",
		Short: "Combine images into one PDF",
		Long: `Uploads the images in the given order and saves the PDF the server builds,
one page per image.`,
		Example: `  slurp pdf page1.jpg page2.jpg page3.png -o book.pdf`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				return errors.New("--output is required")
			}

			files := make([]client.File, 0, len(args))
			for _, path := range args {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				files = append(files, client.File{Name: filepath.Base(path), Reader: f})
				fmt.Fprintf(cmd.ErrOrStderr(), "adding %s\n", utils.TruncateFilename(filepath.Base(path), utils.DefaultFilenameLength))
			}

			out, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", output, err)
			}

			n, err := opts.client().ImagesToPDF(cmd.Context(), files, out)
			if cerr := out.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(output)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%d pages, %d bytes)\n", output, len(files), n)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "images.pdf", "Where to save the PDF")

	return cmd
}
