package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/slurp-tools/slurp/internal/client"
	"github.com/slurp-tools/slurp/internal/editor"
	"github.com/slurp-tools/slurp/internal/utils"
)

// progressDelay coalesces bursts of progress labels
const progressDelay = 100 * time.Millisecond

// page drives one editor session from the command line, the way a tool page
// drives the editor store in a browser.
type page struct {
	client *client.Client
	store  *editor.Store
	out    io.Writer
	stop   func()
}

func newPage(cmd *cobra.Command, opts *clientOptions) *page {
	c := opts.client()
	p := &page{
		client: c,
		store:  editor.NewStore(c),
		out:    cmd.OutOrStdout(),
	}

	progress := cmd.ErrOrStderr()
	show, cancel := utils.Debounce(func(s editor.Session) {
		name := utils.TruncateFilename(s.OriginalFilename, utils.DefaultFilenameLength)
		if name == "" {
			name = s.ImageID
		}
		fmt.Fprintf(progress, "%s %s\n", s.Step, name)
	}, progressDelay)
	unsubscribe := p.store.Subscribe(func(s editor.Session) {
		if s.Step != "" {
			show(s)
		}
	})

	p.stop = func() {
		unsubscribe()
		cancel()
	}
	return p
}

func (p *page) close() {
	p.stop()
}

// open uploads path, or opens the stored image id when path is empty, and
// waits for the preview
func (p *page) open(ctx context.Context, path, id string) error {
	var err error
	switch {
	case path != "" && id != "":
		return errors.New("give either an image file or --id, not both")
	case path != "":
		err = p.store.SelectAndUpload(ctx, path)
	case id != "":
		err = p.store.Open(ctx, id)
	default:
		return errors.New("an image file or --id is required")
	}
	if err != nil {
		if msg := p.store.Snapshot().Error; msg != "" {
			return errors.New(msg)
		}
		return err
	}
	return p.preview(ctx)
}

func (p *page) preview(ctx context.Context) error {
	if _, err := p.store.Preview(ctx); err != nil {
		if msg := p.store.Snapshot().Error; msg != "" {
			return fmt.Errorf("%s: %w", msg, err)
		}
		return err
	}
	return nil
}

// apply runs one edit and reloads the preview
func (p *page) apply(ctx context.Context, name string, fn editor.FilterFunc) error {
	if err := p.store.ApplyFilter(ctx, fn, name); err != nil {
		return fmt.Errorf("%s failed: %w", name, err)
	}
	return p.preview(ctx)
}

// finish reports the current version and saves it to output when given
func (p *page) finish(ctx context.Context, output string) error {
	s := p.store.Snapshot()
	line := "id=" + s.ImageID
	if s.Info != nil {
		line += fmt.Sprintf(" version=%d", s.Info.Version)
	}
	if s.Dimensions != nil {
		line += fmt.Sprintf(" size=%dx%d", s.Dimensions.Width, s.Dimensions.Height)
	}
	fmt.Fprintln(p.out, line)

	if output == "" {
		return nil
	}
	data, err := p.client.Download(ctx, s.ImageID)
	if err != nil {
		return err
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", output, err)
	}
	fmt.Fprintf(p.out, "saved %s\n", output)
	return nil
}

// editFlags are shared by the single-image tools
type editFlags struct {
	id     string
	output string
}

func (f *editFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.id, "id", "", "Edit an image already stored on the server")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "Save the result as PNG")
}

func (f *editFlags) path(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}
