package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/slurp-tools/slurp/internal/client"
)

// clientOptions are the persistent flags every tool page shares
type clientOptions struct {
	server string
	apiKey string
}

func (o *clientOptions) client() *client.Client {
	return client.NewClient(o.server, o.apiKey)
}

func NewRootCmd() *cobra.Command {
	var (
		logLevel  string
		logFormat string
		opts      clientOptions
	)

	cmd := &cobra.Command{
		Use:   "slurp",
		Short: "Image tools backed by a small image-processing API",
		Long: `Slurp resizes, crops, rotates and scans images and turns them into PDFs.

Every edit is stored on the server as a new version, so any step can be undone
or redone. Run "slurp serve" to start the API, then use the tool commands
against it.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()

			if err := setupLogging(logLevel, logFormat); err != nil {
				return err
			}
			if !cmd.Flags().Changed("server") {
				if v := os.Getenv("SLURP_SERVER"); v != "" {
					opts.server = v
				}
			}
			if !cmd.Flags().Changed("api-key") {
				if v := os.Getenv("SLURP_API_KEY"); v != "" {
					opts.apiKey = v
				}
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	cmd.PersistentFlags().StringVar(&opts.server, "server", client.DefaultBaseURL, "Base URL of the slurp API (env SLURP_SERVER)")
	cmd.PersistentFlags().StringVar(&opts.apiKey, "api-key", "", "API key sent as X-API-Key (env SLURP_API_KEY)")

	// Add subcommands
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newToolsCmd())
	cmd.AddCommand(newFiltersCmd(&opts))
	cmd.AddCommand(newResizeCmd(&opts))
	cmd.AddCommand(newCropCmd(&opts))
	cmd.AddCommand(newRotateCmd(&opts))
	cmd.AddCommand(newUndoCmd(&opts))
	cmd.AddCommand(newRedoCmd(&opts))
	cmd.AddCommand(newHistoryCmd(&opts))
	cmd.AddCommand(newScanCmd(&opts))
	cmd.AddCommand(newPDFCmd(&opts))

	return cmd
}

func setupLogging(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	handlerOpts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
