package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/slurp-tools/slurp/internal/config"
	"github.com/slurp-tools/slurp/internal/handlers"
	"github.com/slurp-tools/slurp/internal/janitor"
	"github.com/slurp-tools/slurp/internal/scanner"
	"github.com/slurp-tools/slurp/internal/storage"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the image-processing API",
		Long: `Starts the slurp API.

Configuration comes from the optional YAML file given with --config, then from
SLURP_* environment variables (a .env file in the working directory is loaded
first). Images are kept on local disk or in a Google Cloud Storage bucket, and
their version history in SQLite (data/history.db by default), PostgreSQL or
memory. With memory history, images stored by an earlier run are never purged.`,
		Example: `  # Start server on the default address :3000
  slurp serve

  # Keep history in memory and listen on another port
  SLURP_HISTORY_DRIVER=memory slurp serve --addr :8080

  # Use a config file
  slurp serve --config slurp.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			server := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           a.handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			// Start server in goroutine
			serverErr := make(chan error, 1)
			go func() {
				slog.Info("Slurp API available", "addr", cfg.Server.Addr,
					"storage", cfg.Storage.Backend, "history", cfg.History.Driver, "scanner", cfg.Scanner.Mode)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			// Wait for context cancellation (Ctrl+C) or server error
			select {
			case <-cmd.Context().Done():
				slog.Info("Shutting down server...")
				// Give server 5 seconds to shut down gracefully
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					slog.Error("Server shutdown failed", "err", err)
					return err
				}
				slog.Info("Server stopped")
				return nil
			case err := <-serverErr:
				return err
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address, overrides the config (e.g. :3000)")

	return cmd
}

// app is the wired API with its background janitor
type app struct {
	handler http.Handler
	store   *storage.ImageStore
	janitor *janitor.Janitor
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	blobs, err := openBlobStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	history, err := openHistory(ctx, cfg.History)
	if err != nil {
		blobs.Close()
		return nil, err
	}
	store := storage.NewImageStore(blobs, history)

	sc, err := scanner.New(cfg.Scanner.Mode, cfg.Scanner.URL, cfg.Scanner.Timeout)
	if err != nil {
		store.Close()
		return nil, err
	}

	h := handlers.New(store, sc, handlers.Options{
		MaxUploadBytes:   cfg.Server.MaxUploadBytes,
		PDFLayout:        cfg.PDF.Layout,
		AllowPrivateURLs: cfg.Server.AllowPrivateURLs,
	})
	a := &app{
		handler: h.Routes(handlers.RouterConfig{
			CORSOrigins: cfg.Server.CORSOrigins,
			APIKey:      cfg.Server.APIKey,
		}),
		store: store,
	}

	if cfg.Janitor.Schedule != "" {
		j, err := janitor.New(store, cfg.Janitor.Schedule, cfg.Janitor.TTL)
		if err != nil {
			store.Close()
			return nil, err
		}
		j.Start()
		a.janitor = j
	}
	return a, nil
}

func (a *app) close() {
	if a.janitor != nil {
		a.janitor.Stop()
	}
	if err := a.store.Close(); err != nil {
		slog.Error("Failed to close image store", "err", err)
	}
}

func openBlobStore(ctx context.Context, cfg config.Storage) (storage.BlobStore, error) {
	switch cfg.Backend {
	case "", "local":
		s, err := storage.NewLocalBlobStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "gcs":
		s, err := storage.NewGCSBlobStore(ctx, storage.GCSConfig{
			Bucket:          cfg.Bucket,
			Prefix:          cfg.Prefix,
			CredentialsFile: cfg.CredentialsFile,
			Endpoint:        cfg.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

func openHistory(ctx context.Context, cfg config.History) (storage.HistoryStore, error) {
	switch cfg.Driver {
	case "", "memory":
		return storage.NewMemoryHistory(), nil
	default:
		s, err := storage.OpenSQLHistory(ctx, cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
