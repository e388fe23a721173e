package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/slurp-tools/slurp/internal/filters"
	"github.com/slurp-tools/slurp/internal/images"
	"github.com/slurp-tools/slurp/internal/pdf"
	"github.com/slurp-tools/slurp/internal/perspective"
	"github.com/slurp-tools/slurp/internal/scanner"
	"github.com/slurp-tools/slurp/internal/storage"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultMaxUploadBytes caps a single uploaded image
const DefaultMaxUploadBytes = 10 << 20

type Handler struct {
	store          *storage.ImageStore
	scanner        scanner.Scanner
	fetcher        *images.Fetcher
	maxUploadBytes int64
	pdfLayout      string
}

type Options struct {
	MaxUploadBytes int64
	PDFLayout      string
	// AllowPrivateURLs lets URL uploads reach loopback, private and link-local hosts
	AllowPrivateURLs bool
}

func New(store *storage.ImageStore, sc scanner.Scanner, opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	fetcher := images.NewFetcher(opts.MaxUploadBytes)
	fetcher.AllowPrivate = opts.AllowPrivateURLs
	return &Handler{
		store:          store,
		scanner:        sc,
		fetcher:        fetcher,
		maxUploadBytes: opts.MaxUploadBytes,
		pdfLayout:      opts.PDFLayout,
	}
}

// APIError is the JSON body of every failed request
type APIError struct {
	Err    string `json:"error"`
	Status int    `json:"-"`
}

func (e *APIError) Error() string {
	return e.Err
}

func NewAPIError(status int, format string, args ...any) *APIError {
	return &APIError{Err: fmt.Sprintf(format, args...), Status: status}
}

type apiFunc func(w http.ResponseWriter, r *http.Request) error

// handle adapts an apiFunc, turning its error into a JSON response
func (h *Handler) handle(f apiFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := f(w, r); err != nil {
			h.writeError(w, r, err)
		}
	}
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Status
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrNothingToUndo), errors.Is(err, storage.ErrNothingToRedo):
		return http.StatusConflict
	case errors.Is(err, filters.ErrUnknownFilter), errors.Is(err, filters.ErrInvalidParams),
		errors.Is(err, perspective.ErrInvalidPoints), errors.Is(err, perspective.ErrDegenerate),
		errors.Is(err, perspective.ErrTooLarge), errors.Is(err, pdf.ErrNoImages), errors.Is(err, pdf.ErrInvalidImage),
		errors.Is(err, images.ErrForbiddenAddress):
		return http.StatusBadRequest
	case errors.Is(err, images.ErrTooLarge), errors.Is(err, images.ErrTooManyPixels):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, scanner.ErrUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Response helpers
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		slog.Error("Unable to encode JSON response", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Error("Unable to write response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := &APIError{Err: err.Error(), Status: status}
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		if status == http.StatusInternalServerError {
			body.Err = "internal server error"
		}
	} else {
		slog.Warn("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	h.writeJSON(w, status, body)
}

func imageID(r *http.Request) (string, error) {
	id := mux.Vars(r)["image_id"]
	if id == "" {
		return "", NewAPIError(http.StatusBadRequest, "provide a valid image id")
	}
	return id, nil
}

// decodeImage rejects images over the pixel limits before decoding them
func decodeImage(data []byte) (image.Image, error) {
	img, format, err := images.Decode(data)
	if errors.Is(err, images.ErrTooManyPixels) {
		return nil, err
	}
	if err != nil {
		return nil, NewAPIError(http.StatusBadRequest, "could not decode image: %v", err)
	}
	slog.Debug("Decoded image", "format", format, "width", img.Bounds().Dx(), "height", img.Bounds().Dy())
	return img, nil
}
