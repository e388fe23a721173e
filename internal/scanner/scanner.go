package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/slurp-tools/slurp/internal/models"
	"github.com/slurp-tools/slurp/internal/perspective"
)

// ErrUnavailable wraps failures talking to a remote scanner
var ErrUnavailable = errors.New("scanner unavailable")

// Scanner straightens the document outlined by four corner points
type Scanner interface {
	Correct(ctx context.Context, img image.Image, pts []models.Point) (image.Image, error)
}

// Local corrects perspective in-process
type Local struct{}

func (Local) Correct(ctx context.Context, img image.Image, pts []models.Point) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return perspective.Correct(img, pts)
}

// Remote posts the image to an external scanner service. The service accepts
// a multipart form with the JPEG in "file" and the corners as JSON in "points"
// and answers with the corrected JPEG.
type Remote struct {
	URL        string
	HTTPClient *http.Client
}

// NewRemote creates a remote scanner client
func NewRemote(url string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Remote{
		URL: url,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (r *Remote) Correct(ctx context.Context, img image.Image, pts []models.Point) (image.Image, error) {
	if len(pts) != 4 {
		return nil, fmt.Errorf("%w, got %d", perspective.ErrInvalidPoints, len(pts))
	}

	body, contentType, err := encodeForm(img, pts)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	slog.Debug("Sending image to scanner", "url", r.URL)
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, bytes.TrimSpace(msg))
	}

	out, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: could not decode image from scanner: %v", ErrUnavailable, err)
	}
	return out, nil
}

func encodeForm(img image.Image, pts []models.Point) (io.Reader, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "image.jpg")
	if err != nil {
		return nil, "", fmt.Errorf("could not create image form field: %w", err)
	}
	if err := jpeg.Encode(part, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, "", fmt.Errorf("could not encode image: %w", err)
	}

	pointsJSON, err := json.Marshal(pts)
	if err != nil {
		return nil, "", fmt.Errorf("could not marshal points: %w", err)
	}
	if err := writer.WriteField("points", string(pointsJSON)); err != nil {
		return nil, "", fmt.Errorf("could not write points to form: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("could not close multipart writer: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}

// New returns the scanner for mode, "local" or "remote"
func New(mode, url string, timeout time.Duration) (Scanner, error) {
	switch mode {
	case "", "local":
		return Local{}, nil
	case "remote":
		if url == "" {
			return nil, fmt.Errorf("remote scanner needs a url")
		}
		return NewRemote(url, timeout), nil
	}
	return nil, fmt.Errorf("unknown scanner mode %q", mode)
}
