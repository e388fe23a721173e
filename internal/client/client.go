package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/slurp-tools/slurp/internal/models"
)

const (
	DefaultBaseURL    = "http://localhost:3000"
	DefaultScannerURL = "http://localhost:8000/scanner"
)

// ErrInvalidArgument is returned before any request is made
var ErrInvalidArgument = errors.New("invalid argument")

// APIError is a non-2xx answer from the API or the scanner service
type APIError struct {
	Op      string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
}

// Client talks to the slurp image API
type Client struct {
	BaseURL    string
	ScannerURL string
	APIKey     string
	HTTPClient *http.Client
}

// File is a named image for ImagesToPDF
type File struct {
	Name   string
	Reader io.Reader
}

// NewClient creates a new API client. An empty baseURL uses DefaultBaseURL.
func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		ScannerURL: DefaultScannerURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Upload sends an image as the multipart field "image" and returns its first version
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (models.ImageVersion, error) {
	body, contentType, err := multipartBody(map[string]string{}, fileField{"image", filename, r})
	if err != nil {
		return models.ImageVersion{}, err
	}
	return c.postVersion(ctx, "upload", "/image/upload", contentType, body)
}

// UploadURL asks the server to fetch the image itself
func (c *Client) UploadURL(ctx context.Context, imageURL string) (models.ImageVersion, error) {
	if imageURL == "" {
		return models.ImageVersion{}, fmt.Errorf("%w: image url is required", ErrInvalidArgument)
	}
	payload, err := json.Marshal(map[string]string{"image_url": imageURL})
	if err != nil {
		return models.ImageVersion{}, err
	}
	return c.postVersion(ctx, "upload", "/image/upload", "application/json", bytes.NewReader(payload))
}

// ApplyFilters renders filters onto the current version of id
func (c *Client) ApplyFilters(ctx context.Context, id string, reqs []models.FilterRequest) (models.ImageVersion, error) {
	if id == "" {
		return models.ImageVersion{}, fmt.Errorf("%w: image id is required", ErrInvalidArgument)
	}
	if len(reqs) == 0 {
		return models.ImageVersion{}, fmt.Errorf("%w: at least one filter is required", ErrInvalidArgument)
	}
	payload, err := json.Marshal(reqs)
	if err != nil {
		return models.ImageVersion{}, fmt.Errorf("could not marshal filters: %w", err)
	}
	return c.postVersion(ctx, "apply filters", "/image/filter/"+url.PathEscape(id), "application/json", bytes.NewReader(payload))
}

func (c *Client) Resize(ctx context.Context, id string, width, height int) (models.ImageVersion, error) {
	if width <= 0 || height <= 0 {
		return models.ImageVersion{}, fmt.Errorf("%w: width and height must be positive", ErrInvalidArgument)
	}
	return c.applyOne(ctx, id, "resize", map[string]int{"width": width, "height": height})
}

func (c *Client) Crop(ctx context.Context, id string, rect models.CropRect) (models.ImageVersion, error) {
	if rect.Width <= 0 || rect.Height <= 0 || rect.X < 0 || rect.Y < 0 {
		return models.ImageVersion{}, fmt.Errorf("%w: crop needs x, y >= 0 and a positive width and height", ErrInvalidArgument)
	}
	return c.applyOne(ctx, id, "crop", rect)
}

// Rotate turns the image by angle degrees. An empty interpolation means "linear".
func (c *Client) Rotate(ctx context.Context, id string, angle float64, interpolation string) (models.ImageVersion, error) {
	if math.IsNaN(angle) || math.IsInf(angle, 0) {
		return models.ImageVersion{}, fmt.Errorf("%w: angle must be a finite number", ErrInvalidArgument)
	}
	if interpolation == "" {
		interpolation = "linear"
	}
	return c.applyOne(ctx, id, "rotate", map[string]any{"angle": angle, "interpolation": interpolation})
}

func (c *Client) applyOne(ctx context.Context, id, name string, params any) (models.ImageVersion, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return models.ImageVersion{}, fmt.Errorf("could not marshal %s params: %w", name, err)
	}
	return c.ApplyFilters(ctx, id, []models.FilterRequest{{Filter: name, Params: raw}})
}

func (c *Client) Undo(ctx context.Context, id string) (models.ImageVersion, error) {
	return c.move(ctx, "undo", id)
}

func (c *Client) Redo(ctx context.Context, id string) (models.ImageVersion, error) {
	return c.move(ctx, "redo", id)
}

func (c *Client) move(ctx context.Context, op, id string) (models.ImageVersion, error) {
	if id == "" {
		return models.ImageVersion{}, fmt.Errorf("%w: image id is required", ErrInvalidArgument)
	}
	u := fmt.Sprintf("%s/image/%s/%s?t=%d", c.BaseURL, url.PathEscape(id), op, time.Now().UnixNano())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.ImageVersion{}, fmt.Errorf("could not create request: %w", err)
	}
	return c.version(req, op)
}

// RenderURL is the download URL of the current version with a fresh cache buster
func (c *Client) RenderURL(id string) string {
	return fmt.Sprintf("%s/image/%s/download?t=%d", c.BaseURL, url.PathEscape(id), time.Now().UnixNano())
}

// Download returns the PNG bytes of the current version
func (c *Client) Download(ctx context.Context, id string) ([]byte, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: image id is required", ErrInvalidArgument)
	}
	return c.Fetch(ctx, c.RenderURL(id))
}

// Fetch GETs rawURL and returns the body
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	resp, err := c.do(req, "download")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return data, nil
}

// Scan uploads a photo with four document corners and returns the cleaned-up scan
func (c *Client) Scan(ctx context.Context, filename string, r io.Reader, points []models.Point) (models.ImageVersion, error) {
	if len(points) != 4 {
		return models.ImageVersion{}, fmt.Errorf("%w: exactly 4 points are required, got %d", ErrInvalidArgument, len(points))
	}
	pointsJSON, err := json.Marshal(points)
	if err != nil {
		return models.ImageVersion{}, err
	}
	body, contentType, err := multipartBody(map[string]string{"points": string(pointsJSON)}, fileField{"image", filename, r})
	if err != nil {
		return models.ImageVersion{}, err
	}
	return c.postVersion(ctx, "scan", "/image/scan", contentType, body)
}

// Perspective sends the image straight to the scanner service and returns
// the corrected JPEG.
func (c *Client) Perspective(ctx context.Context, filename string, r io.Reader, points []models.Point) ([]byte, error) {
	if len(points) != 4 {
		return nil, fmt.Errorf("%w: exactly 4 points are required, got %d", ErrInvalidArgument, len(points))
	}
	pointsJSON, err := json.Marshal(points)
	if err != nil {
		return nil, err
	}
	body, contentType, err := multipartBody(map[string]string{"points": string(pointsJSON)}, fileField{"file", filename, r})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ScannerURL, body)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.do(req, "perspective")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read corrected image: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("perspective: scanner returned an empty image")
	}
	return data, nil
}

// ImagesToPDF uploads files and copies the resulting PDF to w
func (c *Client) ImagesToPDF(ctx context.Context, files []File, w io.Writer) (int64, error) {
	if len(files) == 0 {
		return 0, fmt.Errorf("%w: at least one image is required", ErrInvalidArgument)
	}
	fields := make([]fileField, 0, len(files))
	for _, f := range files {
		fields = append(fields, fileField{"image", f.Name, f.Reader})
	}
	body, contentType, err := multipartBody(nil, fields...)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/image/pdf", body)
	if err != nil {
		return 0, fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.do(req, "images to pdf")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to read pdf: %w", err)
	}
	return n, nil
}

// History returns the version chain of id
func (c *Client) History(ctx context.Context, id string) (models.History, error) {
	var history models.History
	if id == "" {
		return history, fmt.Errorf("%w: image id is required", ErrInvalidArgument)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/image/"+url.PathEscape(id), nil)
	if err != nil {
		return history, fmt.Errorf("could not create request: %w", err)
	}
	err = c.decode(req, "history", &history)
	return history, err
}

func (c *Client) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: image id is required", ErrInvalidArgument)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+"/image/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	resp, err := c.do(req, "delete")
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Filters lists the filter names the server accepts
func (c *Client) Filters(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/filters", nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	var out struct {
		Filters []string `json:"filters"`
	}
	if err := c.decode(req, "filters", &out); err != nil {
		return nil, err
	}
	return out.Filters, nil
}

func (c *Client) postVersion(ctx context.Context, op, path, contentType string, body io.Reader) (models.ImageVersion, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, body)
	if err != nil {
		return models.ImageVersion{}, fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	return c.version(req, op)
}

func (c *Client) version(req *http.Request, op string) (models.ImageVersion, error) {
	var v models.ImageVersion
	if err := c.decode(req, op, &v); err != nil {
		return v, err
	}
	if v.UUID == "" {
		return v, fmt.Errorf("%s: invalid response from server, missing UUID", op)
	}
	return v, nil
}

func (c *Client) decode(req *http.Request, op string, out any) error {
	resp, err := c.do(req, op)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", op, err)
	}
	return nil
}

// do sends req and turns non-2xx answers into *APIError
func (c *Client) do(req *http.Request, op string) (*http.Response, error) {
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", op, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return nil, &APIError{Op: op, Status: resp.StatusCode, Message: errorMessage(resp.StatusCode, body)}
}

func errorMessage(status int, body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return msg
	}
	return strconv.Itoa(status) + " " + http.StatusText(status)
}

type fileField struct {
	name     string
	filename string
	r        io.Reader
}

func multipartBody(values map[string]string, files ...fileField) (io.Reader, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for _, f := range files {
		if f.r == nil {
			return nil, "", fmt.Errorf("%w: no data for %q", ErrInvalidArgument, f.filename)
		}
		part, err := writer.CreateFormFile(f.name, f.filename)
		if err != nil {
			return nil, "", fmt.Errorf("could not create form file: %w", err)
		}
		if _, err := io.Copy(part, f.r); err != nil {
			return nil, "", fmt.Errorf("could not copy %s: %w", f.filename, err)
		}
	}
	for k, v := range values {
		if err := writer.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("could not write %s to form: %w", k, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("could not close multipart writer: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}
