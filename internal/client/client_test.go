package client

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/slurp-tools/slurp/internal/handlers"
	"github.com/slurp-tools/slurp/internal/models"
	"github.com/slurp-tools/slurp/internal/scanner"
	"github.com/slurp-tools/slurp/internal/storage"
)

func newServer(t *testing.T, apiKey string) *httptest.Server {
	t.Helper()
	blobs, err := storage.NewLocalBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBlobStore failed: %v", err)
	}
	store := storage.NewImageStore(blobs, storage.NewMemoryHistory())
	h := handlers.New(store, scanner.Local{}, handlers.Options{MaxUploadBytes: 1 << 20})
	srv := httptest.NewServer(h.Routes(handlers.RouterConfig{APIKey: apiKey}))
	t.Cleanup(srv.Close)
	return srv
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 10), G: uint8(y * 10), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode failed: %v", err)
	}
	return buf.Bytes()
}

func TestClientEditFlow(t *testing.T) {
	srv := newServer(t, "")
	c := NewClient(srv.URL, "")
	ctx := context.Background()

	v, err := c.Upload(ctx, "photo.png", bytes.NewReader(pngBytes(t, 20, 10)))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if v.UUID == "" || v.Version != 0 {
		t.Fatalf("Unexpected upload version: %+v", v)
	}

	steps := []struct {
		name string
		run  func() (models.ImageVersion, error)
		want int
	}{
		{"resize", func() (models.ImageVersion, error) { return c.Resize(ctx, v.UUID, 10, 6) }, 1},
		{"crop", func() (models.ImageVersion, error) {
			return c.Crop(ctx, v.UUID, models.CropRect{X: 1, Y: 1, Width: 8, Height: 4})
		}, 2},
		{"rotate", func() (models.ImageVersion, error) { return c.Rotate(ctx, v.UUID, 90, "") }, 3},
		{"undo", func() (models.ImageVersion, error) { return c.Undo(ctx, v.UUID) }, 2},
		{"undo again", func() (models.ImageVersion, error) { return c.Undo(ctx, v.UUID) }, 1},
		{"redo", func() (models.ImageVersion, error) { return c.Redo(ctx, v.UUID) }, 2},
	}
	for _, step := range steps {
		got, err := step.run()
		if err != nil {
			t.Fatalf("%s failed: %v", step.name, err)
		}
		if got.UUID != v.UUID || got.Version != step.want {
			t.Fatalf("%s: expected version %d of %s, got %+v", step.name, step.want, v.UUID, got)
		}
	}

	data, err := c.Download(ctx, v.UUID)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Decoding download failed: %v", err)
	}
	if cfg.Width != 8 || cfg.Height != 4 {
		t.Errorf("Expected cropped 8x4 image, got %dx%d", cfg.Width, cfg.Height)
	}

	history, err := c.History(ctx, v.UUID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if history.Current != 2 || len(history.Versions) != 4 {
		t.Errorf("Expected cursor 2 of 4 versions, got %d of %d", history.Current, len(history.Versions))
	}

	names, err := c.Filters(ctx)
	if err != nil {
		t.Fatalf("Filters failed: %v", err)
	}
	for _, want := range []string{"crop", "resize", "rotate", "scanify"} {
		found := false
		for _, n := range names {
			found = found || n == want
		}
		if !found {
			t.Errorf("Expected %q in filter list %v", want, names)
		}
	}

	if err := c.Delete(ctx, v.UUID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	_, err = c.History(ctx, v.UUID)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Errorf("Expected 404 APIError after delete, got %v", err)
	}
}

func TestClientNothingToUndo(t *testing.T) {
	srv := newServer(t, "")
	c := NewClient(srv.URL, "")

	v, err := c.Upload(context.Background(), "photo.png", bytes.NewReader(pngBytes(t, 4, 4)))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	_, err = c.Undo(context.Background(), v.UUID)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Message != "nothing to undo" || apiErr.Op != "undo" {
		t.Errorf("Unexpected error: %+v", apiErr)
	}
}

func TestClientInvalidArguments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("Unexpected request to %s", r.URL.Path)
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "")
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"resize without id", func() error { _, err := c.Resize(ctx, "", 10, 10); return err }},
		{"resize zero width", func() error { _, err := c.Resize(ctx, "id", 0, 10); return err }},
		{"resize negative height", func() error { _, err := c.Resize(ctx, "id", 10, -1); return err }},
		{"crop empty", func() error { _, err := c.Crop(ctx, "id", models.CropRect{}); return err }},
		{"crop negative x", func() error {
			_, err := c.Crop(ctx, "id", models.CropRect{X: -1, Width: 2, Height: 2})
			return err
		}},
		{"rotate NaN", func() error { _, err := c.Rotate(ctx, "id", math.NaN(), ""); return err }},
		{"rotate Inf", func() error { _, err := c.Rotate(ctx, "id", math.Inf(1), ""); return err }},
		{"no filters", func() error { _, err := c.ApplyFilters(ctx, "id", nil); return err }},
		{"undo without id", func() error { _, err := c.Undo(ctx, ""); return err }},
		{"redo without id", func() error { _, err := c.Redo(ctx, ""); return err }},
		{"scan three points", func() error {
			_, err := c.Scan(ctx, "doc.png", strings.NewReader("x"), make([]models.Point, 3))
			return err
		}},
		{"perspective five points", func() error {
			_, err := c.Perspective(ctx, "doc.jpg", strings.NewReader("x"), make([]models.Point, 5))
			return err
		}},
		{"pdf without files", func() error { _, err := c.ImagesToPDF(ctx, nil, &bytes.Buffer{}); return err }},
		{"upload empty url", func() error { _, err := c.UploadURL(ctx, ""); return err }},
		{"upload nil reader", func() error { _, err := c.Upload(ctx, "a.png", nil); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("Expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestClientErrorMessages(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"error field", http.StatusBadRequest, `{"error":"bad filter"}`, "bad filter"},
		{"message field", http.StatusBadGateway, `{"message":"scanner down"}`, "scanner down"},
		{"plain text", http.StatusTeapot, "short and stout\n", "short and stout"},
		{"empty body", http.StatusInternalServerError, "", "500 Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, "").Resize(context.Background(), "id", 1, 1)
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("Expected APIError, got %v", err)
			}
			want := &APIError{Op: "apply filters", Status: tt.status, Message: tt.want}
			if diff := cmp.Diff(want, apiErr); diff != "" {
				t.Errorf("APIError mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestClientRejectsMissingUUID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"Version":3}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").Redo(context.Background(), "id")
	if err == nil || !strings.Contains(err.Error(), "missing UUID") {
		t.Errorf("Expected missing UUID error, got %v", err)
	}
}

func TestClientCacheBuster(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query().Get("t")
		w.Write([]byte(`{"UUID":"abc","Version":0}`))
	}))
	defer srv.Close()
	c := NewClient(srv.URL+"/", "")

	if _, err := c.Undo(context.Background(), "abc"); err != nil {
		t.Fatalf("Undo failed: %v", err)
	}
	if query == "" {
		t.Error("Expected undo request to carry a t cache buster")
	}

	u := c.RenderURL("abc")
	if !strings.HasPrefix(u, srv.URL+"/image/abc/download?t=") {
		t.Errorf("Unexpected render URL %q", u)
	}
}

func TestClientScan(t *testing.T) {
	srv := newServer(t, "")
	c := NewClient(srv.URL, "")
	c.ScannerURL = srv.URL + "/scanner"
	ctx := context.Background()
	points := []models.Point{{2, 2}, {22, 2}, {22, 12}, {2, 12}}

	v, err := c.Scan(ctx, "doc.png", bytes.NewReader(pngBytes(t, 30, 20)), points)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if v.Version != 1 {
		t.Errorf("Expected scan as version 1, got %d", v.Version)
	}

	data, err := c.Perspective(ctx, "doc.png", bytes.NewReader(pngBytes(t, 30, 20)), points)
	if err != nil {
		t.Fatalf("Perspective failed: %v", err)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Decoding perspective result failed: %v", err)
	}
	if format != "jpeg" || img.Bounds().Dx() != 20 || img.Bounds().Dy() != 10 {
		t.Errorf("Expected 20x10 jpeg, got %s %v", format, img.Bounds())
	}
}

func TestClientPerspectiveEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	c := NewClient("", "")
	c.ScannerURL = srv.URL

	points := []models.Point{{0, 0}, {1, 0}, {1, 1}, {0, 1}}
	if _, err := c.Perspective(context.Background(), "a.jpg", strings.NewReader("x"), points); err == nil {
		t.Error("Expected error for empty scanner response")
	}
}

func TestClientImagesToPDF(t *testing.T) {
	srv := newServer(t, "")
	c := NewClient(srv.URL, "")

	files := []File{
		{Name: "one.png", Reader: bytes.NewReader(pngBytes(t, 10, 10))},
		{Name: "two.png", Reader: bytes.NewReader(pngBytes(t, 12, 6))},
	}
	var out bytes.Buffer
	n, err := c.ImagesToPDF(context.Background(), files, &out)
	if err != nil {
		t.Fatalf("ImagesToPDF failed: %v", err)
	}
	if n != int64(out.Len()) || !bytes.HasPrefix(out.Bytes(), []byte("%PDF")) {
		t.Errorf("Expected PDF output, got %d bytes starting %q", n, out.Bytes()[:min(8, out.Len())])
	}
}

func TestClientAPIKey(t *testing.T) {
	srv := newServer(t, "s3cret")

	_, err := NewClient(srv.URL, "").Filters(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %v", err)
	}

	if _, err := NewClient(srv.URL, "s3cret").Filters(context.Background()); err != nil {
		t.Errorf("Filters with key failed: %v", err)
	}
}
