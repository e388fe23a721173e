package handlers

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/slurp-tools/slurp/internal/filters"
	"github.com/slurp-tools/slurp/internal/images"
	"github.com/slurp-tools/slurp/internal/models"
	"github.com/slurp-tools/slurp/internal/pdf"
	"github.com/slurp-tools/slurp/internal/scanner"
	"github.com/slurp-tools/slurp/internal/storage"
)

func newTestServer(t *testing.T, cfg RouterConfig) (*httptest.Server, *storage.ImageStore) {
	t.Helper()
	return newTestServerWith(t, cfg, Options{MaxUploadBytes: 1 << 20, AllowPrivateURLs: true})
}

func newTestServerWith(t *testing.T, cfg RouterConfig, opts Options) (*httptest.Server, *storage.ImageStore) {
	t.Helper()
	blobs, err := storage.NewLocalBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBlobStore failed: %v", err)
	}
	store := storage.NewImageStore(blobs, storage.NewMemoryHistory())
	h := New(store, scanner.Local{}, opts)
	srv := httptest.NewServer(h.Routes(cfg))
	t.Cleanup(srv.Close)
	return srv, store
}

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode failed: %v", err)
	}
	return buf.Bytes()
}

// oversizedPNG is a 1x1 PNG whose header claims width x height pixels
func oversizedPNG(t *testing.T, width, height uint32) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 1, 1))); err != nil {
		t.Fatalf("png.Encode failed: %v", err)
	}
	b := buf.Bytes()
	binary.BigEndian.PutUint32(b[16:20], width)
	binary.BigEndian.PutUint32(b[20:24], height)
	binary.BigEndian.PutUint32(b[29:33], crc32.ChecksumIEEE(b[12:29]))
	return b
}

type formFile struct {
	field, name string
	data        []byte
}

func multipartBody(t *testing.T, files []formFile, fields map[string]string) (io.Reader, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for _, f := range files {
		part, err := mw.CreateFormFile(f.field, f.name)
		if err != nil {
			t.Fatalf("CreateFormFile failed: %v", err)
		}
		part.Write(f.data)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField failed: %v", err)
		}
	}
	mw.Close()
	return body, mw.FormDataContentType()
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("Decoding response failed: %v", err)
	}
	return v
}

func upload(t *testing.T, srv *httptest.Server, data []byte) models.ImageVersion {
	t.Helper()
	body, ct := multipartBody(t, []formFile{{"image", "photo.png", data}}, nil)
	resp, err := http.Post(srv.URL+"/image/upload", ct, body)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}
	return decodeJSON[models.ImageVersion](t, resp)
}

func postJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(v)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	return resp
}

func downloadSize(t *testing.T, srv *httptest.Server, id string) image.Rectangle {
	t.Helper()
	resp := get(t, srv.URL+"/image/"+id+"/download?t=1")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Download: expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Expected image/png, got %q", ct)
	}
	img, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatalf("Decoding download failed: %v", err)
	}
	return img.Bounds()
}

func TestEditFlow(t *testing.T) {
	srv, _ := newTestServer(t, RouterConfig{})

	v := upload(t, srv, pngBytes(t, 40, 20, color.White))
	if v.UUID == "" || v.Version != 0 {
		t.Fatalf("Unexpected upload response %+v", v)
	}

	resp := postJSON(t, srv.URL+"/image/filter/"+v.UUID, []models.FilterRequest{
		{Filter: "resize", Params: json.RawMessage(`{"width":10,"height":5}`)},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Filter: expected 201, got %d", resp.StatusCode)
	}
	if got := decodeJSON[models.ImageVersion](t, resp); got.Version != 1 || got.UUID != v.UUID {
		t.Errorf("Unexpected filter response %+v", got)
	}
	if b := downloadSize(t, srv, v.UUID); b.Dx() != 10 || b.Dy() != 5 {
		t.Errorf("Expected 10x5 after resize, got %v", b)
	}

	resp = get(t, srv.URL+"/image/"+v.UUID+"/undo")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Undo: expected 200, got %d", resp.StatusCode)
	}
	if got := decodeJSON[models.ImageVersion](t, resp); got.Version != 0 {
		t.Errorf("Expected version 0 after undo, got %d", got.Version)
	}
	if b := downloadSize(t, srv, v.UUID); b.Dx() != 40 {
		t.Errorf("Expected original width after undo, got %v", b)
	}

	resp = get(t, srv.URL+"/image/"+v.UUID+"/undo")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Second undo: expected 409, got %d", resp.StatusCode)
	}
	if got := decodeJSON[APIError](t, resp); got.Err != "nothing to undo" {
		t.Errorf("Expected nothing to undo, got %q", got.Err)
	}

	resp = get(t, srv.URL+"/image/"+v.UUID+"/redo")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Redo: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = get(t, srv.URL+"/image/"+v.UUID)
	h := decodeJSON[models.History](t, resp)
	if h.Current != 1 || len(h.Versions) != 2 {
		t.Errorf("Unexpected history %+v", h)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/image/"+v.UUID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Delete: expected 204, got %d", resp.StatusCode)
	}

	resp = get(t, srv.URL+"/image/"+v.UUID+"/download")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Download after delete: expected 404, got %d", resp.StatusCode)
	}
}

func TestFilterErrors(t *testing.T) {
	srv, _ := newTestServer(t, RouterConfig{})
	v := upload(t, srv, pngBytes(t, 8, 8, color.White))

	tests := []struct {
		name   string
		id     string
		body   string
		status int
	}{
		{"empty list", v.UUID, `[]`, http.StatusBadRequest},
		{"not json", v.UUID, `resize please`, http.StatusBadRequest},
		{"unknown filter", v.UUID, `[{"filter":"emboss"}]`, http.StatusBadRequest},
		{"out of range", v.UUID, `[{"filter":"brightness","params":{"percentage":500}}]`, http.StatusBadRequest},
		{"crop outside", v.UUID, `[{"filter":"crop","params":{"x":100,"y":100,"width":5,"height":5}}]`, http.StatusBadRequest},
		{"resize too large", v.UUID, `[{"filter":"resize","params":{"width":200000,"height":200000}}]`, http.StatusBadRequest},
		{"resize aspect too large", v.UUID, `[{"filter":"resize","params":{"width":20000}}]`, http.StatusBadRequest},
		{"median huge kernel", v.UUID, `[{"filter":"median","params":{"size":1000001}}]`, http.StatusBadRequest},
		{"pixelate huge block", v.UUID, `[{"filter":"pixelate","params":{"size":1000000}}]`, http.StatusBadRequest},
		{"unknown image", "does-not-exist", `[{"filter":"invert"}]`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/image/filter/"+tt.id, "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST failed: %v", err)
			}
			if resp.StatusCode != tt.status {
				t.Errorf("Expected %d, got %d", tt.status, resp.StatusCode)
			}
			if got := decodeJSON[APIError](t, resp); got.Err == "" {
				t.Error("Expected an error message")
			}
		})
	}
}

func TestUploadErrors(t *testing.T) {
	srv, _ := newTestServer(t, RouterConfig{})

	tests := []struct {
		name   string
		files  []formFile
		status int
	}{
		{"missing field", []formFile{{"file", "a.png", pngBytes(t, 2, 2, color.White)}}, http.StatusBadRequest},
		{"bad extension", []formFile{{"image", "a.exe", pngBytes(t, 2, 2, color.White)}}, http.StatusBadRequest},
		{"not an image", []formFile{{"image", "a.png", []byte("hello")}}, http.StatusBadRequest},
		{"too large", []formFile{{"image", "a.png", bytes.Repeat([]byte{1}, 3<<19)}}, http.StatusRequestEntityTooLarge},
		{"too many pixels", []formFile{{"image", "a.png", oversizedPNG(t, 40000, 40000)}}, http.StatusRequestEntityTooLarge},
		{"one side too long", []formFile{{"image", "a.png", oversizedPNG(t, 30000, 2)}}, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := multipartBody(t, tt.files, nil)
			resp, err := http.Post(srv.URL+"/image/upload", ct, body)
			if err != nil {
				t.Fatalf("POST failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("Expected %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}
}

func TestUploadFromURL(t *testing.T) {
	data := pngBytes(t, 6, 3, color.White)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	}))
	defer origin.Close()

	srv, store := newTestServer(t, RouterConfig{})
	resp := postJSON(t, srv.URL+"/image/upload", map[string]string{"image_url": origin.URL + "/cat.png"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}
	v := decodeJSON[models.ImageVersion](t, resp)

	img, _, err := store.LoadLatest(context.Background(), v.UUID)
	if err != nil {
		t.Fatalf("LoadLatest failed: %v", err)
	}
	if img.Bounds().Dx() != 6 {
		t.Errorf("Expected the fetched 6x3 image, got %v", img.Bounds())
	}

	resp = postJSON(t, srv.URL+"/image/upload", map[string]string{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Missing image_url: expected 400, got %d", resp.StatusCode)
	}
}

func TestUploadFromPrivateURLRefused(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngBytes(t, 2, 2, color.White))
	}))
	defer origin.Close()

	srv, _ := newTestServerWith(t, RouterConfig{}, Options{MaxUploadBytes: 1 << 20})

	tests := []struct {
		name string
		url  string
	}{
		{"loopback server", origin.URL + "/cat.png"},
		{"cloud metadata", "http://169.254.169.254/latest/meta-data/"},
		{"private network", "http://192.168.0.1/admin.png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/image/upload", map[string]string{"image_url": tt.url})
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", resp.StatusCode)
			}
			if got := decodeJSON[APIError](t, resp); !strings.Contains(got.Err, "address not allowed") {
				t.Errorf("Expected an address error, got %q", got.Err)
			}
		})
	}
}

func TestDownloadETag(t *testing.T) {
	srv, _ := newTestServer(t, RouterConfig{})
	v := upload(t, srv, pngBytes(t, 4, 4, color.White))

	resp := get(t, srv.URL+"/image/"+v.UUID+"/download")
	resp.Body.Close()
	etag := resp.Header.Get("ETag")
	if etag == "" {
		t.Fatal("Expected an ETag")
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/image/"+v.UUID+"/download", nil)
	req.Header.Set("If-None-Match", etag)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotModified {
		t.Errorf("Expected 304, got %d", resp.StatusCode)
	}
}

func TestScan(t *testing.T) {
	srv, store := newTestServer(t, RouterConfig{})

	points := `[[2,2],[22,2],[22,12],[2,12]]`
	body, ct := multipartBody(t,
		[]formFile{{"image", "doc.png", pngBytes(t, 30, 20, color.White)}},
		map[string]string{"points": points})
	resp, err := http.Post(srv.URL+"/image/scan", ct, body)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	v := decodeJSON[models.ImageVersion](t, resp)
	if v.Version != 1 {
		t.Errorf("Expected scan to be version 1, got %d", v.Version)
	}

	img, _, err := store.LoadLatest(context.Background(), v.UUID)
	if err != nil {
		t.Fatalf("LoadLatest failed: %v", err)
	}
	if img.Bounds().Dx() != 20 || img.Bounds().Dy() != 10 {
		t.Errorf("Expected 20x10 scan, got %v", img.Bounds())
	}
}

func TestScanErrors(t *testing.T) {
	srv, _ := newTestServer(t, RouterConfig{})

	tests := []struct {
		name   string
		points string
		status int
	}{
		{"missing points", "", http.StatusBadRequest},
		{"bad json", "[[1,2]", http.StatusBadRequest},
		{"three points", "[[0,0],[5,0],[5,5]]", http.StatusBadRequest},
		{"degenerate", "[[3,3],[3,3],[3,3],[3,3]]", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := map[string]string{}
			if tt.points != "" {
				fields["points"] = tt.points
			}
			body, ct := multipartBody(t, []formFile{{"image", "doc.png", pngBytes(t, 10, 10, color.White)}}, fields)
			resp, err := http.Post(srv.URL+"/image/scan", ct, body)
			if err != nil {
				t.Fatalf("POST failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("Expected %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}
}

func TestScannerProtocol(t *testing.T) {
	srv, _ := newTestServer(t, RouterConfig{})

	body, ct := multipartBody(t,
		[]formFile{{"file", "image.jpg", pngBytes(t, 40, 30, color.White)}},
		map[string]string{"points": `[[0,0],[16,0],[16,8],[0,8]]`})
	resp, err := http.Post(srv.URL+"/scanner", ct, body)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Expected image/jpeg, got %q", ct)
	}
	img, format, err := image.Decode(resp.Body)
	if err != nil {
		t.Fatalf("Decoding scanner response failed: %v", err)
	}
	if format != "jpeg" || img.Bounds().Dx() != 16 || img.Bounds().Dy() != 8 {
		t.Errorf("Expected 16x8 jpeg, got %s %v", format, img.Bounds())
	}
}

func TestImagesToPDF(t *testing.T) {
	srv, _ := newTestServer(t, RouterConfig{})

	body, ct := multipartBody(t, []formFile{
		{"image", "a.png", pngBytes(t, 10, 10, color.White)},
		{"image", "b.png", pngBytes(t, 12, 8, color.Black)},
	}, nil)
	resp, err := http.Post(srv.URL+"/image/pdf", ct, body)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("Expected application/pdf, got %q", ct)
	}
	data, _ := io.ReadAll(resp.Body)
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		t.Error("Expected a PDF body")
	}

}

func TestImagesToPDFErrors(t *testing.T) {
	srv, _ := newTestServer(t, RouterConfig{})
	badLayout, _ := newTestServerWith(t, RouterConfig{}, Options{PDFLayout: "pos:nowhere"})

	tests := []struct {
		name    string
		srv     *httptest.Server
		files   []formFile
		status  int
		wantErr string
	}{
		{"no images", srv, nil, http.StatusBadRequest, "at least one image"},
		{
			name:    "not an image",
			srv:     srv,
			files:   []formFile{{"image", "a.png", pngBytes(t, 4, 4, color.White)}, {"image", "b.png", []byte("nope")}},
			status:  http.StatusBadRequest,
			wantErr: "image 2",
		},
		{
			name:    "too many pixels",
			srv:     srv,
			files:   []formFile{{"image", "a.png", oversizedPNG(t, 40000, 40000)}},
			status:  http.StatusBadRequest,
			wantErr: "image dimensions too large",
		},
		{
			name:    "server side failure",
			srv:     badLayout,
			files:   []formFile{{"image", "a.png", pngBytes(t, 4, 4, color.White)}},
			status:  http.StatusInternalServerError,
			wantErr: "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := multipartBody(t, tt.files, nil)
			resp, err := http.Post(tt.srv.URL+"/image/pdf", ct, body)
			if err != nil {
				t.Fatalf("POST failed: %v", err)
			}
			if resp.StatusCode != tt.status {
				t.Errorf("Expected %d, got %d", tt.status, resp.StatusCode)
			}
			if got := decodeJSON[APIError](t, resp); !strings.Contains(got.Err, tt.wantErr) {
				t.Errorf("Expected error containing %q, got %q", tt.wantErr, got.Err)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid pdf image", fmt.Errorf("image 1: %w", pdf.ErrInvalidImage), http.StatusBadRequest},
		{"oversized pdf image", fmt.Errorf("image 1: %w: %w", pdf.ErrInvalidImage, images.ErrTooManyPixels), http.StatusBadRequest},
		{"canceled pdf build", fmt.Errorf("image 1: %w", context.Canceled), http.StatusInternalServerError},
		{"oversized upload", fmt.Errorf("decode: %w", images.ErrTooManyPixels), http.StatusRequestEntityTooLarge},
		{"oversized filter output", fmt.Errorf("%w: resize: %w", filters.ErrInvalidParams, images.ErrTooManyPixels), http.StatusBadRequest},
		{"forbidden fetch", fmt.Errorf("failed to fetch image: %w", images.ErrForbiddenAddress), http.StatusBadRequest},
		{"unexpected", errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	srv, _ := newTestServer(t, RouterConfig{CORSOrigins: []string{"http://app.test"}, APIKey: "secret"})

	resp := get(t, srv.URL+"/healthcheck")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Healthcheck should skip auth, got %d", resp.StatusCode)
	}

	resp = get(t, srv.URL+"/filters")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 without a key, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/filters", nil)
	req.Header.Set("X-API-Key", "secret")
	req.Header.Set("Origin", "http://app.test")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 with a key, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://app.test" {
		t.Errorf("Expected CORS origin echoed, got %q", got)
	}
	list := decodeJSON[map[string][]string](t, resp)
	if len(list["filters"]) == 0 {
		t.Error("Expected filter names")
	}

	req, _ = http.NewRequest(http.MethodOptions, srv.URL+"/image/upload", nil)
	req.Header.Set("Origin", "http://app.test")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Preflight: expected 204, got %d", resp.StatusCode)
	}
}

func TestUnknownRoute(t *testing.T) {
	srv, _ := newTestServer(t, RouterConfig{})
	resp := get(t, srv.URL+"/nope")
	got := decodeJSON[APIError](t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
	if diff := cmp.Diff("route not found", got.Err); diff != "" {
		t.Errorf("Unexpected error (-want +got):\n%s", diff)
	}
}
