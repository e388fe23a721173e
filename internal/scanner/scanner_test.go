package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/slurp-tools/slurp/internal/models"
	"github.com/slurp-tools/slurp/internal/perspective"
)

var square = []models.Point{{0, 0}, {10, 0}, {10, 10}, {0, 10}}

func gray(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	return img
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		url     string
		wantErr bool
	}{
		{"default is local", "", "", false},
		{"local", "local", "", false},
		{"remote", "remote", "http://localhost:8000/scanner", false},
		{"remote without url", "remote", "", true},
		{"unknown", "opencv", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.mode, tt.url, time.Second)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
			}
			if err == nil && s == nil {
				t.Error("Expected a scanner")
			}
		})
	}
}

func TestLocalCorrect(t *testing.T) {
	out, err := Local{}.Correct(context.Background(), gray(20, 20), square)
	if err != nil {
		t.Fatalf("Correct failed: %v", err)
	}
	if out.Bounds() != image.Rect(0, 0, 10, 10) {
		t.Errorf("Expected 10x10, got %v", out.Bounds())
	}
}

func TestLocalCorrectCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Local{}).Correct(ctx, gray(4, 4), square); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestRemoteCorrect(t *testing.T) {
	var gotPoints []models.Point
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("Missing file field: %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		defer file.Close()
		if header.Filename != "image.jpg" {
			t.Errorf("Expected image.jpg, got %s", header.Filename)
		}
		if _, err := jpeg.Decode(file); err != nil {
			t.Errorf("Uploaded file is not a JPEG: %v", err)
		}
		if err := json.Unmarshal([]byte(r.FormValue("points")), &gotPoints); err != nil {
			t.Errorf("Bad points field: %v", err)
		}

		out := image.NewRGBA(image.Rect(0, 0, 7, 5))
		out.Set(0, 0, color.White)
		w.Header().Set("Content-Type", "image/jpeg")
		_ = jpeg.Encode(w, out, nil)
	}))
	defer srv.Close()

	r := NewRemote(srv.URL, time.Second)
	out, err := r.Correct(context.Background(), gray(20, 20), square)
	if err != nil {
		t.Fatalf("Correct failed: %v", err)
	}
	if out.Bounds().Dx() != 7 || out.Bounds().Dy() != 5 {
		t.Errorf("Expected 7x5, got %v", out.Bounds())
	}
	if diff := cmp.Diff(square, gotPoints); diff != "" {
		t.Errorf("Unexpected points (-want +got):\n%s", diff)
	}
}

func TestRemoteCorrectErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "opencv exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewRemote(srv.URL, time.Second)

	if _, err := r.Correct(context.Background(), gray(4, 4), square[:3]); !errors.Is(err, perspective.ErrInvalidPoints) {
		t.Errorf("Expected ErrInvalidPoints, got %v", err)
	}
	if _, err := r.Correct(context.Background(), gray(4, 4), square); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
}
