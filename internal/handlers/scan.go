package handlers

import (
	"bytes"
	"encoding/json"
	"image"
	"image/jpeg"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/slurp-tools/slurp/internal/filters"
	"github.com/slurp-tools/slurp/internal/models"
	"github.com/slurp-tools/slurp/internal/scanner"
)

// HandleScan stores the uploaded photo, straightens the document outlined by
// "points" and saves the cleaned-up scan as the next version. Undo returns to
// the original photo.
func (h *Handler) HandleScan(w http.ResponseWriter, r *http.Request) error {
	data, filename, err := h.readUpload(w, r, "image")
	if err != nil {
		return err
	}

	points, err := formPoints(r)
	if err != nil {
		return err
	}

	img, err := decodeImage(data)
	if err != nil {
		return err
	}

	original, err := h.store.Create(r.Context(), img)
	if err != nil {
		return err
	}

	version, err := h.store.Edit(r.Context(), original.UUID, func(src image.Image) (image.Image, error) {
		corrected, err := h.scanner.Correct(r.Context(), src, points)
		if err != nil {
			return nil, err
		}
		return filters.ScanPipeline().Apply(corrected)
	})
	if err != nil {
		if derr := h.store.Delete(r.Context(), original.UUID); derr != nil {
			slog.Warn("Failed to remove unscanned upload", "id", original.UUID, "error", derr)
		}
		return err
	}

	slog.Info("Scanned document", "id", version.UUID, "filename", filename)
	h.writeJSON(w, http.StatusOK, version)
	return nil
}

// HandleScanner speaks the standalone scanner protocol: the photo in "file",
// the corners in "points", the straightened JPEG in the response. It always
// corrects in-process so a remote scanner pointed at this server cannot loop.
func (h *Handler) HandleScanner(w http.ResponseWriter, r *http.Request) error {
	data, _, err := h.readUpload(w, r, "file")
	if err != nil {
		return err
	}
	points, err := formPoints(r)
	if err != nil {
		return err
	}
	img, err := decodeImage(data)
	if err != nil {
		return err
	}

	corrected, err := scanner.Local{}.Correct(r.Context(), img, points)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, corrected, &jpeg.Options{Quality: 95}); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Error("Unable to write scanner response", "err", err)
	}
	return nil
}

func formPoints(r *http.Request) ([]models.Point, error) {
	raw := r.FormValue("points")
	if raw == "" {
		return nil, NewAPIError(http.StatusBadRequest, "points are required")
	}
	var points []models.Point
	if err := json.Unmarshal([]byte(raw), &points); err != nil {
		return nil, NewAPIError(http.StatusBadRequest, "invalid points: %v", err)
	}
	if len(points) != 4 {
		return nil, NewAPIError(http.StatusBadRequest, "exactly 4 points are required, got %d", len(points))
	}
	return points, nil
}
