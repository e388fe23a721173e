package handlers

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/slurp-tools/slurp/internal/pdf"
)

// MaxPDFImages bounds the pages of a single images-to-PDF request
const MaxPDFImages = 50

// HandleImagesToPDF builds a PDF from the repeated "image" fields, one page per image
func (h *Handler) HandleImagesToPDF(w http.ResponseWriter, r *http.Request) error {
	if err := h.parseForm(w, r, MaxPDFImages); err != nil {
		return err
	}

	headers := r.MultipartForm.File["image"]
	if len(headers) == 0 {
		return NewAPIError(http.StatusBadRequest, "at least one image is required")
	}
	if len(headers) > MaxPDFImages {
		return NewAPIError(http.StatusBadRequest, "at most %d images are allowed, got %d", MaxPDFImages, len(headers))
	}

	inputs := make([]io.Reader, 0, len(headers))
	for _, fh := range headers {
		data, err := h.readFile(fh)
		if err != nil {
			return err
		}
		inputs = append(inputs, bytes.NewReader(data))
	}

	var buf bytes.Buffer
	if err := pdf.Build(r.Context(), inputs, &buf, pdf.Options{Layout: h.pdfLayout}); err != nil {
		return err
	}

	slog.Info("Built PDF", "pages", len(inputs), "bytes", buf.Len())
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="images.pdf"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Error("Unable to write PDF", "err", err)
	}
	return nil
}
