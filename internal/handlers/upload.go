package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
)

// multipart overhead allowed on top of the image size limit
const formOverhead = 1 << 20

var allowedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
}

func checkExtension(filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		return NewAPIError(http.StatusBadRequest, "unsupported file type %q", ext)
	}
	return nil
}

// parseForm parses a multipart body holding up to files images
func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request, files int) error {
	r.Body = http.MaxBytesReader(w, r.Body, int64(files)*h.maxUploadBytes+formOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return NewAPIError(http.StatusRequestEntityTooLarge, "request too large")
		}
		return NewAPIError(http.StatusBadRequest, "invalid multipart form: %v", err)
	}
	return nil
}

func (h *Handler) readFile(header *multipart.FileHeader) ([]byte, error) {
	if err := checkExtension(header.Filename); err != nil {
		return nil, err
	}
	if header.Size > h.maxUploadBytes {
		return nil, NewAPIError(http.StatusRequestEntityTooLarge, "file too large (max %d bytes)", h.maxUploadBytes)
	}

	file, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxUploadBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > h.maxUploadBytes {
		return nil, NewAPIError(http.StatusRequestEntityTooLarge, "file too large (max %d bytes)", h.maxUploadBytes)
	}
	return data, nil
}

// readUpload returns the single image sent in field
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request, field string) ([]byte, string, error) {
	if err := h.parseForm(w, r, 1); err != nil {
		return nil, "", err
	}
	headers := r.MultipartForm.File[field]
	if len(headers) == 0 {
		return nil, "", NewAPIError(http.StatusBadRequest, "missing %q file field", field)
	}
	data, err := h.readFile(headers[0])
	if err != nil {
		return nil, "", err
	}
	return data, headers[0].Filename, nil
}

// HandleUpload stores a new image from a multipart "image" field, or from
// {"image_url": ...} when the body is JSON.
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) error {
	var (
		data     []byte
		filename string
		err      error
	)
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		data, filename, err = h.fetchUpload(r)
	} else {
		data, filename, err = h.readUpload(w, r, "image")
	}
	if err != nil {
		return err
	}

	img, err := decodeImage(data)
	if err != nil {
		return err
	}

	version, err := h.store.Create(r.Context(), img)
	if err != nil {
		return err
	}

	slog.Info("Image uploaded", "id", version.UUID, "filename", filename, "bytes", len(data))
	h.writeJSON(w, http.StatusCreated, version)
	return nil
}

func (h *Handler) fetchUpload(r *http.Request) ([]byte, string, error) {
	var request struct {
		ImageURL string `json:"image_url"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, formOverhead)).Decode(&request); err != nil {
		return nil, "", NewAPIError(http.StatusBadRequest, "invalid JSON: %v", err)
	}
	if request.ImageURL == "" {
		return nil, "", NewAPIError(http.StatusBadRequest, "image_url is required")
	}

	data, filename, err := h.fetcher.Fetch(r.Context(), request.ImageURL)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			return nil, "", NewAPIError(http.StatusBadRequest, "failed to process image URL: %v", err)
		}
		return nil, "", err
	}
	if err := checkExtension(filename); err != nil {
		return nil, "", err
	}
	return data, filename, nil
}
