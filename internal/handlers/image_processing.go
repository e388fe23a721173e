package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/slurp-tools/slurp/internal/filters"
	"github.com/slurp-tools/slurp/internal/models"
	"github.com/slurp-tools/slurp/internal/utils"
)

// HandleApplyFilters renders the JSON filter list onto the current version
// and stores the result as a new version.
func (h *Handler) HandleApplyFilters(w http.ResponseWriter, r *http.Request) error {
	id, err := imageID(r)
	if err != nil {
		return err
	}

	var requests []models.FilterRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, formOverhead)).Decode(&requests); err != nil {
		return NewAPIError(http.StatusBadRequest, "invalid filter list: %v", err)
	}

	pipeline, err := filters.Parse(requests)
	if err != nil {
		return err
	}

	start := time.Now()
	version, err := h.store.Edit(r.Context(), id, pipeline.Apply)
	if err != nil {
		return err
	}

	slog.Info("Applied filters", "id", id, "filters", pipeline.Names(), "version", version.Version, "duration", time.Since(start))
	h.writeJSON(w, http.StatusCreated, version)
	return nil
}

func (h *Handler) HandleUndo(w http.ResponseWriter, r *http.Request) error {
	id, err := imageID(r)
	if err != nil {
		return err
	}
	version, err := h.store.Undo(r.Context(), id)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, version)
	return nil
}

func (h *Handler) HandleRedo(w http.ResponseWriter, r *http.Request) error {
	id, err := imageID(r)
	if err != nil {
		return err
	}
	version, err := h.store.Redo(r.Context(), id)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, version)
	return nil
}

// HandleDownload serves the current version as PNG
func (h *Handler) HandleDownload(w http.ResponseWriter, r *http.Request) error {
	id, err := imageID(r)
	if err != nil {
		return err
	}

	data, version, err := h.store.OpenLatest(r.Context(), id)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("ETag", fmt.Sprintf(`"%s"`, utils.CalculateDataMD5(data)))
	if r.URL.Query().Get("attachment") != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_v%d.png"`, id, version.Version))
	}
	http.ServeContent(w, r, id+".png", time.Time{}, bytes.NewReader(data))
	return nil
}

// HandleHistory returns the version chain and undo cursor
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) error {
	id, err := imageID(r)
	if err != nil {
		return err
	}
	history, err := h.store.History(r.Context(), id)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, history)
	return nil
}

func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) error {
	id, err := imageID(r)
	if err != nil {
		return err
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// HandleFilters lists the filter names accepted by HandleApplyFilters
func (h *Handler) HandleFilters(w http.ResponseWriter, r *http.Request) error {
	h.writeJSON(w, http.StatusOK, map[string][]string{"filters": filters.Names()})
	return nil
}
