package handlers

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/video-stream/subsync/internal/db"
	"github.com/video-stream/subsync/internal/db/models"
	"github.com/video-stream/subsync/internal/storage"
)

type HistoryStore interface {
	ListHistoryEntries() ([]models.HistoryEntry, error)
	GetHistoryEntry(contentID string) (*models.HistoryEntry, error)
	UpdateHistoryEntry(contentID string, p db.HistoryPatch) (*models.HistoryEntry, error)
	DeleteHistoryEntry(contentID string) (bool, error)
}

// ContentFiles gives access to and removes the downloads of a content ID.
type ContentFiles interface {
	CompletedFile(ctx context.Context, contentID string) (string, error)
	DeleteForContent(ctx context.Context, contentID string) error
}

type Thumbnailer interface {
	Thumbnail(ctx context.Context, in, out string) error
}

type HistoryHandler struct {
	store    HistoryStore
	files    ContentFiles
	thumbs   Thumbnailer
	thumbDir string
}

func NewHistoryHandler(store HistoryStore, files ContentFiles, thumbs Thumbnailer, thumbDir string) *HistoryHandler {
	return &HistoryHandler{store: store, files: files, thumbs: thumbs, thumbDir: thumbDir}
}

func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.ListHistoryEntries()
	if err != nil {
		jsonError(w, "failed to list history", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, entries, http.StatusOK)
}

func (h *HistoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.entry(w, r)
	if !ok {
		return
	}
	jsonResponse(w, entry, http.StatusOK)
}

// Subtitle serves the stored subtitle as WebVTT. ?words=1 adds inline word
// timestamps.
func (h *HistoryHandler) Subtitle(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.entry(w, r)
	if !ok {
		return
	}
	if entry.Subtitle == nil {
		jsonError(w, "no subtitle for this entry", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/vtt; charset=utf-8")
	w.Write([]byte(entry.Subtitle.VTT(r.URL.Query().Get("words") == "1")))
}

// Thumbnail extracts a frame from the completed download on first request
// and caches it under the thumbnail directory.
func (h *HistoryHandler) Thumbnail(w http.ResponseWriter, r *http.Request) {
	contentID := chi.URLParam(r, "contentID")
	out := filepath.Join(h.thumbDir, storage.SanitizeName(contentID)+".jpg")

	src, err := h.files.CompletedFile(r.Context(), contentID)
	if err != nil {
		appError(w, err)
		return
	}
	if err := h.thumbs.Thumbnail(r.Context(), src, out); err != nil {
		jsonError(w, "failed to generate thumbnail", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=86400")
	http.ServeFile(w, r, out)
}

// Update applies a partial update: absent keys are kept, null clears.
func (h *HistoryHandler) Update(w http.ResponseWriter, r *http.Request) {
	var p db.HistoryPatch
	if err := decodeJSON(r, &p); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	entry, err := h.store.UpdateHistoryEntry(chi.URLParam(r, "contentID"), p)
	if errors.Is(err, sql.ErrNoRows) {
		jsonError(w, "history entry not found", http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, "failed to update history entry", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, entry, http.StatusOK)
}

// Delete removes the entry together with its downloads and thumbnail.
func (h *HistoryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	contentID := chi.URLParam(r, "contentID")
	if err := h.files.DeleteForContent(r.Context(), contentID); err != nil {
		appError(w, err)
		return
	}
	storage.RemoveIfExists(filepath.Join(h.thumbDir, storage.SanitizeName(contentID)+".jpg"))

	found, err := h.store.DeleteHistoryEntry(contentID)
	if err != nil {
		jsonError(w, "failed to delete history entry", http.StatusInternalServerError)
		return
	}
	if !found {
		jsonError(w, "history entry not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HistoryHandler) entry(w http.ResponseWriter, r *http.Request) (*models.HistoryEntry, bool) {
	entry, err := h.store.GetHistoryEntry(chi.URLParam(r, "contentID"))
	if errors.Is(err, sql.ErrNoRows) {
		jsonError(w, "history entry not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		jsonError(w, "failed to load history entry", http.StatusInternalServerError)
		return nil, false
	}
	return entry, true
}
