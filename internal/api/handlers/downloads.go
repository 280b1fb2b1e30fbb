package handlers

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/video-stream/subsync/internal/apperr"
	"github.com/video-stream/subsync/internal/download"
	"github.com/video-stream/subsync/internal/stream"
)

// Downloads is the part of download.Engine the API drives.
type Downloads interface {
	QueueDownload(ctx context.Context, contentID string, d stream.Descriptor) (string, error)
	PauseDownload(recordID string) error
	ResumeDownload(ctx context.Context, recordID string) error
	CancelDownloads(ctx context.Context, contentID string) error
	DownloadProgress(contentID string) *download.Progress
	Records(ctx context.Context, contentID string) ([]*download.Record, error)
	CompletedFile(ctx context.Context, contentID string) (string, error)
}

type DownloadsHandler struct {
	downloads Downloads
	catalog   stream.Catalog
	prefs     *Preferences
}

func NewDownloadsHandler(downloads Downloads, catalog stream.Catalog, prefs *Preferences) *DownloadsHandler {
	return &DownloadsHandler{downloads: downloads, catalog: catalog, prefs: prefs}
}

type queueRequest struct {
	ContentID string `json:"content_id"`
	Strategy  string `json:"strategy"`
}

// Queue resolves a stream for the content and starts a durable download.
func (h *DownloadsHandler) Queue(w http.ResponseWriter, r *http.Request) {
	var req queueRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ContentID == "" {
		jsonError(w, "content_id is required", http.StatusBadRequest)
		return
	}
	strategy, err := h.prefs.Strategy(req.Strategy)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	streams, err := h.catalog.FetchStreams(r.Context(), req.ContentID)
	if err != nil {
		appError(w, err)
		return
	}
	d := stream.SelectStream(streams, strategy)
	if d == nil {
		appError(w, apperr.ErrNoCompatibleStream)
		return
	}

	id, err := h.downloads.QueueDownload(r.Context(), req.ContentID, *d)
	if errors.Is(err, apperr.ErrDuplicateActiveDownload) && id != "" {
		jsonResponse(w, map[string]string{
			"error":     err.Error(),
			"kind":      string(apperr.KindDuplicate),
			"record_id": id,
		}, http.StatusConflict)
		return
	}
	if err != nil {
		appError(w, err)
		return
	}
	jsonResponse(w, map[string]any{"record_id": id, "stream": d}, http.StatusAccepted)
}

type downloadStatus struct {
	Progress *download.Progress `json:"progress"`
	Records  []*download.Record `json:"records"`
}

// Status returns live progress (null when nothing is active) and the
// record history for the content.
func (h *DownloadsHandler) Status(w http.ResponseWriter, r *http.Request) {
	contentID := chi.URLParam(r, "contentID")
	recs, err := h.downloads.Records(r.Context(), contentID)
	if err != nil {
		appError(w, err)
		return
	}
	if recs == nil {
		recs = []*download.Record{}
	}
	jsonResponse(w, downloadStatus{Progress: h.downloads.DownloadProgress(contentID), Records: recs}, http.StatusOK)
}

func (h *DownloadsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.downloads.CancelDownloads(r.Context(), chi.URLParam(r, "contentID")); err != nil {
		appError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) Pause(w http.ResponseWriter, r *http.Request) {
	if err := h.downloads.PauseDownload(chi.URLParam(r, "id")); err != nil {
		appError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.downloads.ResumeDownload(r.Context(), chi.URLParam(r, "id")); err != nil {
		appError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// File serves the completed download with range support.
func (h *DownloadsHandler) File(w http.ResponseWriter, r *http.Request) {
	path, err := h.downloads.CompletedFile(r.Context(), chi.URLParam(r, "contentID"))
	if err != nil {
		appError(w, err)
		return
	}
	w.Header().Set("Content-Disposition", `inline; filename="`+filepath.Base(path)+`"`)
	http.ServeFile(w, r, path)
}
