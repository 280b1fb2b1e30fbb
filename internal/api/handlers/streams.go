package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/video-stream/subsync/internal/stream"
)

type StreamsHandler struct {
	catalog stream.Catalog
	prefs   *Preferences
}

func NewStreamsHandler(catalog stream.Catalog, prefs *Preferences) *StreamsHandler {
	return &StreamsHandler{catalog: catalog, prefs: prefs}
}

type streamsResponse struct {
	ContentID string              `json:"content_id"`
	Strategy  stream.Strategy     `json:"strategy"`
	Streams   []stream.Descriptor `json:"streams"`
	Selected  *stream.Descriptor  `json:"selected"`
}

// List returns every stream for the content and the one the strategy picks.
// selected is null when nothing qualifies.
func (h *StreamsHandler) List(w http.ResponseWriter, r *http.Request) {
	contentID := chi.URLParam(r, "contentID")
	strategy, err := h.prefs.Strategy(r.URL.Query().Get("strategy"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	streams, err := h.catalog.FetchStreams(r.Context(), contentID)
	if err != nil {
		appError(w, err)
		return
	}
	if streams == nil {
		streams = []stream.Descriptor{}
	}
	jsonResponse(w, streamsResponse{
		ContentID: contentID,
		Strategy:  strategy,
		Streams:   streams,
		Selected:  stream.SelectStream(streams, strategy),
	}, http.StatusOK)
}
