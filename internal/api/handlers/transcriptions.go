package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/video-stream/subsync/internal/apperr"
	"github.com/video-stream/subsync/internal/events"
	"github.com/video-stream/subsync/internal/pipeline"
	"github.com/video-stream/subsync/internal/stream"
	"github.com/video-stream/subsync/internal/subtitle"
	"github.com/video-stream/subsync/internal/subtitle/whisper"
)

// Pipeline is the orchestrator surface used by the API.
type Pipeline interface {
	Go(ctx context.Context, contentID string, opts pipeline.Options, done func(subtitle.Subtitle, error)) error
	Phase() pipeline.Phase
	Cancel()
	Reset() error
}

// TranscriptSaver stores a finished subtitle in history.
type TranscriptSaver interface {
	SaveTranscript(contentID, title string, sub subtitle.Subtitle) error
}

// Describer looks up a video title. It is optional.
type Describer interface {
	Describe(ctx context.Context, contentID string) (*stream.VideoInfo, error)
}

type TranscriptionsHandler struct {
	pipeline  Pipeline
	saver     TranscriptSaver
	describer Describer
	bus       *events.Bus
	prefs     *Preferences
	// base outlives requests; runs stop when it is cancelled.
	base context.Context
}

func NewTranscriptionsHandler(base context.Context, p Pipeline, saver TranscriptSaver, describer Describer, bus *events.Bus, prefs *Preferences) *TranscriptionsHandler {
	return &TranscriptionsHandler{pipeline: p, saver: saver, describer: describer, bus: bus, prefs: prefs, base: base}
}

type transcribeRequest struct {
	ContentID string `json:"content_id"`
	Locale    string `json:"locale"`
	Strategy  string `json:"strategy"`
}

// Start launches a pipeline run. The subtitle is written to history when
// the run completes.
func (h *TranscriptionsHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req transcribeRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ContentID == "" {
		jsonError(w, "content_id is required", http.StatusBadRequest)
		return
	}
	locale := h.prefs.Locale(req.Locale)
	if !whisper.SupportedLocale(locale) {
		jsonError(w, fmt.Sprintf("unsupported language %q", locale), http.StatusBadRequest)
		return
	}
	strategy, err := h.prefs.Strategy(req.Strategy)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	contentID := req.ContentID
	err = h.pipeline.Go(h.base, contentID, pipeline.Options{Strategy: strategy, Locale: locale}, func(sub subtitle.Subtitle, err error) {
		if err != nil {
			return
		}
		h.store(contentID, sub)
	})
	if errors.Is(err, pipeline.ErrBusy) {
		jsonResponse(w, map[string]any{"error": err.Error(), "phase": h.pipeline.Phase()}, http.StatusConflict)
		return
	}
	if err != nil {
		appError(w, err)
		return
	}
	jsonResponse(w, h.pipeline.Phase(), http.StatusAccepted)
}

func (h *TranscriptionsHandler) store(contentID string, sub subtitle.Subtitle) {
	title := ""
	if h.describer != nil {
		ctx, cancel := context.WithTimeout(h.base, 15*time.Second)
		if info, err := h.describer.Describe(ctx, contentID); err == nil {
			title = info.Title
		}
		cancel()
	}
	if err := h.saver.SaveTranscript(contentID, title, sub); err != nil {
		log.Printf("[api] save transcript for %s: %v", contentID, err)
	}
}

func (h *TranscriptionsHandler) Phase(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, h.pipeline.Phase(), http.StatusOK)
}

func (h *TranscriptionsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.pipeline.Cancel()
	jsonResponse(w, h.pipeline.Phase(), http.StatusOK)
}

func (h *TranscriptionsHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.pipeline.Reset(); err != nil {
		jsonResponse(w, map[string]any{"error": err.Error(), "phase": h.pipeline.Phase()}, http.StatusConflict)
		return
	}
	jsonResponse(w, h.pipeline.Phase(), http.StatusOK)
}

// Events streams bus events as server-sent events. Clients resume with
// Last-Event-ID or ?since=. A comment line is sent as keep-alive.
func (h *TranscriptionsHandler) Events(w http.ResponseWriter, r *http.Request) {
	since := h.bus.Latest()
	for _, v := range []string{r.Header.Get("Last-Event-ID"), r.URL.Query().Get("since")} {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			since = n
			break
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	rc := http.NewResponseController(w)

	// Current phase first so late subscribers render something.
	writeSSE(w, "phase", 0, h.pipeline.Phase())
	rc.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()
	for {
		wake := h.bus.Wait()
		for _, ev := range h.bus.Since(since) {
			writeSSE(w, string(ev.Type), ev.Seq, ev)
			since = ev.Seq
		}
		if err := rc.Flush(); err != nil {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-wake:
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, id int64, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		return
	}
	if id > 0 {
		fmt.Fprintf(w, "id: %d\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body)
}

// phaseStatus names the pipeline state, reporting a cancelled run as such.
func phaseStatus(p pipeline.Phase) string {
	if p.State == pipeline.StateFailed && p.Kind == apperr.KindCancelled {
		return "cancelled"
	}
	return string(p.State)
}
