package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/video-stream/subsync/internal/api/middleware"
	"github.com/video-stream/subsync/internal/storage"
)

var startTime = time.Now()

type AdminHandler struct {
	limiter       *middleware.RateLimiter
	pipeline      Pipeline
	documentsPath string
	engine        string
}

func NewAdminHandler(limiter *middleware.RateLimiter, p Pipeline, documentsPath, engine string) *AdminHandler {
	return &AdminHandler{limiter: limiter, pipeline: p, documentsPath: documentsPath, engine: engine}
}

// Health is public and cheap; it is polled by container probes.
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"status":   "ok",
		"pipeline": phaseStatus(h.pipeline.Phase()),
	}, http.StatusOK)
}

// Stats returns process and storage figures for the admin dashboard.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	free, err := storage.FreeBytes(h.documentsPath)
	storageInfo := map[string]any{"path": h.documentsPath, "free": free}
	if err != nil {
		storageInfo["error"] = err.Error()
	}

	jsonResponse(w, map[string]any{
		"storage":  storageInfo,
		"pipeline": h.pipeline.Phase(),
		"engine":   h.engine,
		"system": map[string]any{
			"go_version":     runtime.Version(),
			"goroutines":     runtime.NumGoroutine(),
			"uptime_seconds": int(time.Since(startTime).Seconds()),
			"mem_alloc":      mem.Alloc,
			"mem_sys":        mem.Sys,
		},
	}, http.StatusOK)
}

func (h *AdminHandler) RateLimits(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, h.limiter.Status(), http.StatusOK)
}

func (h *AdminHandler) ClearRateLimits(w http.ResponseWriter, r *http.Request) {
	h.limiter.Clear()
	w.WriteHeader(http.StatusNoContent)
}
