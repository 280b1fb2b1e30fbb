package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/video-stream/subsync/internal/api/handlers"
	"github.com/video-stream/subsync/internal/api/middleware"
	"github.com/video-stream/subsync/internal/auth"
)

const maxJSONBody = 1 << 20

// Deps are the services the router exposes.
type Deps struct {
	JWT         *auth.JWTService
	CORSOrigins []string
	Limiter     *middleware.RateLimiter

	Auth           *handlers.AuthHandler
	Streams        *handlers.StreamsHandler
	Downloads      *handlers.DownloadsHandler
	Transcriptions *handlers.TranscriptionsHandler
	History        *handlers.HistoryHandler
	Settings       *handlers.SettingsHandler
	Admin          *handlers.AdminHandler
}

func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger)
	r.Use(cors.Handler(middleware.CORSHandler(d.CORSOrigins)))

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.MaxBodySize(maxJSONBody))

		r.Get("/health", d.Admin.Health)
		r.With(d.Limiter.Handler).Post("/auth/login", d.Auth.Login)

		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(d.JWT))

			r.Get("/auth/me", d.Auth.Me)

			r.Get("/streams/{contentID}", d.Streams.List)

			r.Post("/downloads", d.Downloads.Queue)
			r.Get("/downloads/{contentID}", d.Downloads.Status)
			r.Delete("/downloads/{contentID}", d.Downloads.Cancel)
			r.Get("/downloads/{contentID}/file", d.Downloads.File)
			r.Post("/downloads/records/{id}/pause", d.Downloads.Pause)
			r.Post("/downloads/records/{id}/resume", d.Downloads.Resume)

			r.Post("/transcriptions", d.Transcriptions.Start)
			r.Get("/transcriptions/phase", d.Transcriptions.Phase)
			r.Get("/transcriptions/events", d.Transcriptions.Events)
			r.Delete("/transcriptions", d.Transcriptions.Cancel)
			r.Post("/transcriptions/reset", d.Transcriptions.Reset)

			r.Get("/history", d.History.List)
			r.Get("/history/{contentID}", d.History.Get)
			r.Get("/history/{contentID}/subtitle.vtt", d.History.Subtitle)
			r.Get("/history/{contentID}/thumbnail", d.History.Thumbnail)
			r.Patch("/history/{contentID}", d.History.Update)
			r.Delete("/history/{contentID}", d.History.Delete)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole("admin"))
				r.Get("/settings", d.Settings.GetSettings)
				r.Put("/settings", d.Settings.UpdateSettings)
				r.Get("/admin/stats", d.Admin.Stats)
				r.Get("/admin/rate-limits", d.Admin.RateLimits)
				r.Delete("/admin/rate-limits", d.Admin.ClearRateLimits)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not found"}`))
	})
	return r
}
