package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/video-stream/subsync/internal/api"
	"github.com/video-stream/subsync/internal/api/handlers"
	"github.com/video-stream/subsync/internal/api/middleware"
	"github.com/video-stream/subsync/internal/auth"
	"github.com/video-stream/subsync/internal/config"
	"github.com/video-stream/subsync/internal/db"
	"github.com/video-stream/subsync/internal/download"
	"github.com/video-stream/subsync/internal/events"
	"github.com/video-stream/subsync/internal/ffmpeg"
	"github.com/video-stream/subsync/internal/pipeline"
	"github.com/video-stream/subsync/internal/storage"
	"github.com/video-stream/subsync/internal/stream"
	"github.com/video-stream/subsync/internal/subtitle/whisper"
	"github.com/video-stream/subsync/internal/transcribe"
)

func main() {
	// A missing .env is fine; the environment may be set directly.
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	thumbDir := filepath.Join(cfg.DataPath, "thumbnails")
	for _, dir := range []string{cfg.DataPath, cfg.DocumentsPath, cfg.TempPath, thumbDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("Failed to create %s: %v", dir, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.NewSQLite(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	if err := database.EnsureAdmin(cfg.AdminUsername, cfg.AdminPassword); err != nil {
		log.Fatalf("Failed to create admin user: %v", err)
	}
	log.Printf("Admin user ensured: %s", cfg.AdminUsername)

	bus := events.NewBus(1000)

	engine := download.NewEngine(download.NewSQLStore(database.DB()), bus, download.Options{
		DocumentsRoot: cfg.DocumentsPath,
		TempDir:       cfg.TempPath,
		IdleTimeout:   cfg.DownloadIdleTimeout,
		FlushBytes:    cfg.DownloadFlushBytes,
		FlushInterval: cfg.DownloadFlushInterval,
		MinFreeBytes:  uint64(cfg.DownloadMinFreeBytes),
	})
	if _, err := engine.RestorePendingDownloads(ctx); err != nil {
		log.Printf("[restore] failed: %v", err)
	}

	storage.NewJanitor(cfg.TempPath, cfg.TempCleanupAfter).Start(ctx)

	tool := ffmpeg.New(cfg.FFmpegPath, cfg.FFprobePath)
	recognizer, err := whisper.NewRecognizer(whisper.Config{
		Engine:    cfg.TranscribeEngine,
		ServerURL: cfg.WhisperURL,
		OpenAIKey: cfg.OpenAIKey,
		CLIPath:   cfg.WhisperCLIPath,
		ModelPath: cfg.WhisperModelPath,
		ModelURL:  cfg.WhisperModelURL,
		Splitter:  tool,
	})
	if err != nil {
		log.Fatalf("Failed to configure speech recognition: %v", err)
	}
	transcriber := transcribe.NewEngine(recognizer, tool, cfg.TempPath)

	catalog := stream.NewYouTubeCatalog(nil)
	orchestrator := pipeline.New(catalog, engine, transcriber, bus, pipeline.Options{
		Strategy: cfg.Strategy,
		Locale:   cfg.TranscribeLocale,
	})

	jwtService := auth.NewJWTService(cfg.JWTSecret)
	limiter := middleware.NewRateLimiter(ctx, cfg.LoginRateLimit, time.Minute)
	prefs := handlers.NewPreferences(database, cfg.Strategy, cfg.TranscribeLocale)

	router := api.NewRouter(api.Deps{
		JWT:            jwtService,
		CORSOrigins:    cfg.CORSOrigins,
		Limiter:        limiter,
		Auth:           handlers.NewAuthHandler(database, jwtService),
		Streams:        handlers.NewStreamsHandler(catalog, prefs),
		Downloads:      handlers.NewDownloadsHandler(engine, catalog, prefs),
		Transcriptions: handlers.NewTranscriptionsHandler(ctx, orchestrator, database, catalog, bus, prefs),
		History:        handlers.NewHistoryHandler(database, engine, tool, thumbDir),
		Settings:       handlers.NewSettingsHandler(database),
		Admin:          handlers.NewAdminHandler(limiter, orchestrator, cfg.DocumentsPath, recognizer.Name()),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// Long-lived event streams end when ctx does.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		log.Printf("Starting server on %s (engine %s, documents %s)", srv.Addr, recognizer.Name(), cfg.DocumentsPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	orchestrator.Cancel()
	engine.Close()
}
