package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/video-stream/subsync/internal/api/handlers"
	"github.com/video-stream/subsync/internal/api/middleware"
	"github.com/video-stream/subsync/internal/apperr"
	"github.com/video-stream/subsync/internal/auth"
	"github.com/video-stream/subsync/internal/db"
	"github.com/video-stream/subsync/internal/download"
	"github.com/video-stream/subsync/internal/pipeline"
	"github.com/video-stream/subsync/internal/stream"
	"github.com/video-stream/subsync/internal/subtitle"
)

type fakeCatalog struct {
	streams []stream.Descriptor
}

func (f *fakeCatalog) FetchStreams(context.Context, string) ([]stream.Descriptor, error) {
	return f.streams, nil
}

type fakeDownloads struct {
	activeID string
	deleted  []string
}

func (f *fakeDownloads) QueueDownload(_ context.Context, contentID string, _ stream.Descriptor) (string, error) {
	if f.activeID != "" {
		return f.activeID, fmt.Errorf("%w: record %s", apperr.ErrDuplicateActiveDownload, f.activeID)
	}
	f.activeID = "rec-" + contentID
	return f.activeID, nil
}

func (f *fakeDownloads) PauseDownload(id string) error {
	return fmt.Errorf("%w: download %s is not running", apperr.ErrNotFound, id)
}
func (f *fakeDownloads) ResumeDownload(context.Context, string) error { return apperr.ErrNotResumable }
func (f *fakeDownloads) CancelDownloads(context.Context, string) error { return nil }
func (f *fakeDownloads) DownloadProgress(string) *download.Progress    { return nil }
func (f *fakeDownloads) Records(context.Context, string) ([]*download.Record, error) {
	return nil, nil
}
func (f *fakeDownloads) CompletedFile(_ context.Context, contentID string) (string, error) {
	return "", fmt.Errorf("%w: no completed download for %s", apperr.ErrNotFound, contentID)
}
func (f *fakeDownloads) DeleteForContent(_ context.Context, contentID string) error {
	f.deleted = append(f.deleted, contentID)
	return nil
}

type fakePipeline struct {
	phase   pipeline.Phase
	started []pipeline.Options
}

func (f *fakePipeline) Go(_ context.Context, contentID string, opts pipeline.Options, _ func(subtitle.Subtitle, error)) error {
	if f.phase.State != pipeline.StateIdle {
		return pipeline.ErrBusy
	}
	f.started = append(f.started, opts)
	f.phase = pipeline.Phase{State: pipeline.StateFetchingStreams, ContentID: contentID}
	return nil
}
func (f *fakePipeline) Phase() pipeline.Phase { return f.phase }
func (f *fakePipeline) Cancel()               {}
func (f *fakePipeline) Reset() error          { return nil }

type fakeThumbs struct{}

func (fakeThumbs) Thumbnail(context.Context, string, string) error { return nil }

type testServer struct {
	srv       *httptest.Server
	database  *db.Database
	downloads *fakeDownloads
	pipeline  *fakePipeline
	token     string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	database, err := db.NewSQLite(filepath.Join(dir, "api.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.EnsureAdmin("admin", "secret"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	res := 720
	catalog := &fakeCatalog{streams: []stream.Descriptor{{
		URL: "https://media.example/720.mp4", IsProgressive: true, Container: stream.ContainerMP4, ResolutionPx: &res,
	}}}
	downloads := &fakeDownloads{}
	pl := &fakePipeline{phase: pipeline.Phase{State: pipeline.StateIdle}}
	jwt := auth.NewJWTService("test-secret")
	limiter := middleware.NewRateLimiter(ctx, 3, time.Minute)
	prefs := handlers.NewPreferences(database, stream.StrategyMedium, "auto")

	router := NewRouter(Deps{
		JWT:            jwt,
		Limiter:        limiter,
		Auth:           handlers.NewAuthHandler(database, jwt),
		Streams:        handlers.NewStreamsHandler(catalog, prefs),
		Downloads:      handlers.NewDownloadsHandler(downloads, catalog, prefs),
		Transcriptions: handlers.NewTranscriptionsHandler(ctx, pl, database, nil, nil, prefs),
		History:        handlers.NewHistoryHandler(database, downloads, fakeThumbs{}, filepath.Join(dir, "thumbs")),
		Settings:       handlers.NewSettingsHandler(database),
		Admin:          handlers.NewAdminHandler(limiter, pl, dir, "whisper-cli"),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	token, err := jwt.GenerateToken(1, "admin", "admin")
	if err != nil {
		t.Fatal(err)
	}
	return &testServer{srv: srv, database: database, downloads: downloads, pipeline: pl, token: token}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, s.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func TestLoginAndMe(t *testing.T) {
	s := newTestServer(t)
	s.token = ""

	resp, body := s.do(t, "POST", "/api/auth/login", `{"username":"admin","password":"secret"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, body %v", resp.StatusCode, body)
	}
	s.token, _ = body["token"].(string)
	if s.token == "" {
		t.Fatal("login returned no token")
	}

	resp, body = s.do(t, "GET", "/api/auth/me", "")
	if resp.StatusCode != http.StatusOK || body["username"] != "admin" {
		t.Fatalf("me = %d %v", resp.StatusCode, body)
	}
}

func TestLoginRejectsBadPasswordAndRateLimits(t *testing.T) {
	s := newTestServer(t)
	s.token = ""
	for i := range 3 {
		resp, _ := s.do(t, "POST", "/api/auth/login", `{"username":"admin","password":"wrong"}`)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d, want 401", i, resp.StatusCode)
		}
	}
	resp, _ := s.do(t, "POST", "/api/auth/login", `{"username":"admin","password":"secret"}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)
	s.token = ""
	resp, _ := s.do(t, "GET", "/api/history", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	resp, _ = s.do(t, "GET", "/api/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
}

func TestQueueDownloadConflictReturnsExistingID(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, "POST", "/api/downloads", `{"content_id":"abc"}`)
	if resp.StatusCode != http.StatusAccepted || body["record_id"] != "rec-abc" {
		t.Fatalf("queue = %d %v", resp.StatusCode, body)
	}
	resp, body = s.do(t, "POST", "/api/downloads", `{"content_id":"abc"}`)
	if resp.StatusCode != http.StatusConflict || body["record_id"] != "rec-abc" {
		t.Fatalf("duplicate = %d %v", resp.StatusCode, body)
	}
}

func TestQueueDownloadNoCompatibleStream(t *testing.T) {
	s := newTestServer(t)
	resp, body := s.do(t, "POST", "/api/downloads", `{"content_id":"abc","strategy":"audio"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity || body["kind"] != string(apperr.KindNoCompatibleStream) {
		t.Fatalf("queue = %d %v", resp.StatusCode, body)
	}
}

func TestPauseUnknownRecord(t *testing.T) {
	s := newTestServer(t)
	resp, body := s.do(t, "POST", "/api/downloads/records/nope/pause", "")
	if resp.StatusCode != http.StatusNotFound || body["kind"] != string(apperr.KindNotFound) {
		t.Fatalf("pause = %d %v", resp.StatusCode, body)
	}
}

func TestHistorySubtitlePatchAndDelete(t *testing.T) {
	s := newTestServer(t)
	sub := subtitle.Subtitle{Language: "en", Cues: []subtitle.Cue{{Sequence: 1, StartSeconds: 0, EndSeconds: 1.5, Text: "Hello"}}}
	if err := s.database.SaveTranscript("abc", "Demo", sub); err != nil {
		t.Fatal(err)
	}

	req, _ := http.NewRequest("GET", s.srv.URL+"/api/history/abc/subtitle.vtt", nil)
	req.Header.Set("Authorization", "Bearer "+s.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	vtt, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(string(vtt), "WEBVTT") || !strings.Contains(string(vtt), "Hello") {
		t.Fatalf("vtt = %d %q", resp.StatusCode, vtt)
	}

	resp, body := s.do(t, "PATCH", "/api/history/abc", `{"notes":"first","favorite":true}`)
	if resp.StatusCode != http.StatusOK || body["notes"] != "first" || body["favorite"] != true || body["title"] != "Demo" {
		t.Fatalf("patch = %d %v", resp.StatusCode, body)
	}
	resp, body = s.do(t, "PATCH", "/api/history/abc", `{"notes":null}`)
	if resp.StatusCode != http.StatusOK || body["notes"] != nil || body["favorite"] != true {
		t.Fatalf("clear notes = %d %v", resp.StatusCode, body)
	}

	resp, _ = s.do(t, "DELETE", "/api/history/abc", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if len(s.downloads.deleted) != 1 || s.downloads.deleted[0] != "abc" {
		t.Fatalf("downloads deleted = %v", s.downloads.deleted)
	}
	resp, _ = s.do(t, "GET", "/api/history/abc", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete = %d", resp.StatusCode)
	}
}

func TestStartTranscriptionBusy(t *testing.T) {
	s := newTestServer(t)
	resp, body := s.do(t, "POST", "/api/transcriptions", `{"content_id":"abc","locale":"en-US"}`)
	if resp.StatusCode != http.StatusAccepted || body["state"] != string(pipeline.StateFetchingStreams) {
		t.Fatalf("start = %d %v", resp.StatusCode, body)
	}
	if got := s.pipeline.started[0]; got.Locale != "en-US" || got.Strategy != stream.StrategyMedium {
		t.Fatalf("options = %+v", got)
	}
	resp, _ = s.do(t, "POST", "/api/transcriptions", `{"content_id":"def"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second start = %d, want 409", resp.StatusCode)
	}
}

func TestStartTranscriptionRejectsUnknownLocale(t *testing.T) {
	s := newTestServer(t)
	resp, _ := s.do(t, "POST", "/api/transcriptions", `{"content_id":"abc","locale":"xx-YY"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSettingsUsedAsDefaults(t *testing.T) {
	s := newTestServer(t)
	resp, _ := s.do(t, "PUT", "/api/settings", `{"stream_strategy":"best"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid strategy status = %d", resp.StatusCode)
	}
	resp, _ = s.do(t, "PUT", "/api/settings", `{"stream_strategy":"lowest","transcribe_locale":"de"}`)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
	resp, _ = s.do(t, "POST", "/api/transcriptions", `{"content_id":"abc"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start = %d", resp.StatusCode)
	}
	if got := s.pipeline.started[0]; got.Locale != "de" || got.Strategy != stream.StrategyLowest {
		t.Fatalf("options = %+v", got)
	}
}
