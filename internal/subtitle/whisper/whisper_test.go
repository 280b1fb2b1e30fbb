package whisper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

const sampleCLIJSON = `{
  "result": {"language": "en"},
  "transcription": [
    {
      "offsets": {"from": 0, "to": 1500},
      "text": " Hello world,",
      "tokens": [
        {"text": "[_BEG_]", "offsets": {"from": 0, "to": 0}},
        {"text": " Hel", "offsets": {"from": 0, "to": 300}},
        {"text": "lo", "offsets": {"from": 300, "to": 500}},
        {"text": " world", "offsets": {"from": 600, "to": 1200}},
        {"text": ",", "offsets": {"from": 1200, "to": 1300}},
        {"text": "[_TT_75]", "offsets": {"from": 1500, "to": 1500}}
      ]
    },
    {
      "offsets": {"from": 2000, "to": 3000},
      "text": " Bye.",
      "tokens": []
    }
  ]
}`

func TestParseCLIOutput(t *testing.T) {
	res, err := parseCLIOutput([]byte(sampleCLIJSON))
	if err != nil {
		t.Fatalf("parseCLIOutput() error = %v", err)
	}
	if res.Language != "en" || len(res.Segments) != 2 {
		t.Fatalf("result = %+v", res)
	}
	seg := res.Segments[0]
	if seg.Text != "Hello world," || seg.StartSeconds != 0 || seg.EndSeconds != 1.5 {
		t.Fatalf("segment = %+v", seg)
	}
	if len(seg.Words) != 2 {
		t.Fatalf("words = %+v, want 2", seg.Words)
	}
	if seg.Words[0].Text != "Hello" || seg.Words[0].EndSeconds != 0.5 {
		t.Fatalf("first word = %+v", seg.Words[0])
	}
	if seg.Words[1].Text != "world," || seg.Words[1].StartSeconds != 0.6 || seg.Words[1].EndSeconds != 1.3 {
		t.Fatalf("second word = %+v", seg.Words[1])
	}
	if res.Segments[1].Words != nil {
		t.Fatalf("segment without tokens has words %+v", res.Segments[1].Words)
	}
}

func TestParseProgressLine(t *testing.T) {
	tests := []struct {
		line string
		want float64
		ok   bool
	}{
		{"whisper_print_progress_callback: progress =  40%", 0.4, true},
		{"whisper_print_progress_callback: progress = 100%", 1, true},
		{"whisper_init_from_file: loading model", 0, false},
		{"progress = abc%", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseProgressLine(tt.line)
		if got != tt.want || ok != tt.ok {
			t.Errorf("parseProgressLine(%q) = %v, %v, want %v, %v", tt.line, got, ok, tt.want, tt.ok)
		}
	}
}

func TestLanguageCode(t *testing.T) {
	tests := map[string]string{"en-US": "en", "pt_BR": "pt", "auto": "", "": "", "iw-IL": "he", "JA": "ja"}
	for in, want := range tests {
		if got := languageCode(in); got != want {
			t.Errorf("languageCode(%q) = %q, want %q", in, got, want)
		}
	}
	if SupportedLocale("xx-YY") {
		t.Error("SupportedLocale(xx-YY) = true")
	}
	if !SupportedLocale("de-DE") {
		t.Error("SupportedLocale(de-DE) = false")
	}
}

func TestVerboseTopLevelWordsAssignedBySegment(t *testing.T) {
	r := verboseResponse{
		Segments: []verboseSegment{{Start: 0, End: 2, Text: " one two "}, {Start: 2, End: 4, Text: "three"}},
		Words: []verboseWord{
			{Word: "one", Start: 0, End: 0.8},
			{Word: "two", Start: 1, End: 1.9},
			{Word: "three", Start: 2.1, End: 3},
		},
	}
	segs := r.toSegments(600)
	if len(segs) != 2 || segs[0].Text != "one two" {
		t.Fatalf("segments = %+v", segs)
	}
	if len(segs[0].Words) != 2 || len(segs[1].Words) != 1 {
		t.Fatalf("word split = %d/%d, want 2/1", len(segs[0].Words), len(segs[1].Words))
	}
	if segs[1].StartSeconds != 602 || segs[1].Words[0].StartSeconds != 602.1 {
		t.Fatalf("offset not applied: %+v", segs[1])
	}
}

func writeAudio(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "audio.wav")
	if err := os.WriteFile(p, []byte("RIFF....WAVE"), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestWhisperCppClientRecognize(t *testing.T) {
	var gotFormat, gotLang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotFormat = r.FormValue("response_format")
		gotLang = r.FormValue("language")
		json.NewEncoder(w).Encode(map[string]any{
			"language": "en",
			"segments": []map[string]any{
				{"start": 0.0, "end": 1.0, "text": " hi", "words": []map[string]any{{"word": " hi", "start": 0.1, "end": 0.9}}},
			},
		})
	}))
	defer srv.Close()

	c := NewWhisperCppClient(srv.URL + "/")
	if c.Ready("en") {
		t.Fatal("Ready() = true before any request")
	}
	res, err := c.Recognize(context.Background(), Request{AudioPath: writeAudio(t), Locale: "en-US"}, nil)
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if gotFormat != "verbose_json" || gotLang != "en" {
		t.Fatalf("form = %q/%q", gotFormat, gotLang)
	}
	if len(res.Segments) != 1 || res.Segments[0].Words[0].Text != "hi" {
		t.Fatalf("result = %+v", res)
	}
	if !c.Ready("en") {
		t.Fatal("Ready() = false after successful request")
	}
}

func TestWhisperCppClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad audio", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewWhisperCppClient(srv.URL).Recognize(context.Background(), Request{AudioPath: writeAudio(t)}, nil)
	if err == nil || !strings.Contains(err.Error(), "bad audio") {
		t.Fatalf("Recognize() error = %v", err)
	}
}

type fakeSplitter struct{ chunks int }

func (f fakeSplitter) SplitAudio(_ context.Context, _ string, dir string, _ int) ([]string, error) {
	var out []string
	for i := range f.chunks {
		p := filepath.Join(dir, fmt.Sprintf("chunk_%03d.mp3", i))
		os.WriteFile(p, []byte("mp3"), 0644)
		out = append(out, p)
	}
	return out, nil
}

func TestOpenAIChunkedOffsetsTimestamps(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		r.ParseMultipartForm(1 << 20)
		if got := r.MultipartForm.Value["timestamp_granularities[]"]; !slices.Contains(got, "word") {
			http.Error(w, "missing word granularity", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"language": "english",
			"segments": []map[string]any{{"start": 1.0, "end": 2.0, "text": "chunk"}},
			"words":    []map[string]any{{"word": "chunk", "start": 1.0, "end": 2.0}},
		})
	}))
	defer srv.Close()

	big := filepath.Join(t.TempDir(), "big.wav")
	f, err := os.Create(big)
	if err != nil {
		t.Fatal(err)
	}
	f.Truncate(maxOpenAIFileSize + 1)
	f.Close()

	c := NewOpenAIWhisperClient("sk-test", fakeSplitter{chunks: 2})
	c.endpoint = srv.URL
	res, err := c.Recognize(context.Background(), Request{AudioPath: big, Locale: "en"}, nil)
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if auth != "Bearer sk-test" {
		t.Fatalf("Authorization = %q", auth)
	}
	if len(res.Segments) != 2 || res.Segments[1].StartSeconds != 601 || res.Segments[1].Words[0].EndSeconds != 602 {
		t.Fatalf("segments = %+v", res.Segments)
	}
}

func TestCLIRecognizer(t *testing.T) {
	model := filepath.Join(t.TempDir(), "ggml-base.bin")
	os.WriteFile(model, []byte("model"), 0644)

	c := NewCLIRecognizer("/usr/local/bin/whisper-cli", model, "")
	var gotArgs []string
	c.run = func(_ context.Context, name string, args []string, onLine func(string)) error {
		gotArgs = args
		onLine("whisper_print_progress_callback: progress =  50%")
		onLine("whisper_print_progress_callback: progress = 100%")
		base := args[slices.Index(args, "-of")+1]
		return os.WriteFile(base+".json", []byte(sampleCLIJSON), 0644)
	}

	if !c.Ready("en") {
		t.Fatal("Ready() = false with model present")
	}
	var progress []float64
	res, err := c.Recognize(context.Background(), Request{AudioPath: "a.wav", Locale: "en-GB"}, func(f float64) {
		progress = append(progress, f)
	})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if len(res.Segments) != 2 {
		t.Fatalf("segments = %d", len(res.Segments))
	}
	if !slices.Contains(gotArgs, "-ojf") || gotArgs[slices.Index(gotArgs, "-l")+1] != "en" {
		t.Fatalf("args = %v", gotArgs)
	}
	if !slices.Equal(progress, []float64{0.5, estimateCap}) {
		t.Fatalf("progress = %v", progress)
	}
}

func TestCLIRecognizerFailure(t *testing.T) {
	c := NewCLIRecognizer("", "m.bin", "")
	c.run = func(context.Context, string, []string, func(string)) error {
		return errors.New("exit status 1: failed to load model")
	}
	if _, err := c.Recognize(context.Background(), Request{AudioPath: "a.wav"}, nil); err == nil ||
		!strings.Contains(err.Error(), "failed to load model") {
		t.Fatalf("Recognize() error = %v", err)
	}
}

func TestCLIPrepareDownloadsModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ggml-model-bytes"))
	}))
	defer srv.Close()

	model := filepath.Join(t.TempDir(), "models", "ggml-base.bin")
	c := NewCLIRecognizer("", model, srv.URL+"/ggml-base.bin")
	if c.Ready("en") {
		t.Fatal("Ready() = true without model")
	}
	if err := c.Prepare(context.Background(), "en"); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	got, _ := os.ReadFile(model)
	if string(got) != "ggml-model-bytes" || !c.Ready("en") {
		t.Fatalf("model = %q", got)
	}

	if err := NewCLIRecognizer("", filepath.Join(t.TempDir(), "none.bin"), "").Prepare(context.Background(), "en"); err == nil {
		t.Fatal("Prepare() without model or URL succeeded")
	}
	if err := c.Prepare(context.Background(), "xx"); err == nil {
		t.Fatal("Prepare(unsupported locale) succeeded")
	}
}

func TestIsRetryableError(t *testing.T) {
	if !isRetryableError(503, errors.New("x")) || !isRetryableError(0, errors.New("connection refused")) {
		t.Fatal("transient errors not retryable")
	}
	if isRetryableError(400, errors.New("bad request")) {
		t.Fatal("400 retryable")
	}
}

func TestIsOOMError(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"CUDA error: out of memory", true},
		{"ggml: failed to allocate 512 MB buffer", true},
		{"process killed (OOM)", true},
		{"oom-killer invoked", true},
		{"no room left in upload queue", false},
		{"zoom level invalid", false},
		{"bad request", false},
	}
	for _, tt := range tests {
		if got := isOOMError(tt.in); got != tt.want {
			t.Errorf("isOOMError(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewRecognizer(t *testing.T) {
	if _, err := NewRecognizer(Config{Engine: EngineServer}); err == nil {
		t.Fatal("server engine without URL accepted")
	}
	r, err := NewRecognizer(Config{Engine: EngineOpenAI, OpenAIKey: "k"})
	if err != nil || r.Name() != "openai" {
		t.Fatalf("NewRecognizer(openai) = %v, %v", r, err)
	}
	if _, err := NewRecognizer(Config{Engine: "nope"}); err == nil {
		t.Fatal("unknown engine accepted")
	}
}
