package transcribe

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/video-stream/subsync/internal/apperr"
	"github.com/video-stream/subsync/internal/ffmpeg"
	"github.com/video-stream/subsync/internal/subtitle"
	"github.com/video-stream/subsync/internal/subtitle/whisper"
)

type fakeMedia struct {
	info       *ffmpeg.MediaInfo
	probeErr   error
	extracted  []string
	extractErr error
}

func (f *fakeMedia) Probe(context.Context, string) (*ffmpeg.MediaInfo, error) {
	return f.info, f.probeErr
}

func (f *fakeMedia) ExtractAudio(_ context.Context, _, out string) error {
	f.extracted = append(f.extracted, out)
	if f.extractErr != nil {
		return f.extractErr
	}
	return os.WriteFile(out, []byte("wav"), 0644)
}

type fakeRecognizer struct {
	ready     bool
	prepared  int
	progress  []float64
	segments  []subtitle.Segment
	err       error
	recognize func(ctx context.Context, onProgress func(float64)) error
}

func (f *fakeRecognizer) Name() string      { return "fake" }
func (f *fakeRecognizer) Ready(string) bool { return f.ready }
func (f *fakeRecognizer) Prepare(context.Context, string) error {
	f.prepared++
	f.ready = true
	return nil
}

func (f *fakeRecognizer) Recognize(ctx context.Context, req whisper.Request, onProgress func(float64)) (*whisper.Result, error) {
	if _, err := os.Stat(req.AudioPath); err != nil {
		return nil, err
	}
	if f.recognize != nil {
		if err := f.recognize(ctx, onProgress); err != nil {
			return nil, err
		}
	}
	for _, p := range f.progress {
		onProgress(p)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &whisper.Result{Language: "en", Segments: f.segments}, nil
}

type phaseLog struct {
	mu     sync.Mutex
	phases []Phase
}

func (l *phaseLog) add(p Phase) {
	l.mu.Lock()
	l.phases = append(l.phases, p)
	l.mu.Unlock()
}

func (l *phaseLog) kinds() []PhaseKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []PhaseKind
	for _, p := range l.phases {
		if len(out) == 0 || out[len(out)-1] != p.Kind {
			out = append(out, p.Kind)
		}
	}
	return out
}

func audioInfo() *ffmpeg.MediaInfo {
	return &ffmpeg.MediaInfo{Duration: "10.0", AudioCodec: "aac"}
}

func TestTranscribeProducesOrderedCues(t *testing.T) {
	media := &fakeMedia{info: audioInfo()}
	rec := &fakeRecognizer{
		progress: []float64{0.2, 0.1, 0.6},
		segments: []subtitle.Segment{
			{StartSeconds: 0, EndSeconds: 1.2, Text: "Hello"},
			{StartSeconds: 1.5, EndSeconds: 3.0, Text: "world"},
		},
	}
	tempDir := t.TempDir()
	e := NewEngine(rec, media, tempDir)
	var log phaseLog

	sub, err := e.Transcribe(context.Background(), "in.mp4", "en-US", log.add)
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if len(sub.Cues) != 2 || sub.Cues[0].Sequence != 1 || sub.Cues[1].Sequence != 2 {
		t.Fatalf("cues = %+v", sub.Cues)
	}
	if sub.Cues[0].Text != "Hello" || sub.Cues[1].StartSeconds != 1.5 || sub.Cues[1].EndSeconds != 3.0 {
		t.Fatalf("cues = %+v", sub.Cues)
	}
	if sub.Language != "en-US" {
		t.Fatalf("language = %q", sub.Language)
	}
	if sub.Cues[0].WordTimings != nil {
		t.Fatal("cue without word timing has WordTimings")
	}

	want := []PhaseKind{PhasePreparingAssets, PhaseTranscribing, PhaseCompleted}
	if got := log.kinds(); !equalKinds(got, want) {
		t.Fatalf("phases = %v, want %v", got, want)
	}
	last := -1.0
	for _, p := range log.phases {
		if p.Kind != PhaseTranscribing {
			continue
		}
		if p.Fraction < last {
			t.Fatalf("progress decreased: %+v", log.phases)
		}
		last = p.Fraction
	}
	if last != 1 {
		t.Fatalf("last progress = %v, want 1", last)
	}
	if rec.prepared != 1 {
		t.Fatalf("Prepare() calls = %d", rec.prepared)
	}

	entries, _ := os.ReadDir(tempDir)
	if len(entries) != 0 {
		t.Fatalf("temp audio left behind: %d entries", len(entries))
	}
}

func TestTranscribeSkipsPreparingWhenReady(t *testing.T) {
	e := NewEngine(&fakeRecognizer{ready: true}, &fakeMedia{info: audioInfo()}, t.TempDir())
	var log phaseLog
	if _, err := e.Transcribe(context.Background(), "in.mp4", "en", log.add); err != nil {
		t.Fatal(err)
	}
	want := []PhaseKind{PhaseTranscribing, PhaseCompleted}
	if got := log.kinds(); !equalKinds(got, want) {
		t.Fatalf("phases = %v, want %v", got, want)
	}
}

func TestTranscribeUnsupportedFormat(t *testing.T) {
	tests := []struct {
		name  string
		media *fakeMedia
	}{
		{"probe fails", &fakeMedia{probeErr: errors.New("invalid data")}},
		{"no audio", &fakeMedia{info: &ffmpeg.MediaInfo{VideoCodec: "h264"}}},
		{"decode fails", &fakeMedia{info: audioInfo(), extractErr: errors.New("ffmpeg")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(&fakeRecognizer{ready: true}, tt.media, t.TempDir())
			var log phaseLog
			_, err := e.Transcribe(context.Background(), "in.bin", "en", log.add)
			if !errors.Is(err, apperr.ErrUnsupportedFormat) {
				t.Fatalf("error = %v, want ErrUnsupportedFormat", err)
			}
			if len(log.phases) == 0 || log.phases[len(log.phases)-1].Kind != PhaseFailed {
				t.Fatalf("phases = %+v, want trailing failed", log.phases)
			}
		})
	}
}

func TestTranscribeRecognitionError(t *testing.T) {
	e := NewEngine(&fakeRecognizer{ready: true, err: errors.New("model crashed")}, &fakeMedia{info: audioInfo()}, t.TempDir())
	_, err := e.Transcribe(context.Background(), "in.mp4", "en", nil)
	if !errors.Is(err, apperr.ErrRecognition) {
		t.Fatalf("error = %v, want ErrRecognition", err)
	}
}

func TestCancelSuppressesLaterCallbacks(t *testing.T) {
	started := make(chan struct{})
	rec := &fakeRecognizer{ready: true}
	rec.recognize = func(ctx context.Context, onProgress func(float64)) error {
		onProgress(0.3)
		close(started)
		<-ctx.Done()
		onProgress(0.9)
		return ctx.Err()
	}
	e := NewEngine(rec, &fakeMedia{info: audioInfo()}, t.TempDir())
	var log phaseLog

	done := make(chan error, 1)
	go func() {
		_, err := e.Transcribe(context.Background(), "in.mp4", "en", log.add)
		done <- err
	}()
	<-started
	e.Cancel()

	if err := <-done; !errors.Is(err, apperr.ErrCancelled) {
		t.Fatalf("error = %v, want ErrCancelled", err)
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	last := log.phases[len(log.phases)-1]
	if last.Kind != PhaseFailed || last.Message != "cancelled" {
		t.Fatalf("last phase = %+v", last)
	}
	for _, p := range log.phases {
		if p.Kind == PhaseTranscribing && p.Fraction == 0.9 {
			t.Fatal("progress delivered after cancel")
		}
	}
	e.Cancel()
}

func TestCancelledRunIgnoresLateResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	rec := &fakeRecognizer{ready: true, segments: []subtitle.Segment{{StartSeconds: 0, EndSeconds: 1, Text: "late"}}}
	rec.recognize = func(context.Context, func(float64)) error {
		close(started)
		<-release
		return nil
	}
	e := NewEngine(rec, &fakeMedia{info: audioInfo()}, t.TempDir())
	var log phaseLog

	type result struct {
		sub subtitle.Subtitle
		err error
	}
	done := make(chan result, 1)
	go func() {
		sub, err := e.Transcribe(context.Background(), "in.mp4", "en", log.add)
		done <- result{sub, err}
	}()
	<-started
	e.Cancel()
	close(release)

	res := <-done
	if !errors.Is(res.err, apperr.ErrCancelled) {
		t.Fatalf("error = %v, want ErrCancelled", res.err)
	}
	if len(res.sub.Cues) != 0 {
		t.Fatalf("cues = %+v, want none", res.sub.Cues)
	}
	if got, want := log.kinds(), []PhaseKind{PhaseTranscribing, PhaseFailed}; !equalKinds(got, want) {
		t.Fatalf("phases = %v, want %v", got, want)
	}
}

func TestTranscribeRejectsConcurrentRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	rec := &fakeRecognizer{ready: true}
	rec.recognize = func(context.Context, func(float64)) error {
		close(started)
		<-release
		return nil
	}
	e := NewEngine(rec, &fakeMedia{info: audioInfo()}, t.TempDir())
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		e.Transcribe(context.Background(), "a.mp4", "en", nil)
	}()
	<-started

	_, err := e.Transcribe(context.Background(), "b.mp4", "en", nil)
	close(release)
	<-finished
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("error = %v, want ErrBusy", err)
	}
}

func TestWordTimingsKeptInsideCue(t *testing.T) {
	rec := &fakeRecognizer{ready: true, segments: []subtitle.Segment{{
		StartSeconds: 1, EndSeconds: 2, Text: "hi there",
		Words: []subtitle.WordTiming{{Text: "hi", StartSeconds: 1, EndSeconds: 1.4}, {Text: "there", StartSeconds: 1.5, EndSeconds: 2}},
	}}}
	sub, err := NewEngine(rec, &fakeMedia{info: audioInfo()}, t.TempDir()).
		Transcribe(context.Background(), "in.mp4", "auto", nil)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Language != "en" {
		t.Fatalf("language = %q, want detected en", sub.Language)
	}
	if len(sub.Cues) != 1 || len(sub.Cues[0].WordTimings) != 2 {
		t.Fatalf("cues = %+v", sub.Cues)
	}
}

func equalKinds(a, b []PhaseKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
