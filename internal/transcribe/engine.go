// Package transcribe turns a local media file into a timed subtitle using
// a whisper recognizer.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/video-stream/subsync/internal/apperr"
	"github.com/video-stream/subsync/internal/ffmpeg"
	"github.com/video-stream/subsync/internal/subtitle"
	"github.com/video-stream/subsync/internal/subtitle/whisper"
)

type PhaseKind string

const (
	PhaseIdle            PhaseKind = "idle"
	PhasePreparingAssets PhaseKind = "preparingAssets"
	PhaseTranscribing    PhaseKind = "transcribing"
	PhaseCompleted       PhaseKind = "completed"
	PhaseFailed          PhaseKind = "failed"
)

// Phase is one observable step of a transcription. Fraction is set for
// transcribing; Message for failed.
type Phase struct {
	Kind     PhaseKind `json:"kind"`
	Fraction float64   `json:"fraction,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// Media probes and decodes input files.
type Media interface {
	Probe(ctx context.Context, path string) (*ffmpeg.MediaInfo, error)
	ExtractAudio(ctx context.Context, in, out string) error
}

// ErrBusy is returned when a transcription is already running.
var ErrBusy = errors.New("transcription already in progress")

type Engine struct {
	recognizer whisper.Recognizer
	media      Media
	tempDir    string

	mu      sync.Mutex
	current *run
}

func NewEngine(recognizer whisper.Recognizer, media Media, tempDir string) *Engine {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Engine{recognizer: recognizer, media: media, tempDir: tempDir}
}

// run serializes phase delivery for one Transcribe call and drops
// everything after the first terminal phase.
type run struct {
	cancel  context.CancelFunc
	onPhase func(Phase)

	mu        sync.Mutex
	closed    bool
	cancelled bool
	last      float64
}

func (r *run) emit(p Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if p.Kind == PhaseTranscribing {
		if p.Fraction < r.last {
			return
		}
		r.last = p.Fraction
	}
	if p.Kind == PhaseCompleted || p.Kind == PhaseFailed {
		r.closed = true
	}
	if r.onPhase != nil {
		r.onPhase(p)
	}
}

func (r *run) progress(f float64) {
	r.emit(Phase{Kind: PhaseTranscribing, Fraction: min(max(f, 0), 1)})
}

// stop emits failed("cancelled") once and cancels the run.
func (r *run) stop() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		r.cancelled = true
		if r.onPhase != nil {
			r.onPhase(Phase{Kind: PhaseFailed, Message: "cancelled"})
		}
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *run) wasCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Transcribe produces a subtitle for the media at path. onPhase receives
// preparingAssets (only when the recognizer needs it), non-decreasing
// transcribing fractions and exactly one terminal phase. It must not call
// back into the engine.
func (e *Engine) Transcribe(ctx context.Context, path, locale string, onPhase func(Phase)) (subtitle.Subtitle, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r := &run{cancel: cancel, onPhase: onPhase}

	e.mu.Lock()
	if e.current != nil {
		e.mu.Unlock()
		return subtitle.Subtitle{}, ErrBusy
	}
	e.current = r
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.current = nil
		e.mu.Unlock()
	}()

	start := time.Now()
	sub, err := e.transcribe(ctx, r, path, locale)
	if r.wasCancelled() {
		r.stop()
		log.Printf("[transcribe] %s cancelled", filepath.Base(path))
		return subtitle.Subtitle{}, apperr.ErrCancelled
	}
	if err != nil {
		if ctx.Err() != nil {
			r.stop()
			log.Printf("[transcribe] %s cancelled", filepath.Base(path))
			return subtitle.Subtitle{}, apperr.ErrCancelled
		}
		r.emit(Phase{Kind: PhaseFailed, Message: err.Error()})
		log.Printf("[transcribe] %s failed: %v", filepath.Base(path), err)
		return subtitle.Subtitle{}, err
	}

	r.emit(Phase{Kind: PhaseTranscribing, Fraction: 1})
	r.emit(Phase{Kind: PhaseCompleted})
	log.Printf("[transcribe] %s: %d cues in %s", filepath.Base(path), len(sub.Cues), time.Since(start).Round(time.Millisecond))
	return sub, nil
}

func (e *Engine) transcribe(ctx context.Context, r *run, path, locale string) (subtitle.Subtitle, error) {
	info, err := e.media.Probe(ctx, path)
	if err != nil {
		return subtitle.Subtitle{}, fmt.Errorf("%w: %v", apperr.ErrUnsupportedFormat, err)
	}
	if !info.HasAudio() {
		return subtitle.Subtitle{}, fmt.Errorf("%w: %s has no audio track", apperr.ErrUnsupportedFormat, filepath.Base(path))
	}

	if !e.recognizer.Ready(locale) {
		r.emit(Phase{Kind: PhasePreparingAssets})
		if err := e.recognizer.Prepare(ctx, locale); err != nil {
			return subtitle.Subtitle{}, fmt.Errorf("%w: prepare %s: %v", apperr.ErrRecognition, e.recognizer.Name(), err)
		}
	}
	r.progress(0)

	audio := filepath.Join(e.tempDir, "transcribe-"+uuid.New().String()+".wav")
	defer os.Remove(audio)
	if err := e.media.ExtractAudio(ctx, path, audio); err != nil {
		return subtitle.Subtitle{}, fmt.Errorf("%w: decode audio: %v", apperr.ErrUnsupportedFormat, err)
	}

	res, err := e.recognizer.Recognize(ctx, whisper.Request{
		AudioPath: audio,
		Locale:    locale,
		Duration:  info.DurationSeconds(),
	}, r.progress)
	if err != nil {
		return subtitle.Subtitle{}, fmt.Errorf("%w: %v", apperr.ErrRecognition, err)
	}

	lang := locale
	if lang == "" || lang == "auto" {
		lang = res.Language
	}
	sub := subtitle.FromSegments(lang, res.Segments)
	if err := sub.Validate(); err != nil {
		return subtitle.Subtitle{}, fmt.Errorf("%w: %v", apperr.ErrRecognition, err)
	}
	return sub, nil
}

// Cancel stops the in-flight transcription, reporting failed("cancelled")
// and suppressing any later callbacks. It is a no-op when idle.
func (e *Engine) Cancel() {
	e.mu.Lock()
	r := e.current
	e.mu.Unlock()
	if r != nil {
		r.stop()
	}
}
