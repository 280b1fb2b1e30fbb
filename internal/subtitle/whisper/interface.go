package whisper

import (
	"context"

	"github.com/video-stream/subsync/internal/subtitle"
)

// Request is the input for one recognition.
type Request struct {
	AudioPath string  // 16 kHz mono WAV
	Locale    string  // BCP-47 tag such as "en-US", or "auto"
	Duration  float64 // seconds, 0 when unknown
}

// Result holds time-aligned segments in the order the engine produced them.
type Result struct {
	Language string
	Segments []subtitle.Segment
}

// Recognizer is the common interface for all whisper engines.
type Recognizer interface {
	Name() string
	// Ready reports whether Prepare can be skipped for locale.
	Ready(locale string) bool
	// Prepare makes the engine usable for locale, fetching a model or
	// checking connectivity as needed.
	Prepare(ctx context.Context, locale string) error
	Recognize(ctx context.Context, req Request, onProgress func(float64)) (*Result, error)
}
