package whisper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/video-stream/subsync/internal/subtitle"
)

const maxRetries = 3

// withRetry runs send until it succeeds, fails permanently or maxRetries
// transient failures have been retried with exponential backoff.
func withRetry(ctx context.Context, name string, send func() (int, error)) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			log.Printf("[%s] retry %d/%d after %v", name, attempt, maxRetries, backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		status, err := send()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isOOMError(err.Error()) {
			return fmt.Errorf("out of memory, try a smaller model: %w", err)
		}
		if !isRetryableError(status, err) {
			return err
		}
		log.Printf("[%s] transient error (attempt %d/%d): %v", name, attempt+1, maxRetries+1, err)
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, maxRetries+1, lastErr)
}

// isOOMError checks if an error response indicates out-of-memory. "oom"
// only counts as a whole word.
func isOOMError(body string) bool {
	lower := strings.ToLower(body)
	if strings.Contains(lower, "out of memory") ||
		strings.Contains(lower, "memory allocation failed") ||
		strings.Contains(lower, "failed to allocate") {
		return true
	}
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return slices.Contains(words, "oom")
}

// isRetryableError checks if an HTTP error is transient and worth retrying
func isRetryableError(statusCode int, err error) bool {
	switch statusCode {
	case 429, 502, 503, 504:
		return true
	}
	if err != nil && statusCode == 0 {
		errStr := err.Error()
		return strings.Contains(errStr, "connection refused") ||
			strings.Contains(errStr, "connection reset") ||
			strings.Contains(errStr, "EOF") ||
			strings.Contains(errStr, "timeout")
	}
	return false
}

// multipartAudio builds a form with the audio file plus fields.
func multipartAudio(audioPath string, fields [][2]string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	f, err := os.Open(audioPath)
	if err != nil {
		return nil, "", fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("copy audio data: %w", err)
	}
	for _, kv := range fields {
		if err := writer.WriteField(kv[0], kv[1]); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &buf, writer.FormDataContentType(), nil
}

// estimator reports elapsed/expected progress, capped below 1, for engines
// that give no progress of their own.
type estimator struct {
	stop chan struct{}
	wg   sync.WaitGroup
}

const estimateCap = 0.95

func startEstimator(expected time.Duration, interval time.Duration, onProgress func(float64)) *estimator {
	e := &estimator{stop: make(chan struct{})}
	if onProgress == nil || expected <= 0 {
		return e
	}
	start := time.Now()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stop:
				return
			case <-ticker.C:
				f := float64(time.Since(start)) / float64(expected)
				onProgress(min(f, estimateCap))
			}
		}
	}()
	return e
}

// Stop ends reporting; no callback runs after it returns.
func (e *estimator) Stop() {
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
	e.wg.Wait()
}

// expectedRuntime guesses how long an engine takes for duration seconds of
// audio at the given real-time factor.
func expectedRuntime(duration, factor float64) time.Duration {
	d := time.Duration(duration * factor * float64(time.Second))
	return max(d, 5*time.Second)
}

// verboseResponse is the verbose_json shape shared by OpenAI and the
// whisper.cpp server. Words may be per segment or top level.
type verboseResponse struct {
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Text     string           `json:"text"`
	Segments []verboseSegment `json:"segments"`
	Words    []verboseWord    `json:"words"`
}

type verboseSegment struct {
	Start float64       `json:"start"`
	End   float64       `json:"end"`
	Text  string        `json:"text"`
	Words []verboseWord `json:"words"`
}

type verboseWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// toSegments shifts every timestamp by offset seconds. Top-level words are
// assigned to the segment whose span contains their start.
func (r *verboseResponse) toSegments(offset float64) []subtitle.Segment {
	out := make([]subtitle.Segment, 0, len(r.Segments))
	wi := 0
	for i, s := range r.Segments {
		seg := subtitle.Segment{
			StartSeconds: s.Start + offset,
			EndSeconds:   s.End + offset,
			Text:         strings.TrimSpace(s.Text),
		}
		words := s.Words
		if len(words) == 0 && len(r.Words) > 0 {
			last := i == len(r.Segments)-1
			begin := wi
			for wi < len(r.Words) && (last || r.Words[wi].Start < s.End) {
				wi++
			}
			words = r.Words[begin:wi]
		}
		for _, w := range words {
			text := strings.TrimSpace(w.Word)
			if text == "" {
				continue
			}
			seg.Words = append(seg.Words, subtitle.WordTiming{
				Text:         text,
				StartSeconds: w.Start + offset,
				EndSeconds:   w.End + offset,
			})
		}
		out = append(out, seg)
	}
	return out
}
