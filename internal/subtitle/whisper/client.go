package whisper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// WhisperCppClient talks to the whisper.cpp HTTP server (whisper-server)
type WhisperCppClient struct {
	baseURL    string
	httpClient *http.Client
	reachable  atomic.Bool
	tick       time.Duration
}

// NewWhisperCppClient creates a client for the whisper.cpp server
func NewWhisperCppClient(baseURL string) *WhisperCppClient {
	return &WhisperCppClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Minute, // transcription can be very long
		},
		tick: 500 * time.Millisecond,
	}
}

func (c *WhisperCppClient) Name() string {
	return "whisper.cpp"
}

// Ready is true once the server has answered a request.
func (c *WhisperCppClient) Ready(string) bool {
	return c.reachable.Load()
}

// Prepare checks that the server answers at all; any HTTP status counts.
func (c *WhisperCppClient) Prepare(ctx context.Context, locale string) error {
	if !SupportedLocale(locale) {
		return fmt.Errorf("locale %q is not supported by whisper", locale)
	}
	err := withRetry(ctx, "whisper.cpp", func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
		if err != nil {
			return 0, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return 0, fmt.Errorf("whisper server unreachable: %w", err)
		}
		resp.Body.Close()
		return resp.StatusCode, nil
	})
	if err != nil {
		return err
	}
	c.reachable.Store(true)
	return nil
}

// Recognize uploads the WAV to /inference and parses verbose_json.
func (c *WhisperCppClient) Recognize(ctx context.Context, req Request, onProgress func(float64)) (*Result, error) {
	fields := [][2]string{
		{"response_format", "verbose_json"},
		{"temperature", "0.0"},
		{"split_on_word", "true"},
	}
	lang := languageCode(req.Locale)
	if lang != "" {
		fields = append(fields, [2]string{"language", lang})
	}

	est := startEstimator(expectedRuntime(req.Duration, 0.5), c.tick, onProgress)
	defer est.Stop()

	var parsed verboseResponse
	err := withRetry(ctx, "whisper.cpp", func() (int, error) {
		body, contentType, err := multipartAudio(req.AudioPath, fields)
		if err != nil {
			return 0, err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/inference", body)
		if err != nil {
			return 0, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", contentType)

		log.Printf("[whisper] sending %s to %s", req.AudioPath, c.baseURL)
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return 0, fmt.Errorf("whisper server request: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return 0, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return resp.StatusCode, fmt.Errorf("whisper server error (status %d): %s", resp.StatusCode, string(raw))
		}
		c.reachable.Store(true)
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return resp.StatusCode, fmt.Errorf("decode verbose_json: %w", err)
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return nil, err
	}

	if parsed.Language == "" {
		parsed.Language = lang
	}
	return &Result{Language: parsed.Language, Segments: parsed.toSegments(0)}, nil
}
