package whisper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

const openAITranscriptionURL = "https://api.openai.com/v1/audio/transcriptions"
const maxOpenAIFileSize = 25 * 1024 * 1024 // 25MB limit
const openAIChunkSeconds = 600

// Splitter cuts audio into fixed-length chunks for size-limited uploads.
type Splitter interface {
	SplitAudio(ctx context.Context, in, dir string, segmentSeconds int) ([]string, error)
}

// OpenAIWhisperClient uses the OpenAI Whisper API
type OpenAIWhisperClient struct {
	apiKey     string
	endpoint   string
	splitter   Splitter
	httpClient *http.Client
	tick       time.Duration
}

func NewOpenAIWhisperClient(apiKey string, splitter Splitter) *OpenAIWhisperClient {
	return &OpenAIWhisperClient{
		apiKey:   apiKey,
		endpoint: openAITranscriptionURL,
		splitter: splitter,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
		tick: 500 * time.Millisecond,
	}
}

func (c *OpenAIWhisperClient) Name() string {
	return "openai"
}

// Ready is true whenever a key is configured; there are no local assets.
func (c *OpenAIWhisperClient) Ready(string) bool {
	return c.apiKey != ""
}

func (c *OpenAIWhisperClient) Prepare(_ context.Context, locale string) error {
	if c.apiKey == "" {
		return fmt.Errorf("OpenAI API key not configured")
	}
	if !SupportedLocale(locale) {
		return fmt.Errorf("locale %q is not supported by whisper", locale)
	}
	return nil
}

func (c *OpenAIWhisperClient) Recognize(ctx context.Context, req Request, onProgress func(float64)) (*Result, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key not configured")
	}
	info, err := os.Stat(req.AudioPath)
	if err != nil {
		return nil, err
	}

	est := startEstimator(expectedRuntime(req.Duration, 0.1), c.tick, onProgress)
	defer est.Stop()

	lang := languageCode(req.Locale)
	if info.Size() <= maxOpenAIFileSize || c.splitter == nil {
		parsed, err := c.transcribeFile(ctx, req.AudioPath, lang)
		if err != nil {
			return nil, err
		}
		return &Result{Language: parsed.Language, Segments: parsed.toSegments(0)}, nil
	}
	return c.transcribeChunked(ctx, req.AudioPath, lang)
}

// transcribeChunked splits a large file and shifts each chunk's timestamps
// by its start offset.
func (c *OpenAIWhisperClient) transcribeChunked(ctx context.Context, audioPath, lang string) (*Result, error) {
	dir, err := os.MkdirTemp("", "whisper-chunks-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	chunks, err := c.splitter.SplitAudio(ctx, audioPath, dir, openAIChunkSeconds)
	if err != nil {
		return nil, err
	}
	log.Printf("[whisper-openai] %s split into %d chunks", audioPath, len(chunks))

	res := &Result{Language: lang}
	for i, chunk := range chunks {
		parsed, err := c.transcribeFile(ctx, chunk, lang)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		if res.Language == "" {
			res.Language = parsed.Language
		}
		res.Segments = append(res.Segments, parsed.toSegments(float64(i*openAIChunkSeconds))...)
	}
	return res, nil
}

func (c *OpenAIWhisperClient) transcribeFile(ctx context.Context, audioPath, lang string) (*verboseResponse, error) {
	fields := [][2]string{
		{"model", "whisper-1"},
		{"response_format", "verbose_json"},
		{"timestamp_granularities[]", "word"},
		{"timestamp_granularities[]", "segment"},
	}
	if lang != "" {
		fields = append(fields, [2]string{"language", lang})
	}

	var parsed verboseResponse
	err := withRetry(ctx, "whisper-openai", func() (int, error) {
		body, contentType, err := multipartAudio(audioPath, fields)
		if err != nil {
			return 0, err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
		if err != nil {
			return 0, err
		}
		httpReq.Header.Set("Content-Type", contentType)
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

		log.Printf("[whisper-openai] sending %s", audioPath)
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return 0, fmt.Errorf("OpenAI API request: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return 0, err
		}
		if resp.StatusCode != http.StatusOK {
			return resp.StatusCode, fmt.Errorf("OpenAI API error (status %d): %s", resp.StatusCode, string(raw))
		}
		parsed = verboseResponse{}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return resp.StatusCode, fmt.Errorf("decode verbose_json: %w", err)
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}
