package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ExtractAudio writes the first audio track of in to out as 16 kHz mono
// PCM WAV, the input format whisper expects.
func (t *Tool) ExtractAudio(ctx context.Context, in, out string) error {
	res, err := t.runner.Run(ctx, t.FFmpegPath,
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-i", in,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		"-y",
		out,
	)
	if err != nil {
		os.Remove(out)
		return fmt.Errorf("ffmpeg extract audio: %s: %w", strings.TrimSpace(res.Stderr), err)
	}
	return nil
}

// SplitAudio cuts in into MP3 segments of segmentSeconds inside dir and
// returns them in playback order.
func (t *Tool) SplitAudio(ctx context.Context, in, dir string, segmentSeconds int) ([]string, error) {
	pattern := filepath.Join(dir, "chunk_%03d.mp3")
	res, err := t.runner.Run(ctx, t.FFmpegPath,
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-i", in,
		"-f", "segment",
		"-segment_time", strconv.Itoa(segmentSeconds),
		"-c:a", "libmp3lame",
		"-q:a", "4",
		"-y",
		pattern,
	)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg split: %s: %w", strings.TrimSpace(res.Stderr), err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var chunks []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "chunk_") && strings.HasSuffix(e.Name(), ".mp3") {
			chunks = append(chunks, filepath.Join(dir, e.Name()))
		}
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("ffmpeg split produced no chunks")
	}
	sort.Strings(chunks)
	return chunks, nil
}
