package ffmpeg

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// Thumbnail writes a 320px wide JPEG frame of in to out, reusing out when
// it already exists. The frame is taken at 10% of the duration.
func (t *Tool) Thumbnail(ctx context.Context, in, out string) error {
	if _, err := os.Stat(out); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return err
	}

	seek := 5.0
	if info, err := t.Probe(ctx, in); err == nil {
		seek = seekPoint(info.DurationSeconds())
	} else {
		log.Printf("[thumbnail] probe %s failed, using %.0fs: %v", in, seek, err)
	}

	res, err := t.runner.Run(ctx, t.FFmpegPath,
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-ss", fmt.Sprintf("%.2f", seek),
		"-i", in,
		"-vframes", "1",
		"-vf", "scale=320:-1",
		"-y",
		out,
	)
	if err != nil {
		os.Remove(out)
		return fmt.Errorf("ffmpeg thumbnail: %s: %w", strings.TrimSpace(res.Stderr), err)
	}
	return nil
}

// seekPoint clamps 10% of duration to [1s, 5min]; unknown durations use 5s.
func seekPoint(duration float64) float64 {
	if duration <= 0 {
		return 5
	}
	return min(max(duration*0.10, 1), 300)
}
