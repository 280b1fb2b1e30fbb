package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type probeOutput struct {
	Format  probeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

type probeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

type ProbeStream struct {
	Index      int    `json:"index"`
	CodecName  string `json:"codec_name"`
	CodecType  string `json:"codec_type"` // video, audio, subtitle
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	SampleRate string `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Duration   string `json:"duration,omitempty"`
}

type MediaInfo struct {
	FormatName string        `json:"format_name"`
	Duration   string        `json:"duration"`
	Size       string        `json:"size"`
	VideoCodec string        `json:"video_codec"`
	AudioCodec string        `json:"audio_codec"`
	Width      int           `json:"width"`
	Height     int           `json:"height"`
	Streams    []ProbeStream `json:"streams"`
}

// DurationSeconds returns the container duration, falling back to the
// longest stream duration, or 0 when unknown.
func (m *MediaInfo) DurationSeconds() float64 {
	if d, err := strconv.ParseFloat(strings.TrimSpace(m.Duration), 64); err == nil && d > 0 {
		return d
	}
	var longest float64
	for _, s := range m.Streams {
		if d, err := strconv.ParseFloat(s.Duration, 64); err == nil && d > longest {
			longest = d
		}
	}
	return longest
}

func (m *MediaInfo) HasAudio() bool {
	return m.AudioCodec != ""
}

// Probe runs ffprobe on path.
func (t *Tool) Probe(ctx context.Context, path string) (*MediaInfo, error) {
	res, err := t.runner.Run(ctx, t.FFprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return parseProbe([]byte(res.Stdout))
}

func parseProbe(out []byte) (*MediaInfo, error) {
	var result probeOutput
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	info := &MediaInfo{
		FormatName: result.Format.FormatName,
		Duration:   result.Format.Duration,
		Size:       result.Format.Size,
		Streams:    result.Streams,
	}
	for _, s := range result.Streams {
		switch s.CodecType {
		case "video":
			if info.VideoCodec == "" {
				info.VideoCodec = s.CodecName
				info.Width = s.Width
				info.Height = s.Height
			}
		case "audio":
			if info.AudioCodec == "" {
				info.AudioCodec = s.CodecName
			}
		}
	}
	return info, nil
}
