package stream

import (
	"context"
	"strconv"
	"strings"
)

// Container is the file container of an encoded stream.
type Container string

const (
	ContainerMP4     Container = "mp4"
	ContainerWebM    Container = "webm"
	Container3GP     Container = "3gp"
	ContainerM4A     Container = "m4a"
	ContainerUnknown Container = "unknown"
)

// containerRank orders containers by how broadly playable they are.
var containerRank = map[Container]int{
	ContainerMP4:     0,
	ContainerM4A:     1,
	ContainerWebM:    2,
	Container3GP:     3,
	ContainerUnknown: 4,
}

// Descriptor is one encoded stream offered for a content ID.
type Descriptor struct {
	URL           string    `json:"url"`
	IsProgressive bool      `json:"is_progressive"`
	AudioOnly     bool      `json:"audio_only"`
	Container     Container `json:"container"`
	ResolutionPx  *int      `json:"resolution_px,omitempty"`
	BitrateBps    *int      `json:"bitrate_bps,omitempty"`
	FormatID      string    `json:"format_id"`
	MimeType      string    `json:"mime_type,omitempty"`
	QualityLabel  string    `json:"quality_label,omitempty"`
	ContentLength int64     `json:"content_length,omitempty"`
}

// Extension is the file extension used when the stream is written to disk.
func (d Descriptor) Extension() string {
	if d.Container == "" || d.Container == ContainerUnknown {
		return "bin"
	}
	return string(d.Container)
}

// Catalog lists the streams available for a content ID.
type Catalog interface {
	FetchStreams(ctx context.Context, contentID string) ([]Descriptor, error)
}

// ContainerFromMime maps a MIME type such as `video/mp4; codecs="avc1"`
// to a Container.
func ContainerFromMime(mime string) Container {
	base := strings.TrimSpace(strings.ToLower(mime))
	if i := strings.Index(base, ";"); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	switch base {
	case "video/mp4":
		return ContainerMP4
	case "audio/mp4":
		return ContainerM4A
	case "video/webm", "audio/webm":
		return ContainerWebM
	case "video/3gpp":
		return Container3GP
	default:
		return ContainerUnknown
	}
}

// ParseResolution extracts the pixel height from labels like "720p60" or "4k".
func ParseResolution(label string) int {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "4k" {
		return 2160
	}
	digits := ""
	for _, c := range label {
		if c < '0' || c > '9' {
			break
		}
		digits += string(c)
	}
	if digits == "" {
		return 0
	}
	v, _ := strconv.Atoi(digits)
	return v
}

func intPtr(v int) *int {
	return &v
}
