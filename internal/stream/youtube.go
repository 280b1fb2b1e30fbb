package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kkdai/youtube/v2"

	"github.com/video-stream/subsync/internal/apperr"
)

// VideoInfo is the metadata returned alongside a catalog lookup.
type VideoInfo struct {
	ContentID string        `json:"content_id"`
	Title     string        `json:"title"`
	Author    string        `json:"author"`
	Duration  time.Duration `json:"duration"`
}

// YouTubeCatalog resolves content IDs through the YouTube player API.
type YouTubeCatalog struct {
	client *youtube.Client
}

// NewYouTubeCatalog creates a catalog backed by kkdai/youtube. A nil
// httpClient uses the library default.
func NewYouTubeCatalog(httpClient *http.Client) *YouTubeCatalog {
	return &YouTubeCatalog{client: &youtube.Client{HTTPClient: httpClient}}
}

// FetchStreams lists every format YouTube offers for contentID, resolving
// ciphered URLs. Formats whose URL cannot be deciphered are skipped.
func (c *YouTubeCatalog) FetchStreams(ctx context.Context, contentID string) ([]Descriptor, error) {
	video, err := c.client.GetVideoContext(ctx, contentID)
	if err != nil {
		return nil, classifyYouTubeError(contentID, err)
	}

	out := make([]Descriptor, 0, len(video.Formats))
	for i := range video.Formats {
		f := &video.Formats[i]
		d := fromFormat(f)
		if d.URL == "" {
			u, err := c.client.GetStreamURLContext(ctx, video, f)
			if err != nil {
				log.Printf("[stream] skip format %d of %s: %v", f.ItagNo, contentID, err)
				continue
			}
			d.URL = u
		}
		out = append(out, d)
	}
	return out, nil
}

// Describe returns the title, author and duration of contentID.
func (c *YouTubeCatalog) Describe(ctx context.Context, contentID string) (*VideoInfo, error) {
	video, err := c.client.GetVideoContext(ctx, contentID)
	if err != nil {
		return nil, classifyYouTubeError(contentID, err)
	}
	return &VideoInfo{
		ContentID: video.ID,
		Title:     video.Title,
		Author:    video.Author,
		Duration:  video.Duration,
	}, nil
}

func fromFormat(f *youtube.Format) Descriptor {
	mime := strings.ToLower(f.MimeType)
	d := Descriptor{
		URL:           f.URL,
		Container:     ContainerFromMime(f.MimeType),
		FormatID:      strconv.Itoa(f.ItagNo),
		MimeType:      f.MimeType,
		QualityLabel:  f.QualityLabel,
		ContentLength: f.ContentLength,
		AudioOnly:     strings.HasPrefix(mime, "audio/"),
	}
	if strings.HasPrefix(mime, "video/") {
		// Muxed formats carry an audio track description next to the video.
		d.IsProgressive = f.AudioChannels > 0 || strings.Contains(mime, ",")
		h := f.Height
		if h == 0 {
			h = ParseResolution(f.QualityLabel)
		}
		if h > 0 {
			d.ResolutionPx = intPtr(h)
		}
	}
	if f.Bitrate > 0 {
		d.BitrateBps = intPtr(f.Bitrate)
	} else if f.AverageBitrate > 0 {
		d.BitrateBps = intPtr(f.AverageBitrate)
	}
	return d
}

func classifyYouTubeError(contentID string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("fetch streams for %s: %w", contentID, apperr.ErrCancelled)
	}
	if errors.Is(err, youtube.ErrVideoPrivate) ||
		errors.Is(err, youtube.ErrInvalidCharactersInVideoID) ||
		errors.Is(err, youtube.ErrVideoIDMinLength) ||
		strings.Contains(err.Error(), "cannot playback") {
		return fmt.Errorf("fetch streams for %s: %w: %v", contentID, apperr.ErrNotFound, err)
	}
	return fmt.Errorf("fetch streams for %s: %w: %v", contentID, apperr.ErrNetwork, err)
}
