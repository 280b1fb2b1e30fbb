package models

import (
	"time"

	"github.com/video-stream/subsync/internal/subtitle"
)

// HistoryEntry is one watched or transcribed video. The entry owns the
// subtitle produced for it; deleting the entry also deletes the downloads
// recorded for the same content.
type HistoryEntry struct {
	ContentID       string             `json:"content_id"`
	Title           string             `json:"title"`
	Notes           *string            `json:"notes"`
	Language        string             `json:"language"`
	Favorite        bool               `json:"favorite"`
	PositionSeconds float64            `json:"position_seconds"`
	CueCount        int                `json:"cue_count"`
	Subtitle        *subtitle.Subtitle `json:"subtitle,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}
