package download

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a download record.
type State string

const (
	StatePending     State = "pending"
	StateDownloading State = "downloading"
	StatePaused      State = "paused"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Active reports whether the state counts toward the one-active-download
// per content rule.
func (s State) Active() bool {
	return s == StatePending || s == StateDownloading || s == StatePaused
}

// Record is the durable state of one transfer.
//
// DestinationRelativePath is set only once the record is completed and is
// relative to the documents root. ResumeToken is only present while paused
// or failed with usable partial data.
type Record struct {
	ID                      string     `json:"id"`
	ContentID               string     `json:"content_id"`
	StreamURL               string     `json:"stream_url"`
	ContainerExtension      string     `json:"container_extension"`
	ResolutionPx            *int       `json:"resolution_px,omitempty"`
	TotalBytes              int64      `json:"total_bytes"`
	DownloadedBytes         int64      `json:"downloaded_bytes"`
	State                   State      `json:"state"`
	DestinationRelativePath *string    `json:"destination_relative_path,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
	CompletedAt             *time.Time `json:"completed_at,omitempty"`
	ErrorMessage            *string    `json:"error_message,omitempty"`
	ResumeToken             []byte     `json:"-"`
	AcceptRanges            bool       `json:"accept_ranges"`
	Validator               string     `json:"-"`
	Ephemeral               bool       `json:"ephemeral"`
}

// Resumable reports whether ResumeDownload would accept the record.
func (r *Record) Resumable() bool {
	switch r.State {
	case StatePaused:
		return !r.Ephemeral
	case StateFailed:
		return !r.Ephemeral && len(r.ResumeToken) > 0
	}
	return false
}

// Progress is a point-in-time view of a record for observers.
// Fraction is only meaningful when Indeterminate is false.
type Progress struct {
	RecordID        string  `json:"record_id"`
	ContentID       string  `json:"content_id"`
	State           State   `json:"state"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
	TotalBytes      int64   `json:"total_bytes"`
	Fraction        float64 `json:"fraction"`
	Indeterminate   bool    `json:"indeterminate"`
	Ephemeral       bool    `json:"ephemeral"`
	Resumable       bool    `json:"resumable"`
	ErrorMessage    string  `json:"error,omitempty"`
}

func (r *Record) Progress() Progress {
	p := Progress{
		RecordID:        r.ID,
		ContentID:       r.ContentID,
		State:           r.State,
		DownloadedBytes: r.DownloadedBytes,
		TotalBytes:      r.TotalBytes,
		Indeterminate:   r.TotalBytes <= 0,
		Ephemeral:       r.Ephemeral,
		Resumable:       r.Resumable(),
	}
	if !p.Indeterminate {
		p.Fraction = float64(r.DownloadedBytes) / float64(r.TotalBytes)
		if p.Fraction > 1 {
			p.Fraction = 1
		}
	}
	if r.State == StateCompleted {
		p.Fraction = 1
	}
	if r.ErrorMessage != nil {
		p.ErrorMessage = *r.ErrorMessage
	}
	return p
}

// resumeToken is the continuation data stored in Record.ResumeToken.
type resumeToken struct {
	Offset    int64  `json:"offset"`
	Validator string `json:"validator,omitempty"`
	URL       string `json:"url"`
}

func encodeToken(t resumeToken) []byte {
	b, _ := json.Marshal(t)
	return b
}

func decodeToken(b []byte) *resumeToken {
	if len(b) == 0 {
		return nil
	}
	var t resumeToken
	if err := json.Unmarshal(b, &t); err != nil || t.Offset <= 0 {
		return nil
	}
	return &t
}
