package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/video-stream/subsync/internal/db/models"
	"github.com/video-stream/subsync/internal/patch"
	"github.com/video-stream/subsync/internal/subtitle"
)

// HistoryPatch is a partial update of a history entry. Cleared fields fall
// back to their empty value; Notes becomes NULL.
type HistoryPatch struct {
	Title           patch.Field[string]  `json:"title"`
	Notes           patch.Field[string]  `json:"notes"`
	Favorite        patch.Field[bool]    `json:"favorite"`
	PositionSeconds patch.Field[float64] `json:"position_seconds"`
}

// SaveTranscript creates or updates the history entry for contentID with a
// new subtitle. An empty title keeps the stored one.
func (d *Database) SaveTranscript(contentID, title string, sub subtitle.Subtitle) error {
	body, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subtitle: %w", err)
	}
	now := time.Now().UTC()
	_, err = d.db.Exec(`
		INSERT INTO history_entries (content_id, title, language, subtitle, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_id) DO UPDATE SET
			title = CASE WHEN excluded.title = '' THEN history_entries.title ELSE excluded.title END,
			language = excluded.language,
			subtitle = excluded.subtitle,
			updated_at = excluded.updated_at`,
		contentID, title, sub.Language, string(body), now, now,
	)
	return err
}

// GetHistoryEntry returns the entry with its subtitle, or sql.ErrNoRows.
func (d *Database) GetHistoryEntry(contentID string) (*models.HistoryEntry, error) {
	row := d.db.QueryRow(`
		SELECT content_id, title, notes, language, subtitle, favorite, position, created_at, updated_at
		FROM history_entries WHERE content_id = ?`, contentID)
	return scanHistory(row, true)
}

// ListHistoryEntries returns all entries, most recently updated first,
// without subtitle bodies.
func (d *Database) ListHistoryEntries() ([]models.HistoryEntry, error) {
	rows, err := d.db.Query(`
		SELECT content_id, title, notes, language, subtitle, favorite, position, created_at, updated_at
		FROM history_entries ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.HistoryEntry{}
	for rows.Next() {
		e, err := scanHistory(rows, false)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// UpdateHistoryEntry applies p and returns the updated entry.
func (d *Database) UpdateHistoryEntry(contentID string, p HistoryPatch) (*models.HistoryEntry, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT content_id, title, notes, language, subtitle, favorite, position, created_at, updated_at
		FROM history_entries WHERE content_id = ?`, contentID)
	e, err := scanHistory(row, true)
	if err != nil {
		return nil, err
	}

	if title := p.Title.Apply(&e.Title); title != nil {
		e.Title = *title
	} else {
		e.Title = ""
	}
	e.Notes = p.Notes.Apply(e.Notes)
	if fav := p.Favorite.Apply(&e.Favorite); fav != nil {
		e.Favorite = *fav
	} else {
		e.Favorite = false
	}
	if pos := p.PositionSeconds.Apply(&e.PositionSeconds); pos != nil {
		e.PositionSeconds = *pos
	} else {
		e.PositionSeconds = 0
	}
	e.UpdatedAt = time.Now().UTC()

	var notes sql.NullString
	if e.Notes != nil {
		notes = sql.NullString{String: *e.Notes, Valid: true}
	}
	_, err = tx.Exec(`
		UPDATE history_entries SET title = ?, notes = ?, favorite = ?, position = ?, updated_at = ?
		WHERE content_id = ?`,
		e.Title, notes, e.Favorite, e.PositionSeconds, e.UpdatedAt, contentID,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

// DeleteHistoryEntry removes the entry and reports whether it existed.
func (d *Database) DeleteHistoryEntry(contentID string) (bool, error) {
	res, err := d.db.Exec("DELETE FROM history_entries WHERE content_id = ?", contentID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHistory(row rowScanner, withSubtitle bool) (*models.HistoryEntry, error) {
	e := &models.HistoryEntry{}
	var notes, body sql.NullString
	if err := row.Scan(&e.ContentID, &e.Title, &notes, &e.Language, &body,
		&e.Favorite, &e.PositionSeconds, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if notes.Valid {
		e.Notes = &notes.String
	}
	if body.Valid && body.String != "" {
		var sub subtitle.Subtitle
		if err := json.Unmarshal([]byte(body.String), &sub); err != nil {
			return nil, fmt.Errorf("decode subtitle for %s: %w", e.ContentID, err)
		}
		e.CueCount = len(sub.Cues)
		if withSubtitle {
			e.Subtitle = &sub
		}
	}
	return e, nil
}
