package download

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/video-stream/subsync/internal/apperr"
)

// Store persists download records. The Engine is its only writer.
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	Update(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Record, error)
	// FetchActive returns the pending, downloading or paused user-visible
	// record for contentID, or nil.
	FetchActive(ctx context.Context, contentID string) (*Record, error)
	// FetchAllRecoverable returns every pending, downloading or paused
	// record, ephemeral ones included.
	FetchAllRecoverable(ctx context.Context) ([]*Record, error)
	// ListByContent returns all records for contentID, newest first.
	ListByContent(ctx context.Context, contentID string) ([]*Record, error)
	// DeleteByContent removes the user-visible records for contentID.
	DeleteByContent(ctx context.Context, contentID string) error
}

// SQLStore keeps records in the downloads table created by db.NewSQLite.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const recordColumns = `id, content_id, stream_url, container_ext, resolution_px, total_bytes,
	downloaded_bytes, state, destination_path, error, resume_token, accept_ranges, validator,
	ephemeral, created_at, updated_at, completed_at`

func (s *SQLStore) Insert(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO downloads (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ContentID, rec.StreamURL, rec.ContainerExtension, nullInt(rec.ResolutionPx),
		rec.TotalBytes, rec.DownloadedBytes, rec.State, nullString(rec.DestinationRelativePath),
		nullString(rec.ErrorMessage), rec.ResumeToken, rec.AcceptRanges, rec.Validator,
		rec.Ephemeral, rec.CreatedAt, rec.UpdatedAt, nullTime(rec.CompletedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert download %s: %w", rec.ID, apperr.ErrDuplicateActiveDownload)
	}
	if err != nil {
		return fmt.Errorf("insert download %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, rec *Record) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET stream_url = ?, total_bytes = ?, downloaded_bytes = ?, state = ?,
			destination_path = ?, error = ?, resume_token = ?, accept_ranges = ?, validator = ?,
			updated_at = ?, completed_at = ?
		WHERE id = ?`,
		rec.StreamURL, rec.TotalBytes, rec.DownloadedBytes, rec.State,
		nullString(rec.DestinationRelativePath), nullString(rec.ErrorMessage), rec.ResumeToken,
		rec.AcceptRanges, rec.Validator, rec.UpdatedAt, nullTime(rec.CompletedAt), rec.ID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("update download %s: %w", rec.ID, apperr.ErrDuplicateActiveDownload)
	}
	if err != nil {
		return fmt.Errorf("update download %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update download %s: %w", rec.ID, apperr.ErrNotFound)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM downloads WHERE id = ?", id)
	return err
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM downloads WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("download %s: %w", id, apperr.ErrNotFound)
	}
	return rec, err
}

func (s *SQLStore) FetchActive(ctx context.Context, contentID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+recordColumns+` FROM downloads
		WHERE content_id = ? AND ephemeral = 0 AND state IN (?, ?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		contentID, StatePending, StateDownloading, StatePaused)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *SQLStore) FetchAllRecoverable(ctx context.Context) ([]*Record, error) {
	return s.query(ctx, "SELECT "+recordColumns+` FROM downloads
		WHERE state IN (?, ?, ?) ORDER BY created_at ASC`,
		StatePending, StateDownloading, StatePaused)
}

func (s *SQLStore) ListByContent(ctx context.Context, contentID string) ([]*Record, error) {
	return s.query(ctx, "SELECT "+recordColumns+` FROM downloads
		WHERE content_id = ? ORDER BY created_at DESC`, contentID)
}

func (s *SQLStore) DeleteByContent(ctx context.Context, contentID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM downloads WHERE content_id = ? AND ephemeral = 0", contentID)
	return err
}

func (s *SQLStore) query(ctx context.Context, q string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	rec := &Record{}
	var resolution sql.NullInt64
	var dest, errMsg sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.ContentID, &rec.StreamURL, &rec.ContainerExtension, &resolution,
		&rec.TotalBytes, &rec.DownloadedBytes, &rec.State, &dest, &errMsg, &rec.ResumeToken,
		&rec.AcceptRanges, &rec.Validator, &rec.Ephemeral, &rec.CreatedAt, &rec.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if resolution.Valid {
		v := int(resolution.Int64)
		rec.ResolutionPx = &v
	}
	if dest.Valid {
		rec.DestinationRelativePath = &dest.String
	}
	if errMsg.Valid {
		rec.ErrorMessage = &errMsg.String
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	if len(rec.ResumeToken) == 0 {
		rec.ResumeToken = nil
	}
	return rec, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
