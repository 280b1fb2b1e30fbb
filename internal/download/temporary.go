package download

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/video-stream/subsync/internal/apperr"
	"github.com/video-stream/subsync/internal/storage"
)

// DownloadTemporary fetches streamURL into the temp directory for a one-off
// consumer such as transcription. The backing record is ephemeral and is
// removed on every exit path. onProgress receives non-decreasing fractions
// and a final 1.0 on success; it is not called when the size is unknown
// until the end.
//
// On failure or cancellation the partial file is removed; cancellation
// returns apperr.ErrCancelled.
func (e *Engine) DownloadTemporary(ctx context.Context, streamURL, contentID, ext string, onProgress func(float64)) (string, error) {
	if err := os.MkdirAll(e.opts.TempDir, 0755); err != nil {
		return "", ioError(err)
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:                 uuid.New().String(),
		ContentID:          contentID,
		StreamURL:          streamURL,
		ContainerExtension: ext,
		State:              StateDownloading,
		Ephemeral:          true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.store.Insert(ctx, rec); err != nil {
		return "", err
	}
	defer func() {
		if err := e.store.Delete(context.Background(), rec.ID); err != nil {
			log.Printf("[download] delete temporary record %s: %v", rec.ID, err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t := &transfer{
		recordID:  rec.ID,
		contentID: contentID,
		ephemeral: true,
		cancel:    cancel,
		done:      make(chan struct{}),
		progress:  rec.Progress(),
	}

	e.mu.Lock()
	if e.ctx.Err() != nil {
		e.mu.Unlock()
		return "", apperr.ErrCancelled
	}
	e.active[rec.ID] = t
	e.mu.Unlock()
	defer func() {
		e.unregister(t)
		close(t.done)
	}()
	stopOnShutdown := context.AfterFunc(e.ctx, cancel)
	defer stopOnShutdown()

	var last float64
	report := func(written int64) {
		if onProgress == nil || rec.TotalBytes <= 0 {
			return
		}
		f := min(float64(written)/float64(rec.TotalBytes), 1)
		if f <= last {
			return
		}
		last = f
		onProgress(f)
	}

	dest := e.partialPath(rec)
	fl := &flusher{engine: e, transfer: t, rec: rec, lastAt: time.Now(), onTick: report}
	_, err := e.fetch(ctx, fetchRequest{
		url:  streamURL,
		path: dest,
		onStart: func(info fetchInfo) {
			rec.AcceptRanges = info.acceptRanges
			rec.TotalBytes = max(info.total, 0)
			e.save(rec)
		},
		onBytes: fl.tick,
	})
	if err != nil {
		if rmErr := storage.RemoveIfExists(dest); rmErr != nil {
			log.Printf("[download] remove temporary %s: %v", dest, rmErr)
		}
		if apperr.IsCancelled(err) {
			log.Printf("[download] temporary download for %s cancelled", contentID)
		} else {
			log.Printf("[download] temporary download for %s failed: %v", contentID, err)
		}
		return "", err
	}

	if onProgress != nil && last < 1 {
		onProgress(1)
	}
	return dest, nil
}
