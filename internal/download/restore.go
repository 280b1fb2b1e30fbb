package download

import (
	"context"
	"log"
	"os"

	"github.com/video-stream/subsync/internal/storage"
)

const staleMessage = "stale after restart"

// RestoreSummary counts what RestorePendingDownloads did.
type RestoreSummary struct {
	Resumed   int `json:"resumed"`
	Failed    int `json:"failed"`
	Discarded int `json:"discarded"`
	Paused    int `json:"paused"`
}

// RestorePendingDownloads reconciles records left active by a previous
// process. Temporary records are dropped with their files. Paused records
// stay paused. Interrupted records resume from their partial file when the
// server advertised byte ranges; everything else is marked failed.
func (e *Engine) RestorePendingDownloads(ctx context.Context) (RestoreSummary, error) {
	var sum RestoreSummary
	recs, err := e.store.FetchAllRecoverable(ctx)
	if err != nil {
		return sum, err
	}

	for _, rec := range recs {
		if rec.Ephemeral {
			if err := storage.RemoveIfExists(e.partialPath(rec)); err != nil {
				log.Printf("[restore] remove temporary file for %s: %v", rec.ID, err)
			}
			if err := e.store.Delete(ctx, rec.ID); err != nil {
				log.Printf("[restore] delete temporary record %s: %v", rec.ID, err)
			}
			sum.Discarded++
			continue
		}
		if rec.State == StatePaused {
			sum.Paused++
			continue
		}

		if offset, ok := e.resumeOffset(rec); ok {
			rec.DownloadedBytes = offset
			rec.ResumeToken = nil
			e.mu.Lock()
			e.startLocked(rec, offset, true)
			e.mu.Unlock()
			log.Printf("[restore] resuming %s for %s at byte %d", rec.ID, rec.ContentID, offset)
			sum.Resumed++
			continue
		}

		e.markStale(rec)
		e.publish(rec)
		sum.Failed++
	}

	log.Printf("[restore] resumed %d, failed %d, discarded %d temporary, %d paused",
		sum.Resumed, sum.Failed, sum.Discarded, sum.Paused)
	return sum, nil
}

// resumeOffset returns the size of usable partial data for an interrupted
// record. Data past the persisted progress is kept since fetch truncates to
// the offset it is given.
func (e *Engine) resumeOffset(rec *Record) (int64, bool) {
	if !rec.AcceptRanges {
		return 0, false
	}
	info, err := os.Stat(e.partialPath(rec))
	if err != nil || info.Size() == 0 {
		return 0, false
	}
	if rec.TotalBytes > 0 && info.Size() > rec.TotalBytes {
		return 0, false
	}
	return info.Size(), true
}
