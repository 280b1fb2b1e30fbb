package download

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/video-stream/subsync/internal/apperr"
	"github.com/video-stream/subsync/internal/events"
	"github.com/video-stream/subsync/internal/storage"
	"github.com/video-stream/subsync/internal/stream"
)

// downloadsDir is the subdirectory of the documents root holding
// user-visible downloads.
const downloadsDir = "downloads"

type Options struct {
	DocumentsRoot string
	TempDir       string
	// IdleTimeout bounds the time without receiving body bytes before a
	// transfer fails with a network error.
	IdleTimeout   time.Duration
	FlushBytes    int64
	FlushInterval time.Duration
	// MinFreeBytes is kept free on top of the expected file size.
	MinFreeBytes uint64
	HTTPClient   *http.Client
}

type stopReason int

const (
	stopNone stopReason = iota
	stopPause
	stopCancel
	stopShutdown
)

// transfer is a running fetch. reason is guarded by Engine.mu.
type transfer struct {
	recordID  string
	contentID string
	ephemeral bool
	cancel    context.CancelFunc
	done      chan struct{}
	reason    stopReason

	mu       sync.Mutex
	progress Progress
}

func (t *transfer) setProgress(p Progress) {
	t.mu.Lock()
	t.progress = p
	t.mu.Unlock()
}

func (t *transfer) snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Engine runs resumable HTTP transfers and owns every download record.
type Engine struct {
	store     Store
	opts      Options
	client    *http.Client
	bus       *events.Bus
	freeBytes func(path string) (uint64, error)

	mu     sync.Mutex
	active map[string]*transfer
	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine. bus may be nil.
func NewEngine(store Store, bus *events.Bus, opts Options) *Engine {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Second
	}
	if opts.FlushBytes <= 0 {
		opts.FlushBytes = 512 * 1024
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Engine{
		store:     store,
		opts:      opts,
		client:    client,
		bus:       bus,
		freeBytes: storage.FreeBytes,
		active:    make(map[string]*transfer),
		ctx:       ctx,
		stop:      stop,
	}
}

// QueueDownload creates a durable record for contentID and starts fetching
// d. If an active record already exists its ID is returned together with
// apperr.ErrDuplicateActiveDownload.
func (e *Engine) QueueDownload(ctx context.Context, contentID string, d stream.Descriptor) (string, error) {
	if d.URL == "" {
		return "", fmt.Errorf("%w: descriptor has no url", apperr.ErrNoCompatibleStream)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx.Err() != nil {
		return "", apperr.ErrCancelled
	}

	existing, err := e.store.FetchActive(ctx, contentID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.ID, fmt.Errorf("%w: record %s", apperr.ErrDuplicateActiveDownload, existing.ID)
	}

	dir := filepath.Join(e.opts.DocumentsRoot, downloadsDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", ioError(err)
	}
	if err := e.checkDiskSpace(dir, d.ContentLength); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:                 uuid.New().String(),
		ContentID:          contentID,
		StreamURL:          d.URL,
		ContainerExtension: d.Extension(),
		ResolutionPx:       d.ResolutionPx,
		TotalBytes:         max(d.ContentLength, 0),
		State:              StatePending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.store.Insert(ctx, rec); err != nil {
		if errors.Is(err, apperr.ErrDuplicateActiveDownload) {
			if other, _ := e.store.FetchActive(ctx, contentID); other != nil {
				return other.ID, err
			}
		}
		return "", err
	}

	log.Printf("[download] queued %s for %s (%s)", rec.ID, contentID, rec.ContainerExtension)
	e.publish(rec)
	e.startLocked(rec, 0, false)
	return rec.ID, nil
}

// PauseDownload stops a running durable transfer and keeps its partial data.
func (e *Engine) PauseDownload(recordID string) error {
	e.mu.Lock()
	t, ok := e.active[recordID]
	if !ok || t.ephemeral {
		e.mu.Unlock()
		return fmt.Errorf("%w: download %s is not running", apperr.ErrNotFound, recordID)
	}
	if t.reason == stopNone {
		t.reason = stopPause
	}
	t.cancel()
	e.mu.Unlock()

	<-t.done
	return nil
}

// ResumeDownload continues a paused record, or a failed record that kept a
// resume token, from its last persisted offset.
func (e *Engine) ResumeDownload(ctx context.Context, recordID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx.Err() != nil {
		return apperr.ErrCancelled
	}
	if _, running := e.active[recordID]; running {
		return nil
	}

	rec, err := e.store.Get(ctx, recordID)
	if err != nil {
		return err
	}
	if !rec.Resumable() {
		return fmt.Errorf("%w: download %s is %s", apperr.ErrNotResumable, recordID, rec.State)
	}
	if rec.State == StateFailed {
		other, err := e.store.FetchActive(ctx, rec.ContentID)
		if err != nil {
			return err
		}
		if other != nil {
			return fmt.Errorf("%w: record %s", apperr.ErrDuplicateActiveDownload, other.ID)
		}
	}

	var offset int64
	if tok := decodeToken(rec.ResumeToken); tok != nil {
		info, err := os.Stat(e.partialPath(rec))
		if err == nil && info.Size() >= tok.Offset {
			offset = tok.Offset
			rec.Validator = tok.Validator
		} else {
			log.Printf("[download] partial data for %s missing or short, restarting from zero", recordID)
		}
	} else {
		log.Printf("[download] %s has no resume token, restarting from zero", recordID)
	}
	rec.DownloadedBytes = offset
	rec.ResumeToken = nil
	rec.ErrorMessage = nil
	rec.State = StatePending
	rec.UpdatedAt = time.Now().UTC()
	if err := e.store.Update(ctx, rec); err != nil {
		return err
	}

	log.Printf("[download] resuming %s at byte %d", recordID, offset)
	e.startLocked(rec, offset, false)
	return nil
}

// CancelDownloads stops every transfer for contentID and discards its
// active records and partial files. Calling it with nothing active is a
// no-op.
func (e *Engine) CancelDownloads(ctx context.Context, contentID string) error {
	e.mu.Lock()
	var stopping []*transfer
	for _, t := range e.active {
		if t.contentID == contentID {
			t.reason = stopCancel
			t.cancel()
			stopping = append(stopping, t)
		}
	}
	e.mu.Unlock()

	for _, t := range stopping {
		<-t.done
	}

	// Paused records have no running transfer.
	rec, err := e.store.FetchActive(ctx, contentID)
	if err != nil {
		return err
	}
	if rec != nil {
		e.mu.Lock()
		_, running := e.active[rec.ID]
		e.mu.Unlock()
		if !running {
			e.discard(rec)
		}
	}
	return nil
}

// DownloadProgress returns the progress of the active durable record for
// contentID, falling back to a running temporary transfer, or nil.
func (e *Engine) DownloadProgress(contentID string) *Progress {
	var temp *transfer
	e.mu.Lock()
	for _, t := range e.active {
		if t.contentID != contentID {
			continue
		}
		if !t.ephemeral {
			p := t.snapshot()
			e.mu.Unlock()
			return &p
		}
		temp = t
	}
	e.mu.Unlock()

	if rec, err := e.store.FetchActive(context.Background(), contentID); err == nil && rec != nil {
		p := rec.Progress()
		return &p
	}
	if temp != nil {
		p := temp.snapshot()
		return &p
	}
	return nil
}

// Records lists every user-visible record for contentID, newest first.
func (e *Engine) Records(ctx context.Context, contentID string) ([]*Record, error) {
	recs, err := e.store.ListByContent(ctx, contentID)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, rec := range recs {
		if !rec.Ephemeral {
			out = append(out, rec)
		}
	}
	return out, nil
}

// CompletedFile returns the absolute path of the newest completed download
// for contentID whose file still exists.
func (e *Engine) CompletedFile(ctx context.Context, contentID string) (string, error) {
	recs, err := e.store.ListByContent(ctx, contentID)
	if err != nil {
		return "", err
	}
	for _, rec := range recs {
		if rec.State != StateCompleted || rec.DestinationRelativePath == nil {
			continue
		}
		p, err := storage.ResolveWithin(e.opts.DocumentsRoot, *rec.DestinationRelativePath)
		if err != nil {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: no completed download for %s", apperr.ErrNotFound, contentID)
}

// DeleteForContent cancels anything running for contentID and removes its
// records and files, completed ones included.
func (e *Engine) DeleteForContent(ctx context.Context, contentID string) error {
	if err := e.CancelDownloads(ctx, contentID); err != nil {
		return err
	}
	recs, err := e.store.ListByContent(ctx, contentID)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Ephemeral {
			continue
		}
		e.removeFiles(rec)
	}
	if err := e.store.DeleteByContent(ctx, contentID); err != nil {
		return err
	}
	log.Printf("[download] deleted %d record(s) for %s", len(recs), contentID)
	return nil
}

// Close stops all transfers without changing their persisted state, so a
// later RestorePendingDownloads can pick them up.
func (e *Engine) Close() {
	e.mu.Lock()
	for _, t := range e.active {
		if t.reason == stopNone {
			t.reason = stopShutdown
		}
	}
	e.mu.Unlock()
	e.stop()
	e.wg.Wait()
}

// startLocked launches the transfer goroutine. noRestart is set for runs
// recovered at startup, which must not silently start over from zero.
func (e *Engine) startLocked(rec *Record, offset int64, noRestart bool) {
	ctx, cancel := context.WithCancel(e.ctx)
	t := &transfer{
		recordID:  rec.ID,
		contentID: rec.ContentID,
		cancel:    cancel,
		done:      make(chan struct{}),
		progress:  rec.Progress(),
	}
	e.active[rec.ID] = t

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(t.done)
		defer e.unregister(t)
		defer cancel()
		e.run(ctx, t, rec, offset, noRestart)
	}()
}

func (e *Engine) unregister(t *transfer) {
	e.mu.Lock()
	if e.active[t.recordID] == t {
		delete(e.active, t.recordID)
	}
	e.mu.Unlock()
}

func (e *Engine) run(ctx context.Context, t *transfer, rec *Record, offset int64, noRestart bool) {
	rec.State = StateDownloading
	e.save(rec)

	validator := ""
	if offset > 0 {
		validator = rec.Validator
	}
	partial := e.partialPath(rec)
	fl := &flusher{engine: e, transfer: t, rec: rec, lastAt: time.Now()}

	written, err := e.fetch(ctx, fetchRequest{
		url:       rec.StreamURL,
		path:      partial,
		offset:    offset,
		validator: validator,
		noRestart: noRestart,
		// The first downloading event waits for the server's answer so a
		// refused range never shows the old offset first.
		onStart: func(info fetchInfo) {
			rec.AcceptRanges = info.acceptRanges
			rec.Validator = info.validator
			if info.total > 0 {
				rec.TotalBytes = info.total
			}
			if info.restarted {
				rec.DownloadedBytes = 0
			}
			e.save(rec)
			t.setProgress(rec.Progress())
			e.publish(rec)
		},
		onBytes: fl.tick,
	})
	rec.DownloadedBytes = written

	e.mu.Lock()
	reason := t.reason
	e.mu.Unlock()

	switch {
	case err == nil:
		e.complete(rec, partial)
	case reason == stopCancel:
		e.discard(rec)
		return
	case reason == stopPause:
		rec.State = StatePaused
		rec.ResumeToken = tokenFor(rec)
		e.save(rec)
		log.Printf("[download] paused %s at byte %d", rec.ID, rec.DownloadedBytes)
	case reason == stopShutdown:
		e.save(rec)
		log.Printf("[download] %s interrupted by shutdown at byte %d", rec.ID, rec.DownloadedBytes)
	case errors.Is(err, errRangeLost):
		e.markStale(rec)
	default:
		e.fail(rec, err)
	}
	t.setProgress(rec.Progress())
	e.publish(rec)
}

func (e *Engine) complete(rec *Record, partial string) {
	final := filepath.Join(e.opts.DocumentsRoot, downloadsDir, fileName(rec))
	rel, err := storage.RelativeTo(e.opts.DocumentsRoot, final)
	if err != nil {
		e.fail(rec, fmt.Errorf("%w: %v", apperr.ErrIO, err))
		return
	}
	if err := os.Rename(partial, final); err != nil {
		e.fail(rec, ioError(err))
		return
	}

	now := time.Now().UTC()
	rec.State = StateCompleted
	rec.DestinationRelativePath = &rel
	rec.CompletedAt = &now
	rec.ErrorMessage = nil
	rec.ResumeToken = nil
	if rec.TotalBytes < rec.DownloadedBytes {
		rec.TotalBytes = rec.DownloadedBytes
	}
	e.save(rec)
	log.Printf("[download] completed %s (%d bytes) -> %s", rec.ID, rec.DownloadedBytes, rel)
}

func (e *Engine) fail(rec *Record, err error) {
	msg := err.Error()
	rec.State = StateFailed
	rec.ErrorMessage = &msg
	rec.ResumeToken = tokenFor(rec)
	e.save(rec)
	log.Printf("[download] %s failed at byte %d: %v", rec.ID, rec.DownloadedBytes, err)
}

// markStale fails a record left over from a previous process that cannot
// continue where it stopped.
func (e *Engine) markStale(rec *Record) {
	msg := staleMessage
	rec.State = StateFailed
	rec.ErrorMessage = &msg
	rec.ResumeToken = nil
	e.save(rec)
	log.Printf("[download] %s is %s", rec.ID, staleMessage)
}

// discard marks rec cancelled, removes its partial file and drops the record.
func (e *Engine) discard(rec *Record) {
	rec.State = StateCancelled
	rec.ResumeToken = nil
	e.save(rec)
	e.publish(rec)
	if err := storage.RemoveIfExists(e.partialPath(rec)); err != nil {
		log.Printf("[download] remove partial for %s: %v", rec.ID, err)
	}
	if err := e.store.Delete(context.Background(), rec.ID); err != nil {
		log.Printf("[download] delete record %s: %v", rec.ID, err)
	}
	log.Printf("[download] cancelled %s", rec.ID)
}

func (e *Engine) removeFiles(rec *Record) {
	if err := storage.RemoveIfExists(e.partialPath(rec)); err != nil {
		log.Printf("[download] remove partial for %s: %v", rec.ID, err)
	}
	if rec.DestinationRelativePath == nil {
		return
	}
	p, err := storage.ResolveWithin(e.opts.DocumentsRoot, *rec.DestinationRelativePath)
	if err != nil {
		log.Printf("[download] refusing to remove %q: %v", *rec.DestinationRelativePath, err)
		return
	}
	if err := storage.RemoveIfExists(p); err != nil {
		log.Printf("[download] remove %s: %v", p, err)
	}
}

func (e *Engine) save(rec *Record) {
	rec.UpdatedAt = time.Now().UTC()
	if err := e.store.Update(context.Background(), rec); err != nil {
		log.Printf("[download] persist %s: %v", rec.ID, err)
	}
}

func (e *Engine) publish(rec *Record) {
	if e.bus == nil || rec.Ephemeral {
		return
	}
	p := rec.Progress()
	ev := events.Event{
		Type:            events.TypeDownload,
		ContentID:       rec.ContentID,
		RecordID:        rec.ID,
		State:           string(rec.State),
		DownloadedBytes: rec.DownloadedBytes,
		TotalBytes:      rec.TotalBytes,
		Message:         p.ErrorMessage,
	}
	if !p.Indeterminate || rec.State == StateCompleted {
		ev.Fraction = events.Fraction(p.Fraction)
	}
	e.bus.Publish(ev)
}

func (e *Engine) checkDiskSpace(dir string, need int64) error {
	free, err := e.freeBytes(dir)
	if err != nil {
		log.Printf("[download] free space check skipped for %s: %v", dir, err)
		return nil
	}
	required := uint64(max(need, 0)) + e.opts.MinFreeBytes
	if free < required {
		return fmt.Errorf("%w: %d bytes free in %s, %d required", apperr.ErrDiskSpace, free, dir, required)
	}
	return nil
}

func (e *Engine) partialPath(rec *Record) string {
	if rec.Ephemeral {
		return filepath.Join(e.opts.TempDir, fileName(rec))
	}
	return filepath.Join(e.opts.DocumentsRoot, downloadsDir, fileName(rec)+".part")
}

func fileName(rec *Record) string {
	ext := "bin"
	if rec.ContainerExtension != "" {
		ext = storage.SanitizeName(rec.ContainerExtension)
	}
	return fmt.Sprintf("%s_%s.%s", storage.SanitizeName(rec.ContentID), rec.ID, ext)
}

// tokenFor returns a resume token when the server advertised byte ranges
// and some data is on disk.
func tokenFor(rec *Record) []byte {
	if !rec.AcceptRanges || rec.DownloadedBytes <= 0 {
		return nil
	}
	return encodeToken(resumeToken{Offset: rec.DownloadedBytes, Validator: rec.Validator, URL: rec.StreamURL})
}

// flusher persists progress at most every FlushBytes or FlushInterval.
type flusher struct {
	engine    *Engine
	transfer  *transfer
	rec       *Record
	lastBytes int64
	lastAt    time.Time
	onTick    func(written int64)
}

func (f *flusher) tick(written int64) {
	f.rec.DownloadedBytes = written
	f.transfer.setProgress(f.rec.Progress())
	if f.onTick != nil {
		f.onTick(written)
	}
	if written-f.lastBytes < f.engine.opts.FlushBytes && time.Since(f.lastAt) < f.engine.opts.FlushInterval {
		return
	}
	f.lastBytes, f.lastAt = written, time.Now()
	f.engine.save(f.rec)
	f.engine.publish(f.rec)
}
