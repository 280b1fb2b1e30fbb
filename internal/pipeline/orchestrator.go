// Package pipeline sequences stream lookup, download and transcription for
// one content ID at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/video-stream/subsync/internal/apperr"
	"github.com/video-stream/subsync/internal/events"
	"github.com/video-stream/subsync/internal/storage"
	"github.com/video-stream/subsync/internal/stream"
	"github.com/video-stream/subsync/internal/subtitle"
	"github.com/video-stream/subsync/internal/transcribe"
)

type State string

const (
	StateIdle            State = "idle"
	StateFetchingStreams State = "fetchingStreams"
	StateDownloading     State = "downloading"
	StateTranscribing    State = "transcribing"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Phase is the observable orchestrator state. Fraction applies to
// downloading and transcribing; Message and Kind to failed.
type Phase struct {
	State     State       `json:"state"`
	ContentID string      `json:"content_id,omitempty"`
	Fraction  float64     `json:"fraction"`
	Message   string      `json:"message,omitempty"`
	Kind      apperr.Kind `json:"kind,omitempty"`
}

var (
	ErrBusy        = errors.New("pipeline is already running")
	ErrNotTerminal = errors.New("pipeline has not finished")
)

// Error records the phase a run failed in.
type Error struct {
	Phase State
	Kind  apperr.Kind
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Downloader interface {
	CompletedFile(ctx context.Context, contentID string) (string, error)
	DownloadTemporary(ctx context.Context, streamURL, contentID, ext string, onProgress func(float64)) (string, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, path, locale string, onPhase func(transcribe.Phase)) (subtitle.Subtitle, error)
	Cancel()
}

type Options struct {
	Strategy stream.Strategy
	Locale   string
}

type Orchestrator struct {
	catalog     stream.Catalog
	downloader  Downloader
	transcriber Transcriber
	bus         *events.Bus
	defaults    Options

	// emitMu orders delivery to subscribers; mu guards the fields below.
	emitMu    sync.Mutex
	mu        sync.Mutex
	phase     Phase
	running   bool
	closed    bool
	cancel    context.CancelFunc
	contentID string
	subs      map[int]func(Phase)
	nextSub   int

	// cancelledIn is the state Cancel interrupted, empty if not cancelled.
	cancelledIn State
}

// New creates an orchestrator. bus may be nil.
func New(catalog stream.Catalog, downloader Downloader, transcriber Transcriber, bus *events.Bus, defaults Options) *Orchestrator {
	return &Orchestrator{
		catalog:     catalog,
		downloader:  downloader,
		transcriber: transcriber,
		bus:         bus,
		defaults:    defaults,
		phase:       Phase{State: StateIdle},
		subs:        make(map[int]func(Phase)),
	}
}

func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Subscribe registers fn for every later phase and immediately delivers the
// current one. Calls are synchronous and in order. The returned func
// unsubscribes.
func (o *Orchestrator) Subscribe(fn func(Phase)) func() {
	o.emitMu.Lock()
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	current := o.phase
	o.mu.Unlock()
	fn(current)
	o.emitMu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}

// Start runs the pipeline with the default options.
func (o *Orchestrator) Start(ctx context.Context, contentID string) (subtitle.Subtitle, error) {
	return o.StartWith(ctx, contentID, o.defaults)
}

// StartWith runs the whole pipeline for contentID and blocks until it ends.
// It refuses to start unless idle.
func (o *Orchestrator) StartWith(ctx context.Context, contentID string, opts Options) (subtitle.Subtitle, error) {
	ctx, err := o.acquire(ctx, contentID)
	if err != nil {
		return subtitle.Subtitle{}, err
	}
	return o.execute(ctx, contentID, opts)
}

// Go starts a run in the background and returns once it has been accepted.
// done, if not nil, receives the outcome.
func (o *Orchestrator) Go(ctx context.Context, contentID string, opts Options, done func(subtitle.Subtitle, error)) error {
	ctx, err := o.acquire(ctx, contentID)
	if err != nil {
		return err
	}
	go func() {
		sub, err := o.execute(ctx, contentID, opts)
		if done != nil {
			done(sub, err)
		}
	}()
	return nil
}

func (o *Orchestrator) acquire(ctx context.Context, contentID string) (context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running || o.phase.State != StateIdle {
		return nil, ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	o.running = true
	o.closed = false
	o.cancel = cancel
	o.cancelledIn = ""
	o.contentID = contentID
	return ctx, nil
}

func (o *Orchestrator) execute(ctx context.Context, contentID string, opts Options) (subtitle.Subtitle, error) {
	defer func() {
		o.mu.Lock()
		if o.cancel != nil {
			o.cancel()
		}
		o.running = false
		o.cancel = nil
		o.mu.Unlock()
	}()

	log.Printf("[pipeline] start %s (strategy %s, locale %q)", contentID, opts.Strategy, opts.Locale)
	sub, err := o.run(ctx, contentID, opts)
	o.mu.Lock()
	cancelledIn := o.cancelledIn
	o.mu.Unlock()
	if cancelledIn != "" {
		// A run that finished after Cancel is still a cancelled run.
		err = &Error{Phase: cancelledIn, Kind: apperr.KindCancelled, Err: apperr.ErrCancelled}
	}
	if err != nil {
		return subtitle.Subtitle{}, o.fail(contentID, err)
	}
	o.emit(Phase{State: StateCompleted, ContentID: contentID, Fraction: 1})
	log.Printf("[pipeline] %s completed with %d cues", contentID, len(sub.Cues))
	return sub, nil
}

func (o *Orchestrator) run(ctx context.Context, contentID string, opts Options) (subtitle.Subtitle, error) {
	if path, err := o.downloader.CompletedFile(ctx, contentID); err == nil {
		log.Printf("[pipeline] %s already downloaded, transcribing %s", contentID, path)
		o.emit(Phase{State: StateFetchingStreams, ContentID: contentID, Message: "using downloaded file"})
		o.emit(Phase{State: StateDownloading, ContentID: contentID, Fraction: 1})
		return o.transcribe(ctx, contentID, path, opts.Locale)
	}

	o.emit(Phase{State: StateFetchingStreams, ContentID: contentID})
	streams, err := o.catalog.FetchStreams(ctx, contentID)
	if err != nil {
		return subtitle.Subtitle{}, stageError(StateFetchingStreams, err)
	}
	d := stream.SelectStream(streams, opts.Strategy)
	if d == nil {
		return subtitle.Subtitle{}, &Error{Phase: StateFetchingStreams, Kind: apperr.KindNoCompatibleStream, Err: apperr.ErrNoCompatibleStream}
	}

	o.emit(Phase{State: StateDownloading, ContentID: contentID})
	path, err := o.downloader.DownloadTemporary(ctx, d.URL, contentID, d.Extension(), func(f float64) {
		o.emit(Phase{State: StateDownloading, ContentID: contentID, Fraction: f})
	})
	if err != nil {
		return subtitle.Subtitle{}, stageError(StateDownloading, err)
	}
	defer removeTemp(path)

	sub, err := o.transcribe(ctx, contentID, path, opts.Locale)
	if err != nil {
		return sub, err
	}
	removeTemp(path)
	return sub, nil
}

func (o *Orchestrator) transcribe(ctx context.Context, contentID, path, locale string) (subtitle.Subtitle, error) {
	o.emit(Phase{State: StateTranscribing, ContentID: contentID})
	sub, err := o.transcriber.Transcribe(ctx, path, locale, func(p transcribe.Phase) {
		switch p.Kind {
		case transcribe.PhasePreparingAssets:
			o.emit(Phase{State: StateTranscribing, ContentID: contentID, Message: "preparing assets"})
		case transcribe.PhaseTranscribing:
			o.emit(Phase{State: StateTranscribing, ContentID: contentID, Fraction: p.Fraction})
		}
	})
	if err != nil {
		return sub, stageError(StateTranscribing, err)
	}
	return sub, nil
}

// Cancel stops a running pipeline. The phase becomes failed("cancelled")
// at once and later progress from the run is dropped.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	cancel := o.cancel
	contentID := o.contentID
	if o.cancelledIn == "" {
		o.cancelledIn = o.phase.State
	}
	o.mu.Unlock()

	o.emit(Phase{State: StateFailed, ContentID: contentID, Message: "cancelled", Kind: apperr.KindCancelled})
	o.transcriber.Cancel()
	if cancel != nil {
		cancel()
	}
	log.Printf("[pipeline] %s cancelled", contentID)
}

// Reset returns a finished pipeline to idle.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	if o.phase.State == StateIdle {
		o.mu.Unlock()
		return nil
	}
	if o.running || !o.phase.State.Terminal() {
		o.mu.Unlock()
		return ErrNotTerminal
	}
	o.closed = false
	o.mu.Unlock()
	o.emit(Phase{State: StateIdle})
	return nil
}

// fail emits the failed phase for err unless Cancel already did, and
// returns the stage error.
func (o *Orchestrator) fail(contentID string, err error) error {
	var perr *Error
	if !errors.As(err, &perr) {
		perr = &Error{Phase: o.Phase().State, Kind: apperr.KindOf(err), Err: err}
	}
	if apperr.IsCancelled(err) {
		perr.Kind = apperr.KindCancelled
	}

	msg := fmt.Sprintf("%s: %v", perr.Phase, perr.Err)
	switch perr.Kind {
	case apperr.KindCancelled:
		msg = "cancelled"
	case apperr.KindNoCompatibleStream:
		msg = "no compatible stream"
	}
	o.emit(Phase{State: StateFailed, ContentID: contentID, Message: msg, Kind: perr.Kind})
	if perr.Kind != apperr.KindCancelled {
		log.Printf("[pipeline] %s failed: %s", contentID, msg)
	}
	return perr
}

func (o *Orchestrator) emit(p Phase) {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	prev := o.phase
	if !isValidTransition(prev.State, p.State) {
		o.mu.Unlock()
		log.Printf("[pipeline] dropped transition %s -> %s", prev.State, p.State)
		return
	}
	if p.State == prev.State && p.Fraction < prev.Fraction {
		o.mu.Unlock()
		return
	}
	if p.State.Terminal() {
		o.closed = true
	}
	o.phase = p
	subs := make([]func(Phase), 0, len(o.subs))
	for _, fn := range o.subs {
		subs = append(subs, fn)
	}
	o.mu.Unlock()

	for _, fn := range subs {
		fn(p)
	}
	if o.bus != nil {
		ev := events.Event{
			Type:      events.TypePhase,
			ContentID: p.ContentID,
			State:     string(p.State),
			Message:   p.Message,
			Kind:      string(p.Kind),
		}
		if p.State == StateDownloading || p.State == StateTranscribing || p.State == StateCompleted {
			ev.Fraction = events.Fraction(p.Fraction)
		}
		o.bus.Publish(ev)
	}
}

// isValidTransition enforces the orchestrator state machine edges.
func isValidTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateFetchingStreams || to == StateFailed
	case StateFetchingStreams:
		return to == StateDownloading || to == StateFailed
	case StateDownloading:
		return to == StateDownloading || to == StateTranscribing || to == StateFailed
	case StateTranscribing:
		return to == StateTranscribing || to == StateCompleted || to == StateFailed
	case StateCompleted, StateFailed:
		return to == StateIdle
	}
	return false
}

func stageError(phase State, err error) *Error {
	return &Error{Phase: phase, Kind: apperr.KindOf(err), Err: err}
}

func removeTemp(path string) {
	if err := storage.RemoveIfExists(path); err != nil {
		log.Printf("[pipeline] remove temporary file %s: %v", path, err)
	}
}
