// Package apperr defines the error taxonomy shared by the download and
// transcription pipeline. Errors are plain sentinels wrapped with %w, so
// callers use errors.Is or KindOf to classify them.
package apperr

import (
	"context"
	"errors"
)

// Kind is the structured classification carried through to API callers.
type Kind string

const (
	KindNone               Kind = ""
	KindNetwork            Kind = "network"
	KindNotFound           Kind = "not_found"
	KindNoCompatibleStream Kind = "no_compatible_stream"
	KindIO                 Kind = "io"
	KindDiskSpace          Kind = "disk_space"
	KindUnsupportedFormat  Kind = "unsupported_format"
	KindRecognition        Kind = "recognition"
	KindCancelled          Kind = "cancelled"
	KindDuplicate          Kind = "duplicate_active_download"
	KindNotResumable       Kind = "not_resumable"
	KindInternal           Kind = "internal"
)

var (
	ErrNetwork                 = errors.New("network error")
	ErrNotFound                = errors.New("not found")
	ErrNoCompatibleStream      = errors.New("no compatible stream")
	ErrIO                      = errors.New("i/o error")
	ErrDiskSpace               = errors.New("not enough disk space")
	ErrUnsupportedFormat       = errors.New("unsupported media format")
	ErrRecognition             = errors.New("speech recognition failed")
	ErrCancelled               = errors.New("cancelled")
	ErrDuplicateActiveDownload = errors.New("download already active for this content")
	ErrNotResumable            = errors.New("download cannot be resumed")
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrCancelled, KindCancelled},
	{context.Canceled, KindCancelled},
	{ErrDiskSpace, KindDiskSpace},
	{ErrNoCompatibleStream, KindNoCompatibleStream},
	{ErrNotFound, KindNotFound},
	{ErrDuplicateActiveDownload, KindDuplicate},
	{ErrNotResumable, KindNotResumable},
	{ErrUnsupportedFormat, KindUnsupportedFormat},
	{ErrRecognition, KindRecognition},
	{ErrNetwork, KindNetwork},
	{ErrIO, KindIO},
}

// KindOf returns the first matching kind in the chain of err.
// Cancellation wins over everything else so that a cancelled run is never
// reported as a network or I/O failure.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// IsCancelled reports whether err stems from caller-initiated cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}
