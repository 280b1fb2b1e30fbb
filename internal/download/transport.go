package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/video-stream/subsync/internal/apperr"
)

const readChunk = 32 * 1024

// fetchInfo describes what the server told us before any body bytes.
type fetchInfo struct {
	total        int64
	acceptRanges bool
	validator    string
	restarted    bool
}

type fetchRequest struct {
	url       string
	path      string
	offset    int64
	validator string
	// noRestart refuses a 200 answer to a range request instead of
	// starting over from zero.
	noRestart bool
	onStart   func(fetchInfo)
	onBytes   func(written int64)
}

// errRangeLost is returned when a noRestart fetch could not continue from
// its offset.
var errRangeLost = fmt.Errorf("%w: server no longer honours the saved range", apperr.ErrNetwork)

// fetch streams url into path starting at offset and returns the number of
// bytes on disk when it stopped. A non-nil error always carries one of the
// apperr sentinels.
func (e *Engine) fetch(parent context.Context, req fetchRequest) (int64, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	idle := e.opts.IdleTimeout
	var stalled atomic.Bool
	watchdog := newWatchdog(idle, func() {
		stalled.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	classify := func(written int64, err error) (int64, error) {
		switch {
		case stalled.Load():
			return written, fmt.Errorf("%w: no data received for %s", apperr.ErrNetwork, idle)
		case parent.Err() != nil:
			return written, apperr.ErrCancelled
		}
		return written, fmt.Errorf("%w: %v", apperr.ErrNetwork, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.url, nil)
	if err != nil {
		return req.offset, fmt.Errorf("%w: build request: %v", apperr.ErrNetwork, err)
	}
	offset := req.offset
	if offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		if req.validator != "" {
			httpReq.Header.Set("If-Range", req.validator)
		}
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return classify(offset, err)
	}
	defer resp.Body.Close()

	info := fetchInfo{
		acceptRanges: strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
		validator:    validatorOf(resp.Header),
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			return offset, fmt.Errorf("%w: unexpected Content-Range %q for offset %d",
				apperr.ErrNetwork, resp.Header.Get("Content-Range"), offset)
		}
		info.acceptRanges = true
		info.total = total
		if info.total <= 0 && resp.ContentLength > 0 {
			info.total = offset + resp.ContentLength
		}
	case http.StatusOK:
		if offset > 0 && req.noRestart {
			return offset, errRangeLost
		}
		if offset > 0 {
			log.Printf("[download] %s ignored range request at byte %d, restarting from zero", httpReq.URL.Host, offset)
			offset = 0
			info.restarted = true
		}
		if resp.ContentLength > 0 {
			info.total = resp.ContentLength
		}
	case http.StatusRequestedRangeNotSatisfiable:
		_, total, _ := parseContentRange(resp.Header.Get("Content-Range"))
		if offset > 0 && total == offset {
			info.total = total
			info.acceptRanges = true
			if req.onStart != nil {
				req.onStart(info)
			}
			return offset, nil
		}
		return offset, fmt.Errorf("%w: range from byte %d not satisfiable", apperr.ErrNetwork, offset)
	case http.StatusNotFound, http.StatusGone, http.StatusForbidden:
		return offset, fmt.Errorf("%w: stream returned %s", apperr.ErrNotFound, resp.Status)
	default:
		return offset, fmt.Errorf("%w: stream returned %s", apperr.ErrNetwork, resp.Status)
	}

	if req.onStart != nil {
		req.onStart(info)
	}

	f, err := os.OpenFile(req.path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return offset, ioError(err)
	}
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return offset, ioError(err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return offset, ioError(err)
	}

	written := offset
	buf := make([]byte, readChunk)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			watchdog.Reset()
			if info.total > 0 && written+int64(n) > info.total {
				f.Close()
				return written, fmt.Errorf("%w: server sent more than %d bytes", apperr.ErrNetwork, info.total)
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return written, ioError(werr)
			}
			written += int64(n)
			if req.onBytes != nil {
				req.onBytes(written)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			return classify(written, rerr)
		}
	}

	if err := f.Close(); err != nil {
		return written, ioError(err)
	}
	if info.total > 0 && written < info.total {
		return written, fmt.Errorf("%w: connection closed at %d of %d bytes", apperr.ErrNetwork, written, info.total)
	}
	return written, nil
}

// validatorOf prefers a strong ETag and falls back to Last-Modified.
// Weak ETags are not usable in If-Range.
func validatorOf(h http.Header) string {
	if etag := h.Get("ETag"); etag != "" && !strings.HasPrefix(etag, "W/") {
		return etag
	}
	return h.Get("Last-Modified")
}

// parseContentRange parses "bytes 100-199/1000" and "bytes */1000".
// start is -1 for the unsatisfied form and total is -1 when unknown.
func parseContentRange(v string) (start, total int64, ok bool) {
	v = strings.TrimSpace(v)
	rest, found := strings.CutPrefix(v, "bytes ")
	if !found {
		return 0, 0, false
	}
	span, size, found := strings.Cut(rest, "/")
	if !found {
		return 0, 0, false
	}

	total = -1
	if size != "*" {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		total = n
	}

	if span == "*" {
		return -1, total, true
	}
	first, _, found := strings.Cut(span, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return start, total, true
}

func ioError(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %v", apperr.ErrDiskSpace, err)
	}
	return fmt.Errorf("%w: %v", apperr.ErrIO, err)
}
