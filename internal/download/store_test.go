package download

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/video-stream/subsync/internal/apperr"
	"github.com/video-stream/subsync/internal/db"
)

func openStore(t *testing.T) *SQLStore {
	t.Helper()
	d, err := db.NewSQLite(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return NewSQLStore(d.DB())
}

func TestSQLStoreOneActivePerContent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	rec := func(id string, state State, ephemeral bool) *Record {
		return &Record{ID: id, ContentID: "vid", StreamURL: "http://x", ContainerExtension: "mp4",
			State: state, Ephemeral: ephemeral, CreatedAt: now, UpdatedAt: now}
	}

	if err := s.Insert(ctx, rec("a", StateDownloading, false)); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(ctx, rec("b", StatePaused, false)); !errors.Is(err, apperr.ErrDuplicateActiveDownload) {
		t.Fatalf("Insert(second active) error = %v, want ErrDuplicateActiveDownload", err)
	}
	if err := s.Insert(ctx, rec("c", StateDownloading, true)); err != nil {
		t.Fatalf("Insert(ephemeral) error = %v", err)
	}
	if err := s.Insert(ctx, rec("d", StateCompleted, false)); err != nil {
		t.Fatalf("Insert(completed) error = %v", err)
	}

	active, err := s.FetchActive(ctx, "vid")
	if err != nil || active == nil || active.ID != "a" {
		t.Fatalf("FetchActive() = %+v, %v, want a", active, err)
	}
	all, err := s.FetchAllRecoverable(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("FetchAllRecoverable() = %d, %v, want 2", len(all), err)
	}

	if err := s.DeleteByContent(ctx, "vid"); err != nil {
		t.Fatal(err)
	}
	left, _ := s.ListByContent(ctx, "vid")
	if len(left) != 1 || !left[0].Ephemeral {
		t.Fatalf("after DeleteByContent = %+v, want only the ephemeral record", left)
	}
}

func TestSQLStoreRoundTripsOptionalFields(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	res := 720
	rel := "downloads/x.mp4"
	msg := "boom"
	in := &Record{ID: "r", ContentID: "vid", StreamURL: "http://x", ContainerExtension: "mp4",
		ResolutionPx: &res, TotalBytes: 10, DownloadedBytes: 4, State: StateFailed,
		DestinationRelativePath: &rel, ErrorMessage: &msg, AcceptRanges: true, Validator: `"e"`,
		ResumeToken: encodeToken(resumeToken{Offset: 4, URL: "http://x"}),
		CreatedAt: now, UpdatedAt: now, CompletedAt: &now}
	if err := s.Insert(ctx, in); err != nil {
		t.Fatal(err)
	}

	out, err := s.Get(ctx, "r")
	if err != nil {
		t.Fatal(err)
	}
	if out.ResolutionPx == nil || *out.ResolutionPx != 720 || *out.DestinationRelativePath != rel ||
		*out.ErrorMessage != msg || !out.AcceptRanges || out.Validator != `"e"` || out.CompletedAt == nil {
		t.Fatalf("record = %+v", out)
	}
	if tok := decodeToken(out.ResumeToken); tok == nil || tok.Offset != 4 {
		t.Fatalf("token = %v", tok)
	}
	if !out.Resumable() {
		t.Fatal("failed record with token not resumable")
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("Get(missing) error = %v", err)
	}
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		in           string
		start, total int64
		ok           bool
	}{
		{"bytes 250000-999999/1000000", 250000, 1000000, true},
		{"bytes 0-9/*", 0, -1, true},
		{"bytes */500", -1, 500, true},
		{"items 0-1/2", 0, 0, false},
		{"bytes x-1/2", 0, 0, false},
	}
	for _, tt := range tests {
		start, total, ok := parseContentRange(tt.in)
		if start != tt.start || total != tt.total || ok != tt.ok {
			t.Errorf("parseContentRange(%q) = %d, %d, %v, want %d, %d, %v",
				tt.in, start, total, ok, tt.start, tt.total, tt.ok)
		}
	}
}

func TestValidatorOf(t *testing.T) {
	h := http.Header{}
	h.Set("Last-Modified", "Wed, 21 Oct 2015 07:28:00 GMT")
	h.Set("ETag", `W/"weak"`)
	if got := validatorOf(h); got != "Wed, 21 Oct 2015 07:28:00 GMT" {
		t.Fatalf("validatorOf(weak etag) = %q", got)
	}
	h.Set("ETag", `"strong"`)
	if got := validatorOf(h); got != `"strong"` {
		t.Fatalf("validatorOf(strong etag) = %q", got)
	}
}

func TestIOErrorKinds(t *testing.T) {
	full := ioError(&os.PathError{Op: "write", Path: "a.part", Err: syscall.ENOSPC})
	if !errors.Is(full, apperr.ErrDiskSpace) || apperr.KindOf(full) != apperr.KindDiskSpace {
		t.Fatalf("ioError(ENOSPC) = %v, kind %s", full, apperr.KindOf(full))
	}
	denied := ioError(&os.PathError{Op: "open", Path: "a.part", Err: syscall.EACCES})
	if !errors.Is(denied, apperr.ErrIO) || errors.Is(denied, apperr.ErrDiskSpace) {
		t.Fatalf("ioError(EACCES) = %v, want ErrIO", denied)
	}
}

func TestRecordProgress(t *testing.T) {
	r := &Record{TotalBytes: 0, DownloadedBytes: 10, State: StateDownloading}
	if p := r.Progress(); !p.Indeterminate {
		t.Fatal("unknown size not indeterminate")
	}
	r.TotalBytes = 40
	if p := r.Progress(); p.Indeterminate || p.Fraction != 0.25 {
		t.Fatalf("progress = %+v", p)
	}
}
