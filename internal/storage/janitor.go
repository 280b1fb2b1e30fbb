package storage

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Janitor periodically removes files in a temp directory that have not
// been modified for maxAge. In-flight temp downloads keep being written, so
// only abandoned files age out.
type Janitor struct {
	dir      string
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewJanitor creates a janitor for dir. The sweep interval is maxAge/2,
// clamped to at least one minute.
func NewJanitor(dir string, maxAge time.Duration) *Janitor {
	interval := maxAge / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	return &Janitor{dir: dir, maxAge: maxAge, interval: interval, now: time.Now}
}

// Start runs sweeps until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := j.Sweep(); err != nil {
					log.Printf("[janitor] sweep %s failed: %v", j.dir, err)
				} else if n > 0 {
					log.Printf("[janitor] removed %d stale temp files", n)
				}
			}
		}
	}()
}

// Sweep removes stale regular files and returns how many were deleted.
func (j *Janitor) Sweep() (int, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := j.now().Add(-j.maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(j.dir, entry.Name())); err != nil {
			log.Printf("[janitor] remove %s: %v", entry.Name(), err)
			continue
		}
		removed++
	}
	return removed, nil
}
