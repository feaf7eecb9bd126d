// Package filetracker records the last time each tool read or wrote a
// file so filesystem-touching tools can detect a file changed on disk
// since the agent last saw it, before blindly overwriting it.
package filetracker

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/restflow/restflow/pkg/rferrors"
)

// Record holds the last times a path was read and written through the
// tracker.
type Record struct {
	LastRead  time.Time
	LastWrite time.Time
}

// Tracker is shared by every filesystem tool (fs_read, fs_write,
// fs_edit, fs_multi_edit) so external-modification checks see a
// consistent view regardless of which tool touched a path.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]Record
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{records: make(map[string]Record)}
}

// RecordRead notes that path was read at now.
func (t *Tracker) RecordRead(path string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.records[path]
	rec.LastRead = now
	t.records[path] = rec
}

// RecordWrite notes that path was written at now.
func (t *Tracker) RecordWrite(path string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.records[path]
	rec.LastWrite = now
	t.records[path] = rec
}

// LastRead returns the last recorded read time for path, if any.
func (t *Tracker) LastRead(path string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[path]
	if !ok || rec.LastRead.IsZero() {
		return time.Time{}, false
	}
	return rec.LastRead, true
}

// CheckExternalModification stats path and compares its mtime against
// the later of the recorded last read and last write. If the file's
// mtime is newer than both, it was modified outside the tracker's
// knowledge (another process, the user's editor) and
// rferrors.ErrExternalModification is returned. A path never seen by the
// tracker is not considered externally modified; there is nothing to
// compare against yet.
func (t *Tracker) CheckExternalModification(path string) error {
	t.mu.RLock()
	rec, known := t.records[path]
	t.mu.RUnlock()
	if !known {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return rferrors.Wrap(rferrors.Internal, "stat "+path, err)
	}

	last := rec.LastRead
	if rec.LastWrite.After(last) {
		last = rec.LastWrite
	}
	if last.IsZero() {
		return nil
	}
	if info.ModTime().After(last) {
		err := fmt.Errorf("%w: %s", rferrors.ErrExternalModification, path)
		return rferrors.Wrap(rferrors.Conflict, "file modified externally since last seen", err).
			WithDetails(map[string]any{
				"path":       path,
				"mod_time":   info.ModTime(),
				"last_known": last,
			})
	}
	return nil
}

// Forget removes any tracked state for path, used after a tool reports
// the file was deleted.
func (t *Tracker) Forget(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, path)
}
