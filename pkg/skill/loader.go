package skill

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/restflow/restflow/pkg/rferrors"
)

// Loader resolves skills for the engine's system-prompt composition:
// skills/<id>/SKILL.md files under the config directory override rows in
// the skills table. Parsed files are cached; an fsnotify watcher on the
// skills directory invalidates the cache when a file changes, so the
// next load re-reads from disk without restarting the process.
type Loader struct {
	store  *Store
	dir    string // <config dir>/skills
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Skill

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLoader creates a Loader over store with file overrides under dir.
// dir may be empty to disable overrides entirely.
func NewLoader(store *Store, dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		store:  store,
		dir:    dir,
		logger: logger,
		cache:  make(map[string]*Skill),
	}
}

// Watch starts the fsnotify watcher over the skills directory. It is a
// no-op when the directory does not exist; Close stops it.
func (l *Loader) Watch() error {
	if l.dir == "" {
		return nil
	}
	if _, err := os.Stat(l.dir); err != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return rferrors.Wrap(rferrors.Internal, "create skill watcher", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return rferrors.Wrap(rferrors.Internal, "watch skills dir "+l.dir, err)
	}
	entries, err := os.ReadDir(l.dir)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				_ = watcher.Add(filepath.Join(l.dir, entry.Name()))
			}
		}
	}
	l.watcher = watcher
	l.done = make(chan struct{})

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				l.invalidate(event.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("skill watcher error", "error", err)
			case <-l.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher if one is running.
func (l *Loader) Close() {
	if l.watcher != nil {
		close(l.done)
		l.watcher.Close()
		l.watcher = nil
	}
}

// invalidate drops the cache entry for whichever skill id the changed
// path belongs to. A change to the skills directory itself (a new skill
// folder) also registers the new folder with the watcher.
func (l *Loader) invalidate(path string) {
	rel, err := filepath.Rel(l.dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	// The skill id is the first path component: skills/<id>/SKILL.md.
	id := strings.Split(filepath.ToSlash(rel), "/")[0]

	l.mu.Lock()
	delete(l.cache, id)
	l.mu.Unlock()

	if l.watcher != nil {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			_ = l.watcher.Add(path)
		}
	}
	l.logger.Debug("skill cache invalidated", "skill_id", id, "path", path)
}

// Load resolves a skill by id: the file override when present, else the
// skills table.
func (l *Loader) Load(ctx context.Context, id string) (*Skill, error) {
	l.mu.RLock()
	cached, ok := l.cache[id]
	l.mu.RUnlock()
	if ok {
		return cached, nil
	}

	if l.dir != "" {
		path := filepath.Join(l.dir, id, "SKILL.md")
		if raw, err := os.ReadFile(path); err == nil {
			sk, err := Parse(id, string(raw))
			if err != nil {
				return nil, err
			}
			l.mu.Lock()
			l.cache[id] = sk
			l.mu.Unlock()
			return sk, nil
		}
	}

	if l.store != nil {
		return l.store.Get(ctx, id)
	}
	return nil, rferrors.New(rferrors.NotFound, "skill not found: "+id)
}

// RenderAll loads each skill id and renders its body against vars,
// returning the rendered blocks in input order. Missing skills are
// skipped with a warning rather than failing prompt composition.
func (l *Loader) RenderAll(ctx context.Context, ids []string, vars map[string]string) []string {
	var blocks []string
	for _, id := range ids {
		sk, err := l.Load(ctx, id)
		if err != nil {
			l.logger.Warn("skipping unavailable skill", "skill_id", id, "error", err)
			continue
		}
		blocks = append(blocks, Render(sk.Body, vars))
	}
	return blocks
}
