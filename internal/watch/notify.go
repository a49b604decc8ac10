package watch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// NotifyBackend is an event-driven Backend built on fsnotify. It watches the
// parent directory of every subscribed file so editors that replace files on
// save keep being observed. Events are confirmed against the checker's
// timestamps before a change fires.
type NotifyBackend struct {
	Checker MetadataChecker
	Logger  *slog.Logger

	mu   sync.Mutex
	w    *fsnotify.Watcher
	dirs map[string]int
	subs map[string]*notifySub
}

type notifySub struct {
	ctx  context.Context
	last WatchedFile
	fire func(WatchedFile)
}

func (b *NotifyBackend) Subscribe(ctx context.Context, f WatchedFile, fire func(WatchedFile)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(f.Path)
	if b.dirs[dir] == 0 {
		if err := b.w.Add(dir); err != nil {
			return err
		}
	}
	b.dirs[dir]++
	sub := &notifySub{ctx: ctx, last: f, fire: fire}
	b.subs[f.Path] = sub
	go func() {
		<-ctx.Done()
		b.unsubscribe(f.Path, sub)
	}()
	return nil
}

// Close stops the underlying fsnotify watcher.
func (b *NotifyBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.w == nil {
		return nil
	}
	err := b.w.Close()
	b.w = nil
	b.dirs = nil
	b.subs = nil
	return err
}

func (b *NotifyBackend) ensureLocked() error {
	if b.w != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if b.Checker == nil {
		b.Checker = StatChecker{}
	}
	if b.Logger == nil {
		b.Logger = slog.Default()
	}
	b.w = w
	b.dirs = make(map[string]int)
	b.subs = make(map[string]*notifySub)
	go b.loop(w)
	return nil
}

func (b *NotifyBackend) unsubscribe(path string, sub *notifySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.w == nil {
		return
	}
	if b.subs[path] == sub {
		delete(b.subs, path)
	}
	dir := filepath.Dir(path)
	b.dirs[dir]--
	if b.dirs[dir] <= 0 {
		delete(b.dirs, dir)
		_ = b.w.Remove(dir)
	}
}

func (b *NotifyBackend) loop(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			b.handle(ev)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			b.Logger.Warn("fsnotify error", "error", err)
		}
	}
}

func (b *NotifyBackend) handle(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	b.mu.Lock()
	sub := b.subs[path]
	b.mu.Unlock()
	if sub == nil || sub.ctx.Err() != nil {
		return
	}

	mod, change, err := b.Checker.CheckMetadata(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return
		}
		mod, change = time.Time{}, time.Time{}
	}

	b.mu.Lock()
	changed := sub.last.Changed(mod, change)
	if changed {
		sub.last.ModTime, sub.last.ChangeTime = mod, change
	}
	last := sub.last
	b.mu.Unlock()

	if changed && sub.ctx.Err() == nil {
		sub.fire(last)
	}
}
