package watch

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/charlievieth/fastwalk"
)

// WalkOptions controls Walk.
type WalkOptions struct {
	Extensions []string
	Ignore     []string
	Checker    MetadataChecker
	Logger     *slog.Logger
}

// Walk returns every tracked regular file below root with its current
// timestamps. Paths are absolute and symlink-free. Symlinked directories are
// followed without looping, and a file reached through several links is
// returned once.
//
// A file is tracked by the name of the entry that reaches it, so a link named
// app.js to real.txt is watched (as real.txt) while notes.txt linking to
// other.js is not.
func Walk(root string, opts WalkOptions) ([]WatchedFile, error) {
	if opts.Checker == nil {
		opts.Checker = StatChecker{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	exts := normalizeExtensions(opts.Extensions)
	if len(exts) == 0 {
		exts = DefaultExtensions
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &fs.PathError{Op: "walk", Path: root, Err: fs.ErrInvalid}
	}

	ignore := make(map[string]bool, len(opts.Ignore))
	for _, n := range opts.Ignore {
		ignore[n] = true
	}

	var (
		mu    sync.Mutex
		found = make(map[string]bool)
	)
	conf := fastwalk.Config{Follow: true}
	err = fastwalk.Walk(&conf, resolved, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			opts.Logger.Debug("skip unreadable path", "path", path, "error", err)
			return nil
		}
		if path == resolved {
			return nil
		}
		mode := d.Type()
		if mode&fs.ModeSymlink != 0 {
			target, err := os.Stat(path)
			if err != nil {
				return nil
			}
			mode = target.Mode().Type()
		}
		switch {
		case mode.IsDir():
			if ignore[d.Name()] {
				return fs.SkipDir
			}
		case mode.IsRegular() && tracked(d.Name(), exts):
			rp, err := filepath.EvalSymlinks(path)
			if err != nil {
				return nil
			}
			mu.Lock()
			found[rp] = true
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(found))
	for p := range found {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	files := make([]WatchedFile, 0, len(paths))
	for _, p := range paths {
		mod, change, err := opts.Checker.CheckMetadata(p)
		if err != nil {
			continue
		}
		files = append(files, WatchedFile{Path: p, ModTime: mod, ChangeTime: change})
	}
	return files, nil
}
