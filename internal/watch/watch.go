// Package watch tracks source files under a root directory and reports
// metadata changes on them.
//
// A Set is rebuilt wholesale: Rebuild cancels every subscription of the
// previous generation, walks the tree again and subscribes each discovered
// file through a Backend. Change callbacks from a cancelled generation are
// dropped, so a stale subscription can never report a change.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loykin/respawn/internal/metrics"
)

// DefaultInterval is the polling period of PollBackend.
const DefaultInterval = 500 * time.Millisecond

// DefaultExtensions are the tracked source-file extensions.
var DefaultExtensions = []string{".js"}

// WatchedFile is a tracked file and the last observed pair of timestamps.
type WatchedFile struct {
	Path       string    `json:"path"`
	ModTime    time.Time `json:"mod_time"`
	ChangeTime time.Time `json:"change_time"`
}

// Changed reports whether mod/change differ from the recorded pair.
func (f WatchedFile) Changed(mod, change time.Time) bool {
	return !f.ModTime.Equal(mod) || !f.ChangeTime.Equal(change)
}

// Backend delivers change notifications for a single file until ctx is done.
type Backend interface {
	Subscribe(ctx context.Context, f WatchedFile, fire func(WatchedFile)) error
}

// Options configures a Set.
type Options struct {
	Extensions []string        // tracked extensions, with or without the leading dot
	Ignore     []string        // directory names never descended into
	Interval   time.Duration   // poll interval for the default backend
	Checker    MetadataChecker // defaults to StatChecker
	Backend    Backend         // defaults to a PollBackend using Checker and Interval
	OnChange   func(WatchedFile)
	Logger     *slog.Logger
}

// Set is the collection of watched files under one root.
type Set struct {
	opts Options

	mu       sync.Mutex
	root     string
	files    []WatchedFile
	gen      uint64
	cancel   context.CancelFunc
	onChange func(WatchedFile)
}

// New returns an empty Set. Nothing is watched until Rebuild is called.
func New(opts Options) *Set {
	if len(opts.Extensions) == 0 {
		opts.Extensions = DefaultExtensions
	}
	opts.Extensions = normalizeExtensions(opts.Extensions)
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Checker == nil {
		opts.Checker = StatChecker{}
	}
	if opts.Backend == nil {
		opts.Backend = &PollBackend{Checker: opts.Checker, Interval: opts.Interval}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Set{opts: opts, onChange: opts.OnChange}
}

// SetOnChange replaces the change callback.
func (s *Set) SetOnChange(fn func(WatchedFile)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Rebuild cancels all current subscriptions and watches every tracked file
// found under root.
func (s *Set) Rebuild(root string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetLocked()

	files, err := Walk(root, WalkOptions{
		Extensions: s.opts.Extensions,
		Ignore:     s.opts.Ignore,
		Checker:    s.opts.Checker,
		Logger:     s.opts.Logger,
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", root, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.root = root

	subscribed := make([]WatchedFile, 0, len(files))
	for _, f := range files {
		if err := s.opts.Backend.Subscribe(ctx, f, func(nf WatchedFile) { s.fire(gen, nf) }); err != nil {
			s.opts.Logger.Warn("cannot watch file", "path", f.Path, "error", err)
			continue
		}
		subscribed = append(subscribed, f)
	}
	s.files = subscribed
	metrics.SetWatchedFiles(len(subscribed))
	s.opts.Logger.Debug("watch set rebuilt", "root", root, "files", len(subscribed))
	return nil
}

// Files returns a copy of the files watched by the current generation.
func (s *Set) Files() []WatchedFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WatchedFile(nil), s.files...)
}

// Len returns the number of watched files.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// Root returns the directory of the last Rebuild.
func (s *Set) Root() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

// Close cancels every subscription.
func (s *Set) Close() {
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
	if c, ok := s.opts.Backend.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

func (s *Set) resetLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	// bump the generation so in-flight callbacks of the old one are dropped
	s.gen++
	s.files = nil
}

func (s *Set) fire(gen uint64, f WatchedFile) {
	s.mu.Lock()
	stale := gen != s.gen
	fn := s.onChange
	if !stale {
		for i := range s.files {
			if s.files[i].Path == f.Path {
				s.files[i] = f
				break
			}
		}
	}
	s.mu.Unlock()
	if stale || fn == nil {
		return
	}
	metrics.IncFileChange()
	fn(f)
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, strings.ToLower(e))
	}
	return out
}

func tracked(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}
