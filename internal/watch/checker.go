package watch

import (
	"time"

	"github.com/djherbis/times"
)

// MetadataChecker reads the two timestamps change detection compares.
type MetadataChecker interface {
	CheckMetadata(path string) (mod, change time.Time, err error)
}

// StatChecker reads modification and metadata-change time from the filesystem.
// Platforms without a change time report the modification time twice.
type StatChecker struct{}

func (StatChecker) CheckMetadata(path string) (time.Time, time.Time, error) {
	ts, err := times.Stat(path)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	change := ts.ModTime()
	if ts.HasChangeTime() {
		change = ts.ChangeTime()
	}
	return ts.ModTime(), change, nil
}

// CheckerFunc adapts a function to MetadataChecker.
type CheckerFunc func(path string) (time.Time, time.Time, error)

func (f CheckerFunc) CheckMetadata(path string) (time.Time, time.Time, error) { return f(path) }
