package watch

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

// PollBackend checks each file's timestamps on a fixed interval.
type PollBackend struct {
	Checker  MetadataChecker
	Interval time.Duration
}

func (b *PollBackend) Subscribe(ctx context.Context, f WatchedFile, fire func(WatchedFile)) error {
	checker := b.Checker
	if checker == nil {
		checker = StatChecker{}
	}
	interval := b.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	go poll(ctx, checker, interval, f, fire)
	return nil
}

func poll(ctx context.Context, checker MetadataChecker, interval time.Duration, last WatchedFile, fire func(WatchedFile)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		mod, change, err := checker.CheckMetadata(last.Path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				continue
			}
			// a removed file reads as zero timestamps, which differ once
			mod, change = time.Time{}, time.Time{}
		}
		if !last.Changed(mod, change) {
			continue
		}
		last.ModTime, last.ChangeTime = mod, change
		if ctx.Err() != nil {
			return
		}
		fire(last)
	}
}
