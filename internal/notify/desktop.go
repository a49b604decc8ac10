package notify

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gen2brain/beeep"
)

//go:embed icons/*.png
var icons embed.FS

// DesktopNotifier shows native desktop notifications with a distinct icon per
// level. Icons are written to IconDir (default <user cache>/respawn/icons) on
// first use.
type DesktopNotifier struct {
	IconDir string

	// send defaults to beeep.Notify
	send func(title, message, icon string) error

	once  sync.Once
	paths map[Level]string
	err   error
}

func NewDesktopNotifier() *DesktopNotifier {
	return &DesktopNotifier{}
}

func (d *DesktopNotifier) Notify(n Notification) error {
	d.once.Do(d.materialize)
	send := d.send
	if send == nil {
		send = beeep.Notify
	}
	// a missing icon still leaves a usable notification
	icon := d.paths[n.Level]
	if err := send(n.Title, n.Message, icon); err != nil {
		return fmt.Errorf("desktop notification: %w", err)
	}
	return nil
}

// IconPath returns the materialized icon for l, or "" if it could not be written.
func (d *DesktopNotifier) IconPath(l Level) string {
	d.once.Do(d.materialize)
	return d.paths[l]
}

func (d *DesktopNotifier) materialize() {
	d.paths = make(map[Level]string)
	dir := d.IconDir
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			d.err = err
			return
		}
		dir = filepath.Join(base, "respawn", "icons")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		d.err = err
		return
	}
	for lvl, name := range map[Level]string{LevelInfo: "info.png", LevelError: "error.png"} {
		b, err := icons.ReadFile("icons/" + name)
		if err != nil {
			d.err = err
			continue
		}
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, b, 0o600); err != nil {
			d.err = err
			continue
		}
		d.paths[lvl] = p
	}
}
