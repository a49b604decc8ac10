// Package notify surfaces supervisor events to the developer.
package notify

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Level is the severity of a notification.
type Level int

const (
	LevelInfo Level = iota
	LevelError
)

func (l Level) String() string {
	if l == LevelError {
		return "error"
	}
	return "info"
}

// ParseLevel accepts "info" or "error".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info", "":
		return LevelInfo, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown notification level %q", s)
	}
}

// Notification is one user-facing message.
type Notification struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Level   Level  `json:"level"`
}

// Notifier delivers notifications. Callers treat delivery as fire-and-forget.
type Notifier interface {
	Notify(n Notification) error
}

// Func adapts a function to Notifier.
type Func func(n Notification) error

func (f Func) Notify(n Notification) error { return f(n) }

// LogNotifier writes one structured log line per notification.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(n Notification) error {
	lg := l.Logger
	if lg == nil {
		lg = slog.Default()
	}
	if n.Level == LevelError {
		lg.Error(n.Title, "message", n.Message)
	} else {
		lg.Info(n.Title, "message", n.Message)
	}
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(n Notification) error {
	var errs []error
	for _, x := range m {
		if x == nil {
			continue
		}
		if err := x.Notify(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every notification.
var Discard Notifier = Func(func(Notification) error { return nil })
