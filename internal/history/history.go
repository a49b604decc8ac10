// Package history exports supervisor lifecycle and crash events to external
// stores for later analysis.
package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventRestart EventType = "restart"
	EventExit    EventType = "exit"
	EventCrash   EventType = "crash"
	EventState   EventType = "state"
)

// Record is the payload of an Event. Fields that do not apply to an event
// type are left zero.
type Record struct {
	Name       string `json:"name"`
	PID        int    `json:"pid"`
	State      string `json:"state"`
	Detail     string `json:"detail,omitempty"`
	ErrorType  string `json:"error_type,omitempty"`
	SourceFile string `json:"source_file,omitempty"`
	Line       int    `json:"line,omitempty"`
	Column     int    `json:"column,omitempty"`
	ExitCode   int    `json:"exit_code"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader is implemented by sinks that can return what they stored.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// DefaultSendTimeout bounds a single Send on a sink.
const DefaultSendTimeout = 5 * time.Second

const recorderQueue = 256

// Recorder forwards events to sinks from a single goroutine so callers never
// block on I/O. Events are delivered in the order they were recorded. When the
// queue is full new events are dropped.
type Recorder struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration

	ch   chan Event
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts a Recorder. With no sinks every Record is a no-op.
func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		logger:  logger,
		timeout: DefaultSendTimeout,
		ch:      make(chan Event, recorderQueue),
		done:    make(chan struct{}),
	}
	for _, s := range sinks {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
	go r.loop()
	return r
}

// Sinks returns the configured sinks.
func (r *Recorder) Sinks() []Sink { return r.sinks }

// Record queues e for delivery. OccurredAt defaults to now.
func (r *Recorder) Record(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- e:
	default:
		r.logger.Debug("history queue full, dropping event", "type", e.Type, "name", e.Record.Name)
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for e := range r.ch {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				r.logger.Debug("history sink send failed", "type", e.Type, "error", err)
			}
			cancel()
		}
	}
}

// Close flushes queued events and closes every sink that is an io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	<-r.done

	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
