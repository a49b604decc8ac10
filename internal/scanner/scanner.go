// Package scanner recognizes crash stack traces in a child's diagnostic stream.
//
// Output arrives in arbitrary chunks, so recognition works over an accumulating
// Buffer: every Feed appends the chunk and rescans the whole buffer. A buffer is
// only reset after a trace was extracted from it.
package scanner

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// "<ErrorType>: <message>" followed by "at ... (<file>:<line>:<column>)".
	frameRe = regexp.MustCompile(`(?m)^([A-Za-z_$][\w$.]*): (.*)\n\s*at [^\n]*\(([^\n]+):(\d+):(\d+)\)`)
	// "<file>:<line>", the offending source line, then the caret line.
	contextRe = regexp.MustCompile(`(?m)^([^\n]+):(\d+)\n([^\n]*)\n([ \t]*)\^`)
)

// CrashEvent is the normalized location of an unhandled error.
type CrashEvent struct {
	ErrorType  string `json:"error_type"`
	Message    string `json:"message"`
	SourceFile string `json:"source_file"`
	Line       int    `json:"line"`
	Column     int    `json:"column"`
}

// Location formats the event position as file:line:column.
func (e CrashEvent) Location() string {
	return fmt.Sprintf("%s:%d:%d", e.SourceFile, e.Line, e.Column)
}

func (e CrashEvent) String() string {
	return fmt.Sprintf("%s: %s (%s)", e.ErrorType, e.Message, e.Location())
}

// Buffer accumulates diagnostic output that has not been consumed by a
// recognized trace yet. The zero value is ready to use. It is not safe for
// concurrent use; the owner serializes access.
type Buffer struct {
	b bytes.Buffer
}

func (b *Buffer) Write(p []byte) (int, error) { return b.b.Write(p) }
func (b *Buffer) String() string              { return b.b.String() }
func (b *Buffer) Len() int                    { return b.b.Len() }
func (b *Buffer) Reset()                      { b.b.Reset() }

// Feed appends chunk to buf and tries to extract a crash from the whole
// buffer. On success the buffer is cleared; otherwise it keeps accumulating.
func Feed(buf *Buffer, chunk []byte) (CrashEvent, bool) {
	_, _ = buf.Write(chunk)
	ev, ok := Scan(buf.String())
	if ok {
		buf.Reset()
	}
	return ev, ok
}

// Scan extracts a crash from text without touching any buffer.
//
// The stack frame is mandatory. A source-context block (file:line, source
// line, caret) takes precedence for the location unless its source line is a
// throw statement, in which case the frame points closer to the real origin.
func Scan(text string) (CrashEvent, bool) {
	m := frameRe.FindStringSubmatch(text)
	if m == nil {
		return CrashEvent{}, false
	}
	ev := CrashEvent{
		ErrorType:  m[1],
		Message:    strings.TrimRight(m[2], "\r"),
		SourceFile: m[3],
		Line:       atoi(m[4]),
		Column:     atoi(m[5]),
	}
	if c := contextRe.FindStringSubmatch(text); c != nil && !strings.Contains(c[3], "throw") {
		ev.SourceFile = c[1]
		ev.Line = atoi(c[2])
		ev.Column = len(c[4])
	}
	return ev, true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
