package supervisor

import "io"

// streamTap forwards the child's stderr unmodified and hands a copy of every
// write to the loop for crash scanning. The copier goroutine finishes before
// the child's exit is delivered, so chunks always precede the exit event.
type streamTap struct {
	s   *Supervisor
	out io.Writer
}

func (t *streamTap) Write(p []byte) (int, error) {
	if t.out != nil {
		// a broken terminal must not stall the child
		_, _ = t.out.Write(p)
	}
	t.s.post(chunkEvent{data: append([]byte(nil), p...)})
	return len(p), nil
}
