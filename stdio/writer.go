package stdio

import (
	"io"
	"sync"
)

// stdinWriter queues lines for the child's input stream and writes them, in
// order, from its own goroutine. Write never blocks on the child, so a child
// that stops reading cannot stall the control loop.
//
// After the first failed write every later Write fails with the same error,
// and onFail receives the error with the lines that were not written.
type stdinWriter struct {
	w      io.Writer
	onFail func(err error, lost [][]byte)

	mu     sync.Mutex
	queue  [][]byte
	err    error
	wake   chan struct{}
	stop   chan struct{}
	closer sync.Once
}

func newStdinWriter(w io.Writer, onFail func(err error, lost [][]byte)) *stdinWriter {
	q := &stdinWriter{
		w:      w,
		onFail: onFail,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *stdinWriter) Write(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return 0, q.err
	}
	q.queue = append(q.queue, append([]byte(nil), p...))
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return len(p), nil
}

// Close stops the goroutine once it is not blocked in a write. Queued lines
// are discarded. A write blocked on the child ends when the pipe closes.
func (q *stdinWriter) Close() {
	q.closer.Do(func() {
		q.mu.Lock()
		if q.err == nil {
			q.err = io.ErrClosedPipe
		}
		q.queue = nil
		q.mu.Unlock()
		close(q.stop)
	})
}

// Queued reports the lines not yet handed to the child.
func (q *stdinWriter) Queued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

func (q *stdinWriter) run() {
	for {
		select {
		case <-q.stop:
			return
		case <-q.wake:
		}
		for {
			q.mu.Lock()
			if len(q.queue) == 0 || q.err != nil {
				q.mu.Unlock()
				break
			}
			line := q.queue[0]
			q.queue = q.queue[1:]
			q.mu.Unlock()

			if _, err := q.w.Write(line); err != nil {
				q.mu.Lock()
				closed := q.err != nil
				if !closed {
					q.err = err
				}
				lost := append([][]byte{line}, q.queue...)
				q.queue = nil
				q.mu.Unlock()
				if !closed && q.onFail != nil {
					q.onFail(err, lost)
				}
				return
			}
		}
	}
}
