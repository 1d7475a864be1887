package stdio

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// lineSink records writes and fails every write after the first limit.
type lineSink struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
	n     int
	block chan struct{}
}

var errSinkFull = errors.New("sink full")

func (s *lineSink) Write(p []byte) (int, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && s.n >= s.limit {
		return 0, errSinkFull
	}
	s.n++
	return s.buf.Write(p)
}

func (s *lineSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestStdinWriter_WritesInOrder(t *testing.T) {
	sink := &lineSink{}
	q := newStdinWriter(sink, nil)
	defer q.Close()

	want := ""
	for _, line := range []string{"a\n", "b\n", "c\n"} {
		if n, err := q.Write([]byte(line)); err != nil || n != len(line) {
			t.Fatalf("write %q: n=%d err=%v", line, n, err)
		}
		want += line
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.String() != want {
		if time.Now().After(deadline) {
			t.Fatalf("sink = %q, want %q", sink.String(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStdinWriter_WriteDoesNotBlockOnReader(t *testing.T) {
	sink := &lineSink{block: make(chan struct{})}
	q := newStdinWriter(sink, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			if _, err := q.Write([]byte("line\n")); err != nil {
				t.Errorf("write %d: %v", i, err)
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Write blocked on a stalled reader")
	}
	if q.Queued() < 99 {
		t.Fatalf("queued = %d", q.Queued())
	}

	q.Close()
	close(sink.block)
	if _, err := q.Write([]byte("late\n")); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("write after close: %v", err)
	}
	if q.Queued() != 0 {
		t.Fatalf("queued after close = %d", q.Queued())
	}
}

func TestStdinWriter_FailureReportsLostLines(t *testing.T) {
	sink := &lineSink{limit: 1, block: make(chan struct{})}
	type failure struct {
		err  error
		lost [][]byte
	}
	failed := make(chan failure, 1)
	q := newStdinWriter(sink, func(err error, lost [][]byte) {
		failed <- failure{err, lost}
	})
	defer q.Close()

	for _, line := range []string{"one\n", "two\n", "three\n"} {
		if _, err := q.Write([]byte(line)); err != nil {
			t.Fatalf("write %q: %v", line, err)
		}
	}
	close(sink.block)

	var f failure
	select {
	case f = <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("failure was not reported")
	}
	if !errors.Is(f.err, errSinkFull) {
		t.Fatalf("err = %v", f.err)
	}
	if len(f.lost) != 2 || string(f.lost[0]) != "two\n" || string(f.lost[1]) != "three\n" {
		t.Fatalf("lost = %q", f.lost)
	}
	if sink.String() != "one\n" {
		t.Fatalf("sink = %q", sink.String())
	}
	if _, err := q.Write([]byte("four\n")); !errors.Is(err, errSinkFull) {
		t.Fatalf("write after failure: %v", err)
	}
}
