package stream

import (
	"bytes"
	"io"
	"sync"
)

const (
	chunkSize = 8 << 10
	// maxBuffered bounds how far the pump may run ahead of the consumer.
	maxBuffered = 1 << 20
)

// Source reads an io.Reader on a background goroutine so callers can ask how
// much is buffered and take it without blocking.
type Source struct {
	r io.Reader

	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	err    error
	closed bool
	done   chan struct{}
}

// NewSource starts pumping r. The pump ends when r returns an error (io.EOF
// included) or Close is called.
func NewSource(r io.Reader) *Source {
	s := &Source{r: r, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

func (s *Source) pump() {
	defer close(s.done)
	chunk := make([]byte, chunkSize)
	for {
		s.mu.Lock()
		for s.buf.Len() >= maxBuffered && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.err = io.EOF
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		n, err := s.r.Read(chunk)

		s.mu.Lock()
		if n > 0 {
			s.buf.Write(chunk[:n])
		}
		if err != nil {
			if s.closed {
				// reads failing after Close are our own doing
				err = io.EOF
			}
			s.err = err
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

// Available returns the number of bytes that can be read without blocking.
func (s *Source) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

// ReadAvailable copies buffered bytes into p and never blocks. With nothing
// buffered it returns 0 and, once the underlying reader has ended, that
// reader's terminal error (io.EOF on a clean end).
func (s *Source) ReadAvailable(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() > 0 {
		n, _ := s.buf.Read(p)
		s.cond.Signal()
		return n, nil
	}
	return 0, s.err
}

// Done is closed when the pump has stopped reading. Buffered bytes may remain.
func (s *Source) Done() <-chan struct{} { return s.done }

// Drained reports whether the pump has stopped and nothing is left buffered.
func (s *Source) Drained() bool {
	select {
	case <-s.done:
	default:
		return false
	}
	return s.Available() == 0
}

// Close stops the pump and closes the underlying reader when it is a Closer.
// A pump blocked inside Read returns once the reader is closed.
func (s *Source) Close() error {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
