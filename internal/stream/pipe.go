package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

type flusher interface {
	Flush() error
}

// Pipe copies a Source into a sink, inserting a prefix after each line break.
// It remembers whether the last byte it wrote was a newline, so output is the
// same whether the stream arrives in one chunk or many.
type Pipe struct {
	src     *Source
	sink    io.Writer
	prefix  []byte
	handler ErrorHandler
	onCopy  func(n int)

	mu        sync.Mutex
	owePrefix bool
	srcFailed bool
	chunk     []byte
	out       []byte
}

// PipeOption configures a Pipe.
type PipeOption func(*Pipe)

// WithLeadingPrefix also prefixes the very first line, as if the stream had
// been preceded by a newline.
func WithLeadingPrefix() PipeOption {
	return func(p *Pipe) { p.owePrefix = true }
}

// WithCopyHook calls fn with the number of source bytes copied by each write.
func WithCopyHook(fn func(n int)) PipeOption {
	return func(p *Pipe) { p.onCopy = fn }
}

func NewPipe(src *Source, sink io.Writer, prefix string, h ErrorHandler, opts ...PipeOption) *Pipe {
	if h == nil {
		h = Discard
	}
	p := &Pipe{
		src:     src,
		sink:    sink,
		prefix:  []byte(prefix),
		handler: h,
		chunk:   make([]byte, chunkSize),
	}
	for _, o := range opts {
		o(p)
	}
	if len(p.prefix) == 0 {
		p.owePrefix = false
	}
	return p
}

// PipeAvailable copies whatever the source has buffered right now and
// returns the number of source bytes copied. It does not wait for more data.
// Failures are passed to the error handler.
func (p *Pipe) PipeAvailable() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	budget := p.src.Available()
	total := 0
	for budget > 0 {
		want := min(budget, len(p.chunk))
		n, _ := p.src.ReadAvailable(p.chunk[:want])
		if n == 0 {
			break
		}
		budget -= n
		if err := p.write(p.chunk[:n]); err != nil {
			p.handler.HandleError(err)
			return total
		}
		total += n
	}
	if total > 0 {
		if f, ok := p.sink.(flusher); ok {
			if err := f.Flush(); err != nil {
				p.handler.HandleError(err)
			}
		}
	}
	if budget == 0 && !p.srcFailed && p.src.Available() == 0 {
		if _, err := p.src.ReadAvailable(nil); err != nil && !errors.Is(err, io.EOF) {
			p.srcFailed = true
			p.handler.HandleError(err)
		}
	}
	return total
}

func (p *Pipe) write(b []byte) error {
	out := p.out[:0]
	if p.owePrefix {
		out = append(out, p.prefix...)
	}
	out = append(out, InsertPrefix(b, len(b), p.prefix)...)
	p.owePrefix = len(p.prefix) > 0 && b[len(b)-1] == '\n'
	p.out = out
	if _, err := p.sink.Write(out); err != nil {
		return err
	}
	if p.onCopy != nil {
		p.onCopy(len(b))
	}
	return nil
}

// Drain calls PipeAvailable every interval until the source is exhausted or
// ctx is cancelled. A cancelled drain still copies what is already buffered.
func (p *Pipe) Drain(ctx context.Context, interval time.Duration, clk clock.Clock) error {
	if clk == nil {
		clk = clock.RealClock{}
	}
	for {
		p.PipeAvailable()
		if p.src.Drained() {
			p.PipeAvailable()
			return nil
		}
		select {
		case <-ctx.Done():
			p.PipeAvailable()
			return ctx.Err()
		case <-p.src.Done():
		case <-clk.After(interval):
		}
	}
}
