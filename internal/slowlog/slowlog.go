// Package slowlog appends one line per slow request to a plain text file.
//
// Record never blocks the request: entries go through a bounded queue to a
// single writer goroutine, and are dropped (and counted) when the queue is
// full. Write failures are counted and otherwise ignored.
package slowlog

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/keithlinneman/transit-web/internal/log"
	"github.com/keithlinneman/transit-web/internal/xerrors"
)

// Entry is one slow response
type Entry struct {
	Method     string
	URL        string
	Annotation string
	ElapsedMS  int64
}

// Line renders the entry as written to the file
func (e Entry) Line() string {
	return fmt.Sprintf("%s %s %s %d\n", e.Method, e.URL, e.Annotation, e.ElapsedMS)
}

// Sink receives entries from the timing middleware
type Sink interface {
	Record(Entry)
}

// Counters is notified of writer outcomes, usually the metrics registry
type Counters interface {
	IncSlowLogWritten()
	IncSlowLogDropped()
	IncSlowLogError()
}

type Options struct {
	QueueSize int
	Logger    log.Logger
	Counters  Counters
}

type Writer struct {
	out    io.Writer
	closer io.Closer
	queue  chan Entry
	done   chan struct{}
	logger log.Logger
	ctr    Counters

	closeOnce sync.Once
	closed    atomic.Bool
	mu        sync.RWMutex // guards send vs close of queue

	written atomic.Int64
	dropped atomic.Int64
	errors  atomic.Int64
}

// Open appends to path, creating it if needed
func Open(path string, opts Options) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open slow log %s", path)
	}
	w := New(f, opts)
	w.closer = f
	return w, nil
}

// New starts a writer over out
func New(out io.Writer, opts Options) *Writer {
	size := opts.QueueSize
	if size <= 0 {
		size = 1024
	}
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	w := &Writer{
		out:    out,
		queue:  make(chan Entry, size),
		done:   make(chan struct{}),
		logger: L,
		ctr:    opts.Counters,
	}
	go w.run()
	return w
}

// Record enqueues e without blocking
func (w *Writer) Record(e Entry) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed.Load() {
		w.drop()
		return
	}
	select {
	case w.queue <- e:
	default:
		w.drop()
	}
}

func (w *Writer) drop() {
	w.dropped.Add(1)
	if w.ctr != nil {
		w.ctr.IncSlowLogDropped()
	}
}

func (w *Writer) run() {
	defer close(w.done)
	var lastErrLogged bool
	for e := range w.queue {
		if _, err := io.WriteString(w.out, e.Line()); err != nil {
			w.errors.Add(1)
			if w.ctr != nil {
				w.ctr.IncSlowLogError()
			}
			// one log line per failure streak
			if !lastErrLogged {
				w.logger.Warn(context.Background(), "slow log write failed", "error", err)
				lastErrLogged = true
			}
			continue
		}
		lastErrLogged = false
		w.written.Add(1)
		if w.ctr != nil {
			w.ctr.IncSlowLogWritten()
		}
	}
}

// Close stops accepting entries, drains the queue and closes the file.
// Returns ctx.Err() if draining outlives ctx.
func (w *Writer) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed.Store(true)
		close(w.queue)
		w.mu.Unlock()
	})
	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if w.closer != nil {
		return xerrors.Wrap(w.closer.Close(), "close slow log")
	}
	return nil
}

// Stats returns lifetime written, dropped and failed counts
func (w *Writer) Stats() (written, dropped, failed int64) {
	return w.written.Load(), w.dropped.Load(), w.errors.Load()
}
