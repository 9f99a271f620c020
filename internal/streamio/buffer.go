package streamio

import (
	"errors"
	"io"
	"sync"
	"time"
)

var (
	ErrReadTimeout = errors.New("timed out waiting for stream data")
	ErrOutOfWindow = errors.New("position no longer buffered")
	ErrClosed      = errors.New("stream closed")
)

// DefaultKeepBack is how many already-read bytes stay available for
// backward seeks.
const DefaultKeepBack = 256 * 1024

// adapterBuffer connects the network goroutine that appends audio with the
// decoder goroutine that reads it. Only a window of recent bytes is kept.
type adapterBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	data     []byte
	base     int64
	readMax  int64
	keepBack int64
	timeout  time.Duration

	closed   bool
	closeErr error
}

func newAdapterBuffer(timeout time.Duration, keepBack int64) *adapterBuffer {
	b := &adapterBuffer{timeout: timeout, keepBack: keepBack}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *adapterBuffer) written() int64 {
	return b.base + int64(len(b.data))
}

func (b *adapterBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}

	b.data = append(b.data, p...)
	b.trim()
	b.cond.Broadcast()
	return len(p), nil
}

// trim drops bytes that lie more than keepBack behind the furthest read.
func (b *adapterBuffer) trim() {
	cut := b.readMax - b.keepBack - b.base
	if cut <= 0 {
		return
	}
	if cut > int64(len(b.data)) {
		cut = int64(len(b.data))
	}
	remaining := copy(b.data, b.data[cut:])
	b.data = b.data[:remaining]
	b.base += cut
}

// ReadAt waits until at least one byte at off is available and copies what
// is buffered. It may return fewer bytes than requested with a nil error.
func (b *adapterBuffer) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.waitFor(off); err != nil {
		return 0, err
	}
	if off < b.base {
		return 0, ErrOutOfWindow
	}

	n := copy(p, b.data[off-b.base:])
	if end := off + int64(n); end > b.readMax {
		b.readMax = end
	}
	return n, nil
}

func (b *adapterBuffer) waitFor(off int64) error {
	if off < b.written() {
		return nil
	}

	expired := false
	timer := time.AfterFunc(b.timeout, func() {
		b.mu.Lock()
		expired = true
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer timer.Stop()

	for off >= b.written() {
		if b.closed {
			return b.closeErr
		}
		if expired {
			return ErrReadTimeout
		}
		b.cond.Wait()
	}
	return nil
}

// CloseWithError wakes all readers; once the buffered data is consumed they
// receive err, or io.EOF when err is nil.
func (b *adapterBuffer) CloseWithError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if err == nil {
		err = io.EOF
	}
	b.closed = true
	b.closeErr = err
	b.cond.Broadcast()
}

// Buffered reports bytes received but not yet read.
func (b *adapterBuffer) Buffered() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := b.written() - b.readMax; n > 0 {
		return n
	}
	return 0
}

func (b *adapterBuffer) Window() (start, end int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.base, b.written()
}
