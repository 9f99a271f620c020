// Package notify delivers asynchronous messages from the streaming core to
// whatever front end is listening.
package notify

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Poster accepts a message without blocking. It reports false when the
// message could not be queued; callers treat that as non-fatal.
type Poster interface {
	Post(msg any) bool
}

// PosterFunc adapts a function to the Poster interface.
type PosterFunc func(msg any) bool

func (f PosterFunc) Post(msg any) bool { return f(msg) }

// Discard drops every message.
var Discard Poster = PosterFunc(func(any) bool { return true })

// Lossless is implemented by messages a Queue keeps even when it is full,
// such as state changes a listener waits on.
type Lossless interface {
	Lossless()
}

// Queue hands messages to a single handler goroutine in the order they were
// posted. Once size messages are pending, further messages are dropped
// unless they are Lossless.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []any
	size    int
	closed  bool
	handler func(msg any)
	done    chan struct{}
}

func NewQueue(size int, handler func(msg any)) *Queue {
	if size <= 0 {
		size = 64
	}
	q := &Queue{
		size:    size,
		handler: handler,
		done:    make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, msg := range batch {
			q.handler(msg)
		}
		if closed && len(batch) == 0 {
			return
		}
	}
}

func (q *Queue) Post(msg any) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if _, keep := msg.(Lossless); !keep && len(q.pending) >= q.size {
		log.Warn().Msgf("Notification queue full, dropping %T", msg)
		return false
	}

	q.pending = append(q.pending, msg)
	q.cond.Signal()
	return true
}

// Close stops accepting messages and waits for queued ones to be handled.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
	<-q.done
}

// Post sends msg to p, tolerating a nil poster.
func Post(p Poster, msg any) bool {
	if p == nil {
		return false
	}
	return p.Post(msg)
}
