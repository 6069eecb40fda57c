package server

import (
	"sync"

	"github.com/marmos91/fsserver/internal/protocol"
)

// Queue is an unbounded FIFO of requests shared by the reader and the
// workers.
//
// Add never blocks. Poll blocks until a request is available or the queue
// is shut down; after Shutdown it returns immediately and requests still
// queued are abandoned.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []*protocol.Request
	head     int
	shutdown bool
	maxSize  int
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Add appends req and wakes one waiting worker. Requests added after
// Shutdown are dropped.
func (q *Queue) Add(req *protocol.Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return false
	}
	q.items = append(q.items, req)
	if n := len(q.items) - q.head; n > q.maxSize {
		q.maxSize = n
	}
	q.cond.Signal()
	return true
}

// Poll removes and returns the oldest request. The second result is false
// once the queue is shut down.
func (q *Queue) Poll() (*protocol.Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.head == len(q.items) && !q.shutdown {
		q.cond.Wait()
	}
	if q.shutdown {
		return nil, false
	}
	req := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return req, true
}

// Shutdown wakes every waiting worker and returns the number of requests
// that were still queued.
func (q *Queue) Shutdown() int {
	q.mu.Lock()
	q.shutdown = true
	abandoned := len(q.items) - q.head
	q.mu.Unlock()
	q.cond.Broadcast()
	return abandoned
}

// Len returns the number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// MaxSize returns the largest length the queue reached.
func (q *Queue) MaxSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxSize
}
