// Package comm is an in-process message passing layer: every rank of a World
// runs in its own goroutine and exchanges float64 buffers with the other
// ranks through tagged, non-blocking point-to-point requests. Sends never
// block; receives block only in Wait.
package comm

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

var (
	ErrTimeout      = errors.New("comm: timed out waiting for message")
	ErrUnreachable  = errors.New("comm: rank unreachable")
	ErrSizeMismatch = errors.New("comm: received buffer size mismatch")
	ErrAborted      = errors.New("comm: world aborted")
	ErrCancelled    = errors.New("comm: request cancelled")
)

const DefaultTimeout = 30 * time.Second

type key struct {
	src, tag int
}

type envelope struct {
	src, tag int
	data     []float64
	taken    bool
}

// mailbox holds the undelivered messages addressed to one rank, in FIFO
// order per (source, tag).
type mailbox struct {
	mu     sync.Mutex
	queue  map[key][]*envelope
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		queue:  make(map[key][]*envelope),
		notify: make(chan struct{}),
	}
}

func (mb *mailbox) post(env *envelope) {
	mb.mu.Lock()
	k := key{env.src, env.tag}
	mb.queue[k] = append(mb.queue[k], env)
	close(mb.notify)
	mb.notify = make(chan struct{})
	mb.mu.Unlock()
}

// take pops the oldest message for k, or returns the channel that is closed
// on the next delivery.
func (mb *mailbox) take(k key) (env *envelope, wake <-chan struct{}) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if q := mb.queue[k]; len(q) > 0 {
		env = q[0]
		env.taken = true
		if len(q) == 1 {
			delete(mb.queue, k)
		} else {
			mb.queue[k] = q[1:]
		}
		return
	}
	wake = mb.notify
	return
}

// withdraw removes env if it has not been received yet.
func (mb *mailbox) withdraw(env *envelope) (removed bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if env.taken {
		return
	}
	k := key{env.src, env.tag}
	q := mb.queue[k]
	for i, e := range q {
		if e == env {
			q = append(q[:i], q[i+1:]...)
			removed = true
			break
		}
	}
	if len(q) == 0 {
		delete(mb.queue, k)
	} else {
		mb.queue[k] = q
	}
	return
}

func (mb *mailbox) pending() (n int) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for _, q := range mb.queue {
		n += len(q)
	}
	return
}

// World is a fixed set of ranks sharing one set of mailboxes.
type World struct {
	size    int
	timeout time.Duration
	boxes   []*mailbox

	mu       sync.Mutex
	down     map[int]bool
	abort    chan struct{}
	abortErr error
}

type Option func(w *World)

// WithTimeout bounds every blocking Wait; a rank that does not deliver in
// time is treated as unreachable.
func WithTimeout(d time.Duration) Option {
	return func(w *World) {
		if d > 0 {
			w.timeout = d
		}
	}
}

func NewWorld(size int, opts ...Option) (w *World) {
	if size < 1 {
		panic(fmt.Errorf("comm: world size must be positive, have %d", size))
	}
	w = &World{
		size:    size,
		timeout: DefaultTimeout,
		boxes:   make([]*mailbox, size),
		down:    make(map[int]bool),
		abort:   make(chan struct{}),
	}
	for r := range w.boxes {
		w.boxes[r] = newMailbox()
	}
	for _, opt := range opts {
		opt(w)
	}
	return
}

func (w *World) Size() int              { return w.size }
func (w *World) Timeout() time.Duration { return w.timeout }

// Comm returns the endpoint of one rank.
func (w *World) Comm(rank int) *Comm {
	if rank < 0 || rank >= w.size {
		panic(fmt.Errorf("comm: rank %d outside world of size %d", rank, w.size))
	}
	return &Comm{world: w, rank: rank}
}

// Disconnect marks a rank unreachable: sends to it and receives from it fail
// with ErrUnreachable.
func (w *World) Disconnect(rank int) {
	w.mu.Lock()
	w.down[rank] = true
	w.mu.Unlock()
}

func (w *World) reachable(rank int) bool {
	if rank < 0 || rank >= w.size {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.down[rank]
}

// Abort wakes every blocked rank with ErrAborted. The first cause is kept.
func (w *World) Abort(cause error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.abortErr != nil {
		return
	}
	if cause == nil {
		cause = ErrAborted
	}
	w.abortErr = cause
	close(w.abort)
}

func (w *World) aborted() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.abort
}

// Pending counts messages posted but not yet received, over all ranks.
func (w *World) Pending() (n int) {
	for _, mb := range w.boxes {
		n += mb.pending()
	}
	return
}

// Run executes f once per rank, each in its own goroutine, and returns the
// error that aborted the world, if any. A failing rank aborts the others so
// that no rank is left waiting on a message that will never come.
func (w *World) Run(f func(c *Comm) error) (err error) {
	var (
		wg = sync.WaitGroup{}
	)
	w.mu.Lock()
	w.abort = make(chan struct{})
	w.abortErr = nil
	w.mu.Unlock()
	for rank := 0; rank < w.size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					w.Abort(fmt.Errorf("rank %d panicked: %v\n%s", rank, r, debug.Stack()))
				}
			}()
			if rankErr := f(w.Comm(rank)); rankErr != nil {
				w.Abort(fmt.Errorf("rank %d: %w", rank, rankErr))
			}
		}(rank)
	}
	wg.Wait()
	w.mu.Lock()
	err = w.abortErr
	w.mu.Unlock()
	return
}
