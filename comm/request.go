package comm

import (
	"fmt"
	"time"
)

type Kind uint8

const (
	SendRequest Kind = iota
	RecvRequest
)

func (k Kind) String() string {
	return [...]string{"send", "recv"}[k]
}

// Comm is the endpoint of one rank in a World.
type Comm struct {
	world *World
	rank  int
}

func (c *Comm) Rank() int     { return c.rank }
func (c *Comm) Size() int     { return c.world.size }
func (c *Comm) World() *World { return c.world }

// Request is one in-flight non-blocking operation.
type Request struct {
	kind      Kind
	comm      *Comm
	peer, tag int
	buf       []float64
	env       *envelope
	done      bool
	cancelled bool
	err       error
}

func (r *Request) Kind() Kind { return r.kind }
func (r *Request) Peer() int  { return r.peer }
func (r *Request) Tag() int   { return r.tag }

// Outstanding is true until the request has been waited on or cancelled.
func (r *Request) Outstanding() bool { return !r.done && !r.cancelled }

// Data returns the received buffer of a completed receive.
func (r *Request) Data() []float64 { return r.buf }

// Isend copies data into a message for rank dst and returns at once. The
// request stays outstanding until it is waited on.
func (c *Comm) Isend(rs *RequestSet, dst, tag int, data []float64) (req *Request, err error) {
	if !c.world.reachable(dst) {
		err = fmt.Errorf("send from rank %d to rank %d, tag %d: %w", c.rank, dst, tag, ErrUnreachable)
		return
	}
	env := &envelope{
		src:  c.rank,
		tag:  tag,
		data: append([]float64(nil), data...),
	}
	c.world.boxes[dst].post(env)
	req = &Request{kind: SendRequest, comm: c, peer: dst, tag: tag, env: env}
	rs.add(req)
	return
}

// Irecv posts a receive of exactly len(buf) values from rank src. buf is
// filled when the request completes.
func (c *Comm) Irecv(rs *RequestSet, src, tag int, buf []float64) (req *Request, err error) {
	if !c.world.reachable(src) {
		err = fmt.Errorf("receive on rank %d from rank %d, tag %d: %w", c.rank, src, tag, ErrUnreachable)
		return
	}
	req = &Request{kind: RecvRequest, comm: c, peer: src, tag: tag, buf: buf}
	rs.add(req)
	return
}

// Test completes the request if that can be done without blocking.
func (r *Request) Test() (complete bool, err error) {
	if !r.Outstanding() {
		return r.done, r.err
	}
	if r.kind == SendRequest {
		r.done = true
		return true, nil
	}
	env, _ := r.comm.world.boxes[r.comm.rank].take(key{r.peer, r.tag})
	if env == nil {
		return false, nil
	}
	return true, r.complete(env)
}

// Wait blocks until the request completes, the world timeout expires or the
// world is aborted.
func (r *Request) Wait() (err error) {
	if r.cancelled {
		return fmt.Errorf("%s request rank %d tag %d: %w", r.kind, r.peer, r.tag, ErrCancelled)
	}
	if r.done {
		return r.err
	}
	if r.kind == SendRequest {
		r.done = true
		return nil
	}
	var (
		w     = r.comm.world
		mb    = w.boxes[r.comm.rank]
		timer = time.NewTimer(w.timeout)
		abort = w.aborted()
	)
	defer timer.Stop()
	for {
		env, wake := mb.take(key{r.peer, r.tag})
		if env != nil {
			return r.complete(env)
		}
		if !w.reachable(r.peer) {
			r.done = true
			r.err = fmt.Errorf("rank %d waiting on rank %d, tag %d: %w",
				r.comm.rank, r.peer, r.tag, ErrUnreachable)
			return r.err
		}
		select {
		case <-wake:
		case <-abort:
			r.done = true
			r.err = fmt.Errorf("rank %d waiting on rank %d, tag %d: %w",
				r.comm.rank, r.peer, r.tag, ErrAborted)
			return r.err
		case <-timer.C:
			r.done = true
			r.err = fmt.Errorf("rank %d waiting on rank %d, tag %d after %v: %w",
				r.comm.rank, r.peer, r.tag, w.timeout, ErrTimeout)
			return r.err
		}
	}
}

func (r *Request) complete(env *envelope) error {
	r.done = true
	if r.buf == nil {
		r.buf = env.data
		return nil
	}
	if len(env.data) != len(r.buf) {
		r.err = fmt.Errorf("rank %d from rank %d, tag %d: expected %d values, got %d: %w",
			r.comm.rank, r.peer, r.tag, len(r.buf), len(env.data), ErrSizeMismatch)
		return r.err
	}
	copy(r.buf, env.data)
	return nil
}

// Cancel abandons the request. An unreceived send is withdrawn from the
// destination so that it cannot be matched by a later receive.
func (r *Request) Cancel() {
	if !r.Outstanding() {
		return
	}
	if r.kind == SendRequest && r.env != nil {
		r.comm.world.boxes[r.peer].withdraw(r.env)
	}
	r.cancelled = true
}

// RequestSet owns the requests issued during one operation. Every code path
// that fills a set must end in Drain or Cancel; Len reports what is still
// in flight.
type RequestSet struct {
	reqs []*Request
}

func NewRequestSet() *RequestSet { return &RequestSet{} }

func (rs *RequestSet) add(r *Request) {
	if rs != nil {
		rs.reqs = append(rs.reqs, r)
	}
}

// Len is the number of outstanding requests.
func (rs *RequestSet) Len() (n int) {
	if rs == nil {
		return
	}
	for _, r := range rs.reqs {
		if r.Outstanding() {
			n++
		}
	}
	return
}

// Drain waits for every outstanding request in issue order. On the first
// failure the remaining requests are cancelled and the error returned.
func (rs *RequestSet) Drain() (err error) {
	if rs == nil {
		return
	}
	for _, r := range rs.reqs {
		if !r.Outstanding() {
			continue
		}
		if err = r.Wait(); err != nil {
			rs.Cancel()
			return
		}
	}
	rs.reqs = rs.reqs[:0]
	return
}

// Cancel abandons every outstanding request and empties the set.
func (rs *RequestSet) Cancel() {
	if rs == nil {
		return
	}
	for _, r := range rs.reqs {
		r.Cancel()
	}
	rs.reqs = rs.reqs[:0]
}

// Compact drops completed requests from the set.
func (rs *RequestSet) Compact() {
	if rs == nil {
		return
	}
	live := rs.reqs[:0]
	for _, r := range rs.reqs {
		if r.Outstanding() {
			live = append(live, r)
		}
	}
	for i := len(live); i < len(rs.reqs); i++ {
		rs.reqs[i] = nil
	}
	rs.reqs = live
}
