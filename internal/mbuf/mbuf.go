// Package mbuf models the NIC driver / memory-pool runtime's packet-buffer
// allocator (SPEC_FULL.md §4.7): a bounded, reference-counted pool of byte
// buffers. Production kernel-bypass drivers hand out DMA-mapped buffers from
// a fixed-size ring; this pool reproduces the same ownership contract
// (exactly one owner at a time, exhaustion is a counted error not a panic,
// teardown waits for outstanding references) over plain Go byte slices.
package mbuf

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPoolExhausted is returned by Get when the pool is at capacity.
var ErrPoolExhausted = errors.New("mbuf: pool exhausted")

// ErrClosed is returned by Get after the pool has been closed.
var ErrClosed = errors.New("mbuf: pool closed")

// Mbuf is a reference-counted packet buffer. The zero value is not usable;
// obtain one from a Pool.
type Mbuf struct {
	pool     *Pool
	Data     []byte
	refs     int32
	released int32
}

// Ref increments the reference count. Call once per additional owner
// (e.g. a tracked packet list) before handing the Mbuf to code that will
// call Release independently.
func (m *Mbuf) Ref() {
	atomic.AddInt32(&m.refs, 1)
}

// Release decrements the reference count, returning the buffer to the pool
// once it reaches zero. Safe to call exactly once per Ref (including the
// implicit ref held by the caller of Pool.Get).
func (m *Mbuf) Release() {
	if atomic.AddInt32(&m.refs, -1) > 0 {
		return
	}
	if !atomic.CompareAndSwapInt32(&m.released, 0, 1) {
		return
	}
	m.pool.reclaim(m)
}

// Pool is a bounded pool of Mbufs.
type Pool struct {
	capacity  int
	bufSize   int
	free      *sync.Pool
	outCount  int32
	allocated int32
	closed    int32
	drainCh   chan struct{}
	drainOnce sync.Once
}

// NewPool creates a pool with room for capacity outstanding buffers, each
// bufSize bytes. capacity bounds concurrent allocations, not total
// lifetime allocations.
func NewPool(capacity, bufSize int) *Pool {
	if capacity <= 0 {
		capacity = 1
	}
	if bufSize <= 0 {
		bufSize = 2048
	}
	p := &Pool{
		capacity: capacity,
		bufSize:  bufSize,
		drainCh:  make(chan struct{}),
	}
	p.free = &sync.Pool{New: func() interface{} {
		return &Mbuf{pool: p, Data: make([]byte, 0, bufSize)}
	}}
	return p
}

// Get obtains an Mbuf with refcount 1, copying payload into its backing
// buffer (truncated to bufSize if larger).
func (p *Pool) Get(payload []byte) (*Mbuf, error) {
	if atomic.LoadInt32(&p.closed) != 0 {
		return nil, ErrClosed
	}
	if int(atomic.LoadInt32(&p.outCount)) >= p.capacity {
		return nil, ErrPoolExhausted
	}
	atomic.AddInt32(&p.outCount, 1)
	atomic.AddInt32(&p.allocated, 1)

	m := p.free.Get().(*Mbuf)
	m.pool = p
	m.refs = 1
	m.released = 0
	n := len(payload)
	if n > cap(m.Data) {
		n = cap(m.Data)
	}
	m.Data = m.Data[:n]
	copy(m.Data, payload[:n])
	return m, nil
}

func (p *Pool) reclaim(m *Mbuf) {
	m.Data = m.Data[:0]
	p.free.Put(m)
	remaining := atomic.AddInt32(&p.outCount, -1)
	if remaining == 0 {
		select {
		case <-p.drainCh:
			// already closed and signaled
		default:
			if atomic.LoadInt32(&p.closed) != 0 {
				p.drainOnce.Do(func() { close(p.drainCh) })
			}
		}
	}
}

// Outstanding reports the number of Mbufs currently checked out.
func (p *Pool) Outstanding() int {
	return int(atomic.LoadInt32(&p.outCount))
}

// Allocated reports the lifetime count of Get calls that succeeded.
func (p *Pool) Allocated() int {
	return int(atomic.LoadInt32(&p.allocated))
}

// Close marks the pool closed (further Get calls fail) and waits up to
// timeout for all outstanding Mbufs to be released. It returns the number
// still outstanding when it returns, which callers should treat as a
// conservation-invariant violation if non-zero (SPEC_FULL.md invariant 3).
func (p *Pool) Close(timeout time.Duration) int {
	atomic.StoreInt32(&p.closed, 1)
	if atomic.LoadInt32(&p.outCount) == 0 {
		p.drainOnce.Do(func() { close(p.drainCh) })
		return 0
	}
	select {
	case <-p.drainCh:
	case <-time.After(timeout):
	}
	return int(atomic.LoadInt32(&p.outCount))
}
