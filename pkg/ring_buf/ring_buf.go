package ringbuf

import (
	"sync/atomic"
)

// RingBuf is a bounded ring holding at most Cap() values. One slot of the
// backing array is always left empty so read == write means empty.
type RingBuf[V any] struct {
	ring []V

	read, write atomic.Uint32
}

// NewRingBuf returns a ring able to hold sz values.
func NewRingBuf[V any](sz int) *RingBuf[V] {
	return &RingBuf[V]{
		ring: make([]V, sz+1),
	}
}

func (r *RingBuf[V]) next(v uint32) uint32 {
	return (v + 1) % uint32(len(r.ring))
}

func (r *RingBuf[V]) Pop() (V, bool) {
	rv := r.read.Load()
	wv := r.write.Load()

	if rv == wv {
		var v V
		return v, false
	}

	val := r.ring[rv]

	var zero V
	r.ring[rv] = zero

	r.read.Store(r.next(rv))

	return val, true
}

func (r *RingBuf[V]) Front() (V, bool) {
	rv := r.read.Load()
	wv := r.write.Load()

	if rv == wv {
		var v V
		return v, false
	}

	return r.ring[rv], true
}

// Push appends v, refusing when the ring is full.
func (r *RingBuf[V]) Push(v V) bool {
	if r.FullP() {
		return false
	}

	wv := r.write.Load()

	r.ring[wv] = v
	r.write.Store(r.next(wv))

	return true
}

// PushOverwrite appends v, discarding the oldest value when the ring is
// full. It reports whether a value was discarded. It moves the read cursor,
// so it must not race with Pop.
func (r *RingBuf[V]) PushOverwrite(v V) bool {
	dropped := false

	if r.FullP() {
		r.read.Store(r.next(r.read.Load()))
		dropped = true
	}

	wv := r.write.Load()

	r.ring[wv] = v
	r.write.Store(r.next(wv))

	return dropped
}

func (r *RingBuf[V]) EmptyP() bool {
	rv := r.read.Load()
	wv := r.write.Load()

	return rv == wv
}

func (r *RingBuf[V]) FullP() bool {
	rv := r.read.Load()
	wv := r.next(r.write.Load())

	return rv == wv
}

func (r *RingBuf[V]) Readable() int {
	rv := r.read.Load()
	wv := r.write.Load()

	if rv > wv {
		return int(wv + uint32(len(r.ring)) - rv)
	}

	return int(wv - rv)
}

// Cap is the number of values the ring can hold.
func (r *RingBuf[V]) Cap() int {
	return len(r.ring) - 1
}

// Items returns the readable values oldest first without consuming them.
func (r *RingBuf[V]) Items() []V {
	n := r.Readable()
	out := make([]V, 0, n)

	rv := r.read.Load()
	for i := 0; i < n; i++ {
		out = append(out, r.ring[rv])
		rv = r.next(rv)
	}

	return out
}
