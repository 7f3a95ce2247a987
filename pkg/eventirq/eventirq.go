// Package eventirq delivers completion interrupts through eventfd(2), one
// per vector, so a hypervisor can bind them as irqfds.
package eventirq

import (
	"encoding/binary"
	"sync"

	"github.com/lab47/lsvd/logger"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var ErrVectorRange = errors.New("interrupt vector out of range")

type vector struct {
	fd   int
	refs int
}

type Vectors struct {
	log logger.Logger

	mu  sync.Mutex
	max uint16
	vec map[uint16]*vector
}

// New allows vectors 0 through last.
func New(log logger.Logger, last uint16) *Vectors {
	return &Vectors{
		log: log,
		max: last,
		vec: make(map[uint16]*vector),
	}
}

func (v *Vectors) AcquireVector(n uint16) error {
	if n > v.max {
		return errors.Wrapf(ErrVectorRange, "vector %d, max %d", n, v.max)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if ent, ok := v.vec[n]; ok {
		ent.refs++
		return nil
	}

	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return errors.Wrapf(err, "creating eventfd for vector %d", n)
	}

	v.vec[n] = &vector{fd: fd, refs: 1}

	v.log.Trace("acquired interrupt vector", "vector", n, "fd", fd)

	return nil
}

func (v *Vectors) ReleaseVector(n uint16) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ent, ok := v.vec[n]
	if !ok {
		return
	}

	ent.refs--
	if ent.refs > 0 {
		return
	}

	unix.Close(ent.fd)
	delete(v.vec, n)

	v.log.Trace("released interrupt vector", "vector", n)
}

var signal = func() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 1)
	return buf
}()

func (v *Vectors) Notify(n uint16) error {
	v.mu.Lock()
	ent, ok := v.vec[n]
	v.mu.Unlock()

	if !ok {
		return errors.Errorf("notify on unacquired vector %d", n)
	}

	_, err := unix.Write(ent.fd, signal)
	if err != nil && err != unix.EAGAIN {
		return errors.Wrapf(err, "signaling vector %d", n)
	}

	return nil
}

// FD returns the eventfd backing vector n.
func (v *Vectors) FD(n uint16) (int, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ent, ok := v.vec[n]
	if !ok {
		return -1, false
	}

	return ent.fd, true
}

func (v *Vectors) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for n, ent := range v.vec {
		unix.Close(ent.fd)
		delete(v.vec, n)
	}

	return nil
}
