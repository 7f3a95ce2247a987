// Package guestmem translates guest-physical addresses into host memory.
package guestmem

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Memory is the host-side view of guest-physical memory a controller needs:
// byte copies in and out, and direct mappings for rings it walks often.
type Memory interface {
	io.ReaderAt
	io.WriterAt

	// Map returns a host slice aliasing size bytes of guest memory at addr.
	// Writes through the slice are visible to the guest.
	Map(addr, size uint64, writable bool) ([]byte, error)
}

var ErrUnmapped = errors.New("guest address is not mapped")

type Region struct {
	Data  []byte
	Guest uint64
	Size  uint64

	readOnly bool
	mmapped  bool
}

func (e *Region) contains(addr, size uint64) bool {
	return addr >= e.Guest && addr+size <= e.Guest+e.Size && addr+size >= addr
}

// Table is a set of non-overlapping guest regions.
type Table struct {
	regions []*Region
}

func NewTable() *Table {
	return &Table{}
}

// AddAnonymous backs size bytes at guest address base with a private
// anonymous mapping.
func (t *Table) AddAnonymous(base, size uint64) (*Region, error) {
	ptr, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping %d bytes for guest region %#x", size, base)
	}

	r := &Region{
		Data:    ptr,
		Guest:   base,
		Size:    size,
		mmapped: true,
	}

	if err := t.add(r); err != nil {
		unix.Munmap(ptr)
		return nil, err
	}

	return r, nil
}

// AddFile maps size bytes of fd at offset as guest memory starting at base.
func (t *Table) AddFile(fd int, offset int64, base, size uint64) (*Region, error) {
	ptr, err := unix.Mmap(fd, offset, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping fd %d for guest region %#x", fd, base)
	}

	r := &Region{
		Data:    ptr,
		Guest:   base,
		Size:    size,
		mmapped: true,
	}

	if err := t.add(r); err != nil {
		unix.Munmap(ptr)
		return nil, err
	}

	return r, nil
}

// AddBytes registers caller-owned memory. When readOnly is set, writes and
// writable mappings into the region fail.
func (t *Table) AddBytes(base uint64, data []byte, readOnly bool) (*Region, error) {
	r := &Region{
		Data:     data,
		Guest:    base,
		Size:     uint64(len(data)),
		readOnly: readOnly,
	}

	if err := t.add(r); err != nil {
		return nil, err
	}

	return r, nil
}

func (t *Table) add(r *Region) error {
	for _, e := range t.regions {
		if r.Guest < e.Guest+e.Size && e.Guest < r.Guest+r.Size {
			return fmt.Errorf("guest region %#x+%d overlaps %#x+%d", r.Guest, r.Size, e.Guest, e.Size)
		}
	}

	t.regions = append(t.regions, r)
	return nil
}

func (t *Table) Close() error {
	var first error

	for _, e := range t.regions {
		if !e.mmapped {
			continue
		}

		if err := unix.Munmap(e.Data); err != nil && first == nil {
			first = err
		}
	}

	t.regions = nil

	return first
}

func (t *Table) lookup(addr, size uint64) (*Region, error) {
	for _, e := range t.regions {
		if e.contains(addr, size) {
			return e, nil
		}
	}

	return nil, errors.Wrapf(ErrUnmapped, "addr %#x size %d", addr, size)
}

func (t *Table) Map(addr, size uint64, writable bool) ([]byte, error) {
	e, err := t.lookup(addr, size)
	if err != nil {
		return nil, err
	}

	if writable && e.readOnly {
		return nil, fmt.Errorf("guest region %#x is read-only", e.Guest)
	}

	off := addr - e.Guest
	return e.Data[off : off+size : off+size], nil
}

func (t *Table) ReadAt(p []byte, addr int64) (int, error) {
	e, err := t.lookup(uint64(addr), uint64(len(p)))
	if err != nil {
		return 0, err
	}

	return copy(p, e.Data[uint64(addr)-e.Guest:]), nil
}

func (t *Table) WriteAt(p []byte, addr int64) (int, error) {
	e, err := t.lookup(uint64(addr), uint64(len(p)))
	if err != nil {
		return 0, err
	}

	if e.readOnly {
		return 0, fmt.Errorf("guest region %#x is read-only", e.Guest)
	}

	return copy(e.Data[uint64(addr)-e.Guest:], p), nil
}
