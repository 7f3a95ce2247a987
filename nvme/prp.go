package nvme

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var ErrInvalidPRP = errors.New("invalid prp list")

// BuildPRPList walks the PRP list starting at prpAddr and returns one page
// address for every page of a queue holding depth entries of entrySize
// bytes. The last slot of a list page chains to the next list page when
// more entries remain. Any null or misaligned pointer fails the whole walk.
func (c *Controller) BuildPRPList(prpAddr uint64, depth, entrySize uint32) ([]uint64, error) {
	pageSize := c.pageSize
	prpsPerPage := int(pageSize >> 3)
	total := int((uint64(depth)*uint64(entrySize) + pageSize - 1) / pageSize)

	if total == 0 {
		return nil, errors.Wrapf(ErrInvalidPRP, "empty queue")
	}

	page := make([]byte, pageSize)
	list := make([]uint64, total)

	readPage := func(addr uint64) error {
		if addr == 0 || addr&(pageSize-1) != 0 {
			return errors.Wrapf(ErrInvalidPRP, "list page %#x", addr)
		}

		_, err := c.mem.ReadAt(page, int64(addr))
		if err != nil {
			return errors.Wrapf(ErrInvalidPRP, "reading list page %#x: %s", addr, err)
		}

		return nil
	}

	slot := func(n int) uint64 {
		return binary.LittleEndian.Uint64(page[n*8:])
	}

	if err := readPage(prpAddr); err != nil {
		return nil, err
	}

	pos := 0

	for i := 0; i < total; i++ {
		if pos == prpsPerPage-1 && i < total-1 {
			if err := readPage(slot(pos)); err != nil {
				return nil, err
			}

			pos = 0
		}

		ent := slot(pos)
		if ent == 0 || ent&(pageSize-1) != 0 {
			return nil, errors.Wrapf(ErrInvalidPRP, "entry %d is %#x", i, ent)
		}

		list[i] = ent
		pos++
	}

	return list, nil
}
