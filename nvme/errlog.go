package nvme

import (
	"bytes"

	ringbuf "github.com/lab47/nvmeq/pkg/ring_buf"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

const errorLogEntrySize = 64

// ErrorLogEntry is one Error Information log page entry.
type ErrorLogEntry struct {
	ErrorCount         uint64    `struc:"uint64,little"`
	SQID               uint16    `struc:"uint16,little"`
	CID                uint16    `struc:"uint16,little"`
	StatusField        uint16    `struc:"uint16,little"`
	ParamErrorLocation uint16    `struc:"uint16,little"`
	LBA                uint64    `struc:"uint64,little"`
	NSID               uint32    `struc:"uint32,little"`
	VS                 uint8     `struc:"uint8"`
	Resv               [35]uint8 `struc:"[35]uint8"`
}

// ErrorLog keeps the most recent failures; once full, each record
// overwrites the oldest one.
type ErrorLog struct {
	ring *ringbuf.RingBuf[ErrorLogEntry]

	errorCount uint64
	numErrors  uint64
}

func NewErrorLog(capacity int) *ErrorLog {
	return &ErrorLog{
		ring: ringbuf.NewRingBuf[ErrorLogEntry](capacity),
	}
}

func (l *ErrorLog) Record(sqid, cid uint16, status Status, location uint16, lba uint64, nsid uint32) {
	l.ring.PushOverwrite(ErrorLogEntry{
		ErrorCount:         l.errorCount,
		SQID:               sqid,
		CID:                cid,
		StatusField:        uint16(status),
		ParamErrorLocation: location,
		LBA:                lba,
		NSID:               nsid,
	})

	l.errorCount++
	l.numErrors++
}

// Entries returns the retained entries oldest first.
func (l *ErrorLog) Entries() []ErrorLogEntry {
	return l.ring.Items()
}

// NumErrors counts every record ever made, including overwritten ones.
func (l *ErrorLog) NumErrors() uint64 {
	return l.numErrors
}

func (l *ErrorLog) Capacity() int {
	return l.ring.Cap()
}

// LogPage encodes the log page: newest entry first, unused slots zeroed.
func (l *ErrorLog) LogPage() ([]byte, error) {
	var buf bytes.Buffer

	ents := l.ring.Items()

	for i := len(ents) - 1; i >= 0; i-- {
		if err := struc.Pack(&buf, &ents[i]); err != nil {
			return nil, errors.Wrapf(err, "packing error log entry %d", ents[i].ErrorCount)
		}
	}

	buf.Write(make([]byte, (l.ring.Cap()-len(ents))*errorLogEntrySize))

	return buf.Bytes(), nil
}
