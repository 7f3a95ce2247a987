package nvme

import "encoding/binary"

const (
	sqeSize = 64
	cqeSize = 16
)

// SubmissionEntry is the common 64-byte command layout.
type SubmissionEntry struct {
	Opcode uint8  `struc:"uint8"`
	Flags  uint8  `struc:"uint8"`
	CID    uint16 `struc:"uint16,little"`
	NSID   uint32 `struc:"uint32,little"`
	CDW2   uint32 `struc:"uint32,little"`
	CDW3   uint32 `struc:"uint32,little"`
	MPTR   uint64 `struc:"uint64,little"`
	PRP1   uint64 `struc:"uint64,little"`
	PRP2   uint64 `struc:"uint64,little"`
	CDW10  uint32 `struc:"uint32,little"`
	CDW11  uint32 `struc:"uint32,little"`
	CDW12  uint32 `struc:"uint32,little"`
	CDW13  uint32 `struc:"uint32,little"`
	CDW14  uint32 `struc:"uint32,little"`
	CDW15  uint32 `struc:"uint32,little"`
}

// Byte offsets of read/write command fields, reported as the parameter
// error location in the error log.
const (
	rwOffsetSLBA    = 40
	rwOffsetNLB     = 48
	rwOffsetControl = 50
)

// CompletionAccess reads and writes a 16-byte completion entry in place.
type CompletionAccess struct {
	data []byte
}

func NewCompletionAccess(data []byte) *CompletionAccess {
	return &CompletionAccess{data: data[:cqeSize]}
}

func (c *CompletionAccess) Result() uint32 {
	return binary.LittleEndian.Uint32(c.data)
}

func (c *CompletionAccess) SetResult(v uint32) {
	binary.LittleEndian.PutUint32(c.data, v)
}

func (c *CompletionAccess) SQHead() uint16 {
	return binary.LittleEndian.Uint16(c.data[8:])
}

func (c *CompletionAccess) SetSQHead(v uint16) {
	binary.LittleEndian.PutUint16(c.data[8:], v)
}

func (c *CompletionAccess) SQID() uint16 {
	return binary.LittleEndian.Uint16(c.data[10:])
}

func (c *CompletionAccess) SetSQID(v uint16) {
	binary.LittleEndian.PutUint16(c.data[10:], v)
}

func (c *CompletionAccess) CID() uint16 {
	return binary.LittleEndian.Uint16(c.data[12:])
}

func (c *CompletionAccess) SetCID(v uint16) {
	binary.LittleEndian.PutUint16(c.data[12:], v)
}

func (c *CompletionAccess) Status() Status {
	return Status(binary.LittleEndian.Uint16(c.data[14:]) >> 1)
}

func (c *CompletionAccess) Phase() uint8 {
	return uint8(binary.LittleEndian.Uint16(c.data[14:]) & 1)
}

// SetStatus stores the status together with the phase tag; both live in
// the same 16-bit field.
func (c *CompletionAccess) SetStatus(s Status, phase uint8) {
	binary.LittleEndian.PutUint16(c.data[14:], uint16(s)<<1|uint16(phase&1))
}

// Completion is the controller-side content of a completion entry before
// it is placed in a queue.
type Completion struct {
	Result uint32
	CID    uint16
	Status Status
}
