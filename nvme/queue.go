package nvme

import (
	"encoding/binary"

	ringbuf "github.com/lab47/nvmeq/pkg/ring_buf"
	"github.com/pkg/errors"
)

// QueuePrio is the QPRIO field of Create I/O Submission Queue.
type QueuePrio uint8

const (
	PrioUrgent QueuePrio = 0
	PrioHigh   QueuePrio = 1
	PrioMedium QueuePrio = 2
	PrioLow    QueuePrio = 3
)

// Request tracks one command between fetch and completion.
type Request struct {
	SQ     *SQueue
	CID    uint16
	Cmd    Command
	Status Status
	Result uint32

	// Logged is set once the failure has been written to the error log.
	Logged bool
}

type SQueue struct {
	ctrl *Controller

	sqid, cqid uint16
	size       uint32
	head, tail uint32
	arbBurst   uint32

	dmaAddr uint64
	hva     []byte
	prpList []uint64

	dbAddr, eiAddr uint64
	dbHVA, eiHVA   []byte

	reqs        []Request
	free        *ringbuf.RingBuf[*Request]
	outstanding []*Request
}

type CQueue struct {
	ctrl *Controller

	cqid       uint16
	size       uint32
	head, tail uint32
	phase      uint8
	vector     uint16
	irqEnabled bool

	dmaAddr uint64
	hva     []byte
	prpList []uint64

	dbAddr, eiAddr uint64
	dbHVA, eiHVA   []byte

	sqs []*SQueue
}

type SQParams struct {
	SQID   uint16
	CQID   uint16
	Addr   uint64
	Size   uint32
	Prio   QueuePrio
	Contig bool
}

type CQParams struct {
	CQID       uint16
	Vector     uint16
	Addr       uint64
	Size       uint32
	IRQEnabled bool
	Contig     bool
}

func (c *Controller) dbEntrySize() uint64 {
	return 4 << c.cfg.DBStride
}

// shadow returns the guest address and, when it falls inside the mapped
// buffer page, the host slice for a doorbell buffer slot.
func shadow(base uint64, hva []byte, off uint64) (uint64, []byte) {
	if off+4 > uint64(len(hva)) {
		return base + off, nil
	}

	return base + off, hva[off : off+4 : off+4]
}

func (c *Controller) arbBurst(prio QueuePrio) uint32 {
	arb := c.arbitration

	switch prio {
	case PrioUrgent:
		return 1 << (arb & 0x7)
	case PrioHigh:
		return (arb>>24)&0xff + 1
	case PrioMedium:
		return (arb>>16)&0xff + 1
	default:
		return (arb>>8)&0xff + 1
	}
}

// InitSQ registers a submission queue. A missing target CQ is a caller bug
// and is returned as ErrNoSuchCQ before any state changes; problems with
// guest supplied memory are returned as a Status.
func (c *Controller) InitSQ(p SQParams) (*SQueue, Status, error) {
	if int(p.SQID) >= len(c.sq) {
		return nil, 0, errors.Wrapf(ErrQueueIDRange, "sq %d", p.SQID)
	}

	if c.sq[p.SQID] != nil {
		return nil, 0, errors.Wrapf(ErrQueueExists, "sq %d", p.SQID)
	}

	cq, ok := c.CQ(p.CQID)
	if !ok {
		return nil, 0, errors.Wrapf(ErrNoSuchCQ, "sq %d targets cq %d", p.SQID, p.CQID)
	}

	if p.Size < 2 {
		return nil, StatusMaxQSizeExceeded | DNR, nil
	}

	esz := uint64(c.cfg.SQEntrySize)

	sq := &SQueue{}
	if p.SQID == 0 {
		sq = &c.adminSQ
		*sq = SQueue{}
	}

	sq.ctrl = c
	sq.sqid = p.SQID
	sq.cqid = p.CQID
	sq.size = p.Size

	if p.Contig {
		hva, err := c.mem.Map(p.Addr, uint64(p.Size)*esz, false)
		if err != nil {
			c.log.Warn("unable to map submission queue", "sqid", p.SQID, "addr", p.Addr, "error", err)
			return nil, StatusInvalidField | DNR, nil
		}

		sq.dmaAddr = p.Addr
		sq.hva = hva
	} else {
		list, err := c.BuildPRPList(p.Addr, p.Size, uint32(esz))
		if err != nil {
			c.log.Warn("rejecting discontiguous submission queue", "sqid", p.SQID, "error", err)
			return nil, StatusInvalidField | DNR, nil
		}

		sq.prpList = list
	}

	sq.reqs = make([]Request, p.Size)
	sq.free = ringbuf.NewRingBuf[*Request](int(p.Size))
	for i := range sq.reqs {
		sq.reqs[i].SQ = sq
		sq.free.Push(&sq.reqs[i])
	}

	sq.arbBurst = c.arbBurst(p.Prio)

	if p.SQID != 0 && c.dbs != 0 && c.eis != 0 {
		c.attachSQShadow(sq)
	}

	cq.sqs = append(cq.sqs, sq)
	c.sq[p.SQID] = sq

	c.log.Trace("created submission queue", "sqid", p.SQID, "cqid", p.CQID, "size", p.Size,
		"contig", p.Contig, "burst", sq.arbBurst)

	return sq, StatusSuccess, nil
}

func (c *Controller) attachSQShadow(sq *SQueue) {
	off := 2 * uint64(sq.sqid) * c.dbEntrySize()

	sq.dbAddr, sq.dbHVA = shadow(c.dbs, c.dbsHVA, off)
	sq.eiAddr, sq.eiHVA = shadow(c.eis, c.eisHVA, off)

	c.log.Trace("sq shadow doorbell", "sqid", sq.sqid, "db", sq.dbAddr, "ei", sq.eiAddr)
}

// InitCQ registers a completion queue and acquires its interrupt vector.
func (c *Controller) InitCQ(p CQParams) (*CQueue, Status, error) {
	if int(p.CQID) >= len(c.cq) {
		return nil, 0, errors.Wrapf(ErrQueueIDRange, "cq %d", p.CQID)
	}

	if c.cq[p.CQID] != nil {
		return nil, 0, errors.Wrapf(ErrQueueExists, "cq %d", p.CQID)
	}

	if p.Size < 2 {
		return nil, StatusMaxQSizeExceeded | DNR, nil
	}

	esz := uint64(c.cfg.CQEntrySize)

	cq := &CQueue{}
	if p.CQID == 0 {
		cq = &c.adminCQ
		*cq = CQueue{}
	}

	cq.ctrl = c
	cq.cqid = p.CQID
	cq.size = p.Size
	cq.phase = 1
	cq.vector = p.Vector
	cq.irqEnabled = p.IRQEnabled

	if p.Contig {
		hva, err := c.mem.Map(p.Addr, uint64(p.Size)*esz, true)
		if err != nil {
			c.log.Warn("unable to map completion queue", "cqid", p.CQID, "addr", p.Addr, "error", err)
			return nil, StatusInvalidField | DNR, nil
		}

		cq.dmaAddr = p.Addr
		cq.hva = hva
	} else {
		list, err := c.BuildPRPList(p.Addr, p.Size, uint32(esz))
		if err != nil {
			c.log.Warn("rejecting discontiguous completion queue", "cqid", p.CQID, "error", err)
			return nil, StatusInvalidField | DNR, nil
		}

		cq.prpList = list
	}

	if p.CQID != 0 && c.dbs != 0 && c.eis != 0 {
		c.attachCQShadow(cq)
	}

	if err := c.irq.AcquireVector(p.Vector); err != nil {
		return nil, 0, errors.Wrapf(err, "acquiring vector %d for cq %d", p.Vector, p.CQID)
	}

	c.cq[p.CQID] = cq

	c.log.Trace("created completion queue", "cqid", p.CQID, "size", p.Size,
		"contig", p.Contig, "vector", p.Vector, "irq", p.IRQEnabled)

	return cq, StatusSuccess, nil
}

func (c *Controller) attachCQShadow(cq *CQueue) {
	off := (2*uint64(cq.cqid) + 1) * c.dbEntrySize()

	cq.dbAddr, cq.dbHVA = shadow(c.dbs, c.dbsHVA, off)
	cq.eiAddr, cq.eiHVA = shadow(c.eis, c.eisHVA, off)

	c.log.Trace("cq shadow doorbell", "cqid", cq.cqid, "db", cq.dbAddr, "ei", cq.eiAddr)
}

func (c *Controller) FreeSQ(sq *SQueue) {
	c.sq[sq.sqid] = nil

	if cq, ok := c.CQ(sq.cqid); ok {
		for i, s := range cq.sqs {
			if s == sq {
				cq.sqs = append(cq.sqs[:i], cq.sqs[i+1:]...)
				break
			}
		}
	}

	sq.hva = nil
	sq.prpList = nil
	sq.reqs = nil
	sq.free = nil
	sq.outstanding = nil
	sq.dbHVA, sq.eiHVA = nil, nil

	c.log.Trace("freed submission queue", "sqid", sq.sqid)
}

func (c *Controller) FreeCQ(cq *CQueue) {
	c.cq[cq.cqid] = nil
	c.irq.ReleaseVector(cq.vector)

	cq.hva = nil
	cq.prpList = nil
	cq.sqs = nil
	cq.dbHVA, cq.eiHVA = nil, nil

	c.log.Trace("freed completion queue", "cqid", cq.cqid)
}

func (c *Controller) entryAddr(base uint64, prp []uint64, idx uint32, esz uint64) uint64 {
	off := uint64(idx) * esz
	if prp == nil {
		return base + off
	}

	return prp[off/c.pageSize] + off%c.pageSize
}

func (sq *SQueue) ID() uint16 { return sq.sqid }
func (sq *SQueue) CQID() uint16 { return sq.cqid }
func (sq *SQueue) Size() uint32 { return sq.size }
func (sq *SQueue) Head() uint32 { return sq.head }
func (sq *SQueue) Tail() uint32 { return sq.tail }
func (sq *SQueue) ArbBurst() uint32 { return sq.arbBurst }
func (sq *SQueue) InFlight() int { return len(sq.outstanding) }

// SetTail records an MMIO doorbell write.
func (sq *SQueue) SetTail(v uint32) error {
	if v >= sq.size {
		return errors.Errorf("sq %d tail %d beyond size %d", sq.sqid, v, sq.size)
	}

	sq.tail = v
	return nil
}

// UpdateTail refreshes the tail from the shadow doorbell, reading the
// buffer directly when mapped and through guest memory otherwise. It must
// run right before Empty is consulted.
func (sq *SQueue) UpdateTail() {
	v, ok := sq.ctrl.readDoorbell(sq.dbHVA, sq.dbAddr)
	if !ok {
		return
	}

	if v >= sq.size {
		sq.ctrl.log.Warn("ignoring out of range sq tail", "sqid", sq.sqid, "tail", v, "size", sq.size)
		return
	}

	sq.tail = v
}

func (sq *SQueue) Empty() bool {
	return sq.head == sq.tail
}

func (sq *SQueue) IncHead() {
	sq.head = (sq.head + 1) % sq.size
}

// UpdateEventIdx publishes the consumed tail so the host knows when the
// next doorbell write is needed.
func (sq *SQueue) UpdateEventIdx() {
	sq.ctrl.writeDoorbell(sq.eiHVA, sq.eiAddr, sq.tail)
}

// Fetch copies the entry at head into buf.
func (sq *SQueue) Fetch(buf []byte) error {
	c := sq.ctrl
	esz := uint64(c.cfg.SQEntrySize)

	if sq.hva != nil {
		off := uint64(sq.head) * esz
		copy(buf, sq.hva[off:off+esz])
		return nil
	}

	addr := c.entryAddr(sq.dmaAddr, sq.prpList, sq.head, esz)

	_, err := c.mem.ReadAt(buf[:esz], int64(addr))
	if err != nil {
		return errors.Wrapf(err, "fetching sq %d entry %d", sq.sqid, sq.head)
	}

	return nil
}

// AllocRequest takes a free tracking slot, failing when size requests are
// already in flight.
func (sq *SQueue) AllocRequest() (*Request, bool) {
	req, ok := sq.free.Pop()
	if !ok {
		return nil, false
	}

	sq.outstanding = append(sq.outstanding, req)

	return req, true
}

func (sq *SQueue) ReleaseRequest(req *Request) {
	for i, r := range sq.outstanding {
		if r == req {
			sq.outstanding = append(sq.outstanding[:i], sq.outstanding[i+1:]...)
			break
		}
	}

	*req = Request{SQ: sq}
	sq.free.Push(req)
}

func (cq *CQueue) ID() uint16 { return cq.cqid }
func (cq *CQueue) Size() uint32 { return cq.size }
func (cq *CQueue) Head() uint32 { return cq.head }
func (cq *CQueue) Tail() uint32 { return cq.tail }
func (cq *CQueue) Phase() uint8 { return cq.phase }
func (cq *CQueue) Vector() uint16 { return cq.vector }
func (cq *CQueue) IRQEnabled() bool { return cq.irqEnabled }
func (cq *CQueue) SQs() []*SQueue { return cq.sqs }

// SetHead records an MMIO doorbell write.
func (cq *CQueue) SetHead(v uint32) error {
	if v >= cq.size {
		return errors.Errorf("cq %d head %d beyond size %d", cq.cqid, v, cq.size)
	}

	cq.head = v
	return nil
}

func (cq *CQueue) UpdateHead() {
	v, ok := cq.ctrl.readDoorbell(cq.dbHVA, cq.dbAddr)
	if !ok {
		return
	}

	if v >= cq.size {
		cq.ctrl.log.Warn("ignoring out of range cq head", "cqid", cq.cqid, "head", v, "size", cq.size)
		return
	}

	cq.head = v
}

// Full refreshes head and reports whether posting would overrun it.
func (cq *CQueue) Full() bool {
	cq.UpdateHead()

	return (cq.tail+1)%cq.size == cq.head
}

// IncTail advances tail, flipping the phase each time it wraps.
func (cq *CQueue) IncTail() {
	cq.tail++
	if cq.tail >= cq.size {
		cq.tail = 0
		cq.phase ^= 1
	}
}

func (cq *CQueue) UpdateEventIdx() {
	cq.ctrl.writeDoorbell(cq.eiHVA, cq.eiAddr, cq.head)
}

// Post writes a completion at tail tagged with the current phase, then
// advances tail.
func (cq *CQueue) Post(cmp Completion, sqid uint16, sqHead uint32) error {
	c := cq.ctrl
	esz := uint64(c.cfg.CQEntrySize)

	buf := make([]byte, esz)
	ent := NewCompletionAccess(buf)
	ent.SetResult(cmp.Result)
	ent.SetSQHead(uint16(sqHead))
	ent.SetSQID(sqid)
	ent.SetCID(cmp.CID)
	ent.SetStatus(cmp.Status, cq.phase)

	if cq.hva != nil {
		off := uint64(cq.tail) * esz
		copy(cq.hva[off:off+esz], buf)
	} else {
		addr := c.entryAddr(cq.dmaAddr, cq.prpList, cq.tail, esz)

		_, err := c.mem.WriteAt(buf, int64(addr))
		if err != nil {
			return errors.Wrapf(err, "posting cq %d entry %d", cq.cqid, cq.tail)
		}
	}

	cq.IncTail()

	return nil
}

func (c *Controller) readDoorbell(hva []byte, addr uint64) (uint32, bool) {
	if hva != nil {
		return binary.LittleEndian.Uint32(hva), true
	}

	if addr == 0 {
		return 0, false
	}

	var buf [4]byte

	_, err := c.mem.ReadAt(buf[:], int64(addr))
	if err != nil {
		c.log.Warn("unable to read shadow doorbell", "addr", addr, "error", err)
		return 0, false
	}

	return binary.LittleEndian.Uint32(buf[:]), true
}

func (c *Controller) writeDoorbell(hva []byte, addr uint64, v uint32) {
	if hva != nil {
		binary.LittleEndian.PutUint32(hva, v)
		return
	}

	if addr == 0 {
		return
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)

	_, err := c.mem.WriteAt(buf[:], int64(addr))
	if err != nil {
		c.log.Warn("unable to write event index", "addr", addr, "error", err)
	}
}
