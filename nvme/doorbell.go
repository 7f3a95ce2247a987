package nvme

import (
	"github.com/pkg/errors"
)

// WriteDoorbell handles a guest write into the doorbell register array.
// offset is relative to the first doorbell (BAR0 + 0x1000). Even slots are
// SQ tails, odd slots CQ heads.
func (c *Controller) WriteDoorbell(offset uint64, val uint32) error {
	stride := c.dbEntrySize()
	if offset%stride != 0 {
		return errors.Errorf("unaligned doorbell write at %#x", offset)
	}

	slot := offset / stride
	qid := slot / 2

	if qid > uint64(^uint16(0)) {
		return errors.Wrapf(ErrQueueIDRange, "doorbell %#x", offset)
	}

	if slot%2 == 0 {
		sq, ok := c.SQ(uint16(qid))
		if !ok {
			return errors.Errorf("doorbell write to missing sq %d", qid)
		}

		return sq.SetTail(val)
	}

	cq, ok := c.CQ(uint16(qid))
	if !ok {
		return errors.Errorf("doorbell write to missing cq %d", qid)
	}

	return cq.SetHead(val)
}

// SetDoorbellBuffer installs the shadow doorbell and event index pages
// (Doorbell Buffer Config). Existing I/O queues switch to them at once,
// seeded with their current indices.
func (c *Controller) SetDoorbellBuffer(dbs, eis uint64) Status {
	mask := c.pageSize - 1

	if dbs == 0 || dbs&mask != 0 || eis == 0 || eis&mask != 0 {
		return StatusInvalidField | DNR
	}

	dbsHVA, err := c.mem.Map(dbs, c.pageSize, true)
	if err != nil {
		c.log.Warn("unable to map doorbell buffer", "addr", dbs, "error", err)
		return StatusInvalidField | DNR
	}

	eisHVA, err := c.mem.Map(eis, c.pageSize, true)
	if err != nil {
		c.log.Warn("unable to map event index buffer", "addr", eis, "error", err)
		return StatusInvalidField | DNR
	}

	c.dbs, c.dbsHVA = dbs, dbsHVA
	c.eis, c.eisHVA = eis, eisHVA

	for _, sq := range c.sq {
		if sq == nil || sq.sqid == 0 {
			continue
		}

		c.attachSQShadow(sq)
		c.writeDoorbell(sq.dbHVA, sq.dbAddr, sq.tail)
		sq.UpdateEventIdx()
	}

	for _, cq := range c.cq {
		if cq == nil || cq.cqid == 0 {
			continue
		}

		c.attachCQShadow(cq)
		c.writeDoorbell(cq.dbHVA, cq.dbAddr, cq.head)
		cq.UpdateEventIdx()
	}

	c.log.Info("doorbell buffer configured", "dbs", dbs, "eis", eis)

	return StatusSuccess
}
