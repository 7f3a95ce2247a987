package nvme

import (
	"github.com/pkg/errors"
)

const (
	LogErrorInfo = 0x01
)

// CreateAdminQueues sets up queue pair 0 from the AQA/ASQ/ACQ registers.
func (c *Controller) CreateAdminQueues(asq, acq uint64, sqSize, cqSize uint32) error {
	_, st, err := c.InitCQ(CQParams{
		CQID:       0,
		Addr:       acq,
		Size:       cqSize,
		IRQEnabled: true,
		Contig:     true,
	})
	if err != nil {
		return errors.Wrapf(err, "creating admin completion queue")
	}

	if !st.OK() {
		return errors.Errorf("creating admin completion queue: %s", st)
	}

	_, st, err = c.InitSQ(SQParams{
		SQID:   0,
		CQID:   0,
		Addr:   asq,
		Size:   sqSize,
		Prio:   PrioUrgent,
		Contig: true,
	})
	if err != nil {
		c.FreeCQ(&c.adminCQ)
		return errors.Wrapf(err, "creating admin submission queue")
	}

	if !st.OK() {
		c.FreeCQ(&c.adminCQ)
		return errors.Errorf("creating admin submission queue: %s", st)
	}

	c.log.Info("admin queues created", "asq", asq, "acq", acq, "sq_size", sqSize, "cq_size", cqSize)

	return nil
}

func (c *Controller) queueAddrOK(addr uint64) bool {
	return addr != 0 && addr&(c.pageSize-1) == 0
}

func (c *Controller) CreateIOSQ(cmd *CreateSQ) Status {
	if cmd.CQID == 0 || !c.CheckCQID(cmd.CQID) {
		return StatusInvalidCQID | DNR
	}

	if cmd.QID == 0 || cmd.QID > c.cfg.NumIOQueues || c.CheckSQID(cmd.QID) {
		return StatusInvalidQID | DNR
	}

	if cmd.Size < 2 || cmd.Size > uint32(c.cfg.MaxQEntries) {
		return StatusMaxQSizeExceeded | DNR
	}

	if !c.queueAddrOK(cmd.Addr) {
		return StatusInvalidField | DNR
	}

	_, st, err := c.InitSQ(SQParams{
		SQID:   cmd.QID,
		CQID:   cmd.CQID,
		Addr:   cmd.Addr,
		Size:   cmd.Size,
		Prio:   cmd.Prio,
		Contig: cmd.Contig,
	})
	if err != nil {
		c.log.Error("create sq passed validation but failed", "sqid", cmd.QID, "error", err)
		return StatusInvalidQID | DNR
	}

	return st
}

func (c *Controller) CreateIOCQ(cmd *CreateCQ) Status {
	if cmd.QID == 0 || cmd.QID > c.cfg.NumIOQueues || c.CheckCQID(cmd.QID) {
		return StatusInvalidQID | DNR
	}

	if cmd.Size < 2 || cmd.Size > uint32(c.cfg.MaxQEntries) {
		return StatusMaxQSizeExceeded | DNR
	}

	if !c.queueAddrOK(cmd.Addr) {
		return StatusInvalidField | DNR
	}

	if cmd.Vector > c.cfg.NumIOQueues {
		return StatusInvalidIRQVector | DNR
	}

	_, st, err := c.InitCQ(CQParams{
		CQID:       cmd.QID,
		Vector:     cmd.Vector,
		Addr:       cmd.Addr,
		Size:       cmd.Size,
		IRQEnabled: cmd.IRQEnabled,
		Contig:     cmd.Contig,
	})
	if err != nil {
		c.log.Warn("unable to create completion queue", "cqid", cmd.QID, "error", err)
		return StatusInvalidIRQVector | DNR
	}

	return st
}

// DeleteIOQueue handles Delete I/O Submission Queue and Delete I/O
// Completion Queue. A CQ still targeted by an SQ cannot be deleted.
func (c *Controller) DeleteIOQueue(cmd *DeleteQueue) Status {
	if !cmd.Completion {
		sq, ok := c.SQ(cmd.QID)
		if cmd.QID == 0 || !ok {
			return StatusInvalidQID | DNR
		}

		c.FreeSQ(sq)
		return StatusSuccess
	}

	cq, ok := c.CQ(cmd.QID)
	if cmd.QID == 0 || !ok {
		return StatusInvalidCQID | DNR
	}

	if len(cq.sqs) != 0 {
		return StatusInvalidQueueDeletion | DNR
	}

	c.FreeCQ(cq)
	return StatusSuccess
}

// ReadLogPage serves Get Log Page. Only the Error Information log is kept.
func (c *Controller) ReadLogPage(cmd *GetLogPage) Status {
	if cmd.LID != LogErrorInfo {
		return StatusInvalidLogID | DNR
	}

	page, err := c.errors.LogPage()
	if err != nil {
		c.log.Error("encoding error log page", "error", err)
		return StatusInvalidField
	}

	if cmd.Offset >= uint64(len(page)) {
		return StatusInvalidField | DNR
	}

	data := page[cmd.Offset:]
	if n := uint64(cmd.NumD) * 4; n < uint64(len(data)) {
		data = data[:n]
	}

	if err := c.WriteData(cmd.PRP1, cmd.PRP2, data); err != nil {
		c.log.Warn("unable to transfer log page", "lid", cmd.LID, "error", err)
		return StatusDataTransfer
	}

	return StatusSuccess
}

func (c *Controller) ConfigureDoorbellBuffer(cmd *DoorbellBufferConfig) Status {
	return c.SetDoorbellBuffer(cmd.DBS, cmd.EIS)
}

// WriteData copies data to the host buffer described by prp1/prp2. When
// the transfer spans more than two pages, prp2 points at a PRP list.
func (c *Controller) WriteData(prp1, prp2 uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if prp1 == 0 {
		return errors.Wrapf(ErrInvalidPRP, "null prp1")
	}

	first := c.pageSize - prp1%c.pageSize
	if uint64(len(data)) <= first {
		return c.writeGuest(prp1, data)
	}

	if err := c.writeGuest(prp1, data[:first]); err != nil {
		return err
	}

	rest := data[first:]
	pages := (uint64(len(rest)) + c.pageSize - 1) / c.pageSize

	var addrs []uint64

	if pages == 1 {
		if !c.queueAddrOK(prp2) {
			return errors.Wrapf(ErrInvalidPRP, "prp2 is %#x", prp2)
		}

		addrs = []uint64{prp2}
	} else {
		list, err := c.BuildPRPList(prp2, uint32(pages), uint32(c.pageSize))
		if err != nil {
			return err
		}

		addrs = list
	}

	for _, addr := range addrs {
		n := c.pageSize
		if n > uint64(len(rest)) {
			n = uint64(len(rest))
		}

		if err := c.writeGuest(addr, rest[:n]); err != nil {
			return err
		}

		rest = rest[n:]
	}

	return nil
}

func (c *Controller) writeGuest(addr uint64, data []byte) error {
	_, err := c.mem.WriteAt(data, int64(addr))
	if err != nil {
		return errors.Wrapf(err, "writing %d bytes at %#x", len(data), addr)
	}

	return nil
}
