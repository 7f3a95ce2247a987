package nvme

const dpsTypeMask = 0x7

// RWRequest is what admission needs to know about a read or write.
type RWRequest struct {
	SQID     uint16
	CID      uint16
	SLBA     uint64
	ELBA     uint64
	NLB      uint32
	Control  uint16
	DataSize uint64
	MetaSize uint64
	Write    bool
}

// RWRequest derives the admission inputs of rw against this namespace.
func (ns *Namespace) RWRequest(sqid uint16, rw *ReadWrite) RWRequest {
	return RWRequest{
		SQID:     sqid,
		CID:      rw.CID,
		SLBA:     rw.SLBA,
		ELBA:     rw.SLBA + uint64(rw.NLB),
		NLB:      rw.NLB,
		Control:  rw.Control,
		DataSize: uint64(rw.NLB) << ns.lbaShift,
		MetaSize: uint64(rw.NLB) * uint64(ns.metaSize),
		Write:    rw.Write,
	}
}

// CheckReadWrite decides whether a read or write may reach the backing
// store. The first failing check wins and is recorded in the error log.
func (c *Controller) CheckReadWrite(ns *Namespace, req RWRequest) Status {
	fail := func(status Status, location uint16, lba uint64) {
		c.errors.Record(req.SQID, req.CID, status, location, lba, ns.id)
		c.log.Trace("rejected read/write", "sqid", req.SQID, "cid", req.CID, "status", status, "slba", req.SLBA, "nlb", req.NLB)
	}

	if req.ELBA > ns.blocks || req.ELBA < req.SLBA {
		fail(StatusLBARange, rwOffsetNLB, req.ELBA)
		return StatusLBARange | DNR
	}

	if mdts := c.cfg.MDTS; mdts != 0 && req.DataSize > c.pageSize*(1<<mdts) {
		fail(StatusInvalidField, rwOffsetNLB, uint64(req.NLB))
		return StatusInvalidField | DNR
	}

	if req.MetaSize != 0 {
		fail(StatusInvalidField, rwOffsetControl, uint64(req.Control))
		return StatusInvalidField | DNR
	}

	if req.Control&rwControlPRACT != 0 && ns.dps&dpsTypeMask == 0 {
		fail(StatusInvalidField, rwOffsetControl, uint64(req.Control))

		if c.cfg.OpenChannel {
			return StatusSuccess
		}

		return StatusInvalidField | DNR
	}

	if !req.Write && ns.hasUncorrectable(req.SLBA, req.ELBA) {
		fail(StatusUnrecoveredRead, rwOffsetSLBA, req.ELBA)
		return StatusUnrecoveredRead
	}

	return StatusSuccess
}
