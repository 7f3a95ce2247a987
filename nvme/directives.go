package nvme

import (
	"bytes"
	"encoding/binary"

	"github.com/lunixbochs/struc"
)

const (
	DirTypeIdentify = 0x00
	DirTypeStreams  = 0x01

	// Directive Receive operations.
	DirRecvIdentifyParams = 0x01
	DirRecvStreamsParams  = 0x01
	DirRecvStreamsStatus  = 0x02
	DirRecvStreamsAlloc   = 0x03

	// Directive Send operations.
	DirSendIdentifyEnable     = 0x01
	DirSendStreamsReleaseID   = 0x01
	DirSendStreamsReleaseRsrc = 0x02

	dirEnableBit = 0x01

	dirIdentifyBit = 1 << DirTypeIdentify
	dirStreamsBit  = 1 << DirTypeStreams

	dirIdentifySize = 4096
)

// DirectiveIdentify is the Identify directive return parameters: which
// directive types are supported and which are enabled.
type DirectiveIdentify struct {
	Support [32]uint8
	Enable  [32]uint8
}

func (d *DirectiveIdentify) bytes() []byte {
	buf := make([]byte, dirIdentifySize)
	copy(buf, d.Support[:])
	copy(buf[32:], d.Enable[:])
	return buf
}

// StreamParams is the Streams directive return parameters page.
type StreamParams struct {
	MSL   uint16   `struc:"uint16,little"`
	NSSA  uint16   `struc:"uint16,little"`
	NSSO  uint16   `struc:"uint16,little"`
	NSSC  uint8    `struc:"uint8"`
	Resv0 [9]uint8 `struc:"[9]uint8"`
	SWS   uint32   `struc:"uint32,little"`
	SGS   uint16   `struc:"uint16,little"`
	NSA   uint16   `struc:"uint16,little"`
	NSO   uint16   `struc:"uint16,little"`
	Resv1 [6]uint8 `struc:"[6]uint8"`
}

const streamParamsSize = 32

// StreamSysParams is the subsystem-wide stream budget.
type StreamSysParams struct {
	MSL  uint16
	NSSA uint16
	NSSO uint16
}

// streamList holds a namespace's open stream ids in the order they were
// opened.
type streamList struct {
	ids []uint16
	max int
}

func (l *streamList) find(id uint16) int {
	for i, v := range l.ids {
		if v == id {
			return i
		}
	}

	return -1
}

func (l *streamList) add(id uint16) bool {
	if len(l.ids) >= l.max {
		return false
	}

	l.ids = append(l.ids, id)
	return true
}

func (l *streamList) remove(pos int) {
	l.ids = append(l.ids[:pos], l.ids[pos+1:]...)
}

// status encodes the Streams status page: open count followed by a slot
// for every stream the namespace could hold.
func (l *streamList) status() []byte {
	buf := make([]byte, 2+2*l.max)

	binary.LittleEndian.PutUint16(buf, uint16(len(l.ids)))
	for i, id := range l.ids {
		binary.LittleEndian.PutUint16(buf[2+2*i:], id)
	}

	return buf
}

func transferSize(numd uint32, natural int) int {
	n := (uint64(numd) + 1) * 4
	if n < uint64(natural) {
		return int(n)
	}

	return natural
}

func (c *Controller) directiveNamespace(nsid uint32) (*Namespace, Status) {
	if nsid != BroadcastNSID && (nsid == 0 || nsid > uint32(len(c.namespaces))) {
		return nil, StatusInvalidNSID | DNR
	}

	if c.id.OACS&oacsDirectives == 0 {
		return nil, StatusInvalidOpcode
	}

	if nsid == BroadcastNSID {
		return c.namespaces[0], StatusSuccess
	}

	return c.namespaces[nsid-1], StatusSuccess
}

// DirectiveReceive runs a Directive Receive and returns the data to copy
// to the host and the completion result dword.
func (c *Controller) DirectiveReceive(cmd *DirectiveReceive) ([]byte, uint32, Status) {
	ns, st := c.directiveNamespace(cmd.NSID)
	if !st.OK() {
		return nil, 0, st
	}

	switch cmd.DType {
	case DirTypeIdentify:
		switch cmd.DOper {
		case DirRecvIdentifyParams:
			data := ns.dir.bytes()
			return data[:transferSize(cmd.NumD, len(data))], 0, StatusSuccess
		}

	case DirTypeStreams:
		switch cmd.DOper {
		case DirRecvStreamsParams:
			ns.str.MSL = c.streams.MSL
			ns.str.NSSA = c.streams.NSSA
			ns.str.NSSO = c.streams.NSSO

			var buf bytes.Buffer
			if err := struc.Pack(&buf, &ns.str); err != nil {
				c.log.Error("packing stream parameters", "error", err)
				return nil, 0, StatusInvalidField
			}

			data := buf.Bytes()
			return data[:transferSize(cmd.NumD, len(data))], 0, StatusSuccess

		case DirRecvStreamsStatus:
			data := ns.streams.status()
			return data[:transferSize(cmd.NumD, len(data))], 0, StatusSuccess

		case DirRecvStreamsAlloc:
			if ns.str.NSA != 0 {
				return nil, 0, StatusInvalidField
			}

			nsr := uint16(cmd.CDW12 & 0xffff)
			if nsr > c.streams.NSSA {
				nsr = c.streams.NSSA
			}

			ns.str.NSA = nsr
			c.streams.NSSA -= nsr

			c.log.Trace("allocated stream resources", "nsid", ns.id, "granted", nsr, "available", c.streams.NSSA)

			return nil, uint32(nsr), StatusSuccess
		}
	}

	return nil, 0, StatusInvalidField
}

func (c *Controller) DirectiveSend(cmd *DirectiveSend) Status {
	ns, st := c.directiveNamespace(cmd.NSID)
	if !st.OK() {
		return st
	}

	switch cmd.DType {
	case DirTypeIdentify:
		switch cmd.DOper {
		case DirSendIdentifyEnable:
			tdtype := uint8(cmd.CDW12 >> 8)
			endir := cmd.CDW12&dirEnableBit != 0

			if tdtype == DirTypeStreams {
				if endir {
					ns.dir.Enable[0] |= dirStreamsBit
				} else {
					ns.dir.Enable[0] &^= dirStreamsBit
				}
			}

			return StatusSuccess
		}

	case DirTypeStreams:
		switch cmd.DOper {
		case DirSendStreamsReleaseID:
			if pos := ns.streams.find(cmd.DSpec); pos >= 0 {
				ns.streams.remove(pos)
				ns.str.NSO--
				c.streams.NSSO--
			}

			return StatusSuccess

		case DirSendStreamsReleaseRsrc:
			// Availability returns to the full limit rather than adding back
			// this namespace's grant, even while other namespaces hold one.
			ns.str.NSA = 0
			c.streams.NSSA = c.streams.MSL

			return StatusSuccess
		}
	}

	return StatusInvalidField
}

// UpdateStreamStatus opens dspec for ns on a write that carries it. When
// the subsystem is at its open-stream limit, the namespace's oldest open
// stream is closed first.
func (c *Controller) UpdateStreamStatus(ns *Namespace, dspec uint16) {
	if dspec == 0 || ns.streams.find(dspec) >= 0 {
		return
	}

	if c.streams.NSSO >= c.streams.MSL {
		if len(ns.streams.ids) == 0 {
			c.log.Warn("stream limit reached, not tracking stream", "nsid", ns.id, "dspec", dspec)
			return
		}

		evicted := ns.streams.ids[0]
		ns.streams.remove(0)
		ns.str.NSO--
		c.streams.NSSO--

		c.log.Trace("evicted open stream", "nsid", ns.id, "dspec", evicted)
	}

	ns.streams.add(dspec)
	ns.str.NSO++
	c.streams.NSSO++
}
