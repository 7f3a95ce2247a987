package nvme

import (
	"bytes"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// Admin command set opcodes.
const (
	AdminDeleteSQ      = 0x00
	AdminCreateSQ      = 0x01
	AdminGetLogPage    = 0x02
	AdminDeleteCQ      = 0x04
	AdminCreateCQ      = 0x05
	AdminDirectiveSend = 0x19
	AdminDirectiveRecv = 0x1a
	AdminDBBufConfig   = 0x7c
)

// I/O command set opcodes.
const (
	IOWrite = 0x01
	IORead  = 0x02
)

const (
	rwControlPRACT = 1 << 13
)

var LayerTypeSubmission = gopacket.RegisterLayerType(2917, gopacket.LayerTypeMetadata{
	Name:    "NVMeSubmission",
	Decoder: gopacket.DecodeFunc(decodeSubmission),
})

// SubmissionLayer exposes a submission queue entry as a gopacket layer so
// raw entries pulled off a ring can be decoded and dumped like frames.
type SubmissionLayer struct {
	layers.BaseLayer
	SubmissionEntry
}

func (l *SubmissionLayer) LayerType() gopacket.LayerType {
	return LayerTypeSubmission
}

func (l *SubmissionLayer) CanDecode() gopacket.LayerClass {
	return LayerTypeSubmission
}

func (l *SubmissionLayer) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypeZero
}

func (l *SubmissionLayer) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < sqeSize {
		df.SetTruncated()
		return errors.Errorf("submission entry is %d bytes, need %d", len(data), sqeSize)
	}

	err := struc.Unpack(bytes.NewReader(data[:sqeSize]), &l.SubmissionEntry)
	if err != nil {
		return errors.Wrapf(err, "unpacking submission entry")
	}

	l.BaseLayer = layers.BaseLayer{Contents: data[:sqeSize], Payload: data[sqeSize:]}

	return nil
}

func decodeSubmission(data []byte, p gopacket.PacketBuilder) error {
	l := &SubmissionLayer{}

	err := l.DecodeFromBytes(data, p)
	if err != nil {
		return err
	}

	p.AddLayer(l)

	return nil
}

func (e *SubmissionEntry) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer

	err := struc.Pack(&buf, e)
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Command is a submission entry decoded into the fields its handler uses.
type Command interface {
	Entry() *SubmissionEntry
}

type header struct {
	SubmissionEntry
}

func (h *header) Entry() *SubmissionEntry {
	return &h.SubmissionEntry
}

type ReadWrite struct {
	header
	Write   bool
	SLBA    uint64
	NLB     uint32
	Control uint16
	DType   uint8
	DSpec   uint16
}

type DirectiveReceive struct {
	header
	NumD  uint32
	DType uint8
	DOper uint8
	DSpec uint16
	CDW12 uint32
}

type DirectiveSend struct {
	header
	NumD  uint32
	DType uint8
	DOper uint8
	DSpec uint16
	CDW12 uint32
}

type CreateSQ struct {
	header
	QID    uint16
	Size   uint32
	CQID   uint16
	Contig bool
	Prio   QueuePrio
	Addr   uint64
}

type CreateCQ struct {
	header
	QID        uint16
	Size       uint32
	Vector     uint16
	Contig     bool
	IRQEnabled bool
	Addr       uint64
}

type DeleteQueue struct {
	header
	QID        uint16
	Completion bool
}

type GetLogPage struct {
	header
	LID    uint8
	NumD   uint32
	Offset uint64
}

type DoorbellBufferConfig struct {
	header
	DBS uint64
	EIS uint64
}

type Unsupported struct {
	header
}

// DecodeCommand decodes a raw 64-byte entry. admin selects the admin
// command set, which shares opcode values with the I/O set.
func DecodeCommand(raw []byte, admin bool) (Command, error) {
	pkt := gopacket.NewPacket(raw, LayerTypeSubmission, gopacket.NoCopy)

	if el := pkt.ErrorLayer(); el != nil {
		return nil, errors.Wrapf(el.Error(), "decoding submission entry")
	}

	l, ok := pkt.Layer(LayerTypeSubmission).(*SubmissionLayer)
	if !ok {
		return nil, errors.New("no submission entry decoded")
	}

	if admin {
		return classifyAdmin(l.SubmissionEntry), nil
	}

	return classifyIO(l.SubmissionEntry), nil
}

// DumpSubmission renders a raw entry for trace logs.
func DumpSubmission(raw []byte) string {
	return gopacket.NewPacket(raw, LayerTypeSubmission, gopacket.NoCopy).Dump()
}

func classifyIO(e SubmissionEntry) Command {
	h := header{e}

	switch e.Opcode {
	case IOWrite, IORead:
		return &ReadWrite{
			header:  h,
			Write:   e.Opcode == IOWrite,
			SLBA:    uint64(e.CDW11)<<32 | uint64(e.CDW10),
			NLB:     (e.CDW12 & 0xffff) + 1,
			Control: uint16(e.CDW12 >> 16),
			DType:   uint8(e.CDW12>>20) & 0xf,
			DSpec:   uint16(e.CDW13 >> 16),
		}
	}

	return &Unsupported{h}
}

func classifyAdmin(e SubmissionEntry) Command {
	h := header{e}

	switch e.Opcode {
	case AdminDeleteSQ, AdminDeleteCQ:
		return &DeleteQueue{
			header:     h,
			QID:        uint16(e.CDW10),
			Completion: e.Opcode == AdminDeleteCQ,
		}
	case AdminCreateSQ:
		return &CreateSQ{
			header: h,
			QID:    uint16(e.CDW10),
			Size:   (e.CDW10 >> 16) + 1,
			CQID:   uint16(e.CDW11 >> 16),
			Contig: e.CDW11&1 != 0,
			Prio:   QueuePrio((e.CDW11 >> 1) & 0x3),
			Addr:   e.PRP1,
		}
	case AdminCreateCQ:
		return &CreateCQ{
			header:     h,
			QID:        uint16(e.CDW10),
			Size:       (e.CDW10 >> 16) + 1,
			Vector:     uint16(e.CDW11 >> 16),
			Contig:     e.CDW11&1 != 0,
			IRQEnabled: e.CDW11&2 != 0,
			Addr:       e.PRP1,
		}
	case AdminGetLogPage:
		return &GetLogPage{
			header: h,
			LID:    uint8(e.CDW10),
			NumD:   ((e.CDW11&0xffff)<<16 | e.CDW10>>16) + 1,
			Offset: uint64(e.CDW13)<<32 | uint64(e.CDW12),
		}
	case AdminDirectiveRecv:
		return &DirectiveReceive{
			header: h,
			NumD:   e.CDW10,
			DType:  uint8(e.CDW11 >> 8),
			DOper:  uint8(e.CDW11),
			DSpec:  uint16(e.CDW11 >> 16),
			CDW12:  e.CDW12,
		}
	case AdminDirectiveSend:
		return &DirectiveSend{
			header: h,
			NumD:   e.CDW10,
			DType:  uint8(e.CDW11 >> 8),
			DOper:  uint8(e.CDW11),
			DSpec:  uint16(e.CDW11 >> 16),
			CDW12:  e.CDW12,
		}
	case AdminDBBufConfig:
		return &DoorbellBufferConfig{
			header: h,
			DBS:    e.PRP1,
			EIS:    e.PRP2,
		}
	}

	return &Unsupported{h}
}
