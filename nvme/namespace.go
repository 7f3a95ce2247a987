package nvme

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/lab47/nvmeq/config"
)

type Namespace struct {
	id       uint32
	blocks   uint64
	lbaShift uint8
	metaSize uint16
	dps      uint8

	uncorrectable *bitset.BitSet

	dir     DirectiveIdentify
	str     StreamParams
	streams streamList
}

func newNamespace(id uint32, nc config.Namespace, msl uint16) *Namespace {
	ns := &Namespace{
		id:            id,
		blocks:        nc.Blocks,
		lbaShift:      nc.LBAShift,
		metaSize:      nc.MetaSize,
		dps:           nc.PIType,
		uncorrectable: bitset.New(0),
		streams:       streamList{max: int(msl)},
	}

	ns.dir.Support[0] = dirIdentifyBit | dirStreamsBit
	ns.dir.Enable[0] = dirIdentifyBit

	return ns
}

func (ns *Namespace) ID() uint32 {
	return ns.id
}

// Blocks is the namespace size (NSZE) in logical blocks.
func (ns *Namespace) Blocks() uint64 {
	return ns.blocks
}

func (ns *Namespace) BlockSize() uint64 {
	return 1 << ns.lbaShift
}

func (ns *Namespace) StreamsEnabled() bool {
	return ns.dir.Enable[0]&dirStreamsBit != 0
}

// OpenStreams returns the open stream ids, oldest first.
func (ns *Namespace) OpenStreams() []uint16 {
	return append([]uint16(nil), ns.streams.ids...)
}

func (ns *Namespace) StreamParams() StreamParams {
	return ns.str
}

// MarkUncorrectable flags nlb blocks from slba so later reads fail with
// an unrecovered read error, as Write Uncorrectable does.
func (ns *Namespace) MarkUncorrectable(slba uint64, nlb uint32) {
	for lba := slba; lba < slba+uint64(nlb) && lba < ns.blocks; lba++ {
		ns.uncorrectable.Set(uint(lba))
	}
}

// ClearUncorrectable is the effect of a successful write over the range.
func (ns *Namespace) ClearUncorrectable(slba uint64, nlb uint32) {
	for lba := slba; lba < slba+uint64(nlb) && lba < ns.blocks; lba++ {
		ns.uncorrectable.Clear(uint(lba))
	}
}

func (ns *Namespace) hasUncorrectable(slba, elba uint64) bool {
	next, ok := ns.uncorrectable.NextSet(uint(slba))

	return ok && uint64(next) < elba
}
