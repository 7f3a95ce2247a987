// Package nvme implements the queue, admission and directive machinery of
// an emulated NVMe controller. The controller is passive: a dispatcher
// drives it, and all guest memory access and interrupt delivery go through
// collaborators supplied at construction.
package nvme

import (
	"github.com/davecgh/go-spew/spew"
	"github.com/lab47/lsvd/logger"
	"github.com/lab47/nvmeq/config"
	"github.com/lab47/nvmeq/pkg/guestmem"
	"github.com/pkg/errors"
)

// Interrupts is the MSI-X substrate completion queues draw vectors from.
type Interrupts interface {
	AcquireVector(vector uint16) error
	ReleaseVector(vector uint16)
	Notify(vector uint16) error
}

const (
	oacsDirectives = 1 << 5

	// BroadcastNSID addresses every namespace; directives map it to the first.
	BroadcastNSID = 0xffffffff
)

var (
	ErrNoSuchCQ     = errors.New("completion queue does not exist")
	ErrQueueExists  = errors.New("queue id already registered")
	ErrQueueIDRange = errors.New("queue id out of range")
)

// Controller is the single owner of queue, error-log and stream state.
// It does no locking; callers serialize access per controller.
type Controller struct {
	log logger.Logger
	cfg *config.Config
	mem guestmem.Memory
	irq Interrupts

	pageSize    uint64
	arbitration uint32

	sq []*SQueue
	cq []*CQueue

	// Queue 0 lives with the controller and is reused across resets.
	adminSQ SQueue
	adminCQ CQueue

	dbs, eis       uint64
	dbsHVA, eisHVA []byte

	errors     *ErrorLog
	namespaces []*Namespace
	streams    StreamSysParams

	id IdentifyController
}

func NewController(log logger.Logger, cfg *config.Config, mem guestmem.Memory, irq Interrupts) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid controller config")
	}

	c := &Controller{
		log:      log,
		cfg:      cfg,
		mem:      mem,
		irq:      irq,
		pageSize: uint64(cfg.PageSize),
		sq:       make([]*SQueue, int(cfg.NumIOQueues)+1),
		cq:       make([]*CQueue, int(cfg.NumIOQueues)+1),
		errors:   NewErrorLog(cfg.ErrorLogSize),
		streams: StreamSysParams{
			MSL:  cfg.MaxStreams,
			NSSA: cfg.MaxStreams,
		},
	}

	c.arbitration = uint32(cfg.Arbitration.Burst&0x7) |
		uint32(cfg.Arbitration.Low)<<8 |
		uint32(cfg.Arbitration.Medium)<<16 |
		uint32(cfg.Arbitration.High)<<24

	for i, nc := range cfg.Namespaces {
		c.namespaces = append(c.namespaces, newNamespace(uint32(i+1), nc, cfg.MaxStreams))
	}

	c.id.MDTS = cfg.MDTS
	if cfg.Directives {
		c.id.OACS |= oacsDirectives
	}

	c.SetName(cfg.Model, cfg.Serial, 0)

	return c, nil
}

func (c *Controller) Config() *config.Config {
	return c.cfg
}

func (c *Controller) Memory() guestmem.Memory {
	return c.mem
}

func (c *Controller) Interrupts() Interrupts {
	return c.irq
}

func (c *Controller) ErrorLog() *ErrorLog {
	return c.errors
}

func (c *Controller) Identify() IdentifyController {
	return c.id
}

func (c *Controller) Streams() StreamSysParams {
	return c.streams
}

// Arbitration is the Arbitration feature dword: AB in bits 2:0, then the
// low, medium and high priority weights one byte each.
func (c *Controller) Arbitration() uint32 {
	return c.arbitration
}

// SetArbitration applies a Set Features (Arbitration) value. Existing
// queues keep the burst computed at their creation.
func (c *Controller) SetArbitration(dw uint32) {
	c.arbitration = dw
}

// Namespace returns the namespace for a 1-based nsid.
func (c *Controller) Namespace(nsid uint32) (*Namespace, bool) {
	if nsid == 0 || nsid > uint32(len(c.namespaces)) {
		return nil, false
	}

	return c.namespaces[nsid-1], true
}

func (c *Controller) NumNamespaces() int {
	return len(c.namespaces)
}

func (c *Controller) CheckSQID(sqid uint16) bool {
	return int(sqid) < len(c.sq) && c.sq[sqid] != nil
}

func (c *Controller) CheckCQID(cqid uint16) bool {
	return int(cqid) < len(c.cq) && c.cq[cqid] != nil
}

func (c *Controller) SQ(sqid uint16) (*SQueue, bool) {
	if !c.CheckSQID(sqid) {
		return nil, false
	}

	return c.sq[sqid], true
}

func (c *Controller) CQ(cqid uint16) (*CQueue, bool) {
	if !c.CheckCQID(cqid) {
		return nil, false
	}

	return c.cq[cqid], true
}

// SubmissionQueues returns the registered SQs ordered by id.
func (c *Controller) SubmissionQueues() []*SQueue {
	var out []*SQueue

	for _, sq := range c.sq {
		if sq != nil {
			out = append(out, sq)
		}
	}

	return out
}

// Reset tears down every queue, I/O queues first.
func (c *Controller) Reset() {
	for i := len(c.sq) - 1; i >= 0; i-- {
		if sq := c.sq[i]; sq != nil {
			c.FreeSQ(sq)
		}
	}

	for i := len(c.cq) - 1; i >= 0; i-- {
		if cq := c.cq[i]; cq != nil {
			c.FreeCQ(cq)
		}
	}

	c.dbs, c.eis = 0, 0
	c.dbsHVA, c.eisHVA = nil, nil
}

type queueState struct {
	ID, Peer   uint16
	Size       uint32
	Head, Tail uint32
	Phase      uint8
	Contig     bool
	InFlight   int
}

type controllerState struct {
	Arbitration uint32
	DBS, EIS    uint64
	SQ, CQ      []queueState
	Errors      uint64
	Streams     StreamSysParams
}

// Dump renders queue and stream state for debugging.
func (c *Controller) Dump() string {
	st := controllerState{
		Arbitration: c.arbitration,
		DBS:         c.dbs,
		EIS:         c.eis,
		Errors:      c.errors.NumErrors(),
		Streams:     c.streams,
	}

	for _, sq := range c.sq {
		if sq == nil {
			continue
		}

		st.SQ = append(st.SQ, queueState{
			ID: sq.sqid, Peer: sq.cqid, Size: sq.size,
			Head: sq.head, Tail: sq.tail, Contig: sq.prpList == nil,
			InFlight: len(sq.outstanding),
		})
	}

	for _, cq := range c.cq {
		if cq == nil {
			continue
		}

		st.CQ = append(st.CQ, queueState{
			ID: cq.cqid, Peer: cq.vector, Size: cq.size,
			Head: cq.head, Tail: cq.tail, Phase: cq.phase, Contig: cq.prpList == nil,
		})
	}

	return spew.Sdump(st)
}
