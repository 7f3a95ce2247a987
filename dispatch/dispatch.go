// Package dispatch drives an nvme.Controller: it polls submission queues,
// routes each command to its handler and posts the completions.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lab47/lsvd/logger"
	"github.com/lab47/nvmeq/nvme"
)

// Parameter error location for failures not tied to a command field.
const noErrorLocation = 0xffff

const DefaultInterval = 10 * time.Millisecond

// Executor moves data between guest memory and the backing store for a
// read or write that passed admission.
type Executor interface {
	Execute(ctx context.Context, ns *nvme.Namespace, rw *nvme.ReadWrite) nvme.Status
}

// NullExecutor completes every admitted command without storing data.
// Writes still clear uncorrectable markers over their range.
type NullExecutor struct{}

func (NullExecutor) Execute(ctx context.Context, ns *nvme.Namespace, rw *nvme.ReadWrite) nvme.Status {
	if rw.Write {
		ns.ClearUncorrectable(rw.SLBA, rw.NLB)
	}

	return nvme.StatusSuccess
}

type Dispatcher struct {
	log  logger.Logger
	ctrl *nvme.Controller
	exec Executor

	// mu serializes all controller access, queue processing and doorbell
	// writes alike.
	mu sync.Mutex

	interval time.Duration
	kick     chan struct{}

	completed atomic.Int64
	failed    atomic.Int64
}

func New(log logger.Logger, ctrl *nvme.Controller, exec Executor) *Dispatcher {
	if exec == nil {
		exec = NullExecutor{}
	}

	return &Dispatcher{
		log:      log,
		ctrl:     ctrl,
		exec:     exec,
		interval: DefaultInterval,
		kick:     make(chan struct{}, 1),
	}
}

func (d *Dispatcher) SetInterval(dur time.Duration) {
	d.interval = dur
}

// Kick wakes Run without waiting for the next tick.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Doorbell applies an MMIO doorbell write and wakes the loop.
func (d *Dispatcher) Doorbell(offset uint64, val uint32) error {
	d.mu.Lock()
	err := d.ctrl.WriteDoorbell(offset, val)
	d.mu.Unlock()

	if err != nil {
		return err
	}

	d.Kick()

	return nil
}

// Locked runs fn while holding the controller lock.
func (d *Dispatcher) Locked(fn func(c *nvme.Controller)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fn(d.ctrl)
}

type Stats struct {
	Completed int64
	Failed    int64
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Completed: d.completed.Load(),
		Failed:    d.failed.Load(),
	}
}

// Run polls until ctx is done, draining the queues on every tick or kick.
func (d *Dispatcher) Run(ctx context.Context) error {
	tick := time.NewTicker(d.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-tick.C:
			//ok

		case <-d.kick:
			//ok
		}

		for {
			cnt := d.ProcessOnce(ctx)
			if cnt == 0 {
				break
			}

			d.log.Trace("processed commands", "count", cnt)
		}
	}
}

// ProcessOnce gives every submission queue one arbitration round and
// returns how many commands completed.
func (d *Dispatcher) ProcessOnce(ctx context.Context) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	total := 0

	for _, sq := range d.ctrl.SubmissionQueues() {
		if ctx.Err() != nil {
			break
		}

		// An admin command earlier in this round may have deleted it.
		if cur, ok := d.ctrl.SQ(sq.ID()); !ok || cur != sq {
			continue
		}

		total += d.processSQ(ctx, sq)
	}

	return total
}

func (d *Dispatcher) processSQ(ctx context.Context, sq *nvme.SQueue) int {
	cq, ok := d.ctrl.CQ(sq.CQID())
	if !ok {
		d.log.Warn("submission queue without completion queue", "sqid", sq.ID(), "cqid", sq.CQID())
		return 0
	}

	eb := getEntryBuffer(int(d.ctrl.Config().SQEntrySize))
	defer eb.release()

	posted := 0

	for uint32(posted) < sq.ArbBurst() {
		sq.UpdateTail()
		if sq.Empty() || cq.Full() {
			break
		}

		req, ok := sq.AllocRequest()
		if !ok {
			break
		}

		d.fetch(ctx, sq, req, eb.data)

		if d.complete(sq, cq, req) {
			posted++
		}

		sq.ReleaseRequest(req)
	}

	if posted == 0 {
		return 0
	}

	sq.UpdateEventIdx()

	if cq.IRQEnabled() {
		if err := d.ctrl.Interrupts().Notify(cq.Vector()); err != nil {
			d.log.Error("error notifying completion vector", "cqid", cq.ID(), "vector", cq.Vector(), "error", err)
		}
	}

	return posted
}

func (d *Dispatcher) fetch(ctx context.Context, sq *nvme.SQueue, req *nvme.Request, buf []byte) {
	err := sq.Fetch(buf)
	sq.IncHead()

	if err != nil {
		d.log.Error("error fetching command", "sqid", sq.ID(), "error", err)
		req.Status = nvme.StatusDataTransfer
		return
	}

	cmd, err := nvme.DecodeCommand(buf, sq.ID() == 0)
	if err != nil {
		d.log.Error("error decoding command", "sqid", sq.ID(), "error", err)
		req.Status = nvme.StatusInvalidField | nvme.DNR
		return
	}

	if d.log.IsTrace() {
		d.log.Trace("fetched command", "sqid", sq.ID(), "entry", nvme.DumpSubmission(buf))
	}

	req.CID = cmd.Entry().CID
	req.Cmd = cmd

	d.execute(ctx, sq, req)
}

func (d *Dispatcher) execute(ctx context.Context, sq *nvme.SQueue, req *nvme.Request) {
	c := d.ctrl

	switch cmd := req.Cmd.(type) {
	case *nvme.ReadWrite:
		d.readWrite(ctx, sq, req, cmd)

	case *nvme.DirectiveReceive:
		data, result, st := c.DirectiveReceive(cmd)
		if st.OK() {
			if err := c.WriteData(cmd.PRP1, cmd.PRP2, data); err != nil {
				d.log.Warn("unable to transfer directive data", "cid", req.CID, "error", err)
				st = nvme.StatusDataTransfer
			}
		}

		req.Status = st
		req.Result = result

	case *nvme.DirectiveSend:
		req.Status = c.DirectiveSend(cmd)

	case *nvme.CreateSQ:
		req.Status = c.CreateIOSQ(cmd)

	case *nvme.CreateCQ:
		req.Status = c.CreateIOCQ(cmd)

	case *nvme.DeleteQueue:
		req.Status = c.DeleteIOQueue(cmd)

	case *nvme.GetLogPage:
		req.Status = c.ReadLogPage(cmd)

	case *nvme.DoorbellBufferConfig:
		req.Status = c.ConfigureDoorbellBuffer(cmd)

	default:
		d.log.Trace("unsupported opcode", "sqid", sq.ID(), "opcode", cmd.Entry().Opcode)
		req.Status = nvme.StatusInvalidOpcode | nvme.DNR
	}
}

func (d *Dispatcher) readWrite(ctx context.Context, sq *nvme.SQueue, req *nvme.Request, rw *nvme.ReadWrite) {
	c := d.ctrl

	ns, ok := c.Namespace(rw.NSID)
	if !ok {
		req.Status = nvme.StatusInvalidNSID | nvme.DNR
		return
	}

	st := c.CheckReadWrite(ns, ns.RWRequest(sq.ID(), rw))
	if !st.OK() {
		req.Status = st
		req.Logged = true
		return
	}

	if rw.Write && rw.DType == nvme.DirTypeStreams {
		c.UpdateStreamStatus(ns, rw.DSpec)
	}

	req.Status = d.exec.Execute(ctx, ns, rw)
}

// complete posts req to cq and reports whether a completion was written.
func (d *Dispatcher) complete(sq *nvme.SQueue, cq *nvme.CQueue, req *nvme.Request) bool {
	if !req.Status.OK() {
		d.failed.Add(1)

		if !req.Logged {
			var nsid uint32
			if req.Cmd != nil {
				nsid = req.Cmd.Entry().NSID
			}

			d.ctrl.ErrorLog().Record(sq.ID(), req.CID, req.Status, noErrorLocation, 0, nsid)
			req.Logged = true
		}
	}

	err := cq.Post(nvme.Completion{
		Result: req.Result,
		CID:    req.CID,
		Status: req.Status,
	}, sq.ID(), sq.Head())
	if err != nil {
		d.log.Error("error posting completion", "sqid", sq.ID(), "cqid", cq.ID(), "cid", req.CID, "error", err)
		return false
	}

	d.completed.Add(1)

	return true
}
