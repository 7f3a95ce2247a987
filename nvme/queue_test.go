package nvme

import (
	"testing"

	"github.com/lab47/nvmeq/config"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestQueues(t *testing.T) {
	t.Run("sq against a missing cq changes nothing", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, nil)
		r.NoError(env.c.CreateAdminQueues(testASQ, testACQ, 16, 16))

		sq, st, err := env.c.InitSQ(SQParams{SQID: 1, CQID: 3, Addr: testIOSQ, Size: 8, Contig: true})
		r.True(errors.Is(err, ErrNoSuchCQ))
		r.Nil(sq)
		r.Equal(Status(0), st)

		r.False(env.c.CheckSQID(1))
		r.Len(env.c.SubmissionQueues(), 1)
	})

	t.Run("rejects duplicate and out of range ids", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, nil)
		env.ioPair(t, 8)

		_, _, err := env.c.InitSQ(SQParams{SQID: 1, CQID: 1, Addr: testIOSQ, Size: 8, Contig: true})
		r.True(errors.Is(err, ErrQueueExists))

		_, _, err = env.c.InitCQ(CQParams{CQID: 100, Addr: testIOCQ, Size: 8, Contig: true})
		r.True(errors.Is(err, ErrQueueIDRange))
	})

	t.Run("rejects queues smaller than two entries", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, nil)
		r.NoError(env.c.CreateAdminQueues(testASQ, testACQ, 16, 16))

		_, st, err := env.c.InitCQ(CQParams{CQID: 1, Addr: testIOCQ, Size: 1, Contig: true})
		r.NoError(err)
		r.Equal(StatusMaxQSizeExceeded|DNR, st)
		r.False(env.c.CheckCQID(1))
	})

	t.Run("computes the arbitration burst from priority", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, func(cfg *config.Config) {
			cfg.Arbitration = config.Arbitration{Burst: 3, Low: 1, Medium: 2, High: 4}
		})
		r.NoError(env.c.CreateAdminQueues(testASQ, testACQ, 16, 16))

		_, st, err := env.c.InitCQ(CQParams{CQID: 1, Vector: 1, Addr: testIOCQ, Size: 16, Contig: true})
		r.NoError(err)
		r.Equal(StatusSuccess, st)

		expect := map[QueuePrio]uint32{
			PrioUrgent: 8,
			PrioHigh:   5,
			PrioMedium: 3,
			PrioLow:    2,
		}

		for i, prio := range []QueuePrio{PrioUrgent, PrioHigh, PrioMedium, PrioLow} {
			sq, st, err := env.c.InitSQ(SQParams{
				SQID:   uint16(i + 1),
				CQID:   1,
				Addr:   testData + uint64(i)*0x1000,
				Size:   16,
				Prio:   prio,
				Contig: true,
			})
			r.NoError(err)
			r.Equal(StatusSuccess, st)
			r.Equal(expect[prio], sq.ArbBurst(), "prio %d", prio)
		}

		cq, _ := env.c.CQ(1)
		r.Len(cq.SQs(), 4)
	})

	t.Run("uses the arbitration feature for new queues", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, nil)
		r.NoError(env.c.CreateAdminQueues(testASQ, testACQ, 16, 16))

		_, st, err := env.c.InitCQ(CQParams{CQID: 1, Vector: 1, Addr: testIOCQ, Size: 16, Contig: true})
		r.NoError(err)
		r.Equal(StatusSuccess, st)

		env.c.SetArbitration(1 | 6<<8)
		r.Equal(uint32(0x601), env.c.Arbitration())

		sq, st, err := env.c.InitSQ(SQParams{SQID: 1, CQID: 1, Addr: testIOSQ, Size: 16, Prio: PrioLow, Contig: true})
		r.NoError(err)
		r.Equal(StatusSuccess, st)
		r.Equal(uint32(7), sq.ArbBurst())

		sq, st, err = env.c.InitSQ(SQParams{SQID: 2, CQID: 1, Addr: testData, Size: 16, Prio: PrioUrgent, Contig: true})
		r.NoError(err)
		r.Equal(StatusSuccess, st)
		r.Equal(uint32(2), sq.ArbBurst())
	})

	t.Run("flips the phase once per wrap", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, nil)
		_, cq := env.ioPair(t, 4)

		r.Equal(uint8(1), cq.Phase())

		for i := 0; i < 4; i++ {
			r.NoError(cq.Post(Completion{CID: uint16(i), Result: uint32(i) * 10}, 1, uint32(i)))
		}

		r.Equal(uint32(0), cq.Tail())
		r.Equal(uint8(0), cq.Phase())

		for i := 0; i < 4; i++ {
			ent := NewCompletionAccess(env.read(t, testIOCQ+uint64(i)*16, 16))
			r.Equal(uint8(1), ent.Phase())
			r.Equal(uint16(i), ent.CID())
			r.Equal(uint32(i)*10, ent.Result())
			r.Equal(uint16(1), ent.SQID())
		}

		r.NoError(cq.Post(Completion{CID: 9, Status: StatusInvalidField | DNR}, 1, 0))

		ent := NewCompletionAccess(env.read(t, testIOCQ, 16))
		r.Equal(uint8(0), ent.Phase())
		r.Equal(StatusInvalidField|DNR, ent.Status())

		for i := 0; i < 3; i++ {
			cq.IncTail()
		}

		r.Equal(uint8(1), cq.Phase())
	})

	t.Run("cq is full one short of head", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, nil)
		_, cq := env.ioPair(t, 4)

		r.False(cq.Full())

		cq.IncTail()
		cq.IncTail()
		cq.IncTail()
		r.True(cq.Full())

		r.NoError(cq.SetHead(1))
		r.False(cq.Full())

		r.Error(cq.SetHead(4))
	})

	t.Run("sq is empty when head meets tail", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, nil)
		sq, _ := env.ioPair(t, 4)

		r.True(sq.Empty())

		r.NoError(sq.SetTail(3))
		r.False(sq.Empty())

		sq.IncHead()
		sq.IncHead()
		sq.IncHead()
		r.True(sq.Empty())

		r.NoError(sq.SetTail(1))
		sq.IncHead()
		r.Equal(uint32(0), sq.Head())
		sq.IncHead()
		r.True(sq.Empty())

		r.Error(sq.SetTail(4))
	})

	t.Run("fetches entries from a contiguous sq", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, nil)
		sq, _ := env.ioPair(t, 4)

		raw := rawEntry(t, SubmissionEntry{Opcode: IORead, CID: 42, NSID: 1, CDW10: 7})
		_, err := env.mem.WriteAt(raw, testIOSQ+64)
		r.NoError(err)

		sq.IncHead()

		buf := make([]byte, sqeSize)
		r.NoError(sq.Fetch(buf))
		r.Equal(raw, buf)
	})

	t.Run("walks a discontiguous sq through its prp list", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, nil)
		r.NoError(env.c.CreateAdminQueues(testASQ, testACQ, 16, 16))

		_, st, err := env.c.InitCQ(CQParams{CQID: 1, Vector: 1, Addr: testIOCQ, Size: 8, Contig: true})
		r.NoError(err)
		r.Equal(StatusSuccess, st)

		// 128 entries span two pages, the second placed below the first.
		env.putU64(t, testList, testData+0x1000)
		env.putU64(t, testList+8, testData)

		sq, st, err := env.c.InitSQ(SQParams{SQID: 1, CQID: 1, Addr: testList, Size: 128})
		r.NoError(err)
		r.Equal(StatusSuccess, st)

		raw := rawEntry(t, SubmissionEntry{Opcode: IOWrite, CID: 5})
		_, err = env.mem.WriteAt(raw, testData+64)
		r.NoError(err)

		for i := 0; i < 65; i++ {
			sq.IncHead()
		}

		buf := make([]byte, sqeSize)
		r.NoError(sq.Fetch(buf))
		r.Equal(raw, buf)
	})

	t.Run("rejects a discontiguous queue with a bad list", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, nil)
		r.NoError(env.c.CreateAdminQueues(testASQ, testACQ, 16, 16))

		_, st, err := env.c.InitCQ(CQParams{CQID: 1, Vector: 1, Addr: testList, Size: 8})
		r.NoError(err)
		r.Equal(StatusInvalidField|DNR, st)
		r.False(env.c.CheckCQID(1))
		r.NotContains(env.irq.held, uint16(1))
	})

	t.Run("bounds in-flight requests by queue size", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, nil)
		sq, _ := env.ioPair(t, 2)

		a, ok := sq.AllocRequest()
		r.True(ok)
		b, ok := sq.AllocRequest()
		r.True(ok)

		_, ok = sq.AllocRequest()
		r.False(ok)
		r.Equal(2, sq.InFlight())

		a.CID = 3
		sq.ReleaseRequest(a)
		r.Equal(1, sq.InFlight())

		c, ok := sq.AllocRequest()
		r.True(ok)
		r.Equal(uint16(0), c.CID)
		r.Same(sq, c.SQ)

		sq.ReleaseRequest(b)
		sq.ReleaseRequest(c)
		r.Equal(0, sq.InFlight())
	})

	t.Run("free detaches the sq from its cq", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, nil)
		sq, cq := env.ioPair(t, 4)

		env.c.FreeSQ(sq)
		r.False(env.c.CheckSQID(1))
		r.Empty(cq.SQs())

		env.c.FreeCQ(cq)
		r.False(env.c.CheckCQID(1))
		r.NotContains(env.irq.held, uint16(1))
	})
}

func TestDoorbells(t *testing.T) {
	t.Run("mmio writes land on the right queue", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, nil)
		sq, cq := env.ioPair(t, 8)

		r.NoError(env.c.WriteDoorbell(0, 3))
		asq, _ := env.c.SQ(0)
		r.Equal(uint32(3), asq.Tail())

		r.NoError(env.c.WriteDoorbell(8, 5))
		r.Equal(uint32(5), sq.Tail())

		cq.IncTail()
		cq.IncTail()
		r.NoError(env.c.WriteDoorbell(12, 2))
		r.Equal(uint32(2), cq.Head())

		r.Error(env.c.WriteDoorbell(8, 8))
		r.Equal(uint32(5), sq.Tail())

		r.Error(env.c.WriteDoorbell(6, 1))
		r.Error(env.c.WriteDoorbell(16, 1))
	})

	t.Run("honors the doorbell stride", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, func(cfg *config.Config) {
			cfg.DBStride = 1
		})
		sq, _ := env.ioPair(t, 8)

		r.NoError(env.c.WriteDoorbell(16, 4))
		r.Equal(uint32(4), sq.Tail())
	})

	t.Run("shadow doorbells drive existing io queues", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, nil)
		sq, cq := env.ioPair(t, 8)

		r.NoError(sq.SetTail(2))

		r.Equal(StatusSuccess, env.c.SetDoorbellBuffer(testDBS, testEIS))

		// Seeded with the current indices.
		r.Equal(uint32(2), env.getU32(t, testDBS+8))
		r.Equal(uint32(2), env.getU32(t, testEIS+8))
		r.Equal(uint32(0), env.getU32(t, testDBS+12))

		env.putU32(t, testDBS+8, 6)
		sq.UpdateTail()
		r.Equal(uint32(6), sq.Tail())

		sq.UpdateEventIdx()
		r.Equal(uint32(6), env.getU32(t, testEIS+8))

		env.putU32(t, testDBS+8, 9)
		sq.UpdateTail()
		r.Equal(uint32(6), sq.Tail())

		cq.IncTail()
		cq.IncTail()
		cq.IncTail()
		env.putU32(t, testDBS+12, 3)
		r.False(cq.Full())
		r.Equal(uint32(3), cq.Head())

		cq.UpdateEventIdx()
		r.Equal(uint32(3), env.getU32(t, testEIS+12))
	})

	t.Run("queues created later pick up the shadow buffer", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, nil)
		r.NoError(env.c.CreateAdminQueues(testASQ, testACQ, 16, 16))
		r.Equal(StatusSuccess, env.c.SetDoorbellBuffer(testDBS, testEIS))

		_, st, err := env.c.InitCQ(CQParams{CQID: 2, Vector: 2, Addr: testIOCQ, Size: 8, Contig: true})
		r.NoError(err)
		r.Equal(StatusSuccess, st)

		sq, st, err := env.c.InitSQ(SQParams{SQID: 2, CQID: 2, Addr: testIOSQ, Size: 8, Contig: true})
		r.NoError(err)
		r.Equal(StatusSuccess, st)

		env.putU32(t, testDBS+16, 4)
		sq.UpdateTail()
		r.Equal(uint32(4), sq.Tail())

		// The admin queues never use the shadow buffer.
		env.putU32(t, testDBS, 5)
		asq, _ := env.c.SQ(0)
		asq.UpdateTail()
		r.Equal(uint32(0), asq.Tail())
	})

	t.Run("rejects misaligned or unmapped buffers", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, nil)

		r.Equal(StatusInvalidField|DNR, env.c.SetDoorbellBuffer(0, testEIS))
		r.Equal(StatusInvalidField|DNR, env.c.SetDoorbellBuffer(testDBS+4, testEIS))
		r.Equal(StatusInvalidField|DNR, env.c.SetDoorbellBuffer(testDBS, 0x40000000))
	})
}
