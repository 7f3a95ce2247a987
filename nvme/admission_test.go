package nvme

import (
	"testing"

	"github.com/lab47/nvmeq/config"
	"github.com/stretchr/testify/require"
)

func TestCheckReadWrite(t *testing.T) {
	rw := func(write bool, slba uint64, nlb uint32, control uint16) *ReadWrite {
		cmd := &ReadWrite{Write: write, SLBA: slba, NLB: nlb, Control: control}
		cmd.CID = 17
		return cmd
	}

	t.Run("admits an in-range read", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, nil)
		ns, _ := env.c.Namespace(1)

		st := env.c.CheckReadWrite(ns, ns.RWRequest(1, rw(false, 0, 8, 0)))
		r.Equal(StatusSuccess, st)
		r.Empty(env.c.ErrorLog().Entries())
	})

	t.Run("rejects a range past the end", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, func(cfg *config.Config) {
			cfg.Namespaces = []config.Namespace{{Blocks: 100, LBAShift: 9}}
		})
		ns, _ := env.c.Namespace(1)

		r.Equal(StatusSuccess, env.c.CheckReadWrite(ns, ns.RWRequest(1, rw(false, 92, 8, 0))))

		st := env.c.CheckReadWrite(ns, ns.RWRequest(1, rw(false, 95, 8, 0)))
		r.Equal(StatusLBARange|DNR, st)

		ents := env.c.ErrorLog().Entries()
		r.Len(ents, 1)
		r.Equal(uint16(rwOffsetNLB), ents[0].ParamErrorLocation)
		r.Equal(uint64(103), ents[0].LBA)
		r.Equal(uint16(17), ents[0].CID)
		r.Equal(uint32(1), ents[0].NSID)
	})

	t.Run("rejects a range that wraps", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, nil)
		ns, _ := env.c.Namespace(1)

		st := env.c.CheckReadWrite(ns, ns.RWRequest(1, rw(false, ^uint64(0)-2, 8, 0)))
		r.Equal(StatusLBARange|DNR, st)
	})

	t.Run("rejects transfers over mdts", func(t *testing.T) {
		r := require.New(t)

		// mdts 5 with 4k pages caps transfers at 128k, 256 blocks of 512.
		env := newTestEnv(t, nil)
		ns, _ := env.c.Namespace(1)

		r.Equal(StatusSuccess, env.c.CheckReadWrite(ns, ns.RWRequest(1, rw(true, 0, 256, 0))))

		st := env.c.CheckReadWrite(ns, ns.RWRequest(1, rw(true, 0, 257, 0)))
		r.Equal(StatusInvalidField|DNR, st)

		e := env.c.ErrorLog().Entries()[0]
		r.Equal(uint16(rwOffsetNLB), e.ParamErrorLocation)
		r.Equal(uint64(257), e.LBA)
	})

	t.Run("mdts zero means unlimited", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, func(cfg *config.Config) {
			cfg.MDTS = 0
		})
		ns, _ := env.c.Namespace(1)

		r.Equal(StatusSuccess, env.c.CheckReadWrite(ns, ns.RWRequest(1, rw(true, 0, 65536, 0))))
	})

	t.Run("rejects namespaces carrying metadata", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, func(cfg *config.Config) {
			cfg.Namespaces = []config.Namespace{{Blocks: 1024, LBAShift: 9, MetaSize: 8}}
		})
		ns, _ := env.c.Namespace(1)

		st := env.c.CheckReadWrite(ns, ns.RWRequest(1, rw(false, 0, 1, 0x40)))
		r.Equal(StatusInvalidField|DNR, st)

		e := env.c.ErrorLog().Entries()[0]
		r.Equal(uint16(rwOffsetControl), e.ParamErrorLocation)
		r.Equal(uint64(0x40), e.LBA)
	})

	t.Run("rejects pract without protection information", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, nil)
		ns, _ := env.c.Namespace(1)

		st := env.c.CheckReadWrite(ns, ns.RWRequest(1, rw(true, 0, 1, rwControlPRACT)))
		r.Equal(StatusInvalidField|DNR, st)
		r.Len(env.c.ErrorLog().Entries(), 1)
	})

	t.Run("open channel tolerates pract but still logs it", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, func(cfg *config.Config) {
			cfg.OpenChannel = true
		})
		ns, _ := env.c.Namespace(1)

		st := env.c.CheckReadWrite(ns, ns.RWRequest(1, rw(true, 0, 1, rwControlPRACT)))
		r.Equal(StatusSuccess, st)
		r.Len(env.c.ErrorLog().Entries(), 1)
	})

	t.Run("pract is fine with protection information", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, func(cfg *config.Config) {
			cfg.Namespaces = []config.Namespace{{Blocks: 1024, LBAShift: 9, PIType: 1}}
		})
		ns, _ := env.c.Namespace(1)

		st := env.c.CheckReadWrite(ns, ns.RWRequest(1, rw(true, 0, 1, rwControlPRACT)))
		r.Equal(StatusSuccess, st)
	})

	t.Run("reads of uncorrectable blocks fail retryably", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, nil)
		ns, _ := env.c.Namespace(1)

		ns.MarkUncorrectable(10, 2)

		r.Equal(StatusSuccess, env.c.CheckReadWrite(ns, ns.RWRequest(1, rw(false, 0, 10, 0))))
		r.Equal(StatusSuccess, env.c.CheckReadWrite(ns, ns.RWRequest(1, rw(false, 12, 4, 0))))

		st := env.c.CheckReadWrite(ns, ns.RWRequest(1, rw(false, 8, 3, 0)))
		r.Equal(StatusUnrecoveredRead, st)
		r.False(st.DNR())

		e := env.c.ErrorLog().Entries()[0]
		r.Equal(uint16(rwOffsetSLBA), e.ParamErrorLocation)
		r.Equal(uint64(11), e.LBA)

		r.Equal(StatusSuccess, env.c.CheckReadWrite(ns, ns.RWRequest(1, rw(true, 8, 3, 0))))

		ns.ClearUncorrectable(8, 4)
		r.Equal(StatusSuccess, env.c.CheckReadWrite(ns, ns.RWRequest(1, rw(false, 8, 3, 0))))
	})

	t.Run("range check wins over later checks", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(t, func(cfg *config.Config) {
			cfg.Namespaces = []config.Namespace{{Blocks: 16, LBAShift: 9, MetaSize: 8}}
		})
		ns, _ := env.c.Namespace(1)

		st := env.c.CheckReadWrite(ns, ns.RWRequest(1, rw(false, 10, 8, rwControlPRACT)))
		r.Equal(StatusLBARange|DNR, st)
		r.Len(env.c.ErrorLog().Entries(), 1)
	})
}
