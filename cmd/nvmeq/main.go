package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lab47/lsvd/logger"
	"github.com/lab47/nvmeq/config"
	"github.com/lab47/nvmeq/dispatch"
	"github.com/lab47/nvmeq/nvme"
	"github.com/lab47/nvmeq/pkg/eventirq"
	"github.com/lab47/nvmeq/pkg/guestmem"
	"github.com/pkg/errors"
)

var (
	fConfig = flag.String("config", "", "path to a yaml controller config")
	fMem    = flag.Uint64("mem", 64<<20, "size of guest memory in bytes")
	fDump   = flag.Bool("dump", false, "print controller state on exit")
)

const (
	adminQueueEntries = 64

	// The admin queues sit right above the first guest page.
	asqAddr = 0x1000
	acqAddr = 0x2000
)

func main() {
	flag.Parse()

	log := logger.New(logger.Trace)

	if err := run(log); err != nil {
		log.Error("nvmeq exited with error", "error", err)
		os.Exit(1)
	}
}

func run(log logger.Logger) error {
	cfg := config.Default()

	if *fConfig != "" {
		var err error

		cfg, err = config.Load(*fConfig)
		if err != nil {
			return err
		}
	}

	mem := guestmem.NewTable()
	defer mem.Close()

	if _, err := mem.AddAnonymous(0, *fMem); err != nil {
		return errors.Wrapf(err, "allocating guest memory")
	}

	irq := eventirq.New(log, cfg.NumIOQueues)
	defer irq.Close()

	ctrl, err := nvme.NewController(log, cfg, mem, irq)
	if err != nil {
		return err
	}

	err = ctrl.CreateAdminQueues(asqAddr, acqAddr, adminQueueEntries, adminQueueEntries)
	if err != nil {
		return err
	}

	id := ctrl.Identify()
	log.Info("controller ready",
		"model", id.Model(),
		"serial", id.Serial(),
		"nqn", id.NQN(),
		"namespaces", ctrl.NumNamespaces(),
		"io_queues", cfg.NumIOQueues,
	)

	d := dispatch.New(log, ctrl, dispatch.NullExecutor{})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = d.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	st := d.Stats()
	log.Info("controller stopped", "completed", st.Completed, "failed", st.Failed)

	if *fDump {
		d.Locked(func(c *nvme.Controller) {
			fmt.Println(c.Dump())
		})
	}

	return nil
}
