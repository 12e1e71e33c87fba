package run

import (
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/cmd"
	"github.com/lunixbochs/capcorn/go/scenario"
)

func Main(args []string) {
	c := cmd.NewKernelCmd()
	c.Usage = "<scenario>"

	var p scenario.Params
	var timeout *time.Duration
	c.SetupFlags = func() error {
		c.Flags.IntVar(&p.Threads, "threads", 4, "worker threads the scenario spawns")
		c.Flags.IntVar(&p.Iters, "iters", 16, "iterations per worker")
		c.Flags.IntVar(&p.Code, "code", 0, "exit_group status for scenarios that use it")
		timeout = c.Flags.Duration("timeout", 30*time.Second, "give up if the root group is still alive after this long")
		return nil
	}
	c.RunKernel = func(args []string) error {
		if len(args) != 1 {
			c.Flags.Usage()
			return cmd.ExitStatus(1)
		}
		k := c.Kernel
		if _, err := scenario.Boot(k, args[0], p); err != nil {
			return err
		}
		select {
		case <-k.Done():
		case <-time.After(*timeout):
			return errors.Errorf("%s: root group still alive after %v", args[0], *timeout)
		}
		// reaping finishes on the cores after the group is marked done
		for deadline := time.Now().Add(time.Second); k.Reg.Live() != 0 && time.Now().Before(deadline); {
			time.Sleep(time.Millisecond)
		}
		if n := k.Reg.Live(); n != 0 {
			k.Log.Warnf("%d kernel objects still live", n)
		}
		return cmd.ExitStatus(k.Root().ExitCode())
	}
	os.Exit(c.Run(args))
}

func init() { cmd.Register("run", "boot a built-in root program", Main) }
