package repl

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	co "github.com/lunixbochs/capcorn/go/kernel/common"
	"github.com/lunixbochs/capcorn/go/scenario"
)

var StatCmd = cmd(&Command{
	Name: "stat",
	Desc: "Show kernel memory, run queue and per-cpu counters.",
	Run: func(c *Context) error {
		k := c.K
		c.Printf("objects: %d live, %d bytes charged\n", k.Reg.Live(), k.Reg.Used())
		c.Printf("queued:  %d\n", k.Sched.Len())
		rows := [][]string{{"CPU", "SWITCHES", "CURRENT"}}
		for _, cpu := range k.Sched.CPUs() {
			cur := "idle"
			if t := cpu.Current(); t != nil {
				cur = t.String()
			}
			rows = append(rows, []string{fmt.Sprint(cpu.ID), fmt.Sprint(cpu.Switches()), cur})
		}
		c.table(rows)
		return nil
	},
})

var SyscallsCmd = cmd(&Command{
	Name: "syscalls",
	Desc: "List the syscall table.",
	Run: func(c *Context) error {
		for _, name := range co.Names(c.K) {
			sys := co.Lookup(c.K, name)
			args := make([]string, len(sys.In))
			for i, t := range sys.In {
				args[i] = t.Name()
			}
			c.Printf("  %s(%s)\n", name, strings.Join(args, ", "))
		}
		return nil
	},
})

var ScenariosCmd = cmd(&Command{
	Name: "scenarios",
	Desc: "List bootable root programs.",
	Run: func(c *Context) error {
		var rows [][]string
		for _, s := range scenario.List() {
			rows = append(rows, []string{s.Name, s.Desc})
		}
		c.table(rows)
		return nil
	},
})

var SetCmd = cmd(&Command{
	Name: "set",
	Desc: "Set a boot parameter (threads, iters, code).",
	Run: func(c *Context, key string, val int) error {
		switch strings.ToLower(key) {
		case "threads":
			c.Params.Threads = val
		case "iters":
			c.Params.Iters = val
		case "code":
			c.Params.Code = val
		default:
			return errors.Errorf("unknown parameter %q", key)
		}
		return nil
	},
})

var BootCmd = cmd(&Command{
	Name: "boot",
	Desc: "Create the root thread running a scenario.",
	Run: func(c *Context, name string) error {
		t, err := scenario.Boot(c.K, name, c.Params)
		if err != nil {
			return err
		}
		c.Printf("booted %v\n", t)
		return nil
	},
})

var WaitCmd = cmd(&Command{
	Name: "wait",
	Desc: "Wait up to <seconds> for the root group to exit.",
	Run: func(c *Context, seconds int) error {
		if c.K.Root() == nil {
			return errors.New("not booted")
		}
		select {
		case <-c.K.Done():
			c.Printf("root group exited with %d\n", c.K.Root().ExitCode())
		case <-time.After(time.Duration(seconds) * time.Second):
			c.Printf("still running\n")
		}
		return nil
	},
})
