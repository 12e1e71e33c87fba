package sched

import (
	"fmt"
	"sync/atomic"

	"github.com/lunixbochs/capcorn/go/thread"
	"github.com/lunixbochs/capcorn/go/vmspace"
)

// CPU is one core. Only the core's own scheduler path stores current;
// everyone else reads it.
type CPU struct {
	ID int

	current atomic.Pointer[thread.Thread]
	space   atomic.Pointer[vmspace.VMSpace]

	// the idle loop's copy of the core token
	idle chan struct{}
	kick chan struct{}

	switches atomic.Uint64
}

func newCPU(id int) *CPU {
	return &CPU{ID: id, idle: make(chan struct{}, 1), kick: make(chan struct{}, 1)}
}

func (c *CPU) Current() *thread.Thread   { return c.current.Load() }
func (c *CPU) VMSpace() *vmspace.VMSpace { return c.space.Load() }
func (c *CPU) Switches() uint64          { return c.switches.Load() }

// SwitchVMSpace makes v the active address space of this core.
func (c *CPU) SwitchVMSpace(v *vmspace.VMSpace) {
	if v != nil && c.space.Swap(v) != v {
		v.SwitchTo()
	}
}

func (c *CPU) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *CPU) String() string {
	return fmt.Sprintf("cpu%d", c.ID)
}
