package thread

import (
	"sync/atomic"

	"github.com/lunixbochs/capcorn/go/object"
)

type Type uint32

const (
	TYPE_IDLE Type = iota
	TYPE_ROOT
	TYPE_USER
	TYPE_SHADOW
	TYPE_REGISTER
	TYPE_TRACEE
)

var typeNames = [...]string{"idle", "root", "user", "shadow", "register", "tracee"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "unknown"
}

// execution state
type State uint32

const (
	TS_INIT State = iota
	TS_READY
	TS_INTER
	TS_RUNNING
	TS_EXIT
	TS_WAITING
)

var stateNames = [...]string{"init", "ready", "inter", "running", "exit", "waiting"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// ExitState only moves forward: TE_RUNNING -> TE_EXITING -> TE_EXITED.
type ExitState uint32

const (
	TE_RUNNING ExitState = iota
	TE_EXITING
	TE_EXITED
)

var exitNames = [...]string{"running", "exiting", "exited"}

func (e ExitState) String() string {
	if int(e) < len(exitNames) {
		return exitNames[e]
	}
	return "unknown"
}

const (
	MIN_PRIO     = 1
	MAX_PRIO     = 255
	DEFAULT_PRIO = 10

	NO_AFF = -1

	KERNEL_STACK_SIZE = 0x2000
)

// user-mode PSTATE for a fresh thread
const SPSR_EL1_EL0t = 0x0

// Regs is the architectural state a thread first enters user mode with.
type Regs struct {
	SP   uint64
	PC   uint64
	Arg0 uint64
	TLS  uint64
	SPSR uint64
	FPEN bool
}

type SchedContext struct {
	Prio atomic.Uint32
}

// Context is the saved execution state of a thread: its kernel stack, the
// registers it resumes with and the scheduling metadata.
type Context struct {
	Regs Regs
	Type Type
	SC   SchedContext

	state     atomic.Uint32
	exit      atomic.Uint32
	affinity  atomic.Int32
	suspended atomic.Bool
	cpu       atomic.Int32
	queued    bool // guarded by the scheduler's lock

	stack int

	resume  chan int
	started atomic.Bool
	start   func()
}

func createContext(r *object.Registry, typ Type) (*Context, error) {
	if err := r.Kmalloc(KERNEL_STACK_SIZE); err != nil {
		return nil, err
	}
	c := &Context{Type: typ, stack: KERNEL_STACK_SIZE, resume: make(chan int, 1)}
	c.cpu.Store(-1)
	return c, nil
}

func (c *Context) init(stack, pc uint64, prio uint32, typ Type, aff int32) {
	c.Regs.SP = stack
	c.Regs.PC = pc
	c.Type = typ
	c.SC.Prio.Store(prio)
	c.affinity.Store(aff)
	c.state.Store(uint32(TS_INIT))
	c.exit.Store(uint32(TE_RUNNING))
}

func (c *Context) destroy(r *object.Registry) {
	if c.stack > 0 {
		r.Kfree(c.stack)
		c.stack = 0
	}
}

func (c *Context) State() State         { return State(c.state.Load()) }
func (c *Context) SetState(s State)     { c.state.Store(uint32(s)) }
func (c *Context) ExitState() ExitState { return ExitState(c.exit.Load()) }

// advance moves the exit state from -> to, and never backward.
func (c *Context) advance(from, to ExitState) bool {
	return c.exit.CompareAndSwap(uint32(from), uint32(to))
}

func (c *Context) Affinity() int32     { return c.affinity.Load() }
func (c *Context) SetAffinity(a int32) { c.affinity.Store(a) }
func (c *Context) Prio() uint32        { return c.SC.Prio.Load() }
func (c *Context) SetPrio(p uint32)    { c.SC.Prio.Store(p) }
func (c *Context) Suspended() bool     { return c.suspended.Load() }
func (c *Context) SetSuspended(s bool) { c.suspended.Store(s) }

// CPU is the core the thread was last switched in on, or -1.
func (c *Context) CPU() int     { return int(c.cpu.Load()) }
func (c *Context) SetCPU(i int) { c.cpu.Store(int32(i)) }

// Queued and SetQueued must only be used under the scheduler's lock.
func (c *Context) Queued() bool     { return c.queued }
func (c *Context) SetQueued(q bool) { c.queued = q }

// OnStart sets the function run on the thread's own goroutine the first
// time it is dispatched.
func (c *Context) OnStart(fn func()) { c.start = fn }

// Resume hands core cpu to this thread. A negative cpu tells a parked
// thread to die.
func (c *Context) Resume(cpu int) {
	if cpu >= 0 && c.started.CompareAndSwap(false, true) && c.start != nil {
		go c.start()
	}
	c.resume <- cpu
}

// Kill tells a parked thread goroutine to end. Threads that never ran
// have no goroutine to stop.
func (c *Context) Kill() {
	if !c.started.Load() {
		return
	}
	select {
	case c.resume <- -1:
	default:
	}
}

// Park blocks the thread's goroutine until it is dispatched again.
func (c *Context) Park() int {
	return <-c.resume
}

// Started reports whether the thread ever got a goroutine.
func (c *Context) Started() bool { return c.started.Load() }
