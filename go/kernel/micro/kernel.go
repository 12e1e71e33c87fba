package micro

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/lunixbochs/capcorn/go/capgroup"
	"github.com/lunixbochs/capcorn/go/futex"
	co "github.com/lunixbochs/capcorn/go/kernel/common"
	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/models/trace"
	"github.com/lunixbochs/capcorn/go/object"
	"github.com/lunixbochs/capcorn/go/sched"
	"github.com/lunixbochs/capcorn/go/thread"
	"github.com/lunixbochs/capcorn/go/vmspace"
)

// Program is the user-mode code of a thread, found by its entry pc.
type Program func(u *User)

type Kernel struct {
	co.KernelBase

	Config  *models.Config
	Log     *models.Logger
	Reg     *object.Registry
	Sched   *sched.Scheduler
	Futexes *futex.Table
	Trace   *trace.TraceWriter

	progMu   sync.RWMutex
	programs map[uint64]Program

	tids   atomic.Uint64
	groups atomic.Uint64

	root     *capgroup.CapGroup
	done     chan struct{}
	doneOnce sync.Once
}

func NewKernel(c *models.Config) (*Kernel, error) {
	c.Init()
	k := &Kernel{
		Config:   c,
		Log:      models.NewLogger(c),
		Reg:      object.NewRegistry(int64(c.KernelMem)),
		Sched:    sched.New(c.CPUs),
		Futexes:  futex.New(),
		programs: make(map[uint64]Program),
		done:     make(chan struct{}),
	}
	capgroup.RegisterTypes(k.Reg)
	vmspace.RegisterTypes(k.Reg)
	thread.RegisterType(k.Reg, k.Log)
	k.Sched.OnReap(k.reaped)
	k.Sched.OnSwitch(k.switched)
	if c.Trace != nil {
		tw, err := trace.NewWriter(c.Trace, c)
		if err != nil {
			return nil, errors.Wrap(err, "trace")
		}
		k.Trace = tw
	}
	return k, nil
}

// Program registers the code run by threads entering at pc.
func (k *Kernel) Program(pc uint64, p Program) {
	k.progMu.Lock()
	k.programs[pc] = p
	k.progMu.Unlock()
}

func (k *Kernel) program(pc uint64) Program {
	k.progMu.RLock()
	defer k.progMu.RUnlock()
	return k.programs[pc]
}

// Root returns the bootstrap group, nil before CreateRootThread.
func (k *Kernel) Root() *capgroup.CapGroup { return k.root }

// Done is closed once the root group has been torn down.
func (k *Kernel) Done() <-chan struct{} { return k.done }

// Run drives every core's idle loop until ctx is cancelled.
func (k *Kernel) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, cpu := range k.Sched.CPUs() {
		cpu := cpu
		eg.Go(func() error {
			return k.Sched.Idle(ctx, cpu)
		})
	}
	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (k *Kernel) Close() error {
	if k.Trace != nil {
		return k.Trace.Close()
	}
	return nil
}

func (k *Kernel) emit(op models.Op) {
	if k.Trace == nil {
		return
	}
	if err := k.Trace.Pack(op); err != nil {
		k.Log.Debugf("trace: %v", err)
	}
}

func tid(t *thread.Thread) uint64 {
	if t == nil {
		return 0
	}
	return t.ID
}

func (k *Kernel) switched(cpu *sched.CPU, prev, next *thread.Thread) {
	k.Log.Debugf("%v: %v -> %v", cpu, prev, next)
	k.emit(&trace.OpSwitch{CPU: uint16(cpu.ID), From: tid(prev), To: tid(next)})
}

// reaped runs once per thread, when it reaches TE_EXITED. The thread's own
// capability and the kernel's execution reference go away here, which is
// what eventually runs the thread destructor.
func (k *Kernel) reaped(t *thread.Thread) {
	k.emit(&trace.OpReap{Tid: t.ID})
	k.Futexes.Cancel(t)
	t.Group().RevokeObject(t.Cap, t.Object())
	t.Ctx().Kill()
	t.Object().Put()
}

// handoff gives the caller's core to the next thread and ends the caller.
func (k *Kernel) handoff(c co.Caller) {
	k.Sched.Sched(c.CPU)
	k.Sched.Eret(c.CPU)
}

// checkKill hands off a thread some other core marked exiting.
func (k *Kernel) checkKill(c co.Caller) {
	if c.Thread.ExitState() == thread.TE_EXITING {
		k.Log.Debugf("%v: killed", c.Thread)
		k.handoff(c)
	}
}

func (k *Kernel) caller(t *thread.Thread) co.Caller {
	return co.Caller{CPU: k.Sched.CPU(t.Ctx().CPU()), Thread: t}
}
