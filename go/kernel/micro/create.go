package micro

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/capgroup"
	co "github.com/lunixbochs/capcorn/go/kernel/common"
	"github.com/lunixbochs/capcorn/go/models/trace"
	"github.com/lunixbochs/capcorn/go/object"
	"github.com/lunixbochs/capcorn/go/thread"
	"github.com/lunixbochs/capcorn/go/vmspace"
)

const (
	ROOT_THREAD_STACK_BASE = 0x500000000000
	ROOT_THREAD_STACK_SIZE = 0x800000
	ROOT_THREAD_PRIO       = thread.DEFAULT_PRIO
)

// ThreadArgs is the argument block of create_thread.
type ThreadArgs struct {
	CapGroupCap   int32
	Pad           []byte `struc:"[4]pad"`
	Stack         uint64
	PC            uint64
	Arg           uint64
	TLS           uint64
	Prio          uint32
	Type          uint32
	ClearChildTID uint64
}

type createArgs struct {
	stack, pc, arg, tls uint64
	prio                uint32
	typ                 thread.Type
	aff                 int32
	clearChildTID       uint64
}

// the creator was marked exiting while it tried to add a member
var errCallerExiting = errors.New("creator is exiting")

// newThread allocates and initializes an unpublished thread of group g.
func (k *Kernel) newThread(g *capgroup.CapGroup, a *createArgs) (*thread.Thread, error) {
	o, err := k.Reg.Alloc(object.TYPE_THREAD)
	if err != nil {
		return nil, err
	}
	t, err := thread.Init(o, g, a.stack, a.pc, a.prio, a.typ, a.aff)
	if err != nil {
		k.Reg.Free(o)
		return nil, err
	}
	t.ID = k.tids.Add(1)
	regs := &t.Ctx().Regs
	regs.Arg0 = a.arg
	regs.TLS = a.tls
	regs.SPSR = thread.SPSR_EL1_EL0t
	regs.FPEN = true
	t.Ctx().OnStart(func() { k.runThread(t) })
	return t, nil
}

// discard frees a thread that never became visible.
func (k *Kernel) discard(t *thread.Thread) {
	t.Discard()
	k.Reg.Free(t.Object())
}

// createThread builds a thread in group g on behalf of c and returns its
// capability in the creator's table.
func (k *Kernel) createThread(c co.Caller, g *capgroup.CapGroup, a createArgs) (capgroup.Cap, error) {
	suspended := false
	if a.typ == thread.TYPE_TRACEE {
		a.typ = thread.TYPE_USER
		suspended = true
	}
	t, err := k.newThread(g, &a)
	if err != nil {
		return -1, errors.Wrap(err, "create thread")
	}
	t.Ctx().SetSuspended(suspended)

	self := c.Thread
	node, ok := g.RegisterThreadIf(t.Object(), func() bool {
		return self.ExitState() != thread.TE_EXITING
	})
	if !ok {
		k.discard(t)
		if self.ExitState() == thread.TE_EXITING {
			return -1, errCallerExiting
		}
		return -1, errors.Wrapf(capgroup.ErrExiting, "%s", g.Name)
	}
	t.SetNode(node)

	// reserve every slot before publishing anything
	unwind := func(err error) (capgroup.Cap, error) {
		t.SetNode(nil)
		last := g.Withdraw(node, t.MarkExiting)
		k.discard(t)
		if last {
			k.teardown(g, 0, nil)
		}
		return -1, err
	}
	cap, err := g.Reserve()
	if err != nil {
		return unwind(err)
	}
	mine := self.Group()
	ret := cap
	if mine != g {
		if ret, err = mine.Reserve(); err != nil {
			g.Release(cap)
			return unwind(err)
		}
	}
	t.Cap = cap
	t.SetClearChildTID(a.clearChildTID)
	switch a.typ {
	case thread.TYPE_USER:
		t.Ctx().SetState(thread.TS_INTER)
	case thread.TYPE_SHADOW, thread.TYPE_REGISTER:
		t.Ctx().SetState(thread.TS_WAITING)
	}

	o := t.Object()
	// execution reference, dropped when the thread is reaped
	o.Get()
	// ours, until we are done touching t
	o.Get()
	defer o.Put()
	if !g.Fill(cap, o) {
		o.Put()
	}
	if mine != g && !mine.Fill(ret, o.Get()) {
		o.Put()
	}
	t.Publish()

	if t.ExitState() == thread.TE_EXITING {
		// g was torn down while we were building t
		if mine != g {
			mine.RevokeObject(ret, o)
		}
		k.Sched.Reap(t)
		if self.ExitState() == thread.TE_EXITING {
			return -1, errCallerExiting
		}
		return -1, errors.Wrapf(capgroup.ErrExiting, "%s", g.Name)
	}
	k.emit(&trace.OpCreate{Tid: t.ID, Type: uint8(a.typ), Prio: a.prio, Cap: int32(ret), Group: g.Name})
	if a.typ == thread.TYPE_USER {
		if err := k.Sched.Enqueue(t); err != nil {
			k.Log.Debugf("enqueue %v: %v", t, err)
		}
	}
	k.Log.Debugf("%v created %v in %s: cap %d", self, t, g.Name, ret)
	return ret, nil
}

func validType(t thread.Type) bool {
	switch t {
	case thread.TYPE_USER, thread.TYPE_SHADOW, thread.TYPE_REGISTER, thread.TYPE_TRACEE:
		return true
	}
	return false
}

func (k *Kernel) CreateThread(c co.Caller, args co.Buf) uint64 {
	var a ThreadArgs
	if err := args.Unpack(&a); err != nil {
		k.Log.Debugf("create_thread: %v", err)
		return neg(EINVAL)
	}
	typ := thread.Type(a.Type)
	if !validType(typ) || a.Prio < thread.MIN_PRIO || a.Prio > thread.MAX_PRIO {
		return neg(EINVAL)
	}
	gref, err := capgroup.Acquire[*capgroup.CapGroup](c.Thread.Group(), capgroup.Cap(a.CapGroupCap), object.TYPE_CAP_GROUP)
	if err != nil {
		return Errno(err)
	}
	cap, err := k.createThread(c, gref.Val(), createArgs{
		stack:         a.Stack,
		pc:            a.PC,
		arg:           a.Arg,
		tls:           a.TLS,
		prio:          a.Prio,
		typ:           typ,
		aff:           thread.NO_AFF,
		clearChildTID: a.ClearChildTID,
	})
	gref.Put()
	if err == errCallerExiting {
		k.handoff(c)
	}
	if err != nil {
		return Errno(err)
	}
	return uint64(cap)
}

// CreateRootThread boots the root group on core cpu: a fresh address space
// with a stack at ROOT_THREAD_STACK_BASE and one runnable thread at pc.
func (k *Kernel) CreateRootThread(cpu int, pc, arg uint64) (*thread.Thread, error) {
	o, err := capgroup.New(k.Reg, "root", k.Config.CapSlots)
	if err != nil {
		return nil, errors.Wrap(err, "root cap_group")
	}
	g := o.Payload().(*capgroup.CapGroup)
	fail := func(err error) (*thread.Thread, error) {
		g.RevokeAll()
		return nil, err
	}
	space := g.VMSpace().Payload().(*vmspace.VMSpace)
	stack, err := vmspace.NewPMO(k.Reg, ROOT_THREAD_STACK_SIZE, vmspace.PMO_ANONYM)
	if err != nil {
		return fail(errors.Wrap(err, "root stack"))
	}
	pmo := stack.Payload().(*vmspace.PMO)
	if err := space.MapRange(ROOT_THREAD_STACK_BASE, ROOT_THREAD_STACK_SIZE, vmspace.VMR_READ|vmspace.VMR_WRITE, pmo, "stack"); err != nil {
		k.Reg.Free(stack)
		return fail(errors.Wrap(err, "map root stack"))
	}
	if _, err := g.Alloc(stack); err != nil {
		k.Reg.Free(stack)
		return fail(err)
	}

	t, err := k.newThread(g, &createArgs{
		stack: ROOT_THREAD_STACK_BASE + ROOT_THREAD_STACK_SIZE,
		pc:    pc,
		arg:   arg,
		prio:  ROOT_THREAD_PRIO,
		typ:   thread.TYPE_ROOT,
		aff:   int32(cpu),
	})
	if err != nil {
		return fail(errors.Wrap(err, "root thread"))
	}
	t.SetNode(g.RegisterThread(t.Object()))
	cap, err := g.Alloc(t.Object())
	if err != nil {
		g.Withdraw(t.Node(), nil)
		k.discard(t)
		return fail(err)
	}
	t.Cap = cap
	object.BugOn(g.ObjType() != object.TYPE_CAP_GROUP, "root group has type %v", g.ObjType())
	object.BugOn(g.Check(nil).Count == 0, "root group has no live thread")
	object.BugOn(cap == capgroup.CAP_GROUP_OBJ_ID, "root thread got the group's own cap")
	t.Object().Get()
	t.Publish()

	k.root = g
	k.groups.Add(1)
	k.emit(&trace.OpCreateGroup{Cap: int32(capgroup.CAP_GROUP_OBJ_ID), Name: g.Name})
	k.emit(&trace.OpCreate{Tid: t.ID, Type: uint8(thread.TYPE_ROOT), Prio: ROOT_THREAD_PRIO, Cap: int32(cap), Group: g.Name})
	if err := k.Sched.Enqueue(t); err != nil {
		return nil, errors.Wrap(err, "enqueue root thread")
	}
	k.Log.Infof("root thread %v on cpu%d, pc %#x", t, cpu, pc)
	return t, nil
}

func (k *Kernel) groupName() string {
	return fmt.Sprintf("group%d", k.groups.Add(1))
}
