package thread

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/capgroup"
	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/object"
	"github.com/lunixbochs/capcorn/go/vmspace"
)

const (
	THREAD_SIZE     = 0x200
	IPC_CONFIG_SIZE = 0x40
)

// IPCConfig is allocated the first time a thread acts as an IPC server.
type IPCConfig struct {
	Entry      uint64
	BufBase    uint64
	BufSize    uint64
	MaxClients int
}

// SleepState is the wakeup hook a blocking primitive leaves behind.
type SleepState struct {
	mu sync.Mutex
	cb func(*Thread)
}

func (s *SleepState) Set(cb func(*Thread)) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

// Take clears and returns the callback, so only one waker runs it.
func (s *SleepState) Take() func(*Thread) {
	s.mu.Lock()
	cb := s.cb
	s.cb = nil
	s.mu.Unlock()
	return cb
}

type Thread struct {
	ID uint64

	self  *object.Object
	reg   *object.Registry
	group object.Weak[*capgroup.CapGroup]
	space object.Weak[*vmspace.VMSpace]
	node  *capgroup.Node
	ctx   *Context

	Cap capgroup.Cap

	prev          atomic.Pointer[Thread]
	clearChildTID atomic.Uint64
	published     atomic.Bool

	ipcMu sync.Mutex
	ipc   *IPCConfig

	Sleep SleepState
}

func (t *Thread) ObjType() object.Type { return object.TYPE_THREAD }

// RegisterType installs the thread constructor and destructor.
func RegisterType(r *object.Registry, log *models.Logger) {
	r.Register(object.TYPE_THREAD, object.Ops{
		Size: THREAD_SIZE,
		New:  func() object.Payload { return &Thread{} },
		Deinit: func(o *object.Object) {
			deinit(o, log)
		},
	})
}

// Init binds a freshly allocated thread object to group g and builds its
// context. It does not register the thread with the group.
func Init(o *object.Object, g *capgroup.CapGroup, stack, pc uint64, prio uint32, typ Type, aff int32) (*Thread, error) {
	t, ok := object.As[*Thread](o)
	object.BugOn(!ok, "thread.Init on %v", o)
	gref, err := capgroup.Acquire[*capgroup.CapGroup](g, capgroup.CAP_GROUP_OBJ_ID, object.TYPE_CAP_GROUP)
	if err != nil {
		return nil, errors.Wrap(err, "group self cap")
	}
	vref, err := capgroup.Acquire[*vmspace.VMSpace](g, capgroup.VMSPACE_OBJ_ID, object.TYPE_VMSPACE)
	if err != nil {
		gref.Put()
		return nil, errors.Wrap(err, "group vmspace cap")
	}
	// the back-references are not counted: membership pins the group, and
	// the group holds its vmspace
	t.group = object.WeakOf[*capgroup.CapGroup](gref.Object())
	t.space = object.WeakOf[*vmspace.VMSpace](vref.Object())
	vref.Put()
	gref.Put()

	t.self = o
	t.reg = o.Registry()
	t.ctx, err = createContext(t.reg, typ)
	if err != nil {
		return nil, errors.Wrap(err, "kernel stack")
	}
	t.ctx.init(stack, pc, prio, typ, aff)
	t.prev.Store(nil)
	t.published.Store(false)
	t.ipc = nil
	t.Sleep.Set(nil)
	return t, nil
}

// Discard undoes Init for a thread that was never published.
func (t *Thread) Discard() {
	if t.ctx != nil {
		t.ctx.destroy(t.reg)
		t.ctx = nil
	}
}

func deinit(o *object.Object, log *models.Logger) {
	t := o.Payload().(*Thread)
	object.BugOn(t.ctx == nil, "deinit of uninitialized %v", t)
	object.BugOn(t.ctx.ExitState() != TE_EXITED, "deinit of %v in exit state %v", t, t.ctx.ExitState())
	if t.ctx.State() != TS_EXIT {
		log.Warnf("deinit %v: state is %v, not exit", t, t.ctx.State())
	}
	if t.node != nil {
		if err := t.group.Get().DeregisterThread(t.node); err != nil {
			log.Warnf("deinit %v: %v", t, err)
		}
	}
	t.freeIPC()
	t.ctx.destroy(t.reg)
}

func (t *Thread) Object() *object.Object { return t.self }
func (t *Thread) Ctx() *Context          { return t.ctx }
func (t *Thread) Type() Type             { return t.ctx.Type }

// Group returns the owning group. Valid for as long as the thread is linked.
func (t *Thread) Group() *capgroup.CapGroup { return t.group.Get() }
func (t *Thread) VMSpace() *vmspace.VMSpace { return t.space.Get() }

func (t *Thread) Node() *capgroup.Node     { return t.node }
func (t *Thread) SetNode(n *capgroup.Node) { t.node = n }

func (t *Thread) Prev() *Thread     { return t.prev.Load() }
func (t *Thread) SetPrev(p *Thread) { t.prev.Store(p) }

func (t *Thread) ClearChildTID() uint64        { return t.clearChildTID.Load() }
func (t *Thread) SetClearChildTID(addr uint64) { t.clearChildTID.Store(addr) }

// Publish marks the thread as fully created: its caps are installed and the
// kernel holds its execution reference. Teardown only reaps published
// threads; the creator reaps one that was marked exiting before this.
func (t *Thread) Publish()        { t.published.Store(true) }
func (t *Thread) Published() bool { return t.published.Load() }

func (t *Thread) State() State         { return t.ctx.State() }
func (t *Thread) ExitState() ExitState { return t.ctx.ExitState() }

// Runnable reports whether the thread may sit on a ready queue.
func (t *Thread) Runnable() bool {
	return t.ctx.ExitState() != TE_EXITED && t.ctx.State() != TS_EXIT
}

// MarkExiting moves a running thread to TE_EXITING. It returns false if
// the thread was already past TE_RUNNING.
func (t *Thread) MarkExiting() bool {
	return t.ctx.advance(TE_RUNNING, TE_EXITING)
}

// Finalize moves an exiting thread to TE_EXITED and TS_EXIT. Only the first
// caller succeeds.
func (t *Thread) Finalize() bool {
	if !t.ctx.advance(TE_EXITING, TE_EXITED) {
		return false
	}
	t.ctx.SetState(TS_EXIT)
	return true
}

// IPCConfig returns the thread's IPC config, allocating it on first use.
func (t *Thread) IPCConfig() (*IPCConfig, error) {
	t.ipcMu.Lock()
	defer t.ipcMu.Unlock()
	if t.ipc == nil {
		if err := t.reg.Kmalloc(IPC_CONFIG_SIZE); err != nil {
			return nil, err
		}
		t.ipc = &IPCConfig{}
	}
	return t.ipc, nil
}

func (t *Thread) HasIPCConfig() bool {
	t.ipcMu.Lock()
	defer t.ipcMu.Unlock()
	return t.ipc != nil
}

func (t *Thread) freeIPC() {
	t.ipcMu.Lock()
	if t.ipc != nil {
		t.reg.Kfree(IPC_CONFIG_SIZE)
		t.ipc = nil
	}
	t.ipcMu.Unlock()
}

func (t *Thread) String() string {
	if t.ctx == nil {
		return fmt.Sprintf("thread<%d>", t.ID)
	}
	return fmt.Sprintf("thread<%d %v>", t.ID, t.ctx.Type)
}
