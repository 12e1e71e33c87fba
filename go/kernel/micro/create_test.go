package micro

import (
	"bytes"
	"encoding/binary"
	"strings"
	"sync"
	"testing"

	"github.com/lunixbochs/struc"

	"github.com/lunixbochs/capcorn/go/capgroup"
	co "github.com/lunixbochs/capcorn/go/kernel/common"
	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/object"
	"github.com/lunixbochs/capcorn/go/thread"
)

const (
	rootPC  = 0x400000
	childPC = 0x401000
)

type logBuf struct {
	sync.Mutex
	b bytes.Buffer
}

func (l *logBuf) Write(p []byte) (int, error) {
	l.Lock()
	defer l.Unlock()
	return l.b.Write(p)
}

func (l *logBuf) Close() error { return nil }

func (l *logBuf) String() string {
	l.Lock()
	defer l.Unlock()
	return l.b.String()
}

func newKernel(t *testing.T, mod func(*models.Config)) (*Kernel, *logBuf) {
	out := &logBuf{}
	c := models.DefaultConfig()
	c.CPUs = 2
	c.Output = out
	if mod != nil {
		mod(c)
	}
	k, err := NewKernel(c)
	if err != nil {
		t.Fatal(err)
	}
	return k, out
}

// bootDirect creates the root thread and makes it current on cpu0 without
// giving it a goroutine, so tests can call syscalls on its behalf.
func bootDirect(t *testing.T, k *Kernel) co.Caller {
	root, err := k.CreateRootThread(0, rootPC, 0)
	if err != nil {
		t.Fatal(err)
	}
	cpu := k.Sched.CPU(0)
	if got := k.Sched.Sched(cpu); got != root {
		t.Fatalf("Sched() = %v, want %v", got, root)
	}
	return co.Caller{CPU: cpu, Thread: root}
}

func userArgs(prio uint32, typ thread.Type) ThreadArgs {
	return ThreadArgs{
		Stack: 0x7000,
		PC:    childPC,
		Arg:   42,
		TLS:   0x1234,
		Prio:  prio,
		Type:  uint32(typ),
	}
}

func create(t *testing.T, k *Kernel, c co.Caller, a ThreadArgs) uint64 {
	buf := co.NewBuf(c.Thread.VMSpace(), ROOT_THREAD_STACK_BASE)
	if err := buf.Pack(&a); err != nil {
		t.Fatal(err)
	}
	return k.CreateThread(c, buf)
}

func lookup(t *testing.T, g *capgroup.CapGroup, ret uint64) *thread.Thread {
	if IsErr(ret) {
		t.Fatalf("create_thread() = %d", int64(ret))
	}
	ref, err := capgroup.Acquire[*thread.Thread](g, capgroup.Cap(ret), object.TYPE_THREAD)
	if err != nil {
		t.Fatalf("cap %d: %v", ret, err)
	}
	defer ref.Put()
	return ref.Val()
}

func TestThreadArgsLayout(t *testing.T) {
	a := ThreadArgs{
		CapGroupCap:   3,
		Stack:         0x1111,
		PC:            0x2222,
		Arg:           0x3333,
		TLS:           0x4444,
		Prio:          7,
		Type:          uint32(thread.TYPE_SHADOW),
		ClearChildTID: 0x5555,
	}
	if n, err := struc.Sizeof(&a); err != nil || n != 56 {
		t.Fatalf("Sizeof(ThreadArgs) = %d, %v; want 56", n, err)
	}
	var buf bytes.Buffer
	if err := struc.PackWithOptions(&buf, &a, &struc.Options{Order: binary.LittleEndian}); err != nil {
		t.Fatal(err)
	}
	b := buf.Bytes()
	le := binary.LittleEndian
	checks := []struct {
		off  int
		got  uint64
		want uint64
	}{
		{0, uint64(le.Uint32(b[0:])), 3},
		{8, le.Uint64(b[8:]), 0x1111},
		{16, le.Uint64(b[16:]), 0x2222},
		{24, le.Uint64(b[24:]), 0x3333},
		{32, le.Uint64(b[32:]), 0x4444},
		{40, uint64(le.Uint32(b[40:])), 7},
		{44, uint64(le.Uint32(b[44:])), uint64(thread.TYPE_SHADOW)},
		{48, le.Uint64(b[48:]), 0x5555},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Fatalf("offset %d = %#x, want %#x", c.off, c.got, c.want)
		}
	}
}

func TestCreateThread(t *testing.T) {
	k, _ := newKernel(t, nil)
	c := bootDirect(t, k)
	g := c.Thread.Group()
	a := userArgs(thread.DEFAULT_PRIO, thread.TYPE_USER)
	a.ClearChildTID = 0x9000
	ret := create(t, k, c, a)
	th := lookup(t, g, ret)

	if th.Group() != g {
		t.Fatalf("Group() = %v, want %v", th.Group(), g)
	}
	linked := 0
	for _, o := range g.Members() {
		if o == th.Object() {
			linked++
		}
	}
	if linked != 1 {
		t.Fatalf("thread linked %d times, want 1", linked)
	}
	if s := g.Check(nil); s.Count != 2 || s.Linked != 2 {
		t.Fatalf("Check() = %+v, want count=2 linked=2", s)
	}
	if th.State() != thread.TS_READY || !k.Sched.Queued(th) {
		t.Fatalf("state = %v queued = %v, want ready and queued", th.State(), k.Sched.Queued(th))
	}
	regs := th.Ctx().Regs
	if regs.Arg0 != 42 || regs.TLS != 0x1234 || regs.PC != childPC || regs.SP != 0x7000 || !regs.FPEN {
		t.Fatalf("Regs = %+v", regs)
	}
	if th.ClearChildTID() != 0x9000 {
		t.Fatalf("ClearChildTID() = %#x, want 0x9000", th.ClearChildTID())
	}
	if th.Cap != capgroup.Cap(ret) || !th.Published() {
		t.Fatalf("Cap = %d published = %v, want %d", th.Cap, th.Published(), ret)
	}
	if th.ExitState() != thread.TE_RUNNING {
		t.Fatalf("ExitState() = %v", th.ExitState())
	}
}

func TestCreateBounds(t *testing.T) {
	tests := []struct {
		name string
		prio uint32
		typ  thread.Type
		cap  int32
		want uint64
	}{
		{"zero prio", 0, thread.TYPE_USER, 0, neg(EINVAL)},
		{"prio over max", thread.MAX_PRIO + 1, thread.TYPE_USER, 0, neg(EINVAL)},
		{"idle type", thread.DEFAULT_PRIO, thread.TYPE_IDLE, 0, neg(EINVAL)},
		{"root type", thread.DEFAULT_PRIO, thread.TYPE_ROOT, 0, neg(EINVAL)},
		{"unknown type", thread.DEFAULT_PRIO, 77, 0, neg(EINVAL)},
		{"missing group cap", thread.DEFAULT_PRIO, thread.TYPE_USER, 99, neg(ECAPBILITY)},
		{"vmspace cap", thread.DEFAULT_PRIO, thread.TYPE_USER, 1, neg(ECAPBILITY)},
	}
	k, _ := newKernel(t, nil)
	c := bootDirect(t, k)
	g := c.Thread.Group()
	for _, tt := range tests {
		a := userArgs(tt.prio, tt.typ)
		a.CapGroupCap = tt.cap
		if got := create(t, k, c, a); got != tt.want {
			t.Fatalf("%s: create_thread() = %d, want %d", tt.name, int64(got), int64(tt.want))
		}
	}
	if s := g.Check(nil); s.Count != 1 || s.Linked != 1 {
		t.Fatalf("Check() after rejected creates = %+v", s)
	}
	for _, prio := range []uint32{thread.MIN_PRIO, thread.MAX_PRIO} {
		th := lookup(t, g, create(t, k, c, userArgs(prio, thread.TYPE_USER)))
		if th.Ctx().Prio() != prio {
			t.Fatalf("Prio() = %d, want %d", th.Ctx().Prio(), prio)
		}
	}
	// args pointer outside any mapping
	if got := k.CreateThread(c, co.NewBuf(c.Thread.VMSpace(), 0x1000)); got != neg(EINVAL) {
		t.Fatalf("create_thread(bad pointer) = %d, want %d", int64(got), -EINVAL)
	}
}

func TestCreateTracee(t *testing.T) {
	k, _ := newKernel(t, nil)
	c := bootDirect(t, k)
	th := lookup(t, c.Thread.Group(), create(t, k, c, userArgs(thread.DEFAULT_PRIO, thread.TYPE_TRACEE)))
	if th.Type() != thread.TYPE_USER || !th.Ctx().Suspended() {
		t.Fatalf("Type() = %v suspended = %v, want user and suspended", th.Type(), th.Ctx().Suspended())
	}
	if !th.Runnable() || !k.Sched.Queued(th) {
		t.Fatalf("tracee runnable = %v queued = %v", th.Runnable(), k.Sched.Queued(th))
	}
	if next := k.Sched.Sched(k.Sched.CPU(1)); next != nil {
		t.Fatalf("Sched() picked %v, want nothing", next)
	}
	if !k.Sched.Queued(th) {
		t.Fatal("suspended tracee left the ready queue")
	}
}

func TestCreateShadow(t *testing.T) {
	k, _ := newKernel(t, nil)
	c := bootDirect(t, k)
	for _, typ := range []thread.Type{thread.TYPE_SHADOW, thread.TYPE_REGISTER} {
		th := lookup(t, c.Thread.Group(), create(t, k, c, userArgs(thread.DEFAULT_PRIO, typ)))
		if th.State() != thread.TS_WAITING || k.Sched.Queued(th) {
			t.Fatalf("%v: state = %v queued = %v, want waiting and not queued", typ, th.State(), k.Sched.Queued(th))
		}
	}
}

func TestCreateCrossGroup(t *testing.T) {
	k, _ := newKernel(t, nil)
	c := bootDirect(t, k)
	g := c.Thread.Group()
	gc := k.CreateCapGroup(c)
	if IsErr(gc) {
		t.Fatalf("create_cap_group() = %d", int64(gc))
	}
	a := userArgs(thread.DEFAULT_PRIO, thread.TYPE_USER)
	a.CapGroupCap = int32(gc)
	ret := create(t, k, c, a)
	th := lookup(t, g, ret)
	child := th.Group()
	if child == g {
		t.Fatal("thread landed in the creator's group")
	}
	if s := child.Check(nil); s.Count != 1 || s.Linked != 1 {
		t.Fatalf("child Check() = %+v, want one member", s)
	}
	if s := g.Check(nil); s.Count != 1 {
		t.Fatalf("creator Check() = %+v, want only the root", s)
	}
	o, err := child.Get(th.Cap, object.TYPE_THREAD)
	if err != nil || o != th.Object() {
		t.Fatalf("child cap %d = %v, %v", th.Cap, o, err)
	}
	o.Put()
	if th.VMSpace() != child.VMSpace().Payload() {
		t.Fatal("thread does not run in the child's address space")
	}
}

func TestCreateNoMemory(t *testing.T) {
	k, _ := newKernel(t, func(c *models.Config) { c.KernelMem = 1 << 20 })
	c := bootDirect(t, k)
	g := c.Thread.Group()
	used, live := k.Reg.Used(), k.Reg.Live()
	// the first leaves no room for the object, the second none for its stack
	for _, slack := range []int{thread.THREAD_SIZE - 1, thread.THREAD_SIZE + thread.KERNEL_STACK_SIZE - 1} {
		fill := int(int64(k.Config.KernelMem)-used) - slack
		if err := k.Reg.Kmalloc(fill); err != nil {
			t.Fatal(err)
		}
		if got := create(t, k, c, userArgs(thread.DEFAULT_PRIO, thread.TYPE_USER)); got != neg(ENOMEM) {
			t.Fatalf("slack %d: create_thread() = %d, want %d", slack, int64(got), -ENOMEM)
		}
		if k.Reg.Used() != used+int64(fill) || k.Reg.Live() != live {
			t.Fatalf("slack %d: used %d live %d, want %d %d", slack, k.Reg.Used(), k.Reg.Live(), used+int64(fill), live)
		}
		k.Reg.Kfree(fill)
	}
	if s := g.Check(nil); s.Count != 1 || s.Linked != 1 {
		t.Fatalf("Check() = %+v, want only the root", s)
	}
}

func TestCreateTableFull(t *testing.T) {
	// root uses slots 0-3: group, vmspace, stack, thread
	k, _ := newKernel(t, func(c *models.Config) { c.CapSlots = 5 })
	c := bootDirect(t, k)
	g := c.Thread.Group()
	lookup(t, g, create(t, k, c, userArgs(thread.DEFAULT_PRIO, thread.TYPE_USER)))
	used, live, caps := k.Reg.Used(), k.Reg.Live(), g.Caps()
	if got := create(t, k, c, userArgs(thread.DEFAULT_PRIO, thread.TYPE_USER)); got != neg(ENOMEM) {
		t.Fatalf("create_thread() on full table = %d, want %d", int64(got), -ENOMEM)
	}
	if k.Reg.Used() != used || k.Reg.Live() != live || g.Caps() != caps {
		t.Fatalf("unwind left used %d live %d caps %d, want %d %d %d", k.Reg.Used(), k.Reg.Live(), g.Caps(), used, live, caps)
	}
	if s := g.Check(nil); s.Count != 2 || s.Linked != 2 {
		t.Fatalf("Check() = %+v, want count=2 linked=2", s)
	}
}

func TestCreateCreatorTableFull(t *testing.T) {
	k, _ := newKernel(t, func(c *models.Config) { c.CapSlots = 6 })
	c := bootDirect(t, k)
	g := c.Thread.Group()
	gc := k.CreateCapGroup(c)
	a := userArgs(thread.DEFAULT_PRIO, thread.TYPE_SHADOW)
	a.CapGroupCap = int32(gc)
	child := lookup(t, g, create(t, k, c, a)).Group()

	used, live, caps := k.Reg.Used(), k.Reg.Live(), child.Caps()
	if got := create(t, k, c, a); got != neg(ENOMEM) {
		t.Fatalf("create_thread() = %d, want %d", int64(got), -ENOMEM)
	}
	if k.Reg.Used() != used || k.Reg.Live() != live || child.Caps() != caps {
		t.Fatalf("unwind left used %d live %d caps %d, want %d %d %d", k.Reg.Used(), k.Reg.Live(), child.Caps(), used, live, caps)
	}
	if s := child.Check(nil); s.Count != 1 || s.Linked != 1 || child.Exiting() {
		t.Fatalf("child Check() = %+v exiting = %v", s, child.Exiting())
	}
}

func TestCreateIntoExitedGroup(t *testing.T) {
	k, out := newKernel(t, nil)
	c := bootDirect(t, k)
	gc := k.CreateCapGroup(c)
	a := userArgs(thread.DEFAULT_PRIO, thread.TYPE_USER)
	a.CapGroupCap = int32(gc)
	th := lookup(t, c.Thread.Group(), create(t, k, c, a))
	child := th.Group()

	cpu1 := k.Sched.CPU(1)
	if got := k.Sched.Sched(cpu1); got != th {
		t.Fatalf("Sched() = %v, want %v", got, th)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		k.ThreadExit(co.Caller{CPU: cpu1, Thread: th})
	}()
	wg.Wait()
	if th.ExitState() != thread.TE_EXITED || !child.Exiting() {
		t.Fatalf("ExitState() = %v exiting = %v", th.ExitState(), child.Exiting())
	}

	used, live := k.Reg.Used(), k.Reg.Live()
	if got := create(t, k, c, a); got != neg(ECAPBILITY) {
		t.Fatalf("create_thread() into exited group = %d, want %d", int64(got), -ECAPBILITY)
	}
	// the exited thread stays linked while the creator still holds its cap
	if s := child.Check(nil); s.Count != 0 || s.Linked != 1 {
		t.Fatalf("Check() = %+v, want count=0 linked=1", s)
	}
	if k.Reg.Used() != used || k.Reg.Live() != live {
		t.Fatalf("refused create leaked: used %d live %d, want %d %d", k.Reg.Used(), k.Reg.Live(), used, live)
	}
	if strings.Contains(out.String(), "[BUG]") {
		t.Fatalf("log = %q", out.String())
	}
}
