package common

import (
	"testing"

	"github.com/lunixbochs/capcorn/go/capgroup"
	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/object"
	"github.com/lunixbochs/capcorn/go/thread"
	"github.com/lunixbochs/capcorn/go/vmspace"
)

type pair struct {
	A uint32
	B uint64
}

type testKernel struct {
	KernelBase
	exitCode int
	lastCap  capgroup.Cap
	caller   Caller
	got      pair
}

func (k *testKernel) Exit(code int) uint64 {
	k.exitCode = code
	return 44
}

func (k *testKernel) RevokeCap(c Caller, cap capgroup.Cap) uint64 {
	k.caller = c
	k.lastCap = cap
	return 0
}

func (k *testKernel) ReadPair(c Caller, b Buf) uint64 {
	if err := b.Unpack(&k.got); err != nil {
		return ^uint64(0)
	}
	return 0
}

// not a syscall: no uint64 result
func (k *testKernel) Helper() {}

func newCaller(t *testing.T) (Caller, *vmspace.VMSpace) {
	r := object.NewRegistry(0)
	capgroup.RegisterTypes(r)
	vmspace.RegisterTypes(r)
	thread.RegisterType(r, models.Discard())
	o, err := capgroup.New(r, "test", 0)
	if err != nil {
		t.Fatal(err)
	}
	g := o.Payload().(*capgroup.CapGroup)
	to, _ := r.Alloc(object.TYPE_THREAD)
	th, err := thread.Init(to, g, 0, 0, thread.DEFAULT_PRIO, thread.TYPE_USER, thread.NO_AFF)
	if err != nil {
		t.Fatal(err)
	}
	space := th.VMSpace()
	pmo, _ := vmspace.NewPMO(r, vmspace.PAGE_SIZE, vmspace.PMO_ANONYM)
	if err := space.MapRange(0x1000, vmspace.PAGE_SIZE, vmspace.VMR_READ|vmspace.VMR_WRITE, pmo.Payload().(*vmspace.PMO), "test"); err != nil {
		t.Fatal(err)
	}
	return Caller{Thread: th}, space
}

func TestKernel(t *testing.T) {
	kernel := &testKernel{}
	ret := Lookup(kernel, "exit").Call(Caller{}, []uint64{43})
	if kernel.exitCode != 43 {
		t.Fatal("Syscall failed.")
	}
	if ret != 44 {
		t.Fatal("Syscall return failed.")
	}
}

func TestCallerAndCap(t *testing.T) {
	kernel := &testKernel{}
	c, _ := newCaller(t)
	sys := Lookup(kernel, "revoke_cap")
	if sys == nil || !sys.Caller || len(sys.In) != 1 {
		t.Fatalf("Lookup(revoke_cap) = %+v", sys)
	}
	sys.Call(c, []uint64{uint64(0xffffffff)})
	if kernel.lastCap != -1 {
		t.Fatalf("cap = %d, want -1", kernel.lastCap)
	}
	if kernel.caller.Thread != c.Thread {
		t.Fatal("Caller was not passed through")
	}
	if Lookup(kernel, "helper") != nil {
		t.Fatal("method without a uint64 result was registered")
	}
}

func TestBufUnpack(t *testing.T) {
	kernel := &testKernel{}
	c, space := newCaller(t)
	if err := NewBuf(space, 0x1100).Pack(&pair{A: 7, B: 0x1122334455}); err != nil {
		t.Fatal(err)
	}
	if ret := Lookup(kernel, "read_pair").Call(c, []uint64{0x1100}); ret != 0 {
		t.Fatalf("read_pair() = %#x, want 0", ret)
	}
	if kernel.got.A != 7 || kernel.got.B != 0x1122334455 {
		t.Fatalf("unpacked %+v", kernel.got)
	}
	if ret := Lookup(kernel, "read_pair").Call(c, []uint64{0x900000}); ret == 0 {
		t.Fatal("read_pair() of an unmapped pointer succeeded")
	}
}

func TestNames(t *testing.T) {
	names := Names(&testKernel{})
	want := []string{"exit", "read_pair", "revoke_cap"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", names, want)
		}
	}
}

func TestCamelToSnake(t *testing.T) {
	for in, want := range map[string]string{
		"CreateThread":  "create_thread",
		"SetTidAddress": "set_tid_address",
		"Yield":         "yield",
	} {
		if got := camelToSnakeCase(in); got != want {
			t.Fatalf("camelToSnakeCase(%q) = %q, want %q", in, got, want)
		}
	}
}
