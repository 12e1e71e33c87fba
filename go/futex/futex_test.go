package futex

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/capgroup"
	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/object"
	"github.com/lunixbochs/capcorn/go/thread"
	"github.com/lunixbochs/capcorn/go/vmspace"
)

const word = 0x10000

func setup(t *testing.T, n int) (*vmspace.VMSpace, []*thread.Thread) {
	r := object.NewRegistry(0)
	capgroup.RegisterTypes(r)
	vmspace.RegisterTypes(r)
	thread.RegisterType(r, models.Discard())
	o, err := capgroup.New(r, "test", 0)
	if err != nil {
		t.Fatal(err)
	}
	g := o.Payload().(*capgroup.CapGroup)
	space := g.VMSpace().Payload().(*vmspace.VMSpace)
	pmo, err := vmspace.NewPMO(r, vmspace.PAGE_SIZE, vmspace.PMO_ANONYM)
	if err != nil {
		t.Fatal(err)
	}
	if err := space.MapRange(word, vmspace.PAGE_SIZE, vmspace.VMR_READ|vmspace.VMR_WRITE, pmo.Payload().(*vmspace.PMO), "futex"); err != nil {
		t.Fatal(err)
	}
	var threads []*thread.Thread
	for i := 0; i < n; i++ {
		to, _ := r.Alloc(object.TYPE_THREAD)
		th, err := thread.Init(to, g, 0, 0, thread.DEFAULT_PRIO, thread.TYPE_USER, thread.NO_AFF)
		if err != nil {
			t.Fatal(err)
		}
		threads = append(threads, th)
	}
	return space, threads
}

func TestWaitMismatch(t *testing.T) {
	space, th := setup(t, 1)
	f := New()
	err := f.Wait(th[0], space, word, 1, nil)
	if errors.Cause(err) != ErrAgain {
		t.Fatalf("Wait() err = %v, want ErrAgain", err)
	}
	if th[0].State() == thread.TS_WAITING {
		t.Fatal("mismatched Wait() blocked the thread")
	}
	if err := f.Wait(th[0], space, 0x900000, 0, nil); err == nil {
		t.Fatal("Wait() on an unmapped word succeeded")
	}
}

func TestWakeOrder(t *testing.T) {
	space, th := setup(t, 3)
	f := New()
	var woke []*thread.Thread
	cb := func(t *thread.Thread) { woke = append(woke, t) }
	for _, v := range th {
		if err := f.Wait(v, space, word, 0, cb); err != nil {
			t.Fatal(err)
		}
		if v.State() != thread.TS_WAITING {
			t.Fatalf("State() = %v, want waiting", v.State())
		}
	}
	if n := f.Wake(space, word, 2); n != 2 {
		t.Fatalf("Wake(2) = %d, want 2", n)
	}
	if len(woke) != 2 || woke[0] != th[0] || woke[1] != th[1] {
		t.Fatalf("woke %v, want first two waiters", woke)
	}
	if f.Waiters(space, word) != 1 {
		t.Fatalf("Waiters() = %d, want 1", f.Waiters(space, word))
	}
	if !f.Cancel(th[2]) || f.Cancel(th[2]) {
		t.Fatal("Cancel() must remove the waiter exactly once")
	}
	if n := f.Wake(space, word, 1); n != 0 {
		t.Fatalf("Wake() after cancel = %d, want 0", n)
	}
}
