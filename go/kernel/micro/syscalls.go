package micro

import (
	"github.com/lunixbochs/capcorn/go/capgroup"
	"github.com/lunixbochs/capcorn/go/futex"
	co "github.com/lunixbochs/capcorn/go/kernel/common"
	"github.com/lunixbochs/capcorn/go/models/trace"
	"github.com/lunixbochs/capcorn/go/object"
	"github.com/lunixbochs/capcorn/go/thread"
	"github.com/lunixbochs/capcorn/go/vmspace"
)

// CreateCapGroup makes an empty group with a fresh address space and
// returns its cap in the caller's table.
func (k *Kernel) CreateCapGroup(c co.Caller) uint64 {
	o, err := capgroup.New(k.Reg, k.groupName(), k.Config.CapSlots)
	if err != nil {
		return Errno(err)
	}
	g := o.Payload().(*capgroup.CapGroup)
	cap, err := c.Thread.Group().Alloc(o.Get())
	if err != nil {
		o.Put()
		g.RevokeAll()
		return Errno(err)
	}
	k.emit(&trace.OpCreateGroup{Cap: int32(cap), Name: g.Name})
	return uint64(cap)
}

// RevokeCap drops a cap from the caller's table. The group and vmspace
// slots cannot be revoked this way.
func (k *Kernel) RevokeCap(c co.Caller, cap capgroup.Cap) uint64 {
	if cap == capgroup.CAP_GROUP_OBJ_ID || cap == capgroup.VMSPACE_OBJ_ID {
		return neg(EINVAL)
	}
	g := c.Thread.Group()
	o, err := g.Get(cap, object.TYPE_NONE)
	if err != nil {
		return Errno(err)
	}
	defer o.Put()
	if err := g.Revoke(cap); err != nil {
		return Errno(err)
	}
	// a group that never got a thread is only kept alive by its own slot 0
	if child, ok := object.As[*capgroup.CapGroup](o); ok && o.Refcount() == 2 && child.Check(nil).Linked == 0 {
		child.RevokeAll()
	}
	return 0
}

// Futex waits on or wakes the int32 at uaddr in the caller's vmspace.
func (k *Kernel) Futex(c co.Caller, uaddr co.Ptr, op, val int32) uint64 {
	t := c.Thread
	space := t.VMSpace()
	switch op {
	case futex.FUTEX_WAIT:
		err := k.Futexes.Wait(t, space, uint64(uaddr), val, func(w *thread.Thread) {
			if err := k.Sched.Enqueue(w); err != nil {
				k.Log.Debugf("futex wake %v: %v", w, err)
			}
		})
		if err != nil {
			return Errno(err)
		}
		cpu := k.Sched.Reschedule(c.CPU, t)
		k.checkKill(co.Caller{CPU: cpu, Thread: t})
		return 0
	case futex.FUTEX_WAKE:
		return uint64(k.Futexes.Wake(space, uint64(uaddr), int(val)))
	}
	return neg(EINVAL)
}

// Yield gives up the core, keeping the caller runnable.
func (k *Kernel) Yield(c co.Caller) uint64 {
	cpu := k.Sched.Reschedule(c.CPU, c.Thread)
	k.checkKill(co.Caller{CPU: cpu, Thread: c.Thread})
	return 0
}

// MapPmo backs size bytes with a new anonymous PMO and maps it at addr, or
// at a free address if addr is 0. The PMO's cap goes to the caller's table.
func (k *Kernel) MapPmo(c co.Caller, addr co.Ptr, size co.Len, prot int32) uint64 {
	if size == 0 || uint64(addr)%vmspace.PAGE_SIZE != 0 {
		return neg(EINVAL)
	}
	if prot == 0 {
		prot = vmspace.VMR_READ | vmspace.VMR_WRITE
	}
	o, err := vmspace.NewPMO(k.Reg, uint64(size), vmspace.PMO_ANONYM)
	if err != nil {
		return Errno(err)
	}
	pmo := o.Payload().(*vmspace.PMO)
	space := c.Thread.VMSpace()
	vaddr := uint64(addr)
	if vaddr == 0 {
		vaddr = space.FindFree(pmo.Size)
	}
	if err := space.MapRange(vaddr, pmo.Size, int(prot), pmo, "pmo"); err != nil {
		k.Reg.Free(o)
		return Errno(err)
	}
	if _, err := c.Thread.Group().Alloc(o); err != nil {
		space.Unmap(vaddr, pmo.Size)
		k.Reg.Free(o)
		return Errno(err)
	}
	return vaddr
}
