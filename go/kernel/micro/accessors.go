package micro

import (
	"github.com/lunixbochs/capcorn/go/capgroup"
	co "github.com/lunixbochs/capcorn/go/kernel/common"
	"github.com/lunixbochs/capcorn/go/object"
	"github.com/lunixbochs/capcorn/go/thread"
)

// target resolves a thread cap, where 0 names the caller. The returned
// release func drops the reference the lookup took, if any.
func (k *Kernel) target(c co.Caller, cap capgroup.Cap) (*thread.Thread, func(), error) {
	if cap == 0 {
		return c.Thread, func() {}, nil
	}
	ref, err := capgroup.Acquire[*thread.Thread](c.Thread.Group(), cap, object.TYPE_THREAD)
	if err != nil {
		return nil, nil, err
	}
	return ref.Val(), ref.Put, nil
}

func (k *Kernel) SetAffinity(c co.Caller, cap capgroup.Cap, aff int32) uint64 {
	if aff != thread.NO_AFF && (aff < 0 || int(aff) >= k.Sched.NumCPU()) {
		return neg(EINVAL)
	}
	t, release, err := k.target(c, cap)
	if err != nil {
		return Errno(err)
	}
	defer release()
	t.Ctx().SetAffinity(aff)
	// move a queued thread to the queue of its new core
	if k.Sched.Dequeue(t) {
		if err := k.Sched.Enqueue(t); err != nil {
			k.Log.Debugf("requeue %v: %v", t, err)
		}
	}
	return 0
}

// GetAffinity returns the affinity, which is NO_AFF (-1) for an unbound
// thread.
func (k *Kernel) GetAffinity(c co.Caller, cap capgroup.Cap) uint64 {
	t, release, err := k.target(c, cap)
	if err != nil {
		return Errno(err)
	}
	defer release()
	return uint64(int64(t.Ctx().Affinity()))
}

// SetPrio only changes the caller's own priority.
func (k *Kernel) SetPrio(c co.Caller, cap capgroup.Cap, prio int32) uint64 {
	if cap != 0 {
		return neg(EINVAL)
	}
	if prio <= 0 || prio > thread.MAX_PRIO {
		return neg(EINVAL)
	}
	c.Thread.Ctx().SetPrio(uint32(prio))
	return 0
}

func (k *Kernel) GetPrio(c co.Caller, cap capgroup.Cap) uint64 {
	if cap != 0 {
		return neg(EINVAL)
	}
	return uint64(c.Thread.Ctx().Prio())
}

func (k *Kernel) SetTidAddress(c co.Caller, ptr co.Ptr) uint64 {
	c.Thread.SetClearChildTID(uint64(ptr))
	return 0
}
