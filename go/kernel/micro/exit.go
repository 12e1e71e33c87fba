package micro

import (
	"github.com/lunixbochs/capcorn/go/capgroup"
	co "github.com/lunixbochs/capcorn/go/kernel/common"
	"github.com/lunixbochs/capcorn/go/models/trace"
	"github.com/lunixbochs/capcorn/go/object"
	"github.com/lunixbochs/capcorn/go/thread"
)

// ThreadExit ends the calling thread. It never returns: the caller's core
// goes to the next thread and the caller's goroutine ends.
func (k *Kernel) ThreadExit(c co.Caller) uint64 {
	t := c.Thread
	g := t.Group()
	last := g.LeaveAndTest(t.MarkExiting)
	k.emit(&trace.OpExit{Tid: t.ID, Last: last})
	if last {
		k.Log.Debugf("%v: last thread of %s", t, g.Name)
		k.teardown(g, 0, t)
		k.handoff(c)
	}
	if addr := t.ClearChildTID(); addr != 0 {
		space := t.VMSpace()
		var zero [4]byte
		if err := space.Write(addr, zero[:]); err != nil {
			k.Log.Debugf("%v: clear_child_tid %#x: %v", t, addr, err)
		} else {
			k.Futexes.Wake(space, addr, 1)
		}
	}
	k.handoff(c)
	return 0
}

// ExitGroup ends every thread of the caller's group and revokes its table.
func (k *Kernel) ExitGroup(c co.Caller, code int32) uint64 {
	t := c.Thread
	g := t.Group()
	g.LeaveAndTest(t.MarkExiting)
	k.emit(&trace.OpExit{Tid: t.ID})
	k.teardown(g, int(code), t)
	k.handoff(c)
	return 0
}

// teardown marks every member of g exiting and finalizes the ones not on a
// core; running members are finalized when their core switches away. self,
// if set, is the exiting caller and is left to the scheduler. Unpublished
// members belong to their creator, which reaps them once it sees the mark.
func (k *Kernel) teardown(g *capgroup.CapGroup, code int, self *thread.Thread) {
	first := g.BeginTeardown(func(o *object.Object) bool {
		return o.Payload().(*thread.Thread).MarkExiting()
	})
	if !first {
		return
	}
	g.SetExitCode(code)
	members := g.Members()
	for _, o := range members {
		t := o.Payload().(*thread.Thread)
		if t == self || !t.Published() {
			continue
		}
		k.Futexes.Cancel(t)
		k.Sched.Reap(t)
	}
	revoked := g.RevokeAll()
	k.emit(&trace.OpExitGroup{Code: int32(code), Members: uint32(len(members)), Revoked: uint32(revoked), Group: g.Name})
	k.Log.Debugf("%s: exit_group(%d), %d members, %d caps revoked", g.Name, code, len(members), revoked)
	if g == k.root {
		k.doneOnce.Do(func() { close(k.done) })
	}
}
