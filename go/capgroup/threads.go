package capgroup

import (
	"container/list"

	"github.com/lunixbochs/capcorn/go/object"
)

// Node is a thread's link in its group's membership list.
type Node struct {
	e *list.Element
}

func (n *Node) Linked() bool { return n != nil && n.e != nil }

// link must be called with g.threads held. The group pins itself while it
// has members, since those members only hold weak references to it.
func (g *CapGroup) link(o *object.Object) *Node {
	if g.threads.list.Len() == 0 {
		g.self.Get()
	}
	g.threads.cnt++
	return &Node{e: g.threads.list.PushBack(o)}
}

// unlink must be called with g.threads held; it reports whether the caller
// must drop the group's self pin after unlocking.
func (g *CapGroup) unlink(n *Node) bool {
	g.threads.list.Remove(n.e)
	n.e = nil
	return g.threads.list.Len() == 0
}

func (g *CapGroup) RegisterThread(o *object.Object) *Node {
	g.threads.Lock()
	defer g.threads.Unlock()
	return g.link(o)
}

// RegisterThreadIf links o only if admit, evaluated under the membership
// lock, returns true. Admission also fails once the group began teardown.
func (g *CapGroup) RegisterThreadIf(o *object.Object, admit func() bool) (*Node, bool) {
	g.threads.Lock()
	defer g.threads.Unlock()
	if g.threads.exiting || !admit() {
		return nil, false
	}
	return g.link(o), true
}

// DeregisterThread unlinks a thread being destroyed. The live counter was
// already dropped when the thread started exiting.
func (g *CapGroup) DeregisterThread(n *Node) error {
	g.threads.Lock()
	if !n.Linked() {
		g.threads.Unlock()
		return object.Violationf("%s: deregister of unlinked thread", g.Name)
	}
	unpin := g.unlink(n)
	g.threads.Unlock()
	if unpin {
		g.self.Put()
	}
	return nil
}

// Withdraw undoes a registration that was never published. leave runs
// under the lock like in LeaveAndTest; a nil leave always decrements. It
// reports whether the live counter reached zero, in which case the caller
// owns the group's teardown.
func (g *CapGroup) Withdraw(n *Node, leave func() bool) bool {
	g.threads.Lock()
	if !n.Linked() {
		g.threads.Unlock()
		return false
	}
	zero := false
	if leave == nil || leave() {
		g.threads.cnt--
		zero = g.threads.cnt == 0 && !g.threads.exiting
		if zero {
			g.threads.exiting = true
		}
	}
	unpin := g.unlink(n)
	g.threads.Unlock()
	if unpin {
		g.self.Put()
	}
	return zero
}

// DecrementAndTest drops the live counter and reports whether it hit zero.
// Reaching zero starts teardown: later admissions fail.
func (g *CapGroup) DecrementAndTest() bool {
	return g.LeaveAndTest(nil)
}

// LeaveAndTest runs leave and the decrement in one critical section, so the
// counter always matches the number of live members outside the lock. If
// leave reports the member was no longer live, nothing is decremented.
func (g *CapGroup) LeaveAndTest(leave func() bool) bool {
	g.threads.Lock()
	defer g.threads.Unlock()
	if leave != nil && !leave() {
		return false
	}
	g.threads.cnt--
	if g.threads.cnt < 0 {
		panic(&object.Bug{Err: object.Violationf("%s: thread count underflow", g.Name)})
	}
	if g.threads.cnt == 0 {
		g.threads.exiting = true
		return true
	}
	return false
}

// BeginTeardown closes the group to new members and calls mark on every
// linked member; members for which mark returns true stop counting as live.
// Only the first call reports true, and only that caller tears the group
// down.
func (g *CapGroup) BeginTeardown(mark func(*object.Object) bool) bool {
	g.threads.Lock()
	defer g.threads.Unlock()
	first := !g.threads.torn
	g.threads.torn = true
	g.threads.exiting = true
	for e := g.threads.list.Front(); e != nil; e = e.Next() {
		if mark(e.Value.(*object.Object)) {
			g.threads.cnt--
		}
	}
	return first
}

// TornDown reports whether BeginTeardown ran.
func (g *CapGroup) TornDown() bool {
	g.threads.Lock()
	defer g.threads.Unlock()
	return g.threads.torn
}

func (g *CapGroup) Exiting() bool {
	g.threads.Lock()
	defer g.threads.Unlock()
	return g.threads.exiting
}

// Members returns the linked threads' objects in registration order.
func (g *CapGroup) Members() []*object.Object {
	g.threads.Lock()
	defer g.threads.Unlock()
	out := make([]*object.Object, 0, g.threads.list.Len())
	for e := g.threads.list.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*object.Object))
	}
	return out
}

type Snapshot struct {
	Count  int
	Linked int
	Live   int
}

// Check samples the membership under the lock; live classifies members.
func (g *CapGroup) Check(live func(*object.Object) bool) Snapshot {
	g.threads.Lock()
	defer g.threads.Unlock()
	s := Snapshot{Count: g.threads.cnt, Linked: g.threads.list.Len()}
	for e := g.threads.list.Front(); e != nil; e = e.Next() {
		if live == nil || live(e.Value.(*object.Object)) {
			s.Live++
		}
	}
	return s
}
