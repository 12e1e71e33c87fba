package object

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

type Type uint8

const (
	TYPE_NONE Type = iota
	TYPE_CAP_GROUP
	TYPE_THREAD
	TYPE_VMSPACE
	TYPE_PMO
	typeCount
)

var typeNames = [...]string{"none", "cap_group", "thread", "vmspace", "pmo"}

func (t Type) String() string {
	if t < typeCount {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

var ErrNoMem = errors.New("out of kernel memory")

// Payload is the typed body of a kernel object. Only types registered with a
// Registry can be allocated, which keeps the set of variants closed.
type Payload interface {
	ObjType() Type
}

type Ops struct {
	// Size is charged against the kernel memory budget for every live object.
	Size int
	New  func() Payload
	// Deinit runs once, when the last reference is dropped.
	Deinit func(o *Object)
}

// Registry hands out reference-counted kernel objects and accounts for their
// storage. A limit of 0 means the budget is unbounded.
type Registry struct {
	mu    sync.RWMutex
	ops   [typeCount]*Ops
	limit int64
	used  atomic.Int64
	live  atomic.Int64
}

func NewRegistry(limit int64) *Registry {
	return &Registry{limit: limit}
}

func (r *Registry) Register(t Type, ops Ops) {
	if t == TYPE_NONE || t >= typeCount {
		panic(fmt.Sprintf("object: cannot register %s", t))
	}
	if ops.New == nil {
		panic(fmt.Sprintf("object: %s registered without constructor", t))
	}
	r.mu.Lock()
	r.ops[t] = &ops
	r.mu.Unlock()
}

func (r *Registry) lookup(t Type) *Ops {
	if t >= typeCount {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ops[t]
}

func (r *Registry) charge(n int64) bool {
	for {
		cur := r.used.Load()
		if r.limit > 0 && cur+n > r.limit {
			return false
		}
		if r.used.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

// Kmalloc charges size bytes of raw kernel memory (kernel stacks, ipc buffers).
func (r *Registry) Kmalloc(size int) error {
	if !r.charge(int64(size)) {
		return errors.Wrapf(ErrNoMem, "kmalloc(%d)", size)
	}
	return nil
}

func (r *Registry) Kfree(size int) {
	r.used.Add(-int64(size))
}

// Alloc returns a zeroed object of type t holding one reference.
func (r *Registry) Alloc(t Type) (*Object, error) {
	ops := r.lookup(t)
	if ops == nil {
		return nil, errors.Errorf("object: alloc of unregistered %s", t)
	}
	if !r.charge(int64(ops.Size)) {
		return nil, errors.Wrapf(ErrNoMem, "alloc %s", t)
	}
	p := ops.New()
	if p.ObjType() != t {
		r.Kfree(ops.Size)
		panic(&Bug{errors.Errorf("object: %s constructor built a %s", t, p.ObjType())})
	}
	o := &Object{typ: t, reg: r, payload: p}
	o.refcnt.Store(1)
	r.live.Add(1)
	return o, nil
}

// Free reclaims an object that was never published through a capability.
// The destructor is not run; the caller has unwound whatever it built.
func (r *Registry) Free(o *Object) {
	if o == nil {
		return
	}
	if n := o.refcnt.Load(); n != 1 {
		panic(&Bug{errors.Errorf("object: free of %s with refcount %d", o.typ, n)})
	}
	o.refcnt.Store(0)
	r.reclaim(o)
}

func (r *Registry) reclaim(o *Object) {
	if !o.dead.CompareAndSwap(false, true) {
		panic(&Bug{errors.Errorf("object: double reclaim of %s", o.typ)})
	}
	if ops := r.lookup(o.typ); ops != nil {
		r.Kfree(ops.Size)
	}
	r.live.Add(-1)
}

// Used reports the bytes currently charged against the budget.
func (r *Registry) Used() int64 { return r.used.Load() }

// Live reports the number of objects not yet reclaimed.
func (r *Registry) Live() int64 { return r.live.Load() }

type Object struct {
	typ     Type
	reg     *Registry
	refcnt  atomic.Int64
	payload Payload
	dead    atomic.Bool
}

func (o *Object) Type() Type          { return o.typ }
func (o *Object) Payload() Payload    { return o.payload }
func (o *Object) Refcount() int64     { return o.refcnt.Load() }
func (o *Object) Dead() bool          { return o.dead.Load() }
func (o *Object) String() string      { return fmt.Sprintf("%s@%p", o.typ, o) }
func (o *Object) Registry() *Registry { return o.reg }

// Get takes an additional reference. The caller must already hold one.
func (o *Object) Get() *Object {
	if n := o.refcnt.Add(1); n <= 1 {
		panic(&Bug{errors.Errorf("object: get on released %s", o.typ)})
	}
	return o
}

// Put drops a reference; the last one runs the destructor and reclaims storage.
func (o *Object) Put() {
	n := o.refcnt.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		panic(&Bug{errors.Errorf("object: refcount underflow on %s", o.typ)})
	}
	if ops := o.reg.lookup(o.typ); ops != nil && ops.Deinit != nil {
		ops.Deinit(o)
	}
	o.reg.reclaim(o)
}
