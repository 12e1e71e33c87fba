package capgroup

import (
	"container/list"
	"sync"

	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/object"
)

// Cap is a capability id: an index into one group's table.
type Cap int32

const (
	CAP_GROUP_OBJ_ID Cap = 0
	VMSPACE_OBJ_ID   Cap = 1
)

const DEFAULT_SLOTS = 256

var (
	ErrInvalidCap = errors.New("invalid capability")
	ErrNoSlot     = errors.New("capability table full")
	ErrExiting    = errors.New("cap group is exiting")
)

// threadSet is the membership list and live counter. Both fields are only
// touched with the embedded mutex held.
type threadSet struct {
	sync.Mutex
	list    list.List
	cnt     int
	exiting bool
	torn    bool
}

// CapGroup is a protection domain: a capability table plus the threads
// running inside it.
type CapGroup struct {
	Name string

	self  *object.Object
	space *object.Object

	slotMu   sync.Mutex
	slots    []*object.Object
	free     []Cap
	maxSlots int

	threads threadSet

	exitMu   sync.Mutex
	exitCode int
}

func (g *CapGroup) ObjType() object.Type { return object.TYPE_CAP_GROUP }

func RegisterTypes(r *object.Registry) {
	r.Register(object.TYPE_CAP_GROUP, object.Ops{
		Size: 512,
		New:  func() object.Payload { return &CapGroup{} },
		Deinit: func(o *object.Object) {
			g := o.Payload().(*CapGroup)
			g.RevokeAll()
			if g.space != nil {
				g.space.Put()
				g.space = nil
			}
		},
	})
}

// New creates a group with an empty address space. Slot 0 holds the group
// itself and slot 1 its vmspace, and the group keeps its own reference
// to the vmspace until it is destroyed. The returned object carries no reference
// of its own, so callers that keep it must Get or Copy.
func New(r *object.Registry, name string, slots int) (*object.Object, error) {
	if slots <= 0 {
		slots = DEFAULT_SLOTS
	}
	o, err := r.Alloc(object.TYPE_CAP_GROUP)
	if err != nil {
		return nil, errors.Wrap(err, "alloc cap_group")
	}
	g := o.Payload().(*CapGroup)
	g.Name = name
	g.self = o
	g.maxSlots = slots
	vm, err := r.Alloc(object.TYPE_VMSPACE)
	if err != nil {
		r.Free(o)
		return nil, errors.Wrap(err, "alloc vmspace")
	}
	if _, err := g.Alloc(o); err != nil {
		r.Free(vm)
		r.Free(o)
		return nil, err
	}
	if _, err := g.Alloc(vm); err != nil {
		r.Free(vm)
		g.RevokeAll()
		return nil, err
	}
	// the address space outlives any revocation of slot 1
	g.space = vm.Get()
	return o, nil
}

func (g *CapGroup) Object() *object.Object { return g.self }

// VMSpace returns the group's address space object without a new reference.
func (g *CapGroup) VMSpace() *object.Object { return g.space }

func (g *CapGroup) SetExitCode(code int) {
	g.exitMu.Lock()
	g.exitCode = code
	g.exitMu.Unlock()
}

func (g *CapGroup) ExitCode() int {
	g.exitMu.Lock()
	defer g.exitMu.Unlock()
	return g.exitCode
}
