package capgroup

import (
	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/object"
)

// reserved marks a slot handed out by Reserve and not yet filled.
var reserved = &object.Object{}

func (g *CapGroup) allocLocked(o *object.Object) (Cap, error) {
	if n := len(g.free); n > 0 {
		c := g.free[n-1]
		g.free = g.free[:n-1]
		g.slots[c] = o
		return c, nil
	}
	if len(g.slots) >= g.maxSlots {
		return -1, errors.Wrapf(ErrNoSlot, "%s: %d slots", g.Name, g.maxSlots)
	}
	g.slots = append(g.slots, o)
	return Cap(len(g.slots) - 1), nil
}

// Alloc publishes o in the table. The caller's reference moves into the slot.
func (g *CapGroup) Alloc(o *object.Object) (Cap, error) {
	g.slotMu.Lock()
	defer g.slotMu.Unlock()
	return g.allocLocked(o)
}

// Reserve claims a slot that resolves to nothing until Fill.
func (g *CapGroup) Reserve() (Cap, error) {
	g.slotMu.Lock()
	defer g.slotMu.Unlock()
	return g.allocLocked(reserved)
}

// Fill publishes o in a reserved slot, taking over the caller's reference.
// It returns false, leaving the reference with the caller, if the table was
// revoked since Reserve.
func (g *CapGroup) Fill(c Cap, o *object.Object) bool {
	g.slotMu.Lock()
	defer g.slotMu.Unlock()
	if c < 0 || int(c) >= len(g.slots) || g.slots[c] != reserved {
		return false
	}
	g.slots[c] = o
	return true
}

// Release returns a reserved slot unused.
func (g *CapGroup) Release(c Cap) {
	g.slotMu.Lock()
	defer g.slotMu.Unlock()
	if c >= 0 && int(c) < len(g.slots) && g.slots[c] == reserved {
		g.slots[c] = nil
		g.free = append(g.free, c)
	}
}

func (g *CapGroup) occupied(c Cap) bool {
	return c >= 0 && int(c) < len(g.slots) && g.slots[c] != nil && g.slots[c] != reserved
}

// Get resolves c and returns the object with an extra reference held.
// typ of TYPE_NONE accepts any object.
func (g *CapGroup) Get(c Cap, typ object.Type) (*object.Object, error) {
	g.slotMu.Lock()
	defer g.slotMu.Unlock()
	if !g.occupied(c) {
		return nil, errors.Wrapf(ErrInvalidCap, "%s: cap %d", g.Name, c)
	}
	o := g.slots[c]
	if typ != object.TYPE_NONE && o.Type() != typ {
		return nil, errors.Wrapf(ErrInvalidCap, "%s: cap %d is %s, want %s", g.Name, c, o.Type(), typ)
	}
	return o.Get(), nil
}

// Acquire is the typed form of Get.
func Acquire[T object.Payload](g *CapGroup, c Cap, typ object.Type) (object.Ref[T], error) {
	o, err := g.Get(c, typ)
	if err != nil {
		return object.Ref[T]{}, err
	}
	ref, err := object.Own[T](o)
	if err != nil {
		return ref, errors.Wrapf(ErrInvalidCap, "%s: cap %d: %v", g.Name, c, err)
	}
	return ref, nil
}

// Copy grants dst a capability to the object src names by c.
func Copy(src, dst *CapGroup, c Cap) (Cap, error) {
	o, err := src.Get(c, object.TYPE_NONE)
	if err != nil {
		return -1, err
	}
	nc, err := dst.Alloc(o)
	if err != nil {
		o.Put()
		return -1, err
	}
	return nc, nil
}

// Revoke empties slot c and drops the reference it held.
func (g *CapGroup) Revoke(c Cap) error {
	g.slotMu.Lock()
	if !g.occupied(c) {
		g.slotMu.Unlock()
		return errors.Wrapf(ErrInvalidCap, "%s: revoke cap %d", g.Name, c)
	}
	o := g.slots[c]
	g.slots[c] = nil
	g.free = append(g.free, c)
	g.slotMu.Unlock()
	o.Put()
	return nil
}

// RevokeObject revokes c only if it still names o.
func (g *CapGroup) RevokeObject(c Cap, o *object.Object) bool {
	g.slotMu.Lock()
	if !g.occupied(c) || g.slots[c] != o {
		g.slotMu.Unlock()
		return false
	}
	g.slots[c] = nil
	g.free = append(g.free, c)
	g.slotMu.Unlock()
	o.Put()
	return true
}

// RevokeAll empties the table, returning the number of slots revoked.
func (g *CapGroup) RevokeAll() int {
	g.slotMu.Lock()
	slots := g.slots
	g.slots = nil
	g.free = nil
	g.slotMu.Unlock()
	n := 0
	for _, o := range slots {
		if o != nil && o != reserved {
			n++
			o.Put()
		}
	}
	return n
}

// Caps reports the number of occupied slots, reservations included.
func (g *CapGroup) Caps() int {
	g.slotMu.Lock()
	defer g.slotMu.Unlock()
	return len(g.slots) - len(g.free)
}

// Each calls fn on every published capability in slot order.
func (g *CapGroup) Each(fn func(Cap, *object.Object)) {
	g.slotMu.Lock()
	slots := append([]*object.Object(nil), g.slots...)
	g.slotMu.Unlock()
	for i, o := range slots {
		if o != nil && o != reserved {
			fn(Cap(i), o)
		}
	}
}
