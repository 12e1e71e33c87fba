package object

import (
	"github.com/pkg/errors"
)

// As is the checked downcast from an object to its payload type.
func As[T Payload](o *Object) (T, bool) {
	var zero T
	if o == nil || o.Dead() {
		return zero, false
	}
	v, ok := o.payload.(T)
	return v, ok
}

// Ref is an owning handle: it holds exactly one reference until Put.
type Ref[T Payload] struct {
	obj *Object
	val T
}

// Own wraps a reference the caller already holds. On a type mismatch the
// reference is dropped and an error returned.
func Own[T Payload](o *Object) (Ref[T], error) {
	v, ok := As[T](o)
	if !ok {
		if o != nil && !o.Dead() {
			o.Put()
		}
		return Ref[T]{}, errors.Errorf("object: %v is not the requested type", o)
	}
	return Ref[T]{obj: o, val: v}, nil
}

func (r Ref[T]) Val() T          { return r.val }
func (r Ref[T]) Object() *Object { return r.obj }
func (r Ref[T]) Valid() bool     { return r.obj != nil }

func (r *Ref[T]) Put() {
	if r.obj == nil {
		return
	}
	o := r.obj
	r.obj = nil
	o.Put()
}

// Weak is a non-owning back-reference. It is valid only while some other
// holder keeps the referent alive; Get on a reclaimed referent is a bug.
type Weak[T Payload] struct {
	obj *Object
}

func WeakOf[T Payload](o *Object) Weak[T] {
	if _, ok := As[T](o); !ok {
		panic(&Bug{errors.Errorf("object: weak reference to %v of wrong type", o)})
	}
	return Weak[T]{obj: o}
}

func (w Weak[T]) Get() T {
	v, ok := As[T](w.obj)
	if !ok {
		panic(&Bug{errors.Errorf("object: weak reference to reclaimed %v", w.obj)})
	}
	return v
}

func (w Weak[T]) Object() *Object { return w.obj }
func (w Weak[T]) Valid() bool     { return w.obj != nil && !w.obj.Dead() }
