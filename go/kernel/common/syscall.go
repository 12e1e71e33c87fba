package common

import (
	"fmt"
	"reflect"

	"github.com/lunixbochs/capcorn/go/sched"
	"github.com/lunixbochs/capcorn/go/thread"
)

// Caller is the core-local context of a trap: the core it arrived on and
// the thread that was current there.
type Caller struct {
	CPU    *sched.CPU
	Thread *thread.Thread
}

type Syscall struct {
	Name     string
	Kernel   *KernelBase
	Instance reflect.Value
	Method   reflect.Method
	In       []reflect.Type
	Out      []reflect.Type
	Caller   bool
}

var (
	bufType  = reflect.TypeOf(Buf{})
	obufType = reflect.TypeOf(Obuf{})
)

// bind points user buffers at the calling thread's address space.
func bind(c Caller, vals []reflect.Value) {
	if c.Thread == nil {
		return
	}
	space := c.Thread.VMSpace()
	for i, v := range vals {
		switch v.Type() {
		case bufType:
			b := v.Interface().(Buf)
			b.Space = space
			vals[i] = reflect.ValueOf(b)
		case obufType:
			b := v.Interface().(Obuf)
			b.Space = space
			vals[i] = reflect.ValueOf(b)
		}
	}
}

func (sys Syscall) convert(c Caller, args []uint64) ([]reflect.Value, error) {
	converted, err := sys.Kernel.Argjoy.Convert(sys.In, false, args)
	if err != nil {
		return nil, err
	}
	bind(c, converted)
	return converted, nil
}

// Call a syscall from the dispatch table. Will panic() if anything goes terribly wrong.
func (sys Syscall) Call(c Caller, args []uint64) uint64 {
	extraArgs := 1
	if sys.Caller {
		extraArgs += 1
	}
	in := make([]reflect.Value, len(sys.In)+extraArgs)
	in[0] = sys.Instance
	if sys.Caller {
		in[1] = reflect.ValueOf(c)
	}
	// convert syscall arguments
	converted, err := sys.convert(c, args)
	if err != nil {
		msg := fmt.Sprintf("calling %T.%s(): %s", sys.Instance.Interface(), sys.Method.Name, err)
		panic(msg)
	}
	copy(in[extraArgs:], converted)
	// call handler function
	out := sys.Method.Func.Call(in)
	if len(out) > 0 && out[0].Type().ConvertibleTo(Uint64Type) {
		return out[0].Convert(Uint64Type).Uint()
	}
	return 0
}
