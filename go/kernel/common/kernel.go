package common

import (
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/lunixbochs/argjoy"
	"github.com/lunixbochs/fvbommel-util/sortorder"
)

type KernelBase struct {
	Syscalls map[string]Syscall
	Argjoy   argjoy.Argjoy

	once sync.Once
}

func (k *KernelBase) CapcornKernel() *KernelBase {
	return k
}

type Kernel interface {
	CapcornKernel() *KernelBase
}

var callerType = reflect.TypeOf(Caller{})

func camelToSnakeCase(name string) string {
	var words []string
	last := 0
	for i, c := range name {
		if unicode.IsUpper(c) {
			if i > 0 {
				words = append(words, name[last:i])
			}
			last = i
		}
	}
	words = append(words, name[last:])
	return strings.ToLower(strings.Join(words, "_"))
}

// syscall handlers are the exported methods whose first return is uint64
var Uint64Type = reflect.TypeOf(uint64(0))

func initKernel(kf Kernel) {
	k := kf.CapcornKernel()
	k.Syscalls = make(map[string]Syscall)
	instance := reflect.ValueOf(kf)
	typ := instance.Type()
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		name := method.Name
		if strings.HasPrefix(name, "Literal") {
			name = strings.Replace(name, "Literal", "", 1)
		} else if r, size := utf8.DecodeRuneInString(name); size <= 0 || !unicode.IsUpper(r) {
			// skip private or broken unicode methods
			continue
		}
		if method.Type.NumOut() == 0 || method.Type.Out(0) != Uint64Type {
			continue
		}
		name = camelToSnakeCase(name)
		in := make([]reflect.Type, method.Type.NumIn()-1)
		for j := 1; j < method.Type.NumIn(); j++ {
			in[j-1] = method.Type.In(j)
		}
		caller := false
		if len(in) > 0 && in[0] == callerType {
			caller = true
			in = in[1:]
		}
		out := make([]reflect.Type, method.Type.NumOut())
		for j := 0; j < method.Type.NumOut(); j++ {
			out[j] = method.Type.Out(j)
		}
		k.Syscalls[name] = Syscall{
			Name:     name,
			Kernel:   k,
			Instance: instance,
			Method:   method,
			In:       in,
			Out:      out,
			Caller:   caller,
		}
	}
	k.Argjoy.Register(commonArgCodec)
	k.Argjoy.Register(argjoy.IntToInt)
}

func Lookup(kf Kernel, name string) *Syscall {
	k := kf.CapcornKernel()
	k.once.Do(func() { initKernel(kf) })
	if sys, ok := k.Syscalls[name]; ok {
		return &sys
	}
	return nil
}

// Names lists the syscall table in natural order.
func Names(kf Kernel) []string {
	k := kf.CapcornKernel()
	k.once.Do(func() { initKernel(kf) })
	names := make([]string, 0, len(k.Syscalls))
	for name := range k.Syscalls {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return sortorder.NaturalLess(names[i], names[j]) })
	return names
}
