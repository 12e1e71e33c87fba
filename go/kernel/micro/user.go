package micro

import (
	"encoding/binary"

	co "github.com/lunixbochs/capcorn/go/kernel/common"
	"github.com/lunixbochs/capcorn/go/models/trace"
	"github.com/lunixbochs/capcorn/go/object"
	"github.com/lunixbochs/capcorn/go/thread"
)

// User is what a Program sees of its thread: the registers it started
// with, its address space and the syscall trap.
type User struct {
	k *Kernel
	t *thread.Thread
}

func (u *User) Kernel() *Kernel        { return u.k }
func (u *User) Thread() *thread.Thread { return u.t }
func (u *User) Arg() uint64            { return u.t.Ctx().Regs.Arg0 }
func (u *User) TLS() uint64            { return u.t.Ctx().Regs.TLS }
func (u *User) CPU() int               { return u.t.Ctx().CPU() }

// Syscall traps into the kernel. Calls that end the thread do not return.
func (u *User) Syscall(name string, args ...uint64) uint64 {
	return u.k.trap(u.k.caller(u.t), name, args)
}

func (u *User) Read(addr uint64, p []byte) error  { return u.t.VMSpace().Read(addr, p) }
func (u *User) Write(addr uint64, p []byte) error { return u.t.VMSpace().Write(addr, p) }

func (u *User) Load32(addr uint64) (int32, error) {
	var tmp [4]byte
	if err := u.Read(addr, tmp[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(tmp[:])), nil
}

func (u *User) Store32(addr uint64, v int32) error {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	return u.Write(addr, tmp[:])
}

// Add32 atomically adds delta to the word at addr and returns the result.
func (u *User) Add32(addr uint64, delta int32) (int32, error) {
	return u.t.VMSpace().Add32(addr, delta)
}

// Pack writes a struc-tagged value, such as ThreadArgs, to user memory.
func (u *User) Pack(addr uint64, v interface{}) error {
	return co.NewBuf(u.t.VMSpace(), addr).Pack(v)
}

// trap runs one syscall for c. A kernel bug inside the handler kills the
// calling thread instead of the machine.
func (k *Kernel) trap(c co.Caller, name string, args []uint64) (ret uint64) {
	k.checkKill(c)
	sys := co.Lookup(k, name)
	if sys == nil {
		k.Log.Debugf("%v: unknown syscall %q", c.Thread, name)
		return neg(ENOSYS)
	}
	if len(args) < len(sys.In) {
		args = append(args, make([]uint64, len(sys.In)-len(args))...)
	}
	defer func() {
		if r := recover(); r != nil {
			bug, ok := r.(*object.Bug)
			if !ok {
				panic(r)
			}
			k.Log.Bugf("%v: %s: %+v", c.Thread, name, bug.Err)
			k.ThreadExit(k.caller(c.Thread))
		}
	}()
	if k.Config.TraceSys {
		k.Log.Infof("[%d] %s", c.Thread.ID, sys.Trace(args))
	}
	ret = sys.Call(c, args)
	if k.Config.TraceSys {
		k.Log.Infof("[%d] %s%s", c.Thread.ID, name, sys.TraceRet(ret))
	}
	k.emit(&trace.OpSyscall{Tid: c.Thread.ID, Ret: ret, Args: args, Name: name})
	return ret
}

// runThread is the body of a thread's goroutine. It waits for the first
// dispatch, runs the program registered for the thread's entry pc and
// exits the thread when the program returns.
func (k *Kernel) runThread(t *thread.Thread) {
	if t.Ctx().Park() < 0 {
		return
	}
	u := &User{k: k, t: t}
	if p := k.program(t.Ctx().Regs.PC); p != nil {
		p(u)
	} else {
		k.Log.Warnf("%v: nothing at pc %#x", t, t.Ctx().Regs.PC)
	}
	u.Syscall("thread_exit")
}
