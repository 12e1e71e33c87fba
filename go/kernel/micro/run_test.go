package micro

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lunixbochs/capcorn/go/futex"
	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/models/trace"
	"github.com/lunixbochs/capcorn/go/thread"
	"github.com/lunixbochs/capcorn/go/vmspace"
)

// boot runs the machine with root as the root thread's program until the
// root group is gone and every object it owned has been reclaimed.
func boot(t *testing.T, k *Kernel, root Program) {
	k.Program(rootPC, root)
	if _, err := k.CreateRootThread(0, rootPC, 0); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- k.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-errc; err != nil {
			t.Fatalf("Run() = %v", err)
		}
	}()

	deadline := time.After(10 * time.Second)
	select {
	case <-k.Done():
	case <-deadline:
		t.Fatal("root group never exited")
	}
	for k.Reg.Live() != 0 {
		select {
		case <-deadline:
			t.Fatalf("%d objects still live after exit", k.Reg.Live())
		case <-time.After(time.Millisecond):
		}
	}
}

// spawn maps a page for the thread's argument block and creates a thread
// at pc in the caller's group.
func spawn(u *User, pc uint64, typ thread.Type, clearTID uint64) uint64 {
	page := u.Syscall("map_pmo", 0, vmspace.PAGE_SIZE, 0)
	a := ThreadArgs{PC: pc, Arg: page, Prio: thread.DEFAULT_PRIO, Type: uint32(typ), ClearChildTID: clearTID}
	if err := u.Pack(page, &a); err != nil {
		panic(err)
	}
	return u.Syscall("create_thread", page)
}

func TestRunJoin(t *testing.T) {
	k, out := newKernel(t, nil)
	var childArg, joined atomic.Uint64
	k.Program(childPC, func(u *User) {
		childArg.Store(u.Arg())
		u.Syscall("yield")
	})
	boot(t, k, func(u *User) {
		tid := u.Syscall("map_pmo", 0, vmspace.PAGE_SIZE, 0)
		u.Store32(tid, 1)
		if ret := spawn(u, childPC, thread.TYPE_USER, tid); IsErr(ret) {
			panic(int64(ret))
		}
		for {
			v, err := u.Load32(tid)
			if err != nil || v == 0 {
				break
			}
			u.Syscall("futex", tid, futex.FUTEX_WAIT, uint64(v))
		}
		joined.Store(1)
	})
	if joined.Load() != 1 || childArg.Load() == 0 {
		t.Fatalf("joined = %d child arg = %#x", joined.Load(), childArg.Load())
	}
	if strings.Contains(out.String(), "[BUG]") {
		t.Fatalf("log = %q", out.String())
	}
}

// Joiners poll their tid words while the workers' exits clear them from
// other cores.
func TestRunJoinClearChildTIDConcurrent(t *testing.T) {
	const workers = 4
	for i := 0; i < 10; i++ {
		k, out := newKernel(t, func(c *models.Config) { c.CPUs = 3 })
		k.Program(childPC, func(u *User) {})
		var joined atomic.Int32
		boot(t, k, func(u *User) {
			words := u.Syscall("map_pmo", 0, vmspace.PAGE_SIZE, 0)
			for w := uint64(0); w < workers; w++ {
				u.Store32(words+w*4, 1)
				if ret := spawn(u, childPC, thread.TYPE_USER, words+w*4); IsErr(ret) {
					panic(int64(ret))
				}
			}
			for w := uint64(0); w < workers; w++ {
				for {
					v, err := u.Load32(words + w*4)
					if err != nil || v == 0 {
						break
					}
					u.Syscall("futex", words+w*4, futex.FUTEX_WAIT, uint64(v))
				}
				joined.Add(1)
			}
		})
		if joined.Load() != workers {
			t.Fatalf("joined %d workers, want %d", joined.Load(), workers)
		}
		if strings.Contains(out.String(), "[BUG]") {
			t.Fatalf("log = %q", out.String())
		}
	}
}

func TestRunExitGroupKillsSpinners(t *testing.T) {
	k, out := newKernel(t, nil)
	var started atomic.Int32
	k.Program(childPC, func(u *User) {
		started.Add(1)
		for {
			u.Syscall("yield")
		}
	})
	boot(t, k, func(u *User) {
		for i := 0; i < 3; i++ {
			spawn(u, childPC, thread.TYPE_USER, 0)
		}
		for started.Load() == 0 {
			u.Syscall("yield")
		}
		u.Syscall("exit_group", 7)
	})
	if code := k.Root().ExitCode(); code != 7 {
		t.Fatalf("ExitCode() = %d, want 7", code)
	}
	if k.Sched.Len() != 0 {
		t.Fatalf("Len() = %d after exit_group", k.Sched.Len())
	}
	if strings.Contains(out.String(), "[BUG]") {
		t.Fatalf("log = %q", out.String())
	}
}

func TestRunChildGroup(t *testing.T) {
	k, _ := newKernel(t, nil)
	var childGroup atomic.Pointer[string]
	k.Program(childPC, func(u *User) {
		name := u.Thread().Group().Name
		childGroup.Store(&name)
	})
	boot(t, k, func(u *User) {
		gc := u.Syscall("create_cap_group")
		page := u.Syscall("map_pmo", 0, vmspace.PAGE_SIZE, 0)
		a := ThreadArgs{CapGroupCap: int32(gc), PC: childPC, Prio: thread.MAX_PRIO, Type: uint32(thread.TYPE_USER)}
		u.Pack(page, &a)
		cap := u.Syscall("create_thread", page)
		for childGroup.Load() == nil {
			u.Syscall("yield")
		}
		u.Syscall("revoke_cap", cap)
		u.Syscall("revoke_cap", gc)
	})
	if name := childGroup.Load(); name == nil || *name == "root" {
		t.Fatalf("child ran in %v", name)
	}
}

func TestRunTrace(t *testing.T) {
	var buf bytes.Buffer
	k, _ := newKernel(t, func(c *models.Config) {
		c.CPUs = 1
		c.Trace = bufCloser{&buf}
	})
	boot(t, k, func(u *User) {
		u.Syscall("get_prio", 0)
	})
	if err := k.Close(); err != nil {
		t.Fatal(err)
	}
	r, err := trace.NewReader(io.NopCloser(&buf))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if r.Header.CPUs != 1 {
		t.Fatalf("Header.CPUs = %d, want 1", r.Header.CPUs)
	}
	var seen []string
	var prio *trace.OpSyscall
	for {
		op, err := r.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			t.Fatal(err)
		}
		switch v := op.(type) {
		case *trace.OpCreateGroup:
			seen = append(seen, "create_group")
		case *trace.OpCreate:
			seen = append(seen, "create")
		case *trace.OpSwitch:
			if v.To != 0 {
				seen = append(seen, "switch")
			}
		case *trace.OpSyscall:
			if v.Name == "get_prio" {
				prio = v
			}
		case *trace.OpExit:
			if v.Last {
				seen = append(seen, "exit")
			}
		case *trace.OpExitGroup:
			seen = append(seen, "exit_group")
		case *trace.OpReap:
			seen = append(seen, "reap")
		}
	}
	want := "create_group create switch exit exit_group reap"
	if got := strings.Join(seen, " "); got != want {
		t.Fatalf("trace = %q, want %q", got, want)
	}
	if prio == nil || prio.Ret != thread.DEFAULT_PRIO || prio.Tid != 1 {
		t.Fatalf("get_prio op = %+v", prio)
	}
}

type bufCloser struct{ *bytes.Buffer }

func (bufCloser) Close() error { return nil }
