package scenario

import (
	"sync/atomic"

	"github.com/lunixbochs/capcorn/go/futex"
	"github.com/lunixbochs/capcorn/go/kernel/micro"
	"github.com/lunixbochs/capcorn/go/thread"
	"github.com/lunixbochs/capcorn/go/vmspace"
)

var JoinScenario = register(&Scenario{
	Name: "join",
	Desc: "spawn workers that yield, then join each one on its clear_child_tid word",
	Install: func(k *micro.Kernel, p Params) {
		k.Program(WORKER_PC, func(u *micro.User) {
			for i := 0; i < p.Iters; i++ {
				u.Syscall("yield")
			}
		})
		k.Program(ROOT_PC, func(u *micro.User) {
			words := u.Syscall("map_pmo", 0, vmspace.PAGE_SIZE, 0)
			if micro.IsErr(words) {
				k.Log.Warnf("join: map_pmo = %d", int64(words))
				return
			}
			for i := 0; i < p.Threads; i++ {
				tid := words + uint64(i)*4
				u.Store32(tid, 1)
				if ret := Spawn(u, 0, WORKER_PC, 0, thread.TYPE_USER, tid); micro.IsErr(ret) {
					k.Log.Warnf("join: create_thread = %d", int64(ret))
					u.Store32(tid, 0)
				}
			}
			for i := 0; i < p.Threads; i++ {
				Join(u, words+uint64(i)*4)
			}
			k.Log.Infof("join: %d workers joined", p.Threads)
		})
	},
})

var ExitGroupScenario = register(&Scenario{
	Name: "exit_group",
	Desc: "spawn spinning workers, then end the whole group with exit_group",
	Install: func(k *micro.Kernel, p Params) {
		// arg is a countdown word the root joins on
		k.Program(WORKER_PC, func(u *micro.User) {
			if n, err := u.Add32(u.Arg(), -1); err == nil && n == 0 {
				u.Syscall("futex", u.Arg(), futex.FUTEX_WAKE, 1)
			}
			for {
				u.Syscall("yield")
			}
		})
		k.Program(ROOT_PC, func(u *micro.User) {
			word := u.Syscall("map_pmo", 0, vmspace.PAGE_SIZE, 0)
			if micro.IsErr(word) {
				k.Log.Warnf("exit_group: map_pmo = %d", int64(word))
				return
			}
			u.Store32(word, int32(p.Threads))
			started := 0
			for i := 0; i < p.Threads; i++ {
				if ret := Spawn(u, 0, WORKER_PC, word, thread.TYPE_USER, 0); micro.IsErr(ret) {
					k.Log.Warnf("exit_group: create_thread = %d", int64(ret))
					u.Add32(word, -1)
					continue
				}
				started++
			}
			Join(u, word)
			k.Log.Infof("exit_group: %d workers started", started)
			u.Syscall("exit_group", uint64(p.Code))
		})
	},
})

var GroupsScenario = register(&Scenario{
	Name: "groups",
	Desc: "create child cap groups with one thread each, then revoke them",
	Install: func(k *micro.Kernel, p Params) {
		var done atomic.Int32
		k.Program(GROUP_PC, func(u *micro.User) {
			for i := 0; i < p.Iters; i++ {
				u.Syscall("yield")
			}
			done.Add(1)
		})
		k.Program(ROOT_PC, func(u *micro.User) {
			var caps []uint64
			for i := 0; i < p.Threads; i++ {
				gc := u.Syscall("create_cap_group")
				if micro.IsErr(gc) {
					k.Log.Warnf("groups: create_cap_group = %d", int64(gc))
					break
				}
				caps = append(caps, gc)
				cap := Spawn(u, int32(gc), GROUP_PC, 0, thread.TYPE_USER, 0)
				if micro.IsErr(cap) {
					k.Log.Warnf("groups: create_thread = %d", int64(cap))
					done.Add(1)
					continue
				}
				caps = append(caps, cap)
			}
			for done.Load() < int32(p.Threads) {
				u.Syscall("yield")
			}
			for i := len(caps) - 1; i >= 0; i-- {
				u.Syscall("revoke_cap", caps[i])
			}
			k.Log.Infof("groups: %d groups done", done.Load())
		})
	},
})

var AffinityScenario = register(&Scenario{
	Name: "affinity",
	Desc: "pin one worker to each cpu and check where it runs",
	Install: func(k *micro.Kernel, p Params) {
		var misplaced atomic.Int32
		k.Program(WORKER_PC, func(u *micro.User) {
			for i := 0; i < p.Iters; i++ {
				u.Syscall("yield")
				aff := int32(u.Syscall("get_affinity", 0))
				if aff != thread.NO_AFF && int(aff) != u.CPU() {
					misplaced.Add(1)
				}
			}
		})
		k.Program(ROOT_PC, func(u *micro.User) {
			words := u.Syscall("map_pmo", 0, vmspace.PAGE_SIZE, 0)
			if micro.IsErr(words) {
				return
			}
			ncpu := k.Sched.NumCPU()
			for i := 0; i < ncpu; i++ {
				tid := words + uint64(i)*4
				u.Store32(tid, 1)
				cap := Spawn(u, 0, WORKER_PC, 0, thread.TYPE_USER, tid)
				if micro.IsErr(cap) {
					u.Store32(tid, 0)
					continue
				}
				u.Syscall("set_affinity", cap, uint64(i))
			}
			for i := 0; i < ncpu; i++ {
				Join(u, words+uint64(i)*4)
			}
			k.Log.Infof("affinity: %d misplaced runs", misplaced.Load())
		})
	},
})
