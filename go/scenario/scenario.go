package scenario

import (
	"sort"
	"sync"

	"github.com/lunixbochs/fvbommel-util/sortorder"
	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/futex"
	"github.com/lunixbochs/capcorn/go/kernel/micro"
	"github.com/lunixbochs/capcorn/go/thread"
	"github.com/lunixbochs/capcorn/go/vmspace"
)

// Entry points the built-in programs are registered at.
const (
	ROOT_PC   = 0x400000
	WORKER_PC = 0x401000
	GROUP_PC  = 0x402000
)

type Params struct {
	Threads int
	Iters   int
	Code    int
}

func (p Params) withDefaults() Params {
	if p.Threads <= 0 {
		p.Threads = 4
	}
	if p.Iters <= 0 {
		p.Iters = 16
	}
	return p
}

type Scenario struct {
	Name string
	Desc string
	// Install registers the root program at ROOT_PC and any helpers.
	Install func(k *micro.Kernel, p Params)
}

var (
	mu        sync.Mutex
	scenarios = make(map[string]*Scenario)
)

func register(s *Scenario) *Scenario {
	mu.Lock()
	scenarios[s.Name] = s
	mu.Unlock()
	return s
}

func Lookup(name string) (*Scenario, bool) {
	mu.Lock()
	defer mu.Unlock()
	s, ok := scenarios[name]
	return s, ok
}

// List returns every scenario in natural name order.
func List() []*Scenario {
	mu.Lock()
	out := make([]*Scenario, 0, len(scenarios))
	for _, s := range scenarios {
		out = append(out, s)
	}
	mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return sortorder.NaturalLess(out[i].Name, out[j].Name) })
	return out
}

// Boot installs the named scenario and creates the root thread on cpu 0.
// The kernel must be running (or about to run) for anything to happen.
func Boot(k *micro.Kernel, name string, p Params) (*thread.Thread, error) {
	s, ok := Lookup(name)
	if !ok {
		return nil, errors.Errorf("unknown scenario %q", name)
	}
	if k.Root() != nil {
		return nil, errors.New("kernel already booted")
	}
	p = p.withDefaults()
	s.Install(k, p)
	t, err := k.CreateRootThread(0, ROOT_PC, uint64(p.Threads))
	return t, errors.Wrapf(err, "boot %s", name)
}

// Spawn maps a page for the argument block and creates a thread in the
// caller's group (or in the group behind groupCap, when non-zero).
func Spawn(u *micro.User, groupCap int32, pc, arg uint64, typ thread.Type, clearTID uint64) uint64 {
	page := u.Syscall("map_pmo", 0, vmspace.PAGE_SIZE, 0)
	if micro.IsErr(page) {
		return page
	}
	if arg == 0 {
		arg = page
	}
	a := micro.ThreadArgs{
		CapGroupCap:   groupCap,
		PC:            pc,
		Arg:           arg,
		Prio:          thread.DEFAULT_PRIO,
		Type:          uint32(typ),
		ClearChildTID: clearTID,
	}
	if err := u.Pack(page, &a); err != nil {
		return micro.Errno(err)
	}
	return u.Syscall("create_thread", page)
}

// Join blocks until the word at addr drops to zero.
func Join(u *micro.User, addr uint64) {
	for {
		v, err := u.Load32(addr)
		if err != nil || v == 0 {
			return
		}
		u.Syscall("futex", addr, futex.FUTEX_WAIT, uint64(uint32(v)))
	}
}
