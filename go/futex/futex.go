package futex

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/thread"
	"github.com/lunixbochs/capcorn/go/vmspace"
)

const (
	FUTEX_WAIT = 0
	FUTEX_WAKE = 1
)

var ErrAgain = errors.New("futex word changed")

type key struct {
	space *vmspace.VMSpace
	addr  uint64
}

// Table holds the wait queues of every futex word, keyed by address space
// and user address.
type Table struct {
	mu    sync.Mutex
	queue map[key][]*thread.Thread
}

func New() *Table {
	return &Table{queue: make(map[key][]*thread.Thread)}
}

func load(space *vmspace.VMSpace, addr uint64) (int32, error) {
	var tmp [4]byte
	if err := space.Read(addr, tmp[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(tmp[:])), nil
}

// Wait queues t on addr if the word there still holds val. wake becomes the
// thread's sleep callback; the caller then gives up its core.
func (f *Table) Wait(t *thread.Thread, space *vmspace.VMSpace, addr uint64, val int32, wake func(*thread.Thread)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, err := load(space, addr)
	if err != nil {
		return errors.Wrapf(err, "futex wait %#x", addr)
	}
	if cur != val {
		return errors.Wrapf(ErrAgain, "futex %#x: %d != %d", addr, cur, val)
	}
	t.Sleep.Set(wake)
	t.Ctx().SetState(thread.TS_WAITING)
	k := key{space, addr}
	f.queue[k] = append(f.queue[k], t)
	return nil
}

// Wake wakes up to count waiters on addr in FIFO order, returning how many
// callbacks ran.
func (f *Table) Wake(space *vmspace.VMSpace, addr uint64, count int) int {
	k := key{space, addr}
	f.mu.Lock()
	q := f.queue[k]
	if count > len(q) || count < 0 {
		count = len(q)
	}
	woken := append([]*thread.Thread(nil), q[:count]...)
	if count == len(q) {
		delete(f.queue, k)
	} else {
		f.queue[k] = q[count:]
	}
	f.mu.Unlock()

	n := 0
	for _, t := range woken {
		if cb := t.Sleep.Take(); cb != nil {
			cb(t)
			n++
		}
	}
	return n
}

// Cancel drops t from whatever queue it waits on.
func (f *Table) Cancel(t *thread.Thread) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, q := range f.queue {
		for i, v := range q {
			if v == t {
				q = append(q[:i], q[i+1:]...)
				if len(q) == 0 {
					delete(f.queue, k)
				} else {
					f.queue[k] = q
				}
				t.Sleep.Take()
				return true
			}
		}
	}
	return false
}

func (f *Table) Waiters(space *vmspace.VMSpace, addr uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue[key{space, addr}])
}
