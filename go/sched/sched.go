package sched

import (
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/thread"
)

var (
	ErrNotRunnable = errors.New("thread is not eligible to run")
	ErrQueued      = errors.New("thread already queued")
)

// entry is a queued thread stamped with its enqueue order.
type entry struct {
	t   *thread.Thread
	seq uint64
}

// Scheduler keeps one ready queue per core plus a shared queue for threads
// without affinity. Threads are picked by priority, FIFO among equals across
// both queues a core looks at.
type Scheduler struct {
	mu    sync.Mutex
	cpus  []*CPU
	ready [][]entry
	seq   uint64

	reap     func(*thread.Thread)
	onSwitch func(cpu *CPU, prev, next *thread.Thread)
}

func New(ncpu int) *Scheduler {
	s := &Scheduler{ready: make([][]entry, ncpu+1)}
	for i := 0; i < ncpu; i++ {
		s.cpus = append(s.cpus, newCPU(i))
	}
	return s
}

// OnReap sets the hook run, outside the scheduler lock, for every thread
// the scheduler moves to TE_EXITED.
func (s *Scheduler) OnReap(fn func(*thread.Thread)) { s.reap = fn }

// OnSwitch sets a hook run after every switch that changed cpu's thread.
func (s *Scheduler) OnSwitch(fn func(cpu *CPU, prev, next *thread.Thread)) { s.onSwitch = fn }

func (s *Scheduler) CPU(i int) *CPU { return s.cpus[i] }
func (s *Scheduler) CPUs() []*CPU   { return s.cpus }
func (s *Scheduler) NumCPU() int    { return len(s.cpus) }

func (s *Scheduler) queue(t *thread.Thread) int {
	if aff := int(t.Ctx().Affinity()); aff >= 0 && aff < len(s.cpus) {
		return aff
	}
	return len(s.cpus)
}

func (s *Scheduler) enqueueLocked(t *thread.Thread) error {
	ctx := t.Ctx()
	if !t.Runnable() {
		return errors.Wrapf(ErrNotRunnable, "%v is %v/%v", t, ctx.State(), ctx.ExitState())
	}
	if ctx.Queued() {
		return errors.Wrapf(ErrQueued, "%v", t)
	}
	ctx.SetState(thread.TS_READY)
	ctx.SetQueued(true)
	q := s.queue(t)
	s.seq++
	s.ready[q] = append(s.ready[q], entry{t, s.seq})
	return nil
}

// Enqueue puts t on a ready queue and wakes idle cores that could run it.
func (s *Scheduler) Enqueue(t *thread.Thread) error {
	s.mu.Lock()
	err := s.enqueueLocked(t)
	q := s.queue(t)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if q < len(s.cpus) {
		s.cpus[q].wake()
	} else {
		for _, c := range s.cpus {
			c.wake()
		}
	}
	return nil
}

func (s *Scheduler) removeLocked(t *thread.Thread) bool {
	if !t.Ctx().Queued() {
		return false
	}
	for qi, q := range s.ready {
		for i, e := range q {
			if e.t == t {
				s.ready[qi] = append(q[:i], q[i+1:]...)
				t.Ctx().SetQueued(false)
				return true
			}
		}
	}
	return false
}

// Dequeue takes t off its ready queue, if it is on one.
func (s *Scheduler) Dequeue(t *thread.Thread) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(t)
}

func (s *Scheduler) runningLocked(t *thread.Thread) bool {
	id := t.Ctx().CPU()
	return id >= 0 && id < len(s.cpus) && s.cpus[id].current.Load() == t
}

// Reap finalizes an exiting thread that is not on any core. It reports
// false if the thread is running somewhere (the scheduler finalizes it at
// switch-out) or was already finalized.
func (s *Scheduler) Reap(t *thread.Thread) bool {
	s.mu.Lock()
	if s.runningLocked(t) {
		s.mu.Unlock()
		return false
	}
	s.removeLocked(t)
	ok := t.Finalize()
	s.mu.Unlock()
	if ok && s.reap != nil {
		s.reap(t)
	}
	return ok
}

// pickLocked removes and returns the best runnable thread for cpu. Exiting
// threads found on the way are finalized and appended to reaped.
func (s *Scheduler) pickLocked(cpu *CPU, reaped *[]*thread.Thread) *thread.Thread {
	var best *thread.Thread
	var bseq uint64
	bq, bi := -1, -1
	for _, qi := range []int{cpu.ID, len(s.cpus)} {
		q := s.ready[qi]
		for i := 0; i < len(q); i++ {
			t := q[i].t
			if t.ExitState() == thread.TE_EXITING {
				q = append(q[:i], q[i+1:]...)
				s.ready[qi] = q
				t.Ctx().SetQueued(false)
				if t.Finalize() {
					*reaped = append(*reaped, t)
				}
				i--
				continue
			}
			if t.Ctx().Suspended() {
				continue
			}
			prio, bprio := t.Ctx().Prio(), uint32(0)
			if best != nil {
				bprio = best.Ctx().Prio()
			}
			if best == nil || prio > bprio || (prio == bprio && q[i].seq < bseq) {
				best, bseq, bq, bi = t, q[i].seq, qi, i
			}
		}
	}
	if best != nil {
		q := s.ready[bq]
		s.ready[bq] = append(q[:bi], q[bi+1:]...)
		best.Ctx().SetQueued(false)
	}
	return best
}

// Sched chooses the next thread for cpu and makes it current. The previous
// thread is requeued if it was still running, or finalized if it was
// exiting. It returns the new current thread, nil for idle.
func (s *Scheduler) Sched(cpu *CPU) *thread.Thread {
	var reaped []*thread.Thread
	s.mu.Lock()
	prev := cpu.current.Load()
	// a thread that blocked and was woken may already run on another core
	if prev != nil && prev.Ctx().CPU() == cpu.ID {
		switch {
		case prev.ExitState() == thread.TE_EXITING:
			if prev.Finalize() {
				reaped = append(reaped, prev)
			}
		case prev.State() == thread.TS_RUNNING:
			s.enqueueLocked(prev)
		}
	}
	next := s.pickLocked(cpu, &reaped)
	if next != nil {
		next.Ctx().SetState(thread.TS_RUNNING)
		next.Ctx().SetCPU(cpu.ID)
		next.SetPrev(prev)
	}
	cpu.current.Store(next)
	s.mu.Unlock()

	if next != nil {
		cpu.SwitchVMSpace(next.VMSpace())
		cpu.switches.Add(1)
	}
	if s.onSwitch != nil && prev != next {
		s.onSwitch(cpu, prev, next)
	}
	if s.reap != nil {
		for _, t := range reaped {
			s.reap(t)
		}
	}
	return next
}

// TransferTo hands cpu to its current thread, or back to the idle loop.
func (s *Scheduler) TransferTo(cpu *CPU) {
	if t := cpu.Current(); t != nil {
		t.Ctx().Resume(cpu.ID)
		return
	}
	select {
	case cpu.idle <- struct{}{}:
	default:
	}
}

// Eret transfers cpu away from the calling thread's goroutine and ends it.
func (s *Scheduler) Eret(cpu *CPU) {
	s.TransferTo(cpu)
	runtime.Goexit()
}

// Reschedule gives up cpu and blocks t's goroutine until t is dispatched
// again, returning the core it now runs on. A thread finalized while parked
// never returns.
func (s *Scheduler) Reschedule(cpu *CPU, t *thread.Thread) *CPU {
	s.Sched(cpu)
	s.TransferTo(cpu)
	id := t.Ctx().Park()
	if id < 0 {
		runtime.Goexit()
	}
	return s.cpus[id]
}

// Idle runs cpu's idle loop until ctx is done.
func (s *Scheduler) Idle(ctx context.Context, cpu *CPU) error {
	for {
		if s.Sched(cpu) != nil {
			s.TransferTo(cpu)
			select {
			case <-cpu.idle:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		select {
		case <-cpu.kick:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Len reports the number of queued threads, suspended ones included.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.ready {
		n += len(q)
	}
	return n
}

// Queued reports whether t sits on a ready queue.
func (s *Scheduler) Queued(t *thread.Thread) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.Ctx().Queued()
}
