package vmspace

import (
	"encoding/binary"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/object"
)

const PAGE_SIZE = 0x1000

// start of the window used for kernel-chosen mappings
const USER_MMAP_BASE = 0x10000000

var ErrOverlap = errors.New("range overlaps an existing mapping")

// VMSpace is a thread's address space: a sorted, non-overlapping set of PMO
// mappings plus the accounting the scheduler does when switching to it.
type VMSpace struct {
	mu       sync.RWMutex
	regions  Regions
	switches atomic.Uint64
}

func (v *VMSpace) ObjType() object.Type { return object.TYPE_VMSPACE }

type PMOType uint8

const (
	PMO_ANONYM PMOType = iota
	PMO_DATA
)

// PMO is a physical memory object: the backing store a mapping aliases.
// Accesses through a VMSpace hold mu, so a kernel write to a shared word
// never overlaps a user load of it.
type PMO struct {
	Size uint64
	Type PMOType
	Data []byte

	mu sync.RWMutex
}

func (p *PMO) ObjType() object.Type { return object.TYPE_PMO }

func RegisterTypes(r *object.Registry) {
	r.Register(object.TYPE_VMSPACE, object.Ops{
		Size: 256,
		New:  func() object.Payload { return &VMSpace{} },
	})
	r.Register(object.TYPE_PMO, object.Ops{
		Size: 64,
		New:  func() object.Payload { return &PMO{} },
		Deinit: func(o *object.Object) {
			o.Payload().(*PMO).Data = nil
		},
	})
}

func roundUp(n uint64) uint64 {
	return (n + PAGE_SIZE - 1) &^ (PAGE_SIZE - 1)
}

// NewPMO allocates a zeroed memory object of at least size bytes.
func NewPMO(r *object.Registry, size uint64, typ PMOType) (*object.Object, error) {
	o, err := r.Alloc(object.TYPE_PMO)
	if err != nil {
		return nil, err
	}
	pmo := o.Payload().(*PMO)
	pmo.Size = roundUp(size)
	pmo.Type = typ
	pmo.Data = make([]byte, pmo.Size)
	return o, nil
}

// MapRange maps the first size bytes of pmo at vaddr.
func (v *VMSpace) MapRange(vaddr, size uint64, flags int, pmo *PMO, desc string) error {
	if size == 0 || size > pmo.Size {
		return errors.Errorf("map_range: size %#x does not fit pmo of %#x", size, pmo.Size)
	}
	if vaddr+size < vaddr {
		return errors.Errorf("map_range: %#x+%#x wraps", vaddr, size)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, r := range v.regions {
		if r.Overlaps(vaddr, size) {
			return errors.Wrapf(ErrOverlap, "map_range(%#x, %#x)", vaddr, size)
		}
	}
	v.regions = append(v.regions, &Region{
		Addr:  vaddr,
		Size:  size,
		Flags: flags,
		Data:  pmo.Data[:size],
		Desc:  desc,
		pmo:   pmo,
	})
	sort.Sort(v.regions)
	return nil
}

func (v *VMSpace) Unmap(vaddr, size uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	tmp := v.regions[:0]
	for _, r := range v.regions {
		if !r.Overlaps(vaddr, size) {
			tmp = append(tmp, r)
		}
	}
	v.regions = tmp
}

// FindFree returns the lowest page-aligned address at or above
// USER_MMAP_BASE with size bytes unmapped.
func (v *VMSpace) FindFree(size uint64) uint64 {
	size = roundUp(size)
	v.mu.RLock()
	defer v.mu.RUnlock()
	addr := uint64(USER_MMAP_BASE)
	for _, r := range v.regions {
		if r.Addr+r.Size <= addr {
			continue
		}
		if r.Overlaps(addr, size) {
			addr = roundUp(r.Addr + r.Size)
			continue
		}
		break
	}
	return addr
}

func (v *VMSpace) Mappings() Regions {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(Regions, len(v.regions))
	copy(out, v.regions)
	return out
}

// Read copies from user memory (copy_from_user).
func (v *VMSpace) Read(addr uint64, p []byte) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if gmap, gprot := v.regions.rangeValid(addr, uint64(len(p)), VMR_READ); !gmap {
		return &MemError{Addr: addr, Size: len(p), Enum: MEM_READ_UNMAPPED}
	} else if !gprot {
		return &MemError{Addr: addr, Size: len(p), Enum: MEM_READ_PROT}
	}
	v.regions.copyOut(addr, p)
	return nil
}

// Write copies into user memory (copy_to_user).
func (v *VMSpace) Write(addr uint64, p []byte) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if gmap, gprot := v.regions.rangeValid(addr, uint64(len(p)), VMR_WRITE); !gmap {
		return &MemError{Addr: addr, Size: len(p), Enum: MEM_WRITE_UNMAPPED}
	} else if !gprot {
		return &MemError{Addr: addr, Size: len(p), Enum: MEM_WRITE_PROT}
	}
	v.regions.copyIn(addr, p)
	return nil
}

// Add32 atomically adds delta to the little-endian word at addr and returns
// the new value. The word must sit inside one writable mapping.
func (v *VMSpace) Add32(addr uint64, delta int32) (int32, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	r := v.regions.Find(addr)
	if r == nil || addr+4 > r.Addr+r.Size {
		return 0, &MemError{Addr: addr, Size: 4, Enum: MEM_WRITE_UNMAPPED}
	}
	if r.Flags&(VMR_READ|VMR_WRITE) != VMR_READ|VMR_WRITE {
		return 0, &MemError{Addr: addr, Size: 4, Enum: MEM_WRITE_PROT}
	}
	r.lock()
	defer r.unlock()
	word := r.Data[addr-r.Addr : addr-r.Addr+4]
	n := int32(binary.LittleEndian.Uint32(word)) + delta
	binary.LittleEndian.PutUint32(word, uint32(n))
	return n, nil
}

// SwitchTo records that a core now executes in this space.
func (v *VMSpace) SwitchTo() {
	v.switches.Add(1)
}

func (v *VMSpace) Switches() uint64 { return v.switches.Load() }

// Stream is a sequential cursor over user memory, suitable for struc.
type Stream struct {
	Space *VMSpace
	Addr  uint64
}

func (v *VMSpace) At(addr uint64) *Stream {
	return &Stream{Space: v, Addr: addr}
}

func (s *Stream) Read(p []byte) (int, error) {
	if err := s.Space.Read(s.Addr, p); err != nil {
		return 0, err
	}
	s.Addr += uint64(len(p))
	return len(p), nil
}

func (s *Stream) Write(p []byte) (int, error) {
	if err := s.Space.Write(s.Addr, p); err != nil {
		return 0, err
	}
	s.Addr += uint64(len(p))
	return len(p), nil
}

var _ io.ReadWriter = (*Stream)(nil)
