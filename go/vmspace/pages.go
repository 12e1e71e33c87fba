package vmspace

import (
	"fmt"
	"sort"
	"strings"
)

const (
	VMR_READ  = 1
	VMR_WRITE = 2
	VMR_EXEC  = 4
)

const (
	MEM_READ_UNMAPPED  = 19
	MEM_WRITE_UNMAPPED = 20
	MEM_WRITE_PROT     = 12
	MEM_READ_PROT      = 13
)

type MemError struct {
	Addr uint64
	Size int
	Enum int
}

func (m *MemError) Error() string {
	reason := "memory error"
	switch m.Enum {
	case MEM_WRITE_UNMAPPED:
		reason = "unmapped write"
	case MEM_READ_UNMAPPED:
		reason = "unmapped read"
	case MEM_WRITE_PROT:
		reason = "protected write"
	case MEM_READ_PROT:
		reason = "protected read"
	}
	return fmt.Sprintf("%s at %#x(%d)", reason, m.Addr, m.Size)
}

// Region is one mapping of a PMO into an address space. Data aliases the
// PMO's backing store, so every space mapping the same PMO sees the same bytes.
type Region struct {
	Addr  uint64
	Size  uint64
	Flags int
	Data  []byte
	Desc  string

	pmo *PMO
}

func (r *Region) lock() {
	if r.pmo != nil {
		r.pmo.mu.Lock()
	}
}

func (r *Region) unlock() {
	if r.pmo != nil {
		r.pmo.mu.Unlock()
	}
}

func (r *Region) rlock() {
	if r.pmo != nil {
		r.pmo.mu.RLock()
	}
}

func (r *Region) runlock() {
	if r.pmo != nil {
		r.pmo.mu.RUnlock()
	}
}

func (r *Region) String() string {
	flags := []int{VMR_READ, VMR_WRITE, VMR_EXEC}
	chars := []string{"r", "w", "x"}
	prot := ""
	for i := range flags {
		if r.Flags&flags[i] != 0 {
			prot += chars[i]
		} else {
			prot += "-"
		}
	}
	desc := fmt.Sprintf("0x%x-0x%x %s", r.Addr, r.Addr+r.Size, prot)
	if r.Desc != "" {
		desc += fmt.Sprintf(" [%s]", r.Desc)
	}
	return desc
}

func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Addr && addr < r.Addr+r.Size
}

func (r *Region) Overlaps(addr, size uint64) bool {
	start, end := r.Addr, r.Addr+r.Size
	if start < addr {
		start = addr
	}
	if e := addr + size; end > e {
		end = e
	}
	return end > start
}

type Regions []*Region

func (p Regions) Len() int           { return len(p) }
func (p Regions) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
func (p Regions) Less(i, j int) bool { return p[i].Addr < p[j].Addr }

func (p Regions) String() string {
	s := make([]string, len(p))
	for i, v := range p {
		s[i] = v.String()
	}
	return strings.Join(s, "\n")
}

// index of the region containing addr, or -1
func (p Regions) bsearch(addr uint64) int {
	i := sort.Search(len(p), func(i int) bool { return p[i].Addr+p[i].Size > addr })
	if i < len(p) && p[i].Contains(addr) {
		return i
	}
	return -1
}

func (p Regions) Find(addr uint64) *Region {
	if i := p.bsearch(addr); i >= 0 {
		return p[i]
	}
	return nil
}

// Checks whether addr:addr+size is fully mapped, and whether every region
// covering it carries all of prot.
func (p Regions) rangeValid(addr, size uint64, prot int) (mapGood, protGood bool) {
	first := p.bsearch(addr)
	if first == -1 {
		return false, false
	}
	protGood = true
	end := addr + size
	for _, r := range p[first:] {
		if !r.Contains(addr) {
			break
		}
		if prot > 0 && r.Flags&prot != prot {
			protGood = false
		}
		addr = r.Addr + r.Size
		if addr >= end {
			break
		}
	}
	return addr >= end, protGood
}

func (p Regions) copyOut(addr uint64, dst []byte) {
	i := p.bsearch(addr)
	for ; i >= 0 && i < len(p) && len(dst) > 0; i++ {
		r := p[i]
		if !r.Contains(addr) {
			break
		}
		r.rlock()
		n := copy(dst, r.Data[addr-r.Addr:])
		r.runlock()
		addr, dst = addr+uint64(n), dst[n:]
	}
}

func (p Regions) copyIn(addr uint64, src []byte) {
	i := p.bsearch(addr)
	for ; i >= 0 && i < len(p) && len(src) > 0; i++ {
		r := p[i]
		if !r.Contains(addr) {
			break
		}
		r.lock()
		n := copy(r.Data[addr-r.Addr:], src)
		r.unlock()
		addr, src = addr+uint64(n), src[n:]
	}
}
