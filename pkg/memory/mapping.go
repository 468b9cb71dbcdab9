// Package memory implements the guest address space: mappings with
// permissions, page-aligned allocation, and guest-host byte transfer
// (spec.md §4.1). It is grounded structurally on the teacher's
// pkg/sentry/mm package, simplified from gVisor's augmented interval tree
// of vmas (which exists to support private/COW/reference-counted file-backed
// mappings — out of scope per spec.md's Non-goals) down to an ordered
// google/btree.BTree of non-overlapping mappings, which is exactly the
// structure needed to keep invariants 1 and 2 of spec.md §8 (no overlap,
// page alignment) trivially checkable.
package memory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/btree"

	"github.com/talismancer/arion/pkg/engine"
	"github.com/talismancer/arion/pkg/errno"
	"github.com/talismancer/arion/pkg/hostarch"
)

// Mapping is one contiguous, page-aligned region of guest address space,
// matching the (start, end, perms, label, backing_info) tuple from spec.md
// §3.
type Mapping struct {
	Start hostarch.Addr
	End   hostarch.Addr
	Perms hostarch.AccessType
	Label string
}

// Less implements btree.Item, ordering mappings by start address.
func (m *Mapping) Less(other btree.Item) bool {
	return m.Start < other.(*Mapping).Start
}

// Manager owns one guest's address space.
type Manager struct {
	eng      engine.Engine
	mappings *btree.BTree
	mmapBase hostarch.Addr
}

// NewManager constructs a Memory Manager backed by eng, searching for
// free holes bottom-up from mmapBase (the per-arch "mmap base" spec.md
// §4.1 refers to).
func NewManager(eng engine.Engine, mmapBase hostarch.Addr) *Manager {
	return &Manager{eng: eng, mappings: btree.New(32), mmapBase: mmapBase}
}

// overlaps reports whether [start, end) intersects m.
func (m *Mapping) overlaps(start, end hostarch.Addr) bool {
	return start < m.End && m.Start < end
}

// findOverlapping returns every mapping intersecting [start, end), in
// ascending start-address order.
func (mgr *Manager) findOverlapping(start, end hostarch.Addr) []*Mapping {
	var out []*Mapping
	mgr.mappings.Ascend(func(it btree.Item) bool {
		m := it.(*Mapping)
		if m.overlaps(start, end) {
			out = append(out, m)
		}
		return m.Start < end
	})
	return out
}

// isFree reports whether [start, end) is free of any mapping.
func (mgr *Manager) isFree(start, end hostarch.Addr) bool {
	return len(mgr.findOverlapping(start, end)) == 0
}

// findHole searches bottom-up from mgr.mmapBase for the first page-aligned
// free region of size bytes, as spec.md §4.1 requires for addr_hint==0.
func (mgr *Manager) findHole(size uint64) (hostarch.Addr, error) {
	var mappings []*Mapping
	mgr.mappings.Ascend(func(it btree.Item) bool {
		mappings = append(mappings, it.(*Mapping))
		return true
	})
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].Start < mappings[j].Start })

	candidate := mgr.mmapBase
	for _, m := range mappings {
		if m.Start < candidate {
			continue
		}
		if uint64(m.Start-candidate) >= size {
			return candidate, nil
		}
		if m.End > candidate {
			candidate = m.End
		}
	}
	return candidate, nil
}

// Map creates a new mapping, aligning addrHint down and size up to the
// page size as spec.md §4.1 requires. If addrHint is 0, a free hole is
// located bottom-up from the arch's mmap base. If addrHint is non-zero and
// free, it is used verbatim; if fixed is true and the region overlaps
// existing mappings, those mappings are unmapped first (MAP_FIXED
// semantics).
func (mgr *Manager) Map(addrHint hostarch.Addr, size uint64, perms hostarch.AccessType, label string, fixed bool) (hostarch.Addr, error) {
	if size == 0 {
		return 0, errno.Misaligned
	}
	alignedSize := uint64(hostarch.MustPageRoundUp(uintptr(size)))

	var start hostarch.Addr
	if addrHint == 0 {
		hole, err := mgr.findHole(alignedSize)
		if err != nil {
			return 0, err
		}
		start = hole
	} else {
		start = hostarch.PageRoundDown(addrHint)
		end := start + hostarch.Addr(alignedSize)
		if !mgr.isFree(start, end) {
			if !fixed {
				return 0, errno.MemoryExhausted
			}
			if err := mgr.Unmap(start, alignedSize); err != nil {
				return 0, err
			}
		}
	}

	end := start + hostarch.Addr(alignedSize)
	if err := mgr.eng.MemMap(uint64(start), alignedSize, perms); err != nil {
		return 0, fmt.Errorf("map 0x%x-0x%x: %w", start, end, err)
	}
	mgr.mappings.ReplaceOrInsert(&Mapping{Start: start, End: end, Perms: perms, Label: label})
	return start, nil
}

// Unmap removes [addr, addr+size), splitting any mapping that only
// partially overlaps it into at most two remaining mappings, as spec.md
// §4.1 describes.
func (mgr *Manager) Unmap(addr hostarch.Addr, size uint64) error {
	if !addr.IsPageAligned() {
		return errno.Misaligned
	}
	alignedSize := hostarch.MustPageRoundUp(uintptr(size))
	start := addr
	end := addr + hostarch.Addr(alignedSize)

	for _, m := range mgr.findOverlapping(start, end) {
		mgr.mappings.Delete(m)
		if m.Start < start {
			mgr.mappings.ReplaceOrInsert(&Mapping{Start: m.Start, End: start, Perms: m.Perms, Label: m.Label})
		}
		if m.End > end {
			mgr.mappings.ReplaceOrInsert(&Mapping{Start: end, End: m.End, Perms: m.Perms, Label: m.Label})
		}
	}
	return mgr.eng.MemUnmap(uint64(start), alignedSize)
}

// Protect changes permissions over [addr, addr+size), splitting
// overlapping mappings the same way Unmap does.
func (mgr *Manager) Protect(addr hostarch.Addr, size uint64, perms hostarch.AccessType) error {
	if !addr.IsPageAligned() {
		return errno.Misaligned
	}
	alignedSize := hostarch.MustPageRoundUp(uintptr(size))
	start := addr
	end := addr + hostarch.Addr(alignedSize)

	for _, m := range mgr.findOverlapping(start, end) {
		mgr.mappings.Delete(m)
		if m.Start < start {
			mgr.mappings.ReplaceOrInsert(&Mapping{Start: m.Start, End: start, Perms: m.Perms, Label: m.Label})
		}
		newEnd := m.End
		if newEnd > end {
			newEnd = end
		}
		newStart := m.Start
		if newStart < start {
			newStart = start
		}
		mgr.mappings.ReplaceOrInsert(&Mapping{Start: newStart, End: newEnd, Perms: perms, Label: m.Label})
		if m.End > end {
			mgr.mappings.ReplaceOrInsert(&Mapping{Start: end, End: m.End, Perms: m.Perms, Label: m.Label})
		}
	}
	return mgr.eng.MemProtect(uint64(start), alignedSize, perms)
}

// IsMapped reports whether addr falls inside any mapping, satisfying
// invariant 1 of spec.md §8.
func (mgr *Manager) IsMapped(addr hostarch.Addr) bool {
	return mgr.mappingAt(addr) != nil
}

func (mgr *Manager) mappingAt(addr hostarch.Addr) *Mapping {
	var found *Mapping
	mgr.mappings.DescendLessOrEqual(&Mapping{Start: addr}, func(it btree.Item) bool {
		m := it.(*Mapping)
		if addr >= m.Start && addr < m.End {
			found = m
		}
		return false
	})
	return found
}

// Mappings returns every mapping, ordered by start address.
func (mgr *Manager) Mappings() []Mapping {
	var out []Mapping
	mgr.mappings.Ascend(func(it btree.Item) bool {
		out = append(out, *it.(*Mapping))
		return true
	})
	return out
}

// MappingsString renders the mapping table the way /proc/[pid]/maps and
// the original runtime's mappings_str() do, used by end-to-end scenario A
// (spec.md §8) to assert the presence of [stack]/[vdso]/[vvar]/[vsyscall].
func (mgr *Manager) MappingsString() string {
	var b strings.Builder
	mgr.mappings.Ascend(func(it btree.Item) bool {
		m := it.(*Mapping)
		fmt.Fprintf(&b, "0x%016x-0x%016x %s %s\n", m.Start, m.End, m.Perms, m.Label)
		return true
	})
	return b.String()
}

// checkAccess validates that [addr, addr+size) lies entirely within a
// single mapping with at least the requested access, returning
// InvalidAccess otherwise (spec.md §4.1 failure modes).
func (mgr *Manager) checkAccess(addr hostarch.Addr, size uint64, need hostarch.AccessType) error {
	m := mgr.mappingAt(addr)
	if m == nil {
		return errno.InvalidAccess(uint64(addr), int(size))
	}
	end := addr + hostarch.Addr(size)
	if end > m.End {
		return errno.InvalidAccess(uint64(addr), int(size))
	}
	if need.Read && !m.Perms.Read {
		return errno.InvalidAccess(uint64(addr), int(size))
	}
	if need.Write && !m.Perms.Write {
		return errno.InvalidAccess(uint64(addr), int(size))
	}
	return nil
}

// Read copies size bytes starting at addr out of guest memory.
func (mgr *Manager) Read(addr hostarch.Addr, size uint64) ([]byte, error) {
	if err := mgr.checkAccess(addr, size, hostarch.AccessType{Read: true}); err != nil {
		return nil, err
	}
	return mgr.eng.MemRead(uint64(addr), size)
}

// Write copies data into guest memory starting at addr.
func (mgr *Manager) Write(addr hostarch.Addr, data []byte) error {
	if err := mgr.checkAccess(addr, uint64(len(data)), hostarch.AccessType{Write: true}); err != nil {
		return err
	}
	return mgr.eng.MemWrite(uint64(addr), data)
}
