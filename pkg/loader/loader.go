// Package loader is the Loader (spec.md §4.3): it turns a guest ELF
// binary or a raw code buffer into a populated memory.Manager plus the
// entry point, initial stack pointer, and heap base the scheduler needs
// to admit a new Guest. Grounded on the original runtime's LinuxLoader
// hierarchy (include/arion/platforms/linux/lnx_loader.hpp,
// lnx_baremetal_loader.hpp) and, for the ELF-specific half, on
// elf_parser.hpp's SEGMENT/ELF_FILE_TYPE/LINKAGE_TYPE classification —
// reimplemented on top of stdlib debug/elf instead of LIEF (see
// DESIGN.md for why no third-party ELF library from the pack was wired
// in its place).
package loader

import (
	"github.com/talismancer/arion/pkg/cpuarch"
	"github.com/talismancer/arion/pkg/hostarch"
	"github.com/talismancer/arion/pkg/memory"
)

// FileType classifies an ELF image the way the original runtime's
// ELF_FILE_TYPE enum does, narrowed to the variants this runtime's
// loader actually branches on.
type FileType int

const (
	FileUnknown FileType = iota
	FileRel
	FileExec
	FileDyn
	FileCore
)

// Linkage mirrors LINKAGE_TYPE: whether the image carries a PT_INTERP
// program header naming a dynamic linker.
type Linkage int

const (
	LinkageUnknown Linkage = iota
	LinkageDynamic
	LinkageStatic
)

// Params is LNX_LOADER_PARAMS: every address the loader resolved while
// laying out the guest's initial memory image, plus the two values the
// scheduler needs to start the main thread (Entry, StackTop) and the
// address immediately above the image where the brk heap reservation
// should begin.
type Params struct {
	LoadAddr     hostarch.Addr
	InterpAddr   hostarch.Addr
	VvarAddr     hostarch.Addr
	VdsoAddr     hostarch.Addr
	StackAddr    hostarch.Addr
	VsyscallAddr hostarch.Addr
	ArmTrapsAddr hostarch.Addr

	Entry    hostarch.Addr
	StackTop hostarch.Addr
	HeapBase hostarch.Addr

	// Type and Linkage are the ELF classification the loader derived,
	// zero-valued for LinuxBaremetalLoader (there is no ELF to
	// classify).
	Type    FileType
	Linkage Linkage
}

// Loader produces a Params by mapping a guest image into mem (already
// bound to the engine the scheduler will admit the guest with) for the
// given architecture, the shape both LinuxElfLoader and
// LinuxBaremetalLoader implement.
type Loader interface {
	Load(mem *memory.Manager, arch cpuarch.Arch) (Params, error)
}
