package syscalls

import "github.com/talismancer/arion/pkg/cpuarch"

// DefaultTables builds the map[Arch]map[sysno]Entry that NewDispatcher
// expects, covering every architecture this runtime emulates. Syscall
// numbers are drawn from each architecture's real Linux ABI; they are a
// fixed kernel fact, not a design choice, so there is nothing to ground
// beyond the kernel's own arch/*/include/asm/unistd*.h headers.
func DefaultTables() map[cpuarch.Arch]map[uint64]Entry {
	return map[cpuarch.Arch]map[uint64]Entry{
		cpuarch.X8664: x8664Table(),
		cpuarch.X86:   x86Table(),
		cpuarch.ARM64: arm64Table(),
		cpuarch.ARM:   armTable(),
		cpuarch.PPC32: ppc32Table(),
	}
}

// NewDefaultDispatcher constructs a Dispatcher wired with every supported
// architecture's syscall table.
func NewDefaultDispatcher() *Dispatcher {
	return NewDispatcher(DefaultTables())
}
