package loader

import (
	"github.com/talismancer/arion/pkg/cpuarch"
	"github.com/talismancer/arion/pkg/hostarch"
	"github.com/talismancer/arion/pkg/memory"
)

// LinuxBaremetalLoader is the raw-code-path half of LinuxLoader
// (lnx_baremetal_loader.hpp/.cpp): it maps a flat shellcode buffer RWX
// at the requested load address (or an arch default), builds the same
// stack image an ELF guest gets, and passes just the two auxv entries
// the original's setup_specific_auxv override writes (AT_ENTRY,
// AT_BASE) since there is no program header table to describe; the
// stack writer then adds AT_RANDOM, AT_PLATFORM and AT_EXECFN as it
// does for every guest.
type LinuxBaremetalLoader struct {
	// Code is the raw instruction bytes to map, or nil for a guest
	// whose memory the caller populates some other way (e.g. a
	// snapshot restore) before Run.
	Code []byte

	// LoadAddr is where Code is mapped; zero selects the arch's
	// default load address.
	LoadAddr hostarch.Addr
	// EntryAddr is the initial PC; zero defaults to LoadAddr, matching
	// BaremetalManager::get_entry_addr()'s fallback.
	EntryAddr hostarch.Addr

	Argv []string
	Envp []string
}

// Load implements Loader.
func (l *LinuxBaremetalLoader) Load(mem *memory.Manager, arch cpuarch.Arch) (Params, error) {
	loadAddr := l.LoadAddr
	if loadAddr == 0 {
		loadAddr = defaultLoadAddr(arch)
	}
	entry := l.EntryAddr
	if entry == 0 {
		entry = loadAddr
	}

	var highest hostarch.Addr
	if len(l.Code) > 0 {
		size := hostarch.MustPageRoundUp(uintptr(len(l.Code)))
		if _, err := mem.Map(loadAddr, uint64(size), hostarch.ReadWriteExecute(), "[baremetal]", true); err != nil {
			return Params{}, err
		}
		if err := mem.Write(loadAddr, l.Code); err != nil {
			return Params{}, err
		}
		highest = loadAddr + hostarch.Addr(size)
	}

	sw, err := newStackWriter(mem, arch)
	if err != nil {
		return Params{}, err
	}
	auxv := []auxvEntry{
		{key: AtEntry, val: uint64(entry)},
		{key: AtBase, val: uint64(loadAddr)},
	}
	sp, err := writeProcessStack(sw, arch, "Baremetal program", l.Argv, l.Envp, auxv)
	if err != nil {
		return Params{}, err
	}

	heapBase, _ := hostarch.PageRoundUp(highest)
	return Params{
		LoadAddr:  loadAddr,
		StackAddr: stackBase(arch),
		Entry:     entry,
		StackTop:  sp,
		HeapBase:  heapBase,
	}, nil
}
