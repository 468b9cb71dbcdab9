package loader

import (
	"crypto/rand"

	"github.com/talismancer/arion/pkg/cpuarch"
	"github.com/talismancer/arion/pkg/hostarch"
	"github.com/talismancer/arion/pkg/memory"
)

// Stack layout constants, grounded on the original runtime's
// LINUX_64_STACK_ADDR/LINUX_32_STACK_ADDR/LINUX_64_STACK_SZ defines
// (lnx_loader.hpp).
const (
	stack64Addr = hostarch.Addr(0x7ffffffde000)
	stack32Addr = hostarch.Addr(0xfffcf000)
	stackSize   = 0x21000

	// load64Addr/load32Addr are the default non-PIE/PIE-base load
	// addresses (LINUX_64_LOAD_ADDR/LINUX_32_LOAD_ADDR).
	load64Addr = hostarch.Addr(0x400000)
	load32Addr = hostarch.Addr(0x8040000)
)

// stackTop returns the top of the mapped stack region for arch.
func stackTop(arch cpuarch.Arch) hostarch.Addr {
	if arch.Is64() {
		return stack64Addr + stackSize
	}
	return stack32Addr + stackSize
}

// stackBase returns the bottom of the mapped stack region for arch.
func stackBase(arch cpuarch.Arch) hostarch.Addr {
	if arch.Is64() {
		return stack64Addr
	}
	return stack32Addr
}

// defaultLoadAddr returns the base a DYN (PIE) image or a baremetal
// blob without an explicit load address is placed at.
func defaultLoadAddr(arch cpuarch.Arch) hostarch.Addr {
	if arch.Is64() {
		return load64Addr
	}
	return load32Addr
}

// platformName is the AT_PLATFORM string glibc and similar guest
// runtimes expect for each architecture.
func platformName(arch cpuarch.Arch) string {
	switch arch {
	case cpuarch.X8664:
		return "x86_64"
	case cpuarch.X86:
		return "i686"
	case cpuarch.ARM64:
		return "aarch64"
	case cpuarch.ARM:
		return "v7l"
	case cpuarch.PPC32:
		return "ppc"
	default:
		return "unknown"
	}
}

// stackWriter builds the initial stack image bottom-to-top (spec.md
// §4.1's "argc, argv pointers, envp pointers, auxv entries, random
// bytes, platform name, program name" layout), mirroring the original
// runtime's LinuxLoader::map_stack/setup_argv/setup_envp/write_auxv_entry
// private helpers collapsed into one pass since this runtime has no
// need to split string-writing from pointer-array-writing across
// separate methods.
type stackWriter struct {
	mem   *memory.Manager
	arch  cpuarch.Arch
	width int
	cur   hostarch.Addr
}

func newStackWriter(mem *memory.Manager, arch cpuarch.Arch) (*stackWriter, error) {
	base := stackBase(arch)
	if _, err := mem.Map(base, stackSize, hostarch.ReadWrite(), "[stack]", true); err != nil {
		return nil, err
	}
	return &stackWriter{mem: mem, arch: arch, width: arch.Bits() / 8, cur: stackTop(arch)}, nil
}

// pushString writes s (NUL-terminated) below the current cursor and
// returns its address.
func (w *stackWriter) pushString(s string) (hostarch.Addr, error) {
	w.cur -= hostarch.Addr(len(s) + 1)
	if err := w.mem.WriteString(w.cur, s); err != nil {
		return 0, err
	}
	return w.cur, nil
}

// pushBytes writes b below the current cursor and returns its address.
func (w *stackWriter) pushBytes(b []byte) (hostarch.Addr, error) {
	w.cur -= hostarch.Addr(len(b))
	if err := w.mem.Write(w.cur, b); err != nil {
		return 0, err
	}
	return w.cur, nil
}

// pushPtrArray writes ptrs (already in on-stack order) followed by a
// NUL pointer terminator, then returns the address of the first
// element (the array's base).
func (w *stackWriter) pushPtrArray(ptrs []hostarch.Addr) (hostarch.Addr, error) {
	w.cur -= hostarch.Addr(w.width)
	if err := w.mem.WritePtr(w.cur, w.width, 0); err != nil {
		return 0, err
	}
	for i := len(ptrs) - 1; i >= 0; i-- {
		w.cur -= hostarch.Addr(w.width)
		if err := w.mem.WritePtr(w.cur, w.width, ptrs[i]); err != nil {
			return 0, err
		}
	}
	return w.cur, nil
}

// pushAuxv writes the auxv table (terminated by AT_NULL) and returns
// its base address.
func (w *stackWriter) pushAuxv(entries []auxvEntry) (hostarch.Addr, error) {
	all := append(append([]auxvEntry{}, entries...), auxvEntry{key: AtNull, val: 0})
	for i := len(all) - 1; i >= 0; i-- {
		w.cur -= hostarch.Addr(w.width)
		if err := w.mem.WritePtr(w.cur, w.width, hostarch.Addr(all[i].val)); err != nil {
			return 0, err
		}
		w.cur -= hostarch.Addr(w.width)
		if err := w.mem.WritePtr(w.cur, w.width, hostarch.Addr(all[i].key)); err != nil {
			return 0, err
		}
	}
	return w.cur, nil
}

// finish writes argc and the argv/envp pointer arrays and the auxv
// table in the order the System V ABI's process-entry stack image
// requires, returning the final stack pointer (pointing at argc).
// Strings are pushed before this is called; the pointer arrays are
// written here, so argc ends up immediately below argv[0] with no gap.
func (w *stackWriter) finish(argv, envp []hostarch.Addr, auxv []auxvEntry) (hostarch.Addr, error) {
	if _, err := w.pushAuxv(auxv); err != nil {
		return 0, err
	}
	if _, err := w.pushPtrArray(envp); err != nil {
		return 0, err
	}
	if _, err := w.pushPtrArray(argv); err != nil {
		return 0, err
	}
	w.cur -= hostarch.Addr(w.width)
	if err := w.mem.WritePtr(w.cur, w.width, hostarch.Addr(len(argv))); err != nil {
		return 0, err
	}
	return w.cur, nil
}

// writeProcessStack writes the random-bytes buffer, platform name, and
// program name strings, then argv/envp strings, then the pointer
// arrays and auxv table, appending the three string addresses to auxv
// as AT_RANDOM/AT_PLATFORM/AT_EXECFN. It returns the final stack
// pointer, matching LinuxLoader::init_main_thread's end state (SP
// pointing at argc).
func writeProcessStack(sw *stackWriter, arch cpuarch.Arch, progName string, argv, envp []string, auxv []auxvEntry) (hostarch.Addr, error) {
	randBytes, err := randomBytes()
	if err != nil {
		return 0, err
	}
	randAddr, err := sw.pushBytes(randBytes)
	if err != nil {
		return 0, err
	}
	platAddr, err := sw.pushString(platformName(arch))
	if err != nil {
		return 0, err
	}
	execfnAddr, err := sw.pushString(progName)
	if err != nil {
		return 0, err
	}

	envPtrs := make([]hostarch.Addr, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		addr, err := sw.pushString(envp[i])
		if err != nil {
			return 0, err
		}
		envPtrs[i] = addr
	}
	argPtrs := make([]hostarch.Addr, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		addr, err := sw.pushString(argv[i])
		if err != nil {
			return 0, err
		}
		argPtrs[i] = addr
	}

	full := append([]auxvEntry{}, auxv...)
	full = append(full,
		auxvEntry{key: AtRandom, val: uint64(randAddr)},
		auxvEntry{key: AtPlatform, val: uint64(platAddr)},
		auxvEntry{key: AtExecfn, val: uint64(execfnAddr)},
	)
	return sw.finish(argPtrs, envPtrs, full)
}

// randomBytes returns 16 cryptographically random bytes for AT_RANDOM,
// matching glibc's expectation of a 16-byte stack canary/ASLR seed
// source.
func randomBytes() ([]byte, error) {
	b := make([]byte, 16)
	_, err := rand.Read(b)
	return b, err
}
