package loader

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/talismancer/arion/pkg/cpuarch"
	"github.com/talismancer/arion/pkg/fs"
	"github.com/talismancer/arion/pkg/hostarch"
	"github.com/talismancer/arion/pkg/memory"
)

// DetectArch peeks at an ELF file's e_machine field to learn its
// architecture before an engine exists to load it into, mirroring the
// information ElfParser::parse_general_data extracts up front
// (elf_parser.hpp) so the orchestrator can pick the right
// sched.EngineFactory before constructing anything else.
func DetectArch(hostPath string) (cpuarch.Arch, error) {
	f, err := elf.Open(hostPath)
	if err != nil {
		return cpuarch.Unknown, err
	}
	defer f.Close()
	switch f.Machine {
	case elf.EM_X86_64:
		return cpuarch.X8664, nil
	case elf.EM_386:
		return cpuarch.X86, nil
	case elf.EM_AARCH64:
		return cpuarch.ARM64, nil
	case elf.EM_ARM:
		return cpuarch.ARM, nil
	case elf.EM_PPC:
		return cpuarch.PPC32, nil
	default:
		return cpuarch.Unknown, fmt.Errorf("loader: unsupported ELF machine %s", f.Machine)
	}
}

// LinuxElfLoader is the program-argument-path half of LinuxLoader
// (lnx_loader.hpp): it classifies the image, resolves its interpreter if
// any, maps every PT_LOAD segment, and lays out the initial stack image.
type LinuxElfLoader struct {
	// FS resolves the guest-visible binary path to a host path, the
	// same sandboxed resolution every other filesystem syscall goes
	// through.
	FS *fs.Manager

	// Path is the guest-visible path to the ELF binary (argv[0] unless
	// the caller resolved a PATH search already).
	Path string
	Argv []string
	Envp []string
}

// Load implements Loader.
func (l *LinuxElfLoader) Load(mem *memory.Manager, arch cpuarch.Arch) (Params, error) {
	hostPath, err := l.FS.ToHostPath(l.Path)
	if err != nil {
		return Params{}, err
	}
	f, err := elf.Open(hostPath)
	if err != nil {
		return Params{}, err
	}
	defer f.Close()
	hdr, err := readHeader(hostPath, f.Class)
	if err != nil {
		return Params{}, err
	}

	fileType := classify(f.Type)
	loadBase := hostarch.Addr(0)
	if fileType == FileDyn {
		loadBase = defaultLoadAddr(arch)
	}

	highest, err := loadSegments(mem, f, loadBase)
	if err != nil {
		return Params{}, err
	}

	params := Params{LoadAddr: loadBase}
	entry := loadBase + hostarch.Addr(f.Entry)
	phdrAddr := loadBase + hostarch.Addr(phdrVaddr(f, hdr.phoff))

	linkage := LinkageStatic
	if interpPath := findInterp(f); interpPath != "" {
		linkage = LinkageDynamic
		interpHostPath, err := l.FS.ToHostPath(interpPath)
		if err != nil {
			return Params{}, err
		}
		interpFile, err := elf.Open(interpHostPath)
		if err != nil {
			return Params{}, err
		}
		defer interpFile.Close()

		interpBase := defaultLoadAddr(arch) + 0x10000000
		interpHighest, err := loadSegments(mem, interpFile, interpBase)
		if err != nil {
			return Params{}, err
		}
		if interpHighest > highest {
			highest = interpHighest
		}
		params.InterpAddr = interpBase
		entry = interpBase + hostarch.Addr(interpFile.Entry)
	}

	vvar, vdso, vsyscall, armTraps, err := mapSynthesizedPages(mem, arch)
	if err != nil {
		return Params{}, err
	}
	params.VvarAddr, params.VdsoAddr = vvar, vdso
	params.VsyscallAddr, params.ArmTrapsAddr = vsyscall, armTraps

	sw, err := newStackWriter(mem, arch)
	if err != nil {
		return Params{}, err
	}
	auxv := auxvForELF(hdr, phdrAddr, loadBase, entry, vdso)
	sp, err := writeProcessStack(sw, arch, l.Path, l.Argv, l.Envp, auxv)
	if err != nil {
		return Params{}, err
	}

	params.StackAddr = stackBase(arch)
	params.Entry = entry
	params.StackTop = sp
	heapBase, _ := hostarch.PageRoundUp(highest)
	params.HeapBase = heapBase
	params.Type = fileType
	params.Linkage = linkage
	return params, nil
}

func classify(t elf.Type) FileType {
	switch t {
	case elf.ET_REL:
		return FileRel
	case elf.ET_EXEC:
		return FileExec
	case elf.ET_DYN:
		return FileDyn
	case elf.ET_CORE:
		return FileCore
	default:
		return FileUnknown
	}
}

func findInterp(f *elf.File) string {
	for _, p := range f.Progs {
		if p.Type != elf.PT_INTERP {
			continue
		}
		data, err := io.ReadAll(p.Open())
		if err != nil || len(data) == 0 {
			return ""
		}
		if i := indexNUL(data); i >= 0 {
			return string(data[:i])
		}
		return string(data)
	}
	return ""
}

func indexNUL(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// loadSegments maps every PT_LOAD program header of f at base+p_vaddr
// and returns the highest byte address any segment touches, rounded up
// to a page, the boundary the caller uses to pick a brk base.
func loadSegments(mem *memory.Manager, f *elf.File, base hostarch.Addr) (hostarch.Addr, error) {
	var highest hostarch.Addr
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if p.Memsz == 0 {
			continue
		}
		perms := permsFromFlags(p.Flags)
		addr := base + hostarch.Addr(p.Vaddr)
		mapAddr := hostarch.PageRoundDown(addr)
		mapEnd, _ := hostarch.PageRoundUp(addr + hostarch.Addr(p.Memsz))
		mapSize := uint64(mapEnd - mapAddr)

		if _, err := mem.Map(mapAddr, mapSize, hostarch.ReadWrite(), "[load]", true); err != nil {
			return 0, err
		}
		data, err := io.ReadAll(p.Open())
		if err != nil {
			return 0, err
		}
		if len(data) > 0 {
			if err := mem.Write(addr, data); err != nil {
				return 0, err
			}
		}
		if perms != hostarch.ReadWrite() {
			if err := mem.Protect(mapAddr, mapSize, perms); err != nil {
				return 0, err
			}
		}
		if mapEnd > highest {
			highest = mapEnd
		}
	}
	return highest, nil
}

func permsFromFlags(f elf.ProgFlag) hostarch.AccessType {
	return hostarch.AccessType{
		Read:    f&elf.PF_R != 0,
		Write:   f&elf.PF_W != 0,
		Execute: f&elf.PF_X != 0,
	}
}

// mapSynthesizedPages maps the placeholder [vvar]/[vdso] pages every
// guest gets and the arch-specific fast-path pages spec.md §4.3 calls
// out: x86-64's vsyscall page at its fixed historical address and
// ARM's kernel-helper trap page at 0xFFFF0000. Neither carries real
// vDSO code (out of scope beyond synthesizing the mapping guests probe
// for); both are a single RX page the corresponding arch adapter's
// vsyscall handling (spec.md §4.2) expects to find mapped.
func mapSynthesizedPages(mem *memory.Manager, arch cpuarch.Arch) (vvar, vdso, vsyscall, armTraps hostarch.Addr, err error) {
	vvar, err = mem.Map(0, hostarch.PageSize, hostarch.ReadOnly(), "[vvar]", false)
	if err != nil {
		return
	}
	vdso, err = mem.Map(0, hostarch.PageSize, hostarch.ReadExecute(), "[vdso]", false)
	if err != nil {
		return
	}
	if arch == cpuarch.X8664 {
		vsyscall, err = mem.Map(hostarch.Addr(0xFFFFFFFFFF600000), hostarch.PageSize, hostarch.ReadExecute(), "[vsyscall]", true)
		if err != nil {
			return
		}
	}
	if arch == cpuarch.ARM {
		armTraps, err = mem.Map(hostarch.Addr(0xFFFF0000), hostarch.PageSize, hostarch.ReadExecute(), "[arm-traps]", true)
		if err != nil {
			return
		}
	}
	return
}

// elfHeader holds the raw e_phoff/e_phentsize/e_phnum fields debug/elf
// parses internally but doesn't re-expose on elf.FileHeader.
type elfHeader struct {
	phoff     uint64
	phentsize uint16
	phnum     uint16
}

// readHeader re-reads the first bytes of the ELF file to recover the
// program-header-table location needed for AT_PHDR, the one piece of
// e_ident-adjacent data debug/elf consumes but does not export.
func readHeader(hostPath string, class elf.Class) (elfHeader, error) {
	raw, err := os.ReadFile(hostPath)
	if err != nil {
		return elfHeader{}, err
	}
	if class == elf.ELFCLASS64 {
		if len(raw) < 64 {
			return elfHeader{}, fmt.Errorf("loader: truncated ELF64 header")
		}
		return elfHeader{
			phoff:     binary.LittleEndian.Uint64(raw[32:40]),
			phentsize: binary.LittleEndian.Uint16(raw[54:56]),
			phnum:     binary.LittleEndian.Uint16(raw[56:58]),
		}, nil
	}
	if len(raw) < 52 {
		return elfHeader{}, fmt.Errorf("loader: truncated ELF32 header")
	}
	return elfHeader{
		phoff:     uint64(binary.LittleEndian.Uint32(raw[28:32])),
		phentsize: binary.LittleEndian.Uint16(raw[42:44]),
		phnum:     binary.LittleEndian.Uint16(raw[44:46]),
	}, nil
}

// phdrVaddr locates AT_PHDR by finding the PT_LOAD segment containing
// phoff and adding the in-segment delta, the standard glibc _dl_start
// trick for images with no dedicated PT_PHDR entry.
func phdrVaddr(f *elf.File, phoff uint64) uint64 {
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if phoff >= p.Off && phoff < p.Off+p.Filesz {
			return p.Vaddr + (phoff - p.Off)
		}
	}
	return 0
}

// auxvForELF builds the standard auxv set spec.md §4.3 names for an ELF
// image (writeProcessStack fills in AT_RANDOM/AT_PLATFORM/AT_EXECFN once
// the corresponding strings are written).
func auxvForELF(hdr elfHeader, phdrAddr, loadBase, entry, vdso hostarch.Addr) []auxvEntry {
	return []auxvEntry{
		{key: AtPhdr, val: uint64(phdrAddr)},
		{key: AtPhent, val: uint64(hdr.phentsize)},
		{key: AtPhnum, val: uint64(hdr.phnum)},
		{key: AtPagesz, val: hostarch.PageSize},
		{key: AtBase, val: uint64(loadBase)},
		{key: AtFlags, val: 0},
		{key: AtEntry, val: uint64(entry)},
		{key: AtUID, val: 0},
		{key: AtEUID, val: 0},
		{key: AtGID, val: 0},
		{key: AtEGID, val: 0},
		{key: AtSecure, val: 0},
		{key: AtHwcap, val: 0},
		{key: AtClktck, val: 100},
		{key: AtSysinfoEhdr, val: uint64(vdso)},
	}
}
