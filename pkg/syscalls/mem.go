package syscalls

import (
	"github.com/talismancer/arion/pkg/abi"
	"github.com/talismancer/arion/pkg/cpuarch"
	"github.com/talismancer/arion/pkg/errno"
	"github.com/talismancer/arion/pkg/hostarch"
)

const (
	mapShared    = 0x01
	mapPrivate   = 0x02
	mapFixed     = 0x10
	mapAnonymous = 0x20
)

// Mmap implements mmap(2) (and its arm/x86 old_mmap aliases) against the
// Memory Manager: file-backed mappings read the backing file into guest
// memory once at map time rather than faulting pages in lazily.
func Mmap(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	if sysno == 90 && (t.Arch() == cpuarch.X86 || t.Arch() == cpuarch.ARM) {
		// old_mmap: the single argument points at six 32-bit words.
		block := args[0].Pointer()
		for i := range args {
			v, err := t.Memory().ReadPtr(block+hostarch.Addr(4*i), 4)
			if err != nil {
				return 0, nil, errno.EFAULT
			}
			args[i].Value = uint64(v)
		}
	}
	addrHint := args[0].Pointer()
	length := args[1].Uint64()
	prot := args[2].Uint()
	flags := args[3].Uint()
	fd := args[4].Int()
	offset := args[5].Uint64()

	if length == 0 {
		return 0, nil, errno.EINVAL
	}
	perms := hostarch.AccessTypeFromBits(uint8(prot & 0x7))
	fixed := flags&mapFixed != 0

	out, err := t.Memory().Map(addrHint, length, perms, "[anon]", fixed)
	if err != nil {
		return 0, nil, errno.ENOMEM
	}

	if flags&mapAnonymous == 0 && fd >= 0 {
		f := t.FS().Get(int(fd))
		if f == nil || f.Host == nil {
			return 0, nil, errno.EBADF
		}
		buf := make([]byte, length)
		n, _ := f.Host.ReadAt(buf, int64(offset))
		if n > 0 {
			if err := t.Memory().Write(out, buf[:n]); err != nil {
				return 0, nil, errno.EFAULT
			}
		}
	}
	return uintptr(out), nil, nil
}

// Munmap implements munmap(2).
func Munmap(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	addr := args[0].Pointer()
	length := args[1].Uint64()
	if err := t.Memory().Unmap(addr, length); err != nil {
		return 0, nil, errno.EINVAL
	}
	return 0, nil, nil
}

// Mprotect implements mprotect(2).
func Mprotect(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	addr := args[0].Pointer()
	length := args[1].Uint64()
	prot := args[2].Uint()
	perms := hostarch.AccessTypeFromBits(uint8(prot & 0x7))
	if err := t.Memory().Protect(addr, length, perms); err != nil {
		return 0, nil, errno.EINVAL
	}
	return 0, nil, nil
}

// ProgramBreaker is implemented by tasks that track a brk-managed heap
// region (pkg/sched.Thread); Brk degrades to a no-op echo of the
// requested address for any Task that doesn't.
type ProgramBreaker interface {
	ProgramBreak() hostarch.Addr
	SetProgramBreak(hostarch.Addr) (hostarch.Addr, error)
}

// Brk implements brk(2): grows or shrinks the program break. addr == 0
// queries the current break without changing it.
func Brk(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	newBrk := args[0].Pointer()
	b, ok := t.(ProgramBreaker)
	if !ok {
		return uintptr(newBrk), nil, nil
	}
	if newBrk == 0 {
		return uintptr(b.ProgramBreak()), nil, nil
	}
	got, err := b.SetProgramBreak(newBrk)
	if err != nil {
		return 0, nil, errno.ENOMEM
	}
	return uintptr(got), nil, nil
}
