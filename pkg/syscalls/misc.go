package syscalls

import (
	"github.com/talismancer/arion/pkg/abi"
	"github.com/talismancer/arion/pkg/errno"
	"github.com/talismancer/arion/pkg/hostarch"
)

const (
	futexWait = 0
	futexWake = 1
)

// tidAddressSetter is implemented by tasks that track a
// clear_child_tid address (pkg/sched.Thread). The scheduler writes a
// zero 32-bit word there when the thread exits; no futex wake is issued,
// since Futex never parks a waiter.
type tidAddressSetter interface {
	SetClearChildTID(hostarch.Addr)
}

// SetTidAddress implements set_tid_address(2).
func SetTidAddress(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	addr := args[0].Pointer()
	if s, ok := t.(tidAddressSetter); ok {
		s.SetClearChildTID(addr)
	}
	return uintptr(t.TID()), nil, nil
}

// Futex implements the two futex(2) operations guests in scope actually
// issue: FUTEX_WAIT (returns immediately with EAGAIN if the observed
// value already differs, otherwise 0 — there is no real blocking wait
// queue since the cooperative scheduler never has two OS threads racing
// on the same word) and FUTEX_WAKE (always reports zero waiters woken).
func Futex(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	addr := args[0].Pointer()
	op := args[1].Int() & 0x7f
	val := args[2].Uint()

	switch op {
	case futexWait:
		cur, err := memReadU32(t, addr)
		if err != nil {
			return 0, nil, errno.EFAULT
		}
		if cur != val {
			return 0, nil, errno.EAGAIN
		}
		return 0, nil, nil
	case futexWake:
		return 0, nil, nil
	default:
		return 0, nil, errno.ENOSYS
	}
}

func memReadU32(t Task, addr hostarch.Addr) (uint32, error) {
	data, err := t.Memory().Read(addr, 4)
	if err != nil {
		return 0, err
	}
	return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24, nil
}

const (
	archSetFS = 0x1002
	archGetFS = 0x1003
)

// ArchPrctl implements arch_prctl(2), narrowed to ARCH_SET_FS/ARCH_GET_FS
// (the only subfunctions glibc's x86-64 TLS setup issues).
func ArchPrctl(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	code := args[0].Int()
	switch code {
	case archSetFS:
		if err := t.ABI().SetTLS(args[1].Pointer()); err != nil {
			return 0, nil, errno.EINVAL
		}
		return 0, nil, nil
	case archGetFS:
		tls, err := t.ABI().TLS()
		if err != nil {
			return 0, nil, errno.EINVAL
		}
		if err := t.Memory().WritePtr(args[1].Pointer(), t.ABI().Width(), tls); err != nil {
			return 0, nil, errno.EFAULT
		}
		return 0, nil, nil
	default:
		return 0, nil, errno.EINVAL
	}
}

// SetThreadArea implements x86's set_thread_area(2) and ARM's set_tls,
// the 32-bit equivalents of ARCH_SET_FS: it sets the adapter's TLS register directly
// from the single argument rather than from an entry_number/base/limit
// descriptor struct, which is sufficient for the TLS bases glibc
// actually installs.
func SetThreadArea(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	if err := t.ABI().SetTLS(args[0].Pointer()); err != nil {
		return 0, nil, errno.EINVAL
	}
	return 0, nil, nil
}

// Prlimit64 implements prlimit64(2), reporting RLIM_INFINITY for every
// resource this runtime doesn't enforce limits on.
func Prlimit64(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	oldAddr := args[3].Pointer()
	if oldAddr != 0 {
		width := t.ABI().Width()
		inf := ^uint64(0)
		t.Memory().WritePtr(oldAddr, width, hostarch.Addr(inf))
		t.Memory().WritePtr(oldAddr+hostarch.Addr(width), width, hostarch.Addr(inf))
	}
	return 0, nil, nil
}

// RSeq implements rseq(2) as a no-op success: this runtime's scheduler
// doesn't preempt guest threads mid-instruction the way a real SMP
// kernel does, so there's no restartable-sequence race for rseq to
// guard against.
func RSeq(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	return 0, nil, nil
}

// Ioctl implements ioctl(2) as a blanket ENOSYS, since no device in
// scope (spec.md Non-goals exclude terminal/tty emulation) has a
// meaningful ioctl surface.
func Ioctl(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	return 0, nil, errno.ENOSYS
}
