package syscalls

import (
	"github.com/talismancer/arion/pkg/abi"
	"github.com/talismancer/arion/pkg/errno"
	"github.com/talismancer/arion/pkg/hostarch"
)

const (
	cloneVM    = 0x00000100
	cloneVfork = 0x00004000
)

// Exit implements exit(2): terminates only the calling thread.
func Exit(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	return 0, &Control{Exit: true, ExitStatus: int(args[0].Int())}, nil
}

// ExitGroup implements exit_group(2): terminates every thread in the
// calling task's group.
func ExitGroup(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	status := int(args[0].Int())
	t.ExitGroup(status)
	return 0, &Control{Exit: true, ExitStatus: status}, nil
}

// Fork implements fork(2): a full address-space copy.
func Fork(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	tid, err := t.Fork(false)
	if err != nil {
		return 0, nil, errno.EAGAIN
	}
	return uintptr(tid), nil, nil
}

// Clone implements clone(2), narrowed to the flag combinations this
// runtime's guests actually issue: CLONE_VM (thread creation, sharing
// the address space) and plain fork-equivalent (no CLONE_VM, a private
// copy). CLONE_VFORK is accepted but treated the same as a normal
// CLONE_VM clone, since there is no separate vfork suspension model in
// the cooperative scheduler.
func Clone(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	flags := args[0].Uint64()
	shareMemory := flags&cloneVM != 0 || flags&cloneVfork != 0
	tid, err := t.Fork(shareMemory)
	if err != nil {
		return 0, nil, errno.EAGAIN
	}
	return uintptr(tid), nil, nil
}

// Execve implements execve(2). It returns no Control: the dispatcher
// writes the zero result to the return register as it does for any
// other syscall, and the scheduler's trap handler has no exec-specific
// step.
func Execve(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	pathAddr := args[0].Pointer()
	argvAddr := args[1].Pointer()
	envpAddr := args[2].Pointer()

	path, err := t.Memory().ReadCString(pathAddr)
	if err != nil {
		return 0, nil, errno.EFAULT
	}
	argv, err := readStringVector(t, argvAddr)
	if err != nil {
		return 0, nil, errno.EFAULT
	}
	envp, err := readStringVector(t, envpAddr)
	if err != nil {
		return 0, nil, errno.EFAULT
	}
	if err := t.Exec(path, argv, envp); err != nil {
		return 0, nil, errno.FromHost(err)
	}
	return 0, nil, nil
}

func readStringVector(t Task, addr hostarch.Addr) ([]string, error) {
	if addr == 0 {
		return nil, nil
	}
	var out []string
	width := t.ABI().Width()
	cur := addr
	for {
		ptr, err := t.Memory().ReadPtr(cur, width)
		if err != nil {
			return nil, err
		}
		if ptr == 0 {
			break
		}
		s, err := t.Memory().ReadCString(ptr)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
		cur += hostarch.Addr(width)
	}
	return out, nil
}

// GetPID implements getpid(2).
func GetPID(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	return uintptr(t.PID()), nil, nil
}

// GetTID implements gettid(2).
func GetTID(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	return uintptr(t.TID()), nil, nil
}

// GetPPID implements getppid(2). This runtime does not model a process
// tree deep enough to track a distinct parent pid per guest, so it
// always reports the host-visible pid of the emulator process's
// synthetic init (pid 1), matching the original runtime's single-tree
// ARION_PROCESS_PID convention.
func GetPPID(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	return 1, nil, nil
}
