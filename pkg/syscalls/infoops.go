package syscalls

import (
	"github.com/talismancer/arion/pkg/abi"
	"github.com/talismancer/arion/pkg/errno"
	"github.com/talismancer/arion/pkg/hostarch"
)

// unameField is one 65-byte NUL-padded field of struct utsname.
func unameField(t Task, addr uint64, fieldIndex int, value string) error {
	const fieldLen = 65
	off := addr + uint64(fieldIndex*fieldLen)
	data := make([]byte, fieldLen)
	copy(data, value)
	return t.Memory().Write(hostarch.Addr(off), data)
}

// Uname implements uname(2), reporting a struct utsname describing this
// runtime's synthetic machine identity instead of the host's, so guests
// probing uname() see the emulated architecture rather than the
// embedder's.
func Uname(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	addr := uint64(args[0].Pointer())
	fields := []string{"Linux", "arion", "5.15.0-arion", "#1 SMP", machineName(t.Arch()), ""}
	for i, v := range fields {
		if err := unameField(t, addr, i, v); err != nil {
			return 0, nil, errno.EFAULT
		}
	}
	return 0, nil, nil
}

func machineName(arch interface{ String() string }) string {
	switch arch.String() {
	case "X86-64":
		return "x86_64"
	case "X86":
		return "i686"
	case "ARM64":
		return "aarch64"
	case "ARM":
		return "armv7l"
	case "PPC32":
		return "ppc"
	default:
		return "unknown"
	}
}

// Sysinfo implements sysinfo(2) by writing 64 zero bytes: uptime and
// every memory-accounting field read as 0 (spec.md Non-goals exclude
// memory-pressure accounting).
func Sysinfo(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	addr := args[0].Pointer()
	buf := make([]byte, 64)
	if err := t.Memory().Write(addr, buf); err != nil {
		return 0, nil, errno.EFAULT
	}
	return 0, nil, nil
}
