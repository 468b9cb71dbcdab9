package syscalls

import "github.com/talismancer/arion/pkg/abi"

// This runtime runs every guest as a single synthetic identity (uid/gid
// 0, matching the original runtime's assumption that guests run as the
// embedding process's effective identity), so the getuid/getgid family
// reports constants rather than consulting a credential table.

// GetUID implements getuid(2).
func GetUID(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	return 0, nil, nil
}

// GetEUID implements geteuid(2).
func GetEUID(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	return 0, nil, nil
}

// GetGID implements getgid(2).
func GetGID(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	return 0, nil, nil
}

// GetEGID implements getegid(2).
func GetEGID(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	return 0, nil, nil
}

// SetUID implements setuid(2) as a no-op success, matching this
// runtime's single-identity model.
func SetUID(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	return 0, nil, nil
}

// SetGID implements setgid(2) as a no-op success.
func SetGID(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	return 0, nil, nil
}
