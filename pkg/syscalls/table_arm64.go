package syscalls

import "github.com/talismancer/arion/pkg/errno"

// arm64Table is the AArch64 syscall number -> handler table, drawn from
// the generic Linux syscall ABI (asm-generic/unistd.h) that arm64 uses
// verbatim rather than defining its own numbering.
func arm64Table() map[uint64]Entry {
	return map[uint64]Entry{
		17:  Supported("getcwd", Getcwd),
		23:  Supported("dup", Dup),
		29:  Error("ioctl", errno.ENOSYS, "no tty/device model"),
		48:  Supported("access", Access), // faccessat, dirfd-relative form of access
		49:  Supported("chdir", Chdir),
		56:  Supported("openat", Openat),
		57:  Supported("close", Close),
		62:  Supported("lseek", Lseek),
		63:  Supported("read", Read),
		64:  Supported("write", Write),
		78:  Supported("readlink", Readlink), // readlinkat, dirfd-relative form of readlink
		80:  PartiallySupported("fstat", Fstat, "size/mode/mtime only"),
		93:  Supported("exit", Exit),
		94:  Supported("exit_group", ExitGroup),
		96:  Supported("set_tid_address", SetTidAddress),
		98:  Supported("futex", Futex),
		101: Supported("nanosleep", Nanosleep),
		113: Supported("clock_gettime", ClockGettime),
		115: Supported("clock_nanosleep", ClockNanosleep),
		129: Supported("kill", Kill),
		131: Supported("tgkill", Tgkill),
		134: Supported("rt_sigaction", RtSigaction),
		135: Supported("rt_sigprocmask", RtSigprocmask),
		139: Supported("rt_sigreturn", RtSigreturn),
		144: Supported("setgid", SetGID),
		153: PartiallySupported("times", Times, "zeroed CPU-time accounting"),
		160: PartiallySupported("uname", Uname, "synthetic machine identity"),
		169: Supported("gettimeofday", Gettimeofday),
		172: Supported("getpid", GetPID),
		173: Supported("getppid", GetPPID),
		174: Supported("getuid", GetUID),
		175: Supported("geteuid", GetEUID),
		176: Supported("getgid", GetGID),
		177: Supported("getegid", GetEGID),
		178: Supported("gettid", GetTID),
		179: PartiallySupported("sysinfo", Sysinfo, "zeroed memory accounting"),
		198: Supported("socket", Socket),
		200: Supported("bind", Bind),
		201: Supported("listen", Listen),
		202: Supported("accept", Accept),
		203: Supported("connect", Connect),
		206: Supported("sendto", Sendto),
		207: Supported("recvfrom", Recvfrom),
		214: Supported("brk", Brk),
		215: Supported("munmap", Munmap),
		220: Supported("clone", Clone),
		221: Supported("execve", Execve),
		222: Supported("mmap", Mmap),
		226: Supported("mprotect", Mprotect),
		261: PartiallySupported("prlimit64", Prlimit64, "reports RLIM_INFINITY only"),
		293: Supported("rseq", RSeq),
	}
}
