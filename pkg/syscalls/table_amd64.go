package syscalls

import "github.com/talismancer/arion/pkg/errno"

// x8664Table is the x86-64 syscall number -> handler table, covering the
// subset of the Linux x86-64 ABI this runtime implements.
func x8664Table() map[uint64]Entry {
	return map[uint64]Entry{
		0:   Supported("read", Read),
		1:   Supported("write", Write),
		2:   Supported("open", Open),
		3:   Supported("close", Close),
		5:   PartiallySupported("fstat", Fstat, "size/mode/mtime only"),
		8:   Supported("lseek", Lseek),
		9:   Supported("mmap", Mmap),
		10:  Supported("mprotect", Mprotect),
		11:  Supported("munmap", Munmap),
		12:  Supported("brk", Brk),
		13:  Supported("rt_sigaction", RtSigaction),
		14:  Supported("rt_sigprocmask", RtSigprocmask),
		15:  Supported("rt_sigreturn", RtSigreturn),
		16:  Error("ioctl", errno.ENOSYS, "no tty/device model"),
		21:  Supported("access", Access),
		32:  Supported("dup", Dup),
		35:  Supported("nanosleep", Nanosleep),
		39:  Supported("getpid", GetPID),
		41:  Supported("socket", Socket),
		42:  Supported("connect", Connect),
		43:  Supported("accept", Accept),
		44:  Supported("sendto", Sendto),
		45:  Supported("recvfrom", Recvfrom),
		56:  Supported("clone", Clone),
		57:  Supported("fork", Fork),
		59:  Supported("execve", Execve),
		60:  Supported("exit", Exit),
		62:  Supported("kill", Kill),
		63:  PartiallySupported("uname", Uname, "synthetic machine identity"),
		79:  Supported("getcwd", Getcwd),
		80:  Supported("chdir", Chdir),
		89:  Supported("readlink", Readlink),
		96:  Supported("gettimeofday", Gettimeofday),
		99:  PartiallySupported("sysinfo", Sysinfo, "zeroed memory accounting"),
		100: PartiallySupported("times", Times, "zeroed CPU-time accounting"),
		102: Supported("getuid", GetUID),
		104: Supported("getgid", GetGID),
		105: Supported("setuid", SetUID),
		106: Supported("setgid", SetGID),
		107: Supported("geteuid", GetEUID),
		108: Supported("getegid", GetEGID),
		110: Supported("getppid", GetPPID),
		158: Supported("arch_prctl", ArchPrctl),
		186: Supported("gettid", GetTID),
		202: Supported("futex", Futex),
		218: Supported("set_tid_address", SetTidAddress),
		228: Supported("clock_gettime", ClockGettime),
		230: Supported("clock_nanosleep", ClockNanosleep),
		231: Supported("exit_group", ExitGroup),
		234: Supported("tgkill", Tgkill),
		257: Supported("openat", Openat),
		302: PartiallySupported("prlimit64", Prlimit64, "reports RLIM_INFINITY only"),
		334: Supported("rseq", RSeq),
	}
}
