package syscalls

import "github.com/talismancer/arion/pkg/errno"

// ppc32Table is the 32-bit PowerPC syscall number -> handler table.
func ppc32Table() map[uint64]Entry {
	return map[uint64]Entry{
		1:   Supported("exit", Exit),
		2:   Supported("fork", Fork),
		3:   Supported("read", Read),
		4:   Supported("write", Write),
		5:   Supported("open", Open),
		6:   Supported("close", Close),
		11:  Supported("execve", Execve),
		12:  Supported("chdir", Chdir),
		19:  Supported("lseek", Lseek),
		20:  Supported("getpid", GetPID),
		23:  Supported("setuid", SetUID),
		24:  Supported("getuid", GetUID),
		33:  Supported("access", Access),
		37:  Supported("kill", Kill),
		41:  Supported("dup", Dup),
		45:  Supported("brk", Brk),
		46:  Supported("setgid", SetGID),
		47:  Supported("getgid", GetGID),
		49:  Supported("geteuid", GetEUID),
		50:  Supported("getegid", GetEGID),
		54:  Error("ioctl", errno.ENOSYS, "no tty/device model"),
		64:  Supported("getppid", GetPPID),
		78:  Supported("gettimeofday", Gettimeofday),
		85:  Supported("readlink", Readlink),
		90:  Supported("mmap", Mmap),
		91:  Supported("munmap", Munmap),
		116: PartiallySupported("sysinfo", Sysinfo, "zeroed memory accounting"),
		120: Supported("clone", Clone),
		122: PartiallySupported("uname", Uname, "synthetic machine identity"),
		125: Supported("mprotect", Mprotect),
		162: Supported("nanosleep", Nanosleep),
		172: Supported("rt_sigreturn", RtSigreturn),
		173: Supported("rt_sigaction", RtSigaction),
		174: Supported("rt_sigprocmask", RtSigprocmask),
		182: Supported("getcwd", Getcwd),
		207: Supported("gettid", GetTID),
		221: Supported("futex", Futex),
		232: Supported("set_tid_address", SetTidAddress),
		234: Supported("exit_group", ExitGroup),
		246: Supported("clock_gettime", ClockGettime),
		248: Supported("clock_nanosleep", ClockNanosleep),
		250: Supported("tgkill", Tgkill),
		286: Supported("openat", Openat),
		325: PartiallySupported("prlimit64", Prlimit64, "reports RLIM_INFINITY only"),
		326: Supported("socket", Socket),
		327: Supported("bind", Bind),
		328: Supported("connect", Connect),
		329: Supported("listen", Listen),
		330: Supported("accept", Accept),
		335: Supported("sendto", Sendto),
		337: Supported("recvfrom", Recvfrom),
		387: Supported("rseq", RSeq),
	}
}
