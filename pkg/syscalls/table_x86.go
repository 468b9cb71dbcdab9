package syscalls

import "github.com/talismancer/arion/pkg/errno"

// x86Table is the i386 syscall number -> handler table (the classic
// int $0x80 ABI, not the x32/vDSO fast-path tables).
func x86Table() map[uint64]Entry {
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
		120: Supported("clone", Clone),
		116: PartiallySupported("sysinfo", Sysinfo, "zeroed memory accounting"),
		122: PartiallySupported("uname", Uname, "synthetic machine identity"),
		125: Supported("mprotect", Mprotect),
		162: Supported("nanosleep", Nanosleep),
		173: Supported("rt_sigreturn", RtSigreturn),
		174: Supported("rt_sigaction", RtSigaction),
		175: Supported("rt_sigprocmask", RtSigprocmask),
		183: Supported("getcwd", Getcwd),
		224: Supported("gettid", GetTID),
		240: Supported("futex", Futex),
		243: Supported("set_thread_area", SetThreadArea),
		252: Supported("exit_group", ExitGroup),
		258: Supported("set_tid_address", SetTidAddress),
		265: Supported("clock_gettime", ClockGettime),
		267: Supported("clock_nanosleep", ClockNanosleep),
		270: Supported("tgkill", Tgkill),
		295: Supported("openat", Openat),
		340: PartiallySupported("prlimit64", Prlimit64, "reports RLIM_INFINITY only"),
		359: Supported("socket", Socket),
		362: Supported("connect", Connect),
		364: Supported("accept", Accept),
		369: Supported("sendto", Sendto),
		371: Supported("recvfrom", Recvfrom),
		386: Supported("rseq", RSeq),
	}
}
