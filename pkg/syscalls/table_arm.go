package syscalls

import "github.com/talismancer/arion/pkg/errno"

// armTable is the 32-bit ARM EABI syscall number -> handler table. Socket
// calls are wired at their direct per-call numbers (as exposed by modern
// ARM kernels alongside the legacy socketcall(2) multiplexer); guests
// that only know the socketcall(2) multiplexer are out of scope.
func armTable() map[uint64]Entry {
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
		173: Supported("rt_sigreturn", RtSigreturn),
		174: Supported("rt_sigaction", RtSigaction),
		175: Supported("rt_sigprocmask", RtSigprocmask),
		183: Supported("getcwd", Getcwd),
		224: Supported("gettid", GetTID),
		240: Supported("futex", Futex),
		241: Supported("set_thread_area", SetThreadArea),
		248: Supported("exit_group", ExitGroup),
		256: Supported("set_tid_address", SetTidAddress),
		263: Supported("clock_gettime", ClockGettime),
		265: Supported("clock_nanosleep", ClockNanosleep),
		281: Supported("socket", Socket),
		283: Supported("connect", Connect),
		284: Supported("listen", Listen),
		285: Supported("accept", Accept),
		290: Supported("sendto", Sendto),
		292: Supported("recvfrom", Recvfrom),
		268: Supported("tgkill", Tgkill),
		322: Supported("openat", Openat),
		369: PartiallySupported("prlimit64", Prlimit64, "reports RLIM_INFINITY only"),
		398: Supported("rseq", RSeq),

		// ARM private syscall __ARM_NR_set_tls (0xf0000 + 5).
		0xf0005: Supported("set_tls", SetThreadArea),
	}
}
