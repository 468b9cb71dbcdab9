package syscalls

import (
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/talismancer/arion/pkg/abi"
	"github.com/talismancer/arion/pkg/errno"
	"github.com/talismancer/arion/pkg/hostarch"
)

// Open implements open(2).
func Open(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	return doOpen(t, args[0].Pointer(), args[1].Int(), args[2].Uint())
}

// Openat implements openat(2), narrowed to AT_FDCWD and the fd-relative
// case via a relative-path resolution inside the sandbox (no actual
// dirfd-relative resolution, since every open is already resolved
// relative to the sandboxed cwd).
func Openat(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	return doOpen(t, args[1].Pointer(), args[2].Int(), args[3].Uint())
}

func doOpen(t Task, pathAddr hostarch.Addr, flags int32, mode uint32) (uintptr, *Control, error) {
	path, err := t.Memory().ReadCString(pathAddr)
	if err != nil {
		return 0, nil, errno.EFAULT
	}
	fd, err := t.FS().Open(path, int(flags), os.FileMode(mode&0o777))
	if err != nil {
		return 0, nil, err
	}
	return uintptr(fd), nil, nil
}

// Close implements close(2).
func Close(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	fd := int(args[0].Int())
	if err := t.FS().Close(fd); err != nil {
		return 0, nil, err
	}
	return 0, nil, nil
}

// Read implements read(2).
func Read(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	fd := int(args[0].Int())
	bufAddr := args[1].Pointer()
	count := args[2].Uint64()

	f := t.FS().Get(fd)
	if f == nil || f.Host == nil {
		return 0, nil, errno.EBADF
	}
	buf := make([]byte, count)
	n, err := f.Host.Read(buf)
	if err != nil && err != io.EOF {
		return 0, nil, errno.FromHost(err)
	}
	if n > 0 {
		if err := t.Memory().Write(bufAddr, buf[:n]); err != nil {
			return 0, nil, errno.EFAULT
		}
	}
	return uintptr(n), nil, nil
}

// Write implements write(2).
func Write(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	fd := int(args[0].Int())
	bufAddr := args[1].Pointer()
	count := args[2].Uint64()

	f := t.FS().Get(fd)
	if f == nil || f.Host == nil {
		return 0, nil, errno.EBADF
	}
	data, err := t.Memory().Read(bufAddr, count)
	if err != nil {
		return 0, nil, errno.EFAULT
	}
	n, err := f.Host.Write(data)
	if err != nil {
		return 0, nil, errno.FromHost(err)
	}
	return uintptr(n), nil, nil
}

// Lseek implements lseek(2).
func Lseek(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	fd := int(args[0].Int())
	offset := args[1].Int64()
	whence := int(args[2].Int())

	f := t.FS().Get(fd)
	if f == nil || f.Host == nil {
		return 0, nil, errno.EBADF
	}
	pos, err := f.Host.Seek(offset, whence)
	if err != nil {
		return 0, nil, errno.FromHost(err)
	}
	return uintptr(pos), nil, nil
}

// Dup implements dup(2).
func Dup(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	fd, err := t.FS().Dup(int(args[0].Int()))
	if err != nil {
		return 0, nil, err
	}
	return uintptr(fd), nil, nil
}

// Access implements access(2): resolved purely within the sandbox, so
// every check degrades to "does the path exist", since there is no
// guest-visible uid/gid permission model to check F_OK/R_OK/W_OK/X_OK
// against beyond host file existence.
func Access(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	path, err := t.Memory().ReadCString(args[0].Pointer())
	if err != nil {
		return 0, nil, errno.EFAULT
	}
	host, err := t.FS().ToHostPath(path)
	if err != nil {
		return 0, nil, err
	}
	if _, err := os.Stat(host); err != nil {
		return 0, nil, errno.FromHost(err)
	}
	return 0, nil, nil
}

// readlink implements readlink(2), narrowed to symlinks inside the
// sandbox.
func Readlink(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	path, err := t.Memory().ReadCString(args[0].Pointer())
	if err != nil {
		return 0, nil, errno.EFAULT
	}
	bufAddr := args[1].Pointer()
	bufSize := args[2].Uint64()

	host, err := t.FS().ToHostPath(path)
	if err != nil {
		return 0, nil, err
	}
	target, err := os.Readlink(host)
	if err != nil {
		return 0, nil, errno.FromHost(err)
	}
	data := []byte(target)
	if uint64(len(data)) > bufSize {
		data = data[:bufSize]
	}
	if err := t.Memory().Write(bufAddr, data); err != nil {
		return 0, nil, errno.EFAULT
	}
	return uintptr(len(data)), nil, nil
}

// Getcwd implements getcwd(2).
func Getcwd(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	bufAddr := args[0].Pointer()
	size := args[1].Uint64()
	cwd := t.FS().CWD()
	if uint64(len(cwd)+1) > size {
		return 0, nil, errno.ERANGE
	}
	if err := t.Memory().WriteString(bufAddr, cwd); err != nil {
		return 0, nil, errno.EFAULT
	}
	return uintptr(len(cwd) + 1), nil, nil
}

// Chdir implements chdir(2).
func Chdir(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	path, err := t.Memory().ReadCString(args[0].Pointer())
	if err != nil {
		return 0, nil, errno.EFAULT
	}
	if _, err := t.FS().ToHostPath(path); err != nil {
		return 0, nil, err
	}
	t.FS().SetCWD(path)
	return 0, nil, nil
}

// statLayout is the subset of struct stat this runtime fills in.
// writeStat stores it at x86-64 struct stat offsets for every guest
// arch; no per-arch layout is applied.
type statLayout struct {
	Size int64
	Mode uint32
	Mtime int64
}

// statFor stats path via the host's Stat syscall directly rather than
// os.Stat, so Mode carries the kernel's own S_IFMT/permission bit
// layout the guest's libc expects instead of Go's abstracted
// os.FileMode encoding.
func statFor(path string) (statLayout, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return statLayout{}, err
	}
	return statLayout{Size: st.Size, Mode: st.Mode, Mtime: st.Mtim.Sec}, nil
}

// Fstat implements fstat(2), writing only size, mode and mtime into the
// guest's stat buffer (spec.md Non-goals exclude full stat fidelity;
// this is enough for guests that only branch on file size/type).
func Fstat(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	fd := int(args[0].Int())
	statAddr := args[1].Pointer()

	f := t.FS().Get(fd)
	if f == nil || f.Host == nil {
		return 0, nil, errno.EBADF
	}
	var ust unix.Stat_t
	if err := unix.Fstat(int(f.Host.Fd()), &ust); err != nil {
		return 0, nil, errno.FromHost(err)
	}
	st := statLayout{Size: ust.Size, Mode: ust.Mode, Mtime: ust.Mtim.Sec}
	return 0, nil, writeStat(t, statAddr, st)
}

func writeStat(t Task, addr hostarch.Addr, st statLayout) error {
	// offsets chosen to match the x86-64 struct stat layout closely
	// enough for size-at-offset-48 / mode-at-offset-24 guest checks,
	// plus st_mtime's seconds at offset 88; no other struct stat field
	// is written.
	if err := t.Memory().Write(addr+24, u32le(st.Mode)); err != nil {
		return errno.EFAULT
	}
	if err := t.Memory().Write(addr+48, u64le(uint64(st.Size))); err != nil {
		return errno.EFAULT
	}
	if err := t.Memory().Write(addr+88, u64le(uint64(st.Mtime))); err != nil {
		return errno.EFAULT
	}
	return nil
}

func u32le(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func u64le(v uint64) []byte {
	b := make([]byte, 8)
	for i := range b {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
