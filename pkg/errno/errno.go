// Copyright 2019 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errno defines the sentinel errors syscall handlers return. Each
// sentinel carries the negative errno value the dispatcher writes back to
// the guest's return register, mirroring the teacher's pkg/errors/linuxerr
// sentinel-error style (see sys_rseq.go's linuxerr.EINVAL/linuxerr.ENOSYS
// usage) rather than the original C++ runtime's plain int return values.
package errno

import (
	"errors"
	"fmt"
	"syscall"
)

// Errno is a guest-visible Linux errno, returned by syscall handlers instead
// of the raw negative value so handlers read like "return errno.EINVAL"
// rather than "return -22".
type Errno struct {
	name string
	no   syscall.Errno
}

// Error implements error.
func (e *Errno) Error() string {
	return e.name
}

// Negated returns the value the dispatcher writes into the syscall return
// register: -errno, as a uint64 in two's complement.
func (e *Errno) Negated() uint64 {
	return uint64(-int64(e.no))
}

// Host returns the underlying syscall.Errno, for handlers that need to
// compare against errors returned by host syscalls.
func (e *Errno) Host() syscall.Errno {
	return e.no
}

func def(name string, no syscall.Errno) *Errno {
	return &Errno{name: name, no: no}
}

// Sentinel errno values for the syscalls this runtime implements. Names
// match the kernel's UPPERCASE spelling so handler code reads like the
// manpages it's translating.
var (
	EPERM   = def("EPERM", syscall.EPERM)
	ENOENT  = def("ENOENT", syscall.ENOENT)
	ESRCH   = def("ESRCH", syscall.ESRCH)
	EINTR   = def("EINTR", syscall.EINTR)
	EIO     = def("EIO", syscall.EIO)
	EBADF   = def("EBADF", syscall.EBADF)
	EAGAIN  = def("EAGAIN", syscall.EAGAIN)
	ENOMEM  = def("ENOMEM", syscall.ENOMEM)
	EACCES  = def("EACCES", syscall.EACCES)
	EFAULT  = def("EFAULT", syscall.EFAULT)
	EEXIST  = def("EEXIST", syscall.EEXIST)
	ENOTDIR = def("ENOTDIR", syscall.ENOTDIR)
	EISDIR  = def("EISDIR", syscall.EISDIR)
	EINVAL  = def("EINVAL", syscall.EINVAL)
	ENFILE  = def("ENFILE", syscall.ENFILE)
	EMFILE  = def("EMFILE", syscall.EMFILE)
	ENOSYS  = def("ENOSYS", syscall.ENOSYS)
	ENOTSOCK = def("ENOTSOCK", syscall.ENOTSOCK)
	EOPNOTSUPP = def("EOPNOTSUPP", syscall.EOPNOTSUPP)
	EADDRINUSE = def("EADDRINUSE", syscall.EADDRINUSE)
	ECONNREFUSED = def("ECONNREFUSED", syscall.ECONNREFUSED)
	ETIMEDOUT = def("ETIMEDOUT", syscall.ETIMEDOUT)
	ESPIPE  = def("ESPIPE", syscall.ESPIPE)
	ERANGE  = def("ERANGE", syscall.ERANGE)
	ECHILD  = def("ECHILD", syscall.ECHILD)
	ENOSPC  = def("ENOSPC", syscall.ENOSPC)
	EPIPE   = def("EPIPE", syscall.EPIPE)
	ENAMETOOLONG = def("ENAMETOOLONG", syscall.ENAMETOOLONG)
	ELOOP   = def("ELOOP", syscall.ELOOP)
)

// FromHost wraps a host error returned by a passthrough syscall (open,
// read, stat, ...) as a guest Errno, preserving the concrete errno value
// when the host returned a syscall.Errno and falling back to EIO
// otherwise, mirroring usercorn's Errno(err) helper
// (other_examples/aeb1e9c6_x56-usercorn__go-kernel-posix-io.go.go).
func FromHost(err error) *Errno {
	if err == nil {
		return nil
	}
	var host syscall.Errno
	if errors.As(err, &host) {
		return def(fmt.Sprintf("errno %d", int(host)), host)
	}
	return EIO
}
