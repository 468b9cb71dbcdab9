// Package abi is the Arch/ABI Adapter (spec.md §4.2): it isolates every
// architecture-specific detail of register layout and syscall calling
// convention behind one flat interface, instead of the teacher's
// contextInterface-plus-per-arch-build-tag split (pkg/sentry/arch/arch.go),
// since this runtime switches arch at construction time rather than at
// Go compile time and only ever has one concrete implementation live per
// guest.
package abi

import (
	"github.com/talismancer/arion/pkg/cpuarch"
	"github.com/talismancer/arion/pkg/engine"
	"github.com/talismancer/arion/pkg/errno"
	"github.com/talismancer/arion/pkg/hostarch"
)

// SyscallArgument is one argument to a syscall, carrying the raw register
// value plus typed accessors, mirroring the teacher's
// arch.SyscallArgument/SyscallArguments without the C-type-named method
// set this runtime doesn't need (Int/Uint/ModeT collapse to Int64/Uint64).
type SyscallArgument struct {
	Value uint64
}

// Pointer returns the guest-address interpretation of the argument.
func (a SyscallArgument) Pointer() hostarch.Addr { return hostarch.Addr(a.Value) }

// Int returns the int32 interpretation of the argument.
func (a SyscallArgument) Int() int32 { return int32(a.Value) }

// Uint returns the uint32 interpretation of the argument.
func (a SyscallArgument) Uint() uint32 { return uint32(a.Value) }

// Int64 returns the int64 interpretation of the argument.
func (a SyscallArgument) Int64() int64 { return int64(a.Value) }

// Uint64 returns the raw uint64 value.
func (a SyscallArgument) Uint64() uint64 { return a.Value }

// SyscallArguments is the fixed 6-register argument vector every supported
// ABI exposes to a syscall (x86-64 rdi/rsi/rdx/r10/r8/r9; ARM64 x0-x5;
// ARM r0-r5; x86 ebx/ecx/edx/esi/edi/ebp; PPC32 r3-r8).
type SyscallArguments [6]SyscallArgument

// Context is the per-thread architecture adapter: register access,
// syscall number/argument/return-value plumbing, and stack/TLS accessors.
// Every method that can fail returns an error instead of panicking, since
// register access goes through the CPU emulation engine and can fail if
// the engine has been closed or the register id is wrong for this arch.
type Context interface {
	Arch() cpuarch.Arch

	// Width returns the native register width in bytes (4 or 8).
	Width() int

	// IP/SetIP access the instruction pointer.
	IP() (hostarch.Addr, error)
	SetIP(hostarch.Addr) error

	// Stack/SetStack access the stack pointer.
	Stack() (hostarch.Addr, error)
	SetStack(hostarch.Addr) error

	// TLS/SetTLS access the thread-local-storage base register (set_thread_area
	// / arch_prctl(ARCH_SET_FS) / TPIDR_EL0, depending on arch).
	TLS() (hostarch.Addr, error)
	SetTLS(hostarch.Addr) error

	// SyscallNo returns the syscall number out of the arch's conventional
	// register (rax/x8/r7/r0).
	SyscallNo() (uint64, error)

	// SyscallArgs reads the 6-argument vector out of the arch's conventional
	// argument registers.
	SyscallArgs() (SyscallArguments, error)

	// Return/SetReturn access the syscall return-value register.
	Return() (uint64, error)
	SetReturn(uint64) error

	// SetReturnErrno writes the negated errno convention this runtime uses
	// for syscall failure (spec.md §4.4: sentinel errno values are written
	// back as negative register values), except on PPC32, which writes the
	// positive errno and signals failure via the CR0[SO] condition bit.
	SetReturnErrno(e *errno.Errno) error

	// RestartSyscall rewinds IP so the current syscall instruction will be
	// re-executed once execution resumes (used for ERESTARTSYS handling).
	RestartSyscall() error

	// PushStack reserves size bytes below the current stack pointer,
	// updates SP, and returns the new (aligned) address. Only the adapter
	// tests call it; the loader and the signal manager do not.
	PushStack(size uint64, align uint64) (hostarch.Addr, error)

	// RegisterMap returns every named register and its current value, used
	// by the GDB server's 'g' packet and by context-snapshot save/restore.
	RegisterMap() (map[string]uint64, error)

	// SetRegisterMap restores every named register from a map previously
	// produced by RegisterMap.
	SetRegisterMap(map[string]uint64) error
}

// New constructs the Context implementation for the given architecture,
// driving register access through eng.
func New(arch cpuarch.Arch, eng engine.Engine) (Context, error) {
	switch arch {
	case cpuarch.X86:
		return newX86(eng), nil
	case cpuarch.X8664:
		return newX8664(eng), nil
	case cpuarch.ARM:
		return newARM(eng), nil
	case cpuarch.ARM64:
		return newARM64(eng), nil
	case cpuarch.PPC32:
		return newPPC32(eng), nil
	default:
		return nil, errno.UnknownArch(arch.String())
	}
}
