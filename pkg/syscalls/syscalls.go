// Package syscalls is the Syscall Dispatcher (spec.md §4.4): a per-arch
// sysno -> handler table, invoked once per trapped syscall instruction.
// Grounded on the teacher's pkg/sentry/syscalls package: the handler
// signature follows sys_rseq.go's (t, sysno, args) -> (ret, control, err)
// shape, and the Supported/PartiallySupported/Error constructors below
// follow syscalls.go's, leaving out its ErrorWithEvent/CapError variants
// and the capability and event-emission machinery this runtime doesn't have (no seccheck points,
// no capability sets — every guest syscall runs as the same implicit
// "owner" identity).
package syscalls

import (
	"fmt"

	"github.com/talismancer/arion/pkg/abi"
	"github.com/talismancer/arion/pkg/cpuarch"
	"github.com/talismancer/arion/pkg/errno"
	"github.com/talismancer/arion/pkg/fs"
	"github.com/talismancer/arion/pkg/log"
	"github.com/talismancer/arion/pkg/memory"
	"github.com/talismancer/arion/pkg/signal"
	"github.com/talismancer/arion/pkg/socket"
)

// Task is the subset of a scheduled guest thread a syscall handler needs.
// It is an interface, not a concrete struct, so pkg/sched can implement
// it without this package importing pkg/sched (which in turn drives the
// dispatcher) — the same inversion the original runtime gets for free
// via Arion being the shared owner both the scheduler and the syscall
// manager hold a reference to.
type Task interface {
	PID() int
	TID() int
	Arch() cpuarch.Arch
	ABI() abi.Context
	Memory() *memory.Manager
	FS() *fs.Manager
	Sockets() *socket.Manager
	Signals() *signal.Manager
	Log() *log.Logger

	// Fork creates a new thread sharing this task's address space
	// (clone with CLONE_VM) or copying it (plain fork), returning the
	// new thread's tid.
	Fork(shareMemory bool) (int, error)
	// Exec replaces this task's image in place, used by execve.
	Exec(path string, argv, envp []string) error
	// ExitGroup marks every thread in this task's group for termination
	// with the given status.
	ExitGroup(status int)
}

// Func is the handler signature every syscall implementation has: the
// calling task, the syscall number that was dispatched (so one Func can
// serve several aliased numbers), and the decoded argument vector.
type Func func(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error)

// Control carries dispatcher-visible side effects a handler can't
// express purely through its return value: exit or syscall-restart.
// It has no cancel request: Execve returns no Control, and its zero
// result is written back like any other.
type Control struct {
	// Exit, if true, tells the scheduler this task has terminated.
	Exit bool
	// ExitStatus is meaningful only if Exit is true.
	ExitStatus int
	// Restart, if true, rewinds the program counter so the syscall
	// instruction re-executes once the task is rescheduled (ERESTARTSYS
	// handling).
	Restart bool
}

// SupportLevel records how complete a handler's implementation is,
// purely informational; nothing in this module reads it.
type SupportLevel int

const (
	SupportFull SupportLevel = iota
	SupportPartial
	SupportUnimplemented
)

// Entry is one row of a dispatch table.
type Entry struct {
	Name         string
	Fn           Func
	SupportLevel SupportLevel
	Note         string
}

// Supported returns a fully-implemented syscall entry.
func Supported(name string, fn Func) Entry {
	return Entry{Name: name, Fn: fn, SupportLevel: SupportFull, Note: "fully supported"}
}

// PartiallySupported returns an entry whose implementation covers common
// cases but not the whole manpage.
func PartiallySupported(name string, fn Func, note string) Entry {
	return Entry{Name: name, Fn: fn, SupportLevel: SupportPartial, Note: note}
}

// Error returns an entry that always fails with err, for syscalls this
// runtime deliberately does not implement.
func Error(name string, err *errno.Errno, note string) Entry {
	return Entry{
		Name: name,
		Fn: func(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
			return 0, nil, err
		},
		SupportLevel: SupportUnimplemented,
		Note:         fmt.Sprintf("%s; returns %s", note, err.Error()),
	}
}

// Dispatcher holds one sysno->Entry table per architecture and routes a
// task's trapped syscall to the matching handler.
type Dispatcher struct {
	tables map[cpuarch.Arch]map[uint64]Entry
	// preHook, if set, is consulted before every dispatch (wired to the
	// Hooks Engine's syscall category); returning false skips the default
	// handler entirely.
	preHook func(sysno uint64) bool
}

// NewDispatcher builds a Dispatcher from one table per supported
// architecture.
func NewDispatcher(tables map[cpuarch.Arch]map[uint64]Entry) *Dispatcher {
	return &Dispatcher{tables: tables}
}

// SetPreHook installs the hooks-engine gate consulted before dispatch.
func (d *Dispatcher) SetPreHook(fn func(sysno uint64) bool) { d.preHook = fn }

// Process reads the syscall number and arguments out of t's architecture
// context, looks up the matching handler for t's arch, runs it, and
// writes the result (or negated errno) back to the return register.
func (d *Dispatcher) Process(t Task) (*Control, error) {
	sysno, err := t.ABI().SyscallNo()
	if err != nil {
		return nil, err
	}
	if d.preHook != nil && !d.preHook(sysno) {
		return nil, nil
	}

	table, ok := d.tables[t.Arch()]
	if !ok {
		return nil, errno.UnknownArch(t.Arch().String())
	}
	entry, ok := table[sysno]
	if !ok {
		t.Log().Warnf("unhandled syscall number %d", sysno)
		return nil, t.ABI().SetReturnErrno(errno.ENOSYS)
	}

	args, err := t.ABI().SyscallArgs()
	if err != nil {
		return nil, err
	}
	ret, ctrl, callErr := entry.Fn(t, sysno, args)
	if callErr != nil {
		if e, ok := callErr.(*errno.Errno); ok {
			return ctrl, t.ABI().SetReturnErrno(e)
		}
		return ctrl, callErr
	}
	if ctrl != nil && ctrl.Exit {
		return ctrl, nil
	}
	if err := t.ABI().SetReturn(uint64(ret)); err != nil {
		return ctrl, err
	}
	return ctrl, nil
}
