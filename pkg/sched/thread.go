// Package sched is the Process/Thread Scheduler (spec.md §4.5):
// ArionGroup, a cooperative single-threaded round-robin driver over a
// set of Guest instances, each owning one or more Threads that share a
// single CPU-emulation-engine handle. Grounded on the teacher's
// pkg/sentry/kernel package shape (one Kernel owning many Tasks,
// cooperatively scheduled) and on the original runtime's ArionGroup
// run() loop (spec.md §4.5), reimplemented without gVisor's preemptive
// host-thread-per-task model since this runtime's engine can only ever
// have one thread's register file loaded at a time.
package sched

import (
	"github.com/talismancer/arion/pkg/abi"
	"github.com/talismancer/arion/pkg/config"
	"github.com/talismancer/arion/pkg/cpuarch"
	"github.com/talismancer/arion/pkg/fs"
	"github.com/talismancer/arion/pkg/hostarch"
	"github.com/talismancer/arion/pkg/log"
	"github.com/talismancer/arion/pkg/memory"
	"github.com/talismancer/arion/pkg/signal"
	"github.com/talismancer/arion/pkg/socket"
)

// State is a Thread's (and, by extension, its Guest's) scheduling state,
// per spec.md §4.5's READY -> RUNNING -> (SUSPENDED | EXITED) machine.
type State int

const (
	Ready State = iota
	Running
	Suspended
	Exited
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// Thread is one schedulable thread of execution within a Guest. Because
// a Guest's threads all share one CPU-emulation-engine handle, a
// Thread's own register state only exists in regs between scheduling
// quanta; loadInto/saveFrom move it in and out of the live engine.
type Thread struct {
	tid   int
	guest *Guest
	ctx   abi.Context
	regs  map[string]uint64

	state      State
	exitStatus int

	clearChildTID hostarch.Addr
}

// PID implements syscalls.Task.
func (t *Thread) PID() int { return t.guest.pid }

// TID implements syscalls.Task.
func (t *Thread) TID() int { return t.tid }

// ExitStatus returns the status this thread exited with, meaningful
// only once State() reports Exited.
func (t *Thread) ExitStatus() int { return t.exitStatus }

// State returns this thread's current scheduling state.
func (t *Thread) State() State { return t.state }

// Arch implements syscalls.Task.
func (t *Thread) Arch() cpuarch.Arch { return t.guest.arch }

// ABI implements syscalls.Task. The returned Context always reads
// through the Guest's single shared engine handle, so it is only
// meaningful to call while this Thread is the one currently loaded
// (i.e. from inside a syscall handler invoked during this Thread's
// scheduling quantum).
func (t *Thread) ABI() abi.Context { return t.ctx }

// Memory implements syscalls.Task.
func (t *Thread) Memory() *memory.Manager { return t.guest.mem }

// FS implements syscalls.Task.
func (t *Thread) FS() *fs.Manager { return t.guest.fsMgr }

// Sockets implements syscalls.Task.
func (t *Thread) Sockets() *socket.Manager { return t.guest.sockMgr }

// Signals implements syscalls.Task.
func (t *Thread) Signals() *signal.Manager { return t.guest.sigMgr }

// Log implements syscalls.Task.
func (t *Thread) Log() *log.Logger { return t.guest.logger }

// Config satisfies the syscalls package's sleeper interface, gating
// nanosleep/clock_nanosleep blocking (spec.md §9 Open Question).
func (t *Thread) Config() config.Config { return t.guest.cfg }

// SetClearChildTID satisfies the syscalls package's tidAddressSetter
// interface (set_tid_address(2)).
func (t *Thread) SetClearChildTID(addr hostarch.Addr) { t.clearChildTID = addr }

// ProgramBreak satisfies the syscalls package's ProgramBreaker interface
// (brk(2)).
func (t *Thread) ProgramBreak() hostarch.Addr { return t.guest.brk }

// SetProgramBreak satisfies ProgramBreaker, growing or shrinking the
// guest's heap mapping to match newBrk.
func (t *Thread) SetProgramBreak(newBrk hostarch.Addr) (hostarch.Addr, error) {
	return t.guest.setBrk(newBrk)
}

// Fork implements syscalls.Task by delegating to the owning Group,
// which alone has visibility over the whole guest population and can
// allocate the next PID.
func (t *Thread) Fork(shareMemory bool) (int, error) {
	return t.guest.group.fork(t.guest, shareMemory)
}

// Exec implements syscalls.Task.
func (t *Thread) Exec(path string, argv, envp []string) error {
	return t.guest.group.exec(t.guest, path, argv, envp)
}

// ExitGroup implements syscalls.Task, marking every thread in this
// task's guest EXITED.
func (t *Thread) ExitGroup(status int) {
	t.guest.exitGroup(status)
}

// RegisterSnapshot returns this thread's register file for Context
// Snapshot: the live engine state if this thread is the one currently
// loaded (regs == nil, meaning it has never been parked by loadInto/
// saveFrom), or its parked snapshot otherwise.
func (t *Thread) RegisterSnapshot() (map[string]uint64, error) {
	if t.regs != nil {
		out := make(map[string]uint64, len(t.regs))
		for k, v := range t.regs {
			out[k] = v
		}
		return out, nil
	}
	return t.ctx.RegisterMap()
}

// LoadRegisterSnapshot parks regs as this thread's register file, the
// Context Snapshot restore path's counterpart to RegisterSnapshot. It
// takes effect the next time the scheduler loads this thread's quantum.
func (t *Thread) LoadRegisterSnapshot(regs map[string]uint64) {
	cp := make(map[string]uint64, len(regs))
	for k, v := range regs {
		cp[k] = v
	}
	t.regs = cp
}

// loadInto restores this thread's saved register snapshot into the
// guest's live engine, the scheduler's per-quantum "restore its
// register snapshot" step (spec.md §4.5).
func (t *Thread) loadInto() error {
	if t.regs == nil {
		return nil
	}
	return t.ctx.SetRegisterMap(t.regs)
}

// saveFrom captures the guest's live engine register state back into
// this thread's snapshot, the per-quantum "save its register snapshot"
// step.
func (t *Thread) saveFrom() error {
	regs, err := t.ctx.RegisterMap()
	if err != nil {
		return err
	}
	t.regs = regs
	return nil
}
