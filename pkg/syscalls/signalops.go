package syscalls

import (
	"github.com/talismancer/arion/pkg/abi"
	"github.com/talismancer/arion/pkg/errno"
	"github.com/talismancer/arion/pkg/hostarch"
	"github.com/talismancer/arion/pkg/memory"
	"github.com/talismancer/arion/pkg/signal"
)

const (
	sigActSetMask = 0
	sigActBlock   = 1
	sigActUnblock = 2
)

// RtSigaction implements rt_sigaction(2), reading only the fields this
// runtime's signal manager tracks (handler address, mask, flags,
// restorer) out of the guest's struct sigaction.
func RtSigaction(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	signo := signal.Num(args[0].Int())
	newAddr := args[1].Pointer()
	oldAddr := args[2].Pointer()

	if oldAddr != 0 {
		old := t.Signals().GetHandler(signo)
		if old != nil {
			writeAction(t, oldAddr, old)
		} else {
			t.Memory().Write(oldAddr, make([]byte, 24))
		}
	}
	if newAddr != 0 {
		act, err := readAction(t, newAddr)
		if err != nil {
			return 0, nil, err
		}
		t.Signals().SetHandler(signo, act)
	}
	return 0, nil, nil
}

func readAction(t Task, addr hostarch.Addr) (*signal.Action, error) {
	width := t.ABI().Width()
	handler, err := t.Memory().ReadPtr(addr, width)
	if err != nil {
		return nil, errno.EFAULT
	}
	flags, err := t.Memory().ReadPtr(addr+hostarch.Addr(width), width)
	if err != nil {
		return nil, errno.EFAULT
	}
	restorer, err := t.Memory().ReadPtr(addr+hostarch.Addr(2*width), width)
	if err != nil {
		return nil, errno.EFAULT
	}
	mask, err := t.Memory().ReadPtr(addr+hostarch.Addr(3*width), width)
	if err != nil {
		return nil, errno.EFAULT
	}

	disp := signal.DispositionHandler
	switch uint64(handler) {
	case 0:
		disp = signal.DispositionDefault
	case 1:
		disp = signal.DispositionIgnore
	}
	return &signal.Action{
		Disposition:  disp,
		HandlerAddr:  uint64(handler),
		Flags:        uint64(flags),
		RestorerAddr: uint64(restorer),
		Mask:         uint64(mask),
	}, nil
}

func writeAction(t Task, addr hostarch.Addr, act *signal.Action) {
	width := t.ABI().Width()
	t.Memory().WritePtr(addr, width, hostarch.Addr(act.HandlerAddr))
	t.Memory().WritePtr(addr+hostarch.Addr(width), width, hostarch.Addr(act.Flags))
	t.Memory().WritePtr(addr+hostarch.Addr(2*width), width, hostarch.Addr(act.RestorerAddr))
	t.Memory().WritePtr(addr+hostarch.Addr(3*width), width, hostarch.Addr(act.Mask))
}

// RtSigprocmask implements rt_sigprocmask(2). This runtime does not
// model a per-thread blocked-signal mask beyond what's needed to
// round-trip through sigreturn, so SIG_BLOCK/SIG_UNBLOCK/SIG_SETMASK all
// degrade to "remember whatever mask is passed" via Signals().SaveMask,
// with the old mask always reported as zero.
func RtSigprocmask(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	how := args[0].Int()
	setAddr := args[1].Pointer()
	oldAddr := args[2].Pointer()

	if oldAddr != 0 {
		memory.WriteVal[uint64](t.Memory(), oldAddr, 0)
	}
	if setAddr != 0 {
		width := t.ABI().Width()
		mask, err := t.Memory().ReadPtr(setAddr, width)
		if err != nil {
			return 0, nil, errno.EFAULT
		}
		_ = how
		t.Signals().SaveMask(uint64(mask))
	}
	return 0, nil, nil
}

// RtSigreturn implements rt_sigreturn(2) by calling Signals().Sigreturn
// to restore the signal mask saved before the handler ran. No guest
// registers are restored, by this handler or by the scheduler.
func RtSigreturn(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	if _, err := t.Signals().Sigreturn(); err != nil {
		return 0, nil, errno.EINVAL
	}
	return 0, nil, nil
}

// Kill implements kill(2) by queueing signo on the calling task's own
// signal manager, tagged with the caller's pid; the pid argument does
// not select a target.
func Kill(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	pid := int(args[0].Int())
	signo := signal.Num(args[1].Int())
	t.Signals().Raise(t.PID(), signo)
	_ = pid
	return 0, nil, nil
}

// Tgkill implements tgkill(2) the same way as Kill: signo is queued on
// the calling task's own signal manager, and the tgid and tid arguments
// do not select a target.
func Tgkill(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	signo := signal.Num(args[2].Int())
	t.Signals().Raise(t.PID(), signo)
	return 0, nil, nil
}
