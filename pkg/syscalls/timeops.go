package syscalls

import (
	"time"

	"github.com/talismancer/arion/pkg/abi"
	"github.com/talismancer/arion/pkg/config"
	"github.com/talismancer/arion/pkg/errno"
	"github.com/talismancer/arion/pkg/hostarch"
)

const (
	clockRealtime  = 0
	clockMonotonic = 1
)

func writeTimespec(t Task, addr hostarch.Addr, d time.Duration) error {
	width := t.ABI().Width()
	sec := int64(d / time.Second)
	nsec := int64(d % time.Second)
	if err := t.Memory().WritePtr(addr, width, hostarch.Addr(uint64(sec))); err != nil {
		return errno.EFAULT
	}
	if err := t.Memory().WritePtr(addr+hostarch.Addr(width), width, hostarch.Addr(uint64(nsec))); err != nil {
		return errno.EFAULT
	}
	return nil
}

// ClockGettime implements clock_gettime(2) for CLOCK_REALTIME and
// CLOCK_MONOTONIC, backed directly by the host clock since this runtime
// does not virtualize time.
func ClockGettime(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	clockID := args[0].Int()
	addr := args[1].Pointer()

	var d time.Duration
	switch clockID {
	case clockMonotonic:
		d = time.Duration(timeSinceMonotonicEpoch())
	default:
		d = time.Duration(time.Now().UnixNano())
	}
	if err := writeTimespec(t, addr, d); err != nil {
		return 0, nil, err
	}
	return 0, nil, nil
}

var monotonicEpoch = time.Now()

func timeSinceMonotonicEpoch() time.Duration { return time.Since(monotonicEpoch) }

// Gettimeofday implements gettimeofday(2).
func Gettimeofday(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	addr := args[0].Pointer()
	width := t.ABI().Width()
	now := time.Now()
	if err := t.Memory().WritePtr(addr, width, hostarch.Addr(uint64(now.Unix()))); err != nil {
		return 0, nil, errno.EFAULT
	}
	if err := t.Memory().WritePtr(addr+hostarch.Addr(width), width, hostarch.Addr(uint64(now.Nanosecond()/1000))); err != nil {
		return 0, nil, errno.EFAULT
	}
	return 0, nil, nil
}

// sleeper is implemented by tasks that can report the runtime
// configuration's EnableSleepSyscalls flag (spec.md §9 Open Question).
type sleeper interface {
	Config() config.Config
}

// Nanosleep implements nanosleep(2). When the runtime configuration
// disables sleep syscalls, it returns immediately with success instead
// of blocking the host thread (and therefore the whole cooperative
// ArionGroup) for the requested duration.
func Nanosleep(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	reqAddr := args[0].Pointer()
	width := t.ABI().Width()
	sec, err := t.Memory().ReadPtr(reqAddr, width)
	if err != nil {
		return 0, nil, errno.EFAULT
	}
	nsec, err := t.Memory().ReadPtr(reqAddr+hostarch.Addr(width), width)
	if err != nil {
		return 0, nil, errno.EFAULT
	}

	if c, ok := t.(sleeper); ok && c.Config().EnableSleepSyscalls {
		time.Sleep(time.Duration(sec)*time.Second + time.Duration(nsec))
	}
	return 0, nil, nil
}

// ClockNanosleep implements clock_nanosleep(2); this runtime treats it
// identically to Nanosleep, ignoring the clock id and TIMER_ABSTIME flag
// since no guest in scope relies on absolute-deadline sleeping.
func ClockNanosleep(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	shifted := args
	shifted[0] = shifted[2]
	return Nanosleep(t, sysno, shifted)
}

// Times implements times(2), reporting zeroed CPU-time accounting; this
// runtime does not track guest CPU-time consumption separately from
// wall-clock scheduling quanta.
func Times(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	buf := args[0].Pointer()
	if buf != 0 {
		zero := make([]byte, 4*t.ABI().Width())
		t.Memory().Write(buf, zero)
	}
	return uintptr(time.Now().Unix()), nil, nil
}
