package syscalls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talismancer/arion/pkg/abi"
	"github.com/talismancer/arion/pkg/cpuarch"
	"github.com/talismancer/arion/pkg/errno"
	"github.com/talismancer/arion/pkg/fs"
	"github.com/talismancer/arion/pkg/hostarch"
	"github.com/talismancer/arion/pkg/log"
	"github.com/talismancer/arion/pkg/memory"
	"github.com/talismancer/arion/pkg/signal"
	"github.com/talismancer/arion/pkg/socket"
)

// fakeCtx is a minimal in-memory abi.Context stand-in: no real engine or
// register file, just the handful of slots the dispatcher touches.
type fakeCtx struct {
	sysno   uint64
	args    abi.SyscallArguments
	ret     uint64
	errno   *errno.Errno
	restart bool
}

func (c *fakeCtx) Arch() cpuarch.Arch                   { return cpuarch.X8664 }
func (c *fakeCtx) Width() int                           { return 8 }
func (c *fakeCtx) IP() (hostarch.Addr, error)           { return 0, nil }
func (c *fakeCtx) SetIP(hostarch.Addr) error            { return nil }
func (c *fakeCtx) Stack() (hostarch.Addr, error)        { return 0, nil }
func (c *fakeCtx) SetStack(hostarch.Addr) error         { return nil }
func (c *fakeCtx) TLS() (hostarch.Addr, error)          { return 0, nil }
func (c *fakeCtx) SetTLS(hostarch.Addr) error           { return nil }
func (c *fakeCtx) SyscallNo() (uint64, error)           { return c.sysno, nil }
func (c *fakeCtx) SyscallArgs() (abi.SyscallArguments, error) { return c.args, nil }
func (c *fakeCtx) Return() (uint64, error)              { return c.ret, nil }
func (c *fakeCtx) SetReturn(v uint64) error             { c.ret = v; return nil }
func (c *fakeCtx) SetReturnErrno(e *errno.Errno) error  { c.errno = e; return nil }
func (c *fakeCtx) RestartSyscall() error                { c.restart = true; return nil }
func (c *fakeCtx) PushStack(uint64, uint64) (hostarch.Addr, error) { return 0, nil }
func (c *fakeCtx) RegisterMap() (map[string]uint64, error)        { return nil, nil }
func (c *fakeCtx) SetRegisterMap(map[string]uint64) error         { return nil }

// fakeTask is a minimal Task implementation wrapping a fakeCtx.
type fakeTask struct {
	ctx     *fakeCtx
	fsMgr   *fs.Manager
	sockMgr *socket.Manager
	sigMgr  *signal.Manager
	logger  *log.Logger
}

func newFakeTask(sysno uint64, args abi.SyscallArguments) *fakeTask {
	return &fakeTask{
		ctx:     &fakeCtx{sysno: sysno, args: args},
		fsMgr:   fs.NewManager("/", "/"),
		sockMgr: socket.NewManager(),
		sigMgr:  signal.NewManager(),
		logger:  log.New(log.Info),
	}
}

func (t *fakeTask) PID() int                  { return 1 }
func (t *fakeTask) TID() int                  { return 1 }
func (t *fakeTask) Arch() cpuarch.Arch        { return cpuarch.X8664 }
func (t *fakeTask) ABI() abi.Context          { return t.ctx }
func (t *fakeTask) Memory() *memory.Manager   { return nil }
func (t *fakeTask) FS() *fs.Manager           { return t.fsMgr }
func (t *fakeTask) Sockets() *socket.Manager  { return t.sockMgr }
func (t *fakeTask) Signals() *signal.Manager  { return t.sigMgr }
func (t *fakeTask) Log() *log.Logger          { return t.logger }
func (t *fakeTask) Fork(bool) (int, error)    { return 2, nil }
func (t *fakeTask) Exec(string, []string, []string) error { return nil }
func (t *fakeTask) ExitGroup(int)             {}

func TestProcessDispatchesToMatchingHandler(t *testing.T) {
	var sawArgs abi.SyscallArguments
	tables := map[cpuarch.Arch]map[uint64]Entry{
		cpuarch.X8664: {
			39: Supported("getpid", func(task Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
				sawArgs = args
				return uintptr(task.PID()), nil, nil
			}),
		},
	}
	d := NewDispatcher(tables)
	task := newFakeTask(39, abi.SyscallArguments{{Value: 7}})

	ctrl, err := d.Process(task)
	require.NoError(t, err)
	assert.Nil(t, ctrl)
	assert.EqualValues(t, 1, task.ctx.ret)
	assert.EqualValues(t, 7, sawArgs[0].Value)
}

func TestProcessUnhandledSyscallReturnsENOSYS(t *testing.T) {
	d := NewDispatcher(map[cpuarch.Arch]map[uint64]Entry{cpuarch.X8664: {}})
	task := newFakeTask(9999, abi.SyscallArguments{})

	_, err := d.Process(task)
	require.NoError(t, err)
	assert.Equal(t, errno.ENOSYS, task.ctx.errno)
}

func TestProcessErrorEntryWritesNegatedErrno(t *testing.T) {
	tables := map[cpuarch.Arch]map[uint64]Entry{
		cpuarch.X8664: {1: Error("write", errno.EBADF, "stub")},
	}
	d := NewDispatcher(tables)
	task := newFakeTask(1, abi.SyscallArguments{})

	_, err := d.Process(task)
	require.NoError(t, err)
	assert.Equal(t, errno.EBADF, task.ctx.errno)
}

func TestProcessPreHookVetoSkipsDispatch(t *testing.T) {
	called := false
	tables := map[cpuarch.Arch]map[uint64]Entry{
		cpuarch.X8664: {39: Supported("getpid", func(Task, uint64, abi.SyscallArguments) (uintptr, *Control, error) {
			called = true
			return 0, nil, nil
		})},
	}
	d := NewDispatcher(tables)
	d.SetPreHook(func(sysno uint64) bool { return sysno != 39 })

	task := newFakeTask(39, abi.SyscallArguments{})
	ctrl, err := d.Process(task)
	require.NoError(t, err)
	assert.Nil(t, ctrl)
	assert.False(t, called)
}

func TestProcessUnknownArchReturnsError(t *testing.T) {
	d := NewDispatcher(map[cpuarch.Arch]map[uint64]Entry{})
	task := newFakeTask(1, abi.SyscallArguments{})
	_, err := d.Process(task)
	assert.Error(t, err)
}
