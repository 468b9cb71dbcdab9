package abi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/talismancer/arion/pkg/cpuarch"
	"github.com/talismancer/arion/pkg/engine"
	"github.com/talismancer/arion/pkg/errno"
)

type fakeRegEngine struct {
	engine.Engine
	regs map[int]uint64
}

func newFakeRegEngine() *fakeRegEngine { return &fakeRegEngine{regs: make(map[int]uint64)} }

func (f *fakeRegEngine) RegRead(id int) (uint64, error) { return f.regs[id], nil }
func (f *fakeRegEngine) RegWrite(id int, v uint64) error {
	f.regs[id] = v
	return nil
}

func TestX8664SyscallArgs(t *testing.T) {
	eng := newFakeRegEngine()
	eng.regs[uc.X86_REG_RAX] = 60 // exit
	eng.regs[uc.X86_REG_RDI] = 42

	ctx, err := New(cpuarch.X8664, eng)
	require.NoError(t, err)

	no, err := ctx.SyscallNo()
	require.NoError(t, err)
	assert.Equal(t, uint64(60), no)

	args, err := ctx.SyscallArgs()
	require.NoError(t, err)
	assert.Equal(t, int32(42), args[0].Int())
}

func TestSetReturnErrnoNegatesOnX8664(t *testing.T) {
	eng := newFakeRegEngine()
	ctx, err := New(cpuarch.X8664, eng)
	require.NoError(t, err)

	require.NoError(t, ctx.SetReturnErrno(errno.ENOENT))
	v := eng.regs[uc.X86_REG_RAX]
	assert.Equal(t, errno.ENOENT.Negated(), v)
}

func TestPPC32SetReturnErrnoSetsConditionBit(t *testing.T) {
	eng := newFakeRegEngine()
	ctx, err := New(cpuarch.PPC32, eng)
	require.NoError(t, err)

	require.NoError(t, ctx.SetReturnErrno(errno.EINVAL))
	assert.Equal(t, uint64(errno.EINVAL.Host()), eng.regs[uc.PPC_REG_R3])
	assert.NotZero(t, eng.regs[uc.PPC_REG_CR]&(1<<28))
}

func TestPushStackAligns(t *testing.T) {
	eng := newFakeRegEngine()
	eng.regs[uc.ARM64_REG_SP] = 0x7ffffffff0

	ctx, err := New(cpuarch.ARM64, eng)
	require.NoError(t, err)

	addr, err := ctx.PushStack(5, 16)
	require.NoError(t, err)
	assert.Zero(t, uint64(addr)%16)
}

func TestUnknownArch(t *testing.T) {
	_, err := New(cpuarch.Unknown, newFakeRegEngine())
	assert.Error(t, err)
}
