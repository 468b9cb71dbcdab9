package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetHandlerAndHasHandler(t *testing.T) {
	m := NewManager()
	assert.False(t, m.HasHandler(11))

	m.SetHandler(11, &Action{Disposition: DispositionHandler, HandlerAddr: 0x4000})
	assert.True(t, m.HasHandler(11))
	assert.Equal(t, uint64(0x4000), m.GetHandler(11).HandlerAddr)
}

func TestForkCopiesHandlersNotQueueOrWait(t *testing.T) {
	m := NewManager()
	m.SetHandler(2, &Action{Disposition: DispositionHandler, HandlerAddr: 0x1000})
	m.Raise(100, 2)
	m.WaitFor(7, 100)

	child := m.Fork()

	assert.True(t, child.HasHandler(2))
	assert.Equal(t, 0, child.Pending())
	_, waiting := child.IsWaiting(7)
	assert.False(t, waiting)

	// Mutating the child's handler table must not affect the parent's.
	child.SetHandler(2, &Action{Disposition: DispositionIgnore})
	assert.Equal(t, DispositionHandler, m.GetHandler(2).Disposition)
}

func TestRaiseAndPopFIFOOrder(t *testing.T) {
	m := NewManager()
	m.Raise(1, 10)
	m.Raise(2, 11)
	assert.Equal(t, 2, m.Pending())

	pid, signo, ok := m.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, pid)
	assert.Equal(t, Num(10), signo)

	pid, signo, ok = m.Pop()
	require.True(t, ok)
	assert.Equal(t, 2, pid)
	assert.Equal(t, Num(11), signo)

	_, _, ok = m.Pop()
	assert.False(t, ok)
}

func TestWaitForAndStopWaiting(t *testing.T) {
	m := NewManager()
	m.WaitFor(5, 0)

	pid, waiting := m.IsWaiting(5)
	require.True(t, waiting)
	assert.Equal(t, 0, pid)

	m.StopWaiting(5)
	_, waiting = m.IsWaiting(5)
	assert.False(t, waiting)
}

func TestSaveMaskAndSigreturnConsumesIt(t *testing.T) {
	m := NewManager()
	m.SaveMask(0xff)

	mask, err := m.Sigreturn()
	require.NoError(t, err)
	assert.EqualValues(t, 0xff, mask)

	// Sigreturn consumes the saved mask; a second call sees it cleared.
	mask, err = m.Sigreturn()
	require.NoError(t, err)
	assert.EqualValues(t, 0, mask)
}

func TestDefaultActionTable(t *testing.T) {
	assert.Equal(t, DefaultCore, Default(11)) // SIGSEGV
	assert.Equal(t, DefaultTerm, Default(9))  // SIGKILL
	assert.Equal(t, DefaultStop, Default(19)) // SIGSTOP
	assert.Equal(t, DefaultTerm, Default(40)) // unlisted real-time signal
}
