package hooks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talismancer/arion/pkg/engine"
)

// fakeEngine records every Hook*/Del call it receives without driving a
// real CPU emulation engine, enough to exercise the registry's
// forwarding and removal bookkeeping.
type fakeEngine struct {
	nextID  engine.HookID
	deleted []engine.HookID
}

func (f *fakeEngine) HookAddCode(uint64, uint64, engine.CodeHookFunc) (engine.HookID, error) {
	f.nextID++
	return f.nextID, nil
}
func (f *fakeEngine) HookAddBlock(uint64, uint64, engine.CodeHookFunc) (engine.HookID, error) {
	f.nextID++
	return f.nextID, nil
}
func (f *fakeEngine) HookAddIntr(engine.IntrHookFunc) (engine.HookID, error) {
	f.nextID++
	return f.nextID, nil
}
func (f *fakeEngine) HookAddMem(string, uint64, uint64, engine.MemHookFunc) (engine.HookID, error) {
	f.nextID++
	return f.nextID, nil
}
func (f *fakeEngine) HookDel(id engine.HookID) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func TestRunSyscallStopsAtFirstFalse(t *testing.T) {
	m := NewManager(&fakeEngine{})
	var calls []uint64

	m.AddSyscall(func(sysno uint64) bool {
		calls = append(calls, sysno)
		return true
	})
	m.AddSyscall(func(sysno uint64) bool {
		calls = append(calls, sysno)
		return false
	})
	m.AddSyscall(func(sysno uint64) bool {
		calls = append(calls, sysno)
		return true
	})

	ok := m.RunSyscall(42)
	assert.False(t, ok)
	assert.Equal(t, []uint64{42, 42}, calls)
}

func TestRunSyscallAllTrueProceeds(t *testing.T) {
	m := NewManager(&fakeEngine{})
	m.AddSyscall(func(uint64) bool { return true })
	m.AddSyscall(func(uint64) bool { return true })
	assert.True(t, m.RunSyscall(1))
}

func TestRunExecveVetoesOnFirstError(t *testing.T) {
	m := NewManager(&fakeEngine{})
	errVeto := assert.AnError
	var secondCalled bool

	m.AddExecve(func(string, []string) error { return errVeto })
	m.AddExecve(func(string, []string) error {
		secondCalled = true
		return nil
	})

	err := m.RunExecve("/bin/x", nil)
	require.Error(t, err)
	assert.Equal(t, errVeto, err)
	assert.False(t, secondCalled)
}

func TestRunForkInvokesInRegistrationOrder(t *testing.T) {
	m := NewManager(&fakeEngine{})
	var order []int

	m.AddFork(func(int, int) { order = append(order, 1) })
	m.AddFork(func(int, int) { order = append(order, 2) })

	m.RunFork(10, 11)
	assert.Equal(t, []int{1, 2}, order)
}

func TestDelRemovesEngineForwardedHook(t *testing.T) {
	eng := &fakeEngine{}
	m := NewManager(eng)

	id, err := m.AddCode(0, 0x1000, func(uint64, uint32) {})
	require.NoError(t, err)

	require.NoError(t, m.Del(id))
	assert.Len(t, eng.deleted, 1)

	// A non-engine-forwarded category (fork) deletes cleanly with no
	// engine call.
	forkID := m.AddFork(func(int, int) {})
	require.NoError(t, m.Del(forkID))
	assert.Len(t, eng.deleted, 1)
}

func TestDelUnknownIDIsNoop(t *testing.T) {
	m := NewManager(&fakeEngine{})
	assert.NoError(t, m.Del(HookID(999)))
}
