package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/talismancer/arion/pkg/config"
	"github.com/talismancer/arion/pkg/cpuarch"
	"github.com/talismancer/arion/pkg/engine"
	"github.com/talismancer/arion/pkg/hostarch"
	"github.com/talismancer/arion/pkg/memory"
	"github.com/talismancer/arion/pkg/syscalls"
)

// region is one mapped span: size is the mapping's full extent, data is
// allocated lazily on first write so mapping a guest's (often very
// large) brk reservation doesn't actually commit that much host memory
// when a test never touches it.
type region struct {
	size uint64
	data []byte
}

// fakeEngine is a minimal in-process engine.Engine: a sparse region
// table (mirroring pkg/memory's own test fixture, but lazily backed)
// plus a register file keyed by Unicorn's integer register ids, enough
// to drive pkg/abi's ARM adapter without a real CPU emulator.
type fakeEngine struct {
	slab map[uint64]*region
	regs map[int]uint64
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{slab: make(map[uint64]*region), regs: make(map[int]uint64)}
}

func (f *fakeEngine) MemMap(addr, size uint64, _ hostarch.AccessType) error {
	f.slab[addr] = &region{size: size}
	return nil
}
func (f *fakeEngine) MemProtect(uint64, uint64, hostarch.AccessType) error { return nil }
func (f *fakeEngine) MemUnmap(addr uint64, _ uint64) error {
	delete(f.slab, addr)
	return nil
}
func (f *fakeEngine) MemWrite(addr uint64, data []byte) error {
	for base, r := range f.slab {
		if addr >= base && addr+uint64(len(data)) <= base+r.size {
			if r.data == nil {
				r.data = make([]byte, r.size)
			}
			copy(r.data[addr-base:], data)
			return nil
		}
	}
	return errUnmapped
}
func (f *fakeEngine) MemRead(addr uint64, size uint64) ([]byte, error) {
	for base, r := range f.slab {
		if addr >= base && addr+size <= base+r.size {
			out := make([]byte, size)
			if r.data != nil {
				copy(out, r.data[addr-base:addr-base+size])
			}
			return out, nil
		}
	}
	return nil, errUnmapped
}
func (f *fakeEngine) RegRead(id int) (uint64, error)    { return f.regs[id], nil }
func (f *fakeEngine) RegWrite(id int, v uint64) error   { f.regs[id] = v; return nil }
func (f *fakeEngine) HookAddCode(uint64, uint64, engine.CodeHookFunc) (engine.HookID, error) {
	return 0, nil
}
func (f *fakeEngine) HookAddBlock(uint64, uint64, engine.CodeHookFunc) (engine.HookID, error) {
	return 0, nil
}
func (f *fakeEngine) HookAddIntr(engine.IntrHookFunc) (engine.HookID, error) { return 0, nil }
func (f *fakeEngine) HookAddMem(string, uint64, uint64, engine.MemHookFunc) (engine.HookID, error) {
	return 0, nil
}
func (f *fakeEngine) HookDel(engine.HookID) error { return nil }
func (f *fakeEngine) Start(uint64, uint64) error  { return nil }
func (f *fakeEngine) Stop() error                 { return nil }
func (f *fakeEngine) Close() error                { return nil }

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errUnmapped = fakeErr("fakeEngine: address not mapped")

func newTestGroup() (*Group, *fakeEngine) {
	eng := newFakeEngine()
	factory := func(cpuarch.Arch) (engine.Engine, error) { return newFakeEngine(), nil }
	dispatcher := syscalls.NewDispatcher(map[cpuarch.Arch]map[uint64]syscalls.Entry{})
	return NewGroup(factory, dispatcher), eng
}

func mustMem(eng engine.Engine) *memory.Manager {
	return memory.NewManager(eng, MmapBase(cpuarch.ARM))
}

func TestNewGuestSetsEntryAndStackAndHeap(t *testing.T) {
	gr, eng := newTestGroup()
	mem := mustMem(eng)
	_, err := mem.Map(0x1000, hostarch.PageSize, hostarch.ReadWriteExecute(), "[load]", true)
	require.NoError(t, err)

	g, err := gr.NewGuest(cpuarch.ARM, "/", "/", nil, config.Default(), eng, mem, 0x1000, 0x2000, 0x3000, []string{"prog"})
	require.NoError(t, err)

	ip, err := g.threads[0].ctx.IP()
	require.NoError(t, err)
	assert.EqualValues(t, 0x1000, ip)

	sp, err := g.threads[0].ctx.Stack()
	require.NoError(t, err)
	assert.EqualValues(t, 0x2000, sp)

	assert.EqualValues(t, 0x3000, g.brkBase)
}

func TestForkShareMemoryAddsThreadToSameGuest(t *testing.T) {
	gr, eng := newTestGroup()
	mem := mustMem(eng)
	g, err := gr.NewGuest(cpuarch.ARM, "/", "/", nil, config.Default(), eng, mem, 0x1000, 0x2000, 0x3000, nil)
	require.NoError(t, err)

	eng.RegWrite(uc.ARM_REG_R0, 0xdead) // a pre-fork return-register value

	var observedParentTID, observedChildTID int
	g.hooksMgr.AddFork(func(p, c int) { observedParentTID, observedChildTID = p, c })

	childTID, err := g.Threads()[0].Fork(true)
	require.NoError(t, err)
	assert.Len(t, g.Threads(), 2)
	assert.Equal(t, g.threads[0].tid, observedParentTID)
	assert.Equal(t, childTID, observedChildTID)
	assert.EqualValues(t, 0, g.threads[1].regs["r0"])
}

func TestForkPlainCreatesNewGuestWithCopiedMemory(t *testing.T) {
	gr, eng := newTestGroup()
	mem := mustMem(eng)
	addr, err := mem.Map(0x1000, hostarch.PageSize, hostarch.ReadWrite(), "[load]", true)
	require.NoError(t, err)
	require.NoError(t, mem.Write(addr, []byte("hello")))

	g, err := gr.NewGuest(cpuarch.ARM, "/", "/", nil, config.Default(), eng, mem, 0x1000, 0x2000, 0x3000, nil)
	require.NoError(t, err)

	childPID, err := g.Threads()[0].Fork(false)
	require.NoError(t, err)
	assert.NotEqual(t, g.pid, childPID)

	child := gr.guests[childPID]
	require.NotNil(t, child)
	assert.NotSame(t, g.mem, child.mem)

	got, err := child.mem.Read(addr, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	// Writing through the child's memory must not affect the parent's.
	require.NoError(t, child.mem.Write(addr, []byte("HELLO")))
	parentStill, err := g.mem.Read(addr, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(parentStill))
}

func TestExecCollapsesThreadTableAndResetsSignals(t *testing.T) {
	gr, eng := newTestGroup()
	mem := mustMem(eng)
	g, err := gr.NewGuest(cpuarch.ARM, "/", "/", nil, config.Default(), eng, mem, 0x1000, 0x2000, 0x3000, []string{"old"})
	require.NoError(t, err)

	_, err = g.Threads()[0].Fork(true)
	require.NoError(t, err)
	require.Len(t, g.Threads(), 2)

	g.sigMgr.SetHandler(2, nil)
	oldSigMgr := g.sigMgr

	gr.SetExecFunc(func(guest *Guest, path string, argv, envp []string) (hostarch.Addr, hostarch.Addr, error) {
		return 0x5000, 0x6000, nil
	})

	require.NoError(t, g.Threads()[0].Exec("/bin/new", []string{"new"}, nil))

	assert.Len(t, g.Threads(), 1)
	assert.Equal(t, []string{"new"}, g.ProgramArgs())
	assert.NotSame(t, oldSigMgr, g.sigMgr)

	ip, err := g.threads[0].ctx.IP()
	require.NoError(t, err)
	assert.EqualValues(t, 0x5000, ip)
}

func TestExecWithoutExecFuncReturnsENOSYS(t *testing.T) {
	gr, eng := newTestGroup()
	mem := mustMem(eng)
	g, err := gr.NewGuest(cpuarch.ARM, "/", "/", nil, config.Default(), eng, mem, 0x1000, 0x2000, 0x3000, nil)
	require.NoError(t, err)

	err = g.Threads()[0].Exec("/bin/x", nil, nil)
	assert.Error(t, err)
}

func TestGuestsReturnsInsertionOrder(t *testing.T) {
	gr, eng := newTestGroup()
	mem1 := mustMem(eng)
	g1, err := gr.NewGuest(cpuarch.ARM, "/", "/", nil, config.Default(), eng, mem1, 0x1000, 0x2000, 0x3000, nil)
	require.NoError(t, err)

	eng2 := newFakeEngine()
	mem2 := mustMem(eng2)
	g2, err := gr.NewGuest(cpuarch.ARM, "/", "/", nil, config.Default(), eng2, mem2, 0x1000, 0x2000, 0x3000, nil)
	require.NoError(t, err)

	guests := gr.Guests()
	require.Len(t, guests, 2)
	assert.Equal(t, g1.pid, guests[0].pid)
	assert.Equal(t, g2.pid, guests[1].pid)
}

func TestAllExitedAndStop(t *testing.T) {
	gr, eng := newTestGroup()
	mem := mustMem(eng)
	g, err := gr.NewGuest(cpuarch.ARM, "/", "/", nil, config.Default(), eng, mem, 0x1000, 0x2000, 0x3000, nil)
	require.NoError(t, err)
	assert.False(t, gr.AllExited())

	g.exitGroup(0)
	assert.True(t, gr.AllExited())

	gr.Stop()
	require.NoError(t, gr.Run())
}
