package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talismancer/arion/pkg/config"
	"github.com/talismancer/arion/pkg/cpuarch"
	"github.com/talismancer/arion/pkg/engine"
	"github.com/talismancer/arion/pkg/hostarch"
	"github.com/talismancer/arion/pkg/memory"
	"github.com/talismancer/arion/pkg/sched"
	"github.com/talismancer/arion/pkg/syscalls"
)

// region/fakeEngine mirror the fixture in pkg/sched/group_test.go: a
// sparse, lazily-backed region table plus a register file, enough to
// drive a real sched.Guest without a real CPU-emulation engine.
type region struct {
	size uint64
	data []byte
}

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
func (f *fakeEngine) RegRead(id int) (uint64, error)  { return f.regs[id], nil }
func (f *fakeEngine) RegWrite(id int, v uint64) error { f.regs[id] = v; return nil }
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

func newTestGuest(t *testing.T) (*sched.Guest, *fakeEngine) {
	t.Helper()
	eng := newFakeEngine()
	factory := func(cpuarch.Arch) (engine.Engine, error) { return newFakeEngine(), nil }
	dispatcher := syscalls.NewDispatcher(map[cpuarch.Arch]map[uint64]syscalls.Entry{})
	gr := sched.NewGroup(factory, dispatcher)

	mem := memory.NewManager(eng, sched.MmapBase(cpuarch.ARM))
	_, err := mem.Map(0x1000, hostarch.PageSize, hostarch.ReadWriteExecute(), "[load]", true)
	require.NoError(t, err)

	g, err := gr.NewGuest(cpuarch.ARM, "/", "/", nil, config.Default(), eng, mem, 0x1000, 0x2000, 0x3000, []string{"prog"})
	require.NoError(t, err)
	return g, eng
}

func TestSaveCapturesRegionsAndRegisters(t *testing.T) {
	g, _ := newTestGuest(t)
	require.NoError(t, g.Memory().Write(0x1000, []byte("hello")))

	snap, err := Save(g)
	require.NoError(t, err)

	assert.Equal(t, cpuarch.ARM, snap.Arch)
	assert.Equal(t, []string{"prog"}, snap.ProgramArgs)
	require.Len(t, snap.Threads, 1)

	var found bool
	for _, r := range snap.Regions {
		if r.Start == 0x1000 {
			found = true
			assert.Equal(t, "hello", string(r.Data[:5]))
		}
	}
	assert.True(t, found, "expected the [load] region to be captured")
}

func TestRestoreRoundTripsMemoryAndArgs(t *testing.T) {
	g, _ := newTestGuest(t)
	require.NoError(t, g.Memory().Write(0x1000, []byte("before")))

	snap, err := Save(g)
	require.NoError(t, err)

	require.NoError(t, g.Memory().Write(0x1000, []byte("after!")))
	g.LoadProgramArgs([]string{"mutated"})

	require.NoError(t, Restore(g, snap))

	got, err := g.Memory().Read(0x1000, 6)
	require.NoError(t, err)
	assert.Equal(t, "before", string(got))
	assert.Equal(t, []string{"prog"}, g.ProgramArgs())
}

func TestRestoreRejectsArchMismatch(t *testing.T) {
	g, _ := newTestGuest(t)
	snap, err := Save(g)
	require.NoError(t, err)

	snap.Arch = cpuarch.X8664
	assert.Error(t, Restore(g, snap))
}

func TestRestoreResetsSchedulingAfterExit(t *testing.T) {
	g, _ := newTestGuest(t)
	snap, err := Save(g)
	require.NoError(t, err)

	g.Threads()[0].ExitGroup(7)
	require.Equal(t, sched.Exited, g.State())

	require.NoError(t, Restore(g, snap))
	assert.Equal(t, sched.Ready, g.State())
	for _, th := range g.Threads() {
		assert.Equal(t, sched.Ready, th.State())
		assert.Equal(t, 0, th.ExitStatus())
	}
}

func TestSaveToFileAndLoadFromFileRoundTrip(t *testing.T) {
	g, _ := newTestGuest(t)
	snap, err := Save(g)
	require.NoError(t, err)

	path := t.TempDir() + "/snap.gob"
	require.NoError(t, SaveToFile(snap, path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, snap.Arch, loaded.Arch)
	assert.Equal(t, snap.ProgramArgs, loaded.ProgramArgs)
	assert.Equal(t, len(snap.Regions), len(loaded.Regions))
}
