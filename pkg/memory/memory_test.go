package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talismancer/arion/pkg/engine"
	"github.com/talismancer/arion/pkg/hostarch"
)

// fakeEngine is a minimal in-process stand-in for engine.Engine, backed by
// a flat byte slab, so the memory manager's bookkeeping can be tested
// without a real Unicorn instance.
type fakeEngine struct {
	slab map[uint64][]byte
}

func newFakeEngine() *fakeEngine { return &fakeEngine{slab: make(map[uint64][]byte)} }

func (f *fakeEngine) MemMap(addr, size uint64, _ hostarch.AccessType) error {
	f.slab[addr] = make([]byte, size)
	return nil
}
func (f *fakeEngine) MemProtect(uint64, uint64, hostarch.AccessType) error { return nil }
func (f *fakeEngine) MemUnmap(addr uint64, _ uint64) error {
	delete(f.slab, addr)
	return nil
}
func (f *fakeEngine) MemWrite(addr uint64, data []byte) error {
	for base, buf := range f.slab {
		if addr >= base && addr+uint64(len(data)) <= base+uint64(len(buf)) {
			copy(buf[addr-base:], data)
			return nil
		}
	}
	return errUnmapped
}
func (f *fakeEngine) MemRead(addr uint64, size uint64) ([]byte, error) {
	for base, buf := range f.slab {
		if addr >= base && addr+size <= base+uint64(len(buf)) {
			out := make([]byte, size)
			copy(out, buf[addr-base:addr-base+size])
			return out, nil
		}
	}
	return nil, errUnmapped
}
func (f *fakeEngine) RegRead(int) (uint64, error)                                   { return 0, nil }
func (f *fakeEngine) RegWrite(int, uint64) error                                    { return nil }
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

func newTestManager() *Manager {
	return NewManager(newFakeEngine(), hostarch.Addr(0x555555000000))
}

func TestMapRejectsOverlapWithoutFixed(t *testing.T) {
	mgr := newTestManager()
	addr, err := mgr.Map(0x400000, 0x1000, hostarch.ReadWrite(), "a", false)
	require.NoError(t, err)

	_, err = mgr.Map(addr, 0x1000, hostarch.ReadWrite(), "b", false)
	assert.Error(t, err, "overlapping non-fixed map must fail")
}

func TestMapFixedReplacesExisting(t *testing.T) {
	mgr := newTestManager()
	addr, err := mgr.Map(0x400000, 0x1000, hostarch.ReadOnly(), "a", false)
	require.NoError(t, err)

	_, err = mgr.Map(addr, 0x1000, hostarch.ReadWrite(), "b", true)
	require.NoError(t, err)

	mappings := mgr.Mappings()
	require.Len(t, mappings, 1)
	assert.Equal(t, "b", mappings[0].Label)
}

func TestMapAllocatesBottomUpWhenUnhinted(t *testing.T) {
	mgr := newTestManager()
	first, err := mgr.Map(0, 0x1000, hostarch.ReadWrite(), "first", false)
	require.NoError(t, err)
	assert.True(t, first.IsPageAligned())

	second, err := mgr.Map(0, 0x1000, hostarch.ReadWrite(), "second", false)
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "two unhinted maps must not collide")
}

func TestUnmapSplitsMapping(t *testing.T) {
	mgr := newTestManager()
	base, err := mgr.Map(0x400000, 0x3000, hostarch.ReadWrite(), "region", false)
	require.NoError(t, err)

	require.NoError(t, mgr.Unmap(base+0x1000, 0x1000))

	mappings := mgr.Mappings()
	require.Len(t, mappings, 2)
	assert.Equal(t, base, mappings[0].Start)
	assert.Equal(t, base+0x1000, mappings[0].End)
	assert.Equal(t, base+0x2000, mappings[1].Start)
	assert.Equal(t, base+0x3000, mappings[1].End)
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	mgr := newTestManager()
	addr, err := mgr.Map(0x400000, 0x1000, hostarch.ReadWrite(), "data", false)
	require.NoError(t, err)

	payload := []byte("arion-round-trip")
	require.NoError(t, mgr.Write(addr, payload))

	got, err := mgr.Read(addr, uint64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadOutsideMappingFails(t *testing.T) {
	mgr := newTestManager()
	_, err := mgr.Read(0xdeadbeef, 8)
	assert.Error(t, err)
}

func TestWriteRejectsReadOnlyMapping(t *testing.T) {
	mgr := newTestManager()
	addr, err := mgr.Map(0x400000, 0x1000, hostarch.ReadOnly(), "ro", false)
	require.NoError(t, err)

	err = mgr.Write(addr, []byte{0x90})
	assert.Error(t, err, "write to a read-only mapping must fail")
}

func TestScalarRoundTrip(t *testing.T) {
	mgr := newTestManager()
	addr, err := mgr.Map(0x400000, 0x1000, hostarch.ReadWrite(), "scalars", false)
	require.NoError(t, err)

	require.NoError(t, WriteVal[uint32](mgr, addr, 0xcafebabe))
	got, err := ReadVal[uint32](mgr, addr)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xcafebabe), got)

	require.NoError(t, WriteVal[uint64](mgr, addr+8, 0x1122334455667788))
	got64, err := ReadVal[uint64](mgr, addr+8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1122334455667788), got64)
}

func TestCStringRoundTrip(t *testing.T) {
	mgr := newTestManager()
	addr, err := mgr.Map(0x400000, 0x1000, hostarch.ReadWrite(), "strings", false)
	require.NoError(t, err)

	require.NoError(t, mgr.WriteString(addr, "/bin/sh"))
	got, err := mgr.ReadCString(addr)
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", got)
}

func TestIsMapped(t *testing.T) {
	mgr := newTestManager()
	addr, err := mgr.Map(0x400000, 0x1000, hostarch.ReadWrite(), "m", false)
	require.NoError(t, err)

	assert.True(t, mgr.IsMapped(addr))
	assert.False(t, mgr.IsMapped(addr+0x1000))
}
