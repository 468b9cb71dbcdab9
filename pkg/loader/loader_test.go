package loader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talismancer/arion/pkg/cpuarch"
	"github.com/talismancer/arion/pkg/engine"
	"github.com/talismancer/arion/pkg/hostarch"
	"github.com/talismancer/arion/pkg/memory"
)

// fakeEngine is a minimal in-process stand-in for engine.Engine, backed
// by a flat byte slab, mirroring pkg/memory's test fixture so the
// loader's mapping/stack-writing logic can be exercised without a real
// Unicorn instance.
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
func (f *fakeEngine) RegRead(int) (uint64, error) { return 0, nil }
func (f *fakeEngine) RegWrite(int, uint64) error  { return nil }
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

func TestBaremetalLoaderMapsCodeAndStack(t *testing.T) {
	mem := memory.NewManager(newFakeEngine(), hostarch.Addr(0x555555000000))
	code := []byte{0x90, 0x90, 0xc3} // nop; nop; ret
	ld := &LinuxBaremetalLoader{Code: code, Argv: []string{"prog"}, Envp: []string{"HOME=/"}}

	params, err := ld.Load(mem, cpuarch.X8664)
	require.NoError(t, err)

	assert.Equal(t, load64Addr, params.LoadAddr)
	assert.Equal(t, load64Addr, params.Entry)
	assert.True(t, params.StackTop > stackBase(cpuarch.X8664))
	assert.True(t, params.StackTop < stackTop(cpuarch.X8664))
	assert.Equal(t, hostarch.PageSize, int(params.HeapBase-params.LoadAddr))

	got, err := mem.Read(params.LoadAddr, uint64(len(code)))
	require.NoError(t, err)
	assert.Equal(t, code, got)
}

func TestBaremetalLoaderDefaultEntryFollowsLoadAddr(t *testing.T) {
	mem := memory.NewManager(newFakeEngine(), hostarch.Addr(0x555555000000))
	ld := &LinuxBaremetalLoader{LoadAddr: 0x10000000, Code: []byte{0xeb, 0xfe}}

	params, err := ld.Load(mem, cpuarch.ARM)
	require.NoError(t, err)

	assert.Equal(t, hostarch.Addr(0x10000000), params.LoadAddr)
	assert.Equal(t, hostarch.Addr(0x10000000), params.Entry)
}

func TestStackWriterRoundTripsArgvEnvpAuxv(t *testing.T) {
	mem := memory.NewManager(newFakeEngine(), hostarch.Addr(0x555555000000))
	sw, err := newStackWriter(mem, cpuarch.X8664)
	require.NoError(t, err)

	argv := []string{"prog", "-x", "arg with spaces"}
	envp := []string{"HOME=/root", "PATH=/bin"}
	auxv := []auxvEntry{{key: AtPagesz, val: hostarch.PageSize}, {key: AtEntry, val: 0x400000}}

	sp, err := writeProcessStack(sw, cpuarch.X8664, "prog", argv, envp, auxv)
	require.NoError(t, err)

	argc, err := mem.ReadPtr(sp, 8)
	require.NoError(t, err)
	assert.EqualValues(t, len(argv), argc)

	argvBase := sp + 8
	for i, want := range argv {
		ptr, err := mem.ReadPtr(argvBase+hostarch.Addr(i*8), 8)
		require.NoError(t, err)
		got, err := mem.ReadCString(ptr)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	// argv array is argc entries plus a NUL terminator.
	term, err := mem.ReadPtr(argvBase+hostarch.Addr(len(argv)*8), 8)
	require.NoError(t, err)
	assert.EqualValues(t, 0, term)

	envBase := argvBase + hostarch.Addr((len(argv)+1)*8)
	for i, want := range envp {
		ptr, err := mem.ReadPtr(envBase+hostarch.Addr(i*8), 8)
		require.NoError(t, err)
		got, err := mem.ReadCString(ptr)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDetectArchRejectsNonELF(t *testing.T) {
	_, err := DetectArch("/dev/null")
	assert.Error(t, err)
}
