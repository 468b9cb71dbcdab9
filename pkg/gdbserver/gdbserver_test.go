package gdbserver

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talismancer/arion/pkg/abi"
	"github.com/talismancer/arion/pkg/cpuarch"
	"github.com/talismancer/arion/pkg/engine"
	"github.com/talismancer/arion/pkg/errno"
	"github.com/talismancer/arion/pkg/hostarch"
	"github.com/talismancer/arion/pkg/memory"
)

// fakeABI implements abi.Context with a plain register map, enough to
// exercise the stub's 'g'/'G' packet handling without a real engine.
type fakeABI struct {
	arch cpuarch.Arch
	regs map[string]uint64
}

func (f *fakeABI) Arch() cpuarch.Arch                             { return f.arch }
func (f *fakeABI) Width() int                                     { return regWidth(f.arch) }
func (f *fakeABI) IP() (hostarch.Addr, error)                     { return 0, nil }
func (f *fakeABI) SetIP(hostarch.Addr) error                      { return nil }
func (f *fakeABI) Stack() (hostarch.Addr, error)                  { return 0, nil }
func (f *fakeABI) SetStack(hostarch.Addr) error                   { return nil }
func (f *fakeABI) TLS() (hostarch.Addr, error)                    { return 0, nil }
func (f *fakeABI) SetTLS(hostarch.Addr) error                      { return nil }
func (f *fakeABI) SyscallNo() (uint64, error)                     { return 0, nil }
func (f *fakeABI) SyscallArgs() (abi.SyscallArguments, error)     { return abi.SyscallArguments{}, nil }
func (f *fakeABI) Return() (uint64, error)                        { return 0, nil }
func (f *fakeABI) SetReturn(uint64) error                         { return nil }
func (f *fakeABI) SetReturnErrno(*errno.Errno) error              { return nil }
func (f *fakeABI) RestartSyscall() error                          { return nil }
func (f *fakeABI) PushStack(uint64, uint64) (hostarch.Addr, error) { return 0, nil }

func (f *fakeABI) RegisterMap() (map[string]uint64, error) {
	out := make(map[string]uint64, len(f.regs))
	for k, v := range f.regs {
		out[k] = v
	}
	return out, nil
}

func (f *fakeABI) SetRegisterMap(regs map[string]uint64) error {
	for k, v := range regs {
		f.regs[k] = v
	}
	return nil
}

// fakeMemEngine is the minimal engine.Engine a memory.Manager needs.
type fakeMemEngine struct {
	slab map[uint64][]byte
}

func newFakeMemEngine() *fakeMemEngine { return &fakeMemEngine{slab: make(map[uint64][]byte)} }

func (f *fakeMemEngine) MemMap(addr, size uint64, _ hostarch.AccessType) error {
	f.slab[addr] = make([]byte, size)
	return nil
}
func (f *fakeMemEngine) MemProtect(uint64, uint64, hostarch.AccessType) error { return nil }
func (f *fakeMemEngine) MemUnmap(addr uint64, _ uint64) error {
	delete(f.slab, addr)
	return nil
}
func (f *fakeMemEngine) MemWrite(addr uint64, data []byte) error {
	for base, buf := range f.slab {
		if addr >= base && addr+uint64(len(data)) <= base+uint64(len(buf)) {
			copy(buf[addr-base:], data)
			return nil
		}
	}
	return errno.ENOMEM
}
func (f *fakeMemEngine) MemRead(addr uint64, size uint64) ([]byte, error) {
	for base, buf := range f.slab {
		if addr >= base && addr+size <= base+uint64(len(buf)) {
			out := make([]byte, size)
			copy(out, buf[addr-base:addr-base+size])
			return out, nil
		}
	}
	return nil, errno.ENOMEM
}
func (f *fakeMemEngine) RegRead(int) (uint64, error) { return 0, nil }
func (f *fakeMemEngine) RegWrite(int, uint64) error  { return nil }
func (f *fakeMemEngine) HookAddCode(uint64, uint64, engine.CodeHookFunc) (engine.HookID, error) {
	return 0, nil
}
func (f *fakeMemEngine) HookAddBlock(uint64, uint64, engine.CodeHookFunc) (engine.HookID, error) {
	return 0, nil
}
func (f *fakeMemEngine) HookAddIntr(engine.IntrHookFunc) (engine.HookID, error) { return 0, nil }
func (f *fakeMemEngine) HookAddMem(string, uint64, uint64, engine.MemHookFunc) (engine.HookID, error) {
	return 0, nil
}
func (f *fakeMemEngine) HookDel(engine.HookID) error { return nil }
func (f *fakeMemEngine) Start(uint64, uint64) error  { return nil }
func (f *fakeMemEngine) Stop() error                 { return nil }
func (f *fakeMemEngine) Close() error                { return nil }

// fakeTarget implements Target against a fakeABI and a real memory.Manager
// backed by fakeMemEngine, with a scripted sequence of Step results.
type fakeTarget struct {
	abiCtx  *fakeABI
	mem     *memory.Manager
	steps   []bool // done values to return in order; err is always nil
	stepIdx int
}

func (ft *fakeTarget) ABI() abi.Context      { return ft.abiCtx }
func (ft *fakeTarget) Arch() cpuarch.Arch    { return ft.abiCtx.arch }
func (ft *fakeTarget) Mem() *memory.Manager  { return ft.mem }
func (ft *fakeTarget) Step() (bool, error) {
	if ft.stepIdx >= len(ft.steps) {
		return true, nil
	}
	done := ft.steps[ft.stepIdx]
	ft.stepIdx++
	return done, nil
}

func newTestTarget(t *testing.T, steps ...bool) (*Server, *fakeTarget) {
	t.Helper()
	eng := newFakeMemEngine()
	mem := memory.NewManager(eng, hostarch.Addr(0x7f0000000000))
	_, err := mem.Map(0x1000, hostarch.PageSize, hostarch.ReadWrite(), "[data]", true)
	require.NoError(t, err)

	target := &fakeTarget{
		abiCtx: &fakeABI{arch: cpuarch.X8664, regs: map[string]uint64{"rip": 0x4000, "rsp": 0x7000}},
		mem:    mem,
		steps:  steps,
	}
	return New(target, nil), target
}

func TestDispatchQueryReportsStopSignal(t *testing.T) {
	s, _ := newTestTarget(t)
	reply, closeAfter := s.dispatch("?")
	assert.Equal(t, "S05", reply)
	assert.False(t, closeAfter)
}

func TestDispatchKillClosesConnection(t *testing.T) {
	s, _ := newTestTarget(t)
	reply, closeAfter := s.dispatch("k")
	assert.Equal(t, "", reply)
	assert.True(t, closeAfter)
}

func TestReadRegistersEncodesInGdbOrder(t *testing.T) {
	s, target := newTestTarget(t)
	target.abiCtx.regs["rax"] = 0x0102030405060708

	reply, _ := s.dispatch("g")
	width := regWidth(cpuarch.X8664)
	raw, err := hex.DecodeString(reply[:width*2])
	require.NoError(t, err)

	var v uint64
	for i := 0; i < width; i++ {
		v |= uint64(raw[i]) << (8 * i)
	}
	assert.EqualValues(t, 0x0102030405060708, v)
}

func TestWriteRegistersRoundTrips(t *testing.T) {
	s, target := newTestTarget(t)
	_, _ = s.dispatch("g") // sanity: readRegisters doesn't panic before any write

	regs := map[string]uint64{"rax": 0xdeadbeef}
	target.abiCtx.regs = regs

	encoded := s.readRegisters()
	reply, _ := s.dispatch("G" + encoded)
	assert.Equal(t, "OK", reply)
	assert.EqualValues(t, 0xdeadbeef, target.abiCtx.regs["rax"])
}

func TestReadAndWriteMemory(t *testing.T) {
	s, _ := newTestTarget(t)
	reply, _ := s.dispatch("M1000,5:48656c6c6f")
	assert.Equal(t, "OK", reply)

	reply, _ = s.dispatch("m1000,5")
	raw, err := hex.DecodeString(reply)
	require.NoError(t, err)
	assert.Equal(t, "Hello", string(raw))
}

func TestReadMemoryRejectsMalformedArgs(t *testing.T) {
	s, _ := newTestTarget(t)
	reply, _ := s.dispatch("mnotvalid")
	assert.Equal(t, "E01", reply)
}

func TestContinueRunsUntilDone(t *testing.T) {
	s, _ := newTestTarget(t, false, false, true)
	reply, _ := s.dispatch("c")
	assert.Equal(t, "W00", reply)
}

func TestStepReportsTrapWhenNotDone(t *testing.T) {
	s, _ := newTestTarget(t, false)
	reply, _ := s.dispatch("s")
	assert.Equal(t, "S05", reply)
}

func TestStepReportsExitWhenDone(t *testing.T) {
	s, _ := newTestTarget(t, true)
	reply, _ := s.dispatch("s")
	assert.Equal(t, "W00", reply)
}

func TestQSupportedAdvertisesPacketSize(t *testing.T) {
	s, _ := newTestTarget(t)
	reply, _ := s.dispatch("qSupported:multiprocess+")
	assert.Equal(t, "PacketSize=4000", reply)
}

func TestUnknownPacketGetsEmptyReply(t *testing.T) {
	s, _ := newTestTarget(t)
	reply, closeAfter := s.dispatch("vMustReplyEmpty")
	assert.Equal(t, "", reply)
	assert.False(t, closeAfter)
}

func TestChecksumIsSumModulo256(t *testing.T) {
	assert.EqualValues(t, byte('O'+'K'), checksum("OK"))
}
