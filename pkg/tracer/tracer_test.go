package tracer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talismancer/arion/pkg/engine"
	"github.com/talismancer/arion/pkg/hooks"
	"github.com/talismancer/arion/pkg/hostarch"
	"github.com/talismancer/arion/pkg/memory"
)

// fakeEngine is a minimal in-process engine.Engine: enough address-space
// bookkeeping for a memory.Manager plus a captured block-hook callback a
// test can invoke directly to simulate the CPU-emulation engine firing
// on a basic block, mirroring the fixture style in pkg/sched/group_test.go.
type fakeEngine struct {
	mapped     map[uint64]uint64 // addr -> size
	blockHook  engine.CodeHookFunc
	blockBegin uint64
	blockEnd   uint64
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{mapped: make(map[uint64]uint64)}
}

func (f *fakeEngine) MemMap(addr, size uint64, _ hostarch.AccessType) error {
	f.mapped[addr] = size
	return nil
}
func (f *fakeEngine) MemProtect(uint64, uint64, hostarch.AccessType) error { return nil }
func (f *fakeEngine) MemUnmap(addr uint64, _ uint64) error {
	delete(f.mapped, addr)
	return nil
}
func (f *fakeEngine) MemWrite(uint64, []byte) error { return nil }
func (f *fakeEngine) MemRead(addr uint64, size uint64) ([]byte, error) {
	return make([]byte, size), nil
}
func (f *fakeEngine) RegRead(int) (uint64, error) { return 0, nil }
func (f *fakeEngine) RegWrite(int, uint64) error  { return nil }
func (f *fakeEngine) HookAddCode(uint64, uint64, engine.CodeHookFunc) (engine.HookID, error) {
	return 0, nil
}
func (f *fakeEngine) HookAddBlock(begin, end uint64, fn engine.CodeHookFunc) (engine.HookID, error) {
	f.blockHook = fn
	f.blockBegin, f.blockEnd = begin, end
	return 1, nil
}
func (f *fakeEngine) HookAddIntr(engine.IntrHookFunc) (engine.HookID, error) { return 0, nil }
func (f *fakeEngine) HookAddMem(string, uint64, uint64, engine.MemHookFunc) (engine.HookID, error) {
	return 0, nil
}
func (f *fakeEngine) HookDel(id engine.HookID) error {
	if id == 1 {
		f.blockHook = nil
	}
	return nil
}
func (f *fakeEngine) Start(uint64, uint64) error  { return nil }
func (f *fakeEngine) Stop() error                 { return nil }
func (f *fakeEngine) Close() error                { return nil }

func newTestTracer(t *testing.T) (*Tracer, *fakeEngine, *hooks.Manager) {
	t.Helper()
	eng := newFakeEngine()
	mem := memory.NewManager(eng, hostarch.Addr(0x7f0000000000))
	_, err := mem.Map(0x1000, hostarch.PageSize, hostarch.ReadExecute(), "[load-a]", true)
	require.NoError(t, err)
	_, err = mem.Map(0x2000, hostarch.PageSize, hostarch.ReadExecute(), "[load-b]", true)
	require.NoError(t, err)

	mgr := hooks.NewManager(eng)
	tr := New(mem)
	require.NoError(t, tr.Attach(mgr))
	return tr, eng, mgr
}

func TestAttachRegistersBlockHookAcrossFullRange(t *testing.T) {
	_, eng, _ := newTestTracer(t)
	require.NotNil(t, eng.blockHook)
	assert.Equal(t, uint64(0), eng.blockBegin)
	assert.Equal(t, ^uint64(0), eng.blockEnd)
}

func TestAttachTwiceFails(t *testing.T) {
	tr, _, mgr := newTestTracer(t)
	assert.Error(t, tr.Attach(mgr))
}

func TestRecordAttributesHitToContainingModule(t *testing.T) {
	tr, eng, _ := newTestTracer(t)
	eng.blockHook(0x1004, 4)
	eng.blockHook(0x2010, 8)

	assert.Equal(t, 2, tr.Len())
	require.Len(t, tr.blocks, 2)
	assert.Equal(t, 0, tr.blocks[0].moduleID)
	assert.Equal(t, uint32(0x4), tr.blocks[0].offset)
	assert.Equal(t, 1, tr.blocks[1].moduleID)
	assert.Equal(t, uint32(0x10), tr.blocks[1].offset)
}

func TestRecordIgnoresUnmappedAddress(t *testing.T) {
	tr, eng, _ := newTestTracer(t)
	eng.blockHook(0xdead0000, 4)
	assert.Equal(t, 0, tr.Len())
}

func TestResetClearsRecordedBlocksButKeepsAttachment(t *testing.T) {
	tr, eng, _ := newTestTracer(t)
	eng.blockHook(0x1004, 4)
	require.Equal(t, 1, tr.Len())

	tr.Reset()
	assert.Equal(t, 0, tr.Len())

	eng.blockHook(0x1008, 4)
	assert.Equal(t, 1, tr.Len())
}

func TestDetachRemovesHook(t *testing.T) {
	tr, eng, mgr := newTestTracer(t)
	require.NoError(t, tr.Detach(mgr))
	assert.Nil(t, eng.blockHook)
	// Detaching twice is a no-op, not an error.
	require.NoError(t, tr.Detach(mgr))
}

func TestFlushWritesDrcovHeaderAndBinaryRecords(t *testing.T) {
	tr, eng, _ := newTestTracer(t)
	eng.blockHook(0x1004, 4)

	var buf bytes.Buffer
	require.NoError(t, tr.Flush(&buf))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "DRCOV VERSION: 2\n"))
	assert.Contains(t, out, "Module Table: version 2, count 2")
	assert.Contains(t, out, "[load-a]")
	assert.Contains(t, out, "[load-b]")
	idx := strings.Index(out, "BB Table: 1 bbs\n")
	require.GreaterOrEqual(t, idx, 0)
	binaryPart := out[idx+len("BB Table: 1 bbs\n"):]
	assert.Len(t, binaryPart, 8, "one 8-byte BB record should trail the text header")
}
