// Package hooks is the Hooks Engine (spec.md §4.6): a synchronous
// observer registry sitting on top of the CPU emulation engine's own
// hook mechanism, adding the categories the engine doesn't know about
// (fork, execve, syscall) alongside pass-through categories (code,
// block, intr, mem_*) that the engine does support directly.
// CategoryInsn is defined, but no method registers an
// instruction-specific hook.
// Grounded on the original runtime's hook categories
// (common/global_defs.hpp's HOOK_TYPE enum) and on the teacher's
// registry-of-callbacks idiom.
package hooks

import (
	"sort"
	"sync"

	"github.com/talismancer/arion/pkg/engine"
)

// Category discriminates the kind of event a hook observes.
type Category int

const (
	CategoryCode Category = iota
	CategoryBlock
	CategoryInsn
	CategoryIntr
	CategoryMemRead
	CategoryMemWrite
	CategoryMemFetch
	CategoryMemUnmapped
	CategoryFork
	CategoryExecve
	CategorySyscall
)

// HookID is an opaque handle returned by every Add* method, used to
// remove a hook later.
type HookID uint64

// CodeFunc is invoked for code/block hooks.
type CodeFunc func(addr uint64, size uint32)

// IntrFunc is invoked for interrupt hooks.
type IntrFunc func(intno uint32)

// MemFunc is invoked for memory-access hooks. Returning false for a
// mem_unmapped hook tells the engine the fault was not resolved and
// should propagate as a guest fault.
type MemFunc func(addr uint64, size int, value int64) bool

// ForkFunc is invoked after a fork/clone produces a new thread, with the
// parent and child thread ids.
type ForkFunc func(parentTID, childTID int)

// ExecveFunc is invoked once execve has loaded the new image into the
// calling guest, before its thread and signal tables are reset. A
// non-nil error becomes the execve result; the new image stays mapped.
type ExecveFunc func(path string, argv []string) error

// SyscallFunc is invoked before a syscall is dispatched; returning false
// suppresses the default handler, letting instrumentation (the fuzzer's
// coverage tracer, a debugger breakpoint-on-syscall) short-circuit it.
type SyscallFunc func(sysno uint64) bool

type hookEntry struct {
	id       HookID
	category Category
	code     CodeFunc
	intr     IntrFunc
	mem      MemFunc
	fork     ForkFunc
	execve   ExecveFunc
	syscall  SyscallFunc
	// engineID is set for categories forwarded to the CPU emulation
	// engine's own hook mechanism (code/block/intr/mem_*), so HookDel can
	// remove the underlying registration too.
	engineID engine.HookID
	hasEngID bool
}

// Engine is the subset of engine.Engine the hooks registry drives.
type Engine interface {
	HookAddCode(begin, end uint64, fn engine.CodeHookFunc) (engine.HookID, error)
	HookAddBlock(begin, end uint64, fn engine.CodeHookFunc) (engine.HookID, error)
	HookAddIntr(fn engine.IntrHookFunc) (engine.HookID, error)
	HookAddMem(kind string, begin, end uint64, fn engine.MemHookFunc) (engine.HookID, error)
	HookDel(id engine.HookID) error
}

// Manager is the guest-wide hook registry. A guest owns exactly one.
type Manager struct {
	mu      sync.Mutex
	eng     Engine
	nextID  HookID
	entries map[HookID]*hookEntry
}

// NewManager constructs a hook registry wired to eng for the
// engine-forwarded categories.
func NewManager(eng Engine) *Manager {
	return &Manager{eng: eng, entries: make(map[HookID]*hookEntry)}
}

func (m *Manager) add(e *hookEntry) HookID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.id = m.nextID
	m.entries[e.id] = e
	return e.id
}

// AddCode registers a per-instruction hook over [begin, end).
func (m *Manager) AddCode(begin, end uint64, fn CodeFunc) (HookID, error) {
	engID, err := m.eng.HookAddCode(begin, end, func(addr uint64, size uint32) { fn(addr, size) })
	if err != nil {
		return 0, err
	}
	return m.add(&hookEntry{category: CategoryCode, code: fn, engineID: engID, hasEngID: true}), nil
}

// AddBlock registers a per-basic-block hook over [begin, end).
func (m *Manager) AddBlock(begin, end uint64, fn CodeFunc) (HookID, error) {
	engID, err := m.eng.HookAddBlock(begin, end, func(addr uint64, size uint32) { fn(addr, size) })
	if err != nil {
		return 0, err
	}
	return m.add(&hookEntry{category: CategoryBlock, code: fn, engineID: engID, hasEngID: true}), nil
}

// AddIntr registers an interrupt/trap hook.
func (m *Manager) AddIntr(fn IntrFunc) (HookID, error) {
	engID, err := m.eng.HookAddIntr(func(intno uint32) { fn(intno) })
	if err != nil {
		return 0, err
	}
	return m.add(&hookEntry{category: CategoryIntr, intr: fn, engineID: engID, hasEngID: true}), nil
}

func memCategory(kind string) Category {
	switch kind {
	case "write":
		return CategoryMemWrite
	case "fetch":
		return CategoryMemFetch
	case "invalid":
		return CategoryMemUnmapped
	default:
		return CategoryMemRead
	}
}

// AddMem registers a memory-access hook for the given kind
// ("read"/"write"/"fetch"/"invalid") over [begin, end).
func (m *Manager) AddMem(kind string, begin, end uint64, fn MemFunc) (HookID, error) {
	engID, err := m.eng.HookAddMem(kind, begin, end, func(addr uint64, size int, value int64) bool {
		return fn(addr, size, value)
	})
	if err != nil {
		return 0, err
	}
	return m.add(&hookEntry{category: memCategory(kind), mem: fn, engineID: engID, hasEngID: true}), nil
}

// AddFork registers a fork/clone observer. Unlike the code/mem/intr
// categories, fork has no engine-level counterpart: the scheduler calls
// Manager.RunFork directly after admitting the new thread.
func (m *Manager) AddFork(fn ForkFunc) HookID {
	return m.add(&hookEntry{category: CategoryFork, fork: fn})
}

// AddExecve registers an execve observer, called by the scheduler's
// exec path after the new image has been loaded.
func (m *Manager) AddExecve(fn ExecveFunc) HookID {
	return m.add(&hookEntry{category: CategoryExecve, execve: fn})
}

// AddSyscall registers a pre-dispatch syscall observer, called by the
// Syscall Dispatcher before looking up the handler.
func (m *Manager) AddSyscall(fn SyscallFunc) HookID {
	return m.add(&hookEntry{category: CategorySyscall, syscall: fn})
}

// Del removes a previously registered hook of any category.
func (m *Manager) Del(id HookID) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if e.hasEngID {
		return m.eng.HookDel(e.engineID)
	}
	return nil
}

func (m *Manager) ordered(category Category) []*hookEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*hookEntry
	for _, e := range m.entries {
		if e.category == category {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// RunFork invokes every registered fork hook, in registration order.
func (m *Manager) RunFork(parentTID, childTID int) {
	for _, e := range m.ordered(CategoryFork) {
		e.fork(parentTID, childTID)
	}
}

// RunExecve invokes every registered execve hook in order, stopping and
// returning the first error (which the exec path then returns).
func (m *Manager) RunExecve(path string, argv []string) error {
	for _, e := range m.ordered(CategoryExecve) {
		if err := e.execve(path, argv); err != nil {
			return err
		}
	}
	return nil
}

// RunSyscall invokes every registered syscall hook in order. The
// dispatcher proceeds to its default handler only if every hook returns
// true.
func (m *Manager) RunSyscall(sysno uint64) bool {
	for _, e := range m.ordered(CategorySyscall) {
		if !e.syscall(sysno) {
			return false
		}
	}
	return true
}
