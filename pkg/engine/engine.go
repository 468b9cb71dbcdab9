// Package engine wraps the CPU emulation engine the core drives but does
// not implement itself (spec.md §1: "the underlying CPU emulation engine"
// is explicitly out of scope, treated as a provider the core calls into).
// The concrete backend is Unicorn, via its Go bindings
// (github.com/unicorn-engine/unicorn/bindings/go/unicorn), grounded on the
// Unicorn usage patterns in other_examples/04b39b2e_zboralski-galago
// (ARM64 mapping/hook setup) and other_examples/aeb1e9c6_x56-usercorn (a
// Unicorn-style engine driving a POSIX syscall kernel).
package engine

import (
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/talismancer/arion/pkg/cpuarch"
	"github.com/talismancer/arion/pkg/hostarch"
)

// HookID identifies a registered engine-level hook for later removal.
type HookID uint64

// CodeHookFunc is invoked for every instruction (or basic block, depending
// on registration) the engine retires.
type CodeHookFunc func(addr uint64, size uint32)

// IntrHookFunc is invoked on a CPU interrupt/trap.
type IntrHookFunc func(intno uint32)

// MemHookFunc is invoked on a memory access hook (read/write/fetch/invalid).
// It returns false to let an invalid access continue being reported as a
// fault, true to tell the engine the access has been handled and
// execution may continue.
type MemHookFunc func(addr uint64, size int, value int64) bool

// Engine is the subset of CPU-emulation-engine functionality the core
// depends on. Everything above this interface (Memory Manager, Arch
// Adapter, Hooks Engine) is written against it rather than against
// Unicorn directly, so the core's sum-type-over-arch design (spec.md §9
// "Polymorphism over arches") stays engine-agnostic.
type Engine interface {
	// MemMap creates a new mapping with the given permissions.
	MemMap(addr, size uint64, perms hostarch.AccessType) error
	// MemProtect changes the permissions of an existing mapping.
	MemProtect(addr, size uint64, perms hostarch.AccessType) error
	// MemUnmap removes a mapping.
	MemUnmap(addr, size uint64) error
	// MemWrite writes bytes into guest memory.
	MemWrite(addr uint64, data []byte) error
	// MemRead reads bytes from guest memory.
	MemRead(addr uint64, size uint64) ([]byte, error)

	// RegRead reads a register by engine-specific id.
	RegRead(id int) (uint64, error)
	// RegWrite writes a register by engine-specific id.
	RegWrite(id int, value uint64) error

	// HookAddCode registers a per-instruction hook over [begin, end).
	HookAddCode(begin, end uint64, fn CodeHookFunc) (HookID, error)
	// HookAddBlock registers a per-basic-block hook over [begin, end).
	HookAddBlock(begin, end uint64, fn CodeHookFunc) (HookID, error)
	// HookAddIntr registers an interrupt hook.
	HookAddIntr(fn IntrHookFunc) (HookID, error)
	// HookAddMem registers a memory-access hook for the given access kind
	// ("read", "write", "fetch", "invalid") over [begin, end).
	HookAddMem(kind string, begin, end uint64, fn MemHookFunc) (HookID, error)
	// HookDel removes a previously registered hook.
	HookDel(id HookID) error

	// Start resumes emulation at begin, stopping at until (0 means run
	// until the engine halts itself or Stop is called).
	Start(begin, until uint64) error
	// Stop requests the currently running Start call to return.
	Stop() error
	// Close releases the engine instance.
	Close() error
}

// New constructs an Engine for the given (arch, mode) pair.
func New(arch cpuarch.Arch, mode cpuarch.Mode) (Engine, error) {
	ucArch, ucMode, err := translateArchMode(arch, mode)
	if err != nil {
		return nil, err
	}
	mu, err := uc.NewUnicorn(ucArch, ucMode)
	if err != nil {
		return nil, fmt.Errorf("create unicorn engine for %s: %w", arch, err)
	}
	return &unicornEngine{mu: mu, hooks: make(map[HookID]uc.Hook)}, nil
}

func translateArchMode(arch cpuarch.Arch, mode cpuarch.Mode) (int, int, error) {
	switch arch {
	case cpuarch.X86:
		return uc.ARCH_X86, uc.MODE_32, nil
	case cpuarch.X8664:
		return uc.ARCH_X86, uc.MODE_64, nil
	case cpuarch.ARM:
		if mode == cpuarch.ModeThumb {
			return uc.ARCH_ARM, uc.MODE_THUMB, nil
		}
		return uc.ARCH_ARM, uc.MODE_ARM, nil
	case cpuarch.ARM64:
		return uc.ARCH_ARM64, uc.MODE_ARM, nil
	case cpuarch.PPC32:
		return uc.ARCH_PPC, uc.MODE_PPC32 | uc.MODE_BIG_ENDIAN, nil
	default:
		return 0, 0, fmt.Errorf("engine: unsupported arch %s", arch)
	}
}

type unicornEngine struct {
	mu     uc.Unicorn
	nextID HookID
	hooks  map[HookID]uc.Hook
}

func protToUC(perms hostarch.AccessType) int {
	p := uc.PROT_NONE
	if perms.Read {
		p |= uc.PROT_READ
	}
	if perms.Write {
		p |= uc.PROT_WRITE
	}
	if perms.Execute {
		p |= uc.PROT_EXEC
	}
	return p
}

func (e *unicornEngine) MemMap(addr, size uint64, perms hostarch.AccessType) error {
	return e.mu.MemMapProt(addr, size, protToUC(perms))
}

func (e *unicornEngine) MemProtect(addr, size uint64, perms hostarch.AccessType) error {
	return e.mu.MemProtect(addr, size, protToUC(perms))
}

func (e *unicornEngine) MemUnmap(addr, size uint64) error {
	return e.mu.MemUnmap(addr, size)
}

func (e *unicornEngine) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

func (e *unicornEngine) MemRead(addr uint64, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

func (e *unicornEngine) RegRead(id int) (uint64, error) {
	return e.mu.RegRead(id)
}

func (e *unicornEngine) RegWrite(id int, value uint64) error {
	return e.mu.RegWrite(id, value)
}

func (e *unicornEngine) storeHook(h uc.Hook) HookID {
	e.nextID++
	e.hooks[e.nextID] = h
	return e.nextID
}

func (e *unicornEngine) HookAddCode(begin, end uint64, fn CodeHookFunc) (HookID, error) {
	h, err := e.mu.HookAdd(uc.HOOK_CODE, func(_ uc.Unicorn, addr uint64, size uint32) {
		fn(addr, size)
	}, begin, end)
	if err != nil {
		return 0, err
	}
	return e.storeHook(h), nil
}

func (e *unicornEngine) HookAddBlock(begin, end uint64, fn CodeHookFunc) (HookID, error) {
	h, err := e.mu.HookAdd(uc.HOOK_BLOCK, func(_ uc.Unicorn, addr uint64, size uint32) {
		fn(addr, size)
	}, begin, end)
	if err != nil {
		return 0, err
	}
	return e.storeHook(h), nil
}

func (e *unicornEngine) HookAddIntr(fn IntrHookFunc) (HookID, error) {
	h, err := e.mu.HookAdd(uc.HOOK_INTR, func(_ uc.Unicorn, intno uint32) {
		fn(intno)
	}, 1, 0)
	if err != nil {
		return 0, err
	}
	return e.storeHook(h), nil
}

func memHookType(kind string) (int, error) {
	switch kind {
	case "read":
		return uc.HOOK_MEM_READ, nil
	case "write":
		return uc.HOOK_MEM_WRITE, nil
	case "fetch":
		return uc.HOOK_MEM_FETCH, nil
	case "invalid":
		return uc.HOOK_MEM_INVALID, nil
	default:
		return 0, fmt.Errorf("engine: unknown mem hook kind %q", kind)
	}
}

func (e *unicornEngine) HookAddMem(kind string, begin, end uint64, fn MemHookFunc) (HookID, error) {
	hookType, err := memHookType(kind)
	if err != nil {
		return 0, err
	}
	h, err := e.mu.HookAdd(hookType, func(_ uc.Unicorn, _ int, addr uint64, size int, value int64) bool {
		return fn(addr, size, value)
	}, begin, end)
	if err != nil {
		return 0, err
	}
	return e.storeHook(h), nil
}

func (e *unicornEngine) HookDel(id HookID) error {
	h, ok := e.hooks[id]
	if !ok {
		return fmt.Errorf("engine: unknown hook id %d", id)
	}
	delete(e.hooks, id)
	return e.mu.HookDel(h)
}

func (e *unicornEngine) Start(begin, until uint64) error {
	return e.mu.Start(begin, until)
}

func (e *unicornEngine) Stop() error {
	return e.mu.Stop()
}

func (e *unicornEngine) Close() error {
	return e.mu.Close()
}
