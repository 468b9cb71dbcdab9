// Package arion is the Guest Orchestrator (spec.md §2): it glues the
// Loader, the Memory/FS/Socket/Signal managers, the Syscall Dispatcher,
// the Hooks Engine, and the ArionGroup scheduler into the public
// construction surface spec.md §6 describes, grounded on the original
// runtime's Arion class (arion.hpp) as the single owner every other
// component holds a weak reference back to, and on the teacher's
// boot.Loader (runsc/boot/loader.go) for the "resolve a binary, pick an
// engine, admit a guest" sequencing shape.
package arion

import (
	"context"
	"fmt"

	"github.com/talismancer/arion/pkg/abi"
	"github.com/talismancer/arion/pkg/config"
	"github.com/talismancer/arion/pkg/cpuarch"
	"github.com/talismancer/arion/pkg/engine"
	"github.com/talismancer/arion/pkg/fs"
	"github.com/talismancer/arion/pkg/gdbserver"
	"github.com/talismancer/arion/pkg/hooks"
	"github.com/talismancer/arion/pkg/hostarch"
	"github.com/talismancer/arion/pkg/loader"
	"github.com/talismancer/arion/pkg/log"
	"github.com/talismancer/arion/pkg/memory"
	"github.com/talismancer/arion/pkg/sched"
	"github.com/talismancer/arion/pkg/snapshot"
	"github.com/talismancer/arion/pkg/socket"
	"github.com/talismancer/arion/pkg/syscalls"
	"github.com/talismancer/arion/pkg/tracer"
)

// Instance is Arion (spec.md §2): the handle a driver (the CLI, the GDB
// server, the fuzzer fork-server) holds to run, inspect, and stop one
// guest process tree.
type Instance struct {
	group      *sched.Group
	root       *sched.Guest
	cfg        config.Config
	dispatcher *syscalls.Dispatcher
	tracer     *tracer.Tracer
}

// newEngine constructs a fresh CPU-emulation-engine handle for arch,
// satisfying sched.EngineFactory for both the initial guest and every
// guest a later plain fork(2) creates.
func newEngine(arch cpuarch.Arch) (engine.Engine, error) {
	return engine.New(arch, cpuarch.ModeDefault)
}

// NewInstance is the ELF entry point of spec.md §6's construction
// surface: it resolves argv[0] under fsRoot, detects its architecture,
// loads it, and admits the resulting guest into a fresh ArionGroup.
func NewInstance(argv []string, fsRoot string, env []string, cwd string, cfg config.Config) (*Instance, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("arion: NewInstance requires a non-empty argv")
	}

	fsMgr := fs.NewManager(fsRoot, cwd)
	hostPath, err := fsMgr.ToHostPath(argv[0])
	if err != nil {
		return nil, err
	}
	arch, err := loader.DetectArch(hostPath)
	if err != nil {
		return nil, err
	}

	eng, err := newEngine(arch)
	if err != nil {
		return nil, err
	}
	mem := memory.NewManager(eng, sched.MmapBase(arch))

	ld := &loader.LinuxElfLoader{FS: fsMgr, Path: argv[0], Argv: argv, Envp: env}
	params, err := ld.Load(mem, arch)
	if err != nil {
		return nil, err
	}

	return newInstance(arch, fsRoot, cwd, env, cfg, eng, mem, params, argv)
}

// NewInstanceBaremetal is the raw-code entry point of spec.md §6: arch
// must be supplied explicitly since there is no ELF header to sniff it
// from, and ld describes the code buffer and load/entry addresses the
// BaremetalManager-equivalent caller wants mapped.
func NewInstanceBaremetal(ld *loader.LinuxBaremetalLoader, arch cpuarch.Arch, fsRoot string, env []string, cwd string, cfg config.Config) (*Instance, error) {
	eng, err := newEngine(arch)
	if err != nil {
		return nil, err
	}
	mem := memory.NewManager(eng, sched.MmapBase(arch))
	params, err := ld.Load(mem, arch)
	if err != nil {
		return nil, err
	}
	return newInstance(arch, fsRoot, cwd, env, cfg, eng, mem, params, ld.Argv)
}

func newInstance(arch cpuarch.Arch, fsRoot, cwd string, env []string, cfg config.Config, eng engine.Engine, mem *memory.Manager, params loader.Params, argv []string) (*Instance, error) {
	dispatcher := syscalls.NewDefaultDispatcher()
	group := sched.NewGroup(newEngine, dispatcher)

	guest, err := group.NewGuest(arch, fsRoot, cwd, env, cfg, eng, mem, params.Entry, params.StackTop, params.HeapBase, argv)
	if err != nil {
		return nil, err
	}

	// The pre-dispatch syscall-hook gate (spec.md §4.4/§4.6, testable
	// property 9) is wired to the root guest's hook table: the
	// Dispatcher is shared by every guest the Group ever admits, but a
	// guest born from a plain fork(2) starts with its own empty hook
	// table anyway (spec.md's weak-backref simplification already
	// applied to the fs/socket/signal managers), so in the common case
	// of one guest tree driven from one Instance this is exactly the
	// table the caller registered against.
	dispatcher.SetPreHook(guest.Hooks().RunSyscall)
	group.SetExecFunc(execveReload)

	return &Instance{group: group, root: guest, cfg: cfg, dispatcher: dispatcher}, nil
}

// execveReload implements sched.ExecFunc: it tears down g's current
// address space and reruns the Loader against the same engine/memory
// Manager in place, the execve(2) effect spec.md §4.5 describes ("same
// PID, thread table collapsed to the caller, image reloaded").
func execveReload(g *sched.Guest, path string, argv, envp []string) (hostarch.Addr, hostarch.Addr, error) {
	mem := g.Memory()
	for _, mp := range mem.Mappings() {
		if err := mem.Unmap(mp.Start, uint64(mp.End-mp.Start)); err != nil {
			return 0, 0, err
		}
	}

	ld := &loader.LinuxElfLoader{FS: g.FS(), Path: path, Argv: argv, Envp: envp}
	params, err := ld.Load(mem, g.Arch())
	if err != nil {
		return 0, 0, err
	}
	if err := g.ResetHeap(params.HeapBase); err != nil {
		return 0, 0, err
	}
	return params.Entry, params.StackTop, nil
}

// Run drives the instance's ArionGroup until every guest it owns
// (transitively, via fork) has exited or Stop is called.
func (ai *Instance) Run() error { return ai.group.Run() }

// Stop requests the run loop to return at the next scheduling boundary.
func (ai *Instance) Stop() { ai.group.Stop() }

// PID returns the root guest's process id.
func (ai *Instance) PID() int { return ai.root.PID() }

// ExitStatus returns the root guest's first thread's exit status,
// meaningful once Run has returned and that thread has exited.
func (ai *Instance) ExitStatus() int {
	threads := ai.root.Threads()
	if len(threads) == 0 {
		return 0
	}
	return threads[0].ExitStatus()
}

// ProgramArgs returns the root guest's current argument vector.
func (ai *Instance) ProgramArgs() []string { return ai.root.ProgramArgs() }

// Hooks returns the root guest's Hooks Engine, the handle callers
// register code/block/intr/mem/fork/execve/syscall observers against.
func (ai *Instance) Hooks() *hooks.Manager { return ai.root.Hooks() }

// Mem returns the root guest's Memory Manager.
func (ai *Instance) Mem() *memory.Manager { return ai.root.Memory() }

// FS returns the root guest's Filesystem Manager.
func (ai *Instance) FS() *fs.Manager { return ai.root.FS() }

// Sockets returns the root guest's Socket Manager.
func (ai *Instance) Sockets() *socket.Manager { return ai.root.Sockets() }

// Log returns the root guest's Logger.
func (ai *Instance) Log() *log.Logger { return ai.root.Log() }

// Guests returns every guest currently admitted to this instance's
// group (the root guest plus every descendant fork produced), in
// insertion order.
func (ai *Instance) Guests() []*sched.Guest { return ai.group.Guests() }

// Arch returns the root guest's architecture.
func (ai *Instance) Arch() cpuarch.Arch { return ai.root.Arch() }

// ABI returns the root guest's first thread's Arch/ABI Adapter, the
// handle the GDB server and context-snapshot capture read registers
// through. Like Thread.ABI itself, this is only meaningful to call
// while that thread is the one currently loaded into the shared
// engine — in practice, from inside RunGDBServer's dispatch loop or a
// syscall/hook callback running on this instance's own goroutine.
func (ai *Instance) ABI() abi.Context {
	threads := ai.root.Threads()
	if len(threads) == 0 {
		return nil
	}
	return threads[0].ABI()
}

// Step advances the scheduler by one round over every ready guest and
// thread, returning done == true once every guest this instance owns
// has exited. Exported so the GDB server's 'c' (continue) and 's'
// (step) commands can drive execution externally.
func (ai *Instance) Step() (done bool, err error) { return ai.group.Step() }

// Context captures the root guest's complete state as a Context
// Snapshot (spec.md §4.8).
func (ai *Instance) Context() (*snapshot.Context, error) { return snapshot.Save(ai.root) }

// Restore replaces the root guest's complete state with a previously
// captured Context Snapshot, the inverse of Context.
func (ai *Instance) Restore(snap *snapshot.Context) error { return snapshot.Restore(ai.root, snap) }

// Tracer returns this instance's Coverage Tracer, constructing and
// attaching it to the root guest's Hooks Engine on first use.
func (ai *Instance) Tracer() (*tracer.Tracer, error) {
	if ai.tracer != nil {
		return ai.tracer, nil
	}
	tr := tracer.New(ai.root.Memory())
	if err := tr.Attach(ai.root.Hooks()); err != nil {
		return nil, err
	}
	ai.tracer = tr
	return tr, nil
}

// RunGDBServer blocks accepting GDB Remote Serial Protocol connections
// on 127.0.0.1:port, serving exactly one debugger session at a time
// against this instance. It keeps accepting new sessions after one ends
// and returns only when Accept fails with a non-timeout error; Stop does
// not end it.
func (ai *Instance) RunGDBServer(port int) error {
	srv, err := gdbserver.Listen(ai, port)
	if err != nil {
		return err
	}
	return srv.Serve(context.Background())
}
