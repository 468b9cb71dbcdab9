package sched

import (
	"github.com/talismancer/arion/pkg/abi"
	"github.com/talismancer/arion/pkg/config"
	"github.com/talismancer/arion/pkg/cpuarch"
	"github.com/talismancer/arion/pkg/engine"
	"github.com/talismancer/arion/pkg/errno"
	"github.com/talismancer/arion/pkg/fs"
	"github.com/talismancer/arion/pkg/hooks"
	"github.com/talismancer/arion/pkg/hostarch"
	"github.com/talismancer/arion/pkg/log"
	"github.com/talismancer/arion/pkg/memory"
	"github.com/talismancer/arion/pkg/signal"
	"github.com/talismancer/arion/pkg/socket"
	"github.com/talismancer/arion/pkg/syscalls"
)

// mmapBase64/mmapBase32 are the bottom-up mmap search starting points
// for 64- and 32-bit guests respectively, chosen well clear of typical
// ELF load addresses and the brk heap reservation below.
const (
	mmapBase64 = hostarch.Addr(0x0000_7f00_0000_0000)
	mmapBase32 = hostarch.Addr(0x4000_0000)

	// heapReserve is the size of the address range reserved for brk(2)
	// growth at guest start, protected PROT_NONE beyond the current
	// break and widened/narrowed to PROT_READ|PROT_WRITE as the guest
	// moves the break (spec.md's brk handler just needs *a* mapping to
	// grow; this runtime models it as one big reservation rather than
	// repeated Map/Unmap so brk's address never moves under a
	// concurrently-held pointer).
	heapReserve = 256 * 1024 * 1024
)

// MmapBase returns the bottom-up mmap search starting address for arch,
// exported so the Loader can build a guest's memory.Manager with the
// same base the scheduler would have chosen itself.
func MmapBase(arch cpuarch.Arch) hostarch.Addr {
	if arch.Is64() {
		return mmapBase64
	}
	return mmapBase32
}

// Guest is one guest instance (spec.md's "Guest instance": an emulator
// handle, a memory space, a register-view adapter, a hooks table, a
// signal table, a fd table, a socket table, a scheduler-visible thread
// list, a configuration record, a logger, and a weak backref used by
// child components).
type Guest struct {
	pid  int
	ppid int
	arch cpuarch.Arch

	eng        engine.Engine
	mem        *memory.Manager
	fsMgr      *fs.Manager
	sockMgr    *socket.Manager
	sigMgr     *signal.Manager
	hooksMgr   *hooks.Manager
	logger     *log.Logger
	cfg        config.Config
	dispatcher *syscalls.Dispatcher

	threads []*Thread
	nextTID int

	state State

	brkBase hostarch.Addr
	brk     hostarch.Addr

	programArgs []string
	envp        []string

	// group is a non-owning back-reference: Guest never outlives the
	// Group that created it, and the reverse reference exists purely so
	// Thread.Fork/Exec/ExitGroup can reach group-level bookkeeping
	// (spec.md §9 "weak back-reference" design note).
	group *Group
}

// newGuest builds a Guest around eng and mem. mem is always constructed
// by the caller (either the Loader, which must map segments through the
// same bookkeeping the rest of the guest's lifetime uses, or fork's
// copyMappings path) rather than here, so there is never a second,
// unsynchronized memory.Manager shadowing the one the Loader just
// populated.
func newGuest(pid, ppid int, arch cpuarch.Arch, eng engine.Engine, mem *memory.Manager, fsRoot, cwd string, envp []string, cfg config.Config, dispatcher *syscalls.Dispatcher, group *Group) (*Guest, error) {
	g := &Guest{
		pid:        pid,
		ppid:       ppid,
		arch:       arch,
		eng:        eng,
		mem:        mem,
		fsMgr:      fs.NewManager(fsRoot, cwd),
		sockMgr:    socket.NewManager(),
		sigMgr:     signal.NewManager(),
		hooksMgr:   hooks.NewManager(eng),
		logger:     log.New(cfg.LogLevel),
		cfg:        cfg,
		dispatcher: dispatcher,
		envp:       envp,
		state:      Ready,
	}
	g.logger.SetPID(pid, pid)
	g.group = group
	return g, nil
}

// setBrk grows/shrinks the readable/writable portion of the heap
// reservation made by initHeap to match newBrk, per spec.md's brk(2)
// semantics, and returns ENOMEM if no reservation exists. newBrk == 0
// queries the current break without changing it.
func (g *Guest) setBrk(newBrk hostarch.Addr) (hostarch.Addr, error) {
	if g.brkBase == 0 {
		return g.brk, errno.ENOMEM
	}
	if newBrk == 0 || newBrk < g.brkBase {
		return g.brk, nil
	}
	if newBrk > g.brkBase+heapReserve {
		return g.brk, nil
	}
	oldCeil, _ := hostarch.PageRoundUp(g.brk)
	newCeil, _ := hostarch.PageRoundUp(newBrk)
	switch {
	case newCeil > oldCeil:
		if err := g.mem.Protect(oldCeil, uint64(newCeil-oldCeil), hostarch.ReadWrite()); err != nil {
			return g.brk, err
		}
	case newCeil < oldCeil:
		if err := g.mem.Protect(newCeil, uint64(oldCeil-newCeil), hostarch.AccessType{}); err != nil {
			return g.brk, err
		}
	}
	g.brk = newBrk
	return g.brk, nil
}

// initHeap reserves the brk range starting at base, called by NewGuest
// (and ResetHeap) once the loader has laid out the guest's image.
func (g *Guest) initHeap(base hostarch.Addr) error {
	if _, err := g.mem.Map(base, heapReserve, hostarch.AccessType{}, "[heap-reserve]", true); err != nil {
		return err
	}
	g.brkBase = base
	g.brk = base
	return nil
}

// addThread allocates a new Thread with a fresh ABI context bound to
// this guest's shared engine handle.
func (g *Guest) addThread() (*Thread, error) {
	ctx, err := abi.New(g.arch, g.eng)
	if err != nil {
		return nil, err
	}
	g.nextTID++
	tid := g.nextTID
	if len(g.threads) == 0 {
		tid = g.pid
	}
	t := &Thread{tid: tid, guest: g, ctx: ctx, state: Ready}
	g.threads = append(g.threads, t)
	return t, nil
}

// exitGroup marks every thread in this guest EXITED with the given
// status, the exit_group(2) effect.
func (g *Guest) exitGroup(status int) {
	for _, t := range g.threads {
		t.state = Exited
		t.exitStatus = status
	}
	g.state = Exited
}

// allExited reports whether every thread in this guest has exited,
// meaning the Group can remove it (spec.md: "destroyed when all its
// threads have exited").
func (g *Guest) allExited() bool {
	for _, t := range g.threads {
		if t.state != Exited {
			return false
		}
	}
	return len(g.threads) > 0
}

// ResetScheduling marks the guest and every one of its threads Ready
// again with a cleared exit status, the scheduler-visibility half of a
// Context Snapshot restore: Restore puts registers, memory, and fd
// tables back as they were, but a guest that had already run to
// completion needs its scheduling state rewound too before the group
// will admit it into another Run.
func (g *Guest) ResetScheduling() {
	g.state = Ready
	for _, t := range g.threads {
		t.state = Ready
		t.exitStatus = 0
	}
}

// ResetHeap re-reserves the brk range starting at base, called by the
// orchestrator's execve(2) image-reload callback after it has unmapped
// the guest's previous address space and mapped the new image in its
// place.
func (g *Guest) ResetHeap(base hostarch.Addr) error {
	g.brkBase = 0
	g.brk = 0
	return g.initHeap(base)
}

// PID returns the guest's process id.
func (g *Guest) PID() int { return g.pid }

// PPID returns the guest's parent process id.
func (g *Guest) PPID() int { return g.ppid }

// Arch returns the guest's architecture.
func (g *Guest) Arch() cpuarch.Arch { return g.arch }

// Memory returns the guest's Memory Manager.
func (g *Guest) Memory() *memory.Manager { return g.mem }

// Hooks returns the guest's Hooks Engine.
func (g *Guest) Hooks() *hooks.Manager { return g.hooksMgr }

// FS returns the guest's Filesystem Manager.
func (g *Guest) FS() *fs.Manager { return g.fsMgr }

// Signals returns the guest's Signal Manager.
func (g *Guest) Signals() *signal.Manager { return g.sigMgr }

// Sockets returns the guest's Socket Manager.
func (g *Guest) Sockets() *socket.Manager { return g.sockMgr }

// Log returns the guest's Logger.
func (g *Guest) Log() *log.Logger { return g.logger }

// ProgramArgs returns the program argument vector the guest was started
// with (argv[0] is the guest-visible binary path).
func (g *Guest) ProgramArgs() []string { return g.programArgs }

// Envp returns the environment vector the guest was started with.
func (g *Guest) Envp() []string { return g.envp }

// Threads returns the guest's scheduler-visible thread list.
func (g *Guest) Threads() []*Thread {
	out := make([]*Thread, len(g.threads))
	copy(out, g.threads)
	return out
}

// State returns the guest's current scheduling state.
func (g *Guest) State() State { return g.state }

// Engine returns the guest's underlying CPU-emulation-engine handle, for
// the loader and the GDB server's memory/register access.
func (g *Guest) Engine() engine.Engine { return g.eng }

// Brk returns the heap reservation's base and the current break, for
// Context Snapshot.
func (g *Guest) Brk() (base, curr hostarch.Addr) { return g.brkBase, g.brk }

// LoadBrk sets the heap bookkeeping directly, the Context Snapshot
// restore path's counterpart to Brk. The heap-reserve mapping itself is
// restored through Memory().Map/Protect from the snapshot's mapping
// table, not here.
func (g *Guest) LoadBrk(base, curr hostarch.Addr) {
	g.brkBase = base
	g.brk = curr
}

// LoadProgramArgs replaces the guest's argument vector, the Context
// Snapshot restore path's counterpart to ProgramArgs.
func (g *Guest) LoadProgramArgs(argv []string) { g.programArgs = argv }
