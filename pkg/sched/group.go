package sched

import (
	"sync"

	"github.com/talismancer/arion/pkg/config"
	"github.com/talismancer/arion/pkg/cpuarch"
	"github.com/talismancer/arion/pkg/engine"
	"github.com/talismancer/arion/pkg/errno"
	"github.com/talismancer/arion/pkg/hostarch"
	"github.com/talismancer/arion/pkg/memory"
	"github.com/talismancer/arion/pkg/signal"
	"github.com/talismancer/arion/pkg/syscalls"
)

// CyclesPerThread is ARION_CYCLES_PER_THREAD from the original runtime's
// global_defs.hpp (0x1000 = 4096): the instruction budget each READY
// thread is given before the scheduler rotates to the next one.
const CyclesPerThread = 4096

// EngineFactory constructs a fresh CPU-emulation-engine handle for a
// guest of the given architecture; threaded through from the
// orchestrator so this package never imports the concrete engine
// backend's construction details beyond the engine.Engine interface.
type EngineFactory func(arch cpuarch.Arch) (engine.Engine, error)

// Group is ArionGroup (spec.md §4.5): a cooperative, single-threaded
// round-robin scheduler over every live Guest, exactly the teacher's
// Kernel-owns-many-Tasks shape but with one OS goroutine driving every
// guest's quantum in turn instead of one host thread per task.
type Group struct {
	mu sync.Mutex

	guests  map[int]*Guest
	order   []int // pid insertion order, for deterministic round-robin
	nextPID int

	engineFactory EngineFactory
	dispatcher    *syscalls.Dispatcher

	// current tracks, per guest pid, the thread most recently scheduled
	// — the one whose registers are presently loaded into that guest's
	// engine — so Fork can read a live register snapshot instead of a
	// stale one.
	current map[int]*Thread

	execFunc ExecFunc

	stopCh chan struct{}
}

// NewGroup constructs an empty ArionGroup.
func NewGroup(engineFactory EngineFactory, dispatcher *syscalls.Dispatcher) *Group {
	return &Group{
		guests:        make(map[int]*Guest),
		engineFactory: engineFactory,
		dispatcher:    dispatcher,
		current:       make(map[int]*Thread),
		stopCh:        make(chan struct{}, 1),
	}
}

func (gr *Group) allocPID() int {
	gr.nextPID++
	return gr.nextPID
}

// NewGuest admits a freshly loaded guest image into the group: mem must
// already have the image's segments mapped (normally by a Loader, using
// this same Manager instance, so the btree bookkeeping matches what's
// actually mapped in eng) and entry/sp must be the loader-resolved entry
// point and initial stack pointer. heapBase is where the brk heap
// reservation starts, immediately above the image's highest mapped
// address.
func (gr *Group) NewGuest(arch cpuarch.Arch, fsRoot, cwd string, envp []string, cfg config.Config, eng engine.Engine, mem *memory.Manager, entry, sp, heapBase hostarch.Addr, programArgs []string) (*Guest, error) {
	gr.mu.Lock()
	pid := gr.allocPID()
	gr.mu.Unlock()

	g, err := newGuest(pid, 1, arch, eng, mem, fsRoot, cwd, envp, cfg, gr.dispatcher, gr)
	if err != nil {
		return nil, err
	}
	g.programArgs = programArgs

	t, err := g.addThread()
	if err != nil {
		return nil, err
	}
	if err := t.ctx.SetIP(entry); err != nil {
		return nil, err
	}
	if err := t.ctx.SetStack(sp); err != nil {
		return nil, err
	}
	if err := t.saveFrom(); err != nil {
		return nil, err
	}
	if err := g.initHeap(heapBase); err != nil {
		return nil, err
	}

	gr.mu.Lock()
	gr.guests[pid] = g
	gr.order = append(gr.order, pid)
	gr.current[pid] = t
	gr.mu.Unlock()
	return g, nil
}

// fork implements the Task.Fork half of syscalls.Task, called from
// inside a syscall handler with parent's calling thread still the one
// whose registers are live in parent's engine.
func (gr *Group) fork(parent *Guest, shareMemory bool) (int, error) {
	gr.mu.Lock()
	cur := gr.current[parent.pid]
	gr.mu.Unlock()
	if cur == nil {
		return 0, errno.ESRCH
	}
	parentRegs, err := cur.ctx.RegisterMap()
	if err != nil {
		return 0, err
	}

	if shareMemory {
		child, err := parent.addThread()
		if err != nil {
			return 0, err
		}
		if err := seedChild(child, parentRegs); err != nil {
			return 0, err
		}
		parent.hooksMgr.RunFork(cur.tid, child.tid)
		return child.tid, nil
	}

	childEng, err := gr.engineFactory(parent.arch)
	if err != nil {
		return 0, err
	}
	gr.mu.Lock()
	pid := gr.allocPID()
	gr.mu.Unlock()

	childMem := memory.NewManager(childEng, MmapBase(parent.arch))
	child, err := newGuest(pid, parent.pid, parent.arch, childEng, childMem, parent.fsMgr.FSRoot(), parent.fsMgr.CWD(), parent.envp, parent.cfg, gr.dispatcher, gr)
	if err != nil {
		return 0, err
	}
	child.programArgs = parent.programArgs
	child.brkBase = parent.brkBase
	child.brk = parent.brk

	if err := copyMappings(parent, child); err != nil {
		return 0, err
	}
	child.fsMgr = parent.fsMgr.Fork()
	child.sockMgr = parent.sockMgr.Fork()
	child.sigMgr = parent.sigMgr.Fork()

	childThread, err := child.addThread()
	if err != nil {
		return 0, err
	}
	if err := seedChild(childThread, parentRegs); err != nil {
		return 0, err
	}

	gr.mu.Lock()
	gr.guests[pid] = child
	gr.order = append(gr.order, pid)
	gr.current[pid] = childThread
	gr.mu.Unlock()

	parent.hooksMgr.RunFork(cur.tid, childThread.tid)
	return pid, nil
}

// seedChild loads parentRegs into child's engine, overwrites the return
// register to 0 (the fork/clone child always sees a zero return value),
// and snapshots the result back out.
func seedChild(child *Thread, parentRegs map[string]uint64) error {
	if err := child.ctx.SetRegisterMap(parentRegs); err != nil {
		return err
	}
	if err := child.ctx.SetReturn(0); err != nil {
		return err
	}
	return child.saveFrom()
}

// copyMappings eagerly duplicates every byte of parent's address space
// into child's, per spec.md's "copy-on-write is not required by the
// spec; copy is eager".
func copyMappings(parent, child *Guest) error {
	for _, mp := range parent.mem.Mappings() {
		size := uint64(mp.End - mp.Start)
		if _, err := child.mem.Map(mp.Start, size, hostarch.ReadWrite(), mp.Label, true); err != nil {
			return err
		}
		// Read through the engine: the permission-checked Manager.Read
		// would refuse PROT_NONE regions such as the heap reservation.
		data, err := parent.eng.MemRead(uint64(mp.Start), size)
		if err != nil {
			return err
		}
		if err := child.mem.Write(mp.Start, data); err != nil {
			return err
		}
		if mp.Perms != hostarch.ReadWrite() {
			if err := child.mem.Protect(mp.Start, size, mp.Perms); err != nil {
				return err
			}
		}
	}
	return nil
}

// ExecFunc re-loads a guest's image in place for execve(2); supplied by
// the orchestrator (pkg/arion), which alone knows how to invoke the
// Loader, so this package never imports pkg/loader.
type ExecFunc func(g *Guest, path string, argv, envp []string) (entry, sp hostarch.Addr, err error)

// SetExecFunc installs the orchestrator's execve(2) image-reload
// callback. Must be called once during startup before any guest issues
// execve.
func (gr *Group) SetExecFunc(fn ExecFunc) {
	gr.mu.Lock()
	defer gr.mu.Unlock()
	gr.execFunc = fn
}

// exec implements the Task.Exec half of syscalls.Task: it replaces the
// calling guest's image in place (same PID, thread table reduced to
// the calling thread, fresh signal table per POSIX exec semantics) and
// fires the execve hook category.
func (gr *Group) exec(g *Guest, path string, argv, envp []string) error {
	gr.mu.Lock()
	fn := gr.execFunc
	cur := gr.current[g.pid]
	gr.mu.Unlock()
	if fn == nil {
		return errno.ENOSYS
	}
	if cur == nil {
		return errno.ESRCH
	}

	entry, sp, err := fn(g, path, argv, envp)
	if err != nil {
		return err
	}
	if err := g.hooksMgr.RunExecve(path, argv); err != nil {
		return err
	}

	g.threads = []*Thread{cur}
	if err := cur.ctx.SetIP(entry); err != nil {
		return err
	}
	if err := cur.ctx.SetStack(sp); err != nil {
		return err
	}
	g.programArgs = argv
	g.sigMgr = signal.NewManager()
	return cur.saveFrom()
}

// Stop requests the run loop to return at the next scheduling boundary,
// mirroring the teacher's Kernel.Pause() checkpoint gating.
func (gr *Group) Stop() {
	select {
	case gr.stopCh <- struct{}{}:
	default:
	}
}

// Guests returns every guest currently admitted to the group, in
// insertion order.
func (gr *Group) Guests() []*Guest {
	gr.mu.Lock()
	defer gr.mu.Unlock()
	out := make([]*Guest, 0, len(gr.order))
	for _, pid := range gr.order {
		if g, ok := gr.guests[pid]; ok {
			out = append(out, g)
		}
	}
	return out
}

// AllExited reports whether every admitted guest has exited, the run
// loop's termination condition.
func (gr *Group) AllExited() bool {
	gr.mu.Lock()
	defer gr.mu.Unlock()
	for _, pid := range gr.order {
		if g, ok := gr.guests[pid]; ok && !g.allExited() {
			return false
		}
	}
	return true
}

// Step advances the scheduler by one round over every READY guest and
// thread: restore registers, run up to CyclesPerThread instructions (or
// until a syscall traps), save registers. Returns done == true once
// every admitted guest has exited. Exported so an external driver — the
// GDB server's 'c' (continue) and 's' (step) commands in particular —
// can advance the group one round at a time without reimplementing the
// scheduling pass Run loops over.
func (gr *Group) Step() (done bool, err error) {
	if gr.AllExited() {
		return true, nil
	}
	for _, g := range gr.Guests() {
		if g.State() == Exited {
			continue
		}
		for _, t := range g.Threads() {
			if t.state != Ready {
				continue
			}
			if err := gr.runQuantum(g, t); err != nil {
				return false, err
			}
		}
		if g.allExited() {
			g.state = Exited
		}
	}
	return gr.AllExited(), nil
}

// Run drives the cooperative round-robin loop by calling Step until
// every guest is EXITED or Stop is called.
func (gr *Group) Run() error {
	for {
		select {
		case <-gr.stopCh:
			return nil
		default:
		}
		done, err := gr.Step()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// syscallIntrNo is the interrupt vector each arch's "make a syscall"
// instruction raises (spec.md §4.2's "interrupt-number that denotes a
// syscall"): ARM/ARM64 svc #0 and x86 int $0x80 both surface through
// the engine's ordinary interrupt hook. x86-64's syscall instruction
// does not (it's a dedicated fast-path opcode, not a software
// interrupt), so it's detected by opcode match in the code hook
// instead — see x8664SyscallOpcode below.
func syscallIntrNo(arch cpuarch.Arch) (uint32, bool) {
	switch arch {
	case cpuarch.ARM, cpuarch.ARM64:
		return 2, true
	case cpuarch.X86:
		return 0x80, true
	case cpuarch.PPC32:
		// sc traps via the system-call exception vector; PPC32's
		// interrupt hook numbering in this engine binding mirrors the
		// vector-over-4 convention other PowerPC tooling uses.
		return 0xc00 / 4, true
	default:
		return 0, false
	}
}

// x8664SyscallOpcode is the two-byte encoding of the x86-64 `syscall`
// instruction.
var x8664SyscallOpcode = [2]byte{0x0f, 0x05}

// runQuantum executes one thread's scheduling quantum: load, run a
// bounded number of instructions via the engine, process any syscall
// the guest trapped into along the way, save.
func (gr *Group) runQuantum(g *Guest, t *Thread) error {
	gr.mu.Lock()
	gr.current[g.pid] = t
	gr.mu.Unlock()

	if err := t.loadInto(); err != nil {
		return err
	}
	t.state = Running

	ip, err := t.ctx.IP()
	if err != nil {
		return err
	}

	var trapErr error
	var trapped bool

	handleTrap := func() {
		if trapped {
			return
		}
		trapped = true
		ctrl, err := gr.dispatcher.Process(t)
		if err != nil {
			trapErr = err
		}
		if ctrl != nil {
			if ctrl.Exit {
				t.state = Exited
				t.exitStatus = ctrl.ExitStatus
				if t.clearChildTID != 0 {
					// set_tid_address(2): zero the tid word at thread exit.
					g.mem.Write(t.clearChildTID, make([]byte, 4))
				}
			}
			if ctrl.Restart {
				t.ctx.RestartSyscall()
			}
		}
		g.eng.Stop()
	}

	retired := 0
	codeHook, err := g.eng.HookAddCode(0, ^uint64(0), func(addr uint64, size uint32) {
		retired++
		if g.arch == cpuarch.X8664 && size == 2 {
			if data, rerr := g.mem.Read(hostarch.Addr(addr), 2); rerr == nil &&
				data[0] == x8664SyscallOpcode[0] && data[1] == x8664SyscallOpcode[1] {
				handleTrap()
				return
			}
		}
		if retired >= CyclesPerThread {
			g.eng.Stop()
		}
	})
	if err == nil {
		defer g.eng.HookDel(codeHook)
	}

	if intno, ok := syscallIntrNo(g.arch); ok {
		intrHook, ierr := g.eng.HookAddIntr(func(seen uint32) {
			if seen == intno {
				handleTrap()
			}
		})
		if ierr == nil {
			defer g.eng.HookDel(intrHook)
		}
	}

	_ = g.eng.Start(uint64(ip), 0)

	if trapErr != nil {
		return trapErr
	}
	if t.state == Exited {
		return nil
	}

	if err := t.saveFrom(); err != nil {
		return err
	}
	if t.state == Running {
		t.state = Ready
	}
	return nil
}
