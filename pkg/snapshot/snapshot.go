// Package snapshot is the Context Snapshot (spec.md §4.8): a total
// point-in-time capture of one guest's register files, address space,
// fd tables, and signal dispositions, plus the symmetric restore.
// Grounded structurally on the teacher's pkg/sentry/state package
// (SaveOpts.Save/LoadOpts.Load's pause-serialize-resume shape), scaled
// down from gVisor's generic reflection-based state-package serializer
// (absent from the pack) to a direct, explicit struct copy — see
// DESIGN.md for why no third-party structured-state library from the
// pack fits that role instead.
package snapshot

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"github.com/gofrs/flock"
	"github.com/mohae/deepcopy"

	"github.com/talismancer/arion/pkg/cpuarch"
	"github.com/talismancer/arion/pkg/errno"
	"github.com/talismancer/arion/pkg/fs"
	"github.com/talismancer/arion/pkg/hostarch"
	"github.com/talismancer/arion/pkg/sched"
	"github.com/talismancer/arion/pkg/signal"
	"github.com/talismancer/arion/pkg/socket"
)

// Region is one captured mapping, its permissions, and its full byte
// contents, the unit Save/Restore moves a guest's address space in.
type Region struct {
	Start hostarch.Addr
	End   hostarch.Addr
	Perms hostarch.AccessType
	Label string
	Data  []byte
}

// ThreadState is one thread's captured register file.
type ThreadState struct {
	TID       int
	Registers map[string]uint64
}

// Context is a guest's total captured state (spec.md §4.8's "context
// snapshot"): everything Restore needs to put a guest back exactly
// where Save found it, except live host fds (spec.md §4.8: "total-state
// replace, no host-fd rollback" — Files/Sockets restore as bookkeeping
// only, not reopened handles).
type Context struct {
	Arch cpuarch.Arch
	PID  int
	PPID int

	ProgramArgs []string
	Envp        []string

	BrkBase hostarch.Addr
	Brk     hostarch.Addr

	Regions []Region
	Threads []ThreadState

	Files          []*fs.File
	Sockets        []*socket.Socket
	SignalHandlers map[signal.Num]*signal.Action
	SignalMask     uint64
}

// Save captures g's complete state. The returned Context is deep-copied
// via mohae/deepcopy before it is handed back, so later activity on g
// (further execution, another fork) can never reach back into the
// snapshot's backing slices/maps — the same "pause, then serialize a
// value that owns its own memory" guarantee the teacher's SaveOpts.Save
// gets from writing straight to a statefile.
func Save(g *sched.Guest) (*Context, error) {
	ctx := &Context{
		Arch:        g.Arch(),
		PID:         g.PID(),
		PPID:        g.PPID(),
		ProgramArgs: g.ProgramArgs(),
		Envp:        g.Envp(),
	}
	ctx.BrkBase, ctx.Brk = g.Brk()

	for _, mp := range g.Memory().Mappings() {
		size := uint64(mp.End - mp.Start)
		// Read through the engine: the permission-checked Manager.Read
		// would refuse PROT_NONE regions such as the heap reservation.
		data, err := g.Engine().MemRead(uint64(mp.Start), size)
		if err != nil {
			return nil, fmt.Errorf("snapshot: reading region 0x%x-0x%x: %w", mp.Start, mp.End, err)
		}
		ctx.Regions = append(ctx.Regions, Region{
			Start: mp.Start, End: mp.End, Perms: mp.Perms, Label: mp.Label, Data: data,
		})
	}

	for _, t := range g.Threads() {
		regs, err := t.RegisterSnapshot()
		if err != nil {
			return nil, fmt.Errorf("snapshot: reading registers for tid %d: %w", t.TID(), err)
		}
		ctx.Threads = append(ctx.Threads, ThreadState{TID: t.TID(), Registers: regs})
	}

	ctx.Files = g.FS().Files()
	ctx.Sockets = g.Sockets().Sockets()
	ctx.SignalHandlers = g.Signals().Handlers()
	ctx.SignalMask = g.Signals().CurrentMask()

	return deepcopy.Copy(ctx).(*Context), nil
}

// Restore replaces g's address space, register files, fd tables, and
// signal dispositions wholesale with snap's, the inverse of Save.
// Restore never leaves g aliasing snap's backing storage: every
// slice/map copied in is deep-copied first via mohae/deepcopy so later
// mutation of g cannot reach back into snap. An error part way through
// returns with g only partly restored.
func Restore(g *sched.Guest, snap *Context) error {
	if g.Arch() != snap.Arch {
		return errno.UnknownArch(fmt.Sprintf("snapshot taken for %s, restoring into %s guest", snap.Arch, g.Arch()))
	}
	snap = deepcopy.Copy(snap).(*Context)

	mem := g.Memory()
	for _, mp := range mem.Mappings() {
		if err := mem.Unmap(mp.Start, uint64(mp.End-mp.Start)); err != nil {
			return fmt.Errorf("snapshot: unmapping 0x%x-0x%x: %w", mp.Start, mp.End, err)
		}
	}
	for _, r := range snap.Regions {
		size := uint64(r.End - r.Start)
		if _, err := mem.Map(r.Start, size, hostarch.ReadWrite(), r.Label, true); err != nil {
			return fmt.Errorf("snapshot: remapping 0x%x-0x%x: %w", r.Start, r.End, err)
		}
		if err := mem.Write(r.Start, r.Data); err != nil {
			return fmt.Errorf("snapshot: restoring bytes at 0x%x: %w", r.Start, err)
		}
		if r.Perms != hostarch.ReadWrite() {
			if err := mem.Protect(r.Start, size, r.Perms); err != nil {
				return fmt.Errorf("snapshot: reprotecting 0x%x-0x%x: %w", r.Start, r.End, err)
			}
		}
	}

	byTID := make(map[int]ThreadState, len(snap.Threads))
	for _, ts := range snap.Threads {
		byTID[ts.TID] = ts
	}
	for _, t := range g.Threads() {
		if ts, ok := byTID[t.TID()]; ok {
			t.LoadRegisterSnapshot(ts.Registers)
		}
	}

	g.FS().LoadFiles(snap.Files)
	g.Sockets().LoadSockets(snap.Sockets)
	g.Signals().LoadHandlers(snap.SignalHandlers)
	g.Signals().LoadMask(snap.SignalMask)
	g.LoadBrk(snap.BrkBase, snap.Brk)
	g.LoadProgramArgs(snap.ProgramArgs)
	g.ResetScheduling()
	return nil
}

// lockSuffix names the sidecar lock file SaveToFile/LoadFromFile
// serialize writers/readers through, the way the original runtime
// assumes a single writer to a checkpoint image at a time (the same
// concern the teacher's runsc checkpoint command addresses with
// O_CREATE|O_EXCL on the image file).
const lockSuffix = ".lock"

// SaveToFile gob-encodes snap to path, holding an exclusive
// github.com/gofrs/flock lock on path+".lock" for the duration so two
// concurrent checkpoints of the same guest can't interleave writes.
func SaveToFile(snap *Context, path string) error {
	lock := flock.New(path + lockSuffix)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("snapshot: acquiring lock for %q: %w", path, err)
	}
	defer lock.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("snapshot: encoding: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// LoadFromFile decodes a Context previously written by SaveToFile,
// holding a shared flock on path+".lock" so it can't read a
// partially-written file.
func LoadFromFile(path string) (*Context, error) {
	lock := flock.New(path + lockSuffix)
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("snapshot: acquiring read lock for %q: %w", path, err)
	}
	defer lock.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: opening %q: %w", path, err)
	}
	defer f.Close()

	var snap Context
	if err := gob.NewDecoder(io.Reader(f)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("snapshot: decoding %q: %w", path, err)
	}
	return &snap, nil
}
