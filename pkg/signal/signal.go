// Package signal is the Signal Manager (spec.md §4.7): sigaction table,
// pending-signal queue, sigwait registration, and sigreturn, grounded on
// the original runtime's SignalManager class
// (include/arion/common/signal_manager.hpp) and on the sigaction-table
// idiom the teacher's syscalls package assumes (sys_rseq.go's handler
// signature, syscalls.go's error helpers).
package signal

import (
	"sync"

	"github.com/talismancer/arion/pkg/errno"
)

// Num is a Linux signal number (1-64).
type Num int

// Disposition mirrors struct sigaction's sa_handler special values plus
// the registered-handler case.
type Disposition int

const (
	// DispositionDefault runs the kernel default action for the signal.
	DispositionDefault Disposition = iota
	// DispositionIgnore drops the signal silently.
	DispositionIgnore
	// DispositionHandler runs a guest-registered handler at HandlerAddr.
	DispositionHandler
)

// Action mirrors the guest-visible fields of struct ksigaction, named to
// match the original runtime's ksigaction.
type Action struct {
	Disposition Disposition
	HandlerAddr uint64
	Mask        uint64
	Flags       uint64
	RestorerAddr uint64
}

// pending is one queued, not-yet-delivered signal.
type pending struct {
	sourcePID int
	signo     Num
}

// Manager is the per-guest signal state: the sigaction table, the
// pending-signal queue, and the sigwait registrations used by
// wait4/waitid.
type Manager struct {
	mu         sync.Mutex
	sighandlers map[Num]*Action
	pendingQ   []pending
	sigwait    map[int]int // target tid -> source pid it is waiting on, 0 meaning any
	savedMask  uint64
}

// NewManager constructs an empty Signal Manager; every signal starts
// with the default disposition, matching a freshly exec'd process.
func NewManager() *Manager {
	return &Manager{
		sighandlers: make(map[Num]*Action),
		sigwait:     make(map[int]int),
	}
}

// Fork returns a deep copy of the sigaction table for a forked child:
// the pending queue and sigwait registrations start empty, matching
// fork(2)'s "handler dispositions are copied, pending signals are not"
// semantics.
func (m *Manager) Fork() *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	child := &Manager{
		sighandlers: make(map[Num]*Action, len(m.sighandlers)),
		sigwait:     make(map[int]int),
	}
	for signo, act := range m.sighandlers {
		cp := *act
		child.sighandlers[signo] = &cp
	}
	return child
}

// Handlers returns a copy of the sigaction table, for Context Snapshot
// to capture alongside the register file and fd tables.
func (m *Manager) Handlers() map[Num]*Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Num]*Action, len(m.sighandlers))
	for signo, act := range m.sighandlers {
		cp := *act
		out[signo] = &cp
	}
	return out
}

// LoadHandlers replaces the sigaction table wholesale, the Context
// Snapshot restore path's counterpart to Handlers.
func (m *Manager) LoadHandlers(handlers map[Num]*Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sighandlers = make(map[Num]*Action, len(handlers))
	for signo, act := range handlers {
		cp := *act
		m.sighandlers[signo] = &cp
	}
}

// CurrentMask returns the signal mask saved by the most recent SaveMask
// call without consuming it, for Context Snapshot.
func (m *Manager) CurrentMask() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.savedMask
}

// LoadMask sets the saved signal mask directly, the Context Snapshot
// restore path's counterpart to CurrentMask.
func (m *Manager) LoadMask(mask uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.savedMask = mask
}

// HasHandler reports whether signo has a registered (non-default,
// non-ignore) disposition.
func (m *Manager) HasHandler(signo Num) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.sighandlers[signo]
	return ok && a.Disposition == DispositionHandler
}

// GetHandler returns the registered action for signo, or nil if none is
// registered (meaning the default disposition applies).
func (m *Manager) GetHandler(signo Num) *Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sighandlers[signo]
}

// SetHandler installs act as the disposition for signo, the guest-side
// effect of rt_sigaction.
func (m *Manager) SetHandler(signo Num, act *Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sighandlers[signo] = act
}

// Raise enqueues a signal for asynchronous delivery, tagged with the
// pid that raised it (tgkill/kill/an engine-detected fault all funnel
// through here).
func (m *Manager) Raise(sourcePID int, signo Num) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingQ = append(m.pendingQ, pending{sourcePID: sourcePID, signo: signo})
}

// Pop removes and returns the next pending signal in FIFO order, or ok
// == false if the queue is empty. The scheduler does not call it, so a
// queued signal is not delivered to a guest handler.
func (m *Manager) Pop() (sourcePID int, signo Num, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pendingQ) == 0 {
		return 0, 0, false
	}
	p := m.pendingQ[0]
	m.pendingQ = m.pendingQ[1:]
	return p.sourcePID, p.signo, true
}

// Pending reports the number of signals currently queued.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pendingQ)
}

// WaitFor registers targetTID as blocked in wait4/waitid on sourcePID (0
// meaning "any child"). It records only the pair; no wait_status
// address is stored.
func (m *Manager) WaitFor(targetTID, sourcePID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sigwait[targetTID] = sourcePID
}

// IsWaiting reports whether targetTID is currently blocked in a wait
// call, and on whom.
func (m *Manager) IsWaiting(targetTID int) (sourcePID int, waiting bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pid, ok := m.sigwait[targetTID]
	return pid, ok
}

// StopWaiting clears targetTID's wait registration once its wait4/waitid
// call has been satisfied.
func (m *Manager) StopWaiting(targetTID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sigwait, targetTID)
}

// SaveMask stashes the signal mask in effect before a handler runs, so
// Sigreturn can restore it; mirrors the original runtime's ucontext_regs
// save slot.
func (m *Manager) SaveMask(mask uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.savedMask = mask
}

// Sigreturn returns the signal mask saved by the most recent SaveMask
// call, consuming it. The error is always nil: outside a handler frame
// it returns 0, the cleared mask.
func (m *Manager) Sigreturn() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mask := m.savedMask
	m.savedMask = 0
	return mask, nil
}

// DefaultAction classifies what the kernel's default disposition does
// for signo, used when no handler is registered and the disposition is
// DispositionDefault.
type DefaultAction int

const (
	// DefaultTerm terminates the thread group.
	DefaultTerm DefaultAction = iota
	// DefaultCore terminates and (conceptually) dumps core.
	DefaultCore
	// DefaultIgn does nothing.
	DefaultIgn
	// DefaultStop suspends the thread group.
	DefaultStop
	// DefaultCont resumes a stopped thread group.
	DefaultCont
)

// defaultDispositions mirrors the POSIX default-action table for every
// signal this runtime's guests can raise.
var defaultDispositions = map[Num]DefaultAction{
	1: DefaultTerm, 2: DefaultTerm, 3: DefaultCore, 4: DefaultCore,
	5: DefaultCore, 6: DefaultCore, 7: DefaultCore, 8: DefaultCore,
	9: DefaultTerm, 10: DefaultTerm, 11: DefaultCore, 12: DefaultTerm,
	13: DefaultTerm, 14: DefaultTerm, 15: DefaultTerm, 16: DefaultTerm,
	17: DefaultIgn, 18: DefaultCont, 19: DefaultStop, 20: DefaultStop,
	21: DefaultStop, 22: DefaultStop, 23: DefaultIgn, 24: DefaultIgn,
	25: DefaultTerm, 26: DefaultTerm, 27: DefaultTerm, 28: DefaultIgn,
	29: DefaultTerm, 30: DefaultTerm, 31: DefaultTerm,
}

// Default returns signo's default action, falling back to DefaultTerm
// for any real-time signal (32-64) not explicitly listed.
func Default(signo Num) DefaultAction {
	if a, ok := defaultDispositions[signo]; ok {
		return a
	}
	return DefaultTerm
}

// ErrNoHandler stands for a signal with no registered handler, which
// the caller classifies with Default instead. Nothing in this module
// returns it.
var ErrNoHandler = errno.ENOSYS
