// Package fs is the sandboxed Filesystem Manager: it rewrites guest
// paths under a chroot-style root, tracks the guest file-descriptor
// table, and rejects any path that would resolve outside that root.
// Grounded on the original runtime's FileSystemManager
// (include/arion/common/file_system_manager.hpp) for the path-sandboxing
// semantics and the fd-to-ARION_FILE table, and on
// other_examples/aeb1e9c6_x56-usercorn's posix kernel for the host-fd
// passthrough idiom.
package fs

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/talismancer/arion/pkg/errno"
)

// File is one open guest file descriptor's bookkeeping, named after the
// original runtime's ARION_FILE.
type File struct {
	FD        int
	Path      string // guest-visible path
	Flags     int
	Mode      os.FileMode
	SavedOff  int64
	Host      *os.File // nil for non-regular fds (sockets, pipes managed elsewhere)
}

// Manager is the per-guest filesystem sandbox and fd table.
type Manager struct {
	mu      sync.Mutex
	fsRoot  string
	cwdPath string
	files   map[int]*File
	nextFD  int
}

// NewManager constructs a Filesystem Manager rooted at fsRoot, with the
// guest's initial working directory cwdPath (guest-relative). Guest fds
// 0-2 are left for the caller to populate via AddFile once stdio is
// wired up.
func NewManager(fsRoot, cwdPath string) *Manager {
	return &Manager{fsRoot: fsRoot, cwdPath: cwdPath, files: make(map[int]*File), nextFD: 3}
}

// FSRoot returns the sandbox root on the host filesystem.
func (m *Manager) FSRoot() string { return m.fsRoot }

// CWD returns the guest's current working directory.
func (m *Manager) CWD() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cwdPath
}

// SetCWD updates the guest's current working directory.
func (m *Manager) SetCWD(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cwdPath = path
}

// ToHostPath resolves a guest path (relative to cwd if not absolute)
// into a host path under fsRoot, rejecting any resolution that escapes
// the root via ".." traversal or an absolute symlink-free lexical climb.
func (m *Manager) ToHostPath(guestPath string) (string, error) {
	m.mu.Lock()
	cwd := m.cwdPath
	root := m.fsRoot
	m.mu.Unlock()

	if !strings.HasPrefix(guestPath, "/") {
		guestPath = filepath.Join(cwd, guestPath)
	}
	clean := filepath.Clean("/" + guestPath)
	host := filepath.Join(root, clean)
	if !m.IsInFS(host) {
		return "", errno.SandboxEscape(guestPath)
	}
	return host, nil
}

// IsInFS reports whether hostPath lexically resolves inside fsRoot.
func (m *Manager) IsInFS(hostPath string) bool {
	rel, err := filepath.Rel(m.fsRoot, hostPath)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// AddFile installs f into the fd table at f.FD, the way the original
// runtime's add_file_entry does for fds the loader or a syscall handler
// has already allocated (dup2, explicit stdio setup).
func (m *Manager) AddFile(f *File) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[f.FD] = f
	if f.FD >= m.nextFD {
		m.nextFD = f.FD + 1
	}
}

// Open opens guestPath under the sandbox and allocates a new guest fd
// for it, returning the fd.
func (m *Manager) Open(guestPath string, flags int, mode os.FileMode) (int, error) {
	host, err := m.ToHostPath(guestPath)
	if err != nil {
		return -1, err
	}
	f, err := os.OpenFile(host, flags, mode)
	if err != nil {
		return -1, errno.FromHost(err)
	}
	m.mu.Lock()
	fd := m.nextFD
	m.nextFD++
	m.files[fd] = &File{FD: fd, Path: guestPath, Flags: flags, Mode: mode, Host: f}
	m.mu.Unlock()
	return fd, nil
}

// HasFile reports whether fd is currently open.
func (m *Manager) HasFile(fd int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[fd]
	return ok
}

// Get returns the File bookkeeping for fd, or nil if not open.
func (m *Manager) Get(fd int) *File {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.files[fd]
}

// Close closes fd, releasing its host handle if it has one.
func (m *Manager) Close(fd int) error {
	m.mu.Lock()
	f, ok := m.files[fd]
	if ok {
		delete(m.files, fd)
	}
	m.mu.Unlock()
	if !ok {
		return errno.EBADF
	}
	if f.Host != nil {
		return f.Host.Close()
	}
	return nil
}

// Dup allocates a new fd aliasing oldFD's File, as dup/dup2 require.
func (m *Manager) Dup(oldFD int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.files[oldFD]
	if !ok {
		return -1, errno.EBADF
	}
	fd := m.nextFD
	m.nextFD++
	dup := *src
	dup.FD = fd
	m.files[fd] = &dup
	return fd, nil
}

// Files returns every open file's bookkeeping, ordered by fd. Host is
// left nil on every returned entry, since a live *os.File handle is not
// something a Context Snapshot can round-trip (spec.md §4.8: total-state
// replace, no host-fd rollback) — only the path/flags/mode/offset a
// restore can reopen from survive.
func (m *Manager) Files() []*File {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*File, 0, len(m.files))
	for _, f := range m.files {
		cp := *f
		cp.Host = nil
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FD < out[j].FD })
	return out
}

// LoadFiles replaces the fd table wholesale with files, the Context
// Snapshot restore path's counterpart to Files. Entries arrive with
// Host == nil; a restored fd is bookkeeping only until something
// reopens it.
func (m *Manager) LoadFiles(files []*File) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = make(map[int]*File, len(files))
	next := 3
	for _, f := range files {
		cp := *f
		m.files[cp.FD] = &cp
		if cp.FD >= next {
			next = cp.FD + 1
		}
	}
	m.nextFD = next
}

// Fork returns a deep copy of the fd table for a child process image,
// duplicating saved offsets but sharing nothing else, matching a
// fork()'s fd-table-copy (not share) semantics.
func (m *Manager) Fork() *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	child := &Manager{fsRoot: m.fsRoot, cwdPath: m.cwdPath, files: make(map[int]*File, len(m.files)), nextFD: m.nextFD}
	for fd, f := range m.files {
		cp := *f
		if f.Host != nil {
			if nfd, err := syscall.Dup(int(f.Host.Fd())); err == nil {
				cp.Host = os.NewFile(uintptr(nfd), f.Host.Name())
			}
		}
		child.files[fd] = &cp
	}
	return child
}
