// Package socket is the Socket Manager: per-guest-fd bookkeeping for
// sockets, mirroring the original runtime's SocketManager and its
// ARION_SOCKET record (include/arion/common/socket_manager.hpp), with
// the actual host socket backed by net.Conn/net.Listener instead of raw
// sockaddr bytes.
package socket

import (
	"net"
	"sort"
	"sync"

	"github.com/talismancer/arion/pkg/errno"
)

// Family mirrors the Linux AF_* socket address families this runtime
// implements.
type Family int

const (
	AFUnix  Family = 1
	AFInet  Family = 2
	AFInet6 Family = 10
)

// Kind mirrors the Linux SOCK_* socket types.
type Kind int

const (
	SockStream Kind = 1
	SockDgram  Kind = 2
)

// Socket is one guest socket's bookkeeping, named after the original
// runtime's ARION_SOCKET.
type Socket struct {
	FD       int
	Family   Family
	Type     Kind
	Protocol int

	IP       string
	Port     uint16
	Path     string // AF_UNIX

	Server        bool
	ServerListen  bool
	ServerBacklog int
	Blocking      bool

	Conn     net.Conn
	Listener net.Listener
}

// Manager is the per-guest socket fd table.
type Manager struct {
	mu      sync.Mutex
	sockets map[int]*Socket
}

// NewManager constructs an empty Socket Manager.
func NewManager() *Manager {
	return &Manager{sockets: make(map[int]*Socket)}
}

// Add installs s into the fd table at s.FD.
func (m *Manager) Add(s *Socket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sockets[s.FD] = s
}

// Has reports whether fd names a socket.
func (m *Manager) Has(fd int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sockets[fd]
	return ok
}

// Get returns fd's Socket, or nil if fd is not a socket.
func (m *Manager) Get(fd int) *Socket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sockets[fd]
}

// Remove closes and removes fd from the table.
func (m *Manager) Remove(fd int) error {
	m.mu.Lock()
	s, ok := m.sockets[fd]
	if ok {
		delete(m.sockets, fd)
	}
	m.mu.Unlock()
	if !ok {
		return errno.EBADF
	}
	if s.Conn != nil {
		_ = s.Conn.Close()
	}
	if s.Listener != nil {
		_ = s.Listener.Close()
	}
	return nil
}

// Sockets returns every socket's bookkeeping, ordered by fd, with Conn
// and Listener cleared: a Context Snapshot captures the address-family
// metadata needed to classify a socket, not the live host connection
// (spec.md §4.8: total-state replace, no host-fd rollback).
func (m *Manager) Sockets() []*Socket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Socket, 0, len(m.sockets))
	for _, s := range m.sockets {
		cp := *s
		cp.Conn = nil
		cp.Listener = nil
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FD < out[j].FD })
	return out
}

// LoadSockets replaces the socket table wholesale, the Context Snapshot
// restore path's counterpart to Sockets.
func (m *Manager) LoadSockets(sockets []*Socket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sockets = make(map[int]*Socket, len(sockets))
	for _, s := range sockets {
		cp := *s
		m.sockets[cp.FD] = &cp
	}
}

// Fork returns a shallow copy of the socket table for a forked child:
// the underlying net.Conn/net.Listener handles are shared (as real fd
// duplication would be), only the table entries are duplicated.
func (m *Manager) Fork() *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	child := &Manager{sockets: make(map[int]*Socket, len(m.sockets))}
	for fd, s := range m.sockets {
		cp := *s
		child.sockets[fd] = &cp
	}
	return child
}
