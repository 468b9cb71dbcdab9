package syscalls

import (
	"net"
	"strconv"

	"github.com/talismancer/arion/pkg/abi"
	"github.com/talismancer/arion/pkg/errno"
	"github.com/talismancer/arion/pkg/socket"
)

// Socket implements socket(2) by adding a socket-table entry with the
// given family, type and protocol; no combination is rejected. The
// handlers below back every socket with host TCP (net.Dial/net.Listen).
func Socket(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	family := socket.Family(args[0].Int())
	typ := socket.Kind(args[1].Int() & 0xff)
	proto := int(args[2].Int())

	fd := nextSocketFD(t)
	t.Sockets().Add(&socket.Socket{FD: fd, Family: family, Type: typ, Protocol: proto})
	return uintptr(fd), nil, nil
}

func nextSocketFD(t Task) int {
	fd := 64
	for t.Sockets().Has(fd) || t.FS().HasFile(fd) {
		fd++
	}
	return fd
}

// Connect implements connect(2) for AF_INET sockaddr_in layouts:
// family(2) big-endian port(2) then 4 bytes of IPv4 address. An
// AF_INET6 sockaddr is decoded with the same layout, so IPv6 addresses
// are not supported.
func Connect(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	fd := int(args[0].Int())
	addrPtr := args[1].Pointer()
	addrLen := args[2].Uint64()

	s := t.Sockets().Get(fd)
	if s == nil {
		return 0, nil, errno.ENOTSOCK
	}
	raw, err := t.Memory().Read(addrPtr, addrLen)
	if err != nil {
		return 0, nil, errno.EFAULT
	}
	ip, port, err := decodeSockaddrIn(raw)
	if err != nil {
		return 0, nil, errno.EINVAL
	}
	conn, err := net.Dial("tcp", net.JoinHostPort(ip, strconv.Itoa(int(port))))
	if err != nil {
		return 0, nil, errno.ECONNREFUSED
	}
	s.Conn = conn
	s.IP = ip
	s.Port = port
	return 0, nil, nil
}

func decodeSockaddrIn(raw []byte) (string, uint16, error) {
	if len(raw) < 8 {
		return "", 0, errno.EINVAL
	}
	port := uint16(raw[2])<<8 | uint16(raw[3])
	ip := net.IPv4(raw[4], raw[5], raw[6], raw[7]).String()
	return ip, port, nil
}

// Bind implements bind(2) for AF_INET sockaddr_in layouts, decoded as
// in Connect.
func Bind(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	fd := int(args[0].Int())
	addrPtr := args[1].Pointer()
	addrLen := args[2].Uint64()

	s := t.Sockets().Get(fd)
	if s == nil {
		return 0, nil, errno.ENOTSOCK
	}
	raw, err := t.Memory().Read(addrPtr, addrLen)
	if err != nil {
		return 0, nil, errno.EFAULT
	}
	ip, port, err := decodeSockaddrIn(raw)
	if err != nil {
		return 0, nil, errno.EINVAL
	}
	s.IP, s.Port = ip, port
	return 0, nil, nil
}

// Listen implements listen(2).
func Listen(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	fd := int(args[0].Int())
	backlog := int(args[1].Int())

	s := t.Sockets().Get(fd)
	if s == nil {
		return 0, nil, errno.ENOTSOCK
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(s.IP, strconv.Itoa(int(s.Port))))
	if err != nil {
		return 0, nil, errno.EADDRINUSE
	}
	s.Listener = ln
	s.Server = true
	s.ServerListen = true
	s.ServerBacklog = backlog
	return 0, nil, nil
}

// Accept implements accept(2).
func Accept(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	fd := int(args[0].Int())
	s := t.Sockets().Get(fd)
	if s == nil || s.Listener == nil {
		return 0, nil, errno.ENOTSOCK
	}
	conn, err := s.Listener.Accept()
	if err != nil {
		return 0, nil, errno.FromHost(err)
	}
	childFD := nextSocketFD(t)
	t.Sockets().Add(&socket.Socket{FD: childFD, Family: s.Family, Type: s.Type, Protocol: s.Protocol, Conn: conn})
	return uintptr(childFD), nil, nil
}

// Sendto implements sendto(2) (and, with a nil dest address, the plain
// send(2) case over an already-connected socket).
func Sendto(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	fd := int(args[0].Int())
	bufAddr := args[1].Pointer()
	length := args[2].Uint64()

	s := t.Sockets().Get(fd)
	if s == nil || s.Conn == nil {
		return 0, nil, errno.ENOTSOCK
	}
	data, err := t.Memory().Read(bufAddr, length)
	if err != nil {
		return 0, nil, errno.EFAULT
	}
	n, err := s.Conn.Write(data)
	if err != nil {
		return 0, nil, errno.FromHost(err)
	}
	return uintptr(n), nil, nil
}

// Recvfrom implements recvfrom(2) (and plain recv(2)).
func Recvfrom(t Task, sysno uint64, args abi.SyscallArguments) (uintptr, *Control, error) {
	fd := int(args[0].Int())
	bufAddr := args[1].Pointer()
	length := args[2].Uint64()

	s := t.Sockets().Get(fd)
	if s == nil || s.Conn == nil {
		return 0, nil, errno.ENOTSOCK
	}
	buf := make([]byte, length)
	n, err := s.Conn.Read(buf)
	if err != nil && n == 0 {
		return 0, nil, errno.FromHost(err)
	}
	if n > 0 {
		if err := t.Memory().Write(bufAddr, buf[:n]); err != nil {
			return 0, nil, errno.EFAULT
		}
	}
	return uintptr(n), nil, nil
}
