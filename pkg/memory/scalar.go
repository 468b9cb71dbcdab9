package memory

import (
	"encoding/binary"

	"github.com/talismancer/arion/pkg/errno"
	"github.com/talismancer/arion/pkg/hostarch"
)

// Scalar is the set of fixed-width integer types the guest's registers and
// structures are built from.
type Scalar interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// ReadVal reads a little-endian fixed-width value at addr. Guests that are
// big-endian (PPC32) byte-swap at the arch adapter layer, not here, so this
// stays a single generic implementation for every width.
func ReadVal[T Scalar](mgr *Manager, addr hostarch.Addr) (T, error) {
	var zero T
	size := sizeOf[T]()
	data, err := mgr.Read(addr, size)
	if err != nil {
		return zero, err
	}
	return decodeVal[T](data), nil
}

// WriteVal writes a little-endian fixed-width value at addr.
func WriteVal[T Scalar](mgr *Manager, addr hostarch.Addr, val T) error {
	return mgr.Write(addr, encodeVal(val))
}

func sizeOf[T Scalar]() uint64 {
	var v T
	switch any(v).(type) {
	case uint8:
		return 1
	case uint16:
		return 2
	case uint32:
		return 4
	default:
		return 8
	}
}

func decodeVal[T Scalar](data []byte) T {
	var v T
	switch any(v).(type) {
	case uint8:
		return T(data[0])
	case uint16:
		return T(binary.LittleEndian.Uint16(data))
	case uint32:
		return T(binary.LittleEndian.Uint32(data))
	default:
		return T(binary.LittleEndian.Uint64(data))
	}
}

func encodeVal[T Scalar](val T) []byte {
	switch v := any(val).(type) {
	case uint8:
		return []byte{v}
	case uint16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, v)
		return b
	case uint32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, v)
		return b
	default:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, any(val).(uint64))
		return b
	}
}

// defaultCStringMax bounds ReadCString so a guest can never coerce the host
// into an unbounded allocation by omitting a NUL terminator.
const defaultCStringMax = 16 * 1024

// ReadCString reads a NUL-terminated string starting at addr, reading in
// page-sized chunks and stopping at the first NUL or after defaultCStringMax
// bytes, whichever comes first.
func (mgr *Manager) ReadCString(addr hostarch.Addr) (string, error) {
	return mgr.ReadCStringMax(addr, defaultCStringMax)
}

// ReadCStringMax is ReadCString with an explicit byte cap.
func (mgr *Manager) ReadCStringMax(addr hostarch.Addr, max int) (string, error) {
	var out []byte
	cur := addr
	for len(out) < max {
		chunkSize := uint64(hostarch.PageSize) - uint64(cur)%hostarch.PageSize
		if remaining := uint64(max - len(out)); chunkSize > remaining {
			chunkSize = remaining
		}
		chunk, err := mgr.Read(cur, chunkSize)
		if err != nil {
			return "", err
		}
		if i := indexByte(chunk, 0); i >= 0 {
			out = append(out, chunk[:i]...)
			return string(out), nil
		}
		out = append(out, chunk...)
		cur += hostarch.Addr(chunkSize)
	}
	return "", errno.InvalidAccess(uint64(addr), max)
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// WriteString writes s followed by a terminating NUL at addr.
func (mgr *Manager) WriteString(addr hostarch.Addr, s string) error {
	return mgr.Write(addr, append([]byte(s), 0))
}

// ReadPtr reads a guest pointer of the given width (4 or 8 bytes) at addr.
func (mgr *Manager) ReadPtr(addr hostarch.Addr, width int) (hostarch.Addr, error) {
	switch width {
	case 4:
		v, err := ReadVal[uint32](mgr, addr)
		return hostarch.Addr(v), err
	case 8:
		v, err := ReadVal[uint64](mgr, addr)
		return hostarch.Addr(v), err
	default:
		return 0, errno.Misaligned
	}
}

// WritePtr writes a guest pointer of the given width (4 or 8 bytes) at addr.
func (mgr *Manager) WritePtr(addr hostarch.Addr, width int, val hostarch.Addr) error {
	switch width {
	case 4:
		return WriteVal[uint32](mgr, addr, uint32(val))
	case 8:
		return WriteVal[uint64](mgr, addr, uint64(val))
	default:
		return errno.Misaligned
	}
}
