// Package cpuarch enumerates the guest CPU architectures this runtime can
// emulate. It plays the role of the original runtime's CPU_ARCH enum
// (global_defs.hpp), extended with PPC32 per the spec's supported
// architecture list.
package cpuarch

import "fmt"

// Arch identifies a guest instruction set.
type Arch int

// Supported guest architectures.
const (
	Unknown Arch = iota
	X86
	X8664
	ARM
	ARM64
	PPC32
)

// String implements fmt.Stringer.
func (a Arch) String() string {
	switch a {
	case X86:
		return "X86"
	case X8664:
		return "X86-64"
	case ARM:
		return "ARM"
	case ARM64:
		return "ARM64"
	case PPC32:
		return "PPC32"
	default:
		return fmt.Sprintf("Arch(%d)", int(a))
	}
}

// FromName resolves the textual name used in configuration and CLI flags
// back to an Arch, mirroring ARCH_FROM_NAME in the original runtime.
func FromName(name string) (Arch, bool) {
	switch name {
	case "X86":
		return X86, true
	case "X86-64":
		return X8664, true
	case "ARM":
		return ARM, true
	case "ARM64":
		return ARM64, true
	case "PPC32":
		return PPC32, true
	default:
		return Unknown, false
	}
}

// Bits returns the native register/pointer width in bits for the arch.
func (a Arch) Bits() int {
	switch a {
	case X8664, ARM64:
		return 64
	default:
		return 32
	}
}

// Is64 reports whether the arch is 64-bit.
func (a Arch) Is64() bool {
	return a.Bits() == 64
}

// Mode distinguishes ARM's two instruction encodings. Every other arch has
// exactly one mode.
type Mode int

const (
	// ModeDefault is the only mode for non-ARM architectures.
	ModeDefault Mode = iota
	// ModeThumb is ARM's compressed 16-bit instruction encoding, toggled by
	// CPSR bit 5.
	ModeThumb
)
