package abi

import (
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/talismancer/arion/pkg/cpuarch"
	"github.com/talismancer/arion/pkg/engine"
	"github.com/talismancer/arion/pkg/errno"
	"github.com/talismancer/arion/pkg/hostarch"
)

// armContext implements Context for the 32-bit ARM EABI syscall
// convention: number in r7, arguments in r0-r5, return in r0. Thumb vs.
// ARM encoding is a Unicorn engine-mode concern (cpuarch.Mode), not
// something this adapter needs to branch on since register ids are the
// same either way.
type armContext struct {
	eng engine.Engine
}

func newARM(eng engine.Engine) *armContext { return &armContext{eng: eng} }

func (c *armContext) Arch() cpuarch.Arch { return cpuarch.ARM }
func (c *armContext) Width() int         { return 4 }

func (c *armContext) reg(id int) (hostarch.Addr, error) {
	v, err := c.eng.RegRead(id)
	return hostarch.Addr(uint32(v)), err
}

func (c *armContext) setReg(id int, v hostarch.Addr) error {
	return c.eng.RegWrite(id, uint64(uint32(v)))
}

func (c *armContext) IP() (hostarch.Addr, error)  { return c.reg(uc.ARM_REG_PC) }
func (c *armContext) SetIP(v hostarch.Addr) error { return c.setReg(uc.ARM_REG_PC, v) }

func (c *armContext) Stack() (hostarch.Addr, error)  { return c.reg(uc.ARM_REG_SP) }
func (c *armContext) SetStack(v hostarch.Addr) error { return c.setReg(uc.ARM_REG_SP, v) }

func (c *armContext) TLS() (hostarch.Addr, error)  { return c.reg(uc.ARM_REG_C13_C0_3) }
func (c *armContext) SetTLS(v hostarch.Addr) error { return c.setReg(uc.ARM_REG_C13_C0_3, v) }

func (c *armContext) SyscallNo() (uint64, error) {
	v, err := c.eng.RegRead(uc.ARM_REG_R7)
	return uint64(uint32(v)), err
}

func (c *armContext) SyscallArgs() (SyscallArguments, error) {
	ids := [6]int{uc.ARM_REG_R0, uc.ARM_REG_R1, uc.ARM_REG_R2, uc.ARM_REG_R3, uc.ARM_REG_R4, uc.ARM_REG_R5}
	var args SyscallArguments
	for i, id := range ids {
		v, err := c.eng.RegRead(id)
		if err != nil {
			return args, err
		}
		args[i] = SyscallArgument{Value: uint64(uint32(v))}
	}
	return args, nil
}

func (c *armContext) Return() (uint64, error) {
	v, err := c.eng.RegRead(uc.ARM_REG_R0)
	return uint64(uint32(v)), err
}
func (c *armContext) SetReturn(v uint64) error { return c.eng.RegWrite(uc.ARM_REG_R0, uint64(uint32(v))) }

func (c *armContext) SetReturnErrno(e *errno.Errno) error {
	return c.eng.RegWrite(uc.ARM_REG_R0, e.Negated()&0xffffffff)
}

func (c *armContext) RestartSyscall() error {
	ip, err := c.IP()
	if err != nil {
		return err
	}
	// "svc #0" is 4 bytes in ARM encoding, 2 bytes in Thumb; the loader
	// only places guests in ARM encoding at the syscall trap site, so 4 is
	// correct for every guest this adapter sees.
	return c.SetIP(ip - 4)
}

func (c *armContext) PushStack(size uint64, align uint64) (hostarch.Addr, error) {
	sp, err := c.Stack()
	if err != nil {
		return 0, err
	}
	sp -= hostarch.Addr(size)
	if align > 1 {
		sp &^= hostarch.Addr(align - 1)
	}
	if err := c.SetStack(sp); err != nil {
		return 0, err
	}
	return sp, nil
}

func (c *armContext) RegisterMap() (map[string]uint64, error) {
	names := map[string]int{
		"r0": uc.ARM_REG_R0, "r1": uc.ARM_REG_R1, "r2": uc.ARM_REG_R2, "r3": uc.ARM_REG_R3,
		"r4": uc.ARM_REG_R4, "r5": uc.ARM_REG_R5, "r6": uc.ARM_REG_R6, "r7": uc.ARM_REG_R7,
		"r8": uc.ARM_REG_R8, "r9": uc.ARM_REG_R9, "r10": uc.ARM_REG_R10, "fp": uc.ARM_REG_R11,
		"ip": uc.ARM_REG_R12, "sp": uc.ARM_REG_SP, "lr": uc.ARM_REG_LR, "pc": uc.ARM_REG_PC,
	}
	out := make(map[string]uint64, len(names))
	for name, id := range names {
		v, err := c.eng.RegRead(id)
		if err != nil {
			return nil, err
		}
		out[name] = uint64(uint32(v))
	}
	return out, nil
}

func (c *armContext) SetRegisterMap(regs map[string]uint64) error {
	names := map[string]int{
		"r0": uc.ARM_REG_R0, "r1": uc.ARM_REG_R1, "r2": uc.ARM_REG_R2, "r3": uc.ARM_REG_R3,
		"r4": uc.ARM_REG_R4, "r5": uc.ARM_REG_R5, "r6": uc.ARM_REG_R6, "r7": uc.ARM_REG_R7,
		"r8": uc.ARM_REG_R8, "r9": uc.ARM_REG_R9, "r10": uc.ARM_REG_R10, "fp": uc.ARM_REG_R11,
		"ip": uc.ARM_REG_R12, "sp": uc.ARM_REG_SP, "lr": uc.ARM_REG_LR, "pc": uc.ARM_REG_PC,
	}
	for name, v := range regs {
		if id, ok := names[name]; ok {
			if err := c.eng.RegWrite(id, uint64(uint32(v))); err != nil {
				return err
			}
		}
	}
	return nil
}
