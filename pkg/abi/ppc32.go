package abi

import (
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/talismancer/arion/pkg/cpuarch"
	"github.com/talismancer/arion/pkg/engine"
	"github.com/talismancer/arion/pkg/errno"
	"github.com/talismancer/arion/pkg/hostarch"
)

// ppc32Context implements Context for the 32-bit big-endian PowerPC Linux
// syscall ABI: number in r0, arguments in r3-r8, return in r3, with
// failure additionally signaled via the CR0[SO] condition bit (SPEC_FULL.md
// §4.2). The "sc" trap instruction is 4 bytes, like every PPC instruction.
type ppc32Context struct {
	eng engine.Engine
}

func newPPC32(eng engine.Engine) *ppc32Context { return &ppc32Context{eng: eng} }

func (c *ppc32Context) Arch() cpuarch.Arch { return cpuarch.PPC32 }
func (c *ppc32Context) Width() int         { return 4 }

func (c *ppc32Context) reg(id int) (hostarch.Addr, error) {
	v, err := c.eng.RegRead(id)
	return hostarch.Addr(uint32(v)), err
}

func (c *ppc32Context) setReg(id int, v hostarch.Addr) error {
	return c.eng.RegWrite(id, uint64(uint32(v)))
}

func (c *ppc32Context) IP() (hostarch.Addr, error)  { return c.reg(uc.PPC_REG_PC) }
func (c *ppc32Context) SetIP(v hostarch.Addr) error { return c.setReg(uc.PPC_REG_PC, v) }

func (c *ppc32Context) Stack() (hostarch.Addr, error)  { return c.reg(uc.PPC_REG_R1) }
func (c *ppc32Context) SetStack(v hostarch.Addr) error { return c.setReg(uc.PPC_REG_R1, v) }

// TLS lives in r2 (the TOC/small-data pointer doubles as TLS base in the
// runtime's baremetal configuration; there is no dedicated TLS register on
// classic 32-bit PPC).
func (c *ppc32Context) TLS() (hostarch.Addr, error)  { return c.reg(uc.PPC_REG_R2) }
func (c *ppc32Context) SetTLS(v hostarch.Addr) error { return c.setReg(uc.PPC_REG_R2, v) }

func (c *ppc32Context) SyscallNo() (uint64, error) {
	v, err := c.eng.RegRead(uc.PPC_REG_R0)
	return uint64(uint32(v)), err
}

func (c *ppc32Context) SyscallArgs() (SyscallArguments, error) {
	ids := [6]int{uc.PPC_REG_R3, uc.PPC_REG_R4, uc.PPC_REG_R5, uc.PPC_REG_R6, uc.PPC_REG_R7, uc.PPC_REG_R8}
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

func (c *ppc32Context) Return() (uint64, error) {
	v, err := c.eng.RegRead(uc.PPC_REG_R3)
	return uint64(uint32(v)), err
}
func (c *ppc32Context) SetReturn(v uint64) error {
	return c.eng.RegWrite(uc.PPC_REG_R3, uint64(uint32(v)))
}

// SetReturnErrno writes the positive errno value to r3 (PPC syscall
// failure returns the positive errno, not a negated one) and sets CR0[SO],
// following the native PPC32 Linux ABI rather than the negative-register
// convention the other four arches use.
func (c *ppc32Context) SetReturnErrno(e *errno.Errno) error {
	if err := c.eng.RegWrite(uc.PPC_REG_R3, uint64(e.Host())); err != nil {
		return err
	}
	cr, err := c.eng.RegRead(uc.PPC_REG_CR)
	if err != nil {
		return err
	}
	const cr0SO = 1 << 28
	return c.eng.RegWrite(uc.PPC_REG_CR, cr|cr0SO)
}

func (c *ppc32Context) RestartSyscall() error {
	ip, err := c.IP()
	if err != nil {
		return err
	}
	return c.SetIP(ip - 4)
}

func (c *ppc32Context) PushStack(size uint64, align uint64) (hostarch.Addr, error) {
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

func (c *ppc32Context) RegisterMap() (map[string]uint64, error) {
	out := make(map[string]uint64, 35)
	for i := 0; i < 32; i++ {
		v, err := c.eng.RegRead(uc.PPC_REG_R0 + i)
		if err != nil {
			return nil, err
		}
		out[gprName(i)] = uint64(uint32(v))
	}
	for name, id := range map[string]int{"pc": uc.PPC_REG_PC, "lr": uc.PPC_REG_LR, "ctr": uc.PPC_REG_CTR, "cr": uc.PPC_REG_CR} {
		v, err := c.eng.RegRead(id)
		if err != nil {
			return nil, err
		}
		out[name] = uint64(uint32(v))
	}
	return out, nil
}

func (c *ppc32Context) SetRegisterMap(regs map[string]uint64) error {
	for i := 0; i < 32; i++ {
		if v, ok := regs[gprName(i)]; ok {
			if err := c.eng.RegWrite(uc.PPC_REG_R0+i, uint64(uint32(v))); err != nil {
				return err
			}
		}
	}
	for name, id := range map[string]int{"pc": uc.PPC_REG_PC, "lr": uc.PPC_REG_LR, "ctr": uc.PPC_REG_CTR, "cr": uc.PPC_REG_CR} {
		if v, ok := regs[name]; ok {
			if err := c.eng.RegWrite(id, uint64(uint32(v))); err != nil {
				return err
			}
		}
	}
	return nil
}

func gprName(i int) string {
	const digits = "0123456789"
	if i < 10 {
		return "r" + string(digits[i])
	}
	return "r" + string(digits[i/10]) + string(digits[i%10])
}
