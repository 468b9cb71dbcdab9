package abi

import (
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/talismancer/arion/pkg/cpuarch"
	"github.com/talismancer/arion/pkg/engine"
	"github.com/talismancer/arion/pkg/errno"
	"github.com/talismancer/arion/pkg/hostarch"
)

// arm64Context implements Context for the AArch64 Linux syscall ABI:
// number in x8, arguments in x0-x5, return in x0, grounded on the
// register-constant usage in other_examples/04b39b2e_zboralski-galago.
type arm64Context struct {
	eng engine.Engine
}

func newARM64(eng engine.Engine) *arm64Context { return &arm64Context{eng: eng} }

func (c *arm64Context) Arch() cpuarch.Arch { return cpuarch.ARM64 }
func (c *arm64Context) Width() int         { return 8 }

func (c *arm64Context) reg(id int) (hostarch.Addr, error) {
	v, err := c.eng.RegRead(id)
	return hostarch.Addr(v), err
}

func (c *arm64Context) setReg(id int, v hostarch.Addr) error {
	return c.eng.RegWrite(id, uint64(v))
}

func (c *arm64Context) IP() (hostarch.Addr, error)  { return c.reg(uc.ARM64_REG_PC) }
func (c *arm64Context) SetIP(v hostarch.Addr) error { return c.setReg(uc.ARM64_REG_PC, v) }

func (c *arm64Context) Stack() (hostarch.Addr, error)  { return c.reg(uc.ARM64_REG_SP) }
func (c *arm64Context) SetStack(v hostarch.Addr) error { return c.setReg(uc.ARM64_REG_SP, v) }

func (c *arm64Context) TLS() (hostarch.Addr, error)  { return c.reg(uc.ARM64_REG_TPIDR_EL0) }
func (c *arm64Context) SetTLS(v hostarch.Addr) error { return c.setReg(uc.ARM64_REG_TPIDR_EL0, v) }

func (c *arm64Context) SyscallNo() (uint64, error) { return c.eng.RegRead(uc.ARM64_REG_X8) }

func (c *arm64Context) SyscallArgs() (SyscallArguments, error) {
	ids := [6]int{uc.ARM64_REG_X0, uc.ARM64_REG_X1, uc.ARM64_REG_X2, uc.ARM64_REG_X3, uc.ARM64_REG_X4, uc.ARM64_REG_X5}
	var args SyscallArguments
	for i, id := range ids {
		v, err := c.eng.RegRead(id)
		if err != nil {
			return args, err
		}
		args[i] = SyscallArgument{Value: v}
	}
	return args, nil
}

func (c *arm64Context) Return() (uint64, error) { return c.eng.RegRead(uc.ARM64_REG_X0) }
func (c *arm64Context) SetReturn(v uint64) error { return c.eng.RegWrite(uc.ARM64_REG_X0, v) }

func (c *arm64Context) SetReturnErrno(e *errno.Errno) error {
	return c.eng.RegWrite(uc.ARM64_REG_X0, e.Negated())
}

func (c *arm64Context) RestartSyscall() error {
	ip, err := c.IP()
	if err != nil {
		return err
	}
	// "svc #0" is 4 bytes on AArch64.
	return c.SetIP(ip - 4)
}

func (c *arm64Context) PushStack(size uint64, align uint64) (hostarch.Addr, error) {
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

func (c *arm64Context) RegisterMap() (map[string]uint64, error) {
	out := make(map[string]uint64, 34)
	for i := 0; i < 29; i++ {
		v, err := c.eng.RegRead(uc.ARM64_REG_X0 + i)
		if err != nil {
			return nil, err
		}
		out[xRegName(i)] = v
	}
	for name, id := range map[string]int{"fp": uc.ARM64_REG_X29, "lr": uc.ARM64_REG_X30, "sp": uc.ARM64_REG_SP, "pc": uc.ARM64_REG_PC} {
		v, err := c.eng.RegRead(id)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

func (c *arm64Context) SetRegisterMap(regs map[string]uint64) error {
	for i := 0; i < 29; i++ {
		if v, ok := regs[xRegName(i)]; ok {
			if err := c.eng.RegWrite(uc.ARM64_REG_X0+i, v); err != nil {
				return err
			}
		}
	}
	for name, id := range map[string]int{"fp": uc.ARM64_REG_X29, "lr": uc.ARM64_REG_X30, "sp": uc.ARM64_REG_SP, "pc": uc.ARM64_REG_PC} {
		if v, ok := regs[name]; ok {
			if err := c.eng.RegWrite(id, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func xRegName(i int) string {
	const digits = "0123456789"
	if i < 10 {
		return "x" + string(digits[i])
	}
	return "x" + string(digits[i/10]) + string(digits[i%10])
}
