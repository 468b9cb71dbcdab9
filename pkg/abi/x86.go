package abi

import (
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/talismancer/arion/pkg/cpuarch"
	"github.com/talismancer/arion/pkg/engine"
	"github.com/talismancer/arion/pkg/errno"
	"github.com/talismancer/arion/pkg/hostarch"
)

// x86Context implements Context for the i386 Linux syscall ABI: number in
// eax, arguments in ebx/ecx/edx/esi/edi/ebp, return in eax.
type x86Context struct {
	eng engine.Engine
}

func newX86(eng engine.Engine) *x86Context { return &x86Context{eng: eng} }

func (c *x86Context) Arch() cpuarch.Arch { return cpuarch.X86 }
func (c *x86Context) Width() int         { return 4 }

func (c *x86Context) reg(id int) (hostarch.Addr, error) {
	v, err := c.eng.RegRead(id)
	return hostarch.Addr(uint32(v)), err
}

func (c *x86Context) setReg(id int, v hostarch.Addr) error {
	return c.eng.RegWrite(id, uint64(uint32(v)))
}

func (c *x86Context) IP() (hostarch.Addr, error)  { return c.reg(uc.X86_REG_EIP) }
func (c *x86Context) SetIP(v hostarch.Addr) error { return c.setReg(uc.X86_REG_EIP, v) }

func (c *x86Context) Stack() (hostarch.Addr, error)  { return c.reg(uc.X86_REG_ESP) }
func (c *x86Context) SetStack(v hostarch.Addr) error { return c.setReg(uc.X86_REG_ESP, v) }

func (c *x86Context) TLS() (hostarch.Addr, error)  { return c.reg(uc.X86_REG_GS_BASE) }
func (c *x86Context) SetTLS(v hostarch.Addr) error { return c.setReg(uc.X86_REG_GS_BASE, v) }

func (c *x86Context) SyscallNo() (uint64, error) {
	v, err := c.eng.RegRead(uc.X86_REG_EAX)
	return uint64(uint32(v)), err
}

func (c *x86Context) SyscallArgs() (SyscallArguments, error) {
	ids := [6]int{uc.X86_REG_EBX, uc.X86_REG_ECX, uc.X86_REG_EDX, uc.X86_REG_ESI, uc.X86_REG_EDI, uc.X86_REG_EBP}
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

func (c *x86Context) Return() (uint64, error) {
	v, err := c.eng.RegRead(uc.X86_REG_EAX)
	return uint64(uint32(v)), err
}
func (c *x86Context) SetReturn(v uint64) error { return c.eng.RegWrite(uc.X86_REG_EAX, uint64(uint32(v))) }

func (c *x86Context) SetReturnErrno(e *errno.Errno) error {
	return c.eng.RegWrite(uc.X86_REG_EAX, e.Negated()&0xffffffff)
}

func (c *x86Context) RestartSyscall() error {
	ip, err := c.IP()
	if err != nil {
		return err
	}
	// "int $0x80" is 2 bytes on i386.
	return c.SetIP(ip - 2)
}

func (c *x86Context) PushStack(size uint64, align uint64) (hostarch.Addr, error) {
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

func (c *x86Context) RegisterMap() (map[string]uint64, error) {
	names := map[string]int{
		"eax": uc.X86_REG_EAX, "ebx": uc.X86_REG_EBX, "ecx": uc.X86_REG_ECX,
		"edx": uc.X86_REG_EDX, "esi": uc.X86_REG_ESI, "edi": uc.X86_REG_EDI,
		"ebp": uc.X86_REG_EBP, "esp": uc.X86_REG_ESP, "eip": uc.X86_REG_EIP,
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

func (c *x86Context) SetRegisterMap(regs map[string]uint64) error {
	ids := map[string]int{
		"eax": uc.X86_REG_EAX, "ebx": uc.X86_REG_EBX, "ecx": uc.X86_REG_ECX,
		"edx": uc.X86_REG_EDX, "esi": uc.X86_REG_ESI, "edi": uc.X86_REG_EDI,
		"ebp": uc.X86_REG_EBP, "esp": uc.X86_REG_ESP, "eip": uc.X86_REG_EIP,
	}
	for name, v := range regs {
		if id, ok := ids[name]; ok {
			if err := c.eng.RegWrite(id, uint64(uint32(v))); err != nil {
				return err
			}
		}
	}
	return nil
}
