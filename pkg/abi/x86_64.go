package abi

import (
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/talismancer/arion/pkg/cpuarch"
	"github.com/talismancer/arion/pkg/engine"
	"github.com/talismancer/arion/pkg/errno"
	"github.com/talismancer/arion/pkg/hostarch"
)

// x8664Context implements Context for the x86-64 System V syscall ABI:
// number in rax, arguments in rdi/rsi/rdx/r10/r8/r9, return in rax.
type x8664Context struct {
	eng engine.Engine
}

func newX8664(eng engine.Engine) *x8664Context { return &x8664Context{eng: eng} }

func (c *x8664Context) Arch() cpuarch.Arch { return cpuarch.X8664 }
func (c *x8664Context) Width() int         { return 8 }

func (c *x8664Context) IP() (hostarch.Addr, error)  { return c.reg(uc.X86_REG_RIP) }
func (c *x8664Context) SetIP(v hostarch.Addr) error { return c.setReg(uc.X86_REG_RIP, v) }

func (c *x8664Context) Stack() (hostarch.Addr, error)  { return c.reg(uc.X86_REG_RSP) }
func (c *x8664Context) SetStack(v hostarch.Addr) error { return c.setReg(uc.X86_REG_RSP, v) }

func (c *x8664Context) TLS() (hostarch.Addr, error)  { return c.reg(uc.X86_REG_FS_BASE) }
func (c *x8664Context) SetTLS(v hostarch.Addr) error { return c.setReg(uc.X86_REG_FS_BASE, v) }

func (c *x8664Context) reg(id int) (hostarch.Addr, error) {
	v, err := c.eng.RegRead(id)
	return hostarch.Addr(v), err
}

func (c *x8664Context) setReg(id int, v hostarch.Addr) error {
	return c.eng.RegWrite(id, uint64(v))
}

func (c *x8664Context) SyscallNo() (uint64, error) {
	return c.eng.RegRead(uc.X86_REG_RAX)
}

func (c *x8664Context) SyscallArgs() (SyscallArguments, error) {
	ids := [6]int{uc.X86_REG_RDI, uc.X86_REG_RSI, uc.X86_REG_RDX, uc.X86_REG_R10, uc.X86_REG_R8, uc.X86_REG_R9}
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

func (c *x8664Context) Return() (uint64, error) { return c.eng.RegRead(uc.X86_REG_RAX) }
func (c *x8664Context) SetReturn(v uint64) error { return c.eng.RegWrite(uc.X86_REG_RAX, v) }

func (c *x8664Context) SetReturnErrno(e *errno.Errno) error {
	return c.eng.RegWrite(uc.X86_REG_RAX, e.Negated())
}

func (c *x8664Context) RestartSyscall() error {
	ip, err := c.IP()
	if err != nil {
		return err
	}
	// The syscall instruction is 2 bytes (0F 05) on x86-64.
	return c.SetIP(ip - 2)
}

func (c *x8664Context) PushStack(size uint64, align uint64) (hostarch.Addr, error) {
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

func (c *x8664Context) RegisterMap() (map[string]uint64, error) {
	names := map[string]int{
		"rax": uc.X86_REG_RAX, "rbx": uc.X86_REG_RBX, "rcx": uc.X86_REG_RCX,
		"rdx": uc.X86_REG_RDX, "rsi": uc.X86_REG_RSI, "rdi": uc.X86_REG_RDI,
		"rbp": uc.X86_REG_RBP, "rsp": uc.X86_REG_RSP, "r8": uc.X86_REG_R8,
		"r9": uc.X86_REG_R9, "r10": uc.X86_REG_R10, "r11": uc.X86_REG_R11,
		"r12": uc.X86_REG_R12, "r13": uc.X86_REG_R13, "r14": uc.X86_REG_R14,
		"r15": uc.X86_REG_R15, "rip": uc.X86_REG_RIP,
	}
	out := make(map[string]uint64, len(names))
	for name, id := range names {
		v, err := c.eng.RegRead(id)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

func (c *x8664Context) SetRegisterMap(regs map[string]uint64) error {
	ids := map[string]int{
		"rax": uc.X86_REG_RAX, "rbx": uc.X86_REG_RBX, "rcx": uc.X86_REG_RCX,
		"rdx": uc.X86_REG_RDX, "rsi": uc.X86_REG_RSI, "rdi": uc.X86_REG_RDI,
		"rbp": uc.X86_REG_RBP, "rsp": uc.X86_REG_RSP, "r8": uc.X86_REG_R8,
		"r9": uc.X86_REG_R9, "r10": uc.X86_REG_R10, "r11": uc.X86_REG_R11,
		"r12": uc.X86_REG_R12, "r13": uc.X86_REG_R13, "r14": uc.X86_REG_R14,
		"r15": uc.X86_REG_R15, "rip": uc.X86_REG_RIP,
	}
	for name, v := range regs {
		id, ok := ids[name]
		if !ok {
			continue
		}
		if err := c.eng.RegWrite(id, v); err != nil {
			return err
		}
	}
	return nil
}
