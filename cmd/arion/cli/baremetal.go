package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/talismancer/arion/pkg/arion"
	"github.com/talismancer/arion/pkg/hostarch"
	"github.com/talismancer/arion/pkg/loader"
)

// baremetalCmd implements subcommands.Command for "baremetal", the
// raw-shellcode entry point of spec.md §6 — the CLI's counterpart to
// the original implementation's Baremetal example, which has no ELF
// header to detect an architecture from and so takes -arch explicitly.
type baremetalCmd struct {
	arch     string
	fsRoot   string
	loadAddr uint64
	entry    uint64
	codePath string
}

func (*baremetalCmd) Name() string     { return "baremetal" }
func (*baremetalCmd) Synopsis() string { return "run a raw shellcode buffer under Arion" }
func (*baremetalCmd) Usage() string {
	return "baremetal -arch <arch> -code <path> [flags] - run a flat shellcode buffer\n"
}

func (c *baremetalCmd) SetFlags(f *flagSet) {
	f.StringVar(&c.arch, "arch", "", "guest architecture: X86, X86-64, ARM, ARM64, or PPC32")
	f.StringVar(&c.fsRoot, "fs-root", "/", "filesystem sandbox root")
	f.Uint64Var(&c.loadAddr, "load-addr", 0, "address to map the code at (0 selects the arch default)")
	f.Uint64Var(&c.entry, "entry", 0, "initial program counter (0 defaults to load-addr)")
	f.StringVar(&c.codePath, "code", "", "path to the raw instruction bytes to run")
}

func (c *baremetalCmd) Execute(_ context.Context, f *flagSet, _ ...any) subcommands.ExitStatus {
	if c.codePath == "" {
		fmt.Fprintln(os.Stderr, "baremetal: -code is required")
		return subcommands.ExitUsageError
	}
	arch, err := parseArch(c.arch)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}
	code, err := os.ReadFile(c.codePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}

	ld := &loader.LinuxBaremetalLoader{
		Code:      code,
		LoadAddr:  hostarch.Addr(c.loadAddr),
		EntryAddr: hostarch.Addr(c.entry),
		Argv:      f.Args(),
		Envp:      os.Environ(),
	}
	cfg, err := loadConfig("", "")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	ai, err := arion.NewInstanceBaremetal(ld, arch, c.fsRoot, os.Environ(), cwd, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	if err := ai.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	os.Exit(ai.ExitStatus())
	return subcommands.ExitSuccess
}
