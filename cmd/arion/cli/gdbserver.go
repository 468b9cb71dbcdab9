package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/talismancer/arion/pkg/arion"
)

// gdbserverCmd implements subcommands.Command for "gdbserver", the
// debug entry point of spec.md §6 ("RunGDBServer(port)"), the CLI's
// counterpart to the original implementation's Gdbserver example.
type gdbserverCmd struct {
	fsRoot string
	port   int
}

func (*gdbserverCmd) Name() string     { return "gdbserver" }
func (*gdbserverCmd) Synopsis() string { return "run a binary and serve GDB remote debugging" }
func (*gdbserverCmd) Usage() string {
	return "gdbserver -port <port> [flags] <binary> [args...] - load a binary, then wait for a debugger\n"
}

func (c *gdbserverCmd) SetFlags(f *flagSet) {
	f.StringVar(&c.fsRoot, "fs-root", "/", "filesystem sandbox root")
	f.IntVar(&c.port, "port", 1234, "TCP port to serve the GDB remote serial protocol on")
}

func (c *gdbserverCmd) Execute(_ context.Context, f *flagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := loadConfig("", "")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	ai, err := arion.NewInstance(f.Args(), c.fsRoot, os.Environ(), cwd, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	fmt.Fprintf(os.Stderr, "gdbserver: listening on 127.0.0.1:%d\n", c.port)
	if err := ai.RunGDBServer(c.port); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
