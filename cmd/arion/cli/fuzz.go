package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/talismancer/arion/pkg/arion"
	"github.com/talismancer/arion/pkg/fuzzer"
)

// fuzzCmd implements subcommands.Command for "fuzz", the AFL-compatible
// fork-server entry point (SPEC_FULL.md §3.1's pkg/fuzzer), the CLI's
// counterpart to the original implementation's Fuzzer example.
type fuzzCmd struct {
	fsRoot     string
	iterations int
}

func (*fuzzCmd) Name() string     { return "fuzz" }
func (*fuzzCmd) Synopsis() string { return "run as an AFL-compatible fork-server fuzzing target" }
func (*fuzzCmd) Usage() string {
	return "fuzz [flags] <binary> [args...] - run under afl-fuzz's fork-server protocol\n"
}

func (c *fuzzCmd) SetFlags(f *flagSet) {
	f.StringVar(&c.fsRoot, "fs-root", "/", "filesystem sandbox root")
	f.IntVar(&c.iterations, "iterations", 0, "maximum fork-server iterations (0 means unbounded)")
}

func (c *fuzzCmd) Execute(_ context.Context, f *flagSet, _ ...any) subcommands.ExitStatus {
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
	if err := fuzzer.New(ai, c.iterations).Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
