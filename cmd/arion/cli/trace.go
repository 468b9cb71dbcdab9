package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/talismancer/arion/pkg/arion"
)

// traceCmd implements subcommands.Command for "trace", the coverage
// entry point of spec.md §4.9/§6 (DrCov tracer output), the CLI's
// counterpart to the original implementation's Coverage example.
type traceCmd struct {
	fsRoot string
	out    string
}

func (*traceCmd) Name() string     { return "trace" }
func (*traceCmd) Synopsis() string { return "run a binary and record DrCov basic-block coverage" }
func (*traceCmd) Usage() string {
	return "trace -out <path> [flags] <binary> [args...] - run a binary, writing a DrCov v2 trace\n"
}

func (c *traceCmd) SetFlags(f *flagSet) {
	f.StringVar(&c.fsRoot, "fs-root", "/", "filesystem sandbox root")
	f.StringVar(&c.out, "out", "trace.drcov", "path to write the DrCov v2 coverage recording to")
}

func (c *traceCmd) Execute(_ context.Context, f *flagSet, _ ...any) subcommands.ExitStatus {
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
	tr, err := ai.Tracer()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	runErr := ai.Run()

	out, err := os.Create(c.out)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer out.Close()
	if err := tr.Flush(out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	fmt.Fprintf(os.Stderr, "trace: recorded %d basic blocks to %s\n", tr.Len(), c.out)

	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
