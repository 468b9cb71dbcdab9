package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"

	"github.com/talismancer/arion/pkg/arion"
)

// speedtestCmd implements subcommands.Command for "speedtest", the
// throughput-measurement entry point of spec.md §6, the CLI's
// counterpart to the original implementation's SpeedTester example: run
// the same guest to completion repeatedly, resetting to a baseline
// Context Snapshot between runs, and report iterations/second.
type speedtestCmd struct {
	fsRoot     string
	iterations int
}

func (*speedtestCmd) Name() string     { return "speedtest" }
func (*speedtestCmd) Synopsis() string { return "repeatedly run a binary and report throughput" }
func (*speedtestCmd) Usage() string {
	return "speedtest -iterations <n> [flags] <binary> [args...] - measure run-to-completion throughput\n"
}

func (c *speedtestCmd) SetFlags(f *flagSet) {
	f.StringVar(&c.fsRoot, "fs-root", "/", "filesystem sandbox root")
	f.IntVar(&c.iterations, "iterations", 100, "number of runs to time")
}

func (c *speedtestCmd) Execute(_ context.Context, f *flagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if c.iterations < 1 {
		fmt.Fprintln(os.Stderr, "speedtest: -iterations must be at least 1")
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

	baseline, err := ai.Context()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}

	start := time.Now()
	for i := 0; i < c.iterations; i++ {
		if err := ai.Run(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
		if i != c.iterations-1 {
			if err := ai.Restore(baseline); err != nil {
				fmt.Fprintln(os.Stderr, err)
				return subcommands.ExitFailure
			}
		}
	}
	elapsed := time.Since(start)

	fmt.Fprintf(os.Stdout, "%d runs in %s (%.1f runs/sec)\n",
		c.iterations, elapsed, float64(c.iterations)/elapsed.Seconds())
	return subcommands.ExitSuccess
}
