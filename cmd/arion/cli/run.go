package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/talismancer/arion/pkg/arion"
	"github.com/talismancer/arion/pkg/config"
	"github.com/talismancer/arion/pkg/log"
)

// runCmd implements subcommands.Command for "run", the ELF entry point
// of spec.md §6's construction surface — the CLI's counterpart to the
// original C++ implementation's GenericBinaryTester example.
type runCmd struct {
	fsRoot   string
	cfgPath  string
	logLevel string
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run an ELF binary under Arion" }
func (*runCmd) Usage() string {
	return "run [flags] <binary> [args...] - run an ELF binary under the emulated guest\n"
}

func (c *runCmd) SetFlags(f *flagSet) {
	f.StringVar(&c.fsRoot, "fs-root", "/", "filesystem sandbox root the guest's paths resolve under")
	f.StringVar(&c.cfgPath, "config", "", "path to a TOML configuration file (spec.md §6 configuration options)")
	f.StringVar(&c.logLevel, "log-level", "", "override the configured log level (TRACE|DEBUG|INFO|WARN|ERROR|CRITICAL|OFF)")
}

func (c *runCmd) Execute(_ context.Context, f *flagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := loadConfig(c.cfgPath, c.logLevel)
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
	if err := ai.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	os.Exit(ai.ExitStatus())
	return subcommands.ExitSuccess
}

// loadConfig builds a config.Config from an optional TOML file, with
// logLevel (if non-empty) overriding the file/default value — the
// CLI's small slice of runsc/config's "file provides defaults, flags
// override" layering.
func loadConfig(path, logLevel string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if logLevel != "" {
		lvl, err := log.ParseLevel(logLevel)
		if err != nil {
			return config.Config{}, err
		}
		cfg.LogLevel = lvl
	}
	return cfg, nil
}
