// Package cli is the main entrypoint for the arion command, mirroring
// the teacher's runsc/cli+runsc/cmd layout: one file per subcommand
// implementing subcommands.Command, registered from a single Main.
// Grounded on runsc/cli/main.go's registration/flag-parsing sequencing
// and on the original C++ implementation's examples/ directory, where
// each standalone example program (GenericBinaryTester, Baremetal,
// Fuzzer, Gdbserver, Coverage, SpeedTester) becomes one subcommand here
// instead of one binary there.
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/talismancer/arion/pkg/cpuarch"
)

// flagSet is a local alias for the stdlib flag.FlagSet subcommands.Command
// expects, kept short since every subcommand file's SetFlags/Execute
// signature repeats it.
type flagSet = flag.FlagSet

// Main registers every subcommand and runs the one named on argv,
// exiting the process with the subcommand's status.
func Main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(&runCmd{}, "")
	subcommands.Register(&baremetalCmd{}, "")
	subcommands.Register(&fuzzCmd{}, "")
	subcommands.Register(&gdbserverCmd{}, "")
	subcommands.Register(&traceCmd{}, "")
	subcommands.Register(&speedtestCmd{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// parseArch resolves a -arch flag value for the baremetal subcommand,
// the one entry point with no ELF header to sniff an architecture from.
func parseArch(name string) (cpuarch.Arch, error) {
	arch, ok := cpuarch.FromName(name)
	if !ok {
		return cpuarch.Unknown, fmt.Errorf("unknown architecture %q", name)
	}
	return arch, nil
}
