// Command arion is the CLI driver described in SPEC_FULL.md §6.1,
// mirroring the teacher's runsc binary: a thin main that hands off to
// the cli package's subcommand registry.
package main

import "github.com/talismancer/arion/cmd/arion/cli"

func main() {
	cli.Main()
}
