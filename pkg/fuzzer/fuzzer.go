// Package fuzzer is the Fuzzing Driver (SPEC_FULL.md §3.1): an
// AFL-compatible fork-server handshake over the inherited
// AFL_FORK_CTL/AFL_FORK_ST file descriptors, followed by a
// persistent-mode loop that reruns the guest against successive inputs
// without actually fork(2)-ing the host process — each iteration
// starts from the same Context Snapshot instead, the runtime's
// replacement for AFL's usual clone-per-testcase model since a guest's
// state lives inside a CPU-emulation-engine handle rather than host
// process memory. Grounded on the original runtime's ForkHandler
// example (cited in SPEC_FULL.md §6.1's subcommand mapping) for the
// handshake/iteration-cap shape, and on pkg/snapshot for the
// reset-between-iterations mechanism.
package fuzzer

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/talismancer/arion/pkg/arion"
	"github.com/talismancer/arion/pkg/snapshot"
)

// Standard AFL fork-server file descriptors: the parent afl-fuzz
// process dups its control pipe read end to 198 and its status pipe
// write end to 199 before exec'ing the target (AFL++'s
// FORKSRV_FD/FORKSRV_FD+1 convention).
const (
	forkCtlFD = 198
	forkStFD  = 199
)

// Driver drives one Instance through an AFL-compatible persistent-mode
// fuzzing loop.
type Driver struct {
	ai            *arion.Instance
	maxIterations int
	baseline      *snapshot.Context
}

// New constructs a Driver over ai. maxIterations == 0 means unbounded
// (run until the fork-server control pipe closes).
func New(ai *arion.Instance, maxIterations int) *Driver {
	return &Driver{ai: ai, maxIterations: maxIterations}
}

// Run performs the AFL fork-server handshake, then loops: wait for a
// four-byte "go" word on the control fd, run the guest to completion,
// report a four-byte status word, restore the guest to its pre-run
// Context Snapshot, repeat. It returns nil when the control pipe is
// closed (afl-fuzz exiting) or the iteration cap is reached.
func (d *Driver) Run() error {
	ctl := os.NewFile(forkCtlFD, "afl-fork-ctl")
	st := os.NewFile(forkStFD, "afl-fork-st")
	if ctl == nil || st == nil {
		return fmt.Errorf("fuzzer: AFL fork-server descriptors %d/%d were not inherited", forkCtlFD, forkStFD)
	}
	defer ctl.Close()
	defer st.Close()

	baseline, err := d.ai.Context()
	if err != nil {
		return fmt.Errorf("fuzzer: capturing baseline snapshot: %w", err)
	}
	d.baseline = baseline

	// The four-byte handshake word tells afl-fuzz the fork server is up
	// before the first iteration is requested.
	if err := writeWord(st, 0); err != nil {
		return fmt.Errorf("fuzzer: fork-server handshake: %w", err)
	}

	for i := 0; d.maxIterations == 0 || i < d.maxIterations; i++ {
		if _, err := readWord(ctl); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("fuzzer: waiting for iteration %d: %w", i, err)
		}

		runErr := d.ai.Run()
		status := uint32(d.ai.ExitStatus()) << 8
		if runErr != nil {
			// No host signal actually fires the guest's CPU fault; encode
			// it in AFL's low byte as though SIGSEGV (11) had (AFL reads
			// WIFSIGNALED-style status words to classify a crash).
			status |= 0x0b
		}
		if err := writeWord(st, status); err != nil {
			return fmt.Errorf("fuzzer: reporting iteration %d status: %w", i, err)
		}

		if err := d.ai.Restore(d.baseline); err != nil {
			return fmt.Errorf("fuzzer: restoring baseline after iteration %d: %w", i, err)
		}
	}
	return nil
}

func writeWord(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readWord(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
