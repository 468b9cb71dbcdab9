package fuzzer

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run's fork-server handshake depends on the real AFL_FORK_CTL/
// AFL_FORK_ST file descriptors (198/199) being inherited from a parent
// afl-fuzz process; that integration path isn't exercised here. These
// tests cover the word-framing helpers Run drives the handshake with.

func TestWriteWordThenReadWordRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeWord(&buf, 0xdeadbeef))

	got, err := readWord(&buf)
	require.NoError(t, err)
	assert.EqualValues(t, 0xdeadbeef, got)
}

func TestWriteWordIsLittleEndian(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeWord(&buf, 0x01020304))
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, buf.Bytes())
}

func TestReadWordOnEmptyReaderReturnsEOF(t *testing.T) {
	_, err := readWord(bytes.NewReader(nil))
	assert.Equal(t, io.EOF, err)
}

func TestReadWordOnTruncatedReaderReturnsError(t *testing.T) {
	_, err := readWord(bytes.NewReader([]byte{0x01, 0x02}))
	assert.Error(t, err)
}

func TestExitStatusEncodingMatchesAFLWaitStatusConvention(t *testing.T) {
	// Run encodes a clean exit as (status << 8) and a faulted run with
	// the low byte set to SIGSEGV (11) as though WIFSIGNALED, the same
	// bit layout AFL++'s own status-word consumer expects.
	const exitStatus = 7
	clean := uint32(exitStatus) << 8
	assert.EqualValues(t, 0x0700, clean)

	faulted := clean | 0x0b
	assert.EqualValues(t, 0x070b, faulted)
}
