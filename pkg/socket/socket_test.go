package socket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddGetHas(t *testing.T) {
	m := NewManager()
	assert.False(t, m.Has(4))

	m.Add(&Socket{FD: 4, Family: AFInet, Type: SockStream})
	assert.True(t, m.Has(4))
	assert.Equal(t, AFInet, m.Get(4).Family)
}

func TestRemoveUnknownFDReturnsEBADF(t *testing.T) {
	m := NewManager()
	err := m.Remove(4)
	assert.Error(t, err)
}

func TestRemoveClosesAndDeletes(t *testing.T) {
	m := NewManager()
	m.Add(&Socket{FD: 5, Family: AFUnix, Type: SockStream})

	require.NoError(t, m.Remove(5))
	assert.False(t, m.Has(5))
}

func TestForkSharesUnderlyingConnButCopiesTable(t *testing.T) {
	m := NewManager()
	m.Add(&Socket{FD: 6, Family: AFInet, Type: SockDgram, Port: 53})

	child := m.Fork()
	require.NoError(t, child.Remove(6))

	assert.False(t, child.Has(6))
	assert.True(t, m.Has(6))
	assert.EqualValues(t, 53, m.Get(6).Port)
}
