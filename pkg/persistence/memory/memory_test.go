package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apec-labs/apec-certs-go/pkg/persistence"
	"github.com/apec-labs/apec-certs-go/pkg/persistence/persistencetest"
)

func TestMemoryPersistence(t *testing.T) {
	persistencetest.Run(t, func(t *testing.T) persistence.ICommitmentPersistence {
		return NewMemoryPersistence()
	})
}

func TestMemoryPersistence_DeepCopy(t *testing.T) {
	mp := NewMemoryPersistence()
	defer func() { _ = mp.Close() }()

	c := persistencetest.NewCommitment(t, "course-copy", 3, 1)
	require.NoError(t, mp.SaveCommitment(c))

	// Mutating the caller's value must not reach the store
	c.Addresses[0][0] = 0xff
	c.Root[0] = 0xff

	loaded, err := mp.LoadCommitment("course-copy")
	require.NoError(t, err)
	assert.NotEqual(t, c.Addresses[0], loaded.Addresses[0])
	assert.NotEqual(t, c.Root, loaded.Root)

	// Mutating a loaded value must not reach the store either
	loaded.Addresses[1][0] = 0xee
	again, err := mp.LoadCommitment("course-copy")
	require.NoError(t, err)
	assert.NotEqual(t, loaded.Addresses[1], again.Addresses[1])
}

func TestMemoryPersistence_RequiresCourseID(t *testing.T) {
	mp := NewMemoryPersistence()
	defer func() { _ = mp.Close() }()

	c := persistencetest.NewCommitment(t, "", 1, 1)
	assert.Error(t, mp.SaveCommitment(c))
}
