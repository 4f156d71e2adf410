// Package persistencetest holds the behaviour every ICommitmentPersistence backend must share.
package persistencetest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apec-labs/apec-certs-go/pkg/address"
	"github.com/apec-labs/apec-certs-go/pkg/merkle"
	"github.com/apec-labs/apec-certs-go/pkg/persistence"
	"github.com/apec-labs/apec-certs-go/pkg/types"
)

// NewCommitment builds a commitment over n synthetic addresses with a real root.
func NewCommitment(t *testing.T, courseID string, n int, version int64) *types.Commitment {
	t.Helper()

	addrs := make([]address.Address, n)
	for i := range addrs {
		addrs[i][0] = byte(version)
		addrs[i][1] = byte(i)
		addrs[i][31] = 0x5a
	}
	root, err := merkle.GetMerkleRoot(address.LeafInputs(addrs))
	require.NoError(t, err)

	return &types.Commitment{
		ID:          fmt.Sprintf("%s-v%d", courseID, version),
		CourseID:    courseID,
		Root:        types.Hash(root),
		Total:       n,
		Version:     version,
		LeafOrder:   merkle.LeafOrderSorted,
		Addresses:   addrs,
		PublishedAt: time.Now().Unix(),
	}
}

// Run exercises a fresh backend. newStore must return an empty store for each call.
func Run(t *testing.T, newStore func(t *testing.T) persistence.ICommitmentPersistence) {
	t.Run("SaveAndLoad", func(t *testing.T) {
		store := newStore(t)
		defer func() { _ = store.Close() }()

		c := NewCommitment(t, "course-save", 5, 1)
		require.NoError(t, store.SaveCommitment(c))

		loaded, err := store.LoadCommitment(c.CourseID)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, c, loaded)
	})

	t.Run("LoadNotFound", func(t *testing.T) {
		store := newStore(t)
		defer func() { _ = store.Close() }()

		loaded, err := store.LoadCommitment("missing-course")
		require.NoError(t, err)
		assert.Nil(t, loaded)
	})

	t.Run("SaveNil", func(t *testing.T) {
		store := newStore(t)
		defer func() { _ = store.Close() }()

		err := store.SaveCommitment(nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "nil Commitment")
	})

	t.Run("NewerVersionSupersedes", func(t *testing.T) {
		store := newStore(t)
		defer func() { _ = store.Close() }()

		require.NoError(t, store.SaveCommitment(NewCommitment(t, "course-supersede", 3, 1)))
		newer := NewCommitment(t, "course-supersede", 4, 2)
		require.NoError(t, store.SaveCommitment(newer))

		loaded, err := store.LoadCommitment("course-supersede")
		require.NoError(t, err)
		assert.Equal(t, int64(2), loaded.Version)
		assert.Equal(t, newer.Root, loaded.Root)
		assert.Len(t, loaded.Addresses, 4)
	})

	t.Run("RejectsNonIncreasingVersion", func(t *testing.T) {
		store := newStore(t)
		defer func() { _ = store.Close() }()

		current := NewCommitment(t, "course-conflict", 3, 2)
		require.NoError(t, store.SaveCommitment(current))

		err := store.SaveCommitment(NewCommitment(t, "course-conflict", 5, 1))
		require.ErrorIs(t, err, persistence.ErrVersionConflict)
		err = store.SaveCommitment(NewCommitment(t, "course-conflict", 5, 2))
		require.ErrorIs(t, err, persistence.ErrVersionConflict)

		loaded, err := store.LoadCommitment("course-conflict")
		require.NoError(t, err)
		assert.Equal(t, current.Root, loaded.Root)
		assert.Equal(t, int64(2), loaded.Version)
	})

	t.Run("ListSortedByCourse", func(t *testing.T) {
		store := newStore(t)
		defer func() { _ = store.Close() }()

		for _, id := range []string{"course-c", "course-a", "course-b"} {
			require.NoError(t, store.SaveCommitment(NewCommitment(t, id, 2, 1)))
		}

		list, err := store.ListCommitments()
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "course-a", list[0].CourseID)
		assert.Equal(t, "course-b", list[1].CourseID)
		assert.Equal(t, "course-c", list[2].CourseID)
	})

	t.Run("DeleteIdempotent", func(t *testing.T) {
		store := newStore(t)
		defer func() { _ = store.Close() }()

		require.NoError(t, store.SaveCommitment(NewCommitment(t, "course-delete", 2, 1)))
		require.NoError(t, store.DeleteCommitment("course-delete"))
		require.NoError(t, store.DeleteCommitment("course-delete"))

		loaded, err := store.LoadCommitment("course-delete")
		require.NoError(t, err)
		assert.Nil(t, loaded)

		list, err := store.ListCommitments()
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("CloseAndHealth", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.HealthCheck())

		require.NoError(t, store.Close())
		require.NoError(t, store.Close())

		assert.ErrorIs(t, store.HealthCheck(), persistence.ErrClosed)
		assert.ErrorIs(t, store.SaveCommitment(NewCommitment(t, "course-closed", 1, 1)), persistence.ErrClosed)
		_, err := store.LoadCommitment("course-closed")
		assert.ErrorIs(t, err, persistence.ErrClosed)
		_, err = store.ListCommitments()
		assert.ErrorIs(t, err, persistence.ErrClosed)
		assert.ErrorIs(t, store.DeleteCommitment("course-closed"), persistence.ErrClosed)
	})

	t.Run("ConcurrentAccess", func(t *testing.T) {
		store := newStore(t)
		defer func() { _ = store.Close() }()

		commitments := make([]*types.Commitment, 10)
		for i := range commitments {
			commitments[i] = NewCommitment(t, fmt.Sprintf("course-concurrent-%d", i), i+1, 1)
		}

		var wg sync.WaitGroup
		for _, c := range commitments {
			wg.Add(1)
			go func(c *types.Commitment) {
				defer wg.Done()
				assert.NoError(t, store.SaveCommitment(c))
				loaded, err := store.LoadCommitment(c.CourseID)
				assert.NoError(t, err)
				assert.NotNil(t, loaded)
			}(c)
		}
		wg.Wait()

		list, err := store.ListCommitments()
		require.NoError(t, err)
		assert.Len(t, list, 10)
	})
}
