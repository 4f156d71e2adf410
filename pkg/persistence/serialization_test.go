package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apec-labs/apec-certs-go/pkg/address"
	"github.com/apec-labs/apec-certs-go/pkg/merkle"
	"github.com/apec-labs/apec-certs-go/pkg/types"
)

func testCommitment() *types.Commitment {
	addrs := []address.Address{{1}, {2}, {3}}
	return &types.Commitment{
		ID:          "6f1c6b2e-1f0e-4a51-9a53-6a3f1f9e2a10",
		CourseID:    "course-1",
		Root:        types.Hash{0xaa, 0xbb},
		Total:       len(addrs),
		Version:     2,
		LeafOrder:   merkle.LeafOrderSorted,
		Addresses:   addrs,
		PublishedAt: 1700000000,
	}
}

func TestCommitmentSerialization(t *testing.T) {
	original := testCommitment()

	data, err := MarshalCommitment(original)
	require.NoError(t, err)
	assert.Contains(t, string(data), original.Root.Hex())
	assert.Contains(t, string(data), original.Addresses[0].String())

	decoded, err := UnmarshalCommitment(data)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestCommitmentSerialization_Errors(t *testing.T) {
	_, err := MarshalCommitment(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil Commitment")

	_, err = UnmarshalCommitment(nil)
	require.Error(t, err)

	_, err = UnmarshalCommitment([]byte("{not json"))
	require.Error(t, err)

	corrupt := testCommitment()
	corrupt.Total = 10
	data, err := MarshalCommitment(corrupt)
	require.NoError(t, err)
	_, err = UnmarshalCommitment(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt")
}

func TestCopyCommitment(t *testing.T) {
	original := testCommitment()
	cp := CopyCommitment(original)
	require.Equal(t, original, cp)

	cp.Addresses[0][0] = 0xff
	assert.NotEqual(t, original.Addresses[0], cp.Addresses[0])
	assert.Nil(t, CopyCommitment(nil))
}
