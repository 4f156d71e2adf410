package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/apec-labs/apec-certs-go/pkg/address"
	"github.com/apec-labs/apec-certs-go/pkg/types"
)

// MarshalCommitment serializes a Commitment to JSON bytes.
// Addresses are stored base58 and the root as 0x hex.
func MarshalCommitment(c *types.Commitment) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("cannot marshal nil Commitment")
	}

	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal Commitment to JSON: %w", err)
	}

	return data, nil
}

// UnmarshalCommitment deserializes a Commitment from JSON bytes.
func UnmarshalCommitment(data []byte) (*types.Commitment, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}

	var c types.Commitment
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON to Commitment: %w", err)
	}

	if c.Total != len(c.Addresses) {
		return nil, fmt.Errorf("corrupt Commitment for course %s: total %d but %d addresses", c.CourseID, c.Total, len(c.Addresses))
	}

	return &c, nil
}

// CopyCommitment returns a deep copy so stored snapshots cannot be mutated by callers.
func CopyCommitment(c *types.Commitment) *types.Commitment {
	if c == nil {
		return nil
	}

	cp := *c
	if c.Addresses != nil {
		cp.Addresses = make([]address.Address, len(c.Addresses))
		copy(cp.Addresses, c.Addresses)
	}
	return &cp
}
