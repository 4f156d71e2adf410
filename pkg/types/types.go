package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/apec-labs/apec-certs-go/pkg/address"
	"github.com/apec-labs/apec-certs-go/pkg/merkle"
)

// Hash is a 32-byte keccak digest that encodes as 0x-prefixed hex in JSON.
type Hash [32]byte

func (h Hash) Hex() string {
	return hexutil.Encode(h[:])
}

func (h Hash) String() string {
	return h.Hex()
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a 0x-prefixed 32-byte hex string.
func ParseHash(s string) (Hash, error) {
	raw, err := hexutil.Decode(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(raw) != 32 {
		return Hash{}, fmt.Errorf("hash must be 32 bytes, got %d", len(raw))
	}
	return Hash(raw), nil
}

// HashesFrom converts raw proof elements into their JSON form.
func HashesFrom(raw [][32]byte) []Hash {
	out := make([]Hash, len(raw))
	for i, h := range raw {
		out[i] = Hash(h)
	}
	return out
}

// RawHashes converts JSON proof elements back into raw arrays.
func RawHashes(hashes []Hash) [][32]byte {
	out := make([][32]byte, len(hashes))
	for i, h := range hashes {
		out[i] = [32]byte(h)
	}
	return out
}

// Commitment is a published merkle root over the eligible claimant set of one course.
// A newer Version for the same course supersedes the previous commitment and
// invalidates every proof issued against it.
type Commitment struct {
	ID          string            `json:"id"`
	CourseID    string            `json:"courseId"`
	Root        Hash              `json:"root"`
	Total       int               `json:"total"`
	Version     int64             `json:"version"`
	LeafOrder   merkle.LeafOrder  `json:"leafOrder"`
	Addresses   []address.Address `json:"addresses"`
	PublishedAt int64             `json:"publishedAt"`
}

// ClaimProof is what a claimant submits with the claim instruction.
type ClaimProof struct {
	CourseID  string          `json:"courseId"`
	Claimant  address.Address `json:"claimant"`
	LeafIndex int             `json:"leafIndex"`
	Leaf      Hash            `json:"leaf"`
	Proof     []Hash          `json:"proof"`
	Root      Hash            `json:"root"`
	Version   int64           `json:"version"`
}

// Verify checks the proof against its own root.
func (cp *ClaimProof) Verify() bool {
	if cp == nil {
		return false
	}
	return merkle.VerifyProof([32]byte(cp.Leaf), RawHashes(cp.Proof), [32]byte(cp.Root))
}

type PublishRequest struct {
	// Addresses is the ordered eligible set. When empty the server pulls the
	// set from its eligibility source.
	Addresses []address.Address `json:"addresses,omitempty"`
}

type ProofRequest struct {
	CourseID string          `json:"courseId"`
	Claimant address.Address `json:"claimant"`
	Index    *int            `json:"index,omitempty"`
}

type BatchProofRequest struct {
	CourseID  string            `json:"courseId"`
	Claimants []address.Address `json:"claimants"`
}

type BatchProofResponse struct {
	Proofs []*ClaimProof `json:"proofs"`
}

type VerifyRequest struct {
	CourseID string          `json:"courseId"`
	Claimant address.Address `json:"claimant"`
	Proof    []Hash          `json:"proof"`
}

type VerifyResponse struct {
	Valid   bool  `json:"valid"`
	Root    Hash  `json:"root"`
	Version int64 `json:"version"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
