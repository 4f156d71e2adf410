package merkle

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/crypto"
)

// LeafInputSize is the width of a raw leaf input: one 32-byte chain address.
const LeafInputSize = 32

type buildOptions struct {
	order LeafOrder
}

// Option configures tree construction.
type Option func(*buildOptions)

// WithLeafOrder overrides the default LeafOrderSorted ordering.
func WithLeafOrder(order LeafOrder) Option {
	return func(o *buildOptions) {
		o.order = order
	}
}

// HashLeaf computes keccak256 over the raw input bytes. The input must be the
// fixed-width binary address, not its text encoding.
func HashLeaf(input []byte) ([32]byte, error) {
	if len(input) != LeafInputSize {
		return [32]byte{}, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidLeafLength, len(input), LeafInputSize)
	}
	return [32]byte(crypto.Keccak256Hash(input)), nil
}

// BuildMerkleTree hashes every input with HashLeaf and reduces the levels bottom-up.
//
// Each pair of siblings is sorted before hashing: keccak256(min || max).
// If there's an odd number of nodes at any level, the last node is promoted unchanged.
func BuildMerkleTree(inputs [][]byte, opts ...Option) (*MerkleTree, error) {
	if len(inputs) == 0 {
		return nil, ErrEmptyLeafSet
	}

	bo := &buildOptions{order: LeafOrderSorted}
	for _, opt := range opts {
		opt(bo)
	}
	if !bo.order.Valid() {
		return nil, fmt.Errorf("unsupported leaf order %q", bo.order)
	}

	// Hash all leaves
	hashed := make([][32]byte, len(inputs))
	for i, input := range inputs {
		h, err := HashLeaf(input)
		if err != nil {
			return nil, fmt.Errorf("leaf %d: %w", i, err)
		}
		hashed[i] = h
	}

	leaves, positions := arrangeLeaves(hashed, bo.order)

	// Build tree levels bottom-up
	levels := make([][][32]byte, 0, treeDepth(len(leaves))+1)
	levels = append(levels, leaves)

	currentLevel := leaves
	for len(currentLevel) > 1 {
		nextLevel := make([][32]byte, 0, (len(currentLevel)+1)/2)

		for i := 0; i < len(currentLevel); i += 2 {
			if i+1 == len(currentLevel) {
				nextLevel = append(nextLevel, currentLevel[i])
				continue
			}
			nextLevel = append(nextLevel, HashPair(currentLevel[i], currentLevel[i+1]))
		}

		levels = append(levels, nextLevel)
		currentLevel = nextLevel
	}

	return &MerkleTree{
		Leaves:    leaves,
		Root:      currentLevel[0],
		Order:     bo.order,
		levels:    levels,
		positions: positions,
	}, nil
}

// arrangeLeaves lays out level 0 and returns, for every input index, its level-0 position.
func arrangeLeaves(hashed [][32]byte, order LeafOrder) ([][32]byte, []int) {
	positions := make([]int, len(hashed))
	if order == LeafOrderInput {
		leaves := make([][32]byte, len(hashed))
		copy(leaves, hashed)
		for i := range positions {
			positions[i] = i
		}
		return leaves, positions
	}

	idx := make([]int, len(hashed))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return bytes.Compare(hashed[idx[a]][:], hashed[idx[b]][:]) < 0
	})

	leaves := make([][32]byte, len(hashed))
	for pos, inputIndex := range idx {
		leaves[pos] = hashed[inputIndex]
		positions[inputIndex] = pos
	}
	return leaves, positions
}

// GetRoot returns the apex hash of the tree.
func (mt *MerkleTree) GetRoot() [32]byte {
	return mt.Root
}

// Len returns the number of leaves.
func (mt *MerkleTree) Len() int {
	return len(mt.Leaves)
}

// Depth returns the number of levels above the leaves.
func (mt *MerkleTree) Depth() int {
	return len(mt.levels) - 1
}

// LeafAt returns the leaf hash for the given input index.
func (mt *MerkleTree) LeafAt(inputIndex int) ([32]byte, error) {
	if inputIndex < 0 || inputIndex >= len(mt.positions) {
		return [32]byte{}, fmt.Errorf("%w: index %d out of bounds (tree has %d leaves)", ErrLeafNotFound, inputIndex, len(mt.positions))
	}
	return mt.Leaves[mt.positions[inputIndex]], nil
}

// IndexOf returns the first input index whose leaf hash equals leaf.
func (mt *MerkleTree) IndexOf(leaf [32]byte) (int, error) {
	for i, pos := range mt.positions {
		if mt.Leaves[pos] == leaf {
			return i, nil
		}
	}
	return -1, ErrLeafNotFound
}

// GenerateProof creates a merkle proof for the leaf at the given input index.
// The proof consists of sibling hashes along the path from leaf to root.
func (mt *MerkleTree) GenerateProof(inputIndex int) (*MerkleProof, error) {
	leaf, err := mt.LeafAt(inputIndex)
	if err != nil {
		return nil, err
	}

	proof := make([][32]byte, 0, mt.Depth())
	index := mt.positions[inputIndex]

	// Traverse from leaf to root, collecting sibling hashes
	for level := 0; level < len(mt.levels)-1; level++ {
		currentLevel := mt.levels[level]

		siblingIndex := index ^ 1
		if siblingIndex < len(currentLevel) {
			proof = append(proof, currentLevel[siblingIndex])
		}

		// Move to parent index in next level
		index = index / 2
	}

	return &MerkleProof{
		LeafIndex: inputIndex,
		Leaf:      leaf,
		Proof:     proof,
	}, nil
}

// GenerateProofForInput locates the raw input in the tree and returns its proof.
// When index is non-nil it is used directly, and the leaf stored there must match
// the input; this is the only unambiguous form when the leaf set holds duplicates.
func (mt *MerkleTree) GenerateProofForInput(input []byte, index *int) (*MerkleProof, error) {
	leaf, err := HashLeaf(input)
	if err != nil {
		return nil, err
	}

	if index != nil {
		stored, err := mt.LeafAt(*index)
		if err != nil {
			return nil, err
		}
		if stored != leaf {
			return nil, fmt.Errorf("%w: leaf at index %d does not match input", ErrLeafNotFound, *index)
		}
		return mt.GenerateProof(*index)
	}

	i, err := mt.IndexOf(leaf)
	if err != nil {
		return nil, err
	}
	return mt.GenerateProof(i)
}

// Verify reports whether the proof reconstructs root.
func (p *MerkleProof) Verify(root [32]byte) bool {
	if p == nil {
		return false
	}
	return VerifyProof(p.Leaf, p.Proof, root)
}

// VerifyProof recomputes the root from a leaf hash and its sibling path and
// compares it with root. Sibling order within each pair is irrelevant because
// every pair is sorted before hashing.
func VerifyProof(leaf [32]byte, proof [][32]byte, root [32]byte) bool {
	return ComputeRoot(leaf, proof) == root
}

// CheckProof is VerifyProof returning ErrVerificationMismatch on failure.
func CheckProof(leaf [32]byte, proof [][32]byte, root [32]byte) error {
	if !VerifyProof(leaf, proof, root) {
		return ErrVerificationMismatch
	}
	return nil
}

// ComputeRoot folds the proof into the leaf hash.
func ComputeRoot(leaf [32]byte, proof [][32]byte) [32]byte {
	currentHash := leaf
	for _, siblingHash := range proof {
		currentHash = HashPair(currentHash, siblingHash)
	}
	return currentHash
}

// HashPair computes keccak256(min(a,b) || max(a,b)) for two 32-byte hashes.
func HashPair(a, b [32]byte) [32]byte {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}

	var data [64]byte
	copy(data[0:32], a[:])
	copy(data[32:64], b[:])

	return [32]byte(crypto.Keccak256Hash(data[:]))
}

// GetMerkleRoot builds a tree over inputs and returns only its root.
func GetMerkleRoot(inputs [][]byte, opts ...Option) ([32]byte, error) {
	tree, err := BuildMerkleTree(inputs, opts...)
	if err != nil {
		return [32]byte{}, err
	}
	return tree.Root, nil
}

// GetMerkleProof builds a tree over inputs and returns the sibling path for leaf.
func GetMerkleProof(inputs [][]byte, leaf []byte, index *int, opts ...Option) ([][32]byte, error) {
	tree, err := BuildMerkleTree(inputs, opts...)
	if err != nil {
		return nil, err
	}
	proof, err := tree.GenerateProofForInput(leaf, index)
	if err != nil {
		return nil, err
	}
	return proof.Proof, nil
}

// treeDepth returns ceil(log2(n)) for n >= 1.
func treeDepth(n int) int {
	depth := 0
	for width := 1; width < n; width <<= 1 {
		depth++
	}
	return depth
}
