package merkle

// LeafOrder selects how leaf hashes are arranged on level 0 before the tree is built.
type LeafOrder string

const (
	// LeafOrderSorted sorts leaf hashes ascending, so the root depends only on the
	// multiset of inputs and not on the order they were supplied in.
	LeafOrderSorted LeafOrder = "sorted"

	// LeafOrderInput keeps the caller's order. Pairs are still hashed sorted, so
	// proofs verify the same way, but the root changes when the input is reordered.
	LeafOrderInput LeafOrder = "input"
)

func (o LeafOrder) String() string {
	return string(o)
}

// Valid reports whether o is one of the known orderings.
func (o LeafOrder) Valid() bool {
	return o == LeafOrderSorted || o == LeafOrderInput
}

// MerkleTree is a binary keccak256 tree built with sorted-pair hashing.
// A tree is immutable once built and safe for concurrent readers.
type MerkleTree struct {
	// Leaves contains the leaf hashes in level-0 order
	Leaves [][32]byte

	// Root is the merkle root hash
	Root [32]byte

	// Order is the leaf ordering the tree was built with
	Order LeafOrder

	// levels stores all tree levels for proof generation
	// levels[0] = leaves, levels[len-1] = root
	levels [][][32]byte

	// positions maps an input index to its position on level 0
	positions []int
}

// MerkleProof represents a proof that a leaf is included in the tree.
// The proof consists of sibling hashes along the path from leaf to root.
type MerkleProof struct {
	// LeafIndex is the index of the leaf in the caller's input list
	LeafIndex int

	// Leaf is the hash of the leaf being proven
	Leaf [32]byte

	// Proof contains the sibling hashes from leaf to root.
	// A level where the node was promoted without a partner contributes nothing.
	Proof [][32]byte
}
