package merkle

import "errors"

var (
	// ErrEmptyLeafSet is returned when a tree or proof is requested over zero leaves.
	ErrEmptyLeafSet = errors.New("merkle: no leaves")

	// ErrLeafNotFound is returned when a proof is requested for a leaf or index
	// that is not part of the leaf set.
	ErrLeafNotFound = errors.New("merkle: leaf not in set")

	// ErrVerificationMismatch is returned when a proof does not reconstruct the claimed root.
	ErrVerificationMismatch = errors.New("merkle: proof does not match root")

	// ErrInvalidLeafLength is returned for leaf inputs that are not exactly LeafInputSize bytes.
	ErrInvalidLeafLength = errors.New("merkle: invalid leaf input length")
)
