package persistence

import (
	"errors"
	"fmt"

	"github.com/apec-labs/apec-certs-go/pkg/types"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("persistence layer is closed")

	// ErrVersionConflict is returned when a save does not advance the stored version,
	// typically because another replica published for the same course first.
	ErrVersionConflict = errors.New("commitment version conflict")
)

// ICommitmentPersistence stores the latest published commitment for each course.
// Implementations are shared by concurrent proof requests and must be thread-safe.
type ICommitmentPersistence interface {
	// SaveCommitment stores a commitment under its course ID. The version must be
	// strictly greater than the stored one, otherwise ErrVersionConflict is returned
	// and nothing is written.
	SaveCommitment(commitment *types.Commitment) error

	// LoadCommitment returns (nil, nil) when the course has never been published.
	LoadCommitment(courseID string) (*types.Commitment, error)

	// ListCommitments returns every stored commitment ordered by course ID.
	ListCommitments() ([]*types.Commitment, error)

	// DeleteCommitment is a no-op for unknown courses.
	DeleteCommitment(courseID string) error

	// Close may be called more than once.
	Close() error

	HealthCheck() error
}

// CheckSaveable rejects commitments that no backend can index.
func CheckSaveable(c *types.Commitment) error {
	if c == nil {
		return fmt.Errorf("cannot save nil Commitment")
	}
	if c.CourseID == "" {
		return fmt.Errorf("cannot save Commitment without course ID")
	}
	return nil
}

// CheckSupersedes reports ErrVersionConflict unless next replaces stored.
// A nil stored commitment accepts any version.
func CheckSupersedes(stored, next *types.Commitment) error {
	if stored == nil || next.Version > stored.Version {
		return nil
	}
	return fmt.Errorf("%w: course %s is at version %d, refusing version %d",
		ErrVersionConflict, next.CourseID, stored.Version, next.Version)
}
