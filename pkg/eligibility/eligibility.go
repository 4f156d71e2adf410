// Package eligibility provides the ordered list of wallets allowed to claim a
// course certificate. The list is the leaf set of the course's merkle commitment.
package eligibility

import (
	"context"
	"errors"

	"github.com/apec-labs/apec-certs-go/pkg/address"
)

// ErrCourseNotFound is returned when a course has no eligible wallets.
var ErrCourseNotFound = errors.New("eligibility: course has no eligible wallets")

// ILeafSource returns the eligible wallets of a course in a stable order.
// Implementations must return the same order for the same underlying data.
type ILeafSource interface {
	ListEligibleAddresses(ctx context.Context, courseID string) ([]address.Address, error)
}
