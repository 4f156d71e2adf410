package static

import (
	"context"
	"sync"

	"github.com/apec-labs/apec-certs-go/pkg/address"
	"github.com/apec-labs/apec-certs-go/pkg/eligibility"
)

// StaticLeafSource serves eligibility lists held in memory.
type StaticLeafSource struct {
	mu      sync.RWMutex
	courses map[string][]address.Address
}

var _ eligibility.ILeafSource = (*StaticLeafSource)(nil)

func NewStaticLeafSource() *StaticLeafSource {
	return &StaticLeafSource{
		courses: make(map[string][]address.Address),
	}
}

// SetCourse replaces the eligible list of a course.
func (s *StaticLeafSource) SetCourse(courseID string, addrs []address.Address) {
	cp := make([]address.Address, len(addrs))
	copy(cp, addrs)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.courses[courseID] = cp
}

// Append adds wallets to the end of a course's list.
func (s *StaticLeafSource) Append(courseID string, addrs ...address.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.courses[courseID] = append(s.courses[courseID], addrs...)
}

func (s *StaticLeafSource) ListEligibleAddresses(ctx context.Context, courseID string) ([]address.Address, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	addrs, ok := s.courses[courseID]
	if !ok || len(addrs) == 0 {
		return nil, eligibility.ErrCourseNotFound
	}

	out := make([]address.Address, len(addrs))
	copy(out, addrs)
	return out, nil
}
