// Package memory keeps commitments in a process-local map. Nothing survives a
// restart, so it suits tests and single-shot CLI runs.
package memory

import (
	"sort"
	"sync"

	"github.com/apec-labs/apec-certs-go/pkg/persistence"
	"github.com/apec-labs/apec-certs-go/pkg/types"
)

// MemoryPersistence implements ICommitmentPersistence over a map keyed by course ID.
// Values are deep-copied on the way in and out.
type MemoryPersistence struct {
	mu     sync.RWMutex
	byID   map[string]*types.Commitment
	closed bool
}

func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{byID: make(map[string]*types.Commitment)}
}

// read runs fn under the read lock once the store is known to be open.
func (m *MemoryPersistence) read(fn func() error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return persistence.ErrClosed
	}
	return fn()
}

func (m *MemoryPersistence) write(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return persistence.ErrClosed
	}
	return fn()
}

func (m *MemoryPersistence) SaveCommitment(commitment *types.Commitment) error {
	if err := persistence.CheckSaveable(commitment); err != nil {
		return err
	}
	return m.write(func() error {
		if err := persistence.CheckSupersedes(m.byID[commitment.CourseID], commitment); err != nil {
			return err
		}
		m.byID[commitment.CourseID] = persistence.CopyCommitment(commitment)
		return nil
	})
}

func (m *MemoryPersistence) LoadCommitment(courseID string) (*types.Commitment, error) {
	var found *types.Commitment
	err := m.read(func() error {
		if c, ok := m.byID[courseID]; ok {
			found = persistence.CopyCommitment(c)
		}
		return nil
	})
	return found, err
}

func (m *MemoryPersistence) ListCommitments() ([]*types.Commitment, error) {
	var out []*types.Commitment
	err := m.read(func() error {
		out = make([]*types.Commitment, 0, len(m.byID))
		for _, c := range m.byID {
			out = append(out, persistence.CopyCommitment(c))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CourseID < out[j].CourseID })
	return out, nil
}

func (m *MemoryPersistence) DeleteCommitment(courseID string) error {
	return m.write(func() error {
		delete(m.byID, courseID)
		return nil
	})
}

func (m *MemoryPersistence) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryPersistence) HealthCheck() error {
	return m.read(func() error { return nil })
}
