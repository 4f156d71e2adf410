// Package commitment publishes merkle roots over course eligibility lists and
// issues claim proofs against the published roots.
//
// Publishing stores the root together with the exact ordered address snapshot it
// was built from. Proofs are always derived from that snapshot, never from the
// live eligibility source, so a proof can only disagree with the on-chain root if
// a newer commitment has been published since.
package commitment

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/apec-labs/apec-certs-go/pkg/address"
	"github.com/apec-labs/apec-certs-go/pkg/eligibility"
	"github.com/apec-labs/apec-certs-go/pkg/merkle"
	"github.com/apec-labs/apec-certs-go/pkg/metrics"
	"github.com/apec-labs/apec-certs-go/pkg/persistence"
	"github.com/apec-labs/apec-certs-go/pkg/types"
)

var (
	// ErrCommitmentNotFound is returned when no root has been published for a course.
	ErrCommitmentNotFound = errors.New("no commitment published for course")

	// ErrStaleCommitment is returned when the eligibility list no longer matches the
	// published root. The provider has to publish again before claims can succeed.
	ErrStaleCommitment = errors.New("certificate list changed since the root was published")

	// ErrInvalidCourseID is returned for blank course IDs.
	ErrInvalidCourseID = errors.New("course ID cannot be empty")

	// ErrNoLeafSource is returned by Publish when the service has no eligibility source.
	ErrNoLeafSource = errors.New("no eligibility source configured")
)

const DefaultMaxConcurrency = 8

// Config holds the service's tunables.
type Config struct {
	// LeafOrder is used for newly published commitments. Existing commitments keep
	// the order they were published with.
	LeafOrder merkle.LeafOrder

	// MaxConcurrency bounds the goroutines used by ProveBatch.
	MaxConcurrency int
}

// Service is safe for concurrent use.
type Service struct {
	config  *Config
	store   persistence.ICommitmentPersistence
	source  eligibility.ILeafSource
	metrics *metrics.Metrics
	logger  *zap.Logger

	// publishMu serialises version bumps within this process; the store rejects
	// a version that lost a race with another replica.
	publishMu sync.Mutex
}

// NewService wires a commitment service. source may be nil when every publish
// supplies its addresses explicitly; m may be nil to use a private registry.
func NewService(
	cfg *Config,
	store persistence.ICommitmentPersistence,
	source eligibility.ILeafSource,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Service {
	c := &Config{LeafOrder: merkle.LeafOrderSorted, MaxConcurrency: DefaultMaxConcurrency}
	if cfg != nil {
		if cfg.LeafOrder != "" {
			c.LeafOrder = cfg.LeafOrder
		}
		if cfg.MaxConcurrency > 0 {
			c.MaxConcurrency = cfg.MaxConcurrency
		}
	}
	if m == nil {
		m = metrics.NewMetrics()
	}

	return &Service{
		config:  c,
		store:   store,
		source:  source,
		metrics: m,
		logger:  logger,
	}
}

func validateCourseID(courseID string) error {
	if strings.TrimSpace(courseID) == "" {
		return ErrInvalidCourseID
	}
	return nil
}

// Publish pulls the current eligible list from the source and publishes its root.
func (s *Service) Publish(ctx context.Context, courseID string) (*types.Commitment, error) {
	if err := validateCourseID(courseID); err != nil {
		return nil, err
	}
	if s.source == nil {
		return nil, ErrNoLeafSource
	}

	addrs, err := s.source.ListEligibleAddresses(ctx, courseID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load eligible wallets for course %s", courseID)
	}

	return s.PublishAddresses(ctx, courseID, addrs)
}

// PublishAddresses builds a tree over addrs and stores it as the course's new
// commitment, superseding any earlier one.
func (s *Service) PublishAddresses(ctx context.Context, courseID string, addrs []address.Address) (*types.Commitment, error) {
	if err := validateCourseID(courseID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tree, err := s.buildTree(addrs, s.config.LeafOrder)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build tree for course %s", courseID)
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	prev, err := s.store.LoadCommitment(courseID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load previous commitment")
	}

	version := int64(1)
	if prev != nil {
		version = prev.Version + 1
	}

	snapshot := make([]address.Address, len(addrs))
	copy(snapshot, addrs)

	c := &types.Commitment{
		ID:          uuid.NewString(),
		CourseID:    courseID,
		Root:        types.Hash(tree.Root),
		Total:       tree.Len(),
		Version:     version,
		LeafOrder:   tree.Order,
		Addresses:   snapshot,
		PublishedAt: time.Now().Unix(),
	}

	if err := s.store.SaveCommitment(c); err != nil {
		return nil, errors.Wrap(err, "failed to save commitment")
	}
	s.metrics.CommitmentsPublished.Inc()

	fields := []interface{}{
		"course_id", courseID,
		"root", c.Root.Hex(),
		"total", c.Total,
		"version", c.Version,
		"leaf_order", c.LeafOrder,
	}
	if prev != nil {
		fields = append(fields, "superseded_root", prev.Root.Hex())
	}
	s.logger.Sugar().Infow("Published eligibility root", fields...)

	return c, nil
}

// GetCommitment returns the latest commitment for a course.
func (s *Service) GetCommitment(ctx context.Context, courseID string) (*types.Commitment, error) {
	if err := validateCourseID(courseID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, err := s.store.LoadCommitment(courseID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load commitment")
	}
	if c == nil {
		return nil, errors.Wrapf(ErrCommitmentNotFound, "course %s", courseID)
	}
	return c, nil
}

// ListCommitments returns every stored commitment sorted by course ID.
func (s *Service) ListCommitments(ctx context.Context) ([]*types.Commitment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	list, err := s.store.ListCommitments()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list commitments")
	}
	return list, nil
}

// Prove returns the claim proof for claimant against the course's published root.
// index, when set, pins the claimant's position in the published list.
func (s *Service) Prove(ctx context.Context, courseID string, claimant address.Address, index *int) (*types.ClaimProof, error) {
	c, tree, err := s.loadTree(ctx, courseID)
	if err != nil {
		s.recordProofFailure(err)
		return nil, err
	}

	proof, err := tree.GenerateProofForInput(claimant.Bytes(), index)
	if err != nil {
		s.recordProofFailure(err)
		return nil, errors.Wrapf(err, "claimant %s in course %s", claimant, courseID)
	}
	s.metrics.ProofsGenerated.Inc()

	return newClaimProof(c, claimant, proof), nil
}

// ProveBatch generates proofs for many claimants from a single tree build.
// Results keep the order of claimants; the first failure aborts the batch.
func (s *Service) ProveBatch(ctx context.Context, courseID string, claimants []address.Address) ([]*types.ClaimProof, error) {
	c, tree, err := s.loadTree(ctx, courseID)
	if err != nil {
		s.recordProofFailure(err)
		return nil, err
	}

	results := make([]*types.ClaimProof, len(claimants))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxConcurrency)

	for i := range claimants {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			proof, err := tree.GenerateProofForInput(claimants[i].Bytes(), nil)
			if err != nil {
				return errors.Wrapf(err, "claimant %s in course %s", claimants[i], courseID)
			}
			results[i] = newClaimProof(c, claimants[i], proof)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.recordProofFailure(err)
		return nil, err
	}
	s.metrics.ProofsGenerated.Add(float64(len(results)))

	s.logger.Sugar().Debugw("Generated batch proofs", "course_id", courseID, "count", len(results), "version", c.Version)
	return results, nil
}

// Verify checks a proof for claimant against the course's published root.
// The returned commitment is the one the proof was checked against.
func (s *Service) Verify(ctx context.Context, courseID string, claimant address.Address, proof [][32]byte) (*types.Commitment, error) {
	c, err := s.GetCommitment(ctx, courseID)
	if err != nil {
		return nil, err
	}

	leaf, err := merkle.HashLeaf(claimant.Bytes())
	if err != nil {
		return nil, err
	}

	if err := merkle.CheckProof(leaf, proof, [32]byte(c.Root)); err != nil {
		s.metrics.Verifications.WithLabelValues(metrics.ResultMismatch).Inc()
		s.logger.Sugar().Infow("Claim proof rejected",
			"course_id", courseID,
			"claimant", claimant.String(),
			"root", c.Root.Hex(),
			"version", c.Version,
		)
		return c, errors.Wrapf(err, "claimant %s in course %s", claimant, courseID)
	}

	s.metrics.Verifications.WithLabelValues(metrics.ResultValid).Inc()
	return c, nil
}

// CheckFreshness compares the source's current list against the published root.
func (s *Service) CheckFreshness(ctx context.Context, courseID string) (*types.Commitment, error) {
	c, err := s.GetCommitment(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if s.source == nil {
		return nil, ErrNoLeafSource
	}

	current, err := s.source.ListEligibleAddresses(ctx, courseID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load eligible wallets for course %s", courseID)
	}

	tree, err := s.buildTree(current, c.LeafOrder)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build tree for course %s", courseID)
	}

	if types.Hash(tree.Root) != c.Root {
		s.logger.Sugar().Warnw("Eligibility list diverged from published root",
			"course_id", courseID,
			"published_root", c.Root.Hex(),
			"current_root", types.Hash(tree.Root).Hex(),
			"published_total", c.Total,
			"current_total", tree.Len(),
		)
		return c, errors.Wrapf(ErrStaleCommitment, "course %s", courseID)
	}
	return c, nil
}

// HealthCheck reports whether the backing store is usable.
func (s *Service) HealthCheck() error {
	return s.store.HealthCheck()
}

// loadTree rebuilds the tree for the course's published snapshot and confirms it
// reproduces the stored root.
func (s *Service) loadTree(ctx context.Context, courseID string) (*types.Commitment, *merkle.MerkleTree, error) {
	c, err := s.GetCommitment(ctx, courseID)
	if err != nil {
		return nil, nil, err
	}

	tree, err := s.buildTree(c.Addresses, c.LeafOrder)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to rebuild tree for course %s", courseID)
	}

	if types.Hash(tree.Root) != c.Root {
		s.logger.Sugar().Errorw("Stored snapshot does not reproduce published root",
			"course_id", courseID,
			"published_root", c.Root.Hex(),
			"rebuilt_root", types.Hash(tree.Root).Hex(),
		)
		return nil, nil, errors.Wrapf(ErrStaleCommitment, "course %s", courseID)
	}

	return c, tree, nil
}

func (s *Service) buildTree(addrs []address.Address, order merkle.LeafOrder) (*merkle.MerkleTree, error) {
	started := time.Now()
	tree, err := merkle.BuildMerkleTree(address.LeafInputs(addrs), merkle.WithLeafOrder(order))
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveBuild(started, tree.Len())
	return tree, nil
}

func (s *Service) recordProofFailure(err error) {
	reason := "other"
	switch {
	case errors.Is(err, merkle.ErrLeafNotFound):
		reason = "leaf_not_found"
	case errors.Is(err, merkle.ErrEmptyLeafSet):
		reason = "empty_leaf_set"
	case errors.Is(err, ErrCommitmentNotFound):
		reason = "no_commitment"
	case errors.Is(err, ErrStaleCommitment):
		reason = "stale"
	}
	s.metrics.ProofFailures.WithLabelValues(reason).Inc()
}

func newClaimProof(c *types.Commitment, claimant address.Address, proof *merkle.MerkleProof) *types.ClaimProof {
	return &types.ClaimProof{
		CourseID:  c.CourseID,
		Claimant:  claimant,
		LeafIndex: proof.LeafIndex,
		Leaf:      types.Hash(proof.Leaf),
		Proof:     types.HashesFrom(proof.Proof),
		Root:      c.Root,
		Version:   c.Version,
	}
}
