package commitment

import (
	"context"
	"fmt"
	"testing"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apec-labs/apec-certs-go/pkg/address"
	"github.com/apec-labs/apec-certs-go/pkg/eligibility"
	"github.com/apec-labs/apec-certs-go/pkg/eligibility/static"
	"github.com/apec-labs/apec-certs-go/pkg/merkle"
	"github.com/apec-labs/apec-certs-go/pkg/metrics"
	"github.com/apec-labs/apec-certs-go/pkg/persistence/memory"
	"github.com/apec-labs/apec-certs-go/pkg/testutil"
	"github.com/apec-labs/apec-certs-go/pkg/types"
)

type testEnv struct {
	svc     *Service
	store   *memory.MemoryPersistence
	source  *static.StaticLeafSource
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T, cfg *Config) *testEnv {
	t.Helper()

	l := testutil.NewTestLogger(t)
	store := memory.NewMemoryPersistence()
	t.Cleanup(func() { _ = store.Close() })
	source := static.NewStaticLeafSource()
	m := metrics.NewMetrics()

	return &testEnv{
		svc:     NewService(cfg, store, source, m, l),
		store:   store,
		source:  source,
		metrics: m,
	}
}

func TestPublishAddresses(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	addrs := testutil.CreateTestAddresses(5)

	c, err := env.svc.PublishAddresses(ctx, "course-1", addrs)
	require.NoError(t, err)

	expectedRoot, err := merkle.GetMerkleRoot(address.LeafInputs(addrs))
	require.NoError(t, err)

	assert.Equal(t, types.Hash(expectedRoot), c.Root)
	assert.Equal(t, 5, c.Total)
	assert.Equal(t, int64(1), c.Version)
	assert.Equal(t, merkle.LeafOrderSorted, c.LeafOrder)
	assert.Equal(t, addrs, c.Addresses)
	assert.NotEmpty(t, c.ID)

	stored, err := env.svc.GetCommitment(ctx, "course-1")
	require.NoError(t, err)
	assert.Equal(t, c, stored)

	assert.Equal(t, 1.0, promtestutil.ToFloat64(env.metrics.CommitmentsPublished))
}

func TestPublishAddresses_Errors(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.svc.PublishAddresses(ctx, "course-1", nil)
	require.ErrorIs(t, err, merkle.ErrEmptyLeafSet)

	_, err = env.svc.PublishAddresses(ctx, "  ", testutil.CreateTestAddresses(2))
	require.ErrorIs(t, err, ErrInvalidCourseID)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = env.svc.PublishAddresses(cancelled, "course-1", testutil.CreateTestAddresses(2))
	require.ErrorIs(t, err, context.Canceled)
}

func TestPublishSupersedesPreviousRoot(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	addrs := testutil.CreateTestAddresses(4)

	first, err := env.svc.PublishAddresses(ctx, "course-1", addrs[:3])
	require.NoError(t, err)
	oldProof, err := env.svc.Prove(ctx, "course-1", addrs[0], nil)
	require.NoError(t, err)

	second, err := env.svc.PublishAddresses(ctx, "course-1", addrs)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Version)
	assert.NotEqual(t, first.Root, second.Root)

	// proofs issued against the old root no longer verify
	_, err = env.svc.Verify(ctx, "course-1", addrs[0], types.RawHashes(oldProof.Proof))
	require.ErrorIs(t, err, merkle.ErrVerificationMismatch)

	newProof, err := env.svc.Prove(ctx, "course-1", addrs[0], nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), newProof.Version)
	_, err = env.svc.Verify(ctx, "course-1", addrs[0], types.RawHashes(newProof.Proof))
	require.NoError(t, err)
}

func TestPublishFromSource(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.svc.Publish(ctx, "course-1")
	require.ErrorIs(t, err, eligibility.ErrCourseNotFound)

	addrs := testutil.CreateTestAddresses(3)
	env.source.SetCourse("course-1", addrs)

	c, err := env.svc.Publish(ctx, "course-1")
	require.NoError(t, err)
	assert.Equal(t, addrs, c.Addresses)

	noSource := NewService(nil, env.store, nil, nil, env.svc.logger)
	_, err = noSource.Publish(ctx, "course-1")
	require.ErrorIs(t, err, ErrNoLeafSource)
}

func TestProve(t *testing.T) {
	for _, order := range []merkle.LeafOrder{merkle.LeafOrderSorted, merkle.LeafOrderInput} {
		t.Run(order.String(), func(t *testing.T) {
			env := newTestEnv(t, &Config{LeafOrder: order})
			ctx := context.Background()
			addrs := testutil.CreateTestAddresses(11)

			c, err := env.svc.PublishAddresses(ctx, "course-1", addrs)
			require.NoError(t, err)
			require.Equal(t, order, c.LeafOrder)

			for i, a := range addrs {
				proof, err := env.svc.Prove(ctx, "course-1", a, nil)
				require.NoError(t, err)
				assert.Equal(t, i, proof.LeafIndex)
				assert.Equal(t, c.Root, proof.Root)
				assert.Equal(t, a, proof.Claimant)
				assert.True(t, proof.Verify())

				_, err = env.svc.Verify(ctx, "course-1", a, types.RawHashes(proof.Proof))
				require.NoError(t, err)
			}

			assert.Equal(t, float64(len(addrs)), promtestutil.ToFloat64(env.metrics.ProofsGenerated))
			assert.Equal(t, float64(len(addrs)), promtestutil.ToFloat64(env.metrics.Verifications.WithLabelValues(metrics.ResultValid)))
		})
	}
}

func TestProve_Errors(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	addrs := testutil.CreateTestAddresses(3)

	_, err := env.svc.Prove(ctx, "course-1", addrs[0], nil)
	require.ErrorIs(t, err, ErrCommitmentNotFound)

	_, err = env.svc.PublishAddresses(ctx, "course-1", addrs)
	require.NoError(t, err)

	outsider := testutil.CreateTestAddresses(4)[3]
	_, err = env.svc.Prove(ctx, "course-1", outsider, nil)
	require.ErrorIs(t, err, merkle.ErrLeafNotFound)

	wrongIndex := 2
	_, err = env.svc.Prove(ctx, "course-1", addrs[0], &wrongIndex)
	require.ErrorIs(t, err, merkle.ErrLeafNotFound)

	assert.Equal(t, 1.0, promtestutil.ToFloat64(env.metrics.ProofFailures.WithLabelValues("no_commitment")))
	assert.Equal(t, 2.0, promtestutil.ToFloat64(env.metrics.ProofFailures.WithLabelValues("leaf_not_found")))
}

func TestProve_DuplicateWalletWithIndex(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	addrs := testutil.CreateTestAddresses(3)
	addrs = append(addrs, addrs[1])

	_, err := env.svc.PublishAddresses(ctx, "course-1", addrs)
	require.NoError(t, err)

	idx := 3
	proof, err := env.svc.Prove(ctx, "course-1", addrs[1], &idx)
	require.NoError(t, err)
	assert.Equal(t, 3, proof.LeafIndex)
	assert.True(t, proof.Verify())
}

func TestProve_CorruptSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	addrs := testutil.CreateTestAddresses(4)

	c, err := env.svc.PublishAddresses(ctx, "course-1", addrs)
	require.NoError(t, err)

	c.Addresses[0] = testutil.CreateTestAddresses(5)[4]
	c.Version++
	require.NoError(t, env.store.SaveCommitment(c))

	_, err = env.svc.Prove(ctx, "course-1", addrs[1], nil)
	require.ErrorIs(t, err, ErrStaleCommitment)
}

func TestProveBatch(t *testing.T) {
	env := newTestEnv(t, &Config{MaxConcurrency: 3})
	ctx := context.Background()
	addrs := testutil.CreateTestAddresses(40)

	c, err := env.svc.PublishAddresses(ctx, "course-1", addrs)
	require.NoError(t, err)

	claimants := []address.Address{addrs[39], addrs[0], addrs[17], addrs[5]}
	proofs, err := env.svc.ProveBatch(ctx, "course-1", claimants)
	require.NoError(t, err)
	require.Len(t, proofs, len(claimants))

	for i, p := range proofs {
		assert.Equal(t, claimants[i], p.Claimant)
		assert.Equal(t, c.Root, p.Root)
		assert.True(t, p.Verify(), "proof %d", i)
	}

	_, err = env.svc.ProveBatch(ctx, "course-1", append(claimants, testutil.CreateTestAddresses(41)[40]))
	require.ErrorIs(t, err, merkle.ErrLeafNotFound)

	_, err = env.svc.ProveBatch(ctx, "course-missing", claimants)
	require.ErrorIs(t, err, ErrCommitmentNotFound)
}

func TestVerify(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	addrs := testutil.CreateTestAddresses(6)

	_, err := env.svc.PublishAddresses(ctx, "course-1", addrs)
	require.NoError(t, err)

	proof, err := env.svc.Prove(ctx, "course-1", addrs[2], nil)
	require.NoError(t, err)
	raw := types.RawHashes(proof.Proof)

	c, err := env.svc.Verify(ctx, "course-1", addrs[2], raw)
	require.NoError(t, err)
	assert.Equal(t, proof.Root, c.Root)

	// someone else's proof does not work for a different claimant
	_, err = env.svc.Verify(ctx, "course-1", addrs[3], raw)
	require.ErrorIs(t, err, merkle.ErrVerificationMismatch)

	tampered := types.RawHashes(proof.Proof)
	tampered[0][31] ^= 0x01
	_, err = env.svc.Verify(ctx, "course-1", addrs[2], tampered)
	require.ErrorIs(t, err, merkle.ErrVerificationMismatch)

	_, err = env.svc.Verify(ctx, "course-2", addrs[2], raw)
	require.ErrorIs(t, err, ErrCommitmentNotFound)

	assert.Equal(t, 2.0, promtestutil.ToFloat64(env.metrics.Verifications.WithLabelValues(metrics.ResultMismatch)))
}

func TestCheckFreshness(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	addrs := testutil.CreateTestAddresses(5)

	env.source.SetCourse("course-1", addrs)
	_, err := env.svc.Publish(ctx, "course-1")
	require.NoError(t, err)

	_, err = env.svc.CheckFreshness(ctx, "course-1")
	require.NoError(t, err)

	// reordering is not a change under sorted leaves
	reversed := make([]address.Address, len(addrs))
	for i := range addrs {
		reversed[len(addrs)-1-i] = addrs[i]
	}
	env.source.SetCourse("course-1", reversed)
	_, err = env.svc.CheckFreshness(ctx, "course-1")
	require.NoError(t, err)

	env.source.Append("course-1", testutil.CreateTestAddresses(6)[5])
	_, err = env.svc.CheckFreshness(ctx, "course-1")
	require.ErrorIs(t, err, ErrStaleCommitment)

	// republishing catches up
	_, err = env.svc.Publish(ctx, "course-1")
	require.NoError(t, err)
	_, err = env.svc.CheckFreshness(ctx, "course-1")
	require.NoError(t, err)
}

func TestConcurrentProofs(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	addrs := testutil.CreateTestAddresses(64)

	_, err := env.svc.PublishAddresses(ctx, "course-1", addrs)
	require.NoError(t, err)

	errs := make(chan error, len(addrs))
	for _, a := range addrs {
		go func(a address.Address) {
			proof, err := env.svc.Prove(ctx, "course-1", a, nil)
			if err == nil && !proof.Verify() {
				err = fmt.Errorf("proof for %s does not verify", a)
			}
			errs <- err
		}(a)
	}
	for range addrs {
		require.NoError(t, <-errs)
	}
}

func TestListCommitmentsAndHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for _, id := range []string{"b", "a"} {
		_, err := env.svc.PublishAddresses(ctx, id, testutil.CreateTestAddresses(2))
		require.NoError(t, err)
	}

	list, err := env.svc.ListCommitments(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].CourseID)

	require.NoError(t, env.svc.HealthCheck())
	require.NoError(t, env.store.Close())
	require.Error(t, env.svc.HealthCheck())
}
