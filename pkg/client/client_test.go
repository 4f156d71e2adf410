package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/apec-labs/apec-certs-go/pkg/address"
	"github.com/apec-labs/apec-certs-go/pkg/commitment"
	"github.com/apec-labs/apec-certs-go/pkg/eligibility/static"
	"github.com/apec-labs/apec-certs-go/pkg/merkle"
	"github.com/apec-labs/apec-certs-go/pkg/metrics"
	"github.com/apec-labs/apec-certs-go/pkg/persistence/memory"
	"github.com/apec-labs/apec-certs-go/pkg/server"
	"github.com/apec-labs/apec-certs-go/pkg/testutil"
	"github.com/apec-labs/apec-certs-go/pkg/types"
)

func TestNewClient_ValidationErrors(t *testing.T) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	tests := []struct {
		name        string
		config      *ClientConfig
		expectedErr string
	}{
		{
			name:        "nil config",
			config:      nil,
			expectedErr: "config cannot be nil",
		},
		{
			name:        "empty base URL",
			config:      &ClientConfig{Logger: logger},
			expectedErr: "base URL is required",
		},
		{
			name:        "relative base URL",
			config:      &ClientConfig{BaseURL: "localhost", Logger: logger},
			expectedErr: "invalid base URL",
		},
		{
			name:        "nil logger",
			config:      &ClientConfig{BaseURL: "http://localhost:8080"},
			expectedErr: "logger is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.config)
			assert.Nil(t, client)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectedErr)
		})
	}
}

func newTestClient(t *testing.T) (*Client, *static.StaticLeafSource) {
	t.Helper()

	logger := zap.NewNop()
	source := static.NewStaticLeafSource()
	m := metrics.NewMetrics()
	svc := commitment.NewService(nil, memory.NewMemoryPersistence(), source, m, logger)
	srv := server.NewServer(&server.Config{}, svc, m, logger)

	ts := httptest.NewServer(srv.GetHandler())
	t.Cleanup(ts.Close)

	c, err := NewClient(&ClientConfig{BaseURL: ts.URL + "/", Logger: logger})
	require.NoError(t, err)
	return c, source
}

func TestClient_RoundTrip(t *testing.T) {
	c, source := newTestClient(t)
	ctx := context.Background()
	addrs := testutil.CreateTestAddresses(6)

	published, err := c.Publish(ctx, "course-1", addrs)
	require.NoError(t, err)
	assert.Equal(t, 6, published.Total)

	fetched, err := c.GetCommitment(ctx, "course-1")
	require.NoError(t, err)
	assert.Equal(t, published.Root, fetched.Root)

	proof, err := c.GetProof(ctx, "course-1", addrs[3], nil)
	require.NoError(t, err)
	assert.Equal(t, published.Root, proof.Root)

	resp, err := c.Verify(ctx, "course-1", addrs[3], proof.Proof)
	require.NoError(t, err)
	assert.True(t, resp.Valid)

	resp, err = c.Verify(ctx, "course-1", addrs[4], proof.Proof)
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.Equal(t, published.Root, resp.Root)

	proofs, err := c.GetProofs(ctx, "course-1", addrs[:3])
	require.NoError(t, err)
	require.Len(t, proofs, 3)

	source.SetCourse("course-2", addrs[:2])
	fromSource, err := c.Publish(ctx, "course-2", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, fromSource.Total)
}

func TestClient_Errors(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.GetCommitment(ctx, "missing")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "no commitment published")

	_, err = c.GetProof(ctx, "missing", testutil.CreateTestAddresses(1)[0], nil)
	require.Error(t, err)
}

func TestClient_RetriesRateLimitedRequests(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"courseId":"course-1","total":2,"version":1}`))
	}))
	t.Cleanup(ts.Close)

	c, err := NewClient(&ClientConfig{
		BaseURL: ts.URL,
		Logger:  zap.NewNop(),
		Retry: &RetryConfig{
			MaxAttempts:     3,
			InitialBackoff:  time.Millisecond,
			MaxBackoff:      5 * time.Millisecond,
			BackoffMultiple: 2,
		},
	})
	require.NoError(t, err)

	got, err := c.GetCommitment(context.Background(), "course-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Total)
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(-10)
	_, err = c.GetCommitment(context.Background(), "course-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"claimant is required"}`))
	}))
	t.Cleanup(ts.Close)

	c, err := NewClient(&ClientConfig{BaseURL: ts.URL, Logger: zap.NewNop()})
	require.NoError(t, err)

	_, err = c.GetCommitment(context.Background(), "course-1")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

// memberProof builds the genuine proof for addrs[i] against the tree over addrs.
func memberProof(t *testing.T, addrs []address.Address, i int) *types.ClaimProof {
	t.Helper()

	tree, err := merkle.BuildMerkleTree(address.LeafInputs(addrs))
	require.NoError(t, err)
	p, err := tree.GenerateProof(i)
	require.NoError(t, err)

	return &types.ClaimProof{
		CourseID:  "course-1",
		Claimant:  addrs[i],
		LeafIndex: i,
		Leaf:      types.Hash(p.Leaf),
		Proof:     types.HashesFrom(p.Proof),
		Root:      types.Hash(tree.Root),
		Version:   1,
	}
}

// newFixedResponseClient serves body for every request.
func newFixedResponseClient(t *testing.T, body interface{}) *Client {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(ts.Close)

	c, err := NewClient(&ClientConfig{BaseURL: ts.URL, Logger: zap.NewNop()})
	require.NoError(t, err)
	return c
}

func TestClient_GetProofRejectsOtherMembersProof(t *testing.T) {
	addrs := testutil.CreateTestAddresses(5)
	outsider := testutil.CreateOutsider(1)
	ctx := context.Background()

	t.Run("proof for another claimant", func(t *testing.T) {
		c := newFixedResponseClient(t, memberProof(t, addrs, 0))

		_, err := c.GetProof(ctx, "course-1", outsider, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "requested "+outsider.String())

		// the genuine member still gets its proof
		proof, err := c.GetProof(ctx, "course-1", addrs[0], nil)
		require.NoError(t, err)
		assert.Equal(t, addrs[0], proof.Claimant)
	})

	t.Run("claimant relabelled", func(t *testing.T) {
		forged := memberProof(t, addrs, 0)
		forged.Claimant = outsider
		c := newFixedResponseClient(t, forged)

		_, err := c.GetProof(ctx, "course-1", outsider, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "claimant hashes to")
	})

	t.Run("leaf and claimant relabelled", func(t *testing.T) {
		forged := memberProof(t, addrs, 0)
		leaf, err := merkle.HashLeaf(outsider.Bytes())
		require.NoError(t, err)
		forged.Claimant = outsider
		forged.Leaf = types.Hash(leaf)
		c := newFixedResponseClient(t, forged)

		_, err = c.GetProof(ctx, "course-1", outsider, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not verify")
	})
}

func TestClient_GetProofsChecksEveryEntry(t *testing.T) {
	addrs := testutil.CreateTestAddresses(5)
	ctx := context.Background()

	swapped := &types.BatchProofResponse{Proofs: []*types.ClaimProof{
		memberProof(t, addrs, 2),
		memberProof(t, addrs, 1),
	}}
	c := newFixedResponseClient(t, swapped)

	_, err := c.GetProofs(ctx, "course-1", []address.Address{addrs[1], addrs[2]})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "proof 0")

	proofs, err := c.GetProofs(ctx, "course-1", []address.Address{addrs[2], addrs[1]})
	require.NoError(t, err)
	require.Len(t, proofs, 2)
}
