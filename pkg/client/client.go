package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/apec-labs/apec-certs-go/pkg/address"
	"github.com/apec-labs/apec-certs-go/pkg/merkle"
	"github.com/apec-labs/apec-certs-go/pkg/types"
)

const DefaultTimeout = 30 * time.Second

// RetryConfig configures retry behavior for rate limited or failing requests
type RetryConfig struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BackoffMultiple float64
}

// DefaultRetryConfig provides default retry settings
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     4,
	InitialBackoff:  200 * time.Millisecond,
	MaxBackoff:      5 * time.Second,
	BackoffMultiple: 2.0,
}

// ClientConfig holds the configuration for the proof server client
type ClientConfig struct {
	BaseURL    string
	Logger     *zap.Logger
	HTTPClient *http.Client

	// Retry defaults to DefaultRetryConfig when nil
	Retry *RetryConfig
}

// Client talks to a running certificate proof server
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *zap.Logger
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// NewClient creates a new client instance
func NewClient(config *ClientConfig) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := url.ParseRequestURI(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}

	retryConfig := DefaultRetryConfig
	if config.Retry != nil {
		retryConfig = *config.Retry
	}
	if retryConfig.MaxAttempts < 1 {
		retryConfig.MaxAttempts = 1
	}

	return &Client{
		baseURL:     strings.TrimRight(config.BaseURL, "/"),
		httpClient:  httpClient,
		retryConfig: retryConfig,
		logger:      config.Logger,
	}, nil
}

// GetCommitment fetches the latest commitment for a course
func (c *Client) GetCommitment(ctx context.Context, courseID string) (*types.Commitment, error) {
	var out types.Commitment
	if err := c.do(ctx, http.MethodGet, "/commitments/"+url.PathEscape(courseID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Publish asks the server to publish a new root. With no addresses the server
// reads the eligible set from its certificate database.
func (c *Client) Publish(ctx context.Context, courseID string, addrs []address.Address) (*types.Commitment, error) {
	var out types.Commitment
	req := &types.PublishRequest{Addresses: addrs}
	if err := c.do(ctx, http.MethodPost, "/commitments/"+url.PathEscape(courseID), req, &out); err != nil {
		return nil, err
	}

	c.logger.Sugar().Infow("Published commitment",
		"course_id", courseID,
		"root", out.Root.Hex(),
		"total", out.Total,
		"version", out.Version,
	)
	return &out, nil
}

// GetProof fetches the claim proof for one claimant
func (c *Client) GetProof(ctx context.Context, courseID string, claimant address.Address, index *int) (*types.ClaimProof, error) {
	var out types.ClaimProof
	req := &types.ProofRequest{CourseID: courseID, Claimant: claimant, Index: index}
	if err := c.do(ctx, http.MethodPost, "/proofs", req, &out); err != nil {
		return nil, err
	}
	if err := checkClaimProof(claimant, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProofs fetches claim proofs for several claimants in one request
func (c *Client) GetProofs(ctx context.Context, courseID string, claimants []address.Address) ([]*types.ClaimProof, error) {
	var out types.BatchProofResponse
	req := &types.BatchProofRequest{CourseID: courseID, Claimants: claimants}
	if err := c.do(ctx, http.MethodPost, "/proofs/batch", req, &out); err != nil {
		return nil, err
	}
	if len(out.Proofs) != len(claimants) {
		return nil, fmt.Errorf("expected %d proofs, got %d", len(claimants), len(out.Proofs))
	}
	for i, p := range out.Proofs {
		if err := checkClaimProof(claimants[i], p); err != nil {
			return nil, fmt.Errorf("proof %d: %w", i, err)
		}
	}
	return out.Proofs, nil
}

// checkClaimProof recomputes the claimant's leaf and folds the returned path up
// to the returned root. The leaf and claimant echoed by the server are not trusted.
func checkClaimProof(claimant address.Address, p *types.ClaimProof) error {
	if p == nil {
		return fmt.Errorf("server returned no proof for %s", claimant)
	}
	if p.Claimant != claimant {
		return fmt.Errorf("server returned a proof for %s, requested %s", p.Claimant, claimant)
	}
	leaf, err := merkle.HashLeaf(claimant.Bytes())
	if err != nil {
		return err
	}
	if types.Hash(leaf) != p.Leaf {
		return fmt.Errorf("server returned leaf %s, claimant hashes to %s", p.Leaf, types.Hash(leaf))
	}
	if !merkle.VerifyProof(leaf, types.RawHashes(p.Proof), [32]byte(p.Root)) {
		return fmt.Errorf("proof for %s does not verify against root %s", claimant, p.Root)
	}
	return nil
}

// Verify asks the server to check a proof against the course's current root.
// A rejected proof is not an error; inspect Valid.
func (c *Client) Verify(ctx context.Context, courseID string, claimant address.Address, proof []types.Hash) (*types.VerifyResponse, error) {
	var out types.VerifyResponse
	req := &types.VerifyRequest{CourseID: courseID, Claimant: claimant, Proof: proof}
	err := c.do(ctx, http.MethodPost, "/verify", req, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
		return &out, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		payload = data
	}

	var lastErr error
	backoff := c.retryConfig.InitialBackoff
	for attempt := 0; attempt < c.retryConfig.MaxAttempts; attempt++ {
		err := c.doOnce(ctx, method, path, payload, out)
		if err == nil || !isRetryable(err) {
			return err
		}
		lastErr = err

		if attempt == c.retryConfig.MaxAttempts-1 {
			break
		}
		c.logger.Sugar().Debugw("Retrying request",
			"method", method,
			"path", path,
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * c.retryConfig.BackoffMultiple)
		if backoff > c.retryConfig.MaxBackoff {
			backoff = c.retryConfig.MaxBackoff
		}
	}
	return fmt.Errorf("%s %s failed after %d attempts: %w", method, path, c.retryConfig.MaxAttempts, lastErr)
}

// isRetryable reports whether a failed request may succeed when sent again.
func isRetryable(err error) bool {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return false
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		// transport failure
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	switch apiErr.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, out interface{}) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &requestError{err: fmt.Errorf("failed to create request: %w", err)}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to contact server: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Sugar().Debugw("Server returned error",
			"method", method,
			"path", path,
			"status_code", resp.StatusCode,
			"body", string(data),
		)

		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var errResp types.ErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			apiErr.Message = errResp.Error
		}
		// 422 from /verify still carries a VerifyResponse body
		if resp.StatusCode == http.StatusUnprocessableEntity && out != nil {
			_ = json.Unmarshal(data, out)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &requestError{err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// requestError marks failures that retrying cannot fix.
type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }
