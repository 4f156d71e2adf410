package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/apec-labs/apec-certs-go/pkg/commitment"
	"github.com/apec-labs/apec-certs-go/pkg/eligibility"
	"github.com/apec-labs/apec-certs-go/pkg/merkle"
	"github.com/apec-labs/apec-certs-go/pkg/persistence"
	"github.com/apec-labs/apec-certs-go/pkg/types"
)

// maxBodyBytes bounds request bodies; a full publish of 100k addresses fits.
const maxBodyBytes = 8 << 20

// handleCommitment handles GET and POST on /commitments/{courseID}
func (s *Server) handleCommitment(w http.ResponseWriter, r *http.Request) {
	courseID := strings.TrimSpace(r.PathValue("courseID"))

	switch r.Method {
	case http.MethodGet:
		c, err := s.service.GetCommitment(r.Context(), courseID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, c)

	case http.MethodPost:
		var req types.PublishRequest
		if err := decodeBody(r, &req, true); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Failed to parse request: %v", err))
			return
		}

		var (
			c   *types.Commitment
			err error
		)
		if len(req.Addresses) > 0 {
			c, err = s.service.PublishAddresses(r.Context(), courseID, req.Addresses)
		} else {
			c, err = s.service.Publish(r.Context(), courseID)
		}
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, c)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleListCommitments handles GET /commitments
func (s *Server) handleListCommitments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	list, err := s.service.ListCommitments(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []*types.Commitment{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleFreshness handles GET /commitments/{courseID}/freshness
func (s *Server) handleFreshness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c, err := s.service.CheckFreshness(r.Context(), strings.TrimSpace(r.PathValue("courseID")))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleProof handles POST /proofs
func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req types.ProofRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Failed to parse request: %v", err))
		return
	}
	if req.Claimant.IsZero() {
		writeError(w, http.StatusBadRequest, "claimant is required")
		return
	}

	proof, err := s.service.Prove(r.Context(), req.CourseID, req.Claimant, req.Index)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

// handleBatchProof handles POST /proofs/batch
func (s *Server) handleBatchProof(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req types.BatchProofRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Failed to parse request: %v", err))
		return
	}
	if len(req.Claimants) == 0 {
		writeError(w, http.StatusBadRequest, "claimants is required")
		return
	}
	if len(req.Claimants) > MaxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d claimants per batch, got %d", MaxBatchSize, len(req.Claimants)))
		return
	}

	proofs, err := s.service.ProveBatch(r.Context(), req.CourseID, req.Claimants)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.BatchProofResponse{Proofs: proofs})
}

// handleVerify handles POST /verify. A rejected proof is answered with 422 and
// a body carrying valid=false plus the root it was checked against.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req types.VerifyRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Failed to parse request: %v", err))
		return
	}
	if req.Claimant.IsZero() {
		writeError(w, http.StatusBadRequest, "claimant is required")
		return
	}

	c, err := s.service.Verify(r.Context(), req.CourseID, req.Claimant, types.RawHashes(req.Proof))
	if err != nil && !errors.Is(err, merkle.ErrVerificationMismatch) {
		s.writeServiceError(w, r, err)
		return
	}

	resp := types.VerifyResponse{
		Valid:   err == nil,
		Root:    c.Root,
		Version: c.Version,
	}
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHealth handles GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.service.HealthCheck(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusForError maps service errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, commitment.ErrInvalidCourseID),
		errors.Is(err, merkle.ErrEmptyLeafSet),
		errors.Is(err, merkle.ErrInvalidLeafLength):
		return http.StatusBadRequest
	case errors.Is(err, commitment.ErrCommitmentNotFound),
		errors.Is(err, eligibility.ErrCourseNotFound),
		errors.Is(err, merkle.ErrLeafNotFound):
		return http.StatusNotFound
	case errors.Is(err, commitment.ErrStaleCommitment),
		errors.Is(err, persistence.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, merkle.ErrVerificationMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, commitment.ErrNoLeafSource):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError && status != http.StatusNotImplemented {
		s.logger.Sugar().Errorw("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	s.logger.Sugar().Debugw("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	writeError(w, status, err.Error())
}

// decodeBody decodes a JSON body into v. With allowEmpty an absent body leaves v untouched.
func decodeBody(r *http.Request, v interface{}, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg})
}
