package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/blobkit/proxy/pkg/apierr"
	"github.com/blobkit/proxy/pkg/executor"
	"github.com/blobkit/proxy/pkg/middleware"
	"github.com/blobkit/proxy/pkg/types"
)

const lockLease = 60 * time.Second

// handleWrite implements the Write Handler's end-to-end job-lifecycle
// orchestration: idempotency check, payment verification, signature
// check, size checks, locked blob execution, escrow settlement with
// queue fallback, and response memoization.
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID := middleware.TraceID(ctx)

	var req types.WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteError(w, apierr.New(apierr.KindInvalidRequest, "malformed request body"))
		return
	}

	// Step 1: idempotency short-circuit. A cache-layer error (including
	// its circuit breaker being Open) must not silently bypass
	// idempotency, so it fails the request rather than falling through.
	cached, err := s.cache.Get(ctx, req.JobID)
	if err != nil {
		s.logger.Printf("trace=%s Cache.Get failed: %v", traceID, err)
		apierr.WriteError(w, apierr.New(apierr.KindNetworkError, "job cache is unavailable").WithStatus(http.StatusServiceUnavailable))
		return
	}
	if cached != nil {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	// Step 2: payment verification.
	verification, err := s.verifier.VerifyJobPayment(ctx, req.JobID, req.PaymentTxHash)
	if err != nil {
		s.logger.Printf("trace=%s VerifyJobPayment failed: %v", traceID, err)
		apierr.WriteError(w, apierr.New(apierr.KindContractError, "failed to verify job payment"))
		return
	}
	if !verification.Valid {
		apierr.WriteError(w, apierr.New(apierr.KindPaymentInvalid, "job payment could not be verified"))
		return
	}
	if verification.Completed {
		apierr.WriteError(w, apierr.New(apierr.KindJobAlreadyCompleted, "job has already been completed"))
		return
	}
	if verification.IsExpired {
		apierr.WriteError(w, apierr.New(apierr.KindJobExpired, "job deposit is older than the escrow's job timeout"))
		return
	}

	// Step 3: decode and verify the payload signature.
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		apierr.WriteError(w, apierr.New(apierr.KindInvalidRequest, "payload must be valid base64"))
		return
	}
	signature, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		apierr.WriteError(w, apierr.New(apierr.KindInvalidRequest, "signature must be valid base64"))
		return
	}
	signer, err := recoverSigner(payload, signature)
	if err != nil || signer != verification.User {
		apierr.WriteError(w, apierr.New(apierr.KindSignatureInvalid, "payload signature does not match the job's recorded user"))
		return
	}

	// Step 4: size checks. The effective bound is the configured maximum
	// or the single-blob capacity, whichever is smaller; a payload the
	// executor could never encode must fail here, not inside ExecuteBlob
	// where it would count against the blob-executor breaker.
	maxPayload := s.cfg.MaxBlobSize
	if maxPayload > executor.MaxPayloadBytes {
		maxPayload = executor.MaxPayloadBytes
	}
	if len(payload) > maxPayload {
		apierr.WriteError(w, apierr.New(apierr.KindBlobTooLarge, "payload exceeds the maximum blob payload size"))
		return
	}
	if len(payload) == 0 {
		apierr.WriteError(w, apierr.New(apierr.KindBlobEmpty, "payload must not be empty"))
		return
	}

	// The deposit must cover the estimated submission cost plus the
	// configured proxy fee.
	cost, err := s.executor.EstimateCost(ctx)
	if err != nil {
		s.logger.Printf("trace=%s EstimateCost failed: %v", traceID, err)
		apierr.WriteError(w, apierr.New(apierr.KindBlobExecutionFailed, "failed to estimate blob submission cost").WithStatus(http.StatusServiceUnavailable))
		return
	}
	required := new(big.Int).Mul(cost, big.NewInt(int64(100+s.cfg.ProxyFeePercent)))
	required.Div(required, big.NewInt(100))
	if verification.Amount == nil || verification.Amount.Cmp(required) < 0 {
		apierr.WriteError(w, apierr.New(apierr.KindPaymentInvalid, "insufficient deposit for estimated blob submission cost"))
		return
	}

	// Step 5: acquire the job lock.
	token, err := s.cache.AcquireLock(ctx, req.JobID, lockLease)
	if err != nil {
		s.logger.Printf("trace=%s AcquireLock failed: %v", traceID, err)
		apierr.WriteError(w, apierr.New(apierr.KindInternalError, "failed to acquire job lock"))
		return
	}
	if token == "" {
		apierr.WriteError(w, apierr.New(apierr.KindJobLocked, "job is already being processed"))
		return
	}
	defer func() {
		if err := s.cache.ReleaseLock(context.Background(), req.JobID, token); err != nil {
			s.logger.Printf("trace=%s ReleaseLock failed: %v", traceID, err)
		}
	}()

	// Step 6: execute the blob transaction, bounded by the job timeout.
	execCtx := ctx
	if s.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
		defer cancel()
	}
	receipt, err := s.executor.ExecuteBlob(execCtx, payload)
	if err != nil {
		s.logger.Printf("trace=%s ExecuteBlob failed: %v", traceID, err)
		apierr.WriteError(w, apierr.New(apierr.KindBlobExecutionFailed, "failed to execute blob transaction").WithStatus(http.StatusServiceUnavailable))
		return
	}

	// Step 7: count the successful executor attempt; request count and
	// latency are recorded by the pipeline's Metrics middleware.
	s.metrics.ExecutorAttemptsTotal.WithLabelValues("success").Inc()

	// Step 8: settle the escrow job, falling back to the completion queue.
	completionTxHash := "pending"
	if txHash, err := s.verifier.CompleteJob(ctx, req.JobID, receipt.BlobTxHash); err != nil {
		s.logger.Printf("trace=%s CompleteJob failed, enqueuing for retry: %v", traceID, err)
		if err := s.queue.Enqueue(ctx, req.JobID, receipt.BlobTxHash); err != nil {
			s.logger.Printf("trace=%s Enqueue failed: %v", traceID, err)
		}
	} else {
		completionTxHash = txHash
	}

	// Step 9: assemble and memoize the response.
	resp := &types.WriteResponse{
		Success:          true,
		JobID:            req.JobID,
		BlobTxHash:       receipt.BlobTxHash,
		BlockNumber:      receipt.BlockNumber,
		BlobHash:         receipt.BlobHash,
		Commitment:       receipt.Commitment,
		Proof:            receipt.Proof,
		BlobIndex:        receipt.BlobIndex,
		CompletionTxHash: completionTxHash,
	}
	if err := s.cache.Set(ctx, req.JobID, resp, 24*time.Hour); err != nil {
		s.logger.Printf("trace=%s Cache.Set failed: %v", traceID, err)
	}

	// Step 10: best-effort callback.
	if req.Meta.CallbackURL != "" {
		go fireCallback(req.Meta.CallbackURL, resp, s.logger)
	}

	// Step 11: release happens via defer; return the response.
	writeJSON(w, http.StatusOK, resp)
}

// recoverSigner recovers the address that produced an Ethereum
// personal-message signature over payload.
func recoverSigner(payload, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, errInvalidSignatureLength
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	hash := accounts.TextHash(payload)
	pubKey, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

var errInvalidSignatureLength = apierr.New(apierr.KindSignatureInvalid, "signature must be 65 bytes")

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
