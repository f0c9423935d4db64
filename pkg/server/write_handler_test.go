package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/blobkit/proxy/pkg/apierr"
	"github.com/blobkit/proxy/pkg/config"
	"github.com/blobkit/proxy/pkg/executor"
	"github.com/blobkit/proxy/pkg/metrics"
	"github.com/blobkit/proxy/pkg/types"
)

// ============================================================================
// Fakes: in-memory collaborators standing in for *cache.Store, *queue.Queue,
// the Verifier, and the BlobExecutor.
// ============================================================================

type fakeCache struct {
	stored     map[string]*types.WriteResponse
	getErr     error
	locked     map[string]string
	acquireErr error
	releaseErr error
	setErr     error
	lockDenied bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{stored: map[string]*types.WriteResponse{}, locked: map[string]string{}}
}

func (f *fakeCache) Get(ctx context.Context, jobID string) (*types.WriteResponse, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.stored[jobID], nil
}

func (f *fakeCache) Set(ctx context.Context, jobID string, resp *types.WriteResponse, ttl time.Duration) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.stored[jobID] = resp
	return nil
}

func (f *fakeCache) AcquireLock(ctx context.Context, jobID string, ttl time.Duration) (string, error) {
	if f.acquireErr != nil {
		return "", f.acquireErr
	}
	if f.lockDenied {
		return "", nil
	}
	f.locked[jobID] = "token"
	return "token", nil
}

func (f *fakeCache) ReleaseLock(ctx context.Context, jobID, token string) error {
	if f.releaseErr != nil {
		return f.releaseErr
	}
	delete(f.locked, jobID)
	return nil
}

type fakeQueue struct {
	enqueued   []string
	enqueueErr error
}

func (f *fakeQueue) Enqueue(ctx context.Context, jobID, blobTxHash string) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.enqueued = append(f.enqueued, jobID)
	return nil
}

func (f *fakeQueue) Status(ctx context.Context) (int, []types.PendingCompletion, error) {
	return len(f.enqueued), nil, nil
}

type fakeVerifier struct {
	result     *types.VerificationResult
	verifyErr  error
	completeFn func(jobID, blobTxHash string) (string, error)
}

func (f *fakeVerifier) VerifyJobPayment(ctx context.Context, jobID, paymentTxHash string) (*types.VerificationResult, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return f.result, nil
}

func (f *fakeVerifier) CheckJobStatus(ctx context.Context, jobID string) (types.JobStatus, error) {
	return types.JobStatus{}, nil
}

func (f *fakeVerifier) CompleteJob(ctx context.Context, jobID, blobTxHash string) (string, error) {
	if f.completeFn != nil {
		return f.completeFn(jobID, blobTxHash)
	}
	return "0xsettlement", nil
}

func (f *fakeVerifier) JobDetails(ctx context.Context, jobID string) (*types.JobStatusResponse, error) {
	return &types.JobStatusResponse{}, nil
}

type fakeExecutor struct {
	receipt     *types.BlobReceipt
	executeErr  error
	executed    bool
	estimate    *big.Int
	estimateErr error
}

func (f *fakeExecutor) ExecuteBlob(ctx context.Context, payload []byte) (*types.BlobReceipt, error) {
	f.executed = true
	if f.executeErr != nil {
		return nil, f.executeErr
	}
	return f.receipt, nil
}

func (f *fakeExecutor) EstimateCost(ctx context.Context) (*big.Int, error) {
	if f.estimateErr != nil {
		return nil, f.estimateErr
	}
	if f.estimate == nil {
		return big.NewInt(1), nil
	}
	return f.estimate, nil
}

// ============================================================================
// Test harness
// ============================================================================

type writeHandlerHarness struct {
	srv      *Server
	cache    *fakeCache
	queue    *fakeQueue
	verifier *fakeVerifier
	executor *fakeExecutor
}

func newWriteHandlerHarness(user common.Address) *writeHandlerHarness {
	h := &writeHandlerHarness{
		cache: newFakeCache(),
		queue: &fakeQueue{},
		verifier: &fakeVerifier{result: &types.VerificationResult{
			Valid:     true,
			Exists:    true,
			Completed: false,
			User:      user,
			Amount:    big.NewInt(1),
		}},
		executor: &fakeExecutor{receipt: &types.BlobReceipt{
			BlobTxHash:  "0xblobtx",
			BlockNumber: 42,
			BlobHash:    "0xblobhash",
			Commitment:  "0xcommitment",
			Proof:       "0xproof",
			BlobIndex:   0,
		}},
	}
	h.srv = &Server{
		cfg:      &config.Config{MaxBlobSize: 131072},
		verifier: h.verifier,
		executor: h.executor,
		cache:    h.cache,
		queue:    h.queue,
		metrics:  metrics.New(),
		logger:   log.New(log.Writer(), "[test] ", 0),
	}
	return h
}

func postWrite(srv *Server, req types.WriteRequest) *httptest.ResponseRecorder {
	body, _ := json.Marshal(req)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/blob/write", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	srv.handleWrite(rr, r)
	return rr
}

func decodeErrorEnvelope(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return body.Error
}

// ============================================================================
// Write Handler Tests
// ============================================================================

func TestHandleWrite_IdempotencyHitReturnsCachedResponse(t *testing.T) {
	priv, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(priv.PublicKey)
	h := newWriteHandlerHarness(addr)
	h.cache.stored["job-1"] = &types.WriteResponse{Success: true, JobID: "job-1", BlobTxHash: "0xcached"}
	// Verification would fail if reached, so a 200 proves it was skipped.
	h.verifier.verifyErr = errors.New("verifier must not be called")

	rr := postWrite(h.srv, types.WriteRequest{JobID: "job-1"})

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp types.WriteResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.BlobTxHash != "0xcached" {
		t.Errorf("expected cached response returned verbatim, got %+v", resp)
	}
	if h.executor.executed || len(h.queue.enqueued) != 0 {
		t.Error("expected idempotency hit to short-circuit before verification or settlement")
	}
}

func TestHandleWrite_CacheErrorReturns503(t *testing.T) {
	priv, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(priv.PublicKey)
	h := newWriteHandlerHarness(addr)
	h.cache.getErr = errors.New("redis unavailable")

	rr := postWrite(h.srv, types.WriteRequest{JobID: "job-2"})

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rr.Code)
	}
	if got := decodeErrorEnvelope(t, rr); got != string(apierr.KindNetworkError) {
		t.Errorf("expected NETWORK_ERROR, got %s", got)
	}
}

func TestHandleWrite_PaymentInvalidReturns400(t *testing.T) {
	priv, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(priv.PublicKey)
	h := newWriteHandlerHarness(addr)
	h.verifier.result.Valid = false

	rr := postWrite(h.srv, types.WriteRequest{JobID: "job-3"})

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
	if got := decodeErrorEnvelope(t, rr); got != string(apierr.KindPaymentInvalid) {
		t.Errorf("expected PAYMENT_INVALID, got %s", got)
	}
}

func TestHandleWrite_JobAlreadyCompletedReturns404(t *testing.T) {
	priv, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(priv.PublicKey)
	h := newWriteHandlerHarness(addr)
	h.verifier.result.Completed = true

	rr := postWrite(h.srv, types.WriteRequest{JobID: "job-4"})

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
	if got := decodeErrorEnvelope(t, rr); got != string(apierr.KindJobAlreadyCompleted) {
		t.Errorf("expected JOB_ALREADY_COMPLETED, got %s", got)
	}
}

func TestHandleWrite_ExpiredJobReturns400(t *testing.T) {
	priv, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(priv.PublicKey)
	h := newWriteHandlerHarness(addr)
	h.verifier.result.IsExpired = true

	rr := postWrite(h.srv, types.WriteRequest{JobID: "job-expired"})

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
	if got := decodeErrorEnvelope(t, rr); got != string(apierr.KindJobExpired) {
		t.Errorf("expected JOB_EXPIRED, got %s", got)
	}
}

func TestHandleWrite_SignatureMismatchReturns400(t *testing.T) {
	signerKey, _ := crypto.GenerateKey()
	otherKey, _ := crypto.GenerateKey()
	signerAddr := crypto.PubkeyToAddress(signerKey.PublicKey)
	h := newWriteHandlerHarness(signerAddr)

	payload := []byte("blob payload")
	hash := accounts.TextHash(payload)
	sig, err := crypto.Sign(hash, otherKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	req := types.WriteRequest{
		JobID:     "job-5",
		Payload:   base64.StdEncoding.EncodeToString(payload),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
	rr := postWrite(h.srv, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
	if got := decodeErrorEnvelope(t, rr); got != string(apierr.KindSignatureInvalid) {
		t.Errorf("expected SIGNATURE_INVALID, got %s", got)
	}
}

func TestHandleWrite_BlobTooLargeReturns400(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)
	h := newWriteHandlerHarness(addr)
	h.srv.cfg.MaxBlobSize = 4

	payload := []byte("this payload is definitely too large")
	hash := accounts.TextHash(payload)
	sig, _ := crypto.Sign(hash, key)

	req := types.WriteRequest{
		JobID:     "job-6",
		Payload:   base64.StdEncoding.EncodeToString(payload),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
	rr := postWrite(h.srv, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
	if got := decodeErrorEnvelope(t, rr); got != string(apierr.KindBlobTooLarge) {
		t.Errorf("expected BLOB_TOO_LARGE, got %s", got)
	}
}

func TestHandleWrite_PayloadOverBlobCapacityReturns400(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)
	h := newWriteHandlerHarness(addr)

	// Within the configured max (131072) but over what a single blob can
	// actually carry (4096 x 31 bytes).
	payload := make([]byte, executor.MaxPayloadBytes+1)
	hash := accounts.TextHash(payload)
	sig, _ := crypto.Sign(hash, key)

	req := types.WriteRequest{
		JobID:     "job-capacity",
		Payload:   base64.StdEncoding.EncodeToString(payload),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
	rr := postWrite(h.srv, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
	if got := decodeErrorEnvelope(t, rr); got != string(apierr.KindBlobTooLarge) {
		t.Errorf("expected BLOB_TOO_LARGE, got %s", got)
	}
	if h.executor.executed {
		t.Error("expected an over-capacity payload to be rejected before executor invocation")
	}
}

func TestHandleWrite_InsufficientDepositReturns400(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)
	h := newWriteHandlerHarness(addr)
	h.verifier.result.Amount = big.NewInt(1e13)
	h.executor.estimate = big.NewInt(2e13)

	payload := []byte("blob payload")
	hash := accounts.TextHash(payload)
	sig, _ := crypto.Sign(hash, key)

	req := types.WriteRequest{
		JobID:     "job-underfunded",
		Payload:   base64.StdEncoding.EncodeToString(payload),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
	rr := postWrite(h.srv, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
	if got := decodeErrorEnvelope(t, rr); got != string(apierr.KindPaymentInvalid) {
		t.Errorf("expected PAYMENT_INVALID, got %s", got)
	}
	if !strings.Contains(rr.Body.String(), "insufficient") {
		t.Errorf("expected message to mention insufficient deposit, got %s", rr.Body.String())
	}
	if h.executor.executed {
		t.Error("expected an underfunded job to be rejected before executor invocation")
	}
}

func TestHandleWrite_DepositCoversCostPlusProxyFee(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)
	h := newWriteHandlerHarness(addr)
	h.srv.cfg.ProxyFeePercent = 10
	h.executor.estimate = big.NewInt(100)

	payload := []byte("blob payload")
	hash := accounts.TextHash(payload)
	sig, _ := crypto.Sign(hash, key)

	req := types.WriteRequest{
		JobID:     "job-fee-margin",
		Payload:   base64.StdEncoding.EncodeToString(payload),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}

	// 100 covers the raw estimate but not the 10% proxy fee on top.
	h.verifier.result.Amount = big.NewInt(100)
	rr := postWrite(h.srv, req)
	if got := decodeErrorEnvelope(t, rr); rr.Code != http.StatusBadRequest || got != string(apierr.KindPaymentInvalid) {
		t.Errorf("expected 400 PAYMENT_INVALID below cost+fee, got %d %s", rr.Code, got)
	}

	h.verifier.result.Amount = big.NewInt(110)
	rr = postWrite(h.srv, req)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 at cost+fee, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestHandleWrite_EmptyPayloadReturns400(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)
	h := newWriteHandlerHarness(addr)

	payload := []byte{}
	hash := accounts.TextHash(payload)
	sig, _ := crypto.Sign(hash, key)

	req := types.WriteRequest{
		JobID:     "job-7",
		Payload:   base64.StdEncoding.EncodeToString(payload),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
	rr := postWrite(h.srv, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
	if got := decodeErrorEnvelope(t, rr); got != string(apierr.KindBlobEmpty) {
		t.Errorf("expected BLOB_EMPTY, got %s", got)
	}
}

func TestHandleWrite_LockContentionReturns425(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)
	h := newWriteHandlerHarness(addr)
	h.cache.lockDenied = true

	payload := []byte("blob payload")
	hash := accounts.TextHash(payload)
	sig, _ := crypto.Sign(hash, key)

	req := types.WriteRequest{
		JobID:     "job-8",
		Payload:   base64.StdEncoding.EncodeToString(payload),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
	rr := postWrite(h.srv, req)

	if rr.Code != apierr.StatusTooEarly {
		t.Errorf("expected %d, got %d", apierr.StatusTooEarly, rr.Code)
	}
	if got := decodeErrorEnvelope(t, rr); got != string(apierr.KindJobLocked) {
		t.Errorf("expected JOB_LOCKED, got %s", got)
	}
}

func TestHandleWrite_ExecutorFailureReturns503AndReleasesLock(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)
	h := newWriteHandlerHarness(addr)
	h.executor.executeErr = errors.New("rpc timeout")

	payload := []byte("blob payload")
	hash := accounts.TextHash(payload)
	sig, _ := crypto.Sign(hash, key)

	req := types.WriteRequest{
		JobID:     "job-9",
		Payload:   base64.StdEncoding.EncodeToString(payload),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
	rr := postWrite(h.srv, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rr.Code)
	}
	if got := decodeErrorEnvelope(t, rr); got != string(apierr.KindBlobExecutionFailed) {
		t.Errorf("expected BLOB_EXECUTION_FAILED, got %s", got)
	}
	if _, held := h.cache.locked["job-9"]; held {
		t.Error("expected the job lock to be released after executor failure")
	}
}

func TestHandleWrite_CompleteJobFailureFallsBackToQueue(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)
	h := newWriteHandlerHarness(addr)
	h.verifier.completeFn = func(jobID, blobTxHash string) (string, error) {
		return "", errors.New("escrow contract call reverted")
	}

	payload := []byte("blob payload")
	hash := accounts.TextHash(payload)
	sig, _ := crypto.Sign(hash, key)

	req := types.WriteRequest{
		JobID:     "job-10",
		Payload:   base64.StdEncoding.EncodeToString(payload),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
	rr := postWrite(h.srv, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 despite settlement failure, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(h.queue.enqueued) != 1 || h.queue.enqueued[0] != "job-10" {
		t.Errorf("expected job-10 enqueued for retry, got %v", h.queue.enqueued)
	}
	var resp types.WriteResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CompletionTxHash != "pending" {
		t.Errorf("expected completionTxHash=pending, got %s", resp.CompletionTxHash)
	}
}

func TestHandleWrite_SuccessWritesThroughAndMemoizes(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)
	h := newWriteHandlerHarness(addr)

	payload := []byte("blob payload")
	hash := accounts.TextHash(payload)
	sig, _ := crypto.Sign(hash, key)

	req := types.WriteRequest{
		JobID:     "job-11",
		Payload:   base64.StdEncoding.EncodeToString(payload),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
	rr := postWrite(h.srv, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp types.WriteResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.BlobTxHash != "0xblobtx" || resp.CompletionTxHash != "0xsettlement" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if h.cache.stored["job-11"] == nil {
		t.Error("expected the successful response to be memoized in the cache")
	}
	if _, held := h.cache.locked["job-11"]; held {
		t.Error("expected the job lock to be released after success")
	}
}

func TestHandleWrite_MalformedBodyReturns400(t *testing.T) {
	h := newWriteHandlerHarness(common.Address{})
	r := httptest.NewRequest(http.MethodPost, "/api/v1/blob/write", bytes.NewReader([]byte("not json")))
	rr := httptest.NewRecorder()
	h.srv.handleWrite(rr, r)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}
