// Package verifier implements the Payment Verifier: the escrow-facing
// read/write surface the write handler and the completion queue both
// depend on, wrapping pkg/escrow with breaker-guarded, string/byte
// friendly operations.
package verifier

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/blobkit/proxy/pkg/breaker"
	"github.com/blobkit/proxy/pkg/escrow"
	"github.com/blobkit/proxy/pkg/types"
)

// Signer is the narrow capability the verifier needs to settle jobs.
type Signer interface {
	escrow.Signer
}

// Verifier wraps the escrow contract with breaker-guarded read/write
// operations.
type Verifier struct {
	client   *ethclient.Client
	contract *escrow.Contract
	breaker  *breaker.Breaker
	signer   Signer
	timeout  *big.Int // cached jobTimeout, fetched lazily
}

// New constructs a Verifier bound to a single escrow contract instance
// and the process's configured signer.
func New(client *ethclient.Client, contract *escrow.Contract, br *breaker.Breaker, signer Signer) *Verifier {
	return &Verifier{client: client, contract: contract, breaker: br, signer: signer}
}

func hexToJobID(jobID string) ([32]byte, error) {
	var out [32]byte
	b := common.FromHex(jobID)
	if len(b) != 32 {
		return out, fmt.Errorf("jobId must decode to 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// VerifyJobPayment reads the escrow's jobs[jobId] view plus the deposit
// receipt and reports whether the payment is valid.
func (v *Verifier) VerifyJobPayment(ctx context.Context, jobID, paymentTxHash string) (*types.VerificationResult, error) {
	if !v.breaker.Allow() {
		return nil, fmt.Errorf("escrow-contract breaker open")
	}

	id, err := hexToJobID(jobID)
	if err != nil {
		v.breaker.RecordFailure()
		return nil, err
	}

	details, err := v.contract.GetJobDetails(ctx, id)
	if err != nil {
		v.breaker.RecordFailure()
		return nil, fmt.Errorf("get job details: %w", err)
	}
	v.breaker.RecordSuccess()

	result := &types.VerificationResult{
		Exists:    details.Amount != nil && details.Amount.Sign() > 0,
		Completed: details.Completed,
		User:      details.User,
		Amount:    details.Amount,
	}

	jobTimeout, err := v.jobTimeout(ctx)
	if err == nil && details.Timestamp != nil {
		result.IsExpired = escrow.Age(details.Timestamp).Seconds() > float64(jobTimeout.Int64())
	}

	if !result.Exists {
		result.Valid = false
		return result, nil
	}

	depositOK, err := escrow.DepositReceiptStatus(ctx, v.client, common.HexToHash(paymentTxHash))
	if err != nil {
		v.breaker.RecordFailure()
		return nil, fmt.Errorf("check deposit receipt: %w", err)
	}

	result.Valid = depositOK && details.Amount != nil && details.Amount.Sign() > 0
	return result, nil
}

// CheckJobStatus is the lighter variant used by the retry queue.
func (v *Verifier) CheckJobStatus(ctx context.Context, jobID string) (types.JobStatus, error) {
	if !v.breaker.Allow() {
		return types.JobStatus{}, fmt.Errorf("escrow-contract breaker open")
	}

	id, err := hexToJobID(jobID)
	if err != nil {
		v.breaker.RecordFailure()
		return types.JobStatus{}, err
	}

	details, err := v.contract.GetJobDetails(ctx, id)
	if err != nil {
		v.breaker.RecordFailure()
		return types.JobStatus{}, fmt.Errorf("get job details: %w", err)
	}
	v.breaker.RecordSuccess()

	status := types.JobStatus{
		Exists:    details.Amount != nil && details.Amount.Sign() > 0,
		Completed: details.Completed,
	}
	status.Valid = status.Exists

	jobTimeout, err := v.jobTimeout(ctx)
	if err == nil && details.Timestamp != nil {
		status.IsExpired = escrow.Age(details.Timestamp).Seconds() > float64(jobTimeout.Int64())
	}
	return status, nil
}

// JobDetails reads the escrow's raw jobs[jobId] view for GET
// /api/v1/job/:jobId, a lighter read than VerifyJobPayment that does
// not require a payment transaction hash.
func (v *Verifier) JobDetails(ctx context.Context, jobID string) (*types.JobStatusResponse, error) {
	if !v.breaker.Allow() {
		return nil, fmt.Errorf("escrow-contract breaker open")
	}

	id, err := hexToJobID(jobID)
	if err != nil {
		v.breaker.RecordFailure()
		return nil, err
	}

	details, err := v.contract.GetJobDetails(ctx, id)
	if err != nil {
		v.breaker.RecordFailure()
		return nil, fmt.Errorf("get job details: %w", err)
	}
	v.breaker.RecordSuccess()

	exists := details.Amount != nil && details.Amount.Sign() > 0
	resp := &types.JobStatusResponse{
		Exists:    exists,
		Completed: details.Completed,
	}
	if exists {
		resp.User = details.User.Hex()
		resp.Amount = details.Amount
		if details.Timestamp != nil {
			resp.Timestamp = details.Timestamp.Int64()
		}
		if details.BlobTxHash != (common.Hash{}) {
			resp.BlobTxHash = details.BlobTxHash.Hex()
		}
	}
	return resp, nil
}

// CompleteJob sends the escrow's completeJob call signed by the
// process's configured signer and returns the completion transaction
// hash.
func (v *Verifier) CompleteJob(ctx context.Context, jobID, blobTxHash string) (string, error) {
	if !v.breaker.Allow() {
		return "", fmt.Errorf("escrow-contract breaker open")
	}

	id, err := hexToJobID(jobID)
	if err != nil {
		v.breaker.RecordFailure()
		return "", err
	}
	var blobHash [32]byte
	copy(blobHash[:], common.FromHex(blobTxHash))

	hash, err := v.contract.CompleteJob(ctx, id, blobHash, v.signer)
	if err != nil {
		v.breaker.RecordFailure()
		return "", fmt.Errorf("complete job: %w", err)
	}
	v.breaker.RecordSuccess()
	return hash.Hex(), nil
}

func (v *Verifier) jobTimeout(ctx context.Context) (*big.Int, error) {
	if v.timeout != nil {
		return v.timeout, nil
	}
	t, err := v.contract.GetJobTimeout(ctx)
	if err != nil {
		return nil, err
	}
	v.timeout = t
	return t, nil
}
