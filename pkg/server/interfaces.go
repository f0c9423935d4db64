package server

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blobkit/proxy/pkg/types"
)

// Signer exposes the minimal capability the health and address handlers
// need to report the proxy's own address.
type Signer interface {
	Address() common.Address
}

// Verifier is the Payment Verifier surface the write handler and
// job-status handler depend on.
type Verifier interface {
	VerifyJobPayment(ctx context.Context, jobID, paymentTxHash string) (*types.VerificationResult, error)
	CheckJobStatus(ctx context.Context, jobID string) (types.JobStatus, error)
	CompleteJob(ctx context.Context, jobID, blobTxHash string) (string, error)
	JobDetails(ctx context.Context, jobID string) (*types.JobStatusResponse, error)
}

// BlobExecutor is the Blob Executor surface the write handler
// depends on: execution itself, plus the cost estimate used to check
// deposit sufficiency before committing to execution.
type BlobExecutor interface {
	ExecuteBlob(ctx context.Context, payload []byte) (*types.BlobReceipt, error)
	EstimateCost(ctx context.Context) (*big.Int, error)
}

// RPCHealthChecker probes the execution RPC's latest block for
// /health/details. LatestBlock returns the block number and its unix
// timestamp, from which the handler derives blocksLag.
type RPCHealthChecker interface {
	LatestBlock(ctx context.Context) (number uint64, timestamp int64, err error)
}

// Cache is the Job Cache surface the write handler depends on, kept
// narrow and separate from the concrete *cache.Store so write_handler's
// tests can use an in-memory fake.
type Cache interface {
	Get(ctx context.Context, jobID string) (*types.WriteResponse, error)
	Set(ctx context.Context, jobID string, resp *types.WriteResponse, ttl time.Duration) error
	AcquireLock(ctx context.Context, jobID string, ttl time.Duration) (string, error)
	ReleaseLock(ctx context.Context, jobID, token string) error
}

// Queue is the Persistent Completion Queue surface the write handler
// and health handler depend on.
type Queue interface {
	Enqueue(ctx context.Context, jobID, blobTxHash string) error
	Status(ctx context.Context) (int, []types.PendingCompletion, error)
}
