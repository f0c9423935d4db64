// Package types holds the shared data contracts passed between the proxy's
// components: the job lifecycle entities from the escrow/blob domain and the
// wire shapes of the write/status/health endpoints.
package types

import "math/big"

// BlobMeta carries the optional, loosely-typed fields a client may attach to
// a write request. Unknown top-level fields are rejected by the body
// validator when request signing is in effect, so this struct is explicit
// about every recognized field and keeps anything else out of the signed
// envelope.
type BlobMeta struct {
	AppID       string            `json:"appId,omitempty"`
	Codec       string            `json:"codec,omitempty"`
	ContentHash string            `json:"contentHash,omitempty"`
	TTLBlocks   uint64            `json:"ttlBlocks,omitempty"`
	Timestamp   int64             `json:"timestamp,omitempty"`
	Filename    string            `json:"filename,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	CallbackURL string            `json:"callbackUrl,omitempty"`
	Extra       map[string]string `json:"-"`
}

// WriteRequest is the decoded body of POST /api/v1/blob/write.
type WriteRequest struct {
	JobID         string   `json:"jobId"`
	PaymentTxHash string   `json:"paymentTxHash"`
	Payload       string   `json:"payload"`
	Signature     string   `json:"signature"`
	Meta          BlobMeta `json:"meta"`
	Timestamp     int64    `json:"timestamp"`
}

// WriteResponse is the memoized, terminal response for a jobId. Once written
// to the Job Cache it is immutable and returned byte-identical on replay.
type WriteResponse struct {
	Success          bool   `json:"success"`
	JobID            string `json:"jobId"`
	BlobTxHash       string `json:"blobTxHash"`
	BlockNumber      uint64 `json:"blockNumber"`
	BlobHash         string `json:"blobHash"`
	Commitment       string `json:"commitment"`
	Proof            string `json:"proof"`
	BlobIndex        int    `json:"blobIndex"`
	CompletionTxHash string `json:"completionTxHash"`
}

// JobStatusResponse is the body of GET /api/v1/job/:jobId.
type JobStatusResponse struct {
	Exists      bool     `json:"exists"`
	Completed   bool     `json:"completed"`
	User        string   `json:"user,omitempty"`
	Amount      *big.Int `json:"amount,omitempty"`
	Timestamp   int64    `json:"timestamp,omitempty"`
	BlobTxHash  string   `json:"blobTxHash,omitempty"`
}

// Job is the unit of work moved from received to settled. User and
// completion state are established by the escrow, never trusted from the
// request body.
type Job struct {
	JobID         [32]byte
	User          [20]byte
	PaymentTxHash [32]byte
	Amount        *big.Int
	Timestamp     int64
	Completed     bool
	BlobTxHash    [32]byte
	Payload       []byte
	Signature     []byte
	Meta          BlobMeta
}

// BlobReceipt is what the Blob Executor returns for a successfully landed
// blob transaction.
type BlobReceipt struct {
	BlobTxHash  string
	BlockNumber uint64
	BlobHash    string
	Commitment  string
	Proof       string
	BlobIndex   int
}

// VerificationResult is the outcome of VerifyJobPayment.
type VerificationResult struct {
	Valid     bool
	Exists    bool
	Completed bool
	User      [20]byte
	Amount    *big.Int
	IsExpired bool
}

// JobStatus is the outcome of CheckJobStatus, the lighter variant used by
// the retry queue.
type JobStatus struct {
	Exists    bool
	Completed bool
	Valid     bool
	IsExpired bool
}

// PendingCompletion is a blob that landed but whose escrow settlement call
// failed; durable across process restarts via the Persistent Completion
// Queue.
type PendingCompletion struct {
	JobID         string
	BlobTxHash    string
	LastAttemptAt int64
	RetryCount    int
	LastError     string
	CreatedAt     int64
}

// MaxRetries bounds PendingCompletion.RetryCount before a job is surfaced
// for operator intervention.
const MaxRetries = 10

// PendingCompletionTTLSeconds bounds how long an entry may live before it is
// considered stale and removed regardless of retry count.
const PendingCompletionTTLSeconds = 24 * 60 * 60

// HealthStatus is the body of GET /api/v1/health.
type HealthStatus struct {
	Status          string                    `json:"status"`
	Version         string                    `json:"version"`
	ChainID         int64                     `json:"chainId"`
	Signer          string                    `json:"signer"`
	EscrowContract  string                    `json:"escrowContract"`
	ProxyFeePercent int                       `json:"proxyFeePercent"`
	MaxBlobSize     int                       `json:"maxBlobSize"`
	UptimeSeconds   int64                     `json:"uptime"`
	CircuitBreakers map[string]BreakerSummary `json:"circuitBreakers"`
}

// HealthDetails is the body of GET /api/v1/health/details.
type HealthDetails struct {
	HealthStatus
	RPCHealthy   bool  `json:"rpcHealthy"`
	BlocksLag    int64 `json:"blocksLag"`
	QueuePending int   `json:"queuePendingCount"`
}

// BreakerSummary is the JSON-exposed view of a circuit breaker's state.
type BreakerSummary struct {
	State            string `json:"state"`
	Failures         int64  `json:"failures"`
	Successes        int64  `json:"successes"`
	TotalRequests    int64  `json:"totalRequests"`
	RejectedRequests int64  `json:"rejectedRequests"`
}
