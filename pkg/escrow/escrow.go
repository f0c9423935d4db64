// Package escrow binds the on-chain escrow contract's ABI surface, the
// Payment Verifier's sole external dependency: a hand-written ABI JSON
// string plus Pack/Unpack via accounts/abi, rather than abigen-generated
// bindings.
package escrow

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// escrowABIJSON covers exactly the surface this service needs: the two
// read views and the two state-changing calls the proxy is authorized to
// invoke.
const escrowABIJSON = `[
  {
    "type": "function",
    "name": "getJobDetails",
    "stateMutability": "view",
    "inputs": [{"name": "jobId", "type": "bytes32"}],
    "outputs": [
      {"name": "user", "type": "address"},
      {"name": "amount", "type": "uint256"},
      {"name": "timestamp", "type": "uint256"},
      {"name": "completed", "type": "bool"},
      {"name": "blobTxHash", "type": "bytes32"}
    ]
  },
  {
    "type": "function",
    "name": "getJobTimeout",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{"name": "", "type": "uint256"}]
  },
  {
    "type": "function",
    "name": "completeJob",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "jobId", "type": "bytes32"},
      {"name": "blobTxHash", "type": "bytes32"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "refundExpiredJob",
    "stateMutability": "nonpayable",
    "inputs": [{"name": "jobId", "type": "bytes32"}],
    "outputs": []
  }
]`

// JobDetails mirrors the escrow's jobs[jobId] view.
type JobDetails struct {
	User       common.Address
	Amount     *big.Int
	Timestamp  *big.Int
	Completed  bool
	BlobTxHash common.Hash
}

// Signer is the narrow capability escrow needs from pkg/signer, avoiding
// an import cycle while keeping the interface explicit at the call site.
type Signer interface {
	TransactOpts(chainID int64) (*bind.TransactOpts, error)
}

// Contract wraps the escrow's read/write surface over an ethclient.Client,
// following pkg/ethereum/client.go's CallContract/SendContractTransaction
// pattern (ABI-string + Pack/Unpack) rather than abigen bindings.
type Contract struct {
	client  *ethclient.Client
	address common.Address
	chainID int64
	abi     abi.ABI
}

// NewContract parses the escrow ABI and binds it to the given address.
func NewContract(client *ethclient.Client, address common.Address, chainID int64) (*Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(escrowABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse escrow ABI: %w", err)
	}
	return &Contract{client: client, address: address, chainID: chainID, abi: parsed}, nil
}

func (c *Contract) call(ctx context.Context, method string, out interface{}, params ...interface{}) error {
	data, err := c.abi.Pack(method, params...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &c.address,
		Data: data,
	}, nil)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}

	if err := c.abi.UnpackIntoInterface(out, method, result); err != nil {
		return fmt.Errorf("unpack %s: %w", method, err)
	}
	return nil
}

// GetJobDetails reads the escrow's jobs[jobId] view.
func (c *Contract) GetJobDetails(ctx context.Context, jobID [32]byte) (*JobDetails, error) {
	var out struct {
		User       common.Address
		Amount     *big.Int
		Timestamp  *big.Int
		Completed  bool
		BlobTxHash [32]byte
	}
	if err := c.call(ctx, "getJobDetails", &out, jobID); err != nil {
		return nil, err
	}
	return &JobDetails{
		User:       out.User,
		Amount:     out.Amount,
		Timestamp:  out.Timestamp,
		Completed:  out.Completed,
		BlobTxHash: out.BlobTxHash,
	}, nil
}

// GetJobTimeout reads the escrow's declared job timeout in seconds.
func (c *Contract) GetJobTimeout(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	if err := c.call(ctx, "getJobTimeout", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteJob sends the escrow's completeJob(jobId, blobTxHash) call
// signed by the given signer and waits for inclusion.
func (c *Contract) CompleteJob(ctx context.Context, jobID, blobTxHash [32]byte, signer Signer) (common.Hash, error) {
	auth, err := signer.TransactOpts(c.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("build transactor: %w", err)
	}

	data, err := c.abi.Pack("completeJob", jobID, blobTxHash)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack completeJob: %w", err)
	}

	tx, err := c.sendRaw(ctx, auth, data)
	if err != nil {
		return common.Hash{}, err
	}

	receipt, err := bind.WaitMined(ctx, c.client, tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("wait completeJob: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return common.Hash{}, fmt.Errorf("completeJob reverted")
	}

	return tx.Hash(), nil
}

// RefundExpiredJob is exposed for completeness and read-only admin
// tooling only; no operation in this service invokes it; the escrow
// issues refunds itself, not the proxy.
func (c *Contract) RefundExpiredJob(ctx context.Context, jobID [32]byte, signer Signer) (common.Hash, error) {
	auth, err := signer.TransactOpts(c.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("build transactor: %w", err)
	}
	data, err := c.abi.Pack("refundExpiredJob", jobID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack refundExpiredJob: %w", err)
	}
	tx, err := c.sendRaw(ctx, auth, data)
	if err != nil {
		return common.Hash{}, err
	}
	receipt, err := bind.WaitMined(ctx, c.client, tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("wait refundExpiredJob: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return common.Hash{}, fmt.Errorf("refundExpiredJob reverted")
	}
	return tx.Hash(), nil
}

func (c *Contract) sendRaw(ctx context.Context, auth *bind.TransactOpts, data []byte) (*types.Transaction, error) {
	nonce, err := c.client.PendingNonceAt(ctx, auth.From)
	if err != nil {
		return nil, fmt.Errorf("fetch nonce: %w", err)
	}
	gasTip, err := c.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas tip: %w", err)
	}
	head, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch latest header: %w", err)
	}
	gasFeeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), gasTip)

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From: auth.From,
		To:   &c.address,
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	inner := &types.DynamicFeeTx{
		ChainID:   big.NewInt(c.chainID),
		Nonce:     nonce,
		GasTipCap: gasTip,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &c.address,
		Data:      data,
	}

	signed, err := auth.Signer(auth.From, types.NewTx(inner))
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}

	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send tx: %w", err)
	}
	return signed, nil
}

// DepositReceiptStatus reports whether the deposit transaction itself
// mined successfully, used by VerifyJobPayment's "status=success" check.
func DepositReceiptStatus(ctx context.Context, client *ethclient.Client, txHash common.Hash) (bool, error) {
	receipt, err := client.TransactionReceipt(ctx, txHash)
	if err != nil {
		return false, fmt.Errorf("fetch deposit receipt: %w", err)
	}
	return receipt.Status == types.ReceiptStatusSuccessful, nil
}

// Age returns how long ago (in seconds) a unix-second timestamp was,
// used to compute isExpired against the escrow's declared jobTimeout.
func Age(timestamp *big.Int) time.Duration {
	return time.Since(time.Unix(timestamp.Int64(), 0))
}

// RPCHealthChecker probes the execution RPC's latest block for
// GET /health/details, implementing pkg/server's RPCHealthChecker.
type RPCHealthChecker struct {
	client *ethclient.Client
}

// NewRPCHealthChecker wraps an ethclient.Client for health probing.
func NewRPCHealthChecker(client *ethclient.Client) *RPCHealthChecker {
	return &RPCHealthChecker{client: client}
}

// LatestBlock returns the execution RPC's latest block number and its
// unix timestamp.
func (r *RPCHealthChecker) LatestBlock(ctx context.Context) (uint64, int64, error) {
	header, err := r.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch latest header: %w", err)
	}
	return header.Number.Uint64(), int64(header.Time), nil
}
