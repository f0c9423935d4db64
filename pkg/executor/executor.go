// Package executor constructs and submits the EIP-4844 type-3 transaction
// that carries a job's payload as a single blob: commitment/proof/sidecar
// assembly followed by dial, nonce, gas estimation, and inclusion wait
// over an ethclient.Client.
package executor

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto/kzg4844"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	"github.com/blobkit/proxy/pkg/breaker"
	"github.com/blobkit/proxy/pkg/types"
)

// FieldElementsPerBlob and BytesPerFieldElement describe the blob
// layout: 4096 field elements of 32 bytes each.
const (
	FieldElementsPerBlob  = params.BlobTxFieldElementsPerBlob
	BytesPerFieldElement  = params.BlobTxBytesPerFieldElement
	BlobSize              = FieldElementsPerBlob * BytesPerFieldElement
	minBlobGasPrice       = 1       // wei, MIN_BLOB_GASPRICE per EIP-4844
	blobBaseFeeUpdateFrac = 3338477 // BLOB_BASE_FEE_UPDATE_FRACTION per EIP-4844
	blobTxGasLimit        = 21000
)

// MaxPayloadBytes is the usable capacity of a single blob: each field
// element carries 31 payload bytes behind a zero leading byte. Callers
// validating request size must bound against this, not BlobSize.
const MaxPayloadBytes = FieldElementsPerBlob * (BytesPerFieldElement - 1)

// Signer is the narrow capability the executor needs.
type Signer interface {
	Address() common.Address
	SignTx(tx *ethtypes.Transaction, chainID int64) (*ethtypes.Transaction, error)
}

// Executor builds, signs, and submits blob transactions.
type Executor struct {
	client  *ethclient.Client
	signer  Signer
	chainID int64
	breaker *breaker.Breaker
	logger  *log.Logger
}

// New constructs a Blob Executor guarded by the blob-executor circuit
// breaker (br may be nil in tests).
func New(client *ethclient.Client, signer Signer, chainID int64, br *breaker.Breaker, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.New(log.Writer(), "[BlobExecutor] ", log.LstdFlags)
	}
	return &Executor{client: client, signer: signer, chainID: chainID, breaker: br, logger: logger}
}

// ExecuteBlob builds a single-blob type-3 transaction from the job's
// payload, signs it, broadcasts it, and waits for a successful receipt.
// The caller is responsible for bounding ctx to jobTimeout.
func (e *Executor) ExecuteBlob(ctx context.Context, payload []byte) (*types.BlobReceipt, error) {
	if e.breaker != nil && !e.breaker.Allow() {
		return nil, fmt.Errorf("blob-executor breaker open")
	}

	receipt, err := e.executeBlob(ctx, payload)
	if e.breaker != nil {
		if err != nil {
			e.breaker.RecordFailure()
		} else {
			e.breaker.RecordSuccess()
		}
	}
	return receipt, err
}

func (e *Executor) executeBlob(ctx context.Context, payload []byte) (*types.BlobReceipt, error) {
	blob, err := encodeBlob(payload)
	if err != nil {
		return nil, fmt.Errorf("encode blob: %w", err)
	}

	commitment, err := kzg4844.BlobToCommitment(blob)
	if err != nil {
		return nil, fmt.Errorf("compute commitment: %w", err)
	}
	proof, err := kzg4844.ComputeBlobProof(blob, commitment)
	if err != nil {
		return nil, fmt.Errorf("compute proof: %w", err)
	}
	versionedHash := kzg4844.CalcBlobHashV1(sha256.New(), &commitment)

	sidecar := &ethtypes.BlobTxSidecar{
		Blobs:       []kzg4844.Blob{*blob},
		Commitments: []kzg4844.Commitment{commitment},
		Proofs:      []kzg4844.Proof{proof},
	}

	tx, err := e.buildAndSign(ctx, sidecar, common.Hash(versionedHash))
	if err != nil {
		return nil, fmt.Errorf("build blob tx: %w", err)
	}

	if err := e.client.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("broadcast blob tx: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, e.client, tx)
	if err != nil {
		// Broadcast succeeded but receipt observation failed: the tx may
		// still land. Callers must route this through the completion
		// queue rather than assume failure.
		return nil, fmt.Errorf("possibly landed, receipt wait failed: %w", err)
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("blob tx reverted")
	}

	return &types.BlobReceipt{
		BlobTxHash:  tx.Hash().Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		BlobHash:    common.Hash(versionedHash).Hex(),
		Commitment:  fmt.Sprintf("0x%x", commitment[:]),
		Proof:       fmt.Sprintf("0x%x", proof[:]),
		BlobIndex:   0,
	}, nil
}

// feeCaps queries the head block and fee oracle for the three caps a
// blob transaction carries: priority tip, execution fee, and blob fee
// (the EIP-4844 blob gas price with 1.5x headroom).
func (e *Executor) feeCaps(ctx context.Context) (tipCap, gasFeeCap, blobFeeCap *big.Int, err error) {
	tipCap, err = e.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("suggest gas tip cap: %w", err)
	}

	head, err := e.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("fetch latest header: %w", err)
	}
	if head.BaseFee == nil {
		return nil, nil, nil, fmt.Errorf("chain has no EIP-1559 base fee")
	}

	gasFeeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tipCap)

	var excessBlobGas uint64
	if head.ExcessBlobGas != nil {
		excessBlobGas = *head.ExcessBlobGas
	}
	blobGasPrice := calcBlobGasPrice(excessBlobGas)
	blobFeeCap = new(big.Int).Div(new(big.Int).Mul(blobGasPrice, big.NewInt(3)), big.NewInt(2)) // ×1.5
	return tipCap, gasFeeCap, blobFeeCap, nil
}

// EstimateCost returns the worst-case wei cost of landing a single-blob
// transaction at current fee levels: execution gas at the fee cap plus
// one blob's gas at the blob fee cap. Used by the write handler to
// check deposit sufficiency before committing to execution.
func (e *Executor) EstimateCost(ctx context.Context) (*big.Int, error) {
	if e.breaker != nil && !e.breaker.Allow() {
		return nil, fmt.Errorf("blob-executor breaker open")
	}

	_, gasFeeCap, blobFeeCap, err := e.feeCaps(ctx)
	if e.breaker != nil {
		if err != nil {
			e.breaker.RecordFailure()
		} else {
			e.breaker.RecordSuccess()
		}
	}
	if err != nil {
		return nil, err
	}

	execCost := new(big.Int).Mul(gasFeeCap, big.NewInt(blobTxGasLimit))
	blobCost := new(big.Int).Mul(blobFeeCap, big.NewInt(params.BlobTxBlobGasPerBlob))
	return execCost.Add(execCost, blobCost), nil
}

func (e *Executor) buildAndSign(ctx context.Context, sidecar *ethtypes.BlobTxSidecar, versionedHash common.Hash) (*ethtypes.Transaction, error) {
	from := e.signer.Address()

	nonce, err := e.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("fetch nonce: %w", err)
	}

	tipCap, gasFeeCap, blobFeeCap, err := e.feeCaps(ctx)
	if err != nil {
		return nil, err
	}

	to := common.Address{}

	inner := &ethtypes.BlobTx{
		ChainID:    uint256.NewInt(uint64(e.chainID)),
		Nonce:      nonce,
		GasTipCap:  uint256.MustFromBig(tipCap),
		GasFeeCap:  uint256.MustFromBig(gasFeeCap),
		Gas:        blobTxGasLimit,
		To:         to,
		Value:      uint256.NewInt(0),
		BlobFeeCap: uint256.MustFromBig(blobFeeCap),
		BlobHashes: []common.Hash{versionedHash},
		Sidecar:    sidecar,
	}

	tx := ethtypes.NewTx(inner)
	signed, err := e.signer.SignTx(tx, e.chainID)
	if err != nil {
		return nil, fmt.Errorf("sign blob tx: %w", err)
	}
	return signed, nil
}

// calcBlobGasPrice implements EIP-4844's fakeExponential fee-market
// formula: blobGasPrice = MIN_BLOB_GASPRICE * e^(excessBlobGas /
// BLOB_BASE_FEE_UPDATE_FRACTION), approximated by the Taylor-series
// technique the EIP specifies, transcribed here directly from the EIP
// text.
func calcBlobGasPrice(excessBlobGas uint64) *big.Int {
	return fakeExponential(big.NewInt(minBlobGasPrice), new(big.Int).SetUint64(excessBlobGas), big.NewInt(blobBaseFeeUpdateFrac))
}

// fakeExponential approximates factor * e^(numerator/denominator) using
// the integer-only Taylor expansion defined by EIP-4844.
func fakeExponential(factor, numerator, denominator *big.Int) *big.Int {
	i := big.NewInt(1)
	output := big.NewInt(0)
	numeratorAccum := new(big.Int).Mul(factor, denominator)

	for numeratorAccum.Sign() > 0 {
		output.Add(output, numeratorAccum)

		numeratorAccum.Mul(numeratorAccum, numerator)
		numeratorAccum.Div(numeratorAccum, denominator)
		numeratorAccum.Div(numeratorAccum, i)

		i.Add(i, big.NewInt(1))
	}

	return output.Div(output, denominator)
}

// encodeBlob lays the payload into the blob's field-element layout: 4096
// elements of 32 bytes, each element's leading byte held zero so every
// element is a valid BLS12-381 scalar.
func encodeBlob(payload []byte) (*kzg4844.Blob, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if len(payload) > MaxPayloadBytes {
		return nil, fmt.Errorf("payload exceeds blob capacity: %d > %d", len(payload), MaxPayloadBytes)
	}

	var blob kzg4844.Blob
	pos := 0
	for elem := 0; elem < FieldElementsPerBlob && pos < len(payload); elem++ {
		chunk := BytesPerFieldElement - 1
		if remaining := len(payload) - pos; remaining < chunk {
			chunk = remaining
		}
		copy(blob[elem*BytesPerFieldElement+1:], payload[pos:pos+chunk])
		pos += chunk
	}
	return &blob, nil
}
