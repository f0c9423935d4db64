// Package signer produces signatures for blob and escrow-completion
// transactions, wrapping either a raw in-memory key or a remote KMS/HSM.
package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

func bigFromInt64(v int64) *big.Int {
	return big.NewInt(v)
}

func trimHexPrefix(s string) string {
	return strings.TrimPrefix(s, "0x")
}

// Unavailable indicates a transient failure talking to the signing
// backend; callers may retry. Denied indicates the backend refused to
// sign (fatal, do not retry).
var (
	ErrUnavailable = fmt.Errorf("signer unavailable")
	ErrDenied      = fmt.Errorf("signer denied")
)

// Signer is the capability set the rest of the system is polymorphic
// over, independent of whether the backing key lives in memory or behind
// a remote KMS/HSM.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID int64) (*types.Transaction, error)
	SignMessage(msg []byte) ([]byte, error)
}

// RawKeySigner wraps an in-memory ECDSA private key.
type RawKeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	logger  *log.Logger
}

// NewRawKeySigner loads a signer from a hex-encoded private key.
func NewRawKeySigner(privateKeyHex string, logger *log.Logger) (*RawKeySigner, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[Signer] ", log.LstdFlags)
	}

	key, err := crypto.HexToECDSA(trimHexPrefix(privateKeyHex))
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrDenied, err)
	}

	publicKey, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: cast public key to ECDSA", ErrDenied)
	}

	addr := crypto.PubkeyToAddress(*publicKey)
	logger.Printf("loaded raw key signer, address=%s", addr.Hex())

	return &RawKeySigner{key: key, address: addr, logger: logger}, nil
}

// Address returns the signer's public address.
func (s *RawKeySigner) Address() common.Address {
	return s.address
}

// SignTx signs a transaction for the given chain using EIP-155/London/
// Cancun signer selection appropriate to the transaction's type.
func (s *RawKeySigner) SignTx(tx *types.Transaction, chainID int64) (*types.Transaction, error) {
	var txSigner types.Signer
	switch tx.Type() {
	case types.BlobTxType:
		txSigner = types.NewCancunSigner(bigFromInt64(chainID))
	default:
		txSigner = types.LatestSignerForChainID(bigFromInt64(chainID))
	}

	signed, err := types.SignTx(tx, txSigner, s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: sign tx: %v", ErrUnavailable, err)
	}
	return signed, nil
}

// SignMessage signs an arbitrary message using the Ethereum personal-
// message scheme, matching the client SDK's signature over the raw
// payload.
func (s *RawKeySigner) SignMessage(msg []byte) ([]byte, error) {
	hash := accounts.TextHash(msg)
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: sign message: %v", ErrUnavailable, err)
	}
	// Ethereum's recovery id convention for personal_sign is v in {27,28}.
	if len(sig) == 65 {
		sig[64] += 27
	}
	return sig, nil
}

// TransactOpts builds bind.TransactOpts for flows that still go through
// go-ethereum's bound-contract helpers (Payment Verifier).
func (s *RawKeySigner) TransactOpts(chainID int64) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(s.key, bigFromInt64(chainID))
	if err != nil {
		return nil, fmt.Errorf("%w: create transactor: %v", ErrUnavailable, err)
	}
	return auth, nil
}

// KMSSigner is a remote-signing backend: the key material never enters
// process memory, and every operation is a call-out that returns a
// signature.
type KMSSigner struct {
	address common.Address
	client  KMSClient
	logger  *log.Logger
}

// KMSClient is the minimal remote-signing surface a KMS/HSM backend must
// provide.
type KMSClient interface {
	Address() (common.Address, error)
	Sign(digest []byte) ([]byte, error)
}

// NewKMSSigner constructs a signer backed by a remote KMS/HSM client.
func NewKMSSigner(client KMSClient, logger *log.Logger) (*KMSSigner, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[Signer] ", log.LstdFlags)
	}
	addr, err := client.Address()
	if err != nil {
		return nil, fmt.Errorf("%w: fetch KMS address: %v", ErrUnavailable, err)
	}
	return &KMSSigner{address: addr, client: client, logger: logger}, nil
}

// Address returns the signer's public address.
func (s *KMSSigner) Address() common.Address {
	return s.address
}

// SignTx signs a transaction hash via the remote KMS client.
func (s *KMSSigner) SignTx(tx *types.Transaction, chainID int64) (*types.Transaction, error) {
	var txSigner types.Signer
	switch tx.Type() {
	case types.BlobTxType:
		txSigner = types.NewCancunSigner(bigFromInt64(chainID))
	default:
		txSigner = types.LatestSignerForChainID(bigFromInt64(chainID))
	}

	sigHash := txSigner.Hash(tx)
	sig, err := s.client.Sign(sigHash[:])
	if err != nil {
		if errors.Is(err, ErrDenied) {
			return nil, fmt.Errorf("KMS sign tx: %w", err)
		}
		return nil, fmt.Errorf("%w: KMS sign tx: %v", ErrUnavailable, err)
	}
	signed, err := tx.WithSignature(txSigner, sig)
	if err != nil {
		return nil, fmt.Errorf("%w: attach KMS signature: %v", ErrUnavailable, err)
	}
	return signed, nil
}

// TransactOpts builds bind.TransactOpts whose Signer callback routes
// through the remote KMS client, for flows (the Payment Verifier's
// completeJob call) that still go through go-ethereum's bound-contract
// helpers.
func (s *KMSSigner) TransactOpts(chainID int64) (*bind.TransactOpts, error) {
	cid := bigFromInt64(chainID)
	return &bind.TransactOpts{
		From: s.address,
		Signer: func(addr common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if addr != s.address {
				return nil, fmt.Errorf("%w: KMS signer address mismatch", ErrDenied)
			}
			return s.SignTx(tx, cid.Int64())
		},
		Context: context.Background(),
	}, nil
}

// SignMessage signs an arbitrary message via the remote KMS client.
func (s *KMSSigner) SignMessage(msg []byte) ([]byte, error) {
	hash := accounts.TextHash(msg)
	sig, err := s.client.Sign(hash)
	if err != nil {
		if errors.Is(err, ErrDenied) {
			return nil, fmt.Errorf("KMS sign message: %w", err)
		}
		return nil, fmt.Errorf("%w: KMS sign message: %v", ErrUnavailable, err)
	}
	if len(sig) == 65 {
		sig[64] += 27
	}
	return sig, nil
}
