// Package chain defines what the payment core needs from source and destination chains,
// and implements it for EVM chains.
package chain

import (
	"context"
	"errors"
	"fmt"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
)

var (
	// ErrRootNotFound is returned when the light client holds no root for a height.
	ErrRootNotFound = errors.New("no verified root at height")
	// ErrUnknownClient is returned for a light client id the chain does not host.
	ErrUnknownClient = errors.New("unknown light client")
)

// HeightReader exposes the latest finalized height of a chain.
type HeightReader interface {
	LatestHeight(ctx context.Context) (uint64, error)
}

// Header is a source chain block header as submitted to a light client.
type Header struct {
	Height    uint64
	StateRoot ethcommon.Hash
	Hash      ethcommon.Hash
	// Raw is the RLP encoding the light client decodes.
	Raw []byte
}

// HeaderSource serves the headers a light client update carries.
type HeaderSource interface {
	HeightReader
	Header(ctx context.Context, height uint64) (*Header, error)
}

// LightClientReader reads light client state hosted on a destination chain.
type LightClientReader interface {
	GetLatestVerifiedHeight(ctx context.Context, clientID uint32) (uint64, error)
	// GetVerifiedRoot returns ErrRootNotFound for heights the client never verified or pruned.
	GetVerifiedRoot(ctx context.Context, clientID uint32, height uint64) (ethcommon.Hash, error)
}

// NullifierChecker reads the destination chain's spent-nullifier set, the authority for
// at-most-once redemption.
type NullifierChecker interface {
	IsNullifierSpent(ctx context.Context, nullifier []byte) (bool, error)
}

// Client submits signed requests and waits for their inclusion.
type Client interface {
	HeightReader
	// Submit broadcasts a signed request. Submitting the same signed request twice returns the same hash.
	Submit(ctx context.Context, req *SignedRequest) (ethcommon.Hash, error)
	// WaitForReceipt blocks until the transaction is included or ctx is done.
	WaitForReceipt(ctx context.Context, txHash ethcommon.Hash) (*Receipt, error)
}

// DestinationChain is everything the coordinator and light client bridge use on the destination.
type DestinationChain interface {
	Client
	LightClientReader
	NullifierChecker
}

// Wallet signs requests. The core never sees key material.
type Wallet interface {
	Sign(ctx context.Context, req *Request) (*SignedRequest, error)
	// Resign signs stale.Request again after the chain refused the nonce of stale.
	Resign(ctx context.Context, stale *SignedRequest) (*SignedRequest, error)
}

type RequestKind string

const (
	KindUpdateClient RequestKind = "updateClient"
	KindRedeem       RequestKind = "redeem"
)

// Request is an unsigned contract call.
type Request struct {
	Kind    RequestKind
	ChainID common.UniversalChainID
	To      ethcommon.Address
	Data    []byte
	// IdempotencyKey names the logical operation, e.g. "client/9/height/120".
	IdempotencyKey string
	GasLimit       uint64
}

// SignedRequest is ready for submission. Raw is opaque to everything but the chain client.
type SignedRequest struct {
	Request *Request
	Raw     []byte
	Hash    ethcommon.Hash
	Nonce   uint64
}

const (
	ReceiptStatusFailed     = uint64(0)
	ReceiptStatusSuccessful = uint64(1)
)

type Receipt struct {
	TxHash      ethcommon.Hash
	BlockNumber uint64
	Status      uint64
	// RevertReason is set by clients that can decode it.
	RevertReason string
}

func (r *Receipt) Successful() bool {
	return r.Status == ReceiptStatusSuccessful
}

// RevertedError is returned for a transaction included with a failed status.
type RevertedError struct {
	TxHash ethcommon.Hash
	Reason string
}

func (e *RevertedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transaction %s reverted", e.TxHash.Hex())
	}
	return fmt.Sprintf("transaction %s reverted: %s", e.TxHash.Hex(), e.Reason)
}

// NonceError is returned when the chain refuses a transaction for its nonce: a gap left by a
// request that was signed but never broadcast, or a nonce another transaction already took.
type NonceError struct {
	TxHash ethcommon.Hash
	Nonce  uint64
	Err    error
}

func (e *NonceError) Error() string {
	return fmt.Sprintf("transaction %s refused for nonce %d: %v", e.TxHash.Hex(), e.Nonce, e.Err)
}

func (e *NonceError) Unwrap() error {
	return e.Err
}
