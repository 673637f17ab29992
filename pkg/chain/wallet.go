package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/signer"
)

// maxResigns bounds how often Broadcast signs one request again after nonce refusals.
const maxResigns = 3

// EVMWallet signs requests as legacy EVM transactions with a Signer.
type EVMWallet struct {
	signer  signer.Signer
	backend Backend
	chainID *big.Int
	from    ethcommon.Address

	mu        sync.Mutex
	nextNonce uint64
	// Requests already signed, by idempotency key and call, so a retried operation reuses its
	// transaction.
	signed map[string]*SignedRequest
}

func NewEVMWallet(ctx context.Context, s signer.Signer, client *EVMClient) *EVMWallet {
	return newEVMWallet(ctx, s, client.backend, client.info.EVMChainID)
}

func newEVMWallet(ctx context.Context, s signer.Signer, backend Backend, chainID uint64) *EVMWallet {
	return &EVMWallet{
		signer:  s,
		backend: backend,
		chainID: new(big.Int).SetUint64(chainID),
		from:    signer.Address(ctx, s),
		signed:  map[string]*SignedRequest{},
	}
}

func (w *EVMWallet) From() ethcommon.Address {
	return w.from
}

// cacheKey is empty for requests without an idempotency key. A corrected call under the same
// key is a different transaction.
func cacheKey(req *Request) string {
	if req.IdempotencyKey == "" {
		return ""
	}
	return req.IdempotencyKey + "/" + crypto.Keccak256Hash(req.To.Bytes(), req.Data).Hex()
}

// Sign returns the transaction already signed for req when there is one, unless it reverted.
// Otherwise it signs req at the next free nonce.
func (w *EVMWallet) Sign(ctx context.Context, req *Request) (*SignedRequest, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := cacheKey(req)
	if prev, ok := w.signed[key]; ok && key != "" {
		if !w.reverted(ctx, prev) {
			return prev, nil
		}
		delete(w.signed, key)
	}

	pending, err := w.pendingNonce(ctx)
	if err != nil {
		return nil, err
	}
	nonce := pending
	if w.nextNonce > nonce {
		nonce = w.nextNonce
	}
	return w.signAt(ctx, req, nonce)
}

// Resign signs stale.Request again after the chain refused its nonce. A nonce above the
// chain's pending nonce was left by a request that was never broadcast: numbering restarts
// from the pending nonce so the gap is filled. Requests signed in between and refused in
// turn are resigned by their own callers.
func (w *EVMWallet) Resign(ctx context.Context, stale *SignedRequest) (*SignedRequest, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := cacheKey(stale.Request)
	if cur, ok := w.signed[key]; ok && key != "" && cur.Hash != stale.Hash {
		return cur, nil
	}

	pending, err := w.pendingNonce(ctx)
	if err != nil {
		return nil, err
	}
	nonce := pending
	if stale.Nonce < pending && w.nextNonce > nonce {
		nonce = w.nextNonce
	}
	delete(w.signed, key)
	return w.signAt(ctx, stale.Request, nonce)
}

func (w *EVMWallet) pendingNonce(ctx context.Context) (uint64, error) {
	pending, err := w.backend.PendingNonceAt(ctx, w.from)
	if err != nil {
		return 0, common.NewTransientError("eth_getTransactionCount", err)
	}
	return pending, nil
}

// reverted reports whether tx was included with a failed status. Lookup errors count as not reverted.
func (w *EVMWallet) reverted(ctx context.Context, signed *SignedRequest) bool {
	r, err := w.backend.TransactionReceipt(ctx, signed.Hash)
	return err == nil && r != nil && r.Status == types.ReceiptStatusFailed
}

// signAt signs req with nonce. Callers hold mu.
func (w *EVMWallet) signAt(ctx context.Context, req *Request, nonce uint64) (*SignedRequest, error) {
	gasPrice, err := w.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, common.NewTransientError("eth_gasPrice", err)
	}

	gas := req.GasLimit
	if gas == 0 {
		to := req.To
		gas, err = w.backend.EstimateGas(ctx, ethereum.CallMsg{From: w.from, To: &to, Data: req.Data})
		if err != nil {
			return nil, fmt.Errorf("failed to estimate gas for %s: %w", req.Kind, err)
		}
	}

	to := req.To
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     req.Data,
	})

	txSigner := types.LatestSignerForChainID(w.chainID)
	sig, err := w.signer.Sign(ctx, txSigner.Hash(tx).Bytes())
	if err != nil {
		return nil, err
	}
	signedTx, err := tx.WithSignature(txSigner, sig)
	if err != nil {
		return nil, fmt.Errorf("failed to attach signature: %w", err)
	}
	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return nil, err
	}

	w.nextNonce = nonce + 1
	signed := &SignedRequest{Request: req, Raw: raw, Hash: signedTx.Hash(), Nonce: nonce}
	if key := cacheKey(req); key != "" {
		w.signed[key] = signed
	}
	return signed, nil
}

// Broadcast submits signed through client. When the chain refuses its nonce, the request is
// signed again by wallet and resubmitted. It returns the signed request that was last
// submitted, which differs from signed after a resign. Nonce refusals that outlast
// maxResigns, as under heavy concurrent signing, are returned as transient.
func Broadcast(ctx context.Context, client Client, wallet Wallet, signed *SignedRequest) (*SignedRequest, ethcommon.Hash, error) {
	for attempt := 0; ; attempt++ {
		txHash, err := client.Submit(ctx, signed)
		var nonceErr *NonceError
		if !errors.As(err, &nonceErr) {
			return signed, txHash, err
		}
		if attempt == maxResigns {
			return signed, ethcommon.Hash{}, common.NewTransientError("eth_sendRawTransaction", err)
		}
		resigned, rerr := wallet.Resign(ctx, signed)
		if rerr != nil {
			return signed, ethcommon.Hash{}, rerr
		}
		signed = resigned
	}
}
