package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/signer"
)

type fakeBackend struct {
	mu       sync.Mutex
	head     uint64
	sent     []*types.Transaction
	sendErr  error
	receipts map[ethcommon.Hash]*types.Receipt
	calls    func(msg ethereum.CallMsg) ([]byte, error)
	nonce    uint64
	headers  map[uint64]*types.Header
	// strict refuses transactions that do not carry the next nonce, as a node without a queue would.
	strict bool
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) { return f.head, nil }

func (f *fakeBackend) HeaderByNumber(ctx context.Context, n *big.Int) (*types.Header, error) {
	if h, ok := f.headers[n.Uint64()]; ok {
		return h, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return f.calls(msg)
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.strict {
		switch {
		case tx.Nonce() < f.nonce:
			return fmt.Errorf("nonce too low: tx: %d state: %d", tx.Nonce(), f.nonce)
		case tx.Nonce() > f.nonce:
			return fmt.Errorf("nonce too high: tx: %d state: %d", tx.Nonce(), f.nonce)
		}
		f.nonce++
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, h ethcommon.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, _ ethcommon.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func devnetInfo(t *testing.T) *common.ChainInfo {
	info, err := common.DevnetRegistry().Lookup(common.DevnetChainID)
	require.NoError(t, err)
	return info
}

func TestWalletSignsRecoverableTransactions(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{nonce: 4}
	s := signer.DeterministicSigner("wallet")
	w := newEVMWallet(ctx, s, backend, 1337)

	req := &Request{Kind: KindUpdateClient, To: common.DevnetIBCHandler, Data: []byte{1, 2, 3}, IdempotencyKey: "client/1/height/5"}
	signed, err := w.Sign(ctx, req)
	require.NoError(t, err)

	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(signed.Raw))
	assert.Equal(t, signed.Hash, tx.Hash())
	assert.Equal(t, uint64(4), tx.Nonce())
	assert.Equal(t, uint64(100_000), tx.Gas())
	assert.Equal(t, []byte{1, 2, 3}, tx.Data())

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1337)), tx)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(ctx, s), from)
	assert.Equal(t, from, w.From())

	// Same logical operation, same transaction.
	again, err := w.Sign(ctx, &Request{Kind: KindUpdateClient, To: common.DevnetIBCHandler, Data: []byte{1, 2, 3}, IdempotencyKey: "client/1/height/5"})
	require.NoError(t, err)
	assert.Equal(t, signed.Hash, again.Hash)

	// A new operation takes the next nonce even before the first is mined.
	next, err := w.Sign(ctx, &Request{Kind: KindRedeem, To: common.DevnetZToken, GasLimit: 21_000})
	require.NoError(t, err)
	tx2 := new(types.Transaction)
	require.NoError(t, tx2.UnmarshalBinary(next.Raw))
	assert.Equal(t, uint64(5), tx2.Nonce())
	assert.Equal(t, uint64(21_000), tx2.Gas())
}

func TestEVMClientSubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	c := NewEVMClient(zap.NewNop(), backend, devnetInfo(t))
	w := newEVMWallet(ctx, signer.DeterministicSigner("wallet"), backend, 1337)

	signed, err := w.Sign(ctx, &Request{Kind: KindRedeem, To: common.DevnetZToken})
	require.NoError(t, err)

	h1, err := c.Submit(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, signed.Hash, h1)

	backend.sendErr = errors.New("already known")
	h2, err := c.Submit(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	backend.sendErr = errors.New("connection refused")
	_, err = c.Submit(ctx, signed)
	assert.True(t, common.IsRetryable(err))

	backend.sendErr = errors.New("execution reverted: nullifier spent")
	_, err = c.Submit(ctx, signed)
	var reverted *RevertedError
	assert.True(t, errors.As(err, &reverted))
}

func TestEVMClientSubmitClassifiesNonceRefusals(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{receipts: map[ethcommon.Hash]*types.Receipt{}}
	c := NewEVMClient(zap.NewNop(), backend, devnetInfo(t))
	w := newEVMWallet(ctx, signer.DeterministicSigner("wallet"), backend, 1337)

	signed, err := w.Sign(ctx, &Request{Kind: KindRedeem, To: common.DevnetZToken})
	require.NoError(t, err)

	for _, msg := range []string{"nonce too high", "nonce too low", "replacement transaction underpriced"} {
		backend.sendErr = errors.New(msg)
		_, err = c.Submit(ctx, signed)
		var nonceErr *NonceError
		require.ErrorAs(t, err, &nonceErr, msg)
		assert.Equal(t, signed.Hash, nonceErr.TxHash)
		assert.False(t, common.IsRetryable(err), msg)
	}

	// Our own transaction already landed.
	backend.receipts[signed.Hash] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(3)}
	backend.sendErr = errors.New("nonce too low")
	h, err := c.Submit(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, signed.Hash, h)
}

func TestBroadcastFillsNonceGapOfAbandonedRequest(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{strict: true}
	c := NewEVMClient(zap.NewNop(), backend, devnetInfo(t))
	w := newEVMWallet(ctx, signer.DeterministicSigner("wallet"), backend, 1337)

	abandoned, err := w.Sign(ctx, &Request{Kind: KindUpdateClient, To: common.DevnetIBCHandler, Data: []byte{2}, IdempotencyKey: "client/1/height/2"})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), abandoned.Nonce)

	req := &Request{Kind: KindUpdateClient, To: common.DevnetIBCHandler, Data: []byte{3}, IdempotencyKey: "client/1/height/3"}
	signed, err := w.Sign(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), signed.Nonce)

	accepted, h, err := Broadcast(ctx, c, w, signed)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), accepted.Nonce)
	assert.Equal(t, accepted.Hash, h)
	require.Len(t, backend.sent, 1)
	assert.Equal(t, []byte{3}, backend.sent[0].Data())

	// The replacement is what the operation resolves to from now on.
	again, err := w.Sign(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, accepted.Hash, again.Hash)

	next, err := w.Sign(ctx, &Request{Kind: KindRedeem, To: common.DevnetZToken, GasLimit: 21_000})
	require.NoError(t, err)
	_, _, err = Broadcast(ctx, c, w, next)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next.Nonce)
}

func TestBroadcastReportsPersistentNonceRefusalsAsTransient(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	c := NewEVMClient(zap.NewNop(), backend, devnetInfo(t))
	w := newEVMWallet(ctx, signer.DeterministicSigner("wallet"), backend, 1337)

	signed, err := w.Sign(ctx, &Request{Kind: KindRedeem, To: common.DevnetZToken, GasLimit: 21_000})
	require.NoError(t, err)
	backend.sendErr = errors.New("replacement transaction underpriced")
	_, _, err = Broadcast(ctx, c, w, signed)
	var transient *common.TransientError
	assert.ErrorAs(t, err, &transient)
	var nonceErr *NonceError
	assert.ErrorAs(t, err, &nonceErr)
}

func TestWalletCacheDistinguishesCalls(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{receipts: map[ethcommon.Hash]*types.Receipt{}}
	w := newEVMWallet(ctx, signer.DeterministicSigner("wallet"), backend, 1337)

	bad, err := w.Sign(ctx, &Request{Kind: KindRedeem, To: common.DevnetZToken, Data: []byte{0xba, 0xd0}, IdempotencyKey: "redeem/x"})
	require.NoError(t, err)
	good, err := w.Sign(ctx, &Request{Kind: KindRedeem, To: common.DevnetZToken, Data: []byte{0x60, 0x0d}, IdempotencyKey: "redeem/x"})
	require.NoError(t, err)
	assert.NotEqual(t, bad.Hash, good.Hash)
	assert.Equal(t, []byte{0x60, 0x0d}, good.Request.Data)

	// A reverted transaction is never handed out again for the same call.
	backend.receipts[good.Hash] = &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(1)}
	retried, err := w.Sign(ctx, &Request{Kind: KindRedeem, To: common.DevnetZToken, Data: []byte{0x60, 0x0d}, IdempotencyKey: "redeem/x"})
	require.NoError(t, err)
	assert.NotEqual(t, good.Hash, retried.Hash)
	assert.Equal(t, good.Nonce+1, retried.Nonce)

	cached, err := w.Sign(ctx, &Request{Kind: KindRedeem, To: common.DevnetZToken, Data: []byte{0x60, 0x0d}, IdempotencyKey: "redeem/x"})
	require.NoError(t, err)
	assert.Equal(t, retried.Hash, cached.Hash)
}

func TestEVMClientWaitForReceipt(t *testing.T) {
	backend := &fakeBackend{receipts: map[ethcommon.Hash]*types.Receipt{}}
	c := NewEVMClient(zap.NewNop(), backend, devnetInfo(t), WithPollInterval(time.Millisecond))

	ok := ethcommon.HexToHash("0x01")
	failed := ethcommon.HexToHash("0x02")
	backend.receipts[ok] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(7)}
	backend.receipts[failed] = &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(8)}

	r, err := c.WaitForReceipt(context.Background(), ok)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), r.BlockNumber)

	_, err = c.WaitForReceipt(context.Background(), failed)
	var reverted *RevertedError
	assert.True(t, errors.As(err, &reverted))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.WaitForReceipt(ctx, ethcommon.HexToHash("0x03"))
	assert.True(t, common.IsRetryable(err))
}

func TestEVMClientLightClientCalls(t *testing.T) {
	root := ethcommon.HexToHash("0xabcd")
	backend := &fakeBackend{head: 100}
	backend.calls = func(msg ethereum.CallMsg) ([]byte, error) {
		method, args, err := DecodeCall(IBCHandler, msg.Data)
		if err != nil {
			method, args, err = DecodeCall(ZAsset, msg.Data)
			require.NoError(t, err)
			return method.Outputs.Pack(len(args[0].([]byte)) == 2)
		}
		switch method.Name {
		case "getLatestHeight":
			return method.Outputs.Pack(uint64(42))
		case "getStateRoot":
			if args[1].(uint64) == 42 {
				return method.Outputs.Pack([32]byte(root))
			}
			return method.Outputs.Pack([32]byte{})
		}
		return nil, errors.New("unexpected call")
	}
	c := NewEVMClient(zap.NewNop(), backend, devnetInfo(t), WithConfirmations(10))
	ctx := context.Background()

	head, err := c.LatestHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(90), head)

	h, err := c.GetLatestVerifiedHeight(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), h)

	got, err := c.GetVerifiedRoot(ctx, 1, 42)
	require.NoError(t, err)
	assert.Equal(t, root, got)

	_, err = c.GetVerifiedRoot(ctx, 1, 41)
	assert.ErrorIs(t, err, ErrRootNotFound)

	spent, err := c.IsNullifierSpent(ctx, []byte{1, 2})
	require.NoError(t, err)
	assert.True(t, spent)
	spent, err = c.IsNullifierSpent(ctx, []byte{1})
	require.NoError(t, err)
	assert.False(t, spent)
}

func TestEVMClientHeader(t *testing.T) {
	h := &types.Header{
		Number:     big.NewInt(42),
		Root:       ethcommon.HexToHash("0x1234"),
		Difficulty: big.NewInt(0),
	}
	backend := &fakeBackend{headers: map[uint64]*types.Header{42: h}}
	c := NewEVMClient(zap.NewNop(), backend, devnetInfo(t))

	got, err := c.Header(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got.Height)
	assert.Equal(t, h.Root, got.StateRoot)
	assert.Equal(t, h.Hash(), got.Hash)

	var decoded types.Header
	require.NoError(t, rlp.DecodeBytes(got.Raw, &decoded))
	assert.Equal(t, h.Hash(), decoded.Hash())

	_, err = c.Header(context.Background(), 43)
	assert.Error(t, err)
	assert.False(t, common.IsRetryable(err))
}
