package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rlp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
)

// Backend is the subset of ethclient.Client used by EVMClient and EVMWallet.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash ethcommon.Hash) (*types.Receipt, error)
	PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// EVMClient implements DestinationChain over JSON-RPC.
type EVMClient struct {
	logger  *zap.Logger
	info    *common.ChainInfo
	backend Backend
	// Blocks subtracted from the head to obtain a finalized height.
	confirmations uint64
	pollInterval  time.Duration
	timeout       time.Duration

	heights singleflight.Group
}

type EVMOption func(*EVMClient)

func WithConfirmations(n uint64) EVMOption {
	return func(c *EVMClient) { c.confirmations = n }
}

func WithPollInterval(d time.Duration) EVMOption {
	return func(c *EVMClient) { c.pollInterval = d }
}

// WithCallTimeout bounds each RPC call.
func WithCallTimeout(d time.Duration) EVMOption {
	return func(c *EVMClient) { c.timeout = d }
}

// DialEVM connects to rpcURL, which must serve the chain described by info.
func DialEVM(ctx context.Context, logger *zap.Logger, rpcURL string, info *common.ChainInfo, opts ...EVMOption) (*EVMClient, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", info.ID, err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, common.NewTransientError("eth_chainId", err)
	}
	if chainID.Uint64() != info.EVMChainID {
		return nil, fmt.Errorf("rpc serves chain %d, expected %d for %s", chainID.Uint64(), info.EVMChainID, info.ID)
	}

	return NewEVMClient(logger, client, info, opts...), nil
}

// NewEVMClient returns a client over an already connected backend.
func NewEVMClient(logger *zap.Logger, backend Backend, info *common.ChainInfo, opts ...EVMOption) *EVMClient {
	c := &EVMClient{
		logger:        logger.With(zap.String("component", "evmclient"), zap.String("chain", string(info.ID))),
		info:          info,
		backend:       backend,
		confirmations: 0,
		pollInterval:  2 * time.Second,
		timeout:       15 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *EVMClient) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func (c *EVMClient) LatestHeight(ctx context.Context) (uint64, error) {
	v, err, _ := c.heights.Do("head", func() (interface{}, error) {
		cctx, cancel := c.callCtx(ctx)
		defer cancel()
		head, err := c.backend.BlockNumber(cctx)
		if err != nil {
			return uint64(0), common.NewTransientError("eth_blockNumber", err)
		}
		if head < c.confirmations {
			return uint64(0), nil
		}
		return head - c.confirmations, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

// Header returns the RLP encoded block header at height, the input of a light client update.
func (c *EVMClient) Header(ctx context.Context, height uint64) (*Header, error) {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	h, err := c.backend.HeaderByNumber(cctx, new(big.Int).SetUint64(height))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("no header at height %d", height)
		}
		return nil, common.NewTransientError("eth_getBlockByNumber", err)
	}
	raw, err := rlp.EncodeToBytes(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}
	return &Header{Height: h.Number.Uint64(), StateRoot: h.Root, Hash: h.Hash(), Raw: raw}, nil
}

func (c *EVMClient) Submit(ctx context.Context, req *SignedRequest) (ethcommon.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(req.Raw); err != nil {
		return ethcommon.Hash{}, fmt.Errorf("invalid signed request: %w", err)
	}

	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	if err := c.backend.SendTransaction(cctx, tx); err != nil {
		// A retried submission of an identical transaction is not an error.
		if strings.Contains(err.Error(), "already known") {
			c.logger.Debug("transaction already known", zap.Stringer("tx", tx.Hash()))
			return tx.Hash(), nil
		}
		if strings.Contains(err.Error(), "execution reverted") {
			return ethcommon.Hash{}, &RevertedError{TxHash: tx.Hash(), Reason: err.Error()}
		}
		if isNonceRefusal(err) {
			// A resubmission of a transaction that already landed is refused as "nonce too low".
			if r, rerr := c.backend.TransactionReceipt(cctx, tx.Hash()); rerr == nil && r != nil {
				return tx.Hash(), nil
			}
			return ethcommon.Hash{}, &NonceError{TxHash: tx.Hash(), Nonce: tx.Nonce(), Err: err}
		}
		return ethcommon.Hash{}, common.NewTransientError("eth_sendRawTransaction", err)
	}
	return tx.Hash(), nil
}

func isNonceRefusal(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "nonce too high") ||
		strings.Contains(msg, "replacement transaction underpriced")
}

func (c *EVMClient) WaitForReceipt(ctx context.Context, txHash ethcommon.Hash) (*Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		cctx, cancel := c.callCtx(ctx)
		r, err := c.backend.TransactionReceipt(cctx, txHash)
		cancel()
		switch {
		case err == nil:
			receipt := &Receipt{TxHash: txHash, BlockNumber: r.BlockNumber.Uint64(), Status: r.Status}
			if !receipt.Successful() {
				return receipt, &RevertedError{TxHash: txHash}
			}
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
		default:
			c.logger.Warn("failed to query receipt", zap.Stringer("tx", txHash), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, common.NewTransientError("wait for receipt", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *EVMClient) call(ctx context.Context, to ethcommon.Address, data []byte) ([]byte, error) {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	out, err := c.backend.CallContract(cctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, common.NewTransientError("eth_call", err)
	}
	return out, nil
}

func (c *EVMClient) GetLatestVerifiedHeight(ctx context.Context, clientID uint32) (uint64, error) {
	data, err := IBCHandler.Pack("getLatestHeight", clientID)
	if err != nil {
		return 0, err
	}
	out, err := c.call(ctx, c.info.IBCHandler, data)
	if err != nil {
		return 0, err
	}
	res, err := IBCHandler.Unpack("getLatestHeight", out)
	if err != nil {
		return 0, fmt.Errorf("failed to unpack latest height: %w", err)
	}
	return res[0].(uint64), nil
}

func (c *EVMClient) GetVerifiedRoot(ctx context.Context, clientID uint32, height uint64) (ethcommon.Hash, error) {
	data, err := IBCHandler.Pack("getStateRoot", clientID, height)
	if err != nil {
		return ethcommon.Hash{}, err
	}
	out, err := c.call(ctx, c.info.IBCHandler, data)
	if err != nil {
		return ethcommon.Hash{}, err
	}
	res, err := IBCHandler.Unpack("getStateRoot", out)
	if err != nil {
		return ethcommon.Hash{}, fmt.Errorf("failed to unpack state root: %w", err)
	}
	root := ethcommon.Hash(res[0].([32]byte))
	if root == (ethcommon.Hash{}) {
		return ethcommon.Hash{}, ErrRootNotFound
	}
	return root, nil
}

// IsNullifierSpent checks every zAsset registered for the chain.
func (c *EVMClient) IsNullifierSpent(ctx context.Context, nullifier []byte) (bool, error) {
	data, err := ZAsset.Pack("nullifierSpent", nullifier)
	if err != nil {
		return false, err
	}
	for _, zAsset := range c.info.ZAssets {
		out, err := c.call(ctx, zAsset, data)
		if err != nil {
			return false, err
		}
		res, err := ZAsset.Unpack("nullifierSpent", out)
		if err != nil {
			return false, fmt.Errorf("failed to unpack nullifier state: %w", err)
		}
		if res[0].(bool) {
			return true, nil
		}
	}
	return false, nil
}
