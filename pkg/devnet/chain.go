// Package devnet runs a self-contained payment network in process: a chain hosting its own
// loopback light client and zAsset contracts, a prover and an attestor. It backs tests and
// the unsafe devnet environment of zpayd.
package devnet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/attestor"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/chain"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/payment"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/stateproof"
)

const (
	genesisTime = 1_700_000_000
	blockTime   = 12
	gasUsed     = 120_000
)

var gasPrice = big.NewInt(1_000_000_000)

type balanceKey struct {
	asset   ethcommon.Address
	account ethcommon.Address
}

type lightClient struct {
	latest uint64
	roots  map[uint64]ethcommon.Hash
}

// Chain is an automining chain implementing chain.Backend. Every accepted transaction is
// executed and sealed in its own block.
type Chain struct {
	logger    *zap.Logger
	registry  *common.ChainRegistry
	info      *common.ChainInfo
	attestors *attestor.AttestorSet
	txSigner  types.Signer

	mu       sync.Mutex
	balances map[balanceKey]*uint256.Int
	headers  []*types.Header
	trees    []*stateproof.Tree
	clients  map[uint32]*lightClient
	spent    map[string]bool
	receipts map[ethcommon.Hash]*types.Receipt
	nonces   map[ethcommon.Address]uint64
}

func NewChain(logger *zap.Logger, registry *common.ChainRegistry, id common.UniversalChainID, attestors *attestor.AttestorSet) (*Chain, error) {
	info, err := registry.Lookup(id)
	if err != nil {
		return nil, err
	}
	c := &Chain{
		logger:    logger.With(zap.String("component", "devnet"), zap.String("chain", string(id))),
		registry:  registry,
		info:      info,
		attestors: attestors,
		txSigner:  types.LatestSignerForChainID(new(big.Int).SetUint64(info.EVMChainID)),
		balances:  map[balanceKey]*uint256.Int{},
		clients:   map[uint32]*lightClient{info.LightClientID: {roots: map[uint64]ethcommon.Hash{}}},
		spent:     map[string]bool{},
		receipts:  map[ethcommon.Hash]*types.Receipt{},
		nonces:    map[ethcommon.Address]uint64{},
	}
	c.seal()
	return c, nil
}

func (c *Chain) head() uint64 {
	return uint64(len(c.headers) - 1)
}

// seal snapshots the balances into a new block. Callers hold mu.
func (c *Chain) seal() {
	entries := make([]stateproof.Entry, 0, len(c.balances))
	for k, v := range c.balances {
		entries = append(entries, stateproof.Entry{Asset: k.asset, Account: k.account, Balance: v.Clone()})
	}
	tree := stateproof.NewTree(entries)

	number := uint64(len(c.headers))
	h := &types.Header{
		Number:     new(big.Int).SetUint64(number),
		Root:       tree.Root(),
		Time:       genesisTime + number*blockTime,
		Difficulty: big.NewInt(0),
		GasLimit:   30_000_000,
	}
	if number > 0 {
		h.ParentHash = c.headers[number-1].Hash()
	}
	c.headers = append(c.headers, h)
	c.trees = append(c.trees, tree)
}

// Deposit credits amount of asset to account, as a transfer from the payer would, and seals
// a block. It returns the block height.
func (c *Chain) Deposit(asset, account ethcommon.Address, amount *uint256.Int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credit(asset, account, amount)
	c.seal()
	c.logger.Info("deposit", zap.Stringer("asset", asset), zap.Stringer("account", account), zap.String("amount", amount.Dec()))
	return c.head()
}

// Mine seals an empty block.
func (c *Chain) Mine() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seal()
	return c.head()
}

func (c *Chain) credit(asset, account ethcommon.Address, amount *uint256.Int) {
	k := balanceKey{asset, account}
	cur, ok := c.balances[k]
	if !ok {
		cur = new(uint256.Int)
	}
	c.balances[k] = new(uint256.Int).Add(cur, amount)
}

func (c *Chain) Balance(asset, account ethcommon.Address) *uint256.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.balances[balanceKey{asset, account}]; ok {
		return b.Clone()
	}
	return new(uint256.Int)
}

// Snapshot returns the state tree sealed at height.
func (c *Chain) Snapshot(height uint64) (*stateproof.Tree, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if height > c.head() {
		return nil, fmt.Errorf("height %d is beyond head %d", height, c.head())
	}
	return c.trees[height], nil
}

// IsKnownDeposit implements attestor.DepositIndex.
func (c *Chain) IsKnownDeposit(_ context.Context, dst common.UniversalChainID, addr ethcommon.Address) (bool, error) {
	if dst != c.info.ID {
		return false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, zAsset := range c.info.ZAssets {
		if b, ok := c.balances[balanceKey{zAsset, addr}]; ok && !b.IsZero() {
			return true, nil
		}
	}
	return false, nil
}

func (c *Chain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head(), nil
}

func (c *Chain) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if number == nil {
		return types.CopyHeader(c.headers[c.head()]), nil
	}
	if !number.IsUint64() || number.Uint64() > c.head() {
		return nil, ethereum.NotFound
	}
	return types.CopyHeader(c.headers[number.Uint64()]), nil
}

func (c *Chain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if msg.To == nil {
		return nil, errors.New("contract creation is not supported")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case *msg.To == c.info.IBCHandler:
		method, args, err := chain.DecodeCall(chain.IBCHandler, msg.Data)
		if err != nil {
			return nil, err
		}
		lc, ok := c.clients[args[0].(uint32)]
		if !ok {
			return nil, errors.New("execution reverted: unknown client")
		}
		switch method.Name {
		case "getLatestHeight":
			return method.Outputs.Pack(lc.latest)
		case "getStateRoot":
			return method.Outputs.Pack([32]byte(lc.roots[args[1].(uint64)]))
		}
	case c.info.IsZAsset(*msg.To):
		method, args, err := chain.DecodeCall(chain.ZAsset, msg.Data)
		if err != nil {
			return nil, err
		}
		if method.Name == "nullifierSpent" {
			return method.Outputs.Pack(c.spent[spentKey(args[0].([]byte))])
		}
	}
	return nil, fmt.Errorf("execution reverted: no view function at %s", msg.To.Hex())
}

// spentKey ignores the zAsset: a nullifier is spent once per chain, whatever the asset.
func spentKey(nullifier []byte) string {
	return ethcommon.Bytes2Hex(nullifier)
}

func (c *Chain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.receipts[tx.Hash()]; ok {
		return errors.New("already known")
	}
	from, err := types.Sender(c.txSigner, tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	switch expected := c.nonces[from]; {
	case tx.Nonce() < expected:
		return fmt.Errorf("nonce too low: address %s, tx: %d state: %d", from.Hex(), tx.Nonce(), expected)
	case tx.Nonce() > expected:
		return fmt.Errorf("nonce too high: address %s, tx: %d state: %d", from.Hex(), tx.Nonce(), expected)
	}
	c.nonces[from]++

	status := types.ReceiptStatusSuccessful
	if err := c.execute(tx); err != nil {
		status = types.ReceiptStatusFailed
		c.logger.Info("transaction reverted", zap.Stringer("tx", tx.Hash()), zap.Error(err))
	}
	c.seal()

	c.receipts[tx.Hash()] = &types.Receipt{
		Type:        tx.Type(),
		Status:      status,
		TxHash:      tx.Hash(),
		GasUsed:     gasUsed,
		BlockHash:   c.headers[c.head()].Hash(),
		BlockNumber: new(big.Int).SetUint64(c.head()),
	}
	return nil
}

func (c *Chain) execute(tx *types.Transaction) error {
	if tx.To() == nil {
		return errors.New("contract creation is not supported")
	}
	to := *tx.To()
	switch {
	case to == c.info.IBCHandler:
		method, args, err := chain.DecodeCall(chain.IBCHandler, tx.Data())
		if err != nil {
			return err
		}
		if method.Name != "updateClient" {
			return fmt.Errorf("%s is a view function", method.Name)
		}
		return c.updateClient(args[0].(uint32), args[1].(uint64), args[2].([]byte))
	case c.info.IsZAsset(to):
		method, args, err := chain.DecodeCall(chain.ZAsset, tx.Data())
		if err != nil {
			return err
		}
		if method.Name != "redeem" {
			return fmt.Errorf("%s is a view function", method.Name)
		}
		return c.redeem(to, args)
	}
	return fmt.Errorf("no contract at %s", to.Hex())
}

// updateClient accepts canonical headers of this chain only, at increasing heights.
func (c *Chain) updateClient(clientID uint32, height uint64, raw []byte) error {
	lc, ok := c.clients[clientID]
	if !ok {
		return fmt.Errorf("unknown client %d", clientID)
	}
	var h types.Header
	if err := rlp.DecodeBytes(raw, &h); err != nil {
		return fmt.Errorf("invalid header: %w", err)
	}
	if h.Number == nil || !h.Number.IsUint64() || h.Number.Uint64() != height {
		return errors.New("header height mismatch")
	}
	if height > c.head() || c.headers[height].Hash() != h.Hash() {
		return errors.New("header is not canonical")
	}
	if height <= lc.latest {
		return fmt.Errorf("height %d does not advance client %d past %d", height, clientID, lc.latest)
	}
	lc.latest = height
	lc.roots[height] = h.Root
	return nil
}

func (c *Chain) redeem(zAsset ethcommon.Address, args []interface{}) error {
	nullifier := args[0].([]byte)
	beneficiary := args[1].(ethcommon.Address)
	amount, overflow := uint256.FromBig(args[2].(*big.Int))
	if overflow {
		return errors.New("amount overflows")
	}
	clientID := args[3].(uint32)

	proof, err := payment.DecodeProof(args[4].([]byte))
	if err != nil {
		return err
	}
	switch {
	case !bytes.Equal(proof.Nullifier.Bytes(), nullifier):
		return errors.New("nullifier differs from proof")
	case proof.Beneficiary != beneficiary:
		return errors.New("beneficiary differs from proof")
	case !proof.Amount.Eq(amount):
		return errors.New("amount differs from proof")
	case proof.Asset != zAsset:
		return errors.New("proof is for another asset")
	case proof.DestinationChainID != c.info.ID:
		return errors.New("proof is for another chain")
	}
	if err := payment.VerifyProof(c.registry, proof); err != nil {
		return err
	}

	lc, ok := c.clients[clientID]
	if !ok {
		return fmt.Errorf("unknown client %d", clientID)
	}
	if root, ok := lc.roots[proof.Height]; !ok || root != proof.StateRoot {
		return errors.New("state root not verified by light client")
	}

	a, err := attestor.Unmarshal(args[5].([]byte))
	if err != nil {
		return err
	}
	if err := a.Verify(c.attestors); err != nil {
		return err
	}
	if a.UnspendableAddress != proof.DepositAddress || a.Beneficiary != beneficiary || a.DestinationChainID != c.info.ID {
		return errors.New("attestation does not match redemption")
	}

	key := spentKey(nullifier)
	if c.spent[key] {
		return errors.New("nullifier already spent")
	}
	from := balanceKey{zAsset, proof.DepositAddress}
	bal, ok := c.balances[from]
	if !ok || bal.Lt(amount) {
		return errors.New("insufficient deposit balance")
	}

	c.spent[key] = true
	c.balances[from] = new(uint256.Int).Sub(bal, amount)
	c.credit(zAsset, beneficiary, amount)
	return nil
}

func (c *Chain) TransactionReceipt(_ context.Context, txHash ethcommon.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (c *Chain) PendingNonceAt(_ context.Context, account ethcommon.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[account], nil
}

func (c *Chain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(gasPrice), nil
}

func (c *Chain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 2 * gasUsed, nil
}

var _ chain.Backend = (*Chain)(nil)
