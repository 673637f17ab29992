// Package redemption turns a redemption proof and its attestation into a redeem transaction
// on the destination chain, at most once per nullifier.
package redemption

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/attestor"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/chain"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/db"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/payment"
)

var redemptionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "zpay_redemptions_total",
		Help: "Total number of redemption submissions by result",
	}, []string{"result"})

const (
	spentCacheSize = 4096
	redeemGasLimit = 800_000
	// resolveTimeout bounds the receipt lookup after an ambiguous submission failure.
	resolveTimeout = 30 * time.Second
)

// RedemptionRequest is a verified redemption, ready to be signed and submitted.
type RedemptionRequest struct {
	Nullifier          payment.Nullifier
	DestinationChainID common.UniversalChainID
	ClientID           uint32
	// To is the zAsset contract paying out.
	To          ethcommon.Address
	Beneficiary ethcommon.Address
	Proof       *payment.RedemptionProof
	Attestation *attestor.Attestation
	Calldata    []byte
}

// IdempotencyKey names the redemption so a retried submission reuses its transaction.
func (r *RedemptionRequest) IdempotencyKey() string {
	return fmt.Sprintf("redeem/%s/%s", r.DestinationChainID, r.Nullifier.Hex())
}

type Coordinator struct {
	logger    *zap.Logger
	registry  *common.ChainRegistry
	dst       *common.ChainInfo
	client    chain.DestinationChain
	wallet    chain.Wallet
	attestors *attestor.AttestorSet
	// database is optional.
	database *db.Database
	policy   common.RetryPolicy

	spent *lru.Cache
	locks *nullifierLocks
}

type Option func(*Coordinator)

func WithDatabase(d *db.Database) Option {
	return func(c *Coordinator) { c.database = d }
}

func WithRetryPolicy(p common.RetryPolicy) Option {
	return func(c *Coordinator) { c.policy = p }
}

func NewCoordinator(logger *zap.Logger, registry *common.ChainRegistry, dst common.UniversalChainID, client chain.DestinationChain, wallet chain.Wallet, attestors *attestor.AttestorSet, opts ...Option) (*Coordinator, error) {
	info, err := registry.Lookup(dst)
	if err != nil {
		return nil, err
	}
	if attestors == nil || len(attestors.Keys) == 0 {
		return nil, errors.New("empty attestor set")
	}
	cache, err := lru.New(spentCacheSize)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		logger:    logger.With(zap.String("component", "redemption"), zap.String("dst", string(dst))),
		registry:  registry,
		dst:       info,
		client:    client,
		wallet:    wallet,
		attestors: attestors,
		policy:    common.DefaultRetryPolicy,
		spent:     cache,
		locks:     newNullifierLocks(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type prepareOptions struct {
	clientID *uint32
	contract *ethcommon.Address
}

type PrepareOption func(*prepareOptions)

// WithClientID selects the light client that verified the proof's state root. Defaults to
// the destination's loopback client.
func WithClientID(id uint32) PrepareOption {
	return func(o *prepareOptions) { o.clientID = &id }
}

// WithContract sets the zAsset contract to redeem from. Defaults to the proof's asset when
// it is registered on the destination chain.
func WithContract(addr ethcommon.Address) PrepareOption {
	return func(o *prepareOptions) { o.contract = &addr }
}

func mismatch(format string, args ...any) error {
	return &common.AttestationMismatchError{Reason: fmt.Sprintf(format, args...)}
}

// PrepareRedemption verifies the proof and checks that the attestation is signed by a quorum
// of the attestor set and binds the proof's deposit address to its beneficiary on dst.
func (c *Coordinator) PrepareRedemption(ctx context.Context, proof *payment.RedemptionProof, a *attestor.Attestation, dst common.UniversalChainID, opts ...PrepareOption) (*RedemptionRequest, error) {
	var o prepareOptions
	for _, opt := range opts {
		opt(&o)
	}

	if _, err := c.registry.Lookup(dst); err != nil {
		return nil, err
	}
	if dst != c.dst.ID {
		return nil, fmt.Errorf("coordinator serves %s, not %s", c.dst.ID, dst)
	}
	if proof == nil {
		return nil, errors.New("missing proof")
	}
	if proof.DestinationChainID != dst {
		return nil, fmt.Errorf("%w: proof is bound to %s", payment.ErrInvalidProof, proof.DestinationChainID)
	}
	if err := payment.VerifyProof(c.registry, proof); err != nil {
		return nil, err
	}

	if a == nil {
		return nil, mismatch("missing attestation")
	}
	if err := a.Verify(c.attestors); err != nil {
		return nil, mismatch("%v", err)
	}
	switch {
	case a.UnspendableAddress != proof.DepositAddress:
		return nil, mismatch("attested address %s, proof deposit address %s", a.UnspendableAddress.Hex(), proof.DepositAddress.Hex())
	case a.Beneficiary != proof.Beneficiary:
		return nil, mismatch("attested beneficiary %s, proof beneficiary %s", a.Beneficiary.Hex(), proof.Beneficiary.Hex())
	case a.DestinationChainID != dst:
		return nil, mismatch("attested destination %s, expected %s", a.DestinationChainID, dst)
	}

	to := proof.Asset
	if o.contract != nil {
		to = *o.contract
	}
	if !c.dst.IsZAsset(to) {
		return nil, &common.UnknownAssetError{ChainID: dst, Asset: to}
	}
	clientID := c.dst.LightClientID
	if o.clientID != nil {
		clientID = *o.clientID
	}

	if err := c.checkRoot(ctx, clientID, proof); err != nil {
		return nil, err
	}

	encodedProof, err := payment.EncodeProof(proof)
	if err != nil {
		return nil, err
	}
	encodedAttestation, err := a.Marshal()
	if err != nil {
		return nil, err
	}
	calldata, err := chain.ZAsset.Pack("redeem",
		proof.Nullifier.Bytes(),
		proof.Beneficiary,
		proof.Amount.ToBig(),
		clientID,
		encodedProof,
		encodedAttestation)
	if err != nil {
		return nil, fmt.Errorf("failed to encode redemption: %w", err)
	}

	return &RedemptionRequest{
		Nullifier:          proof.Nullifier,
		DestinationChainID: dst,
		ClientID:           clientID,
		To:                 to,
		Beneficiary:        proof.Beneficiary,
		Proof:              proof,
		Attestation:        a,
		Calldata:           calldata,
	}, nil
}

// checkRoot requires the destination light client to have verified the proof's state root.
func (c *Coordinator) checkRoot(ctx context.Context, clientID uint32, proof *payment.RedemptionProof) error {
	root, err := common.Retry(ctx, c.logger, c.policy, "read verified root", func() (ethcommon.Hash, error) {
		return c.client.GetVerifiedRoot(ctx, clientID, proof.Height)
	})
	if errors.Is(err, chain.ErrRootNotFound) {
		return &common.StaleStateError{ProofHeight: proof.Height, Reason: "no verified root at proof height"}
	}
	if err != nil {
		return err
	}
	if root != proof.StateRoot {
		return fmt.Errorf("%w: state root %s differs from verified root %s", payment.ErrInvalidProof, proof.StateRoot.Hex(), root.Hex())
	}
	return nil
}

// isSpentLocally consults the cache, then the database.
func (c *Coordinator) isSpentLocally(n payment.Nullifier) (bool, error) {
	if c.spent.Contains(n) {
		return true, nil
	}
	if c.database == nil {
		return false, nil
	}
	spent, err := c.database.IsNullifierSpent(n.Bytes())
	if err != nil {
		return false, err
	}
	if spent {
		c.spent.Add(n, struct{}{})
	}
	return spent, nil
}

func (c *Coordinator) isSpentOnChain(ctx context.Context, n payment.Nullifier) (bool, error) {
	return common.Retry(ctx, c.logger, c.policy, "check nullifier", func() (bool, error) {
		return c.client.IsNullifierSpent(ctx, n.Bytes())
	})
}

func (c *Coordinator) recordSpent(req *RedemptionRequest, receipt *chain.Receipt) {
	c.spent.Add(req.Nullifier, struct{}{})
	if c.database == nil {
		return
	}
	rec := &db.SpentNullifier{
		Nullifier:          req.Nullifier.Hex(),
		DestinationChainID: req.DestinationChainID,
		RedeemedAt:         time.Now(),
	}
	if receipt != nil {
		rec.TxHash = receipt.TxHash.Hex()
		rec.BlockNumber = receipt.BlockNumber
	}
	if err := c.database.StoreSpentNullifier(req.Nullifier.Bytes(), rec); err != nil {
		c.logger.Error("failed to persist spent nullifier", zap.Stringer("nullifier", req.Nullifier), zap.Error(err))
	}
}

func (c *Coordinator) alreadyRedeemed(req *RedemptionRequest, receipt *chain.Receipt) error {
	c.recordSpent(req, receipt)
	redemptionsTotal.WithLabelValues("already_redeemed").Inc()
	return &common.AlreadyRedeemedError{Nullifier: req.Nullifier.Hex()}
}

// SubmitRedemption submits req and waits for its receipt. A nullifier already spent, locally
// known or on chain, fails with AlreadyRedeemedError without submitting. Concurrent calls for
// one nullifier are serialized.
func (c *Coordinator) SubmitRedemption(ctx context.Context, req *RedemptionRequest) (*chain.Receipt, error) {
	unlock := c.locks.lock(req.Nullifier)
	defer unlock()

	logger := c.logger.With(zap.Stringer("nullifier", req.Nullifier), zap.Stringer("beneficiary", req.Beneficiary))

	spent, err := c.isSpentLocally(req.Nullifier)
	if err != nil {
		return nil, err
	}
	if spent {
		redemptionsTotal.WithLabelValues("already_redeemed").Inc()
		return nil, &common.AlreadyRedeemedError{Nullifier: req.Nullifier.Hex()}
	}
	if spent, err = c.isSpentOnChain(ctx, req.Nullifier); err != nil {
		return nil, err
	}
	if spent {
		return nil, c.alreadyRedeemed(req, nil)
	}

	signed, err := c.wallet.Sign(ctx, &chain.Request{
		Kind:           chain.KindRedeem,
		ChainID:        req.DestinationChainID,
		To:             req.To,
		Data:           req.Calldata,
		IdempotencyKey: req.IdempotencyKey(),
		GasLimit:       redeemGasLimit,
	})
	if err != nil {
		return nil, err
	}

	txHash, err := common.Retry(ctx, logger, c.policy, "submit redemption", func() (ethcommon.Hash, error) {
		accepted, h, err := chain.Broadcast(ctx, c.client, c.wallet, signed)
		signed = accepted
		return h, err
	})
	if err != nil {
		return c.resolve(ctx, logger, req, signed.Hash, err)
	}
	logger.Info("submitted redemption", zap.Stringer("tx", txHash))

	receipt, err := common.Retry(ctx, logger, c.policy, "wait for redemption", func() (*chain.Receipt, error) {
		return c.client.WaitForReceipt(ctx, txHash)
	})
	if err != nil {
		return c.resolve(ctx, logger, req, txHash, err)
	}

	c.recordSpent(req, receipt)
	redemptionsTotal.WithLabelValues("ok").Inc()
	logger.Info("redeemed", zap.Stringer("tx", receipt.TxHash), zap.Uint64("block", receipt.BlockNumber))
	return receipt, nil
}

// resolve decides the outcome after a failed or ambiguous submission: our own transaction may
// have landed, someone else may have spent the nullifier, or nothing happened and cause stands.
func (c *Coordinator) resolve(ctx context.Context, logger *zap.Logger, req *RedemptionRequest, txHash ethcommon.Hash, cause error) (*chain.Receipt, error) {
	logger.Warn("redemption outcome ambiguous, re-checking chain state", zap.Stringer("tx", txHash), zap.Error(cause))

	rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	receipt, err := c.client.WaitForReceipt(rctx, txHash)
	cancel()
	if err == nil && receipt.Successful() {
		c.recordSpent(req, receipt)
		redemptionsTotal.WithLabelValues("ok").Inc()
		return receipt, nil
	}

	spent, err := c.isSpentOnChain(ctx, req.Nullifier)
	if err != nil {
		redemptionsTotal.WithLabelValues("failed").Inc()
		return nil, cause
	}
	if spent {
		return nil, c.alreadyRedeemed(req, nil)
	}
	redemptionsTotal.WithLabelValues("failed").Inc()
	return nil, cause
}

type refLock struct {
	sync.Mutex
	refs int
}

// nullifierLocks hands out one mutex per nullifier and forgets it once unused.
type nullifierLocks struct {
	mu    sync.Mutex
	locks map[payment.Nullifier]*refLock
}

func newNullifierLocks() *nullifierLocks {
	return &nullifierLocks{locks: map[payment.Nullifier]*refLock{}}
}

func (l *nullifierLocks) lock(n payment.Nullifier) func() {
	l.mu.Lock()
	rl, ok := l.locks[n]
	if !ok {
		rl = &refLock{}
		l.locks[n] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, n)
		}
		l.mu.Unlock()
	}
}
