// Package pipeline runs payments end to end: a fresh key and deposit address for the payer,
// then light client sync, proof, attestation and redemption for the beneficiary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/attestor"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/chain"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/db"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/keys"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/lightclient"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/payment"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/prover"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/redemption"
)

const defaultConcurrency = 8

// Payment is a prepared payment. Key is the only secret; it is destroyed once the payment is redeemed.
type Payment struct {
	ID            uuid.UUID
	Key           *keys.PaymentKey
	Deposit       *payment.DepositAddress
	SourceChainID common.UniversalChainID
	// Asset is the underlying token; the payer deposits its zAsset wrapper, Deposit.ZAsset.
	Asset  ethcommon.Address
	Amount *uint256.Int
}

// Config wires a pipeline to one source and one destination chain.
type Config struct {
	Registry           *common.ChainRegistry
	SourceChainID      common.UniversalChainID
	DestinationChainID common.UniversalChainID
	// ClientID is the light client on the destination tracking the source. Zero selects the
	// destination's loopback client.
	ClientID uint32

	Keys        *keys.KeyManager
	Source      chain.HeightReader
	Destination chain.DestinationChain
	Bridge      *lightclient.Bridge
	Coordinator *redemption.Coordinator
	Prover      prover.Client
	Attestor    attestor.Client
	// Database is optional. Payment records never hold the key.
	Database *db.Database

	// Concurrency bounds RedeemAll. Defaults to 8.
	Concurrency int
	// RedeemTimeout bounds each redemption in RedeemAll. Zero means no timeout.
	RedeemTimeout time.Duration
	RetryPolicy   common.RetryPolicy
}

type Pipeline struct {
	logger    *zap.Logger
	cfg       Config
	clientID  uint32
	deriver   *payment.Deriver
	generator *payment.ProofGenerator
}

func New(logger *zap.Logger, cfg Config) (*Pipeline, error) {
	if _, err := cfg.Registry.Lookup(cfg.SourceChainID); err != nil {
		return nil, err
	}
	dst, err := cfg.Registry.Lookup(cfg.DestinationChainID)
	if err != nil {
		return nil, err
	}
	switch {
	case cfg.Source == nil, cfg.Destination == nil:
		return nil, errors.New("source and destination clients are required")
	case cfg.Bridge == nil, cfg.Coordinator == nil:
		return nil, errors.New("light client bridge and coordinator are required")
	case cfg.Prover == nil, cfg.Attestor == nil:
		return nil, errors.New("prover and attestor are required")
	}
	if cfg.Keys == nil {
		cfg.Keys = keys.NewKeyManager(nil)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.RetryPolicy == (common.RetryPolicy{}) {
		cfg.RetryPolicy = common.DefaultRetryPolicy
	}
	clientID := cfg.ClientID
	if clientID == 0 {
		clientID = dst.LightClientID
	}
	return &Pipeline{
		logger:    logger.With(zap.String("component", "pipeline")),
		cfg:       cfg,
		clientID:  clientID,
		deriver:   payment.NewDeriver(cfg.Registry),
		generator: payment.NewProofGenerator(logger, cfg.Registry),
	}, nil
}

// Prepare draws a fresh key and derives the deposit address the payer sends amount of asset's
// zAsset to. Nothing happens on chain; an unused payment can simply be dropped.
func (p *Pipeline) Prepare(beneficiaries []ethcommon.Address, dst common.UniversalChainID, asset ethcommon.Address, amount *uint256.Int) (*Payment, error) {
	key, err := p.cfg.Keys.GenerateKey()
	if err != nil {
		return nil, err
	}
	pay, err := p.FromKey(key, beneficiaries, dst, asset, amount)
	if err != nil {
		key.Destroy()
		return nil, err
	}
	return pay, nil
}

// FromKey builds the payment of an existing key, e.g. one read back from a keystore.
func (p *Pipeline) FromKey(key *keys.PaymentKey, beneficiaries []ethcommon.Address, dst common.UniversalChainID, asset ethcommon.Address, amount *uint256.Int) (*Payment, error) {
	if amount == nil || amount.IsZero() {
		return nil, errors.New("amount must be positive")
	}
	deposit, err := p.deriver.GetDepositAddress(key, beneficiaries, dst, payment.WithAsset(asset))
	if err != nil {
		return nil, err
	}

	pay := &Payment{
		ID:            uuid.New(),
		Key:           key,
		Deposit:       deposit,
		SourceChainID: p.cfg.SourceChainID,
		Asset:         asset,
		Amount:        amount.Clone(),
	}

	if p.cfg.Database != nil {
		now := time.Now()
		rec := &db.PaymentRecord{
			ID:                 pay.ID,
			DepositAddress:     deposit.Address.Hex(),
			SourceChainID:      pay.SourceChainID,
			DestinationChainID: dst,
			Asset:              deposit.ZAsset.Hex(),
			Amount:             amount.Dec(),
			Status:             db.PaymentAwaitingDeposit,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		for _, b := range deposit.Beneficiaries {
			rec.Beneficiaries = append(rec.Beneficiaries, b.Hex())
		}
		if err := p.cfg.Database.StorePayment(rec); err != nil {
			return nil, err
		}
	}

	p.logger.Info("prepared payment",
		zap.Stringer("id", pay.ID),
		zap.Stringer("depositAddress", deposit.Address),
		zap.String("dst", string(dst)),
		zap.String("amount", amount.Dec()))
	return pay, nil
}

type redeemOptions struct {
	beneficiary *ethcommon.Address
	amount      *uint256.Int
}

type RedeemOption func(*redeemOptions)

// WithBeneficiary picks who is paid. Required when the deposit has more than one beneficiary.
func WithBeneficiary(b ethcommon.Address) RedeemOption {
	return func(o *redeemOptions) { o.beneficiary = &b }
}

// WithAmount redeems less than the prepared amount.
func WithAmount(a *uint256.Int) RedeemOption {
	return func(o *redeemOptions) { o.amount = a }
}

func (p *Pipeline) updateRecord(id uuid.UUID, fn func(r *db.PaymentRecord)) {
	if p.cfg.Database == nil {
		return
	}
	if _, err := p.cfg.Database.UpdatePayment(id, fn); err != nil && !errors.Is(err, db.ErrNotFound) {
		p.logger.Error("failed to update payment record", zap.Stringer("id", id), zap.Error(err))
	}
}

// Redeem pays the deposit of pay out to its beneficiary on the destination chain and destroys
// the key once the nullifier is spent.
func (p *Pipeline) Redeem(ctx context.Context, pay *Payment, opts ...RedeemOption) (*chain.Receipt, error) {
	var o redeemOptions
	for _, opt := range opts {
		opt(&o)
	}

	if pay.Key.IsDestroyed() {
		return nil, payment.ErrKeyDestroyed
	}
	dst := pay.Deposit.DestinationChainID
	if dst != p.cfg.DestinationChainID {
		return nil, fmt.Errorf("pipeline redeems on %s, payment is for %s", p.cfg.DestinationChainID, dst)
	}
	beneficiary, err := pickBeneficiary(pay.Deposit, o.beneficiary)
	if err != nil {
		return nil, err
	}
	amount := pay.Amount
	if o.amount != nil {
		amount = o.amount
	}

	logger := p.logger.With(zap.Stringer("id", pay.ID), zap.Stringer("beneficiary", beneficiary))

	nullifier, err := p.deriver.GetNullifier(pay.Key, dst)
	if err != nil {
		return nil, err
	}
	p.updateRecord(pay.ID, func(r *db.PaymentRecord) {
		r.Status = db.PaymentRedeeming
		r.Nullifier = nullifier.Hex()
		r.Error = ""
	})

	receipt, err := p.redeem(ctx, logger, pay, nullifier, beneficiary, amount)
	var already *common.AlreadyRedeemedError
	switch {
	case err == nil:
		pay.Key.Destroy()
		p.updateRecord(pay.ID, func(r *db.PaymentRecord) {
			r.Status = db.PaymentRedeemed
			r.TxHash = receipt.TxHash.Hex()
		})
		logger.Info("payment redeemed", zap.Stringer("tx", receipt.TxHash))
		return receipt, nil
	case errors.As(err, &already):
		pay.Key.Destroy()
		p.updateRecord(pay.ID, func(r *db.PaymentRecord) { r.Status = db.PaymentRedeemed })
		return nil, err
	default:
		retryable := common.IsRetryable(err)
		p.updateRecord(pay.ID, func(r *db.PaymentRecord) {
			if !retryable {
				r.Status = db.PaymentFailed
			}
			r.Error = err.Error()
		})
		logger.Warn("redemption failed", zap.Bool("retryable", retryable), zap.Error(err))
		return nil, err
	}
}

func (p *Pipeline) redeem(ctx context.Context, logger *zap.Logger, pay *Payment, nullifier payment.Nullifier, beneficiary ethcommon.Address, amount *uint256.Int) (*chain.Receipt, error) {
	dst := pay.Deposit.DestinationChainID

	// A spent nullifier needs no proof.
	spent, err := common.Retry(ctx, logger, p.cfg.RetryPolicy, "check nullifier", func() (bool, error) {
		return p.cfg.Destination.IsNullifierSpent(ctx, nullifier.Bytes())
	})
	if err != nil {
		return nil, err
	}
	if spent {
		return nil, &common.AlreadyRedeemedError{Nullifier: nullifier.Hex()}
	}

	state, err := p.cfg.Bridge.Sync(ctx, p.clientID, pay.SourceChainID)
	if err != nil {
		return nil, err
	}
	logger.Debug("light client synced", zap.Uint64("height", state.LatestVerifiedHeight))

	proof, err := p.generator.GenerateProof(ctx, &payment.ProofRequest{
		Key:                pay.Key,
		Deposit:            pay.Deposit,
		Nullifier:          nullifier,
		Beneficiary:        beneficiary,
		Amount:             amount,
		SourceChainID:      pay.SourceChainID,
		DestinationChainID: dst,
		ClientID:           p.clientID,
		SourceClient:       p.cfg.Source,
		DestinationClient:  p.cfg.Destination,
		Prover:             p.cfg.Prover,
	})
	if err != nil {
		return nil, err
	}

	a, err := common.Retry(ctx, logger, p.cfg.RetryPolicy, "get attestation", func() (*attestor.Attestation, error) {
		return p.cfg.Attestor.GetAttestation(ctx, &attestor.Request{
			UnspendableAddress: pay.Deposit.Address,
			Beneficiary:        beneficiary,
			DestinationChainID: dst,
		})
	})
	if err != nil {
		return nil, err
	}

	req, err := p.cfg.Coordinator.PrepareRedemption(ctx, proof, a, dst, redemption.WithClientID(p.clientID))
	if err != nil {
		return nil, err
	}
	return p.cfg.Coordinator.SubmitRedemption(ctx, req)
}

func pickBeneficiary(d *payment.DepositAddress, chosen *ethcommon.Address) (ethcommon.Address, error) {
	if chosen != nil {
		if !d.HasBeneficiary(*chosen) {
			return ethcommon.Address{}, fmt.Errorf("%s is not a beneficiary of %s", chosen.Hex(), d.Address.Hex())
		}
		return *chosen, nil
	}
	if len(d.Beneficiaries) != 1 {
		return ethcommon.Address{}, fmt.Errorf("deposit %s has %d beneficiaries, choose one", d.Address.Hex(), len(d.Beneficiaries))
	}
	return d.Beneficiaries[0], nil
}

// Result is the outcome of one payment in RedeemAll.
type Result struct {
	ID      uuid.UUID
	Receipt *chain.Receipt
	Err     error
}

// RedeemAll redeems independent payments concurrently. A failing or panicking payment does
// not affect the others; results are in the order of pays.
func (p *Pipeline) RedeemAll(ctx context.Context, pays []*Payment) []Result {
	results := make([]Result, len(pays))
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)

	for i, pay := range pays {
		results[i].ID = pay.ID
		run := common.WrapWithScissors(func(ctx context.Context) error {
			if p.cfg.RedeemTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, p.cfg.RedeemTimeout)
				defer cancel()
			}
			receipt, err := p.Redeem(ctx, pay)
			results[i].Receipt = receipt
			return err
		}, fmt.Sprintf("redeem %s", pay.ID))
		g.Go(func() error {
			results[i].Err = run(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
