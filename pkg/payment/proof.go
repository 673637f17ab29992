package payment

import (
	"context"
	"errors"
	"fmt"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/chain"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/keys"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/prover"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/stateproof"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/zkp"
)

const proofProtocol = "zpay-redemption-v1"

// PublicInputs are the values a redemption proof is bound to. Changing any of them
// invalidates the proof.
type PublicInputs struct {
	DepositAddress     ethcommon.Address
	Commitment         []byte
	Nullifier          Nullifier
	Beneficiaries      []ethcommon.Address
	Beneficiary        ethcommon.Address
	Amount             *uint256.Int
	Asset              ethcommon.Address
	SourceChainID      common.UniversalChainID
	DestinationChainID common.UniversalChainID
	Height             uint64
	StateRoot          ethcommon.Hash
}

func (pi *PublicInputs) transcript() *zkp.Transcript {
	t := zkp.NewTranscript(proofProtocol)
	t.Append("depositAddress", pi.DepositAddress.Bytes())
	t.Append("commitment", pi.Commitment)
	t.Append("nullifier", pi.Nullifier.Bytes())
	for _, b := range pi.Beneficiaries {
		t.Append("beneficiarySet", b.Bytes())
	}
	t.Append("beneficiary", pi.Beneficiary.Bytes())
	amount := pi.Amount.Bytes32()
	t.Append("amount", amount[:])
	t.Append("asset", pi.Asset.Bytes())
	t.Append("sourceChainId", []byte(pi.SourceChainID))
	t.Append("destinationChainId", []byte(pi.DestinationChainID))
	height := uint256.NewInt(pi.Height).Bytes32()
	t.Append("height", height[:])
	t.Append("stateRoot", pi.StateRoot.Bytes())
	return t
}

func (pi *PublicInputs) statement() (*zkp.DLEQStatement, error) {
	p, err := zkp.ParsePoint(pi.Commitment)
	if err != nil {
		return nil, fmt.Errorf("commitment: %w", err)
	}
	n, err := pi.Nullifier.point()
	if err != nil {
		return nil, fmt.Errorf("nullifier: %w", err)
	}
	return &zkp.DLEQStatement{
		G: depositBase(pi.DestinationChainID, pi.Beneficiaries),
		P: p,
		H: nullifierBase(pi.DestinationChainID),
		N: n,
	}, nil
}

// RedemptionProof shows knowledge of a payment key whose deposit address holds at least Amount
// and whose nullifier is Nullifier, without revealing the key.
type RedemptionProof struct {
	PublicInputs
	StateProof *stateproof.ChainStateProof
	Proof      zkp.DLEQProof
}

// witness is the private input of the prover. It never leaves GenerateProof.
type witness struct {
	key         *keys.PaymentKey
	nullifier   Nullifier
	beneficiary ethcommon.Address
	amount      *uint256.Int
	stateProof  *stateproof.ChainStateProof
}

// ProofRequest carries the inputs of GenerateProof.
type ProofRequest struct {
	Key                *keys.PaymentKey
	Deposit            *DepositAddress
	Nullifier          Nullifier
	Beneficiary        ethcommon.Address
	Amount             *uint256.Int
	SourceChainID      common.UniversalChainID
	DestinationChainID common.UniversalChainID
	// Asset is the zAsset the deposit was paid in on the source chain. Defaults to Deposit.ZAsset.
	Asset ethcommon.Address
	// ClientID is the light client on the destination chain tracking the source chain.
	ClientID          uint32
	SourceClient      chain.HeightReader
	DestinationClient chain.LightClientReader
	Prover            prover.Client
}

// ProofGenerator builds redemption proofs.
type ProofGenerator struct {
	logger   *zap.Logger
	registry *common.ChainRegistry
	deriver  *Deriver
}

func NewProofGenerator(logger *zap.Logger, registry *common.ChainRegistry) *ProofGenerator {
	return &ProofGenerator{
		logger:   logger.With(zap.String("component", "proofgen")),
		registry: registry,
		deriver:  NewDeriver(registry),
	}
}

func invalidWitness(format string, args ...any) error {
	return common.NewProofGenerationError(common.ProofErrInvalidWitness, fmt.Sprintf(format, args...), nil)
}

func malformed(msg string, cause error) error {
	return common.NewProofGenerationError(common.ProofErrMalformedStateProof, msg, cause)
}

// GenerateProof obtains a state proof for the deposit from the prover, checks it against the
// destination light client and proves knowledge of the key. It returns a proof or an error,
// never a partial result.
func (g *ProofGenerator) GenerateProof(ctx context.Context, req *ProofRequest) (*RedemptionProof, error) {
	if _, err := g.registry.Lookup(req.SourceChainID); err != nil {
		return nil, err
	}
	if _, err := g.registry.Lookup(req.DestinationChainID); err != nil {
		return nil, err
	}
	if err := g.checkWitness(req); err != nil {
		return nil, err
	}
	asset := req.Asset
	if asset == (ethcommon.Address{}) {
		asset = req.Deposit.ZAsset
	}
	if asset == (ethcommon.Address{}) {
		return nil, invalidWitness("no asset given for deposit %s", req.Deposit.Address.Hex())
	}

	logger := g.logger.With(
		zap.Stringer("depositAddress", req.Deposit.Address),
		zap.Stringer("nullifier", req.Nullifier),
		zap.String("src", string(req.SourceChainID)),
		zap.String("dst", string(req.DestinationChainID)))

	verifiedHeight, err := req.DestinationClient.GetLatestVerifiedHeight(ctx, req.ClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to read light client %d: %w", req.ClientID, err)
	}

	sp, err := req.Prover.GetStateProof(ctx, &prover.Request{
		DepositAddress: req.Deposit.Address,
		Asset:          asset,
		Amount:         req.Amount,
		SourceChainID:  req.SourceChainID,
		MinHeight:      verifiedHeight,
	})
	if err != nil {
		var transient *common.TransientError
		switch {
		case errors.Is(err, prover.ErrNoProof):
			return nil, common.NewProofGenerationError(common.ProofErrInsufficientBalance, "no confirmed deposit", err)
		case errors.As(err, &transient):
			return nil, common.NewProofGenerationError(common.ProofErrProverUnavailable, "prover request failed", err)
		}
		return nil, common.NewProofGenerationError(common.ProofErrProverRejected, "prover rejected request", err)
	}

	if err := g.checkStateProof(ctx, req, asset, sp, verifiedHeight); err != nil {
		logger.Info("rejected state proof", zap.Uint64("proofHeight", sp.Height), zap.Uint64("verifiedHeight", verifiedHeight), zap.Error(err))
		return nil, err
	}

	w := &witness{
		key:         req.Key,
		nullifier:   req.Nullifier,
		beneficiary: req.Beneficiary,
		amount:      req.Amount,
		stateProof:  sp,
	}
	proof, err := prove(req.Deposit, req.SourceChainID, asset, w)
	if err != nil {
		return nil, err
	}

	logger.Info("generated redemption proof", zap.Uint64("height", sp.Height))
	return proof, nil
}

// checkWitness validates the private inputs against each other before any I/O.
func (g *ProofGenerator) checkWitness(req *ProofRequest) error {
	if req.Key == nil || req.Deposit == nil || req.Amount == nil {
		return invalidWitness("missing key, deposit or amount")
	}
	if req.Amount.IsZero() {
		return invalidWitness("zero amount")
	}
	if req.Deposit.DestinationChainID != req.DestinationChainID {
		return invalidWitness("deposit is bound to %s, not %s", req.Deposit.DestinationChainID, req.DestinationChainID)
	}
	if !req.Deposit.HasBeneficiary(req.Beneficiary) {
		return invalidWitness("beneficiary %s is not in the deposit's beneficiary set", req.Beneficiary.Hex())
	}

	expected, err := g.deriver.GetDepositAddress(req.Key, req.Deposit.Beneficiaries, req.DestinationChainID)
	if err != nil {
		return err
	}
	if expected.Address != req.Deposit.Address {
		return invalidWitness("deposit address was not derived from this key")
	}
	nullifier, err := g.deriver.GetNullifier(req.Key, req.DestinationChainID)
	if err != nil {
		return err
	}
	if nullifier != req.Nullifier {
		return invalidWitness("nullifier was not derived from this key")
	}
	return nil
}

func (g *ProofGenerator) checkStateProof(ctx context.Context, req *ProofRequest, asset ethcommon.Address, sp *stateproof.ChainStateProof, verifiedHeight uint64) error {
	if sp.SourceChainID != req.SourceChainID {
		return malformed(fmt.Sprintf("proof is for chain %s", sp.SourceChainID), nil)
	}
	if sp.Account != req.Deposit.Address || sp.Asset != asset {
		return malformed("proof is for a different account or asset", nil)
	}
	if sp.Height > verifiedHeight {
		return &common.StaleStateError{ProofHeight: sp.Height, VerifiedHeight: verifiedHeight, Reason: "light client has not verified the proof height"}
	}

	if req.SourceClient != nil {
		head, err := req.SourceClient.LatestHeight(ctx)
		if err != nil {
			return fmt.Errorf("failed to read source chain height: %w", err)
		}
		if sp.Height > head {
			return malformed(fmt.Sprintf("proof height %d is beyond source chain head %d", sp.Height, head), nil)
		}
	}

	root, err := req.DestinationClient.GetVerifiedRoot(ctx, req.ClientID, sp.Height)
	if errors.Is(err, chain.ErrRootNotFound) {
		return &common.StaleStateError{ProofHeight: sp.Height, VerifiedHeight: verifiedHeight, Reason: "no verified root at proof height"}
	}
	if err != nil {
		return fmt.Errorf("failed to read verified root: %w", err)
	}
	if root != sp.StateRoot {
		return malformed("state root differs from light client root", nil)
	}
	if err := sp.Verify(); err != nil {
		return malformed("inclusion proof does not verify", err)
	}
	if !sp.Covers(req.Amount) {
		return common.NewProofGenerationError(common.ProofErrInsufficientBalance,
			fmt.Sprintf("deposit holds %s, redemption needs %s", sp.Balance.Dec(), req.Amount.Dec()), nil)
	}
	return nil
}

func prove(deposit *DepositAddress, src common.UniversalChainID, asset ethcommon.Address, w *witness) (*RedemptionProof, error) {
	pi := PublicInputs{
		DepositAddress:     deposit.Address,
		Commitment:         append([]byte(nil), deposit.Commitment...),
		Nullifier:          w.nullifier,
		Beneficiaries:      append([]ethcommon.Address(nil), deposit.Beneficiaries...),
		Beneficiary:        w.beneficiary,
		Amount:             w.amount.Clone(),
		Asset:              asset,
		SourceChainID:      src,
		DestinationChainID: deposit.DestinationChainID,
		Height:             w.stateProof.Height,
		StateRoot:          w.stateProof.StateRoot,
	}
	st, err := pi.statement()
	if err != nil {
		return nil, invalidWitness("%v", err)
	}

	k := w.key.Scalar()
	defer k.Zero()
	dleq, err := zkp.ProveDLEQ(pi.transcript(), st, k)
	if err != nil {
		return nil, invalidWitness("%v", err)
	}

	return &RedemptionProof{
		PublicInputs: pi,
		StateProof:   w.stateProof,
		Proof:        *dleq,
	}, nil
}
