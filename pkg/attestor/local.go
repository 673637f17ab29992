package attestor

import (
	"context"
	"fmt"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/signer"
)

// DepositIndex reports whether a deposit address has been funded.
type DepositIndex interface {
	IsKnownDeposit(ctx context.Context, dst common.UniversalChainID, addr ethcommon.Address) (bool, error)
}

// Local attests with in-process signers. It backs the devnet and tests, and is what an attestor
// service runs behind Handler.
type Local struct {
	logger   *zap.Logger
	setIndex uint32
	signers  []signer.Signer
	deposits DepositIndex
}

// NewLocal returns an attestor signing with every signer, which together form set setIndex
// in the given order.
func NewLocal(logger *zap.Logger, setIndex uint32, deposits DepositIndex, signers ...signer.Signer) *Local {
	return &Local{
		logger:   logger.With(zap.String("component", "attestor")),
		setIndex: setIndex,
		signers:  signers,
		deposits: deposits,
	}
}

// Set returns the attestor set the signatures of l verify against.
func (l *Local) Set(ctx context.Context) (*AttestorSet, error) {
	return NewSetFromSigners(ctx, l.setIndex, l.signers...)
}

func (l *Local) GetAttestation(ctx context.Context, req *Request) (*Attestation, error) {
	if l.deposits != nil {
		known, err := l.deposits.IsKnownDeposit(ctx, req.DestinationChainID, req.UnspendableAddress)
		if err != nil {
			return nil, err
		}
		if !known {
			return nil, ErrUnknownDeposit
		}
	}

	a := New(l.setIndex, req.UnspendableAddress, req.Beneficiary, req.DestinationChainID)
	for i, s := range l.signers {
		if err := a.AddSignature(ctx, s, uint8(i)); err != nil {
			return nil, fmt.Errorf("attestor %d failed to sign: %w", i, err)
		}
	}
	l.logger.Info("attested deposit",
		zap.Stringer("unspendableAddress", req.UnspendableAddress),
		zap.Stringer("beneficiary", req.Beneficiary))
	return a, nil
}
