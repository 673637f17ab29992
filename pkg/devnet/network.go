package devnet

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/attestor"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/chain"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/signer"
)

// NumAttestors is the size of the devnet attestor set.
const NumAttestors = 3

// Network wires a devnet chain to the clients the payment core uses against real networks.
type Network struct {
	Registry    *common.ChainRegistry
	Chain       *Chain
	Client      *chain.EVMClient
	Wallet      *chain.EVMWallet
	Prover      *Prover
	Attestor    *attestor.Local
	AttestorSet *attestor.AttestorSet
	// ClientID is the loopback light client the chain hosts for itself.
	ClientID uint32
}

// NewNetwork starts a devnet on common.DevnetChainID. All keys are deterministic.
func NewNetwork(ctx context.Context, logger *zap.Logger, opts ...chain.EVMOption) (*Network, error) {
	registry := common.DevnetRegistry()
	info, err := registry.Lookup(common.DevnetChainID)
	if err != nil {
		return nil, err
	}

	signers := make([]signer.Signer, NumAttestors)
	for i := range signers {
		signers[i] = signer.DeterministicSigner(fmt.Sprintf("attestor-%d", i))
	}
	set, err := attestor.NewSetFromSigners(ctx, 0, signers...)
	if err != nil {
		return nil, err
	}

	c, err := NewChain(logger, registry, info.ID, set)
	if err != nil {
		return nil, err
	}
	client := chain.NewEVMClient(logger, c, info, opts...)

	return &Network{
		Registry:    registry,
		Chain:       c,
		Client:      client,
		Wallet:      chain.NewEVMWallet(ctx, signer.DeterministicSigner("relayer"), client),
		Prover:      NewProver(c),
		Attestor:    attestor.NewLocal(logger, set.Index, c, signers...),
		AttestorSet: set,
		ClientID:    info.LightClientID,
	}, nil
}
