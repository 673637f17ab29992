package devnet

import (
	"context"
	"fmt"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/prover"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/stateproof"
)

// Prover proves balances out of the chain's sealed snapshots.
type Prover struct {
	chain *Chain
}

func NewProver(c *Chain) *Prover {
	return &Prover{chain: c}
}

// GetStateProof proves at MinHeight, or at the head when MinHeight is 0.
func (p *Prover) GetStateProof(ctx context.Context, req *prover.Request) (*stateproof.ChainStateProof, error) {
	if req.SourceChainID != p.chain.info.ID {
		return nil, fmt.Errorf("devnet prover only serves %s", p.chain.info.ID)
	}
	head, err := p.chain.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	height := req.MinHeight
	if height == 0 {
		height = head
	}
	if height > head {
		return nil, common.NewTransientError("devnet prover", fmt.Errorf("height %d not sealed yet", height))
	}
	tree, err := p.chain.Snapshot(height)
	if err != nil {
		return nil, err
	}
	proof, err := tree.Prove(req.SourceChainID, height, req.Asset, req.DepositAddress)
	if err != nil {
		return nil, prover.ErrNoProof
	}
	return proof, nil
}
