// Package prover is the client side of the state-proof prover service.
package prover

import (
	"context"
	"fmt"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/stateproof"
)

// Request asks for a proof that DepositAddress holds at least Amount of Asset on the source
// chain at a finalized height of at least MinHeight.
type Request struct {
	DepositAddress ethcommon.Address
	Asset          ethcommon.Address
	Amount         *uint256.Int
	SourceChainID  common.UniversalChainID
	MinHeight      uint64
}

// Client obtains ChainStateProofs. Transport failures and timeouts are returned as
// *common.TransientError.
type Client interface {
	GetStateProof(ctx context.Context, req *Request) (*stateproof.ChainStateProof, error)
}

// Wire format shared by the HTTP client and server.
type proofRequestJSON struct {
	DepositAddress string `json:"depositAddress"`
	Asset          string `json:"asset"`
	Amount         string `json:"amount"`
	SourceChainID  string `json:"sourceChainId"`
	MinHeight      uint64 `json:"minHeight"`
}

type proofResponseJSON struct {
	SourceChainID string   `json:"sourceChainId"`
	Height        uint64   `json:"height"`
	StateRoot     string   `json:"stateRoot"`
	Asset         string   `json:"asset"`
	Account       string   `json:"account"`
	Balance       string   `json:"balance"`
	Index         uint64   `json:"index"`
	Siblings      []string `json:"siblings"`
	Error         string   `json:"error,omitempty"`
}

func encodeRequest(r *Request) *proofRequestJSON {
	return &proofRequestJSON{
		DepositAddress: r.DepositAddress.Hex(),
		Asset:          r.Asset.Hex(),
		Amount:         r.Amount.Dec(),
		SourceChainID:  string(r.SourceChainID),
		MinHeight:      r.MinHeight,
	}
}

func decodeRequest(j *proofRequestJSON) (*Request, error) {
	if !ethcommon.IsHexAddress(j.DepositAddress) || !ethcommon.IsHexAddress(j.Asset) {
		return nil, fmt.Errorf("invalid address")
	}
	amount, err := uint256.FromDecimal(j.Amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount: %w", err)
	}
	chainID, err := common.ParseUniversalChainID(j.SourceChainID)
	if err != nil {
		return nil, err
	}
	return &Request{
		DepositAddress: ethcommon.HexToAddress(j.DepositAddress),
		Asset:          ethcommon.HexToAddress(j.Asset),
		Amount:         amount,
		SourceChainID:  chainID,
		MinHeight:      j.MinHeight,
	}, nil
}

func encodeProof(p *stateproof.ChainStateProof) *proofResponseJSON {
	siblings := make([]string, len(p.Siblings))
	for i, s := range p.Siblings {
		siblings[i] = s.Hex()
	}
	return &proofResponseJSON{
		SourceChainID: string(p.SourceChainID),
		Height:        p.Height,
		StateRoot:     p.StateRoot.Hex(),
		Asset:         p.Asset.Hex(),
		Account:       p.Account.Hex(),
		Balance:       p.Balance.Dec(),
		Index:         p.Index,
		Siblings:      siblings,
	}
}

func decodeProof(j *proofResponseJSON) (*stateproof.ChainStateProof, error) {
	balance, err := uint256.FromDecimal(j.Balance)
	if err != nil {
		return nil, fmt.Errorf("invalid balance: %w", err)
	}
	if len(j.Siblings) > stateproof.MaxDepth {
		return nil, stateproof.ErrPathTooLong
	}
	siblings := make([]ethcommon.Hash, len(j.Siblings))
	for i, s := range j.Siblings {
		siblings[i] = ethcommon.HexToHash(s)
	}
	return &stateproof.ChainStateProof{
		SourceChainID: common.UniversalChainID(j.SourceChainID),
		Height:        j.Height,
		StateRoot:     ethcommon.HexToHash(j.StateRoot),
		Asset:         ethcommon.HexToAddress(j.Asset),
		Account:       ethcommon.HexToAddress(j.Account),
		Balance:       balance,
		Index:         j.Index,
		Siblings:      siblings,
	}, nil
}
