// Package stateproof implements the source-chain state commitments the light client verifies:
// a keccak256 binary Merkle tree over (asset, account, balance) leaves.
package stateproof

import (
	"errors"
	"fmt"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
)

const (
	leafPrefix = 0x00
	nodePrefix = 0x01

	// MaxDepth bounds the sibling path accepted from a prover.
	MaxDepth = 64
)

var (
	ErrNilBalance    = errors.New("missing balance")
	ErrRootMismatch  = errors.New("merkle path does not lead to state root")
	ErrPathTooLong   = errors.New("merkle path too long")
	ErrIndexTooLarge = errors.New("leaf index outside of tree")
)

// ChainStateProof proves that account held balance of asset in the source chain state
// committed to by StateRoot at Height.
type ChainStateProof struct {
	SourceChainID common.UniversalChainID
	Height        uint64
	StateRoot     ethcommon.Hash
	Asset         ethcommon.Address
	Account       ethcommon.Address
	Balance       *uint256.Int
	Index         uint64
	Siblings      []ethcommon.Hash
}

// LeafHash commits to one (asset, account, balance) entry.
func LeafHash(asset, account ethcommon.Address, balance *uint256.Int) ethcommon.Hash {
	b := balance.Bytes32()
	return crypto.Keccak256Hash([]byte{leafPrefix}, asset.Bytes(), account.Bytes(), b[:])
}

func nodeHash(left, right ethcommon.Hash) ethcommon.Hash {
	return crypto.Keccak256Hash([]byte{nodePrefix}, left.Bytes(), right.Bytes())
}

// ComputeRoot folds the sibling path over the leaf.
func (p *ChainStateProof) ComputeRoot() (ethcommon.Hash, error) {
	if p.Balance == nil {
		return ethcommon.Hash{}, ErrNilBalance
	}
	if len(p.Siblings) > MaxDepth {
		return ethcommon.Hash{}, ErrPathTooLong
	}
	if len(p.Siblings) < 64 && p.Index>>uint(len(p.Siblings)) != 0 {
		return ethcommon.Hash{}, ErrIndexTooLarge
	}

	h := LeafHash(p.Asset, p.Account, p.Balance)
	idx := p.Index
	for _, sibling := range p.Siblings {
		if idx&1 == 0 {
			h = nodeHash(h, sibling)
		} else {
			h = nodeHash(sibling, h)
		}
		idx >>= 1
	}
	return h, nil
}

// Verify checks the inclusion path against the embedded StateRoot.
func (p *ChainStateProof) Verify() error {
	root, err := p.ComputeRoot()
	if err != nil {
		return err
	}
	if root != p.StateRoot {
		return fmt.Errorf("%w: got %s, want %s", ErrRootMismatch, root.Hex(), p.StateRoot.Hex())
	}
	return nil
}

// Covers reports whether the proven balance is at least amount.
func (p *ChainStateProof) Covers(amount *uint256.Int) bool {
	return p.Balance != nil && !p.Balance.Lt(amount)
}
