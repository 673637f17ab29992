package stateproof

import (
	"bytes"
	"fmt"
	"sort"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
)

// Entry is one balance committed by a Tree.
type Entry struct {
	Asset   ethcommon.Address
	Account ethcommon.Address
	Balance *uint256.Int
}

// Tree is an immutable Merkle tree over a snapshot of balances. Leaves are ordered by
// (asset, account) and padded with zero hashes to a power of two.
type Tree struct {
	entries []Entry
	levels  [][]ethcommon.Hash
}

func NewTree(entries []Entry) *Tree {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if c := bytes.Compare(sorted[i].Asset.Bytes(), sorted[j].Asset.Bytes()); c != 0 {
			return c < 0
		}
		return bytes.Compare(sorted[i].Account.Bytes(), sorted[j].Account.Bytes()) < 0
	})

	width := 1
	for width < len(sorted) {
		width <<= 1
	}
	leaves := make([]ethcommon.Hash, width)
	for i, e := range sorted {
		leaves[i] = LeafHash(e.Asset, e.Account, e.Balance)
	}

	levels := [][]ethcommon.Hash{leaves}
	for cur := leaves; len(cur) > 1; {
		next := make([]ethcommon.Hash, len(cur)/2)
		for i := range next {
			next[i] = nodeHash(cur[2*i], cur[2*i+1])
		}
		levels = append(levels, next)
		cur = next
	}
	return &Tree{entries: sorted, levels: levels}
}

func (t *Tree) Root() ethcommon.Hash {
	return t.levels[len(t.levels)-1][0]
}

// Prove returns the inclusion proof of (asset, account).
func (t *Tree) Prove(chainID common.UniversalChainID, height uint64, asset, account ethcommon.Address) (*ChainStateProof, error) {
	idx := -1
	for i, e := range t.entries {
		if e.Asset == asset && e.Account == account {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("no balance for %s in %s", account.Hex(), asset.Hex())
	}

	siblings := make([]ethcommon.Hash, 0, len(t.levels)-1)
	pos := idx
	for _, level := range t.levels[:len(t.levels)-1] {
		siblings = append(siblings, level[pos^1])
		pos >>= 1
	}

	return &ChainStateProof{
		SourceChainID: chainID,
		Height:        height,
		StateRoot:     t.Root(),
		Asset:         asset,
		Account:       account,
		Balance:       t.entries[idx].Balance.Clone(),
		Index:         uint64(idx),
		Siblings:      siblings,
	}, nil
}
