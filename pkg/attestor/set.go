package attestor

import (
	"context"
	"fmt"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/signer"
)

// CalculateQuorum returns the minimum number of attestors that need to sign for a set of the
// given size: strictly more than two thirds.
func CalculateQuorum(numAttestors int) int {
	if numAttestors < 0 {
		panic("Invalid numAttestors is less than zero")
	}
	return ((numAttestors * 2) / 3) + 1
}

// AttestorSet is the set of attestor keys redemption trusts.
type AttestorSet struct {
	// Keys are the EVM addresses of the attestor keys; a signature carries an index into it.
	Keys  []ethcommon.Address
	Index uint32
}

func (s *AttestorSet) KeyIndex(addr ethcommon.Address) (int, bool) {
	for n, k := range s.Keys {
		if k == addr {
			return n, true
		}
	}
	return -1, false
}

func (s *AttestorSet) Quorum() int {
	return CalculateQuorum(len(s.Keys))
}

// NewSetFromSigners builds the set formed by signers, in order.
func NewSetFromSigners(ctx context.Context, index uint32, signers ...signer.Signer) (*AttestorSet, error) {
	set := &AttestorSet{Index: index}
	for _, s := range signers {
		addr := signer.Address(ctx, s)
		if _, dup := set.KeyIndex(addr); dup {
			return nil, fmt.Errorf("duplicate attestor %s", addr.Hex())
		}
		set.Keys = append(set.Keys, addr)
	}
	return set, nil
}

// ParseSet parses hex addresses, as found in configuration files.
func ParseSet(index uint32, keys []string) (*AttestorSet, error) {
	set := &AttestorSet{Index: index}
	for _, k := range keys {
		if !ethcommon.IsHexAddress(k) {
			return nil, fmt.Errorf("invalid attestor address %q", k)
		}
		addr := ethcommon.HexToAddress(k)
		if _, dup := set.KeyIndex(addr); dup {
			return nil, fmt.Errorf("duplicate attestor %s", addr.Hex())
		}
		set.Keys = append(set.Keys, addr)
	}
	if len(set.Keys) == 0 {
		return nil, fmt.Errorf("empty attestor set")
	}
	return set, nil
}
