package common

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// UniversalChainID identifies a chain as "<family>.<chain id>", e.g. "ethereum.1".
type UniversalChainID string

// ParseUniversalChainID validates the "<family>.<chain id>" form.
func ParseUniversalChainID(s string) (UniversalChainID, error) {
	family, id, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok {
		return "", fmt.Errorf("invalid universal chain id %q: missing separator", s)
	}
	if family == "" || id == "" {
		return "", fmt.Errorf("invalid universal chain id %q: empty component", s)
	}
	return UniversalChainID(family + "." + id), nil
}

func (c UniversalChainID) String() string {
	return string(c)
}

// Family returns the part before the separator ("ethereum" for "ethereum.1").
func (c UniversalChainID) Family() string {
	family, _, _ := strings.Cut(string(c), ".")
	return family
}

// ChainInfo is the static configuration of a chain the node can pay to or redeem on.
type ChainInfo struct {
	ID UniversalChainID
	// EVM chain id used for transaction signing.
	EVMChainID uint64
	// Contract hosting the light clients and the redemption entrypoint.
	IBCHandler common.Address
	// Light client on this chain that tracks the source chain(s).
	LightClientID uint32
	// Underlying ERC-20 -> zAsset wrapper.
	ZAssets map[common.Address]common.Address
}

// ZAsset returns the wrapper contract registered for an underlying token.
func (c *ChainInfo) ZAsset(underlying common.Address) (common.Address, error) {
	z, ok := c.ZAssets[underlying]
	if !ok {
		return common.Address{}, &UnknownAssetError{ChainID: c.ID, Asset: underlying}
	}
	return z, nil
}

// IsZAsset reports whether addr is one of the registered wrappers.
func (c *ChainInfo) IsZAsset(addr common.Address) bool {
	for _, z := range c.ZAssets {
		if z == addr {
			return true
		}
	}
	return false
}

// ChainRegistry is the explicit set of chains the deriver and prover accept.
type ChainRegistry struct {
	chains map[UniversalChainID]*ChainInfo
}

func NewChainRegistry(chains ...*ChainInfo) (*ChainRegistry, error) {
	r := &ChainRegistry{chains: make(map[UniversalChainID]*ChainInfo, len(chains))}
	for _, c := range chains {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a chain. Registering the same id twice is an error.
func (r *ChainRegistry) Register(c *ChainInfo) error {
	if c == nil {
		return errors.New("nil chain info")
	}
	if _, err := ParseUniversalChainID(string(c.ID)); err != nil {
		return err
	}
	if _, exists := r.chains[c.ID]; exists {
		return fmt.Errorf("chain %s already registered", c.ID)
	}
	if c.ZAssets == nil {
		c.ZAssets = map[common.Address]common.Address{}
	}
	r.chains[c.ID] = c
	return nil
}

// Lookup returns the chain or an InvalidChainIdError.
func (r *ChainRegistry) Lookup(id UniversalChainID) (*ChainInfo, error) {
	if r != nil {
		if c, ok := r.chains[id]; ok {
			return c, nil
		}
	}
	return nil, &InvalidChainIdError{ChainID: id}
}

func (r *ChainRegistry) IDs() []UniversalChainID {
	ids := make([]UniversalChainID, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ParseEVMChainID returns the decimal suffix of an "ethereum.<id>" chain, used by EVM tooling.
func ParseEVMChainID(id UniversalChainID) (uint64, error) {
	_, s, ok := strings.Cut(string(id), ".")
	if !ok {
		return 0, &InvalidChainIdError{ChainID: id}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, &InvalidChainIdError{ChainID: id}
	}
	return n, nil
}
