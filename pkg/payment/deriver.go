// Package payment derives deposit addresses and nullifiers from payment keys and produces
// redemption proofs over light-client verified source chain state.
package payment

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/keys"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/zkp"
)

var (
	ErrNoBeneficiaries = errors.New("beneficiary set is empty")
	ErrKeyDestroyed    = errors.New("payment key has been destroyed")
)

// Nullifier is the compressed point k*H_N(destination chain). It is unique per key and chain.
type Nullifier [zkp.PointSize]byte

func (n Nullifier) Bytes() []byte { return n[:] }

func (n Nullifier) Hex() string { return "0x" + hex.EncodeToString(n[:]) }

func (n Nullifier) String() string { return n.Hex() }

func (n Nullifier) IsZero() bool { return n == Nullifier{} }

func (n Nullifier) point() (*zkp.Point, error) { return zkp.ParsePoint(n[:]) }

func NullifierFromBytes(b []byte) (Nullifier, error) {
	var n Nullifier
	if len(b) != len(n) {
		return n, fmt.Errorf("invalid nullifier length %d", len(b))
	}
	copy(n[:], b)
	if _, err := n.point(); err != nil {
		return Nullifier{}, err
	}
	return n, nil
}

func NullifierFromHex(s string) (Nullifier, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return Nullifier{}, fmt.Errorf("invalid nullifier: %w", err)
	}
	return NullifierFromBytes(b)
}

// DepositAddress is the one-time address the payer funds.
type DepositAddress struct {
	// Address receiving the zAsset transfer. Nobody holds a signing key for it.
	Address ethcommon.Address
	// Commitment is the compressed point k*H_A(chain, beneficiaries); Address = keccak256(Commitment)[12:].
	Commitment []byte
	// Beneficiaries in canonical order.
	Beneficiaries      []ethcommon.Address
	DestinationChainID common.UniversalChainID
	// ZAsset is the wrapper to pay with, set by WithAsset.
	ZAsset ethcommon.Address
}

// HasBeneficiary reports whether b may redeem this deposit.
func (d *DepositAddress) HasBeneficiary(b ethcommon.Address) bool {
	for _, x := range d.Beneficiaries {
		if x == b {
			return true
		}
	}
	return false
}

type depositOptions struct {
	underlying *ethcommon.Address
}

type DepositOption func(*depositOptions)

// WithAsset resolves the zAsset wrapper of an underlying token on the destination chain.
func WithAsset(underlying ethcommon.Address) DepositOption {
	return func(o *depositOptions) { o.underlying = &underlying }
}

// Deriver derives deposit addresses and nullifiers for the chains of its registry.
type Deriver struct {
	registry *common.ChainRegistry
}

func NewDeriver(registry *common.ChainRegistry) *Deriver {
	return &Deriver{registry: registry}
}

// CanonicalBeneficiaries removes duplicates and sorts the set.
func CanonicalBeneficiaries(beneficiaries []ethcommon.Address) []ethcommon.Address {
	set := make(map[ethcommon.Address]struct{}, len(beneficiaries))
	out := make([]ethcommon.Address, 0, len(beneficiaries))
	for _, b := range beneficiaries {
		if _, ok := set[b]; ok {
			continue
		}
		set[b] = struct{}{}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Bytes(), out[j].Bytes()) < 0 })
	return out
}

func depositBase(dst common.UniversalChainID, canonical []ethcommon.Address) *zkp.Point {
	msgs := make([][]byte, 0, len(canonical)+1)
	msgs = append(msgs, []byte(dst))
	for _, b := range canonical {
		msgs = append(msgs, b.Bytes())
	}
	return zkp.HashToCurve(zkp.PersonDeposit, msgs...)
}

func nullifierBase(dst common.UniversalChainID) *zkp.Point {
	return zkp.HashToCurve(zkp.PersonNullifier, []byte(dst))
}

// AddressFromCommitment maps a deposit commitment to its EVM address.
func AddressFromCommitment(commitment []byte) ethcommon.Address {
	return ethcommon.BytesToAddress(crypto.Keccak256(commitment)[12:])
}

// GetDepositAddress derives the deposit address of key for the beneficiary set on dst. The same
// inputs always produce the same address; a different set yields an unrelated one.
func (d *Deriver) GetDepositAddress(key *keys.PaymentKey, beneficiaries []ethcommon.Address, dst common.UniversalChainID, opts ...DepositOption) (*DepositAddress, error) {
	var o depositOptions
	for _, opt := range opts {
		opt(&o)
	}

	info, err := d.registry.Lookup(dst)
	if err != nil {
		return nil, err
	}
	if key.IsDestroyed() {
		return nil, ErrKeyDestroyed
	}
	canonical := CanonicalBeneficiaries(beneficiaries)
	if len(canonical) == 0 {
		return nil, ErrNoBeneficiaries
	}

	var zAsset ethcommon.Address
	if o.underlying != nil {
		if zAsset, err = info.ZAsset(*o.underlying); err != nil {
			return nil, err
		}
	}

	k := key.Scalar()
	defer k.Zero()
	commitment := depositBase(dst, canonical).Mul(k).MustBytes()

	return &DepositAddress{
		Address:            AddressFromCommitment(commitment),
		Commitment:         commitment,
		Beneficiaries:      canonical,
		DestinationChainID: dst,
		ZAsset:             zAsset,
	}, nil
}

// GetNullifier derives the nullifier of key for redemptions on dst. It needs no state besides
// the key, so it is identical at payment and at redemption time.
func (d *Deriver) GetNullifier(key *keys.PaymentKey, dst common.UniversalChainID) (Nullifier, error) {
	if _, err := d.registry.Lookup(dst); err != nil {
		return Nullifier{}, err
	}
	if key.IsDestroyed() {
		return Nullifier{}, ErrKeyDestroyed
	}

	k := key.Scalar()
	defer k.Zero()

	var n Nullifier
	copy(n[:], nullifierBase(dst).Mul(k).MustBytes())
	return n, nil
}
