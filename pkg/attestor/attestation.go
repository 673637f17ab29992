// Package attestor verifies and obtains attestations: attestor-signed statements binding a
// deposit (unspendable) address to the beneficiary allowed to redeem it.
package attestor

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/signer"
)

const (
	supportedVersion = 1
	signatureSize    = 65
	maxChainIDLength = 64
)

// attestationPrefix separates attestation digests from any other message an attestor key
// signs. Must be at least 32 bytes.
var attestationPrefix = []byte("zpay_attestation_000000000000000|")

var (
	ErrNotSigned     = errors.New("attestation was not signed")
	ErrNoQuorum      = errors.New("attestation did not have a quorum")
	ErrBadSignatures = errors.New("attestation had bad signatures")
)

type SignatureData [signatureSize]byte

// Signature of one member of the attestor set, identified by its index in the set.
type Signature struct {
	Index     uint8
	Signature SignatureData
}

type Attestation struct {
	Version uint8
	// AttestorSetIndex is the index of the set whose members signed.
	AttestorSetIndex   uint32
	UnspendableAddress ethcommon.Address
	Beneficiary        ethcommon.Address
	DestinationChainID common.UniversalChainID
	Signatures         []*Signature
}

func New(setIndex uint32, unspendable, beneficiary ethcommon.Address, dst common.UniversalChainID) *Attestation {
	return &Attestation{
		Version:            supportedVersion,
		AttestorSetIndex:   setIndex,
		UnspendableAddress: unspendable,
		Beneficiary:        beneficiary,
		DestinationChainID: dst,
	}
}

func (a *Attestation) signingBody() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(a.Version)
	_ = binary.Write(buf, binary.BigEndian, a.AttestorSetIndex)
	buf.Write(a.UnspendableAddress.Bytes())
	buf.Write(a.Beneficiary.Bytes())
	buf.WriteByte(uint8(len(a.DestinationChainID)))
	buf.WriteString(string(a.DestinationChainID))
	return buf.Bytes()
}

// SigningDigest is the hash attestors sign.
func (a *Attestation) SigningDigest() ethcommon.Hash {
	return crypto.Keccak256Hash(attestationPrefix, a.signingBody())
}

// AddSignature signs the attestation with s, a member at index of the attestor set.
// Signatures are kept sorted by index.
func (a *Attestation) AddSignature(ctx context.Context, s signer.Signer, index uint8) error {
	digest := a.SigningDigest()
	raw, err := s.Sign(ctx, digest.Bytes())
	if err != nil {
		return err
	}
	if len(raw) != signatureSize {
		return fmt.Errorf("signer returned %d byte signature", len(raw))
	}
	sig := &Signature{Index: index}
	copy(sig.Signature[:], raw)

	pos := len(a.Signatures)
	for i, existing := range a.Signatures {
		if existing.Index == index {
			return fmt.Errorf("attestor %d already signed", index)
		}
		if existing.Index > index {
			pos = i
			break
		}
	}
	a.Signatures = append(a.Signatures, nil)
	copy(a.Signatures[pos+1:], a.Signatures[pos:])
	a.Signatures[pos] = sig
	return nil
}

func verifySignature(digest []byte, sig *Signature, addr ethcommon.Address) bool {
	pubKey, err := crypto.Ecrecover(digest, sig.Signature[:])
	if err != nil {
		return false
	}
	return ethcommon.BytesToAddress(crypto.Keccak256(pubKey[1:])[12:]) == addr
}

// verifySignatures requires strictly increasing indexes, so no attestor is counted twice.
func verifySignatures(digest []byte, signatures []*Signature, addresses []ethcommon.Address) bool {
	if len(addresses) < len(signatures) {
		return false
	}
	lastIndex := -1
	for _, sig := range signatures {
		if int(sig.Index) >= len(addresses) || int(sig.Index) <= lastIndex {
			return false
		}
		lastIndex = int(sig.Index)
		if !verifySignature(digest, sig, addresses[sig.Index]) {
			return false
		}
	}
	return true
}

// Verify checks that a quorum of set signed the attestation.
func (a *Attestation) Verify(set *AttestorSet) error {
	if set == nil || len(set.Keys) == 0 {
		return errors.New("no attestor set")
	}
	if a.AttestorSetIndex != set.Index {
		return fmt.Errorf("attestation signed by set %d, expected set %d", a.AttestorSetIndex, set.Index)
	}
	if len(a.Signatures) == 0 {
		return ErrNotSigned
	}
	if len(a.Signatures) < CalculateQuorum(len(set.Keys)) {
		return ErrNoQuorum
	}
	if !verifySignatures(a.SigningDigest().Bytes(), a.Signatures, set.Keys) {
		return ErrBadSignatures
	}
	return nil
}

// Marshal returns the binary representation: version, set index, signatures, then the
// statement.
func (a *Attestation) Marshal() ([]byte, error) {
	if len(a.Signatures) > 255 {
		return nil, errors.New("too many signatures")
	}
	if len(a.DestinationChainID) > maxChainIDLength {
		return nil, errors.New("destination chain id too long")
	}
	buf := new(bytes.Buffer)
	buf.WriteByte(a.Version)
	_ = binary.Write(buf, binary.BigEndian, a.AttestorSetIndex)
	buf.WriteByte(uint8(len(a.Signatures)))
	for _, sig := range a.Signatures {
		buf.WriteByte(sig.Index)
		buf.Write(sig.Signature[:])
	}
	buf.Write(a.UnspendableAddress.Bytes())
	buf.Write(a.Beneficiary.Bytes())
	buf.WriteByte(uint8(len(a.DestinationChainID)))
	buf.WriteString(string(a.DestinationChainID))
	return buf.Bytes(), nil
}

func Unmarshal(data []byte) (*Attestation, error) {
	r := bytes.NewReader(data)
	a := &Attestation{}

	var err error
	if a.Version, err = r.ReadByte(); err != nil {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}
	if a.Version != supportedVersion {
		return nil, fmt.Errorf("unsupported attestation version %d", a.Version)
	}
	if err := binary.Read(r, binary.BigEndian, &a.AttestorSetIndex); err != nil {
		return nil, fmt.Errorf("failed to read set index: %w", err)
	}
	n, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read signature count: %w", err)
	}
	a.Signatures = make([]*Signature, n)
	for i := range a.Signatures {
		sig := &Signature{}
		if sig.Index, err = r.ReadByte(); err != nil {
			return nil, fmt.Errorf("failed to read signature index: %w", err)
		}
		if _, err := io.ReadFull(r, sig.Signature[:]); err != nil {
			return nil, fmt.Errorf("failed to read signature: %w", err)
		}
		a.Signatures[i] = sig
	}
	if _, err := io.ReadFull(r, a.UnspendableAddress[:]); err != nil {
		return nil, fmt.Errorf("failed to read unspendable address: %w", err)
	}
	if _, err := io.ReadFull(r, a.Beneficiary[:]); err != nil {
		return nil, fmt.Errorf("failed to read beneficiary: %w", err)
	}
	l, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read chain id length: %w", err)
	}
	if l > maxChainIDLength {
		return nil, fmt.Errorf("chain id too long: %d", l)
	}
	chainID := make([]byte, l)
	if _, err := io.ReadFull(r, chainID); err != nil {
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	if a.DestinationChainID, err = common.ParseUniversalChainID(string(chainID)); err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", r.Len())
	}
	return a, nil
}
