package signer

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// The GeneratedSigner is a signer that is intended for use in tests and devnet. It uses the
// supplied private key, or generates a random one.
type GeneratedSigner struct {
	privateKey *ecdsa.PrivateKey
}

func NewGeneratedSigner(key *ecdsa.PrivateKey) (*GeneratedSigner, error) {
	if key != nil {
		return &GeneratedSigner{privateKey: key}, nil
	}
	privateKey, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &GeneratedSigner{privateKey: privateKey}, nil
}

// DeterministicSigner derives a devnet key from seed. DO NOT USE outside of devnet and tests.
func DeterministicSigner(seed string) *GeneratedSigner {
	key, err := ethcrypto.ToECDSA(ethcrypto.Keccak256([]byte("zpay devnet signer"), []byte(seed)))
	if err != nil {
		panic(err)
	}
	return &GeneratedSigner{privateKey: key}
}

func (gs *GeneratedSigner) Sign(ctx context.Context, hash []byte) (sig []byte, err error) {
	sig, err = ethcrypto.Sign(hash, gs.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

func (gs *GeneratedSigner) PublicKey(ctx context.Context) (pubKey ecdsa.PublicKey) {
	return gs.privateKey.PublicKey
}

func (gs *GeneratedSigner) Verify(ctx context.Context, sig []byte, hash []byte) (valid bool, err error) {
	return verifyWithKey(gs.privateKey, sig, hash)
}

func (gs *GeneratedSigner) TypeAsString() string {
	return "generated"
}

// PrivateKeyUnsafe exposes the key so devnet tooling can write it to a key file.
func (gs *GeneratedSigner) PrivateKeyUnsafe() *ecdsa.PrivateKey {
	return gs.privateKey
}
