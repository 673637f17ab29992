package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// EnvSigner loads a hex private key from an environment variable, matching the PRIVATE_KEY
// convention of wallet scripts.
type EnvSigner struct {
	privateKey *ecdsa.PrivateKey
}

func NewEnvSigner(variable string) (*EnvSigner, error) {
	raw, ok := os.LookupEnv(variable)
	if !ok || raw == "" {
		return nil, fmt.Errorf("environment variable %s is not set", variable)
	}
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key in %s: %w", variable, err)
	}
	return &EnvSigner{privateKey: key}, nil
}

func (es *EnvSigner) Sign(ctx context.Context, hash []byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(hash, es.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

func (es *EnvSigner) PublicKey(ctx context.Context) ecdsa.PublicKey {
	return es.privateKey.PublicKey
}

func (es *EnvSigner) Verify(ctx context.Context, sig []byte, hash []byte) (bool, error) {
	return verifyWithKey(es.privateKey, sig, hash)
}

func (es *EnvSigner) TypeAsString() string {
	return "env"
}
