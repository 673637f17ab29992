package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"os"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/openpgp/armor" // nolint
)

type FileSigner struct {
	keyPath    string
	privateKey *ecdsa.PrivateKey
}

const (
	SignerKeyArmoredBlock = "ZPAY SIGNER PRIVATE KEY"

	// Header marking keys derived from a fixed seed for devnet.
	unsafeDeterministicHeader = "Unsafe-Deterministic"
)

func NewFileSigner(unsafeDevMode bool, signerKeyPath string) (*FileSigner, error) {
	f, err := os.Open(signerKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	p, err := armor.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read armored file: %w", err)
	}

	if p.Type != SignerKeyArmoredBlock {
		return nil, fmt.Errorf("invalid block type: %s", p.Type)
	}

	if !unsafeDevMode && p.Header[unsafeDeterministicHeader] == "true" {
		return nil, errors.New("refusing to use deterministic key in production")
	}

	b, err := io.ReadAll(p.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	defer clear(b)

	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize raw key data: %w", err)
	}

	return &FileSigner{keyPath: signerKeyPath, privateKey: key}, nil
}

// WriteSignerKey stores key as an armored block at path.
func WriteSignerKey(path string, key *ecdsa.PrivateKey, unsafeDeterministic bool) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	headers := map[string]string{
		"PublicKey": ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
	}
	if unsafeDeterministic {
		headers[unsafeDeterministicHeader] = "true"
	}
	a, err := armor.Encode(f, SignerKeyArmoredBlock, headers)
	if err != nil {
		return fmt.Errorf("failed to create armor writer: %w", err)
	}
	raw := ethcrypto.FromECDSA(key)
	defer clear(raw)
	if _, err := a.Write(raw); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	return a.Close()
}

func (fs *FileSigner) Sign(ctx context.Context, hash []byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(hash, fs.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

func (fs *FileSigner) PublicKey(ctx context.Context) ecdsa.PublicKey {
	return fs.privateKey.PublicKey
}

func (fs *FileSigner) Verify(ctx context.Context, sig []byte, hash []byte) (bool, error) {
	return verifyWithKey(fs.privateKey, sig, hash)
}

func (fs *FileSigner) TypeAsString() string {
	return "file"
}
