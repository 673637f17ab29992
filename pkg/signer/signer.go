// Package signer provides the ECDSA keys that sign chain transactions and attestations.
package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// The types of signers that are supported
type SignerType int

const (
	InvalidSignerType SignerType = iota
	// file://<path-to-file>
	FileSignerType
	// env://<variable holding a hex private key>
	EnvSignerType
	// amazonkms://<arn>
	AmazonKmsSignerType
)

// Signer signs keccak256 digests. Implementations never expose the private key.
type Signer interface {
	// Sign expects a keccak256 hash that needs to be signed. The result is a 65 byte
	// [R || S || V] signature with V in {0, 1}.
	Sign(ctx context.Context, hash []byte) (sig []byte, err error)
	// PublicKey returns the ECDSA public key of the signer.
	PublicKey(ctx context.Context) (pubKey ecdsa.PublicKey)
	// Verify recovers a public key from the sig/hash pair and checks that it matches the signer's.
	Verify(ctx context.Context, sig []byte, hash []byte) (valid bool, err error)
	// TypeAsString returns the signer type, used as a metrics label.
	TypeAsString() string
}

// NewSignerFromUri builds a signer from a URI such as file:///keys/relayer.key.
func NewSignerFromUri(ctx context.Context, signerUri string, unsafeDevMode bool) (Signer, error) {
	signerType, signerKeyConfig := ParseSignerUri(signerUri)

	switch signerType {
	case FileSignerType:
		return NewFileSigner(unsafeDevMode, signerKeyConfig)
	case EnvSignerType:
		return NewEnvSigner(signerKeyConfig)
	case AmazonKmsSignerType:
		return NewAmazonKmsSigner(ctx, unsafeDevMode, signerKeyConfig)
	default:
		return nil, fmt.Errorf("unsupported signer type")
	}
}

func ParseSignerUri(signerUri string) (signerType SignerType, signerKeyConfig string) {
	// Split the URI using the standard "://" scheme separator
	signerUriSplit := strings.Split(signerUri, "://")

	if len(signerUriSplit) < 2 {
		return InvalidSignerType, ""
	}

	typeStr := signerUriSplit[0]
	// The remainder is the signer configuration, rejoined with the scheme separator.
	keyConfig := strings.Join(signerUriSplit[1:], "://")

	switch typeStr {
	case "file":
		return FileSignerType, keyConfig
	case "env":
		return EnvSignerType, keyConfig
	case "amazonkms":
		return AmazonKmsSignerType, keyConfig
	default:
		return InvalidSignerType, ""
	}
}

// Address returns the EVM address of the signer's public key.
func Address(ctx context.Context, s Signer) ethcommon.Address {
	return ethcrypto.PubkeyToAddress(s.PublicKey(ctx))
}

func verifyWithKey(key *ecdsa.PrivateKey, sig []byte, hash []byte) (bool, error) {
	recoveredPubKey, err := ethcrypto.SigToPub(hash, sig)
	if err != nil {
		return false, err
	}
	// Public() returns the right interface for Equal() to work.
	return recoveredPubKey.Equal(key.Public()), nil
}
