package signer

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kms_types "github.com/aws/aws-sdk-go-v2/service/kms/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	secp256k1N     = ethcrypto.S256().Params().N
	secp256k1HalfN = new(big.Int).Div(secp256k1N, big.NewInt(2))

	// Upper bound for a single KMS call.
	KMS_TIMEOUT               = time.Second * 15
	MINIMUM_KMS_PUBKEY_LENGTH = 65
)

// ASN.1 structure of an ECDSA signature produced by AWS KMS.
type asn1EcSig struct {
	R asn1.RawValue
	S asn1.RawValue
}

// ASN.1 structure of an ECDSA public key produced by AWS KMS.
type asn1EcPublicKey struct {
	EcPublicKeyInfo asn1EcPublicKeyInfo
	PublicKey       asn1.BitString
}

type asn1EcPublicKeyInfo struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.ObjectIdentifier
}

// regionFromArn extracts the region from arn:partition:service:region:account-id:resource.
func regionFromArn(arn string) string {
	parts := strings.Split(arn, ":")
	if len(parts) < 4 {
		return ""
	}
	return parts[3]
}

// AmazonKms signs with an ECC_SECG_P256K1 key held in AWS KMS. The URI is amazonkms://<key-arn>.
type AmazonKms struct {
	keyId     string
	region    string
	publicKey ecdsa.PublicKey
	client    *kms.Client
}

// NewAmazonKmsSigner creates the KMS client for the region of the ARN and fetches the public
// key once, since it does not change at runtime.
func NewAmazonKmsSigner(ctx context.Context, unsafeDevMode bool, keyPath string) (*AmazonKms, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, KMS_TIMEOUT)
	defer cancel()

	region := regionFromArn(keyPath)
	if region == "" {
		return nil, errors.New("invalid KMS ARN")
	}

	signer := AmazonKms{
		keyId:  keyPath,
		region: region,
	}

	cfg, err := config.LoadDefaultConfig(timeoutCtx, config.WithDefaultRegion(signer.region))
	if err != nil {
		return nil, fmt.Errorf("failed to load KMS default config: %w", err)
	}
	signer.client = kms.NewFromConfig(cfg)

	pubKeyOutput, err := signer.client.GetPublicKey(timeoutCtx, &kms.GetPublicKeyInput{
		KeyId: aws.String(signer.keyId),
	})
	if err != nil {
		return nil, fmt.Errorf("KMS signer creation failed: %w", err)
	}

	pub, err := parseKmsPublicKey(pubKeyOutput.PublicKey)
	if err != nil {
		return nil, err
	}
	signer.publicKey = *pub

	return &signer, nil
}

func parseKmsPublicKey(der []byte) (*ecdsa.PublicKey, error) {
	var asn1Pubkey asn1EcPublicKey
	if _, err := asn1.Unmarshal(der, &asn1Pubkey); err != nil {
		return nil, fmt.Errorf("failed to unmarshal KMS public key: %w", err)
	}

	b := asn1Pubkey.PublicKey.Bytes
	if len(b) < MINIMUM_KMS_PUBKEY_LENGTH {
		return nil, errors.New("invalid KMS public key length")
	}

	// 0x04 || X (32 bytes) || Y (32 bytes)
	return &ecdsa.PublicKey{
		Curve: ethcrypto.S256(),
		X:     new(big.Int).SetBytes(b[1 : 1+32]),
		Y:     new(big.Int).SetBytes(b[1+32 : 1+64]),
	}, nil
}

func (a *AmazonKms) Sign(ctx context.Context, hash []byte) ([]byte, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, KMS_TIMEOUT)
	defer cancel()

	res, err := a.client.Sign(timeoutCtx, &kms.SignInput{
		KeyId:            aws.String(a.keyId),
		Message:          hash,
		SigningAlgorithm: kms_types.SigningAlgorithmSpecEcdsaSha256,
		MessageType:      kms_types.MessageTypeDigest,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS signing failed: %w", err)
	}

	r, s, err := derSignatureToRS(res.Signature)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %w", err)
	}

	// Enforce low-s.
	sBigInt := new(big.Int).SetBytes(s)
	if sBigInt.Cmp(secp256k1HalfN) > 0 {
		s = new(big.Int).Sub(secp256k1N, sBigInt).Bytes()
	}

	return withRecoveryID(hash, adjustBufferSize(r), adjustBufferSize(s), &a.publicKey)
}

// withRecoveryID appends the recovery id that recovers expected. KMS does not return it.
func withRecoveryID(hash, r, s []byte, expected *ecdsa.PublicKey) ([]byte, error) {
	want := ethcrypto.CompressPubkey(expected)
	for _, v := range []byte{0, 1} {
		sig := make([]byte, 0, 65)
		sig = append(append(append(sig, r...), s...), v)
		pubkey, err := ethcrypto.SigToPub(hash, sig)
		if err != nil {
			continue
		}
		if bytes.Equal(ethcrypto.CompressPubkey(pubkey), want) {
			return sig, nil
		}
	}
	return nil, errors.New("failed to generate valid signature")
}

func (a *AmazonKms) PublicKey(ctx context.Context) ecdsa.PublicKey {
	return a.publicKey
}

func (a *AmazonKms) Verify(ctx context.Context, sig []byte, hash []byte) (bool, error) {
	recoveredPubKey, err := ethcrypto.SigToPub(hash, sig)
	if err != nil {
		return false, err
	}
	return recoveredPubKey.Equal(&a.publicKey), nil
}

func (a *AmazonKms) TypeAsString() string {
	return "amazonkms"
}

// derSignatureToRS decodes the DER SEQUENCE { INTEGER r, INTEGER s } returned by KMS.
func derSignatureToRS(signature []byte) ([]byte, []byte, error) {
	var sigAsn1 asn1EcSig
	if _, err := asn1.Unmarshal(signature, &sigAsn1); err != nil {
		return nil, nil, err
	}
	return sigAsn1.R.Bytes, sigAsn1.S.Bytes, nil
}

// adjustBufferSize trims b to its 32 least significant bytes or left-pads it to 32 bytes.
func adjustBufferSize(b []byte) []byte {
	length := len(b)
	if length == 32 {
		return b
	}
	if length > 32 {
		return b[length-32:]
	}
	tmp := make([]byte, 32)
	copy(tmp[32-length:], b)
	return tmp
}
