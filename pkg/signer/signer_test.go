package signer

import (
	"context"
	"encoding/asn1"
	"encoding/hex"
	"math/big"
	"path/filepath"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSignerUri(t *testing.T) {
	tests := []struct {
		label        string
		path         string
		expectedType SignerType
		expectedConf string
	}{
		{label: "RandomText", path: "RandomText", expectedType: InvalidSignerType},
		{label: "ArbitraryUriScheme", path: "arb://data", expectedType: InvalidSignerType},
		{label: "FileURI", path: "file://whatever", expectedType: FileSignerType, expectedConf: "whatever"},
		{label: "FileUriNoSchemeSeparator", path: "filewhatever", expectedType: InvalidSignerType},
		{label: "FileUriMultipleSchemeSeparators", path: "file://testing://this://", expectedType: FileSignerType, expectedConf: "testing://this://"},
		{label: "EnvURI", path: "env://PRIVATE_KEY", expectedType: EnvSignerType, expectedConf: "PRIVATE_KEY"},
		{label: "AmazonKmsURI", path: "amazonkms://arn:aws:kms:us-east-1:123:key/abc", expectedType: AmazonKmsSignerType, expectedConf: "arn:aws:kms:us-east-1:123:key/abc"},
	}

	for _, testcase := range tests {
		t.Run(testcase.label, func(t *testing.T) {
			signerType, conf := ParseSignerUri(testcase.path)
			assert.Equal(t, testcase.expectedType, signerType)
			assert.Equal(t, testcase.expectedConf, conf)
		})
	}
}

func TestFileSignerRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "relayer.key")
	gen := DeterministicSigner("relayer")
	require.NoError(t, WriteSignerKey(path, gen.PrivateKeyUnsafe(), false))

	s, err := NewSignerFromUri(ctx, "file://"+path, false)
	require.NoError(t, err)
	assert.Equal(t, Address(ctx, gen), Address(ctx, s))
	assert.Equal(t, "file", s.TypeAsString())

	hash := ethcrypto.Keccak256([]byte("payload"))
	sig, err := s.Sign(ctx, hash)
	require.NoError(t, err)
	valid, err := gen.Verify(ctx, sig, hash)
	require.NoError(t, err)
	assert.True(t, valid)

	// O_EXCL
	assert.Error(t, WriteSignerKey(path, gen.PrivateKeyUnsafe(), false))
}

func TestFileSignerRefusesDeterministicKeyInProduction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.key")
	require.NoError(t, WriteSignerKey(path, DeterministicSigner("dev").PrivateKeyUnsafe(), true))

	_, err := NewFileSigner(false, path)
	assert.Error(t, err)
	_, err = NewFileSigner(true, path)
	assert.NoError(t, err)
}

func TestFileSignerNonExistentFile(t *testing.T) {
	_, err := NewSignerFromUri(context.Background(), "file://somewhere/on/disk.key", true)
	assert.Error(t, err)
}

func TestEnvSigner(t *testing.T) {
	ctx := context.Background()
	gen := DeterministicSigner("env")
	t.Setenv("ZPAY_TEST_KEY", "0x"+hex.EncodeToString(ethcrypto.FromECDSA(gen.PrivateKeyUnsafe())))

	s, err := NewSignerFromUri(ctx, "env://ZPAY_TEST_KEY", false)
	require.NoError(t, err)
	assert.Equal(t, Address(ctx, gen), Address(ctx, s))

	_, err = NewEnvSigner("ZPAY_TEST_KEY_ABSENT")
	assert.Error(t, err)

	t.Setenv("ZPAY_TEST_BAD_KEY", "zz")
	_, err = NewEnvSigner("ZPAY_TEST_BAD_KEY")
	assert.Error(t, err)
}

func TestGeneratedAndBenchmarkSigner(t *testing.T) {
	ctx := context.Background()
	inner, err := NewGeneratedSigner(nil)
	require.NoError(t, err)

	b := BenchmarkWrappedSigner(inner)
	assert.Equal(t, "benchmark", b.TypeAsString())
	assert.Equal(t, inner.PublicKey(ctx), b.PublicKey(ctx))

	hash := ethcrypto.Keccak256([]byte("x"))
	sig, err := b.Sign(ctx, hash)
	require.NoError(t, err)
	valid, err := b.Verify(ctx, sig, hash)
	require.NoError(t, err)
	assert.True(t, valid)

	other := DeterministicSigner("other")
	valid, err = other.Verify(ctx, sig, hash)
	require.NoError(t, err)
	assert.False(t, valid)

	assert.Nil(t, BenchmarkWrappedSigner(nil))
}

func TestDeterministicSigner(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, Address(ctx, DeterministicSigner("a")), Address(ctx, DeterministicSigner("a")))
	assert.NotEqual(t, Address(ctx, DeterministicSigner("a")), Address(ctx, DeterministicSigner("b")))
}

func TestKmsSignatureHelpers(t *testing.T) {
	key := DeterministicSigner("kms").PrivateKeyUnsafe()
	hash := ethcrypto.Keccak256([]byte("kms"))
	sig, err := ethcrypto.Sign(hash, key)
	require.NoError(t, err)

	der, err := asn1.Marshal(struct{ R, S *big.Int }{
		R: new(big.Int).SetBytes(sig[:32]),
		S: new(big.Int).SetBytes(sig[32:64]),
	})
	require.NoError(t, err)

	r, s, err := derSignatureToRS(der)
	require.NoError(t, err)
	recovered, err := withRecoveryID(hash, adjustBufferSize(r), adjustBufferSize(s), &key.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, sig, recovered)

	other := DeterministicSigner("other").PrivateKeyUnsafe()
	_, err = withRecoveryID(hash, adjustBufferSize(r), adjustBufferSize(s), &other.PublicKey)
	assert.Error(t, err)
}

func TestAdjustBufferSize(t *testing.T) {
	assert.Len(t, adjustBufferSize([]byte{1}), 32)
	assert.Equal(t, byte(1), adjustBufferSize([]byte{1})[31])
	long := make([]byte, 33)
	long[32] = 7
	assert.Equal(t, byte(7), adjustBufferSize(long)[31])
}

func TestParseKmsPublicKey(t *testing.T) {
	key := DeterministicSigner("kms").PrivateKeyUnsafe()
	raw := ethcrypto.FromECDSAPub(&key.PublicKey)
	der, err := asn1.Marshal(asn1EcPublicKey{
		EcPublicKeyInfo: asn1EcPublicKeyInfo{
			Algorithm:  asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1},
			Parameters: asn1.ObjectIdentifier{1, 3, 132, 0, 10},
		},
		PublicKey: asn1.BitString{Bytes: raw, BitLength: len(raw) * 8},
	})
	require.NoError(t, err)

	pub, err := parseKmsPublicKey(der)
	require.NoError(t, err)
	assert.True(t, pub.Equal(&key.PublicKey))

	_, err = parseKmsPublicKey([]byte{0x01})
	assert.Error(t, err)
}

func TestRegionFromArn(t *testing.T) {
	assert.Equal(t, "us-east-1", regionFromArn("arn:aws:kms:us-east-1:123456789012:key/1234"))
	assert.Equal(t, "", regionFromArn("arn:aws"))
}
