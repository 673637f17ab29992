package attestor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/signer"
)

var (
	unspendable = ethcommon.HexToAddress("0x000000000000000000000000000000000000dead")
	beneficiary = ethcommon.HexToAddress("0x00000000000000000000000000000000000000b1")
)

func testSigners(n int) []signer.Signer {
	out := make([]signer.Signer, n)
	for i := range out {
		out[i] = signer.DeterministicSigner(string(rune('a' + i)))
	}
	return out
}

type staticDeposits map[ethcommon.Address]bool

func (d staticDeposits) IsKnownDeposit(_ context.Context, _ common.UniversalChainID, addr ethcommon.Address) (bool, error) {
	return d[addr], nil
}

func TestCalculateQuorum(t *testing.T) {
	tests := []struct {
		n, quorum int
	}{
		{0, 1}, {1, 1}, {2, 2}, {3, 3}, {4, 3}, {5, 4}, {6, 5}, {7, 5}, {19, 13},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.quorum, CalculateQuorum(tc.n), "n=%d", tc.n)
	}
	assert.Panics(t, func() { CalculateQuorum(-1) })
}

func TestAttestationQuorum(t *testing.T) {
	ctx := context.Background()
	signers := testSigners(4)
	set, err := NewSetFromSigners(ctx, 3, signers...)
	require.NoError(t, err)
	assert.Equal(t, 3, set.Quorum())

	a := New(3, unspendable, beneficiary, common.DevnetChainID)
	assert.ErrorIs(t, a.Verify(set), ErrNotSigned)

	require.NoError(t, a.AddSignature(ctx, signers[2], 2))
	require.NoError(t, a.AddSignature(ctx, signers[0], 0))
	assert.ErrorIs(t, a.Verify(set), ErrNoQuorum)

	require.NoError(t, a.AddSignature(ctx, signers[3], 3))
	require.NoError(t, a.Verify(set))
	assert.Equal(t, []uint8{0, 2, 3}, []uint8{a.Signatures[0].Index, a.Signatures[1].Index, a.Signatures[2].Index})

	assert.Error(t, a.AddSignature(ctx, signers[3], 3))

	other := &AttestorSet{Keys: set.Keys, Index: 4}
	assert.Error(t, a.Verify(other))
}

func TestAttestationRejectsWrongSigner(t *testing.T) {
	ctx := context.Background()
	signers := testSigners(3)
	set, err := NewSetFromSigners(ctx, 0, signers...)
	require.NoError(t, err)

	a := New(0, unspendable, beneficiary, common.DevnetChainID)
	for i, s := range testSigners(4)[1:] {
		require.NoError(t, a.AddSignature(ctx, s, uint8(i)))
	}
	assert.ErrorIs(t, a.Verify(set), ErrBadSignatures)
}

func TestAttestationBindsStatement(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(zap.NewNop(), 0, nil, testSigners(3)...)
	set, err := l.Set(ctx)
	require.NoError(t, err)

	a, err := l.GetAttestation(ctx, &Request{UnspendableAddress: unspendable, Beneficiary: beneficiary, DestinationChainID: common.DevnetChainID})
	require.NoError(t, err)
	require.NoError(t, a.Verify(set))

	a.Beneficiary = ethcommon.HexToAddress("0xb2")
	assert.ErrorIs(t, a.Verify(set), ErrBadSignatures)
}

func TestAttestationMarshalRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(zap.NewNop(), 7, nil, testSigners(2)...)
	a, err := l.GetAttestation(ctx, &Request{UnspendableAddress: unspendable, Beneficiary: beneficiary, DestinationChainID: common.EthereumMainnet})
	require.NoError(t, err)

	data, err := a.Marshal()
	require.NoError(t, err)
	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, a, decoded)

	_, err = Unmarshal(data[:len(data)-1])
	assert.Error(t, err)
	_, err = Unmarshal(append(data, 0))
	assert.Error(t, err)
	data[0] = 2
	_, err = Unmarshal(data)
	assert.Error(t, err)
}

func TestParseSet(t *testing.T) {
	set, err := ParseSet(1, []string{"0x00000000000000000000000000000000000000a1", "0x00000000000000000000000000000000000000a2"})
	require.NoError(t, err)
	idx, ok := set.KeyIndex(ethcommon.HexToAddress("0xa2"))
	assert.True(t, ok)
	assert.Equal(t, 1, idx)

	_, err = ParseSet(1, []string{"nope"})
	assert.Error(t, err)
	_, err = ParseSet(1, []string{"0x00000000000000000000000000000000000000a1", "0x00000000000000000000000000000000000000a1"})
	assert.Error(t, err)
	_, err = ParseSet(1, nil)
	assert.Error(t, err)
}

func TestLocalRefusesUnknownDeposit(t *testing.T) {
	l := NewLocal(zap.NewNop(), 0, staticDeposits{unspendable: true}, testSigners(1)...)
	_, err := l.GetAttestation(context.Background(), &Request{UnspendableAddress: beneficiary, Beneficiary: beneficiary, DestinationChainID: common.DevnetChainID})
	assert.ErrorIs(t, err, ErrUnknownDeposit)
}

func TestHTTPClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	local := NewLocal(zap.NewNop(), 0, staticDeposits{unspendable: true}, testSigners(3)...)
	set, err := local.Set(ctx)
	require.NoError(t, err)

	srv := httptest.NewServer(Handler(zap.NewNop(), "secret", local))
	defer srv.Close()

	c := NewHTTPClient(zap.NewNop(), srv.URL, "secret", time.Second, 100)
	a, err := c.GetAttestation(ctx, &Request{UnspendableAddress: unspendable, Beneficiary: beneficiary, DestinationChainID: common.DevnetChainID})
	require.NoError(t, err)
	require.NoError(t, a.Verify(set))
	assert.Equal(t, beneficiary, a.Beneficiary)

	_, err = c.GetAttestation(ctx, &Request{UnspendableAddress: beneficiary, Beneficiary: beneficiary, DestinationChainID: common.DevnetChainID})
	assert.ErrorIs(t, err, ErrUnknownDeposit)

	bad := NewHTTPClient(zap.NewNop(), srv.URL, "wrong", time.Second, 100)
	_, err = bad.GetAttestation(ctx, &Request{UnspendableAddress: unspendable, Beneficiary: beneficiary, DestinationChainID: common.DevnetChainID})
	require.Error(t, err)
	assert.False(t, common.IsRetryable(err))
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestHandlerRejectsPartialAPIKeys(t *testing.T) {
	local := NewLocal(zap.NewNop(), 0, staticDeposits{unspendable: true}, testSigners(1)...)
	srv := httptest.NewServer(Handler(zap.NewNop(), "secret", local))
	defer srv.Close()

	for _, key := range []string{"", "s", "secre", "secret2", "SECRET"} {
		_, err := NewHTTPClient(zap.NewNop(), srv.URL, key, time.Second, 100).GetAttestation(context.Background(),
			&Request{UnspendableAddress: unspendable, Beneficiary: beneficiary, DestinationChainID: common.DevnetChainID})
		require.Error(t, err, key)
		assert.False(t, common.IsRetryable(err), key)
		assert.Contains(t, err.Error(), "invalid api key", key)
	}
}

type failingBackend struct{}

func (failingBackend) GetAttestation(context.Context, *Request) (*Attestation, error) {
	return nil, errors.New("signing backend down")
}

func TestHTTPClientServerFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(Handler(zap.NewNop(), "", failingBackend{}))
	defer srv.Close()

	_, err := NewHTTPClient(zap.NewNop(), srv.URL, "", time.Second, 100).GetAttestation(context.Background(),
		&Request{UnspendableAddress: unspendable, Beneficiary: beneficiary, DestinationChainID: common.DevnetChainID})
	var transient *common.TransientError
	assert.ErrorAs(t, err, &transient)
	assert.True(t, common.IsRetryable(err))
}

func TestHTTPClientMissingAttestationField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPClient(zap.NewNop(), srv.URL, "", time.Second, 100).GetAttestation(context.Background(),
		&Request{UnspendableAddress: unspendable, Beneficiary: beneficiary, DestinationChainID: common.DevnetChainID})
	assert.Error(t, err)
}
