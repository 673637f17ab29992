package redemption

import (
	"context"
	"sync"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/attestor"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/chain"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/db"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/devnet"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/keys"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/lightclient"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/payment"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/signer"
)

var (
	beneficiary = ethcommon.HexToAddress("0x00000000000000000000000000000000000000b1")
	outsider    = ethcommon.HexToAddress("0x00000000000000000000000000000000000000b9")

	testPolicy = common.RetryPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  2 * time.Second,
	}
)

type fixture struct {
	n           *devnet.Network
	deposit     *payment.DepositAddress
	proof       *payment.RedemptionProof
	attestation *attestor.Attestation
}

// newFixture pays 100 zTokens into a deposit address for beneficiary, syncs the loopback light
// client and generates the full redemption proof.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	n, err := devnet.NewNetwork(ctx, zap.NewNop(), chain.WithPollInterval(time.Millisecond))
	require.NoError(t, err)

	key, err := keys.NewKeyManager(nil).GenerateKey()
	require.NoError(t, err)
	deriver := payment.NewDeriver(n.Registry)
	deposit, err := deriver.GetDepositAddress(key, []ethcommon.Address{beneficiary}, common.DevnetChainID, payment.WithAsset(common.DevnetToken))
	require.NoError(t, err)
	nullifier, err := deriver.GetNullifier(key, common.DevnetChainID)
	require.NoError(t, err)

	n.Chain.Deposit(common.DevnetZToken, deposit.Address, uint256.NewInt(100))

	bridge, err := lightclient.NewBridge(zap.NewNop(), n.Registry, common.DevnetChainID, n.Client, n.Wallet,
		lightclient.WithSource(common.DevnetChainID, n.Client), lightclient.WithRetryPolicy(testPolicy))
	require.NoError(t, err)
	_, err = bridge.Sync(ctx, n.ClientID, common.DevnetChainID)
	require.NoError(t, err)

	proof, err := payment.NewProofGenerator(zap.NewNop(), n.Registry).GenerateProof(ctx, &payment.ProofRequest{
		Key:                key,
		Deposit:            deposit,
		Nullifier:          nullifier,
		Beneficiary:        beneficiary,
		Amount:             uint256.NewInt(100),
		SourceChainID:      common.DevnetChainID,
		DestinationChainID: common.DevnetChainID,
		ClientID:           n.ClientID,
		SourceClient:       n.Client,
		DestinationClient:  n.Client,
		Prover:             n.Prover,
	})
	require.NoError(t, err)

	a, err := n.Attestor.GetAttestation(ctx, &attestor.Request{
		UnspendableAddress: deposit.Address,
		Beneficiary:        beneficiary,
		DestinationChainID: common.DevnetChainID,
	})
	require.NoError(t, err)

	return &fixture{n: n, deposit: deposit, proof: proof, attestation: a}
}

func (f *fixture) coordinator(t *testing.T, wallet chain.Wallet, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithRetryPolicy(testPolicy)}, opts...)
	c, err := NewCoordinator(zaptest.NewLogger(t), f.n.Registry, common.DevnetChainID, f.n.Client, wallet, f.n.AttestorSet, opts...)
	require.NoError(t, err)
	return c
}

func TestRedeemOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	defer database.Close()
	c := f.coordinator(t, f.n.Wallet, WithDatabase(database))

	req, err := c.PrepareRedemption(ctx, f.proof, f.attestation, common.DevnetChainID)
	require.NoError(t, err)
	assert.Equal(t, common.DevnetZToken, req.To)
	assert.Equal(t, f.n.ClientID, req.ClientID)
	assert.Equal(t, f.proof.Nullifier, req.Nullifier)

	receipt, err := c.SubmitRedemption(ctx, req)
	require.NoError(t, err)
	assert.True(t, receipt.Successful())
	assert.Equal(t, "100", f.n.Chain.Balance(common.DevnetZToken, beneficiary).Dec())
	assert.True(t, f.n.Chain.Balance(common.DevnetZToken, f.deposit.Address).IsZero())

	spent, err := f.n.Client.IsNullifierSpent(ctx, req.Nullifier.Bytes())
	require.NoError(t, err)
	assert.True(t, spent)

	rec, err := database.GetSpentNullifier(req.Nullifier.Bytes())
	require.NoError(t, err)
	assert.Equal(t, receipt.TxHash.Hex(), rec.TxHash)
	assert.Equal(t, receipt.BlockNumber, rec.BlockNumber)

	_, err = c.SubmitRedemption(ctx, req)
	var already *common.AlreadyRedeemedError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, req.Nullifier.Hex(), already.Nullifier)
	assert.False(t, common.IsRetryable(err))
}

func TestConcurrentSubmissionsRedeemOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator(t, f.n.Wallet)
	req, err := c.PrepareRedemption(ctx, f.proof, f.attestation, common.DevnetChainID)
	require.NoError(t, err)

	errs := make([]error, 4)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.SubmitRedemption(ctx, req)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var already *common.AlreadyRedeemedError
		assert.ErrorAs(t, err, &already)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, "100", f.n.Chain.Balance(common.DevnetZToken, beneficiary).Dec())
}

func TestRacingRelayersRedeemOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	other := chain.NewEVMWallet(ctx, signer.DeterministicSigner("relayer-2"), f.n.Client)
	coordinators := []*Coordinator{f.coordinator(t, f.n.Wallet), f.coordinator(t, other)}

	errs := make([]error, len(coordinators))
	var wg sync.WaitGroup
	for i, c := range coordinators {
		req, err := c.PrepareRedemption(ctx, f.proof, f.attestation, common.DevnetChainID)
		require.NoError(t, err)
		wg.Add(1)
		go func(i int, c *Coordinator, req *RedemptionRequest) {
			defer wg.Done()
			_, errs[i] = c.SubmitRedemption(ctx, req)
		}(i, c, req)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var already *common.AlreadyRedeemedError
		assert.ErrorAs(t, err, &already)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, "100", f.n.Chain.Balance(common.DevnetZToken, beneficiary).Dec())
}

func TestRedeemAfterRevertedAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator(t, f.n.Wallet)
	req, err := c.PrepareRedemption(ctx, f.proof, f.attestation, common.DevnetChainID)
	require.NoError(t, err)

	broken := *req
	broken.Calldata = append([]byte{}, req.Calldata[:4]...)
	_, err = c.SubmitRedemption(ctx, &broken)
	var reverted *chain.RevertedError
	require.ErrorAs(t, err, &reverted)
	failedTx := reverted.TxHash

	receipt, err := c.SubmitRedemption(ctx, req)
	require.NoError(t, err)
	assert.True(t, receipt.Successful())
	assert.NotEqual(t, failedTx, receipt.TxHash)
	assert.Equal(t, "100", f.n.Chain.Balance(common.DevnetZToken, beneficiary).Dec())
}

func TestSubmitConsultsChainBeforeSigning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.coordinator(t, f.n.Wallet)
	req, err := first.PrepareRedemption(ctx, f.proof, f.attestation, common.DevnetChainID)
	require.NoError(t, err)
	_, err = first.SubmitRedemption(ctx, req)
	require.NoError(t, err)

	head, err := f.n.Client.LatestHeight(ctx)
	require.NoError(t, err)

	// A fresh coordinator knows nothing locally.
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	defer database.Close()
	second := f.coordinator(t, f.n.Wallet, WithDatabase(database))
	_, err = second.SubmitRedemption(ctx, req)
	var already *common.AlreadyRedeemedError
	require.ErrorAs(t, err, &already)

	after, err := f.n.Client.LatestHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, head, after, "no transaction should have been sent")

	spent, err := database.IsNullifierSpent(req.Nullifier.Bytes())
	require.NoError(t, err)
	assert.True(t, spent)
}

func TestPrepareRejectsMismatchedAttestation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator(t, f.n.Wallet)

	wrongBeneficiary, err := f.n.Attestor.GetAttestation(ctx, &attestor.Request{
		UnspendableAddress: f.deposit.Address,
		Beneficiary:        outsider,
		DestinationChainID: common.DevnetChainID,
	})
	require.NoError(t, err)

	foreign := attestor.NewLocal(zap.NewNop(), 0, nil,
		signer.DeterministicSigner("mallory-0"), signer.DeterministicSigner("mallory-1"), signer.DeterministicSigner("mallory-2"))
	forged, err := foreign.GetAttestation(ctx, &attestor.Request{
		UnspendableAddress: f.deposit.Address,
		Beneficiary:        beneficiary,
		DestinationChainID: common.DevnetChainID,
	})
	require.NoError(t, err)

	unsigned := attestor.New(0, f.deposit.Address, beneficiary, common.DevnetChainID)

	for name, a := range map[string]*attestor.Attestation{
		"missing":           nil,
		"wrong beneficiary": wrongBeneficiary,
		"foreign attestors": forged,
		"unsigned":          unsigned,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := c.PrepareRedemption(ctx, f.proof, a, common.DevnetChainID)
			var mismatched *common.AttestationMismatchError
			assert.ErrorAs(t, err, &mismatched)
			assert.False(t, common.IsRetryable(err))
		})
	}
}

func TestPrepareRejectsInvalidProof(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator(t, f.n.Wallet)

	tampered := *f.proof
	tampered.Amount = uint256.NewInt(99)
	_, err := c.PrepareRedemption(ctx, &tampered, f.attestation, common.DevnetChainID)
	assert.ErrorIs(t, err, payment.ErrInvalidProof)

	_, err = c.PrepareRedemption(ctx, f.proof, f.attestation, "ethereum.424242")
	var invalid *common.InvalidChainIdError
	assert.ErrorAs(t, err, &invalid)

	_, err = c.PrepareRedemption(ctx, f.proof, f.attestation, common.DevnetChainID, WithContract(outsider))
	var unknown *common.UnknownAssetError
	assert.ErrorAs(t, err, &unknown)
}

// forgetfulClient is a destination whose light client lost every root.
type forgetfulClient struct {
	chain.DestinationChain
}

func (forgetfulClient) GetVerifiedRoot(context.Context, uint32, uint64) (ethcommon.Hash, error) {
	return ethcommon.Hash{}, chain.ErrRootNotFound
}

func TestPrepareRequiresVerifiedRoot(t *testing.T) {
	f := newFixture(t)
	c, err := NewCoordinator(zap.NewNop(), f.n.Registry, common.DevnetChainID, forgetfulClient{f.n.Client}, f.n.Wallet, f.n.AttestorSet,
		WithRetryPolicy(common.RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxElapsedTime: 10 * time.Millisecond}))
	require.NoError(t, err)

	_, err = c.PrepareRedemption(context.Background(), f.proof, f.attestation, common.DevnetChainID)
	var stale *common.StaleStateError
	assert.ErrorAs(t, err, &stale)
}

func TestNullifierLocksAreReleased(t *testing.T) {
	l := newNullifierLocks()
	var n payment.Nullifier
	n[0] = 2

	unlock := l.lock(n)
	assert.Len(t, l.locks, 1)
	unlock()
	assert.Empty(t, l.locks)
}
