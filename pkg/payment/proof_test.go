package payment

import (
	"context"
	"errors"
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/chain"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/prover"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/stateproof"
)

type fakeProver struct {
	tree   *stateproof.Tree
	height uint64
	err    error
	calls  int
}

func (p *fakeProver) GetStateProof(_ context.Context, req *prover.Request) (*stateproof.ChainStateProof, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	sp, err := p.tree.Prove(req.SourceChainID, p.height, req.Asset, req.DepositAddress)
	if err != nil {
		return nil, prover.ErrNoProof
	}
	return sp, nil
}

type fakeLightClient struct {
	verified uint64
	roots    map[uint64]ethcommon.Hash
}

func (c *fakeLightClient) GetLatestVerifiedHeight(context.Context, uint32) (uint64, error) {
	return c.verified, nil
}

func (c *fakeLightClient) GetVerifiedRoot(_ context.Context, _ uint32, height uint64) (ethcommon.Hash, error) {
	root, ok := c.roots[height]
	if !ok {
		return ethcommon.Hash{}, chain.ErrRootNotFound
	}
	return root, nil
}

type fixedHeight uint64

func (h fixedHeight) LatestHeight(context.Context) (uint64, error) { return uint64(h), nil }

type proofFixture struct {
	gen    *ProofGenerator
	req    *ProofRequest
	prover *fakeProver
	lc     *fakeLightClient
}

// newProofFixture funds a {b1, b2} deposit on the devnet chain with balance and has the light
// client verify the resulting root at height 10.
func newProofFixture(t *testing.T, balance uint64) *proofFixture {
	registry := testRegistry(t)
	d := NewDeriver(registry)
	k := testKey(t, 3)

	deposit, err := d.GetDepositAddress(k, []ethcommon.Address{b1, b2}, common.DevnetChainID, WithAsset(common.DevnetToken))
	require.NoError(t, err)
	nullifier, err := d.GetNullifier(k, common.DevnetChainID)
	require.NoError(t, err)

	tree := stateproof.NewTree([]stateproof.Entry{
		{Asset: common.DevnetZToken, Account: deposit.Address, Balance: uint256.NewInt(balance)},
		{Asset: common.DevnetZToken, Account: b3, Balance: uint256.NewInt(1)},
		{Asset: common.DevnetToken, Account: deposit.Address, Balance: uint256.NewInt(1000)},
	})
	p := &fakeProver{tree: tree, height: 10}
	lc := &fakeLightClient{verified: 10, roots: map[uint64]ethcommon.Hash{10: tree.Root()}}

	return &proofFixture{
		gen:    NewProofGenerator(zap.NewNop(), registry),
		prover: p,
		lc:     lc,
		req: &ProofRequest{
			Key:                k,
			Deposit:            deposit,
			Nullifier:          nullifier,
			Beneficiary:        b1,
			Amount:             uint256.NewInt(100),
			SourceChainID:      common.DevnetChainID,
			DestinationChainID: common.DevnetChainID,
			ClientID:           1,
			SourceClient:       fixedHeight(12),
			DestinationClient:  lc,
			Prover:             p,
		},
	}
}

func proofErrCode(t *testing.T, err error) common.ProofErrorCode {
	t.Helper()
	var perr *common.ProofGenerationError
	require.ErrorAs(t, err, &perr)
	return perr.Code
}

func TestGenerateProofVerifies(t *testing.T) {
	f := newProofFixture(t, 100)
	registry := testRegistry(t)

	proof, err := f.gen.GenerateProof(context.Background(), f.req)
	require.NoError(t, err)
	require.NoError(t, VerifyProof(registry, proof))

	assert.Equal(t, f.req.Deposit.Address, proof.DepositAddress)
	assert.Equal(t, f.req.Nullifier, proof.Nullifier)
	assert.Equal(t, common.DevnetZToken, proof.Asset)
	assert.Equal(t, uint64(10), proof.Height)
	assert.Equal(t, f.lc.roots[10], proof.StateRoot)

	again, err := f.gen.GenerateProof(context.Background(), f.req)
	require.NoError(t, err)
	assert.Equal(t, proof.Proof, again.Proof)
}

func TestGenerateProofAmountBoundary(t *testing.T) {
	f := newProofFixture(t, 100)

	f.req.Amount = uint256.NewInt(99)
	_, err := f.gen.GenerateProof(context.Background(), f.req)
	require.NoError(t, err)

	f.req.Amount = uint256.NewInt(101)
	_, err = f.gen.GenerateProof(context.Background(), f.req)
	assert.Equal(t, common.ProofErrInsufficientBalance, proofErrCode(t, err))
}

func TestGenerateProofUnfundedDeposit(t *testing.T) {
	f := newProofFixture(t, 100)
	f.prover.tree = stateproof.NewTree([]stateproof.Entry{
		{Asset: common.DevnetZToken, Account: b3, Balance: uint256.NewInt(1)},
	})
	f.lc.roots[10] = f.prover.tree.Root()

	_, err := f.gen.GenerateProof(context.Background(), f.req)
	assert.Equal(t, common.ProofErrInsufficientBalance, proofErrCode(t, err))
}

func TestGenerateProofInvalidWitness(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *proofFixture)
	}{
		{"beneficiary outside set", func(f *proofFixture) { f.req.Beneficiary = b3 }},
		{"foreign key", func(f *proofFixture) { f.req.Key = testKey(t, 4) }},
		{"foreign nullifier", func(f *proofFixture) {
			n, err := NewDeriver(testRegistry(t)).GetNullifier(testKey(t, 4), common.DevnetChainID)
			require.NoError(t, err)
			f.req.Nullifier = n
		}},
		{"zero amount", func(f *proofFixture) { f.req.Amount = uint256.NewInt(0) }},
		{"wrong destination", func(f *proofFixture) { f.req.DestinationChainID = common.EthereumSepolia }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newProofFixture(t, 100)
			tc.mutate(f)
			_, err := f.gen.GenerateProof(context.Background(), f.req)
			assert.Equal(t, common.ProofErrInvalidWitness, proofErrCode(t, err))
			assert.Zero(t, f.prover.calls)
		})
	}
}

func TestGenerateProofStaleState(t *testing.T) {
	f := newProofFixture(t, 100)
	f.lc.verified = 9
	f.lc.roots = map[uint64]ethcommon.Hash{9: {0x01}}

	_, err := f.gen.GenerateProof(context.Background(), f.req)
	var stale *common.StaleStateError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, uint64(10), stale.ProofHeight)
	assert.Equal(t, uint64(9), stale.VerifiedHeight)
	assert.True(t, common.IsRetryable(err))

	f = newProofFixture(t, 100)
	delete(f.lc.roots, 10)
	_, err = f.gen.GenerateProof(context.Background(), f.req)
	assert.ErrorAs(t, err, &stale)
}

func TestGenerateProofMalformedStateProof(t *testing.T) {
	f := newProofFixture(t, 100)
	f.lc.roots[10] = ethcommon.Hash{0xde, 0xad}
	_, err := f.gen.GenerateProof(context.Background(), f.req)
	assert.Equal(t, common.ProofErrMalformedStateProof, proofErrCode(t, err))

	f = newProofFixture(t, 100)
	f.req.SourceClient = fixedHeight(8)
	_, err = f.gen.GenerateProof(context.Background(), f.req)
	assert.Equal(t, common.ProofErrMalformedStateProof, proofErrCode(t, err))
}

func TestGenerateProofProverUnavailable(t *testing.T) {
	f := newProofFixture(t, 100)
	f.prover.err = common.NewTransientError("prover", errors.New("connection refused"))

	_, err := f.gen.GenerateProof(context.Background(), f.req)
	assert.Equal(t, common.ProofErrProverUnavailable, proofErrCode(t, err))
	assert.True(t, common.IsRetryable(err))
}

func TestGenerateProofProverRejected(t *testing.T) {
	f := newProofFixture(t, 100)
	f.prover.err = errors.New("prover rejected request: status 400: unsupported chain")

	_, err := f.gen.GenerateProof(context.Background(), f.req)
	assert.Equal(t, common.ProofErrProverRejected, proofErrCode(t, err))
	assert.False(t, common.IsRetryable(err))
}

func TestVerifyProofRejectsTampering(t *testing.T) {
	registry := testRegistry(t)
	f := newProofFixture(t, 100)
	proof, err := f.gen.GenerateProof(context.Background(), f.req)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(p *RedemptionProof)
	}{
		{"amount", func(p *RedemptionProof) { p.Amount = uint256.NewInt(50) }},
		{"beneficiary", func(p *RedemptionProof) { p.Beneficiary = b2 }},
		{"foreign beneficiary", func(p *RedemptionProof) { p.Beneficiary = b3 }},
		{"beneficiary set", func(p *RedemptionProof) { p.Beneficiaries = []ethcommon.Address{b1, b3} }},
		{"destination", func(p *RedemptionProof) { p.DestinationChainID = common.EthereumSepolia }},
		{"deposit address", func(p *RedemptionProof) { p.DepositAddress = b3 }},
		{"balance", func(p *RedemptionProof) { p.StateProof.Balance = uint256.NewInt(1000) }},
		{"nullifier", func(p *RedemptionProof) {
			n, err := NewDeriver(registry).GetNullifier(testKey(t, 4), common.DevnetChainID)
			require.NoError(t, err)
			p.Nullifier = n
		}},
		{"response", func(p *RedemptionProof) { p.Proof.S.Add(&p.Proof.C) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := EncodeProof(proof)
			require.NoError(t, err)
			p, err := DecodeProof(raw)
			require.NoError(t, err)
			require.NoError(t, VerifyProof(registry, p))

			tc.mutate(p)
			assert.Error(t, VerifyProof(registry, p))
		})
	}
}

func TestProofEncodingPreservesFields(t *testing.T) {
	f := newProofFixture(t, 100)
	proof, err := f.gen.GenerateProof(context.Background(), f.req)
	require.NoError(t, err)

	raw, err := EncodeProof(proof)
	require.NoError(t, err)
	decoded, err := DecodeProof(raw)
	require.NoError(t, err)

	assert.Equal(t, proof.PublicInputs, decoded.PublicInputs)
	assert.Equal(t, proof.StateProof, decoded.StateProof)
	assert.Equal(t, proof.Proof.Bytes(), decoded.Proof.Bytes())

	_, err = DecodeProof(raw[:len(raw)-40])
	assert.Error(t, err)
}
