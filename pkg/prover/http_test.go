package prover

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/stateproof"
)

var (
	deposit = ethcommon.HexToAddress("0x1111111111111111111111111111111111111111")
	zAsset  = common.DevnetZToken
)

type treeProver struct {
	tree   *stateproof.Tree
	height uint64
	err    error
}

func (p *treeProver) GetStateProof(ctx context.Context, req *Request) (*stateproof.ChainStateProof, error) {
	if p.err != nil {
		return nil, p.err
	}
	proof, err := p.tree.Prove(req.SourceChainID, p.height, req.Asset, req.DepositAddress)
	if err != nil {
		return nil, ErrNoProof
	}
	return proof, nil
}

func testRequest() *Request {
	return &Request{
		DepositAddress: deposit,
		Asset:          zAsset,
		Amount:         uint256.NewInt(100),
		SourceChainID:  common.DevnetChainID,
		MinHeight:      5,
	}
}

func TestHTTPRoundTrip(t *testing.T) {
	tree := stateproof.NewTree([]stateproof.Entry{
		{Asset: zAsset, Account: deposit, Balance: uint256.NewInt(100)},
		{Asset: zAsset, Account: ethcommon.HexToAddress("0x22"), Balance: uint256.NewInt(3)},
	})
	srv := httptest.NewServer(Handler(zap.NewNop(), &treeProver{tree: tree, height: 7}))
	defer srv.Close()

	c := NewHTTPClient(zap.NewNop(), srv.URL+"/", time.Second, 100)
	proof, err := c.GetStateProof(context.Background(), testRequest())
	require.NoError(t, err)
	assert.NoError(t, proof.Verify())
	assert.Equal(t, uint64(7), proof.Height)
	assert.Equal(t, tree.Root(), proof.StateRoot)
	assert.Equal(t, "100", proof.Balance.Dec())
	assert.Equal(t, common.DevnetChainID, proof.SourceChainID)

	req := testRequest()
	req.DepositAddress = ethcommon.HexToAddress("0x33")
	_, err = c.GetStateProof(context.Background(), req)
	assert.ErrorIs(t, err, ErrNoProof)
}

func TestHTTPBackendFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(Handler(zap.NewNop(), &treeProver{err: errors.New("node syncing")}))
	defer srv.Close()

	_, err := NewHTTPClient(zap.NewNop(), srv.URL, time.Second, 100).GetStateProof(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, common.IsRetryable(err))
}

func TestHTTPTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	_, err := NewHTTPClient(zap.NewNop(), srv.URL, 20*time.Millisecond, 100).GetStateProof(context.Background(), testRequest())
	require.Error(t, err)
	var transient *common.TransientError
	assert.True(t, errors.As(err, &transient))
}

func TestHTTPBadRequest(t *testing.T) {
	srv := httptest.NewServer(Handler(zap.NewNop(), &treeProver{}))
	defer srv.Close()

	resp, err := http.Post(srv.URL+proofPath, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + proofPath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestDecodeRequestValidation(t *testing.T) {
	good := encodeRequest(testRequest())
	decoded, err := decodeRequest(good)
	require.NoError(t, err)
	assert.Equal(t, testRequest(), decoded)

	bad := *good
	bad.Amount = "-1"
	_, err = decodeRequest(&bad)
	assert.Error(t, err)

	bad = *good
	bad.SourceChainID = "nochain"
	_, err = decodeRequest(&bad)
	assert.Error(t, err)

	bad = *good
	bad.DepositAddress = "0xzz"
	_, err = decodeRequest(&bad)
	assert.Error(t, err)
}
