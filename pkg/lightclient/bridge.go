package lightclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/chain"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/db"
)

var (
	verifiedHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zpay_lightclient_verified_height",
			Help: "Latest height verified by the light client",
		}, []string{"client"})
	updatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zpay_lightclient_updates_total",
			Help: "Total number of light client updates by result",
		}, []string{"client", "result"})
)

// updateGasLimit covers header verification on the handler.
const updateGasLimit = 500_000

// Bridge keeps the light clients hosted on one destination chain up to date.
type Bridge struct {
	logger   *zap.Logger
	registry *common.ChainRegistry
	dst      *common.ChainInfo
	client   chain.DestinationChain
	wallet   chain.Wallet
	sources  map[common.UniversalChainID]chain.HeaderSource
	// database is optional.
	database *db.Database
	policy   common.RetryPolicy

	mu sync.Mutex
	// locks serializes updates per light client, which tracks exactly one source chain.
	locks  map[uint32]*sync.Mutex
	states map[uint32]*State
}

type Option func(*Bridge)

func WithDatabase(d *db.Database) Option {
	return func(b *Bridge) { b.database = d }
}

func WithRetryPolicy(p common.RetryPolicy) Option {
	return func(b *Bridge) { b.policy = p }
}

// WithSource registers the header source of a source chain.
func WithSource(id common.UniversalChainID, src chain.HeaderSource) Option {
	return func(b *Bridge) { b.sources[id] = src }
}

func NewBridge(logger *zap.Logger, registry *common.ChainRegistry, dst common.UniversalChainID, client chain.DestinationChain, wallet chain.Wallet, opts ...Option) (*Bridge, error) {
	info, err := registry.Lookup(dst)
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		logger:   logger.With(zap.String("component", "lightclient"), zap.String("dst", string(dst))),
		registry: registry,
		dst:      info,
		client:   client,
		wallet:   wallet,
		sources:  map[common.UniversalChainID]chain.HeaderSource{},
		policy:   common.DefaultRetryPolicy,
		locks:    map[uint32]*sync.Mutex{},
		states:   map[uint32]*State{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Bridge) lock(clientID uint32) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[clientID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[clientID] = l
	}
	return l
}

func (b *Bridge) localState(clientID uint32) (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[clientID]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// record stores s unless a greater height is already known and returns the resulting state.
func (b *Bridge) record(s State) State {
	b.mu.Lock()
	cur, ok := b.states[s.ClientID]
	if ok && cur.LatestVerifiedHeight >= s.LatestVerifiedHeight {
		out := *cur
		b.mu.Unlock()
		return out
	}
	stored := s
	b.states[s.ClientID] = &stored
	b.mu.Unlock()

	verifiedHeight.WithLabelValues(strconv.FormatUint(uint64(s.ClientID), 10)).Set(float64(s.LatestVerifiedHeight))

	if b.database != nil {
		if _, err := b.database.StoreLightClient(&db.LightClientRecord{
			ClientID:           s.ClientID,
			SourceChainID:      s.SourceChainID,
			DestinationChainID: s.DestinationChainID,
			Height:             s.LatestVerifiedHeight,
			StateRoot:          s.VerifiedRoot.Hex(),
			Status:             string(s.Status),
			UpdatedAt:          time.Now(),
		}); err != nil {
			b.logger.Error("failed to persist light client state", zap.Uint32("clientId", s.ClientID), zap.Error(err))
		}
	}
	return s
}

// Restore loads persisted light client heights. The chain stays authoritative; the
// restored heights only tighten the regression check.
func (b *Bridge) Restore() error {
	if b.database == nil {
		return nil
	}
	records, err := b.database.LightClients()
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.DestinationChainID != b.dst.ID {
			continue
		}
		status := StatusUninitialized
		if r.Height > 0 {
			status = StatusTracking
		}
		b.record(State{
			ClientID:             r.ClientID,
			SourceChainID:        r.SourceChainID,
			DestinationChainID:   r.DestinationChainID,
			LatestVerifiedHeight: r.Height,
			VerifiedRoot:         ethcommon.HexToHash(r.StateRoot),
			Status:               status,
		})
	}
	b.logger.Info("restored light client state", zap.Int("clients", len(records)))
	return nil
}

// State reads the verified height from the destination chain and merges it with the local
// record. It never reports a lower height than previously observed.
func (b *Bridge) State(ctx context.Context, clientID uint32, src common.UniversalChainID) (*State, error) {
	h, err := b.client.GetLatestVerifiedHeight(ctx, clientID)
	if err != nil {
		return nil, err
	}
	s := State{
		ClientID:             clientID,
		SourceChainID:        src,
		DestinationChainID:   b.dst.ID,
		LatestVerifiedHeight: h,
		Status:               StatusUninitialized,
	}
	if h > 0 {
		s.Status = StatusTracking
		root, err := b.client.GetVerifiedRoot(ctx, clientID, h)
		switch {
		case errors.Is(err, chain.ErrRootNotFound):
		case err != nil:
			return nil, err
		default:
			s.VerifiedRoot = root
		}
	}
	out := b.record(s)
	return &out, nil
}

func (b *Bridge) currentHeight(ctx context.Context, clientID uint32) (uint64, error) {
	h, err := b.client.GetLatestVerifiedHeight(ctx, clientID)
	if err != nil {
		return 0, err
	}
	if local, ok := b.localState(clientID); ok && local.LatestVerifiedHeight > h {
		h = local.LatestVerifiedHeight
	}
	return h, nil
}

// UpdateClient builds an update of clientID to height. It fails with RegressionError when
// height does not exceed the verified height.
func (b *Bridge) UpdateClient(ctx context.Context, clientID uint32, height uint64, handler ethcommon.Address, src common.UniversalChainID) (*UpdateRequest, error) {
	if _, err := b.registry.Lookup(src); err != nil {
		return nil, err
	}
	headers, ok := b.sources[src]
	if !ok {
		return nil, fmt.Errorf("no header source for %s", src)
	}

	current, err := b.currentHeight(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if height <= current {
		return nil, &common.RegressionError{ClientID: clientID, Height: height, Current: current}
	}

	header, err := headers.Header(ctx, height)
	if err != nil {
		return nil, err
	}
	if header.Height != height {
		return nil, fmt.Errorf("header source returned height %d for %d", header.Height, height)
	}

	return &UpdateRequest{
		ClientID:           clientID,
		Height:             height,
		Handler:            handler,
		SourceChainID:      src,
		DestinationChainID: b.dst.ID,
		Header:             header,
	}, nil
}

// Sign encodes the update as an updateClient call and signs it with the wallet.
func (b *Bridge) Sign(ctx context.Context, req *UpdateRequest) (*chain.SignedRequest, error) {
	data, err := chain.IBCHandler.Pack("updateClient", req.ClientID, req.Height, req.Header.Raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode update: %w", err)
	}
	return b.wallet.Sign(ctx, &chain.Request{
		Kind:           chain.KindUpdateClient,
		ChainID:        b.dst.ID,
		To:             req.Handler,
		Data:           data,
		IdempotencyKey: req.IdempotencyKey(),
		GasLimit:       updateGasLimit,
	})
}

// Submit broadcasts a signed update, retrying transient failures. Resubmitting the same
// signed update is harmless. An update refused for its nonce is signed again.
func (b *Bridge) Submit(ctx context.Context, signed *chain.SignedRequest) (*SubmissionResult, error) {
	txHash, err := common.Retry(ctx, b.logger, b.policy, "submit light client update", func() (ethcommon.Hash, error) {
		accepted, h, err := chain.Broadcast(ctx, b.client, b.wallet, signed)
		signed = accepted
		return h, err
	})
	if err != nil {
		return nil, err
	}
	return &SubmissionResult{TxHash: txHash}, nil
}

// Update moves clientID to height, or to the latest source height when height is 0. Updates
// of one client are serialized: build, sign, submit and wait complete before the next starts.
func (b *Bridge) Update(ctx context.Context, clientID uint32, src common.UniversalChainID, height uint64) (*State, error) {
	l := b.lock(clientID)
	l.Lock()
	defer l.Unlock()

	label := strconv.FormatUint(uint64(clientID), 10)
	logger := b.logger.With(zap.Uint32("clientId", clientID), zap.String("src", string(src)))

	if height == 0 {
		headers, ok := b.sources[src]
		if !ok {
			return nil, fmt.Errorf("no header source for %s", src)
		}
		latest, err := headers.LatestHeight(ctx)
		if err != nil {
			return nil, err
		}
		height = latest
	}

	req, err := b.UpdateClient(ctx, clientID, height, b.dst.IBCHandler, src)
	if err != nil {
		updatesTotal.WithLabelValues(label, "rejected").Inc()
		return nil, err
	}
	signed, err := b.Sign(ctx, req)
	if err != nil {
		return nil, err
	}
	res, err := b.Submit(ctx, signed)
	if err != nil {
		updatesTotal.WithLabelValues(label, "failed").Inc()
		return nil, err
	}
	res.Height = height

	receipt, err := common.Retry(ctx, logger, b.policy, "wait for light client update", func() (*chain.Receipt, error) {
		return b.client.WaitForReceipt(ctx, res.TxHash)
	})
	if err != nil {
		updatesTotal.WithLabelValues(label, "failed").Inc()
		var reverted *chain.RevertedError
		if errors.As(err, &reverted) {
			// Another updater may have moved the client past height in the meantime.
			if current, cerr := b.client.GetLatestVerifiedHeight(ctx, clientID); cerr == nil && current >= height {
				return nil, &common.RegressionError{ClientID: clientID, Height: height, Current: current}
			}
		}
		return nil, err
	}

	updatesTotal.WithLabelValues(label, "ok").Inc()
	logger.Info("updated light client",
		zap.Uint64("height", height),
		zap.Stringer("tx", res.TxHash),
		zap.Uint64("block", receipt.BlockNumber))

	s := b.record(State{
		ClientID:             clientID,
		SourceChainID:        src,
		DestinationChainID:   b.dst.ID,
		LatestVerifiedHeight: height,
		VerifiedRoot:         req.Header.StateRoot,
		Status:               StatusTracking,
	})
	return &s, nil
}

// Sync brings clientID to the latest source height. A client already there is left alone.
func (b *Bridge) Sync(ctx context.Context, clientID uint32, src common.UniversalChainID) (*State, error) {
	s, err := b.Update(ctx, clientID, src, 0)
	var regressed *common.RegressionError
	if errors.As(err, &regressed) {
		return b.State(ctx, clientID, src)
	}
	return s, err
}
