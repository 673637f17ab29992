package pipeline

import (
	"go.uber.org/zap"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/db"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/devnet"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/lightclient"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/redemption"
)

// NewDevnet returns a loopback pipeline on an in-process devnet. database may be nil.
func NewDevnet(logger *zap.Logger, n *devnet.Network, database *db.Database, policy common.RetryPolicy) (*Pipeline, error) {
	if policy == (common.RetryPolicy{}) {
		policy = common.DefaultRetryPolicy
	}
	bridgeOpts := []lightclient.Option{
		lightclient.WithSource(common.DevnetChainID, n.Client),
		lightclient.WithRetryPolicy(policy),
	}
	coordinatorOpts := []redemption.Option{redemption.WithRetryPolicy(policy)}
	if database != nil {
		bridgeOpts = append(bridgeOpts, lightclient.WithDatabase(database))
		coordinatorOpts = append(coordinatorOpts, redemption.WithDatabase(database))
	}

	bridge, err := lightclient.NewBridge(logger, n.Registry, common.DevnetChainID, n.Client, n.Wallet, bridgeOpts...)
	if err != nil {
		return nil, err
	}
	if database != nil {
		if err := bridge.Restore(); err != nil {
			return nil, err
		}
	}
	coordinator, err := redemption.NewCoordinator(logger, n.Registry, common.DevnetChainID, n.Client, n.Wallet, n.AttestorSet, coordinatorOpts...)
	if err != nil {
		return nil, err
	}

	return New(logger, Config{
		Registry:           n.Registry,
		SourceChainID:      common.DevnetChainID,
		DestinationChainID: common.DevnetChainID,
		ClientID:           n.ClientID,
		Source:             n.Client,
		Destination:        n.Client,
		Bridge:             bridge,
		Coordinator:        coordinator,
		Prover:             n.Prover,
		Attestor:           n.Attestor,
		Database:           database,
		RetryPolicy:        policy,
	})
}
