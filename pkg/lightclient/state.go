// Package lightclient drives the light clients a destination chain hosts for its source
// chains. A light client only ever moves forward: an update to a height at or below the
// verified one is rejected before it is signed.
package lightclient

import (
	"fmt"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/chain"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
)

type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusTracking      Status = "tracking"
)

// State is what the bridge knows of one light client.
type State struct {
	ClientID             uint32
	SourceChainID        common.UniversalChainID
	DestinationChainID   common.UniversalChainID
	LatestVerifiedHeight uint64
	VerifiedRoot         ethcommon.Hash
	Status               Status
}

// UpdateRequest moves a light client to Height. It is built by UpdateClient and consumed
// by Sign.
type UpdateRequest struct {
	ClientID           uint32
	Height             uint64
	Handler            ethcommon.Address
	SourceChainID      common.UniversalChainID
	DestinationChainID common.UniversalChainID
	Header             *chain.Header
}

// IdempotencyKey names the update so that signing it twice yields the same transaction.
func (r *UpdateRequest) IdempotencyKey() string {
	return fmt.Sprintf("client/%s/%d/height/%d", r.DestinationChainID, r.ClientID, r.Height)
}

// SubmissionResult identifies a submitted update.
type SubmissionResult struct {
	TxHash ethcommon.Hash
	Height uint64
}
