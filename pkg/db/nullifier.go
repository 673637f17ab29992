package db

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
)

const nullifierPrefix = "ZPAY:NULLIFIER:V1:"

var storedNullifiersTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "zpay_db_total_spent_nullifiers",
		Help: "Total number of spent nullifiers added to database",
	})

// SpentNullifier records a redemption this node saw land.
type SpentNullifier struct {
	Nullifier          string                  `json:"nullifier"`
	DestinationChainID common.UniversalChainID `json:"destinationChainId"`
	TxHash             string                  `json:"txHash"`
	BlockNumber        uint64                  `json:"blockNumber"`
	RedeemedAt         time.Time               `json:"redeemedAt"`
}

func nullifierKey(nullifier []byte) []byte {
	return fmt.Appendf(nil, "%s%s", nullifierPrefix, hex.EncodeToString(nullifier))
}

func (d *Database) StoreSpentNullifier(nullifier []byte, n *SpentNullifier) error {
	if err := d.putJSON(nullifierKey(nullifier), n); err != nil {
		return err
	}
	storedNullifiersTotal.Inc()
	return nil
}

func (d *Database) IsNullifierSpent(nullifier []byte) (bool, error) {
	return d.has(nullifierKey(nullifier))
}

// GetSpentNullifier returns ErrNotFound for nullifiers not recorded as spent.
func (d *Database) GetSpentNullifier(nullifier []byte) (*SpentNullifier, error) {
	var n SpentNullifier
	if err := d.getJSON(nullifierKey(nullifier), &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (d *Database) SpentNullifiers() ([]*SpentNullifier, error) {
	return iterateJSON[SpentNullifier](d, []byte(nullifierPrefix))
}
