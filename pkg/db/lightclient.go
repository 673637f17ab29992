package db

import (
	"fmt"
	"time"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
)

const lightClientPrefix = "ZPAY:LIGHTCLIENT:V1:"

// LightClientRecord is the last state the bridge recorded for a light client.
type LightClientRecord struct {
	ClientID           uint32                  `json:"clientId"`
	SourceChainID      common.UniversalChainID `json:"sourceChainId"`
	DestinationChainID common.UniversalChainID `json:"destinationChainId"`
	Height             uint64                  `json:"height"`
	StateRoot          string                  `json:"stateRoot"`
	Status             string                  `json:"status"`
	UpdatedAt          time.Time               `json:"updatedAt"`
}

func lightClientKey(dst common.UniversalChainID, clientID uint32) []byte {
	return fmt.Appendf(nil, "%s%s/%d", lightClientPrefix, dst, clientID)
}

// StoreLightClient writes r unless a record with a greater height exists. It returns the
// height stored after the call.
func (d *Database) StoreLightClient(r *LightClientRecord) (uint64, error) {
	var rec LightClientRecord
	err := d.updateJSON(lightClientKey(r.DestinationChainID, r.ClientID), &rec, func(found bool) (bool, error) {
		if found && rec.Height > r.Height {
			return false, nil
		}
		rec = *r
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	return rec.Height, nil
}

func (d *Database) GetLightClient(dst common.UniversalChainID, clientID uint32) (*LightClientRecord, error) {
	var r LightClientRecord
	if err := d.getJSON(lightClientKey(dst, clientID), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (d *Database) LightClients() ([]*LightClientRecord, error) {
	return iterateJSON[LightClientRecord](d, []byte(lightClientPrefix))
}
