package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
)

const paymentPrefix = "ZPAY:PAYMENT:V1:"

type PaymentStatus string

const (
	PaymentAwaitingDeposit PaymentStatus = "awaiting_deposit"
	PaymentRedeeming       PaymentStatus = "redeeming"
	PaymentRedeemed        PaymentStatus = "redeemed"
	PaymentFailed          PaymentStatus = "failed"
)

// PaymentRecord is the public bookkeeping of a payment. It never holds the payment key.
type PaymentRecord struct {
	ID                 uuid.UUID               `json:"id"`
	DepositAddress     string                  `json:"depositAddress"`
	Beneficiaries      []string                `json:"beneficiaries"`
	SourceChainID      common.UniversalChainID `json:"sourceChainId"`
	DestinationChainID common.UniversalChainID `json:"destinationChainId"`
	Asset              string                  `json:"asset"`
	Amount             string                  `json:"amount"`
	Nullifier          string                  `json:"nullifier,omitempty"`
	Status             PaymentStatus           `json:"status"`
	TxHash             string                  `json:"txHash,omitempty"`
	Error              string                  `json:"error,omitempty"`
	CreatedAt          time.Time               `json:"createdAt"`
	UpdatedAt          time.Time               `json:"updatedAt"`
}

func paymentKey(id uuid.UUID) []byte {
	return fmt.Appendf(nil, "%s%s", paymentPrefix, id)
}

func (d *Database) StorePayment(p *PaymentRecord) error {
	return d.putJSON(paymentKey(p.ID), p)
}

func (d *Database) GetPayment(id uuid.UUID) (*PaymentRecord, error) {
	var p PaymentRecord
	if err := d.getJSON(paymentKey(id), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePayment applies fn to the stored record and writes it back atomically.
func (d *Database) UpdatePayment(id uuid.UUID, fn func(p *PaymentRecord)) (*PaymentRecord, error) {
	var p PaymentRecord
	err := d.updateJSON(paymentKey(id), &p, func(found bool) (bool, error) {
		if !found {
			return false, ErrNotFound
		}
		fn(&p)
		p.UpdatedAt = time.Now()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *Database) Payments() ([]*PaymentRecord, error) {
	return iterateJSON[PaymentRecord](d, []byte(paymentPrefix))
}
