package payment

import (
	"errors"
	"fmt"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/zkp"
)

var ErrInvalidProof = errors.New("invalid redemption proof")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidProof, fmt.Sprintf(format, args...))
}

// VerifyProof checks a redemption proof the way the destination zAsset contract does: the state
// proof must be internally consistent and cover the amount, and the DLEQ proof must bind the
// commitment, nullifier and every public input. It does not check the root against a light
// client; callers compare StateRoot with the root verified at Height.
func VerifyProof(registry *common.ChainRegistry, p *RedemptionProof) error {
	if p == nil || p.StateProof == nil || p.Amount == nil {
		return invalid("incomplete proof")
	}
	if _, err := registry.Lookup(p.SourceChainID); err != nil {
		return err
	}
	if _, err := registry.Lookup(p.DestinationChainID); err != nil {
		return err
	}

	if AddressFromCommitment(p.Commitment) != p.DepositAddress {
		return invalid("deposit address does not match commitment")
	}
	canonical := CanonicalBeneficiaries(p.Beneficiaries)
	if len(canonical) == 0 || len(canonical) != len(p.Beneficiaries) {
		return invalid("beneficiary set is not canonical")
	}
	for i := range canonical {
		if canonical[i] != p.Beneficiaries[i] {
			return invalid("beneficiary set is not canonical")
		}
	}
	found := false
	for _, b := range p.Beneficiaries {
		if b == p.Beneficiary {
			found = true
			break
		}
	}
	if !found {
		return invalid("beneficiary %s is not in the set", p.Beneficiary.Hex())
	}

	sp := p.StateProof
	switch {
	case sp.SourceChainID != p.SourceChainID:
		return invalid("state proof is for chain %s", sp.SourceChainID)
	case sp.Height != p.Height || sp.StateRoot != p.StateRoot:
		return invalid("state proof height or root differs from public inputs")
	case sp.Account != p.DepositAddress || sp.Asset != p.Asset:
		return invalid("state proof is for a different account or asset")
	}
	if err := sp.Verify(); err != nil {
		return invalid("state proof: %v", err)
	}
	if !sp.Covers(p.Amount) {
		return invalid("balance %s below amount %s", sp.Balance.Dec(), p.Amount.Dec())
	}

	st, err := p.statement()
	if err != nil {
		return invalid("%v", err)
	}
	if err := zkp.VerifyDLEQ(p.transcript(), st, &p.Proof); err != nil {
		return invalid("%v", err)
	}
	return nil
}
