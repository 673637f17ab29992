package payment

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/stateproof"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/zkp"
)

var proofArguments abi.Arguments

func init() {
	mustType := func(t string) abi.Type {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(err)
		}
		return typ
	}
	for _, t := range []string{
		"bytes",     // commitment
		"bytes",     // nullifier
		"address",   // deposit address
		"address[]", // beneficiaries
		"address",   // beneficiary
		"uint256",   // amount
		"address",   // asset
		"string",    // source chain
		"string",    // destination chain
		"uint64",    // height
		"bytes32",   // state root
		"uint256",   // balance
		"uint64",    // leaf index
		"bytes32[]", // siblings
		"bytes",     // dleq
	} {
		proofArguments = append(proofArguments, abi.Argument{Type: mustType(t)})
	}
}

// EncodeProof serializes a proof as the ABI tuple the zAsset redeem call carries.
func EncodeProof(p *RedemptionProof) ([]byte, error) {
	if p.StateProof == nil || p.Amount == nil || p.StateProof.Balance == nil {
		return nil, fmt.Errorf("incomplete proof")
	}
	siblings := make([][32]byte, len(p.StateProof.Siblings))
	for i, s := range p.StateProof.Siblings {
		siblings[i] = s
	}
	return proofArguments.Pack(
		p.Commitment,
		p.Nullifier.Bytes(),
		p.DepositAddress,
		p.Beneficiaries,
		p.Beneficiary,
		p.Amount.ToBig(),
		p.Asset,
		string(p.SourceChainID),
		string(p.DestinationChainID),
		p.Height,
		[32]byte(p.StateRoot),
		p.StateProof.Balance.ToBig(),
		p.StateProof.Index,
		siblings,
		p.Proof.Bytes(),
	)
}

// DecodeProof parses the output of EncodeProof.
func DecodeProof(data []byte) (*RedemptionProof, error) {
	values, err := proofArguments.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack proof: %w", err)
	}
	if len(values) != len(proofArguments) {
		return nil, fmt.Errorf("unexpected number of proof fields: %d", len(values))
	}

	nullifier, err := NullifierFromBytes(values[1].([]byte))
	if err != nil {
		return nil, err
	}
	amount, overflow := uint256.FromBig(values[5].(*big.Int))
	if overflow {
		return nil, fmt.Errorf("amount overflows")
	}
	balance, overflow := uint256.FromBig(values[11].(*big.Int))
	if overflow {
		return nil, fmt.Errorf("balance overflows")
	}
	src, err := common.ParseUniversalChainID(values[7].(string))
	if err != nil {
		return nil, err
	}
	dst, err := common.ParseUniversalChainID(values[8].(string))
	if err != nil {
		return nil, err
	}
	rawSiblings := values[13].([][32]byte)
	if len(rawSiblings) > stateproof.MaxDepth {
		return nil, stateproof.ErrPathTooLong
	}
	siblings := make([]ethcommon.Hash, len(rawSiblings))
	for i, s := range rawSiblings {
		siblings[i] = s
	}
	dleq, err := zkp.ParseDLEQProof(values[14].([]byte))
	if err != nil {
		return nil, err
	}

	pi := PublicInputs{
		Commitment:         values[0].([]byte),
		Nullifier:          nullifier,
		DepositAddress:     values[2].(ethcommon.Address),
		Beneficiaries:      values[3].([]ethcommon.Address),
		Beneficiary:        values[4].(ethcommon.Address),
		Amount:             amount,
		Asset:              values[6].(ethcommon.Address),
		SourceChainID:      src,
		DestinationChainID: dst,
		Height:             values[9].(uint64),
		StateRoot:          values[10].([32]byte),
	}
	return &RedemptionProof{
		PublicInputs: pi,
		StateProof: &stateproof.ChainStateProof{
			SourceChainID: src,
			Height:        pi.Height,
			StateRoot:     pi.StateRoot,
			Asset:         pi.Asset,
			Account:       pi.DepositAddress,
			Balance:       balance,
			Index:         values[12].(uint64),
			Siblings:      siblings,
		},
		Proof: *dleq,
	}, nil
}
