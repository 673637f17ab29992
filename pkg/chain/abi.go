package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// IBCHandlerABI is the subset of the IBC handler used to drive and read light clients.
const IBCHandlerABI = `[
  {"type":"function","name":"updateClient","stateMutability":"nonpayable",
   "inputs":[{"name":"clientId","type":"uint32"},{"name":"height","type":"uint64"},{"name":"header","type":"bytes"}],
   "outputs":[]},
  {"type":"function","name":"getLatestHeight","stateMutability":"view",
   "inputs":[{"name":"clientId","type":"uint32"}],
   "outputs":[{"name":"","type":"uint64"}]},
  {"type":"function","name":"getStateRoot","stateMutability":"view",
   "inputs":[{"name":"clientId","type":"uint32"},{"name":"height","type":"uint64"}],
   "outputs":[{"name":"","type":"bytes32"}]}
]`

// ZAssetABI is the subset of the zAsset wrapper used for redemptions.
const ZAssetABI = `[
  {"type":"function","name":"redeem","stateMutability":"nonpayable",
   "inputs":[{"name":"nullifier","type":"bytes"},{"name":"beneficiary","type":"address"},{"name":"amount","type":"uint256"},
             {"name":"clientId","type":"uint32"},{"name":"proof","type":"bytes"},{"name":"attestation","type":"bytes"}],
   "outputs":[]},
  {"type":"function","name":"nullifierSpent","stateMutability":"view",
   "inputs":[{"name":"nullifier","type":"bytes"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

var (
	IBCHandler = mustParseABI(IBCHandlerABI)
	ZAsset     = mustParseABI(ZAssetABI)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid abi: %v", err))
	}
	return parsed
}

// DecodeCall returns the method and arguments of calldata against contract.
func DecodeCall(contract abi.ABI, data []byte) (*abi.Method, []interface{}, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("calldata too short")
	}
	method, err := contract.MethodById(data[:4])
	if err != nil {
		return nil, nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to unpack %s: %w", method.Name, err)
	}
	return method, args, nil
}
