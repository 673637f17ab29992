package common

import (
	"github.com/ethereum/go-ethereum/common"
)

const (
	EthereumMainnet UniversalChainID = "ethereum.1"
	EthereumSepolia UniversalChainID = "ethereum.11155111"
	// Chain id of the in-process devnet chain.
	DevnetChainID UniversalChainID = "ethereum.1337"
)

var (
	MainnetUSDC  = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	MainnetZUSDC = common.HexToAddress("0xF0000101561619d8A61ABd045F47Af4f41Afe62D")

	MainnetIBCHandler = common.HexToAddress("0xee4ea8d358473f0fcebf0329feed95d56e8c04d7")
)

// MainnetLoopbackClientID is the light client on Ethereum that tracks Ethereum itself.
const MainnetLoopbackClientID uint32 = 9

// MainnetRegistry returns the production chain configuration.
func MainnetRegistry() *ChainRegistry {
	r, err := NewChainRegistry(&ChainInfo{
		ID:            EthereumMainnet,
		EVMChainID:    1,
		IBCHandler:    MainnetIBCHandler,
		LightClientID: MainnetLoopbackClientID,
		ZAssets: map[common.Address]common.Address{
			MainnetUSDC: MainnetZUSDC,
		},
	})
	if err != nil {
		panic(err)
	}
	return r
}

var (
	DevnetToken      = common.HexToAddress("0x00000000000000000000000000000000000d0001")
	DevnetZToken     = common.HexToAddress("0x00000000000000000000000000000000000d0002")
	DevnetIBCHandler = common.HexToAddress("0x00000000000000000000000000000000000d0003")
)

// DevnetRegistry returns a registry for the in-process devnet chain. Keys and attestors on devnet are deterministic.
func DevnetRegistry() *ChainRegistry {
	r, err := NewChainRegistry(&ChainInfo{
		ID:            DevnetChainID,
		EVMChainID:    1337,
		IBCHandler:    DevnetIBCHandler,
		LightClientID: 1,
		ZAssets: map[common.Address]common.Address{
			DevnetToken: DevnetZToken,
		},
	})
	if err != nil {
		panic(err)
	}
	return r
}
