package config

import (
	"fmt"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
)

// chainConfig is one entry of the "chains" list of a registry file:
//
//	chains:
//	  - id: ethereum.1
//	    ibcHandler: "0xee4ea8d358473f0fcebf0329feed95d56e8c04d7"
//	    lightClientId: 9
//	    zAssets:
//	      "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48": "0xF0000101561619d8A61ABd045F47Af4f41Afe62D"
type chainConfig struct {
	ID            string            `mapstructure:"id"`
	EVMChainID    uint64            `mapstructure:"evmChainId"`
	IBCHandler    string            `mapstructure:"ibcHandler"`
	LightClientID uint32            `mapstructure:"lightClientId"`
	ZAssets       map[string]string `mapstructure:"zAssets"`
}

func parseAddress(field, s string) (ethcommon.Address, error) {
	if !ethcommon.IsHexAddress(s) {
		return ethcommon.Address{}, fmt.Errorf("%s: invalid address %q", field, s)
	}
	return ethcommon.HexToAddress(s), nil
}

func (c *chainConfig) chainInfo() (*common.ChainInfo, error) {
	id, err := common.ParseUniversalChainID(c.ID)
	if err != nil {
		return nil, err
	}
	evmChainID := c.EVMChainID
	if evmChainID == 0 {
		if evmChainID, err = common.ParseEVMChainID(id); err != nil {
			return nil, err
		}
	}
	handler, err := parseAddress(fmt.Sprintf("%s.ibcHandler", id), c.IBCHandler)
	if err != nil {
		return nil, err
	}
	info := &common.ChainInfo{
		ID:            id,
		EVMChainID:    evmChainID,
		IBCHandler:    handler,
		LightClientID: c.LightClientID,
		ZAssets:       make(map[ethcommon.Address]ethcommon.Address, len(c.ZAssets)),
	}
	for underlying, wrapper := range c.ZAssets {
		u, err := parseAddress(fmt.Sprintf("%s.zAssets", id), underlying)
		if err != nil {
			return nil, err
		}
		z, err := parseAddress(fmt.Sprintf("%s.zAssets[%s]", id, underlying), wrapper)
		if err != nil {
			return nil, err
		}
		info.ZAssets[u] = z
	}
	return info, nil
}

// LoadRegistry reads a chain registry file.
func LoadRegistry(path string) (*common.ChainRegistry, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read registry %s: %w", path, err)
	}

	var chains []chainConfig
	if err := v.UnmarshalKey("chains", &chains); err != nil {
		return nil, fmt.Errorf("failed to decode registry %s: %w", path, err)
	}
	if len(chains) == 0 {
		return nil, fmt.Errorf("registry %s lists no chains", path)
	}

	registry, err := common.NewChainRegistry()
	if err != nil {
		return nil, err
	}
	for i := range chains {
		info, err := chains[i].chainInfo()
		if err != nil {
			return nil, fmt.Errorf("registry %s: %w", path, err)
		}
		if err := registry.Register(info); err != nil {
			return nil, fmt.Errorf("registry %s: %w", path, err)
		}
	}
	return registry, nil
}

// Registry returns the registry at path, or the built-in one for env when path is empty.
func Registry(env common.Environment, path string) (*common.ChainRegistry, error) {
	if path == "" {
		return env.Registry(), nil
	}
	return LoadRegistry(path)
}
