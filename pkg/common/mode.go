package common

import (
	"fmt"
	"strings"
)

type Environment string

const (
	MainNet      Environment = "prod"
	TestNet      Environment = "test"
	UnsafeDevNet Environment = "dev" // in-process chain, prover and attestor; keys are deterministic
	GoTest       Environment = "unit-test"
)

// ParseEnvironment parses a string into the corresponding Environment value, allowing various reasonable variations.
func ParseEnvironment(str string) (Environment, error) {
	switch strings.ToLower(str) {
	case "prod", "mainnet":
		return MainNet, nil
	case "test", "testnet":
		return TestNet, nil
	case "dev", "devnet", "unsafedevnet":
		return UnsafeDevNet, nil
	case "unit-test", "gotest":
		return GoTest, nil
	}
	return UnsafeDevNet, fmt.Errorf("invalid environment string: %s", str)
}

// Registry returns the built-in chain registry for the environment.
func (e Environment) Registry() *ChainRegistry {
	switch e {
	case MainNet:
		return MainnetRegistry()
	default:
		return DevnetRegistry()
	}
}
