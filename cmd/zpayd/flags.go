// Package zpayd implements the zpayd subcommands.
package zpayd

import (
	"fmt"
	"os"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/config"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/db"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/keys"
)

// GlobalFlags are shared by every subcommand. The root command adds them as persistent flags.
var GlobalFlags = pflag.NewFlagSet("zpayd", pflag.ExitOnError)

var (
	envStr       *string
	logLevel     *string
	registryPath *string
	dataDir      *string
	passwordFile *string
)

func init() {
	envStr = GlobalFlags.String("env", "prod", "Environment (prod, test, dev). dev runs an in-process chain, prover and attestor")
	logLevel = GlobalFlags.String("logLevel", "info", "Logging level (debug, info, warn, error, dpanic, panic, fatal)")
	registryPath = GlobalFlags.String("registry", "", "Chain registry file (default: built-in registry of --env)")
	dataDir = GlobalFlags.String("dataDir", "", "Data directory for payment records and the spent-nullifier cache (optional)")
	passwordFile = GlobalFlags.String("passwordFile", "", "Read the keystore password from this file instead of the terminal")
}

func environment() (common.Environment, error) {
	return common.ParseEnvironment(*envStr)
}

func loadRegistry(env common.Environment) (*common.ChainRegistry, error) {
	return config.Registry(env, *registryPath)
}

func readPassword(prompt string) ([]byte, error) {
	if *passwordFile == "" {
		return config.ReadPassword(prompt)
	}
	raw, err := os.ReadFile(*passwordFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read password file: %w", err)
	}
	pw := []byte(strings.TrimRight(string(raw), "\r\n"))
	clear(raw)
	if len(pw) == 0 {
		return nil, fmt.Errorf("password file %s is empty", *passwordFile)
	}
	return pw, nil
}

func loadKey(path string) (*keys.PaymentKey, error) {
	pw, err := readPassword("Keystore password: ")
	if err != nil {
		return nil, err
	}
	defer clear(pw)
	return keys.ReadKeystore(path, pw)
}

func parseBeneficiaries(in []string) ([]ethcommon.Address, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("at least one --beneficiary is required")
	}
	out := make([]ethcommon.Address, 0, len(in))
	for _, s := range in {
		if !ethcommon.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid beneficiary address %q", s)
		}
		out = append(out, ethcommon.HexToAddress(s))
	}
	return out, nil
}

func parseAddress(name, s string) (ethcommon.Address, error) {
	if !ethcommon.IsHexAddress(s) {
		return ethcommon.Address{}, fmt.Errorf("invalid --%s address %q", name, s)
	}
	return ethcommon.HexToAddress(s), nil
}

func parseAmount(s string) (*uint256.Int, error) {
	amount, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid --amount %q: %w", s, err)
	}
	if amount.IsZero() {
		return nil, fmt.Errorf("--amount must be positive")
	}
	return amount, nil
}

// chainID resolves a chain flag. Empty selects the only chain of the registry.
func chainID(registry *common.ChainRegistry, flag string) (common.UniversalChainID, error) {
	if flag == "" {
		ids := registry.IDs()
		if len(ids) != 1 {
			return "", fmt.Errorf("registry has %d chains, pick one", len(ids))
		}
		return ids[0], nil
	}
	id, err := common.ParseUniversalChainID(flag)
	if err != nil {
		return "", err
	}
	if _, err := registry.Lookup(id); err != nil {
		return "", err
	}
	return id, nil
}

// defaultAsset is the registry's only underlying token of dst when flag is empty.
func defaultAsset(registry *common.ChainRegistry, dst common.UniversalChainID, flag string) (ethcommon.Address, error) {
	if flag != "" {
		return parseAddress("asset", flag)
	}
	info, err := registry.Lookup(dst)
	if err != nil {
		return ethcommon.Address{}, err
	}
	if len(info.ZAssets) != 1 {
		return ethcommon.Address{}, fmt.Errorf("%s has %d assets, pick one with --asset", dst, len(info.ZAssets))
	}
	var underlying ethcommon.Address
	for u := range info.ZAssets {
		underlying = u
	}
	return underlying, nil
}

func openDatabase(logger *zap.Logger) (*db.Database, error) {
	if *dataDir == "" {
		return nil, nil
	}
	return db.OpenDb(logger, *dataDir)
}
