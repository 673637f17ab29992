package zpayd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/attestor"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/chain"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/config"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/db"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/devnet"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/keys"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/lightclient"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/pipeline"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/prover"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/redemption"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/signer"
)

var (
	redeemBeneficiaries *[]string
	redeemBeneficiary   *string
	redeemSrc           *string
	redeemDst           *string
	redeemAsset         *string
	redeemAmount        *string
	redeemClientID      *uint32
	redeemSrcRPC        *string
	redeemSigner        *string
	redeemAttestors     *[]string
	redeemSetIndex      *uint32
	redeemTimeout       *time.Duration
	redeemRPS           *float64
)

func init() {
	redeemBeneficiaries = RedeemCmd.Flags().StringSlice("beneficiary", nil, "Beneficiary set of the deposit address, repeatable")
	redeemBeneficiary = RedeemCmd.Flags().String("to", "", "Beneficiary to pay (default: the only beneficiary)")
	redeemSrc = RedeemCmd.Flags().String("src", "", "Source chain holding the deposit (default: --dst)")
	redeemDst = RedeemCmd.Flags().String("dst", "", "Destination chain (default: the registry's only chain)")
	redeemAsset = RedeemCmd.Flags().String("asset", "", "Underlying token of the payment (default: the chain's only asset)")
	redeemAmount = RedeemCmd.Flags().String("amount", "", "Amount to redeem, in base units")
	redeemClientID = RedeemCmd.Flags().Uint32("clientId", 0, "Light client on the destination tracking the source (default: the destination's loopback client)")
	redeemSrcRPC = RedeemCmd.Flags().String("srcRPC", "", "Source chain RPC when it differs from the destination (default: RPC)")
	redeemSigner = RedeemCmd.Flags().String("signer", config.PrivateKeySigner, "Relayer signer URI (file://, env://, amazonkms://)")
	redeemAttestors = RedeemCmd.Flags().StringSlice("attestor", nil, "Attestor address of the current attestor set, in set order, repeatable")
	redeemSetIndex = RedeemCmd.Flags().Uint32("attestorSetIndex", 0, "Index of the attestor set")
	redeemTimeout = RedeemCmd.Flags().Duration("timeout", 10*time.Minute, "Give up after this long")
	redeemRPS = RedeemCmd.Flags().Float64("rps", 5, "Request rate limit for the prover and attestor")
}

var RedeemCmd = &cobra.Command{
	Use:   "redeem [KEYSTORE]",
	Short: "Redeem a payment to its beneficiary on the destination chain",
	Long: `Redeem a payment to its beneficiary on the destination chain.

With --env=dev, redeem runs against an in-process devnet and first deposits --amount to the
deposit address itself, playing the payer.`,
	Args: cobra.ExactArgs(1),
	RunE: runRedeem,
}

type redeemArgs struct {
	beneficiaries []ethcommon.Address
	options       []pipeline.RedeemOption
	src, dst      common.UniversalChainID
	asset         ethcommon.Address
	amount        *uint256.Int
}

func parseRedeemArgs(registry *common.ChainRegistry) (*redeemArgs, error) {
	var (
		a   redeemArgs
		err error
	)
	if a.beneficiaries, err = parseBeneficiaries(*redeemBeneficiaries); err != nil {
		return nil, err
	}
	if *redeemBeneficiary != "" {
		to, err := parseAddress("to", *redeemBeneficiary)
		if err != nil {
			return nil, err
		}
		a.options = append(a.options, pipeline.WithBeneficiary(to))
	}
	if a.dst, err = chainID(registry, *redeemDst); err != nil {
		return nil, err
	}
	a.src = a.dst
	if *redeemSrc != "" {
		if a.src, err = chainID(registry, *redeemSrc); err != nil {
			return nil, err
		}
	}
	if a.asset, err = defaultAsset(registry, a.dst, *redeemAsset); err != nil {
		return nil, err
	}
	if a.amount, err = parseAmount(*redeemAmount); err != nil {
		return nil, err
	}
	return &a, nil
}

func runRedeem(cmd *cobra.Command, args []string) error {
	env, err := environment()
	if err != nil {
		return err
	}
	if env != common.UnsafeDevNet {
		if err := common.LockMemory(); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning:", err)
		}
	}
	common.SetRestrictiveUmask()
	logger, err := newLogger()
	if err != nil {
		return err
	}
	registry, err := loadRegistry(env)
	if err != nil {
		return err
	}
	ra, err := parseRedeemArgs(registry)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *redeemTimeout)
	defer cancelTimeout()

	database, err := openDatabase(logger)
	if err != nil {
		return err
	}
	if database != nil {
		defer database.Close()
	}

	key, err := loadKey(args[0])
	if err != nil {
		return err
	}
	defer key.Destroy()

	var receipt *chain.Receipt
	if env == common.UnsafeDevNet {
		receipt, err = redeemDevnet(ctx, logger, database, key, ra)
	} else {
		receipt, err = redeemLive(ctx, logger, env, registry, database, key, ra)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "redeemed %s in tx %s (block %d)\n", ra.amount.Dec(), receipt.TxHash.Hex(), receipt.BlockNumber)
	return nil
}

func redeemDevnet(ctx context.Context, logger *zap.Logger, database *db.Database, key *keys.PaymentKey, ra *redeemArgs) (*chain.Receipt, error) {
	n, err := devnet.NewNetwork(ctx, logger, chain.WithPollInterval(50*time.Millisecond))
	if err != nil {
		return nil, err
	}
	p, err := pipeline.NewDevnet(logger, n, database, common.DefaultRetryPolicy)
	if err != nil {
		return nil, err
	}
	pay, err := p.FromKey(key, ra.beneficiaries, ra.dst, ra.asset, ra.amount)
	if err != nil {
		return nil, err
	}

	height := n.Chain.Deposit(pay.Deposit.ZAsset, pay.Deposit.Address, ra.amount)
	logger.Info("devnet payer deposited", zap.Stringer("depositAddress", pay.Deposit.Address), zap.Uint64("height", height))

	return p.Redeem(ctx, pay, ra.options...)
}

func redeemLive(ctx context.Context, logger *zap.Logger, env common.Environment, registry *common.ChainRegistry, database *db.Database, key *keys.PaymentKey, ra *redeemArgs) (*chain.Receipt, error) {
	secrets, err := config.LoadSecrets()
	if err != nil {
		return nil, err
	}
	if err := secrets.Validate(env, *redeemSigner); err != nil {
		return nil, err
	}
	set, err := attestor.ParseSet(*redeemSetIndex, *redeemAttestors)
	if err != nil {
		return nil, err
	}

	dstInfo, err := registry.Lookup(ra.dst)
	if err != nil {
		return nil, err
	}
	dstClient, err := chain.DialEVM(ctx, logger, secrets.RPC, dstInfo)
	if err != nil {
		return nil, err
	}
	srcClient := dstClient
	if ra.src != ra.dst {
		if *redeemSrcRPC == "" {
			return nil, fmt.Errorf("--srcRPC is required to redeem %s deposits on %s", ra.src, ra.dst)
		}
		srcInfo, err := registry.Lookup(ra.src)
		if err != nil {
			return nil, err
		}
		if srcClient, err = chain.DialEVM(ctx, logger, *redeemSrcRPC, srcInfo); err != nil {
			return nil, err
		}
	}

	relayer, err := signer.NewSignerFromUri(ctx, *redeemSigner, false)
	if err != nil {
		return nil, err
	}
	wallet := chain.NewEVMWallet(ctx, signer.BenchmarkWrappedSigner(relayer), dstClient)
	logger.Info("relayer", zap.Stringer("address", wallet.From()))

	bridgeOpts := []lightclient.Option{lightclient.WithSource(ra.src, srcClient)}
	coordinatorOpts := []redemption.Option{}
	if database != nil {
		bridgeOpts = append(bridgeOpts, lightclient.WithDatabase(database))
		coordinatorOpts = append(coordinatorOpts, redemption.WithDatabase(database))
	}
	bridge, err := lightclient.NewBridge(logger, registry, ra.dst, dstClient, wallet, bridgeOpts...)
	if err != nil {
		return nil, err
	}
	if database != nil {
		if err := bridge.Restore(); err != nil {
			return nil, err
		}
	}
	coordinator, err := redemption.NewCoordinator(logger, registry, ra.dst, dstClient, wallet, set, coordinatorOpts...)
	if err != nil {
		return nil, err
	}

	p, err := pipeline.New(logger, pipeline.Config{
		Registry:           registry,
		SourceChainID:      ra.src,
		DestinationChainID: ra.dst,
		ClientID:           *redeemClientID,
		Source:             srcClient,
		Destination:        dstClient,
		Bridge:             bridge,
		Coordinator:        coordinator,
		Prover:             prover.NewHTTPClient(logger, secrets.ProverURL, 0, *redeemRPS),
		Attestor:           attestor.NewHTTPClient(logger, secrets.AttestorURL, secrets.AttestorAPIKey, 0, *redeemRPS),
		Database:           database,
	})
	if err != nil {
		return nil, err
	}
	pay, err := p.FromKey(key, ra.beneficiaries, ra.dst, ra.asset, ra.amount)
	if err != nil {
		return nil, err
	}
	return p.Redeem(ctx, pay, ra.options...)
}
